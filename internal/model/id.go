package model

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// NewRunID generates a UUID distinguishing one run of an execution from
// earlier runs with the same execution id (continue-as-new starts a new run).
func NewRunID() string {
	return uuid.NewString()
}
