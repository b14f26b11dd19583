package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/activity"
	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/replay"
)

// dripInput drives the sample drip-sequence workflow.
type dripInput struct {
	Recipient string   `json:"recipient"`
	Messages  []string `json:"messages"`
	// Interval between sends, e.g. "24h". Defaults to one minute so the
	// sample is observable interactively.
	Interval string `json:"interval,omitempty"`
}

// dripSequence sends a series of messages with durable sleeps in between.
// It demonstrates activities with retries, timers that survive restarts,
// early exit via the "unsubscribe" signal, cooperative cancellation, and a
// progress query.
func dripSequence(ctx *replay.Context, input json.RawMessage) (json.RawMessage, error) {
	var in dripInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	interval := time.Minute
	if in.Interval != "" {
		d, err := time.ParseDuration(in.Interval)
		if err != nil {
			return nil, fmt.Errorf("parse interval: %w", err)
		}
		interval = d
	}

	sent := 0
	ctx.HandleQuery("progress", func(_ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(map[string]int{"sent": sent, "total": len(in.Messages)})
	})

	for i, msg := range in.Messages {
		if _, ok := ctx.ReceiveSignal("unsubscribe"); ok {
			return json.Marshal(map[string]any{"sent": sent, "unsubscribed": true})
		}
		if ctx.CancelRequested() {
			return nil, model.ErrCancelled
		}

		payload, err := json.Marshal(map[string]string{"to": in.Recipient, "body": msg})
		if err != nil {
			return nil, err
		}
		if _, err := ctx.ExecuteActivity(fmt.Sprintf("send-%d", i), "send-message", payload); err != nil {
			return nil, err
		}
		sent = i + 1

		if i < len(in.Messages)-1 {
			if err := ctx.Sleep(interval); err != nil {
				return nil, err
			}
		}
	}

	return json.Marshal(map[string]any{"sent": sent})
}

func registerSamples(workflows *replay.Registry, activities *activity.Registry) {
	workflows.Register("drip-sequence", replay.WorkflowFunc(dripSequence))

	activities.RegisterFunc("send-message", func(_ context.Context, task *activity.Task) (json.RawMessage, error) {
		// Stand-in for a real delivery provider call; the idempotency key
		// is what a provider would deduplicate on.
		return json.Marshal(map[string]string{
			"message_id": task.IdempotencyKey(),
			"status":     "sent",
		})
	})
}
