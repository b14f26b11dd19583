// Package timer fires durable timers. Timers live as rows derived from
// history, so the service is a polling loop over the store rather than
// in-process time.AfterFunc state: a crash loses nothing, and a timer whose
// deadline passed while the process was down fires immediately on restart.
package timer

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/store"
)

// DefaultTickInterval bounds timer firing latency.
const DefaultTickInterval = 500 * time.Millisecond

const dueBatchSize = 100

// Firer resolves a due timer against the execution that owns it; the engine
// implements it.
type Firer interface {
	FireTimer(ctx context.Context, timer *model.Timer) error
}

// Service scans for due timers and hands them to the engine.
type Service struct {
	store    store.Store
	firer    Firer
	logger   *slog.Logger
	clock    func() time.Time
	interval time.Duration
}

// New creates a timer service. An interval of 0 uses DefaultTickInterval.
func New(st store.Store, firer Firer, logger *slog.Logger, interval time.Duration, clock func() time.Time) *Service {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{store: st, firer: firer, logger: logger, clock: clock, interval: interval}
}

// Run recovers timer rows from history, then ticks until ctx is done.
func (s *Service) Run(ctx context.Context) {
	recovered, err := s.store.RecoverTimers(ctx)
	if err != nil {
		s.logger.Error("recover timers from history", "error", err)
	} else if recovered > 0 {
		s.logger.Info("recovered pending timers from history", "count", recovered)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due timer once. Firing is idempotent at the store layer,
// so a fire that races a cancellation or a concurrent tick is harmless.
func (s *Service) Tick(ctx context.Context) {
	for {
		due, err := s.store.DueTimers(ctx, s.clock(), dueBatchSize)
		if err != nil {
			s.logger.Error("list due timers", "error", err)
			return
		}
		if len(due) == 0 {
			return
		}

		failed := 0
		for _, t := range due {
			if err := s.firer.FireTimer(ctx, t); err != nil {
				failed++
				s.logger.Error("fire timer",
					"execution_id", t.ExecutionID,
					"run_id", t.RunID,
					"timer_id", t.TimerID,
					"error", err,
				)
			}
		}
		// A failed fire leaves the row pending. Stop rather than spin on
		// it; the next tick retries.
		if failed > 0 || len(due) < dueBatchSize {
			return
		}
	}
}
