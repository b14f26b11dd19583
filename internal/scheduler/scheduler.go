// Package scheduler matches pending work to available workers via leased,
// at-least-once task delivery. Ordering within a queue is best effort; the
// hard guarantees are that a task is redelivered once its lease expires and
// that at most one decision task per run is ever in flight.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomhq/loom/internal/model"
	"github.com/loomhq/loom/internal/store"
)

// Defaults for lease and polling behavior.
const (
	DefaultLeaseDuration = 30 * time.Second
	DefaultPollInterval  = 200 * time.Millisecond
	DefaultSweepInterval = time.Second
	dueTimerBatch        = 100
)

// Scheduler dispatches tasks from the store's queues to polling workers.
type Scheduler struct {
	store         store.Store
	logger        *slog.Logger
	clock         func() time.Time
	leaseDuration time.Duration
	pollInterval  time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler's clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithLeaseDuration sets the task visibility timeout.
func WithLeaseDuration(d time.Duration) Option {
	return func(s *Scheduler) { s.leaseDuration = d }
}

// WithPollInterval sets how often an idle Poll retries the store.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.pollInterval = d }
}

// New creates a scheduler over the given store.
func New(st store.Store, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:         st,
		logger:        logger,
		clock:         func() time.Time { return time.Now().UTC() },
		leaseDuration: DefaultLeaseDuration,
		pollInterval:  DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LeaseDuration returns the configured task visibility timeout.
func (s *Scheduler) LeaseDuration() time.Duration {
	return s.leaseDuration
}

// Poll long-polls the queue for a task of the given kind, leasing the first
// one that becomes visible. It returns nil only when ctx is done.
func (s *Scheduler) Poll(ctx context.Context, queue, kind, workerID string) (*model.Task, error) {
	for {
		task, err := s.store.LeaseTask(ctx, queue, kind, workerID, s.leaseDuration, s.clock())
		if err != nil {
			return nil, err
		}
		if task != nil {
			tasksLeased.WithLabelValues(kind).Inc()
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.pollInterval):
		}
	}
}

// Heartbeat records an activity attempt's liveness and progress, extending
// its lease. Returns store.ErrTaskGone when the lease moved.
func (s *Scheduler) Heartbeat(ctx context.Context, task *model.Task, details []byte, heartbeatTimeout time.Duration) error {
	return s.store.RecordActivityHeartbeat(ctx, task.ID, task.LeasedBy, details, s.clock(), heartbeatTimeout, s.leaseDuration)
}

// AttemptFailer lets the sweeper surface dead-worker and stuck-task timeouts
// without owning failure semantics; the engine implements it.
type AttemptFailer interface {
	FailTimedOutAttempt(ctx context.Context, task *model.Task, kind model.FailureKind, del *store.TaskDelete) error
}

// Sweeper enforces liveness independently of workers: expired leases become
// visible again, heartbeat silence fails the attempt, and tasks stuck past
// their schedule-to-start deadline time out.
type Sweeper struct {
	store    store.Store
	failer   AttemptFailer
	logger   *slog.Logger
	clock    func() time.Time
	interval time.Duration
}

// NewSweeper creates a sweeper. An interval of 0 uses DefaultSweepInterval.
func NewSweeper(st store.Store, failer AttemptFailer, logger *slog.Logger, interval time.Duration, clock func() time.Time) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{store: st, failer: failer, logger: logger, clock: clock, interval: interval}
}

// Run sweeps until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.Sweep(ctx)
		}
	}
}

// Sweep runs one pass of lease, heartbeat, and schedule-to-start enforcement.
func (sw *Sweeper) Sweep(ctx context.Context) {
	now := sw.clock()

	// Heartbeat silence first: once the lease is cleared below, the task
	// would look merely unleased rather than abandoned mid-attempt.
	expired, err := sw.store.HeartbeatExpiredTasks(ctx, now)
	if err != nil {
		sw.logger.Error("sweep heartbeat-expired tasks", "error", err)
	}
	for _, task := range expired {
		sw.failAttempt(ctx, task, model.FailureHeartbeat, &store.TaskDelete{ID: task.ID, LeasedBy: task.LeasedBy})
	}

	released, err := sw.store.ReleaseExpiredLeases(ctx, now)
	if err != nil {
		sw.logger.Error("sweep expired leases", "error", err)
	} else if released > 0 {
		leasesExpired.Add(float64(released))
		sw.logger.Info("released expired task leases", "count", released)
	}

	stuck, err := sw.store.ScheduleExpiredTasks(ctx, now)
	if err != nil {
		sw.logger.Error("sweep schedule-expired tasks", "error", err)
	}
	for _, task := range stuck {
		sw.failAttempt(ctx, task, model.FailureScheduleToStart, &store.TaskDelete{ID: task.ID, RequireUnleased: true})
	}

	depths, err := sw.store.QueueDepths(ctx, now)
	if err != nil {
		sw.logger.Error("sweep queue depths", "error", err)
	} else {
		queueBacklog.Reset()
		for queue, depth := range depths {
			queueBacklog.WithLabelValues(queue).Set(float64(depth))
		}
	}
}

func (sw *Sweeper) failAttempt(ctx context.Context, task *model.Task, kind model.FailureKind, del *store.TaskDelete) {
	if err := sw.failer.FailTimedOutAttempt(ctx, task, kind, del); err != nil {
		sw.logger.Error("fail timed-out attempt",
			"task_id", task.ID,
			"execution_id", task.ExecutionID,
			"kind", kind,
			"error", err,
		)
	}
}
