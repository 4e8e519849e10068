package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sony/gobreaker"

	"github.com/treelineapp/treeline/internal/observability"
	"github.com/treelineapp/treeline/internal/util"
)

// run outcomes reported to metrics.
const (
	outcomeSuccess     = "success"
	outcomeError       = "error"
	outcomeBreakerOpen = "breaker_open"
)

// BreakerSettings configures the optional per-job circuit breaker.
// After ConsecutiveFailures failed runs in a row the breaker opens and
// further runs fail fast until OpenTimeout elapses.
type BreakerSettings struct {
	Enabled             bool
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// Scheduler owns job registration, scheduling loops, and triggers.
// Jobs are registered before Start; Trigger works at any point between
// construction and Stop.
type Scheduler struct {
	logger  observability.Logger
	metrics *observability.Metrics
	breaker BreakerSettings

	mu      sync.Mutex
	jobs    map[string]*jobState
	started bool
	cancel  context.CancelFunc

	wg sync.WaitGroup
}

// jobState is the per-job runtime record. The running flag enforces
// no-overlap; pending holds at most one coalesced trigger.
type jobState struct {
	def      Definition
	schedule cron.Schedule
	breaker  *gobreaker.CircuitBreaker

	mu             sync.Mutex
	running        bool
	pending        bool
	pendingPayload interface{}
}

// SchedulerOption is a functional option for configuring the Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(logger observability.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithSchedulerMetrics sets the metrics sink.
func WithSchedulerMetrics(m *observability.Metrics) SchedulerOption {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithBreaker enables a circuit breaker on every registered job.
func WithBreaker(settings BreakerSettings) SchedulerOption {
	return func(s *Scheduler) {
		s.breaker = settings
	}
}

// NewScheduler creates an empty scheduler.
func NewScheduler(opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		logger: observability.NopLogger(),
		jobs:   make(map[string]*jobState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a job definition. It fails on an empty name, a nil
// body, conflicting schedules, an unparsable cron expression, or a
// duplicate name. Registration after Start is rejected so that every
// scheduling loop is launched exactly once.
func (s *Scheduler) Register(def Definition) error {
	if def.Name == "" {
		return util.NewConfigError("jobs", "job name is empty")
	}
	if def.Run == nil {
		return util.NewConfigError(def.Name, "job body is nil")
	}
	if def.Every > 0 && def.Cron != "" {
		return util.NewConfigError(def.Name, "job declares both an interval and a cron expression")
	}

	st := &jobState{def: def}

	if def.Cron != "" {
		schedule, err := cron.ParseStandard(def.Cron)
		if err != nil {
			return util.NewConfigError(def.Name, fmt.Sprintf("invalid cron expression %q: %v", def.Cron, err))
		}
		st.schedule = schedule
	}

	if s.breaker.Enabled {
		st.breaker = s.newBreaker(def.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return util.NewConfigError(def.Name, "cannot register jobs after the scheduler has started")
	}
	if _, exists := s.jobs[def.Name]; exists {
		return util.NewConfigError(def.Name, "duplicate job name")
	}
	s.jobs[def.Name] = st

	return nil
}

// newBreaker builds the per-job breaker that opens after the
// configured run of consecutive failures.
func (s *Scheduler) newBreaker(name string) *gobreaker.CircuitBreaker {
	threshold := s.breaker.ConsecutiveFailures
	if threshold == 0 {
		threshold = 3
	}

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: s.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info("job breaker state change",
				observability.String("job", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	})
}

// Start launches the scheduling loops. Trigger-only jobs have no loop;
// they run solely on demand.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.New("scheduler already started")
	}
	s.started = true

	ctx, s.cancel = context.WithCancel(ctx)

	for _, st := range s.jobs {
		switch {
		case st.def.Every > 0:
			s.wg.Add(1)
			go s.intervalLoop(ctx, st)
		case st.schedule != nil:
			s.wg.Add(1)
			go s.cronLoop(ctx, st)
		}
	}

	s.logger.Info("job scheduler started",
		observability.Int("jobs", len(s.jobs)),
	)
	return nil
}

// Stop cancels the scheduling loops and waits for in-flight runs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.logger.Info("job scheduler stopped")
}

// Trigger runs the named job with the given payload. Trigger-only jobs
// coalesce: a trigger arriving mid-run is remembered, and exactly one
// follow-up run fires with the latest payload once the current run
// finishes. Scheduled jobs do not coalesce; a trigger during a run is
// dropped, matching the treatment of their own ticks.
func (s *Scheduler) Trigger(name string, payload interface{}) error {
	s.mu.Lock()
	st, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return util.WrapError(util.ErrJobNotFound, name)
	}

	st.mu.Lock()
	if st.running {
		if st.def.triggerOnly() {
			st.pending = true
			st.pendingPayload = payload
			st.mu.Unlock()
			if s.metrics != nil {
				s.metrics.ObserveTriggerCoalesced(name)
			}
			return nil
		}
		st.mu.Unlock()
		s.logger.Debug("trigger dropped, scheduled job already running",
			observability.String("job", name),
		)
		return nil
	}
	st.running = true
	st.mu.Unlock()

	s.launch(context.Background(), st, payload)
	return nil
}

// Names returns the registered job names.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// intervalLoop fires the job at a fixed cadence. Ticks that land while
// a previous run is still going are dropped, not queued.
func (s *Scheduler) intervalLoop(ctx context.Context, st *jobState) {
	defer s.wg.Done()

	ticker := time.NewTicker(st.def.Every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, st)
		}
	}
}

// cronLoop fires the job at each cron occurrence, with the same
// drop-while-running rule as interval jobs.
func (s *Scheduler) cronLoop(ctx context.Context, st *jobState) {
	defer s.wg.Done()

	for {
		next := st.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx, st)
		}
	}
}

// tick attempts a scheduled run, skipping it if the job is mid-run.
func (s *Scheduler) tick(ctx context.Context, st *jobState) {
	st.mu.Lock()
	if st.running {
		st.mu.Unlock()
		if s.metrics != nil {
			s.metrics.ObserveJobTickSkipped(st.def.Name)
		}
		s.logger.Debug("tick skipped, job still running",
			observability.String("job", st.def.Name),
		)
		return
	}
	st.running = true
	st.mu.Unlock()

	s.launch(ctx, st, nil)
}

// launch runs the job in its own goroutine, then drains any coalesced
// trigger before clearing the running flag. The caller must already
// hold the running flag.
func (s *Scheduler) launch(ctx context.Context, st *jobState, payload interface{}) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		for {
			s.runOnce(ctx, st, payload)

			st.mu.Lock()
			if !st.pending {
				st.running = false
				st.mu.Unlock()
				return
			}
			payload = st.pendingPayload
			st.pending = false
			st.pendingPayload = nil
			st.mu.Unlock()
		}
	}()
}

// runOnce executes a single run with panic containment, the optional
// timeout, and the optional breaker.
func (s *Scheduler) runOnce(ctx context.Context, st *jobState, payload interface{}) {
	start := time.Now()

	if st.def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.def.Timeout)
		defer cancel()
	}

	err := s.invoke(ctx, st, payload)

	outcome := outcomeSuccess
	switch {
	case err == nil:
	case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
		outcome = outcomeBreakerOpen
	default:
		outcome = outcomeError
	}

	if s.metrics != nil {
		s.metrics.ObserveJobRun(st.def.Name, outcome)
	}

	if err != nil {
		s.logger.Error("job run failed",
			observability.String("job", st.def.Name),
			observability.String("outcome", outcome),
			observability.Duration("elapsed", time.Since(start)),
			observability.Error(err),
		)
		return
	}

	s.logger.Debug("job run completed",
		observability.String("job", st.def.Name),
		observability.Duration("elapsed", time.Since(start)),
	)
}

// invoke calls the job body through the breaker when one is configured.
func (s *Scheduler) invoke(ctx context.Context, st *jobState, payload interface{}) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job panic: %v", rec)
		}
	}()

	if st.breaker == nil {
		return st.def.Run(ctx, payload)
	}

	_, err = st.breaker.Execute(func() (interface{}, error) {
		return nil, st.def.Run(ctx, payload)
	})
	return err
}
