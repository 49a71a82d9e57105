package saga

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SweepReport summarizes one sweep.
type SweepReport struct {
	Scanned int
	// TimedOut counts sagas this sweep moved to TimedOut.
	TimedOut    int
	Compensated int
	Failed      int
	// Conflicts counts sagas another writer changed first. They are skipped.
	Conflicts int
	// Unknown counts expired sagas whose type is not in the registry. They
	// stay Running so a sweeper that knows the type can unwind them.
	Unknown int
	Errors  []error
}

func (r *SweepReport) merge(o sweepOutcome) {
	r.Scanned++
	if o.timedOut {
		r.TimedOut++
	}
	switch o.final {
	case StatusCompensated:
		r.Compensated++
	case StatusFailed:
		r.Failed++
	}
	if o.conflict {
		r.Conflicts++
	}
	if o.unknown {
		r.Unknown++
	}
	if o.err != nil {
		r.Errors = append(r.Errors, o.err)
	}
}

type sweepOutcome struct {
	timedOut bool
	conflict bool
	unknown  bool
	final    Status
	err      error
}

// TimeoutSweeper times out Running sagas past their deadline and unwinds
// them. It races the orchestrator through conditional writes, so each saga
// is timed out and compensated by exactly one of them.
type TimeoutSweeper struct {
	store       Store
	registry    *Registry
	clock       Clock
	logger      Logger
	batchSize   int
	concurrency int
	interval    time.Duration
	continueOn  bool
}

type SweeperOption func(*TimeoutSweeper)

func WithSweeperClock(c Clock) SweeperOption {
	return func(s *TimeoutSweeper) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithSweeperLogger(l Logger) SweeperOption {
	return func(s *TimeoutSweeper) {
		s.logger = normalizeLogger(l)
	}
}

// WithBatchSize bounds how many expired sagas one sweep loads.
func WithBatchSize(n int) SweeperOption {
	return func(s *TimeoutSweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithConcurrency bounds how many sagas are unwound in parallel.
func WithConcurrency(n int) SweeperOption {
	return func(s *TimeoutSweeper) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithSweepInterval sets the cron interval reported by CronOptions.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *TimeoutSweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSweeperContinueCompensationOnFailure(v bool) SweeperOption {
	return func(s *TimeoutSweeper) {
		s.continueOn = v
	}
}

func NewTimeoutSweeper(store Store, registry *Registry, opts ...SweeperOption) *TimeoutSweeper {
	s := &TimeoutSweeper{
		store:       store,
		registry:    registry,
		clock:       SystemClock{},
		logger:      NewFmtLogger(nil),
		batchSize:   100,
		concurrency: 4,
		interval:    time.Minute,
		continueOn:  true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	return s
}

// Sweep processes one batch of expired sagas.
func (s *TimeoutSweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	if s.store == nil {
		return report, cloneSagaError(ErrConfigurationInvalid, "sweeper has no store", nil, nil)
	}

	now := s.clock.Now()
	expired, err := s.store.GetExpired(ctx, now, s.batchSize)
	if err != nil {
		return report, NewPersistenceError("get_expired", "", err)
	}
	if len(expired) == 0 {
		return report, nil
	}
	s.logger.Debug("sweeper found %d expired saga(s)", len(expired))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)
	for _, state := range expired {
		state := state
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			outcome := s.expire(ctx, state)
			mu.Lock()
			report.merge(outcome)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (s *TimeoutSweeper) expire(ctx context.Context, state *SagaState) sweepOutcome {
	ctx = context.WithoutCancel(ctx)
	logger := withLoggerFields(s.logger, map[string]any{
		"saga_id":   state.SagaID,
		"saga_type": state.SagaType,
	})
	lc := lifecycleWriter{store: s.store, clock: s.clock}

	def, known := s.registry.Lookup(state.SagaType)
	if !known {
		logger.Warn("expired saga of unregistered type left running")
		return sweepOutcome{unknown: true}
	}

	reason := "saga deadline exceeded"
	if state.TimeoutAtUTC != nil {
		reason = fmt.Sprintf("saga deadline %s exceeded", state.TimeoutAtUTC.Format(time.RFC3339Nano))
	}
	if err := lc.timeOut(ctx, state, reason); err != nil {
		if IsConcurrencyConflict(err) {
			logger.Debug("saga changed before the sweeper could time it out")
			return sweepOutcome{conflict: true}
		}
		logger.Error("sweeper could not time out saga: %v", err)
		return sweepOutcome{err: err}
	}

	out := sweepOutcome{timedOut: true, final: StatusTimedOut}
	coord := NewCompensationCoordinator(s.continueOn, s.logger)
	report, err := lc.unwind(ctx, coord, def, state, state.CurrentStep+1, nil)
	if err != nil {
		if IsConcurrencyConflict(err) {
			out.conflict = true
			return out
		}
		logger.Error("sweeper could not finish compensation: %v", err)
		out.err = err
		return out
	}
	out.final = state.Status
	if !report.Succeeded() {
		logger.Warn("saga left steps %s uncompensated", joinInts(report.Uncompensated))
	}
	logger.Info("sweeper timed out saga, finished as %s", state.Status)
	return out
}

// CronHandler runs one sweep per invocation.
func (s *TimeoutSweeper) CronHandler() func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), s.interval)
		defer cancel()
		report, err := s.Sweep(ctx)
		if err != nil {
			return err
		}
		if len(report.Errors) > 0 {
			return cloneSagaError(ErrPersistenceFailed,
				fmt.Sprintf("sweep finished with %d error(s)", len(report.Errors)), report.Errors[0],
				map[string]any{"errors": len(report.Errors)})
		}
		return nil
	}
}

func (s *TimeoutSweeper) CronOptions() HandlerConfig {
	return HandlerConfig{
		Expression: fmt.Sprintf("@every %s", s.interval),
		Timeout:    s.interval,
	}
}

var _ CronCommand = (*TimeoutSweeper)(nil)
