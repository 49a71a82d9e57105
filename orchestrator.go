package saga

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	apperrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"

	"github.com/goliatone/go-saga/recoverability"
	"github.com/goliatone/go-saga/runner"
)

// Orchestrator executes saga definitions against a Store.
type Orchestrator struct {
	store             Store
	clock             Clock
	classifier        recoverability.Classifier
	logger            Logger
	continueOnFailure bool
	defaultRetry      runner.RetryPolicy
	newID             func() string
}

type Option func(*Orchestrator)

func WithStore(s Store) Option {
	return func(o *Orchestrator) {
		if s != nil {
			o.store = s
		}
	}
}

func WithClock(c Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

func WithClassifier(c recoverability.Classifier) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.classifier = c
		}
	}
}

func WithLogger(l Logger) Option {
	return func(o *Orchestrator) {
		o.logger = normalizeLogger(l)
	}
}

// WithContinueCompensationOnFailure controls whether one failing
// compensation stops the remaining ones. Defaults to true.
func WithContinueCompensationOnFailure(v bool) Option {
	return func(o *Orchestrator) {
		o.continueOnFailure = v
	}
}

// WithDefaultRetryPolicy applies to steps whose definition sets no policy.
func WithDefaultRetryPolicy(p runner.RetryPolicy) Option {
	return func(o *Orchestrator) {
		o.defaultRetry = p
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// NewOrchestrator defaults to an in-memory store, the system clock, the
// default classifier and no retries.
func NewOrchestrator(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:             NewMemoryStore(),
		clock:             SystemClock{},
		classifier:        recoverability.Default,
		logger:            NewFmtLogger(nil),
		continueOnFailure: true,
		defaultRetry:      runner.NoRetry(),
		newID:             uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

func (o *Orchestrator) Store() Store { return o.store }

func (o *Orchestrator) Clock() Clock { return o.clock }

func (o *Orchestrator) Logger() Logger { return o.logger }

// Coordinator returns a compensation coordinator configured like the
// orchestrator.
func (o *Orchestrator) Coordinator() *CompensationCoordinator {
	return NewCompensationCoordinator(o.continueOnFailure, o.logger)
}

// Run starts a new saga and drives it to a terminal status. It never
// panics: every failure is reported through the result.
func Run[T any](ctx context.Context, o *Orchestrator, def *Definition[T], initial T) *Result[T] {
	if def == nil {
		return &Result[T]{Status: StatusFailed, Error: cloneSagaError(ErrConfigurationInvalid, "saga definition is nil", nil, nil)}
	}
	r := newSagaRun(o, def)

	encoded, err := def.codec.Encode(initial)
	if err != nil {
		return &Result[T]{Status: StatusFailed, Data: initial,
			Error: cloneSagaError(ErrPersistenceFailed, "encode initial saga data", err, map[string]any{"saga_type": def.Name()})}
	}

	now := o.clock.Now()
	state := &SagaState{
		SagaID:       o.newID(),
		SagaType:     def.Name(),
		Status:       StatusRunning,
		CurrentStep:  -1,
		Data:         encoded,
		StartedAtUTC: now,
		UpdatedAtUTC: now,
		Version:      1,
	}
	if timeout, ok := def.Timeout(); ok {
		deadline := now.Add(timeout)
		state.TimeoutAtUTC = &deadline
	}

	if err := o.store.Create(context.WithoutCancel(ctx), state); err != nil {
		res := newResult(state, initial)
		res.Status = StatusFailed
		res.Error = NewPersistenceError("create", state.SagaID, err)
		r.logger(state).Error("could not persist new saga: %v", err)
		return res
	}
	r.logger(state).Info("saga started")

	return r.execute(ctx, state, initial)
}

// RunAsync runs the saga on its own goroutine.
func RunAsync[T any](ctx context.Context, o *Orchestrator, def *Definition[T], initial T) <-chan *Result[T] {
	ch := make(chan *Result[T], 1)
	go func() {
		ch <- Run(ctx, o, def, initial)
	}()
	return ch
}

// Resume continues a Running saga from the step after the last persisted
// one. A saga that already reached a terminal status is reported as is.
func Resume[T any](ctx context.Context, o *Orchestrator, def *Definition[T], sagaID string) *Result[T] {
	var zero T
	if def == nil {
		return &Result[T]{SagaID: sagaID, Error: cloneSagaError(ErrConfigurationInvalid, "saga definition is nil", nil, nil)}
	}
	r := newSagaRun(o, def)

	state, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return &Result[T]{SagaID: sagaID, Data: zero, Error: NewPersistenceError("get", sagaID, err)}
	}
	if state.SagaType != def.Name() {
		return &Result[T]{SagaID: sagaID, Status: state.Status, Error: cloneSagaError(ErrConfigurationInvalid,
			fmt.Sprintf("saga %s is of type %s, not %s", sagaID, state.SagaType, def.Name()), nil,
			map[string]any{"saga_id": sagaID})}
	}

	data, err := def.codec.Decode(state.Data)
	if err != nil {
		return &Result[T]{SagaID: sagaID, Status: state.Status,
			Error: cloneSagaError(ErrPersistenceFailed, "decode saga data", err, map[string]any{"saga_id": sagaID})}
	}

	if state.Status != StatusRunning {
		return terminalResult(state, data)
	}
	r.logger(state).Info("resuming saga at step %d", state.CurrentStep+1)
	return r.execute(ctx, state, data)
}

func terminalResult[T any](state *SagaState, data T) *Result[T] {
	res := newResult(state, data)
	msg := ""
	if state.ErrorMessage != nil {
		msg = *state.ErrorMessage
	}
	switch {
	case state.Status == StatusCompleted:
	case res.TimedOut:
		res.Error = cloneSagaError(ErrTimedOut, msg, nil, map[string]any{"saga_id": state.SagaID})
	case state.Status == StatusCompensating:
		res.Error = cloneSagaError(ErrConcurrencyConflict, "saga is being compensated by another writer", nil,
			map[string]any{"saga_id": state.SagaID})
	default:
		res.Error = cloneSagaError(ErrStepFailed, msg, nil, map[string]any{"saga_id": state.SagaID})
	}
	return res
}

type stepOutcome[T any] struct {
	data     T
	attempts int
	verdict  recoverability.Verdict
	err      error
	timedOut bool
}

// sagaRun holds what one execution needs from the orchestrator.
type sagaRun[T any] struct {
	o         *Orchestrator
	def       *Definition[T]
	lifecycle lifecycleWriter
	coord     *CompensationCoordinator
}

func newSagaRun[T any](o *Orchestrator, def *Definition[T]) *sagaRun[T] {
	return &sagaRun[T]{
		o:         o,
		def:       def,
		lifecycle: lifecycleWriter{store: o.store, clock: o.clock},
		coord:     o.Coordinator(),
	}
}

func (r *sagaRun[T]) logger(state *SagaState) Logger {
	return withLoggerFields(r.o.logger, map[string]any{
		"saga_id":   state.SagaID,
		"saga_type": state.SagaType,
	})
}

func (r *sagaRun[T]) execute(ctx context.Context, state *SagaState, data T) *Result[T] {
	wctx := context.WithoutCancel(ctx)

	for i := state.CurrentStep + 1; i < len(r.def.steps); i++ {
		step := r.def.steps[i]
		logger := withLoggerFields(r.logger(state), map[string]any{"step": step.Name})

		if err := ctx.Err(); err != nil {
			cause := cloneSagaError(ErrCancelled,
				fmt.Sprintf("saga cancelled before step %d (%s)", i, step.Name), err,
				map[string]any{"saga_id": state.SagaID, "step_index": i, "step_name": step.Name})
			return r.fail(ctx, state, data, i, cause)
		}
		if r.deadlinePassed(state) {
			return r.timeout(ctx, state, data, i)
		}

		out := r.runStep(ctx, state, i, data)
		if out.timedOut {
			logger.Warn("saga deadline reached during step %d", i)
			return r.timeout(ctx, state, data, i)
		}
		if out.err != nil {
			logger.Error("step %d failed after %d attempt(s) (%s): %v", i, out.attempts, out.verdict, out.err)
			return r.fail(ctx, state, data, i, r.stepError(state, i, out))
		}

		encoded, err := r.def.codec.Encode(out.data)
		if err != nil {
			res := newResult(state, data)
			res.Error = cloneSagaError(ErrPersistenceFailed, fmt.Sprintf("encode data after step %d", i), err,
				map[string]any{"saga_id": state.SagaID, "step_index": i})
			return res
		}

		progress := func(s *SagaState) {
			s.CurrentStep = i
			s.Data = encoded
			s.Snapshots = append(s.Snapshots, StepSnapshot{StepIndex: i, StepName: step.Name, Data: encoded})
			s.UpdatedAtUTC = r.o.clock.Now()
		}
		if err := r.o.store.Update(wctx, state.SagaID, StatusRunning, progress); err != nil {
			return r.writeFailed(wctx, state, data, NewPersistenceError("update", state.SagaID, err))
		}
		progress(state)
		state.Version++
		data = out.data
		logger.Debug("step %d completed", i)
	}

	if err := r.lifecycle.advance(wctx, state, triggerComplete, nil); err != nil {
		return r.writeFailed(wctx, state, data, err)
	}
	r.logger(state).Info("saga completed")
	return newResult(state, data)
}

func (r *sagaRun[T]) deadlinePassed(state *SagaState) bool {
	return state.TimeoutAtUTC != nil && !r.o.clock.Now().Before(*state.TimeoutAtUTC)
}

// runStep executes step i with its retry policy, racing it against the saga
// deadline and the caller's context. When either wins, the step context is
// cancelled and its result is not awaited.
func (r *sagaRun[T]) runStep(ctx context.Context, state *SagaState, i int, data T) stepOutcome[T] {
	stepCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var deadline <-chan time.Time
	if state.TimeoutAtUTC != nil {
		deadline = r.o.clock.After(state.TimeoutAtUTC.Sub(r.o.clock.Now()))
	}

	done := make(chan stepOutcome[T], 1)
	go func() {
		done <- r.attemptStep(stepCtx, state, i, data)
	}()

	select {
	case out := <-done:
		return out
	case <-deadline:
		cancel(ErrTimedOut)
		return stepOutcome[T]{timedOut: true}
	case <-ctx.Done():
		cancel(ctx.Err())
		return stepOutcome[T]{
			err:     cloneSagaError(ErrCancelled, fmt.Sprintf("saga cancelled during step %d", i), ctx.Err(), nil),
			verdict: recoverability.Permanent,
		}
	}
}

func (r *sagaRun[T]) attemptStep(ctx context.Context, state *SagaState, i int, data T) stepOutcome[T] {
	step := r.def.steps[i]
	logger := withLoggerFields(r.logger(state), map[string]any{"step": step.Name})

	var verdict recoverability.Verdict
	h := runner.NewHandler(
		runner.WithRetryPolicy(r.def.retryPolicy(i, r.o.defaultRetry)),
		runner.WithRetryIf(func(err error) bool {
			return verdict.Retryable()
		}),
		runner.WithAttemptHook(func(_ int, err error) {
			verdict = r.o.classify(ctx, err)
		}),
		runner.WithWaitFunc(r.o.wait),
		runner.WithErrorHandler(func(err error) {
			logger.Warn("retrying step %d: %v", i, err)
		}),
	)

	out, outcome := runner.RunValue(ctx, h, func(ctx context.Context) (T, error) {
		return executeStep(ctx, step, data)
	})
	return stepOutcome[T]{data: out, attempts: outcome.Attempts, verdict: verdict, err: outcome.Err}
}

func executeStep[T any](ctx context.Context, step StepDefinition[T], data T) (out T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = panicError("step "+step.Name, rec, map[string]any{"step_name": step.Name})
		}
	}()
	return step.Execute(ctx, data)
}

func (r *sagaRun[T]) stepError(state *SagaState, i int, out stepOutcome[T]) *apperrors.Error {
	return cloneSagaError(ErrStepFailed,
		fmt.Sprintf("saga failed at step %d (%s)", i, r.def.steps[i].Name), out.err,
		map[string]any{
			"saga_id":    state.SagaID,
			"step_index": i,
			"step_name":  r.def.steps[i].Name,
			"verdict":    out.verdict.String(),
			"attempts":   out.attempts,
		})
}

// fail unwinds steps before i after an unrecoverable failure at i.
func (r *sagaRun[T]) fail(ctx context.Context, state *SagaState, data T, i int, cause *apperrors.Error) *Result[T] {
	wctx := context.WithoutCancel(ctx)
	report, err := r.lifecycle.unwind(wctx, r.coord, r.def, state, i, func(s *SagaState) {
		s.setError(cause.Error())
		s.setMetadata(metaFailedStep, fmt.Sprint(i))
	})

	res := newResult(state, data)
	res.Error = cause
	res.Compensations = report.Records
	res.Uncompensated = report.Uncompensated
	if len(report.Uncompensated) > 0 {
		cause.WithMetadata(map[string]any{"uncompensated_steps": append([]int(nil), report.Uncompensated...)})
		r.logger(state).Error("saga left steps %s uncompensated", joinInts(report.Uncompensated))
	}
	if err != nil {
		return r.writeFailed(wctx, state, data, err, res)
	}
	r.logger(state).Info("saga finished as %s", state.Status)
	return res
}

// timeout marks the saga TimedOut and unwinds the steps before i.
func (r *sagaRun[T]) timeout(ctx context.Context, state *SagaState, data T, i int) *Result[T] {
	wctx := context.WithoutCancel(ctx)
	cause := cloneSagaError(ErrTimedOut,
		fmt.Sprintf("saga timed out at step %d (%s)", i, r.def.StepName(i)), nil,
		map[string]any{"saga_id": state.SagaID, "step_index": i, "step_name": r.def.StepName(i)})

	if err := r.lifecycle.timeOut(wctx, state, cause.Message); err != nil {
		return r.writeFailed(wctx, state, data, err)
	}

	report, err := r.lifecycle.unwind(wctx, r.coord, r.def, state, i, nil)
	res := newResult(state, data)
	res.Error = cause
	res.TimedOut = true
	res.Compensations = report.Records
	res.Uncompensated = report.Uncompensated
	if err != nil {
		return r.writeFailed(wctx, state, data, err, res)
	}
	r.logger(state).Warn("saga timed out, finished as %s", state.Status)
	return res
}

// writeFailed reports a write that did not go through. A concurrency
// conflict means another writer owns the saga, so nothing else is done.
func (r *sagaRun[T]) writeFailed(ctx context.Context, state *SagaState, data T, err error, partial ...*Result[T]) *Result[T] {
	res := newResult(state, data)
	if len(partial) > 0 && partial[0] != nil {
		res = partial[0]
	}
	res.Error = asSagaError(err)

	if IsConcurrencyConflict(err) {
		r.logger(state).Warn("saga changed concurrently, stopping: %v", err)
		if current, gerr := r.o.store.Get(ctx, state.SagaID); gerr == nil {
			res.Status = current.Status
			res.StepsExecuted = current.CurrentStep + 1
			res.TimedOut = res.TimedOut || current.Metadata[metaTimedOut] == "true"
		}
		return res
	}
	r.logger(state).Error("saga persistence failed: %v", err)
	return res
}

func (o *Orchestrator) classify(ctx context.Context, err error) recoverability.Verdict {
	if ctx.Err() != nil || stderrors.Is(err, context.Canceled) {
		return recoverability.Permanent
	}
	return o.classifier.Classify(err)
}

func (o *Orchestrator) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-o.clock.After(d):
		return nil
	}
}
