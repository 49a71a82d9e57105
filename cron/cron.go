package cron

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	saga "github.com/goliatone/go-saga"
	"github.com/goliatone/go-saga/runner"
)

// Logger is satisfied by saga.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Scheduler runs saga maintenance jobs, such as the timeout sweeper, on
// cron expressions or at fixed times. Every run goes through a
// runner.Handler built from the job's saga.HandlerConfig.
type Scheduler struct {
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)
	logger       Logger
	parser       Parser
	logWriter    io.Writer
	logLevel     LogLevel

	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*jobHandle
}

func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.UTC,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		errorHandler: func(err error) {
			log.Printf("cron job failed: %v\n", err)
		},
		jobs: make(map[int64]*jobHandle),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.cron = rcron.New(s.cronOptions()...)
	return s
}

// ScheduleCommand schedules cmd with the options it reports.
func (s *Scheduler) ScheduleCommand(cmd saga.CronCommand) (Handle, error) {
	if cmd == nil {
		return nil, fmt.Errorf("cron command cannot be nil")
	}
	return s.ScheduleCron(cmd.CronOptions(), cmd)
}

// ScheduleCron schedules a recurring job. handler is a func(), a
// func() error, a func(context.Context) error or a saga.CronCommand. A
// failing run keeps the schedule; MaxRuns and RunOnce end it.
func (s *Scheduler) ScheduleCron(opts saga.HandlerConfig, handler any) (Handle, error) {
	if opts.Expression == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	run, err := s.runnable(opts, handler)
	if err != nil {
		return nil, err
	}

	h := s.newHandle()
	entryID, err := s.cron.AddJob(opts.Expression, rcron.FuncJob(func() {
		s.execute(h, run, true)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to add job %q: %w", opts.Expression, err)
	}
	h.entryID = int(entryID)
	s.track(h)
	return h, nil
}

// ScheduleAfter runs handler once after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, opts saga.HandlerConfig, handler any) (Handle, error) {
	return s.ScheduleAt(time.Now().Add(max(delay, 0)), opts, handler)
}

// ScheduleAt runs handler once at the given time.
func (s *Scheduler) ScheduleAt(at time.Time, opts saga.HandlerConfig, handler any) (Handle, error) {
	run, err := s.runnable(opts, handler)
	if err != nil {
		return nil, err
	}

	h := s.newHandle()
	s.track(h)

	go func() {
		timer := time.NewTimer(max(time.Until(at), 0))
		defer timer.Stop()
		select {
		case <-timer.C:
			s.execute(h, run, false)
		case <-h.Done():
		}
	}()
	return h, nil
}

func (s *Scheduler) execute(h *jobHandle, run func() runner.Outcome, recurring bool) {
	if !h.begin() {
		return
	}
	out := run()
	h.record(out, time.Now().In(s.location))

	if out.Err != nil {
		s.errorHandler(out.Err)
	}
	switch {
	case out.Skipped:
		s.drop(h.id)
		h.finish(ScheduleStatusCompleted, nil)
	case recurring:
		h.settle()
	case out.Err != nil:
		s.drop(h.id)
		h.finish(ScheduleStatusFailed, out.Err)
	default:
		s.drop(h.id)
		h.finish(ScheduleStatusCompleted, nil)
	}
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts the schedule, marks live handles stopped and waits for
// running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()

	s.mu.Lock()
	jobs := s.jobs
	s.jobs = make(map[int64]*jobHandle)
	s.mu.Unlock()

	for _, h := range jobs {
		if h.entryID > 0 {
			s.cron.Remove(rcron.EntryID(h.entryID))
		}
		h.finish(ScheduleStatusStopped, nil)
	}

	if ctx == nil {
		return nil
	}
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Entries maps every recurring handle id to its next run time.
func (s *Scheduler) Entries() map[int64]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]time.Time, len(s.jobs))
	for id, h := range s.jobs {
		if h.entryID > 0 {
			out[id] = s.cron.Entry(rcron.EntryID(h.entryID)).Next
		}
	}
	return out
}

func (s *Scheduler) newHandle() *jobHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return &jobHandle{
		scheduler: s,
		id:        s.nextID,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
}

func (s *Scheduler) track(h *jobHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[h.id] = h
}

// drop forgets the handle and removes its cron entry.
func (s *Scheduler) drop(id int64) {
	s.mu.Lock()
	h, ok := s.jobs[id]
	delete(s.jobs, id)
	s.mu.Unlock()
	if ok && h.entryID > 0 {
		s.cron.Remove(rcron.EntryID(h.entryID))
	}
}

func (s *Scheduler) runnable(opts saga.HandlerConfig, handler any) (func() runner.Outcome, error) {
	var fn func(context.Context) error
	switch r := handler.(type) {
	case nil:
		return nil, fmt.Errorf("handler cannot be nil")
	case saga.CronCommand:
		inner := r.CronHandler()
		if inner == nil {
			return nil, fmt.Errorf("cron command %T returned a nil handler", handler)
		}
		fn = func(context.Context) error { return inner() }
	case func():
		fn = func(context.Context) error {
			r()
			return nil
		}
	case func() error:
		fn = func(context.Context) error { return r() }
	case func(context.Context) error:
		fn = r
	default:
		return nil, fmt.Errorf("unsupported handler type: %T", handler)
	}

	h := runner.NewHandler(s.runnerOptions(opts)...)
	return func() runner.Outcome {
		return h.Run(context.Background(), fn)
	}, nil
}

func (s *Scheduler) runnerOptions(opts saga.HandlerConfig) []runner.Option {
	out := []runner.Option{
		runner.WithMaxRetries(opts.MaxRetries),
		runner.WithDeadline(opts.Deadline),
		runner.WithRunOnce(opts.RunOnce),
		runner.WithErrorHandler(s.errorHandler),
	}
	if s.logger != nil {
		out = append(out, runner.WithLogger(s.logger))
	}
	if opts.Timeout > 0 && !opts.NoTimeout {
		out = append(out, runner.WithTimeout(opts.Timeout))
	}
	if opts.MaxRuns > 0 {
		out = append(out, runner.WithMaxRuns(opts.MaxRuns))
	}
	return out
}

func (s *Scheduler) cronOptions() []rcron.Option {
	var opts []rcron.Option
	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	switch s.parser {
	case StandardParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	case SecondsParser:
		opts = append(opts, rcron.WithParser(rcron.NewParser(
			rcron.Second|rcron.Minute|rcron.Hour|rcron.Dom|rcron.Month|rcron.Dow|rcron.Descriptor,
		)))
	}

	logger := s.cronLogger()
	if s.errorHandler != nil {
		skipLogger := logger
		if skipLogger == nil {
			skipLogger = rcron.DiscardLogger
		}
		opts = append(opts, rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
			rcron.SkipIfStillRunning(skipLogger),
		))
	}
	if logger != nil {
		opts = append(opts, rcron.WithLogger(logger))
	}
	return opts
}

func (s *Scheduler) cronLogger() rcron.Logger {
	switch {
	case s.logger != nil:
		return &loggerAdapter{logger: s.logger, level: s.logLevel}
	case s.logWriter != nil:
		return printfLogger(s.logWriter, s.logLevel)
	case s.logLevel > LogLevelSilent:
		return printfLogger(os.Stdout, s.logLevel)
	default:
		return nil
	}
}

func printfLogger(out io.Writer, level LogLevel) rcron.Logger {
	std := log.New(out, "cron: ", log.LstdFlags)
	if level >= LogLevelDebug {
		return rcron.VerbosePrintfLogger(std)
	}
	return rcron.PrintfLogger(std)
}
