package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	saga "github.com/goliatone/go-saga"
	"github.com/goliatone/go-saga/cron"
)

type ServeCmd struct{}

func (c *ServeCmd) Run(rt *runtime) error {
	sched := cron.NewScheduler(
		cron.WithLogger(rt.logger),
		cron.WithErrorHandler(func(err error) {
			rt.logger.Error("sweep failed: %v", err)
		}),
	)
	handle, err := sched.ScheduleCommand(rt.sweeper())
	if err != nil {
		return err
	}
	if err := sched.Start(rt.ctx); err != nil {
		return err
	}
	rt.logger.Info("sweeping %s store every %s", rt.cfg.Store.Driver, rt.cfg.Sweeper.Interval)

	<-rt.ctx.Done()
	stats := handle.Stats()
	rt.logger.Info("stopping sweeper after %d runs (%d failed)", stats.Runs, stats.Failures)

	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Sweeper.Interval)
	defer cancel()
	return sched.Stop(ctx)
}

type SweepCmd struct{}

func (c *SweepCmd) Run(rt *runtime) error {
	report, err := rt.sweeper().Sweep(rt.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(rt.out, "scanned=%d timed_out=%d compensated=%d failed=%d conflicts=%d unknown=%d errors=%d\n",
		report.Scanned, report.TimedOut, report.Compensated, report.Failed,
		report.Conflicts, report.Unknown, len(report.Errors))
	for _, e := range report.Errors {
		fmt.Fprintf(rt.out, "error: %v\n", e)
	}
	return nil
}

type InspectCmd struct {
	SagaID string `arg:"" name:"saga-id" help:"Saga instance id."`
}

// stateView renders JSON payloads inline instead of base64.
type stateView struct {
	*saga.SagaState
	Data      json.RawMessage `json:"data"`
	Snapshots []snapshotView  `json:"snapshots,omitempty"`
}

type snapshotView struct {
	StepIndex int             `json:"step_index"`
	StepName  string          `json:"step_name"`
	Data      json.RawMessage `json:"data"`
}

func rawOrString(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}

func (c *InspectCmd) Run(rt *runtime) error {
	state, err := rt.store.Get(rt.ctx, c.SagaID)
	if err != nil {
		return err
	}
	view := stateView{SagaState: state, Data: rawOrString(state.Data)}
	for _, snap := range state.Snapshots {
		view.Snapshots = append(view.Snapshots, snapshotView{
			StepIndex: snap.StepIndex,
			StepName:  snap.StepName,
			Data:      rawOrString(snap.Data),
		})
	}
	enc := json.NewEncoder(rt.out)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}

type ExpiredCmd struct {
	Limit int `help:"Maximum rows to list. Defaults to sweeper.batch_size."`
}

func (c *ExpiredCmd) Run(rt *runtime) error {
	limit := c.Limit
	if limit <= 0 {
		limit = rt.cfg.Sweeper.BatchSize
	}
	now := rt.clock.Now()
	states, err := rt.store.GetExpired(rt.ctx, now, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SAGA ID\tTYPE\tSTEP\tDEADLINE\tOVERDUE")
	for _, s := range states {
		deadline := "-"
		overdue := "-"
		if s.TimeoutAtUTC != nil {
			deadline = s.TimeoutAtUTC.Format(time.RFC3339)
			overdue = now.Sub(*s.TimeoutAtUTC).Truncate(time.Second).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", s.SagaID, s.SagaType, s.CurrentStep, deadline, overdue)
	}
	return w.Flush()
}
