// Package cli implements sagactl, the operator command line for saga
// stores. Applications embed it through Run with their own registry so
// timed out sagas of their types can be compensated.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"

	saga "github.com/goliatone/go-saga"
	"github.com/goliatone/go-saga/config"
	"github.com/goliatone/go-saga/logging"
)

// Env is what the host process provides to the commands.
type Env struct {
	Registry *saga.Registry
	Clock    saga.Clock
	Stdout   io.Writer
	Stderr   io.Writer
}

type CLI struct {
	Config   string `help:"Path to a YAML or JSON config file." short:"c" type:"path" env:"SAGACTL_CONFIG"`
	Driver   string `help:"Override store.driver (memory, sqlite, redis)."`
	LogLevel string `help:"Override log.level." name:"log-level"`

	Serve   ServeCmd   `cmd:"" help:"Run the timeout sweeper on its cron schedule until interrupted."`
	Sweep   SweepCmd   `cmd:"" help:"Run one sweep and print the report."`
	Inspect InspectCmd `cmd:"" help:"Print a saga instance as JSON."`
	Expired ExpiredCmd `cmd:"" help:"List Running sagas past their deadline."`
}

type runtime struct {
	ctx      context.Context
	cfg      config.Config
	store    saga.Store
	registry *saga.Registry
	clock    saga.Clock
	logger   saga.Logger
	out      io.Writer
}

func (rt *runtime) sweeper() *saga.TimeoutSweeper {
	opts := append(rt.cfg.Sweeper.Options(),
		saga.WithSweeperClock(rt.clock),
		saga.WithSweeperLogger(rt.logger),
	)
	if v := rt.cfg.Orchestrator.ContinueCompensationOnFailure; v != nil {
		opts = append(opts, saga.WithSweeperContinueCompensationOnFailure(*v))
	}
	return saga.NewTimeoutSweeper(rt.store, rt.registry, opts...)
}

// Run parses args and executes the selected command.
func Run(ctx context.Context, args []string, env Env) error {
	if env.Stdout == nil {
		env.Stdout = os.Stdout
	}
	if env.Stderr == nil {
		env.Stderr = os.Stderr
	}
	if env.Clock == nil {
		env.Clock = saga.SystemClock{}
	}
	if env.Registry == nil {
		env.Registry = saga.NewRegistry()
	}

	var root CLI
	parser, err := kong.New(&root,
		kong.Name("sagactl"),
		kong.Description("Operate saga stores: sweep timed out sagas and inspect instances."),
		kong.Writers(env.Stdout, env.Stderr),
		kong.UsageOnError(),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg := config.Default()
	if root.Config != "" {
		if cfg, err = config.Load(root.Config); err != nil {
			return err
		}
	}
	if root.Driver != "" {
		cfg.Store.Driver = root.Driver
	}
	if root.LogLevel != "" {
		cfg.Log.Level = root.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log, env.Stderr)
	if err != nil {
		return err
	}
	store, closeStore, err := cfg.Store.OpenStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := closeStore(); cerr != nil {
			logger.Warn("closing store: %v", cerr)
		}
	}()

	rt := &runtime{
		ctx:      ctx,
		cfg:      cfg,
		store:    store,
		registry: env.Registry,
		clock:    env.Clock,
		logger:   logger,
		out:      env.Stdout,
	}
	if err := kctx.Run(rt); err != nil {
		return fmt.Errorf("%s: %w", kctx.Command(), err)
	}
	return nil
}
