package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/automaxprocs/maxprocs"

	"github.com/goliatone/go-saga/cli"
)

func main() {
	if undo, err := maxprocs.Set(); err == nil {
		defer undo()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Run(ctx, os.Args[1:], cli.Env{}); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "sagactl: %v\n", err)
		os.Exit(1)
	}
}
