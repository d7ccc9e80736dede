package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/woxQAQ/docbridge/internal/cli"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// Cancel in-flight instantiation (module fetches) on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &cli.App{Version: version + " (" + commit + ", " + date + ")"}
	if err := cli.Execute(ctx, app); err != nil {
		stop()
		os.Exit(1)
	}
}
