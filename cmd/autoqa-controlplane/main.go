package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/autoqa/controlplane/internal/app"
	"github.com/autoqa/controlplane/internal/config"
)

// Exit codes follow BSD sysexits.h conventions: 0 clean, 64 bad
// configuration/usage, 70 unrecoverable internal error.
const (
	exitOK    = 0
	exitUsage = 64
	exitFail  = 70
)

func main() {
	mode := flag.String("mode", "", "run mode: api or worker (overrides AUTOQA_MODE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: loading config: %v\n", err)
		os.Exit(exitUsage)
	}

	// CLI flag overrides env var.
	if *mode != "" {
		cfg.Mode = *mode
	}
	if cfg.Mode != "api" && cfg.Mode != "worker" {
		fmt.Fprintf(os.Stderr, "error: mode must be \"api\" or \"worker\", got %q\n", cfg.Mode)
		os.Exit(exitUsage)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(exitFail)
	}

	os.Exit(exitOK)
}
