// Command hivemindd is the Terminal Daemon process (spec §4.2): it owns PTY
// lifecycles independently of any UI host and exposes them over a local
// newline-delimited JSON IPC endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/anamnesos/hivemind/internal/config"
	"github.com/anamnesos/hivemind/internal/daemon"
	"github.com/anamnesos/hivemind/internal/log"
	"github.com/anamnesos/hivemind/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "hivemindd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cleanup, err := log.Init(fmt.Sprintf("%s/daemon.log", cfg.Workspace))
	if err != nil {
		return fmt.Errorf("initializing log: %w", err)
	}
	defer cleanup()

	shutdownTelemetry, err := telemetry.Init(context.Background())
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer shutdownTelemetry(context.Background())

	srv := daemon.NewServer(cfg.Workspace, cfg.DaemonEndpoint)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info(log.CatDaemon, "signal received, shutting down")
	srv.Shutdown()
	return nil
}
