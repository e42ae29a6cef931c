// Command hivemindctl is the operator CLI (spec §6): daemon status/stop and
// state inspection against a running coordination runtime.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/anamnesos/hivemind/internal/app"
	"github.com/anamnesos/hivemind/internal/config"
	"github.com/anamnesos/hivemind/internal/log"
	"github.com/anamnesos/hivemind/internal/workspace"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "hivemindctl",
		Short: "Operate a running hivemind coordination runtime",
	}

	daemonCmd := &cobra.Command{
		Use:   "daemon",
		Short: "Inspect or control the Terminal Daemon",
	}
	daemonCmd.AddCommand(newDaemonStatusCmd(), newDaemonStopCmd())

	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect workspace state",
	}
	stateCmd.AddCommand(newStateShowCmd())

	root.AddCommand(daemonCmd, stateCmd, newRunCmd())
	return root
}

// newRunCmd starts the coordination core: connects to the Terminal Daemon
// as a client, spawns the configured roster, and runs the Injection
// Pipeline, Router, and Supervisor until interrupted (spec §9's wiring of
// the full runtime).
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the coordination core against the configured roster",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cleanup, err := log.Init(fmt.Sprintf("%s/core.log", cfg.Workspace))
			if err != nil {
				return fmt.Errorf("initializing log: %w", err)
			}
			defer cleanup()

			roster, err := config.LoadRoster(cfg.Workspace)
			if err != nil {
				return err
			}

			a, err := app.New(cfg, roster)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := a.Start(ctx); err != nil {
				return err
			}
			defer a.Stop()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			log.Info(log.CatClient, "signal received, stopping coordination core")
			return nil
		},
	}
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is reachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			conn, err := net.Dial("unix", cfg.DaemonEndpoint)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon: unreachable")
				return err
			}
			defer conn.Close()

			if _, err := conn.Write([]byte(`{"cmd":"ping"}` + "\n")); err != nil {
				return err
			}
			sc := bufio.NewScanner(conn)
			if sc.Scan() {
				var resp map[string]any
				if err := json.Unmarshal(sc.Bytes(), &resp); err == nil && resp["event"] == "pong" {
					fmt.Fprintln(cmd.OutOrStdout(), "daemon: running")
					return nil
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "daemon: running but did not respond to ping")
			return nil
		},
	}
}

func newDaemonStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask the daemon to shut down cleanly",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			conn, err := net.Dial("unix", cfg.DaemonEndpoint)
			if err != nil {
				return fmt.Errorf("daemon unreachable: %w", err)
			}
			defer conn.Close()
			if _, err := conn.Write([]byte(`{"cmd":"shutdown"}` + "\n")); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	}
}

func newStateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the current workspace state.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, err := workspace.New(cfg.Workspace)
			if err != nil {
				return err
			}
			st, err := store.ReadState()
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(st)
		},
	}
}
