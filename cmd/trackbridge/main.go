package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/steveyegge/trackbridge/internal/config"
	"github.com/steveyegge/trackbridge/internal/telemetry"
	"github.com/steveyegge/trackbridge/internal/types"
)

// newRootCmd builds the command tree around a fresh app so tests can run
// commands in isolation.
func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "trackbridge",
		Short: "trackbridge - one-way Jira to Redmine migration",
		Long: `trackbridge migrates reference data and attachments from a Jira
instance to a Redmine instance.

Each entity kind runs through phases: extract pulls both sides into the
mapping store, map keeps one record per source entity, transform decides
what to do with each record, and push creates what is missing. Records
edited by hand in the mapping store are never touched by automation.

Nothing is written to Redmine unless --confirm-push is given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			telemetry.Shutdown(ctx)
		},
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "Config file (default: ./trackbridge.yaml or ~/.config/trackbridge/)")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVarP(&a.quiet, "quiet", "q", false, "Only log warnings and errors")

	for _, kind := range types.AllKinds {
		rootCmd.AddCommand(newMigrateCmd(a, kind))
	}
	rootCmd.AddCommand(
		newResetCmd(a),
		newReportCmd(a),
		newProbeCmd(a),
		newVersionCmd(),
	)
	return rootCmd
}

func (a *app) init(cmd *cobra.Command) error {
	if err := config.Initialize(a.configPath); err != nil {
		return err
	}
	a.settings = config.GetSettings()
	a.runID = uuid.NewString()
	a.logger = newLogger(cmd.ErrOrStderr(), a.verbose, a.quiet).With("run_id", a.runID)

	if err := telemetry.Init(cmd.Context(), "trackbridge", Version); err != nil {
		// Telemetry is optional; a broken exporter must not block a migration.
		a.logger.Warn("telemetry disabled", "error", err)
	}
	return nil
}

func newLogger(w io.Writer, verbose, quiet bool) *slog.Logger {
	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
