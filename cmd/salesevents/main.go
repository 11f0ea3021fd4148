// Command salesevents operates the sales event log: it applies migrations,
// publishes events from files, queries the log and serves live events to
// browser subscribers.
//
// Usage:
//
//	salesevents --config config.yaml publish --file events.jsonl
//	salesevents events --aggregate L-1001 --from 2024-05-01T00:00:00Z
//	salesevents serve --addr :8080
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicsales/eventlog/config"
	"github.com/clinicsales/eventlog/eventstore/postgres"
	"github.com/clinicsales/eventlog/logger"
)

var version = "dev"

// app is the state shared by every subcommand, filled in by the root
// command's PersistentPreRunE.
type app struct {
	configPath     string
	connectTimeout time.Duration

	cfg config.Config
	log *zap.Logger
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "salesevents",
		Short:         "Operate the sales event log",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (defaults to $"+config.EnvConfigFile+")")
	rootCmd.PersistentFlags().DurationVar(&a.connectTimeout, "connect-timeout", 30*time.Second, "How long to retry connecting to backends")

	rootCmd.AddCommand(
		newMigrateCmd(a),
		newPublishCmd(a),
		newEventsCmd(a),
		newServeCmd(a),
	)
	return rootCmd
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log.With(zap.String("command", cmd.Name()))
	cmd.SetContext(logger.With(cmd.Context(), a.log))
	return nil
}

func newMigrateCmd(a *app) *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				dsn = a.cfg.Store.Postgres.DSN
			}
			if dsn == "" {
				return errors.New("no postgres dsn: set store.postgres.dsn or pass --dsn")
			}
			ctx := cmd.Context()
			_, err := retry(ctx, a.log, "postgres-migrations", a.connectTimeout, func() (struct{}, error) {
				return struct{}{}, postgres.Migrate(ctx, dsn)
			})
			return err
		},
	}
	cmd.Flags().StringVar(&dsn, "dsn", "", "Postgres DSN (defaults to store.postgres.dsn)")
	return cmd
}
