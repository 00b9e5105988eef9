// Command quizload drives simulated players against a quiz server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wordduel/server/internal/loadgen"
	"github.com/wordduel/server/internal/logging"
)

var (
	logger logrus.FieldLogger = logging.For("quizload")

	cfg      = loadgen.DefaultConfig()
	logLevel = "info"
	hold     = 30 * time.Second
	probe    = 5 * time.Second

	rootCmd = &cobra.Command{
		Use:           "quizload",
		Short:         "Load generator for the quiz server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logging.Setup(logLevel)
			return loadgen.Register(cmd.Context(), cfg)
		},
	}

	saturateCmd = &cobra.Command{
		Use:   "saturate",
		Short: "Logs every player in and holds the sessions open.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, hold)
			defer cancel()

			stats := loadgen.NewCollector()
			defer stats.Report(os.Stdout)
			return loadgen.Saturate(ctx, cfg, probe, stats)
		},
	}

	duelCmd = &cobra.Command{
		Use:   "duel",
		Short: "Pairs players and has them play full challenges.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stats := loadgen.NewCollector()
			defer stats.Report(os.Stdout)
			return loadgen.Duel(ctx, cfg, stats)
		},
	}
)

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "quiz listener, host:port or ws:// URL")
	f.StringVar(&cfg.AdminURL, "admin", cfg.AdminURL, "admin endpoint base URL")
	f.IntVar(&cfg.Players, "players", cfg.Players, "simulated players")
	f.IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "simultaneous connection attempts")
	f.StringVar(&cfg.Prefix, "prefix", cfg.Prefix, "username prefix")
	f.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "bound on one response")
	f.StringVar(&logLevel, "log-level", logLevel, "log level")

	saturateCmd.Flags().DurationVar(&hold, "hold", hold, "how long to hold the sessions")
	saturateCmd.Flags().DurationVar(&probe, "probe", probe, "interval between score probes")
	duelCmd.Flags().IntVar(&cfg.Rounds, "rounds", cfg.Rounds, "challenges per pair")

	rootCmd.AddCommand(saturateCmd, duelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(errors.Wrap(err, "quizload"))
	}
}
