package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/wordduel/server/internal/messaging"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Prints presence and challenge events published on NATS.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		nc := messaging.DefaultNATSConfig()
		if cfg.NATSURL != "" {
			nc.URL = cfg.NATSURL
		}
		nc.Name = "quizserver-watch"
		client, err := messaging.NewNATSClient(nc)
		if err != nil {
			return err
		}
		defer client.Close()

		out := cmd.OutOrStdout()
		if err := client.Subscribe(messaging.SubjectAll, func(m *nats.Msg) {
			fmt.Fprintf(out, "%s %s\n", m.Subject, m.Data)
		}); err != nil {
			return errors.Wrap(err, "subscribe")
		}
		logger.WithField("url", nc.URL).Info("watching events")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}

func init() {
	watchCmd.Flags().StringVar(&cfg.NATSURL, "nats", cfg.NATSURL, "NATS URL")
}
