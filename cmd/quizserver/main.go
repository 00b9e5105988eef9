// Command quizserver runs the word duel server and its operator tools.
package main

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/wordduel/server/internal/config"
	"github.com/wordduel/server/internal/logging"
)

var (
	logger logrus.FieldLogger = logging.For("main")

	// cfg starts from the defaults overlaid with QUIZ_* variables, so flags
	// bound to it override both.
	cfg    = config.Default()
	envErr = cfg.ApplyEnv(os.LookupEnv)

	rootCmd = &cobra.Command{
		Use:           "quizserver",
		Short:         "Two-player vocabulary quiz server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if envErr != nil {
				return envErr
			}
			logging.Setup(cfg.LogLevel)
			return nil
		},
	}
)

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	f.StringVar(&cfg.DirectoryPath, "directory", cfg.DirectoryPath, "user directory file")

	rootCmd.AddCommand(
		serveCmd,
		registerCmd,
		watchCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(errors.Wrap(err, "quizserver"))
	}
}
