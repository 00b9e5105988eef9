package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wordduel/server/internal/users"
)

var registerCmd = &cobra.Command{
	Use:   "register <username> <password>",
	Short: "Adds an account to the user directory file.",
	Long: "Adds an account to the user directory file. Run it while the server " +
		"is stopped, or use POST /register on the admin endpoint instead.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := users.LoadFile(cfg.DirectoryPath)
		if err != nil {
			return err
		}
		if err := dir.Register(args[0], args[1]); err != nil {
			return err
		}
		if err := dir.SaveFile(cfg.DirectoryPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", args[0])
		return nil
	},
}
