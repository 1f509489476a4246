package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the migration state file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the migration state",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := newStateRepository().Load(cmd.Context())
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), state)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "File:           %s\n", cfg.StateFile)
			fmt.Fprintf(w, "User:           %s\n", orDash(state.UserID))
			fmt.Fprintf(w, "Backup version: %s\n", orDash(state.BackupVersion))
			fmt.Fprintf(w, "New device:     %s\n", orDash(state.NewDeviceID))
			if !state.LastUpdated.IsZero() {
				fmt.Fprintf(w, "Last updated:   %s\n", state.LastUpdated.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	})
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
