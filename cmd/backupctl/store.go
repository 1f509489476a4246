package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"key-backup-migrator/internal/domain"
	"key-backup-migrator/internal/infra"
)

func storeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the crypto engine working store",
		Long: "Manage the crypto engine working store. With the sqlite driver every run uses a fresh store,\n" +
			"so migrate and status only check that the schema applies cleanly.",
	}
	cmd.AddCommand(storeMigrateCmd())
	cmd.AddCommand(storeStatusCmd())
	cmd.AddCommand(storeCleanupCmd())
	return cmd
}

// storeMigrateCmd は作業ストアに未適用のスキーマを適用する。
func storeMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := infra.OpenWorkingStore(cfg.CryptoStoreDriver, cfg.CryptoStoreDir, cfg.CryptoStoreDSN)
			if err != nil {
				return err
			}
			defer closeStore(store)

			appliedCount, err := newMigrationService(store).ApplyMigrations(cmd.Context())
			if err != nil {
				return err
			}
			if appliedCount == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", appliedCount)
			}
			return nil
		},
	}
}

// storeStatusCmd はスキーマの適用状況を表示する。
func storeStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show schema migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := infra.OpenWorkingStore(cfg.CryptoStoreDriver, cfg.CryptoStoreDir, cfg.CryptoStoreDSN)
			if err != nil {
				return err
			}
			defer closeStore(store)

			migrations, err := newMigrationService(store).GetMigrationStatus(cmd.Context())
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), migrations)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
			for _, m := range migrations {
				appliedAt := "-"
				if m.AppliedAt != nil {
					appliedAt = m.AppliedAt.Format("2006-01-02 15:04:05")
				}
				status := "pending"
				if m.Status == domain.MigrationStatusApplied {
					status = "applied"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Version, m.Name, status, appliedAt)
			}
			if err := w.Flush(); err != nil {
				return fmt.Errorf("failed to flush output: %w", err)
			}
			return nil
		},
	}
}

// storeCleanupCmd は過去の実行で残された作業ストアを削除する。
func storeCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove working stores abandoned by earlier runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(cfg.CryptoStoreDir); os.IsNotExist(err) {
				fmt.Fprintln(cmd.OutOrStdout(), "No working store directory.")
				return nil
			}
			removed, err := infra.CleanupWorkingStores(cfg.CryptoStoreDir)
			for _, p := range removed {
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", p)
			}
			if err != nil {
				return err
			}
			if len(removed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to clean up.")
			}
			return nil
		},
	}
}
