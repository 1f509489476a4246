package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"key-backup-migrator/internal/domain"
	"key-backup-migrator/internal/repository"
	"key-backup-migrator/internal/usecase"
)

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage the server-side key backup",
	}
	cmd.AddCommand(backupStatusCmd())
	cmd.AddCommand(backupCreateCmd())
	cmd.AddCommand(backupUploadCmd())
	cmd.AddCommand(backupRunCmd())
	cmd.AddCommand(backupVerifyCmd())
	return cmd
}

// reuseFlags は既存バージョンの扱いを決めるフラグ。
type reuseFlags struct {
	reuseExisting bool
	newVersion    bool
}

func (f *reuseFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.reuseExisting, "reuse-existing", false, "Reuse the current backup version without asking")
	cmd.Flags().BoolVar(&f.newVersion, "new-version", false, "Create a new backup version alongside the current one")
	cmd.MarkFlagsMutuallyExclusive("reuse-existing", "new-version")
}

func (f *reuseFlags) policy() usecase.ReusePolicy {
	switch {
	case f.reuseExisting:
		return usecase.ReuseExisting
	case f.newVersion:
		return usecase.CreateNew
	default:
		return usecase.ReuseAsk
	}
}

// backupService はバックアップ操作に必要な依存関係を組み立てる。呼び出し側はcleanupを必ず呼ぶ。
func backupService(cmd *cobra.Command) (svc *usecase.BackupService, cleanup func(), err error) {
	ctx := cmd.Context()

	client, err := newMatrixClient()
	if err != nil {
		return nil, nil, err
	}
	eng, store, err := openEngine(ctx)
	if err != nil {
		return nil, nil, err
	}
	artifacts, closeArtifacts, err := newArtifacts(ctx)
	if err != nil {
		closeStore(store)
		return nil, nil, err
	}

	svc = usecase.NewBackupService(
		client,
		eng,
		repository.NewKeysFileRepository(cfg.KeysFile),
		newStateRepository(),
		artifacts,
		newPrompter(),
		usecase.BackupOptions{
			UserID:     cfg.UserID,
			DeviceID:   cfg.DeviceID,
			BatchDelay: cfg.BatchDelay,
		},
	)
	cleanup = func() {
		closeArtifacts()
		closeStore(store)
	}
	return svc, cleanup, nil
}

// backupStatusCmd はサーバー上のバックアップと移行状態を表示する。
func backupStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current backup version and migration state",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			client, err := newMatrixClient()
			if err != nil {
				return err
			}
			current, err := client.GetCurrentBackupVersion(ctx)
			if err != nil {
				return err
			}
			state, err := newStateRepository().Load(ctx)
			if err != nil {
				return err
			}

			if output == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{"current": current, "state": state})
			}
			w := cmd.OutOrStdout()
			if current == nil {
				fmt.Fprintln(w, "No key backup on server.")
			} else {
				fmt.Fprintf(w, "Current version: %s\n", current.Version)
				fmt.Fprintf(w, "Algorithm:       %s\n", current.Algorithm)
				fmt.Fprintf(w, "Keys:            %d\n", current.Count)
				fmt.Fprintf(w, "Public key:      %s\n", current.AuthData.PublicKey)
			}
			if state.BackupVersion != "" {
				fmt.Fprintf(w, "Migration state: version %s, new device %q\n", state.BackupVersion, state.NewDeviceID)
			}
			return nil
		},
	}
}

// backupCreateCmd はバックアップバージョンを決定、必要なら作成する。
func backupCreateCmd() *cobra.Command {
	var flags reuseFlags
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a backup version, or select the existing one",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := backupService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			active, err := svc.EnsureBackup(cmd.Context(), flags.policy())
			if err != nil {
				return err
			}
			if output == "json" {
				return printJSON(cmd.OutOrStdout(), active)
			}
			printActive(cmd.OutOrStdout(), active)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// backupUploadCmd は移行状態に記録されたバージョンへ鍵を送信する。
func backupUploadCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Import the extracted keys and upload them to an existing backup version",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if version == "" {
				state, err := newStateRepository().Load(ctx)
				if err != nil {
					return err
				}
				version = state.BackupVersion
			}
			if version == "" {
				return fmt.Errorf("%w: no backup version recorded; run 'backupctl backup create' or pass --version", domain.ErrConfigurationMissing)
			}

			svc, cleanup, err := backupService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := svc.Continue(ctx, version)
			return printRunReport(cmd, report, err)
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "Backup version (defaults to the one in the migration state)")
	return cmd
}

// backupRunCmd はバージョンの決定から件数照合までを一度に実行する。
func backupRunCmd() *cobra.Command {
	var flags reuseFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the whole backup lifecycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := backupService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := svc.Run(cmd.Context(), flags.policy())
			return printRunReport(cmd, report, err)
		},
	}
	flags.register(cmd)
	return cmd
}

// backupVerifyCmd は出力ディレクトリの鍵でサーバー上のバックアップを読み戻す。
func backupVerifyCmd() *cobra.Command {
	var version string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Decrypt every backed up session with the key in the output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := backupService(cmd)
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := svc.Verify(cmd.Context(), version)
			if report == nil {
				return err
			}
			if output == "json" {
				if jerr := printJSON(cmd.OutOrStdout(), report); jerr != nil {
					return jerr
				}
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Checked %d sessions in backup version %s (server count %d)\n", report.Checked, report.Version, report.ServerCount)
			for _, f := range report.Failed {
				fmt.Fprintf(w, "  cannot decrypt %s %s\n", f.RoomID, f.SessionID)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&version, "version", "", "Backup version (defaults to the current version)")
	return cmd
}

func printActive(w io.Writer, active *domain.ActiveBackup) {
	if active.Created {
		fmt.Fprintf(w, "Created backup version %s\n", active.Version)
		fmt.Fprintln(w, "The recovery key was written to the output directory. Store it somewhere safe.")
		return
	}
	fmt.Fprintf(w, "Using existing backup version %s (%d keys)\n", active.Version, active.PreExisting)
}

// printRunReport は失敗した場合も途中までの結果を表示してからエラーを返す。
func printRunReport(cmd *cobra.Command, report *domain.RunReport, runErr error) error {
	if report == nil {
		return runErr
	}
	if output == "json" {
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		return runErr
	}

	w := cmd.OutOrStdout()
	if report.Backup != nil {
		printActive(w, report.Backup)
	}
	if report.Import.Total > 0 {
		fmt.Fprintf(w, "Imported %d of %d keys into the crypto engine\n", report.Import.Imported, report.Import.Total)
	}
	if u := report.Upload; u != nil {
		fmt.Fprintf(w, "Uploaded %d keys in %d batches (server count %d)\n", u.KeysSent, u.Batches, u.ServerCount)
	}
	if r := report.Reconcile; r != nil {
		fmt.Fprintf(w, "Reconcile: %s (server %d, expected %d = %d existing + %d imported)\n",
			r.Outcome, r.ServerCount, r.Expected, r.PreExisting, r.Imported)
	}
	return runErr
}
