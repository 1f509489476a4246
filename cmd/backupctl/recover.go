package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"key-backup-migrator/internal/prompt"
	"key-backup-migrator/internal/repository"
	"key-backup-migrator/internal/usecase"
)

// recoverCmd はシークレットストレージからバックアップ秘密鍵を復元するコマンド。
func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Recover the backup private key from secret storage",
		Long: "Recover the key backup private key using SSSS_PASSPHRASE or RECOVERY_KEY, verify it against\n" +
			"the current server backup and write the key artifacts to OUTPUT_DIR.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			client, err := newMatrixClient()
			if err != nil {
				return err
			}
			eng, store, err := openEngine(ctx)
			if err != nil {
				return err
			}
			defer closeStore(store)
			artifacts, closeArtifacts, err := newArtifacts(ctx)
			if err != nil {
				return err
			}
			defer closeArtifacts()

			passphrase, err := resolvePassphrase(ctx, newPrompter())
			if err != nil {
				return err
			}

			svc := usecase.NewRecoveryKeyService(usecase.NewSecretService(client), eng, client, artifacts, cfg.UserID)
			key, err := svc.Resolve(ctx, cfg.RecoveryKey, passphrase)
			if err != nil {
				return err
			}
			defer key.Wipe()
			if err := svc.SaveArtifacts(ctx, key); err != nil {
				return err
			}

			if output == "json" {
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"version":           key.Version.Version,
					"count":             key.Version.Count,
					"public_key":        key.PublicKey,
					"recovery_key_file": artifacts.Path(repository.RecoveryKeyFile),
					"private_key_file":  artifacts.Path(repository.PrivateKeyFile),
				})
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Recovered backup key for version %s (%d keys on server)\n", key.Version.Version, key.Version.Count)
			fmt.Fprintf(w, "Public key:   %s\n", key.PublicKey)
			fmt.Fprintf(w, "Recovery key: %s\n", artifacts.Path(repository.RecoveryKeyFile))
			fmt.Fprintf(w, "Private key:  %s\n", artifacts.Path(repository.PrivateKeyFile))
			return nil
		},
	}
}

// resolvePassphrase はSSSSパスフレーズを返す。RECOVERY_KEYかSSSS_PASSPHRASEがあれば尋ねない。
func resolvePassphrase(ctx context.Context, p prompt.Prompter) (string, error) {
	if cfg.RecoveryKey != "" || cfg.Passphrase != "" {
		return cfg.Passphrase, nil
	}
	return p.Password(ctx, "Secret storage passphrase")
}
