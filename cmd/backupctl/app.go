package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"key-backup-migrator/internal/engine"
	"key-backup-migrator/internal/infra"
	"key-backup-migrator/internal/prompt"
	"key-backup-migrator/internal/repository"
	"key-backup-migrator/internal/usecase"
	"key-backup-migrator/migrations"
)

// newMatrixClient は設定からホームサーバーのクライアントを生成する。
func newMatrixClient() (*infra.MatrixClient, error) {
	if err := cfg.RequireServer(); err != nil {
		return nil, err
	}
	return infra.NewMatrixClient(cfg.HomeserverURL, cfg.AccessToken, cfg.UserID, cfg.HTTPTimeout), nil
}

// newPrompter は --yes を反映したPrompterを生成する。
func newPrompter() prompt.Prompter {
	if assumeYes {
		return prompt.Static{Answer: true}
	}
	return prompt.NewTerminal(os.Stdin, os.Stderr)
}

// newDevicePrompter はデバイス削除の再認証にACCOUNT_PASSWORDを使うPrompterを生成する。
func newDevicePrompter() prompt.Prompter {
	return prompt.WithAccountPassword(newPrompter(), cfg.AccountPassword)
}

// newArtifacts は成果物の保存先を生成する。KMS_KEY_NAMEが設定されていれば秘密鍵をKMSで封止する。
func newArtifacts(ctx context.Context) (*repository.ArtifactRepository, func(), error) {
	if cfg.KMSKeyName == "" {
		return repository.NewArtifactRepository(cfg.OutputDir, nil), func() {}, nil
	}
	kmsClient, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := kmsClient.Close(); err != nil {
			slog.Error("failed to close KMS client", "error", err)
		}
	}
	return repository.NewArtifactRepository(cfg.OutputDir, kmsClient), closeFn, nil
}

// openEngine は作業ストアを開いてスキーマを適用し、暗号エンジンを返す。
func openEngine(ctx context.Context) (*engine.Engine, *infra.WorkingStore, error) {
	store, err := infra.OpenWorkingStore(cfg.CryptoStoreDriver, cfg.CryptoStoreDir, cfg.CryptoStoreDSN)
	if err != nil {
		return nil, nil, err
	}
	if _, err := newMigrationService(store).ApplyMigrations(ctx); err != nil {
		closeStore(store)
		return nil, nil, err
	}
	return engine.New(store.DB, cfg.BatchSize), store, nil
}

func newMigrationService(store *infra.WorkingStore) *usecase.MigrationService {
	return usecase.NewMigrationService(repository.NewMigrationRepository(store.DB), store.DB, migrations.FS)
}

func closeStore(store *infra.WorkingStore) {
	if err := store.Close(); err != nil {
		slog.Error("failed to close working store", "path", store.Path(), "error", err)
	}
}

func newStateRepository() *repository.StateRepository {
	return repository.NewStateRepository(cfg.StateFile)
}

// printJSON は --output json の場合の出力。
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	return nil
}
