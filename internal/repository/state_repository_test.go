package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"key-backup-migrator/internal/domain"
)

func TestStateRepository_LoadMissing(t *testing.T) {
	repo := NewStateRepository(filepath.Join(t.TempDir(), "state.json"))

	state, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.UserID != "" || state.BackupVersion != "" {
		t.Errorf("want empty state, got %+v", state)
	}
}

func TestStateRepository_MergeKeepsFields(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out", "state.json")
	repo := NewStateRepository(path)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	repo.now = func() time.Time { return fixed }

	if _, err := repo.Merge(ctx, domain.MigrationState{UserID: "@bot:example.org", BackupVersion: "3"}); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	state, err := repo.Merge(ctx, domain.MigrationState{NewDeviceID: "NEWDEVICE"})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}

	if state.UserID != "@bot:example.org" || state.BackupVersion != "3" || state.NewDeviceID != "NEWDEVICE" {
		t.Errorf("merge dropped fields: %+v", state)
	}
	if !state.LastUpdated.Equal(fixed) {
		t.Errorf("want lastUpdated %s, got %s", fixed, state.LastUpdated)
	}

	reloaded, err := NewStateRepository(path).Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.UserID != state.UserID || reloaded.NewDeviceID != state.NewDeviceID || !reloaded.LastUpdated.Equal(state.LastUpdated) {
		t.Errorf("want persisted %+v, got %+v", state, reloaded)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("want mode 0600, got %o", info.Mode().Perm())
	}
}

func TestStateRepository_MergeOverwritesWithNewValue(t *testing.T) {
	ctx := context.Background()
	repo := NewStateRepository(filepath.Join(t.TempDir(), "state.json"))

	if _, err := repo.Merge(ctx, domain.MigrationState{BackupVersion: "1"}); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	state, err := repo.Merge(ctx, domain.MigrationState{BackupVersion: "2"})
	if err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if state.BackupVersion != "2" {
		t.Errorf("want backup version 2, got %s", state.BackupVersion)
	}
}

func TestStateRepository_LoadCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	if _, err := NewStateRepository(path).Load(context.Background()); err == nil {
		t.Error("expected error for corrupt state file")
	}
}
