// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"key-backup-migrator/internal/domain"
)

// StateRepository は移行状態をJSONファイルに保存する。
type StateRepository struct {
	path string
	now  func() time.Time
}

// NewStateRepository は新しいStateRepositoryを生成する。
func NewStateRepository(path string) *StateRepository {
	return &StateRepository{path: path, now: time.Now}
}

// Load は保存済みの移行状態を返す。ファイルが無い場合はゼロ値を返す。
func (r *StateRepository) Load(ctx context.Context) (*domain.MigrationState, error) {
	var state domain.MigrationState
	if _, err := readJSON(r.path, &state); err != nil {
		slog.ErrorContext(ctx, "failed to read migration state",
			"operation", "load_state",
			"path", r.path,
			"error", err,
		)
		return nil, fmt.Errorf("read migration state %s: %w", r.path, err)
	}
	return &state, nil
}

// Merge は既存の状態に空でないフィールドだけを反映して保存する。
func (r *StateRepository) Merge(ctx context.Context, update domain.MigrationState) (*domain.MigrationState, error) {
	state, err := r.Load(ctx)
	if err != nil {
		return nil, err
	}
	state.Merge(update)
	state.LastUpdated = r.now().UTC()

	if err := writeJSON(r.path, state, 0o600); err != nil {
		slog.ErrorContext(ctx, "failed to write migration state",
			"operation", "merge_state",
			"path", r.path,
			"error", err,
		)
		return nil, fmt.Errorf("write migration state %s: %w", r.path, err)
	}
	return state, nil
}
