package usecase

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	"gorm.io/gorm"

	"key-backup-migrator/internal/domain"
)

// MigrationRepository はマイグレーション履歴を管理するリポジトリのインターフェース。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	IsMigrationApplied(ctx context.Context, version string) (bool, error)
}

// MigrationService は作業ストアのスキーマを適用する。
type MigrationService struct {
	repo       MigrationRepository
	db         *gorm.DB
	migrations fs.FS
}

// NewMigrationService は新しいMigrationServiceを生成する。
// migrations には {version}_{name}.sql 形式のファイルが直下に置かれている必要がある。
func NewMigrationService(repo MigrationRepository, db *gorm.DB, migrations fs.FS) *MigrationService {
	return &MigrationService{
		repo:       repo,
		db:         db,
		migrations: migrations,
	}
}

// scanMigrationFiles は.sqlファイルをバージョン順に列挙する。
func (s *MigrationService) scanMigrationFiles() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.migrations, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var migrations []*domain.Migration
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}

		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, &domain.Migration{
			Version:  version,
			Name:     name,
			FilePath: entry.Name(),
			Status:   domain.MigrationStatusPending,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parseMigrationFileName はファイル名からバージョンと名前を抽出する。
// ファイル名のフォーマット: {version}_{name}.sql (例: 001_create_inbound_group_sessions.sql)
func parseMigrationFileName(filename string) (version, name string, err error) {
	parts := strings.SplitN(strings.TrimSuffix(filename, ".sql"), "_", 2)
	if len(parts) < 2 || parts[1] == "" || !isDigits(parts[0]) {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return parts[0], parts[1], nil
}

// isDigits はsが1文字以上の数字のみで構成されているか判定する。
func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// splitStatements はSQLファイルを文単位に分割する。
// MySQLドライバは既定で複数文の一括実行を受け付けない。
func splitStatements(sql string) []string {
	var stmts []string
	for _, stmt := range strings.Split(sql, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// ApplyMigrations は未適用マイグレーションを番号順に実行し、適用数を返す。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrMigrationFailed, err)
	}

	all, err := s.scanMigrationFiles()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migration files",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}

	applied := 0
	for _, migration := range all {
		done, err := s.repo.IsMigrationApplied(ctx, migration.Version)
		if err != nil {
			return applied, fmt.Errorf("failed to check migration status: %w", err)
		}
		if done {
			continue
		}
		if err := s.applyMigration(ctx, migration); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", migration.Version,
				"error", err,
			)
			return applied, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, migration.Version, err)
		}
		slog.DebugContext(ctx, "migration applied", "version", migration.Version, "name", migration.Name)
		applied++
	}
	return applied, nil
}

// applyMigration は単一のマイグレーションをトランザクション内で実行する。
func (s *MigrationService) applyMigration(ctx context.Context, migration *domain.Migration) error {
	sqlBytes, err := fs.ReadFile(s.migrations, migration.FilePath)
	if err != nil {
		return fmt.Errorf("failed to read migration file: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range splitStatements(string(sqlBytes)) {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to execute migration SQL: %w", err)
			}
		}

		// 同じtxで履歴を記録する
		if err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
			migration.Version, time.Now().UTC()).Error; err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	})
}

// GetMigrationStatus は現在のマイグレーション状況を取得する。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, err
	}
	all, err := s.scanMigrationFiles()
	if err != nil {
		return nil, err
	}

	applied, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch applied migrations: %w", err)
	}
	appliedMap := make(map[string]*domain.Migration, len(applied))
	for _, m := range applied {
		appliedMap[m.Version] = m
	}

	for _, migration := range all {
		if m, ok := appliedMap[migration.Version]; ok {
			migration.Status = domain.MigrationStatusApplied
			migration.AppliedAt = m.AppliedAt
		}
	}
	return all, nil
}
