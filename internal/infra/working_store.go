package infra

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	storeFilePrefix = "crypto-store-"
	storeFileExt    = ".db"
)

// sqliteの付随ファイル
var storeSidecars = []string{"-journal", "-wal", "-shm"}

// WorkingStore は1回の実行で排他的に使う暗号エンジンの作業ストア。
type WorkingStore struct {
	DB   *gorm.DB
	path string
}

// OpenWorkingStore は作業ストアを開く。
// sqliteの場合は放置されたストアを削除した上で、dir配下に実行ごとに一意なファイルを作る。
// mysqlの場合はdsnに接続し、排他的な利用はオペレーターが保証する。
func OpenWorkingStore(driver, dir, dsn string) (*WorkingStore, error) {
	if driver == DriverMySQL {
		if dsn == "" {
			return nil, errors.New("CRYPTO_STORE_DSN is required for the mysql working store")
		}
		db, err := NewDB(DriverMySQL, dsn)
		if err != nil {
			return nil, fmt.Errorf("connecting to working store: %w", err)
		}
		return &WorkingStore{DB: db}, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating working store directory: %w", err)
	}
	if _, err := CleanupWorkingStores(dir); err != nil {
		return nil, err
	}

	path := filepath.Join(dir, storeFilePrefix+uuid.New().String()+storeFileExt)
	db, err := NewDB(DriverSQLite, path)
	if err != nil {
		return nil, fmt.Errorf("opening working store: %w", err)
	}
	slog.Debug("opened working store", "path", path)
	return &WorkingStore{DB: db, path: path}, nil
}

// Path はsqliteのストアファイルのパスを返す。mysqlの場合は空。
func (s *WorkingStore) Path() string {
	return s.path
}

// Close は接続を閉じ、sqliteのストアファイルを削除する。
func (s *WorkingStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	if err := sqlDB.Close(); err != nil {
		return err
	}
	if s.path == "" {
		return nil
	}
	return removeStore(s.path)
}

// CleanupWorkingStores は過去の実行で残された作業ストアを削除し、削除したパスを返す。
func CleanupWorkingStores(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, storeFilePrefix+"*"+storeFileExt))
	if err != nil {
		return nil, err
	}
	removed := make([]string, 0, len(matches))
	for _, m := range matches {
		if err := removeStore(m); err != nil {
			return removed, fmt.Errorf("removing abandoned working store %s: %w", m, err)
		}
		slog.Info("removed abandoned working store", "path", m)
		removed = append(removed, m)
	}
	return removed, nil
}

func removeStore(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, suffix := range storeSidecars {
		if err := os.Remove(path + suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
