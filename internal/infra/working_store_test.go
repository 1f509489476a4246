package infra

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenWorkingStore_CleansAbandonedStores(t *testing.T) {
	dir := t.TempDir()
	abandoned := filepath.Join(dir, "crypto-store-old.db")
	for _, p := range []string{abandoned, abandoned + "-wal", filepath.Join(dir, "keep.txt")} {
		if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
			t.Fatalf("setup failed: %v", err)
		}
	}

	store, err := OpenWorkingStore(DriverSQLite, dir, "")
	if err != nil {
		t.Fatalf("OpenWorkingStore failed: %v", err)
	}

	if _, err := os.Stat(abandoned); !os.IsNotExist(err) {
		t.Error("abandoned store must be removed")
	}
	if _, err := os.Stat(abandoned + "-wal"); !os.IsNotExist(err) {
		t.Error("abandoned sidecar must be removed")
	}
	if _, err := os.Stat(filepath.Join(dir, "keep.txt")); err != nil {
		t.Error("unrelated files must be kept")
	}
	name := filepath.Base(store.Path())
	if !strings.HasPrefix(name, "crypto-store-") || !strings.HasSuffix(name, ".db") {
		t.Errorf("unexpected store name %s", name)
	}

	if err := store.DB.Exec("CREATE TABLE scratch (id INTEGER)").Error; err != nil {
		t.Fatalf("store not usable: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := os.Stat(store.Path()); !os.IsNotExist(err) {
		t.Error("store file must be removed on Close")
	}
}

func TestOpenWorkingStore_UniquePerRun(t *testing.T) {
	dir := t.TempDir()

	first, err := OpenWorkingStore(DriverSQLite, dir, "")
	if err != nil {
		t.Fatalf("OpenWorkingStore failed: %v", err)
	}
	firstPath := first.Path()
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second, err := OpenWorkingStore(DriverSQLite, dir, "")
	if err != nil {
		t.Fatalf("OpenWorkingStore failed: %v", err)
	}
	defer second.Close()
	if second.Path() == firstPath {
		t.Error("each run must use a fresh store")
	}
}

func TestOpenWorkingStore_MySQLRequiresDSN(t *testing.T) {
	if _, err := OpenWorkingStore(DriverMySQL, "", ""); err == nil {
		t.Error("expected error without DSN")
	}
}

func TestCleanupWorkingStores_EmptyDir(t *testing.T) {
	removed, err := CleanupWorkingStores(t.TempDir())
	if err != nil {
		t.Fatalf("CleanupWorkingStores failed: %v", err)
	}
	if len(removed) != 0 {
		t.Errorf("want nothing removed, got %v", removed)
	}
}

func TestNewDB_UnknownDriver(t *testing.T) {
	if _, err := NewDB("bolt", "x"); err == nil {
		t.Error("expected error for unknown driver")
	}
}
