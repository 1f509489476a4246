package repository

import (
	"context"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestDB はテスト用のインメモリSQLiteデータベースを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return db
}

func TestMigrationRepository_EnsureTableAndRecord(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewMigrationRepository(db)

	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}
	// 2回目も成功する
	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("second EnsureTable failed: %v", err)
	}

	applied, err := repo.IsMigrationApplied(ctx, "001")
	if err != nil {
		t.Fatalf("IsMigrationApplied failed: %v", err)
	}
	if applied {
		t.Error("want 001 not applied")
	}

	for _, v := range []string{"002", "001"} {
		if err := db.Create(&SchemaMigrationModel{Version: v}).Error; err != nil {
			t.Fatalf("failed to insert migration %s: %v", v, err)
		}
	}

	applied, err = repo.IsMigrationApplied(ctx, "001")
	if err != nil || !applied {
		t.Errorf("want 001 applied, got %v (%v)", applied, err)
	}

	all, err := repo.FindAllApplied(ctx)
	if err != nil {
		t.Fatalf("FindAllApplied failed: %v", err)
	}
	if len(all) != 2 || all[0].Version != "001" || all[1].Version != "002" {
		t.Errorf("want versions in order, got %+v", all)
	}
	if all[0].AppliedAt == nil || all[0].AppliedAt.IsZero() {
		t.Error("want applied time set")
	}
}
