package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"key-backup-migrator/internal/crypto"
	"key-backup-migrator/internal/domain"
	"key-backup-migrator/internal/repository"
	"key-backup-migrator/internal/usecase"
	"key-backup-migrator/migrations"
)

// setupTestEngine はスキーマ適用済みのインメモリSQLiteでEngineを作成する。
func setupTestEngine(t *testing.T, batchSize int) (*Engine, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	svc := usecase.NewMigrationService(repository.NewMigrationRepository(db), db, migrations.FS)
	if _, err := svc.ApplyMigrations(context.Background()); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	return New(db, batchSize), db
}

func testSessionKey(index uint32) string {
	raw := make([]byte, 229)
	raw[0] = 0x01
	raw[1] = byte(index >> 24)
	raw[2] = byte(index >> 16)
	raw[3] = byte(index >> 8)
	raw[4] = byte(index)
	return base64.RawStdEncoding.EncodeToString(raw)
}

func testKeys(n int) []domain.ExtractedKey {
	keys := make([]domain.ExtractedKey, n)
	for i := range keys {
		keys[i] = domain.ExtractedKey{
			RoomID:            fmt.Sprintf("!room%d:example.org", i%2),
			SessionID:         fmt.Sprintf("session-%02d", i),
			Algorithm:         "m.megolm.v1.aes-sha2",
			SessionKey:        testSessionKey(uint32(i)),
			SenderKey:         "sender-curve25519",
			SenderClaimedKeys: map[string]string{"ed25519": "claimed-ed25519"},
		}
	}
	return keys
}

func testBackupKey(t *testing.T, e *Engine) (seed []byte, publicKey string) {
	t.Helper()
	seed, err := crypto.GenerateSeed()
	if err != nil {
		t.Fatalf("failed to generate seed: %v", err)
	}
	publicKey, err = e.DerivePublicKey(base64.StdEncoding.EncodeToString(seed))
	if err != nil {
		t.Fatalf("DerivePublicKey failed: %v", err)
	}
	return seed, publicKey
}

func TestEngine_ImportKeys_Idempotent(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t, 10)

	result, err := e.ImportKeys(ctx, testKeys(3))
	if err != nil {
		t.Fatalf("ImportKeys failed: %v", err)
	}
	if result.Imported != 3 || result.Total != 3 {
		t.Errorf("want 3/3 imported, got %d/%d", result.Imported, result.Total)
	}

	result, err = e.ImportKeys(ctx, testKeys(4))
	if err != nil {
		t.Fatalf("second ImportKeys failed: %v", err)
	}
	if result.Imported != 1 || result.Total != 4 {
		t.Errorf("want 1/4 imported on second run, got %d/%d", result.Imported, result.Total)
	}
}

func TestEngine_ProduceUploadBatch_NotEnabled(t *testing.T) {
	e, _ := setupTestEngine(t, 10)

	_, err := e.ProduceUploadBatch(context.Background())
	if !errors.Is(err, domain.ErrBackupNotEnabled) {
		t.Errorf("want ErrBackupNotEnabled, got %v", err)
	}
}

func TestEngine_UploadCycle(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t, 2)
	_, pub := testBackupKey(t, e)

	if _, err := e.ImportKeys(ctx, testKeys(3)); err != nil {
		t.Fatalf("ImportKeys failed: %v", err)
	}
	if err := e.EnableBackup(ctx, pub, "1"); err != nil {
		t.Fatalf("EnableBackup failed: %v", err)
	}

	sent := 0
	for i := 0; ; i++ {
		if i > 5 {
			t.Fatal("upload loop did not terminate")
		}
		req, err := e.ProduceUploadBatch(ctx)
		if err != nil {
			t.Fatalf("ProduceUploadBatch failed: %v", err)
		}
		if req == nil {
			break
		}
		sent += req.Body.KeyCount()
		if err := e.Acknowledge(ctx, req.ID, []byte(`{"count":1,"etag":"x"}`)); err != nil {
			t.Fatalf("Acknowledge failed: %v", err)
		}
	}
	if sent != 3 {
		t.Errorf("want 3 keys sent, got %d", sent)
	}

	stats, err := e.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.BackedUp != 3 || stats.PendingRequests != 0 {
		t.Errorf("want 3 backed up and 0 pending, got %d and %d", stats.BackedUp, stats.PendingRequests)
	}
	if stats.Target == nil || stats.Target.Version != "1" {
		t.Errorf("want target version 1, got %+v", stats.Target)
	}
}

func TestEngine_ProduceUploadBatch_SealsSessions(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t, 10)
	seed, pub := testBackupKey(t, e)

	keys := testKeys(1)
	keys[0].SessionKey = testSessionKey(42)
	keys[0].ForwardingCurve25519KeyChain = []string{"a", "b"}
	if _, err := e.ImportKeys(ctx, keys); err != nil {
		t.Fatalf("ImportKeys failed: %v", err)
	}
	if err := e.EnableBackup(ctx, pub, "7"); err != nil {
		t.Fatalf("EnableBackup failed: %v", err)
	}

	req, err := e.ProduceUploadBatch(ctx)
	if err != nil || req == nil {
		t.Fatalf("ProduceUploadBatch failed: %v", err)
	}
	data := req.Body.Rooms[keys[0].RoomID].Sessions[keys[0].SessionID]
	if data.FirstMessageIndex != 42 {
		t.Errorf("want first message index 42, got %d", data.FirstMessageIndex)
	}
	if data.ForwardedCount != 2 {
		t.Errorf("want forwarded count 2, got %d", data.ForwardedCount)
	}

	payload, err := crypto.OpenSessionData[domain.SessionPayload](seed, data.SessionData)
	if err != nil {
		t.Fatalf("OpenSessionData failed: %v", err)
	}
	if payload.SessionKey != keys[0].SessionKey || string(payload.SenderKey) != keys[0].SenderKey {
		t.Errorf("payload does not carry the session: %+v", payload)
	}
	if string(payload.Algorithm) != keys[0].Algorithm || len(payload.ForwardingKeyChain) != 2 ||
		string(payload.SenderClaimedKeys.Ed25519) != "claimed-ed25519" {
		t.Errorf("payload metadata unexpected: %+v", payload)
	}
}

func TestEngine_ProduceUploadBatch_ResendsUnacknowledged(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t, 10)
	_, pub := testBackupKey(t, e)

	if _, err := e.ImportKeys(ctx, testKeys(2)); err != nil {
		t.Fatalf("ImportKeys failed: %v", err)
	}
	if err := e.EnableBackup(ctx, pub, "1"); err != nil {
		t.Fatalf("EnableBackup failed: %v", err)
	}

	first, err := e.ProduceUploadBatch(ctx)
	if err != nil || first == nil {
		t.Fatalf("ProduceUploadBatch failed: %v", err)
	}
	again, err := e.ProduceUploadBatch(ctx)
	if err != nil || again == nil {
		t.Fatalf("second ProduceUploadBatch failed: %v", err)
	}
	if first.ID != again.ID {
		t.Errorf("want the same request re-sent, got %s and %s", first.ID, again.ID)
	}
	if again.Body.KeyCount() != 2 {
		t.Errorf("want 2 keys in re-sent request, got %d", again.Body.KeyCount())
	}
}

func TestEngine_Acknowledge_UnknownRequest(t *testing.T) {
	e, _ := setupTestEngine(t, 10)

	err := e.Acknowledge(context.Background(), "missing", nil)
	if !errors.Is(err, domain.ErrRequestNotFound) {
		t.Errorf("want ErrRequestNotFound, got %v", err)
	}
}

func TestEngine_EnableBackup_NewVersionResetsProgress(t *testing.T) {
	ctx := context.Background()
	e, _ := setupTestEngine(t, 10)
	_, pub := testBackupKey(t, e)

	if _, err := e.ImportKeys(ctx, testKeys(2)); err != nil {
		t.Fatalf("ImportKeys failed: %v", err)
	}
	if err := e.EnableBackup(ctx, pub, "1"); err != nil {
		t.Fatalf("EnableBackup failed: %v", err)
	}
	req, _ := e.ProduceUploadBatch(ctx)
	if err := e.Acknowledge(ctx, req.ID, nil); err != nil {
		t.Fatalf("Acknowledge failed: %v", err)
	}

	// 同じバージョンでは再送しない
	if err := e.EnableBackup(ctx, pub, "1"); err != nil {
		t.Fatalf("EnableBackup failed: %v", err)
	}
	if req, _ := e.ProduceUploadBatch(ctx); req != nil {
		t.Error("acknowledged sessions must not be sent again for the same version")
	}

	if err := e.EnableBackup(ctx, pub, "2"); err != nil {
		t.Fatalf("EnableBackup failed: %v", err)
	}
	req, err := e.ProduceUploadBatch(ctx)
	if err != nil || req == nil {
		t.Fatalf("want a new batch for version 2, got %v, %v", req, err)
	}
	if req.Body.KeyCount() != 2 {
		t.Errorf("want 2 keys for new version, got %d", req.Body.KeyCount())
	}
}

func TestEngine_EnableBackup_InvalidKey(t *testing.T) {
	e, _ := setupTestEngine(t, 10)

	if err := e.EnableBackup(context.Background(), "not-a-key", "1"); err == nil {
		t.Error("expected error for invalid public key")
	}
}

func TestFirstMessageIndex(t *testing.T) {
	if got := firstMessageIndex(testSessionKey(0x01020304)); got != 0x01020304 {
		t.Errorf("want 0x01020304, got %#x", got)
	}
	if got := firstMessageIndex("!!"); got != 0 {
		t.Errorf("want 0 for undecodable key, got %d", got)
	}
}
