package infra

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"key-backup-migrator/internal/domain"
	"key-backup-migrator/internal/infra/matrixtest"
)

const (
	testUserID = "@bot:example.org"
	testToken  = "syt_test_token"
)

func setupTestClient(t *testing.T) (*MatrixClient, *matrixtest.Server) {
	t.Helper()
	srv := matrixtest.New(testUserID, testToken).Start()
	t.Cleanup(srv.Close)
	return NewMatrixClient(srv.URL+"/", testToken, testUserID, 5*time.Second), srv
}

func TestMatrixClient_GetAccountData(t *testing.T) {
	client, srv := setupTestClient(t)
	srv.SetAccountData(domain.AccountDataDefaultKey, domain.DefaultKeyContent{Key: "KEYID"})
	ctx := context.Background()

	var content domain.DefaultKeyContent
	found, err := client.GetAccountData(ctx, testUserID, domain.AccountDataDefaultKey, &content)
	if err != nil {
		t.Fatalf("GetAccountData failed: %v", err)
	}
	if !found || content.Key != "KEYID" {
		t.Errorf("want KEYID, got found=%v %+v", found, content)
	}

	found, err = client.GetAccountData(ctx, testUserID, domain.AccountDataKeyPrefix+"KEYID", &content)
	if err != nil || found {
		t.Errorf("missing event must be absent without error, got found=%v err=%v", found, err)
	}
}

func TestMatrixClient_BackupVersions(t *testing.T) {
	client, srv := setupTestClient(t)
	ctx := context.Background()

	current, err := client.GetCurrentBackupVersion(ctx)
	if err != nil {
		t.Fatalf("GetCurrentBackupVersion failed: %v", err)
	}
	if current != nil {
		t.Fatalf("want no backup, got %+v", current)
	}

	version, err := client.CreateBackupVersion(ctx, domain.BackupAlgorithmMegolmV1, domain.BackupAuthData{PublicKey: "pubkey"})
	if err != nil {
		t.Fatalf("CreateBackupVersion failed: %v", err)
	}

	current, err = client.GetCurrentBackupVersion(ctx)
	if err != nil {
		t.Fatalf("GetCurrentBackupVersion failed: %v", err)
	}
	if current == nil || current.Version != version || current.AuthData.PublicKey != "pubkey" {
		t.Errorf("unexpected current version: %+v", current)
	}

	missing, err := client.GetBackupVersion(ctx, "999")
	if err != nil || missing != nil {
		t.Errorf("unknown version must be absent, got %+v err=%v", missing, err)
	}
	if got := srv.Requests(); len(got) != 4 {
		t.Errorf("want 4 requests, got %v", got)
	}
}

func TestMatrixClient_UploadKeys(t *testing.T) {
	client, srv := setupTestClient(t)
	srv.AddBackupVersion("1", "pubkey", 0)
	ctx := context.Background()

	sealed := json.RawMessage(`{"ephemeral":"e","ciphertext":"c","mac":"m"}`)
	body := &domain.KeysBackupRequest{Rooms: map[string]domain.RoomKeyBackup{
		"!room:example.org": {Sessions: map[string]domain.KeyBackupData{
			"s1": {FirstMessageIndex: 0, SessionData: sealed},
			"s2": {FirstMessageIndex: 3, SessionData: sealed},
		}},
	}}

	raw, err := client.UploadKeys(ctx, "1", body)
	if err != nil {
		t.Fatalf("UploadKeys failed: %v", err)
	}
	var resp domain.UploadKeysResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("response is not JSON: %v", err)
	}
	if resp.Count != 2 || resp.ETag == "" {
		t.Errorf("want count 2 with etag, got %+v", resp)
	}
	if _, ok := srv.Session("1", "!room:example.org", "s2"); !ok {
		t.Error("session s2 must be stored")
	}

	_, err = client.UploadKeys(ctx, "7", body)
	var mErr *MatrixError
	if !errors.As(err, &mErr) || mErr.ErrCode != "M_WRONG_ROOM_KEYS_VERSION" {
		t.Errorf("want M_WRONG_ROOM_KEYS_VERSION, got %v", err)
	}
}

func TestMatrixClient_GetRoomKeys(t *testing.T) {
	client, srv := setupTestClient(t)
	srv.AddBackupVersion("1", "pubkey", 0)
	ctx := context.Background()

	sealed := json.RawMessage(`{"ephemeral":"e","ciphertext":"c","mac":"m"}`)
	srv.SetSession("1", "!room:example.org", "s1", domain.KeyBackupData{FirstMessageIndex: 4, SessionData: sealed})

	keys, err := client.GetRoomKeys(ctx, "1")
	if err != nil {
		t.Fatalf("GetRoomKeys failed: %v", err)
	}
	got := keys.Rooms["!room:example.org"].Sessions["s1"]
	if keys.KeyCount() != 1 || got.FirstMessageIndex != 4 || string(got.SessionData) != string(sealed) {
		t.Errorf("unexpected keys: %+v", keys)
	}

	if _, err := client.GetRoomKeys(ctx, "9"); !IsNotFound(err) {
		t.Errorf("want not found for unknown version, got %v", err)
	}
}

func TestMatrixClient_InvalidToken(t *testing.T) {
	srv := matrixtest.New(testUserID, testToken).Start()
	defer srv.Close()
	client := NewMatrixClient(srv.URL, "wrong", testUserID, 5*time.Second)

	_, err := client.ListDevices(context.Background())

	var mErr *MatrixError
	if !errors.As(err, &mErr) {
		t.Fatalf("want *MatrixError, got %T %v", err, err)
	}
	if mErr.StatusCode != 401 || mErr.ErrCode != "M_UNKNOWN_TOKEN" {
		t.Errorf("unexpected error: %+v", mErr)
	}
	var challenge *domain.AuthChallenge
	if errors.As(err, &challenge) {
		t.Error("401 without flows must not be a challenge")
	}
}

func TestMatrixClient_DeleteDevice_Challenge(t *testing.T) {
	client, srv := setupTestClient(t)
	srv.Password = "hunter2"
	srv.AddDevice(domain.Device{DeviceID: "OLD"})
	ctx := context.Background()

	err := client.DeleteDevice(ctx, "OLD", nil)
	var challenge *domain.AuthChallenge
	if !errors.As(err, &challenge) {
		t.Fatalf("want *domain.AuthChallenge, got %v", err)
	}
	if challenge.Session == "" || !challenge.SupportsPassword() {
		t.Errorf("unexpected challenge: %+v", challenge)
	}

	auth := domain.NewPasswordAuth(testUserID, "hunter2", challenge)
	if err := client.DeleteDevice(ctx, "OLD", auth); err != nil {
		t.Fatalf("authenticated DeleteDevice failed: %v", err)
	}
	if len(srv.Devices()) != 0 {
		t.Error("device must be removed")
	}
}

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"not found", &MatrixError{StatusCode: 404, ErrCode: "M_NOT_FOUND"}, true},
		{"bare 404", &MatrixError{StatusCode: 404}, true},
		{"unrecognized endpoint", &MatrixError{StatusCode: 404, ErrCode: "M_UNRECOGNIZED"}, false},
		{"forbidden", &MatrixError{StatusCode: 403, ErrCode: "M_FORBIDDEN"}, false},
		{"other error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Errorf("want %v, got %v", tt.want, got)
			}
		})
	}
}
