package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"maunium.net/go/mautrix/id"

	"key-backup-migrator/internal/domain"
)

// mockAccountData はテスト用のアカウントデータストア。
type mockAccountData struct {
	events map[string]any
	err    error
	calls  []string
}

func newMockAccountData() *mockAccountData {
	return &mockAccountData{events: make(map[string]any)}
}

func (m *mockAccountData) GetAccountData(ctx context.Context, userID, eventType string, out any) (bool, error) {
	m.calls = append(m.calls, eventType)
	if m.err != nil {
		return false, m.err
	}
	content, ok := m.events[eventType]
	if !ok {
		return false, nil
	}
	b, err := json.Marshal(content)
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

// mockBackupAPI はテスト用のバックアップAPI。セッションごとに件数を数える。
type mockBackupAPI struct {
	versions   map[string]*domain.BackupVersion
	current    string
	sessions   map[string]map[string]bool
	stored     map[string]*domain.KeysBackupRequest
	uploads    int
	failUpload int
	createErr  error
	created    []domain.BackupAuthData
}

func newMockBackupAPI() *mockBackupAPI {
	return &mockBackupAPI{
		versions: make(map[string]*domain.BackupVersion),
		sessions: make(map[string]map[string]bool),
		stored:   make(map[string]*domain.KeysBackupRequest),
	}
}

func (m *mockBackupAPI) addVersion(version, publicKey string, count int) {
	m.versions[version] = &domain.BackupVersion{
		Version:   version,
		Algorithm: domain.BackupAlgorithmMegolmV1,
		AuthData:  domain.BackupAuthData{PublicKey: id.Ed25519(publicKey)},
		Count:     count,
	}
	m.sessions[version] = make(map[string]bool)
	m.stored[version] = &domain.KeysBackupRequest{Rooms: make(map[string]domain.RoomKeyBackup)}
	m.current = version
}

func (m *mockBackupAPI) GetCurrentBackupVersion(ctx context.Context) (*domain.BackupVersion, error) {
	if m.current == "" {
		return nil, nil
	}
	v := *m.versions[m.current]
	return &v, nil
}

func (m *mockBackupAPI) GetBackupVersion(ctx context.Context, version string) (*domain.BackupVersion, error) {
	v, ok := m.versions[version]
	if !ok {
		return nil, nil
	}
	out := *v
	return &out, nil
}

func (m *mockBackupAPI) CreateBackupVersion(ctx context.Context, algorithm string, authData domain.BackupAuthData) (string, error) {
	if m.createErr != nil {
		return "", m.createErr
	}
	m.created = append(m.created, authData)
	version := fmt.Sprintf("%d", len(m.versions)+1)
	m.addVersion(version, string(authData.PublicKey), 0)
	return version, nil
}

func (m *mockBackupAPI) UploadKeys(ctx context.Context, version string, body *domain.KeysBackupRequest) (domain.RawResponse, error) {
	m.uploads++
	if m.failUpload > 0 && m.uploads == m.failUpload {
		return nil, errors.New("503 service unavailable")
	}
	v, ok := m.versions[version]
	if !ok {
		return nil, fmt.Errorf("unknown version %s", version)
	}
	for roomID, room := range body.Rooms {
		for sessionID, data := range room.Sessions {
			key := roomID + "|" + sessionID
			if !m.sessions[version][key] {
				m.sessions[version][key] = true
				v.Count++
			}
			m.setSession(version, roomID, sessionID, data)
		}
	}
	return json.Marshal(domain.UploadKeysResponse{Count: v.Count, ETag: fmt.Sprintf("etag-%d", v.Count)})
}

func (m *mockBackupAPI) GetRoomKeys(ctx context.Context, version string) (*domain.KeysBackupRequest, error) {
	keys, ok := m.stored[version]
	if !ok {
		return nil, fmt.Errorf("unknown version %s", version)
	}
	return keys, nil
}

func (m *mockBackupAPI) setSession(version, roomID, sessionID string, data domain.KeyBackupData) {
	room, ok := m.stored[version].Rooms[roomID]
	if !ok {
		room = domain.RoomKeyBackup{Sessions: make(map[string]domain.KeyBackupData)}
		m.stored[version].Rooms[roomID] = room
	}
	room.Sessions[sessionID] = data
}

// mockPrompter はテスト用のPrompter。
type mockPrompter struct {
	answer    bool
	password  string
	confirmed []string
	asked     int
}

func (m *mockPrompter) Confirm(ctx context.Context, question string) (bool, error) {
	m.confirmed = append(m.confirmed, question)
	return m.answer, nil
}

func (m *mockPrompter) Password(ctx context.Context, label string) (string, error) {
	m.asked++
	return m.password, nil
}

// mockKeysSource はテスト用の鍵ファイル。
type mockKeysSource struct {
	keys    *domain.ExtractedKeys
	err     error
	missing bool
}

func (m *mockKeysSource) Load(ctx context.Context) (*domain.ExtractedKeys, error) {
	return m.keys, m.err
}

func (m *mockKeysSource) Exists() bool {
	return !m.missing
}

// mockStateStore はテスト用の移行状態ストア。
type mockStateStore struct {
	state  domain.MigrationState
	merges int
}

func (m *mockStateStore) Load(ctx context.Context) (*domain.MigrationState, error) {
	s := m.state
	return &s, nil
}

func (m *mockStateStore) Merge(ctx context.Context, update domain.MigrationState) (*domain.MigrationState, error) {
	m.merges++
	m.state.Merge(update)
	s := m.state
	return &s, nil
}

// mockArtifacts はテスト用の成果物ストア。
type mockArtifacts struct {
	recoveryKey string
	seed        []byte
	publicKey   string
	err         error
}

func (m *mockArtifacts) SaveRecoveryKey(ctx context.Context, recoveryKey string) error {
	m.recoveryKey = recoveryKey
	return m.err
}

func (m *mockArtifacts) SavePrivateKey(ctx context.Context, seed []byte) error {
	m.seed = append([]byte{}, seed...)
	return m.err
}

func (m *mockArtifacts) SavePublicKey(ctx context.Context, publicKey string) error {
	m.publicKey = publicKey
	return m.err
}

func (m *mockArtifacts) LoadRecoveryKey(ctx context.Context) (string, error) {
	return m.recoveryKey, nil
}

func (m *mockArtifacts) LoadPrivateKey(ctx context.Context) ([]byte, error) {
	if m.seed == nil {
		return nil, nil
	}
	return append([]byte{}, m.seed...), nil
}

// mockDeviceAPI はテスト用のデバイスAPI。
type mockDeviceAPI struct {
	devices   []domain.Device
	challenge *domain.AuthChallenge
	deleteErr error
	retryErr  error
	attempts  []*domain.PasswordAuth
	deleted   []string
}

func (m *mockDeviceAPI) ListDevices(ctx context.Context) ([]domain.Device, error) {
	return m.devices, nil
}

func (m *mockDeviceAPI) DeleteDevice(ctx context.Context, deviceID string, auth *domain.PasswordAuth) error {
	m.attempts = append(m.attempts, auth)
	if auth == nil {
		if m.challenge != nil {
			return m.challenge
		}
		if m.deleteErr != nil {
			return m.deleteErr
		}
	} else if m.retryErr != nil {
		return m.retryErr
	}
	m.deleted = append(m.deleted, deviceID)
	return nil
}
