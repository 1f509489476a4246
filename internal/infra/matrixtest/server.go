// Package matrixtest はテスト用のインメモリなホームサーバーを提供する。
// アカウントデータ、キーバックアップ、デバイスのエンドポイントのみを実装する。
package matrixtest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"maunium.net/go/mautrix/id"

	"key-backup-migrator/internal/domain"
	"key-backup-migrator/pkg/httputil"
)

// Server はテスト用ホームサーバー。フィールドはStartの前に設定する。
type Server struct {
	*httptest.Server

	UserID      string
	AccessToken string
	// Password が設定されている場合、デバイス削除にパスワード認証を要求する。
	Password string
	// Flows はUIAチャレンジで提示するフロー。空の場合はパスワード単独のフロー。
	Flows []domain.AuthFlow

	mu          sync.Mutex
	accountData map[string]any
	versions    map[string]*domain.BackupVersion
	sessions    map[string]map[string]map[string]domain.KeyBackupData
	current     string
	devices     []domain.Device
	failUploads int
	requests    []string
}

// New は起動前のServerを生成する。
func New(userID, accessToken string) *Server {
	return &Server{
		UserID:      userID,
		AccessToken: accessToken,
		accountData: make(map[string]any),
		versions:    make(map[string]*domain.BackupVersion),
		sessions:    make(map[string]map[string]map[string]domain.KeyBackupData),
	}
}

// Start はHTTPサーバーを起動する。終了時にはCloseを呼ぶこと。
func (s *Server) Start() *Server {
	s.Server = httptest.NewServer(s.router())
	return s
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(s.record)

	r.Route("/_matrix/client/v3", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Get("/user/{userID}/account_data/{type}", s.getAccountData)
		r.Get("/room_keys/version", s.getCurrentVersion)
		r.Post("/room_keys/version", s.createVersion)
		r.Get("/room_keys/version/{version}", s.getVersion)
		r.Put("/room_keys/keys", s.putKeys)
		r.Get("/room_keys/keys", s.getKeys)
		r.Get("/devices", s.listDevices)
		r.Delete("/devices/{deviceID}", s.deleteDevice)
	})
	return r
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Method+" "+r.URL.Path)
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token != s.AccessToken {
			httputil.Error(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "invalid access token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SetAccountData はアカウントデータのイベントを設定する。
func (s *Server) SetAccountData(eventType string, content any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accountData[eventType] = content
}

// AddBackupVersion は既存のバックアップバージョンを登録し、最新のバージョンにする。
func (s *Server) AddBackupVersion(version, publicKey string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addVersionLocked(version, domain.BackupAlgorithmMegolmV1, publicKey)
	s.versions[version].Count = count
}

func (s *Server) addVersionLocked(version, algorithm, publicKey string) {
	s.versions[version] = &domain.BackupVersion{
		Version:   version,
		Algorithm: algorithm,
		AuthData:  domain.BackupAuthData{PublicKey: id.Ed25519(publicKey)},
	}
	s.sessions[version] = make(map[string]map[string]domain.KeyBackupData)
	s.current = version
}

// AddDevice はデバイスを登録する。
func (s *Server) AddDevice(device domain.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, device)
}

// FailNextUploads は次のn回のバッチ送信を502で失敗させる。
func (s *Server) FailNextUploads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUploads = n
}

// Version は指定したバックアップバージョンの現在の状態を返す。
func (s *Server) Version(version string) (domain.BackupVersion, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[version]
	if !ok {
		return domain.BackupVersion{}, false
	}
	return *v, true
}

// Session は保存されたバックアップレコードを返す。
func (s *Server) Session(version, roomID, sessionID string) (domain.KeyBackupData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.sessions[version][roomID][sessionID]
	return data, ok
}

// SetSession はバックアップレコードを直接書き換える。件数は変更しない。
func (s *Server) SetSession(version, roomID, sessionID string, data domain.KeyBackupData) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.sessions[version][roomID]
	if !ok {
		room = make(map[string]domain.KeyBackupData)
		s.sessions[version][roomID] = room
	}
	room[sessionID] = data
}

// Devices は登録されているデバイスを返す。
func (s *Server) Devices() []domain.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Device{}, s.devices...)
}

// Requests は受け付けたリクエストの "METHOD path" を順に返す。
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.requests...)
}
