package matrixtest

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"maunium.net/go/mautrix"

	"key-backup-migrator/internal/domain"
	"key-backup-migrator/pkg/httputil"
)

const uiaSession = "uia-session-1"

func (s *Server) getAccountData(w http.ResponseWriter, r *http.Request) {
	if chi.URLParam(r, "userID") != s.UserID {
		httputil.Error(w, http.StatusForbidden, "M_FORBIDDEN", "cannot read another user's account data")
		return
	}
	s.mu.Lock()
	content, ok := s.accountData[chi.URLParam(r, "type")]
	s.mu.Unlock()
	if !ok {
		httputil.Error(w, http.StatusNotFound, "M_NOT_FOUND", "account data not found")
		return
	}
	httputil.JSON(w, http.StatusOK, content)
}

func (s *Server) getCurrentVersion(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == "" {
		httputil.Error(w, http.StatusNotFound, "M_NOT_FOUND", "no current backup version")
		return
	}
	httputil.JSON(w, http.StatusOK, s.versions[s.current])
}

func (s *Server) getVersion(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[chi.URLParam(r, "version")]
	if !ok {
		httputil.Error(w, http.StatusNotFound, "M_NOT_FOUND", "unknown backup version")
		return
	}
	httputil.JSON(w, http.StatusOK, v)
}

func (s *Server) createVersion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Algorithm string                `json:"algorithm"`
		AuthData  domain.BackupAuthData `json:"auth_data"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if req.Algorithm == "" || req.AuthData.PublicKey == "" {
		httputil.Error(w, http.StatusBadRequest, "M_MISSING_PARAM", "algorithm and auth_data.public_key are required")
		return
	}

	s.mu.Lock()
	n := len(s.versions) + 1
	for s.versions[fmt.Sprintf("%d", n)] != nil {
		n++
	}
	version := fmt.Sprintf("%d", n)
	s.addVersionLocked(version, req.Algorithm, string(req.AuthData.PublicKey))
	s.mu.Unlock()

	httputil.JSON(w, http.StatusOK, map[string]string{"version": version})
}

func (s *Server) putKeys(w http.ResponseWriter, r *http.Request) {
	version := r.URL.Query().Get("version")
	var req domain.KeysBackupRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failUploads > 0 {
		s.failUploads--
		httputil.Error(w, http.StatusBadGateway, "M_UNKNOWN", "upstream unavailable")
		return
	}
	if version == "" || version != s.current {
		httputil.JSON(w, http.StatusForbidden, map[string]string{
			"errcode":         "M_WRONG_ROOM_KEYS_VERSION",
			"error":           "wrong backup version",
			"current_version": s.current,
		})
		return
	}

	v := s.versions[version]
	for roomID, room := range req.Rooms {
		stored, ok := s.sessions[version][roomID]
		if !ok {
			stored = make(map[string]domain.KeyBackupData)
			s.sessions[version][roomID] = stored
		}
		for sessionID, data := range room.Sessions {
			if _, exists := stored[sessionID]; !exists {
				v.Count++
			}
			stored[sessionID] = data
		}
	}
	v.ETag = fmt.Sprintf("%d", v.Count)
	httputil.JSON(w, http.StatusOK, domain.UploadKeysResponse{Count: v.Count, ETag: v.ETag})
}

func (s *Server) getKeys(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.sessions[r.URL.Query().Get("version")]
	if !ok {
		httputil.Error(w, http.StatusNotFound, "M_NOT_FOUND", "unknown backup version")
		return
	}
	out := domain.KeysBackupRequest{Rooms: make(map[string]domain.RoomKeyBackup, len(stored))}
	for roomID, sessions := range stored {
		room := domain.RoomKeyBackup{Sessions: make(map[string]domain.KeyBackupData, len(sessions))}
		for sessionID, data := range sessions {
			room.Sessions[sessionID] = data
		}
		out.Rooms[roomID] = room
	}
	httputil.JSON(w, http.StatusOK, out)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string][]domain.Device{"devices": s.Devices()})
}

func (s *Server) deleteDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	var req struct {
		Auth *domain.PasswordAuth `json:"auth"`
	}
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	if s.Password != "" && !s.authorized(req.Auth) {
		flows := s.Flows
		if len(flows) == 0 {
			flows = []domain.AuthFlow{{Stages: []mautrix.AuthType{domain.LoginTypePassword}}}
		}
		body := map[string]any{
			"session": uiaSession,
			"flows":   flows,
			"params":  map[string]any{},
		}
		if req.Auth != nil {
			body["errcode"] = "M_FORBIDDEN"
			body["error"] = "invalid password"
		}
		httputil.JSON(w, http.StatusUnauthorized, body)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.devices {
		if d.DeviceID == deviceID {
			s.devices = append(s.devices[:i], s.devices[i+1:]...)
			httputil.JSON(w, http.StatusOK, map[string]any{})
			return
		}
	}
	httputil.Error(w, http.StatusNotFound, "M_NOT_FOUND", "unknown device")
}

func (s *Server) authorized(auth *domain.PasswordAuth) bool {
	return auth != nil &&
		auth.Type == domain.LoginTypePassword &&
		auth.Session == uiaSession &&
		auth.Identifier.Type == mautrix.IdentifierTypeUser &&
		auth.Identifier.User == s.UserID &&
		auth.Password == s.Password
}
