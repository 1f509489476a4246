package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"key-backup-migrator/internal/domain"
	"key-backup-migrator/internal/middleware"
)

const clientAPIPrefix = "/_matrix/client/v3"

// MatrixError はホームサーバーが返した標準エラー。
type MatrixError struct {
	StatusCode int    `json:"-"`
	ErrCode    string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *MatrixError) Error() string {
	if e.ErrCode == "" {
		return fmt.Sprintf("homeserver returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("homeserver returned status %d: %s: %s", e.StatusCode, e.ErrCode, e.Message)
}

// IsNotFound は存在しないリソースを表すエラーか返す。
func IsNotFound(err error) bool {
	var mErr *MatrixError
	if !errors.As(err, &mErr) {
		return false
	}
	return mErr.StatusCode == http.StatusNotFound && (mErr.ErrCode == "M_NOT_FOUND" || mErr.ErrCode == "")
}

// MatrixClient はMatrix client-server APIのクライアント。
type MatrixClient struct {
	baseURL     string
	accessToken string
	userID      string
	http        *http.Client
}

// NewMatrixClient は新しいMatrixClientを生成する。
func NewMatrixClient(baseURL, accessToken, userID string, timeout time.Duration) *MatrixClient {
	return &MatrixClient{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		userID:      userID,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(&middleware.LoggingTransport{Base: http.DefaultTransport}),
		},
	}
}

// GetAccountData はアカウントデータのイベントを取得してoutに格納する。
func (c *MatrixClient) GetAccountData(ctx context.Context, userID, eventType string, out any) (bool, error) {
	path := "/user/" + url.PathEscape(userID) + "/account_data/" + url.PathEscape(eventType)
	err := c.do(ctx, http.MethodGet, path, nil, nil, out)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetching account data %s: %w", eventType, err)
	}
	return true, nil
}

// GetCurrentBackupVersion は最新のバックアップバージョンを返す。存在しない場合はnil。
func (c *MatrixClient) GetCurrentBackupVersion(ctx context.Context) (*domain.BackupVersion, error) {
	return c.getVersion(ctx, "/room_keys/version")
}

// GetBackupVersion は指定したバックアップバージョンを返す。存在しない場合はnil。
func (c *MatrixClient) GetBackupVersion(ctx context.Context, version string) (*domain.BackupVersion, error) {
	return c.getVersion(ctx, "/room_keys/version/"+url.PathEscape(version))
}

func (c *MatrixClient) getVersion(ctx context.Context, path string) (*domain.BackupVersion, error) {
	var v domain.BackupVersion
	err := c.do(ctx, http.MethodGet, path, nil, nil, &v)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateBackupVersion は新しいバックアップバージョンを作成し、そのバージョンを返す。
func (c *MatrixClient) CreateBackupVersion(ctx context.Context, algorithm string, authData domain.BackupAuthData) (string, error) {
	in := struct {
		Algorithm string                `json:"algorithm"`
		AuthData  domain.BackupAuthData `json:"auth_data"`
	}{algorithm, authData}
	var out struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodPost, "/room_keys/version", nil, in, &out); err != nil {
		return "", err
	}
	if out.Version == "" {
		return "", errors.New("homeserver did not return a backup version")
	}
	return out.Version, nil
}

// UploadKeys はバッチを送信し、応答ボディをそのまま返す。
func (c *MatrixClient) UploadKeys(ctx context.Context, version string, body *domain.KeysBackupRequest) (domain.RawResponse, error) {
	var raw json.RawMessage
	query := url.Values{"version": {version}}
	if err := c.do(ctx, http.MethodPut, "/room_keys/keys", query, body, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// GetRoomKeys はバックアップバージョンに保存された全セッションを返す。
func (c *MatrixClient) GetRoomKeys(ctx context.Context, version string) (*domain.KeysBackupRequest, error) {
	var out domain.KeysBackupRequest
	query := url.Values{"version": {version}}
	if err := c.do(ctx, http.MethodGet, "/room_keys/keys", query, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListDevices はアカウントのデバイス一覧を返す。
func (c *MatrixClient) ListDevices(ctx context.Context) ([]domain.Device, error) {
	var out struct {
		Devices []domain.Device `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/devices", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// DeleteDevice はデバイスを削除する。認証が必要な場合は *domain.AuthChallenge を返す。
func (c *MatrixClient) DeleteDevice(ctx context.Context, deviceID string, auth *domain.PasswordAuth) error {
	in := struct {
		Auth *domain.PasswordAuth `json:"auth,omitempty"`
	}{auth}
	return c.do(ctx, http.MethodDelete, "/devices/"+url.PathEscape(deviceID), nil, in, nil)
}

// UserID はアクセストークンの所有者を返す。
func (c *MatrixClient) UserID() string {
	return c.userID
}

func (c *MatrixClient) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL + clientAPIPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return err
		}
		body = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		return decodeError(resp.StatusCode, data)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parsing response of %s %s: %w", method, path, err)
		}
	}
	return nil
}

// decodeError は非2xxの応答をエラーに変換する。flowsを含む401はUIAチャレンジとして扱う。
func decodeError(status int, data []byte) error {
	if status == http.StatusUnauthorized {
		var challenge domain.AuthChallenge
		if err := json.Unmarshal(data, &challenge); err == nil && len(challenge.Flows) > 0 {
			return &challenge
		}
	}
	mErr := &MatrixError{StatusCode: status}
	_ = json.Unmarshal(data, mErr)
	return mErr
}
