package domain

import (
	"encoding/json"

	"github.com/awnumar/memguard"
	"maunium.net/go/mautrix/crypto/backup"
	"maunium.net/go/mautrix/id"
)

// BackupAlgorithmMegolmV1 はサポートするバックアップアルゴリズム。
const BackupAlgorithmMegolmV1 = string(id.KeyBackupAlgorithmMegolmBackupV1)

// BackupAuthData はバックアップバージョンのauth_data。
type BackupAuthData = backup.MegolmAuthData

// BackupVersion はサーバー上のバックアップバージョンを表す。
type BackupVersion struct {
	Version   string         `json:"version"`
	Algorithm string         `json:"algorithm"`
	AuthData  BackupAuthData `json:"auth_data"`
	Count     int            `json:"count"`
	ETag      string         `json:"etag"`
}

// SessionPayload はバックアップに封止するセッションの平文。
// session_key はエクスポート形式の文字列で送るため、埋め込み側の同名フィールドより優先される。
type SessionPayload struct {
	backup.MegolmSessionData
	SessionKey string `json:"session_key"`
}

// KeyBackupData はバックアップに送信する1セッション分のレコード。
// SessionData は backup.EncryptedSessionData[SessionPayload] のJSON。
type KeyBackupData struct {
	FirstMessageIndex int             `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// RoomKeyBackup はルーム単位のセッション集合。
type RoomKeyBackup struct {
	Sessions map[string]KeyBackupData `json:"sessions"`
}

// KeysBackupRequest はバッチアップロードのリクエストボディ。
type KeysBackupRequest struct {
	Rooms map[string]RoomKeyBackup `json:"rooms"`
}

// KeyCount はリクエストに含まれる鍵数を返す。
func (r *KeysBackupRequest) KeyCount() int {
	n := 0
	for _, room := range r.Rooms {
		n += len(room.Sessions)
	}
	return n
}

// UploadKeysResponse はバッチアップロードのレスポンス。
type UploadKeysResponse struct {
	Count int    `json:"count"`
	ETag  string `json:"etag"`
}

// PendingUploadRequest は暗号エンジンが生成した送信待ちのバッチ。
// 確認応答されるまで破棄してはならない。
type PendingUploadRequest struct {
	ID   string
	Body *KeysBackupRequest
}

// BackupTarget は暗号エンジンに設定されたバックアップ先。
type BackupTarget struct {
	Version   string
	PublicKey string
}

// ImportResult は鍵インポートの結果。
type ImportResult struct {
	Imported int `json:"imported"`
	Total    int `json:"total"`
}

// UploadReport はアップロードループの結果。
type UploadReport struct {
	Batches     int    `json:"batches"`
	KeysSent    int    `json:"keys_sent"`
	RoomsSent   int    `json:"rooms_sent"`
	ServerCount int    `json:"server_count"`
	ServerETag  string `json:"server_etag,omitempty"`
}

// ReconcileOutcome は件数照合の結果区分。
type ReconcileOutcome string

const (
	// ReconcileVerified は期待件数以上がサーバーに存在することを表す。
	ReconcileVerified ReconcileOutcome = "verified"
	// ReconcilePartial は一部のみ増加したことを表す。
	ReconcilePartial ReconcileOutcome = "partial"
	// ReconcileUnchanged は件数が変化しなかったことを表す。
	ReconcileUnchanged ReconcileOutcome = "unchanged"
)

// ReconcileReport は件数照合の結果。
type ReconcileReport struct {
	Outcome     ReconcileOutcome `json:"outcome"`
	PreExisting int              `json:"pre_existing"`
	Imported    int              `json:"imported"`
	Expected    int              `json:"expected"`
	ServerCount int              `json:"server_count"`
}

// SessionRef はバックアップ内の1セッションの位置。
type SessionRef struct {
	RoomID    string `json:"room_id"`
	SessionID string `json:"session_id"`
}

// VerifyReport はサーバー上のバックアップを復号して確認した結果。
type VerifyReport struct {
	Version     string       `json:"version"`
	ServerCount int          `json:"server_count"`
	Checked     int          `json:"checked"`
	Failed      []SessionRef `json:"failed,omitempty"`
}

// RawResponse はサーバー応答をそのまま暗号エンジンに渡すための型。
type RawResponse = json.RawMessage

// EngineStats は暗号エンジンの作業ストアの集計。
type EngineStats struct {
	Sessions        int64
	BackedUp        int64
	PendingRequests int64
	Target          *BackupTarget
}

// RecoveredBackupKey は復元、または新規生成したバックアップ秘密鍵。
type RecoveredBackupKey struct {
	Seed        []byte
	RecoveryKey string
	PublicKey   string
	Version     *BackupVersion
}

// Wipe は秘密鍵をメモリから消去する。
func (k *RecoveredBackupKey) Wipe() {
	memguard.WipeBytes(k.Seed)
}

// ActiveBackup は今回の実行で鍵を送信する対象のバックアップバージョン。
// RecoveryKey は新規作成時のみ設定され、出力には含めない。
type ActiveBackup struct {
	Version     string `json:"version"`
	PublicKey   string `json:"public_key"`
	PreExisting int    `json:"pre_existing"`
	Created     bool   `json:"created"`
	RecoveryKey string `json:"-"`
}

// RunReport はバックアップライフサイクル全体の結果。
type RunReport struct {
	Backup    *ActiveBackup    `json:"backup,omitempty"`
	Import    ImportResult     `json:"import"`
	Upload    *UploadReport    `json:"upload,omitempty"`
	Reconcile *ReconcileReport `json:"reconcile,omitempty"`
}
