// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"

	"go.opentelemetry.io/otel"

	"key-backup-migrator/internal/domain"
)

var tracer = otel.Tracer("key-backup-migrator/usecase")

// AccountDataStore はアカウントデータの読み取りインターフェース。
// イベントが存在しない場合は found=false を返し、エラーにはしない。
type AccountDataStore interface {
	GetAccountData(ctx context.Context, userID, eventType string, out any) (found bool, err error)
}

// BackupAPI はサーバー上のキーバックアップ操作のインターフェース。
// バックアップが存在しない場合、GetCurrentBackupVersion はnilを返す。
type BackupAPI interface {
	GetCurrentBackupVersion(ctx context.Context) (*domain.BackupVersion, error)
	GetBackupVersion(ctx context.Context, version string) (*domain.BackupVersion, error)
	CreateBackupVersion(ctx context.Context, algorithm string, authData domain.BackupAuthData) (string, error)
	UploadKeys(ctx context.Context, version string, body *domain.KeysBackupRequest) (domain.RawResponse, error)
	GetRoomKeys(ctx context.Context, version string) (*domain.KeysBackupRequest, error)
}

// DeviceAPI はデバイス一覧と削除のインターフェース。
// 認証が必要な場合、DeleteDevice は *domain.AuthChallenge を返す。
type DeviceAPI interface {
	ListDevices(ctx context.Context) ([]domain.Device, error)
	DeleteDevice(ctx context.Context, deviceID string, auth *domain.PasswordAuth) error
}

// CryptoEngine はセッション鍵の暗号化と送信管理を担う暗号エンジンのインターフェース。
type CryptoEngine interface {
	ImportKeys(ctx context.Context, keys []domain.ExtractedKey) (domain.ImportResult, error)
	EnableBackup(ctx context.Context, publicKey, version string) error
	ProduceUploadBatch(ctx context.Context) (*domain.PendingUploadRequest, error)
	Acknowledge(ctx context.Context, requestID string, response domain.RawResponse) error
	DerivePublicKey(seedBase64 string) (string, error)
}

// Prompter はオペレーターへの確認とパスワード入力のインターフェース。
type Prompter interface {
	Confirm(ctx context.Context, question string) (bool, error)
	Password(ctx context.Context, label string) (string, error)
}

// KeysSource は抽出済み鍵ファイルのインターフェース。
type KeysSource interface {
	Load(ctx context.Context) (*domain.ExtractedKeys, error)
	Exists() bool
}

// StateStore は移行状態の読み書きのインターフェース。
type StateStore interface {
	Load(ctx context.Context) (*domain.MigrationState, error)
	Merge(ctx context.Context, update domain.MigrationState) (*domain.MigrationState, error)
}

// ArtifactStore は鍵の成果物の読み書きのインターフェース。
// 成果物が存在しない場合、Load系は空の値を返しエラーにはしない。
type ArtifactStore interface {
	SaveRecoveryKey(ctx context.Context, recoveryKey string) error
	SavePrivateKey(ctx context.Context, seed []byte) error
	SavePublicKey(ctx context.Context, publicKey string) error
	LoadRecoveryKey(ctx context.Context) (string, error)
	LoadPrivateKey(ctx context.Context) ([]byte, error)
}
