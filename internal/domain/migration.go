package domain

import "time"

// MigrationStatus はスキーママイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration は作業ストアのスキーママイグレーションを表すドメインモデル
type Migration struct {
	Version   string          // マイグレーションバージョン（例: "001", "002"）
	Name      string          // マイグレーション名（ファイル名から抽出）
	AppliedAt *time.Time      // 適用日時（未適用の場合はnil）
	FilePath  string          // 埋め込みファイル内のパス
	Status    MigrationStatus // 適用状態
}

// MigrationState は複数回の実行にまたがる移行の進捗記録。
// 保存時は既存の内容にマージされ、丸ごと上書きされることはない。
type MigrationState struct {
	UserID        string    `json:"userId,omitempty"`
	BackupVersion string    `json:"backupVersion,omitempty"`
	NewDeviceID   string    `json:"newDeviceId,omitempty"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

// Merge は空でないフィールドのみをsへ反映する。
func (s *MigrationState) Merge(update MigrationState) {
	if update.UserID != "" {
		s.UserID = update.UserID
	}
	if update.BackupVersion != "" {
		s.BackupVersion = update.BackupVersion
	}
	if update.NewDeviceID != "" {
		s.NewDeviceID = update.NewDeviceID
	}
}
