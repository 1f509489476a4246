package engine

import (
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/crypto/backup"
	"maunium.net/go/mautrix/id"

	"key-backup-migrator/internal/domain"
)

// InboundGroupSessionModel はinbound_group_sessionsテーブルのモデル。
type InboundGroupSessionModel struct {
	RoomID            string    `gorm:"column:room_id;primaryKey"`
	SessionID         string    `gorm:"column:session_id;primaryKey"`
	Algorithm         string    `gorm:"column:algorithm;not null"`
	SessionKey        string    `gorm:"column:session_key;not null"`
	SenderKey         string    `gorm:"column:sender_key;not null"`
	SenderClaimedKeys string    `gorm:"column:sender_claimed_keys"`
	ForwardingChain   string    `gorm:"column:forwarding_chain"`
	BackedUp          bool      `gorm:"column:backed_up;not null"`
	PendingRequestID  *string   `gorm:"column:pending_request_id"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (InboundGroupSessionModel) TableName() string {
	return "inbound_group_sessions"
}

func newSessionModel(k domain.ExtractedKey) (*InboundGroupSessionModel, error) {
	claimed, err := json.Marshal(k.SenderClaimedKeys)
	if err != nil {
		return nil, err
	}
	chain := k.ForwardingCurve25519KeyChain
	if chain == nil {
		chain = []string{}
	}
	forwarding, err := json.Marshal(chain)
	if err != nil {
		return nil, err
	}
	return &InboundGroupSessionModel{
		RoomID:            k.RoomID,
		SessionID:         k.SessionID,
		Algorithm:         k.Algorithm,
		SessionKey:        k.SessionKey,
		SenderKey:         k.SenderKey,
		SenderClaimedKeys: string(claimed),
		ForwardingChain:   string(forwarding),
	}, nil
}

// PendingRequestModel はpending_requestsテーブルのモデル。
// 確認応答されるまで送信済みの本文をそのまま保持する。
type PendingRequestModel struct {
	ID            string    `gorm:"column:id;primaryKey"`
	BackupVersion string    `gorm:"column:backup_version;not null"`
	Body          string    `gorm:"column:body;not null"`
	KeyCount      int       `gorm:"column:key_count;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (PendingRequestModel) TableName() string {
	return "pending_requests"
}

func (m *PendingRequestModel) toDomain() (*domain.PendingUploadRequest, error) {
	var body domain.KeysBackupRequest
	if err := json.Unmarshal([]byte(m.Body), &body); err != nil {
		return nil, err
	}
	return &domain.PendingUploadRequest{ID: m.ID, Body: &body}, nil
}

// BackupTargetModel はbackup_targetテーブルのモデル。行は常に1つだけ。
type BackupTargetModel struct {
	ID        int       `gorm:"column:id;primaryKey;autoIncrement:false"`
	Version   string    `gorm:"column:version;not null"`
	PublicKey string    `gorm:"column:public_key;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (BackupTargetModel) TableName() string {
	return "backup_target"
}

const backupTargetRowID = 1

func (m *InboundGroupSessionModel) payload() (*domain.SessionPayload, error) {
	var claimed map[string]string
	if m.SenderClaimedKeys != "" {
		if err := json.Unmarshal([]byte(m.SenderClaimedKeys), &claimed); err != nil {
			return nil, err
		}
	}
	chain := []string{}
	if m.ForwardingChain != "" {
		if err := json.Unmarshal([]byte(m.ForwardingChain), &chain); err != nil {
			return nil, err
		}
		if chain == nil {
			chain = []string{}
		}
	}
	return &domain.SessionPayload{
		MegolmSessionData: backup.MegolmSessionData{
			Algorithm:          id.Algorithm(m.Algorithm),
			ForwardingKeyChain: chain,
			SenderClaimedKeys:  backup.SenderClaimedKeys{Ed25519: id.Ed25519(claimed["ed25519"])},
			SenderKey:          id.SenderKey(m.SenderKey),
		},
		SessionKey: m.SessionKey,
	}, nil
}
