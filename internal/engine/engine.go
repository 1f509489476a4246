// Package engine は作業ストア上でセッション鍵のインポートとバックアップ用バッチ生成を行う暗号エンジン。
package engine

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"key-backup-migrator/internal/crypto"
	"key-backup-migrator/internal/domain"
)

// DefaultBatchSize は1リクエストに含めるセッション数の既定値。
const DefaultBatchSize = 100

// Engine は作業ストアを排他的に所有する暗号エンジン。
type Engine struct {
	db        *gorm.DB
	batchSize int
}

// New は新しいEngineを生成する。スキーマは適用済みである必要がある。
func New(db *gorm.DB, batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Engine{db: db, batchSize: batchSize}
}

// ImportKeys はセッション鍵を作業ストアに取り込む。
// 既に存在する (room_id, session_id) は変更せず、新規分のみ Imported に数える。
func (e *Engine) ImportKeys(ctx context.Context, keys []domain.ExtractedKey) (domain.ImportResult, error) {
	result := domain.ImportResult{Total: len(keys)}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, k := range keys {
			model, err := newSessionModel(k)
			if err != nil {
				return fmt.Errorf("encode session %s: %w", k.SessionID, err)
			}
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(model)
			if res.Error != nil {
				return res.Error
			}
			result.Imported += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to import keys",
			"operation", "import_keys",
			"total", len(keys),
			"error", err,
		)
		return domain.ImportResult{Total: len(keys)}, err
	}
	return result, nil
}

// EnableBackup はバックアップ先を設定する。
// バージョンが変わった場合は全セッションを未バックアップに戻し、送信待ちのリクエストを破棄する。
func (e *Engine) EnableBackup(ctx context.Context, publicKey, version string) error {
	raw, err := crypto.DecodeBase64(publicKey)
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("invalid backup public key %q", publicKey)
	}

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := loadTarget(tx)
		if err != nil {
			return err
		}
		if current == nil || current.Version != version {
			if err := tx.Model(&InboundGroupSessionModel{}).
				Where("1 = 1").
				Updates(map[string]any{"backed_up": false, "pending_request_id": nil}).Error; err != nil {
				return err
			}
			if err := tx.Where("1 = 1").Delete(&PendingRequestModel{}).Error; err != nil {
				return err
			}
		}
		target := BackupTargetModel{ID: backupTargetRowID, Version: version, PublicKey: publicKey}
		return tx.Save(&target).Error
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to enable backup",
			"operation", "enable_backup",
			"version", version,
			"error", err,
		)
		return err
	}
	return nil
}

// ProduceUploadBatch は次に送信すべきバッチを返す。送信するものが無ければnilを返す。
// 確認応答されていないリクエストが残っている場合は、それを同じ内容で再度返す。
func (e *Engine) ProduceUploadBatch(ctx context.Context) (*domain.PendingUploadRequest, error) {
	db := e.db.WithContext(ctx)

	target, err := loadTarget(db)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, domain.ErrBackupNotEnabled
	}

	var outstanding PendingRequestModel
	err = db.Where("backup_version = ?", target.Version).Order("created_at ASC").First(&outstanding).Error
	if err == nil {
		return outstanding.toDomain()
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var sessions []InboundGroupSessionModel
	if err := db.Where("backed_up = ? AND pending_request_id IS NULL", false).
		Order("room_id ASC, session_id ASC").
		Limit(e.batchSize).
		Find(&sessions).Error; err != nil {
		slog.ErrorContext(ctx, "failed to select sessions for backup",
			"operation", "produce_upload_batch",
			"error", err,
		)
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, nil
	}

	publicKey, err := crypto.DecodeBase64(target.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("decode backup public key: %w", err)
	}

	body := &domain.KeysBackupRequest{Rooms: make(map[string]domain.RoomKeyBackup)}
	for i := range sessions {
		data, err := sealSession(&sessions[i], publicKey)
		if err != nil {
			return nil, fmt.Errorf("seal session %s: %w", sessions[i].SessionID, err)
		}
		room, ok := body.Rooms[sessions[i].RoomID]
		if !ok {
			room = domain.RoomKeyBackup{Sessions: make(map[string]domain.KeyBackupData)}
			body.Rooms[sessions[i].RoomID] = room
		}
		room.Sessions[sessions[i].SessionID] = data
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	request := PendingRequestModel{
		ID:            uuid.New().String(),
		BackupVersion: target.Version,
		Body:          string(encoded),
		KeyCount:      len(sessions),
	}

	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&request).Error; err != nil {
			return err
		}
		for _, s := range sessions {
			if err := tx.Model(&InboundGroupSessionModel{}).
				Where("room_id = ? AND session_id = ?", s.RoomID, s.SessionID).
				Update("pending_request_id", request.ID).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to persist pending request",
			"operation", "produce_upload_batch",
			"error", err,
		)
		return nil, err
	}

	return &domain.PendingUploadRequest{ID: request.ID, Body: body}, nil
}

// Acknowledge はリクエストがサーバーに保存されたことを記録する。
// 含まれていたセッションはバックアップ済みとなり、以後のバッチには含まれない。
func (e *Engine) Acknowledge(ctx context.Context, requestID string, response domain.RawResponse) error {
	if len(response) > 0 {
		var parsed domain.UploadKeysResponse
		if err := json.Unmarshal(response, &parsed); err != nil {
			return fmt.Errorf("parse upload response: %w", err)
		}
		slog.DebugContext(ctx, "acknowledging upload",
			"request_id", requestID,
			"server_count", parsed.Count,
			"etag", parsed.ETag,
		)
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var request PendingRequestModel
		if err := tx.Where("id = ?", requestID).First(&request).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", domain.ErrRequestNotFound, requestID)
			}
			return err
		}
		if err := tx.Model(&InboundGroupSessionModel{}).
			Where("pending_request_id = ?", requestID).
			Updates(map[string]any{"backed_up": true, "pending_request_id": nil}).Error; err != nil {
			return err
		}
		return tx.Delete(&request).Error
	})
	if err != nil && !errors.Is(err, domain.ErrRequestNotFound) {
		slog.ErrorContext(ctx, "failed to acknowledge request",
			"operation", "acknowledge",
			"request_id", requestID,
			"error", err,
		)
	}
	return err
}

// DerivePublicKey はbase64のバックアップ秘密鍵から公開鍵を導出する。
func (e *Engine) DerivePublicKey(seedBase64 string) (string, error) {
	seed, err := crypto.DecodeBase64(seedBase64)
	if err != nil {
		return "", fmt.Errorf("decode backup private key: %w", err)
	}
	defer memguard.WipeBytes(seed)

	pub, err := crypto.PublicKeyFromSeed(seed)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(pub), nil
}

// Stats は作業ストアの集計を返す。
func (e *Engine) Stats(ctx context.Context) (*domain.EngineStats, error) {
	db := e.db.WithContext(ctx)
	stats := &domain.EngineStats{}

	if err := db.Model(&InboundGroupSessionModel{}).Count(&stats.Sessions).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&InboundGroupSessionModel{}).Where("backed_up = ?", true).Count(&stats.BackedUp).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&PendingRequestModel{}).Count(&stats.PendingRequests).Error; err != nil {
		return nil, err
	}

	target, err := loadTarget(db)
	if err != nil {
		return nil, err
	}
	if target != nil {
		stats.Target = &domain.BackupTarget{Version: target.Version, PublicKey: target.PublicKey}
	}
	return stats, nil
}

func loadTarget(db *gorm.DB) (*BackupTargetModel, error) {
	var target BackupTargetModel
	if err := db.Where("id = ?", backupTargetRowID).First(&target).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &target, nil
}

func sealSession(s *InboundGroupSessionModel, publicKey []byte) (domain.KeyBackupData, error) {
	payload, err := s.payload()
	if err != nil {
		return domain.KeyBackupData{}, err
	}
	sealed, err := crypto.SealSessionData(publicKey, *payload)
	if err != nil {
		return domain.KeyBackupData{}, err
	}
	sessionData, err := json.Marshal(sealed)
	if err != nil {
		return domain.KeyBackupData{}, err
	}
	return domain.KeyBackupData{
		FirstMessageIndex: firstMessageIndex(s.SessionKey),
		ForwardedCount:    len(payload.ForwardingKeyChain),
		IsVerified:        false,
		SessionData:       sessionData,
	}, nil
}

// firstMessageIndex はエクスポート形式のセッション鍵からメッセージインデックスを読み取る。
// 形式: version(1) || index(4, big endian) || ...
func firstMessageIndex(sessionKey string) int {
	raw, err := crypto.DecodeBase64(sessionKey)
	if err != nil || len(raw) < 5 {
		return 0
	}
	return int(binary.BigEndian.Uint32(raw[1:5]))
}
