package usecase

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/awnumar/memguard"

	"key-backup-migrator/internal/crypto"
	"key-backup-migrator/internal/domain"
	"key-backup-migrator/internal/middleware"
	"key-backup-migrator/pkg/base58check"
)

const (
	seedSize          = 32
	recoveryGroupSize = 4
)

// recoveryKeyPrefix はリカバリーキーの形式バージョン。
var recoveryKeyPrefix = []byte{0x8B, 0x01}

// SeedToRecoveryKey は32バイトの秘密鍵を表示用のリカバリーキーに変換する。
func SeedToRecoveryKey(seed []byte) (string, error) {
	if len(seed) != seedSize {
		return "", fmt.Errorf("backup private key must be %d bytes, got %d", seedSize, len(seed))
	}
	return base58check.Group(base58check.Encode(recoveryKeyPrefix, seed), recoveryGroupSize), nil
}

// RecoveryKeyToSeed はリカバリーキーを32バイトの秘密鍵に戻す。
func RecoveryKeyToSeed(recoveryKey string) ([]byte, error) {
	seed, err := base58check.Decode(recoveryKey, recoveryKeyPrefix, seedSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRecoveryKey, err)
	}
	return seed, nil
}

// KeysMatch は導出した公開鍵とサーバーのバックアップ公開鍵が同じ鍵か判定する。
func KeysMatch(derived, server string) bool {
	a, errA := crypto.DecodeBase64(derived)
	b, errB := crypto.DecodeBase64(server)
	if errA != nil || errB != nil {
		return subtle.ConstantTimeCompare([]byte(derived), []byte(server)) == 1
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SecretRecoverer はシークレットストレージからの復元のインターフェース。
type SecretRecoverer interface {
	RecoverSecret(ctx context.Context, userID, secretName, passphrase string) ([]byte, error)
}

// PublicKeyDeriver は秘密鍵から公開鍵を導出するインターフェース。
type PublicKeyDeriver interface {
	DerivePublicKey(seedBase64 string) (string, error)
}

// RecoveryKeyService はバックアップ秘密鍵の復元と検証を行う。
type RecoveryKeyService struct {
	secrets   SecretRecoverer
	deriver   PublicKeyDeriver
	backups   BackupAPI
	artifacts ArtifactStore
	userID    string
}

// NewRecoveryKeyService は新しいRecoveryKeyServiceを生成する。
func NewRecoveryKeyService(secrets SecretRecoverer, deriver PublicKeyDeriver, backups BackupAPI, artifacts ArtifactStore, userID string) *RecoveryKeyService {
	return &RecoveryKeyService{
		secrets:   secrets,
		deriver:   deriver,
		backups:   backups,
		artifacts: artifacts,
		userID:    userID,
	}
}

// DerivePublicKey は秘密鍵から公開鍵を導出する。
func (s *RecoveryKeyService) DerivePublicKey(seed []byte) (string, error) {
	return s.deriver.DerivePublicKey(base64.StdEncoding.EncodeToString(seed))
}

// Resolve はリカバリーキー、またはパスフレーズからバックアップ秘密鍵を得て、
// サーバーの現在のバックアップと一致することを確認する。リカバリーキーが優先される。
func (s *RecoveryKeyService) Resolve(ctx context.Context, recoveryKey, passphrase string) (*domain.RecoveredBackupKey, error) {
	switch {
	case recoveryKey != "":
		seed, err := RecoveryKeyToSeed(recoveryKey)
		if err != nil {
			return nil, err
		}
		return s.verify(ctx, seed)
	case passphrase != "":
		return s.RecoverBackupKey(ctx, passphrase)
	default:
		return nil, fmt.Errorf("%w: set RECOVERY_KEY or SSSS_PASSPHRASE", domain.ErrConfigurationMissing)
	}
}

// RecoverBackupKey はシークレットストレージに保存されたバックアップ秘密鍵を復元する。
func (s *RecoveryKeyService) RecoverBackupKey(ctx context.Context, passphrase string) (*domain.RecoveredBackupKey, error) {
	ctx, span := tracer.Start(ctx, "RecoveryKeyService.RecoverBackupKey")
	defer span.End()

	secret, err := s.secrets.RecoverSecret(ctx, s.userID, domain.SecretNameMegolmBackup, passphrase)
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, fmt.Errorf("%w: no %s secret in secret storage for %s", domain.ErrConfigurationMissing, domain.SecretNameMegolmBackup, s.userID)
	}
	defer memguard.WipeBytes(secret)

	seed, err := crypto.DecodeBase64(strings.TrimSpace(string(secret)))
	if err != nil || len(seed) != seedSize {
		return nil, fmt.Errorf("%w: stored backup key is not a %d byte base64 value", domain.ErrInvalidRecoveryKey, seedSize)
	}
	return s.verify(ctx, seed)
}

// verify は失敗した場合seedを消去する。成功時の消去は呼び出し側が RecoveredBackupKey.Wipe で行う。
func (s *RecoveryKeyService) verify(ctx context.Context, seed []byte) (key *domain.RecoveredBackupKey, err error) {
	defer func() {
		if err != nil {
			memguard.WipeBytes(seed)
		}
	}()

	publicKey, err := s.DerivePublicKey(seed)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	recoveryKey, err := SeedToRecoveryKey(seed)
	if err != nil {
		return nil, err
	}

	version, err := s.backups.GetCurrentBackupVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching current backup version: %w", err)
	}
	if version == nil {
		return nil, domain.ErrNoActiveBackup
	}
	if version.Algorithm != domain.BackupAlgorithmMegolmV1 {
		return nil, fmt.Errorf("%w: backup version %s uses %q", domain.ErrUnsupportedAlgorithm, version.Version, version.Algorithm)
	}
	if !KeysMatch(publicKey, string(version.AuthData.PublicKey)) {
		slog.WarnContext(ctx, "recovered key does not match server backup",
			"backup_version", version.Version,
			"derived_public_key", publicKey,
			"server_public_key", version.AuthData.PublicKey,
		)
		return nil, fmt.Errorf("%w: backup version %s was probably recreated after the key was stored", domain.ErrKeyMismatch, version.Version)
	}

	return &domain.RecoveredBackupKey{
		Seed:        seed,
		RecoveryKey: recoveryKey,
		PublicKey:   publicKey,
		Version:     version,
	}, nil
}

// SaveArtifacts はリカバリーキー、秘密鍵、公開鍵を出力ディレクトリに書き出す。
func (s *RecoveryKeyService) SaveArtifacts(ctx context.Context, key *domain.RecoveredBackupKey) error {
	err := errors.Join(
		s.artifacts.SavePrivateKey(ctx, key.Seed),
		s.artifacts.SaveRecoveryKey(ctx, key.RecoveryKey),
		s.artifacts.SavePublicKey(ctx, key.PublicKey),
	)
	result := middleware.ResultSuccess
	if err != nil {
		result = middleware.ResultFailed
	}
	middleware.WriteAuditLog(ctx, "WRITE_KEY_ARTIFACTS", s.userID, versionOf(key.Version), result)
	return err
}

func versionOf(v *domain.BackupVersion) string {
	if v == nil {
		return ""
	}
	return v.Version
}
