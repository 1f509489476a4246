package usecase

import (
	"context"
	"fmt"

	"github.com/awnumar/memguard"

	"key-backup-migrator/internal/crypto"
	"key-backup-migrator/internal/domain"
)

const defaultKeyBits = 256

// SecretService はシークレットストレージからシークレットを復元する。読み取り専用。
type SecretService struct {
	store AccountDataStore
}

// NewSecretService は新しいSecretServiceを生成する。
func NewSecretService(store AccountDataStore) *SecretService {
	return &SecretService{store: store}
}

// RecoverSecret はパスフレーズを使って secretName のシークレットを復号する。
// シークレットストレージが未設定、またはシークレットが既定の鍵で暗号化されていない場合は nil, nil を返す。
func (s *SecretService) RecoverSecret(ctx context.Context, userID, secretName, passphrase string) ([]byte, error) {
	ctx, span := tracer.Start(ctx, "SecretService.RecoverSecret")
	defer span.End()

	var defaultKey domain.DefaultKeyContent
	found, err := s.store.GetAccountData(ctx, userID, domain.AccountDataDefaultKey, &defaultKey)
	if err != nil {
		return nil, fmt.Errorf("fetching default key id: %w", err)
	}
	if !found || defaultKey.Key == "" {
		return nil, nil
	}
	keyID := defaultKey.Key

	var meta domain.SecretStorageKey
	found, err = s.store.GetAccountData(ctx, userID, domain.AccountDataKeyPrefix+keyID, &meta)
	if err != nil {
		return nil, fmt.Errorf("fetching key metadata: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("%w: metadata for secret storage key %s", domain.ErrConfigurationMissing, keyID)
	}

	if meta.Algorithm != domain.SecretStorageAlgorithmV1 {
		return nil, fmt.Errorf("%w: secret storage key %s uses %q", domain.ErrUnsupportedAlgorithm, keyID, meta.Algorithm)
	}
	if meta.Passphrase == nil || meta.Passphrase.Algorithm != domain.PassphraseAlgorithmPBKDF2 {
		return nil, fmt.Errorf("%w: secret storage key %s is not passphrase based", domain.ErrUnsupportedAlgorithm, keyID)
	}

	bits := meta.Passphrase.Bits
	if bits == 0 {
		bits = defaultKeyBits
	}
	master, err := crypto.DeriveMasterKey(passphrase, meta.Passphrase.Salt, meta.Passphrase.Iterations, bits)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(master)

	ok, err := crypto.VerifyMasterKey(master, meta.IV, meta.MAC)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrPassphraseMismatch
	}

	var secret domain.EncryptedSecret
	found, err = s.store.GetAccountData(ctx, userID, secretName, &secret)
	if err != nil {
		return nil, fmt.Errorf("fetching secret %s: %w", secretName, err)
	}
	if !found {
		return nil, nil
	}
	record, ok := secret.Encrypted[keyID]
	if !ok {
		return nil, nil
	}

	keys, err := crypto.DeriveSubkeys(master, secretName)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(keys.CipherKey)
	defer memguard.WipeBytes(keys.MACKey)

	plaintext, err := crypto.DecryptAndVerify(record, keys)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", secretName, err)
	}
	return plaintext, nil
}
