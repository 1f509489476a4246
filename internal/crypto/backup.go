package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"maunium.net/go/mautrix/crypto/aescbc"
	"maunium.net/go/mautrix/crypto/backup"
)

// m.megolm_backup.v1.curve25519-aes-sha2 の鍵導出サイズ。
const (
	backupKeySize = 32
	backupIVSize  = 16
	backupMACSize = 8
)

// PublicKeyFromSeed はバックアップ秘密鍵(32バイト)からCurve25519公開鍵を導出する。
func PublicKeyFromSeed(seed []byte) ([]byte, error) {
	if len(seed) != curve25519.ScalarSize {
		return nil, fmt.Errorf("backup private key must be %d bytes, got %d", curve25519.ScalarSize, len(seed))
	}
	return curve25519.X25519(seed, curve25519.Basepoint)
}

// GenerateSeed は新しいバックアップ秘密鍵を生成する。
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate backup key: %w", err)
	}
	return seed, nil
}

// SealSessionData はバックアップ公開鍵だけでセッションデータを暗号化する。
// backup.EncryptSessionData は秘密鍵を要求するため、同じ形式をここで組み立てる。
// 結果は backup.EncryptedSessionData.Decrypt で復号できる。
func SealSessionData[T any](publicKey []byte, payload T) (*backup.EncryptedSessionData[T], error) {
	recipient, err := ecdh.X25519().NewPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("backup public key: %w", err)
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode session data: %w", err)
	}
	defer memguard.WipeBytes(plaintext)

	ephemeral, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ephemeral key: %w", err)
	}
	shared, err := ephemeral.ECDH(recipient)
	if err != nil {
		return nil, fmt.Errorf("ecdh: %w", err)
	}
	defer memguard.WipeBytes(shared)

	aesKey, macKey, iv, err := deriveBackupKeys(shared)
	if err != nil {
		return nil, err
	}
	ciphertext, err := aescbc.Encrypt(aesKey, iv, append([]byte(nil), plaintext...))
	if err != nil {
		return nil, fmt.Errorf("aes-cbc: %w", err)
	}

	return &backup.EncryptedSessionData[T]{
		Ciphertext: ciphertext,
		Ephemeral:  backup.EphemeralKey{PublicKey: ephemeral.PublicKey()},
		MAC:        backupMAC(macKey),
	}, nil
}

// OpenSessionData はバックアップ秘密鍵でサーバーに保存された session_data を復号する。
func OpenSessionData[T any](seed []byte, sessionData json.RawMessage) (*T, error) {
	key, err := backup.MegolmBackupKeyFromBytes(seed)
	if err != nil {
		return nil, fmt.Errorf("backup private key: %w", err)
	}
	var sealed backup.EncryptedSessionData[T]
	if err := json.Unmarshal(sessionData, &sealed); err != nil {
		return nil, fmt.Errorf("decode session data: %w", err)
	}
	return sealed.Decrypt(key)
}

func deriveBackupKeys(shared []byte) (aesKey, macKey, iv []byte, err error) {
	out := make([]byte, 2*backupKeySize+backupIVSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, nil, nil), out); err != nil {
		return nil, nil, nil, fmt.Errorf("hkdf: %w", err)
	}
	return out[:backupKeySize], out[backupKeySize : 2*backupKeySize], out[2*backupKeySize:], nil
}

// backupMAC はlibolm互換のMACを返す。libolmは空の入力に対してMACを計算するため、それに合わせる。
func backupMAC(macKey []byte) []byte {
	return computeMAC(macKey, nil)[:backupMACSize]
}
