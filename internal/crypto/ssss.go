// Package crypto はシークレットストレージとキーバックアップの暗号プリミティブを提供する。
package crypto

import (
	"crypto/aes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"

	"key-backup-migrator/internal/domain"
)

const (
	subkeySize = 32
	ivSize     = aes.BlockSize
)

// hkdfSalt はプロトコルで固定された8バイトのゼロソルト。
var hkdfSalt = make([]byte, 8)

// DeriveMasterKey はパスフレーズからPBKDF2-SHA512でマスターキーを導出する。
func DeriveMasterKey(passphrase, salt string, iterations, bits int) ([]byte, error) {
	if salt == "" || iterations <= 0 || bits <= 0 || bits%8 != 0 {
		return nil, fmt.Errorf("%w: salt=%q iterations=%d bits=%d", domain.ErrInvalidKDFParams, salt, iterations, bits)
	}
	return pbkdf2.Key([]byte(passphrase), []byte(salt), iterations, bits/8, sha512.New), nil
}

// DeriveSubkeys はマスターキーとシークレット名から暗号鍵とMAC鍵を導出する。
func DeriveSubkeys(master []byte, name string) (domain.DerivedKeyPair, error) {
	r := hkdf.New(sha256.New, master, hkdfSalt, []byte(name))
	out := make([]byte, 2*subkeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return domain.DerivedKeyPair{}, fmt.Errorf("hkdf: %w", err)
	}
	return domain.DerivedKeyPair{CipherKey: out[:subkeySize], MACKey: out[subkeySize:]}, nil
}

// DecryptAndVerify はMACを検証してから暗号文を復号する。
// MACが一致しない場合は復号を行わず ErrAuthenticationFailed を返す。
func DecryptAndVerify(record domain.EncryptedSecretRecord, keys domain.DerivedKeyPair) ([]byte, error) {
	iv, err := DecodeBase64(record.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	ciphertext, err := DecodeBase64(record.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	tag, err := DecodeBase64(record.MAC)
	if err != nil {
		return nil, fmt.Errorf("decode mac: %w", err)
	}
	if len(iv) != ivSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes", domain.ErrAuthenticationFailed, ivSize)
	}

	if subtle.ConstantTimeCompare(computeMAC(keys.MACKey, ciphertext), tag) != 1 {
		return nil, domain.ErrAuthenticationFailed
	}

	return xorStream(keys.CipherKey, iv, ciphertext)
}

// EncryptSecret はDecryptAndVerifyの逆変換を行う。
func EncryptSecret(plaintext []byte, keys domain.DerivedKeyPair, iv []byte) (domain.EncryptedSecretRecord, error) {
	ciphertext, err := xorStream(keys.CipherKey, iv, plaintext)
	if err != nil {
		return domain.EncryptedSecretRecord{}, err
	}
	return domain.EncryptedSecretRecord{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
		MAC:        base64.StdEncoding.EncodeToString(computeMAC(keys.MACKey, ciphertext)),
	}, nil
}

// VerifyMasterKey は鍵メタデータのキーチェック値とマスターキーを照合する。
// チェック値が公開されていない場合は常にtrueを返す。
func VerifyMasterKey(master []byte, iv, mac string) (bool, error) {
	if iv == "" || mac == "" {
		return true, nil
	}
	rawIV, err := DecodeBase64(iv)
	if err != nil {
		return false, fmt.Errorf("decode key check iv: %w", err)
	}
	want, err := DecodeBase64(mac)
	if err != nil {
		return false, fmt.Errorf("decode key check mac: %w", err)
	}

	check, err := keyCheck(master, rawIV)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(check, want) == 1, nil
}

// ComputeKeyCheck は鍵メタデータに公開するキーチェック値を生成する。
func ComputeKeyCheck(master, iv []byte) (ivB64, macB64 string, err error) {
	check, err := keyCheck(master, iv)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(iv), base64.StdEncoding.EncodeToString(check), nil
}

// GenerateIV はランダムなIVを生成する。カウンター部の最上位ビットは0にする。
func GenerateIV() ([]byte, error) {
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}
	iv[8] &= 0x7f
	return iv, nil
}

// DecodeBase64 はパディングの有無にかかわらず標準Base64をデコードする。
func DecodeBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

func keyCheck(master, iv []byte) ([]byte, error) {
	keys, err := DeriveSubkeys(master, "")
	if err != nil {
		return nil, err
	}
	ciphertext, err := xorStream(keys.CipherKey, iv, make([]byte, 32))
	if err != nil {
		return nil, err
	}
	return computeMAC(keys.MACKey, ciphertext), nil
}

func xorStream(key, iv, in []byte) ([]byte, error) {
	if len(iv) != ivSize {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", ivSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	out := make([]byte, len(in))
	newCTR64(block, iv).XORKeyStream(out, in)
	return out, nil
}

func computeMAC(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}
