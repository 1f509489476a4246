// Package domain はドメインモデルとビジネスルールを定義する。
package domain

// アカウントデータのイベントタイプ。
const (
	AccountDataDefaultKey     = "m.secret_storage.default_key"
	AccountDataKeyPrefix      = "m.secret_storage.key."
	SecretNameMegolmBackup    = "m.megolm_backup.v1"
	SecretStorageAlgorithmV1  = "m.secret_storage.v1.aes-hmac-sha2"
	PassphraseAlgorithmPBKDF2 = "m.pbkdf2"
)

// DefaultKeyContent は m.secret_storage.default_key の内容。
type DefaultKeyContent struct {
	Key string `json:"key"`
}

// PassphraseInfo はパスフレーズからの鍵導出パラメータ。
type PassphraseInfo struct {
	Algorithm  string `json:"algorithm"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Bits       int    `json:"bits,omitempty"`
}

// SecretStorageKey は m.secret_storage.key.<id> の内容（鍵メタデータ）。
type SecretStorageKey struct {
	Name       string          `json:"name,omitempty"`
	Algorithm  string          `json:"algorithm"`
	Passphrase *PassphraseInfo `json:"passphrase,omitempty"`
	IV         string          `json:"iv,omitempty"`
	MAC        string          `json:"mac,omitempty"`
}

// EncryptedSecretRecord は鍵IDごとに保存された暗号化済みシークレット。
// 各フィールドはbase64エンコードされている。
type EncryptedSecretRecord struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
	MAC        string `json:"mac"`
}

// EncryptedSecret はシークレット名で保存されたアカウントデータの内容。
type EncryptedSecret struct {
	Encrypted map[string]EncryptedSecretRecord `json:"encrypted"`
}

// DerivedKeyPair はマスターキーとシークレット名から導出した暗号鍵とMAC鍵。
type DerivedKeyPair struct {
	CipherKey []byte
	MACKey    []byte
}
