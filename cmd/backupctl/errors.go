package main

import (
	"errors"
	"fmt"

	"key-backup-migrator/internal/domain"
)

// errorHints はエラーごとにオペレーターが次に行うべきことを示す。
var errorHints = []struct {
	err  error
	hint string
}{
	{domain.ErrConfigurationMissing, "set the missing variable in the environment or .env and re-run the command"},
	{domain.ErrPassphraseMismatch, "check SSSS_PASSPHRASE, or set RECOVERY_KEY instead"},
	{domain.ErrAuthenticationFailed, "the stored secret could not be verified; check SSSS_PASSPHRASE or use RECOVERY_KEY"},
	{domain.ErrInvalidKDFParams, "the secret storage key metadata is invalid; set RECOVERY_KEY instead"},
	{domain.ErrInvalidRecoveryKey, "check RECOVERY_KEY for typos; it is printed in groups of four characters"},
	{domain.ErrKeyMismatch, "the backup was recreated after the key was stored; run 'backupctl backup create --new-version'"},
	{domain.ErrNoActiveBackup, "no backup exists on the server; run 'backupctl backup create'"},
	{domain.ErrUnsupportedAlgorithm, "only " + domain.SecretStorageAlgorithmV1 + " secret storage and " + domain.BackupAlgorithmMegolmV1 + " backups are supported"},
	{domain.ErrInvalidExtractedKeys, "re-run the key extractor and check KEYS_FILE"},
	{domain.ErrBackupVerificationFailed, "the listed sessions were not sealed with the stored key; re-run 'backupctl backup upload' to overwrite them"},
	{domain.ErrUploadBatchFailed, "progress is kept on the server; re-run 'backupctl backup upload' to continue"},
	{domain.ErrAuthChallengeUnsupported, "delete the device from another client that supports the offered login flow"},
	{domain.ErrDeviceRevocationFailed, "check ACCOUNT_PASSWORD and re-run 'backupctl devices revoke'"},
	{domain.ErrRefuseCurrentDevice, "choose a device other than MATRIX_DEVICE_ID; see 'backupctl devices list'"},
	{domain.ErrMigrationFailed, "run 'backupctl store cleanup' and try again"},
}

// hintFor はエラーに対応するヒントを返す。該当が無ければ空文字列。
func hintFor(err error) string {
	for _, h := range errorHints {
		if errors.Is(err, h.err) {
			return h.hint
		}
	}
	return ""
}

// formatError はエラーとヒントを表示用に整形する。
func formatError(err error) string {
	if errors.Is(err, domain.ErrRevocationCancelled) {
		return "Cancelled."
	}
	msg := fmt.Sprintf("Error: %v", err)
	if hint := hintFor(err); hint != "" {
		msg += "\nHint: " + hint
	}
	return msg
}
