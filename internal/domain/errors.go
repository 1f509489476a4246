package domain

import "errors"

var (
	// ErrConfigurationMissing は必須の外部設定が存在しない場合のエラー。
	ErrConfigurationMissing = errors.New("configuration missing")

	// ErrUnsupportedAlgorithm はサーバーが未対応のアルゴリズムを使用している場合のエラー。
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrPassphraseMismatch はパスフレーズから導出した鍵がキーチェックに一致しない場合のエラー。
	ErrPassphraseMismatch = errors.New("passphrase does not match secret storage key")

	// ErrAuthenticationFailed は暗号文のMAC検証に失敗した場合のエラー。
	ErrAuthenticationFailed = errors.New("authentication failed (wrong passphrase?)")

	// ErrInvalidKDFParams は鍵導出パラメータが不正な場合のエラー。
	ErrInvalidKDFParams = errors.New("invalid key derivation parameters")

	// ErrInvalidRecoveryKey はリカバリーキーの構造またはチェックサムが不正な場合のエラー。
	ErrInvalidRecoveryKey = errors.New("invalid recovery key")

	// ErrKeyMismatch は復元した鍵の公開鍵がサーバーのバックアップと一致しない場合のエラー。
	ErrKeyMismatch = errors.New("recovered key does not match the active backup")

	// ErrNoActiveBackup はサーバーにバックアップが存在しない場合のエラー。
	ErrNoActiveBackup = errors.New("no active key backup on server")

	// ErrInvalidExtractedKeys は抽出済み鍵ファイルの形式が不正な場合のエラー。
	ErrInvalidExtractedKeys = errors.New("invalid extracted keys file")

	// ErrUploadBatchFailed はバッチ送信に失敗した場合のエラー。
	ErrUploadBatchFailed = errors.New("upload batch failed")

	// ErrBackupVerificationFailed はバックアップ内のセッションを手元の鍵で復号できなかった場合のエラー。
	ErrBackupVerificationFailed = errors.New("backup verification failed")

	// ErrBackupNotEnabled はバックアップ先が設定される前にバッチを要求した場合のエラー。
	ErrBackupNotEnabled = errors.New("backup is not enabled in crypto engine")

	// ErrRequestNotFound は確認応答対象のリクエストが存在しない場合のエラー。
	ErrRequestNotFound = errors.New("pending request not found")

	// ErrAuthChallengeUnsupported は利用可能な認証方式が提示されなかった場合のエラー。
	ErrAuthChallengeUnsupported = errors.New("no supported authentication method offered")

	// ErrDeviceRevocationFailed は認証付き再試行でもデバイス削除に失敗した場合のエラー。
	ErrDeviceRevocationFailed = errors.New("device revocation failed")

	// ErrRefuseCurrentDevice は現在使用中のデバイスを削除しようとした場合のエラー。
	ErrRefuseCurrentDevice = errors.New("refusing to delete the current device")

	// ErrRevocationCancelled はオペレーターが削除を承認しなかった場合のエラー。
	ErrRevocationCancelled = errors.New("device revocation cancelled")

	// ErrMigrationFailed はスキーママイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
