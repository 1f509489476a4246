package repository

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// 出力ディレクトリに書き出す成果物のファイル名。
const (
	RecoveryKeyFile = "recovery-key.txt"
	PrivateKeyFile  = "backup-private-key.bin"
	PublicKeyFile   = "backup-public-key.txt"
)

// Sealer は秘密鍵ファイルを保存前に暗号化する。
type Sealer interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// ArtifactRepository はリカバリーキーとバックアップ鍵の成果物を保存する。
type ArtifactRepository struct {
	dir    string
	sealer Sealer
}

// NewArtifactRepository は新しいArtifactRepositoryを生成する。sealerはnilでもよい。
func NewArtifactRepository(dir string, sealer Sealer) *ArtifactRepository {
	return &ArtifactRepository{dir: dir, sealer: sealer}
}

// Path は成果物のパスを返す。
func (r *ArtifactRepository) Path(name string) string {
	return filepath.Join(r.dir, name)
}

// SaveRecoveryKey はリカバリーキーを所有者のみ読めるファイルに保存する。
func (r *ArtifactRepository) SaveRecoveryKey(ctx context.Context, recoveryKey string) error {
	return r.write(ctx, RecoveryKeyFile, []byte(recoveryKey+"\n"), 0o600)
}

// SavePrivateKey はバックアップ秘密鍵を保存する。Sealerが設定されていれば暗号化する。
func (r *ArtifactRepository) SavePrivateKey(ctx context.Context, seed []byte) error {
	data := seed
	if r.sealer != nil {
		sealed, err := r.sealer.Encrypt(ctx, seed)
		if err != nil {
			slog.ErrorContext(ctx, "failed to seal private key",
				"operation", "save_private_key",
				"error", err,
			)
			return fmt.Errorf("seal private key: %w", err)
		}
		data = sealed
	}
	return r.write(ctx, PrivateKeyFile, data, 0o600)
}

// SavePublicKey はバックアップ公開鍵を保存する。
func (r *ArtifactRepository) SavePublicKey(ctx context.Context, publicKey string) error {
	return r.write(ctx, PublicKeyFile, []byte(publicKey+"\n"), 0o644)
}

// LoadRecoveryKey は保存済みのリカバリーキーを返す。ファイルが無い場合は空文字を返す。
func (r *ArtifactRepository) LoadRecoveryKey(ctx context.Context) (string, error) {
	b, err := os.ReadFile(r.Path(RecoveryKeyFile))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", RecoveryKeyFile, err)
	}
	return strings.TrimSpace(string(b)), nil
}

// LoadPrivateKey は保存済みのバックアップ秘密鍵を返す。ファイルが無い場合はnilを返す。
func (r *ArtifactRepository) LoadPrivateKey(ctx context.Context) ([]byte, error) {
	b, err := os.ReadFile(r.Path(PrivateKeyFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", PrivateKeyFile, err)
	}
	if r.sealer == nil {
		return b, nil
	}
	seed, err := r.sealer.Decrypt(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("unseal private key: %w", err)
	}
	return seed, nil
}

func (r *ArtifactRepository) write(ctx context.Context, name string, data []byte, mode os.FileMode) error {
	path := r.Path(name)
	if err := writeFile(path, data, mode); err != nil {
		slog.ErrorContext(ctx, "failed to write artifact",
			"operation", "write_artifact",
			"path", path,
			"error", err,
		)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
