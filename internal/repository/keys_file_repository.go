package repository

import (
	"context"
	"fmt"
	"os"

	"key-backup-migrator/internal/domain"
)

// KeysFileRepository は抽出ツールが出力した鍵ファイルを読み込む。
type KeysFileRepository struct {
	path string
}

// NewKeysFileRepository は新しいKeysFileRepositoryを生成する。
func NewKeysFileRepository(path string) *KeysFileRepository {
	return &KeysFileRepository{path: path}
}

// Load は鍵ファイルを読み込む。ファイルが無い場合は ErrConfigurationMissing を返す。
func (r *KeysFileRepository) Load(ctx context.Context) (*domain.ExtractedKeys, error) {
	var keys domain.ExtractedKeys
	found, err := readJSON(r.path, &keys)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidExtractedKeys, r.path, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: extracted keys file %s does not exist", domain.ErrConfigurationMissing, r.path)
	}
	if keys.Version == 0 {
		keys.Version = domain.ExtractedKeysFormatVersion
	}
	return &keys, nil
}

// Path は読み込み対象のパスを返す。
func (r *KeysFileRepository) Path() string {
	return r.path
}

// Exists は鍵ファイルが存在するか返す。
func (r *KeysFileRepository) Exists() bool {
	_, err := os.Stat(r.path)
	return err == nil
}
