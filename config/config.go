// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"key-backup-migrator/internal/domain"
)

// Config はアプリケーション設定を表す。
// 起動時に一度だけ構築し、各コンポーネントへ明示的に渡す。
type Config struct {
	HomeserverURL string `validate:"omitempty,url"`
	AccessToken   string
	UserID        string
	DeviceID      string

	// SSSSパスフレーズ、または直接指定されたリカバリーキー
	Passphrase      string
	RecoveryKey     string
	AccountPassword string

	KeysFile    string
	StateFile   string
	OutputDir   string
	HTTPTimeout time.Duration

	// 暗号エンジンの作業ストア
	CryptoStoreDir    string
	CryptoStoreDriver string `validate:"oneof=sqlite mysql"`
	CryptoStoreDSN    string

	BatchSize  int           `validate:"gte=1,lte=1000"`
	BatchDelay time.Duration `validate:"gte=0"`

	KMSKeyName string

	LogLevel           string `validate:"oneof=DEBUG INFO WARN ERROR"`
	OtelEnabled        bool
	OtelEndpoint       string
	OtelInsecure       bool
	OtelServiceName    string
	OtelSamplingRate   float64 `validate:"gte=0,lte=1"`
	GoogleCloudProject string
}

// Load は環境変数から設定を読み込む。
func Load() *Config {
	outputDir := getEnv("OUTPUT_DIR", "./migration-output")
	return &Config{
		HomeserverURL:      os.Getenv("MATRIX_HOMESERVER_URL"),
		AccessToken:        os.Getenv("MATRIX_ACCESS_TOKEN"),
		UserID:             os.Getenv("MATRIX_USER_ID"),
		DeviceID:           os.Getenv("MATRIX_DEVICE_ID"),
		Passphrase:         os.Getenv("SSSS_PASSPHRASE"),
		RecoveryKey:        os.Getenv("RECOVERY_KEY"),
		AccountPassword:    os.Getenv("ACCOUNT_PASSWORD"),
		KeysFile:           getEnv("KEYS_FILE", filepath.Join(outputDir, "extracted-keys.json")),
		StateFile:          getEnv("STATE_FILE", filepath.Join(outputDir, "migration-state.json")),
		OutputDir:          outputDir,
		HTTPTimeout:        getDuration("HTTP_TIMEOUT", 30*time.Second),
		CryptoStoreDir:     getEnv("CRYPTO_STORE_DIR", filepath.Join(outputDir, "crypto-store")),
		CryptoStoreDriver:  getEnv("CRYPTO_STORE_DRIVER", "sqlite"),
		CryptoStoreDSN:     os.Getenv("CRYPTO_STORE_DSN"),
		BatchSize:          getInt("BATCH_SIZE", 100),
		BatchDelay:         getDuration("BATCH_DELAY", 500*time.Millisecond),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		OtelEnabled:        getEnv("OTEL_ENABLED", "false") == "true",
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelInsecure:       getEnv("OTEL_INSECURE", "false") == "true",
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "key-backup-migrator"),
		OtelSamplingRate:   getFloat("OTEL_SAMPLING_RATE", 1.0),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
	}
}

// Validate は値の形式を検証する。
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// RequireServer はホームサーバーへのアクセスに必要な設定が揃っているか確認する。
func (c *Config) RequireServer() error {
	required := []struct {
		name  string
		value string
	}{
		{"MATRIX_HOMESERVER_URL", c.HomeserverURL},
		{"MATRIX_ACCESS_TOKEN", c.AccessToken},
		{"MATRIX_USER_ID", c.UserID},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("%w: %s is not set", domain.ErrConfigurationMissing, r.name)
		}
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
