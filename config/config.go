// Package config はアプリケーション設定の読み込みを提供する。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"secure-storage-service/internal/domain"
)

// Config はアプリケーション設定を表す。
type Config struct {
	Port               string
	DatabaseURL        string
	LogLevel           string
	GoogleCloudProject string
	KMSKeyName         string

	KeyringBackend  string
	KeyringService  string
	KeyringFileDir  string
	KeyringPassword string

	DataAlgorithm          domain.Algorithm
	ReEncryptWorkers       int
	RotationCheckInterval  time.Duration
	RotationHandlerTimeout time.Duration
	RotationPolicyFile     string

	OtelEnabled      bool
	OtelInsecure     bool
	OtelEndpoint     string
	OtelServiceName  string
	OtelSamplingRate float64
}

// Load は環境変数から設定を読み込む。
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DatabaseURL:        getEnv("DATABASE_URL", "sqlite:secure-storage.db"),
		LogLevel:           getEnv("LOG_LEVEL", "INFO"),
		GoogleCloudProject: os.Getenv("GOOGLE_CLOUD_PROJECT"),
		KMSKeyName:         os.Getenv("KMS_KEY_NAME"),
		KeyringBackend:     getEnv("KEYRING_BACKEND", "file"),
		KeyringService:     getEnv("KEYRING_SERVICE", "secure-storage-service"),
		KeyringFileDir:     getEnv("KEYRING_FILE_DIR", "~/.secure-storage/keyring"),
		KeyringPassword:    os.Getenv("KEYRING_PASSWORD"),
		DataAlgorithm:      domain.Algorithm(getEnv("DATA_ALGORITHM", string(domain.DefaultDataAlgorithm))),
		RotationPolicyFile: os.Getenv("ROTATION_POLICY_FILE"),
		OtelEndpoint:       getEnv("OTEL_ENDPOINT", "localhost:4317"),
		OtelServiceName:    getEnv("OTEL_SERVICE_NAME", "secure-storage-service"),
	}

	if !cfg.DataAlgorithm.Supported() {
		return nil, fmt.Errorf("DATA_ALGORITHM: %w: %s", domain.ErrUnsupportedAlgorithm, cfg.DataAlgorithm)
	}

	var err error
	if cfg.ReEncryptWorkers, err = getEnvInt("REENCRYPT_WORKERS", 4); err != nil {
		return nil, err
	}
	if cfg.ReEncryptWorkers < 1 {
		return nil, fmt.Errorf("REENCRYPT_WORKERS must be at least 1, got %d", cfg.ReEncryptWorkers)
	}
	if cfg.RotationCheckInterval, err = getEnvDuration("ROTATION_CHECK_INTERVAL", time.Hour); err != nil {
		return nil, err
	}
	if cfg.RotationHandlerTimeout, err = getEnvDuration("ROTATION_HANDLER_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.OtelEnabled, err = getEnvBool("OTEL_ENABLED", false); err != nil {
		return nil, err
	}
	if cfg.OtelInsecure, err = getEnvBool("OTEL_INSECURE", false); err != nil {
		return nil, err
	}
	if cfg.OtelSamplingRate, err = getEnvFloat("OTEL_SAMPLING_RATE", 1.0); err != nil {
		return nil, err
	}
	if cfg.OtelSamplingRate < 0 || cfg.OtelSamplingRate > 1 {
		return nil, fmt.Errorf("OTEL_SAMPLING_RATE must be between 0 and 1, got %v", cfg.OtelSamplingRate)
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvFloat(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// ParseDuration は time.ParseDuration に日単位（例: "90d"）を加えたもの。
func ParseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
