package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"

	"github.com/batchdl/batchdl/internal/retry"
)

const configFileName = "batchdl"

// Config holds the configuration options for the application.
type Config struct {
	PoolSize int            `yaml:"poolSize,omitempty"`
	Debug    bool           `yaml:"debug,omitempty"`
	LogPath  string         `yaml:"logPath,omitempty"`
	Storage  *StorageConfig `yaml:"storage,omitempty"`
	Batch    *BatchConfig   `yaml:"batch,omitempty"`
	Webhook  *WebhookConfig `yaml:"webhook,omitempty"`
}

// StorageConfig holds filesystem and persistence paths.
type StorageConfig struct {
	DownloadDir  string `yaml:"dir,omitempty"`
	DatabasePath string `yaml:"databasePath,omitempty"`
}

// BatchConfig holds the defaults applied to batches that do not configure
// their own.
type BatchConfig struct {
	Concurrency       int           `yaml:"concurrency,omitempty"`
	MaxRetries        int           `yaml:"maxRetries,omitempty"`
	RetryDelay        time.Duration `yaml:"retryDelay,omitempty"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier,omitempty"`
	MaxRetryDelay     time.Duration `yaml:"maxRetryDelay,omitempty"`
}

// WebhookConfig holds the notification delivery endpoint.
type WebhookConfig struct {
	URL     string        `yaml:"url,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// RetryPolicy converts the batch defaults into an engine retry policy.
func (b *BatchConfig) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:        b.MaxRetries,
		RetryDelay:        b.RetryDelay,
		BackoffMultiplier: b.BackoffMultiplier,
		MaxRetryDelay:     b.MaxRetryDelay,
	}
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it returns the default configuration.
func GetConfig() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := DefaultConfig()

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	storageCfg := zeroOr(cfg.Storage, defaults.Storage)
	batchCfg := zeroOr(cfg.Batch, defaults.Batch)
	webhookCfg := zeroOr(cfg.Webhook, defaults.Webhook)

	return &Config{
		PoolSize: zeroOr(cfg.PoolSize, defaults.PoolSize),
		Debug:    zeroOr(cfg.Debug, defaults.Debug),
		LogPath:  zeroOr(cfg.LogPath, defaults.LogPath),
		Storage: &StorageConfig{
			DownloadDir:  zeroOr(storageCfg.DownloadDir, defaults.Storage.DownloadDir),
			DatabasePath: zeroOr(storageCfg.DatabasePath, defaults.Storage.DatabasePath),
		},
		Batch: &BatchConfig{
			Concurrency:       zeroOr(batchCfg.Concurrency, defaults.Batch.Concurrency),
			MaxRetries:        zeroOr(batchCfg.MaxRetries, defaults.Batch.MaxRetries),
			RetryDelay:        zeroOr(batchCfg.RetryDelay, defaults.Batch.RetryDelay),
			BackoffMultiplier: zeroOr(batchCfg.BackoffMultiplier, defaults.Batch.BackoffMultiplier),
			MaxRetryDelay:     zeroOr(batchCfg.MaxRetryDelay, defaults.Batch.MaxRetryDelay),
		},
		Webhook: &WebhookConfig{
			URL:     zeroOr(webhookCfg.URL, defaults.Webhook.URL),
			Timeout: zeroOr(webhookCfg.Timeout, defaults.Webhook.Timeout),
		},
	}, nil
}

func DefaultConfig() Config {
	return Config{
		PoolSize: poolSize,
		LogPath:  logPath,
		Storage: &StorageConfig{
			DownloadDir:  downloadDir,
			DatabasePath: databasePath,
		},
		Batch: &BatchConfig{
			Concurrency:       batchConcurrency,
			MaxRetries:        maxRetries,
			RetryDelay:        retryDelay,
			BackoffMultiplier: backoffMultiplier,
			MaxRetryDelay:     maxRetryDelay,
		},
		Webhook: &WebhookConfig{
			Timeout: webhookTimeout,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
