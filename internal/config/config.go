package config

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for FileHarbor
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	// Backing store configuration
	Storage StorageConfig `mapstructure:"storage"`

	// Access control configuration
	Access AccessConfig `mapstructure:"access"`

	// Audit configuration
	Audit AuditConfig `mapstructure:"audit"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// StorageConfig defines the shared R2-compatible bucket
type StorageConfig struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

// AccessConfig defines grant and token defaults
type AccessConfig struct {
	DefaultMaxStorageBytes int64  `mapstructure:"default_max_storage_bytes"`
	DefaultMaxFileCount    int64  `mapstructure:"default_max_file_count"`
	DefaultExpiryDays      int    `mapstructure:"default_expiry_days"`
	TokenSecret            string `mapstructure:"token_secret"`
}

// AuditConfig defines access log retention
type AuditConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Load loads configuration from flags, an optional config file, and
// FILEHARBOR_* environment variables, in that order of precedence.
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("FILEHARBOR")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	// No default for data_dir, it must be explicitly configured
	v.SetDefault("log_level", "info")

	v.SetDefault("storage.bucket", "fileharbor")
	v.SetDefault("storage.region", "auto")
	// endpoint, access_key and secret_key must be explicitly configured

	v.SetDefault("access.default_max_storage_bytes", int64(5)*1024*1024*1024) // 5 GiB
	v.SetDefault("access.default_max_file_count", int64(10000))
	v.SetDefault("access.default_expiry_days", 365)

	v.SetDefault("audit.retention_days", 90)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":    "listen",
		"data-dir":  "data_dir",
		"log-level": "log_level",
		"bucket":    "storage.bucket",
		"endpoint":  "storage.endpoint",
	}

	for flag, key := range flags {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or FILEHARBOR_DATA_DIR environment variable")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Access.DefaultMaxStorageBytes <= 0 {
		return fmt.Errorf("access.default_max_storage_bytes must be positive")
	}
	if cfg.Access.DefaultMaxFileCount <= 0 {
		return fmt.Errorf("access.default_max_file_count must be positive")
	}

	// Generate a token secret if not provided. Tokens then survive only
	// as long as the process; set access.token_secret for durable tokens.
	if cfg.Access.TokenSecret == "" {
		secret, err := generateSecret(32)
		if err != nil {
			return fmt.Errorf("failed to generate token secret: %w", err)
		}
		cfg.Access.TokenSecret = secret
	}

	return nil
}

func generateSecret(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
