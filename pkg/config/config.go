package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"trustsync/pkg/auth"
	"trustsync/pkg/witness"
)

type Driver string

const (
	DriverFile     Driver = "file"
	DriverMemory   Driver = "memory"
	DriverRedis    Driver = "redis"
	DriverPostgres Driver = "postgres"
)

type Config struct {
	Namespace  string           `json:"namespace" yaml:"namespace"`
	Storage    StorageConfig    `json:"storage" yaml:"storage"`
	Remote     RemoteConfig     `json:"remote" yaml:"remote"`
	Sync       SyncConfig       `json:"sync" yaml:"sync"`
	Witness    WitnessConfig    `json:"witness" yaml:"witness"`
	Revocation RevocationConfig `json:"revocation" yaml:"revocation"`
	Audit      AuditConfig      `json:"audit" yaml:"audit"`
	Metrics    MetricsConfig    `json:"metrics" yaml:"metrics"`
}

type StorageConfig struct {
	Driver      Driver `json:"driver" yaml:"driver"`
	Path        string `json:"path,omitempty" yaml:"path"`
	RedisURL    string `json:"redis_url,omitempty" yaml:"redis_url"`
	DatabaseURL string `json:"database_url,omitempty" yaml:"database_url"`
}

type RemoteConfig struct {
	// Address is the replica endpoint the sync engine dials.
	Address string `json:"address,omitempty" yaml:"address"`
	// ListenAddress is where "serve" exposes the replica service.
	ListenAddress string         `json:"listen_address" yaml:"listen_address"`
	TLS           auth.TLSConfig `json:"tls" yaml:"tls"`
}

type SyncConfig struct {
	Prefix         string   `json:"prefix,omitempty" yaml:"prefix"`
	RatePerSec     float64  `json:"rate_per_sec" yaml:"rate_per_sec"`
	Burst          int      `json:"burst" yaml:"burst"`
	MaxBatch       int      `json:"max_batch" yaml:"max_batch"`
	BaseDelay      Duration `json:"base_delay" yaml:"base_delay"`
	MaxDelay       Duration `json:"max_delay" yaml:"max_delay"`
	Interval       Duration `json:"interval" yaml:"interval"`
	AttemptTimeout Duration `json:"attempt_timeout" yaml:"attempt_timeout"`
}

type WitnessConfig struct {
	MaxActiveWitnesses int `json:"max_active_witnesses" yaml:"max_active_witnesses"`
	RetiredGraceDays   int `json:"retired_grace_days" yaml:"retired_grace_days"`
	// Policy is the default policy for checkpoint verification.
	Policy witness.Policy `json:"policy" yaml:"policy"`
}

type RevocationConfig struct {
	FailOpenWhenUnconfigured bool `json:"fail_open_when_unconfigured" yaml:"fail_open_when_unconfigured"`
}

type AuditConfig struct {
	JSONLPath string `json:"jsonl_path,omitempty" yaml:"jsonl_path"`
}

type MetricsConfig struct {
	Address string `json:"address,omitempty" yaml:"address"`
}

// Default returns a config that works out of the box against a local file
func Default() *Config {
	tls := auth.DefaultTLSConfig()
	return &Config{
		Namespace: "default",
		Storage: StorageConfig{
			Driver: DriverFile,
			Path:   filepath.Join(GetConfigDir(), "data.json"),
		},
		Remote: RemoteConfig{
			ListenAddress: ":7443",
			TLS:           *tls,
		},
		Sync: SyncConfig{
			RatePerSec:     20,
			Burst:          20,
			MaxBatch:       50,
			BaseDelay:      Duration(500 * time.Millisecond),
			MaxDelay:       Duration(30 * time.Second),
			Interval:       Duration(5 * time.Second),
			AttemptTimeout: Duration(10 * time.Second),
		},
		Witness: WitnessConfig{
			MaxActiveWitnesses: 16,
			RetiredGraceDays:   7,
			Policy: witness.Policy{
				MinSignatures:          2,
				RetiredGracePeriodDays: 7,
			},
		},
		Revocation: RevocationConfig{
			FailOpenWhenUnconfigured: true,
		},
	}
}

// LoadConfig reads a JSON or YAML file on top of the defaults. The format
// follows the file extension; anything other than .yaml/.yml is JSON.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Storage.Path = expandPath(cfg.Storage.Path)
	cfg.Audit.JSONLPath = expandPath(cfg.Audit.JSONLPath)
	cfg.Remote.TLS.CAPath = expandPath(cfg.Remote.TLS.CAPath)
	cfg.Remote.TLS.CertPath = expandPath(cfg.Remote.TLS.CertPath)
	cfg.Remote.TLS.KeyPath = expandPath(cfg.Remote.TLS.KeyPath)

	return cfg, nil
}

func LoadFromEnv() *Config {
	return ApplyEnv(Default())
}

// ApplyEnv overrides cfg with any TRUSTSYNC_* variables that are set
func ApplyEnv(cfg *Config) *Config {
	cfg.Namespace = getEnv("TRUSTSYNC_NAMESPACE", cfg.Namespace)
	cfg.Storage.Driver = Driver(getEnv("TRUSTSYNC_STORAGE_DRIVER", string(cfg.Storage.Driver)))
	cfg.Storage.Path = expandPath(getEnv("TRUSTSYNC_STORAGE_PATH", cfg.Storage.Path))
	cfg.Storage.RedisURL = getEnv("TRUSTSYNC_REDIS_URL", cfg.Storage.RedisURL)
	cfg.Storage.DatabaseURL = getEnv("TRUSTSYNC_DATABASE_URL", cfg.Storage.DatabaseURL)
	cfg.Remote.Address = getEnv("TRUSTSYNC_REMOTE_ADDRESS", cfg.Remote.Address)
	cfg.Remote.ListenAddress = getEnv("TRUSTSYNC_LISTEN_ADDRESS", cfg.Remote.ListenAddress)
	cfg.Audit.JSONLPath = expandPath(getEnv("TRUSTSYNC_AUDIT_LOG", cfg.Audit.JSONLPath))
	cfg.Metrics.Address = getEnv("TRUSTSYNC_METRICS_ADDRESS", cfg.Metrics.Address)

	if v, err := strconv.ParseFloat(os.Getenv("TRUSTSYNC_SYNC_RATE"), 64); err == nil {
		cfg.Sync.RatePerSec = v
	}
	if v, err := strconv.ParseBool(os.Getenv("TRUSTSYNC_REVOCATION_FAIL_OPEN")); err == nil {
		cfg.Revocation.FailOpenWhenUnconfigured = v
	}
	return cfg
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return errors.New("namespace is required")
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the file driver")
		}
	case DriverRedis:
		if c.Storage.RedisURL == "" {
			return errors.New("storage.redis_url is required for the redis driver")
		}
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return errors.New("storage.database_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}

	s := c.Sync
	if s.RatePerSec <= 0 || s.Burst <= 0 || s.MaxBatch <= 0 {
		return errors.New("sync rate_per_sec, burst and max_batch must be positive")
	}
	if s.BaseDelay <= 0 || s.MaxDelay < s.BaseDelay {
		return errors.New("sync base_delay must be positive and not exceed max_delay")
	}
	if s.Interval <= 0 || s.AttemptTimeout <= 0 {
		return errors.New("sync interval and attempt_timeout must be positive")
	}

	if c.Witness.MaxActiveWitnesses <= 0 {
		return errors.New("witness.max_active_witnesses must be positive")
	}
	if c.Witness.RetiredGraceDays < 0 {
		return errors.New("witness.retired_grace_days must not be negative")
	}
	if err := c.Witness.Policy.Validate(); err != nil {
		return fmt.Errorf("witness.policy: %w", err)
	}

	if err := c.Remote.TLS.Validate(); err != nil {
		return fmt.Errorf("remote.tls: %w", err)
	}
	return nil
}

// GetConfigDir returns the trustsync configuration directory
func GetConfigDir() string {
	if dir := os.Getenv("TRUSTSYNC_CONFIG_DIR"); dir != "" {
		return dir
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "trustsync")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".trustsync"
	}
	return filepath.Join(home, ".trustsync")
}

// FindConfigFile returns the first config file present in the config dir
func FindConfigFile() (string, bool) {
	dir := GetConfigDir()
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func expandPath(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[2:])
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
