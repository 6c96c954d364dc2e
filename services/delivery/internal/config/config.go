package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"charterbook/pkg/storage"
)

// ConfigPath is the default config location; CHARTERBOOK_DELIVERY_CONFIG overrides it.
var ConfigPath = "config.yaml"

func init() {
	if v := strings.TrimSpace(os.Getenv("CHARTERBOOK_DELIVERY_CONFIG")); v != "" {
		ConfigPath = v
	}
}

// StorageConfig selects the object store holding the charter pack.
type StorageConfig struct {
	Provider      string `yaml:"provider"`
	Endpoint      string `yaml:"endpoint"`
	Region        string `yaml:"region"`
	AccessKey     string `yaml:"accessKey"`
	SecretKey     string `yaml:"secretKey"`
	Bucket        string `yaml:"bucket"`
	UseSSL        bool   `yaml:"useSSL"`
	PathStyle     bool   `yaml:"pathStyle"`
	PublicBaseURL string `yaml:"publicBaseURL"`
	LocalDir      string `yaml:"localDir"`
	LocalBaseURL  string `yaml:"localBaseURL"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel               string        `yaml:"logLevel"`
	Environment            string        `yaml:"environment"`
	DatabaseURL            string        `yaml:"databaseURL"`
	RedisAddr              string        `yaml:"redisAddr"`
	RedisPassword          string        `yaml:"redisPassword"`
	QueueStream            string        `yaml:"queueStream"`
	QueueGroup             string        `yaml:"queueGroup"`
	QueueConcurrency       int           `yaml:"queueConcurrency"`
	QueueMaxRetries        int           `yaml:"queueMaxRetries"`
	QueueRetryDelaySeconds int           `yaml:"queueRetryDelaySeconds"`
	SweepInterval          string        `yaml:"sweepInterval"`
	SweepAge               string        `yaml:"sweepAge"`
	SweepBatch             int           `yaml:"sweepBatch"`
	CharterPackKey         string        `yaml:"charterPackKey"`
	LinkTTL                string        `yaml:"linkTTL"`
	Storage                StorageConfig `yaml:"storage"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	// Override with environment variables
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHARTERBOOK_ENV"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("DELIVERY_QUEUE_STREAM"); v != "" {
		cfg.QueueStream = v
	}
	if v := os.Getenv("DELIVERY_QUEUE_GROUP"); v != "" {
		cfg.QueueGroup = v
	}
	if v := os.Getenv("DELIVERY_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueConcurrency = n
		}
	}
	if v := os.Getenv("DELIVERY_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueMaxRetries = n
		}
	}
	if v := os.Getenv("DELIVERY_QUEUE_RETRY_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.QueueRetryDelaySeconds = n
		}
	}
	if v := os.Getenv("DELIVERY_SWEEP_INTERVAL"); v != "" {
		cfg.SweepInterval = v
	}
	if v := os.Getenv("DELIVERY_SWEEP_AGE"); v != "" {
		cfg.SweepAge = v
	}
	if v := os.Getenv("DELIVERY_SWEEP_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SweepBatch = n
		}
	}
	if v := os.Getenv("CONTENT_CHARTER_PACK_KEY"); v != "" {
		cfg.CharterPackKey = v
	}
	if v := os.Getenv("DELIVERY_LINK_TTL"); v != "" {
		cfg.LinkTTL = v
	}
	if v := os.Getenv("STORAGE_PROVIDER"); v != "" {
		cfg.Storage.Provider = v
	}
	if v := os.Getenv("STORAGE_ENDPOINT"); v != "" {
		cfg.Storage.Endpoint = v
	}
	if v := os.Getenv("STORAGE_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("STORAGE_ACCESS_KEY"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("STORAGE_SECRET_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}

	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	cfg.Environment = strings.ToLower(strings.TrimSpace(cfg.Environment))
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func validateConfig(cfg FileConfig) error {
	if cfg.Environment != "development" && cfg.Environment != "production" {
		return fmt.Errorf("config: environment must be development or production, got %q", cfg.Environment)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required (set in config.yaml or REDIS_ADDR)")
	}
	if strings.TrimSpace(cfg.CharterPackKey) == "" {
		return errors.New("config: charterPackKey is required (set in config.yaml or CONTENT_CHARTER_PACK_KEY)")
	}
	if cfg.QueueConcurrency < 0 || cfg.QueueMaxRetries < 0 || cfg.QueueRetryDelaySeconds < 0 || cfg.SweepBatch < 0 {
		return errors.New("config: queue and sweep settings must be >= 0")
	}
	for name, value := range map[string]string{
		"sweepInterval": cfg.SweepInterval,
		"sweepAge":      cfg.SweepAge,
		"linkTTL":       cfg.LinkTTL,
	} {
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("config: invalid %s: %w", name, err)
		}
	}
	if cfg.Environment == "production" && strings.EqualFold(cfg.Storage.Provider, storage.ProviderLocal) {
		return errors.New("config: local storage is not allowed in production")
	}
	return nil
}

// StorageOptions converts the storage section for storage.New.
func (c FileConfig) StorageOptions() storage.Config {
	s := c.Storage
	return storage.Config{
		Provider:      s.Provider,
		Production:    c.Environment == "production",
		Endpoint:      s.Endpoint,
		Region:        s.Region,
		AccessKey:     s.AccessKey,
		SecretKey:     s.SecretKey,
		Bucket:        s.Bucket,
		UseSSL:        s.UseSSL,
		PathStyle:     s.PathStyle,
		PublicBaseURL: s.PublicBaseURL,
		LocalDir:      s.LocalDir,
		LocalBaseURL:  s.LocalBaseURL,
	}
}

// ParseDuration parses an optional duration; empty means zero.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", value)
	}
	return d, nil
}
