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

// ConfigPath is the default config location; CHARTERBOOK_CONFIG overrides it.
var ConfigPath = "config.yaml"

func init() {
	if v := strings.TrimSpace(os.Getenv("CHARTERBOOK_CONFIG")); v != "" {
		ConfigPath = v
	}
}

// StorageConfig selects the receipt and content object store.
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
	Port                    string        `yaml:"port"`
	LogLevel                string        `yaml:"logLevel"`
	Environment             string        `yaml:"environment"`
	DatabaseURL             string        `yaml:"databaseURL"`
	RedisAddr               string        `yaml:"redisAddr"`
	RedisPassword           string        `yaml:"redisPassword"`
	SessionSecret           string        `yaml:"sessionSecret"`
	SessionIssuer           string        `yaml:"sessionIssuer"`
	SessionAudience         string        `yaml:"sessionAudience"`
	SessionCookieName       string        `yaml:"sessionCookieName"`
	SessionTTL              string        `yaml:"sessionTTL"`
	SessionLeeway           string        `yaml:"sessionLeeway"`
	AdminEmails             string        `yaml:"adminEmails"`
	TrustedProxyCIDRs       []string      `yaml:"trustedProxyCidrs"`
	AllowedOrigins          []string      `yaml:"allowedOrigins"`
	UploadRateLimitPerHour  int           `yaml:"uploadRateLimitPerHour"`
	AdminRateLimitPerMinute int           `yaml:"adminRateLimitPerMinute"`
	APIRateLimitPerMinute   int           `yaml:"apiRateLimitPerMinute"`
	MaxReceiptBytes         int64         `yaml:"maxReceiptBytes"`
	Storage                 StorageConfig `yaml:"storage"`
	ExcerptKey              string        `yaml:"excerptKey"`
	CharterPackKey          string        `yaml:"charterPackKey"`
	ContentLinkTTL          string        `yaml:"contentLinkTTL"`
	QueueStream             string        `yaml:"queueStream"`
	QueueGroup              string        `yaml:"queueGroup"`
}

// Load reads config from path (defaults to ConfigPath), applies environment
// overrides and validates the result.
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
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	setString(&cfg.Port, "PORT")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.Environment, "CHARTERBOOK_ENV")
	setString(&cfg.DatabaseURL, "DATABASE_URL")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.RedisPassword, "REDIS_PASSWORD")
	setString(&cfg.SessionSecret, "SESSION_SECRET")
	setString(&cfg.SessionIssuer, "SESSION_ISSUER")
	setString(&cfg.SessionAudience, "SESSION_AUDIENCE")
	setString(&cfg.SessionCookieName, "SESSION_COOKIE_NAME")
	setString(&cfg.SessionTTL, "SESSION_TTL")
	setString(&cfg.SessionLeeway, "SESSION_LEEWAY")
	setString(&cfg.AdminEmails, "ADMIN_EMAILS")
	if v := os.Getenv("CHARTERBOOK_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("CHARTERBOOK_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitCSV(v)
	}
	setInt(&cfg.UploadRateLimitPerHour, "CHARTERBOOK_UPLOAD_RATE_LIMIT_PER_HOUR")
	setInt(&cfg.AdminRateLimitPerMinute, "CHARTERBOOK_ADMIN_RATE_LIMIT_PER_MINUTE")
	setInt(&cfg.APIRateLimitPerMinute, "CHARTERBOOK_API_RATE_LIMIT_PER_MINUTE")
	if v := os.Getenv("CHARTERBOOK_MAX_RECEIPT_BYTES"); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			cfg.MaxReceiptBytes = n
		}
	}
	applyStorageEnv(&cfg.Storage)
	setString(&cfg.ExcerptKey, "CONTENT_EXCERPT_KEY")
	setString(&cfg.CharterPackKey, "CONTENT_CHARTER_PACK_KEY")
	setString(&cfg.ContentLinkTTL, "CONTENT_LINK_TTL")
	setString(&cfg.QueueStream, "DELIVERY_QUEUE_STREAM")
	setString(&cfg.QueueGroup, "DELIVERY_QUEUE_GROUP")
}

func applyStorageEnv(s *StorageConfig) {
	setString(&s.Provider, "STORAGE_PROVIDER")
	setString(&s.Endpoint, "STORAGE_ENDPOINT")
	setString(&s.Region, "STORAGE_REGION")
	setString(&s.AccessKey, "STORAGE_ACCESS_KEY")
	setString(&s.SecretKey, "STORAGE_SECRET_KEY")
	setString(&s.Bucket, "STORAGE_BUCKET")
	setBool(&s.UseSSL, "STORAGE_USE_SSL")
	setBool(&s.PathStyle, "STORAGE_PATH_STYLE")
	setString(&s.PublicBaseURL, "STORAGE_PUBLIC_BASE_URL")
	setString(&s.LocalDir, "STORAGE_LOCAL_DIR")
	setString(&s.LocalBaseURL, "STORAGE_LOCAL_BASE_URL")
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	cfg.Environment = strings.ToLower(cfg.Environment)
	if cfg.UploadRateLimitPerHour == 0 {
		cfg.UploadRateLimitPerHour = 5
	}
	if cfg.AdminRateLimitPerMinute == 0 {
		cfg.AdminRateLimitPerMinute = 100
	}
	if cfg.APIRateLimitPerMinute == 0 {
		cfg.APIRateLimitPerMinute = 100
	}
	if cfg.MaxReceiptBytes == 0 {
		cfg.MaxReceiptBytes = 10 << 20
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or PORT)")
	}
	if cfg.Environment != "development" && cfg.Environment != "production" {
		return fmt.Errorf("config: environment must be development or production, got %q", cfg.Environment)
	}
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return errors.New("config: databaseURL is required (set in config.yaml or DATABASE_URL)")
	}
	if len(strings.TrimSpace(cfg.SessionSecret)) < 32 {
		return errors.New("config: sessionSecret must be at least 32 bytes (set SESSION_SECRET)")
	}
	if cfg.UploadRateLimitPerHour < 0 || cfg.AdminRateLimitPerMinute < 0 || cfg.APIRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if cfg.MaxReceiptBytes < 0 {
		return errors.New("config: maxReceiptBytes must be >= 0")
	}
	for name, value := range map[string]string{
		"sessionTTL":     cfg.SessionTTL,
		"sessionLeeway":  cfg.SessionLeeway,
		"contentLinkTTL": cfg.ContentLinkTTL,
	} {
		if _, err := ParseDuration(value); err != nil {
			return fmt.Errorf("config: invalid %s: %w", name, err)
		}
	}
	if cfg.Production() && strings.EqualFold(cfg.Storage.Provider, storage.ProviderLocal) {
		return errors.New("config: local storage is not allowed in production")
	}
	return nil
}

// Production reports whether the service runs with production safeguards.
func (c FileConfig) Production() bool {
	return c.Environment == "production"
}

// StorageOptions converts the storage section for storage.New.
func (c FileConfig) StorageOptions() storage.Config {
	s := c.Storage
	return storage.Config{
		Provider:      s.Provider,
		Production:    c.Production(),
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

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
