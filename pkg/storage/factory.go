package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

const (
	ProviderMinio = "minio"
	ProviderS3    = "s3"
	ProviderLocal = "local"
)

// Config selects and configures a backend.
type Config struct {
	Provider      string
	Production    bool
	Endpoint      string
	Region        string
	AccessKey     string
	SecretKey     string
	Bucket        string
	UseSSL        bool
	PathStyle     bool
	PublicBaseURL string
	LocalDir      string
	LocalBaseURL  string
}

// New builds the configured backend. Outside production a misconfigured or
// unreachable remote backend falls back to local disk with a warning; in
// production the error is returned. The second result names the backend.
func New(ctx context.Context, cfg Config) (ObjectStore, string, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = ProviderMinio
	}
	if provider == ProviderLocal {
		if cfg.Production {
			return nil, "", errors.New("local storage is not allowed in production")
		}
		store, err := newLocal(cfg)
		return store, ProviderLocal, err
	}

	store, err := newRemote(ctx, provider, cfg)
	if err == nil {
		return store, provider, nil
	}
	if cfg.Production {
		return nil, "", err
	}
	slog.Warn("object storage unavailable, falling back to local filesystem",
		"provider", provider,
		"dir", localDir(cfg),
		"err", err,
	)
	local, lerr := newLocal(cfg)
	if lerr != nil {
		return nil, "", errors.Join(err, lerr)
	}
	return local, ProviderLocal, nil
}

func newRemote(ctx context.Context, provider string, cfg Config) (ObjectStore, error) {
	switch provider {
	case ProviderMinio:
		if cfg.Endpoint == "" || cfg.AccessKey == "" || cfg.SecretKey == "" || cfg.Bucket == "" {
			return nil, errors.New("minio requires endpoint, access key, secret key and bucket")
		}
		return NewMinioStore(ctx, MinioConfig{
			Endpoint:      cfg.Endpoint,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			Bucket:        cfg.Bucket,
			Region:        cfg.Region,
			UseSSL:        cfg.UseSSL,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	case ProviderS3:
		if cfg.Bucket == "" || cfg.AccessKey == "" || cfg.SecretKey == "" {
			return nil, errors.New("s3 requires bucket, access key and secret key")
		}
		return NewS3Store(ctx, S3Config{
			Endpoint:      cfg.Endpoint,
			Region:        cfg.Region,
			AccessKey:     cfg.AccessKey,
			SecretKey:     cfg.SecretKey,
			Bucket:        cfg.Bucket,
			PathStyle:     cfg.PathStyle,
			PublicBaseURL: cfg.PublicBaseURL,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", provider)
	}
}

func newLocal(cfg Config) (*LocalStore, error) {
	return NewLocalStore(localDir(cfg), cfg.LocalBaseURL)
}

func localDir(cfg Config) string {
	if strings.TrimSpace(cfg.LocalDir) != "" {
		return cfg.LocalDir
	}
	return "./data/uploads"
}
