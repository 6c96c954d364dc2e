package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalStore writes objects below a base directory. It is a development
// fallback: Put returns no URL and PresignGet only works with a base URL.
type LocalStore struct {
	basePath string
	baseURL  string
}

var ErrNoPublicURL = errors.New("local storage has no public base url")

// NewLocalStore creates the base directory if missing.
func NewLocalStore(basePath, baseURL string) (*LocalStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("storage base path is required")
	}
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &LocalStore{basePath: basePath, baseURL: strings.TrimSpace(baseURL)}, nil
}

func (l *LocalStore) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) (string, error) {
	target, err := l.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return "", fmt.Errorf("create object dir: %w", err)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", fmt.Errorf("create object: %w", err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		_ = os.Remove(target)
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close object: %w", err)
	}
	return "", nil
}

// PresignGet returns baseURL/key. Local links do not expire.
func (l *LocalStore) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if _, err := l.resolve(key); err != nil {
		return "", err
	}
	if l.baseURL == "" {
		return "", ErrNoPublicURL
	}
	return joinURL(l.baseURL, key), nil
}

func (l *LocalStore) Delete(_ context.Context, key string) error {
	target, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// resolve maps a key to a path and refuses keys escaping the base directory.
func (l *LocalStore) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(key))
	if clean == string(filepath.Separator) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(l.basePath, clean), nil
}
