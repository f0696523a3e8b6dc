// objectstore.go — Blob storage for discovery caches and design captures.
// Two backends behind types.ObjectStore: Redis for shared deployments,
// filesystem for single-node and development. Keys are slash-separated paths
// in both.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/forecourt/oemwatch/internal/config"
	"github.com/forecourt/oemwatch/internal/types"
)

// ErrObjectNotFound reports an absent key on either backend.
var ErrObjectNotFound = errors.New("object not found")

// NewObjectStore builds the configured backend.
func NewObjectStore(ctx context.Context, cfg config.StoreConfig) (types.ObjectStore, error) {
	switch cfg.Backend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return &RedisStore{client: client, prefix: cfg.KeyPrefix}, nil
	case "filesystem":
		if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
			return nil, fmt.Errorf("create object root: %w", err)
		}
		return &FileStore{root: cfg.Root}, nil
	default:
		return nil, fmt.Errorf("unknown object store backend %q", cfg.Backend)
	}
}

// ============================================
// Redis backend
// ============================================

// RedisStore keeps blobs as plain string values.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client; tests use it with miniredis.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

func (s *RedisStore) Put(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.key(key), data, 0).Err(); err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// ============================================
// Filesystem backend
// ============================================

// FileStore maps keys onto paths under root. Writes are atomic via rename.
type FileStore struct {
	root string
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore { return &FileStore{root: dir} }

// path sanitizes the key so it cannot escape the root.
func (s *FileStore) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write object %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit object %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}
