package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Persisted keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
)

// KV is the client-local key/value persistence the store writes through to.
// A missing key is reported as ok=false, not as an error. Apply writes set
// and removes del as one step, so a credential triple is never half-written.
type KV interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Apply(ctx context.Context, set map[string]string, del []string) error
}

// MemoryKV keeps entries in process memory.
type MemoryKV struct {
	mu      sync.RWMutex
	entries map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{entries: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *MemoryKV) Apply(_ context.Context, set map[string]string, del []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range del {
		delete(m.entries, k)
	}
	for k, v := range set {
		m.entries[k] = v
	}
	return nil
}

// FileKV persists entries as a JSON object in a single file.
type FileKV struct {
	mu   sync.Mutex
	path string
}

func NewFileKV(path string) *FileKV {
	return &FileKV{path: path}
}

func (f *FileKV) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.loadInternal()
	if err != nil {
		return "", false, err
	}
	v, ok := entries[key]
	return v, ok, nil
}

func (f *FileKV) Apply(_ context.Context, set map[string]string, del []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := f.loadInternal()
	if err != nil {
		return err
	}
	for _, k := range del {
		delete(entries, k)
	}
	for k, v := range set {
		entries[k] = v
	}
	return f.saveInternal(entries)
}

// must be called with f.mu held
func (f *FileKV) loadInternal() (map[string]string, error) {
	entries := make(map[string]string)
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return entries, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.path, err)
	}
	return entries, nil
}

// must be called with f.mu held; writes via rename so readers never see a partial file
func (f *FileKV) saveInternal(entries map[string]string) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".session-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// RedisKV stores entries under a key prefix, so several headless clients
// can share one redis without colliding.
type RedisKV struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisKV wraps a redis client. ttl of zero means entries never expire.
func NewRedisKV(client *redis.Client, prefix string, ttl time.Duration) *RedisKV {
	return &RedisKV{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, r.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return v, true, nil
}

// Apply runs in a MULTI/EXEC transaction.
func (r *RedisKV) Apply(ctx context.Context, set map[string]string, del []string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if len(del) > 0 {
			full := make([]string, len(del))
			for i, k := range del {
				full[i] = r.prefix + k
			}
			pipe.Del(ctx, full...)
		}
		for k, v := range set {
			pipe.Set(ctx, r.prefix+k, v, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis apply: %w", err)
	}
	return nil
}
