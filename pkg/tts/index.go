package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Index maps a cache key (lang:GENDER:CODEC:text) to a WAV file path.
type Index interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Put(ctx context.Context, key, path string) error
	// RemovePath drops every key that points at path.
	RemovePath(ctx context.Context, path string) error
}

// MemoryIndex is a process local index.
type MemoryIndex struct {
	mu     sync.RWMutex
	files  map[string]string
	byPath map[string]map[string]struct{}
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		files:  make(map[string]string),
		byPath: make(map[string]map[string]struct{}),
	}
}

func (m *MemoryIndex) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	path, ok := m.files[key]
	return path, ok, nil
}

func (m *MemoryIndex) Put(_ context.Context, key, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.files[key]; ok {
		delete(m.byPath[old], key)
	}
	m.files[key] = path
	if m.byPath[path] == nil {
		m.byPath[path] = make(map[string]struct{})
	}
	m.byPath[path][key] = struct{}{}
	return nil
}

func (m *MemoryIndex) RemovePath(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.byPath[path] {
		delete(m.files, key)
	}
	delete(m.byPath, path)
	return nil
}

// RedisConfig locates the shared index.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisIndex shares the cache index between server instances that mount
// the same cache directory. Two hashes are kept: key to path and path to key.
type RedisIndex struct {
	client   *redis.Client
	filesKey string
	pathsKey string
}

// NewRedisIndex connects and pings the server.
func NewRedisIndex(ctx context.Context, cfg RedisConfig) (*RedisIndex, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tts"
	}
	return &RedisIndex{
		client:   client,
		filesKey: prefix + ":files",
		pathsKey: prefix + ":paths",
	}, nil
}

func (r *RedisIndex) Get(ctx context.Context, key string) (string, bool, error) {
	path, err := r.client.HGet(ctx, r.filesKey, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading tts index: %w", err)
	}
	return path, true, nil
}

func (r *RedisIndex) Put(ctx context.Context, key, path string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, r.filesKey, key, path)
		pipe.HSet(ctx, r.pathsKey, path, key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("writing tts index: %w", err)
	}
	return nil
}

func (r *RedisIndex) RemovePath(ctx context.Context, path string) error {
	key, err := r.client.HGet(ctx, r.pathsKey, path).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading tts index: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, r.filesKey, key)
		pipe.HDel(ctx, r.pathsKey, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("removing tts index entry: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisIndex) Close() error {
	return r.client.Close()
}
