package cache

import (
	"context"
	"errors"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is the small key/value surface the service needs from Redis or process memory.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Memory is an in-process cache used when Redis is not configured.
type Memory struct {
	items *gocache.Cache
}

// NewMemory creates a cache whose entries expire after defaultTTL unless Set says otherwise.
func NewMemory(defaultTTL time.Duration) *Memory {
	if defaultTTL <= 0 {
		defaultTTL = time.Hour
	}
	return &Memory{items: gocache.New(defaultTTL, 10*time.Minute)}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	if v, ok := m.items.Get(key); ok {
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return "", ErrMiss
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	m.items.Set(key, value, ttl)
	return nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		m.items.Delete(k)
	}
	return nil
}
