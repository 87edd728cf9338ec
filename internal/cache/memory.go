package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"
)

// Memory is an in-memory W-TinyLFU key set backed by otter.
type Memory struct {
	cache *otter.Cache[string, struct{}]
}

// NewMemory creates a key set with the given max entry count and TTL.
func NewMemory(maxSize int, ttl time.Duration) (*Memory, error) {
	c, err := otter.New[string, struct{}](&otter.Options[string, struct{}]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, struct{}](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Memory{cache: c}, nil
}

// Contains reports whether key is present.
func (m *Memory) Contains(_ context.Context, key string) bool {
	_, ok := m.cache.GetIfPresent(key)
	return ok
}

// Add inserts key.
func (m *Memory) Add(_ context.Context, key string) {
	m.cache.Set(key, struct{}{})
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) {
	m.cache.Invalidate(key)
}

// Purge removes all keys.
func (m *Memory) Purge(_ context.Context) {
	m.cache.InvalidateAll()
}
