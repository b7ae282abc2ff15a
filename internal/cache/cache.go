// Package cache provides the advisory TTL cache used by the authorization
// core. Entries are performance hints, never sources of truth: every write
// path that can change a cached answer invalidates the relevant keys
// synchronously before returning.
package cache

import (
	"strings"
	"sync"
	"time"
)

// Cache is the injection point for decision and policy caches. Production
// uses the in-memory implementation below; tests inject one with a fixed
// clock. A multi-instance deployment can substitute a shared backend or
// accept staleness bounded by the TTL.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	// InvalidatePrefix removes every entry whose key starts with prefix.
	InvalidatePrefix(prefix string)
}

type entry struct {
	value     any
	expiresAt time.Time
}

// Memory is a process-local Cache with per-entry TTLs.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

// Option configures Memory.
type Option func(*Memory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Memory) {
		if fn != nil {
			m.now = fn
		}
	}
}

// NewMemory constructs an empty in-memory cache.
func NewMemory(opts ...Option) *Memory {
	m := &Memory{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var _ Cache = (*Memory)(nil)

func (m *Memory) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

func (m *Memory) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, expiresAt: m.now().Add(ttl)}
}

func (m *Memory) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

func (m *Memory) InvalidatePrefix(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
		}
	}
}

// Len reports the number of live entries, counting expired ones that have
// not been read since expiry.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
