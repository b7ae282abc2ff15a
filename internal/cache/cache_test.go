package cache

import (
	"testing"
	"time"
)

func TestMemoryExpiry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemory(WithClock(func() time.Time { return now }))

	c.Set("perm:u1:accounts:read", true, 5*time.Minute)
	if v, ok := c.Get("perm:u1:accounts:read"); !ok || v != true {
		t.Fatalf("expected cached value, got %v ok=%v", v, ok)
	}

	now = now.Add(5*time.Minute + time.Second)
	if _, ok := c.Get("perm:u1:accounts:read"); ok {
		t.Fatal("expected entry to expire")
	}
}

func TestMemoryInvalidatePrefix(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewMemory(WithClock(func() time.Time { return now }))

	c.Set("perm:u1:accounts:read", true, time.Minute)
	c.Set("perm:u1:vaults:update", false, time.Minute)
	c.Set("perm:u2:accounts:read", true, time.Minute)

	c.InvalidatePrefix("perm:u1:")

	if _, ok := c.Get("perm:u1:accounts:read"); ok {
		t.Fatal("u1 entry should be gone")
	}
	if _, ok := c.Get("perm:u1:vaults:update"); ok {
		t.Fatal("u1 entry should be gone")
	}
	if _, ok := c.Get("perm:u2:accounts:read"); !ok {
		t.Fatal("u2 entry should survive")
	}
}

func TestMemoryZeroTTLIgnored(t *testing.T) {
	c := NewMemory()
	c.Set("k", 1, 0)
	if _, ok := c.Get("k"); ok {
		t.Fatal("zero ttl must not store")
	}
}
