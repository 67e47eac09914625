package services

import (
	"testing"
	"time"
)

func TestPremiumCache_SetGetInvalidate(t *testing.T) {
	c := NewPremiumCache(time.Minute)

	if _, ok := c.Get("u1"); ok {
		t.Fatal("empty cache returned a hit")
	}

	c.Set("u1", true)
	premium, ok := c.Get("u1")
	if !ok || !premium {
		t.Fatalf("Get = (%v, %v), want (true, true)", premium, ok)
	}

	c.Set("u2", false)
	premium, ok = c.Get("u2")
	if !ok || premium {
		t.Fatalf("Get = (%v, %v), want (false, true)", premium, ok)
	}

	c.Invalidate("u1")
	if _, ok := c.Get("u1"); ok {
		t.Fatal("invalidated entry still present")
	}
	// Other entries survive.
	if _, ok := c.Get("u2"); !ok {
		t.Fatal("unrelated entry dropped by invalidation")
	}
}

func TestPremiumCache_TTLExpiry(t *testing.T) {
	c := NewPremiumCache(time.Minute)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("u1", true)
	if _, ok := c.Get("u1"); !ok {
		t.Fatal("fresh entry missing")
	}

	now = now.Add(59 * time.Second)
	if _, ok := c.Get("u1"); !ok {
		t.Fatal("entry expired before its TTL")
	}

	now = now.Add(2 * time.Second)
	if _, ok := c.Get("u1"); ok {
		t.Fatal("entry outlived its TTL")
	}
}

func TestNewPremiumCache_DefaultTTL(t *testing.T) {
	c := NewPremiumCache(0)
	if c.ttl != DefaultPremiumTTL {
		t.Fatalf("ttl = %v, want %v", c.ttl, DefaultPremiumTTL)
	}
}
