// Package services – PremiumCache
//
// This file implements a small in-process TTL cache for premium
// entitlement lookups. The premium check sits on the hot path of every
// content request, so it must not hit the database each time; a short TTL
// keeps staleness bounded while write paths (verification, cancellation,
// free enrollment) invalidate eagerly.
package services

import (
	"sync"
	"time"
)

// DefaultPremiumTTL bounds how stale a cached entitlement answer may be.
const DefaultPremiumTTL = 60 * time.Second

type premiumEntry struct {
	premium   bool
	expiresAt time.Time
}

// PremiumCache caches per-user entitlement answers with a TTL.
// The zero value is not usable; construct with NewPremiumCache.
// Safe for concurrent use.
type PremiumCache struct {
	mu      sync.Mutex
	entries map[string]premiumEntry
	ttl     time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// NewPremiumCache builds a cache with the given TTL; ttl <= 0 falls back
// to DefaultPremiumTTL.
func NewPremiumCache(ttl time.Duration) *PremiumCache {
	if ttl <= 0 {
		ttl = DefaultPremiumTTL
	}
	return &PremiumCache{
		entries: make(map[string]premiumEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached answer for userID and whether a live entry
// existed. Expired entries are removed on access.
func (c *PremiumCache) Get(userID string) (premium, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[userID]
	if !ok {
		return false, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, userID)
		return false, false
	}
	return e.premium, true
}

// Set stores the answer for userID for one TTL window.
func (c *PremiumCache) Set(userID string, premium bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[userID] = premiumEntry{premium: premium, expiresAt: c.now().Add(c.ttl)}
}

// Invalidate drops the entry for userID so the next check hits the
// database. Called by every write path that changes entitlement.
func (c *PremiumCache) Invalidate(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, userID)
}
