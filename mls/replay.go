package mls

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/ortclib/transport/internal/clock"
)

// nonceCache implements the process-wide nonce-replay cache of spec.md
// §3.3 (I9) / §6 ("namespace = .../nonce/ || hex(sha256(nonce)), TTL =
// expires"). Each accepted nonce is stored under a slot derived from
// sha256(nonce) together with its bundle's `expires`, so an entry ages out
// at that time rather than living forever. Nonce hashes carry no ordering,
// so no sliding-window replay detector is involved: a nonce is rejected
// only while an unexpired entry for its slot exists.
type nonceCache struct {
	mu     sync.Mutex
	expiry map[uint64]time.Time
	clock  clock.Clock
}

func newNonceCache(clk clock.Clock) *nonceCache {
	return &nonceCache{
		expiry: make(map[uint64]time.Time),
		clock:  clk,
	}
}

func nonceSlot(nonce string) uint64 {
	sum := sha256.Sum256([]byte(nonce))
	return binary.BigEndian.Uint64(sum[:8])
}

// CheckAndStore implements (I9): accepts a nonce exactly once within its
// TTL. Returns false if the nonce was already accepted and not yet
// expired.
func (c *nonceCache) CheckAndStore(nonce string, expires time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneExpiredLocked()

	slot := nonceSlot(nonce)
	if exp, seen := c.expiry[slot]; seen && c.clock.Now().Before(exp) {
		return false
	}

	c.expiry[slot] = expires
	return true
}

func (c *nonceCache) pruneExpiredLocked() {
	now := c.clock.Now()
	for slot, exp := range c.expiry {
		if now.After(exp) {
			delete(c.expiry, slot)
		}
	}
}
