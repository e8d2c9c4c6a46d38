package srp

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	perConnBurst     = 6
	perConnRefill    = rate.Limit(6.0 / 60.0) // 6 per minute
	perIdentityBurst = 30
	perIdentityRate  = rate.Limit(30.0 / 60.0) // 30 per minute

	identityTTL     = 30 * time.Minute
	identitySoftCap = 1024
)

// NewConnLimiter returns the per-connection handshake attempt bucket.
func NewConnLimiter() *rate.Limiter {
	return rate.NewLimiter(perConnRefill, perConnBurst)
}

type identityEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IdentityLimiter tracks handshake attempts per claimed identity. Entries
// idle past the TTL are garbage collected; a soft cap bounds the map against
// identity-spray abuse.
type IdentityLimiter struct {
	mu      sync.Mutex
	entries map[string]*identityEntry
	now     func() time.Time
}

// NewIdentityLimiter creates an empty limiter map.
func NewIdentityLimiter() *IdentityLimiter {
	return &IdentityLimiter{
		entries: make(map[string]*identityEntry),
		now:     time.Now,
	}
}

// Allow takes one token for the identity, creating its bucket on first use.
func (l *IdentityLimiter) Allow(identity string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.entries[identity]
	if !ok {
		if len(l.entries) >= identitySoftCap {
			l.gcLocked(now)
			if len(l.entries) >= identitySoftCap {
				// Map is saturated with live identities; fail closed.
				return false
			}
		}
		entry = &identityEntry{limiter: rate.NewLimiter(perIdentityRate, perIdentityBurst)}
		l.entries[identity] = entry
	}
	entry.lastSeen = now
	return entry.limiter.Allow()
}

// Len reports the number of tracked identities.
func (l *IdentityLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// GC drops entries idle past the TTL.
func (l *IdentityLimiter) GC() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gcLocked(l.now())
}

func (l *IdentityLimiter) gcLocked(now time.Time) {
	for identity, entry := range l.entries {
		if now.Sub(entry.lastSeen) > identityTTL {
			delete(l.entries, identity)
		}
	}
}
