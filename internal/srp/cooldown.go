package srp

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	cooldownBase = 5 * time.Second
	cooldownCap  = 5 * time.Minute
)

// newCooldownSchedule returns the failed-handshake backoff schedule: 5s
// doubling to a 5-minute cap, no jitter so retry timing is predictable for
// clients.
func newCooldownSchedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cooldownBase
	b.Multiplier = 2
	b.MaxInterval = cooldownCap
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never give up; the cap bounds each interval
	b.Reset()
	return b
}

// Cooldown applies the failure backoff for one scope (a connection or an
// identity).
type Cooldown struct {
	mu       sync.Mutex
	schedule *backoff.ExponentialBackOff
	until    time.Time
	now      func() time.Time
}

// NewCooldown returns an idle cooldown.
func NewCooldown() *Cooldown {
	return &Cooldown{schedule: newCooldownSchedule(), now: time.Now}
}

// Remaining reports how long until the scope may try again; zero means it may
// try now.
func (c *Cooldown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.until.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}

// Failure registers a failed proof and extends the cooldown.
func (c *Cooldown) Failure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until = c.now().Add(c.schedule.NextBackOff())
}

// Success clears the cooldown and resets the schedule to its base interval.
func (c *Cooldown) Success() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.schedule.Reset()
	c.until = time.Time{}
}

// CooldownSet keys cooldowns by identity.
type CooldownSet struct {
	mu        sync.Mutex
	cooldowns map[string]*Cooldown
}

// NewCooldownSet creates an empty set.
func NewCooldownSet() *CooldownSet {
	return &CooldownSet{cooldowns: make(map[string]*Cooldown)}
}

// Get returns the cooldown for a key, creating it on first use.
func (s *CooldownSet) Get(key string) *Cooldown {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cooldowns[key]
	if !ok {
		c = NewCooldown()
		s.cooldowns[key] = c
	}
	return c
}
