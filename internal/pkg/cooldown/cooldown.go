// Package cooldown provides a keyed guard that lets exactly one caller hold a
// key for a time window. The anomaly alert engine uses it to serialise alert
// creation per (customer, alert type) across workers and processes.
package cooldown

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrGuardClosed is returned after Close.
var ErrGuardClosed = errors.New("cooldown guard is closed")

// Guard hands out time-limited keys.
type Guard interface {
	// Acquire takes key for ttl. It returns false when the key is already held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees key before its ttl expires.
	Release(ctx context.Context, key string) error
	Close() error
}

// MemoryGuard is a process-local Guard.
type MemoryGuard struct {
	mu     sync.Mutex
	held   map[string]time.Time
	now    func() time.Time
	closed bool
}

// NewMemoryGuard creates an in-process guard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{
		held: make(map[string]time.Time),
		now:  time.Now,
	}
}

func (g *MemoryGuard) Acquire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false, ErrGuardClosed
	}
	now := g.now()
	if exp, ok := g.held[key]; ok && now.Before(exp) {
		return false, nil
	}
	g.held[key] = now.Add(ttl)
	g.sweep(now)
	return true, nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return ErrGuardClosed
	}
	delete(g.held, key)
	return nil
}

func (g *MemoryGuard) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.held = nil
	return nil
}

// sweep drops expired keys. Caller holds mu.
func (g *MemoryGuard) sweep(now time.Time) {
	for k, exp := range g.held {
		if !now.Before(exp) {
			delete(g.held, k)
		}
	}
}
