// Package lease serializes conflicting content operations (ship vs
// purge) on the same artifact with short-lived exclusive leases.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/depotgate/depotgate/pkg/contracts"
)

// Guard grants exclusive, TTL-bounded leases by key. Acquire returns a
// release func on success and contracts.ErrLeaseHeld when another holder
// has the key.
type Guard interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Local is an in-process Guard. It serializes ship and purge within one
// process; cross-process exclusion needs the Redis guard.
type Local struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewLocal returns an in-process guard.
func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time), clock: time.Now}
}

// WithClock overrides the clock for testing.
func (l *Local) WithClock(clock func() time.Time) *Local {
	l.clock = clock
	return l
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if expiry, ok := l.held[key]; ok && now.Before(expiry) {
		return nil, contracts.ErrLeaseHeld
	}
	l.held[key] = now.Add(ttl)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}
