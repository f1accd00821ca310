// Package lock provides the lease that keeps two update runs from
// overlapping, in one process or across several.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrLocked is returned when the lease is held by someone else.
var ErrLocked = errors.New("lock is held by another owner")

// Lease is a held lock. Release is safe to call more than once.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker hands out leases on named keys.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

func newToken() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Local is an in-process Locker.
type Local struct {
	mu   sync.Mutex
	held map[string]localEntry
}

type localEntry struct {
	token   string
	expires time.Time
}

func NewLocal() *Local {
	return &Local{held: make(map[string]localEntry)}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if e, ok := l.held[key]; ok && (e.expires.IsZero() || now.Before(e.expires)) {
		return nil, ErrLocked
	}
	e := localEntry{token: newToken()}
	if ttl > 0 {
		e.expires = now.Add(ttl)
	}
	l.held[key] = e
	return &localLease{owner: l, key: key, token: e.token}, nil
}

type localLease struct {
	owner *Local
	key   string
	token string
}

func (ll *localLease) Release(context.Context) error {
	ll.owner.mu.Lock()
	defer ll.owner.mu.Unlock()
	if e, ok := ll.owner.held[ll.key]; ok && e.token == ll.token {
		delete(ll.owner.held, ll.key)
	}
	return nil
}
