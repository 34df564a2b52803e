// Package lock serializes balance mutations behind named leases.
//
// A Locker makes a single acquisition attempt. Mutex layers bounded, jittered exponential backoff on
// top and turns exhaustion into errs.ErrLockTimeout.
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrHeld is returned by Locker.Acquire when another holder owns the key.
var ErrHeld = errors.New("lock held")

// Lease is proof of ownership of a key until Expires.
type Lease struct {
	Key     string
	Token   string
	Expires time.Time
}

// Locker acquires and releases named leases without retrying.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error)
	Release(ctx context.Context, l *Lease) error
}

// Local is an in-process Locker for single-node deployments. Expired leases can be taken over.
type Local struct {
	mu   sync.Mutex
	held map[string]Lease
	now  func() time.Time
}

// NewLocal returns an empty in-process locker.
func NewLocal() *Local {
	return &Local{held: map[string]Lease{}, now: time.Now}
}

func (l *Local) Acquire(_ context.Context, key string, ttl time.Duration) (*Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.held[key]; ok && now.Before(cur.Expires) {
		return nil, ErrHeld
	}
	lease := Lease{Key: key, Token: uuid.NewString(), Expires: now.Add(ttl)}
	l.held[key] = lease
	return &lease, nil
}

// Release drops the lease if it is still the current holder. Releasing a lease that expired and was
// taken over is a no-op.
func (l *Local) Release(_ context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[lease.Key]; ok && cur.Token == lease.Token {
		delete(l.held, lease.Key)
	}
	return nil
}

type heldKey struct{}

// WithHeld records in ctx that the caller owns the given leases, so nested work under the same keys
// does not try to lock again.
func WithHeld(ctx context.Context, leases ...*Lease) context.Context {
	prev, _ := ctx.Value(heldKey{}).(map[string]struct{})
	next := make(map[string]struct{}, len(prev)+len(leases))
	for k := range prev {
		next[k] = struct{}{}
	}
	for _, l := range leases {
		if l != nil {
			next[l.Key] = struct{}{}
		}
	}
	return context.WithValue(ctx, heldKey{}, next)
}

// Held reports whether ctx carries a lease for key.
func Held(ctx context.Context, key string) bool {
	m, _ := ctx.Value(heldKey{}).(map[string]struct{})
	_, ok := m[key]
	return ok
}

// SortedKeys dedups keys and orders them so every caller acquires in the same order.
func SortedKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
