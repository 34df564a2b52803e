package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tinoosan/balanceledger/internal/errs"
)

var (
	acquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "lock_acquisitions_total",
		Help:      "Balance lock acquisition outcomes.",
	}, []string{"result"})
	waitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ledger",
		Name:      "lock_wait_seconds",
		Help:      "Time spent waiting for the balance lock.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})
)

// Policy bounds how long Mutex keeps trying.
type Policy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	// TTL is the lease length requested on each attempt.
	TTL time.Duration
}

// DefaultPolicy: 5 attempts, 1s..10s jittered delays, 30s leases.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, MinDelay: time.Second, MaxDelay: 10 * time.Second, TTL: 30 * time.Second}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.MinDelay <= 0 {
		p.MinDelay = d.MinDelay
	}
	if p.MaxDelay < p.MinDelay {
		p.MaxDelay = p.MinDelay
	}
	if p.TTL <= 0 {
		p.TTL = d.TTL
	}
	return p
}

// Mutex retries a Locker with exponential backoff and jitter.
type Mutex struct {
	locker Locker
	policy Policy
	log    *slog.Logger
}

// NewMutex wraps locker. A nil logger falls back to slog.Default().
func NewMutex(locker Locker, policy Policy, logger *slog.Logger) *Mutex {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mutex{locker: locker, policy: policy.normalized(), log: logger}
}

// Policy returns the effective retry policy.
func (m *Mutex) Policy() Policy { return m.policy }

// Lock acquires key or fails with errs.ErrLockTimeout once the attempts are spent.
func (m *Mutex) Lock(ctx context.Context, key string) (*Lease, error) {
	start := time.Now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.policy.MinDelay
	b.MaxInterval = m.policy.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()

	var lease *Lease
	attempts := 0
	op := func() error {
		attempts++
		l, err := m.locker.Acquire(ctx, key, m.policy.TTL)
		if errors.Is(err, ErrHeld) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		lease = l
		return nil
	}
	notify := func(err error, next time.Duration) {
		m.log.Debug("lock busy, backing off", "key", key, "attempt", attempts, "next_delay", next.String())
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.policy.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, policy, notify)
	waitSeconds.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		acquisitions.WithLabelValues("acquired").Inc()
		m.log.Debug("lock acquired", "key", key, "attempts", attempts, "wait", time.Since(start).String())
		return lease, nil
	case errors.Is(err, ErrHeld):
		acquisitions.WithLabelValues("timeout").Inc()
		m.log.Warn("lock acquisition timed out", "key", key, "attempts", attempts)
		return nil, fmt.Errorf("%w: %s after %d attempts", errs.ErrLockTimeout, key, attempts)
	default:
		acquisitions.WithLabelValues("error").Inc()
		m.log.Error("lock acquisition failed", "key", key, "err", err)
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
}

// Unlock releases the lease even when ctx has already been cancelled.
func (m *Mutex) Unlock(ctx context.Context, lease *Lease) {
	if lease == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.locker.Release(rctx, lease); err != nil {
		m.log.Error("lock release failed", "key", lease.Key, "err", err)
		return
	}
	m.log.Debug("lock released", "key", lease.Key)
}

// Do runs fn while holding every key, acquired in sorted order. Keys already held in ctx are skipped.
func (m *Mutex) Do(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	var leases []*Lease
	defer func() {
		for i := len(leases) - 1; i >= 0; i-- {
			m.Unlock(ctx, leases[i])
		}
	}()
	for _, k := range SortedKeys(keys) {
		if Held(ctx, k) {
			continue
		}
		l, err := m.Lock(ctx, k)
		if err != nil {
			return err
		}
		leases = append(leases, l)
	}
	return fn(WithHeld(ctx, leases...))
}
