package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinoosan/balanceledger/internal/errs"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, MinDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, TTL: time.Minute}
}

func TestLocalExclusiveUntilRelease(t *testing.T) {
	ctx := context.Background()
	l := NewLocal()
	first, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "k", time.Minute)
	require.ErrorIs(t, err, ErrHeld)

	other, err := l.Acquire(ctx, "other", time.Minute)
	require.NoError(t, err, "distinct keys are independent")
	require.NoError(t, l.Release(ctx, other))

	require.NoError(t, l.Release(ctx, first))
	again, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.Token, again.Token)
}

func TestLocalExpiredLeaseIsTakenOver(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocal()
	l.now = func() time.Time { return now }
	stale, err := l.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)

	now = now.Add(11 * time.Second)
	fresh, err := l.Acquire(ctx, "k", 10*time.Second)
	require.NoError(t, err)

	// The stale holder must not release the new lease.
	require.NoError(t, l.Release(ctx, stale))
	_, err = l.Acquire(ctx, "k", 10*time.Second)
	require.ErrorIs(t, err, ErrHeld)
	require.NoError(t, l.Release(ctx, fresh))
}

func TestMutexTimesOutAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	calls := int32(0)
	locker := lockerFunc{
		acquire: func(context.Context, string, time.Duration) (*Lease, error) {
			atomic.AddInt32(&calls, 1)
			return nil, ErrHeld
		},
	}
	m := NewMutex(locker, fastPolicy(5), nil)
	_, err := m.Lock(ctx, "ledger:balances")
	require.ErrorIs(t, err, errs.ErrLockTimeout)
	assert.True(t, errs.IsRetryable(err))
	assert.EqualValues(t, 5, atomic.LoadInt32(&calls))
}

func TestMutexDoesNotRetryHardErrors(t *testing.T) {
	boom := errors.New("connection refused")
	calls := 0
	locker := lockerFunc{
		acquire: func(context.Context, string, time.Duration) (*Lease, error) {
			calls++
			return nil, boom
		},
	}
	_, err := NewMutex(locker, fastPolicy(5), nil).Lock(context.Background(), "k")
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, errs.ErrLockTimeout)
	assert.Equal(t, 1, calls)
}

func TestMutexSerializesHolders(t *testing.T) {
	m := NewMutex(NewLocal(), Policy{MaxAttempts: 200, MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, TTL: time.Minute}, nil)
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Do(context.Background(), []string{"k"}, func(context.Context) error {
				n := atomic.AddInt32(&inside, 1)
				for {
					cur := atomic.LoadInt32(&maxInside)
					if n <= cur || atomic.CompareAndSwapInt32(&maxInside, cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, maxInside)
}

func TestDoReleasesOnErrorAndMarksContext(t *testing.T) {
	ctx := context.Background()
	local := NewLocal()
	m := NewMutex(local, fastPolicy(1), nil)
	boom := errors.New("boom")
	err := m.Do(ctx, []string{"b", "a", "b"}, func(ctx context.Context) error {
		assert.True(t, Held(ctx, "a"))
		assert.True(t, Held(ctx, "b"))
		assert.False(t, Held(ctx, "c"))
		// Nested Do on a held key must not deadlock.
		return m.Do(ctx, []string{"a"}, func(context.Context) error { return boom })
	})
	require.ErrorIs(t, err, boom)
	for _, k := range []string{"a", "b"} {
		l, err := local.Acquire(ctx, k, time.Second)
		require.NoError(t, err, "key %s should be released", k)
		require.NoError(t, local.Release(ctx, l))
	}
}

func TestSortedKeys(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys([]string{"c", "a", "b", "a"}))
}

type lockerFunc struct {
	acquire func(context.Context, string, time.Duration) (*Lease, error)
}

func (f lockerFunc) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	return f.acquire(ctx, key, ttl)
}

func (lockerFunc) Release(context.Context, *Lease) error { return nil }
