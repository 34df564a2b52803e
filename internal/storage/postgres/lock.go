package postgres

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tinoosan/balanceledger/internal/lock"
)

// AdvisoryLocker implements lock.Locker with session advisory locks, so every node sharing the
// database serializes on the same key. Each lease pins one connection of the store's lock pool
// until released; a lease that outlives its TTL is released by a timer. With every lock
// connection pinned, Acquire reports the key as held after lockConnWait.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
	s    *Store

	mu   sync.Mutex
	held map[string]*advisoryLease
}

type advisoryLease struct {
	conn  *pgxpool.Conn
	key   string
	timer *time.Timer
}

// lockConnWait bounds the wait for a free lock-pool connection.
const lockConnWait = time.Second

// Locker returns an advisory locker on the store's lock pool.
func (s *Store) Locker() *AdvisoryLocker {
	return &AdvisoryLocker{pool: s.locks, s: s, held: map[string]*advisoryLease{}}
}

func (l *AdvisoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (*lock.Lease, error) {
	wctx, cancel := context.WithTimeout(ctx, lockConnWait)
	conn, err := l.pool.Acquire(wctx)
	cancel()
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			l.s.log.Warn("advisory lock pool exhausted", "key", key, "max_conns", l.pool.Config().MaxConns)
			return nil, lock.ErrHeld
		}
		return nil, err
	}
	var ok bool
	if err := conn.QueryRow(ctx, `select pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, err
	}
	if !ok {
		conn.Release()
		return nil, lock.ErrHeld
	}
	lease := &lock.Lease{Key: key, Token: uuid.NewString(), Expires: time.Now().Add(ttl)}
	al := &advisoryLease{conn: conn, key: key}
	l.mu.Lock()
	l.held[lease.Token] = al
	l.mu.Unlock()
	token := lease.Token
	al.timer = time.AfterFunc(ttl, func() {
		l.s.log.Warn("advisory lock lease expired", "key", key)
		_ = l.release(context.Background(), token)
	})
	return lease, nil
}

func (l *AdvisoryLocker) Release(ctx context.Context, lease *lock.Lease) error {
	if lease == nil { return nil }
	return l.release(ctx, lease.Token)
}

func (l *AdvisoryLocker) release(ctx context.Context, token string) error {
	l.mu.Lock()
	al, ok := l.held[token]
	delete(l.held, token)
	l.mu.Unlock()
	if !ok { return nil }
	if al.timer != nil { al.timer.Stop() }
	var unlocked bool
	err := al.conn.QueryRow(ctx, `select pg_advisory_unlock(hashtext($1))`, al.key).Scan(&unlocked)
	if err != nil || !unlocked {
		// The session may still hold the lock; drop the connection so the server frees it.
		_ = al.conn.Conn().Close(ctx)
	}
	al.conn.Release()
	return err
}
