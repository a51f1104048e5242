package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"foreman/internal/shared/logging"
)

// advisoryConn is a dedicated session; advisory locks are held per session.
type advisoryConn interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Release()
}

type acquireConnFunc func(ctx context.Context) (advisoryConn, error)

// AdvisoryLock is a session-level Postgres advisory lock keyed by name.
type AdvisoryLock struct {
	acquire  acquireConnFunc
	name     string
	owner    string
	interval time.Duration
	logger   logging.Logger

	mu   sync.Mutex
	conn advisoryConn
}

// NewAdvisoryLock builds a lock whose sessions come from p.
func NewAdvisoryLock(p *pgxpool.Pool, name, owner string, interval time.Duration, logger logging.Logger) *AdvisoryLock {
	return newAdvisoryLockWithAcquire(func(ctx context.Context) (advisoryConn, error) {
		conn, err := p.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, name, owner, interval, logger)
}

func newAdvisoryLockWithAcquire(acquire acquireConnFunc, name, owner string, interval time.Duration, logger logging.Logger) *AdvisoryLock {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &AdvisoryLock{
		acquire:  acquire,
		name:     name,
		owner:    owner,
		interval: interval,
		logger:   logging.OrNop(logger),
	}
}

// Name returns the lock key.
func (l *AdvisoryLock) Name() string { return l.name }

// Held reports whether this process currently holds the lock.
func (l *AdvisoryLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// TryAcquire makes one attempt. Holding the lock already counts as success.
func (l *AdvisoryLock) TryAcquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return true, nil
	}
	if l.acquire == nil {
		return false, errors.New("advisory lock has no connection source")
	}

	conn, err := l.acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire advisory session: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, l.name).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("pg_try_advisory_lock %s: %w", l.name, err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	l.conn = conn
	l.logger.Info("Advisory lock %s acquired by %s", l.name, l.owner)
	return true, nil
}

// Acquire retries TryAcquire every interval until it succeeds or ctx ends.
func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			l.logger.Warn("Advisory lock %s attempt failed: %v", l.name, err)
		}
		if ok {
			return true, nil
		}
		timer := time.NewTimer(l.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
		}
	}
}

// Release unlocks and returns the session; it is a no-op when not held.
func (l *AdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	conn := l.conn
	l.conn = nil
	defer conn.Release()

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, l.name).Scan(&ok); err != nil {
		return fmt.Errorf("pg_advisory_unlock %s: %w", l.name, err)
	}
	if !ok {
		l.logger.Warn("Advisory lock %s was not held at release", l.name)
	}
	return nil
}
