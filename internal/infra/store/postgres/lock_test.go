package postgres

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	scanFn func(dest ...any) error
}

func (r *fakeRow) Scan(dest ...any) error {
	if r.scanFn == nil {
		return nil
	}
	return r.scanFn(dest...)
}

type fakeConn struct {
	mu           sync.Mutex
	tryLockOK    bool
	tryLockErr   error
	unlockOK     bool
	releaseCalls int
	tryLockCalls int
	unlockCalls  int
}

func (c *fakeConn) QueryRow(_ context.Context, sql string, _ ...any) pgx.Row {
	switch {
	case strings.Contains(sql, "pg_try_advisory_lock"):
		return &fakeRow{scanFn: func(dest ...any) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.tryLockCalls++
			if c.tryLockErr != nil {
				return c.tryLockErr
			}
			*(dest[0].(*bool)) = c.tryLockOK
			return nil
		}}
	case strings.Contains(sql, "pg_advisory_unlock"):
		return &fakeRow{scanFn: func(dest ...any) error {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.unlockCalls++
			*(dest[0].(*bool)) = c.unlockOK
			return nil
		}}
	default:
		return &fakeRow{scanFn: func(_ ...any) error { return errors.New("unexpected query") }}
	}
}

func (c *fakeConn) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}

func (c *fakeConn) Release() {
	c.mu.Lock()
	c.releaseCalls++
	c.mu.Unlock()
}

func TestAdvisoryLockAcquireAndRelease(t *testing.T) {
	conn := &fakeConn{tryLockOK: true, unlockOK: true}
	lock := newAdvisoryLockWithAcquire(
		func(context.Context) (advisoryConn, error) { return conn, nil },
		"foreman-autoscaler", "replica-a", time.Millisecond, nil,
	)

	ok, err := lock.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, lock.Held())

	// Holding already counts as success without another round trip.
	ok, err = lock.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, lock.Release(context.Background()))
	assert.False(t, lock.Held())

	conn.mu.Lock()
	defer conn.mu.Unlock()
	assert.Equal(t, 1, conn.tryLockCalls)
	assert.Equal(t, 1, conn.unlockCalls)
	assert.Equal(t, 1, conn.releaseCalls)
}

func TestAdvisoryLockContendedReleasesSession(t *testing.T) {
	conn := &fakeConn{tryLockOK: false}
	lock := newAdvisoryLockWithAcquire(
		func(context.Context) (advisoryConn, error) { return conn, nil },
		"foreman-autoscaler", "replica-b", time.Millisecond, nil,
	)

	ok, err := lock.TryAcquire(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, lock.Held())
	assert.Equal(t, 1, conn.releaseCalls)
}

func TestAdvisoryLockAcquireRetriesUntilSuccess(t *testing.T) {
	first := &fakeConn{tryLockOK: false}
	second := &fakeConn{tryLockOK: true, unlockOK: true}
	calls := 0
	lock := newAdvisoryLockWithAcquire(
		func(context.Context) (advisoryConn, error) {
			calls++
			if calls == 1 {
				return first, nil
			}
			return second, nil
		},
		"foreman-autoscaler", "replica-a", 2*time.Millisecond, nil,
	)

	ok, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, lock.Release(context.Background()))
	assert.GreaterOrEqual(t, calls, 2)
	assert.Equal(t, 1, first.releaseCalls)
}

func TestAdvisoryLockAcquireHonoursContext(t *testing.T) {
	conn := &fakeConn{tryLockOK: false}
	lock := newAdvisoryLockWithAcquire(
		func(context.Context) (advisoryConn, error) { return conn, nil },
		"foreman-autoscaler", "replica-a", 30*time.Millisecond, nil,
	)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	ok, err := lock.Acquire(ctx)
	assert.Error(t, err)
	assert.False(t, ok)
}

func TestAdvisoryLockReleaseWithoutAcquireIsNoop(t *testing.T) {
	lock := newAdvisoryLockWithAcquire(
		func(context.Context) (advisoryConn, error) { return nil, errors.New("should not be called") },
		"", "", time.Millisecond, nil,
	)
	assert.NoError(t, lock.Release(context.Background()))
}
