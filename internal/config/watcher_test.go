package config

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, "scaling:\n  max_workers: 4\n")

	w, err := NewWatcher(path, WithWatchDebounce(20*time.Millisecond), WithLoadOptions(WithEnv(envMap(nil))))
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []int
	w.OnReload(func(cfg Config, _ Metadata) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, cfg.Scaling.MaxWorkers)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(path, []byte("scaling:\n  max_workers: 8\n"), 0o600))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == 8
	}, 3*time.Second, 20*time.Millisecond)

	mu.Lock()
	before := len(seen)
	mu.Unlock()
	require.NoError(t, os.WriteFile(path, []byte("scaling:\n  min_workers: 9\n  max_workers: 2\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, before, len(seen), "invalid config must not reach subscribers")
	mu.Unlock()

	w.Stop()
	w.Stop()
}

func TestWatcherReloadReturnsValidationError(t *testing.T) {
	path := writeConfig(t, "recovery:\n  max_retries: 0\n")
	w, err := NewWatcher(path, WithLoadOptions(WithEnv(envMap(nil))))
	require.NoError(t, err)

	called := false
	w.OnReload(func(Config, Metadata) { called = true })
	require.ErrorIs(t, w.Reload(), ErrInvalid)
	assert.False(t, called)
}

func TestNewWatcherRequiresPath(t *testing.T) {
	_, err := NewWatcher("  ")
	assert.Error(t, err)
}
