package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, path, addr string) {
	t.Helper()
	content := "server:\n  addr: \"" + addr + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treeline.yaml")
	writeConfigFile(t, path, ":8080")

	var mu sync.Mutex
	var reloaded []*Config

	watcher, err := NewWatcher(path, func(cfg *Config) {
		mu.Lock()
		reloaded = append(reloaded, cfg)
		mu.Unlock()
	}, WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, watcher.Start(context.Background()))
	defer func() { _ = watcher.Stop() }()

	require.NotNil(t, watcher.LastConfig())
	assert.Equal(t, ":8080", watcher.LastConfig().Server.Addr)

	writeConfigFile(t, path, ":9090")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloaded) > 0
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	last := reloaded[len(reloaded)-1]
	mu.Unlock()
	assert.Equal(t, ":9090", last.Server.Addr)
	assert.Equal(t, ":9090", watcher.LastConfig().Server.Addr)
}

func TestWatcher_InvalidReloadKeepsLastConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "treeline.yaml")
	writeConfigFile(t, path, ":8080")

	var mu sync.Mutex
	var callbacks int
	var reloadErrs []error

	watcher, err := NewWatcher(path,
		func(*Config) {
			mu.Lock()
			callbacks++
			mu.Unlock()
		},
		WithDebounceDelay(20*time.Millisecond),
		WithErrorCallback(func(err error) {
			mu.Lock()
			reloadErrs = append(reloadErrs, err)
			mu.Unlock()
		}),
	)
	require.NoError(t, err)

	require.NoError(t, watcher.Start(context.Background()))
	defer func() { _ = watcher.Stop() }()

	// An empty addr fails validation; the watcher must keep serving
	// the previous config and report the error instead.
	writeConfigFile(t, path, "")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reloadErrs) > 0
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	gotCallbacks := callbacks
	mu.Unlock()
	assert.Zero(t, gotCallbacks)
	assert.Equal(t, ":8080", watcher.LastConfig().Server.Addr)
}

func TestWatcher_StartFailsOnMissingFile(t *testing.T) {
	t.Parallel()

	watcher, err := NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)

	assert.Error(t, watcher.Start(context.Background()))
}

func TestWatcher_StopAfterFailedStartReturns(t *testing.T) {
	t.Parallel()

	watcher, err := NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.NoError(t, err)
	require.Error(t, watcher.Start(context.Background()))

	stopped := make(chan error, 1)
	go func() { stopped <- watcher.Stop() }()

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after a failed Start")
	}
}

func TestWatcher_StartRetriesAfterFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "treeline.yaml")

	watcher, err := NewWatcher(path, nil)
	require.NoError(t, err)
	require.Error(t, watcher.Start(context.Background()))

	writeConfigFile(t, path, ":8080")
	require.NoError(t, watcher.Start(context.Background()))
	assert.Equal(t, ":8080", watcher.LastConfig().Server.Addr)

	assert.NoError(t, watcher.Stop())
}

func TestWatcher_StopIsIdempotentBeforeStart(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "treeline.yaml")
	writeConfigFile(t, path, ":8080")

	watcher, err := NewWatcher(path, nil)
	require.NoError(t, err)

	assert.NoError(t, watcher.Stop())
}
