package trigger

import (
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagConsumed(t *testing.T) {
	var f Flag
	ok, err := f.Triggered()
	require.NoError(t, err)
	assert.False(t, ok)

	f.Set()
	ok, _ = f.Triggered()
	assert.True(t, ok)
	ok, _ = f.Triggered()
	assert.False(t, ok, "flag should be consumed by the first poll")

	f.Set()
	f.Reset()
	ok, _ = f.Triggered()
	assert.False(t, ok)
}

func TestAnyPollsEverySource(t *testing.T) {
	var a, b Flag
	a.Set()
	b.Set()
	boom := errors.New("boom")
	failing := Func(func() (bool, error) { return false, boom })

	src := Any(&a, failing, &b)
	ok, err := src.Triggered()
	assert.True(t, ok)
	assert.ErrorIs(t, err, boom)

	// Both flags were drained by the first poll.
	ok, _ = a.Triggered()
	assert.False(t, ok)
	ok, _ = b.Triggered()
	assert.False(t, ok)
}

func TestSignal(t *testing.T) {
	s := NotifySignal(syscall.SIGUSR1)
	defer s.Close()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	require.Eventually(t, func() bool {
		ok, _ := s.Triggered()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "abort")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	f, err := WatchFile(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "stale abort file should be removed")

	ok, err := f.Triggered()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("abort\n"), 0o644))
	require.Eventually(t, func() bool {
		ok, _ := f.Triggered()
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	_, err = os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "abort file should be removed once consumed")
}
