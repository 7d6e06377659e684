package security

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	rl := newRateLimiter(10, 5, clock.Now)

	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow(), "burst operation %d", i)
	}
	assert.False(t, rl.Allow(), "bucket empty after burst")

	clock.Advance(100 * time.Millisecond)
	assert.True(t, rl.Allow(), "one token after a tenth of a second")
	assert.False(t, rl.Allow())

	clock.Advance(time.Hour)
	for i := 0; i < 5; i++ {
		assert.True(t, rl.Allow())
	}
	assert.False(t, rl.Allow(), "refill is capped at burst")
}

func TestRateLimiterBlock(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	rl := newRateLimiter(10, 5, clock.Now)

	rl.Block(time.Second)
	rl.Block(10 * time.Millisecond)
	clock.Advance(500 * time.Millisecond)
	assert.False(t, rl.Allow(), "a shorter block does not shorten the current one")

	clock.Advance(600 * time.Millisecond)
	assert.True(t, rl.Allow())

	rl.Block(time.Minute)
	rl.Reset()
	assert.True(t, rl.Allow(), "reset lifts the block")
}

func TestEnsurePrivateDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "keyrelay")
	require.NoError(t, EnsurePrivateDir(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	require.NoError(t, VerifyMode(path, PermPrivateDir))

	require.NoError(t, EnsurePrivateDir(path), "existing private dir is accepted")

	file := filepath.Join(path, "f")
	require.NoError(t, os.WriteFile(file, nil, PermPrivateFile))
	assert.Error(t, EnsurePrivateDir(file))
}

func TestEnsurePrivateDirRefusesSharedDir(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix permissions")
	}
	shared := filepath.Join(t.TempDir(), "shared")
	require.NoError(t, os.Mkdir(shared, 0700))
	require.NoError(t, os.Chmod(shared, 0777))
	assert.ErrorIs(t, EnsurePrivateDir(shared), ErrInsecurePermissions)

	require.NoError(t, os.Chmod(shared, 0777|os.ModeSticky))
	assert.NoError(t, EnsurePrivateDir(shared), "sticky dirs like /tmp are fine")
}

func TestVerifyMode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no unix permissions")
	}
	path := filepath.Join(t.TempDir(), "pid")
	require.NoError(t, os.WriteFile(path, nil, 0600))
	require.NoError(t, os.Chmod(path, 0644))

	assert.ErrorIs(t, VerifyMode(path, PermPrivateFile), ErrInsecurePermissions)
	require.NoError(t, os.Chmod(path, 0600))
	assert.NoError(t, VerifyMode(path, PermPrivateFile))
}
