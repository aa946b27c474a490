package backend

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopBackend struct{ cfg map[string]string }

func (nopBackend) Type() string { return "nop" }
func (nopBackend) Read(context.Context, string) (io.ReadCloser, error) {
	return nil, ErrNotFound
}
func (nopBackend) Write(context.Context, string, io.Reader) error { return nil }
func (nopBackend) Delete(context.Context, string) error { return nil }
func (nopBackend) List(context.Context, string) ([]string, error) { return nil, nil }
func (nopBackend) Exists(context.Context, string) (bool, error) { return false, nil }
func (nopBackend) Lock(context.Context, string, LockInfo) (Lock, error) { return nil, nil }

func TestRegistry(t *testing.T) {
	Register("nop", func(cfg map[string]string) (Backend, error) { return nopBackend{cfg: cfg}, nil })

	b, err := Create(Config{Type: "nop"})
	require.NoError(t, err)
	assert.Equal(t, "nop", b.Type())
	assert.NotNil(t, b.(nopBackend).cfg)
	assert.Contains(t, Types(), "nop")

	_, err = Create(Config{Type: "floppy"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floppy")
}

func TestLockError(t *testing.T) {
	err := &LockError{
		Info: LockInfo{Path: "hosts/sql01", Who: "alice@build01", Operation: "install", Created: time.Now()},
		Err:  ErrLocked,
	}
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Contains(t, err.Error(), "alice@build01")
	assert.Contains(t, err.Error(), "hosts/sql01")
}

func TestLockInfo_Stale(t *testing.T) {
	fresh := LockInfo{Created: time.Now()}
	old := LockInfo{Created: time.Now().Add(-3 * time.Hour)}

	assert.False(t, fresh.Stale(0))
	assert.True(t, old.Stale(0))
	assert.False(t, old.Stale(4*time.Hour))
}

func TestLockTTL(t *testing.T) {
	ttl, err := LockTTL(map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, DefaultLockTTL, ttl)

	ttl, err = LockTTL(map[string]string{"lock_ttl": "15m"})
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, ttl)

	_, err = LockTTL(map[string]string{"lock_ttl": "soon"})
	assert.Error(t, err)
	_, err = LockTTL(map[string]string{"lock_ttl": "-1m"})
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "runs/a.json", JoinKey("", "runs/a.json"))
	assert.Equal(t, "team/instctl/runs/a.json", JoinKey("team/instctl", "runs/a.json"))
	assert.Equal(t, "runs/a.json", TrimKey("team/instctl/", "team/instctl/runs/a.json"))
	assert.Equal(t, "runs/a.json", TrimKey("", "runs/a.json"))
	assert.Equal(t, "hosts/sql01.lock", LockKey("hosts/sql01"))
}
