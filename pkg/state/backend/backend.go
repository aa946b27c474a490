// Package backend defines the storage interface behind the run store and a
// registry of named implementations.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned by Read when nothing is stored at a path.
	ErrNotFound = errors.New("state not found")
	// ErrLocked is wrapped by LockError when a path is already locked.
	ErrLocked = errors.New("state is locked")
)

// DefaultLockTTL is how long a lock is honored before it is considered
// abandoned and may be taken over.
const DefaultLockTTL = 2 * time.Hour

// Backend stores opaque blobs by slash-separated path.
type Backend interface {
	Type() string
	Read(ctx context.Context, path string) (io.ReadCloser, error)
	Write(ctx context.Context, path string, data io.Reader) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
	Lock(ctx context.Context, path string, info LockInfo) (Lock, error)
}

// Lock is a held lock.
type Lock interface {
	ID() string
	Unlock(ctx context.Context) error
	Info() LockInfo
}

// LockInfo describes who holds a lock and why.
type LockInfo struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Who       string    `json:"who"`
	Operation string    `json:"operation"`
	RunID     string    `json:"run_id,omitempty"`
	Created   time.Time `json:"created"`
}

// Stale reports whether the lock is older than ttl.
func (i LockInfo) Stale(ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return time.Since(i.Created) >= ttl
}

// LockError is returned when a lock is held by someone else.
type LockError struct {
	Info LockInfo
	Err  error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("%v: %s held by %s since %s (%s)",
		e.Err, e.Info.Path, e.Info.Who, e.Info.Created.Format(time.RFC3339), e.Info.Operation)
}

func (e *LockError) Unwrap() error { return e.Err }

// Config selects and configures a backend.
type Config struct {
	Type   string            `json:"type" yaml:"type"`
	Config map[string]string `json:"config,omitempty" yaml:"config,omitempty"`
}

// Factory creates a backend from its configuration map.
type Factory func(config map[string]string) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available by name. Backends call this from init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Create builds the backend named in config.
func Create(config Config) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[config.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown state backend %q (available: %s)", config.Type, strings.Join(Types(), ", "))
	}
	cfg := config.Config
	if cfg == nil {
		cfg = map[string]string{}
	}
	return factory(cfg)
}

// Types lists registered backend names.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LockTTL reads the lock_ttl option, falling back to DefaultLockTTL.
func LockTTL(config map[string]string) (time.Duration, error) {
	raw := config["lock_ttl"]
	if raw == "" {
		return DefaultLockTTL, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl <= 0 {
		return 0, fmt.Errorf("invalid lock_ttl %q", raw)
	}
	return ttl, nil
}

// JoinKey prefixes an object key. An empty prefix leaves p unchanged.
func JoinKey(prefix, p string) string {
	if prefix == "" {
		return p
	}
	return path.Join(prefix, p)
}

// TrimKey strips prefix from an object name returned by a listing.
func TrimKey(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return strings.TrimPrefix(name, strings.TrimSuffix(prefix, "/")+"/")
}

// LockKey is the object key used to lock p.
func LockKey(p string) string {
	return p + ".lock"
}
