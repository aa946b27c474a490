// Package secrets resolves credential references such as env:NAME,
// file:/path or awssm:secret-id into their values.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/remote"
)

// Provider fetches secret values by key.
type Provider interface {
	Name() string
	Get(ctx context.Context, key string) (string, error)
}

// Manager routes references to providers and caches what they return.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
	priority  []string
	cache     *secretCache
}

// NewManager creates a manager with no providers.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		priority:  []string{},
		cache:     newSecretCache(),
	}
}

// DefaultManager registers the env and file providers, and an AWS Secrets
// Manager provider that loads its configuration on first use.
func DefaultManager() *Manager {
	m := NewManager()
	m.RegisterProvider(NewEnvProvider())
	m.RegisterProvider(NewFileProvider())
	m.RegisterProvider(NewLazyAWSProvider(AWSOptions{}))
	return m
}

// RegisterProvider adds p, appending it to the lookup priority.
func (m *Manager) RegisterProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.providers[p.Name()]; !exists {
		m.priority = append(m.priority, p.Name())
	}
	m.providers[p.Name()] = p
}

// SetPriority replaces the order in which Get consults providers.
func (m *Manager) SetPriority(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.priority = append([]string(nil), names...)
}

// Get looks key up in each provider by priority and returns the first hit.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	if v, ok := m.cache.get(key); ok {
		return v, nil
	}

	m.mu.RLock()
	order := append([]string(nil), m.priority...)
	m.mu.RUnlock()

	for _, name := range order {
		v, err := m.GetFromProvider(ctx, name, key)
		if err == nil {
			m.cache.set(key, v)
			return v, nil
		}
	}
	return "", errors.New(errors.ErrCodeSecret, fmt.Sprintf("secret %q not found in any provider", key))
}

// GetFromProvider asks one named provider for key.
func (m *Manager) GetFromProvider(ctx context.Context, provider, key string) (string, error) {
	cacheKey := provider + ":" + key
	if v, ok := m.cache.get(cacheKey); ok {
		return v, nil
	}

	m.mu.RLock()
	p, ok := m.providers[provider]
	m.mu.RUnlock()
	if !ok {
		return "", errors.New(errors.ErrCodeSecret, fmt.Sprintf("unknown secret provider %q", provider))
	}

	v, err := p.Get(ctx, key)
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeSecret, fmt.Sprintf("%s secret %q", provider, key), err)
	}
	m.cache.set(cacheKey, v)
	return v, nil
}

// Resolve returns the value behind ref. A ref whose prefix names a registered
// provider ("env:SA_PASSWORD") is fetched from it; anything else is a literal.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	provider, key, ok := m.split(ref)
	if !ok {
		return ref, nil
	}
	return m.GetFromProvider(ctx, provider, key)
}

// IsReference reports whether ref would be fetched rather than used verbatim.
func (m *Manager) IsReference(ref string) bool {
	_, _, ok := m.split(ref)
	return ok
}

// ResolveCredential builds a credential from a username and a password
// reference. A secret holding a JSON object with "password" (and optionally
// "username") fills both fields; an explicit username wins.
func (m *Manager) ResolveCredential(ctx context.Context, username, passwordRef string) (*remote.Credential, error) {
	if username == "" && passwordRef == "" {
		return nil, nil
	}

	value, err := m.Resolve(ctx, passwordRef)
	if err != nil {
		return nil, err
	}

	cred := &remote.Credential{Username: username, Password: value}
	if m.IsReference(passwordRef) {
		var doc struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if strings.HasPrefix(strings.TrimSpace(value), "{") && json.Unmarshal([]byte(value), &doc) == nil && doc.Password != "" {
			cred.Password = doc.Password
			if cred.Username == "" {
				cred.Username = doc.Username
			}
		}
	}

	if cred.Username == "" {
		return nil, errors.ValidationError("credential has a password but no username", nil)
	}
	return cred, nil
}

// ClearCache forgets every cached value.
func (m *Manager) ClearCache() {
	m.cache.clear()
}

func (m *Manager) split(ref string) (provider, key string, ok bool) {
	provider, key, found := strings.Cut(ref, ":")
	if !found || key == "" {
		return "", "", false
	}
	m.mu.RLock()
	_, ok = m.providers[provider]
	m.mu.RUnlock()
	return provider, key, ok
}

type secretCache struct {
	mu     sync.RWMutex
	values map[string]string
}

func newSecretCache() *secretCache {
	return &secretCache{values: make(map[string]string)}
}

func (c *secretCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *secretCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *secretCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values = make(map[string]string)
}
