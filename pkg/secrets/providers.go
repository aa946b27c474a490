package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
)

// EnvProvider reads secrets from environment variables.
type EnvProvider struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvProvider creates an env provider reading variables verbatim.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// NewEnvProviderWithPrefix creates an env provider that prepends prefix to
// every key.
func NewEnvProviderWithPrefix(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix, lookup: os.LookupEnv}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Get(ctx context.Context, key string) (string, error) {
	name := p.prefix + key
	v, ok := p.lookup(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return v, nil
}

// FileProvider reads a secret from the file named by the key. A single
// trailing newline is dropped.
type FileProvider struct {
	readFile func(string) ([]byte, error)
}

// NewFileProvider creates a file provider.
func NewFileProvider() *FileProvider {
	return &FileProvider{readFile: os.ReadFile}
}

func (p *FileProvider) Name() string { return "file" }

func (p *FileProvider) Get(ctx context.Context, key string) (string, error) {
	data, err := p.readFile(key)
	if err != nil {
		return "", err
	}
	v := strings.TrimSuffix(string(data), "\n")
	return strings.TrimSuffix(v, "\r"), nil
}

// StaticProvider serves secrets from an in-memory map.
type StaticProvider struct {
	mu      sync.RWMutex
	secrets map[string]string
}

// NewStaticProvider creates a provider over a copy of secrets.
func NewStaticProvider(secrets map[string]string) *StaticProvider {
	copied := make(map[string]string, len(secrets))
	for k, v := range secrets {
		copied[k] = v
	}
	return &StaticProvider{secrets: copied}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Get(ctx context.Context, key string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.secrets[key]
	if !ok {
		return "", fmt.Errorf("secret %q not found", key)
	}
	return v, nil
}

// Set stores a value.
func (p *StaticProvider) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.secrets[key] = value
}
