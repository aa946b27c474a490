package cli

import (
	"os"
	"strings"

	"github.com/davidthor/instctl/pkg/state"
	"github.com/davidthor/instctl/pkg/state/backend"
)

// Environment variable names for state backend configuration.
const (
	// EnvStateBackend sets the state backend type (local, s3, gcs, azurerm).
	EnvStateBackend = "INSTCTL_STATE_BACKEND"

	// EnvStatePrefix is the prefix for backend-specific config environment variables.
	// For example, INSTCTL_STATE_PATH sets the "path" config for the local backend,
	// INSTCTL_STATE_BUCKET sets the "bucket" config for S3/GCS backends.
	EnvStatePrefix = "INSTCTL_STATE_"
)

// createStateManagerWithConfig creates a state manager with the given backend type and config.
//
// Configuration precedence (highest to lowest):
//  1. CLI flags (--backend, --backend-config)
//  2. Environment variables (INSTCTL_STATE_BACKEND, INSTCTL_STATE_*)
//  3. Hardcoded defaults (local backend with ~/.instctl/state)
func createStateManagerWithConfig(backendType string, backendConfig []string) (state.Manager, error) {
	return state.NewManagerFromConfig(stateBackendConfig(backendType, backendConfig, os.Environ()))
}

func stateBackendConfig(backendType string, backendConfig []string, environ []string) backend.Config {
	effectiveBackend := "local"
	effectiveConfig := make(map[string]string)

	for _, env := range environ {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, EnvStatePrefix) {
			continue
		}
		if name == EnvStateBackend {
			if value != "" {
				effectiveBackend = value
			}
			continue
		}
		// INSTCTL_STATE_PATH becomes "path", INSTCTL_STATE_BUCKET "bucket".
		effectiveConfig[strings.ToLower(strings.TrimPrefix(name, EnvStatePrefix))] = value
	}

	if backendType != "" {
		effectiveBackend = backendType
	}
	for _, c := range backendConfig {
		if k, v, ok := strings.Cut(c, "="); ok {
			effectiveConfig[k] = v
		}
	}

	return backend.Config{
		Type:   effectiveBackend,
		Config: effectiveConfig,
	}
}
