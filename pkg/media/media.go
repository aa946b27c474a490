// Package media locates the setup bootstrapper under one or more media roots.
package media

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/remote"
	"github.com/davidthor/instctl/pkg/version"
)

// File is an executable and its product metadata.
type File = remote.FileInfo

// Source enumerates executables beneath a root, recursively.
type Source interface {
	ListExecutables(ctx context.Context, root string) ([]File, error)
}

// signatures identify the bootstrapper by description or product name.
var signatures = []string{
	"sql server setup bootstrapper",
	"microsoft sql server setup",
	"sql server setup",
}

// exclusions are bundled shims that carry the bootstrapper signature but
// must never be launched.
var exclusions = []string{
	`\redist\`,
	`\x64\setup\sqlsupport`,
	`\x86\setup\`,
	`\1033_enu_lp\`,
	`\setup\sql2008support\`,
	`\sqlsupport\`,
	`\backwardcompat\`,
}

// IsExcluded reports whether path falls under a known false-positive location.
func IsExcluded(path string) bool {
	p := strings.ToLower(strings.ReplaceAll(path, "/", `\`))
	for _, ex := range exclusions {
		if strings.Contains(p, ex) {
			return true
		}
	}
	return false
}

// IsBootstrapper reports whether f carries a known setup signature.
func IsBootstrapper(f File) bool {
	for _, field := range []string{f.Description, f.ProductName} {
		s := strings.ToLower(strings.TrimSpace(field))
		for _, sig := range signatures {
			if s == sig {
				return true
			}
		}
	}
	return false
}

// Locator finds a setup binary matching a version.
type Locator struct {
	source Source
	logger log.FieldLogger
}

// NewLocator creates a locator over source.
func NewLocator(source Source, logger log.FieldLogger) *Locator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Locator{source: source, logger: logger}
}

// Locate scans roots in order and returns the first qualifying bootstrapper.
func (l *Locator) Locate(ctx context.Context, roots []string, v *version.Descriptor) (string, error) {
	if len(roots) == 0 {
		return "", errors.New(errors.ErrCodeMediaNotFound, "no media path given")
	}

	reachable := 0
	var lastErr error
	for _, root := range roots {
		files, err := l.source.ListExecutables(ctx, root)
		if err != nil {
			l.logger.WithField("root", root).WithError(err).Debug("media root not reachable")
			lastErr = err
			continue
		}
		reachable++

		for _, f := range files {
			if !IsBootstrapper(f) || IsExcluded(f.Path) {
				continue
			}
			if !version.SameMajorMinor(f.ProductVersion, v.Canonical) {
				continue
			}
			l.logger.WithField("path", f.Path).Debug("found setup bootstrapper")
			return f.Path, nil
		}
	}

	if reachable == 0 {
		return "", errors.Wrap(errors.ErrCodeMediaNotFound,
			fmt.Sprintf("none of the media paths could be read: %s", strings.Join(roots, ", ")), lastErr).
			WithDetail("roots", roots)
	}
	return "", errors.Newf(errors.ErrCodeMediaNoMatch,
		"no setup for SQL Server %s (%s) found under %s", v.Name, v.MajorMinor(), strings.Join(roots, ", ")).
		WithDetail("roots", roots)
}

// RemoteSource lists executables on a target with the list-executables
// operation, so UNC roots are resolved from the target's point of view.
type RemoteSource struct {
	Exec     remote.Executor
	Host     string
	Cred     *remote.Credential
	Protocol remote.Protocol
}

func (s *RemoteSource) ListExecutables(ctx context.Context, root string) ([]File, error) {
	out, err := s.Exec.Exec(ctx, s.Host, s.Cred, s.Protocol, remote.NewCommand(remote.OpListExecutables, "root", root))
	if err != nil {
		return nil, err
	}
	var files []File
	if strings.TrimSpace(out) == "" {
		return files, nil
	}
	if err := json.Unmarshal([]byte(out), &files); err != nil {
		return nil, fmt.Errorf("decoding executable listing for %s: %w", root, err)
	}
	return files, nil
}

// StaticSource serves listings from memory.
type StaticSource map[string][]File

func (s StaticSource) ListExecutables(_ context.Context, root string) ([]File, error) {
	files, ok := s[root]
	if !ok {
		return nil, fmt.Errorf("cannot find path %s", root)
	}
	return files, nil
}

// IsNetworkPath reports whether root is a UNC share path.
func IsNetworkPath(root string) bool {
	return strings.HasPrefix(root, `\\`) || strings.HasPrefix(root, "//")
}
