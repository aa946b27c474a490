// Package state persists install runs, their per-target results and the
// redacted configuration copies, and guards hosts with cross-process locks.
package state

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/state/backend"
	"github.com/davidthor/instctl/pkg/state/types"
)

// Manager provides high-level state operations.
type Manager interface {
	// Run records
	NewRun(req types.RunRequest) *types.RunState
	SaveRun(ctx context.Context, run *types.RunState) error
	GetRun(ctx context.Context, id string) (*types.RunState, error)
	ListRuns(ctx context.Context) ([]types.RunRef, error)
	DeleteRun(ctx context.Context, id string) error

	// Per-target results
	SaveResult(ctx context.Context, runID string, result *types.InstallResult) error
	ListResults(ctx context.Context, runID string) ([]*types.InstallResult, error)

	// SaveConfigCopy stores a redacted configuration file and returns its path
	// within the store.
	SaveConfigCopy(ctx context.Context, runID, target string, data []byte) (string, error)
	ReadConfigCopy(ctx context.Context, runID, target string) ([]byte, error)

	// Locking
	LockHost(ctx context.Context, scope LockScope) (backend.Lock, error)

	Backend() backend.Backend
}

// LockScope identifies who is locking which host and why.
type LockScope struct {
	Host      string
	RunID     string
	Operation string
	Who       string
}

type manager struct {
	backend backend.Backend
	now     func() time.Time
}

// NewManager creates a new state manager with the given backend.
func NewManager(b backend.Backend) Manager {
	return &manager{backend: b, now: time.Now}
}

// NewManagerFromConfig creates a new state manager from backend configuration.
func NewManagerFromConfig(config backend.Config) (Manager, error) {
	b, err := backend.Create(config)
	if err != nil {
		return nil, errors.BackendError(config.Type, "create", err)
	}
	return NewManager(b), nil
}

func (m *manager) Backend() backend.Backend {
	return m.backend
}

func (m *manager) NewRun(req types.RunRequest) *types.RunState {
	return &types.RunState{
		ID:        uuid.New().String(),
		StartedAt: m.now(),
		Request:   req,
		Targets:   make(map[string]*types.TargetStatus),
	}
}

func (m *manager) SaveRun(ctx context.Context, run *types.RunState) error {
	if run.ID == "" {
		return errors.ValidationError("run has no ID", nil)
	}
	return writeJSON(ctx, m.backend, runPath(run.ID), run)
}

func (m *manager) GetRun(ctx context.Context, id string) (*types.RunState, error) {
	run, err := readJSON[types.RunState](ctx, m.backend, runPath(id))
	if stderrors.Is(err, backend.ErrNotFound) {
		return nil, errors.NotFoundError("run", id)
	}
	return run, err
}

// ListRuns returns every run, newest first.
func (m *manager) ListRuns(ctx context.Context) ([]types.RunRef, error) {
	paths, err := m.backend.List(ctx, "runs/")
	if err != nil {
		return nil, err
	}

	var refs []types.RunRef
	for _, p := range paths {
		parts := splitPath(p)
		if len(parts) != 3 || parts[2] != "run.json" {
			continue
		}
		run, err := m.GetRun(ctx, parts[1])
		if err != nil {
			// A run being written concurrently can vanish between List and Read.
			if errors.Is(err, errors.ErrCodeNotFound) {
				continue
			}
			return nil, err
		}
		counts := run.Counts()
		refs = append(refs, types.RunRef{
			ID:        run.ID,
			StartedAt: run.StartedAt,
			EndedAt:   run.EndedAt,
			Version:   run.Request.Version,
			Targets:   len(run.Request.Targets),
			Failed:    counts[types.StatusFailed] + counts[types.StatusBlocked] + counts[types.StatusAbandoned],
		})
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].StartedAt.After(refs[j].StartedAt)
	})
	return refs, nil
}

func (m *manager) DeleteRun(ctx context.Context, id string) error {
	paths, err := m.backend.List(ctx, path.Join("runs", id)+"/")
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := m.backend.Delete(ctx, p); err != nil {
			return fmt.Errorf("failed to delete %s: %w", p, err)
		}
	}
	return nil
}

func (m *manager) SaveResult(ctx context.Context, runID string, result *types.InstallResult) error {
	return writeJSON(ctx, m.backend, resultPath(runID, result.Target()), result)
}

// ListResults returns a run's results ordered by completion time.
func (m *manager) ListResults(ctx context.Context, runID string) ([]*types.InstallResult, error) {
	paths, err := m.backend.List(ctx, path.Join("runs", runID, "results")+"/")
	if err != nil {
		return nil, err
	}

	results := make([]*types.InstallResult, 0, len(paths))
	for _, p := range paths {
		if !strings.HasSuffix(p, ".json") {
			continue
		}
		r, err := readJSON[types.InstallResult](ctx, m.backend, p)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].EndedAt.Before(results[j].EndedAt)
	})
	return results, nil
}

func (m *manager) SaveConfigCopy(ctx context.Context, runID, target string, data []byte) (string, error) {
	p := configPath(runID, target)
	if err := m.backend.Write(ctx, p, bytes.NewReader(data)); err != nil {
		return "", err
	}
	return p, nil
}

func (m *manager) ReadConfigCopy(ctx context.Context, runID, target string) ([]byte, error) {
	r, err := m.backend.Read(ctx, configPath(runID, target))
	if err != nil {
		if stderrors.Is(err, backend.ErrNotFound) {
			return nil, errors.NotFoundError("configuration copy", target)
		}
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// LockHost takes the cross-process lock for a host. A held lock surfaces as
// a STATE_LOCKED error naming the holder.
func (m *manager) LockHost(ctx context.Context, scope LockScope) (backend.Lock, error) {
	info := backend.LockInfo{
		Who:       scope.Who,
		Operation: scope.Operation,
		RunID:     scope.RunID,
	}

	lock, err := m.backend.Lock(ctx, hostLockPath(scope.Host), info)
	if err != nil {
		var lockErr *backend.LockError
		if stderrors.As(err, &lockErr) {
			return nil, errors.StateLocked(errors.LockInfo{
				ID:        lockErr.Info.ID,
				Path:      scope.Host,
				Who:       lockErr.Info.Who,
				Operation: lockErr.Info.Operation,
				Created:   lockErr.Info.Created,
			}).WithDetail("run_id", lockErr.Info.RunID)
		}
		return nil, errors.BackendError(m.backend.Type(), "lock", err)
	}
	return lock, nil
}

// Path helpers

func runPath(id string) string {
	return path.Join("runs", id, "run.json")
}

func resultPath(runID, target string) string {
	return path.Join("runs", runID, "results", TargetKey(target)+".json")
}

func configPath(runID, target string) string {
	return path.Join("runs", runID, "config", TargetKey(target)+".ini")
}

func hostLockPath(host string) string {
	return path.Join("hosts", TargetKey(host))
}

var keyReplacer = strings.NewReplacer(`\`, "__", "/", "_", ":", "_", ",", "_", " ", "_")

// TargetKey turns a target such as `SQL01\REPORTS` into a store-safe name.
func TargetKey(target string) string {
	return keyReplacer.Replace(strings.ToLower(target))
}

func splitPath(p string) []string {
	var parts []string
	for p != "" && p != "." && p != "/" {
		dir, file := path.Split(p)
		if file != "" {
			parts = append([]string{file}, parts...)
		}
		p = path.Clean(dir)
	}
	return parts
}

// JSON helpers

func readJSON[T any](ctx context.Context, b backend.Backend, p string) (*T, error) {
	reader, err := b.Read(ctx, p)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var result T
	if err := json.NewDecoder(reader).Decode(&result); err != nil {
		return nil, errors.ParseError(p, err)
	}
	return &result, nil
}

func writeJSON(ctx context.Context, b backend.Backend, p string, data interface{}) error {
	content, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return b.Write(ctx, p, bytes.NewReader(content))
}
