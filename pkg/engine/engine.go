// Package engine orchestrates SQL Server installs across many hosts.
package engine

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"

	"github.com/davidthor/instctl/pkg/auth"
	"github.com/davidthor/instctl/pkg/engine/executor"
	"github.com/davidthor/instctl/pkg/engine/installer"
	"github.com/davidthor/instctl/pkg/engine/planner"
	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/features"
	"github.com/davidthor/instctl/pkg/remote"
	"github.com/davidthor/instctl/pkg/setupconfig"
	"github.com/davidthor/instctl/pkg/state"
	"github.com/davidthor/instctl/pkg/state/types"
	"github.com/davidthor/instctl/pkg/target"
	"github.com/davidthor/instctl/pkg/version"
)

// DefaultFeatures is installed when a request names no features.
var DefaultFeatures = []string{"Default"}

// Options configures an Engine. Zero fields take defaults.
type Options struct {
	// StateManager records runs, results and configuration copies, and
	// guards hosts against concurrent installs from other processes.
	StateManager state.Manager

	Versions version.Resolver
	Features *features.Table
	Resolver target.Resolver
	Builder  *setupconfig.Builder

	// TempDir holds generated configuration files until they are staged.
	TempDir string

	Logger log.FieldLogger
}

// Engine runs install requests.
type Engine struct {
	exec         remote.Executor
	stateManager state.Manager
	versions     version.Resolver
	features     *features.Table
	resolver     target.Resolver
	builder      *setupconfig.Builder
	tempDir      string
	logger       log.FieldLogger
}

// NewEngine creates a new install engine over exec.
func NewEngine(exec remote.Executor, opts Options) *Engine {
	e := &Engine{
		exec:         exec,
		stateManager: opts.StateManager,
		versions:     opts.Versions,
		features:     opts.Features,
		resolver:     opts.Resolver,
		builder:      opts.Builder,
		tempDir:      opts.TempDir,
		logger:       opts.Logger,
	}
	if e.versions == nil {
		e.versions = version.DefaultCatalog()
	}
	if e.features == nil {
		e.features = features.DefaultTable()
	}
	if e.resolver == nil {
		e.resolver = target.NewNetResolver()
	}
	if e.builder == nil {
		e.builder = setupconfig.NewBuilder()
	}
	if e.logger == nil {
		e.logger = log.StandardLogger()
	}
	return e
}

// Request describes one install run.
type Request struct {
	// Targets are host, host\instance, host,port or host\instance,port.
	// Targets written the same way never overlap. Targets that only
	// resolve to the same host, such as a short name and its FQDN, may run
	// pre-flight together but setup runs on that host one at a time.
	Targets  []string
	Version  string
	Features []string

	// MediaRoots are searched in order, from each target's point of view.
	MediaRoots []string

	// ConfigFile is an external setup configuration applied over defaults.
	ConfigFile string
	// Overrides are setup keys applied last.
	Overrides map[string]string

	// Credential connects to targets. Nil uses the caller's identity.
	Credential     *remote.Credential
	AuthPreference remote.Protocol
	// Confirmer is asked, at most once per run, whether to fall back to a
	// less secure protocol. Nil declines.
	Confirmer  auth.Confirmer
	NoFallback bool

	// Accounts are per-service credentials, including the sa password.
	Accounts           map[setupconfig.Service]*remote.Credential
	AuthenticationMode setupconfig.AuthMode
	Collation          string
	AdminAccounts      []string

	InstancePath string
	DataPath     string
	LogPath      string
	TempPath     string
	BackupPath   string

	PerformVolumeMaintenanceTasks bool
	UpdateSource                  string
	NetFrameworkSource            string

	// Throttle caps concurrent installs. Zero means executor.DefaultLimit.
	Throttle int
	// Restart permits restarting targets.
	Restart bool

	// User is recorded on the run.
	User string
}

// Validate reports every problem with the request at once.
func (r Request) Validate() error {
	var result *multierror.Error
	if len(r.Targets) == 0 {
		result = multierror.Append(result, errors.ValidationError("at least one target is required", nil))
	}
	for _, raw := range r.Targets {
		if _, err := target.Parse(raw); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if strings.TrimSpace(r.Version) == "" {
		result = multierror.Append(result, errors.ValidationError("version is required", nil))
	}
	if len(r.MediaRoots) == 0 {
		result = multierror.Append(result, errors.ValidationError("at least one media path is required", nil))
	}
	if r.Throttle < 0 {
		result = multierror.Append(result, errors.ValidationError("throttle must not be negative", nil))
	}
	if r.AuthenticationMode != "" && r.AuthenticationMode != setupconfig.AuthWindows && r.AuthenticationMode != setupconfig.AuthMixed {
		result = multierror.Append(result, errors.ValidationError(
			fmt.Sprintf("authentication mode must be %s or %s", setupconfig.AuthWindows, setupconfig.AuthMixed), nil))
	}
	if r.AuthPreference != "" {
		if _, err := remote.ParseProtocol(string(r.AuthPreference)); err != nil {
			result = multierror.Append(result, errors.ValidationError(err.Error(), nil))
		}
	}
	return result.ErrorOrNil()
}

// run is the state shared by every target of one request.
type run struct {
	req     Request
	targets []target.Target

	version  *version.Descriptor
	features *features.Set
	ini      *setupconfig.Configuration
	// failure stops every target before pre-flight.
	failure error
	dryRun  bool

	record    *types.RunState
	planner   *planner.Planner
	installer *installer.Installer
	// hosts serializes installs by resolved host, so aliases of one
	// machine never run setup at the same time.
	hosts *executor.KeyLocks
}

// Install runs req and returns one result per target in completion order.
// An error means the request itself was invalid and nothing ran.
func (e *Engine) Install(ctx context.Context, req Request) ([]*types.InstallResult, error) {
	ch, err := e.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return executor.Collect(ch), nil
}

// Stream runs req and yields each target's result as it finishes. The
// channel is closed after the last one.
func (e *Engine) Stream(ctx context.Context, req Request) (<-chan *types.InstallResult, error) {
	r, err := e.prepare(ctx, req, false)
	if err != nil {
		return nil, err
	}

	jobs := make([]executor.Job, 0, len(r.targets))
	for _, t := range r.targets {
		jobs = append(jobs, e.job(r, t))
	}

	exec := executor.NewExecutor(executor.Options{Limit: req.Throttle, Logger: e.logger})
	e.logger.WithFields(log.Fields{
		"run":      r.runID(),
		"targets":  len(jobs),
		"version":  req.Version,
		"throttle": exec.Limit(),
	}).Info("starting install run")

	return e.collect(ctx, r, exec.Execute(ctx, jobs)), nil
}

// Plan runs pre-flight for every target without installing anything or
// changing any host. CredSSP and NET-Framework-Core are reported in the
// entry notes rather than enabled or installed. The caller owns the returned entries and must Discard those it does not pass
// to ExecutePlan.
func (e *Engine) Plan(ctx context.Context, req Request) ([]*installer.Entry, []*types.InstallResult, error) {
	r, err := e.prepare(ctx, req, true)
	if err != nil {
		return nil, nil, err
	}

	entries := make(chan *installer.Entry, len(r.targets))
	jobs := make([]executor.Job, 0, len(r.targets))
	for _, t := range r.targets {
		jobs = append(jobs, executor.Job{
			Key:      t.Key(),
			Target:   t.Name,
			Instance: t.Instance(),
			Version:  req.Version,
			Run: func(ctx context.Context) *types.InstallResult {
				if r.failure != nil {
					return failedResult(t, req.Version, r.failure)
				}
				entry, res := r.planner.Plan(ctx, r.plannerRequest(t))
				if entry != nil {
					entries <- entry
					// Unfinished, so it is not reported as stopped.
					return installer.NewResult(entry)
				}
				return res
			},
		})
	}

	exec := executor.NewExecutor(executor.Options{Limit: req.Throttle, Logger: e.logger})
	var stopped []*types.InstallResult
	for res := range exec.Execute(ctx, jobs) {
		if res.Status != "" {
			stopped = append(stopped, res)
		}
	}
	close(entries)

	var planned []*installer.Entry
	for entry := range entries {
		planned = append(planned, entry)
	}
	return planned, stopped, nil
}

// ExecutePlan installs pre-built entries, at most throttle at a time.
func (e *Engine) ExecutePlan(ctx context.Context, entries []*installer.Entry, throttle int) []*types.InstallResult {
	inst := e.newInstaller("")
	jobs := make([]executor.Job, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, executor.Job{
			Key:      entry.Target.Key(),
			Target:   entry.Target.Host(),
			Instance: entry.Instance(),
			Version:  entry.Version.Requested,
			Run: func(ctx context.Context) *types.InstallResult {
				return e.execute(ctx, inst, "", entry)
			},
		})
	}
	exec := executor.NewExecutor(executor.Options{Limit: throttle, Logger: e.logger})
	return executor.Collect(exec.Execute(ctx, jobs))
}

func (e *Engine) prepare(ctx context.Context, req Request, dryRun bool) (*run, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	targets, err := target.ParseAll(req.Targets)
	if err != nil {
		return nil, err
	}

	var ini *setupconfig.Configuration
	if req.ConfigFile != "" {
		if ini, err = setupconfig.DecodeFile(req.ConfigFile); err != nil {
			return nil, err
		}
	}

	r := &run{req: req, targets: targets, ini: ini, dryRun: dryRun, hosts: executor.NewKeyLocks()}

	r.version, r.failure = e.versions.ResolveBuild(req.Version)
	if r.failure == nil {
		names := req.Features
		if len(names) == 0 {
			names = DefaultFeatures
		}
		r.features, r.failure = e.features.Resolve(names, r.version)
	}
	if r.failure != nil {
		e.logger.WithError(r.failure).Error("request cannot be installed on any target")
	}

	if !dryRun && e.stateManager != nil {
		r.record = e.stateManager.NewRun(types.RunRequest{
			Targets:  req.Targets,
			Version:  req.Version,
			Features: req.Features,
			Throttle: req.Throttle,
			Restart:  req.Restart,
			Options:  requestOptions(req),
		})
		r.record.User = req.User
		r.record.Host, _ = os.Hostname()
		if err := e.stateManager.SaveRun(ctx, r.record); err != nil {
			e.logger.WithError(err).Warn("could not save run record")
		}
	}

	negotiator := auth.NewNegotiator(e.exec, auth.NewDecisions(), auth.Options{
		Confirmer:  req.Confirmer,
		NoFallback: req.NoFallback,
		Logger:     e.logger,
	})
	r.planner = planner.NewPlanner(e.exec, planner.Options{
		Resolver:   e.resolver,
		Negotiator: negotiator,
		Builder:    e.builder,
		TempDir:    e.tempDir,
		Logger:     e.logger,
	})
	r.installer = e.newInstaller(r.runID())
	return r, nil
}

func (e *Engine) newInstaller(runID string) *installer.Installer {
	opts := installer.Options{RunID: runID, Logger: e.logger}
	if e.stateManager != nil && runID != "" {
		opts.Store = e.stateManager
	}
	return installer.New(e.exec, opts)
}

func (e *Engine) job(r *run, t target.Target) executor.Job {
	return executor.Job{
		Key:      t.Key(),
		Target:   t.Name,
		Instance: t.Instance(),
		Version:  r.req.Version,
		Run: func(ctx context.Context) *types.InstallResult {
			if r.failure != nil {
				return failedResult(t, r.req.Version, r.failure)
			}
			entry, res := r.planner.Plan(ctx, r.plannerRequest(t))
			if res != nil {
				return res
			}
			unlock := r.hosts.Lock(entry.Target.Key())
			defer unlock()
			return e.execute(ctx, r.installer, r.runID(), entry)
		},
	}
}

// execute takes the cross-process host lock, when there is a state
// manager, and runs entry.
func (e *Engine) execute(ctx context.Context, inst *installer.Installer, runID string, entry *installer.Entry) *types.InstallResult {
	if e.stateManager != nil {
		lock, err := e.stateManager.LockHost(ctx, state.LockScope{
			Host:      entry.Target.Key(),
			RunID:     runID,
			Operation: "install",
			Who:       currentUser(),
		})
		if err != nil {
			_ = entry.Discard()
			res := installer.NewResult(entry)
			installer.Fatal(err).Apply(res)
			return res
		}
		defer func() {
			if err := lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				e.logger.WithField("host", entry.Target.Host()).WithError(err).Warn("could not release host lock")
			}
		}()
	}
	return inst.Execute(ctx, entry)
}

// collect records each result as it arrives and passes it on.
func (e *Engine) collect(ctx context.Context, r *run, in <-chan *types.InstallResult) <-chan *types.InstallResult {
	out := make(chan *types.InstallResult, len(r.targets))
	saveCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(out)
		var results []*types.InstallResult
		for res := range in {
			e.logResult(res)
			if r.record != nil {
				r.record.Record(res)
				if err := e.stateManager.SaveResult(saveCtx, r.record.ID, res); err != nil {
					e.logger.WithError(err).WithField("host", res.ComputerName).Warn("could not save result")
				}
			}
			results = append(results, res)
			out <- res
		}

		if r.record != nil {
			r.record.EndedAt = time.Now()
			if err := e.stateManager.SaveRun(saveCtx, r.record); err != nil {
				e.logger.WithError(err).Warn("could not save run record")
			}
		}
		e.logger.WithField("run", r.runID()).Info(executor.Summarize(results).String())
	}()
	return out
}

func (e *Engine) logResult(res *types.InstallResult) {
	fields := log.Fields{
		"host":     res.ComputerName,
		"instance": res.InstanceName,
		"status":   res.Status,
		"duration": res.Duration().Round(time.Second),
	}
	if res.ExitCode != nil {
		fields["exit_code"] = *res.ExitCode
	}
	logger := e.logger.WithFields(fields)
	if res.Successful {
		logger.Info("target finished")
		return
	}
	logger.WithField("error_code", res.ErrorCode).Warn(res.Error)
}

func (r *run) runID() string {
	if r.record == nil {
		return ""
	}
	return r.record.ID
}

func (r *run) plannerRequest(t target.Target) planner.Request {
	req := r.req
	return planner.Request{
		Target:             t,
		Version:            r.version,
		Features:           r.features,
		Credential:         req.Credential,
		AuthPreference:     req.AuthPreference,
		MediaRoots:         req.MediaRoots,
		Restart:            req.Restart,
		NetFrameworkSource: req.NetFrameworkSource,
		DryRun:             r.dryRun,
		Config: setupconfig.Options{
			AuthenticationMode:            req.AuthenticationMode,
			Collation:                     req.Collation,
			AdminAccounts:                 req.AdminAccounts,
			Credential:                    req.Credential,
			Accounts:                      req.Accounts,
			InstancePath:                  req.InstancePath,
			DataPath:                      req.DataPath,
			LogPath:                       req.LogPath,
			TempPath:                      req.TempPath,
			BackupPath:                    req.BackupPath,
			PerformVolumeMaintenanceTasks: req.PerformVolumeMaintenanceTasks,
			UpdateSource:                  req.UpdateSource,
			IniFile:                       r.ini,
			Overrides:                     req.Overrides,
		},
	}
}

func failedResult(t target.Target, requested string, err error) *types.InstallResult {
	res := types.NewInstallResult(t.Name, t.Instance(), requested)
	res.Port = t.Port
	installer.Fatal(err).Apply(res)
	return res
}

// requestOptions is the non-secret part of a request kept on the run record.
func requestOptions(req Request) map[string]string {
	opts := map[string]string{
		"media": strings.Join(req.MediaRoots, ";"),
	}
	if req.ConfigFile != "" {
		opts["config_file"] = req.ConfigFile
	}
	if req.AuthPreference != "" {
		opts["auth"] = string(req.AuthPreference)
	}
	if req.AuthenticationMode != "" {
		opts["authentication_mode"] = string(req.AuthenticationMode)
	}
	if req.Credential != nil {
		opts["credential"] = req.Credential.Username
	}
	if req.PerformVolumeMaintenanceTasks {
		opts["volume_maintenance"] = strconv.FormatBool(true)
	}
	for k := range req.Overrides {
		opts["override."+strings.ToUpper(k)] = "set"
	}
	return opts
}

func currentUser() string {
	for _, key := range []string{"USER", "USERNAME"} {
		if u := os.Getenv(key); u != "" {
			return u
		}
	}
	return "unknown"
}
