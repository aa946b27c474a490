// Package planner runs the pre-flight checks for one target and turns them
// into an installer entry.
package planner

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/davidthor/instctl/pkg/auth"
	"github.com/davidthor/instctl/pkg/engine/installer"
	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/features"
	"github.com/davidthor/instctl/pkg/media"
	"github.com/davidthor/instctl/pkg/remote"
	"github.com/davidthor/instctl/pkg/setupconfig"
	"github.com/davidthor/instctl/pkg/state/types"
	"github.com/davidthor/instctl/pkg/target"
	"github.com/davidthor/instctl/pkg/version"
)

// NetFrameworkFeature is the Windows feature SQL Server 2008 and 2008 R2
// need before setup will run.
const NetFrameworkFeature = "NET-Framework-Core"

// Request is the pre-flight input for one target.
type Request struct {
	Target   target.Target
	Version  *version.Descriptor
	Features *features.Set

	Credential     *remote.Credential
	AuthPreference remote.Protocol

	MediaRoots []string

	// Restart permits restarting the host.
	Restart bool

	// NetFrameworkSource is an offline source for NetFrameworkFeature.
	NetFrameworkSource string

	// DryRun limits pre-flight to read-only checks. Changes it would make
	// to the host are recorded as notes instead.
	DryRun bool

	// Config is the configuration template. Version, Features, InstanceName
	// and CoreCount are set per target.
	Config setupconfig.Options
}

// Options configures a Planner.
type Options struct {
	Resolver   target.Resolver
	Negotiator *auth.Negotiator
	Builder    *setupconfig.Builder

	// TempDir holds generated configuration files until they are staged.
	TempDir string

	Logger log.FieldLogger
}

// Planner creates installer entries.
type Planner struct {
	exec       remote.Executor
	resolver   target.Resolver
	negotiator *auth.Negotiator
	builder    *setupconfig.Builder
	tempDir    string
	logger     log.FieldLogger
}

// NewPlanner creates a new planner.
func NewPlanner(exec remote.Executor, opts Options) *Planner {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	p := &Planner{
		exec:       exec,
		resolver:   opts.Resolver,
		negotiator: opts.Negotiator,
		builder:    opts.Builder,
		tempDir:    opts.TempDir,
		logger:     logger,
	}
	if p.resolver == nil {
		p.resolver = target.NewNetResolver()
	}
	if p.negotiator == nil {
		p.negotiator = auth.NewNegotiator(exec, nil, auth.Options{Logger: logger})
	}
	if p.builder == nil {
		p.builder = setupconfig.NewBuilder()
	}
	return p
}

// Plan runs pre-flight for req. It returns either an entry ready to execute
// or, when pre-flight stopped the target, its finished result.
func (p *Planner) Plan(ctx context.Context, req Request) (*installer.Entry, *types.InstallResult) {
	entry := &installer.Entry{
		Target:                        req.Target,
		Version:                       req.Version,
		Credential:                    req.Credential,
		Restart:                       req.Restart,
		PerformVolumeMaintenanceTasks: req.Config.PerformVolumeMaintenanceTasks,
		StartedAt:                     time.Now(),
	}
	logger := p.logger.WithFields(log.Fields{"host": req.Target.Name, "instance": req.Target.Instance()})

	steps := []struct {
		state installer.State
		run   func(context.Context, Request, *installer.Entry, log.FieldLogger) installer.Outcome
	}{
		{installer.StateReadyCheck, p.readyCheck},
		{installer.StatePendingRebootCheck, p.pendingRebootCheck},
		{installer.StateProtocolNegotiated, p.negotiate},
		{installer.StateMediaLocated, p.locateMedia},
		{installer.StateConfigBuilt, p.buildConfig},
	}

	for _, step := range steps {
		logger.WithField("state", step.state).Debug("pre-flight step")
		outcome := step.run(ctx, req, entry, logger)
		if outcome.IsRecoverable() {
			entry.AddNote(outcome.Note)
			continue
		}
		if outcome.IsFatal() {
			_ = entry.Discard()
			res := installer.NewResult(entry)
			outcome.Apply(res)
			logger.WithError(outcome.Err).WithField("state", installer.TerminalState(res)).Warn("pre-flight stopped")
			return nil, res
		}
	}
	return entry, nil
}

func (p *Planner) readyCheck(ctx context.Context, req Request, entry *installer.Entry, _ log.FieldLogger) installer.Outcome {
	t, err := target.Resolve(ctx, p.resolver, req.Target)
	if err != nil {
		return installer.Fatal(err)
	}
	entry.Target = t
	return installer.Ok()
}

func (p *Planner) pendingRebootCheck(ctx context.Context, req Request, entry *installer.Entry, logger log.FieldLogger) installer.Outcome {
	host := entry.Target.Host()
	pending, err := p.exec.IsRebootPending(ctx, host, req.Credential)
	if err != nil {
		return installer.Fatal(errors.Unreachable(host, err))
	}
	if !pending {
		return installer.Ok()
	}

	switch {
	case entry.Target.IsLocal:
		return installer.Fatal(errors.Newf(errors.ErrCodePendingReboot,
			"%s has a pending reboot and cannot restart itself; restart it and try again", host).WithDetail("host", host))
	case !req.Restart:
		return installer.Fatal(errors.Newf(errors.ErrCodePendingReboot,
			"%s has a pending reboot; allow restarts or restart it first", host).WithDetail("host", host))
	}
	logger.Info("pending reboot will be cleared before install")
	entry.RebootPending = true
	return installer.Ok()
}

func (p *Planner) negotiate(ctx context.Context, req Request, entry *installer.Entry, _ log.FieldLogger) installer.Outcome {
	p.negotiator.WarnDoubleHop(req.Credential, req.MediaRoots)

	negotiate := p.negotiator.Negotiate
	if req.DryRun {
		negotiate = p.negotiator.Verify
	}
	res, err := negotiate(ctx, entry.Target.Host(), req.Credential, req.AuthPreference)
	if res != nil {
		entry.Notes = append(entry.Notes, res.Notes...)
		entry.Protocol = res.Protocol
	}
	if err != nil {
		return installer.Fatal(err)
	}
	return installer.Ok()
}

func (p *Planner) locateMedia(ctx context.Context, req Request, entry *installer.Entry, logger log.FieldLogger) installer.Outcome {
	source := &media.RemoteSource{
		Exec:     p.exec,
		Host:     entry.Target.Host(),
		Cred:     req.Credential,
		Protocol: entry.Protocol,
	}
	path, err := media.NewLocator(source, logger).Locate(ctx, req.MediaRoots, req.Version)
	if err != nil {
		return installer.Fatal(err)
	}
	entry.Installer = path

	if req.Version.AtLeast("10.0") && req.Version.Below("11.0") {
		if err := p.ensureNetFramework(ctx, req, entry); err != nil {
			return installer.Recoverable(fmt.Sprintf("could not install %s, setup may fail: %v", NetFrameworkFeature, err))
		}
	}
	return installer.Ok()
}

func (p *Planner) ensureNetFramework(ctx context.Context, req Request, entry *installer.Entry) error {
	host := entry.Target.Host()
	out, err := p.exec.Exec(ctx, host, req.Credential, entry.Protocol,
		remote.NewCommand(remote.OpTestWindowsFeature, "name", NetFrameworkFeature))
	if err != nil {
		return err
	}
	if installed, _ := strconv.ParseBool(strings.TrimSpace(out)); installed {
		return nil
	}
	if req.DryRun {
		entry.AddNotef("would install %s on %s", NetFrameworkFeature, host)
		return nil
	}

	args := []string{"name", NetFrameworkFeature}
	if req.NetFrameworkSource != "" {
		args = append(args, "source", req.NetFrameworkSource)
	}
	if _, err := p.exec.Exec(ctx, host, req.Credential, entry.Protocol, remote.NewCommand(remote.OpInstallWindowsFeature, args...)); err != nil {
		return err
	}
	entry.AddNotef("installed %s on %s", NetFrameworkFeature, host)
	return nil
}

func (p *Planner) buildConfig(ctx context.Context, req Request, entry *installer.Entry, _ log.FieldLogger) installer.Outcome {
	opts := req.Config
	opts.Version = req.Version
	opts.Features = req.Features
	opts.InstanceName = entry.Target.InstanceName
	if opts.Credential == nil {
		opts.Credential = req.Credential
	}
	opts.CoreCount = p.coreCount(entry)

	built, err := p.builder.Build(ctx, opts)
	if err != nil {
		if !errors.Is(err, errors.ErrCodeConfig) {
			err = errors.Wrap(errors.ErrCodeConfig, "building setup configuration", err)
		}
		return installer.Fatal(err)
	}
	entry.Config = built.Config
	entry.Arguments = built.Arguments
	entry.SAPassword = built.SAPassword
	entry.Notes = append(entry.Notes, built.Notes...)
	if len(built.Passthrough) > 0 {
		entry.AddNotef("passing unrecognized keys to setup unchanged: %s", strings.Join(built.Passthrough, ", "))
	}

	path, err := p.writeConfig(built.Config)
	if err != nil {
		return installer.Fatal(errors.Wrap(errors.ErrCodeInternal, "writing configuration file", err))
	}
	entry.ConfigFile = path
	return installer.Ok()
}

func (p *Planner) coreCount(entry *installer.Entry) func(context.Context) (int, error) {
	return func(ctx context.Context) (int, error) {
		out, err := p.exec.Exec(ctx, entry.Target.Host(), entry.Credential, entry.Protocol, remote.NewCommand(remote.OpGetCoreCount))
		if err != nil {
			return 0, err
		}
		n, err := strconv.Atoi(strings.TrimSpace(out))
		if err != nil {
			return 0, fmt.Errorf("unexpected core count %q", strings.TrimSpace(out))
		}
		return n, nil
	}
}

func (p *Planner) writeConfig(cfg *setupconfig.Configuration) (string, error) {
	f, err := os.CreateTemp(p.tempDir, "instctl-*.ini")
	if err != nil {
		return "", err
	}
	path := f.Name()
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	if err := setupconfig.WriteFile(path, cfg); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}
