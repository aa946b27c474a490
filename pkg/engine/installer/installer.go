// Package installer runs the action plan for one target: stage the
// configuration, run setup, capture its log, apply post-install settings and
// restart when needed.
package installer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/remote"
	"github.com/davidthor/instctl/pkg/setupconfig"
	"github.com/davidthor/instctl/pkg/state/types"
	"github.com/davidthor/instctl/pkg/version"
)

// Setup exit codes that mean success.
const (
	ExitSuccess        = 0
	ExitRebootRequired = 3010
)

// ConfigStore keeps a copy of each generated configuration file.
type ConfigStore interface {
	SaveConfigCopy(ctx context.Context, runID, target string, data []byte) (string, error)
}

// Options configures an Installer.
type Options struct {
	// Store receives a copy of the configuration. Nil skips the copy.
	Store ConfigStore
	RunID string

	Logger log.FieldLogger
}

// Installer executes entries.
type Installer struct {
	exec   remote.Executor
	opts   Options
	logger log.FieldLogger
}

// New creates an installer over exec.
func New(exec remote.Executor, opts Options) *Installer {
	logger := opts.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Installer{exec: exec, opts: opts, logger: logger}
}

// NewResult starts the result for entry, carrying its pre-flight notes.
func NewResult(entry *Entry) *types.InstallResult {
	res := types.NewInstallResult(entry.Target.Host(), entry.Instance(), entry.Version.Requested)
	if !entry.StartedAt.IsZero() {
		res.StartedAt = entry.StartedAt
	}
	if entry.Version.Build != nil {
		res.Build = entry.Version.Build.String()
	}
	res.Installer = entry.Installer
	res.Protocol = string(entry.Protocol)
	res.Port = entry.Target.Port
	res.Notes = append(res.Notes, entry.Notes...)
	if entry.Config != nil {
		res.Configuration = entry.Config.Map()
	}
	if entry.SAPassword != "" {
		res.SACredential = &types.SACredential{Username: "sa", Password: entry.SAPassword}
	}
	return res
}

// SetupLogPath is where setup writes its summary log for v.
func SetupLogPath(v *version.Descriptor) string {
	major := 0
	if v != nil && v.Build != nil {
		major = v.Build.Segments()[0]
	}
	return fmt.Sprintf(`C:\Program Files\Microsoft SQL Server\%d0\Setup Bootstrap\Log\Summary.txt`, major)
}

// Execute runs entry and always returns a finished result. The local and
// remote copies of the configuration file are removed on every path.
func (in *Installer) Execute(ctx context.Context, entry *Entry) *types.InstallResult {
	res := NewResult(entry)
	host := entry.Target.Host()
	logger := in.logger.WithFields(log.Fields{"host": host, "instance": entry.Instance()})

	var remotePath string
	defer func() {
		in.cleanup(ctx, entry, remotePath, logger)
		logger.WithField("state", TerminalState(res)).Debug("install finished")
	}()

	if entry.RebootPending {
		if !in.restartFirst(ctx, entry, res, logger).Apply(res) {
			return res
		}
	}

	enter(logger, StateConfigStaged)
	path, outcome := in.stage(ctx, entry)
	if !outcome.Apply(res) {
		return res
	}
	remotePath = path

	enter(logger, StateExecuted)
	rebootRequired, execOutcome := in.runSetup(ctx, entry, remotePath, res, logger)

	enter(logger, StateLogCaptured)
	in.captureLog(ctx, entry, res).Apply(res)
	in.saveConfig(ctx, entry, res).Apply(res)

	if !execOutcome.Apply(res) {
		logger.WithField("exit_code", exitCode(res)).Error("setup failed")
		return res
	}

	enter(logger, StatePostInstall)
	for _, o := range in.postInstall(ctx, entry, res, logger) {
		o.Apply(res)
	}

	enter(logger, StateRebootEvaluated)
	if !in.evaluateReboot(ctx, entry, res, rebootRequired, logger).Apply(res) {
		return res
	}

	res.Finish(types.StatusSucceeded)
	logger.WithField("duration", res.Duration().Round(time.Millisecond)).Info("install succeeded")
	return res
}

func enter(logger log.FieldLogger, s State) {
	logger.WithField("state", s).Debug("install step")
}

func (in *Installer) restartFirst(ctx context.Context, entry *Entry, res *types.InstallResult, logger log.FieldLogger) Outcome {
	host := entry.Target.Host()
	logger.Info("restarting to clear a pending reboot before install")
	if err := in.exec.RebootAndWait(ctx, host, entry.Credential); err != nil {
		return Fatal(errors.Wrap(errors.ErrCodeRebootFailed,
			fmt.Sprintf("restarting %s before install failed", host), err).WithDetail("host", host))
	}
	res.Restarted = true
	return Recoverable(fmt.Sprintf("%s was restarted before install to clear a pending reboot", host))
}

func (in *Installer) stage(ctx context.Context, entry *Entry) (string, Outcome) {
	if entry.ConfigFile == "" {
		return "", Fatal(errors.New(errors.ErrCodeInternal, "entry has no configuration file"))
	}
	p, err := in.exec.CopyToRemote(ctx, entry.ConfigFile, entry.Target.Host(), entry.Credential)
	if err != nil {
		return "", Fatal(errors.Wrap(errors.ErrCodeExecution, "copying configuration file to target", err).
			WithDetail("host", entry.Target.Host()))
	}
	return p, Ok()
}

func (in *Installer) runSetup(ctx context.Context, entry *Entry, remotePath string, res *types.InstallResult, logger log.FieldLogger) (bool, Outcome) {
	host := entry.Target.Host()
	args := entry.Arguments.WithConfigFile(remotePath)
	logger.WithFields(log.Fields{
		"installer": entry.Installer,
		"args":      args.String(),
		"protocol":  entry.Protocol,
	}).Info("running setup")

	exit, err := in.exec.RunInstaller(ctx, host, entry.Credential, entry.Protocol, entry.Installer, args.Strings())
	if err != nil {
		return false, Fatal(errors.Wrap(errors.ErrCodeExecution, "running setup", err).WithDetail("host", host))
	}
	res.SetExitCode(exit.ExitCode)

	if exit.TimedOut {
		return false, Fatal(errors.Newf(errors.ErrCodeExecution, "setup on %s did not finish in time", host).
			WithDetail("exit_code", exit.ExitCode))
	}
	switch exit.ExitCode {
	case ExitSuccess:
		return false, Ok()
	case ExitRebootRequired:
		return true, Ok()
	}
	return false, Fatal(errors.Newf(errors.ErrCodeExecution, "setup on %s exited with code %d", host, exit.ExitCode).
		WithDetail("exit_code", exit.ExitCode))
}

func (in *Installer) captureLog(ctx context.Context, entry *Entry, res *types.InstallResult) Outcome {
	path := SetupLogPath(entry.Version)
	out, err := in.exec.Exec(ctx, entry.Target.Host(), entry.Credential, entry.Protocol,
		remote.NewCommand(remote.OpReadSetupLog, "path", path))
	if err != nil {
		return Recoverable(fmt.Sprintf("could not read setup log %s: %v", path, err))
	}
	res.Log = out
	res.LogFile = path
	return Ok()
}

func (in *Installer) saveConfig(ctx context.Context, entry *Entry, res *types.InstallResult) Outcome {
	if in.opts.Store == nil || entry.Config == nil {
		return Ok()
	}
	data, err := setupconfig.Encode(entry.Config)
	if err == nil {
		_, err = in.opts.Store.SaveConfigCopy(ctx, in.opts.RunID, res.Target(), data)
	}
	if err != nil {
		return Recoverable(fmt.Sprintf("could not save a copy of the configuration: %v", err))
	}
	return Ok()
}

func (in *Installer) postInstall(ctx context.Context, entry *Entry, res *types.InstallResult, logger log.FieldLogger) []Outcome {
	host := entry.Target.Host()
	var outcomes []Outcome

	// From 13.0 on setup grants the right itself.
	if entry.PerformVolumeMaintenanceTasks && entry.Version.Below("13.0") {
		if err := in.exec.GrantVolumeMaintenance(ctx, host, entry.Credential); err != nil {
			outcomes = append(outcomes, Recoverable(fmt.Sprintf("could not grant Perform Volume Maintenance Tasks: %v", err)))
		} else {
			logger.Info("granted Perform Volume Maintenance Tasks to the engine service")
		}
	}

	if port := entry.Target.Port; port != 0 {
		if err := in.exec.SetServicePort(ctx, host, entry.Instance(), entry.Credential, port); err != nil {
			outcomes = append(outcomes, Recoverable(fmt.Sprintf("could not set TCP port %d: %v", port, err)))
		} else {
			res.AddNotef("TCP port set to %d; restart the %s service to apply it", port, entry.Instance())
		}
	}
	return outcomes
}

func (in *Installer) evaluateReboot(ctx context.Context, entry *Entry, res *types.InstallResult, required bool, logger log.FieldLogger) Outcome {
	host := entry.Target.Host()
	if !required {
		pending, err := in.exec.IsRebootPending(ctx, host, entry.Credential)
		if err != nil {
			return Recoverable(fmt.Sprintf("could not check for a pending reboot: %v", err))
		}
		required = pending
	}
	if !required {
		return Ok()
	}

	if !entry.Restart || entry.Target.IsLocal {
		return Recoverable(fmt.Sprintf("%s must be restarted to complete the installation", host))
	}

	logger.Info("restarting to complete the installation")
	if err := in.exec.RebootAndWait(ctx, host, entry.Credential); err != nil {
		return Fatal(errors.Wrap(errors.ErrCodeRebootFailed,
			fmt.Sprintf("%s did not come back after restart", host), err).WithDetail("host", host))
	}
	res.Restarted = true
	return Ok()
}

func (in *Installer) cleanup(ctx context.Context, entry *Entry, remotePath string, logger log.FieldLogger) {
	if err := entry.Discard(); err != nil {
		logger.WithError(err).Warn("could not remove local configuration file")
	}
	if remotePath == "" {
		return
	}
	_, err := in.exec.Exec(context.WithoutCancel(ctx), entry.Target.Host(), entry.Credential, entry.Protocol,
		remote.NewCommand(remote.OpRemoveFile, "path", remotePath))
	if err != nil {
		logger.WithError(err).WithField("path", remotePath).Warn("could not remove staged configuration file")
	}
}

func exitCode(res *types.InstallResult) string {
	if res.ExitCode == nil {
		return "none"
	}
	return strconv.Itoa(*res.ExitCode)
}
