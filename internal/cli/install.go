package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/davidthor/instctl/pkg/engine"
	"github.com/davidthor/instctl/pkg/engine/executor"
	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/remote"
	"github.com/davidthor/instctl/pkg/secrets"
	"github.com/davidthor/instctl/pkg/setupconfig"
	"github.com/davidthor/instctl/pkg/state/types"
	"github.com/davidthor/instctl/pkg/target"
)

type installOptions struct {
	targets    []string
	version    string
	features   []string
	media      []string
	configFile string
	overrides  []string

	username    string
	passwordRef string
	authProto   string
	noFallback  bool
	autoApprove bool

	serviceAccounts  []string
	servicePasswords []string
	saPasswordRef    string
	authMode         string
	collation        string
	admins           []string

	instanceDir string
	dataDir     string
	logDir      string
	tempDir     string
	backupDir   string

	volumeMaintenance bool
	updateSource      string
	netfxSource       string

	throttle int
	restart  bool
	dryRun   bool
	output   string

	backendType   string
	backendConfig []string
	ssh           sshFlags
}

func newInstallCmd() *cobra.Command {
	o := &installOptions{}

	cmd := &cobra.Command{
		Use:   "install [target...]",
		Short: "Install SQL Server on one or more hosts",
		Long: `Install SQL Server on every target, at most --throttle at a time.

A target is host, host\instance, host,port or host\instance,port. Each target
produces exactly one result; one target failing never stops the others.

Examples:
  instctl install sql01 sql02\REPORTS --version 2019 --media '\\fs\media\sql2019'
  instctl install sql01 --version 2017 --feature Engine --feature FullText --restart
  instctl install -t sql03,1450 --version 2016 --username CORP\installer --password env:INSTALLER_PW
  instctl install sql01 --version 2019 --dry-run`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o.targets = append(o.targets, args...)
			o.applyDefaults(cmd)
			return runInstall(cmd, o)
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&o.targets, "target", "t", nil, "Target host (repeatable)")
	flags.StringVar(&o.version, "version", "", "SQL Server version, e.g. 2019 (default from config)")
	flags.StringSliceVarP(&o.features, "feature", "f", nil, "Feature or template to install (repeatable, default: Default)")
	flags.StringArrayVarP(&o.media, "media", "m", nil, "Media root searched for setup.exe (repeatable, default from config)")
	flags.StringVar(&o.configFile, "config-file", "", "Setup configuration file applied over the defaults")
	flags.StringArrayVar(&o.overrides, "set", nil, "Set a setup key (KEY=value, repeatable)")

	flags.StringVarP(&o.username, "username", "u", "", "User to connect to targets as")
	flags.StringVarP(&o.passwordRef, "password", "p", "", "Password or secret reference (env:NAME, file:PATH, awssm:ID)")
	flags.StringVar(&o.authProto, "auth", "", "Authentication protocol (Default, Kerberos, Negotiate, Basic, CredSSP)")
	flags.BoolVar(&o.noFallback, "no-fallback", false, "Never fall back to a weaker protocol")
	flags.BoolVar(&o.autoApprove, "auto-approve", false, "Accept a protocol fallback without asking")

	flags.StringArrayVar(&o.serviceAccounts, "service-account", nil, "Service account (service=ACCOUNT, repeatable)")
	flags.StringArrayVar(&o.servicePasswords, "service-password", nil, "Service password or reference (service=REF, repeatable)")
	flags.StringVar(&o.saPasswordRef, "sa-password", "", "sa password or reference (generated for mixed mode if omitted)")
	flags.StringVar(&o.authMode, "authentication-mode", "", "Windows or Mixed")
	flags.StringVar(&o.collation, "collation", "", "Server collation")
	flags.StringArrayVar(&o.admins, "admin", nil, "sysadmin account (repeatable)")

	flags.StringVar(&o.instanceDir, "instance-dir", "", "Instance root directory")
	flags.StringVar(&o.dataDir, "data-dir", "", "User database directory")
	flags.StringVar(&o.logDir, "log-dir", "", "User database log directory")
	flags.StringVar(&o.tempDir, "tempdb-dir", "", "tempdb directory")
	flags.StringVar(&o.backupDir, "backup-dir", "", "Backup directory")

	flags.BoolVar(&o.volumeMaintenance, "volume-maintenance", false, "Grant the engine account instant file initialization")
	flags.StringVar(&o.updateSource, "update-source", "", "Folder with updates to slipstream")
	flags.StringVar(&o.netfxSource, "netfx-source", "", "Source for the .NET 3.5 feature on 2008 and 2008 R2")

	flags.IntVar(&o.throttle, "throttle", 0, "Maximum concurrent installs (default from config, else 50)")
	flags.BoolVar(&o.restart, "restart", false, "Allow restarting targets")
	flags.BoolVar(&o.dryRun, "dry-run", false, "Run pre-flight checks only")
	flags.StringVarP(&o.output, "output", "o", "table", "Output format: table, json, yaml")

	flags.StringVar(&o.backendType, "backend", "", "State backend type")
	flags.StringArrayVar(&o.backendConfig, "backend-config", nil, "Backend configuration (key=value)")

	flags.IntVar(&o.ssh.port, "ssh-port", 0, "SSH port on targets (default 22)")
	flags.StringVar(&o.ssh.user, "ssh-user", "", "SSH user when no --username is given")
	flags.StringArrayVar(&o.ssh.keyFiles, "ssh-key", nil, "Private key file (repeatable)")
	flags.StringVar(&o.ssh.knownHosts, "known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	flags.BoolVar(&o.ssh.insecureIgnoreHostKey, "insecure-ignore-host-key", false, "Skip host key verification")

	_ = cmd.RegisterFlagCompletionFunc("version", completeVersions)
	_ = cmd.RegisterFlagCompletionFunc("feature", completeFeatures)
	_ = cmd.RegisterFlagCompletionFunc("auth", completeProtocols)
	_ = cmd.RegisterFlagCompletionFunc("output", cobra.FixedCompletions([]string{"table", "json", "yaml"}, cobra.ShellCompDirectiveNoFileComp))

	return cmd
}

// applyDefaults fills unset flags from ~/.instctl/config.yaml and INSTCTL_*.
func (o *installOptions) applyDefaults(cmd *cobra.Command) {
	if o.version == "" {
		o.version = viper.GetString(ConfigKeyVersion)
	}
	if len(o.media) == 0 {
		if m := viper.GetString(ConfigKeyMediaPath); m != "" {
			o.media = []string{m}
		}
	}
	if !cmd.Flags().Changed("throttle") {
		o.throttle = viper.GetInt(ConfigKeyThrottle)
	}
}

// request builds the engine request, resolving every secret reference.
// ask prompts for the connection password when a username has none.
func (o *installOptions) request(ctx context.Context, sm *secrets.Manager, ask func(label string) (string, error)) (engine.Request, error) {
	req := engine.Request{
		Targets:                       o.targets,
		Version:                       o.version,
		Features:                      o.features,
		MediaRoots:                    o.media,
		ConfigFile:                    o.configFile,
		NoFallback:                    o.noFallback,
		AuthenticationMode:            parseAuthMode(o.authMode),
		Collation:                     o.collation,
		AdminAccounts:                 o.admins,
		InstancePath:                  o.instanceDir,
		DataPath:                      o.dataDir,
		LogPath:                       o.logDir,
		TempPath:                      o.tempDir,
		BackupPath:                    o.backupDir,
		PerformVolumeMaintenanceTasks: o.volumeMaintenance,
		UpdateSource:                  o.updateSource,
		NetFrameworkSource:            o.netfxSource,
		Throttle:                      o.throttle,
		Restart:                       o.restart,
		User:                          currentUser(),
	}

	var result *multierror.Error

	if o.authProto != "" {
		p, err := remote.ParseProtocol(o.authProto)
		if err != nil {
			result = multierror.Append(result, errors.ValidationError(err.Error(), nil))
		}
		req.AuthPreference = p
	}

	overrides, err := parseKeyValues(o.overrides)
	if err != nil {
		result = multierror.Append(result, err)
	}
	req.Overrides = overrides

	var typed string
	if o.username != "" && o.passwordRef == "" && ask != nil {
		if typed, err = ask(fmt.Sprintf("Password for %s", o.username)); err != nil {
			return req, err
		}
	}
	if req.Credential, err = sm.ResolveCredential(ctx, o.username, o.passwordRef); err != nil {
		result = multierror.Append(result, err)
	} else if typed != "" && req.Credential != nil {
		req.Credential.Password = typed
	}

	if req.Accounts, err = o.accounts(ctx, sm); err != nil {
		result = multierror.Append(result, err)
	}

	return req, result.ErrorOrNil()
}

func (o *installOptions) accounts(ctx context.Context, sm *secrets.Manager) (map[setupconfig.Service]*remote.Credential, error) {
	names, err := parseKeyValues(o.serviceAccounts)
	if err != nil {
		return nil, err
	}
	refs, err := parseKeyValues(o.servicePasswords)
	if err != nil {
		return nil, err
	}
	if o.saPasswordRef != "" {
		refs[string(setupconfig.ServiceSA)] = o.saPasswordRef
	}

	known := make(map[setupconfig.Service]bool)
	for _, s := range setupconfig.Services() {
		known[s] = true
	}

	var result *multierror.Error
	accounts := make(map[setupconfig.Service]*remote.Credential)
	get := func(key string) *remote.Credential {
		svc := setupconfig.Service(strings.ToLower(key))
		if !known[svc] {
			result = multierror.Append(result, errors.ValidationError(fmt.Sprintf("unknown service %q", key), nil))
			return nil
		}
		if accounts[svc] == nil {
			accounts[svc] = &remote.Credential{}
		}
		return accounts[svc]
	}

	for svc, name := range names {
		if c := get(svc); c != nil {
			c.Username = name
		}
	}
	for svc, ref := range refs {
		c := get(svc)
		if c == nil {
			continue
		}
		v, err := sm.Resolve(ctx, ref)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		c.Password = v
	}
	if sa, ok := accounts[setupconfig.ServiceSA]; ok && sa.Username == "" {
		sa.Username = "sa"
	}
	if len(accounts) == 0 {
		accounts = nil
	}
	return accounts, result.ErrorOrNil()
}

func runInstall(cmd *cobra.Command, o *installOptions) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()
	interactive := isInteractive()

	var ask func(string) (string, error)
	if interactive {
		ask = promptPassword
	}
	req, err := o.request(ctx, secrets.DefaultManager(), ask)
	if err != nil {
		return err
	}
	req.Confirmer = fallbackConfirmer(o.autoApprove, os.Stdin, cmd.ErrOrStderr(), interactive)
	if err := req.Validate(); err != nil {
		return err
	}

	mgr, err := createStateManagerWithConfig(o.backendType, o.backendConfig)
	if err != nil {
		return fmt.Errorf("failed to create state manager: %w", err)
	}
	eng, exec := createEngine(mgr, o.ssh)
	defer exec.Close()

	targets, err := target.ParseAll(req.Targets)
	if err != nil {
		return err
	}
	table := o.output == "" || o.output == "table"
	progressOut := out
	if !table {
		progressOut = io.Discard
	}
	progress := NewProgressTable(progressOut)
	for _, t := range targets {
		progress.AddTarget(t)
	}
	throttle := req.Throttle
	if throttle == 0 {
		throttle = executor.DefaultLimit
	}
	features := req.Features
	if len(features) == 0 {
		features = engine.DefaultFeatures
	}
	progress.PrintInitial(req.Version, features, throttle)

	if o.dryRun {
		return runPlan(ctx, eng, req, progress, out, o.output)
	}

	// Installs already started keep running on their hosts; an interrupt only
	// stops the output.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		var count int
		for range sigChan {
			count++
			if count == 1 {
				fmt.Fprintln(cmd.ErrOrStderr(), "\nInterrupted. Running installs continue on their hosts; press Ctrl+C again to quit now.")
				progress.Silence()
			} else {
				os.Exit(130)
			}
		}
	}()

	ch, err := eng.Stream(ctx, req)
	if err != nil {
		return err
	}
	var results []*types.InstallResult
	for res := range ch {
		progress.Complete(res)
		results = append(results, res)
	}

	if table {
		progress.PrintFinalSummary()
	} else if _, err := printStructured(out, o.output, results); err != nil {
		return err
	}
	return failureSummary(results)
}

func runPlan(ctx context.Context, eng *engine.Engine, req engine.Request, progress *ProgressTable, out io.Writer, format string) error {
	entries, stopped, err := eng.Plan(ctx, req)
	if err != nil {
		return err
	}
	defer func() {
		for _, entry := range entries {
			_ = entry.Discard()
		}
	}()

	type planned struct {
		Target    string   `json:"target" yaml:"target"`
		Build     string   `json:"build" yaml:"build"`
		Installer string   `json:"installer" yaml:"installer"`
		Protocol  string   `json:"protocol" yaml:"protocol"`
		Arguments []string `json:"arguments" yaml:"arguments"`
		Notes     []string `json:"notes,omitempty" yaml:"notes,omitempty"`
	}
	report := struct {
		Planned []planned              `json:"planned" yaml:"planned"`
		Stopped []*types.InstallResult `json:"stopped,omitempty" yaml:"stopped,omitempty"`
	}{Stopped: stopped}
	for _, entry := range entries {
		report.Planned = append(report.Planned, planned{
			Target:    entry.Target.String(),
			Build:     entry.Version.Build.String(),
			Installer: entry.Installer,
			Protocol:  string(entry.Protocol),
			Arguments: entry.Arguments.Redacted(),
			Notes:     entry.Notes,
		})
	}

	if done, err := printStructured(out, format, report); done {
		if err != nil {
			return err
		}
		return failureSummary(stopped)
	}

	fmt.Fprintf(out, "%-28s %-10s %-12s %s\n", "TARGET", "PROTOCOL", "BUILD", "INSTALLER")
	for _, p := range report.Planned {
		fmt.Fprintf(out, "%-28s %-10s %-12s %s\n", truncateString(p.Target, 28), p.Protocol, p.Build, p.Installer)
		for _, note := range p.Notes {
			fmt.Fprintf(out, "    - %s\n", note)
		}
	}
	for _, res := range stopped {
		progress.Complete(res)
	}
	return failureSummary(stopped)
}

// failureSummary returns one error listing every target that did not succeed.
func failureSummary(results []*types.InstallResult) error {
	var result *multierror.Error
	for _, res := range results {
		if res.Successful {
			continue
		}
		msg := string(res.Status)
		if res.Error != "" {
			msg = res.Error
		}
		result = multierror.Append(result, fmt.Errorf("%s: %s", res.Target(), msg))
	}
	if result == nil {
		return nil
	}
	result.ErrorFormat = func(errs []error) string {
		lines := make([]string, len(errs))
		for i, err := range errs {
			lines[i] = "  " + err.Error()
		}
		return fmt.Sprintf("%s\n%s", executor.Summarize(results), strings.Join(lines, "\n"))
	}
	return result
}

// parseKeyValues parses KEY=value pairs.
func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, errors.ValidationError(fmt.Sprintf("expected KEY=value, got %q", pair), nil)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

// parseAuthMode accepts windows and mixed in any case. Anything else is
// passed through for Validate to reject.
func parseAuthMode(s string) setupconfig.AuthMode {
	for _, m := range []setupconfig.AuthMode{setupconfig.AuthWindows, setupconfig.AuthMixed} {
		if strings.EqualFold(s, string(m)) {
			return m
		}
	}
	return setupconfig.AuthMode(s)
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}
