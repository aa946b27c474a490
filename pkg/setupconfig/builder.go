package setupconfig

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/features"
	"github.com/davidthor/instctl/pkg/remote"
	"github.com/davidthor/instctl/pkg/version"
)

const defaultInstance = "MSSQLSERVER"

// AuthMode selects how the engine authenticates logins.
type AuthMode string

const (
	AuthWindows AuthMode = "Windows"
	AuthMixed   AuthMode = "Mixed"
)

// Options are the inputs to Build.
type Options struct {
	Version      *version.Descriptor
	Features     *features.Set
	InstanceName string

	AuthenticationMode AuthMode
	Collation          string
	AdminAccounts      []string

	// Credential is the connecting credential. Its user becomes the default
	// sysadmin when AdminAccounts is empty.
	Credential *remote.Credential
	// Accounts holds per-service credentials, including ServiceSA.
	Accounts map[Service]*remote.Credential

	InstancePath string
	DataPath     string
	LogPath      string
	TempPath     string
	BackupPath   string

	PerformVolumeMaintenanceTasks bool
	UpdateSource                  string

	// IniFile is an externally supplied configuration applied over defaults.
	IniFile *Configuration
	// Overrides are applied last and always win.
	Overrides map[string]string

	// CoreCount reports physical cores on the target. Consulted from 13.0 on.
	CoreCount func(ctx context.Context) (int, error)
}

// Result is a built configuration and its command line.
type Result struct {
	Config    *Configuration
	Arguments Arguments
	// SAPassword is set only when it was generated for mixed mode.
	SAPassword string
	Notes      []string
	// Passthrough lists caller keys the builder does not model.
	Passthrough []string
}

// Builder assembles setup configurations.
type Builder struct {
	generatePassword func() (string, error)
}

// NewBuilder creates a builder that uses GeneratePassword for mixed mode.
func NewBuilder() *Builder {
	return &Builder{generatePassword: GeneratePassword}
}

// Build layers version defaults, the ini file and overrides, then applies
// credentials.
func (b *Builder) Build(ctx context.Context, opts Options) (*Result, error) {
	if opts.Version == nil {
		return nil, errors.ValidationError("version is required", nil)
	}
	if opts.Features == nil || len(opts.Features.Tokens) == 0 {
		return nil, errors.ValidationError("at least one feature is required", nil)
	}

	v := opts.Version
	section := SectionFor(v)
	res := &Result{Config: New(section)}
	cfg := res.Config

	b.applyDefaults(ctx, cfg, opts, res)

	if opts.IniFile != nil {
		if opts.IniFile.Section() != section {
			return nil, errors.Newf(errors.ErrCodeConfig,
				"configuration file section %s does not match %s required by SQL Server %s",
				opts.IniFile.Section(), section, v.Name).
				WithDetail("section", opts.IniFile.Section())
		}
		cfg.Merge(opts.IniFile)
	}

	applyOverrides(cfg, opts.Overrides)

	for _, k := range cfg.Keys() {
		if IsSecretKey(k) {
			if val := cfg.GetString(k); val != "" {
				res.Arguments.AddSecret(k, val)
			}
			cfg.Delete(k)
			continue
		}
		if !IsKnownKey(k) {
			res.Passthrough = append(res.Passthrough, k)
		}
	}

	if strings.TrimSpace(cfg.GetString(KeyAction)) == "" || strings.TrimSpace(cfg.GetString(KeyFeatures)) == "" {
		return nil, errors.Newf(errors.ErrCodeConfig, "%s section is missing %s or %s", section, KeyAction, KeyFeatures)
	}

	for _, slot := range accountSlots {
		applyCredential(cfg, &res.Arguments, slot, opts.Accounts[slot.service])
	}

	if strings.EqualFold(cfg.GetString(KeySecurityMode), SecurityModeSQL) && !res.Arguments.HasSecret(KeySAPassword) {
		pw, err := b.generatePassword()
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeInternal, "generating sa password", err)
		}
		res.Arguments.AddSecret(KeySAPassword, pw)
		res.SAPassword = pw
	}

	addLicenseSwitches(&res.Arguments, cfg, v)
	return res, nil
}

func (b *Builder) applyDefaults(ctx context.Context, cfg *Configuration, opts Options, res *Result) {
	v := opts.Version
	instance := opts.InstanceName
	if instance == "" {
		instance = defaultInstance
	}
	named := !strings.EqualFold(instance, defaultInstance)

	cfg.SetString(KeyAction, "Install")
	cfg.SetString(KeyFeatures, opts.Features.String())
	cfg.SetString(KeyInstanceName, instance)
	cfg.SetString(KeyInstanceID, instance)

	collation := opts.Collation
	if collation == "" {
		collation = DefaultCollation
	}
	cfg.SetString(KeyCollation, collation)

	admins := opts.AdminAccounts
	if len(admins) == 0 {
		if !opts.Credential.IsZero() && opts.Credential.Username != "" {
			admins = []string{opts.Credential.Username}
		} else {
			admins = []string{`BUILTIN\Administrators`}
		}
	}
	cfg.Set(KeySysAdminAccounts, List(admins...))

	engine, agent := virtualAccounts(v, instance, named)
	cfg.SetString(KeyEngineAccount, engine)
	cfg.SetString(KeyAgentAccount, agent)
	cfg.SetString(KeyEngineStartup, "Automatic")
	cfg.SetString(KeyAgentStartup, "Automatic")
	if named {
		cfg.SetString(KeyBrowserStartup, "Automatic")
	}

	cfg.SetString(KeyQuiet, "True")
	if v.AtLeast("11.0") {
		cfg.SetString(KeyUpdateEnabled, "False")
		if opts.UpdateSource != "" {
			cfg.SetString(KeyUpdateSource, opts.UpdateSource)
			cfg.SetString(KeyUpdateEnabled, "True")
		}
	}
	cfg.SetString(KeyTCPEnabled, "1")

	setIf(cfg, KeyInstanceDir, opts.InstancePath)
	setIf(cfg, KeyUserDBDir, opts.DataPath)
	setIf(cfg, KeyUserDBLogDir, opts.LogPath)
	setIf(cfg, KeyTempDBDir, opts.TempPath)
	setIf(cfg, KeyTempDBLogDir, opts.TempPath)
	setIf(cfg, KeyBackupDir, opts.BackupPath)

	if opts.AuthenticationMode == AuthMixed {
		cfg.SetString(KeySecurityMode, SecurityModeSQL)
	}

	if v.AtLeast("13.0") {
		if opts.PerformVolumeMaintenanceTasks {
			cfg.SetString(KeyInstantFileInit, "True")
		}
		if opts.CoreCount != nil {
			cores, err := opts.CoreCount(ctx)
			switch {
			case err != nil:
				res.Notes = append(res.Notes, fmt.Sprintf("could not read the core count, leaving %s at the setup default: %v", KeyTempDBFileCount, err))
			default:
				cfg.SetString(KeyTempDBFileCount, strconv.Itoa(TempDBFileCount(cores)))
			}
		}
	}
}

// TempDBFileCount caps cores at DefaultTempDBFileCeiling.
func TempDBFileCount(cores int) int {
	if cores < 1 {
		return 1
	}
	if cores > DefaultTempDBFileCeiling {
		return DefaultTempDBFileCeiling
	}
	return cores
}

func virtualAccounts(v *version.Descriptor, instance string, named bool) (engine, agent string) {
	if v.Below("11.0") {
		return `NT AUTHORITY\NETWORK SERVICE`, `NT AUTHORITY\NETWORK SERVICE`
	}
	if !named {
		return `NT Service\MSSQLSERVER`, `NT Service\SQLSERVERAGENT`
	}
	return `NT Service\MSSQL$` + instance, `NT Service\SQLAgent$` + instance
}

func setIf(cfg *Configuration, key, value string) {
	if value != "" {
		cfg.SetString(key, value)
	}
}

func applyOverrides(cfg *Configuration, overrides map[string]string) {
	if len(overrides) == 0 {
		return
	}
	keys := make([]string, 0, len(overrides))
	explicitUpdates := false
	hasSource := false
	for k := range overrides {
		keys = append(keys, k)
		switch normalize(k) {
		case KeyUpdateEnabled:
			explicitUpdates = true
		case KeyUpdateSource:
			hasSource = true
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		cfg.Set(k, parseValue(overrides[k]))
	}
	if hasSource && !explicitUpdates {
		cfg.SetString(KeyUpdateEnabled, "True")
	}
}

// applyCredential sets the account name field when the slot has one and
// appends the secret as a one-shot argument. The secret never enters cfg.
func applyCredential(cfg *Configuration, args *Arguments, slot accountSlot, cred *remote.Credential) {
	if cred.IsZero() {
		return
	}
	if slot.accountKey != "" && cred.Username != "" {
		cfg.SetString(slot.accountKey, cred.Username)
	}
	if cred.Password != "" {
		args.AddSecret(slot.passwordKey, cred.Password)
	}
}

func addLicenseSwitches(args *Arguments, cfg *Configuration, v *version.Descriptor) {
	if v.AtLeast("10.50") {
		args.Add("/IACCEPTSQLSERVERLICENSETERMS")
	}
	tokens := map[string]bool{}
	for _, tok := range strings.Split(cfg.GetString(KeyFeatures), ",") {
		tokens[strings.ToUpper(strings.TrimSpace(tok))] = true
	}
	if v.AtLeast("13.0") && (tokens["SQL_INST_MR"] || tokens["ADVANCEDANALYTICS"]) {
		args.Add("/IACCEPTROPENLICENSETERMS")
	}
	if v.AtLeast("14.0") && tokens["SQL_INST_MPY"] {
		args.Add("/IACCEPTPYTHONLICENSETERMS")
	}
}
