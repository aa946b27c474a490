package setupconfig

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/features"
	"github.com/davidthor/instctl/pkg/remote"
	"github.com/davidthor/instctl/pkg/version"
)

func baseOptions(t *testing.T, ver string, names ...string) Options {
	t.Helper()
	d, err := version.DefaultCatalog().ResolveBuild(ver)
	require.NoError(t, err)
	if len(names) == 0 {
		names = []string{features.TemplateDefault}
	}
	set, err := features.DefaultTable().Resolve(names, d)
	require.NoError(t, err)
	return Options{Version: d, Features: set}
}

func cores(n int) func(context.Context) (int, error) {
	return func(context.Context) (int, error) { return n, nil }
}

func TestBuild_Defaults2017(t *testing.T) {
	opts := baseOptions(t, "2017")
	opts.CoreCount = cores(4)

	res, err := NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)

	cfg := res.Config
	assert.Equal(t, SectionOptions, cfg.Section())
	assert.Equal(t, "Install", cfg.GetString(KeyAction))
	assert.Equal(t, "SQLEngine,Replication,FullText,Conn,BC,SDK", cfg.GetString(KeyFeatures))
	assert.Equal(t, "MSSQLSERVER", cfg.GetString(KeyInstanceName))
	assert.Equal(t, DefaultCollation, cfg.GetString(KeyCollation))
	assert.Equal(t, `NT Service\MSSQLSERVER`, cfg.GetString(KeyEngineAccount))
	assert.Equal(t, `NT Service\SQLSERVERAGENT`, cfg.GetString(KeyAgentAccount))
	assert.Equal(t, "False", cfg.GetString(KeyUpdateEnabled))
	assert.Equal(t, "4", cfg.GetString(KeyTempDBFileCount))
	assert.False(t, cfg.Has(KeyBrowserStartup))
	assert.False(t, cfg.Has(KeySecurityMode))
	assert.Equal(t, []string{`BUILTIN\Administrators`}, mustGet(t, cfg, KeySysAdminAccounts).Items())

	assert.Equal(t, []string{"/IACCEPTSQLSERVERLICENSETERMS"}, res.Arguments.Strings())
	assert.Empty(t, res.SAPassword)
	assert.Empty(t, res.Notes)
}

func mustGet(t *testing.T, c *Configuration, key string) Value {
	t.Helper()
	v, ok := c.Get(key)
	require.True(t, ok, key)
	return v
}

func TestBuild_LegacySection(t *testing.T) {
	opts := baseOptions(t, "2008")
	opts.InstanceName = "SALES"
	opts.UpdateSource = `\\share\updates`

	res, err := NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)

	cfg := res.Config
	assert.Equal(t, SectionLegacy, cfg.Section())
	assert.Equal(t, `NT AUTHORITY\NETWORK SERVICE`, cfg.GetString(KeyEngineAccount))
	assert.Equal(t, "Automatic", cfg.GetString(KeyBrowserStartup))
	assert.False(t, cfg.Has(KeyUpdateEnabled))
	assert.False(t, cfg.Has(KeyTempDBFileCount))
	assert.Empty(t, res.Arguments.Strings())
}

func TestBuild_NamedInstanceVirtualAccounts(t *testing.T) {
	opts := baseOptions(t, "2019")
	opts.InstanceName = "SALES"

	res, err := NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, `NT Service\MSSQL$SALES`, res.Config.GetString(KeyEngineAccount))
	assert.Equal(t, `NT Service\SQLAgent$SALES`, res.Config.GetString(KeyAgentAccount))
	assert.Equal(t, "SALES", res.Config.GetString(KeyInstanceID))
}

func TestBuild_TempDBFileCount(t *testing.T) {
	for _, tt := range []struct {
		cores int
		want  string
	}{{2, "2"}, {8, "8"}, {32, "8"}, {0, "1"}} {
		t.Run(fmt.Sprint(tt.cores), func(t *testing.T) {
			opts := baseOptions(t, "2016")
			opts.CoreCount = cores(tt.cores)
			res, err := NewBuilder().Build(context.Background(), opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Config.GetString(KeyTempDBFileCount))
		})
	}

	t.Run("not queried below 13.0", func(t *testing.T) {
		called := false
		opts := baseOptions(t, "2014")
		opts.CoreCount = func(context.Context) (int, error) { called = true; return 4, nil }
		res, err := NewBuilder().Build(context.Background(), opts)
		require.NoError(t, err)
		assert.False(t, called)
		assert.False(t, res.Config.Has(KeyTempDBFileCount))
	})

	t.Run("query failure is a note", func(t *testing.T) {
		opts := baseOptions(t, "2019")
		opts.CoreCount = func(context.Context) (int, error) { return 0, fmt.Errorf("WMI timeout") }
		res, err := NewBuilder().Build(context.Background(), opts)
		require.NoError(t, err)
		assert.False(t, res.Config.Has(KeyTempDBFileCount))
		require.Len(t, res.Notes, 1)
		assert.Contains(t, res.Notes[0], "WMI timeout")
	})
}

func TestBuild_Layering(t *testing.T) {
	ini := New(SectionOptions)
	ini.SetString(KeyCollation, "Latin1_General_CI_AS")
	ini.SetString("FILESTREAMLEVEL", "1")
	ini.SetString(KeyInstanceDir, `D:\ini`)

	opts := baseOptions(t, "2019")
	opts.InstancePath = `C:\defaults`
	opts.IniFile = ini
	opts.Overrides = map[string]string{
		"instancedir":         `E:\override`,
		"SQLSYSADMINACCOUNTS": `"CORP\a" "CORP\b"`,
	}

	res, err := NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)

	cfg := res.Config
	assert.Equal(t, "Latin1_General_CI_AS", cfg.GetString(KeyCollation))
	assert.Equal(t, `E:\override`, cfg.GetString(KeyInstanceDir))
	assert.Equal(t, "1", cfg.GetString("FILESTREAMLEVEL"))
	assert.Equal(t, []string{`CORP\a`, `CORP\b`}, mustGet(t, cfg, KeySysAdminAccounts).Items())
	assert.Equal(t, []string{"FILESTREAMLEVEL"}, res.Passthrough)
}

func TestBuild_IniSectionMismatch(t *testing.T) {
	opts := baseOptions(t, "2008R2")
	opts.IniFile = New(SectionOptions)

	_, err := NewBuilder().Build(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfig))
}

func TestBuild_EmptyFeaturesAfterMergeFails(t *testing.T) {
	opts := baseOptions(t, "2019")
	opts.Overrides = map[string]string{"FEATURES": ""}

	_, err := NewBuilder().Build(context.Background(), opts)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfig))
}

func TestBuild_UpdateSourceEnablesUpdates(t *testing.T) {
	opts := baseOptions(t, "2019")
	opts.Overrides = map[string]string{"UpdateSource": `\\share\cu`}
	res, err := NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "True", res.Config.GetString(KeyUpdateEnabled))

	opts.Overrides = map[string]string{"UPDATESOURCE": `\\share\cu`, "UPDATEENABLED": "False"}
	res, err = NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "False", res.Config.GetString(KeyUpdateEnabled))
}

func TestBuild_Credentials(t *testing.T) {
	opts := baseOptions(t, "2019")
	opts.Accounts = map[Service]*remote.Credential{
		ServiceEngine:   {Username: `CORP\sqlsvc`, Password: "eng-secret"},
		ServiceAgent:    {Username: `CORP\agtsvc`},
		ServiceFullText: {Password: "ft-secret"},
		ServicePolyBase: {Username: `CORP\pb`, Password: "pb-secret"},
		ServiceSA:       {Username: "ignored", Password: "sa-secret"},
	}
	opts.Overrides = map[string]string{KeyEngineAccount: `CORP\overridden`}

	res, err := NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)

	cfg := res.Config
	assert.Equal(t, `CORP\sqlsvc`, cfg.GetString(KeyEngineAccount))
	assert.Equal(t, `CORP\agtsvc`, cfg.GetString(KeyAgentAccount))
	assert.Equal(t, `CORP\pb`, cfg.GetString(KeyPolyBaseAccount))
	assert.False(t, cfg.Has(KeyFullTextAccount))

	args := res.Arguments.Strings()
	assert.Contains(t, args, `/SQLSVCPASSWORD="eng-secret"`)
	assert.Contains(t, args, `/FTSVCPASSWORD="ft-secret"`)
	assert.Contains(t, args, `/PBENGSVCPASSWORD="pb-secret"`)
	assert.Contains(t, args, `/SAPWD="sa-secret"`)
	assert.NotContains(t, strings.Join(args, " "), "AGTSVCPASSWORD")

	encoded, err := Encode(cfg)
	require.NoError(t, err)
	for _, secret := range []string{"eng-secret", "ft-secret", "pb-secret", "sa-secret"} {
		assert.NotContains(t, string(encoded), secret)
		assert.NotContains(t, res.Arguments.String(), secret)
	}
}

func TestBuild_SecretsInOverridesBecomeArguments(t *testing.T) {
	opts := baseOptions(t, "2019")
	opts.Overrides = map[string]string{"SAPWD": "from-override", "ASSVCPASSWORD": "as-secret"}

	res, err := NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, res.Config.Has("SAPWD"))
	assert.False(t, res.Config.Has("ASSVCPASSWORD"))
	assert.Contains(t, res.Arguments.Strings(), `/SAPWD="from-override"`)
	assert.Contains(t, res.Arguments.Strings(), `/ASSVCPASSWORD="as-secret"`)
}

func TestBuild_MixedModeGeneratesSAPassword(t *testing.T) {
	opts := baseOptions(t, "2017")
	opts.AuthenticationMode = AuthMixed

	res, err := NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, SecurityModeSQL, res.Config.GetString(KeySecurityMode))
	assert.Len(t, res.SAPassword, 15)
	assert.Contains(t, res.Arguments.Strings(), fmt.Sprintf(`/SAPWD="%s"`, res.SAPassword))
	assert.NotContains(t, res.Arguments.String(), res.SAPassword)

	opts.Accounts = map[Service]*remote.Credential{ServiceSA: {Password: "given"}}
	res, err = NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)
	assert.Empty(t, res.SAPassword)
	assert.Contains(t, res.Arguments.Strings(), `/SAPWD="given"`)
}

func TestBuild_WindowsModeNeverGenerates(t *testing.T) {
	res, err := NewBuilder().Build(context.Background(), baseOptions(t, "2017"))
	require.NoError(t, err)
	assert.Empty(t, res.SAPassword)
	assert.False(t, res.Arguments.HasSecret(KeySAPassword))
}

func TestBuild_VolumeMaintenance(t *testing.T) {
	opts := baseOptions(t, "2016")
	opts.PerformVolumeMaintenanceTasks = true
	res, err := NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, "True", res.Config.GetString(KeyInstantFileInit))

	opts = baseOptions(t, "2014")
	opts.PerformVolumeMaintenanceTasks = true
	res, err = NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, res.Config.Has(KeyInstantFileInit))
}

func TestBuild_LicenseSwitches(t *testing.T) {
	opts := baseOptions(t, "2017", "Engine", "R", "Python")
	res, err := NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/IACCEPTSQLSERVERLICENSETERMS",
		"/IACCEPTROPENLICENSETERMS",
		"/IACCEPTPYTHONLICENSETERMS",
	}, res.Arguments.Strings())
}

func TestBuild_DefaultAdminIsCredentialUser(t *testing.T) {
	opts := baseOptions(t, "2019")
	opts.Credential = &remote.Credential{Username: `CORP\installer`, Password: "x"}
	res, err := NewBuilder().Build(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, []string{`CORP\installer`}, mustGet(t, res.Config, KeySysAdminAccounts).Items())
}

func TestBuild_Deterministic(t *testing.T) {
	build := func() []byte {
		opts := baseOptions(t, "2019", "All")
		opts.InstanceName = "SALES"
		opts.Overrides = map[string]string{"B": "2", "A": "1", "C": "3"}
		opts.CoreCount = cores(6)
		res, err := NewBuilder().Build(context.Background(), opts)
		require.NoError(t, err)
		data, err := Encode(res.Config)
		require.NoError(t, err)
		return data
	}
	first := build()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, build())
	}
}

func TestBuild_RequiresInputs(t *testing.T) {
	_, err := NewBuilder().Build(context.Background(), Options{})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))

	d, _ := version.DefaultCatalog().ResolveBuild("2019")
	_, err = NewBuilder().Build(context.Background(), Options{Version: d})
	assert.True(t, errors.Is(err, errors.ErrCodeValidation))
}

func TestTempDBFileCount(t *testing.T) {
	assert.Equal(t, 1, TempDBFileCount(-3))
	assert.Equal(t, 5, TempDBFileCount(5))
	assert.Equal(t, 8, TempDBFileCount(64))
}
