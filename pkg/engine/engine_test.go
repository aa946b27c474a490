package engine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/instctl/pkg/auth"
	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/features"
	"github.com/davidthor/instctl/pkg/remote"
	"github.com/davidthor/instctl/pkg/remote/remotetest"
	"github.com/davidthor/instctl/pkg/setupconfig"
	"github.com/davidthor/instctl/pkg/state"
	"github.com/davidthor/instctl/pkg/state/backend/local"
	"github.com/davidthor/instctl/pkg/state/types"
	"github.com/davidthor/instctl/pkg/target"
)

const mediaRoot = `\\files\media`

var productVersions = map[string]string{
	"2008": "10.0.1600.22",
	"2014": "12.0.2000.8",
	"2016": "13.0.1601.5",
	"2017": "14.0.1000.169",
	"2019": "15.0.2000.5",
}

func hosts(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("sql%02d", i+1)
	}
	return out
}

// withMedia makes setup for release visible from every host.
func withMedia(fake *remotetest.Fake, release string, names ...string) {
	for _, h := range names {
		fake.Host(h).Files = map[string][]remote.FileInfo{mediaRoot: {{
			Path:           mediaRoot + `\SQL` + release + `\setup.exe`,
			Description:    "SQL Server Setup Bootstrapper",
			ProductVersion: productVersions[release],
		}}}
	}
}

func newTestEngine(t *testing.T, fake *remotetest.Fake, opts Options) *Engine {
	t.Helper()
	if opts.Logger == nil {
		logger, _ := logtest.NewNullLogger()
		opts.Logger = logger
	}
	if opts.Resolver == nil {
		opts.Resolver = target.StaticResolver{}
	}
	if opts.TempDir == "" {
		opts.TempDir = t.TempDir()
	}
	return NewEngine(fake, opts)
}

func baseRequest(release string, targets ...string) Request {
	return Request{
		Targets:    targets,
		Version:    release,
		MediaRoots: []string{mediaRoot},
		Restart:    true,
	}
}

func byHost(results []*types.InstallResult) map[string]*types.InstallResult {
	out := make(map[string]*types.InstallResult, len(results))
	for _, r := range results {
		out[r.Target()] = r
	}
	return out
}

func TestNewEngine_Defaults(t *testing.T) {
	e := NewEngine(remotetest.New(), Options{})
	assert.NotNil(t, e.versions)
	assert.NotNil(t, e.features)
	assert.NotNil(t, e.resolver)
	assert.NotNil(t, e.builder)
	assert.NotNil(t, e.logger)
}

func TestRequest_ValidateReportsEverything(t *testing.T) {
	err := Request{Targets: []string{"sql01,notaport", `sql02\`}, Throttle: -1, AuthPreference: "Telepathy"}.Validate()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 6)
	for _, e := range merr.Errors {
		assert.True(t, errors.Is(e, errors.ErrCodeValidation), e.Error())
	}

	assert.NoError(t, baseRequest("2017", "sql01").Validate())
}

func TestInstall_InvalidRequestRunsNothing(t *testing.T) {
	fake := remotetest.New()
	results, err := newTestEngine(t, fake, Options{}).Install(context.Background(), Request{Version: "2017"})
	require.Error(t, err)
	assert.Nil(t, results)
	assert.Empty(t, fake.Calls())
}

func TestInstall_2017Default(t *testing.T) {
	fake := remotetest.New()
	targets := []string{"sql01", `sql02\REPORTS`, "sql03,1450"}
	withMedia(fake, "2017", "sql01", "sql02", "sql03")

	results, err := newTestEngine(t, fake, Options{}).Install(context.Background(), baseRequest("2017", targets...))
	require.NoError(t, err)
	require.Len(t, results, 3)

	for _, r := range results {
		assert.Equal(t, types.StatusSucceeded, r.Status, "%s: %s", r.Target(), r.Error)
		assert.Equal(t, "14.0.1000", r.Build)
		assert.Equal(t, "SQLEngine,Replication,FullText,Conn,BC,SDK", r.Configuration["FEATURES"])
	}
	got := byHost(results)
	assert.Equal(t, "REPORTS", got[`sql02\REPORTS`].InstanceName)
	assert.Equal(t, 1450, got["sql03"].Port)
	assert.Len(t, fake.CallsTo("sql03", "SetServicePort"), 1)

	for _, h := range []string{"sql01", "sql02", "sql03"} {
		assert.Len(t, fake.CallsTo(h, "RunInstaller"), 1)
		assert.Empty(t, fake.Staged(h))
	}
}

func TestInstall_ThrottleLimitsConcurrency(t *testing.T) {
	fake := remotetest.New()
	fake.InstallerDelay = 30 * time.Millisecond
	names := hosts(8)
	withMedia(fake, "2019", names...)
	req := baseRequest("2019", names...)
	req.Throttle = 3

	results, err := newTestEngine(t, fake, Options{}).Install(context.Background(), req)
	require.NoError(t, err)

	assert.Len(t, results, 8)
	assert.LessOrEqual(t, fake.MaxActive(), 3)
	assert.GreaterOrEqual(t, fake.MaxActive(), 2)
}

func TestInstall_ThrottleOneRunsSequentially(t *testing.T) {
	fake := remotetest.New()
	names := hosts(3)
	withMedia(fake, "2019", names...)
	req := baseRequest("2019", names...)
	req.Throttle = 1

	results, err := newTestEngine(t, fake, Options{}).Install(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, results, 3)

	for i, r := range results {
		assert.Equal(t, names[i], r.ComputerName)
		if i > 0 {
			assert.False(t, r.StartedAt.Before(results[i-1].EndedAt), "%s overlapped %s", r.ComputerName, results[i-1].ComputerName)
		}
	}
	assert.Equal(t, 1, fake.MaxActive())
}

func TestInstall_SameHostInstancesDoNotOverlap(t *testing.T) {
	fake := remotetest.New()
	fake.InstallerDelay = 20 * time.Millisecond
	withMedia(fake, "2017", "sql01")

	results, err := newTestEngine(t, fake, Options{}).Install(context.Background(),
		baseRequest("2017", `sql01\A`, `sql01\B`, `sql01\C`))
	require.NoError(t, err)

	assert.Len(t, results, 3)
	assert.Equal(t, 1, fake.MaxActive())
}

func TestInstall_AliasesOfOneHostDoNotOverlap(t *testing.T) {
	fake := remotetest.New()
	fake.InstallerDelay = 20 * time.Millisecond
	withMedia(fake, "2017", "sql01.corp.local")
	resolver := target.StaticResolver{Names: map[string]string{"sql01": "sql01.corp.local"}}

	results, err := newTestEngine(t, fake, Options{Resolver: resolver}).Install(context.Background(),
		baseRequest("2017", `sql01\A`, `SQL01.corp.local\B`))
	require.NoError(t, err)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, types.StatusSucceeded, r.Status, r.Error)
	}
	assert.Equal(t, 1, fake.MaxActive())
	assert.Len(t, fake.CallsTo("sql01.corp.local", "RunInstaller"), 2)
}

func TestInstall_RebootRequired(t *testing.T) {
	fake := remotetest.New()
	withMedia(fake, "2017", "sql01", "sql02")
	fake.Host("sql01").ExitCode = 3010

	results, err := newTestEngine(t, fake, Options{}).Install(context.Background(), baseRequest("2017", "sql01", "sql02"))
	require.NoError(t, err)

	got := byHost(results)
	assert.True(t, got["sql01"].Successful)
	assert.True(t, got["sql01"].Restarted)
	assert.Equal(t, 3010, *got["sql01"].ExitCode)
	assert.False(t, got["sql02"].Restarted)
	assert.Equal(t, 0, *got["sql02"].ExitCode)
}

func TestInstall_FailureIsolatedToTarget(t *testing.T) {
	fake := remotetest.New()
	withMedia(fake, "2017", "sql01", "sql02")
	fake.Host("sql02").ExitCode = 1603

	results, err := newTestEngine(t, fake, Options{}).Install(context.Background(), baseRequest("2017", "sql01", "sql02"))
	require.NoError(t, err)

	got := byHost(results)
	assert.Equal(t, types.StatusSucceeded, got["sql01"].Status)
	assert.Equal(t, types.StatusFailed, got["sql02"].Status)
	assert.Equal(t, 1603, *got["sql02"].ExitCode)
	assert.Equal(t, 0, *got["sql01"].ExitCode)
}

func TestInstall_UnknownVersionFailsEveryTarget(t *testing.T) {
	fake := remotetest.New()

	results, err := newTestEngine(t, fake, Options{}).Install(context.Background(), baseRequest("2031", "sql01", "sql02"))
	require.NoError(t, err)
	require.Len(t, results, 2)

	for _, r := range results {
		assert.Equal(t, types.StatusFailed, r.Status)
		assert.Equal(t, string(errors.ErrCodeVersionUnknown), r.ErrorCode)
		assert.Equal(t, "2031", r.Version)
	}
	assert.Empty(t, fake.Calls())
}

func TestInstall_UnsupportedFeature(t *testing.T) {
	table, err := features.NewTable([]features.Feature{
		{Name: "Engine", Tokens: []string{"SQLEngine"}},
		{Name: "AnalysisServices", Tokens: []string{"AS"}, MaxVersion: "11.0"},
	}, map[string][]string{"Default": {"Engine"}})
	require.NoError(t, err)

	fake := remotetest.New()
	withMedia(fake, "2014", "sql01")
	req := baseRequest("2014", "sql01")
	req.Features = []string{"AnalysisServices"}

	results, err := newTestEngine(t, fake, Options{Features: table}).Install(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, results, 1)

	r := results[0]
	assert.Equal(t, types.StatusFailed, r.Status)
	assert.Equal(t, string(errors.ErrCodeFeatureUnsupported), r.ErrorCode)
	require.NotEmpty(t, r.Notes)
	assert.Contains(t, r.Notes[0], "AnalysisServices")
	assert.Empty(t, fake.CallsTo("sql01", "RunInstaller"))
}

func TestInstall_PendingRebootBlocks(t *testing.T) {
	fake := remotetest.New()
	withMedia(fake, "2017", "sql01", "sql02")
	fake.Host("sql01").RebootPending = true
	req := baseRequest("2017", "sql01", "sql02")
	req.Restart = false

	results, err := newTestEngine(t, fake, Options{}).Install(context.Background(), req)
	require.NoError(t, err)

	got := byHost(results)
	assert.Equal(t, types.StatusBlocked, got["sql01"].Status)
	assert.Equal(t, string(errors.ErrCodePendingReboot), got["sql01"].ErrorCode)
	assert.Contains(t, got["sql01"].Notes, got["sql01"].Error)
	assert.Empty(t, fake.CallsTo("sql01", "RunInstaller"))
	assert.Equal(t, types.StatusSucceeded, got["sql02"].Status)
}

func TestInstall_FallbackDeclinedAbandonsAndAsksOnce(t *testing.T) {
	fake := remotetest.New()
	names := hosts(4)
	withMedia(fake, "2017", names...)
	for _, h := range names {
		fake.Host(h).FailProbe = map[remote.Protocol]bool{remote.ProtocolCredSSP: true}
	}

	var asked int32
	req := baseRequest("2017", names...)
	req.Credential = &remote.Credential{Username: `CORP\installer`, Password: "pw"}
	req.Confirmer = auth.ConfirmFunc(func(context.Context, string, remote.Protocol, remote.Protocol) (bool, error) {
		atomic.AddInt32(&asked, 1)
		return false, nil
	})

	results, err := newTestEngine(t, fake, Options{}).Install(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, results, 4)

	for _, r := range results {
		assert.Equal(t, types.StatusAbandoned, r.Status)
		assert.Equal(t, string(errors.ErrCodeProtocolDeclined), r.ErrorCode)
		assert.Contains(t, r.Notes, r.Error)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&asked))
	for _, h := range names {
		assert.Empty(t, fake.CallsTo(h, "RunInstaller"))
	}
}

func TestInstall_SAPasswordNeverLogged(t *testing.T) {
	fake := remotetest.New()
	withMedia(fake, "2017", "sql01", "sql02")
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	req := baseRequest("2017", "sql01", "sql02")
	req.AuthenticationMode = setupconfig.AuthMixed
	req.Accounts = map[setupconfig.Service]*remote.Credential{
		setupconfig.ServiceEngine: {Username: `CORP\sqlsvc`, Password: "Engine-Secret-7"},
	}

	results, err := newTestEngine(t, fake, Options{Logger: logger}).Install(context.Background(), req)
	require.NoError(t, err)

	var secrets []string
	for _, r := range results {
		require.True(t, r.Successful, r.Error)
		require.NotNil(t, r.SACredential)
		require.NotEmpty(t, r.SACredential.Password)
		secrets = append(secrets, r.SACredential.Password)
		assert.NotContains(t, fake.InstalledConfig(r.ComputerName), r.SACredential.Password)
	}
	secrets = append(secrets, "Engine-Secret-7")

	require.NotEmpty(t, hook.AllEntries())
	for _, e := range hook.AllEntries() {
		line, err := e.String()
		require.NoError(t, err)
		for _, s := range secrets {
			assert.NotContains(t, line, s)
		}
	}
}

func TestInstall_RecordsRun(t *testing.T) {
	b, err := local.NewBackend(map[string]string{"path": t.TempDir()})
	require.NoError(t, err)
	sm := state.NewManager(b)

	fake := remotetest.New()
	withMedia(fake, "2017", "sql01", "sql02")
	req := baseRequest("2017", "sql01", "sql02")
	req.User = "alice"

	results, err := newTestEngine(t, fake, Options{StateManager: sm}).Install(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, results, 2)

	ctx := context.Background()
	refs, err := sm.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 1)

	run, err := sm.GetRun(ctx, refs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", run.User)
	assert.True(t, run.Complete())
	assert.False(t, run.EndedAt.IsZero())
	assert.Equal(t, types.StatusSucceeded, run.Targets["sql01"].Status)

	saved, err := sm.ListResults(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, saved, 2)

	copyData, err := sm.ReadConfigCopy(ctx, run.ID, "sql02")
	require.NoError(t, err)
	assert.Contains(t, string(copyData), "[OPTIONS]")
}

func TestInstall_HostLockedByAnotherRun(t *testing.T) {
	b, err := local.NewBackend(map[string]string{"path": t.TempDir()})
	require.NoError(t, err)
	sm := state.NewManager(b)

	ctx := context.Background()
	held, err := sm.LockHost(ctx, state.LockScope{Host: "sql01", RunID: "other", Operation: "install", Who: "bob"})
	require.NoError(t, err)
	defer func() { _ = held.Unlock(ctx) }()

	fake := remotetest.New()
	withMedia(fake, "2017", "sql01", "sql02")

	results, err := newTestEngine(t, fake, Options{StateManager: sm}).Install(ctx, baseRequest("2017", "sql01", "sql02"))
	require.NoError(t, err)

	got := byHost(results)
	assert.Equal(t, types.StatusFailed, got["sql01"].Status)
	assert.Equal(t, string(errors.ErrCodeLocked), got["sql01"].ErrorCode)
	assert.Contains(t, got["sql01"].Error, "bob")
	assert.Empty(t, fake.CallsTo("sql01", "RunInstaller"))
	assert.Equal(t, types.StatusSucceeded, got["sql02"].Status)
}

func TestStream_YieldsEveryResult(t *testing.T) {
	fake := remotetest.New()
	names := hosts(5)
	withMedia(fake, "2016", names...)

	ch, err := newTestEngine(t, fake, Options{}).Stream(context.Background(), baseRequest("2016", names...))
	require.NoError(t, err)

	seen := map[string]bool{}
	for r := range ch {
		seen[r.ComputerName] = true
	}
	assert.Len(t, seen, 5)
}

func TestPlanThenExecutePlan(t *testing.T) {
	fake := remotetest.New()
	withMedia(fake, "2017", "sql01", "sql02")
	fake.Host("sql03").Files = map[string][]remote.FileInfo{}
	e := newTestEngine(t, fake, Options{})

	entries, stopped, err := e.Plan(context.Background(), baseRequest("2017", "sql01", "sql02", "sql03"))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Len(t, stopped, 1)
	assert.Equal(t, "sql03", stopped[0].ComputerName)
	assert.Equal(t, string(errors.ErrCodeMediaNotFound), stopped[0].ErrorCode)

	for _, entry := range entries {
		assert.True(t, strings.HasSuffix(entry.Installer, `\SQL2017\setup.exe`))
		assert.Empty(t, fake.CallsTo(entry.Target.Host(), "RunInstaller"))
	}

	results := e.ExecutePlan(context.Background(), entries, 2)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, types.StatusSucceeded, r.Status, r.Error)
	}
}

func TestPlan_DoesNotChangeHosts(t *testing.T) {
	fake := remotetest.New()
	withMedia(fake, "2008", "sql01")
	req := baseRequest("2008", "sql01")
	req.Credential = &remote.Credential{Username: `CORP\installer`, Password: "pw"}

	entries, stopped, err := newTestEngine(t, fake, Options{}).Plan(context.Background(), req)
	require.NoError(t, err)
	require.Empty(t, stopped)
	require.Len(t, entries, 1)
	defer func() { _ = entries[0].Discard() }()

	assert.Empty(t, fake.OpCalls("sql01", remote.OpEnableCredSSP))
	assert.Empty(t, fake.OpCalls("sql01", remote.OpInstallWindowsFeature))
	assert.Len(t, fake.OpCalls("sql01", remote.OpTestWindowsFeature), 1)
	assert.Empty(t, fake.CallsTo("sql01", "RunInstaller"))
	assert.Contains(t, entries[0].Notes, "would install NET-Framework-Core on sql01")
}
