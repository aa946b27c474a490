package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/instctl/pkg/state/types"
	"github.com/davidthor/instctl/pkg/target"
)

func mustTarget(t *testing.T, s string) target.Target {
	t.Helper()
	tgt, err := target.Parse(s)
	require.NoError(t, err)
	return tgt
}

func TestNewProgressTable(t *testing.T) {
	buf := &bytes.Buffer{}
	pt := NewProgressTable(buf)

	assert.NotNil(t, pt)
	assert.NotNil(t, pt.targets)
	assert.Equal(t, 0, len(pt.order))
}

func TestProgressTable_AddTarget(t *testing.T) {
	pt := NewProgressTable(&bytes.Buffer{})

	pt.AddTarget(mustTarget(t, "sql01"))
	pt.AddTarget(mustTarget(t, `sql01\REPORTS`))
	pt.AddTarget(mustTarget(t, "SQL01"))

	assert.Equal(t, []string{`sql01\mssqlserver`, `sql01\reports`}, pt.order)
	assert.Equal(t, StatusPending, pt.targets[`sql01\reports`].Status)
	assert.True(t, pt.HasPending())
}

func TestTargetID(t *testing.T) {
	assert.Equal(t, `sql01\mssqlserver`, targetID("SQL01.corp.example.com", ""))
	assert.Equal(t, `sql01\reports`, targetID("sql01", "REPORTS"))
	assert.Equal(t, `10.0.0.5\mssqlserver`, targetID("10.0.0.5", "MSSQLSERVER"))
}

func TestProgressTable_CompleteMatchesResolvedName(t *testing.T) {
	buf := &bytes.Buffer{}
	pt := NewProgressTable(buf)
	pt.AddTarget(mustTarget(t, "sql01"))

	res := types.NewInstallResult("sql01.corp.example.com", "MSSQLSERVER", "2019")
	res.SetExitCode(3010)
	res.Restarted = true
	res.Finish(types.StatusSucceeded)
	pt.Complete(res)

	assert.Len(t, pt.order, 1)
	assert.Equal(t, 1, pt.Count(StatusSucceeded))
	assert.False(t, pt.HasPending())
	assert.Contains(t, buf.String(), "● sql01.corp.example.com succeeded")
	assert.Contains(t, buf.String(), "exit 3010, restarted")
}

func TestProgressTable_CompleteUnknownTarget(t *testing.T) {
	pt := NewProgressTable(&bytes.Buffer{})

	res := types.NewInstallResult("sql09", "MSSQLSERVER", "2019")
	res.Fail(types.StatusFailed, "UNREACHABLE", assertErr("no route"))
	pt.Complete(res)

	assert.Equal(t, 1, pt.Count(StatusFailed))
	assert.Equal(t, "sql09", pt.targets[`sql09\mssqlserver`].Name)
}

func TestProgressTable_Silence(t *testing.T) {
	buf := &bytes.Buffer{}
	pt := NewProgressTable(buf)
	pt.AddTarget(mustTarget(t, "sql01"))
	pt.Silence()

	res := types.NewInstallResult("sql01", "MSSQLSERVER", "2019")
	res.Finish(types.StatusSucceeded)
	pt.Complete(res)

	assert.Empty(t, buf.String())
	assert.Equal(t, 1, pt.Count(StatusSucceeded))
}

func TestProgressTable_PrintInitial(t *testing.T) {
	buf := &bytes.Buffer{}
	pt := NewProgressTable(buf)
	pt.AddTarget(mustTarget(t, "sql01"))
	pt.AddTarget(mustTarget(t, `sql02\REPORTS,1450`))

	pt.PrintInitial("2019", []string{"Engine", "FullText"}, 50)

	out := buf.String()
	assert.Contains(t, out, "Install Plan:")
	assert.Contains(t, out, "SQL Server 2019 (Engine, FullText)")
	assert.Contains(t, out, "+ sql01\n")
	assert.Contains(t, out, `+ sql02\REPORTS,1450`)
	assert.Contains(t, out, "Total: 2 target(s), at most 50 at a time")
}

func TestProgressTable_PrintFinalSummary(t *testing.T) {
	buf := &bytes.Buffer{}
	pt := NewProgressTable(buf)
	pt.AddTarget(mustTarget(t, "sql01"))
	pt.AddTarget(mustTarget(t, "sql02"))
	pt.AddTarget(mustTarget(t, "sql03"))

	ok := types.NewInstallResult("sql01", "MSSQLSERVER", "2019")
	ok.AddNote("TCP port set to 1450")
	ok.SACredential = &types.SACredential{Username: "sa", Password: "Generated-1"}
	ok.Finish(types.StatusSucceeded)
	pt.Complete(ok)

	failed := types.NewInstallResult("sql02", "MSSQLSERVER", "2019")
	failed.SetExitCode(1603)
	failed.Log = "Overall summary:\r\n  Final result: Failed\r\n  Exit code (Decimal): -2068643839"
	failed.Fail(types.StatusFailed, "EXECUTION_FAILED", assertErr("setup exited 1603"))
	failed.EndedAt = failed.StartedAt.Add(90 * time.Second)
	pt.Complete(failed)

	buf.Reset()
	pt.PrintFinalSummary()
	out := buf.String()

	assert.Contains(t, out, "Install completed with errors")
	assert.Contains(t, out, "● 1 succeeded, ✗ 1 failed, ◔ 0 blocked, ◌ 0 abandoned")
	assert.Contains(t, out, "- TCP port set to 1450")
	assert.Contains(t, out, "generated sa password: Generated-1")
	assert.Contains(t, out, "EXECUTION_FAILED: setup exited 1603")
	assert.Contains(t, out, "      Final result: Failed\n")
	assert.Contains(t, out, "○ sql03: no result")
}

func TestProgressTable_PrintFinalSummarySuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	pt := NewProgressTable(buf)
	pt.AddTarget(mustTarget(t, "sql01"))

	res := types.NewInstallResult("sql01", "MSSQLSERVER", "2019")
	res.Finish(types.StatusSucceeded)
	pt.Complete(res)
	pt.PrintFinalSummary()

	assert.Contains(t, buf.String(), "Install completed successfully")
	assert.Contains(t, buf.String(), "● 1 target(s) installed")
}

func TestProgressTable_StatusIcon(t *testing.T) {
	pt := NewProgressTable(&bytes.Buffer{})

	assert.Equal(t, "○", pt.statusIcon(StatusPending))
	assert.Equal(t, "●", pt.statusIcon(StatusSucceeded))
	assert.Equal(t, "✗", pt.statusIcon(StatusFailed))
	assert.Equal(t, "◔", pt.statusIcon(StatusBlocked))
	assert.Equal(t, "◌", pt.statusIcon(StatusAbandoned))
	assert.Equal(t, "?", pt.statusIcon(TargetStatus("unknown")))
}
