package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/instctl/pkg/features"
	"github.com/davidthor/instctl/pkg/version"
)

func TestPrintFeatures(t *testing.T) {
	desc, err := version.DefaultCatalog().ResolveBuild("2019")
	require.NoError(t, err)

	cmd := newFeaturesCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)

	require.NoError(t, printFeatures(cmd, features.DefaultTable(), desc, "table"))
	out := buf.String()
	assert.Contains(t, out, "SQL Server 2019")
	assert.Contains(t, out, "FEATURE")
	assert.Contains(t, out, "Engine")
	assert.Contains(t, out, "TEMPLATE")
	assert.Contains(t, out, "Default")
}

func TestFeaturesCmd_RequiresVersion(t *testing.T) {
	cmd := newFeaturesCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"1999"})
	assert.Error(t, cmd.Execute())
}

func TestFeatureNames(t *testing.T) {
	desc, err := version.DefaultCatalog().ResolveBuild("2019")
	require.NoError(t, err)

	names := featureNames(features.DefaultTable(), desc)
	assert.Contains(t, names, "Default")
	assert.Contains(t, names, "All")
	assert.Contains(t, names, "Engine")

	all := featureNames(features.DefaultTable(), nil)
	assert.Contains(t, all, "Engine")
	seen := make(map[string]bool)
	for _, n := range all {
		assert.False(t, seen[n], "duplicate %s", n)
		seen[n] = true
	}
}

func TestFilterPrefix(t *testing.T) {
	assert.Equal(t, []string{"2016", "2017", "2019"}, filterPrefix([]string{"2008", "2016", "2017", "2019"}, "201"))
	assert.Equal(t, []string{"Engine"}, filterPrefix([]string{"Engine", "Tools"}, "eng"))
}

func TestRootCommands(t *testing.T) {
	names := make(map[string]bool)
	for _, sub := range rootCmd.Commands() {
		names[sub.Name()] = true
	}
	for _, expected := range []string{"install", "runs", "config", "features", "version", "completion"} {
		assert.True(t, names[expected], "missing command %s", expected)
	}
}

func TestVersionCmd(t *testing.T) {
	cmd := newVersionCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "instctl dev")
}
