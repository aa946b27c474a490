package setupconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/instctl/pkg/errors"
	"github.com/davidthor/instctl/pkg/version"
)

func TestConfiguration_Ordering(t *testing.T) {
	c := New(SectionOptions)
	c.SetString("action", "Install")
	c.SetString("FEATURES", "SQLENGINE")
	c.Set("SQLSYSADMINACCOUNTS", List(`CORP\dba`, `CORP\ops`))
	c.SetString("Action", "Upgrade")

	assert.Equal(t, []string{"ACTION", "FEATURES", "SQLSYSADMINACCOUNTS"}, c.Keys())
	assert.Equal(t, "Upgrade", c.GetString("ACTION"))

	v, ok := c.Get("sqlsysadminaccounts")
	require.True(t, ok)
	assert.True(t, v.IsList())
	assert.Equal(t, []string{`CORP\dba`, `CORP\ops`}, v.Items())

	c.Delete("features")
	assert.False(t, c.Has("FEATURES"))
	assert.Equal(t, []string{"ACTION", "SQLSYSADMINACCOUNTS"}, c.Keys())
	assert.Equal(t, 2, c.Len())
}

func TestConfiguration_CloneIsDeep(t *testing.T) {
	c := New(SectionLegacy)
	c.Set("LIST", List("a", "b"))
	c.SetString("ONE", "1")

	cp := c.Clone()
	cp.SetString("ONE", "2")
	cp.Set("NEW", Scalar("x"))

	assert.Equal(t, "1", c.GetString("ONE"))
	assert.False(t, c.Has("NEW"))
	assert.Equal(t, SectionLegacy, cp.Section())

	v, _ := cp.Get("LIST")
	assert.True(t, v.Equal(List("a", "b")))
}

func TestConfiguration_Merge(t *testing.T) {
	base := New(SectionOptions)
	base.SetString("A", "1")
	base.SetString("B", "2")

	over := New(SectionOptions)
	over.SetString("B", "3")
	over.SetString("C", "4")

	base.Merge(over)
	assert.Equal(t, []string{"A", "B", "C"}, base.Keys())
	assert.Equal(t, map[string]string{"A": "1", "B": "3", "C": "4"}, base.Map())
}

func TestSectionFor(t *testing.T) {
	catalog := version.DefaultCatalog()
	for name, want := range map[string]string{
		"2008":   SectionLegacy,
		"2008R2": SectionLegacy,
		"2012":   SectionOptions,
		"2022":   SectionOptions,
	} {
		d, err := catalog.ResolveBuild(name)
		require.NoError(t, err)
		assert.Equal(t, want, SectionFor(d), name)
	}
}

func TestDecode(t *testing.T) {
	data := []byte(`; setup file
[OPTIONS]
ACTION="Install"
FEATURES=SQLENGINE,REPLICATION
SQLSYSADMINACCOUNTS="CORP\dba" "CORP\ops team"
INSTANCEDIR="C:\Program Files\Microsoft SQL Server"
SQLCOLLATION="Latin1_General_CI_AS"
INSTALLSHAREDDIR=C:\Program Files\
`)

	c, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, SectionOptions, c.Section())
	assert.Equal(t, "Install", c.GetString("ACTION"))
	assert.Equal(t, "SQLENGINE,REPLICATION", c.GetString("FEATURES"))
	assert.Equal(t, `C:\Program Files\Microsoft SQL Server`, c.GetString("INSTANCEDIR"))
	assert.Equal(t, "Latin1_General_CI_AS", c.GetString("SQLCOLLATION"))
	assert.Equal(t, `C:\Program Files\`, c.GetString("INSTALLSHAREDDIR"))

	admins, _ := c.Get("SQLSYSADMINACCOUNTS")
	assert.Equal(t, []string{`CORP\dba`, `CORP\ops team`}, admins.Items())
}

func TestDecode_Sections(t *testing.T) {
	c, err := Decode([]byte("[SQLSERVER2008]\nACTION=\"Install\"\n"))
	require.NoError(t, err)
	assert.Equal(t, SectionLegacy, c.Section())

	_, err = Decode([]byte("[OTHER]\nACTION=Install\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfig))

	_, err = Decode([]byte("[OPTIONS]\nA=1\n[SQLSERVER2008]\nB=2\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeConfig))
}

func TestEncode(t *testing.T) {
	c := New(SectionOptions)
	c.SetString("ACTION", "Install")
	c.Set("SQLSYSADMINACCOUNTS", List(`CORP\dba`, `CORP\ops team`))

	data, err := Encode(c)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "[OPTIONS]")
	assert.Contains(t, text, `"Install"`)
	assert.Contains(t, text, `"CORP\dba" "CORP\ops team"`)

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, c.Keys(), back.Keys())
	admins, _ := back.Get("SQLSYSADMINACCOUNTS")
	assert.True(t, admins.IsList())
}

func TestEncode_CommentCharactersStayLiteral(t *testing.T) {
	c := New(SectionOptions)
	c.SetString("SQLBACKUPDIR", `D:\Backup;old`)
	c.SetString("INSTANCEDIR", `D:\sql#1`)

	data, err := Encode(c)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `"D:\Backup;old"`)
	assert.Contains(t, text, `"D:\sql#1"`)
	assert.NotContains(t, text, "`")

	back, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, `D:\Backup;old`, back.GetString("SQLBACKUPDIR"))
	assert.Equal(t, `D:\sql#1`, back.GetString("INSTANCEDIR"))
}

func TestDecodeFile_Missing(t *testing.T) {
	_, err := DecodeFile(t.TempDir() + "/nope.ini")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeParse))
}

func TestWriteFile(t *testing.T) {
	path := t.TempDir() + "/ConfigurationFile.ini"
	c := New(SectionLegacy)
	c.SetString("ACTION", "Install")
	require.NoError(t, WriteFile(path, c))

	back, err := DecodeFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Install", back.GetString("ACTION"))
}

func TestKeys(t *testing.T) {
	assert.True(t, IsKnownKey("features"))
	assert.False(t, IsKnownKey("FILESTREAMLEVEL"))
	assert.True(t, IsSecretKey("sapwd"))
	assert.True(t, IsSecretKey("SQLSVCPASSWORD"))
	assert.False(t, IsSecretKey("SQLSVCACCOUNT"))
	assert.Len(t, Services(), 7)
}
