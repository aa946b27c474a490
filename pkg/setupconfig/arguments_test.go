package setupconfig

import (
	"strings"
	"testing"
	"unicode"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArguments_Redaction(t *testing.T) {
	var a Arguments
	a.Add("/IACCEPTSQLSERVERLICENSETERMS")
	a.AddSecret("sqlsvcpassword", "S3cret!")
	a.AddSecret("SAPWD", "first")
	a.AddSecret("SAPWD", "second")

	withFile := a.WithConfigFile(`C:\Windows\Temp\cfg.ini`)

	assert.Equal(t, []string{
		`/CONFIGURATIONFILE="C:\Windows\Temp\cfg.ini"`,
		"/IACCEPTSQLSERVERLICENSETERMS",
		`/SQLSVCPASSWORD="S3cret!"`,
		`/SAPWD="second"`,
	}, withFile.Strings())

	for _, s := range withFile.Redacted() {
		assert.NotContains(t, s, "S3cret!")
		assert.NotContains(t, s, "second")
	}
	assert.NotContains(t, withFile.String(), "S3cret!")
	assert.Contains(t, withFile.String(), `/SAPWD="********"`)

	assert.Equal(t, 3, a.Len())
	assert.True(t, a.HasSecret("sapwd"))
	assert.False(t, a.HasSecret("AGTSVCPASSWORD"))
}

func TestGeneratePassword(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		pw, err := GeneratePassword()
		require.NoError(t, err)
		assert.Len(t, pw, 15)
		assert.False(t, seen[pw])
		seen[pw] = true

		var lower, upper, digit, symbol bool
		for _, r := range pw {
			switch {
			case unicode.IsLower(r):
				lower = true
			case unicode.IsUpper(r):
				upper = true
			case unicode.IsDigit(r):
				digit = true
			case strings.ContainsRune(symbolChars, r):
				symbol = true
			}
		}
		assert.True(t, lower && upper && digit && symbol, pw)
		assert.NotContains(t, pw, `"`)
	}
}
