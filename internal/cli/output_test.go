package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintStructured(t *testing.T) {
	v := struct {
		Target string `json:"target" yaml:"target"`
		Exit   int    `json:"exit" yaml:"exit"`
	}{"sql01", 3010}

	buf := &bytes.Buffer{}
	done, err := printStructured(buf, "json", v)
	require.NoError(t, err)
	assert.True(t, done)
	assert.JSONEq(t, `{"target":"sql01","exit":3010}`, buf.String())

	buf.Reset()
	done, err = printStructured(buf, "yaml", v)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "target: sql01\nexit: 3010\n", buf.String())

	for _, format := range []string{"", "table"} {
		buf.Reset()
		done, err = printStructured(buf, format, v)
		require.NoError(t, err)
		assert.False(t, done)
		assert.Empty(t, buf.String())
	}

	done, err = printStructured(buf, "xml", v)
	assert.True(t, done)
	assert.Error(t, err)
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "sql01.c...", truncateString("sql01.corp.example.com", 10))
	assert.Equal(t, "sql", truncateString("sql01", 3))
}
