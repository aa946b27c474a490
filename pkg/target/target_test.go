package target

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidthor/instctl/pkg/errors"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in       string
		name     string
		instance string
		port     int
	}{
		{"sql01", "sql01", "", 0},
		{`sql01\SALES`, "sql01", "SALES", 0},
		{"sql01,1433", "sql01", "", 1433},
		{`sql01.corp.local\SALES,14330`, "sql01.corp.local", "SALES", 14330},
		{"  sql02  ", "sql02", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.name, got.Name)
			assert.Equal(t, tt.instance, got.InstanceName)
			assert.Equal(t, tt.port, got.Port)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "   ", "sql01,abc", "sql01,70000", `sql01\`, `\SALES`} {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, errors.ErrCodeValidation))
		})
	}
}

func TestParseAll(t *testing.T) {
	targets, err := ParseAll([]string{"a", `b\X`})
	require.NoError(t, err)
	assert.Len(t, targets, 2)

	_, err = ParseAll([]string{"a", ""})
	assert.Error(t, err)
}

func TestTarget_Accessors(t *testing.T) {
	tgt := Target{Name: "SQL01", FQDN: "SQL01.corp.local", InstanceName: "SALES", Port: 1500}
	assert.Equal(t, "SQL01.corp.local", tgt.Host())
	assert.Equal(t, "sql01.corp.local", tgt.Key())
	assert.Equal(t, "SALES", tgt.Instance())
	assert.Equal(t, `SQL01.corp.local\SALES,1500`, tgt.String())

	def := Target{Name: "sql02"}
	assert.Equal(t, DefaultInstance, def.Instance())
	assert.Equal(t, "sql02", def.String())
}

func TestResolve_Static(t *testing.T) {
	r := StaticResolver{
		Names: map[string]string{"sql01": "sql01.corp.local"},
		Local: map[string]bool{"localhost": true},
		Fail:  map[string]error{"ghost": fmt.Errorf("no such host")},
	}
	ctx := context.Background()

	got, err := Resolve(ctx, r, Target{Name: "sql01"})
	require.NoError(t, err)
	assert.Equal(t, "sql01.corp.local", got.FQDN)
	assert.False(t, got.IsLocal)

	got, err = Resolve(ctx, r, Target{Name: "localhost"})
	require.NoError(t, err)
	assert.True(t, got.IsLocal)

	_, err = Resolve(ctx, r, Target{Name: "ghost"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeUnreachable))
}

func TestNetResolver_LocalNames(t *testing.T) {
	r := &NetResolver{Hostname: func() (string, error) { return "BUILD01", nil }}
	assert.True(t, r.isLocalName("."))
	assert.True(t, r.isLocalName("localhost"))
	assert.True(t, r.isLocalName("build01"))
	assert.True(t, r.isLocalName("build01.corp.local"))
	assert.False(t, r.isLocalName("sql01"))
}
