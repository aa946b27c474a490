package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := New(ErrCodeMediaNoMatch, "no setup.exe for 14.0")
	assert.Equal(t, "[MEDIA_NO_MATCH] no setup.exe for 14.0", err.Error())

	wrapped := Wrap(ErrCodeUnreachable, "probe failed", fmt.Errorf("connection refused"))
	assert.Equal(t, "[UNREACHABLE] probe failed: connection refused", wrapped.Error())
}

func TestIs_WalksChain(t *testing.T) {
	inner := FeatureUnsupported("PolyBase", "2014")
	outer := fmt.Errorf("planning sql01: %w", inner)

	assert.True(t, Is(outer, ErrCodeFeatureUnsupported))
	assert.False(t, Is(outer, ErrCodeConfig))
	assert.False(t, Is(stderrors.New("plain"), ErrCodeConfig))
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrCodeUnreachable, CodeOf(Unreachable("sql01", nil)))
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("boom")))
}

func TestFeatureUnsupported_Details(t *testing.T) {
	err := FeatureUnsupported("AnalysisServices", "2014")
	assert.Contains(t, err.Error(), "AnalysisServices")
	assert.Contains(t, err.Error(), "2014")
	assert.Equal(t, "AnalysisServices", err.Details["feature"])
}

func TestWithDetail(t *testing.T) {
	err := New(ErrCodeConfig, "missing section").WithDetail("section", "OPTIONS")
	assert.Equal(t, "OPTIONS", err.Details["section"])
}
