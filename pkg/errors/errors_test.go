package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejection(t *testing.T) {
	err := NewRejection("parser", "Parse", "no header line found")
	assert.Equal(t, CodeInputRejection, err.Code)
	assert.Equal(t, SeverityHigh, err.Severity)
	assert.True(t, err.IsCritical())
	assert.Contains(t, err.Error(), "parser:Parse")
	assert.Contains(t, err.Error(), "no header line found")
}

func TestAppError_WrapAndUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New(CodeDataGap, "normalize", "Normalize", "bad cell").Wrap(cause)

	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, err.IsCritical())
}

func TestAppError_WithMetadata(t *testing.T) {
	err := New(CodeRuleGlitch, "clues", "Generate", "unknown field")
	err.WithMetadata("rule_id", "STAT_001")
	fields := err.ToFields()
	assert.Equal(t, "STAT_001", fields["error_meta_rule_id"])
	assert.Equal(t, CodeRuleGlitch, fields["error_code"])
}

func TestAsAppError(t *testing.T) {
	var err error = NewRejection("stats", "Extract", "empty input matrix")
	appErr, ok := AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "stats", appErr.Component)

	_, ok = AsAppError(errors.New("plain error"))
	assert.False(t, ok)
}
