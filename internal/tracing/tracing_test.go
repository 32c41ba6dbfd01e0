package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(nopWriter{})
	return logger
}

func TestDefaultConfig_IsDisabledByDefault(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "otlp", cfg.Exporter)
	assert.NotNil(t, cfg.Headers)
}

func TestNewManager_DisabledReturnsNoopManager(t *testing.T) {
	m, err := NewManager(Config{Enabled: false}, testLogger())
	require.NoError(t, err)
	require.NotNil(t, m)

	// Shutdown on a never-initialized provider must be a no-op, not a panic.
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_StagePropagatesErrorAndRuns(t *testing.T) {
	m, err := NewManager(Config{Enabled: false}, testLogger())
	require.NoError(t, err)

	ran := false
	err = m.Stage(context.Background(), "parse", 10, func(ctx context.Context) error {
		ran = true
		assert.NotNil(t, ctx)
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, ran)

	wantErr := errors.New("boom")
	err = m.Stage(context.Background(), "parse", -1, func(ctx context.Context) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestNewManager_EnabledWithUnsupportedExporterFails(t *testing.T) {
	_, err := NewManager(Config{
		Enabled:     true,
		Exporter:    "bogus",
		ServiceName: "obdpipeline",
	}, testLogger())
	assert.Error(t, err)
}
