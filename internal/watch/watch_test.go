package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"obdpipeline/internal/app"
)

// TestWatcherNoGoroutineLeaks runs a real Watcher through a start/sleep/
// cancel/stop cycle under goleak.VerifyNone to confirm Stop leaves no tailing or
// rule-watching goroutines behind.
func TestWatcherNoGoroutineLeaks(t *testing.T) {
	defer goleak.VerifyNone(t,
		goleak.IgnoreTopFunction("github.com/nxadm/tail.(*Tail).tailFileSync"),
		goleak.IgnoreTopFunction("github.com/sirupsen/logrus.*"),
	)

	dir := t.TempDir()
	logPath := filepath.Join(dir, "run.tsv")
	require.NoError(t, os.WriteFile(logPath, []byte("Timestamp\tengine_rpm\n"), 0o644))

	rulesPath := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(rulesPath, []byte(minimalRuleYAML), 0o644))

	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("clues:\n  rules_path: "+rulesPath+"\n"), 0o644))

	application, err := app.New(configPath)
	require.NoError(t, err)

	w, err := New(logPath, application)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	w.Stop()
}

const minimalRuleYAML = `
- id: TEST_001
  category: statistical
  severity: info
  description: always-true smoke rule
  conditions:
    - type: signal_exists
      signal: engine_rpm
      exists: true
  template: "engine_rpm is present"
`
