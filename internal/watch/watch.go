// Package watch re-runs the pipeline whenever a log file receives new
// lines, and hot-reloads the rule base whenever its file changes. The log
// tailer uses nxadm/tail with Follow+ReOpen and a ctx.Done/Lines select
// loop, with a WaitGroup the caller can block Stop() on; a per-line
// streaming worker pool isn't a fit here since the pipeline stages are
// batch operations over a complete log rather than a per-line stream, so
// writes are debounced into a whole-file re-run instead. Rule hot-reload
// watches the rule file's directory with fsnotify and reloads on
// Write/Create.
package watch

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/nxadm/tail"

	"obdpipeline/internal/app"
)

const debounceWindow = 500 * time.Millisecond

// Watcher tails one log file and re-invokes the pipeline after a burst of
// writes settles, and watches the rule file's directory for edits.
type Watcher struct {
	tailer     *tail.Tail
	rulesWatch *fsnotify.Watcher
	rulesPath  string
	app        *app.App
	path       string
	wg         sync.WaitGroup
}

// New starts tailing path from its current end (only newly appended
// content triggers a re-run) and, if the app's rule file can be watched,
// starts watching it for hot-reload.
func New(path string, application *app.App) (*Watcher, error) {
	t, err := tail.TailFile(path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Location: &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd},
		Poll:     false,
	})
	if err != nil {
		return nil, fmt.Errorf("watch: failed to tail %s: %w", path, err)
	}

	w := &Watcher{tailer: t, app: application, path: path, rulesPath: application.RulesPath()}

	if rw, err := fsnotify.NewWatcher(); err == nil {
		if err := rw.Add(filepath.Dir(w.rulesPath)); err == nil {
			w.rulesWatch = rw
		} else {
			rw.Close()
		}
	}

	return w, nil
}

// Run blocks, re-running the pipeline each time writes to the file settle
// and reloading the rule base each time it changes, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	var debounce *time.Timer
	var debounceC <-chan time.Time

	var rulesEvents <-chan fsnotify.Event
	if w.rulesWatch != nil {
		rulesEvents = w.rulesWatch.Events
	}

	for {
		select {
		case <-ctx.Done():
			return

		case line, ok := <-w.tailer.Lines:
			if !ok {
				return
			}
			if line.Err != nil {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(debounceWindow)
			} else {
				debounce.Reset(debounceWindow)
			}
			debounceC = debounce.C

		case <-debounceC:
			debounceC = nil
			w.rerun(ctx)

		case ev, ok := <-rulesEvents:
			if !ok {
				rulesEvents = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.rulesPath) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.app.ReloadRules(); err != nil {
				fmt.Printf("watch: rule reload failed: %v\n", err)
			}
		}
	}
}

func (w *Watcher) rerun(ctx context.Context) {
	report, err := w.app.RunFile(ctx, w.path)
	if err != nil {
		fmt.Printf("watch: pipeline run failed: %v\n", err)
		return
	}
	fmt.Printf("watch: re-ran pipeline on %s — %d clue(s) (%d rule(s) applied)\n",
		w.path, report.RulesMatched, report.RulesApplied)
}

// Stop stops tailing and rule-watching, and blocks until Run's goroutine
// returns.
func (w *Watcher) Stop() {
	_ = w.tailer.Stop()
	w.tailer.Cleanup()
	if w.rulesWatch != nil {
		w.rulesWatch.Close()
	}
	w.wg.Wait()
}
