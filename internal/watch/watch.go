// Package watch ingests CSV files dropped into an inbox directory.
package watch

import (
	"context"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"okrline/internal/domain"
	"okrline/internal/pipeline"
)

const DefaultDebounce = 500 * time.Millisecond

// Ingester starts an asynchronous run.
type Ingester interface {
	StartIngest(ctx context.Context, sessionID, csvText, actorID string) (domain.RunStatus, error)
}

// Watcher feeds every .csv created or rewritten in Inbox to the session's
// pipeline. Files arriving while a run is in flight are skipped.
type Watcher struct {
	Engine   Ingester
	Inbox    string
	Session  string
	Actor    string
	Debounce time.Duration
	Logger   *log.Logger
	// Started, when set, is called after a run was claimed for a file.
	Started func(path string, st domain.RunStatus)
	// Skipped, when set, is called when a file was not ingested.
	Skipped func(path string, err error)

	mu     sync.Mutex
	timers map[string]*time.Timer
}

func (w *Watcher) logger() *log.Logger {
	if w.Logger != nil {
		return w.Logger
	}
	return log.Default()
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	if w.Engine == nil {
		return errors.New("watch: engine is required")
	}
	if strings.TrimSpace(w.Inbox) == "" {
		return errors.New("watch: inbox directory is required")
	}
	if err := os.MkdirAll(w.Inbox, 0o755); err != nil {
		return err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.Inbox); err != nil {
		return err
	}
	w.logger().Printf("watch: watching %s", w.Inbox)

	ready := make(chan string, 16)
	done := make(chan struct{})
	defer close(done)
	defer w.stopTimers()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			w.schedule(ev.Name, ready, done)
		case path := <-ready:
			w.ingest(ctx, path)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger().Printf("watch: %v", err)
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}
	if strings.HasPrefix(filepath.Base(ev.Name), ".") {
		return false
	}
	return strings.EqualFold(filepath.Ext(ev.Name), ".csv")
}

// schedule coalesces the burst of events a single copy produces.
func (w *Watcher) schedule(path string, ready chan<- string, done <-chan struct{}) {
	d := w.Debounce
	if d <= 0 {
		d = DefaultDebounce
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timers == nil {
		w.timers = make(map[string]*time.Timer)
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(d)
		return
	}
	w.timers[path] = time.AfterFunc(d, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		select {
		case ready <- path:
		case <-done:
		}
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.skip(path, err)
		return
	}
	st, err := w.Engine.StartIngest(ctx, w.Session, string(data), w.Actor)
	if err != nil {
		w.skip(path, err)
		return
	}
	w.logger().Printf("watch: ingesting %s (run %s)", filepath.Base(path), st.RunID)
	if w.Started != nil {
		w.Started(path, st)
	}
}

func (w *Watcher) skip(path string, err error) {
	if errors.Is(err, pipeline.ErrRunInProgress) {
		w.logger().Printf("watch: skipping %s: run in progress", filepath.Base(path))
	} else {
		w.logger().Printf("watch: skipping %s: %v", filepath.Base(path), err)
	}
	if w.Skipped != nil {
		w.Skipped(path, err)
	}
}
