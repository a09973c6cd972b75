package watch

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okrline/internal/domain"
	"okrline/internal/pipeline"
)

type fakeIngester struct {
	mu   sync.Mutex
	busy bool
	got  []string
}

func (f *fakeIngester) StartIngest(_ context.Context, sessionID, csvText, _ string) (domain.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return domain.RunStatus{}, pipeline.ErrRunInProgress
	}
	f.got = append(f.got, csvText)
	return domain.RunStatus{SessionID: sessionID, RunID: "r1", State: domain.StateUploading}, nil
}

func startWatcher(t *testing.T, ing Ingester) (*Watcher, chan string, chan error) {
	t.Helper()
	started := make(chan string, 4)
	skipped := make(chan error, 4)
	w := &Watcher{
		Engine:   ing,
		Inbox:    t.TempDir(),
		Debounce: 20 * time.Millisecond,
		Logger:   log.New(io.Discard, "", 0),
		Started:  func(path string, _ domain.RunStatus) { started <- path },
		Skipped:  func(_ string, err error) { skipped <- err },
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})
	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	return w, started, skipped
}

func TestWatcherIngestsDroppedCSV(t *testing.T) {
	ing := &fakeIngester{}
	w, started, _ := startWatcher(t, ing)

	require.NoError(t, os.WriteFile(filepath.Join(w.Inbox, "notes.txt"), []byte("ignored"), 0o644))
	path := filepath.Join(w.Inbox, "q3.CSV")
	require.NoError(t, os.WriteFile(path, []byte("id,name\n1,A\n"), 0o644))

	select {
	case got := <-started:
		assert.Equal(t, path, got)
	case <-time.After(5 * time.Second):
		t.Fatal("file was not ingested")
	}
	ing.mu.Lock()
	defer ing.mu.Unlock()
	assert.Equal(t, []string{"id,name\n1,A\n"}, ing.got)
}

func TestWatcherSkipsWhileRunInFlight(t *testing.T) {
	ing := &fakeIngester{busy: true}
	w, started, skipped := startWatcher(t, ing)

	require.NoError(t, os.WriteFile(filepath.Join(w.Inbox, "a.csv"), []byte("x"), 0o644))
	select {
	case err := <-skipped:
		assert.ErrorIs(t, err, pipeline.ErrRunInProgress)
	case <-started:
		t.Fatal("ingested while a run was in flight")
	case <-time.After(5 * time.Second):
		t.Fatal("no skip reported")
	}
}

func TestRunRequiresInbox(t *testing.T) {
	w := &Watcher{Engine: &fakeIngester{}}
	assert.Error(t, w.Run(context.Background()))
	w = &Watcher{Inbox: t.TempDir()}
	assert.Error(t, w.Run(context.Background()))
}
