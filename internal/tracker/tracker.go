// Package tracker remembers every remote object a session created so they
// can be reclaimed in bulk.
package tracker

import (
	"context"
	"log"
	"sort"
	"sync"
)

// Reclaimer deletes a named remote object.
type Reclaimer interface {
	Reclaim(ctx context.Context, name string) error
}

// Result is the outcome of one reclaim attempt.
type Result struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// Tracker holds the active set of object names. Reset bumps an epoch so that
// a run started before the reset cannot re-add names afterwards.
type Tracker struct {
	Logger *log.Logger

	mu    sync.Mutex
	names []string
	epoch uint64
}

func New() *Tracker {
	return &Tracker{}
}

func (t *Tracker) logger() *log.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return log.Default()
}

// Track adds name to the active set. Re-adding a tracked name is a no-op.
func (t *Tracker) Track(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.add(name)
}

// Epoch returns the current reset generation.
func (t *Tracker) Epoch() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.epoch
}

// TrackSince adds name only if no Reset happened since epoch was read.
func (t *Tracker) TrackSince(epoch uint64, name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.epoch != epoch {
		return false
	}
	t.add(name)
	return true
}

func (t *Tracker) add(name string) {
	if name == "" {
		return
	}
	for _, n := range t.names {
		if n == name {
			return
		}
	}
	t.names = append(t.names, name)
}

// Names returns the tracked names in insertion order.
func (t *Tracker) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.names...)
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.names)
}

// Restore loads persisted names without touching the epoch.
func (t *Tracker) Restore(names []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = nil
	for _, n := range names {
		t.add(n)
	}
}

// ReclaimAll attempts to delete every tracked object. Individual failures are
// logged and reported but never stop the remaining attempts. The active set
// is empty afterwards whatever the outcome.
func (t *Tracker) ReclaimAll(ctx context.Context, r Reclaimer) []Result {
	t.mu.Lock()
	names := t.names
	t.names = nil
	t.mu.Unlock()

	results := make([]Result, 0, len(names))
	for _, name := range names {
		res := Result{Name: name}
		if err := r.Reclaim(ctx, name); err != nil {
			res.Error = err.Error()
			t.logger().Printf("reclaim %s failed: %v", name, err)
		} else {
			t.logger().Printf("reclaimed %s", name)
		}
		results = append(results, res)
	}
	return results
}

// Reset forgets every tracked name without reclaiming it.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.names = nil
	t.epoch++
}

// Failed returns the names whose reclaim did not succeed, sorted.
func Failed(results []Result) []string {
	var out []string
	for _, r := range results {
		if r.Error != "" {
			out = append(out, r.Name)
		}
	}
	sort.Strings(out)
	return out
}
