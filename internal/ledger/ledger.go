// Package ledger keeps the audit trail of remote calls made in a session.
package ledger

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"okrline/internal/domain"
)

// TimeLayout is the timestamp format of recorded entries.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Ledger is append-only. Entries are stored oldest-first and listed newest-first.
type Ledger struct {
	SessionID string
	Now       func() time.Time

	mu      sync.Mutex
	entries []domain.CallLogEntry
}

func New(sessionID string) *Ledger {
	return &Ledger{SessionID: sessionID, Now: time.Now}
}

func (l *Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Record appends an entry, filling id, timestamp and session when unset, and
// returns the stored copy.
func (l *Ledger) Record(entry domain.CallLogEntry) domain.CallLogEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.TS == "" {
		entry.TS = l.now().UTC().Format(TimeLayout)
	}
	if entry.SessionID == "" {
		entry.SessionID = l.SessionID
	}
	entry.Payload = cloneRaw(entry.Payload)
	entry.Response = cloneRaw(entry.Response)
	l.mu.Lock()
	l.entries = append(l.entries, entry)
	l.mu.Unlock()
	return entry
}

// All returns a copy of every entry, newest first.
func (l *Ledger) All() []domain.CallLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.CallLogEntry, len(l.entries))
	for i, e := range l.entries {
		out[len(l.entries)-1-i] = e
	}
	return out
}

// Len returns the number of entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Restore replaces the contents with previously persisted entries given oldest-first.
func (l *Ledger) Restore(entries []domain.CallLogEntry) {
	l.mu.Lock()
	l.entries = append([]domain.CallLogEntry(nil), entries...)
	l.mu.Unlock()
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}
