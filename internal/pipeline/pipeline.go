// Package pipeline drives one extraction run per session: the CSV text is
// stored remotely, transformed into structured records and fetched back.
//
// A run moves idle -> uploading -> extracting_structure -> ready, or ends in
// failed. Cancel returns the session to idle at once; the abandoned request
// is left to finish and whatever it returns is dropped.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"okrline/internal/domain"
	"okrline/internal/extract"
	"okrline/internal/ledger"
	"okrline/internal/remote"
	"okrline/internal/tracker"
)

// Remote object names created by a run.
const (
	RawObject       = "raw_initiatives"
	ProcessedObject = "processed_initiatives"
)

// Narration emitted while a run progresses.
const (
	NarrateReading    = "Reading file…"
	NarrateIngesting  = "Ingesting data…"
	NarrateProcessing = "Processing initiatives…"
	NarrateRetrieving = "Retrieving processed data…"
	NarrateFailed     = "Error processing file. Please try again."
)

// Failure reasons reported in RunStatus.Message.
const (
	ReasonUpload      = "upload failed"
	ReasonExtraction  = "extraction failed"
	ReasonRetrieval   = "retrieval failed"
	ReasonParse       = "could not parse extracted data"
	ReasonCancelled   = "cancelled"
	ReasonInterrupted = "run interrupted"
)

var ErrRunInProgress = errors.New("a run is already in progress")

// ObjectClient is the remote surface a run needs.
type ObjectClient interface {
	Store(ctx context.Context, name string, payload []string) (json.RawMessage, error)
	Transform(ctx context.Context, outputNames []string, prompt string, inputs []remote.Input) (json.RawMessage, error)
	Fetch(ctx context.Context, name, returnType string) (json.RawMessage, error)
	Reclaim(ctx context.Context, name string) error
}

// Session bundles the per-session collaborators of a pipeline.
type Session struct {
	ID      string
	Client  ObjectClient
	Ledger  *ledger.Ledger
	Tracker *tracker.Tracker
}

// NewSession builds a session whose client records into a fresh ledger.
func NewSession(id string, base *remote.Client) *Session {
	l := ledger.New(id)
	return &Session{
		ID:      id,
		Client:  base.WithRecorder(l),
		Ledger:  l,
		Tracker: tracker.New(),
	}
}

type Pipeline struct {
	Session *Session
	Prompt  string
	Logger  *log.Logger
	Now     func() time.Time
	// OnTransition is called after every state or narration change, outside
	// the pipeline lock.
	OnTransition func(domain.RunStatus)

	mu     sync.Mutex
	gen    uint64
	status domain.RunStatus
	items  []domain.Initiative
}

func New(s *Session) *Pipeline {
	return &Pipeline{
		Session: s,
		Prompt:  Prompts[DefaultPromptVersion],
		Now:     time.Now,
		status:  domain.RunStatus{SessionID: s.ID, State: domain.StateIdle},
	}
}

func (p *Pipeline) now() string {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (p *Pipeline) logger() *log.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return log.Default()
}

func (p *Pipeline) notify(st domain.RunStatus) {
	if p.OnTransition != nil {
		p.OnTransition(st)
	}
}

// Status returns the current snapshot.
func (p *Pipeline) Status() domain.RunStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Initiatives returns a copy of the last successful run's records.
func (p *Pipeline) Initiatives() []domain.Initiative {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Initiative(nil), p.items...)
}

// Run executes a full run synchronously. The only error is ErrRunInProgress;
// every other failure is reported through the returned status.
func (p *Pipeline) Run(ctx context.Context, csvText string) (domain.RunStatus, error) {
	run, err := p.Begin("")
	if err != nil {
		return p.Status(), err
	}
	return run.Execute(ctx, csvText), nil
}

// Begin claims the session for a new run on behalf of actor and clears the
// previous output.
func (p *Pipeline) Begin(actor string) (*Run, error) {
	p.mu.Lock()
	if p.status.State.InFlight() {
		p.mu.Unlock()
		return nil, ErrRunInProgress
	}
	p.gen++
	run := &Run{p: p, gen: p.gen, epoch: p.Session.Tracker.Epoch(), ID: uuid.NewString()}
	p.items = nil
	p.status = domain.RunStatus{
		SessionID: p.Session.ID,
		RunID:     run.ID,
		Actor:     actor,
		State:     domain.StateUploading,
		Status:    NarrateReading,
		StartedAt: p.now(),
	}
	st := p.status
	p.mu.Unlock()
	p.notify(st)
	return run, nil
}

// Cancel abandons the in-flight run, if any, and returns to idle.
func (p *Pipeline) Cancel() bool {
	p.mu.Lock()
	return p.cancelLocked(p.gen)
}

func (p *Pipeline) cancelRun(gen uint64) bool {
	p.mu.Lock()
	return p.cancelLocked(gen)
}

// cancelLocked expects p.mu held and releases it.
func (p *Pipeline) cancelLocked(gen uint64) bool {
	if gen != p.gen || !p.status.State.InFlight() {
		p.mu.Unlock()
		return false
	}
	p.gen++
	p.items = nil
	p.status.State = domain.StateIdle
	p.status.Status = ""
	p.status.Message = ReasonCancelled
	p.status.Count = 0
	p.status.FinishedAt = p.now()
	st := p.status
	p.mu.Unlock()
	p.notify(st)
	return true
}

// Discard drops the current output and returns to idle. Used after a bulk
// reclaim, when the records no longer have backing objects.
func (p *Pipeline) Discard() error {
	p.mu.Lock()
	if p.status.State.InFlight() {
		p.mu.Unlock()
		return ErrRunInProgress
	}
	p.items = nil
	p.status = domain.RunStatus{SessionID: p.Session.ID, State: domain.StateIdle}
	st := p.status
	p.mu.Unlock()
	p.notify(st)
	return nil
}

// Restore loads persisted state. A run that was in flight when persisted
// cannot be resumed and comes back idle.
func (p *Pipeline) Restore(st domain.RunStatus, items []domain.Initiative) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st.State.InFlight() {
		st.State = domain.StateIdle
		st.Status = ""
		st.Message = ReasonInterrupted
		items = nil
	}
	if st.State == "" {
		st.State = domain.StateIdle
	}
	st.SessionID = p.Session.ID
	st.Count = len(items)
	p.status = st
	p.items = append([]domain.Initiative(nil), items...)
}

// Run is one claimed execution. Its results only land while it is still the
// pipeline's current generation.
type Run struct {
	ID    string
	p     *Pipeline
	gen   uint64
	epoch uint64
}

// Execute performs the three remote steps. Cancellation of ctx cancels the run.
func (r *Run) Execute(ctx context.Context, csvText string) domain.RunStatus {
	p := r.p
	stop := context.AfterFunc(ctx, func() { p.cancelRun(r.gen) })
	defer stop()
	client := p.Session.Client

	if !r.advance(domain.StateUploading, NarrateIngesting) {
		return p.Status()
	}
	if _, err := client.Store(ctx, RawObject, []string{csvText}); err != nil {
		return r.fail(ReasonUpload, err)
	}
	r.track(RawObject)

	if !r.advance(domain.StateExtractingStructure, NarrateProcessing) {
		return p.Status()
	}
	inputs := []remote.Input{{Name: RawObject, Mode: remote.ModeCombineEvents}}
	if _, err := client.Transform(ctx, []string{ProcessedObject}, p.Prompt, inputs); err != nil {
		return r.fail(ReasonExtraction, err)
	}
	r.track(ProcessedObject)

	if !r.advance(domain.StateExtractingStructure, NarrateRetrieving) {
		return p.Status()
	}
	value, err := client.Fetch(ctx, ProcessedObject, remote.ReturnTypeJSON)
	if err != nil {
		return r.fail(ReasonRetrieval, err)
	}
	items, err := extract.Decode(value)
	if err != nil {
		return r.fail(ReasonParse, err)
	}
	return r.finish(items)
}

// track records a created object even for an abandoned run, unless the
// tracker was reset after the run began.
func (r *Run) track(name string) {
	if !r.p.Session.Tracker.TrackSince(r.epoch, name) {
		r.p.logger().Printf("run %s: not tracking %s, tracker was reset", r.ID, name)
	}
}

func (r *Run) advance(state domain.RunState, narration string) bool {
	p := r.p
	p.mu.Lock()
	if r.gen != p.gen {
		p.mu.Unlock()
		p.logger().Printf("run %s: discarding late result before %s", r.ID, state)
		return false
	}
	p.status.State = state
	p.status.Status = narration
	st := p.status
	p.mu.Unlock()
	p.notify(st)
	return true
}

func (r *Run) fail(reason string, err error) domain.RunStatus {
	p := r.p
	p.mu.Lock()
	if r.gen != p.gen {
		st := p.status
		p.mu.Unlock()
		p.logger().Printf("run %s: discarding late failure: %v", r.ID, err)
		return st
	}
	p.items = nil
	p.status.State = domain.StateFailed
	p.status.Status = NarrateFailed
	p.status.Message = reason
	p.status.Detail = err.Error()
	p.status.Count = 0
	p.status.FinishedAt = p.now()
	st := p.status
	p.mu.Unlock()
	p.notify(st)
	return st
}

func (r *Run) finish(items []domain.Initiative) domain.RunStatus {
	p := r.p
	p.mu.Lock()
	if r.gen != p.gen {
		st := p.status
		p.mu.Unlock()
		p.logger().Printf("run %s: discarding %d late records", r.ID, len(items))
		return st
	}
	p.items = items
	p.status.State = domain.StateReady
	p.status.Status = ""
	p.status.Count = len(items)
	p.status.FinishedAt = p.now()
	st := p.status
	p.mu.Unlock()
	p.notify(st)
	return st
}
