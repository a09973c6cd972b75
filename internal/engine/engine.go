package engine

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"okrline/internal/app"
	"okrline/internal/config"
	"okrline/internal/domain"
	"okrline/internal/events"
	"okrline/internal/export"
	"okrline/internal/normalize"
	"okrline/internal/pipeline"
	"okrline/internal/remote"
	"okrline/internal/repo"
	"okrline/internal/tracker"
)

// Engine owns the workspace database and one pipeline per session. Sessions
// are hydrated from the database on first use and written back after every
// run, reclaim and reset.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Remote *remote.Client
	Now    func() time.Time
	Logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	runs     sync.WaitGroup
}

// Session is a hydrated, in-memory session.
type Session struct {
	ID       string
	Core     *pipeline.Session
	Pipeline *pipeline.Pipeline

	// op serializes run starts against reclaim and reset.
	op sync.Mutex
	// persist serializes checkpoints.
	persist sync.Mutex
}

func New(db *sql.DB, cfg *config.Config, client *remote.Client) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if client == nil {
		client = app.RemoteClient(cfg)
	}
	return &Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Events:   events.Writer{DB: db},
		Config:   cfg,
		Remote:   client,
		Now:      time.Now,
		sessions: map[string]*Session{},
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e *Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// Session returns the hydrated session, creating it if needed.
func (e *Engine) Session(ctx context.Context, id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if id == "" {
		id = app.DefaultSession
	}
	if s, ok := e.sessions[id]; ok {
		return s, nil
	}
	id, err := app.ResolveSession(ctx, e.Repo, id)
	if err != nil {
		return nil, err
	}
	if s, ok := e.sessions[id]; ok {
		return s, nil
	}
	s, err := e.hydrate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", id, err)
	}
	e.sessions[id] = s
	return s, nil
}

func (e *Engine) hydrate(ctx context.Context, id string) (*Session, error) {
	st, err := e.Repo.GetRunStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := e.Repo.ListInitiatives(ctx, id)
	if err != nil {
		return nil, err
	}
	calls, err := e.Repo.ListCalls(ctx, id)
	if err != nil {
		return nil, err
	}
	objects, err := e.Repo.ListObjects(ctx, id)
	if err != nil {
		return nil, err
	}
	prompt, err := pipeline.Prompt(e.Config.Remote.PromptVersion)
	if err != nil {
		return nil, err
	}

	core := pipeline.NewSession(id, e.Remote)
	core.Ledger.Now = e.now
	core.Ledger.Restore(calls)
	core.Tracker.Logger = e.Logger
	names := make([]string, 0, len(objects))
	for _, o := range objects {
		names = append(names, o.Name)
	}
	core.Tracker.Restore(names)

	p := pipeline.New(core)
	p.Prompt = prompt
	p.Logger = e.Logger
	p.Now = e.now
	p.Restore(st, items)

	s := &Session{ID: id, Core: core, Pipeline: p}
	if st.State.InFlight() {
		e.logger().Printf("session %s: run %s was interrupted", id, st.RunID)
		if err := e.Checkpoint(ctx, s); err != nil {
			return nil, err
		}
	}
	p.OnTransition = func(st domain.RunStatus) { e.onTransition(s, st) }
	return s, nil
}

// onTransition persists the snapshot and appends the matching event. Terminal
// states write a full checkpoint so records and objects land with the status.
func (e *Engine) onTransition(s *Session, st domain.RunStatus) {
	ctx := context.Background()
	evtType := events.RunStatus
	payload := events.EventPayload{"state": st.State, "status": st.Status}
	switch {
	case st.State == domain.StateUploading && st.Status == pipeline.NarrateReading:
		evtType = events.RunStarted
	case st.State == domain.StateReady:
		evtType = events.RunReady
		payload["count"] = st.Count
	case st.State == domain.StateFailed:
		evtType = events.RunFailed
		payload["message"] = st.Message
		payload["detail"] = st.Detail
	case st.State == domain.StateIdle && st.Message == pipeline.ReasonCancelled:
		evtType = events.RunCancelled
	case st.State == domain.StateIdle:
		// discarded by a reclaim, which writes its own event
		evtType = ""
	}
	if !st.State.InFlight() {
		if err := e.Checkpoint(ctx, s); err != nil {
			e.logger().Printf("session %s: checkpoint: %v", s.ID, err)
		}
		if evtType != "" {
			if err := e.Events.AppendNow(ctx, evtType, s.ID, "run", st.RunID, st.Actor, payload); err != nil {
				e.logger().Printf("session %s: %v", s.ID, err)
			}
		}
		return
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.logger().Printf("session %s: persist status: %v", s.ID, err)
		return
	}
	defer tx.Rollback()
	if err := e.Repo.SaveRunStatusTx(ctx, tx, st, e.stamp()); err != nil {
		e.logger().Printf("session %s: persist status: %v", s.ID, err)
		return
	}
	if err := e.Events.Append(ctx, tx, evtType, s.ID, "run", st.RunID, st.Actor, payload); err != nil {
		e.logger().Printf("session %s: append %s: %v", s.ID, evtType, err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.logger().Printf("session %s: commit status: %v", s.ID, err)
	}
}

// Checkpoint writes the session's in-memory state to the database.
func (e *Engine) Checkpoint(ctx context.Context, s *Session) error {
	s.persist.Lock()
	defer s.persist.Unlock()
	st := s.Pipeline.Status()
	items := s.Pipeline.Initiatives()
	names := s.Core.Tracker.Names()
	calls := s.Core.Ledger.All()
	for i, j := 0, len(calls)-1; i < j; i, j = i+1, j-1 {
		calls[i], calls[j] = calls[j], calls[i]
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.stamp()
	if err := e.Repo.SaveRunStatusTx(ctx, tx, st, now); err != nil {
		return err
	}
	if err := e.Repo.ReplaceInitiativesTx(ctx, tx, s.ID, items); err != nil {
		return err
	}
	if err := e.Repo.ReplaceObjectsTx(ctx, tx, s.ID, names, now); err != nil {
		return err
	}
	if err := e.Repo.InsertCallsTx(ctx, tx, s.ID, calls); err != nil {
		return err
	}
	return tx.Commit()
}

func (e *Engine) checkpointQuietly(s *Session) {
	if err := e.Checkpoint(context.Background(), s); err != nil {
		e.logger().Printf("session %s: checkpoint: %v", s.ID, err)
	}
}

// Ingest runs the pipeline synchronously over csvText.
func (e *Engine) Ingest(ctx context.Context, sessionID, csvText, actorID string) (domain.RunStatus, error) {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return domain.RunStatus{}, err
	}
	run, err := e.begin(s, csvText, actorID)
	if err != nil {
		return s.Pipeline.Status(), err
	}
	st := run.Execute(ctx, csvText)
	e.checkpointQuietly(s)
	return st, nil
}

// StartIngest claims the session and runs the pipeline in the background.
// The returned status is the snapshot right after the run was claimed.
func (e *Engine) StartIngest(ctx context.Context, sessionID, csvText, actorID string) (domain.RunStatus, error) {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return domain.RunStatus{}, err
	}
	run, err := e.begin(s, csvText, actorID)
	if err != nil {
		return s.Pipeline.Status(), err
	}
	st := s.Pipeline.Status()
	e.runs.Add(1)
	go func() {
		defer e.runs.Done()
		run.Execute(context.Background(), csvText)
		e.checkpointQuietly(s)
	}()
	return st, nil
}

func (e *Engine) begin(s *Session, csvText, actorID string) (*pipeline.Run, error) {
	if strings.TrimSpace(csvText) == "" {
		return nil, fmt.Errorf("csv input is required")
	}
	s.op.Lock()
	defer s.op.Unlock()
	return s.Pipeline.Begin(actorID)
}

// Cancel abandons the session's in-flight run. ok is false when nothing was running.
func (e *Engine) Cancel(ctx context.Context, sessionID, actorID string) (domain.RunStatus, bool, error) {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return domain.RunStatus{}, false, err
	}
	ok := s.Pipeline.Cancel()
	if ok {
		e.logger().Printf("session %s: run cancelled by %s", s.ID, actorID)
	}
	return s.Pipeline.Status(), ok, nil
}

// Shutdown cancels every in-flight run and waits for background runs to return.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, s := range e.sessions {
		s.Pipeline.Cancel()
	}
	e.mu.Unlock()
	done := make(chan struct{})
	go func() {
		e.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) Status(ctx context.Context, sessionID string) (domain.RunStatus, error) {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return domain.RunStatus{}, err
	}
	return s.Pipeline.Status(), nil
}

// Dashboard is the presentation view of a session.
type Dashboard struct {
	Status  domain.RunStatus        `json:"status"`
	Items   []domain.InitiativeView `json:"items"`
	Summary []domain.StatusCount    `json:"summary"`
	Objects []string                `json:"objects"`
}

func (e *Engine) Dashboard(ctx context.Context, sessionID string) (Dashboard, error) {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return Dashboard{}, err
	}
	items := s.Pipeline.Initiatives()
	names := s.Core.Tracker.Names()
	if names == nil {
		names = []string{}
	}
	return Dashboard{
		Status:  s.Pipeline.Status(),
		Items:   normalize.DescribeAll(items, e.now()),
		Summary: normalize.Summarize(items),
		Objects: names,
	}, nil
}

// Initiative looks up one record by initiative_id.
func (e *Engine) Initiative(ctx context.Context, sessionID, initiativeID string) (domain.InitiativeView, error) {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return domain.InitiativeView{}, err
	}
	for _, in := range s.Pipeline.Initiatives() {
		if in.InitiativeID == initiativeID {
			return normalize.Describe(in, e.now()), nil
		}
	}
	return domain.InitiativeView{}, fmt.Errorf("initiative %s: %w", initiativeID, repo.ErrNotFound)
}

// Export writes the session's records as CSV.
func (e *Engine) Export(ctx context.Context, sessionID string, w io.Writer) error {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	return export.WriteCSV(w, s.Pipeline.Initiatives())
}

// Calls returns persisted ledger entries newest-first after flushing the in-memory ledger.
func (e *Engine) Calls(ctx context.Context, sessionID string, limit int, cursor int64, endpoint string) ([]domain.CallLogEntry, error) {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := e.Checkpoint(ctx, s); err != nil {
		return nil, err
	}
	return e.Repo.LatestCallsFrom(ctx, s.ID, pageSize(limit), cursor, endpoint)
}

// ClearCalls empties the session's call log.
func (e *Engine) ClearCalls(ctx context.Context, sessionID, actorID string) error {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	s.persist.Lock()
	defer s.persist.Unlock()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	s.Core.Ledger.Clear()
	if err := e.Repo.DeleteCallsTx(ctx, tx, s.ID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.LogCleared, s.ID, "ledger", "", actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// Objects lists the tracked remote objects.
func (e *Engine) Objects(ctx context.Context, sessionID string) ([]domain.RemoteObject, error) {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := e.Checkpoint(ctx, s); err != nil {
		return nil, err
	}
	return e.Repo.ListObjects(ctx, s.ID)
}

// Reclaim deletes every tracked remote object, then drops the records they
// backed and returns the session to idle.
func (e *Engine) Reclaim(ctx context.Context, sessionID, actorID string) ([]tracker.Result, error) {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s.op.Lock()
	defer s.op.Unlock()
	if err := s.Pipeline.Discard(); err != nil {
		return nil, err
	}
	results := s.Core.Tracker.ReclaimAll(ctx, s.Core.Client)
	if err := e.Checkpoint(ctx, s); err != nil {
		return results, err
	}
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Name)
	}
	payload := events.EventPayload{"names": names, "failed": tracker.Failed(results)}
	if err := e.Events.AppendNow(ctx, events.ObjectsReclaimed, s.ID, "objects", "", actorID, payload); err != nil {
		return results, err
	}
	return results, nil
}

// ResetObjects forgets tracked objects without deleting them.
func (e *Engine) ResetObjects(ctx context.Context, sessionID, actorID string) error {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return err
	}
	s.op.Lock()
	defer s.op.Unlock()
	forgotten := s.Core.Tracker.Names()
	s.Core.Tracker.Reset()
	if err := e.Checkpoint(ctx, s); err != nil {
		return err
	}
	return e.Events.AppendNow(ctx, events.ObjectsReset, s.ID, "objects", "", actorID, events.EventPayload{"names": forgotten})
}

// ListEvents lists session events newest-first.
func (e *Engine) ListEvents(ctx context.Context, sessionID string, limit int, cursor int64, evtType string) ([]domain.Event, error) {
	s, err := e.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return e.Repo.LatestEventsFrom(ctx, pageSize(limit), cursor, s.ID, evtType)
}

// DefaultPageSize applies when a listing asks for no limit.
const DefaultPageSize = 50

func pageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}

func (e *Engine) Sessions(ctx context.Context) ([]domain.Session, error) {
	return e.Repo.ListSessions(ctx)
}
