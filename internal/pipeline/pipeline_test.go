package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okrline/internal/domain"
	"okrline/internal/ledger"
	"okrline/internal/remote"
	"okrline/internal/tracker"
)

type fakeClient struct {
	mu        sync.Mutex
	calls     []string
	deletes   []string
	value     json.RawMessage
	storeErr  error
	xformErr  error
	fetchErr  error
	deleteErr map[string]error
	// gates, when set, block the named step until closed; entered is
	// signalled when the step starts.
	gates   map[string]chan struct{}
	entered chan string
}

func (f *fakeClient) step(ctx context.Context, name string) {
	f.mu.Lock()
	f.calls = append(f.calls, name)
	gate := f.gates[name]
	f.mu.Unlock()
	if f.entered != nil {
		f.entered <- name
	}
	if gate != nil {
		<-gate
	}
}

func (f *fakeClient) Store(ctx context.Context, name string, payload []string) (json.RawMessage, error) {
	f.step(ctx, "store")
	return json.RawMessage(`{}`), f.storeErr
}

func (f *fakeClient) Transform(ctx context.Context, outputNames []string, prompt string, inputs []remote.Input) (json.RawMessage, error) {
	f.step(ctx, "transform")
	return json.RawMessage(`{}`), f.xformErr
}

func (f *fakeClient) Fetch(ctx context.Context, name, returnType string) (json.RawMessage, error) {
	f.step(ctx, "fetch")
	return f.value, f.fetchErr
}

func (f *fakeClient) Reclaim(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, name)
	return f.deleteErr[name]
}

func (f *fakeClient) callNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type recorder struct {
	mu  sync.Mutex
	log []domain.RunStatus
}

func (r *recorder) observe(st domain.RunStatus) {
	r.mu.Lock()
	r.log = append(r.log, st)
	r.mu.Unlock()
}

func (r *recorder) all() []domain.RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.RunStatus(nil), r.log...)
}

func newTestPipeline(client *fakeClient) (*Pipeline, *recorder) {
	s := &Session{ID: "s1", Client: client, Ledger: ledger.New("s1"), Tracker: tracker.New()}
	s.Tracker.Logger = log.New(io.Discard, "", 0)
	p := New(s)
	p.Logger = log.New(io.Discard, "", 0)
	rec := &recorder{}
	p.OnTransition = rec.observe
	return p, rec
}

func stringValue(t *testing.T, s string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(s)
	require.NoError(t, err)
	return raw
}

func TestRunSuccess(t *testing.T) {
	client := &fakeClient{value: json.RawMessage(`[{"initiative_id":"1","name":"A","status":"completed"},{"initiative_id":"2","status":"blocked"}]`)}
	p, rec := newTestPipeline(client)

	st, err := p.Run(context.Background(), "id,name\n1,A")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, st.State)
	assert.Equal(t, 2, st.Count)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, []string{"store", "transform", "fetch"}, client.callNames())
	assert.ElementsMatch(t, []string{RawObject, ProcessedObject}, p.Session.Tracker.Names())

	items := p.Initiatives()
	require.Len(t, items, 2)
	assert.Equal(t, "A", items[0].Name)

	var narration []string
	for _, s := range rec.all() {
		narration = append(narration, s.Status)
	}
	assert.Equal(t, []string{NarrateReading, NarrateIngesting, NarrateProcessing, NarrateRetrieving, ""}, narration)
}

func TestRunRoundTripsWellFormedSequence(t *testing.T) {
	want := []domain.Initiative{
		{InitiativeID: "I-9", Name: "Ship", Owner: "Kai", Status: "At Risk", DueDate: "02/03/2025",
			Description: "d", RelatedOKR: "O2", Objectives: "o", MetricsKPIs: "m", Notes: "n"},
	}
	raw, _ := json.Marshal(want)
	p, _ := newTestPipeline(&fakeClient{value: raw})
	_, err := p.Run(context.Background(), "csv")
	require.NoError(t, err)
	assert.Equal(t, want, p.Initiatives())
}

func TestRunFallbackParse(t *testing.T) {
	client := &fakeClient{}
	client.value = stringValue(t, `prefix noise [ {"initiative_id":"1"} ] trailing noise`)
	p, _ := newTestPipeline(client)
	st, err := p.Run(context.Background(), "csv")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, st.State)
	items := p.Initiatives()
	require.Len(t, items, 1)
	assert.Equal(t, "1", items[0].InitiativeID)
}

func TestRunMalformedResult(t *testing.T) {
	client := &fakeClient{}
	client.value = stringValue(t, "not json at all")
	p, rec := newTestPipeline(client)

	st, err := p.Run(context.Background(), "csv")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, st.State)
	assert.Equal(t, ReasonParse, st.Message)
	assert.Empty(t, p.Initiatives())

	failed := 0
	for _, s := range rec.all() {
		if s.State == domain.StateFailed {
			failed++
			assert.Equal(t, ReasonParse, s.Message)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestRunUploadFailure(t *testing.T) {
	client := &fakeClient{storeErr: errors.New("connection refused")}
	p, _ := newTestPipeline(client)
	st, err := p.Run(context.Background(), "csv")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, st.State)
	assert.Equal(t, ReasonUpload, st.Message)
	assert.Contains(t, st.Detail, "connection refused")
	assert.Equal(t, []string{"store"}, client.callNames())
	assert.Zero(t, p.Session.Tracker.Len())
}

func TestRunTransformAndFetchFailures(t *testing.T) {
	p, _ := newTestPipeline(&fakeClient{xformErr: errors.New("502")})
	st, _ := p.Run(context.Background(), "csv")
	assert.Equal(t, ReasonExtraction, st.Message)
	assert.Equal(t, []string{RawObject}, p.Session.Tracker.Names())

	p, _ = newTestPipeline(&fakeClient{fetchErr: errors.New("timeout")})
	st, _ = p.Run(context.Background(), "csv")
	assert.Equal(t, ReasonRetrieval, st.Message)
	assert.ElementsMatch(t, []string{RawObject, ProcessedObject}, p.Session.Tracker.Names())
}

func TestSuccessfulRunThenReclaim(t *testing.T) {
	client := &fakeClient{
		value:     json.RawMessage(`[]`),
		deleteErr: map[string]error{RawObject: errors.New("404")},
	}
	p, _ := newTestPipeline(client)
	_, err := p.Run(context.Background(), "csv")
	require.NoError(t, err)

	p.Session.Tracker.ReclaimAll(context.Background(), p.Session.Client)
	assert.ElementsMatch(t, []string{RawObject, ProcessedObject}, client.deletes)
	assert.Zero(t, p.Session.Tracker.Len())

	p.Session.Tracker.ReclaimAll(context.Background(), p.Session.Client)
	assert.Len(t, client.deletes, 2)
}

func startBlocked(t *testing.T, p *Pipeline, client *fakeClient, step string) (chan struct{}, chan domain.RunStatus) {
	t.Helper()
	gate := make(chan struct{})
	client.gates = map[string]chan struct{}{step: gate}
	client.entered = make(chan string, 8)
	done := make(chan domain.RunStatus, 1)
	go func() {
		st, err := p.Run(context.Background(), "csv")
		assert.NoError(t, err)
		done <- st
	}()
	for {
		select {
		case name := <-client.entered:
			if name == step {
				return gate, done
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("step %s never started", step)
		}
	}
}

func TestCancelDuringExtractionDiscardsLateResult(t *testing.T) {
	client := &fakeClient{value: json.RawMessage(`[{"initiative_id":"1"}]`)}
	p, _ := newTestPipeline(client)
	gate, done := startBlocked(t, p, client, "fetch")

	assert.Equal(t, domain.StateExtractingStructure, p.Status().State)
	require.True(t, p.Cancel())
	assert.Equal(t, domain.StateIdle, p.Status().State)

	close(gate)
	st := <-done
	assert.Equal(t, domain.StateIdle, st.State)
	assert.Equal(t, domain.StateIdle, p.Status().State)
	assert.Empty(t, p.Initiatives())
	assert.False(t, p.Cancel())
}

func TestCancelledRunStillTracksCreatedObject(t *testing.T) {
	client := &fakeClient{value: json.RawMessage(`[]`)}
	p, _ := newTestPipeline(client)
	gate, done := startBlocked(t, p, client, "transform")

	require.True(t, p.Cancel())
	close(gate)
	<-done

	assert.ElementsMatch(t, []string{RawObject, ProcessedObject}, p.Session.Tracker.Names())
	assert.Equal(t, []string{"store", "transform"}, client.callNames())
}

func TestResetAfterCancelBlocksStaleTracking(t *testing.T) {
	client := &fakeClient{value: json.RawMessage(`[]`)}
	p, _ := newTestPipeline(client)
	gate, done := startBlocked(t, p, client, "transform")

	require.True(t, p.Cancel())
	p.Session.Tracker.Reset()
	close(gate)
	<-done

	assert.Zero(t, p.Session.Tracker.Len())
}

func TestOneActiveRun(t *testing.T) {
	client := &fakeClient{value: json.RawMessage(`[]`)}
	p, _ := newTestPipeline(client)
	gate, done := startBlocked(t, p, client, "store")

	_, err := p.Run(context.Background(), "other")
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.ErrorIs(t, p.Discard(), ErrRunInProgress)

	close(gate)
	st := <-done
	assert.Equal(t, domain.StateReady, st.State)

	st, err = p.Run(context.Background(), "again")
	require.NoError(t, err)
	assert.Equal(t, domain.StateReady, st.State)
}

func TestContextCancellationCancelsRun(t *testing.T) {
	client := &fakeClient{value: json.RawMessage(`[]`)}
	gate := make(chan struct{})
	client.gates = map[string]chan struct{}{"fetch": gate}
	client.entered = make(chan string, 8)
	p, _ := newTestPipeline(client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan domain.RunStatus, 1)
	go func() {
		st, _ := p.Run(ctx, "csv")
		done <- st
	}()
	for name := range client.entered {
		if name == "fetch" {
			break
		}
	}
	cancel()
	require.Eventually(t, func() bool { return p.Status().State == domain.StateIdle }, 2*time.Second, 10*time.Millisecond)
	close(gate)
	st := <-done
	assert.Equal(t, domain.StateIdle, st.State)
	assert.Equal(t, ReasonCancelled, st.Message)
}

func TestNewRunClearsPreviousOutput(t *testing.T) {
	client := &fakeClient{value: json.RawMessage(`[{"initiative_id":"1"}]`)}
	p, _ := newTestPipeline(client)
	_, err := p.Run(context.Background(), "csv")
	require.NoError(t, err)
	require.Len(t, p.Initiatives(), 1)

	client.value = json.RawMessage(`"garbage"`)
	st, err := p.Run(context.Background(), "csv")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, st.State)
	assert.Empty(t, p.Initiatives())
}

func TestDiscardAndRestore(t *testing.T) {
	p, _ := newTestPipeline(&fakeClient{value: json.RawMessage(`[{"initiative_id":"1"}]`)})
	_, err := p.Run(context.Background(), "csv")
	require.NoError(t, err)
	require.NoError(t, p.Discard())
	assert.Equal(t, domain.StateIdle, p.Status().State)
	assert.Empty(t, p.Initiatives())

	p.Restore(domain.RunStatus{State: domain.StateExtractingStructure, RunID: "old"}, []domain.Initiative{{InitiativeID: "x"}})
	assert.Equal(t, domain.StateIdle, p.Status().State)
	assert.Equal(t, ReasonInterrupted, p.Status().Message)
	assert.Empty(t, p.Initiatives())

	p.Restore(domain.RunStatus{State: domain.StateReady}, []domain.Initiative{{InitiativeID: "x"}})
	assert.Equal(t, 1, p.Status().Count)
	assert.Equal(t, "s1", p.Status().SessionID)
}

func TestPromptVersions(t *testing.T) {
	text, err := Prompt("")
	require.NoError(t, err)
	assert.Contains(t, text, `"not started", "in progress", "at risk", "blocked", "completed"`)
	assert.Contains(t, text, "{raw_initiatives}")
	_, err = Prompt("v0")
	assert.Error(t, err)
}
