package tui

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okrline/internal/domain"
	"okrline/internal/engine"
	"okrline/internal/tracker"
)

type fakeBackend struct {
	status    domain.RunStatus
	dash      engine.Dashboard
	calls     []domain.CallLogEntry
	ingested  string
	cancelled bool
	reclaimed bool
	results   []tracker.Result
	exportCSV string
}

func (f *fakeBackend) StartIngest(_ context.Context, sessionID, csvText, _ string) (domain.RunStatus, error) {
	f.ingested = csvText
	f.status = domain.RunStatus{SessionID: sessionID, State: domain.StateUploading, Status: "Reading file…"}
	return f.status, nil
}

func (f *fakeBackend) Status(context.Context, string) (domain.RunStatus, error) {
	return f.status, nil
}

func (f *fakeBackend) Cancel(context.Context, string, string) (domain.RunStatus, bool, error) {
	f.cancelled = true
	f.status = domain.RunStatus{State: domain.StateIdle, Message: "cancelled"}
	return f.status, true, nil
}

func (f *fakeBackend) Dashboard(context.Context, string) (engine.Dashboard, error) {
	return f.dash, nil
}

func (f *fakeBackend) Calls(context.Context, string, int, int64, string) ([]domain.CallLogEntry, error) {
	return f.calls, nil
}

func (f *fakeBackend) Export(_ context.Context, _ string, w io.Writer) error {
	_, err := io.WriteString(w, f.exportCSV)
	return err
}

func (f *fakeBackend) Reclaim(context.Context, string, string) ([]tracker.Result, error) {
	f.reclaimed = true
	return f.results, nil
}

func sampleDashboard() engine.Dashboard {
	return engine.Dashboard{
		Status: domain.RunStatus{State: domain.StateReady, Count: 2},
		Items: []domain.InitiativeView{
			{
				Initiative: domain.Initiative{InitiativeID: "INI-1", Name: "Launch portal", Owner: "Ana", Status: "At Risk", DueDate: "01/15/2024"},
				Progress:   35,
				Category:   "warning",
				Overdue:    true,
			},
			{
				Initiative: domain.Initiative{InitiativeID: "INI-2", Name: "Cleanup", Owner: "Bo", Status: "Completed", Objectives: "Ship it"},
				Progress:   100,
				Category:   "success",
			},
		},
		Summary: []domain.StatusCount{{Status: "at risk", Count: 1}, {Status: "completed", Count: 1}},
		Objects: []string{"raw_initiatives", "processed_initiatives"},
	}
}

// send feeds msg to the model and returns the command it produced.
func send(t *testing.T, a *App, msg tea.Msg) tea.Cmd {
	t.Helper()
	m, cmd := a.Update(msg)
	require.Same(t, a, m)
	return cmd
}

// drain runs cmd and feeds its message back, once.
func drain(t *testing.T, a *App, cmd tea.Cmd) tea.Cmd {
	t.Helper()
	require.NotNil(t, cmd)
	return send(t, a, cmd())
}

func key(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func readyApp(t *testing.T, b *fakeBackend, opts Options) *App {
	t.Helper()
	b.dash = sampleDashboard()
	b.status = b.dash.Status
	a := New(context.Background(), b, opts)
	drain(t, a, send(t, a, statusMsg{b.status}))
	require.Equal(t, stepDashboard, a.step)
	return a
}

func TestUploadStartsProcessing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.csv")
	require.NoError(t, os.WriteFile(path, []byte("id,name\n1,A\n"), 0o644))

	b := &fakeBackend{status: domain.RunStatus{State: domain.StateIdle}}
	a := New(context.Background(), b, Options{SessionID: "s1"})
	a.input.SetValue(path)

	cmd := send(t, a, tea.KeyMsg{Type: tea.KeyEnter})
	drain(t, a, cmd)

	assert.Equal(t, "id,name\n1,A\n", b.ingested)
	assert.Equal(t, stepProcessing, a.step)
	assert.Contains(t, a.View(), "Reading file…")
	assert.Contains(t, a.View(), "esc: cancel")
}

func TestUploadRequiresPath(t *testing.T) {
	a := New(context.Background(), &fakeBackend{}, Options{})
	cmd := send(t, a, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.Equal(t, stepUpload, a.step)
	assert.Contains(t, a.View(), "enter a CSV file path")
}

func TestMissingFileShowsError(t *testing.T) {
	a := New(context.Background(), &fakeBackend{}, Options{})
	a.input.SetValue(filepath.Join(t.TempDir(), "nope.csv"))
	drain(t, a, send(t, a, tea.KeyMsg{Type: tea.KeyEnter}))
	assert.Equal(t, stepUpload, a.step)
	assert.NotEmpty(t, a.errText)
}

func TestEscCancelsProcessing(t *testing.T) {
	b := &fakeBackend{}
	a := New(context.Background(), b, Options{})
	send(t, a, statusMsg{domain.RunStatus{State: domain.StateExtractingStructure, Status: "Processing initiatives…"}})
	require.Equal(t, stepProcessing, a.step)

	drain(t, a, send(t, a, tea.KeyMsg{Type: tea.KeyEsc}))
	assert.True(t, b.cancelled)
	assert.Equal(t, stepUpload, a.step)
	assert.Contains(t, a.View(), "Run cancelled")

	// A poll tick that was already scheduled does nothing once back on upload.
	assert.Nil(t, send(t, a, pollMsg{}))
}

func TestFailedRunReturnsToUpload(t *testing.T) {
	a := New(context.Background(), &fakeBackend{}, Options{})
	send(t, a, statusMsg{domain.RunStatus{State: domain.StateUploading}})
	send(t, a, statusMsg{domain.RunStatus{
		State:   domain.StateFailed,
		Status:  "Error processing file. Please try again.",
		Message: "extraction",
		Detail:  "boom",
	}})
	assert.Equal(t, stepUpload, a.step)
	assert.Contains(t, a.View(), "Error processing file. Please try again. (boom)")
}

func TestDashboardAndDetail(t *testing.T) {
	a := readyApp(t, &fakeBackend{}, Options{})
	view := a.View()
	assert.Contains(t, view, "2 initiatives")
	assert.Contains(t, view, "Launch portal")
	assert.Contains(t, view, "35%")
	assert.Contains(t, view, "⚠")
	assert.Contains(t, view, "at risk: 1")

	send(t, a, tea.KeyMsg{Type: tea.KeyDown})
	send(t, a, tea.KeyMsg{Type: tea.KeyEnter})
	require.Equal(t, stepDetail, a.step)
	detail := a.View()
	assert.Contains(t, detail, "Cleanup")
	assert.Contains(t, detail, "Ship it")
	assert.Contains(t, detail, "No metrics specified")
	assert.Contains(t, detail, "No additional notes")

	send(t, a, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, stepDashboard, a.step)
}

func TestDarkModeToggle(t *testing.T) {
	a := readyApp(t, &fakeBackend{}, Options{Dark: true})
	require.True(t, a.dark)
	send(t, a, key('d'))
	assert.False(t, a.dark)
	assert.Equal(t, LightTheme().Primary, a.styles.theme.Primary)
}

func TestExportWritesFile(t *testing.T) {
	dir := t.TempDir()
	b := &fakeBackend{exportCSV: "Initiative ID,Name\nINI-1,Launch portal\n"}
	a := readyApp(t, b, Options{ExportDir: dir})

	drain(t, a, send(t, a, key('e')))
	data, err := os.ReadFile(filepath.Join(dir, "okr_initiatives.csv"))
	require.NoError(t, err)
	assert.Equal(t, b.exportCSV, string(data))
	assert.Contains(t, a.View(), "Exported to")
}

func TestReclaimReturnsToUpload(t *testing.T) {
	b := &fakeBackend{results: []tracker.Result{{Name: "raw_initiatives"}, {Name: "processed_initiatives", Error: "gone"}}}
	a := readyApp(t, b, Options{})

	b.status = domain.RunStatus{State: domain.StateIdle}
	drain(t, a, send(t, a, key('x')))
	assert.True(t, b.reclaimed)
	assert.Equal(t, stepUpload, a.step)
	assert.Empty(t, a.dash.Items)
	assert.Contains(t, a.View(), "Reclaim failed for processed_initiatives")
}

func TestCallLogView(t *testing.T) {
	b := &fakeBackend{calls: []domain.CallLogEntry{{
		TS:       "2024-06-01T00:00:00Z",
		Method:   "POST",
		Endpoint: "/input_data",
		Payload:  json.RawMessage(`{"created_object_name":"raw_initiatives"}`),
		Error:    "status 500",
	}}}
	a := readyApp(t, b, Options{})

	drain(t, a, send(t, a, key('l')))
	require.Equal(t, stepCalls, a.step)
	view := a.View()
	assert.Contains(t, view, "POST /input_data")
	assert.Contains(t, view, "raw_initiatives")
	assert.Contains(t, view, "status 500")

	send(t, a, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, stepDashboard, a.step)
}

func TestBackendErrorIsShown(t *testing.T) {
	a := New(context.Background(), &fakeBackend{}, Options{})
	send(t, a, errMsg{errors.New("database is locked")})
	assert.Contains(t, a.View(), "Error: database is locked")
}
