// Package tui provides the interactive terminal dashboard for okrline.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"okrline/internal/domain"
	"okrline/internal/engine"
	"okrline/internal/export"
	"okrline/internal/normalize"
	"okrline/internal/tracker"
)

// Backend is the slice of the engine the dashboard drives.
type Backend interface {
	StartIngest(ctx context.Context, sessionID, csvText, actorID string) (domain.RunStatus, error)
	Status(ctx context.Context, sessionID string) (domain.RunStatus, error)
	Cancel(ctx context.Context, sessionID, actorID string) (domain.RunStatus, bool, error)
	Dashboard(ctx context.Context, sessionID string) (engine.Dashboard, error)
	Calls(ctx context.Context, sessionID string, limit int, cursor int64, endpoint string) ([]domain.CallLogEntry, error)
	Export(ctx context.Context, sessionID string, w io.Writer) error
	Reclaim(ctx context.Context, sessionID, actorID string) ([]tracker.Result, error)
}

type step int

const (
	stepUpload step = iota
	stepProcessing
	stepDashboard
	stepDetail
	stepCalls
)

const pollInterval = 250 * time.Millisecond

// Options configure a new App.
type Options struct {
	SessionID string
	Actor     string
	// ExportDir receives okr_initiatives.csv; empty means the working directory.
	ExportDir string
	Dark      bool
}

// App is the bubbletea model.
type App struct {
	backend Backend
	opts    Options
	ctx     context.Context

	step    step
	styles  styles
	dark    bool
	input   textinput.Model
	spin    spinner.Model
	table   table.Model
	log     viewport.Model
	width   int
	height  int
	status  domain.RunStatus
	dash    engine.Dashboard
	detail  domain.InitiativeView
	message string
	errText string
}

type statusMsg struct{ status domain.RunStatus }
type dashboardMsg struct{ dash engine.Dashboard }
type callsMsg struct{ entries []domain.CallLogEntry }
type exportedMsg struct{ path string }
type reclaimedMsg struct{ results []tracker.Result }
type cancelledMsg struct{ status domain.RunStatus }
type pollMsg struct{}
type errMsg struct{ err error }

// New builds the dashboard model over backend.
func New(ctx context.Context, backend Backend, opts Options) *App {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Actor == "" {
		opts.Actor = "tui"
	}
	ti := textinput.New()
	ti.Placeholder = "path/to/initiatives.csv"
	ti.CharLimit = 512
	ti.Width = 60
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	a := &App{
		backend: backend,
		opts:    opts,
		ctx:     ctx,
		dark:    opts.Dark,
		styles:  newStyles(opts.Dark),
		input:   ti,
		spin:    sp,
		log:     viewport.New(80, 20),
	}
	a.table = table.New(
		table.WithColumns(a.columns(80)),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	a.table.SetStyles(a.styles.tableStyles())
	return a
}

// Run starts the program on the alternate screen.
func Run(ctx context.Context, backend Backend, opts Options) error {
	p := tea.NewProgram(New(ctx, backend, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	return err
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.loadStatus())
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height
		a.table.SetColumns(a.columns(msg.Width))
		a.table.SetHeight(max(msg.Height-10, 5))
		a.log.Width = msg.Width - 4
		a.log.Height = max(msg.Height-6, 5)
		return a, nil

	case tea.KeyMsg:
		return a.handleKey(msg)

	case statusMsg:
		return a.applyStatus(msg.status)

	case pollMsg:
		if a.step != stepProcessing {
			return a, nil
		}
		return a, a.loadStatus()

	case cancelledMsg:
		a.status = msg.status
		a.step = stepUpload
		a.message = "Run cancelled"
		a.input.Focus()
		return a, nil

	case dashboardMsg:
		a.dash = msg.dash
		a.status = msg.dash.Status
		a.table.SetRows(a.rows())
		a.table.SetCursor(0)
		if a.step != stepDetail && a.step != stepCalls {
			a.step = stepDashboard
		}
		return a, nil

	case callsMsg:
		a.log.SetContent(a.renderCalls(msg.entries))
		a.log.GotoTop()
		a.step = stepCalls
		return a, nil

	case exportedMsg:
		a.errText = ""
		a.message = "Exported to " + msg.path
		return a, nil

	case reclaimedMsg:
		a.errText = ""
		if failed := tracker.Failed(msg.results); len(failed) > 0 {
			a.errText = "Reclaim failed for " + strings.Join(failed, ", ")
		} else {
			a.message = fmt.Sprintf("Reclaimed %d remote object(s)", len(msg.results))
		}
		a.dash = engine.Dashboard{}
		a.table.SetRows(nil)
		a.step = stepUpload
		a.input.Focus()
		return a, a.loadStatus()

	case errMsg:
		a.errText = msg.err.Error()
		return a, nil

	case spinner.TickMsg:
		if a.step != stepProcessing {
			return a, nil
		}
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}
	switch a.step {
	case stepUpload:
		switch msg.String() {
		case "enter":
			return a, a.startIngest(a.input.Value())
		case "esc":
			if len(a.dash.Items) > 0 {
				a.step = stepDashboard
			}
			return a, nil
		}
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd

	case stepProcessing:
		if msg.String() == "esc" {
			return a, a.cancel()
		}
		return a, nil

	case stepDashboard:
		switch msg.String() {
		case "q":
			return a, tea.Quit
		case "enter":
			if view, ok := a.selected(); ok {
				a.detail = view
				a.step = stepDetail
			}
			return a, nil
		case "n", "u":
			a.step = stepUpload
			a.input.Focus()
			return a, nil
		case "l":
			return a, a.loadCalls()
		case "e":
			return a, a.export()
		case "x":
			return a, a.reclaim()
		case "d":
			a.toggleDark()
			return a, nil
		case "r":
			return a, a.loadDashboard()
		}
		var cmd tea.Cmd
		a.table, cmd = a.table.Update(msg)
		return a, cmd

	case stepDetail:
		switch msg.String() {
		case "esc", "backspace", "q":
			a.step = stepDashboard
		case "d":
			a.toggleDark()
		}
		return a, nil

	case stepCalls:
		switch msg.String() {
		case "esc", "q":
			a.step = stepDashboard
			return a, nil
		}
		var cmd tea.Cmd
		a.log, cmd = a.log.Update(msg)
		return a, cmd
	}
	return a, nil
}

// applyStatus moves the view to match a pipeline snapshot.
func (a *App) applyStatus(st domain.RunStatus) (tea.Model, tea.Cmd) {
	a.status = st
	switch {
	case st.State.InFlight():
		if a.step != stepProcessing {
			a.step = stepProcessing
			a.input.Blur()
			return a, tea.Batch(a.spin.Tick, a.poll())
		}
		return a, a.poll()
	case st.State == domain.StateReady:
		a.errText = ""
		return a, a.loadDashboard()
	case st.State == domain.StateFailed:
		a.errText = normalize.Placeholder(st.Status, "run failed")
		if st.Detail != "" {
			a.errText += " (" + st.Detail + ")"
		}
		a.step = stepUpload
		a.input.Focus()
		return a, nil
	}
	if a.step == stepProcessing {
		a.step = stepUpload
		a.input.Focus()
	}
	return a, nil
}

func (a *App) toggleDark() {
	a.dark = !a.dark
	a.styles = newStyles(a.dark)
	a.table.SetStyles(a.styles.tableStyles())
}

func (a *App) selected() (domain.InitiativeView, bool) {
	i := a.table.Cursor()
	if i < 0 || i >= len(a.dash.Items) {
		return domain.InitiativeView{}, false
	}
	return a.dash.Items[i], true
}

func (a *App) columns(width int) []table.Column {
	name := max(width-74, 20)
	return []table.Column{
		{Title: "ID", Width: 10},
		{Title: "Name", Width: name},
		{Title: "Owner", Width: 16},
		{Title: "Status", Width: 12},
		{Title: "Progress", Width: 9},
		{Title: "Due", Width: 16},
	}
}

func (a *App) rows() []table.Row {
	rows := make([]table.Row, 0, len(a.dash.Items))
	for _, in := range a.dash.Items {
		due := normalize.FormatDate(in.DueDate)
		if in.Overdue {
			due += " ⚠"
		}
		rows = append(rows, table.Row{
			in.InitiativeID,
			in.Name,
			in.Owner,
			in.Status,
			fmt.Sprintf("%d%%", in.Progress),
			due,
		})
	}
	return rows
}

func (a *App) loadStatus() tea.Cmd {
	return func() tea.Msg {
		st, err := a.backend.Status(a.ctx, a.opts.SessionID)
		if err != nil {
			return errMsg{err}
		}
		return statusMsg{st}
	}
}

func (a *App) poll() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (a *App) startIngest(path string) tea.Cmd {
	path = strings.TrimSpace(path)
	if path == "" {
		a.errText = "enter a CSV file path"
		return nil
	}
	a.errText = ""
	a.message = ""
	return func() tea.Msg {
		data, err := os.ReadFile(path)
		if err != nil {
			return errMsg{err}
		}
		st, err := a.backend.StartIngest(a.ctx, a.opts.SessionID, string(data), a.opts.Actor)
		if err != nil {
			return errMsg{err}
		}
		return statusMsg{st}
	}
}

func (a *App) cancel() tea.Cmd {
	return func() tea.Msg {
		st, _, err := a.backend.Cancel(a.ctx, a.opts.SessionID, a.opts.Actor)
		if err != nil {
			return errMsg{err}
		}
		return cancelledMsg{st}
	}
}

func (a *App) loadDashboard() tea.Cmd {
	return func() tea.Msg {
		d, err := a.backend.Dashboard(a.ctx, a.opts.SessionID)
		if err != nil {
			return errMsg{err}
		}
		return dashboardMsg{d}
	}
}

func (a *App) loadCalls() tea.Cmd {
	return func() tea.Msg {
		entries, err := a.backend.Calls(a.ctx, a.opts.SessionID, 100, 0, "")
		if err != nil {
			return errMsg{err}
		}
		return callsMsg{entries}
	}
}

func (a *App) export() tea.Cmd {
	return func() tea.Msg {
		path := filepath.Join(a.opts.ExportDir, export.DefaultFileName)
		f, err := os.Create(path)
		if err != nil {
			return errMsg{err}
		}
		if err := a.backend.Export(a.ctx, a.opts.SessionID, f); err != nil {
			f.Close()
			return errMsg{err}
		}
		if err := f.Close(); err != nil {
			return errMsg{err}
		}
		return exportedMsg{path}
	}
}

func (a *App) reclaim() tea.Cmd {
	return func() tea.Msg {
		results, err := a.backend.Reclaim(a.ctx, a.opts.SessionID, a.opts.Actor)
		if err != nil {
			return errMsg{err}
		}
		return reclaimedMsg{results}
	}
}

func (a *App) View() string {
	var b strings.Builder
	b.WriteString(a.styles.title.Render("OKR Initiatives"))
	b.WriteString("\n\n")

	switch a.step {
	case stepUpload:
		b.WriteString(a.styles.label.Render("Upload a CSV of initiatives"))
		b.WriteString("\n")
		b.WriteString(a.styles.panel.Render(a.input.View()))
	case stepProcessing:
		narration := a.status.Status
		if narration == "" {
			narration = "Processing…"
		}
		b.WriteString(a.spin.View() + " " + narration)
	case stepDashboard:
		b.WriteString(a.summaryLine())
		b.WriteString("\n")
		b.WriteString(a.table.View())
	case stepDetail:
		b.WriteString(a.renderDetail())
	case stepCalls:
		b.WriteString(a.styles.label.Render("Call log"))
		b.WriteString("\n")
		b.WriteString(a.log.View())
	}

	b.WriteString("\n\n")
	if a.errText != "" {
		b.WriteString(a.styles.errText.Render("Error: " + a.errText))
		b.WriteString("\n")
	} else if a.message != "" {
		b.WriteString(a.styles.okText.Render(a.message))
		b.WriteString("\n")
	}
	b.WriteString(a.styles.bar.Render(a.help()))
	return b.String()
}

func (a *App) help() string {
	switch a.step {
	case stepUpload:
		return "enter: ingest • esc: back • ctrl+c: quit"
	case stepProcessing:
		return "esc: cancel"
	case stepDashboard:
		return "enter: details • l: call log • e: export • x: reclaim • n: new upload • d: theme • q: quit"
	case stepDetail:
		return "esc: back • d: theme"
	case stepCalls:
		return "↑/↓: scroll • esc: back"
	}
	return ""
}

func (a *App) summaryLine() string {
	parts := []string{fmt.Sprintf("%d initiatives", len(a.dash.Items))}
	for _, sc := range a.dash.Summary {
		parts = append(parts, a.styles.statusStyle(sc.Status).Render(fmt.Sprintf("%s: %d", sc.Status, sc.Count)))
	}
	return strings.Join(parts, "  ")
}

func (a *App) renderDetail() string {
	in := a.detail
	due := normalize.FormatDate(in.DueDate)
	if in.Overdue {
		due += " ⚠ overdue"
	}
	field := func(label, value string) string {
		return a.styles.label.Render(label+": ") + value
	}
	lines := []string{
		a.styles.label.Render(in.Name) + "  " + a.styles.muted.Render(in.InitiativeID),
		field("Owner", in.Owner),
		field("Status", a.styles.statusStyle(in.Status).Render(in.Status)) + fmt.Sprintf(" (%d%%)", in.Progress),
		field("Due", due),
		field("Related OKR", in.RelatedOKR),
		"",
		in.Description,
		"",
		field("Objectives", normalize.Placeholder(in.Objectives, normalize.NoObjectives)),
		field("Metrics/KPIs", normalize.Placeholder(in.MetricsKPIs, normalize.NoMetrics)),
		field("Notes", normalize.Placeholder(in.Notes, normalize.NoNotes)),
	}
	return a.styles.panel.Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func (a *App) renderCalls(entries []domain.CallLogEntry) string {
	if len(entries) == 0 {
		return a.styles.muted.Render("No remote calls recorded")
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s  %s %s\n", e.TS, e.Method, e.Endpoint)
		if len(e.Payload) > 0 {
			b.WriteString("  payload:  " + truncateJSON(e.Payload) + "\n")
		}
		if e.Error != "" {
			b.WriteString("  " + a.styles.errText.Render("error: "+e.Error) + "\n")
		} else if len(e.Response) > 0 {
			b.WriteString("  response: " + truncateJSON(e.Response) + "\n")
		}
	}
	return b.String()
}

func truncateJSON(raw json.RawMessage) string {
	const limit = 200
	s := string(raw)
	if len(s) > limit {
		s = s[:limit] + "…"
	}
	return s
}
