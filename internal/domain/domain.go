package domain

import "encoding/json"

// Status labels accepted by the extractor, canonical lower-case form.
const (
	StatusNotStarted = "not started"
	StatusInProgress = "in progress"
	StatusAtRisk     = "at risk"
	StatusBlocked    = "blocked"
	StatusCompleted  = "completed"
)

// Statuses lists the closed status enumeration in display order.
var Statuses = []string{StatusNotStarted, StatusInProgress, StatusAtRisk, StatusBlocked, StatusCompleted}

// Initiative is one extracted record. Status is kept as received; consumers
// canonicalize it. Progress is never stored, it is derived from Status.
type Initiative struct {
	InitiativeID string `json:"initiative_id"`
	Name         string `json:"name"`
	Owner        string `json:"owner"`
	Status       string `json:"status"`
	DueDate      string `json:"due_date"`
	Description  string `json:"description"`
	RelatedOKR   string `json:"related_okr"`
	Objectives   string `json:"objectives"`
	MetricsKPIs  string `json:"metrics_kpis"`
	Notes        string `json:"notes"`
}

// InitiativeView is an Initiative decorated with the derived display fields.
type InitiativeView struct {
	Initiative
	Progress int    `json:"progress_percentage"`
	Category string `json:"category" enum:"neutral,active,warning,danger,success"`
	Overdue  bool   `json:"overdue"`
}

type StatusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// RunState is the pipeline state machine position.
type RunState string

const (
	StateIdle                RunState = "idle"
	StateUploading           RunState = "uploading"
	StateExtractingStructure RunState = "extracting_structure"
	StateReady               RunState = "ready"
	StateFailed              RunState = "failed"
)

// InFlight reports whether a run currently holds the session.
func (s RunState) InFlight() bool {
	return s == StateUploading || s == StateExtractingStructure
}

// RunStatus is a snapshot of a session's pipeline.
type RunStatus struct {
	SessionID  string   `json:"session_id"`
	RunID      string   `json:"run_id,omitempty"`
	Actor      string   `json:"actor,omitempty"`
	State      RunState `json:"state" enum:"idle,uploading,extracting_structure,ready,failed"`
	Status     string   `json:"status,omitempty"`
	Message    string   `json:"message,omitempty"`
	Detail     string   `json:"detail,omitempty"`
	Count      int      `json:"count"`
	StartedAt  string   `json:"started_at,omitempty" format:"date-time"`
	FinishedAt string   `json:"finished_at,omitempty" format:"date-time"`
}

// CallLogEntry records one remote call. Payload and Response hold raw JSON.
type CallLogEntry struct {
	ID        string          `json:"id"`
	TS        string          `json:"timestamp" format:"date-time"`
	Endpoint  string          `json:"endpoint"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
}

type RemoteObject struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
	TrackedAt string `json:"tracked_at" format:"date-time"`
}

type Session struct {
	ID        string   `json:"id"`
	State     RunState `json:"state"`
	Status    string   `json:"status,omitempty"`
	Message   string   `json:"message,omitempty"`
	RunID     string   `json:"run_id,omitempty"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	SessionID  string `json:"session_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload"`
}
