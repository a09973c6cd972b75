package server

import (
	"encoding/json"
	"strings"

	"okrline/internal/domain"
	"okrline/internal/normalize"
	"okrline/internal/tracker"
)

// Request payloads

type StartRunRequest struct {
	CSV string `json:"csv" minLength:"1" doc:"Raw CSV text of the initiatives file"`
}

// Response payloads

type RunStatusResponse struct {
	domain.RunStatus
	InFlight bool `json:"in_flight"`
}

type CancelResponse struct {
	Cancelled bool              `json:"cancelled"`
	Status    RunStatusResponse `json:"status"`
}

type SessionList struct {
	Items []domain.Session `json:"items"`
}

type InitiativeResponse struct {
	domain.InitiativeView
	Color             string `json:"color"`
	DueDisplay        string `json:"due_display"`
	ObjectivesDisplay string `json:"objectives_display"`
	MetricsDisplay    string `json:"metrics_display"`
	NotesDisplay      string `json:"notes_display"`
}

type CallResponse struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Timestamp string          `json:"timestamp"`
	Endpoint  string          `json:"endpoint"`
	Method    string          `json:"method"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type paginatedCalls struct {
	Items      []CallResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type ObjectList struct {
	Items []domain.RemoteObject `json:"items"`
}

type ReclaimResponse struct {
	Results []tracker.Result `json:"results"`
	Failed  []string         `json:"failed"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts"`
	Type       string          `json:"type"`
	SessionID  string          `json:"session_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func runStatusResponse(st domain.RunStatus) RunStatusResponse {
	return RunStatusResponse{RunStatus: st, InFlight: st.State.InFlight()}
}

func initiativeResponse(v domain.InitiativeView) InitiativeResponse {
	return InitiativeResponse{
		InitiativeView:    v,
		Color:             normalize.Color(v.Status),
		DueDisplay:        normalize.FormatDate(v.DueDate),
		ObjectivesDisplay: normalize.Placeholder(v.Objectives, normalize.NoObjectives),
		MetricsDisplay:    normalize.Placeholder(v.MetricsKPIs, normalize.NoMetrics),
		NotesDisplay:      normalize.Placeholder(v.Notes, normalize.NoNotes),
	}
}

func callResponse(c domain.CallLogEntry) CallResponse {
	return CallResponse{
		ID:        c.ID,
		Seq:       c.Seq,
		Timestamp: c.TS,
		Endpoint:  c.Endpoint,
		Method:    c.Method,
		Payload:   c.Payload,
		Response:  c.Response,
		Error:     c.Error,
	}
}

func reclaimResponse(results []tracker.Result) ReclaimResponse {
	return ReclaimResponse{Results: nonNilSlice(results), Failed: nonNilSlice(tracker.Failed(results))}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		SessionID:  evt.SessionID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func filterByStatus(items []domain.InitiativeView, status string) []domain.InitiativeView {
	if strings.TrimSpace(status) == "" {
		return items
	}
	want := normalize.Canonical(status)
	res := []domain.InitiativeView{}
	for _, it := range items {
		if normalize.Canonical(it.Status) == want {
			res = append(res, it)
		}
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
