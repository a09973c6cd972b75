package mcpserver

import (
	"strings"

	"okrline/internal/domain"
	"okrline/internal/normalize"
)

type SessionInput struct {
	Session string `json:"session,omitempty" jsonschema:"session id (default session when empty)"`
}

type IngestInput struct {
	Session string `json:"session,omitempty" jsonschema:"session id (default session when empty)"`
	CSV     string `json:"csv" jsonschema:"raw CSV text with a header row"`
}

type ListInput struct {
	Session string `json:"session,omitempty" jsonschema:"session id (default session when empty)"`
	Status  string `json:"status,omitempty" jsonschema:"only return initiatives with this status, case-insensitive"`
}

type GetInput struct {
	Session      string `json:"session,omitempty" jsonschema:"session id (default session when empty)"`
	InitiativeID string `json:"initiative_id" jsonschema:"the initiative identifier, e.g. INI-001"`
}

type StatusOutput struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id,omitempty"`
	State     string `json:"state"`
	Status    string `json:"status,omitempty"`
	Message   string `json:"message,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Count     int    `json:"count"`
	InFlight  bool   `json:"in_flight"`
}

type InitiativeOutput struct {
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
	Progress     int    `json:"progress_percentage"`
	Category     string `json:"category"`
	Overdue      bool   `json:"overdue"`
}

type ListOutput struct {
	State   string             `json:"state"`
	Count   int                `json:"count"`
	Items   []InitiativeOutput `json:"items"`
	Summary map[string]int     `json:"summary"`
}

type ReclaimOutput struct {
	Deleted []string `json:"deleted"`
	Failed  []string `json:"failed"`
}

func initiativeOutput(v domain.InitiativeView) InitiativeOutput {
	return InitiativeOutput{
		InitiativeID: v.InitiativeID,
		Name:         v.Name,
		Owner:        v.Owner,
		Status:       v.Status,
		DueDate:      v.DueDate,
		Description:  v.Description,
		RelatedOKR:   v.RelatedOKR,
		Objectives:   v.Objectives,
		MetricsKPIs:  v.MetricsKPIs,
		Notes:        v.Notes,
		Progress:     v.Progress,
		Category:     v.Category,
		Overdue:      v.Overdue,
	}
}

func filterByStatus(items []domain.InitiativeView, status string) []domain.InitiativeView {
	want := normalize.Canonical(status)
	if strings.TrimSpace(want) == "" {
		return items
	}
	var out []domain.InitiativeView
	for _, v := range items {
		if normalize.Canonical(v.Status) == want {
			out = append(out, v)
		}
	}
	return out
}
