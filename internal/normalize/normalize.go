// Package normalize maps initiative status labels to the derived display
// values. Every function here is total: unknown input falls back to the
// neutral defaults.
package normalize

import (
	"strings"
	"time"

	"okrline/internal/domain"
)

const (
	CategoryNeutral = "neutral"
	CategoryActive  = "active"
	CategoryWarning = "warning"
	CategoryDanger  = "danger"
	CategorySuccess = "success"
)

// DateLayout is the due date format the extractor is asked to produce.
const DateLayout = "01/02/2006"

type statusInfo struct {
	progress int
	category string
	color    string
}

var statusTable = map[string]statusInfo{
	domain.StatusNotStarted: {0, CategoryNeutral, "gray"},
	domain.StatusInProgress: {50, CategoryActive, "blue"},
	domain.StatusAtRisk:     {35, CategoryWarning, "yellow"},
	domain.StatusBlocked:    {25, CategoryDanger, "red"},
	domain.StatusCompleted:  {100, CategorySuccess, "green"},
}

var fallback = statusInfo{0, CategoryNeutral, "gray"}

// Canonical trims and lower-cases a status label.
func Canonical(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// Known reports whether status belongs to the closed enumeration.
func Known(status string) bool {
	_, ok := statusTable[Canonical(status)]
	return ok
}

func lookup(status string) statusInfo {
	if info, ok := statusTable[Canonical(status)]; ok {
		return info
	}
	return fallback
}

// Progress returns the authoritative progress percentage for a status.
func Progress(status string) int { return lookup(status).progress }

// Category returns the display category for a status.
func Category(status string) string { return lookup(status).category }

// Color returns the colour name used by the dashboards.
func Color(status string) string { return lookup(status).color }

// ParseDue parses a MM/DD/YYYY due date. Single-digit month and day are accepted.
func ParseDue(due string) (time.Time, bool) {
	due = strings.TrimSpace(due)
	if due == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{DateLayout, "1/2/2006"} {
		if t, err := time.ParseInLocation(layout, due, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// IsOverdue reports whether due falls on a day before now. Unparseable dates are never overdue.
func IsOverdue(due string, now time.Time) bool {
	t, ok := ParseDue(due)
	if !ok {
		return false
	}
	y, m, d := now.In(time.Local).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.Local)
	return t.Before(today)
}

// FormatDate renders a due date for display, returning the input unchanged when it does not parse.
func FormatDate(due string) string {
	t, ok := ParseDue(due)
	if !ok {
		return due
	}
	return t.Format("Jan 2, 2006")
}

// Describe attaches the derived fields to an initiative.
func Describe(in domain.Initiative, now time.Time) domain.InitiativeView {
	info := lookup(in.Status)
	return domain.InitiativeView{
		Initiative: in,
		Progress:   info.progress,
		Category:   info.category,
		Overdue:    IsOverdue(in.DueDate, now),
	}
}

func DescribeAll(items []domain.Initiative, now time.Time) []domain.InitiativeView {
	out := make([]domain.InitiativeView, 0, len(items))
	for _, in := range items {
		out = append(out, Describe(in, now))
	}
	return out
}

// Summarize counts initiatives per known status, in display order.
func Summarize(items []domain.Initiative) []domain.StatusCount {
	counts := map[string]int{}
	for _, in := range items {
		counts[Canonical(in.Status)]++
	}
	out := make([]domain.StatusCount, 0, len(domain.Statuses))
	for _, s := range domain.Statuses {
		out = append(out, domain.StatusCount{Status: s, Count: counts[s]})
	}
	return out
}

// Placeholder returns v, or the detail-view fallback text when v is blank.
func Placeholder(v, empty string) string {
	if strings.TrimSpace(v) == "" {
		return empty
	}
	return v
}

const (
	NoObjectives = "No objectives specified"
	NoMetrics    = "No metrics specified"
	NoNotes      = "No additional notes"
)
