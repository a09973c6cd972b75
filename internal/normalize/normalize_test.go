package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"okrline/internal/domain"
)

func TestStatusTable(t *testing.T) {
	cases := []struct {
		status   string
		progress int
		category string
		color    string
	}{
		{"not started", 0, CategoryNeutral, "gray"},
		{"in progress", 50, CategoryActive, "blue"},
		{"at risk", 35, CategoryWarning, "yellow"},
		{"blocked", 25, CategoryDanger, "red"},
		{"completed", 100, CategorySuccess, "green"},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			assert.True(t, Known(tc.status))
			assert.Equal(t, tc.progress, Progress(tc.status))
			assert.Equal(t, tc.category, Category(tc.status))
			assert.Equal(t, tc.color, Color(tc.status))
		})
	}
}

func TestStatusCaseAndWhitespaceVariants(t *testing.T) {
	for _, s := range []string{"Completed", " completed ", "COMPLETED", "\tcompleted\n"} {
		assert.Equal(t, 100, Progress(s), s)
		assert.Equal(t, CategorySuccess, Category(s), s)
	}
	assert.Equal(t, 35, Progress("At Risk"))
}

func TestDescribeKeepsStatusAsReceived(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	in := domain.Initiative{InitiativeID: "I-1", Status: "  At RISK "}
	v := Describe(in, now)
	assert.Equal(t, "  At RISK ", v.Status)
	assert.Equal(t, 35, v.Progress)
	assert.Equal(t, CategoryWarning, v.Category)

	summary := Summarize([]domain.Initiative{in, {Status: "at risk"}})
	assert.Contains(t, summary, domain.StatusCount{Status: "at risk", Count: 2})
}

func TestUnknownStatusFallsBack(t *testing.T) {
	for _, s := range []string{"", "done", "in-progress", "on hold"} {
		assert.False(t, Known(s))
		assert.Equal(t, 0, Progress(s))
		assert.Equal(t, CategoryNeutral, Category(s))
		assert.Equal(t, "gray", Color(s))
	}
}

func TestIsOverdue(t *testing.T) {
	now := time.Date(2024, 6, 15, 10, 0, 0, 0, time.Local)
	assert.True(t, IsOverdue("06/14/2024", now))
	assert.True(t, IsOverdue("1/5/2024", now))
	assert.False(t, IsOverdue("06/15/2024", now))
	assert.False(t, IsOverdue("12/31/2024", now))
	assert.False(t, IsOverdue("", now))
	assert.False(t, IsOverdue("next quarter", now))
	assert.False(t, IsOverdue("2024-01-01", now))
}

func TestFormatDate(t *testing.T) {
	assert.Equal(t, "Mar 9, 2025", FormatDate("03/09/2025"))
	assert.Equal(t, "Q3", FormatDate("Q3"))
}

func TestDescribeAndSummarize(t *testing.T) {
	now := time.Date(2024, 6, 15, 0, 0, 0, 0, time.Local)
	items := []domain.Initiative{
		{InitiativeID: "1", Status: "Completed", DueDate: "01/01/2024"},
		{InitiativeID: "2", Status: "blocked", DueDate: "07/01/2024"},
		{InitiativeID: "3", Status: "paused"},
		{InitiativeID: "4", Status: "completed"},
	}
	views := DescribeAll(items, now)
	assert.Len(t, views, 4)
	assert.Equal(t, 100, views[0].Progress)
	assert.True(t, views[0].Overdue)
	assert.Equal(t, "Completed", views[0].Status)
	assert.Equal(t, CategoryDanger, views[1].Category)
	assert.False(t, views[1].Overdue)
	assert.Equal(t, CategoryNeutral, views[2].Category)

	summary := Summarize(items)
	assert.Equal(t, []domain.StatusCount{
		{Status: "not started", Count: 0},
		{Status: "in progress", Count: 0},
		{Status: "at risk", Count: 0},
		{Status: "blocked", Count: 1},
		{Status: "completed", Count: 2},
	}, summary)
}

func TestPlaceholder(t *testing.T) {
	assert.Equal(t, NoNotes, Placeholder("  ", NoNotes))
	assert.Equal(t, "ship it", Placeholder("ship it", NoNotes))
}
