package extract

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okrline/internal/domain"
)

func TestDecodeArrayValueUnchanged(t *testing.T) {
	want := []domain.Initiative{
		{InitiativeID: "I-1", Name: "Launch portal", Owner: "Dana", Status: "in progress", DueDate: "09/30/2025",
			Description: "Customer self-service", RelatedOKR: "O1-KR2", Objectives: "Reduce tickets", MetricsKPIs: "Tickets/week", Notes: "Phase 1"},
		{InitiativeID: "I-2", Name: "Migrate billing", Owner: "Lee", Status: "Blocked", DueDate: "01/15/2025"},
	}
	raw, err := json.Marshal(want)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDecodeStringStrict(t *testing.T) {
	value, _ := json.Marshal(`[{"initiative_id":"7","name":"Hire"}]`)
	got, err := Decode(value)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "7", got[0].InitiativeID)
	assert.Equal(t, "Hire", got[0].Name)
}

func TestDecodeStringFallbackSpan(t *testing.T) {
	value, _ := json.Marshal(`prefix noise [ {"initiative_id":"1"} ] trailing noise`)
	got, err := Decode(value)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].InitiativeID)
}

func TestDecodeFencedModelOutput(t *testing.T) {
	text := "Here is the data:\n```json\n[\n  {\"initiative_id\": 3, \"status\": \"completed\"}\n]\n```"
	got, err := DecodeText(text)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].InitiativeID)
}

func TestDecodeFailures(t *testing.T) {
	notJSON, _ := json.Marshal("not json at all")
	brokenSpan, _ := json.Marshal("see [ this is not json ]")
	for name, value := range map[string]json.RawMessage{
		"plain text":  notJSON,
		"broken span": brokenSpan,
		"object":      json.RawMessage(`{"items":[]}`),
		"number":      json.RawMessage(`42`),
		"null":        json.RawMessage(`null`),
		"empty":       nil,
	} {
		t.Run(name, func(t *testing.T) {
			got, err := Decode(value)
			assert.ErrorIs(t, err, ErrUnparseable)
			assert.Empty(t, got)
		})
	}
}

func TestDecodeEmptyArray(t *testing.T) {
	got, err := Decode(json.RawMessage(`[]`))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCoerceFieldDefaults(t *testing.T) {
	raw := json.RawMessage(`[
		{"initiative_id": 12, "name": null, "status": "At Risk", "objectives": ["Grow", "Retain", null],
		 "metrics_kpis": {"nps": 40}, "notes": true, "progress_percentage": 99},
		"stray string",
		42
	]`)
	got, err := Decode(raw)
	require.NoError(t, err)
	require.Len(t, got, 1)
	in := got[0]
	assert.Equal(t, "12", in.InitiativeID)
	assert.Equal(t, "", in.Name)
	assert.Equal(t, "At Risk", in.Status)
	assert.Equal(t, "Grow; Retain", in.Objectives)
	assert.Equal(t, `{"nps":40}`, in.MetricsKPIs)
	assert.Equal(t, "true", in.Notes)
	assert.Equal(t, "", in.Owner)
}
