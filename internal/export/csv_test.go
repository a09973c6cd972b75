package export

import (
	"bytes"
	"encoding/csv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"okrline/internal/domain"
)

func TestWriteCSV(t *testing.T) {
	items := []domain.Initiative{
		{InitiativeID: "1", Name: "Launch, phase 2", Owner: "Ana", Status: "In Progress", DueDate: "03/01/2025",
			RelatedOKR: "O1", Description: `Say "hi"`, Notes: "not exported"},
		{InitiativeID: "2", Name: "Audit", Status: "unknown"},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, items))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{"1", "Launch, phase 2", "Ana", "In Progress", "50", "03/01/2025", "O1", `Say "hi"`}, rows[1])
	assert.Equal(t, "0", rows[2][4])
}

func TestWriteCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	assert.Equal(t, "Initiative ID,Name,Owner,Status,Progress %,Due Date,Related OKR,Description\n", buf.String())
}
