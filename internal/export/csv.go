// Package export writes the current record set back out as CSV.
package export

import (
	"encoding/csv"
	"io"
	"strconv"

	"okrline/internal/domain"
	"okrline/internal/normalize"
)

// DefaultFileName is the suggested download name.
const DefaultFileName = "okr_initiatives.csv"

var Header = []string{"Initiative ID", "Name", "Owner", "Status", "Progress %", "Due Date", "Related OKR", "Description"}

// WriteCSV writes a header and one row per initiative. Progress is derived
// from status, never taken from the input.
func WriteCSV(w io.Writer, items []domain.Initiative) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}
	for _, in := range items {
		row := []string{
			in.InitiativeID,
			in.Name,
			in.Owner,
			in.Status,
			strconv.Itoa(normalize.Progress(in.Status)),
			in.DueDate,
			in.RelatedOKR,
			in.Description,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
