package tui

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"okrline/internal/normalize"
)

// Theme is the colour palette for one display mode.
type Theme struct {
	Primary    lipgloss.Color
	Foreground lipgloss.Color
	Muted      lipgloss.Color
	Border     lipgloss.Color
	Success    lipgloss.Color
	Warning    lipgloss.Color
	Error      lipgloss.Color
	Active     lipgloss.Color
}

func DarkTheme() Theme {
	return Theme{
		Primary:    lipgloss.Color("#7C3AED"),
		Foreground: lipgloss.Color("#F9FAFB"),
		Muted:      lipgloss.Color("#6B7280"),
		Border:     lipgloss.Color("#374151"),
		Success:    lipgloss.Color("#10B981"),
		Warning:    lipgloss.Color("#F59E0B"),
		Error:      lipgloss.Color("#EF4444"),
		Active:     lipgloss.Color("#3B82F6"),
	}
}

func LightTheme() Theme {
	return Theme{
		Primary:    lipgloss.Color("#5B21B6"),
		Foreground: lipgloss.Color("#111827"),
		Muted:      lipgloss.Color("#6B7280"),
		Border:     lipgloss.Color("#D1D5DB"),
		Success:    lipgloss.Color("#047857"),
		Warning:    lipgloss.Color("#B45309"),
		Error:      lipgloss.Color("#B91C1C"),
		Active:     lipgloss.Color("#1D4ED8"),
	}
}

type styles struct {
	theme   Theme
	title   lipgloss.Style
	muted   lipgloss.Style
	errText lipgloss.Style
	okText  lipgloss.Style
	panel   lipgloss.Style
	label   lipgloss.Style
	bar     lipgloss.Style
}

func newStyles(dark bool) styles {
	t := LightTheme()
	if dark {
		t = DarkTheme()
	}
	return styles{
		theme:   t,
		title:   lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		muted:   lipgloss.NewStyle().Foreground(t.Muted),
		errText: lipgloss.NewStyle().Foreground(t.Error),
		okText:  lipgloss.NewStyle().Foreground(t.Success),
		panel:   lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(t.Border).Padding(0, 1),
		label:   lipgloss.NewStyle().Bold(true).Foreground(t.Foreground),
		bar:     lipgloss.NewStyle().Foreground(t.Muted).Italic(true),
	}
}

// statusStyle colours a status label by its category.
func (s styles) statusStyle(status string) lipgloss.Style {
	c := s.theme.Muted
	switch normalize.Category(status) {
	case normalize.CategoryActive:
		c = s.theme.Active
	case normalize.CategoryWarning:
		c = s.theme.Warning
	case normalize.CategoryDanger:
		c = s.theme.Error
	case normalize.CategorySuccess:
		c = s.theme.Success
	}
	return lipgloss.NewStyle().Foreground(c)
}

func (s styles) tableStyles() table.Styles {
	ts := table.DefaultStyles()
	ts.Header = ts.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(s.theme.Border).
		BorderBottom(true).
		Bold(true)
	ts.Selected = ts.Selected.
		Foreground(s.theme.Foreground).
		Background(s.theme.Primary).
		Bold(false)
	return ts
}
