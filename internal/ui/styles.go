// Package ui renders command output: lipgloss tables on a terminal, JSON
// everywhere else.
package ui

import (
	"encoding/json"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"golang.org/x/term"
)

// Colors
var (
	primaryColor   = lipgloss.Color("39")  // Blue
	secondaryColor = lipgloss.Color("245") // Gray
	errorColor     = lipgloss.Color("196") // Red
	successColor   = lipgloss.Color("82")  // Green
	warningColor   = lipgloss.Color("214") // Orange
)

var (
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	HeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Padding(0, 1)
	CellStyle   = lipgloss.NewStyle().Padding(0, 1)
	DimStyle    = lipgloss.NewStyle().Foreground(secondaryColor)
	OKStyle     = lipgloss.NewStyle().Foreground(successColor)
	WarnStyle   = lipgloss.NewStyle().Foreground(warningColor)
	ErrorStyle  = lipgloss.NewStyle().Foreground(errorColor)

	borderStyle = lipgloss.NewStyle().Foreground(secondaryColor)
)

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Table renders headers and rows with rounded borders.
func Table(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle
			}
			return CellStyle
		}).
		String()
}

// Status colours a boolean outcome.
func Status(ok bool, yes, no string) string {
	if ok {
		return OKStyle.Render(yes)
	}
	return ErrorStyle.Render(no)
}

// JSON writes v indented.
func JSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
