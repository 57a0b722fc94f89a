package commands

import (
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/openfroyo/hostprep/pkg/steplog"
)

// newTable returns a bordered table with a bold header when out is a
// colour terminal.
func newTable(out io.Writer, noColor bool, headers ...string) *table.Table {
	r := lipgloss.NewRenderer(out)
	color := steplog.ColorEnabled(out, noColor)

	header := r.NewStyle().Padding(0, 1)
	cell := r.NewStyle().Padding(0, 1)
	if color {
		header = header.Bold(true).Foreground(lipgloss.Color("4"))
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return header
			}
			return cell
		})
}
