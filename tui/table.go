package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	tableBorderColor = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#AAAAAA"}
	tableBorderStyle = lipgloss.NewStyle().Foreground(tableBorderColor)
)

func Table(w io.Writer, headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(tableBorderStyle).
		Headers(headers...).
		Rows(rows...)
	fmt.Fprintln(w, t.String())
}

// Check is one line of a status report.
type Check struct {
	Name string
	OK   bool
}

// ShowChecks prints a table of checks followed by an overall verdict line and
// reports whether every check passed.
func ShowChecks(w io.Writer, title string, checks []Check) bool {
	rows := make([][]string, 0, len(checks))
	ok := true
	for _, c := range checks {
		status := SuccessMarker
		if !c.OK {
			status = FailureMarker
			ok = false
		}
		rows = append(rows, []string{c.Name, status})
	}
	fmt.Fprintln(w, Title(title))
	Table(w, []string{"Check", "Status"}, rows)
	if ok {
		ShowSuccess(w, "%s: healthy", title)
	} else {
		ShowError(w, "%s: unhealthy", title)
	}
	return ok
}
