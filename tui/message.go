package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

// The markers are part of the contract with the daemon, which classifies a
// command's output by them.
const (
	SuccessMarker = "✅"
	FailureMarker = "❌"
	WarningMarker = "⚠️"
)

var (
	messageOKColor      = lipgloss.AdaptiveColor{Light: "#009900", Dark: "#00FF00"}
	messageOKStyle      = lipgloss.NewStyle().Foreground(messageOKColor)
	messageTextColor    = lipgloss.AdaptiveColor{Light: "#000000", Dark: "#FFFFFF"}
	messageTextStyle    = lipgloss.NewStyle().Foreground(messageTextColor)
	messageErrorColor   = lipgloss.AdaptiveColor{Light: "#990000", Dark: "#FF0000"}
	messageErrorStyle   = lipgloss.NewStyle().Foreground(messageErrorColor)
	messageWarningStyle = lipgloss.NewStyle().Foreground(warningStyleColor)
)

func showMessage(w io.Writer, marker string, markerStyle lipgloss.Style, msg string, args ...any) {
	text := fmt.Sprintf(msg, args...)
	if !Interactive(w) {
		fmt.Fprintln(w, marker+" "+text)
		return
	}
	fmt.Fprintln(w, markerStyle.Render(marker+" ")+messageTextStyle.Render(text))
}

func ShowSuccess(w io.Writer, msg string, args ...any) {
	showMessage(w, SuccessMarker, messageOKStyle, msg, args...)
}

func ShowWarning(w io.Writer, msg string, args ...any) {
	showMessage(w, WarningMarker, messageWarningStyle, msg, args...)
}

func ShowError(w io.Writer, msg string, args ...any) {
	showMessage(w, FailureMarker, messageErrorStyle, msg, args...)
}
