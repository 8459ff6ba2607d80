package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	bannerForegroupColor = lipgloss.AdaptiveColor{Light: "#a60853", Dark: "#F652A0"}
	bannerBorderColor    = lipgloss.AdaptiveColor{Light: "#999999", Dark: "#AAAAAA"}
	bannerTitleColor     = lipgloss.AdaptiveColor{Light: "#00AAAA", Dark: "#00FFFF"}
	bannerMaxWidth       = 60
	bannerStyle          = lipgloss.NewStyle().
				Padding(0, 1).
				AlignVertical(lipgloss.Top).
				AlignHorizontal(lipgloss.Left).
				Border(lipgloss.RoundedBorder()).
				BorderForeground(bannerBorderColor)
	bannerBodyStyle  = lipgloss.NewStyle().Width(bannerMaxWidth).Foreground(bannerForegroupColor)
	bannerTitleStyle = lipgloss.NewStyle().AlignHorizontal(lipgloss.Center).Bold(true).Foreground(bannerTitleColor)
)

// ShowBanner prints a boxed title and body. Without a terminal it prints the
// plain title and body.
func ShowBanner(w io.Writer, title string, body string) {
	if !Interactive(w) {
		fmt.Fprintf(w, "%s\n%s\n", title, body)
		return
	}
	block := bannerTitleStyle.Render(title) + "\n\n" + bannerBodyStyle.Render(body)
	fmt.Fprintln(w, bannerStyle.Render(block))
}

func BannerBodyStyle() lipgloss.Style {
	return bannerBodyStyle
}

func TitleColor() lipgloss.AdaptiveColor {
	return bannerTitleColor
}
