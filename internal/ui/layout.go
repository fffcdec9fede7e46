// Package ui holds layout helpers shared by the terminal views.
package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/pimsync/internal/theme"
)

// Layout is the header, content and status bar split of the terminal.
type Layout struct {
	Width           int
	Height          int
	HeaderHeight    int
	StatusBarHeight int
}

// NewLayout creates a Layout for a terminal of the given size with
// single-line header and status bar.
func NewLayout(width, height int) Layout {
	return Layout{
		Width:           width,
		Height:          height,
		HeaderHeight:    1,
		StatusBarHeight: 1,
	}
}

// ContentWidth returns the full available width.
func (l Layout) ContentWidth() int {
	return l.Width
}

// ContentHeight returns the rows left between header and status bar.
func (l Layout) ContentHeight() int {
	if h := l.Height - l.HeaderHeight - l.StatusBarHeight; h > 0 {
		return h
	}
	return 0
}

// RenderHeader renders the title on the left and the busy indicator on
// the right.
func (l Layout) RenderHeader(title, busy string) string {
	left := theme.HeaderStyle.Render(title)
	right := theme.HeaderStyle.Align(lipgloss.Right).Render(busy)
	return lipgloss.JoinHorizontal(lipgloss.Top,
		left, l.fill(theme.HeaderStyle, left, right), right)
}

// RenderStatusBar renders hints or a notice, cut to the terminal width.
func (l Layout) RenderStatusBar(text string) string {
	bar := theme.StatusBarStyle.MaxWidth(l.Width).Render(text)
	return lipgloss.JoinHorizontal(lipgloss.Top,
		bar, l.fill(theme.StatusBarStyle, bar))
}

// RenderWithFrame stacks header, content and status bar.
func (l Layout) RenderWithFrame(header, content, statusBar string) string {
	return lipgloss.JoinVertical(lipgloss.Left, header, content, statusBar)
}

// fill pads the row with the style's background up to the full width.
func (l Layout) fill(style lipgloss.Style, used ...string) string {
	gap := l.Width
	for _, s := range used {
		gap -= lipgloss.Width(s)
	}
	if gap <= 0 {
		return ""
	}
	return lipgloss.NewStyle().
		Width(gap).
		Background(style.GetBackground()).
		Render("")
}
