package orchestrator

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	// Colors
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorRed       = lipgloss.Color("#FF4141")
	colorYellow    = lipgloss.Color("#FFC107")
	colorGray      = lipgloss.Color("#626262")
	colorLightGray = lipgloss.Color("#9e9e9e")
	colorBlue      = lipgloss.Color("#007BFF")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true).
			MarginBottom(1)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(colorLightGray).
			Width(14)

	styleHeader = lipgloss.NewStyle().
			Foreground(colorBlue).
			Bold(true)

	styleMuted = lipgloss.NewStyle().
			Foreground(colorGray)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	styleSuccess = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	styleRunning = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)
)

// field renders one "label value" line.
func field(label string, value any) string {
	return styleLabel.Render(label) + fmt.Sprint(value)
}

// statusText colors a run status.
func statusText(status string) string {
	switch status {
	case "success", "finalized", "healthy":
		return styleSuccess.Render(status)
	case "failed", "unhealthy":
		return styleError.Render(status)
	default:
		return styleRunning.Render(status)
	}
}

// table renders rows under a header with columns padded to the widest cell.
func table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); i < len(widths) && w > widths[i] {
				widths[i] = w
			}
		}
	}

	pad := func(cells []string) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = c + strings.Repeat(" ", widths[i]-lipgloss.Width(c))
		}
		return strings.TrimRight(strings.Join(parts, "  "), " ")
	}

	lines := []string{styleHeader.Render(pad(header))}
	total := 0
	for _, w := range widths {
		total += w + 2
	}
	lines = append(lines, styleMuted.Render(strings.Repeat("-", total-2)))
	for _, row := range rows {
		lines = append(lines, pad(row))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
