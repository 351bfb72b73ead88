// Package replay renders plan records and live progress as a terminal
// timeline.
package replay

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Entry color scheme - each entry family keeps one consistent color.
var (
	// Structural / metadata
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - timestamps, metadata

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - labels

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")) // White - values

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")) // White bold - headers

	// Coordination - Magenta
	coordStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("13"))

	// Capability steps - Blue
	stepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	// Revision feedback - Cyan
	revisionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	// Outcomes
	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")) // Green

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("9")) // Red

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")) // Yellow
)

var divider = dimStyle.Render(strings.Repeat("─", 72))
