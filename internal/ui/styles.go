// internal/ui/styles.go
package ui

import (
	"hash/fnv"

	"github.com/charmbracelet/lipgloss"
)

var (
	// Colors
	Cyan    = lipgloss.Color("#00FFFF")
	Green   = lipgloss.Color("#00FF00")
	Yellow  = lipgloss.Color("#FFD700")
	Orange  = lipgloss.Color("#FFA500")
	Red     = lipgloss.Color("#FF6B6B")
	Magenta = lipgloss.Color("#FF00FF")
	SkyBlue = lipgloss.Color("#87CEEB")
	Dim     = lipgloss.Color("#555555")
	White   = lipgloss.Color("#FFFFFF")

	// Model IDs are arbitrary, so each one hashes onto this palette
	modelPalette = []lipgloss.Color{Cyan, Green, Magenta, Orange, SkyBlue, Yellow}

	// Box styles
	ActiveBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Cyan).
			Padding(0, 1)

	InactiveBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Dim).
			Padding(0, 1)

	// Text styles
	TitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(Cyan)

	SystemStyle = lipgloss.NewStyle().
			Foreground(Yellow)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Red).
			Bold(true)

	DimStyle = lipgloss.NewStyle().
			Foreground(Dim)

	// Status indicators
	StatusOK   = lipgloss.NewStyle().Foreground(Green).Bold(true)
	StatusWarn = lipgloss.NewStyle().Foreground(Orange).Bold(true)
	StatusCrit = lipgloss.NewStyle().Foreground(Red).Bold(true)
)

// ModelColor returns a stable color for a model ID
func ModelColor(modelID string) lipgloss.Color {
	h := fnv.New32a()
	h.Write([]byte(modelID))
	return modelPalette[h.Sum32()%uint32(len(modelPalette))]
}

// ModelStyle returns the style for a given model ID
func ModelStyle(modelID string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(ModelColor(modelID)).Bold(true)
}

// CircuitStyle colors a breaker state name
func CircuitStyle(state string) lipgloss.Style {
	switch state {
	case "closed":
		return StatusOK
	case "half_open":
		return StatusWarn
	default:
		return StatusCrit
	}
}
