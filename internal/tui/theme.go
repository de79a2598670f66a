package tui

import "github.com/charmbracelet/lipgloss"

// Theme holds the color scheme for the chat display.
type Theme struct {
	User      lipgloss.Color
	Assistant lipgloss.Color
	Status    lipgloss.Color
	Error     lipgloss.Color
	Hint      lipgloss.Color
}

// DefaultTheme provides default colors.
var DefaultTheme = Theme{
	User:      lipgloss.Color("#5FAFD7"), // light blue
	Assistant: lipgloss.Color("#00D787"), // green
	Status:    lipgloss.Color("#D7AF5F"), // amber
	Error:     lipgloss.Color("#FF005F"), // red
	Hint:      lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) userStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.User).Bold(true)
}

func (t Theme) assistantStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Assistant).Bold(true)
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}
