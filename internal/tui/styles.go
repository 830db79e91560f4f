package tui

import (
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/orcha/pkg/models"
)

// Styles holds the lipgloss styles used by the renderers.
type Styles struct {
	Title    lipgloss.Style
	Header   lipgloss.Style
	Dim      lipgloss.Style
	Selected lipgloss.Style
	Error    lipgloss.Style
	Help     lipgloss.Style
	states   map[models.NodeState]lipgloss.Style
}

// DefaultStyles returns the 256-color palette.
func DefaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),

		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("7")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240")),

		Dim: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),

		Selected: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("15")).
			Bold(true),

		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),

		Help: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),

		states: map[models.NodeState]lipgloss.Style{
			models.NodeStatePending:          lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
			models.NodeStateRunning:          lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
			models.NodeStateAwaitingApproval: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
			models.NodeStateApproved:         lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
			models.NodeStateDone:             lipgloss.NewStyle().Foreground(lipgloss.Color("28")),
			models.NodeStateRejected:         lipgloss.NewStyle().Foreground(lipgloss.Color("166")),
			models.NodeStateFailed:           lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		},
	}
}

// State returns the style for a node state.
func (s Styles) State(state models.NodeState) lipgloss.Style {
	if st, ok := s.states[state]; ok {
		return st
	}
	return s.Dim
}

// StateIcon returns a one-rune marker for a node state.
func StateIcon(state models.NodeState) string {
	switch state {
	case models.NodeStateRunning:
		return "◐"
	case models.NodeStateAwaitingApproval:
		return "?"
	case models.NodeStateApproved:
		return "◉"
	case models.NodeStateDone:
		return "✓"
	case models.NodeStateRejected:
		return "⊘"
	case models.NodeStateFailed:
		return "✗"
	default:
		return "○"
	}
}

func newBar(width int) progress.Model {
	return progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(width),
		progress.WithoutPercentage(),
	)
}
