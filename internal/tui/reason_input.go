package tui

import (
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// reasonSubmittedMsg is sent when the analyst confirms an override reason.
type reasonSubmittedMsg struct {
	Reason string
}

// reasonCancelledMsg is sent when the analyst abandons the prompt.
type reasonCancelledMsg struct{}

// ReasonInput prompts for the justification an override requires.
type ReasonInput struct {
	input textinput.Model
	width int
}

// NewReasonInput creates a focused prompt.
func NewReasonInput() *ReasonInput {
	ti := textinput.New()
	ti.Placeholder = "Why override the rejection?"
	ti.Focus()
	ti.CharLimit = 300
	ti.Width = 60

	return &ReasonInput{input: ti, width: 80}
}

// SetWidth sets the width of the prompt.
func (r *ReasonInput) SetWidth(width int) {
	r.width = width
	r.input.Width = width - 4
}

// Value returns the current text.
func (r *ReasonInput) Value() string {
	return r.input.Value()
}

// Update handles key input. Enter submits a non-empty reason; Esc cancels.
func (r *ReasonInput) Update(msg tea.Msg) (*ReasonInput, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			text := r.input.Value()
			if text == "" {
				return r, nil
			}
			r.input.Reset()
			return r, func() tea.Msg { return reasonSubmittedMsg{Reason: text} }
		case tea.KeyEsc:
			r.input.Reset()
			return r, func() tea.Msg { return reasonCancelledMsg{} }
		}
	}

	var cmd tea.Cmd
	r.input, cmd = r.input.Update(msg)
	return r, cmd
}

// View renders the prompt.
func (r *ReasonInput) View() string {
	promptStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("39")).
		Bold(true)

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Width(r.width - 2)

	return boxStyle.Render(promptStyle.Render("override> ") + r.input.View())
}
