package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/ShayCichocki/orcha/internal/graph"
	"github.com/ShayCichocki/orcha/pkg/models"
)

const maxLogLines = 12

// Controller is the part of the orchestration service the app drives.
// *orchestrator.Service satisfies it.
type Controller interface {
	Session(id string) (models.SessionSnapshot, error)
	Decide(ctx context.Context, sessionID, graphID, nodeID, actor string, decision bool) (graph.Decision, error)
	Override(ctx context.Context, sessionID, graphID, nodeID, actor, reason string) (graph.Decision, error)
	Retry(ctx context.Context, sessionID, graphID, nodeID string) error
}

// EventMsg carries one orchestration event into the program.
type EventMsg struct {
	Event models.Event
}

// snapshotMsg carries a refreshed session snapshot.
type snapshotMsg struct {
	snap models.SessionSnapshot
	err  error
}

// actionDoneMsg reports the outcome of a key-triggered action.
type actionDoneMsg struct {
	verb string
	node string
	err  error
}

type eventsClosedMsg struct{}

// row is one selectable node line.
type row struct {
	graphID string
	nodeID  string
}

// App is the bubbletea model behind `orcha watch`.
type App struct {
	ctrl      Controller
	sessionID string
	actor     string
	events    <-chan models.Event

	snap     models.SessionSnapshot
	rows     []row
	cursor   int
	log      []string
	status   string
	reason   *ReasonInput
	width    int
	quitting bool

	styles Styles
	bar    progress.Model
}

// NewApp creates an app following one session. events may be nil.
func NewApp(ctrl Controller, sessionID, actor string, events <-chan models.Event) *App {
	return &App{
		ctrl:      ctrl,
		sessionID: sessionID,
		actor:     actor,
		events:    events,
		width:     100,
		styles:    DefaultStyles(),
		bar:       newBar(barWidth),
	}
}

// Init loads the first snapshot and starts listening for events.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.refresh(), a.waitForEvent())
}

func (a *App) refresh() tea.Cmd {
	ctrl, id := a.ctrl, a.sessionID
	return func() tea.Msg {
		snap, err := ctrl.Session(id)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (a *App) waitForEvent() tea.Cmd {
	if a.events == nil {
		return nil
	}
	events := a.events
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return EventMsg{Event: e}
	}
}

// Update handles messages.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		if a.reason != nil {
			a.reason.SetWidth(msg.Width)
		}
		return a, nil

	case snapshotMsg:
		if msg.err != nil {
			a.status = msg.err.Error()
			return a, nil
		}
		a.setSnapshot(msg.snap)
		return a, nil

	case EventMsg:
		if msg.Event.SessionID != a.sessionID {
			return a, a.waitForEvent()
		}
		a.appendLog(RenderEvent(msg.Event, NodeNames(a.snap)))
		return a, tea.Batch(a.refresh(), a.waitForEvent())

	case eventsClosedMsg:
		return a, nil

	case actionDoneMsg:
		if msg.err != nil {
			a.status = fmt.Sprintf("%s %s: %v", msg.verb, msg.node, msg.err)
		} else {
			a.status = fmt.Sprintf("%s %s", msg.verb, msg.node)
		}
		return a, a.refresh()

	case reasonSubmittedMsg:
		a.reason = nil
		return a, a.override(msg.Reason)

	case reasonCancelledMsg:
		a.reason = nil
		a.status = "override cancelled"
		return a, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			a.quitting = true
			return a, tea.Quit
		}
		if a.reason != nil {
			var cmd tea.Cmd
			a.reason, cmd = a.reason.Update(msg)
			return a, cmd
		}
		return a.handleKey(msg)
	}
	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		a.quitting = true
		return a, tea.Quit
	case "up", "k":
		if a.cursor > 0 {
			a.cursor--
		}
	case "down", "j":
		if a.cursor < len(a.rows)-1 {
			a.cursor++
		}
	case "a":
		return a, a.decide(true)
	case "r":
		return a, a.decide(false)
	case "t":
		return a, a.retry()
	case "o":
		if n := a.selectedNode(); n != nil && n.State == models.NodeStateRejected {
			a.reason = NewReasonInput()
			a.reason.SetWidth(a.width)
			return a, nil
		}
		a.status = "only rejected nodes can be overridden"
	}
	return a, nil
}

func (a *App) decide(decision bool) tea.Cmd {
	sel, ok := a.selected()
	if !ok {
		return nil
	}
	verb := "rejected"
	if decision {
		verb = "approved"
	}
	ctrl, sid, actor := a.ctrl, a.sessionID, a.actor
	return func() tea.Msg {
		_, err := ctrl.Decide(context.Background(), sid, sel.graphID, sel.nodeID, actor, decision)
		return actionDoneMsg{verb: verb, node: sel.nodeID, err: err}
	}
}

func (a *App) retry() tea.Cmd {
	sel, ok := a.selected()
	if !ok {
		return nil
	}
	ctrl, sid := a.ctrl, a.sessionID
	return func() tea.Msg {
		err := ctrl.Retry(context.Background(), sid, sel.graphID, sel.nodeID)
		return actionDoneMsg{verb: "retried", node: sel.nodeID, err: err}
	}
}

func (a *App) override(reason string) tea.Cmd {
	sel, ok := a.selected()
	if !ok {
		return nil
	}
	ctrl, sid, actor := a.ctrl, a.sessionID, a.actor
	return func() tea.Msg {
		_, err := ctrl.Override(context.Background(), sid, sel.graphID, sel.nodeID, actor, reason)
		return actionDoneMsg{verb: "overridden", node: sel.nodeID, err: err}
	}
}

func (a *App) setSnapshot(snap models.SessionSnapshot) {
	var prev row
	if sel, ok := a.selected(); ok {
		prev = sel
	}
	a.snap = snap
	a.rows = a.rows[:0]
	a.cursor = 0
	for _, g := range snap.Graphs {
		for _, n := range g.Nodes {
			r := row{graphID: g.ID, nodeID: n.ID}
			if r == prev {
				a.cursor = len(a.rows)
			}
			a.rows = append(a.rows, r)
		}
	}
}

func (a *App) selected() (row, bool) {
	if a.cursor < 0 || a.cursor >= len(a.rows) {
		return row{}, false
	}
	return a.rows[a.cursor], true
}

func (a *App) selectedNode() *models.TaskNode {
	sel, ok := a.selected()
	if !ok {
		return nil
	}
	for _, g := range a.snap.Graphs {
		if g.ID != sel.graphID {
			continue
		}
		for _, n := range g.Nodes {
			if n.ID == sel.nodeID {
				return n
			}
		}
	}
	return nil
}

func (a *App) appendLog(line string) {
	a.log = append(a.log, line)
	if len(a.log) > maxLogLines {
		a.log = a.log[len(a.log)-maxLogLines:]
	}
}

// View renders the app.
func (a *App) View() string {
	if a.quitting {
		return ""
	}

	var b strings.Builder
	title := a.snap.Title
	if title == "" {
		title = a.sessionID
	}
	b.WriteString(a.styles.Title.Render(title))
	b.WriteString(a.styles.Dim.Render(fmt.Sprintf(" [%s]", a.snap.Status)))
	b.WriteString("\n\n")

	var selected row
	if sel, ok := a.selected(); ok {
		selected = sel
	}
	for _, g := range a.snap.Graphs {
		sel := ""
		if g.ID == selected.graphID {
			sel = selected.nodeID
		}
		b.WriteString(renderGraph(g, a.styles, a.bar, sel))
		b.WriteString("\n")
	}

	for _, line := range a.log {
		b.WriteString(a.styles.Dim.Render(line))
		b.WriteString("\n")
	}
	if a.status != "" {
		b.WriteString("\n")
		b.WriteString(a.status)
		b.WriteString("\n")
	}
	if a.reason != nil {
		b.WriteString(a.reason.View())
		b.WriteString("\n")
	}
	b.WriteString(a.styles.Help.Render("↑/↓ select  a approve  r reject  t retry  o override  q quit"))
	return b.String()
}
