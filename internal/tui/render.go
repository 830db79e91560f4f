package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"

	"github.com/ShayCichocki/orcha/pkg/models"
)

const barWidth = 20

// RenderSession renders every graph of a session as an indented node list.
func RenderSession(snap models.SessionSnapshot) string {
	styles := DefaultStyles()
	bar := newBar(barWidth)

	var b strings.Builder
	title := snap.Title
	if title == "" {
		title = snap.ID
	}
	b.WriteString(styles.Title.Render(title))
	b.WriteString(styles.Dim.Render(fmt.Sprintf(" %s  [%s]", snap.ID, snap.Status)))
	b.WriteString("\n")
	for _, g := range snap.Graphs {
		b.WriteString(renderGraph(g, styles, bar, ""))
	}
	return b.String()
}

func renderGraph(g models.GraphSnapshot, styles Styles, bar progress.Model, selected string) string {
	var b strings.Builder
	label := g.Label
	if label == "" {
		label = g.ID
	}
	b.WriteString(styles.Header.Render(fmt.Sprintf("%s (%s)", label, g.Status)))
	b.WriteString("\n")
	for _, n := range g.Nodes {
		line := renderNode(n, styles, bar)
		if n.ID == selected {
			line = styles.Selected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func renderNode(n *models.TaskNode, styles Styles, bar progress.Model) string {
	st := styles.State(n.State)
	name := n.Name
	if name == "" {
		name = n.ID
	}
	indent := "  "
	if len(n.DependsOn) > 0 {
		indent = "  └ "
	}
	line := fmt.Sprintf("%s%s %-32s %s %3.0f%% %s",
		indent,
		st.Render(StateIcon(n.State)),
		truncate(name, 32),
		bar.ViewAs(n.Progress/100),
		n.Progress,
		st.Render(string(n.State)),
	)
	if n.ArtifactRef != "" {
		line += styles.Dim.Render(" → " + n.ArtifactRef)
	}
	if n.Error != "" {
		line += styles.Error.Render(" " + truncate(n.Error, 60))
	}
	return line
}

// RenderEvent turns a structured event into one transcript line. names is
// keyed by NodeKey; missing entries fall back to the node ID.
func RenderEvent(e models.Event, names map[string]string) string {
	node := e.NodeID
	if name, ok := names[NodeKey(e.GraphID, e.NodeID)]; ok && name != "" {
		node = name
	}
	switch e.Type {
	case models.EventNodeStarted:
		if e.Reason != "" {
			return fmt.Sprintf("▶ %s started (%s)", node, e.Reason)
		}
		return fmt.Sprintf("▶ %s started", node)
	case models.EventNodeProgress:
		return fmt.Sprintf("… %s %.0f%%", node, e.Progress)
	case models.EventNodeAwaitingApproval:
		return fmt.Sprintf("? %s needs approval", node)
	case models.EventNodeDone:
		if e.Actor != "" {
			return fmt.Sprintf("✓ %s done (approved by %s)", node, e.Actor)
		}
		return fmt.Sprintf("✓ %s done", node)
	case models.EventNodeRejected:
		return fmt.Sprintf("⊘ %s rejected by %s", node, e.Actor)
	case models.EventNodeFailed:
		return fmt.Sprintf("✗ %s failed: %s", node, e.Reason)
	case models.EventNodeRetried:
		return fmt.Sprintf("↻ %s reset for retry", node)
	case models.EventApprovalConflict:
		return fmt.Sprintf("! %s: conflicting decision from %s ignored", node, e.Actor)
	case models.EventArtifactCreated:
		return fmt.Sprintf("◆ %s artifact %s from %s", e.ArtifactKind, e.ArtifactID, node)
	case models.EventGraphCompleted:
		return fmt.Sprintf("■ graph %s %s", e.GraphID, e.GraphStatus)
	case models.EventSessionCompleted:
		return fmt.Sprintf("■ session %s", e.SessionStatus)
	case models.EventSessionCancelled:
		return fmt.Sprintf("■ session cancelled: %s", e.Reason)
	default:
		return string(e.Type)
	}
}

// NodeKey identifies a node across the graphs of a session.
func NodeKey(graphID, nodeID string) string {
	return graphID + "/" + nodeID
}

// NodeNames maps NodeKey to node names across every graph of a session.
func NodeNames(snap models.SessionSnapshot) map[string]string {
	names := make(map[string]string)
	for _, g := range snap.Graphs {
		for _, n := range g.Nodes {
			names[NodeKey(g.ID, n.ID)] = n.Name
		}
	}
	return names
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
