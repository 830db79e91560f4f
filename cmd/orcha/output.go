package main

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/orcha/internal/tui"
	"github.com/ShayCichocki/orcha/pkg/models"
)

// printSession renders a session followed by its last n events.
func printSession(w io.Writer, snap models.SessionSnapshot, n int) {
	fmt.Fprint(w, tui.RenderSession(snap))
	if n == 0 || len(snap.Events) == 0 {
		return
	}
	events := snap.Events
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	fmt.Fprintln(w)
	printEvents(w, events, tui.NodeNames(snap))
}

func printEvents(w io.Writer, events []models.Event, names map[string]string) {
	for _, e := range events {
		fmt.Fprintf(w, "  %s %s\n",
			color.New(color.Faint).Sprint(e.Timestamp.Local().Format("15:04:05")),
			eventColor(e.Type).Sprint(tui.RenderEvent(e, names)))
	}
}

func eventColor(t models.EventType) *color.Color {
	switch t {
	case models.EventNodeDone, models.EventArtifactCreated:
		return color.New(color.FgGreen)
	case models.EventNodeFailed, models.EventApprovalConflict:
		return color.New(color.FgRed)
	case models.EventNodeAwaitingApproval, models.EventNodeRejected:
		return color.New(color.FgYellow)
	case models.EventGraphCompleted, models.EventSessionCompleted, models.EventSessionCancelled:
		return color.New(color.Bold)
	default:
		return color.New(color.Reset)
	}
}

func statusColor(s models.SessionStatus) *color.Color {
	switch s {
	case models.SessionCompleted:
		return color.New(color.FgGreen)
	case models.SessionCompletedWithFailures, models.SessionCancelled:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgCyan)
	}
}

// pendingApprovals lists the nodes waiting on a decision, for hints.
func pendingApprovals(snap models.SessionSnapshot) []string {
	var out []string
	for _, g := range snap.Graphs {
		for _, n := range g.Nodes {
			if n.State == models.NodeStateAwaitingApproval {
				out = append(out, fmt.Sprintf("orcha approve %s %s %s", snap.ID, g.ID, n.ID))
			}
		}
	}
	return out
}

func printHints(w io.Writer, snap models.SessionSnapshot) {
	hints := pendingApprovals(snap)
	if len(hints) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, color.YellowString("Waiting for approval:"))
	for _, h := range hints {
		fmt.Fprintf(w, "  %s\n", h)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}
