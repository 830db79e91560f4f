package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orcha/pkg/models"
)

var (
	statusEvents int
	statusAll    bool
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show sessions and their graphs",
	Long: `Without arguments, list sessions: active ones first, then the five most
recent finished ones (--all lists every session).

With a session ID, show each graph's nodes with state, progress, and
artifacts, followed by the latest transcript events.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusEvents, "events", "n", 10, "Transcript events to show (-1 for all)")
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "List every finished session")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if len(args) == 1 {
		snap, err := a.svc.Session(args[0])
		if err != nil {
			return err
		}
		printSession(out, snap, statusEvents)
		printHints(out, snap)
		return nil
	}

	sessions := a.svc.Sessions()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions. Run 'orcha run <template>' to start one.")
		return nil
	}
	listSessions(out, sessions, statusAll, time.Now())
	return nil
}

func listSessions(w io.Writer, sessions []models.SessionSnapshot, all bool, now time.Time) {
	var active, finished []models.SessionSnapshot
	for _, s := range sessions {
		if s.Status.Terminal() {
			finished = append(finished, s)
		} else {
			active = append(active, s)
		}
	}

	if len(active) > 0 {
		fmt.Fprintln(w, "Active Sessions:")
		for _, s := range active {
			fmt.Fprintf(w, "  %s: %q %s (%s ago)%s\n", s.ID, s.Title,
				statusColor(s.Status).Sprint(s.Status), formatDuration(now.Sub(s.CreatedAt)), waitingSuffix(s))
		}
	}

	// Newest first.
	recent := make([]models.SessionSnapshot, 0, len(finished))
	for i := len(finished) - 1; i >= 0; i-- {
		recent = append(recent, finished[i])
	}
	if !all && len(recent) > 5 {
		recent = recent[:5]
	}
	if len(recent) > 0 {
		if len(active) > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, "Recent Sessions:")
		for _, s := range recent {
			fmt.Fprintf(w, "  %s: %q %s (%s ago)\n", s.ID, s.Title,
				statusColor(s.Status).Sprint(s.Status), formatDuration(now.Sub(s.CreatedAt)))
		}
	}
}

func waitingSuffix(s models.SessionSnapshot) string {
	if n := len(pendingApprovals(s)); n > 0 {
		return fmt.Sprintf(", %d awaiting approval", n)
	}
	return ""
}
