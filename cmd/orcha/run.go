package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orcha/internal/orchestrator"
)

var (
	runOwner        string
	runConversation string
	runAutoApprove  string
	runNoDrive      bool
)

var runCmd = &cobra.Command{
	Use:   "run <template>",
	Short: "Start a session from a template",
	Long: `Start a session from a task graph template and drive it until every
graph finishes or waits on an analyst decision.

Builtin templates:
  fraud-pattern-analysis  Cluster signals, draft rules, backtest, ship
  elder-abuse-review      Gated data access and outreach contact
  velocity-tuning         Compare threshold variants

Use 'orcha templates' to list templates, including ones loaded from
templates.dir. Pending approvals are printed with the command that
resolves them.`,
	Args: cobra.ExactArgs(1),
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVar(&runOwner, "owner", os.Getenv("USER"), "Session owner")
	runCmd.Flags().StringVar(&runConversation, "conversation", "", "Chat conversation this session belongs to")
	runCmd.Flags().StringVar(&runAutoApprove, "auto-approve", "", "Approve every gate as this actor (demos only)")
	runCmd.Flags().BoolVar(&runNoDrive, "no-drive", false, "Create the session without running it")
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var extra []orchestrator.Option
	if runAutoApprove != "" {
		extra = append(extra, orchestrator.WithAutoApprove(runAutoApprove))
	}
	a, err := openApp(ctx, extra...)
	if err != nil {
		return err
	}
	defer a.Close()

	tmpl, err := a.templates.Get(args[0])
	if err != nil {
		return err
	}
	snap, err := a.svc.CreateSession(ctx, tmpl.SessionSpec(runOwner, runConversation))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s created from %s\n\n", snap.ID, tmpl.Name)

	if runNoDrive {
		printSession(cmd.OutOrStdout(), snap, 0)
		return nil
	}
	return driveAndPrint(ctx, a, cmd.OutOrStdout(), snap.ID, -1)
}

// driveAndPrint drives a session until it settles, then prints it with its
// last n events (all when n < 0).
func driveAndPrint(ctx context.Context, a *app, w io.Writer, sessionID string, n int) error {
	snap, err := a.svc.Drive(ctx, sessionID, a.cfg.Scheduler.TickInterval)
	printSession(w, snap, n)
	printHints(w, snap)
	if err != nil {
		return fmt.Errorf("drive session %s: %w", sessionID, err)
	}
	return nil
}
