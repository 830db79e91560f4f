package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orcha/internal/orchestrator"
)

var closeCmd = &cobra.Command{
	Use:   "close <session-id>",
	Short: "Close a session whose graphs have all finished",
	Long: `Mark a settled session completed. Needed when sessions are held open
(scheduler.hold_open) or when a graph failed in its runner and will not be
retried; otherwise sessions complete on their own.`,
	Args: cobra.ExactArgs(1),
	RunE: runClose,
}

func runClose(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	status, err := a.svc.CloseSession(ctx, args[0])
	if errors.Is(err, orchestrator.ErrSessionBusy) {
		return fmt.Errorf("session %s still has running or pending graphs; cancel it instead", args[0])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s %s\n", args[0], statusColor(status).Sprint(status))
	return nil
}
