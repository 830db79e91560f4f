package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelReason string

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id> [graph-id]",
	Short: "Cancel a session or one of its graphs",
	Long: `Stop running nodes and mark unfinished nodes failed. With a graph ID
only that graph is cancelled; the rest of the session continues.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCancel,
}

func init() {
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "cancelled by operator", "Reason recorded on cancelled nodes")
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID := args[0]
	if len(args) == 2 {
		err = a.svc.CancelGraph(ctx, sessionID, args[1], cancelReason)
	} else {
		err = a.svc.CancelSession(ctx, sessionID, cancelReason)
	}
	if err != nil {
		return err
	}

	snap, err := a.svc.Session(sessionID)
	if err != nil {
		return err
	}
	printSession(cmd.OutOrStdout(), snap, 5)
	if len(args) == 1 {
		fmt.Fprintf(cmd.OutOrStdout(), "\nSession %s %s\n", sessionID, statusColor(snap.Status).Sprint(snap.Status))
	}
	return nil
}
