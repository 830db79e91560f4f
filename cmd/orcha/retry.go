package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryCmd = &cobra.Command{
	Use:   "retry <session-id> <graph-id> <node-id>",
	Short: "Run a failed or rejected node again",
	Long: `Reset a failed or rejected node to pending and drive the session.
Nodes that were blocked behind it become runnable again.`,
	Args: cobra.ExactArgs(3),
	RunE: runRetry,
}

func runRetry(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID, graphID, nodeID := args[0], args[1], args[2]
	if err := a.svc.Retry(ctx, sessionID, graphID, nodeID); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s reset for retry\n\n", nodeID)
	return driveAndPrint(ctx, a, out, sessionID, 10)
}
