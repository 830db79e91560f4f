package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	overrideActor  string
	overrideReason string
)

var overrideCmd = &cobra.Command{
	Use:   "override <session-id> <graph-id> <node-id>",
	Short: "Reverse a rejection",
	Long: `Approve a rejected node. The original rejection stays in the audit log
next to the override and its reason.`,
	Args: cobra.ExactArgs(3),
	RunE: runOverride,
}

func init() {
	overrideCmd.Flags().StringVar(&overrideActor, "actor", os.Getenv("USER"), "Who is overriding")
	overrideCmd.Flags().StringVar(&overrideReason, "reason", "", "Why the rejection is reversed (required)")
}

func runOverride(cmd *cobra.Command, args []string) error {
	if overrideReason == "" {
		return errors.New("--reason is required")
	}
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID, graphID, nodeID := args[0], args[1], args[2]
	dec, err := a.svc.Override(ctx, sessionID, graphID, nodeID, overrideActor, overrideReason)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s overridden (%s)\n\n", nodeID, dec.State)
	return driveAndPrint(ctx, a, out, sessionID, 10)
}
