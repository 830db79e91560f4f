package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orcha/internal/graph"
)

var (
	decideActor   string
	decideNoDrive bool
)

var approveCmd = &cobra.Command{
	Use:   "approve <session-id> <graph-id> <node-id>",
	Short: "Approve a node awaiting approval",
	Long: `Record a positive decision. Artifact-producing nodes persist their
artifact before the node is marked done. Approving twice is a no-op.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(cmd, args, true)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <session-id> <graph-id> <node-id>",
	Short: "Reject a node awaiting approval",
	Long: `Record a negative decision. Nodes that depend on a rejected node never
start. Use 'orcha override' to reverse a rejection.`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDecide(cmd, args, false)
	},
}

func init() {
	for _, c := range []*cobra.Command{approveCmd, rejectCmd} {
		c.Flags().StringVar(&decideActor, "actor", os.Getenv("USER"), "Who is deciding")
		c.Flags().BoolVar(&decideNoDrive, "no-drive", false, "Record the decision without driving the session")
	}
}

func runDecide(cmd *cobra.Command, args []string, decision bool) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID, graphID, nodeID := args[0], args[1], args[2]
	dec, err := a.svc.Decide(ctx, sessionID, graphID, nodeID, decideActor, decision)
	var conflict *graph.ConflictError
	if errors.As(err, &conflict) {
		return fmt.Errorf("%s was already decided %s by %s", nodeID, verdict(conflict.Original), conflict.DecidedBy)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch {
	case dec.Duplicate:
		fmt.Fprintf(out, "%s already %s\n", nodeID, verdict(decision))
	case dec.ArtifactID != "":
		fmt.Fprintf(out, "%s %s, artifact %s\n", nodeID, color.GreenString(verdict(decision)), dec.ArtifactID)
	default:
		fmt.Fprintf(out, "%s %s (%s)\n", nodeID, verdict(decision), dec.State)
	}

	if decideNoDrive {
		return nil
	}
	fmt.Fprintln(out)
	return driveAndPrint(ctx, a, out, sessionID, 10)
}

func verdict(decision bool) string {
	if decision {
		return "approved"
	}
	return "rejected"
}
