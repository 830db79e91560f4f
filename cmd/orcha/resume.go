package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [session-id...]",
	Short: "Continue persisted sessions",
	Long: `Drive persisted sessions again. Nodes that were running when the
previous process exited are re-dispatched to the runner.

With no arguments, every active session is resumed.`,
	RunE: runResume,
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ids := args
	if len(ids) == 0 {
		for _, s := range a.svc.Sessions() {
			if !s.Status.Terminal() {
				ids = append(ids, s.ID)
			}
		}
	}
	if len(ids) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No active sessions.")
		return nil
	}

	for i, id := range ids {
		if i > 0 {
			fmt.Fprintln(cmd.OutOrStdout())
		}
		if err := driveAndPrint(ctx, a, cmd.OutOrStdout(), id, 10); err != nil {
			return err
		}
	}
	return nil
}
