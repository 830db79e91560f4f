package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orcha/internal/signals"
)

var signalCmd = &cobra.Command{
	Use:       "signal <pause|resume|stop>",
	Short:     "Control a running 'orcha serve'",
	Long:      `Write a signal file into .orcha/signals for 'orcha serve' in this directory.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{signals.Pause, signals.Resume, signals.Stop},
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := signalsDir()
		if err := signals.Send(dir, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent %s to %s\n", args[0], dir)
		return nil
	},
}
