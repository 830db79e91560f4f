package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/orcha/internal/tui"
)

var watchActor string

var watchCmd = &cobra.Command{
	Use:   "watch <session-id>",
	Short: "Follow a session interactively",
	Long: `Open a terminal view of a session while the scheduler drives it.

Keys:
  ↑/↓ or k/j  select a node
  a           approve the selected node
  r           reject the selected node
  t           retry the selected node
  o           override a rejection (prompts for a reason)
  q           quit`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchActor, "actor", os.Getenv("USER"), "Who is deciding")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID := args[0]
	if _, err := a.svc.Session(sessionID); err != nil {
		return err
	}

	// Log output corrupts the display.
	originalOutput := log.Writer()
	log.SetOutput(io.Discard)
	defer log.SetOutput(originalOutput)

	events, unsubscribe := a.svc.Subscribe(256)
	defer unsubscribe()

	loopCtx, cancelLoop := context.WithCancel(ctx)
	loopDone := make(chan error, 1)
	go func() {
		loopDone <- a.svc.Scheduler().Loop(loopCtx, a.cfg.Scheduler.TickInterval)
	}()

	program := tea.NewProgram(tui.NewApp(a.svc, sessionID, watchActor, events), tea.WithAltScreen(), tea.WithContext(ctx))
	_, runErr := program.Run()

	cancelLoop()
	loopErr := <-loopDone
	if loopErr != nil && !errors.Is(loopErr, context.Canceled) {
		return fmt.Errorf("scheduler: %w", loopErr)
	}
	if runErr != nil && !errors.Is(runErr, tea.ErrProgramKilled) {
		return runErr
	}

	snap, err := a.svc.Session(sessionID)
	if err != nil {
		return err
	}
	printSession(cmd.OutOrStdout(), snap, 5)
	return nil
}
