// Package orchestrator runs task graphs for chat-driven investigations.
//
// The orchestrator package provides:
//   - Sessions: a group of graphs started from one conversation, with an
//     ordered event transcript
//   - Scheduling: a tick-driven loop that dispatches ready nodes to a
//     runner and applies their progress without blocking
//   - Approvals: recording human decisions, emitting artifacts exactly once,
//     and surfacing conflicting decisions
//
// A Service owns every session and the artifact store. Callers create a
// session from graph specs, then either call Drive for one session or run
// Scheduler().Loop for all of them.
//
// Example usage:
//
//	svc := orchestrator.NewService(runner.NewScripted(25, 0))
//	snap, err := svc.CreateSession(ctx, orchestrator.SessionSpec{
//		Title:  "Fraud Pattern Analysis",
//		Graphs: []orchestrator.GraphSpec{{Label: "fraud", Nodes: nodes}},
//	})
//	snap, err = svc.Drive(ctx, snap.ID, 0)
//	_, err = svc.Decide(ctx, snap.ID, snap.GraphIDs[0], "s4", "analyst1", true)
package orchestrator
