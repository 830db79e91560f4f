// Package tui renders orchestration sessions in the terminal.
//
// RenderSession and RenderEvent produce plain text for one-shot commands
// such as `orcha status`. App is an interactive bubbletea model for
// `orcha watch`: it follows a session's events and lets an analyst
// approve, reject, retry, or override the selected node.
//
// Usage:
//
//	events, unsubscribe := svc.Subscribe(256)
//	defer unsubscribe()
//	app := tui.NewApp(svc, sessionID, "analyst1", events)
//	_, err := tea.NewProgram(app, tea.WithAltScreen()).Run()
//
// The engine never formats text; every line here is built from the
// structured fields of snapshots and events.
package tui
