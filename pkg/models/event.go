package models

import "time"

// EventType represents the type of orchestration event.
type EventType string

const (
	// EventNodeStarted indicates a node was dispatched to a runner.
	EventNodeStarted EventType = "node_started"
	// EventNodeProgress reports a progress update from a runner.
	EventNodeProgress EventType = "node_progress"
	// EventNodeAwaitingApproval indicates a node needs a human decision.
	EventNodeAwaitingApproval EventType = "node_awaiting_approval"
	// EventNodeDone indicates a node completed.
	EventNodeDone EventType = "node_done"
	// EventNodeFailed indicates a node failed or was cancelled.
	EventNodeFailed EventType = "node_failed"
	// EventNodeRejected indicates a negative approval decision.
	EventNodeRejected EventType = "node_rejected"
	// EventNodeRetried indicates an operator reset a node for another attempt.
	EventNodeRetried EventType = "node_retried"
	// EventApprovalConflict reports a decision that contradicted the recorded one.
	EventApprovalConflict EventType = "approval_conflict"
	// EventArtifactCreated indicates an artifact was persisted.
	EventArtifactCreated EventType = "artifact_created"
	// EventGraphCompleted indicates a graph reached a terminal status.
	EventGraphCompleted EventType = "graph_completed"
	// EventSessionCompleted indicates every graph in a session is terminal.
	EventSessionCompleted EventType = "session_completed"
	// EventSessionCancelled indicates a session was cancelled.
	EventSessionCancelled EventType = "session_cancelled"
)

// Event is a structured transcript entry. The engine never formats
// human-readable text; renderers build it from these fields.
type Event struct {
	// Seq orders events within a session.
	Seq       int64     `json:"seq"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	GraphID   string    `json:"graph_id,omitempty"`
	NodeID    string    `json:"node_id,omitempty"`
	// State is the node state after the event, for node events.
	State NodeState `json:"state,omitempty"`
	// Progress is the node's progress after the event.
	Progress float64 `json:"progress,omitempty"`
	// GraphStatus is set on graph completion events.
	GraphStatus GraphStatus `json:"graph_status,omitempty"`
	// SessionStatus is set on session completion events.
	SessionStatus SessionStatus `json:"session_status,omitempty"`
	ArtifactID    string        `json:"artifact_id,omitempty"`
	ArtifactKind  ArtifactKind  `json:"artifact_kind,omitempty"`
	Actor         string        `json:"actor,omitempty"`
	// Reason carries failure, rejection, and conflict details.
	Reason string `json:"reason,omitempty"`
	// OriginalDecision and RejectedDecision are set on approval conflicts.
	OriginalDecision *bool     `json:"original_decision,omitempty"`
	RejectedDecision *bool     `json:"rejected_decision,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}
