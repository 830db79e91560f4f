package models

import "time"

// GraphStatus is the derived aggregate status of a task graph.
type GraphStatus string

const (
	GraphRunning          GraphStatus = "running"
	GraphAwaitingApproval GraphStatus = "awaiting_approval"
	GraphDone             GraphStatus = "done"
	GraphFailed           GraphStatus = "failed"
	GraphCancelled        GraphStatus = "cancelled"
)

// Terminal returns true if the graph will make no further progress on its own.
func (s GraphStatus) Terminal() bool {
	return s == GraphDone || s == GraphFailed || s == GraphCancelled
}

// SessionStatus is the derived status of an orchestration session.
type SessionStatus string

const (
	SessionActive                SessionStatus = "active"
	SessionCompleted             SessionStatus = "completed"
	SessionCompletedWithFailures SessionStatus = "completed_with_failures"
	SessionCancelled             SessionStatus = "cancelled"
)

// Terminal returns true for final session states.
func (s SessionStatus) Terminal() bool {
	return s != SessionActive
}

// GraphSnapshot is a point-in-time copy of a graph, used for persistence and rendering.
type GraphSnapshot struct {
	ID        string           `json:"id"`
	SessionID string           `json:"session_id"`
	Label     string           `json:"label"`
	Template  string           `json:"template,omitempty"`
	Nodes     []*TaskNode      `json:"nodes"`
	Approvals []ApprovalRecord `json:"approvals,omitempty"`
	Status    GraphStatus      `json:"status"`
	Cancelled bool             `json:"cancelled,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// SessionSnapshot is a point-in-time copy of a session.
type SessionSnapshot struct {
	ID              string          `json:"id"`
	Title           string          `json:"title,omitempty"`
	Owner           string          `json:"owner,omitempty"`
	Agents          []string        `json:"agents,omitempty"`
	ConversationRef string          `json:"conversation_ref,omitempty"`
	GraphIDs        []string        `json:"graph_ids"`
	Graphs          []GraphSnapshot `json:"graphs,omitempty"`
	Status          SessionStatus   `json:"status"`
	// Events is the session transcript.
	Events    []Event    `json:"events,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
}
