package models

import (
	"encoding/json"
	"time"
)

// NodeState represents the current state of a task node.
type NodeState string

const (
	// NodeStatePending indicates the node has not started.
	NodeStatePending NodeState = "pending"
	// NodeStateRunning indicates the node has been dispatched to a runner.
	NodeStateRunning NodeState = "running"
	// NodeStateAwaitingApproval indicates the node finished and waits for a human decision.
	NodeStateAwaitingApproval NodeState = "awaiting_approval"
	// NodeStateApproved indicates a positive decision was recorded and artifact emission is in flight.
	NodeStateApproved NodeState = "approved"
	// NodeStateRejected indicates a negative decision was recorded.
	NodeStateRejected NodeState = "rejected"
	// NodeStateDone indicates the node completed successfully.
	NodeStateDone NodeState = "done"
	// NodeStateFailed indicates the runner failed or the node was cancelled.
	NodeStateFailed NodeState = "failed"
)

// Valid returns true if the state is a known value.
func (s NodeState) Valid() bool {
	switch s {
	case NodeStatePending, NodeStateRunning, NodeStateAwaitingApproval,
		NodeStateApproved, NodeStateRejected, NodeStateDone, NodeStateFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if no further progress can be applied without an
// explicit retry or override.
func (s NodeState) Terminal() bool {
	return s == NodeStateDone || s == NodeStateFailed || s == NodeStateRejected
}

// NodeKind is the concurrency class of a node.
type NodeKind string

const (
	// NodeKindConcurrent nodes are roots and start immediately.
	NodeKindConcurrent NodeKind = "concurrent"
	// NodeKindSerial nodes run after their predecessors, one at a time per chain.
	NodeKindSerial NodeKind = "serial"
)

// Valid returns true if the kind is a known value.
func (k NodeKind) Valid() bool {
	return k == NodeKindConcurrent || k == NodeKindSerial
}

// ApprovalKind is the flavor of human sign-off a node asks for.
type ApprovalKind string

const (
	// ApprovalApproveReject is used for data access and other gated steps.
	ApprovalApproveReject ApprovalKind = "approve_reject"
	// ApprovalAcceptDecline is used for proposals that become artifacts.
	ApprovalAcceptDecline ApprovalKind = "accept_decline"
)

// Valid returns true if the kind is a known value.
func (k ApprovalKind) Valid() bool {
	return k == ApprovalApproveReject || k == ApprovalAcceptDecline
}

// NodeResult is the opaque payload a runner produces on completion.
type NodeResult struct {
	// Summary is a short machine-generated description of the output.
	Summary string `json:"summary,omitempty"`
	// Payload is the structured output (rule draft, feature spec, ...).
	Payload json.RawMessage `json:"payload,omitempty"`
	// Metrics holds numeric results such as backtest lift or precision.
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// Clone returns a deep copy of the result.
func (r *NodeResult) Clone() *NodeResult {
	if r == nil {
		return nil
	}
	out := &NodeResult{Summary: r.Summary}
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.Metrics != nil {
		out.Metrics = make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			out.Metrics[k] = v
		}
	}
	return out
}

// TaskNode is one unit of orchestrated work inside a graph.
type TaskNode struct {
	// ID is unique within its graph.
	ID string `json:"id"`
	// Name is the human-readable label.
	Name string `json:"name"`
	// Description is the task descriptor handed to the agent runner.
	Description string `json:"description,omitempty"`
	// Agent names the agent expected to execute this node.
	Agent string `json:"agent,omitempty"`
	// Kind is the concurrency class.
	Kind NodeKind `json:"kind"`
	// DependsOn lists node IDs that must finish before this node starts.
	DependsOn []string `json:"depends_on,omitempty"`
	// Progress is in [0,100].
	Progress float64 `json:"progress"`
	// State is the current lifecycle state.
	State NodeState `json:"state"`
	// RequiresApproval gates completion on a human decision.
	RequiresApproval bool `json:"requires_approval,omitempty"`
	// ApprovalKind is set when RequiresApproval is true.
	ApprovalKind ApprovalKind `json:"approval_kind,omitempty"`
	// ArtifactKind marks the node as artifact-producing when non-empty.
	ArtifactKind ArtifactKind `json:"artifact_kind,omitempty"`
	// ApprovalDecision is nil until an actor decides.
	ApprovalDecision *bool `json:"approval_decision,omitempty"`
	// Result is produced by the runner on completion.
	Result *NodeResult `json:"result,omitempty"`
	// ArtifactRef points into the artifact store once the artifact exists.
	ArtifactRef string `json:"artifact_ref,omitempty"`
	// Error is the reason string for failed or rejected nodes.
	Error string `json:"error,omitempty"`
	// Attempts counts dispatches, including retries.
	Attempts int `json:"attempts,omitempty"`
	// StartedAt is when the node last entered Running.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when progress reached 100.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ProducesArtifact reports whether an approved node emits an artifact.
func (n *TaskNode) ProducesArtifact() bool {
	return n.ArtifactKind != ""
}

// Decided reports whether an approval decision has been recorded.
func (n *TaskNode) Decided() bool {
	return n.ApprovalDecision != nil
}

// Clone returns a deep copy of the node.
func (n *TaskNode) Clone() *TaskNode {
	if n == nil {
		return nil
	}
	out := *n
	if n.DependsOn != nil {
		out.DependsOn = append([]string(nil), n.DependsOn...)
	}
	if n.ApprovalDecision != nil {
		d := *n.ApprovalDecision
		out.ApprovalDecision = &d
	}
	if n.StartedAt != nil {
		t := *n.StartedAt
		out.StartedAt = &t
	}
	if n.CompletedAt != nil {
		t := *n.CompletedAt
		out.CompletedAt = &t
	}
	out.Result = n.Result.Clone()
	return &out
}
