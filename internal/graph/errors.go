package graph

import (
	"errors"
	"fmt"

	"github.com/ShayCichocki/orcha/pkg/models"
)

var (
	// ErrCycleDetected indicates a circular dependency was found in the node set.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrInvalidGraph indicates the node set violates a structural rule.
	ErrInvalidGraph = errors.New("invalid graph")
	// ErrUnknownNode is returned when a node ID is not part of the graph.
	ErrUnknownNode = errors.New("unknown node")
	// ErrInvalidTransition indicates the node's state does not permit the operation.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNotAwaitingApproval is returned when a decision arrives for a node
	// that is not waiting for one.
	ErrNotAwaitingApproval = errors.New("node is not awaiting approval")
	// ErrAlreadyDecided is returned when a positive decision is already final.
	ErrAlreadyDecided = errors.New("approval already decided")
	// ErrConflictingDecision is returned when a different decision is submitted
	// after one was recorded.
	ErrConflictingDecision = errors.New("conflicting approval decision")
)

// ConflictError carries both sides of an approval conflict so the caller can
// reconcile manually.
type ConflictError struct {
	GraphID  string
	NodeID   string
	Original bool
	Rejected bool
	// DecidedBy is the actor of the original decision.
	DecidedBy string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("node %s/%s: decision %t already recorded by %q, refusing %t",
		e.GraphID, e.NodeID, e.Original, e.DecidedBy, e.Rejected)
}

// Unwrap lets errors.Is match ErrConflictingDecision and, when the original
// decision was an approval, ErrAlreadyDecided.
func (e *ConflictError) Unwrap() []error {
	if e.Original {
		return []error{ErrConflictingDecision, ErrAlreadyDecided}
	}
	return []error{ErrConflictingDecision}
}

func transitionError(nodeID, op string, state models.NodeState) error {
	return fmt.Errorf("%s node %s in state %s: %w", op, nodeID, state, ErrInvalidTransition)
}
