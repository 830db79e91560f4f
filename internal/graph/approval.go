package graph

import (
	"fmt"

	"github.com/ShayCichocki/orcha/pkg/models"
)

// EmitFunc persists the artifact for an approved node and returns its ID.
// It is called with the graph lock held, after the decision is recorded and
// before the node becomes Done.
type EmitFunc func(node *models.TaskNode) (artifactID string, err error)

// Decision describes what RecordApproval did.
type Decision struct {
	// State is the node's state after the call.
	State models.NodeState
	// Duplicate is true when the same decision had already been recorded.
	Duplicate bool
	// ArtifactID is set when this call created the node's artifact.
	ArtifactID string
	// Record is the audit entry appended by this call, if any.
	Record *models.ApprovalRecord
}

// RecordApproval records an actor's decision for a node awaiting approval.
//
// Resubmitting the decision already on record is a no-op. Submitting the
// opposite decision fails with a *ConflictError. A positive decision moves
// the node through Approved, emits its artifact via emit when the node is
// artifact-producing, and then marks it Done. A negative decision leaves the
// node Rejected and its dependents blocked.
func (g *Graph) RecordApproval(nodeID string, decision bool, actor string, emit EmitFunc) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[nodeID]
	if !ok {
		return Decision{}, fmt.Errorf("record approval %s: %w", nodeID, ErrUnknownNode)
	}

	if node.ApprovalDecision != nil {
		if conflict := g.conflictLocked(node, decision); conflict != nil {
			return Decision{State: node.State}, conflict
		}
		prev := *node.ApprovalDecision
		out := Decision{State: node.State, Duplicate: true}
		// An earlier approval may have failed to emit; finish it now.
		if prev && node.State == models.NodeStateApproved {
			id, err := g.finishApprovalLocked(node, emit)
			out.State, out.ArtifactID = node.State, id
			return out, err
		}
		return out, nil
	}

	if g.cancelled || node.State != models.NodeStateAwaitingApproval {
		return Decision{State: node.State}, fmt.Errorf("node %s in state %s: %w", nodeID, node.State, ErrNotAwaitingApproval)
	}

	d := decision
	node.ApprovalDecision = &d
	rec := g.appendRecordLocked(nodeID, decision, actor, false, "")
	out := Decision{Record: &rec}

	if !decision {
		node.State = models.NodeStateRejected
		node.Error = fmt.Sprintf("rejected by %s", actor)
		out.State = node.State
		g.debugLog("[graph %s] node %s rejected by %s", g.id, nodeID, actor)
		return out, nil
	}

	node.State = models.NodeStateApproved
	id, err := g.finishApprovalLocked(node, emit)
	out.State, out.ArtifactID = node.State, id
	return out, err
}

// Conflict returns the error decision would raise against the decision on
// record for nodeID, or nil if it would not conflict. It changes nothing.
func (g *Graph) Conflict(nodeID string, decision bool) *ConflictError {
	g.mu.RLock()
	defer g.mu.RUnlock()

	node, ok := g.nodes[nodeID]
	if !ok {
		return nil
	}
	return g.conflictLocked(node, decision)
}

func (g *Graph) conflictLocked(node *models.TaskNode, decision bool) *ConflictError {
	if node.ApprovalDecision == nil || *node.ApprovalDecision == decision {
		return nil
	}
	return &ConflictError{
		GraphID:   g.id,
		NodeID:    node.ID,
		Original:  *node.ApprovalDecision,
		Rejected:  decision,
		DecidedBy: g.lastActorLocked(node.ID),
	}
}

// DecisionFor returns the latest audit record for nodeID.
func (g *Graph) DecisionFor(nodeID string) (models.ApprovalRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.lastRecordLocked(nodeID)
}

// PendingEmissions returns the Approved nodes still waiting for their
// artifact, in insertion order.
func (g *Graph) PendingEmissions() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.cancelled {
		return nil
	}
	var ids []string
	for _, id := range g.order {
		if g.nodes[id].State == models.NodeStateApproved {
			ids = append(ids, id)
		}
	}
	return ids
}

// FinishApproval retries artifact emission for an Approved node and marks
// it Done on success.
func (g *Graph) FinishApproval(nodeID string, emit EmitFunc) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[nodeID]
	if !ok {
		return Decision{}, fmt.Errorf("finish approval %s: %w", nodeID, ErrUnknownNode)
	}
	if g.cancelled || node.State != models.NodeStateApproved {
		return Decision{State: node.State}, transitionError(nodeID, "finish approval", node.State)
	}
	id, err := g.finishApprovalLocked(node, emit)
	return Decision{State: node.State, ArtifactID: id}, err
}

// Override corrects a recorded rejection to an approval. It is the only way
// to change a decision once one is on record, and it is audited as such.
func (g *Graph) Override(nodeID, actor, reason string, emit EmitFunc) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[nodeID]
	if !ok {
		return Decision{}, fmt.Errorf("override %s: %w", nodeID, ErrUnknownNode)
	}
	if g.cancelled || node.State != models.NodeStateRejected || node.ApprovalDecision == nil || *node.ApprovalDecision {
		return Decision{State: node.State}, transitionError(nodeID, "override", node.State)
	}

	d := true
	node.ApprovalDecision = &d
	node.Error = ""
	rec := g.appendRecordLocked(nodeID, true, actor, true, reason)
	node.State = models.NodeStateApproved
	g.debugLog("[graph %s] node %s rejection overridden by %s: %s", g.id, nodeID, actor, reason)

	id, err := g.finishApprovalLocked(node, emit)
	return Decision{State: node.State, ArtifactID: id, Record: &rec}, err
}

// finishApprovalLocked emits the artifact, if one is due, and marks the node Done.
// On emit failure the node stays Approved so a repeated approval can finish it.
func (g *Graph) finishApprovalLocked(node *models.TaskNode, emit EmitFunc) (string, error) {
	var created string
	if node.ProducesArtifact() && node.ArtifactRef == "" {
		if emit == nil {
			return "", fmt.Errorf("node %s produces %s artifacts but no emitter was given", node.ID, node.ArtifactKind)
		}
		id, err := emit(node.Clone())
		if err != nil {
			return "", fmt.Errorf("emit artifact for node %s: %w", node.ID, err)
		}
		node.ArtifactRef = id
		created = id
	}
	node.State = models.NodeStateDone
	g.debugLog("[graph %s] node %s approved -> done (artifact=%q)", g.id, node.ID, node.ArtifactRef)
	return created, nil
}

func (g *Graph) appendRecordLocked(nodeID string, decision bool, actor string, override bool, reason string) models.ApprovalRecord {
	rec := models.ApprovalRecord{
		GraphID:   g.id,
		NodeID:    nodeID,
		Decision:  decision,
		Actor:     actor,
		Timestamp: g.now(),
		Override:  override,
		Reason:    reason,
	}
	g.approvals = append(g.approvals, rec)
	return rec
}

func (g *Graph) lastRecordLocked(nodeID string) (models.ApprovalRecord, bool) {
	for i := len(g.approvals) - 1; i >= 0; i-- {
		if g.approvals[i].NodeID == nodeID {
			return g.approvals[i], true
		}
	}
	return models.ApprovalRecord{}, false
}

func (g *Graph) lastActorLocked(nodeID string) string {
	rec, _ := g.lastRecordLocked(nodeID)
	return rec.Actor
}
