// Package graph provides the task graph for one orchestration run.
//
// A Graph is an arena of task nodes indexed by ID plus the "blocked by" edges
// between them. All mutation happens under the graph's own lock, so a graph
// may be shared between the scheduler and approval callers without further
// coordination.
package graph

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ShayCichocki/orcha/pkg/models"
)

// Spec describes a graph to create.
type Spec struct {
	ID        string
	SessionID string
	Label     string
	// Template names the template the nodes came from, if any.
	Template string
	Nodes    []*models.TaskNode
}

// Graph is a directed acyclic graph of task nodes.
type Graph struct {
	mu sync.RWMutex

	id        string
	sessionID string
	label     string
	template  string
	createdAt time.Time

	// order preserves node insertion order for deterministic scheduling.
	order []string
	// nodes maps node ID to the node record.
	nodes map[string]*models.TaskNode
	// edges maps node ID to the IDs it depends on.
	edges map[string][]string
	// approvals is the append-only decision log.
	approvals []models.ApprovalRecord
	cancelled bool

	now      func() time.Time
	debugLog func(format string, args ...interface{})
}

// New validates the node set and creates a graph with every node Pending.
// The caller's nodes are copied; later changes to them do not affect the graph.
func New(spec Spec) (*Graph, error) {
	g := newGraph(spec.ID, spec.SessionID, spec.Label, spec.Template, time.Now())

	for _, n := range spec.Nodes {
		node := n.Clone()
		node.State = models.NodeStatePending
		node.Progress = 0
		node.ApprovalDecision = nil
		node.Result = nil
		node.ArtifactRef = ""
		node.Error = ""
		node.Attempts = 0
		node.StartedAt = nil
		node.CompletedAt = nil
		if err := g.addLocked(node); err != nil {
			return nil, err
		}
	}

	if err := g.validateLocked(); err != nil {
		return nil, err
	}
	return g, nil
}

// FromSnapshot reconstructs a graph from a persisted snapshot, keeping node
// states, progress values, and the approval log.
func FromSnapshot(s models.GraphSnapshot) (*Graph, error) {
	g := newGraph(s.ID, s.SessionID, s.Label, s.Template, s.CreatedAt)
	g.cancelled = s.Cancelled

	for _, n := range s.Nodes {
		node := n.Clone()
		if !node.State.Valid() {
			return nil, fmt.Errorf("node %s has state %q: %w", node.ID, node.State, ErrInvalidGraph)
		}
		if err := g.addLocked(node); err != nil {
			return nil, err
		}
	}
	if err := g.validateLocked(); err != nil {
		return nil, err
	}

	g.approvals = append([]models.ApprovalRecord(nil), s.Approvals...)
	return g, nil
}

func newGraph(id, sessionID, label, template string, createdAt time.Time) *Graph {
	return &Graph{
		id:        id,
		sessionID: sessionID,
		label:     label,
		template:  template,
		createdAt: createdAt,
		nodes:     make(map[string]*models.TaskNode),
		edges:     make(map[string][]string),
		now:       time.Now,
		debugLog:  func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (g *Graph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.debugLog = fn
}

// SetClock overrides the time source used for node timestamps and audit records.
func (g *Graph) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

func (g *Graph) addLocked(node *models.TaskNode) error {
	if node.ID == "" {
		return fmt.Errorf("node with empty id: %w", ErrInvalidGraph)
	}
	if _, dup := g.nodes[node.ID]; dup {
		return fmt.Errorf("duplicate node id %s: %w", node.ID, ErrInvalidGraph)
	}
	g.nodes[node.ID] = node
	g.order = append(g.order, node.ID)
	return nil
}

// validateLocked checks edges and per-node typing rules, then looks for cycles.
func (g *Graph) validateLocked() error {
	if len(g.order) == 0 {
		return fmt.Errorf("graph %s has no nodes: %w", g.id, ErrInvalidGraph)
	}

	for _, id := range g.order {
		node := g.nodes[id]
		if !node.Kind.Valid() {
			return fmt.Errorf("node %s has kind %q: %w", id, node.Kind, ErrInvalidGraph)
		}
		// Concurrent nodes are roots: they start as soon as the graph does.
		if node.Kind == models.NodeKindConcurrent && len(node.DependsOn) > 0 {
			return fmt.Errorf("concurrent node %s declares dependencies: %w", id, ErrInvalidGraph)
		}
		if node.RequiresApproval && !node.ApprovalKind.Valid() {
			return fmt.Errorf("node %s requires approval but has kind %q: %w", id, node.ApprovalKind, ErrInvalidGraph)
		}
		if node.ArtifactKind != "" {
			if !node.ArtifactKind.Valid() {
				return fmt.Errorf("node %s has artifact kind %q: %w", id, node.ArtifactKind, ErrInvalidGraph)
			}
			if !node.RequiresApproval {
				return fmt.Errorf("node %s produces artifacts without an approval gate: %w", id, ErrInvalidGraph)
			}
		}

		g.edges[id] = nil
		seen := make(map[string]bool, len(node.DependsOn))
		for _, depID := range node.DependsOn {
			if depID == id {
				return fmt.Errorf("node %s depends on itself: %w", id, ErrCycleDetected)
			}
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("node %s depends on unknown node %s: %w", id, depID, ErrInvalidGraph)
			}
			if seen[depID] {
				continue
			}
			seen[depID] = true
			g.edges[id] = append(g.edges[id], depID)
		}
	}

	if g.hasCycleLocked() {
		return ErrCycleDetected
	}
	return nil
}

// hasCycleLocked uses depth-first search with coloring to detect back edges.
func (g *Graph) hasCycleLocked() bool {
	// 0 = unvisited, 1 = in progress, 2 = done.
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// ID returns the graph ID.
func (g *Graph) ID() string { return g.id }

// SessionID returns the owning session's ID.
func (g *Graph) SessionID() string { return g.sessionID }

// Label returns the human-readable label.
func (g *Graph) Label() string { return g.label }

// Template returns the template name the graph was built from.
func (g *Graph) Template() string { return g.template }

// Size returns the number of nodes in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Node returns a copy of the node with the given ID.
func (g *Graph) Node(nodeID string) (*models.TaskNode, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[nodeID]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []*models.TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*models.TaskNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// Dependencies returns the IDs the given node depends on.
func (g *Graph) Dependencies(nodeID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[nodeID]...)
}

// Dependents returns the IDs of nodes that depend on the given node, in insertion order.
func (g *Graph) Dependents(nodeID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked(nodeID)
}

func (g *Graph) dependentsLocked(nodeID string) []string {
	var dependents []string
	for _, id := range g.order {
		for _, depID := range g.edges[id] {
			if depID == nodeID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// satisfiesEdge reports whether a predecessor unblocks its dependents. An
// Approved node still owes its artifact and holds them back.
func satisfiesEdge(n *models.TaskNode) bool {
	switch n.State {
	case models.NodeStateDone:
		return true
	case models.NodeStateApproved:
		return !n.ProducesArtifact()
	}
	return false
}

func (g *Graph) depsSatisfiedLocked(nodeID string) bool {
	for _, depID := range g.edges[nodeID] {
		if !satisfiesEdge(g.nodes[depID]) {
			return false
		}
	}
	return true
}

// ReadyNodes returns IDs of Pending nodes whose every dependency is satisfied,
// in insertion order. A cancelled graph has no ready nodes.
func (g *Graph) ReadyNodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.readyLocked()
}

func (g *Graph) readyLocked() []string {
	if g.cancelled {
		return nil
	}
	var ready []string
	for _, id := range g.order {
		if g.nodes[id].State != models.NodeStatePending {
			continue
		}
		if g.depsSatisfiedLocked(id) {
			ready = append(ready, id)
		}
	}
	g.debugLog("[graph %s] ready nodes: %v", g.id, ready)
	return ready
}

// RunningNodes returns IDs of Running nodes in insertion order.
func (g *Graph) RunningNodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var running []string
	for _, id := range g.order {
		if g.nodes[id].State == models.NodeStateRunning {
			running = append(running, id)
		}
	}
	return running
}

// Start transitions a ready Pending node to Running.
func (g *Graph) Start(nodeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[nodeID]
	if !ok {
		return fmt.Errorf("start %s: %w", nodeID, ErrUnknownNode)
	}
	if g.cancelled || node.State != models.NodeStatePending {
		return transitionError(nodeID, "start", node.State)
	}
	if !g.depsSatisfiedLocked(nodeID) {
		return fmt.Errorf("start node %s: dependencies not satisfied: %w", nodeID, ErrInvalidTransition)
	}

	now := g.now()
	node.State = models.NodeStateRunning
	node.StartedAt = &now
	node.Attempts++
	g.debugLog("[graph %s] node %s running (attempt %d)", g.id, nodeID, node.Attempts)
	return nil
}

// ApplyProgress adds delta to a Running node's progress, clamped to 100.
// When progress reaches 100 the node moves to AwaitingApproval or Done, and
// the new state is returned.
func (g *Graph) ApplyProgress(nodeID string, delta float64) (models.NodeState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.applyProgressLocked(nodeID, delta)
}

func (g *Graph) applyProgressLocked(nodeID string, delta float64) (models.NodeState, error) {
	node, ok := g.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("apply progress %s: %w", nodeID, ErrUnknownNode)
	}
	if node.State != models.NodeStateRunning {
		return node.State, transitionError(nodeID, "apply progress to", node.State)
	}
	if delta < 0 || math.IsNaN(delta) || math.IsInf(delta, 0) {
		return node.State, fmt.Errorf("apply progress %v to node %s: %w", delta, nodeID, ErrInvalidTransition)
	}

	node.Progress = math.Min(100, node.Progress+delta)
	if node.Progress < 100 {
		return node.State, nil
	}

	now := g.now()
	node.CompletedAt = &now
	if node.RequiresApproval {
		node.State = models.NodeStateAwaitingApproval
	} else {
		node.State = models.NodeStateDone
	}
	g.debugLog("[graph %s] node %s reached 100%% -> %s", g.id, nodeID, node.State)
	return node.State, nil
}

// Complete attaches the runner's result to a Running node and drives its
// progress to 100.
func (g *Graph) Complete(nodeID string, result *models.NodeResult) (models.NodeState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("complete %s: %w", nodeID, ErrUnknownNode)
	}
	if node.State != models.NodeStateRunning {
		return node.State, transitionError(nodeID, "complete", node.State)
	}
	node.Result = result.Clone()
	return g.applyProgressLocked(nodeID, 100-node.Progress)
}

// Fail marks a Pending or Running node Failed with the given reason.
// Dependents stay Pending until the node is retried.
func (g *Graph) Fail(nodeID, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[nodeID]
	if !ok {
		return fmt.Errorf("fail %s: %w", nodeID, ErrUnknownNode)
	}
	if node.State != models.NodeStateRunning && node.State != models.NodeStatePending {
		return transitionError(nodeID, "fail", node.State)
	}
	node.State = models.NodeStateFailed
	node.Error = reason
	g.debugLog("[graph %s] node %s failed: %s (dependents blocked: %v)", g.id, nodeID, reason, g.dependentsLocked(nodeID))
	return nil
}

// Retry resets a Failed or Rejected node to Pending with zero progress and
// no decision. The node becomes ready again once its dependencies hold.
func (g *Graph) Retry(nodeID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	node, ok := g.nodes[nodeID]
	if !ok {
		return fmt.Errorf("retry %s: %w", nodeID, ErrUnknownNode)
	}
	if g.cancelled {
		return fmt.Errorf("retry node %s: graph %s is cancelled: %w", nodeID, g.id, ErrInvalidTransition)
	}
	if node.State != models.NodeStateFailed && node.State != models.NodeStateRejected {
		return transitionError(nodeID, "retry", node.State)
	}

	node.State = models.NodeStatePending
	node.Progress = 0
	node.ApprovalDecision = nil
	node.Result = nil
	node.Error = ""
	node.StartedAt = nil
	node.CompletedAt = nil
	g.debugLog("[graph %s] node %s reset for retry", g.id, nodeID)
	return nil
}

// Cancel marks every non-terminal node Failed and freezes the graph.
// It returns the IDs that were cancelled; a second call returns nil.
func (g *Graph) Cancel(reason string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancelled {
		return nil
	}
	g.cancelled = true

	var cancelled []string
	for _, id := range g.order {
		node := g.nodes[id]
		if node.State.Terminal() {
			continue
		}
		node.State = models.NodeStateFailed
		node.Error = reason
		cancelled = append(cancelled, id)
	}
	g.debugLog("[graph %s] cancelled %d nodes: %s", g.id, len(cancelled), reason)
	return cancelled
}

// Cancelled reports whether Cancel has been called.
func (g *Graph) Cancelled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cancelled
}

// AwaitingRetry reports whether the graph has a node its runner failed,
// which Retry can reset. Cancelled graphs never do.
func (g *Graph) AwaitingRetry() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.cancelled {
		return false
	}
	for _, id := range g.order {
		if g.nodes[id].State == models.NodeStateFailed {
			return true
		}
	}
	return false
}

// Status derives the graph's aggregate status.
func (g *Graph) Status() models.GraphStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.statusLocked()
}

func (g *Graph) statusLocked() models.GraphStatus {
	if g.cancelled {
		return models.GraphCancelled
	}

	awaiting, running := false, false
	for _, id := range g.order {
		switch g.nodes[id].State {
		case models.NodeStateAwaitingApproval, models.NodeStateApproved:
			awaiting = true
		case models.NodeStateRunning:
			running = true
		case models.NodeStatePending:
			if g.depsSatisfiedLocked(id) {
				running = true
			}
		}
	}
	if awaiting {
		return models.GraphAwaitingApproval
	}
	if running {
		return models.GraphRunning
	}

	// Nothing can move. A failure is load-bearing if it leaves work
	// permanently blocked, or if no sink node finished.
	sinkDone := false
	for _, id := range g.order {
		node := g.nodes[id]
		if node.State == models.NodeStatePending {
			return models.GraphFailed
		}
		if len(g.dependentsLocked(id)) == 0 && node.State == models.NodeStateDone {
			sinkDone = true
		}
	}
	if !sinkDone {
		return models.GraphFailed
	}
	return models.GraphDone
}

// Approvals returns a copy of the approval audit log.
func (g *Graph) Approvals() []models.ApprovalRecord {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]models.ApprovalRecord(nil), g.approvals...)
}

// Snapshot returns a deep copy of the graph suitable for persistence.
func (g *Graph) Snapshot() models.GraphSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	nodes := make([]*models.TaskNode, 0, len(g.order))
	for _, id := range g.order {
		nodes = append(nodes, g.nodes[id].Clone())
	}
	return models.GraphSnapshot{
		ID:        g.id,
		SessionID: g.sessionID,
		Label:     g.label,
		Template:  g.template,
		Nodes:     nodes,
		Approvals: append([]models.ApprovalRecord(nil), g.approvals...),
		Status:    g.statusLocked(),
		Cancelled: g.cancelled,
		CreatedAt: g.createdAt,
	}
}
