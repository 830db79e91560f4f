package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/ShayCichocki/orcha/internal/artifact"
	"github.com/ShayCichocki/orcha/internal/graph"
	"github.com/ShayCichocki/orcha/internal/runner"
	"github.com/ShayCichocki/orcha/pkg/models"
)

var (
	// ErrNotFound is returned for unknown sessions and graphs.
	ErrNotFound = errors.New("not found")
	// ErrSessionTerminated is returned when mutating a terminal session.
	ErrSessionTerminated = errors.New("session terminated")
	// ErrSessionBusy is returned when closing a session with unfinished graphs.
	ErrSessionBusy = errors.New("session has unfinished graphs")
	// ErrNoGraphs is returned when creating a session without graphs.
	ErrNoGraphs = errors.New("session needs at least one graph")
)

// GraphSpec describes a graph to add to a session.
type GraphSpec struct {
	Label    string
	Template string
	Nodes    []*models.TaskNode
}

// SessionSpec describes a session to create.
type SessionSpec struct {
	Title           string
	Owner           string
	Agents          []string
	ConversationRef string
	Graphs          []GraphSpec
}

// Service owns sessions, the scheduler, and the artifact store. It is the
// entry point for the chat layer, the approval UI, and the CLI.
type Service struct {
	runner    runner.Runner
	opts      serviceOptions
	bus       *EventBus
	pause     *PauseController
	scheduler *Scheduler

	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	// pubMu keeps each session's events in order on the bus.
	pubMu sync.Mutex

	// baseCtx outlives individual ticks; runner executions derive from it.
	baseCtx context.Context
	cancel  context.CancelFunc
}

// NewService creates a service that executes nodes with r.
func NewService(r runner.Runner, opts ...Option) *Service {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = artifact.NewMemoryStore()
	}
	if o.logger != nil {
		setPackageLogger(o.logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	svc := &Service{
		runner:   r,
		opts:     o,
		bus:      NewEventBus(o.metrics),
		pause:    NewPauseController(o.metrics),
		sessions: make(map[string]*Session),
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, s := range o.sinks {
		svc.bus.AddSink(s)
	}
	svc.scheduler = &Scheduler{
		svc:         svc,
		maxPerGraph: o.maxPerGraph,
		workers:     o.workers,
		backoffMax:  o.backoffMax,
		pause:       svc.pause,
	}
	return svc
}

// Scheduler returns the scheduler driving this service.
func (svc *Service) Scheduler() *Scheduler { return svc.scheduler }

// PauseController returns the controller used by Loop.
func (svc *Service) PauseController() *PauseController { return svc.pause }

// Artifacts returns the artifact store.
func (svc *Service) Artifacts() artifact.Store { return svc.opts.store }

// Metrics returns the metrics, or nil.
func (svc *Service) Metrics() *Metrics { return svc.opts.metrics }

// Subscribe returns a channel of future events from every session.
func (svc *Service) Subscribe(buffer int) (<-chan models.Event, func()) {
	return svc.bus.Subscribe(buffer)
}

// Close cancels live executions and closes subscriber channels.
func (svc *Service) Close() {
	svc.cancel()
	svc.bus.Close()
}

// CreateSession validates every graph and registers the session.
func (svc *Service) CreateSession(ctx context.Context, spec SessionSpec) (models.SessionSnapshot, error) {
	if len(spec.Graphs) == 0 {
		return models.SessionSnapshot{}, ErrNoGraphs
	}

	sess := newSession(svc.opts.newID(), spec, svc.opts.now)
	for _, gs := range spec.Graphs {
		g, err := svc.newGraph(sess.id, gs)
		if err != nil {
			return models.SessionSnapshot{}, err
		}
		sess.addGraphLocked(g)
	}

	sess.mu.Lock()
	err := svc.persistLocked(ctx, sess)
	snap := sess.snapshotLocked()
	sess.mu.Unlock()
	if err != nil {
		return models.SessionSnapshot{}, err
	}

	svc.mu.Lock()
	svc.sessions[sess.id] = sess
	svc.order = append(svc.order, sess.id)
	svc.mu.Unlock()

	debugLog("[service] created session %s (%q) with %d graph(s)", sess.id, spec.Title, len(spec.Graphs))
	return snap, nil
}

func (svc *Service) newGraph(sessionID string, gs GraphSpec) (*graph.Graph, error) {
	g, err := graph.New(graph.Spec{
		ID:        svc.opts.newID(),
		SessionID: sessionID,
		Label:     gs.Label,
		Template:  gs.Template,
		Nodes:     gs.Nodes,
	})
	if err != nil {
		return nil, fmt.Errorf("graph %q: %w", gs.Label, err)
	}
	g.SetClock(svc.opts.now)
	return g, nil
}

// AddGraph adds another graph to an active session.
func (svc *Service) AddGraph(ctx context.Context, sessionID string, gs GraphSpec) (models.GraphSnapshot, error) {
	sess, err := svc.session(sessionID)
	if err != nil {
		return models.GraphSnapshot{}, err
	}
	g, err := svc.newGraph(sessionID, gs)
	if err != nil {
		return models.GraphSnapshot{}, err
	}

	sess.mu.Lock()
	if err := sess.activeLocked(); err != nil {
		sess.mu.Unlock()
		return models.GraphSnapshot{}, err
	}
	sess.addGraphLocked(g)
	err = svc.persistLocked(ctx, sess)
	sess.mu.Unlock()
	return g.Snapshot(), err
}

func (svc *Service) session(id string) (*Session, error) {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	sess, ok := svc.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, nil
}

// Session returns a snapshot of one session.
func (svc *Service) Session(id string) (models.SessionSnapshot, error) {
	sess, err := svc.session(id)
	if err != nil {
		return models.SessionSnapshot{}, err
	}
	return sess.Snapshot(), nil
}

// Sessions returns snapshots of every session in creation order.
func (svc *Service) Sessions() []models.SessionSnapshot {
	all := svc.allSessions()
	out := make([]models.SessionSnapshot, 0, len(all))
	for _, s := range all {
		out = append(out, s.Snapshot())
	}
	return out
}

func (svc *Service) allSessions() []*Session {
	svc.mu.RLock()
	defer svc.mu.RUnlock()
	out := make([]*Session, 0, len(svc.order))
	for _, id := range svc.order {
		out = append(out, svc.sessions[id])
	}
	return out
}

// Events returns the transcript of a session.
func (svc *Service) Events(sessionID string) ([]models.Event, error) {
	sess, err := svc.session(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Events(), nil
}

// Decide records an approval decision for a node awaiting approval.
// Conflicting decisions are reported as an ApprovalConflict event and a
// *graph.ConflictError, also once the session has completed.
func (svc *Service) Decide(ctx context.Context, sessionID, graphID, nodeID, actor string, decision bool) (graph.Decision, error) {
	return svc.mutate(ctx, sessionID, func(sess *Session) (graph.Decision, error) {
		return svc.decideLocked(ctx, sess, graphID, nodeID, actor, decision)
	})
}

// Override turns a recorded rejection into an approval.
func (svc *Service) Override(ctx context.Context, sessionID, graphID, nodeID, actor, reason string) (graph.Decision, error) {
	return svc.mutate(ctx, sessionID, func(sess *Session) (graph.Decision, error) {
		if err := sess.activeLocked(); err != nil {
			return graph.Decision{}, err
		}
		g, err := sess.graphLocked(graphID)
		if err != nil {
			return graph.Decision{}, err
		}
		var created []models.Artifact
		dec, err := g.Override(nodeID, actor, reason, svc.emitter(ctx, sess, g, &created))
		svc.recordDecisionLocked(sess, g, nodeID, actor, dec, created)
		if err != nil {
			return dec, err
		}
		sess.settleLocked(svc.opts.holdOpen)
		return dec, nil
	})
}

// Retry resets a failed or rejected node to pending.
func (svc *Service) Retry(ctx context.Context, sessionID, graphID, nodeID string) error {
	_, err := svc.mutate(ctx, sessionID, func(sess *Session) (graph.Decision, error) {
		if err := sess.activeLocked(); err != nil {
			return graph.Decision{}, err
		}
		g, err := sess.graphLocked(graphID)
		if err != nil {
			return graph.Decision{}, err
		}
		if err := g.Retry(nodeID); err != nil {
			return graph.Decision{}, err
		}
		sess.nodeEventLocked(models.EventNodeRetried, g, nodeID, "")
		sess.settleLocked(svc.opts.holdOpen)
		return graph.Decision{State: models.NodeStatePending}, nil
	})
	return err
}

// CancelGraph cancels one graph. Cancelling twice is a no-op.
func (svc *Service) CancelGraph(ctx context.Context, sessionID, graphID, reason string) error {
	_, err := svc.mutate(ctx, sessionID, func(sess *Session) (graph.Decision, error) {
		g, err := sess.graphLocked(graphID)
		if err != nil {
			return graph.Decision{}, err
		}
		if g.Cancelled() {
			return graph.Decision{}, nil
		}
		if err := sess.activeLocked(); err != nil {
			return graph.Decision{}, err
		}
		svc.cancelGraphLocked(sess, g, reason)
		sess.settleLocked(svc.opts.holdOpen)
		return graph.Decision{}, nil
	})
	return err
}

// CancelSession cancels every graph and closes the session. Cancelling a
// cancelled session is a no-op; cancelling a completed one fails.
func (svc *Service) CancelSession(ctx context.Context, sessionID, reason string) error {
	_, err := svc.mutate(ctx, sessionID, func(sess *Session) (graph.Decision, error) {
		if sess.status == models.SessionCancelled {
			return graph.Decision{}, nil
		}
		if err := sess.activeLocked(); err != nil {
			return graph.Decision{}, err
		}
		for _, g := range sess.graphs {
			svc.cancelGraphLocked(sess, g, reason)
		}
		// Announce graphs that settled as cancelled.
		for _, g := range sess.graphs {
			if st := g.Status(); sess.reported[g.ID()] != st {
				sess.reported[g.ID()] = st
				sess.emitLocked(models.Event{Type: models.EventGraphCompleted, GraphID: g.ID(), GraphStatus: st})
			}
		}
		sess.status = models.SessionCancelled
		t := sess.now().UTC()
		sess.closedAt = &t
		sess.emitLocked(models.Event{Type: models.EventSessionCancelled, SessionStatus: sess.status, Reason: reason})
		debugLog("[service] session %s cancelled: %s", sess.id, reason)
		return graph.Decision{}, nil
	})
	return err
}

func (svc *Service) cancelGraphLocked(sess *Session, g *graph.Graph, reason string) {
	sess.cancelExecutionsLocked(g.ID())
	for _, id := range g.Cancel(reason) {
		svc.opts.metrics.nodeFinished(string(models.NodeStateFailed))
		sess.nodeEventLocked(models.EventNodeFailed, g, id, "cancelled: "+reason)
	}
}

// CloseSession completes a session whose graphs are all terminal. It is
// how held-open sessions reach completed or completed_with_failures.
func (svc *Service) CloseSession(ctx context.Context, sessionID string) (models.SessionStatus, error) {
	var status models.SessionStatus
	_, err := svc.mutate(ctx, sessionID, func(sess *Session) (graph.Decision, error) {
		if err := sess.activeLocked(); err != nil {
			return graph.Decision{}, err
		}
		for _, g := range sess.graphs {
			if !g.Status().Terminal() {
				return graph.Decision{}, fmt.Errorf("close session %s: graph %s is %s: %w", sess.id, g.ID(), g.Status(), ErrSessionBusy)
			}
		}
		sess.settleLocked(true)
		failures := slices.ContainsFunc(sess.graphs, func(g *graph.Graph) bool { return g.Status() != models.GraphDone })
		sess.completeLocked(failures)
		status = sess.status
		return graph.Decision{}, nil
	})
	return status, err
}

// mutate runs fn under the session lock, persists the result, and then
// publishes the events fn produced. An error from fn wins over a
// persistence error.
func (svc *Service) mutate(ctx context.Context, sessionID string, fn func(*Session) (graph.Decision, error)) (graph.Decision, error) {
	sess, err := svc.session(sessionID)
	if err != nil {
		return graph.Decision{}, err
	}

	sess.mu.Lock()
	dec, err := fn(sess)
	perr := svc.persistLocked(ctx, sess)
	sess.mu.Unlock()

	svc.publish(sess)
	if err != nil {
		return dec, err
	}
	return dec, perr
}

func (svc *Service) decideLocked(ctx context.Context, sess *Session, graphID, nodeID, actor string, decision bool) (graph.Decision, error) {
	g, err := sess.graphLocked(graphID)
	if err != nil {
		return graph.Decision{}, err
	}
	// A contradicting decision is reported even after the session closed.
	if conflict := g.Conflict(nodeID, decision); conflict != nil {
		return svc.conflictLocked(sess, g, nodeID, actor, conflict)
	}
	if err := sess.activeLocked(); err != nil {
		return graph.Decision{}, err
	}

	var created []models.Artifact
	dec, err := g.RecordApproval(nodeID, decision, actor, svc.emitter(ctx, sess, g, &created))

	var conflict *graph.ConflictError
	if errors.As(err, &conflict) {
		return svc.conflictLocked(sess, g, nodeID, actor, conflict)
	}

	svc.recordDecisionLocked(sess, g, nodeID, actor, dec, created)
	if err != nil {
		return dec, err
	}
	sess.settleLocked(svc.opts.holdOpen)
	return dec, nil
}

// conflictLocked emits an ApprovalConflict event and returns the conflict.
func (svc *Service) conflictLocked(sess *Session, g *graph.Graph, nodeID, actor string, conflict *graph.ConflictError) (graph.Decision, error) {
	dec := graph.Decision{}
	if n, ok := g.Node(nodeID); ok {
		dec.State = n.State
	}
	original, rejected := conflict.Original, conflict.Rejected
	sess.emitLocked(models.Event{
		Type:             models.EventApprovalConflict,
		GraphID:          g.ID(),
		NodeID:           nodeID,
		State:            dec.State,
		Actor:            actor,
		Reason:           conflict.Error(),
		OriginalDecision: &original,
		RejectedDecision: &rejected,
	})
	svc.opts.metrics.conflict()
	return dec, conflict
}

// recordDecisionLocked emits the events for a decision that was applied.
func (svc *Service) recordDecisionLocked(sess *Session, g *graph.Graph, nodeID, actor string, dec graph.Decision, created []models.Artifact) {
	if dec.Record != nil {
		sess.dirty = true
		svc.opts.metrics.approval(dec.Record.Decision)
	}
	for _, a := range created {
		svc.opts.metrics.artifactCreated(string(a.Kind))
		sess.emitLocked(models.Event{
			Type:         models.EventArtifactCreated,
			GraphID:      g.ID(),
			NodeID:       nodeID,
			ArtifactID:   a.ID,
			ArtifactKind: a.Kind,
			Actor:        actor,
		})
	}
	if dec.Record == nil && dec.ArtifactID == "" {
		return
	}

	switch dec.State {
	case models.NodeStateRejected:
		e := nodeEvent(models.EventNodeRejected, g, nodeID)
		e.Actor = actor
		if n, ok := g.Node(nodeID); ok {
			e.Reason = n.Error
		}
		sess.emitLocked(e)
	case models.NodeStateDone:
		e := nodeEvent(models.EventNodeDone, g, nodeID)
		e.Actor = actor
		e.ArtifactID = dec.ArtifactID
		if dec.Record != nil && dec.Record.Override {
			e.Reason = "override: " + dec.Record.Reason
		}
		sess.emitLocked(e)
	}
}

func nodeEvent(typ models.EventType, g *graph.Graph, nodeID string) models.Event {
	e := models.Event{Type: typ, GraphID: g.ID(), NodeID: nodeID}
	if n, ok := g.Node(nodeID); ok {
		e.State = n.State
		e.Progress = n.Progress
		e.ArtifactKind = n.ArtifactKind
	}
	return e
}

// emitter returns the artifact callback for g. Newly created artifacts are
// appended to created. When the store already holds an artifact for the
// node, for example after a crash between persisting the artifact and the
// graph, that artifact is reused.
func (svc *Service) emitter(ctx context.Context, sess *Session, g *graph.Graph, created *[]models.Artifact) graph.EmitFunc {
	return func(node *models.TaskNode) (string, error) {
		src := models.SourceRef{SessionID: sess.id, GraphID: g.ID(), NodeID: node.ID}
		a, err := svc.opts.store.Create(ctx, node.ArtifactKind, artifactPayload(node), src)
		if errors.Is(err, artifact.ErrDuplicateArtifact) {
			existing, lerr := svc.opts.store.BySource(ctx, g.ID(), node.ID)
			if lerr != nil {
				return "", err
			}
			return existing.ID, nil
		}
		if err != nil {
			return "", err
		}
		*created = append(*created, a)
		return a.ID, nil
	}
}

// artifactPayload is the runner's payload, or the whole result when the
// runner only reported a summary or metrics.
func artifactPayload(node *models.TaskNode) json.RawMessage {
	if node.Result == nil {
		return nil
	}
	if len(node.Result.Payload) > 0 {
		return node.Result.Payload
	}
	data, err := json.Marshal(node.Result)
	if err != nil {
		return nil
	}
	return data
}

// persistLocked saves the session when it changed since the last save.
func (svc *Service) persistLocked(ctx context.Context, sess *Session) error {
	if !sess.dirty {
		return nil
	}
	if svc.opts.repo == nil {
		sess.dirty = false
		return nil
	}
	if err := svc.opts.repo.SaveSession(ctx, sess.snapshotLocked()); err != nil {
		return fmt.Errorf("persist session %s: %w", sess.id, err)
	}
	sess.dirty = false
	return nil
}

func (svc *Service) publish(sess *Session) {
	svc.pubMu.Lock()
	defer svc.pubMu.Unlock()
	for _, e := range sess.takePending() {
		svc.bus.Publish(e)
	}
}

// Load restores persisted sessions not already in memory and returns how
// many were added. Running nodes are re-dispatched on the next tick.
func (svc *Service) Load(ctx context.Context) (int, error) {
	if svc.opts.repo == nil {
		return 0, nil
	}
	records, err := svc.opts.repo.ListSessions(ctx)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, rec := range records {
		svc.mu.RLock()
		_, known := svc.sessions[rec.ID]
		svc.mu.RUnlock()
		if known {
			continue
		}

		snap, err := svc.opts.repo.LoadSession(ctx, rec.ID)
		if err != nil {
			return added, err
		}
		sess, err := sessionFromSnapshot(snap, svc.opts.now)
		if err != nil {
			return added, err
		}
		for _, g := range sess.graphs {
			g.SetClock(svc.opts.now)
		}

		svc.mu.Lock()
		svc.sessions[sess.id] = sess
		svc.order = append(svc.order, sess.id)
		svc.mu.Unlock()
		added++
	}
	debugLog("[service] loaded %d session(s)", added)
	return added, nil
}
