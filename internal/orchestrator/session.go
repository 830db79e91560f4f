package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/orcha/internal/graph"
	"github.com/ShayCichocki/orcha/internal/runner"
	"github.com/ShayCichocki/orcha/pkg/models"
)

// Session aggregates the graphs started from one conversation.
//
// Lock order is session, then graph, then artifact store. Every method
// with a Locked suffix expects mu to be held.
type Session struct {
	mu sync.Mutex

	id              string
	title           string
	owner           string
	agents          []string
	conversationRef string
	createdAt       time.Time
	closedAt        *time.Time
	status          models.SessionStatus

	graphs []*graph.Graph
	byID   map[string]*graph.Graph

	// reported holds the terminal status last announced per graph, so
	// GraphCompleted is emitted once per terminal episode.
	reported map[string]models.GraphStatus
	// executions holds live runner executions keyed by graph/node.
	executions map[string]runner.Execution

	events []models.Event
	seq    int64
	// pending holds events not yet handed to the bus.
	pending []models.Event
	dirty   bool

	now func() time.Time
}

func newSession(id string, spec SessionSpec, now func() time.Time) *Session {
	return &Session{
		id:              id,
		title:           spec.Title,
		owner:           spec.Owner,
		agents:          append([]string(nil), spec.Agents...),
		conversationRef: spec.ConversationRef,
		createdAt:       now().UTC(),
		status:          models.SessionActive,
		byID:            make(map[string]*graph.Graph),
		reported:        make(map[string]models.GraphStatus),
		executions:      make(map[string]runner.Execution),
		dirty:           true,
		now:             now,
	}
}

// sessionFromSnapshot rebuilds a session from persistence. Live executions
// are not persisted; Running nodes are re-dispatched by the next tick.
func sessionFromSnapshot(s models.SessionSnapshot, now func() time.Time) (*Session, error) {
	sess := newSession(s.ID, SessionSpec{
		Title:           s.Title,
		Owner:           s.Owner,
		Agents:          s.Agents,
		ConversationRef: s.ConversationRef,
	}, now)
	sess.createdAt = s.CreatedAt
	sess.closedAt = s.ClosedAt
	sess.status = s.Status
	sess.events = append([]models.Event(nil), s.Events...)
	if n := len(s.Events); n > 0 {
		sess.seq = s.Events[n-1].Seq
	}
	sess.dirty = false

	for _, gs := range s.Graphs {
		g, err := graph.FromSnapshot(gs)
		if err != nil {
			return nil, fmt.Errorf("restore session %s: %w", s.ID, err)
		}
		sess.addGraphLocked(g)
		// A graph already terminal when saved was announced before.
		if st := g.Status(); st.Terminal() {
			sess.reported[g.ID()] = st
		}
	}
	return sess, nil
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// Status returns the session status.
func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Snapshot returns a deep copy of the session.
func (s *Session) Snapshot() models.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Events returns a copy of the transcript.
func (s *Session) Events() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

func (s *Session) snapshotLocked() models.SessionSnapshot {
	snap := models.SessionSnapshot{
		ID:              s.id,
		Title:           s.title,
		Owner:           s.owner,
		Agents:          append([]string(nil), s.agents...),
		ConversationRef: s.conversationRef,
		GraphIDs:        make([]string, 0, len(s.graphs)),
		Graphs:          make([]models.GraphSnapshot, 0, len(s.graphs)),
		Status:          s.status,
		Events:          append([]models.Event(nil), s.events...),
		CreatedAt:       s.createdAt,
	}
	if s.closedAt != nil {
		t := *s.closedAt
		snap.ClosedAt = &t
	}
	for _, g := range s.graphs {
		snap.GraphIDs = append(snap.GraphIDs, g.ID())
		snap.Graphs = append(snap.Graphs, g.Snapshot())
	}
	return snap
}

func (s *Session) addGraphLocked(g *graph.Graph) {
	g.SetDebugLog(debugLog)
	s.graphs = append(s.graphs, g)
	s.byID[g.ID()] = g
	s.dirty = true
}

func (s *Session) graphLocked(id string) (*graph.Graph, error) {
	g, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("graph %s in session %s: %w", id, s.id, ErrNotFound)
	}
	return g, nil
}

func (s *Session) activeLocked() error {
	if s.status.Terminal() {
		return fmt.Errorf("session %s is %s: %w", s.id, s.status, ErrSessionTerminated)
	}
	return nil
}

// emitLocked stamps e and appends it to the transcript.
func (s *Session) emitLocked(e models.Event) {
	s.seq++
	e.Seq = s.seq
	e.SessionID = s.id
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	s.events = append(s.events, e)
	s.pending = append(s.pending, e)
	s.dirty = true
}

// nodeEventLocked emits an event describing a node's current state.
func (s *Session) nodeEventLocked(typ models.EventType, g *graph.Graph, nodeID, reason string) {
	e := models.Event{Type: typ, GraphID: g.ID(), NodeID: nodeID, Reason: reason}
	if n, ok := g.Node(nodeID); ok {
		e.State = n.State
		e.Progress = n.Progress
		e.ArtifactKind = n.ArtifactKind
	}
	s.emitLocked(e)
}

func (s *Session) takePending() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func execKey(graphID, nodeID string) string {
	return graphID + "/" + nodeID
}

// cancelExecutionsLocked cancels live executions for graphID, or for every
// graph when graphID is empty.
func (s *Session) cancelExecutionsLocked(graphID string) {
	for _, g := range s.graphs {
		if graphID != "" && g.ID() != graphID {
			continue
		}
		for _, n := range g.Nodes() {
			key := execKey(g.ID(), n.ID)
			if e, ok := s.executions[key]; ok {
				e.Cancel()
				delete(s.executions, key)
			}
		}
	}
}

// settleLocked announces newly terminal graphs and completes the session
// once every graph is terminal. A graph failed by its runner keeps the
// session active so the node can be retried. With holdOpen the session
// stays active until it is closed explicitly.
func (s *Session) settleLocked(holdOpen bool) {
	if s.status.Terminal() {
		return
	}

	allTerminal := len(s.graphs) > 0
	failures, retryable := false, false
	for _, g := range s.graphs {
		st := g.Status()
		if !st.Terminal() {
			allTerminal = false
			delete(s.reported, g.ID())
			continue
		}
		if st != models.GraphDone {
			failures = true
		}
		if st == models.GraphFailed && g.AwaitingRetry() {
			retryable = true
		}
		if s.reported[g.ID()] != st {
			s.reported[g.ID()] = st
			s.emitLocked(models.Event{Type: models.EventGraphCompleted, GraphID: g.ID(), GraphStatus: st})
			debugLog("[session %s] graph %s completed: %s", s.id, g.ID(), st)
		}
	}

	if !allTerminal || holdOpen || retryable {
		return
	}
	s.completeLocked(failures)
}

func (s *Session) completeLocked(failures bool) {
	s.status = models.SessionCompleted
	if failures {
		s.status = models.SessionCompletedWithFailures
	}
	t := s.now().UTC()
	s.closedAt = &t
	s.emitLocked(models.Event{Type: models.EventSessionCompleted, SessionStatus: s.status})
	debugLog("[session %s] completed: %s", s.id, s.status)
}

// runningLocked returns the number of live executions.
func (s *Session) runningLocked() int {
	return len(s.executions)
}
