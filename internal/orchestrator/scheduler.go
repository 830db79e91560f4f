package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/orcha/internal/graph"
	"github.com/ShayCichocki/orcha/internal/runner"
	"github.com/ShayCichocki/orcha/pkg/models"
)

const (
	// maxUpdatesPerTick bounds how many updates one execution contributes
	// to a single tick, so a chatty runner cannot starve other nodes.
	maxUpdatesPerTick = 64
	// progressCeiling is the highest progress a delta may reach. Only the
	// final update takes a node to 100.
	progressCeiling = 99
)

// Scheduler advances sessions one tick at a time: it drains runner updates,
// dispatches ready nodes, and settles graph and session status.
type Scheduler struct {
	svc         *Service
	maxPerGraph int
	workers     int
	backoffMax  time.Duration
	pause       *PauseController
}

// Tick advances every active session once. Sessions are ticked in
// parallel, up to the configured worker count.
func (s *Scheduler) Tick(ctx context.Context) error {
	start := time.Now()

	// One session failing must not cancel its siblings' ticks.
	var (
		eg   errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	if s.workers > 0 {
		eg.SetLimit(s.workers)
	}
	for _, sess := range s.svc.allSessions() {
		if sess.Status().Terminal() {
			continue
		}
		eg.Go(func() error {
			if err := s.tickSession(ctx, sess); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", sess.id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	err := errors.Join(errs...)

	running, active := 0, 0
	for _, sess := range s.svc.allSessions() {
		sess.mu.Lock()
		running += sess.runningLocked()
		if !sess.status.Terminal() {
			active++
		}
		sess.mu.Unlock()
	}
	s.svc.opts.metrics.tick(time.Since(start), err)
	s.svc.opts.metrics.setGauges(running, active)
	return err
}

// TickSession advances a single session once.
func (s *Scheduler) TickSession(ctx context.Context, sessionID string) error {
	sess, err := s.svc.session(sessionID)
	if err != nil {
		return err
	}
	return s.tickSession(ctx, sess)
}

func (s *Scheduler) tickSession(ctx context.Context, sess *Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.status.Terminal() {
		sess.mu.Unlock()
		return nil
	}

	var errs []error
	for _, g := range sess.graphs {
		s.drainLocked(sess, g)
		if err := s.emitPendingLocked(ctx, sess, g); err != nil {
			errs = append(errs, err)
		}
		if err := s.autoApproveLocked(ctx, sess, g); err != nil {
			errs = append(errs, err)
		}
		s.dispatchLocked(sess, g)
	}
	sess.settleLocked(s.svc.opts.holdOpen)
	if err := s.svc.persistLocked(ctx, sess); err != nil {
		errs = append(errs, err)
	}
	sess.mu.Unlock()

	s.svc.publish(sess)
	return errors.Join(errs...)
}

// dispatchLocked starts ready nodes up to the per-graph limit. Running
// nodes without a live execution, which happens after a restart, are
// re-invoked first.
func (s *Scheduler) dispatchLocked(sess *Session, g *graph.Graph) {
	if g.Cancelled() {
		return
	}

	running := 0
	for _, id := range g.RunningNodes() {
		if _, live := sess.executions[execKey(g.ID(), id)]; live {
			running++
			continue
		}
		if s.maxPerGraph > 0 && running >= s.maxPerGraph {
			continue
		}
		if s.invokeLocked(sess, g, id, "recovered") {
			running++
		}
	}

	for _, id := range g.ReadyNodes() {
		if s.maxPerGraph > 0 && running >= s.maxPerGraph {
			debugLog("[scheduler] graph %s at concurrency limit %d", g.ID(), s.maxPerGraph)
			return
		}
		if err := g.Start(id); err != nil {
			debugLog("[scheduler] start %s/%s: %v", g.ID(), id, err)
			continue
		}
		if s.invokeLocked(sess, g, id, "") {
			running++
		}
	}
}

// invokeLocked hands a Running node to the runner. An invocation error
// fails the node.
func (s *Scheduler) invokeLocked(sess *Session, g *graph.Graph, nodeID, reason string) bool {
	node, _ := g.Node(nodeID)
	req := runner.Request{
		SessionID: sess.id,
		GraphID:   g.ID(),
		Template:  g.Template(),
		Node:      node,
		Attempt:   node.Attempts,
		Upstream:  make(map[string]*models.NodeResult),
	}
	for _, dep := range g.Dependencies(nodeID) {
		if n, ok := g.Node(dep); ok {
			req.Upstream[dep] = n.Result
		}
	}

	exec, err := s.svc.runner.Invoke(s.svc.baseCtx, req)
	if err != nil {
		s.failLocked(sess, g, nodeID, fmt.Sprintf("invoke runner: %v", err))
		return false
	}
	sess.executions[execKey(g.ID(), nodeID)] = exec
	s.svc.opts.metrics.nodeStarted()
	sess.nodeEventLocked(models.EventNodeStarted, g, nodeID, reason)
	return true
}

// drainLocked applies buffered updates from every live execution in g
// without blocking.
func (s *Scheduler) drainLocked(sess *Session, g *graph.Graph) {
	for _, id := range g.RunningNodes() {
		key := execKey(g.ID(), id)
		exec, ok := sess.executions[key]
		if !ok {
			continue
		}

	drain:
		for range maxUpdatesPerTick {
			select {
			case u, open := <-exec.Updates():
				if !open {
					delete(sess.executions, key)
					s.failLocked(sess, g, id, "execution ended without a result")
					break drain
				}
				if s.applyLocked(sess, g, id, u) {
					delete(sess.executions, key)
					break drain
				}
			default:
				break drain
			}
		}
	}
}

// applyLocked applies one update and reports whether it was final.
func (s *Scheduler) applyLocked(sess *Session, g *graph.Graph, nodeID string, u runner.Update) bool {
	switch {
	case u.Err != nil:
		s.failLocked(sess, g, nodeID, u.Err.Error())
		return true

	case u.Done:
		st, err := g.Complete(nodeID, u.Result)
		if err != nil {
			debugLog("[scheduler] complete %s/%s: %v", g.ID(), nodeID, err)
			return true
		}
		s.svc.opts.metrics.nodeFinished(string(st))
		switch st {
		case models.NodeStateAwaitingApproval:
			sess.nodeEventLocked(models.EventNodeAwaitingApproval, g, nodeID, "")
		case models.NodeStateDone:
			sess.nodeEventLocked(models.EventNodeDone, g, nodeID, "")
		}
		return true
	}

	node, ok := g.Node(nodeID)
	if !ok {
		return true
	}
	delta := min(u.Delta, progressCeiling-node.Progress)
	if delta <= 0 {
		return false
	}
	if _, err := g.ApplyProgress(nodeID, delta); err != nil {
		debugLog("[scheduler] progress %s/%s: %v", g.ID(), nodeID, err)
		return false
	}
	sess.nodeEventLocked(models.EventNodeProgress, g, nodeID, "")
	return false
}

func (s *Scheduler) failLocked(sess *Session, g *graph.Graph, nodeID, reason string) {
	if err := g.Fail(nodeID, reason); err != nil {
		debugLog("[scheduler] fail %s/%s: %v", g.ID(), nodeID, err)
		return
	}
	s.svc.opts.metrics.nodeFinished(string(models.NodeStateFailed))
	sess.nodeEventLocked(models.EventNodeFailed, g, nodeID, reason)
	log.Printf("[scheduler] node %s/%s failed: %s", g.ID(), nodeID, reason)
}

// autoApproveLocked approves every node awaiting approval when the service
// runs with an auto-approve actor.
func (s *Scheduler) autoApproveLocked(ctx context.Context, sess *Session, g *graph.Graph) error {
	actor := s.svc.opts.autoApprove
	if actor == "" {
		return nil
	}
	var errs []error
	for _, n := range g.Nodes() {
		if n.State != models.NodeStateAwaitingApproval {
			continue
		}
		if _, err := s.svc.decideLocked(ctx, sess, g.ID(), n.ID, actor, true); err != nil {
			errs = append(errs, fmt.Errorf("auto-approve %s/%s: %w", g.ID(), n.ID, err))
		}
	}
	return errors.Join(errs...)
}

// emitPendingLocked retries artifact emission for nodes that were approved
// while the store was failing. Their dependents wait until it succeeds.
func (s *Scheduler) emitPendingLocked(ctx context.Context, sess *Session, g *graph.Graph) error {
	var errs []error
	for _, id := range g.PendingEmissions() {
		var created []models.Artifact
		dec, err := g.FinishApproval(id, s.svc.emitter(ctx, sess, g, &created))
		if err != nil {
			errs = append(errs, fmt.Errorf("finish approval %s/%s: %w", g.ID(), id, err))
			continue
		}
		rec, _ := g.DecisionFor(id)
		debugLog("[scheduler] node %s/%s emitted %s after retry", g.ID(), id, dec.ArtifactID)
		s.svc.recordDecisionLocked(sess, g, id, rec.Actor, dec, created)
	}
	return errors.Join(errs...)
}

// idleLocked reports whether another tick would change nothing without
// outside input: no live executions, no ready nodes and no artifacts owed.
func (s *Scheduler) idleLocked(sess *Session) bool {
	if sess.status.Terminal() {
		return true
	}
	if sess.runningLocked() > 0 {
		return false
	}
	for _, g := range sess.graphs {
		if len(g.ReadyNodes()) > 0 || len(g.RunningNodes()) > 0 || len(g.PendingEmissions()) > 0 {
			return false
		}
		if s.svc.opts.autoApprove != "" && g.Status() == models.GraphAwaitingApproval {
			for _, n := range g.Nodes() {
				if n.State == models.NodeStateAwaitingApproval {
					return false
				}
			}
		}
	}
	return true
}

// Loop ticks every interval until ctx is done or the pause controller is
// stopped. Failed ticks back off exponentially up to the configured cap.
func (s *Scheduler) Loop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	failures := 0
	for {
		if err := s.pause.WaitIfPaused(ctx); err != nil {
			if errors.Is(err, ErrStopped) {
				return nil
			}
			return err
		}

		wait := interval
		if err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			wait = backoff(interval, failures, s.backoffMax)
			log.Printf("[scheduler] tick failed (attempt %d), retrying in %s: %v", failures, wait, err)
		} else {
			failures = 0
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func backoff(base time.Duration, failures int, ceiling time.Duration) time.Duration {
	d := base
	for i := 0; i < failures && d < ceiling; i++ {
		d *= 2
	}
	if ceiling > 0 && d > ceiling {
		d = ceiling
	}
	return d
}

// Drive ticks one session until it is terminal or idle, and returns its
// final snapshot. An idle session is waiting on approvals, retries, or
// overrides.
func (svc *Service) Drive(ctx context.Context, sessionID string, interval time.Duration) (models.SessionSnapshot, error) {
	sess, err := svc.session(sessionID)
	if err != nil {
		return models.SessionSnapshot{}, err
	}
	for {
		if err := svc.scheduler.tickSession(ctx, sess); err != nil {
			return sess.Snapshot(), err
		}

		sess.mu.Lock()
		idle := svc.scheduler.idleLocked(sess)
		sess.mu.Unlock()
		if idle {
			return sess.Snapshot(), nil
		}

		if interval > 0 {
			select {
			case <-ctx.Done():
				return sess.Snapshot(), ctx.Err()
			case <-time.After(interval):
			}
		} else {
			select {
			case <-ctx.Done():
				return sess.Snapshot(), ctx.Err()
			default:
			}
		}
	}
}
