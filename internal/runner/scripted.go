package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ShayCichocki/orcha/pkg/models"
)

// DefaultStep is the progress delta per scripted update.
const DefaultStep = 25

// Plan scripts the behaviour of one node.
type Plan struct {
	// Steps are the progress deltas to report. Empty means equal steps of
	// the runner's step size up to 100.
	Steps []float64
	// Result is returned on success.
	Result *models.NodeResult
	// Fail, when set, fails the execution after its steps.
	Fail string
	// FailAttempts fails attempts up to and including this number; later
	// attempts succeed.
	FailAttempts int
	// Block keeps the execution running until it is cancelled.
	Block bool
}

// PlanKey scopes a node ID to a template so plans from several templates
// can share one runner.
func PlanKey(template, nodeID string) string {
	return template + "/" + nodeID
}

// Scripted is a deterministic runner for demos and tests. Plans are looked
// up by template-scoped node ID, then node ID, then agent name, falling
// back to a plain success.
type Scripted struct {
	step  float64
	delay time.Duration

	mu          sync.Mutex
	plans       map[string]Plan
	invocations []Request
}

// NewScripted creates a runner that reports step-sized progress every
// delay. A zero delay reports everything at once, before Invoke returns.
func NewScripted(step float64, delay time.Duration) *Scripted {
	if step <= 0 {
		step = DefaultStep
	}
	return &Scripted{step: step, delay: delay, plans: make(map[string]Plan)}
}

// SetPlan registers a plan for a node ID or agent name.
func (s *Scripted) SetPlan(key string, p Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[key] = p
}

// SetPlans registers several plans at once.
func (s *Scripted) SetPlans(plans map[string]Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, p := range plans {
		s.plans[k] = p
	}
}

// Invocations returns the requests received so far.
func (s *Scripted) Invocations() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.invocations...)
}

func (s *Scripted) plan(req Request) Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invocations = append(s.invocations, req)
	if req.Template != "" {
		if p, ok := s.plans[PlanKey(req.Template, req.Node.ID)]; ok {
			return p
		}
	}
	if p, ok := s.plans[req.Node.ID]; ok {
		return p
	}
	if req.Node.Agent != "" {
		if p, ok := s.plans[req.Node.Agent]; ok {
			return p
		}
	}
	return Plan{}
}

// Invoke starts a scripted execution.
func (s *Scripted) Invoke(ctx context.Context, req Request) (Execution, error) {
	if req.Node == nil {
		return nil, &Error{Runner: "scripted", Err: errors.New("request has no node")}
	}
	p := s.plan(req)

	steps := p.Steps
	if len(steps) == 0 {
		for total := 0.0; total < 100; total += s.step {
			steps = append(steps, s.step)
		}
	}
	final := Update{Done: true, Result: p.Result.Clone()}
	if final.Result == nil {
		final.Result = &models.NodeResult{Summary: fmt.Sprintf("%s complete", req.Node.Name)}
	}
	switch {
	case p.Fail != "":
		final = Update{Err: &Error{Runner: "scripted", NodeID: req.Node.ID, Err: errors.New(p.Fail)}}
	case req.Attempt <= p.FailAttempts:
		final = Update{Err: &Error{Runner: "scripted", NodeID: req.Node.ID, Err: fmt.Errorf("attempt %d failed", req.Attempt)}}
	}

	exec, runCtx := newExecution(ctx, len(steps)+1)

	if s.delay == 0 && !p.Block {
		for _, d := range steps {
			exec.updates <- Update{Delta: d}
		}
		exec.finish(runCtx, final)
		return exec, nil
	}

	go func() {
		var tick <-chan time.Time
		if s.delay > 0 {
			t := time.NewTicker(s.delay)
			defer t.Stop()
			tick = t.C
		}
		for _, d := range steps {
			if tick != nil {
				select {
				case <-tick:
				case <-runCtx.Done():
					exec.finish(context.Background(), Update{Err: runCtx.Err()})
					return
				}
			}
			if !exec.send(runCtx, Update{Delta: d}) {
				exec.finish(context.Background(), Update{Err: runCtx.Err()})
				return
			}
		}
		if p.Block {
			<-runCtx.Done()
			exec.finish(context.Background(), Update{Err: runCtx.Err()})
			return
		}
		exec.finish(runCtx, final)
	}()
	return exec, nil
}

var _ Runner = (*Scripted)(nil)
