// Package runner invokes the agents that execute task nodes.
//
// A Runner starts work for one node and hands back an Execution whose
// update channel carries progress deltas and exactly one final update.
// The scheduler drains the channel on each tick without blocking.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/orcha/pkg/models"
)

// ErrRunner marks failures reported by an agent runner.
var ErrRunner = errors.New("runner error")

// Error is a runner failure for one node.
type Error struct {
	// Runner names the adapter that failed.
	Runner string
	NodeID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s runner: node %s: %v", e.Runner, e.NodeID, e.Err)
}

// Unwrap allows matching both ErrRunner and the underlying cause.
func (e *Error) Unwrap() []error {
	return []error{ErrRunner, e.Err}
}

// Request is the work handed to a runner.
type Request struct {
	SessionID string
	GraphID   string
	// Template names the template the graph was built from, if any.
	Template string
	// Node is a copy of the node being executed.
	Node *models.TaskNode
	// Attempt is 1 for the first run and increments on each retry.
	Attempt int
	// Upstream holds the results of the node's dependencies, keyed by node ID.
	Upstream map[string]*models.NodeResult
}

// Update is one message from a running execution.
type Update struct {
	// Delta is added to the node's progress.
	Delta float64
	// Done marks successful completion. Result may be nil.
	Done   bool
	Result *models.NodeResult
	// Err marks failure.
	Err error
}

// Final reports whether u ends the execution.
func (u Update) Final() bool {
	return u.Done || u.Err != nil
}

// Execution is a running invocation.
type Execution interface {
	// Updates returns the update channel. It is closed after the final update.
	Updates() <-chan Update
	// Cancel stops the work. It is safe to call more than once.
	Cancel()
}

// Runner starts executions.
type Runner interface {
	Invoke(ctx context.Context, req Request) (Execution, error)
}

// execution is the channel-backed Execution shared by the adapters.
type execution struct {
	updates chan Update
	cancel  context.CancelFunc
}

func newExecution(parent context.Context, buffer int) (*execution, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &execution{updates: make(chan Update, buffer), cancel: cancel}, ctx
}

func (e *execution) Updates() <-chan Update { return e.updates }

func (e *execution) Cancel() { e.cancel() }

// send delivers u unless ctx is done first.
func (e *execution) send(ctx context.Context, u Update) bool {
	select {
	case e.updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish sends the final update, closes the channel and releases the context.
func (e *execution) finish(ctx context.Context, u Update) {
	e.send(ctx, u)
	close(e.updates)
	e.cancel()
}
