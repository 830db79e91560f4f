package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// ErrStopped is returned by WaitIfPaused after Stop.
var ErrStopped = errors.New("scheduler stopped")

// PauseController gates the scheduler loop. While paused, Loop neither
// drains runner updates nor dispatches nodes; updates stay buffered in their
// executions until it resumes. Approvals, retries and cancellations are
// still accepted and take effect on the next tick.
type PauseController struct {
	mu       sync.Mutex
	paused   bool
	stopped  bool
	pausedAt time.Time
	// wake is closed and replaced on Resume and Stop.
	wake    chan struct{}
	metrics *Metrics
	now     func() time.Time
}

// NewPauseController returns a running controller that reports its state
// to m, which may be nil.
func NewPauseController(m *Metrics) *PauseController {
	return &PauseController{
		wake:    make(chan struct{}),
		metrics: m,
		now:     time.Now,
	}
}

// Pause holds the loop before its next tick. Pausing a stopped or paused
// controller does nothing.
func (p *PauseController) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || p.stopped {
		return
	}
	p.paused = true
	p.pausedAt = p.now()
	p.metrics.setPaused(true, 0)
	log.Printf("[scheduler] paused; no updates are drained and no nodes dispatched")
}

// Resume releases a paused loop.
func (p *PauseController) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	held := p.now().Sub(p.pausedAt)
	p.paused = false
	p.metrics.setPaused(false, held)
	p.wakeLocked()
	log.Printf("[scheduler] resumed after %s", held.Round(time.Millisecond))
}

// Stop ends Loop. It is final: a stopped controller cannot be resumed.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if p.paused {
		p.paused = false
		p.metrics.setPaused(false, p.now().Sub(p.pausedAt))
	}
	p.wakeLocked()
	log.Printf("[scheduler] stop requested")
}

func (p *PauseController) wakeLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

// IsPaused reports whether the loop is held.
func (p *PauseController) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// IsStopped reports whether Stop was called.
func (p *PauseController) IsStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// WaitIfPaused returns nil at once when running, blocks while paused, and
// returns ErrStopped after Stop or ctx.Err() when ctx ends first.
func (p *PauseController) WaitIfPaused(ctx context.Context) error {
	for {
		p.mu.Lock()
		stopped, paused, wake := p.stopped, p.paused, p.wake
		p.mu.Unlock()

		if stopped {
			return ErrStopped
		}
		if !paused {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}
