package runstate

import (
	"context"
	"sync"
)

// Gate implements cooperative pause/resume. Workers call Wait at checkpoint
// boundaries; while the gate is paused they block on a channel instead of
// polling, and a context cancellation always wins over a paused gate.
type Gate struct {
	mu     sync.Mutex
	resume chan struct{} // closed while the gate is open
	paused bool
}

// NewGate returns an open gate.
func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{resume: ch}
}

// Pause closes the gate. Workers reaching a checkpoint will block.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resume = make(chan struct{})
}

// Resume opens the gate and releases all blocked workers.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return
	}
	g.paused = false
	close(g.resume)
}

// IsPaused reports whether the gate is currently closed.
func (g *Gate) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Toggle flips the gate state and reports whether it is now paused.
func (g *Gate) Toggle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.resume)
		return false
	}
	g.paused = true
	g.resume = make(chan struct{})
	return true
}

// Wait blocks while the gate is paused. It returns the context's error if the
// run is cancelled first, and nil once the gate is open.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.resume
	g.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
