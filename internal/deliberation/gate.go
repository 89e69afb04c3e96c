package deliberation

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Sentinel errors returned by gates.
var (
	ErrNotAwaiting = errors.New("deliberation: no phase is awaiting proceed")
	ErrGateClosed  = errors.New("deliberation: gate closed")
	ErrGateInUse   = errors.New("deliberation: gate already has a waiter")
)

// Gate suspends a deliberation between phases until it may advance to next.
type Gate interface {
	Wait(ctx context.Context, next Phase) error
}

// AutoGate advances immediately. It is the explicit opt-in to auto-chaining.
type AutoGate struct{}

// Wait returns at once unless ctx is already done.
func (AutoGate) Wait(ctx context.Context, _ Phase) error {
	return ctx.Err()
}

// ManualGate holds each phase barrier until Proceed is called. There is no
// timeout; only ctx cancellation or Close releases a waiter otherwise.
type ManualGate struct {
	mu      sync.Mutex
	release chan error
	waiter  context.Context
	next    Phase
	closed  bool
}

// NewManualGate creates a gate with nothing waiting.
func NewManualGate() *ManualGate {
	return &ManualGate{}
}

// readyGate is implemented by gates that can report when a waiter is
// registered, so "awaiting" is never announced before Proceed would succeed.
type readyGate interface {
	WaitReady(ctx context.Context, next Phase, ready func()) error
}

// Wait blocks until Proceed, Close or ctx cancellation.
func (g *ManualGate) Wait(ctx context.Context, next Phase) error {
	return g.WaitReady(ctx, next, nil)
}

// WaitReady is Wait, calling ready once the waiter is registered. A waiter
// whose ctx is already done is never registered, and one whose ctx ended
// while it was registered is replaced rather than reported as ErrGateInUse.
func (g *ManualGate) WaitReady(ctx context.Context, next Phase, ready func()) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGateClosed
	}
	if err := ctx.Err(); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("deliberation: waiting for %s: %w", next, err)
	}
	if g.awaitingLocked() {
		g.mu.Unlock()
		return ErrGateInUse
	}
	release := make(chan error, 1)
	g.release = release
	g.waiter = ctx
	g.next = next
	g.mu.Unlock()

	if ready != nil {
		ready()
	}

	select {
	case err := <-release:
		return err
	case <-ctx.Done():
		g.mu.Lock()
		if g.release == release {
			g.clearLocked()
		}
		g.mu.Unlock()
		return fmt.Errorf("deliberation: waiting for %s: %w", next, ctx.Err())
	}
}

// Proceed releases the current waiter.
func (g *ManualGate) Proceed() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.awaitingLocked() {
		return ErrNotAwaiting
	}
	g.release <- nil
	g.clearLocked()
	return nil
}

// Awaiting reports the phase a waiter is blocked before, if any.
func (g *ManualGate) Awaiting() (Phase, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.awaitingLocked() {
		return "", false
	}
	return g.next, true
}

// awaitingLocked reports a registered waiter that has not been abandoned.
func (g *ManualGate) awaitingLocked() bool {
	return g.release != nil && g.waiter.Err() == nil
}

// Close releases any waiter with ErrGateClosed and rejects future waits.
func (g *ManualGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = true
	if g.release != nil {
		g.release <- ErrGateClosed
		g.clearLocked()
	}
}

func (g *ManualGate) clearLocked() {
	g.release = nil
	g.waiter = nil
	g.next = ""
}
