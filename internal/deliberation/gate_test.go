package deliberation

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestManualGate_ProceedWithoutWaiter(t *testing.T) {
	g := NewManualGate()
	if err := g.Proceed(); !errors.Is(err, ErrNotAwaiting) {
		t.Fatalf("expected ErrNotAwaiting, got %v", err)
	}
	if _, ok := g.Awaiting(); ok {
		t.Error("fresh gate should not be awaiting")
	}
}

func TestManualGate_ContextCancel(t *testing.T) {
	g := NewManualGate()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- g.Wait(ctx, PhaseJudgment) }()
	waitForGate(t, g, PhaseJudgment)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancel")
	}
	if _, ok := g.Awaiting(); ok {
		t.Error("cancelled waiter should be cleared")
	}
}

func TestManualGate_Close(t *testing.T) {
	g := NewManualGate()

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background(), PhaseConsensus) }()
	waitForGate(t, g, PhaseConsensus)
	g.Close()

	if err := <-done; !errors.Is(err, ErrGateClosed) {
		t.Fatalf("expected ErrGateClosed, got %v", err)
	}
	if err := g.Wait(context.Background(), PhaseJudgment); !errors.Is(err, ErrGateClosed) {
		t.Errorf("closed gate should reject waits, got %v", err)
	}
}

func TestManualGate_SingleWaiter(t *testing.T) {
	g := NewManualGate()
	go func() { _ = g.Wait(context.Background(), PhaseCrossReview) }()
	waitForGate(t, g, PhaseCrossReview)

	if err := g.Wait(context.Background(), PhaseCrossReview); !errors.Is(err, ErrGateInUse) {
		t.Errorf("expected ErrGateInUse, got %v", err)
	}
	if err := g.Proceed(); err != nil {
		t.Errorf("Proceed: %v", err)
	}
}

func TestManualGate_ReadyAfterRegistration(t *testing.T) {
	g := NewManualGate()

	var proceedErr error
	err := g.WaitReady(context.Background(), PhaseJudgment, func() {
		proceedErr = g.Proceed()
	})
	if err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if proceedErr != nil {
		t.Errorf("Proceed from ready should succeed, got %v", proceedErr)
	}
}

func TestManualGate_DoneContextNeverRegisters(t *testing.T) {
	g := NewManualGate()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := g.WaitReady(ctx, PhaseJudgment, func() { called = true })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if called {
		t.Error("ready must not run for a waiter that never registered")
	}
	if _, ok := g.Awaiting(); ok {
		t.Error("gate should not be awaiting")
	}
}

func TestManualGate_AbandonedWaiterIsReplaced(t *testing.T) {
	g := NewManualGate()
	oldCtx, cancel := context.WithCancel(context.Background())

	registered := make(chan struct{})
	oldDone := make(chan error, 1)
	go func() {
		oldDone <- g.WaitReady(oldCtx, PhaseCrossReview, func() { close(registered) })
	}()
	<-registered
	// The next run may arrive before the abandoned waiter has unwound.
	cancel()

	if err := g.Proceed(); !errors.Is(err, ErrNotAwaiting) {
		t.Errorf("Proceed on an abandoned waiter: expected ErrNotAwaiting, got %v", err)
	}

	var proceedErr error
	err := g.WaitReady(context.Background(), PhaseCrossReview, func() {
		proceedErr = g.Proceed()
	})
	if err != nil {
		t.Fatalf("new waiter: %v", err)
	}
	if proceedErr != nil {
		t.Errorf("Proceed: %v", proceedErr)
	}

	select {
	case err := <-oldDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("abandoned waiter: expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("abandoned waiter did not return")
	}
	if _, ok := g.Awaiting(); ok {
		t.Error("gate should be idle")
	}
}

func TestAutoGate(t *testing.T) {
	if err := (AutoGate{}).Wait(context.Background(), PhaseJudgment); err != nil {
		t.Errorf("AutoGate.Wait: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := (AutoGate{}).Wait(ctx, PhaseJudgment); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSession_SetPersonaAndEnabled(t *testing.T) {
	s := NewSession(3, "ethicist")

	if snap := s.Snapshot(); snap.Agents[0].PersonaID != "ethicist" || snap.Agents[1].PersonaID != "mother" {
		t.Errorf("unexpected personas: %+v", snap.Agents)
	}
	if err := s.SetPersona(2, "pragmatist"); err != nil {
		t.Fatalf("SetPersona: %v", err)
	}
	if err := s.SetPersona(2, "nobody"); !errors.Is(err, ErrUnknownPersona) {
		t.Errorf("expected ErrUnknownPersona, got %v", err)
	}
	if err := s.SetEnabled(9, false); !errors.Is(err, ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
	if snap := s.Snapshot(); snap.Agents[1].PersonaID != "pragmatist" {
		t.Errorf("persona not updated: %+v", snap.Agents[1])
	}
}
