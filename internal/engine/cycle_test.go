package engine_test

import (
	"errors"
	"testing"

	"meterline/internal/domain"
	"meterline/internal/engine"
	"meterline/internal/status"
)

func TestCycleFinishBlockedByRounds(t *testing.T) {
	env := newTestEnv(t)
	c := mustCycle(t, env)
	rd := mustRound(t, env, c.ID)

	if _, err := env.Engine.StartCycle(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatalf("start cycle: %v", err)
	}
	if _, err := env.Engine.StartRound(env.Ctx, rd.ID, "tester"); err != nil {
		t.Fatalf("start round: %v", err)
	}

	_, err := env.Engine.FinishCycle(env.Ctx, c.ID, "tester")
	var pe *engine.PreconditionError
	if !errors.As(err, &pe) {
		t.Fatalf("expected precondition error, got %v", err)
	}
	if pe.BlockingCode != "T-001" {
		t.Fatalf("expected blocking round T-001, got %s", pe.BlockingCode)
	}

	if _, err := env.Engine.FinishRound(env.Ctx, rd.ID, "tester"); err != nil {
		t.Fatalf("finish round: %v", err)
	}
	c2, err := env.Engine.FinishCycle(env.Ctx, c.ID, "tester")
	if err != nil {
		t.Fatalf("finish cycle after rounds: %v", err)
	}
	if c2.Status != domain.CycleFinished {
		t.Fatalf("expected FINISHED, got %s", c2.Status)
	}

	// Close requires every round closed, finished is not enough.
	_, err = env.Engine.CloseCycle(env.Ctx, c.ID, "tester")
	if !errors.As(err, &pe) {
		t.Fatalf("expected precondition error on close, got %v", err)
	}
	if _, err := env.Engine.CloseRound(env.Ctx, rd.ID, "tester"); err != nil {
		t.Fatalf("close round: %v", err)
	}
	c3, err := env.Engine.CloseCycle(env.Ctx, c.ID, "tester")
	if err != nil {
		t.Fatalf("close cycle: %v", err)
	}
	if c3.Status != domain.CycleClosed {
		t.Fatalf("expected CLOSED, got %s", c3.Status)
	}
}

func TestCycleReopenDoesNotCascade(t *testing.T) {
	env := newTestEnv(t)
	c := mustCycle(t, env)
	rd := mustRound(t, env, c.ID)

	if _, err := env.Engine.StartCycle(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartRound(env.Ctx, rd.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.FinishRound(env.Ctx, rd.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CloseRound(env.Ctx, rd.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.FinishCycle(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CloseCycle(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatal(err)
	}

	c2, err := env.Engine.ReopenCycle(env.Ctx, c.ID, "tester")
	if err != nil {
		t.Fatalf("reopen cycle: %v", err)
	}
	if c2.Status != domain.CycleInProgress {
		t.Fatalf("expected IN_PROGRESS after reopen, got %s", c2.Status)
	}
	// Child rounds stay closed; reopening the parent is an administrative
	// override, not a cascade.
	rd2, err := env.Engine.Repo.GetRound(env.Ctx, rd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rd2.Status != domain.RoundClosed {
		t.Fatalf("expected round still CLOSED, got %s", rd2.Status)
	}
}

func TestCycleIllegalTransition(t *testing.T) {
	env := newTestEnv(t)
	c := mustCycle(t, env)

	_, err := env.Engine.FinishCycle(env.Ctx, c.ID, "tester")
	var it *status.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if it.From != domain.CycleNotStarted {
		t.Fatalf("expected from NOT_STARTED, got %s", it.From)
	}
}

func TestDuplicateMeterAttachRejected(t *testing.T) {
	env := newTestEnv(t)
	c := mustCycle(t, env)
	rd := mustRound(t, env, c.ID)
	mustAttach(t, env, rd.ID, "M-1", "M-2")

	_, err := env.Engine.AttachMeters(env.Ctx, rd.ID, []engine.MeterAttach{{MeterID: "M-2"}}, "tester")
	if err == nil {
		t.Fatal("expected duplicate meter attach to fail")
	}
}
