package engine_test

import (
	"errors"
	"testing"

	"meterline/internal/domain"
	"meterline/internal/engine"
	"meterline/internal/status"
)

func TestAssignmentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c := mustCycle(t, env)
	rd := mustRound(t, env, c.ID)
	mustAttach(t, env, rd.ID, "M-1", "M-2")

	a, err := env.Engine.Assign(env.Ctx, rd.ID, "agent-1", "dispatcher")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if a.Status != domain.AssignmentAssigned || a.TotalMeters != 2 {
		t.Fatalf("unexpected assignment: %+v", a)
	}

	opts := engine.AssignmentOptions{ActorID: "agent-1"}
	a, err = env.Engine.StartAssignment(env.Ctx, a.ID, opts)
	if err != nil || a.Status != domain.AssignmentInProgress {
		t.Fatalf("start: %v status=%s", err, a.Status)
	}
	a, err = env.Engine.PauseAssignment(env.Ctx, a.ID, opts)
	if err != nil || a.Status != domain.AssignmentPaused {
		t.Fatalf("pause: %v status=%s", err, a.Status)
	}
	a, err = env.Engine.ResumeAssignment(env.Ctx, a.ID, opts)
	if err != nil || a.Status != domain.AssignmentInProgress {
		t.Fatalf("resume: %v status=%s", err, a.Status)
	}

	if _, err := env.Engine.OnMeterRead(env.Ctx, rd.ID, "M-1", false, engine.ReadOptions{ReadBy: "agent-1", ActorID: "agent-1"}); err != nil {
		t.Fatal(err)
	}

	a, err = env.Engine.FinishAssignment(env.Ctx, a.ID, opts)
	if err != nil || a.Status != domain.AssignmentFinished {
		t.Fatalf("finish: %v status=%s", err, a.Status)
	}
	if a.ReadMeters != 1 || a.TotalMeters != 2 {
		t.Fatalf("expected snapshot 1/2, got %d/%d", a.ReadMeters, a.TotalMeters)
	}

	// Reads after finish never change the frozen snapshot.
	if _, err := env.Engine.OnMeterRead(env.Ctx, rd.ID, "M-2", false, engine.ReadOptions{ReadBy: "agent-1", ActorID: "agent-1"}); err != nil {
		t.Fatal(err)
	}
	frozen, err := env.Engine.Repo.GetAssignment(env.Ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if frozen.ReadMeters != 1 {
		t.Fatalf("snapshot changed after finish: %d", frozen.ReadMeters)
	}

	a, err = env.Engine.ValidateAssignment(env.Ctx, a.ID, engine.AssignmentOptions{ActorID: "supervisor"})
	if err != nil || a.Status != domain.AssignmentValidated {
		t.Fatalf("validate: %v status=%s", err, a.Status)
	}

	_, err = env.Engine.StartAssignment(env.Ctx, a.ID, opts)
	var it *status.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition after validate, got %v", err)
	}
}

func TestSecondActiveAssignmentRejected(t *testing.T) {
	env := newTestEnv(t)
	c := mustCycle(t, env)
	rd := mustRound(t, env, c.ID)

	first, err := env.Engine.Assign(env.Ctx, rd.ID, "agent-1", "dispatcher")
	if err != nil {
		t.Fatalf("first assign: %v", err)
	}
	_, err = env.Engine.Assign(env.Ctx, rd.ID, "agent-2", "dispatcher")
	var ce *engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ce.ConflictID != first.ID {
		t.Fatalf("expected conflict with %s, got %s", first.ID, ce.ConflictID)
	}
}

func TestCancelReleasesRound(t *testing.T) {
	env := newTestEnv(t)
	c := mustCycle(t, env)
	rd := mustRound(t, env, c.ID)

	a, err := env.Engine.Assign(env.Ctx, rd.ID, "agent-1", "dispatcher")
	if err != nil {
		t.Fatal(err)
	}
	cancelled, err := env.Engine.CancelAssignment(env.Ctx, a.ID, "agent unavailable", engine.AssignmentOptions{ActorID: "dispatcher"})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.AssignmentCancelled || cancelled.CancelReason != "agent unavailable" {
		t.Fatalf("unexpected cancel result: %+v", cancelled)
	}

	// A cancelled assignment no longer blocks the round.
	if _, err := env.Engine.Assign(env.Ctx, rd.ID, "agent-2", "dispatcher"); err != nil {
		t.Fatalf("reassign after cancel: %v", err)
	}
}
