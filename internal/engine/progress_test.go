package engine_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"meterline/internal/engine"
)

func TestReadingFactsRollUp(t *testing.T) {
	env := newTestEnv(t)
	c := mustCycle(t, env)
	rd := mustRound(t, env, c.ID)
	mustAttach(t, env, rd.ID, "M-1", "M-2", "M-3")

	rd2, err := env.Engine.OnMeterRead(env.Ctx, rd.ID, "M-1", false, engine.ReadOptions{ReadBy: "agent-1", ActorID: "agent-1"})
	if err != nil {
		t.Fatalf("read M-1: %v", err)
	}
	rd2, err = env.Engine.OnMeterRead(env.Ctx, rd.ID, "M-2", true, engine.ReadOptions{ReadBy: "agent-1", ActorID: "agent-1"})
	if err != nil {
		t.Fatalf("read M-2: %v", err)
	}
	if rd2.ReadMeters != 2 || rd2.TotalMeters != 3 {
		t.Fatalf("expected 2/3, got %d/%d", rd2.ReadMeters, rd2.TotalMeters)
	}
	if rd2.AnomalyCount != 1 {
		t.Fatalf("expected 1 anomaly, got %d", rd2.AnomalyCount)
	}
	want := decimal.NewFromInt(2).DivRound(decimal.NewFromInt(3), 4)
	if !rd2.CompletionRate.Equal(want) {
		t.Fatalf("expected rate %s, got %s", want, rd2.CompletionRate)
	}

	// The parent cycle follows synchronously.
	c2, err := env.Engine.Repo.GetCycle(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c2.ReadClientCount != 2 || c2.ClientCount != 3 {
		t.Fatalf("expected cycle 2/3, got %d/%d", c2.ReadClientCount, c2.ClientCount)
	}

	// Reverting the anomalous reading drops both counters.
	rd3, err := env.Engine.OnMeterUnread(env.Ctx, rd.ID, "M-2", engine.ReadOptions{ActorID: "agent-1"})
	if err != nil {
		t.Fatalf("unread M-2: %v", err)
	}
	if rd3.ReadMeters != 1 || rd3.AnomalyCount != 0 {
		t.Fatalf("expected 1 read 0 anomalies, got %d/%d", rd3.ReadMeters, rd3.AnomalyCount)
	}
}

func TestRecomputeRoundIdempotent(t *testing.T) {
	env := newTestEnv(t)
	c := mustCycle(t, env)
	rd := mustRound(t, env, c.ID)
	mustAttach(t, env, rd.ID, "M-1", "M-2")
	if _, err := env.Engine.OnMeterRead(env.Ctx, rd.ID, "M-1", false, engine.ReadOptions{ReadBy: "agent-1", ActorID: "agent-1"}); err != nil {
		t.Fatal(err)
	}

	first, err := env.Engine.RecomputeRound(env.Ctx, rd.ID)
	if err != nil {
		t.Fatalf("first recompute: %v", err)
	}
	second, err := env.Engine.RecomputeRound(env.Ctx, rd.ID)
	if err != nil {
		t.Fatalf("second recompute: %v", err)
	}
	if first.ReadMeters != second.ReadMeters ||
		first.TotalMeters != second.TotalMeters ||
		first.AnomalyCount != second.AnomalyCount ||
		!first.CompletionRate.Equal(second.CompletionRate) {
		t.Fatalf("recompute not idempotent: %+v vs %+v", first, second)
	}
}

func TestCompletionRateEmptyRound(t *testing.T) {
	env := newTestEnv(t)
	c := mustCycle(t, env)
	rd := mustRound(t, env, c.ID)

	rd2, err := env.Engine.RecomputeRound(env.Ctx, rd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !rd2.CompletionRate.IsZero() {
		t.Fatalf("expected zero rate with no meters, got %s", rd2.CompletionRate)
	}
}

func TestResetPassOrder(t *testing.T) {
	env := newTestEnv(t)
	c := mustCycle(t, env)
	rd := mustRound(t, env, c.ID)
	mustAttach(t, env, rd.ID, "M-3", "M-1", "M-2")

	if err := env.Engine.ResetRoundPassOrder(env.Ctx, rd.ID); err != nil {
		t.Fatalf("reset pass order: %v", err)
	}
	meters, err := env.Engine.Repo.ListMeterAttachments(env.Ctx, rd.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(meters) != 3 {
		t.Fatalf("expected 3 meters, got %d", len(meters))
	}
	for i, m := range meters {
		if m.PassOrder != i+1 {
			t.Fatalf("expected contiguous pass order, got %d at index %d", m.PassOrder, i)
		}
	}
}
