package engine_test

import (
	"context"
	"testing"
	"time"

	"meterline/internal/config"
	"meterline/internal/db"
	"meterline/internal/domain"
	"meterline/internal/engine"
	"meterline/internal/migrate"
)

type testEnv struct {
	Engine *engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("AG01")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func mustCycle(t *testing.T, env testEnv) domain.BillingCycle {
	t.Helper()
	c, err := env.Engine.CreateCycle(env.Ctx, engine.CycleCreateOptions{
		Code:        "2026-03",
		FiscalYear:  2026,
		FiscalMonth: 3,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	return c
}

func mustRound(t *testing.T, env testEnv, cycleID string) domain.Round {
	t.Helper()
	rd, err := env.Engine.CreateRound(env.Ctx, engine.RoundCreateOptions{
		CycleID: cycleID,
		Code:    "T-001",
		Label:   "Centre ville",
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("create round: %v", err)
	}
	return rd
}

func mustAttach(t *testing.T, env testEnv, roundID string, meterIDs ...string) {
	t.Helper()
	meters := make([]engine.MeterAttach, 0, len(meterIDs))
	for _, id := range meterIDs {
		meters = append(meters, engine.MeterAttach{MeterID: id})
	}
	if _, err := env.Engine.AttachMeters(env.Ctx, roundID, meters, "tester"); err != nil {
		t.Fatalf("attach meters: %v", err)
	}
}
