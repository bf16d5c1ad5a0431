package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"meterline/internal/config"
	"meterline/internal/db"
	"meterline/internal/migrate"
	"meterline/internal/status"
)

func newLockedEngine(t *testing.T) *Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("AG01")
	cfg.Lifecycle.LockTimeoutMS = 50
	e := New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC) }
	return e
}

func TestStaleVersionWriteRejected(t *testing.T) {
	e := newLockedEngine(t)
	ctx := context.Background()
	c, err := e.CreateCycle(ctx, CycleCreateOptions{Code: "2026-03", FiscalYear: 2026, FiscalMonth: 3, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	stale := c

	// Another writer moves the row past the version we read.
	if _, err := e.StartCycle(ctx, c.ID, "tester"); err != nil {
		t.Fatalf("start cycle: %v", err)
	}

	ok, err := e.Repo.UpdateCycle(ctx, nil, stale)
	if err != nil {
		t.Fatalf("update cycle: %v", err)
	}
	if ok {
		t.Fatal("expected the version check to reject the stale write")
	}
	werr := staleWrite(ok, status.KindBillingCycle, c.ID)
	var sw *StaleWriteError
	if !errors.As(werr, &sw) {
		t.Fatalf("expected StaleWriteError, got %v", werr)
	}
	if !errors.Is(werr, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", werr)
	}
	if !Retryable(werr) {
		t.Fatal("stale writes must be retryable")
	}
}

func TestLockWaitTimesOutBusy(t *testing.T) {
	e := newLockedEngine(t)
	ctx := context.Background()
	c, err := e.CreateCycle(ctx, CycleCreateOptions{Code: "2026-03", FiscalYear: 2026, FiscalMonth: 3, ActorID: "tester"})
	if err != nil {
		t.Fatalf("create cycle: %v", err)
	}

	release, err := e.lock(ctx, status.KindBillingCycle, c.ID)
	if err != nil {
		t.Fatalf("acquire lock: %v", err)
	}

	_, err = e.StartCycle(ctx, c.ID, "tester")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy while lock held, got %v", err)
	}
	var be *BusyError
	if !errors.As(err, &be) || be.EntityID != c.ID {
		t.Fatalf("expected BusyError for %s, got %v", c.ID, err)
	}
	if !Retryable(err) {
		t.Fatal("lock timeouts must be retryable")
	}

	release()
	if _, err := e.StartCycle(ctx, c.ID, "tester"); err != nil {
		t.Fatalf("start after release: %v", err)
	}
}
