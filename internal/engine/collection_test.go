package engine_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"meterline/internal/domain"
	"meterline/internal/engine"
	"meterline/internal/status"
)

func mustCase(t *testing.T, env testEnv, amountDue string) domain.CollectionCase {
	t.Helper()
	c, err := env.Engine.OpenCase(env.Ctx, engine.CaseOpenOptions{
		ClientID:    "CL-42",
		ClientName:  "A. Diallo",
		ContractRef: "CT-4711",
		AmountDue:   decimal.RequireFromString(amountDue),
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	return c
}

func mustPlan(t *testing.T, env testEnv, caseID string, total string, count int, start string) domain.PaymentPlan {
	t.Helper()
	p, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		CaseID:           caseID,
		TotalAmount:      decimal.RequireFromString(total),
		InstallmentCount: count,
		StartDate:        start,
		GrantedBy:        "supervisor",
		ActorID:          "tester",
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

func TestPlanSplitSumsExactly(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "100.00")
	p := mustPlan(t, env, c.ID, "100.00", 3, "2026-03-01")

	installments, err := env.Engine.Repo.ListPlanInstallments(env.Ctx, nil, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(installments) != 3 {
		t.Fatalf("expected 3 installments, got %d", len(installments))
	}
	sum := decimal.Zero
	for i, ins := range installments {
		if ins.Sequence != i+1 {
			t.Fatalf("expected contiguous sequences, got %d at index %d", ins.Sequence, i)
		}
		if ins.Status != domain.InstallmentPending {
			t.Fatalf("expected PENDING, got %s", ins.Status)
		}
		sum = sum.Add(ins.AmountDue)
	}
	if !sum.Equal(p.TotalAmount) {
		t.Fatalf("installments sum to %s, want %s", sum, p.TotalAmount)
	}
	// 100/3: two at 33.33, remainder cents on the last.
	if !installments[2].AmountDue.Equal(decimal.RequireFromString("33.34")) {
		t.Fatalf("expected last installment 33.34, got %s", installments[2].AmountDue)
	}
	if installments[0].DueDate != "2026-04-01" || installments[2].DueDate != "2026-06-01" {
		t.Fatalf("unexpected due dates: %s .. %s", installments[0].DueDate, installments[2].DueDate)
	}
}

func TestPlanInitialPercentage(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "1000.00")
	p, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		CaseID:            c.ID,
		TotalAmount:       decimal.RequireFromString("1000.00"),
		InitialPercentage: decimal.RequireFromString("0.1"),
		InstallmentCount:  3,
		StartDate:         "2026-03-01",
		ActorID:           "tester",
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if !p.InitialAmountPaid.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("expected initial 100.00, got %s", p.InitialAmountPaid)
	}
	if !p.RemainingAmount.Equal(decimal.RequireFromString("900.00")) {
		t.Fatalf("expected remaining 900.00, got %s", p.RemainingAmount)
	}

	installments, err := env.Engine.Repo.ListPlanInstallments(env.Ctx, nil, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, ins := range installments {
		if !ins.AmountDue.Equal(decimal.RequireFromString("300.00")) {
			t.Fatalf("expected 300.00 per installment, got %s", ins.AmountDue)
		}
	}
}

func TestSecondActivePlanRejected(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "100.00")
	first := mustPlan(t, env, c.ID, "100.00", 2, "2026-03-01")

	_, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		CaseID:           c.ID,
		TotalAmount:      decimal.RequireFromString("50.00"),
		InstallmentCount: 2,
		StartDate:        "2026-04-01",
		ActorID:          "tester",
	})
	var ce *engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ce.ConflictID != first.ID {
		t.Fatalf("expected conflict with %s, got %s", first.ID, ce.ConflictID)
	}
}

func TestPayingAllInstallmentsCompletesPlan(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "90.00")
	p := mustPlan(t, env, c.ID, "90.00", 3, "2026-03-01")

	installments, err := env.Engine.Repo.ListPlanInstallments(env.Ctx, nil, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, ins := range installments {
		paid, err := env.Engine.PayInstallment(env.Ctx, ins.ID, engine.PayOptions{
			AmountPaid: ins.AmountDue,
			PaidBy:     "agent-1",
			ActorID:    "agent-1",
		})
		if err != nil {
			t.Fatalf("pay %d: %v", ins.Sequence, err)
		}
		if paid.Status != domain.InstallmentPaid {
			t.Fatalf("expected PAID, got %s", paid.Status)
		}
	}

	done, err := env.Engine.Repo.GetPlan(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if done.Status != domain.PlanCompleted {
		t.Fatalf("expected COMPLETED, got %s", done.Status)
	}
	if !done.RemainingAmount.IsZero() {
		t.Fatalf("expected zero remaining, got %s", done.RemainingAmount)
	}
	if !done.CompletionRate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected rate 1, got %s", done.CompletionRate)
	}

	// A completed plan takes no further payments.
	_, err = env.Engine.PayInstallment(env.Ctx, installments[0].ID, engine.PayOptions{
		AmountPaid: decimal.RequireFromString("1.00"),
		ActorID:    "agent-1",
	})
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestSweepMarksLateAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "90.00")
	p := mustPlan(t, env, c.ID, "90.00", 3, "2026-01-01")

	// Dues fall on 02-01, 03-01, 04-01; as of 03-15 the first two are late.
	n, err := env.Engine.SweepLateInstallments(env.Ctx, "2026-03-15", "cron")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 transitions, got %d", n)
	}

	installments, err := env.Engine.Repo.ListPlanInstallments(env.Ctx, nil, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if installments[0].Status != domain.InstallmentLate || installments[0].DaysLate != 42 {
		t.Fatalf("expected first LATE 42 days, got %s %d", installments[0].Status, installments[0].DaysLate)
	}
	if installments[1].Status != domain.InstallmentLate || installments[1].DaysLate != 14 {
		t.Fatalf("expected second LATE 14 days, got %s %d", installments[1].Status, installments[1].DaysLate)
	}
	if installments[2].Status != domain.InstallmentPending {
		t.Fatalf("expected third PENDING, got %s", installments[2].Status)
	}

	// Same as-of date again: nothing moves.
	n, err = env.Engine.SweepLateInstallments(env.Ctx, "2026-03-15", "cron")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected idempotent re-run, got %d transitions", n)
	}

	// A LATE installment is still payable.
	paid, err := env.Engine.PayInstallment(env.Ctx, installments[0].ID, engine.PayOptions{
		AmountPaid: installments[0].AmountDue,
		ActorID:    "agent-1",
	})
	if err != nil {
		t.Fatalf("pay late: %v", err)
	}
	if paid.Status != domain.InstallmentPaid {
		t.Fatalf("expected PAID, got %s", paid.Status)
	}
}

func TestCancelPlanCancelsPendingInstallments(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "90.00")
	p := mustPlan(t, env, c.ID, "90.00", 3, "2026-03-01")

	installments, err := env.Engine.Repo.ListPlanInstallments(env.Ctx, nil, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.PayInstallment(env.Ctx, installments[0].ID, engine.PayOptions{
		AmountPaid: installments[0].AmountDue,
		ActorID:    "agent-1",
	}); err != nil {
		t.Fatal(err)
	}

	cancelled, err := env.Engine.CancelPlan(env.Ctx, p.ID, "supervisor")
	if err != nil {
		t.Fatalf("cancel plan: %v", err)
	}
	if cancelled.Status != domain.PlanCancelled {
		t.Fatalf("expected CANCELLED, got %s", cancelled.Status)
	}

	installments, err = env.Engine.Repo.ListPlanInstallments(env.Ctx, nil, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if installments[0].Status != domain.InstallmentPaid {
		t.Fatalf("paid installment must survive cancel, got %s", installments[0].Status)
	}
	for _, ins := range installments[1:] {
		if ins.Status != domain.InstallmentCancelled {
			t.Fatalf("expected CANCELLED, got %s", ins.Status)
		}
	}
}

func TestCaseLifecycleAndActions(t *testing.T) {
	env := newTestEnv(t)
	c := mustCase(t, env, "250.00")

	// The first recorded action engages a pending case.
	if _, err := env.Engine.RecordAction(env.Ctx, c.ID, engine.ActionOptions{
		AgentID: "agent-1",
		Type:    domain.ActionVisit,
		ActorID: "agent-1",
	}); err != nil {
		t.Fatalf("record visit: %v", err)
	}
	c2, err := env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if c2.Status != domain.CaseInProgress {
		t.Fatalf("expected IN_PROGRESS after first action, got %s", c2.Status)
	}

	// Payments re-derive amountCollected from the action log.
	for _, amount := range []string{"100.00", "150.00"} {
		if _, err := env.Engine.RecordAction(env.Ctx, c.ID, engine.ActionOptions{
			AgentID: "agent-1",
			Type:    domain.ActionPayment,
			Amount:  decimal.RequireFromString(amount),
			ActorID: "agent-1",
		}); err != nil {
			t.Fatalf("record payment: %v", err)
		}
	}
	c2, err = env.Engine.Repo.GetCase(env.Ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !c2.AmountCollected.Equal(decimal.RequireFromString("250.00")) {
		t.Fatalf("expected 250.00 collected, got %s", c2.AmountCollected)
	}
	// Full collection does not auto-resolve; closing stays a human decision.
	if c2.Status != domain.CaseInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", c2.Status)
	}

	resolved, err := env.Engine.ResolveCase(env.Ctx, c.ID, "supervisor")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.CaseResolved {
		t.Fatalf("expected RESOLVED, got %s", resolved.Status)
	}

	// Terminal cases take no more actions or transitions.
	_, err = env.Engine.RecordAction(env.Ctx, c.ID, engine.ActionOptions{
		AgentID: "agent-1",
		Type:    domain.ActionVisit,
		ActorID: "agent-1",
	})
	if !errors.Is(err, engine.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	_, err = env.Engine.EscalateCase(env.Ctx, c.ID, "supervisor")
	var it *status.InvalidTransitionError
	if !errors.As(err, &it) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}
