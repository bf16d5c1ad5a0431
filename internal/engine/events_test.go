package engine_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"meterline/internal/domain"
	"meterline/internal/engine"
	"meterline/internal/events"
)

func TestCommittedEventsReachSubscribers(t *testing.T) {
	env := newTestEnv(t)
	var got []domain.Event
	env.Engine.Notifier.Subscribe(func(evt domain.Event) { got = append(got, evt) })

	c := mustCycle(t, env)
	rd := mustRound(t, env, c.ID)
	mustAttach(t, env, rd.ID, "M-1")
	if _, err := env.Engine.StartCycle(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.OnMeterRead(env.Ctx, rd.ID, "M-1", false, engine.ReadOptions{ReadBy: "agent-1", ActorID: "agent-1"}); err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for _, evt := range got {
		seen[evt.Type] = true
	}
	for _, want := range []string{
		events.TypeCycleCreated,
		events.TypeRoundCreated,
		events.TypeCycleStateChanged,
		events.TypeMeterRead,
		events.TypeRoundCompletion,
	} {
		if !seen[want] {
			t.Fatalf("subscribers never saw %s, saw %v", want, seen)
		}
	}
}

func TestFanoutCoversAllAgencies(t *testing.T) {
	env := newTestEnv(t)
	var got []domain.Event
	env.Engine.Notifier.Subscribe(func(evt domain.Event) { got = append(got, evt) })

	// An engine configured for AG01 must still deliver mutations recorded
	// under another agency code.
	other, err := env.Engine.CreateCycle(env.Ctx, engine.CycleCreateOptions{
		Code:        "2026-05",
		AgencyCode:  "AG02",
		FiscalYear:  2026,
		FiscalMonth: 5,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create AG02 cycle: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 fanned-out event, got %d", len(got))
	}
	if got[0].Type != events.TypeCycleCreated || got[0].AgencyCode != "AG02" || got[0].EntityID != other.ID {
		t.Fatalf("unexpected event: %+v", got[0])
	}

	if _, err := env.Engine.CreateCycle(env.Ctx, engine.CycleCreateOptions{
		Code:        "2026-06",
		FiscalYear:  2026,
		FiscalMonth: 6,
		ActorID:     "tester",
	}); err != nil {
		t.Fatalf("create default-agency cycle: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 fanned-out events, got %d", len(got))
	}
	if got[1].AgencyCode != "AG01" {
		t.Fatalf("expected AG01 on second event, got %s", got[1].AgencyCode)
	}
}

func TestInstallmentEventsCarryCaseAgency(t *testing.T) {
	env := newTestEnv(t)
	c, err := env.Engine.OpenCase(env.Ctx, engine.CaseOpenOptions{
		ClientID:    "CL-77",
		ClientName:  "B. Sow",
		ContractRef: "CT-9001",
		AgencyCode:  "AG02",
		AmountDue:   decimal.RequireFromString("60.00"),
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("open case: %v", err)
	}
	plan, err := env.Engine.CreatePlan(env.Ctx, engine.PlanCreateOptions{
		CaseID:           c.ID,
		TotalAmount:      decimal.RequireFromString("60.00"),
		InstallmentCount: 2,
		StartDate:        "2026-04-01",
		GrantedBy:        "chief",
		ActorID:          "tester",
	})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	installments, err := env.Engine.Repo.ListPlanInstallments(env.Ctx, nil, plan.ID)
	if err != nil {
		t.Fatal(err)
	}

	var got []domain.Event
	env.Engine.Notifier.Subscribe(func(evt domain.Event) { got = append(got, evt) })
	if _, err := env.Engine.PayInstallment(env.Ctx, installments[0].ID, engine.PayOptions{
		AmountPaid: installments[0].AmountDue,
		PaidBy:     "agent-1",
		ActorID:    "agent-1",
	}); err != nil {
		t.Fatalf("pay installment: %v", err)
	}

	found := false
	for _, evt := range got {
		if evt.Type != events.TypeInstallmentPaid {
			continue
		}
		found = true
		// Journal attribution follows the owning case, not the engine config.
		if evt.AgencyCode != "AG02" {
			t.Fatalf("expected AG02 on installment.paid, got %s", evt.AgencyCode)
		}
	}
	if !found {
		t.Fatal("installment.paid never fanned out")
	}
}
