package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meterline/internal/domain"
)

func TestApplyKnownEdges(t *testing.T) {
	cases := []struct {
		kind  Kind
		from  string
		event Event
		want  string
	}{
		{KindBillingCycle, domain.CycleNotStarted, EvStart, domain.CycleInProgress},
		{KindBillingCycle, domain.CycleInProgress, EvFinish, domain.CycleFinished},
		{KindBillingCycle, domain.CycleFinished, EvClose, domain.CycleClosed},
		{KindBillingCycle, domain.CycleClosed, EvReopen, domain.CycleInProgress},
		{KindBillingCycle, domain.CycleFinished, EvReopen, domain.CycleInProgress},
		{KindRound, domain.RoundPlanned, EvStart, domain.RoundInProgress},
		{KindAssignment, domain.AssignmentAssigned, EvStart, domain.AssignmentInProgress},
		{KindAssignment, domain.AssignmentInProgress, EvPause, domain.AssignmentPaused},
		{KindAssignment, domain.AssignmentPaused, EvResume, domain.AssignmentInProgress},
		{KindAssignment, domain.AssignmentInProgress, EvFinish, domain.AssignmentFinished},
		{KindAssignment, domain.AssignmentFinished, EvValidate, domain.AssignmentValidated},
		{KindAssignment, domain.AssignmentPaused, EvCancel, domain.AssignmentCancelled},
		{KindPaymentPlan, domain.PlanActive, EvComplete, domain.PlanCompleted},
		{KindPaymentPlan, domain.PlanActive, EvDefault, domain.PlanDefaulted},
		{KindInstallment, domain.InstallmentPending, EvPay, domain.InstallmentPaid},
		{KindInstallment, domain.InstallmentPending, EvMarkLate, domain.InstallmentLate},
		{KindInstallment, domain.InstallmentLate, EvPay, domain.InstallmentPaid},
		{KindCollectionCase, domain.CasePending, EvEngage, domain.CaseInProgress},
		{KindCollectionCase, domain.CaseEscalated, EvResolve, domain.CaseResolved},
	}
	for _, tc := range cases {
		got, err := Apply(tc.kind, tc.from, tc.event)
		require.NoErrorf(t, err, "%s %s --%s-->", tc.kind, tc.from, tc.event)
		assert.Equal(t, tc.want, got)
	}
}

func TestApplyDeniesByDefault(t *testing.T) {
	cases := []struct {
		kind  Kind
		from  string
		event Event
	}{
		{KindBillingCycle, domain.CycleNotStarted, EvFinish},
		{KindBillingCycle, domain.CycleClosed, EvClose},
		{KindAssignment, domain.AssignmentValidated, EvStart},
		{KindAssignment, domain.AssignmentCancelled, EvStart},
		{KindAssignment, domain.AssignmentAssigned, EvFinish},
		{KindAssignment, domain.AssignmentFinished, EvPause},
		{KindPaymentPlan, domain.PlanCompleted, EvCancel},
		{KindInstallment, domain.InstallmentPaid, EvPay},
		{KindInstallment, domain.InstallmentCancelled, EvPay},
		{KindInstallment, domain.InstallmentPaid, EvMarkLate},
		{KindCollectionCase, domain.CaseResolved, EvEngage},
		{Kind("bogus"), "X", EvStart},
	}
	for _, tc := range cases {
		got, err := Apply(tc.kind, tc.from, tc.event)
		require.Errorf(t, err, "%s %s --%s--> should deny", tc.kind, tc.from, tc.event)
		assert.Equal(t, tc.from, got, "state must be unchanged on denial")
		var ite *InvalidTransitionError
		require.ErrorAs(t, err, &ite)
		assert.Equal(t, tc.from, ite.From)
	}
}

// Every state Apply can produce must belong to the kind's own table.
func TestApplyStaysInsideTable(t *testing.T) {
	events := []Event{
		EvStart, EvPause, EvResume, EvFinish, EvClose, EvReopen, EvCancel,
		EvValidate, EvEngage, EvResolve, EvEscalate, EvComplete, EvDefault,
		EvPay, EvMarkLate,
	}
	for _, kind := range []Kind{
		KindBillingCycle, KindRound, KindAssignment,
		KindCollectionCase, KindPaymentPlan, KindInstallment,
	} {
		known := map[string]bool{}
		for _, s := range States(kind) {
			known[s] = true
		}
		for s := range known {
			for _, ev := range events {
				got, err := Apply(kind, s, ev)
				if err != nil {
					assert.Equal(t, s, got)
					continue
				}
				assert.Truef(t, known[got], "%s: %s --%s--> %s leaves the table", kind, s, ev, got)
				assert.Truef(t, Can(kind, s, got), "Can must agree with Apply for %s %s->%s", kind, s, got)
			}
		}
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for kind, set := range terminals {
		for state := range set {
			for _, tr := range tables[kind] {
				assert.NotEqualf(t, state, tr.from, "%s: terminal state %s has an exit edge", kind, state)
			}
		}
	}
}
