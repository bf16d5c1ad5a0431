// Package status holds the per-entity transition tables. It is the single
// authority on which state changes are legal; lifecycles in internal/engine
// add the preconditions that depend on more than the pair of states.
package status

import (
	"fmt"

	"meterline/internal/domain"
)

// Kind identifies which transition table applies.
type Kind string

const (
	KindBillingCycle   Kind = "billing_cycle"
	KindRound          Kind = "round"
	KindAssignment     Kind = "assignment"
	KindCollectionCase Kind = "collection_case"
	KindPaymentPlan    Kind = "payment_plan"
	KindInstallment    Kind = "installment"
)

// Event names a requested transition.
type Event string

const (
	EvStart    Event = "start"
	EvPause    Event = "pause"
	EvResume   Event = "resume"
	EvFinish   Event = "finish"
	EvClose    Event = "close"
	EvReopen   Event = "reopen"
	EvCancel   Event = "cancel"
	EvValidate Event = "validate"
	EvEngage   Event = "engage"
	EvResolve  Event = "resolve"
	EvEscalate Event = "escalate"
	EvComplete Event = "complete"
	EvDefault  Event = "default"
	EvPay      Event = "pay"
	EvMarkLate Event = "mark_late"
)

type transition struct {
	from  string
	event Event
	to    string
}

// One row per allowed edge; everything absent is denied.
var tables = map[Kind][]transition{
	KindBillingCycle: {
		{domain.CycleNotStarted, EvStart, domain.CycleInProgress},
		{domain.CycleInProgress, EvFinish, domain.CycleFinished},
		{domain.CycleFinished, EvClose, domain.CycleClosed},
		{domain.CycleFinished, EvReopen, domain.CycleInProgress},
		{domain.CycleClosed, EvReopen, domain.CycleInProgress},
	},
	KindRound: {
		{domain.RoundPlanned, EvStart, domain.RoundInProgress},
		{domain.RoundInProgress, EvFinish, domain.RoundFinished},
		{domain.RoundFinished, EvClose, domain.RoundClosed},
		{domain.RoundFinished, EvReopen, domain.RoundInProgress},
		{domain.RoundClosed, EvReopen, domain.RoundInProgress},
	},
	KindAssignment: {
		{domain.AssignmentAssigned, EvStart, domain.AssignmentInProgress},
		{domain.AssignmentInProgress, EvPause, domain.AssignmentPaused},
		{domain.AssignmentPaused, EvResume, domain.AssignmentInProgress},
		{domain.AssignmentInProgress, EvFinish, domain.AssignmentFinished},
		{domain.AssignmentFinished, EvValidate, domain.AssignmentValidated},
		{domain.AssignmentAssigned, EvCancel, domain.AssignmentCancelled},
		{domain.AssignmentInProgress, EvCancel, domain.AssignmentCancelled},
		{domain.AssignmentPaused, EvCancel, domain.AssignmentCancelled},
		{domain.AssignmentFinished, EvCancel, domain.AssignmentCancelled},
	},
	KindCollectionCase: {
		{domain.CasePending, EvEngage, domain.CaseInProgress},
		{domain.CaseInProgress, EvResolve, domain.CaseResolved},
		{domain.CaseInProgress, EvEscalate, domain.CaseEscalated},
		{domain.CaseEscalated, EvResolve, domain.CaseResolved},
	},
	KindPaymentPlan: {
		{domain.PlanActive, EvComplete, domain.PlanCompleted},
		{domain.PlanActive, EvDefault, domain.PlanDefaulted},
		{domain.PlanActive, EvCancel, domain.PlanCancelled},
	},
	KindInstallment: {
		{domain.InstallmentPending, EvPay, domain.InstallmentPaid},
		{domain.InstallmentPending, EvMarkLate, domain.InstallmentLate},
		{domain.InstallmentLate, EvPay, domain.InstallmentPaid},
		{domain.InstallmentPending, EvCancel, domain.InstallmentCancelled},
		{domain.InstallmentLate, EvCancel, domain.InstallmentCancelled},
	},
}

// Terminal states per kind; no edges leave them.
var terminals = map[Kind]map[string]bool{
	KindBillingCycle:   {},
	KindRound:          {},
	KindAssignment:     {domain.AssignmentCancelled: true, domain.AssignmentValidated: true},
	KindCollectionCase: {domain.CaseResolved: true},
	KindPaymentPlan:    {domain.PlanCompleted: true, domain.PlanDefaulted: true, domain.PlanCancelled: true},
	KindInstallment:    {domain.InstallmentPaid: true, domain.InstallmentCancelled: true},
}

// InvalidTransitionError reports a denied edge with enough context for a
// caller-facing message.
type InvalidTransitionError struct {
	Kind  Kind
	From  string
	Event Event
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s on event %s", e.Kind, e.From, e.Event)
}

// Can reports whether the from→to edge exists in kind's table, regardless of
// which event names it.
func Can(kind Kind, from, to string) bool {
	for _, tr := range tables[kind] {
		if tr.from == from && tr.to == to {
			return true
		}
	}
	return false
}

// Apply resolves event against kind's table and returns the resulting state.
// Unknown kinds, states and events all deny.
func Apply(kind Kind, from string, event Event) (string, error) {
	for _, tr := range tables[kind] {
		if tr.from == from && tr.event == event {
			return tr.to, nil
		}
	}
	return from, &InvalidTransitionError{Kind: kind, From: from, Event: event}
}

// Terminal reports whether state is terminal for kind.
func Terminal(kind Kind, state string) bool {
	return terminals[kind][state]
}

// States returns every state mentioned by kind's table.
func States(kind Kind) []string {
	seen := map[string]bool{}
	var out []string
	for _, tr := range tables[kind] {
		for _, s := range []string{tr.from, tr.to} {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}
