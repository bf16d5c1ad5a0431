package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"meterline/internal/domain"
)

// Event types fanned out to collaborators (notifications, statistics).
const (
	TypeCycleCreated      = "billing_cycle.created"
	TypeCycleStateChanged = "billing_cycle.state_changed"
	TypeRoundCreated      = "round.created"
	TypeRoundStateChanged = "round.state_changed"
	TypeRoundCompletion   = "round.completion_changed"
	TypeAssignmentCreated = "assignment.created"
	TypeAssignmentChanged = "assignment.state_changed"
	TypeMeterRead         = "meter.read"
	TypeMeterUnread       = "meter.unread"
	TypeCaseOpened        = "collection_case.opened"
	TypeCaseStateChanged  = "collection_case.state_changed"
	TypeCaseAction        = "collection_case.action_recorded"
	TypePlanCreated       = "payment_plan.created"
	TypePlanStateChanged  = "payment_plan.state_changed"
	TypeInstallmentPaid   = "installment.paid"
	TypeInstallmentLate   = "installment.late"
	TypeInstallmentState  = "installment.state_changed"
)

// Writer appends journal rows inside the mutation's own transaction so an
// entity change and its event commit or roll back together.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// StateChange is the conventional payload for *.state_changed events.
func StateChange(from, to string) EventPayload {
	return EventPayload{"from": from, "to": to}
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, agencyCode, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,agency_code,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(agencyCode), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// Subscriber receives committed events. Handlers must not block; slow
// consumers should copy and hand off.
type Subscriber func(evt domain.Event)

// Notifier fans committed events out to in-process subscribers. Webhook
// delivery to external collaborators polls the journal instead (see
// internal/server), so a crashed process never loses a delivery.
type Notifier struct {
	mu   sync.RWMutex
	subs []Subscriber
}

func (n *Notifier) Subscribe(s Subscriber) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = append(n.subs, s)
}

// Publish delivers evt to every subscriber. Call only after the owning
// transaction committed.
func (n *Notifier) Publish(evt domain.Event) {
	n.mu.RLock()
	subs := n.subs
	n.mu.RUnlock()
	for _, s := range subs {
		s(evt)
	}
}
