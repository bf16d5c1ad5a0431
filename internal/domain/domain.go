package domain

import "github.com/shopspring/decimal"

// Billing cycle (groupe de facturation) states.
const (
	CycleNotStarted = "NOT_STARTED"
	CycleInProgress = "IN_PROGRESS"
	CycleFinished   = "FINISHED"
	CycleClosed     = "CLOSED"
)

// Round (tournée) states.
const (
	RoundPlanned    = "PLANNED"
	RoundInProgress = "IN_PROGRESS"
	RoundFinished   = "FINISHED"
	RoundClosed     = "CLOSED"
)

// Assignment (affectation) states.
const (
	AssignmentAssigned   = "ASSIGNED"
	AssignmentInProgress = "IN_PROGRESS"
	AssignmentPaused     = "PAUSED"
	AssignmentFinished   = "FINISHED"
	AssignmentCancelled  = "CANCELLED"
	AssignmentValidated  = "VALIDATED"
)

// Collection case (recouvrement) states.
const (
	CasePending    = "PENDING"
	CaseInProgress = "IN_PROGRESS"
	CaseResolved   = "RESOLVED"
	CaseEscalated  = "ESCALATED"
)

// Payment plan (moratoire) states.
const (
	PlanActive    = "ACTIVE"
	PlanCompleted = "COMPLETED"
	PlanDefaulted = "DEFAULTED"
	PlanCancelled = "CANCELLED"
)

// Installment (échéance) states.
const (
	InstallmentPending   = "PENDING"
	InstallmentPaid      = "PAID"
	InstallmentLate      = "LATE"
	InstallmentCancelled = "CANCELLED"
)

// Collection action types recorded against a case.
const (
	ActionPayment      = "PAYMENT"
	ActionVisit        = "VISIT"
	ActionMeterCut     = "METER_CUT"
	ActionMeterRemoved = "METER_REMOVED"
	ActionPromise      = "PROMISE"
)

// BillingCycle groups the rounds of one billing period for one agency.
// Count and rate fields are recomputed from child rounds, never hand-written.
type BillingCycle struct {
	ID              string          `json:"id"`
	Code            string          `json:"code"`
	Description     string          `json:"description,omitempty"`
	AgencyCode      string          `json:"agency_code"`
	FiscalYear      int             `json:"fiscal_year"`
	FiscalMonth     int             `json:"fiscal_month"`
	Status          string          `json:"status" enum:"NOT_STARTED,IN_PROGRESS,FINISHED,CLOSED"`
	RoundCount      int             `json:"round_count"`
	ClientCount     int             `json:"client_count"`
	ReadClientCount int             `json:"read_client_count"`
	AnomalyCount    int             `json:"anomaly_count"`
	CompletionRate  decimal.Decimal `json:"completion_rate"`
	Version         int64           `json:"version"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
}

// Round is a geographically scoped set of meters read together.
type Round struct {
	ID                  string          `json:"id"`
	Code                string          `json:"code"`
	Label               string          `json:"label"`
	CycleID             string          `json:"cycle_id"`
	AgencyCode          string          `json:"agency_code"`
	Zone                string          `json:"zone,omitempty"`
	Commune             string          `json:"commune,omitempty"`
	Quartier            string          `json:"quartier,omitempty"`
	Status              string          `json:"status" enum:"PLANNED,IN_PROGRESS,FINISHED,CLOSED"`
	EstimatedMeterCount int             `json:"estimated_meter_count"`
	PriorityOrder       *int            `json:"priority_order,omitempty"`
	TotalMeters         int             `json:"total_meters"`
	ReadMeters          int             `json:"read_meters"`
	AnomalyCount        int             `json:"anomaly_count"`
	CompletionRate      decimal.Decimal `json:"completion_rate"`
	Observations        string          `json:"observations,omitempty"`
	Version             int64           `json:"version"`
	CreatedAt           string          `json:"created_at" format:"date-time"`
	UpdatedAt           string          `json:"updated_at" format:"date-time"`
}

// Assignment binds one field agent to one round for one execution.
// The snapshot fields are frozen when the assignment finishes.
type Assignment struct {
	ID             string          `json:"id"`
	RoundID        string          `json:"round_id"`
	AgentID        string          `json:"agent_id"`
	AssignedBy     string          `json:"assigned_by,omitempty"`
	Status         string          `json:"status" enum:"ASSIGNED,IN_PROGRESS,PAUSED,FINISHED,CANCELLED,VALIDATED"`
	AssignedAt     string          `json:"assigned_at" format:"date-time"`
	StartedAt      *string         `json:"started_at,omitempty" format:"date-time"`
	PausedAt       *string         `json:"paused_at,omitempty" format:"date-time"`
	FinishedAt     *string         `json:"finished_at,omitempty" format:"date-time"`
	ValidatedAt    *string         `json:"validated_at,omitempty" format:"date-time"`
	CancelReason   string          `json:"cancel_reason,omitempty"`
	TotalMeters    int             `json:"total_meters"`
	ReadMeters     int             `json:"read_meters"`
	AnomalyCount   int             `json:"anomaly_count"`
	CompletionRate decimal.Decimal `json:"completion_rate"`
	StartLatitude  *float64        `json:"start_latitude,omitempty"`
	StartLongitude *float64        `json:"start_longitude,omitempty"`
	EndLatitude    *float64        `json:"end_latitude,omitempty"`
	EndLongitude   *float64        `json:"end_longitude,omitempty"`
	Observations   string          `json:"observations,omitempty"`
	Version        int64           `json:"version"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

// ActiveAssignmentStatus reports whether s counts against the
// one-active-assignment-per-round invariant.
func ActiveAssignmentStatus(s string) bool {
	return s == AssignmentAssigned || s == AssignmentInProgress || s == AssignmentPaused
}

// MeterAttachment links a meter to a round with its reading facts.
// Leaf record: written per reading event, never derived.
type MeterAttachment struct {
	ID          string   `json:"id"`
	RoundID     string   `json:"round_id"`
	MeterID     string   `json:"meter_id"`
	MeterNumber string   `json:"meter_number,omitempty"`
	PassOrder   int      `json:"pass_order"`
	IsRead      bool     `json:"is_read"`
	HasAnomaly  bool     `json:"has_anomaly"`
	ReadAt      *string  `json:"read_at,omitempty" format:"date-time"`
	ReadBy      string   `json:"read_by,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

// CollectionCase is a debt-collection file opened against a client.
type CollectionCase struct {
	ID              string          `json:"id"`
	ClientID        string          `json:"client_id"`
	ClientName      string          `json:"client_name,omitempty"`
	ContractRef     string          `json:"contract_ref"`
	AgencyCode      string          `json:"agency_code"`
	AgentID         string          `json:"agent_id,omitempty"`
	AmountDue       decimal.Decimal `json:"amount_due"`
	AmountCollected decimal.Decimal `json:"amount_collected"`
	Status          string          `json:"status" enum:"PENDING,IN_PROGRESS,RESOLVED,ESCALATED"`
	HasPaymentPlan  bool            `json:"has_payment_plan"`
	Version         int64           `json:"version"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
}

// CollectionAction is a field action recorded against a case.
type CollectionAction struct {
	ID           string          `json:"id"`
	CaseID       string          `json:"case_id"`
	AgentID      string          `json:"agent_id"`
	Type         string          `json:"type" enum:"PAYMENT,VISIT,METER_CUT,METER_REMOVED,PROMISE"`
	Amount       decimal.Decimal `json:"amount"`
	ActionDate   string          `json:"action_date" format:"date-time"`
	Latitude     *float64        `json:"latitude,omitempty"`
	Longitude    *float64        `json:"longitude,omitempty"`
	Observations string          `json:"observations,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
}

// PaymentPlan (moratoire) settles a collection case in installments.
type PaymentPlan struct {
	ID                   string          `json:"id"`
	CaseID               string          `json:"case_id"`
	TotalAmount          decimal.Decimal `json:"total_amount"`
	InitialPercentage    decimal.Decimal `json:"initial_percentage"`
	InitialAmountPaid    decimal.Decimal `json:"initial_amount_paid"`
	RemainingAmount      decimal.Decimal `json:"remaining_amount"`
	InstallmentCount     int             `json:"installment_count"`
	PaidInstallmentCount int             `json:"paid_installment_count"`
	CompletionRate       decimal.Decimal `json:"completion_rate"`
	StartDate            string          `json:"start_date" format:"date"`
	EndDate              string          `json:"end_date" format:"date"`
	Status               string          `json:"status" enum:"ACTIVE,COMPLETED,DEFAULTED,CANCELLED"`
	GrantedBy            string          `json:"granted_by,omitempty"`
	Observations         string          `json:"observations,omitempty"`
	Version              int64           `json:"version"`
	CreatedAt            string          `json:"created_at" format:"date-time"`
	UpdatedAt            string          `json:"updated_at" format:"date-time"`
}

// Installment is one scheduled payment within a plan. Sequence numbers are
// contiguous starting at 1 and the amounts due sum to the plan total minus
// the initial payment.
type Installment struct {
	ID           string           `json:"id"`
	PlanID       string           `json:"plan_id"`
	Sequence     int              `json:"sequence"`
	AmountDue    decimal.Decimal  `json:"amount_due"`
	AmountPaid   *decimal.Decimal `json:"amount_paid,omitempty"`
	DueDate      string           `json:"due_date" format:"date"`
	PaidDate     *string          `json:"paid_date,omitempty" format:"date"`
	Status       string           `json:"status" enum:"PENDING,PAID,LATE,CANCELLED"`
	IsLate       bool             `json:"is_late"`
	DaysLate     int              `json:"days_late"`
	PaidBy       string           `json:"paid_by,omitempty"`
	ReceiptRef   string           `json:"receipt_ref,omitempty"`
	PaymentMode  string           `json:"payment_mode,omitempty"`
	Observations string           `json:"observations,omitempty"`
	Version      int64            `json:"version"`
	CreatedAt    string           `json:"created_at" format:"date-time"`
	UpdatedAt    string           `json:"updated_at" format:"date-time"`
}

// Event is one entry of the append-only state-change journal.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AgencyCode string `json:"agency_code,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIKey authenticates an external collaborator (dispatch, payment capture, ...).
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Agent is a roster entry; dispatch and validation are gated on the role.
type Agent struct {
	ID        string `json:"id"`
	Badge     string `json:"badge"`
	Name      string `json:"name"`
	Role      string `json:"role" enum:"agent,supervisor,admin"`
	Agency    string `json:"agency_code"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
