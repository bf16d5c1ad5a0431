package server

import (
	"meterline/internal/domain"
)

type CreateCycleRequest struct {
	ID          *string `json:"id,omitempty"`
	Code        string  `json:"code"`
	Description *string `json:"description,omitempty"`
	AgencyCode  *string `json:"agency_code,omitempty"`
	FiscalYear  int     `json:"fiscal_year"`
	FiscalMonth int     `json:"fiscal_month"`
}

type CycleResponse struct {
	ID              string `json:"id"`
	Code            string `json:"code"`
	Description     string `json:"description,omitempty"`
	AgencyCode      string `json:"agency_code"`
	FiscalYear      int    `json:"fiscal_year"`
	FiscalMonth     int    `json:"fiscal_month"`
	Status          string `json:"status"`
	RoundCount      int    `json:"round_count"`
	ClientCount     int    `json:"client_count"`
	ReadClientCount int    `json:"read_client_count"`
	AnomalyCount    int    `json:"anomaly_count"`
	CompletionRate  string `json:"completion_rate"`
	Version         int64  `json:"version"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func cycleResponse(c domain.BillingCycle) CycleResponse {
	return CycleResponse{
		ID:              c.ID,
		Code:            c.Code,
		Description:     c.Description,
		AgencyCode:      c.AgencyCode,
		FiscalYear:      c.FiscalYear,
		FiscalMonth:     c.FiscalMonth,
		Status:          c.Status,
		RoundCount:      c.RoundCount,
		ClientCount:     c.ClientCount,
		ReadClientCount: c.ReadClientCount,
		AnomalyCount:    c.AnomalyCount,
		CompletionRate:  c.CompletionRate.String(),
		Version:         c.Version,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func mapCycles(items []domain.BillingCycle) []CycleResponse {
	res := make([]CycleResponse, 0, len(items))
	for _, c := range items {
		res = append(res, cycleResponse(c))
	}
	return res
}

type CreateRoundRequest struct {
	ID                  *string `json:"id,omitempty"`
	Code                string  `json:"code"`
	Label               string  `json:"label"`
	Zone                *string `json:"zone,omitempty"`
	Commune             *string `json:"commune,omitempty"`
	Quartier            *string `json:"quartier,omitempty"`
	EstimatedMeterCount int     `json:"estimated_meter_count,omitempty"`
	PriorityOrder       *int    `json:"priority_order,omitempty"`
}

type RoundResponse struct {
	ID                  string `json:"id"`
	Code                string `json:"code"`
	Label               string `json:"label"`
	CycleID             string `json:"cycle_id"`
	AgencyCode          string `json:"agency_code"`
	Zone                string `json:"zone,omitempty"`
	Commune             string `json:"commune,omitempty"`
	Quartier            string `json:"quartier,omitempty"`
	Status              string `json:"status"`
	EstimatedMeterCount int    `json:"estimated_meter_count"`
	PriorityOrder       *int   `json:"priority_order,omitempty"`
	TotalMeters         int    `json:"total_meters"`
	ReadMeters          int    `json:"read_meters"`
	AnomalyCount        int    `json:"anomaly_count"`
	CompletionRate      string `json:"completion_rate"`
	Observations        string `json:"observations,omitempty"`
	Version             int64  `json:"version"`
	CreatedAt           string `json:"created_at"`
	UpdatedAt           string `json:"updated_at"`
}

func roundResponse(rd domain.Round) RoundResponse {
	return RoundResponse{
		ID:                  rd.ID,
		Code:                rd.Code,
		Label:               rd.Label,
		CycleID:             rd.CycleID,
		AgencyCode:          rd.AgencyCode,
		Zone:                rd.Zone,
		Commune:             rd.Commune,
		Quartier:            rd.Quartier,
		Status:              rd.Status,
		EstimatedMeterCount: rd.EstimatedMeterCount,
		PriorityOrder:       rd.PriorityOrder,
		TotalMeters:         rd.TotalMeters,
		ReadMeters:          rd.ReadMeters,
		AnomalyCount:        rd.AnomalyCount,
		CompletionRate:      rd.CompletionRate.String(),
		Observations:        rd.Observations,
		Version:             rd.Version,
		CreatedAt:           rd.CreatedAt,
		UpdatedAt:           rd.UpdatedAt,
	}
}

func mapRounds(items []domain.Round) []RoundResponse {
	res := make([]RoundResponse, 0, len(items))
	for _, rd := range items {
		res = append(res, roundResponse(rd))
	}
	return res
}

type AttachMetersRequest struct {
	Meters []AttachMeterItem `json:"meters"`
}

type AttachMeterItem struct {
	MeterID     string  `json:"meter_id"`
	MeterNumber *string `json:"meter_number,omitempty"`
}

type MeterResponse struct {
	ID          string   `json:"id"`
	RoundID     string   `json:"round_id"`
	MeterID     string   `json:"meter_id"`
	MeterNumber string   `json:"meter_number,omitempty"`
	PassOrder   int      `json:"pass_order"`
	IsRead      bool     `json:"is_read"`
	HasAnomaly  bool     `json:"has_anomaly"`
	ReadAt      *string  `json:"read_at,omitempty"`
	ReadBy      string   `json:"read_by,omitempty"`
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
}

func meterResponse(m domain.MeterAttachment) MeterResponse {
	return MeterResponse{
		ID:          m.ID,
		RoundID:     m.RoundID,
		MeterID:     m.MeterID,
		MeterNumber: m.MeterNumber,
		PassOrder:   m.PassOrder,
		IsRead:      m.IsRead,
		HasAnomaly:  m.HasAnomaly,
		ReadAt:      m.ReadAt,
		ReadBy:      m.ReadBy,
		Latitude:    m.Latitude,
		Longitude:   m.Longitude,
	}
}

func mapMeters(items []domain.MeterAttachment) []MeterResponse {
	res := make([]MeterResponse, 0, len(items))
	for _, m := range items {
		res = append(res, meterResponse(m))
	}
	return res
}

type ReadingRequest struct {
	MeterID   string   `json:"meter_id"`
	Anomaly   bool     `json:"anomaly,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type AssignRequest struct {
	AgentID string `json:"agent_id"`
}

type AssignmentActionRequest struct {
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	Observations *string  `json:"observations,omitempty"`
	Reason       *string  `json:"reason,omitempty"`
}

type AssignmentResponse struct {
	ID             string   `json:"id"`
	RoundID        string   `json:"round_id"`
	AgentID        string   `json:"agent_id"`
	AssignedBy     string   `json:"assigned_by,omitempty"`
	Status         string   `json:"status"`
	AssignedAt     string   `json:"assigned_at"`
	StartedAt      *string  `json:"started_at,omitempty"`
	PausedAt       *string  `json:"paused_at,omitempty"`
	FinishedAt     *string  `json:"finished_at,omitempty"`
	ValidatedAt    *string  `json:"validated_at,omitempty"`
	CancelReason   string   `json:"cancel_reason,omitempty"`
	TotalMeters    int      `json:"total_meters"`
	ReadMeters     int      `json:"read_meters"`
	AnomalyCount   int      `json:"anomaly_count"`
	CompletionRate string   `json:"completion_rate"`
	StartLatitude  *float64 `json:"start_latitude,omitempty"`
	StartLongitude *float64 `json:"start_longitude,omitempty"`
	EndLatitude    *float64 `json:"end_latitude,omitempty"`
	EndLongitude   *float64 `json:"end_longitude,omitempty"`
	Observations   string   `json:"observations,omitempty"`
	Version        int64    `json:"version"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
}

func assignmentResponse(a domain.Assignment) AssignmentResponse {
	return AssignmentResponse{
		ID:             a.ID,
		RoundID:        a.RoundID,
		AgentID:        a.AgentID,
		AssignedBy:     a.AssignedBy,
		Status:         a.Status,
		AssignedAt:     a.AssignedAt,
		StartedAt:      a.StartedAt,
		PausedAt:       a.PausedAt,
		FinishedAt:     a.FinishedAt,
		ValidatedAt:    a.ValidatedAt,
		CancelReason:   a.CancelReason,
		TotalMeters:    a.TotalMeters,
		ReadMeters:     a.ReadMeters,
		AnomalyCount:   a.AnomalyCount,
		CompletionRate: a.CompletionRate.String(),
		StartLatitude:  a.StartLatitude,
		StartLongitude: a.StartLongitude,
		EndLatitude:    a.EndLatitude,
		EndLongitude:   a.EndLongitude,
		Observations:   a.Observations,
		Version:        a.Version,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func mapAssignments(items []domain.Assignment) []AssignmentResponse {
	res := make([]AssignmentResponse, 0, len(items))
	for _, a := range items {
		res = append(res, assignmentResponse(a))
	}
	return res
}

type OpenCaseRequest struct {
	ID          *string `json:"id,omitempty"`
	ClientID    string  `json:"client_id"`
	ClientName  *string `json:"client_name,omitempty"`
	ContractRef string  `json:"contract_ref"`
	AgencyCode  *string `json:"agency_code,omitempty"`
	AgentID     *string `json:"agent_id,omitempty"`
	AmountDue   string  `json:"amount_due"`
}

type CaseResponse struct {
	ID              string `json:"id"`
	ClientID        string `json:"client_id"`
	ClientName      string `json:"client_name,omitempty"`
	ContractRef     string `json:"contract_ref"`
	AgencyCode      string `json:"agency_code"`
	AgentID         string `json:"agent_id,omitempty"`
	AmountDue       string `json:"amount_due"`
	AmountCollected string `json:"amount_collected"`
	Status          string `json:"status"`
	HasPaymentPlan  bool   `json:"has_payment_plan"`
	Version         int64  `json:"version"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func caseResponse(c domain.CollectionCase) CaseResponse {
	return CaseResponse{
		ID:              c.ID,
		ClientID:        c.ClientID,
		ClientName:      c.ClientName,
		ContractRef:     c.ContractRef,
		AgencyCode:      c.AgencyCode,
		AgentID:         c.AgentID,
		AmountDue:       c.AmountDue.String(),
		AmountCollected: c.AmountCollected.String(),
		Status:          c.Status,
		HasPaymentPlan:  c.HasPaymentPlan,
		Version:         c.Version,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

func mapCases(items []domain.CollectionCase) []CaseResponse {
	res := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		res = append(res, caseResponse(c))
	}
	return res
}

type RecordActionRequest struct {
	AgentID      string   `json:"agent_id"`
	Type         string   `json:"type" enum:"PAYMENT,VISIT,METER_CUT,METER_REMOVED,PROMISE"`
	Amount       *string  `json:"amount,omitempty"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	Observations *string  `json:"observations,omitempty"`
}

type ActionResponse struct {
	ID           string   `json:"id"`
	CaseID       string   `json:"case_id"`
	AgentID      string   `json:"agent_id"`
	Type         string   `json:"type"`
	Amount       string   `json:"amount"`
	ActionDate   string   `json:"action_date"`
	Latitude     *float64 `json:"latitude,omitempty"`
	Longitude    *float64 `json:"longitude,omitempty"`
	Observations string   `json:"observations,omitempty"`
}

func actionResponse(a domain.CollectionAction) ActionResponse {
	return ActionResponse{
		ID:           a.ID,
		CaseID:       a.CaseID,
		AgentID:      a.AgentID,
		Type:         a.Type,
		Amount:       a.Amount.String(),
		ActionDate:   a.ActionDate,
		Latitude:     a.Latitude,
		Longitude:    a.Longitude,
		Observations: a.Observations,
	}
}

func mapActions(items []domain.CollectionAction) []ActionResponse {
	res := make([]ActionResponse, 0, len(items))
	for _, a := range items {
		res = append(res, actionResponse(a))
	}
	return res
}

type CreatePlanRequest struct {
	TotalAmount       string  `json:"total_amount"`
	InitialPercentage *string `json:"initial_percentage,omitempty"`
	InstallmentCount  int     `json:"installment_count"`
	StartDate         string  `json:"start_date"`
	GrantedBy         *string `json:"granted_by,omitempty"`
	Observations      *string `json:"observations,omitempty"`
}

type PlanResponse struct {
	ID                   string `json:"id"`
	CaseID               string `json:"case_id"`
	TotalAmount          string `json:"total_amount"`
	InitialPercentage    string `json:"initial_percentage"`
	InitialAmountPaid    string `json:"initial_amount_paid"`
	RemainingAmount      string `json:"remaining_amount"`
	InstallmentCount     int    `json:"installment_count"`
	PaidInstallmentCount int    `json:"paid_installment_count"`
	CompletionRate       string `json:"completion_rate"`
	StartDate            string `json:"start_date"`
	EndDate              string `json:"end_date"`
	Status               string `json:"status"`
	GrantedBy            string `json:"granted_by,omitempty"`
	Observations         string `json:"observations,omitempty"`
	Version              int64  `json:"version"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

func planResponse(p domain.PaymentPlan) PlanResponse {
	return PlanResponse{
		ID:                   p.ID,
		CaseID:               p.CaseID,
		TotalAmount:          p.TotalAmount.String(),
		InitialPercentage:    p.InitialPercentage.String(),
		InitialAmountPaid:    p.InitialAmountPaid.String(),
		RemainingAmount:      p.RemainingAmount.String(),
		InstallmentCount:     p.InstallmentCount,
		PaidInstallmentCount: p.PaidInstallmentCount,
		CompletionRate:       p.CompletionRate.String(),
		StartDate:            p.StartDate,
		EndDate:              p.EndDate,
		Status:               p.Status,
		GrantedBy:            p.GrantedBy,
		Observations:         p.Observations,
		Version:              p.Version,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
	}
}

type PayInstallmentRequest struct {
	AmountPaid  string  `json:"amount_paid"`
	PaidDate    *string `json:"paid_date,omitempty"`
	ReceiptRef  *string `json:"receipt_ref,omitempty"`
	PaymentMode *string `json:"payment_mode,omitempty"`
	PaidBy      *string `json:"paid_by,omitempty"`
}

type InstallmentResponse struct {
	ID          string  `json:"id"`
	PlanID      string  `json:"plan_id"`
	Sequence    int     `json:"sequence"`
	AmountDue   string  `json:"amount_due"`
	AmountPaid  *string `json:"amount_paid,omitempty"`
	DueDate     string  `json:"due_date"`
	PaidDate    *string `json:"paid_date,omitempty"`
	Status      string  `json:"status"`
	IsLate      bool    `json:"is_late"`
	DaysLate    int     `json:"days_late"`
	PaidBy      string  `json:"paid_by,omitempty"`
	ReceiptRef  string  `json:"receipt_ref,omitempty"`
	PaymentMode string  `json:"payment_mode,omitempty"`
	Version     int64   `json:"version"`
}

func installmentResponse(ins domain.Installment) InstallmentResponse {
	resp := InstallmentResponse{
		ID:          ins.ID,
		PlanID:      ins.PlanID,
		Sequence:    ins.Sequence,
		AmountDue:   ins.AmountDue.String(),
		DueDate:     ins.DueDate,
		PaidDate:    ins.PaidDate,
		Status:      ins.Status,
		IsLate:      ins.IsLate,
		DaysLate:    ins.DaysLate,
		PaidBy:      ins.PaidBy,
		ReceiptRef:  ins.ReceiptRef,
		PaymentMode: ins.PaymentMode,
		Version:     ins.Version,
	}
	if ins.AmountPaid != nil {
		s := ins.AmountPaid.String()
		resp.AmountPaid = &s
	}
	return resp
}

func mapInstallments(items []domain.Installment) []InstallmentResponse {
	res := make([]InstallmentResponse, 0, len(items))
	for _, ins := range items {
		res = append(res, installmentResponse(ins))
	}
	return res
}

type SweepRequest struct {
	AsOf string `json:"as_of"`
}

type SweepResponse struct {
	Transitioned int `json:"transitioned"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	AgencyCode string `json:"agency_code,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		AgencyCode: e.AgencyCode,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    e.Payload,
	}
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedCycles struct {
	Items      []CycleResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedRounds struct {
	Items      []RoundResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedAssignments struct {
	Items      []AssignmentResponse `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type paginatedCases struct {
	Items      []CaseResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string  `json:"actor_id"`
	Name    *string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

type CreateAgentRequest struct {
	Badge  string  `json:"badge"`
	Name   string  `json:"name"`
	Role   string  `json:"role" enum:"agent,supervisor,admin"`
	Agency *string `json:"agency_code,omitempty"`
}

type AgentResponse struct {
	ID        string `json:"id"`
	Badge     string `json:"badge"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Agency    string `json:"agency_code"`
	CreatedAt string `json:"created_at"`
}

func agentResponse(a domain.Agent) AgentResponse {
	return AgentResponse{
		ID:        a.ID,
		Badge:     a.Badge,
		Name:      a.Name,
		Role:      a.Role,
		Agency:    a.Agency,
		CreatedAt: a.CreatedAt,
	}
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}

func nonNilSlice(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
