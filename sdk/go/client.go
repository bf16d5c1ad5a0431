package meterlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Meterline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Cycle represents the API billing cycle model (partial).
type Cycle struct {
	ID             string `json:"id"`
	Code           string `json:"code"`
	AgencyCode     string `json:"agency_code"`
	FiscalYear     int    `json:"fiscal_year"`
	FiscalMonth    int    `json:"fiscal_month"`
	Status         string `json:"status"`
	RoundCount     int    `json:"round_count"`
	ClientCount    int    `json:"client_count"`
	ReadClients    int    `json:"read_client_count"`
	CompletionRate string `json:"completion_rate"`
}

// Round represents the API round model (partial).
type Round struct {
	ID             string `json:"id"`
	Code           string `json:"code"`
	Label          string `json:"label"`
	CycleID        string `json:"cycle_id"`
	Status         string `json:"status"`
	TotalMeters    int    `json:"total_meters"`
	ReadMeters     int    `json:"read_meters"`
	AnomalyCount   int    `json:"anomaly_count"`
	CompletionRate string `json:"completion_rate"`
}

// Assignment represents the API assignment model (partial).
type Assignment struct {
	ID          string `json:"id"`
	RoundID     string `json:"round_id"`
	AgentID     string `json:"agent_id"`
	Status      string `json:"status"`
	TotalMeters int    `json:"total_meters"`
	ReadMeters  int    `json:"read_meters"`
}

// Case represents the API collection case model (partial).
type Case struct {
	ID              string `json:"id"`
	ClientID        string `json:"client_id"`
	ContractRef     string `json:"contract_ref"`
	Status          string `json:"status"`
	AmountDue       string `json:"amount_due"`
	AmountCollected string `json:"amount_collected"`
	HasPaymentPlan  bool   `json:"has_payment_plan"`
}

// Plan represents the API payment plan model (partial).
type Plan struct {
	ID               string `json:"id"`
	CaseID           string `json:"case_id"`
	TotalAmount      string `json:"total_amount"`
	RemainingAmount  string `json:"remaining_amount"`
	InstallmentCount int    `json:"installment_count"`
	Status           string `json:"status"`
	StartDate        string `json:"start_date"`
	EndDate          string `json:"end_date"`
}

// Installment represents one scheduled payment.
type Installment struct {
	ID        string `json:"id"`
	PlanID    string `json:"plan_id"`
	Sequence  int    `json:"sequence"`
	AmountDue string `json:"amount_due"`
	DueDate   string `json:"due_date"`
	Status    string `json:"status"`
	DaysLate  int    `json:"days_late"`
}

// Event represents a journal entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	AgencyCode string         `json:"agency_code"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps event listings with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateCycle creates a billing cycle.
func (c *Client) CreateCycle(ctx context.Context, code string, fiscalYear, fiscalMonth int) (Cycle, error) {
	body := map[string]any{
		"code":         code,
		"fiscal_year":  fiscalYear,
		"fiscal_month": fiscalMonth,
	}
	var resp Cycle
	err := c.do(ctx, http.MethodPost, "v1/cycles", body, &resp)
	return resp, err
}

// GetCycle fetches a cycle by id.
func (c *Client) GetCycle(ctx context.Context, id string) (Cycle, error) {
	var resp Cycle
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v1/cycles/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// CycleAction applies a lifecycle verb (start, finish, close, reopen, recompute).
func (c *Client) CycleAction(ctx context.Context, id, verb string) (Cycle, error) {
	var resp Cycle
	endpoint := fmt.Sprintf("v1/cycles/%s/%s", url.PathEscape(id), url.PathEscape(verb))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CreateRound creates a round inside a cycle.
func (c *Client) CreateRound(ctx context.Context, cycleID, code, label string) (Round, error) {
	body := map[string]any{
		"code":  code,
		"label": label,
	}
	var resp Round
	endpoint := fmt.Sprintf("v1/cycles/%s/rounds", url.PathEscape(cycleID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RoundAction applies a lifecycle verb (start, finish, close, reopen, recompute).
func (c *Client) RoundAction(ctx context.Context, id, verb string) (Round, error) {
	var resp Round
	endpoint := fmt.Sprintf("v1/rounds/%s/%s", url.PathEscape(id), url.PathEscape(verb))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// AttachMeters attaches meters to a round. Each entry maps a meter id to an
// optional meter number; pass "" to skip the number.
func (c *Client) AttachMeters(ctx context.Context, roundID string, meters map[string]string) (int, error) {
	items := make([]map[string]any, 0, len(meters))
	for id, number := range meters {
		item := map[string]any{"meter_id": id}
		if number != "" {
			item["meter_number"] = number
		}
		items = append(items, item)
	}
	var resp struct {
		Items []json.RawMessage `json:"items"`
	}
	endpoint := fmt.Sprintf("v1/rounds/%s/meters", url.PathEscape(roundID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"meters": items}, &resp)
	return len(resp.Items), err
}

// RecordReading records a reading fact for a meter on a round.
func (c *Client) RecordReading(ctx context.Context, roundID, meterID string, anomaly bool) (Round, error) {
	body := map[string]any{
		"meter_id": meterID,
		"anomaly":  anomaly,
	}
	var resp Round
	endpoint := fmt.Sprintf("v1/rounds/%s/readings", url.PathEscape(roundID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Assign puts an agent on a round.
func (c *Client) Assign(ctx context.Context, roundID, agentID string) (Assignment, error) {
	body := map[string]any{"agent_id": agentID}
	var resp Assignment
	endpoint := fmt.Sprintf("v1/rounds/%s/assignments", url.PathEscape(roundID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AssignmentAction applies a lifecycle verb (start, pause, resume, finish,
// cancel, validate).
func (c *Client) AssignmentAction(ctx context.Context, id, verb string) (Assignment, error) {
	var resp Assignment
	endpoint := fmt.Sprintf("v1/assignments/%s/%s", url.PathEscape(id), url.PathEscape(verb))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// OpenCase opens a collection case. amountDue is a decimal string.
func (c *Client) OpenCase(ctx context.Context, clientID, contractRef, amountDue string) (Case, error) {
	body := map[string]any{
		"client_id":    clientID,
		"contract_ref": contractRef,
		"amount_due":   amountDue,
	}
	var resp Case
	err := c.do(ctx, http.MethodPost, "v1/cases", body, &resp)
	return resp, err
}

// CaseAction applies a lifecycle verb (engage, resolve, escalate).
func (c *Client) CaseAction(ctx context.Context, id, verb string) (Case, error) {
	var resp Case
	endpoint := fmt.Sprintf("v1/cases/%s/%s", url.PathEscape(id), url.PathEscape(verb))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// RecordAction records a field action against a case. amount is a decimal
// string; pass "" for non-payment actions.
func (c *Client) RecordAction(ctx context.Context, caseID, agentID, actionType, amount string) error {
	body := map[string]any{
		"agent_id": agentID,
		"type":     actionType,
	}
	if amount != "" {
		body["amount"] = amount
	}
	endpoint := fmt.Sprintf("v1/cases/%s/actions", url.PathEscape(caseID))
	return c.do(ctx, http.MethodPost, endpoint, body, nil)
}

// CreatePlan grants a payment plan on a case. totalAmount is a decimal
// string; startDate is YYYY-MM-DD.
func (c *Client) CreatePlan(ctx context.Context, caseID, totalAmount string, installmentCount int, startDate string) (Plan, error) {
	body := map[string]any{
		"total_amount":      totalAmount,
		"installment_count": installmentCount,
		"start_date":        startDate,
	}
	var resp Plan
	endpoint := fmt.Sprintf("v1/cases/%s/plans", url.PathEscape(caseID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// ListInstallments returns a plan's installments in sequence order.
func (c *Client) ListInstallments(ctx context.Context, planID string) ([]Installment, error) {
	var resp struct {
		Items []Installment `json:"items"`
	}
	endpoint := fmt.Sprintf("v1/plans/%s/installments", url.PathEscape(planID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// PayInstallment settles an installment. amountPaid is a decimal string.
func (c *Client) PayInstallment(ctx context.Context, installmentID, amountPaid string) (Installment, error) {
	body := map[string]any{"amount_paid": amountPaid}
	var resp Installment
	endpoint := fmt.Sprintf("v1/installments/%s/pay", url.PathEscape(installmentID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Sweep marks overdue installments LATE as of the given date (YYYY-MM-DD,
// "" for today) and returns the number transitioned.
func (c *Client) Sweep(ctx context.Context, asOf string) (int, error) {
	body := map[string]any{}
	if asOf != "" {
		body["as_of"] = asOf
	}
	var resp struct {
		Transitioned int `json:"transitioned"`
	}
	err := c.do(ctx, http.MethodPost, "v1/collection/sweep", body, &resp)
	return resp.Transitioned, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v1/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
