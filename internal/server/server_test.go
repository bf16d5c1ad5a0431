package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"

	"meterline/internal/config"
	"meterline/internal/db"
	"meterline/internal/engine"
	"meterline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("AG01")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if err := e.Repo.UpsertAgencyConfig(context.Background(), cfg.Agency.Code, cfg); err != nil {
		t.Fatalf("seed agency config: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{
		JWTSecret:              "test-secret",
		AllowLegacyActorHeader: true,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func mustCreateRound(t *testing.T, srv *testServer) (cycleID, roundID string) {
	t.Helper()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cycles", map[string]any{
		"code":         "2026-03",
		"fiscal_year":  2026,
		"fiscal_month": 3,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create cycle status %d: %s", res.StatusCode, string(data))
	}
	var cycle CycleResponse
	if err := json.Unmarshal(data, &cycle); err != nil {
		t.Fatalf("unmarshal cycle: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cycles/"+cycle.ID+"/rounds", map[string]any{
		"code":  "T-001",
		"label": "Centre ville",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create round status %d: %s", res.StatusCode, string(data))
	}
	var round RoundResponse
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal round: %v", err)
	}
	return cycle.ID, round.ID
}

func TestMeteringProgressRollsUp(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	cycleID, roundID := mustCreateRound(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/rounds/"+roundID+"/meters", map[string]any{
		"meters": []map[string]any{
			{"meter_id": "M-1", "meter_number": "C-100"},
			{"meter_id": "M-2"},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("attach meters status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cycles/"+cycleID+"/start", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start cycle status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rounds/"+roundID+"/start", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start round status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rounds/"+roundID+"/readings", map[string]any{
		"meter_id": "M-1",
		"anomaly":  true,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("record reading status %d: %s", res.StatusCode, string(data))
	}
	var round RoundResponse
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal round: %v", err)
	}
	if round.ReadMeters != 1 || round.TotalMeters != 2 {
		t.Fatalf("expected 1/2 read, got %d/%d", round.ReadMeters, round.TotalMeters)
	}
	if round.AnomalyCount != 1 {
		t.Fatalf("expected 1 anomaly, got %d", round.AnomalyCount)
	}
	rate, err := decimal.NewFromString(round.CompletionRate)
	if err != nil {
		t.Fatalf("parse rate: %v", err)
	}
	if !rate.Equal(decimal.NewFromFloat(0.5)) {
		t.Fatalf("expected completion rate 0.5, got %s", round.CompletionRate)
	}

	// Reverting the reading rolls the counts back down.
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/rounds/"+roundID+"/readings/M-1", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revert reading status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal round: %v", err)
	}
	if round.ReadMeters != 0 || round.AnomalyCount != 0 {
		t.Fatalf("expected 0 read after revert, got %d read %d anomalies", round.ReadMeters, round.AnomalyCount)
	}

	// The parent cycle's client counts follow the round.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/cycles/"+cycleID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get cycle status %d: %s", res.StatusCode, string(data))
	}
	var cycle CycleResponse
	if err := json.Unmarshal(data, &cycle); err != nil {
		t.Fatalf("unmarshal cycle: %v", err)
	}
	if cycle.ClientCount != 2 || cycle.ReadClientCount != 0 {
		t.Fatalf("expected cycle 0/2, got %d/%d", cycle.ReadClientCount, cycle.ClientCount)
	}
}

func TestCycleFinishBlockedByOpenRound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	cycleID, roundID := mustCreateRound(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cycles/"+cycleID+"/start", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start cycle status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rounds/"+roundID+"/start", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start round status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cycles/"+cycleID+"/finish", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}
	var apiErr apiErrorBody
	if err := json.Unmarshal(data, &apiErr); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if apiErr.Code != "precondition_failed" {
		t.Fatalf("expected precondition_failed, got %s", apiErr.Code)
	}

	// Once the round finishes the cycle can too.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rounds/"+roundID+"/finish", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finish round status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cycles/"+cycleID+"/finish", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finish cycle status %d: %s", res.StatusCode, string(data))
	}
}

func TestSecondActiveAssignmentConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	_, roundID := mustCreateRound(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/rounds/"+roundID+"/assignments", map[string]any{
		"agent_id": "agent-1",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first assign status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rounds/"+roundID+"/assignments", map[string]any{
		"agent_id": "agent-2",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAuthRequiredAndDevLogin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/cycles", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	loginRes, loginBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "dev-user",
		"roles":    []string{"supervisor"},
	}, map[string]string{"X-Actor-Id": ""})
	if loginRes.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", loginRes.StatusCode, string(loginBody))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(loginBody, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	meRes, meBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
		"X-Actor-Id":    "",
	})
	if meRes.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", meRes.StatusCode, string(meBody))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(meBody, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "dev-user" || me.Source != "jwt" {
		t.Fatalf("expected dev-user via jwt, got %s via %s", me.ActorID, me.Source)
	}
}

func TestCollectionPlanFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases", map[string]any{
		"client_id":    "CL-42",
		"contract_ref": "CT-4711",
		"amount_due":   "100.00",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open case status %d: %s", res.StatusCode, string(data))
	}
	var opened CaseResponse
	if err := json.Unmarshal(data, &opened); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/cases/"+opened.ID+"/plans", map[string]any{
		"total_amount":      "100.00",
		"installment_count": 3,
		"start_date":        "2026-09-01",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plan status %d: %s", res.StatusCode, string(data))
	}
	var plan PlanResponse
	if err := json.Unmarshal(data, &plan); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/plans/"+plan.ID+"/installments", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list installments status %d: %s", res.StatusCode, string(data))
	}
	var listing struct {
		Items []InstallmentResponse `json:"items"`
	}
	if err := json.Unmarshal(data, &listing); err != nil {
		t.Fatalf("unmarshal installments: %v", err)
	}
	if len(listing.Items) != 3 {
		t.Fatalf("expected 3 installments, got %d", len(listing.Items))
	}
	sum := decimal.Zero
	for _, ins := range listing.Items {
		due, err := decimal.NewFromString(ins.AmountDue)
		if err != nil {
			t.Fatalf("parse amount due: %v", err)
		}
		sum = sum.Add(due)
	}
	if !sum.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("installments sum to %s, want 100.00", sum)
	}

	first := listing.Items[0]
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/installments/"+first.ID+"/pay", map[string]any{
		"amount_paid": first.AmountDue,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pay installment status %d: %s", res.StatusCode, string(data))
	}
	var paid InstallmentResponse
	if err := json.Unmarshal(data, &paid); err != nil {
		t.Fatalf("unmarshal installment: %v", err)
	}
	if paid.Status != "PAID" {
		t.Fatalf("expected PAID, got %s", paid.Status)
	}
}
