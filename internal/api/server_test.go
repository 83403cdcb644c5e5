package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"Sokosumi-Chain/internal/auth"
	"Sokosumi-Chain/internal/hire"
	"Sokosumi-Chain/internal/masumi"
	"Sokosumi-Chain/internal/sokosumi"
	"Sokosumi-Chain/internal/tracking"
	"Sokosumi-Chain/pkg/logger"
)

type stubMarket struct {
	masumiID string
	status   sokosumi.JobStatus
}

func (m *stubMarket) CreateJob(_ context.Context, agentID string, _ sokosumi.JobInput) (*sokosumi.Job, error) {
	return &sokosumi.Job{ID: "job-" + agentID, AgentID: agentID, MasumiJobID: m.masumiID}, nil
}

func (m *stubMarket) GetJob(_ context.Context, jobID string) (*sokosumi.Job, error) {
	return &sokosumi.Job{ID: jobID, Status: m.status, Result: json.RawMessage(`"summary"`)}, nil
}

type stubPayments struct {
	waitErr error
	hashes  map[string]string
}

func (p *stubPayments) GetPaymentStatus(_ context.Context, id string) (*masumi.PaymentStatus, error) {
	return &masumi.PaymentStatus{BlockchainIdentifier: id, OnChainState: masumi.StateWaitingForExternalAction}, nil
}

func (p *stubPayments) WaitForPaymentLocked(_ context.Context, id string, _ masumi.WaitOptions) (*masumi.PaymentStatus, error) {
	if p.waitErr != nil {
		return nil, p.waitErr
	}
	return &masumi.PaymentStatus{BlockchainIdentifier: id, OnChainState: masumi.StateFundsLocked}, nil
}

func (p *stubPayments) SubmitResult(_ context.Context, id, hash string) (json.RawMessage, error) {
	if p.hashes == nil {
		p.hashes = map[string]string{}
	}
	p.hashes[id] = hash
	return json.RawMessage(`{"status":"ok"}`), nil
}

func newTestServer(t *testing.T, market hire.Marketplace, payments hire.Payments, opts ...ServerOption) (*Server, tracking.Store) {
	t.Helper()
	store := tracking.NewMemoryStore()
	svc := hire.NewService(market, payments, store, hire.WithLogger(logger.Discard()))
	opts = append([]ServerOption{WithServerLogger(logger.Discard())}, opts...)
	return NewServer(":0", svc, opts...), store
}

func serve(server *Server, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestCreateHireFreeJob(t *testing.T) {
	server, _ := newTestServer(t, &stubMarket{}, nil)

	rec := serve(server, http.MethodPost, "/api/v1/hires", `{"agent_id":"a1","max_accepted_credits":"10","input_data":{"q":"x"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("unexpected status code: got %d want %d (%s)", rec.Code, http.StatusCreated, rec.Body.String())
	}
	var got hire.HireResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Job == nil || got.Job.ID != "job-a1" || got.Job.Status != tracking.StatusInProgress {
		t.Fatalf("unexpected job: %+v", got.Job)
	}
}

func TestCreateHireErrors(t *testing.T) {
	server, _ := newTestServer(t, &stubMarket{}, nil)

	t.Run("invalid body", func(t *testing.T) {
		rec := serve(server, http.MethodPost, "/api/v1/hires", `{`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
	})

	t.Run("missing agent", func(t *testing.T) {
		rec := serve(server, http.MethodPost, "/api/v1/hires", `{}`)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
		}
		var resp errorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Code != string(hire.CodeHireValidation) {
			t.Fatalf("unexpected error code: %q", resp.Code)
		}
	})

	t.Run("invalid method", func(t *testing.T) {
		rec := serve(server, http.MethodDelete, "/api/v1/hires", "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
		}
	})
}

func TestCreateHirePaymentFailureKeepsJob(t *testing.T) {
	server, _ := newTestServer(t, &stubMarket{masumiID: "bc-1"}, &stubPayments{waitErr: masumi.ErrUnauthorized})

	rec := serve(server, http.MethodPost, "/api/v1/hires", `{"agent_id":"a1"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status %d, got %d", http.StatusBadGateway, rec.Code)
	}
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Code != string(masumi.CodeUnauthorized) {
		t.Fatalf("unexpected error code: %q", resp.Code)
	}
	if resp.Job == nil || resp.Job.Status != tracking.StatusFailed {
		t.Fatalf("expected failed job in response, got %+v", resp.Job)
	}
}

func TestListHires(t *testing.T) {
	server, store := newTestServer(t, &stubMarket{}, nil)
	ctx := context.Background()
	for _, job := range []*tracking.Job{
		{ID: "a", AgentID: "x"},
		{ID: "b", AgentID: "x", Status: tracking.StatusCompleted},
		{ID: "c", AgentID: "y", Status: tracking.StatusInProgress},
	} {
		if err := store.Create(ctx, job); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	rec := serve(server, http.MethodGet, "/api/v1/hires?status=pending_payment,in_progress&agent_id=x", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var jobs []tracking.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "a" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}

	rec = serve(server, http.MethodGet, "/api/v1/hires?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestHireDetailAndRefresh(t *testing.T) {
	server, store := newTestServer(t, &stubMarket{status: sokosumi.JobStatusCompleted}, nil)
	if err := store.Create(context.Background(), &tracking.Job{ID: "job-1", AgentID: "a", Status: tracking.StatusInProgress, MaxChecks: 20}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	rec := serve(server, http.MethodGet, "/api/v1/hires/job-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}

	rec = serve(server, http.MethodPost, "/api/v1/hires/job-1/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d (%s)", rec.Code, rec.Body.String())
	}
	var job tracking.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if job.Status != tracking.StatusCompleted || string(job.Result) != `"summary"` {
		t.Fatalf("unexpected job: %+v", job)
	}

	cases := map[string]struct {
		method, path string
		want         int
	}{
		"not found":      {http.MethodGet, "/api/v1/hires/missing", http.StatusNotFound},
		"missing id":     {http.MethodGet, "/api/v1/hires/", http.StatusBadRequest},
		"invalid method": {http.MethodDelete, "/api/v1/hires/job-1", http.StatusMethodNotAllowed},
		"unknown action": {http.MethodPost, "/api/v1/hires/job-1/cancel", http.StatusNotFound},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			rec := serve(server, tc.method, tc.path, "")
			if rec.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rec.Code)
			}
		})
	}
}

func TestSubmitResult(t *testing.T) {
	payments := &stubPayments{}
	server, _ := newTestServer(t, &stubMarket{}, payments)

	rec := serve(server, http.MethodPost, "/api/v1/results", `{"blockchain_identifier":"bc-1","result":"done"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d (%s)", rec.Code, rec.Body.String())
	}
	if payments.hashes["bc-1"] != masumi.HashResult([]byte("done")) {
		t.Fatalf("unexpected hash: %q", payments.hashes["bc-1"])
	}

	rec = serve(server, http.MethodPost, "/api/v1/results", `{"result":"done"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestMonitorEndpoint(t *testing.T) {
	server, store := newTestServer(t, &stubMarket{status: sokosumi.JobStatusCompleted}, nil)
	if err := store.Create(context.Background(), &tracking.Job{ID: "job-1", AgentID: "a", Status: tracking.StatusInProgress, MaxChecks: 20}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	rec := serve(server, http.MethodPost, "/api/v1/monitor", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var report hire.MonitorReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if report.Checked != 1 || report.Completed != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestStatsEndpoint(t *testing.T) {
	server, store := newTestServer(t, &stubMarket{}, nil)
	for _, job := range []*tracking.Job{
		{ID: "a", AgentID: "x"},
		{ID: "b", AgentID: "x", Status: tracking.StatusFailed},
	} {
		if err := store.Create(context.Background(), job); err != nil {
			t.Fatalf("create job: %v", err)
		}
	}

	rec := serve(server, http.MethodGet, "/api/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status code: %d", rec.Code)
	}
	var stats hire.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if stats.Total != 2 || stats.ByStatus[tracking.StatusFailed] != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	rec = serve(server, http.MethodPost, "/api/v1/stats", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

func TestMetricsEndpointToggle(t *testing.T) {
	enabled, _ := newTestServer(t, &stubMarket{}, nil, WithMetrics(true))
	serve(enabled, http.MethodGet, "/api/v1/hires", "")
	rec := serve(enabled, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `sokosumi_http_requests_total{handler="/api/v1/hires",method="GET",code="200"}`) {
		t.Fatalf("metrics not exposed: %d %s", rec.Code, rec.Body.String())
	}

	disabled, _ := newTestServer(t, &stubMarket{}, nil)
	rec = serve(disabled, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

func TestAuthProtectsRoutes(t *testing.T) {
	authSvc, err := auth.NewService([]auth.Token{
		{Name: "viewer", Secret: "view", Permissions: []string{auth.PermHiresRead}},
		{Name: "ops", Secret: "ops"},
	})
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	authSvc.WithAuditLogger(logger.Discard())
	server, _ := newTestServer(t, &stubMarket{}, nil, WithAuth(authSvc))

	do := func(method, target, token, body string) int {
		var req *http.Request
		if body == "" {
			req = httptest.NewRequest(method, target, nil)
		} else {
			req = httptest.NewRequest(method, target, strings.NewReader(body))
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		server.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	if code := do(http.MethodGet, "/api/v1/hires", "", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, code)
	}
	if code := do(http.MethodGet, "/api/v1/hires", "view", ""); code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, code)
	}
	if code := do(http.MethodPost, "/api/v1/hires", "view", `{"agent_id":"a1"}`); code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, code)
	}
	if code := do(http.MethodPost, "/api/v1/hires", "ops", `{"agent_id":"a1"}`); code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, code)
	}
	if code := do(http.MethodPost, "/api/v1/monitor", "view", ""); code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, code)
	}
	if code := do(http.MethodGet, "/healthz", "", ""); code != http.StatusOK {
		t.Fatalf("healthz should stay open, got %d", code)
	}
}
