package sokosumi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestCreateHireSendsTokenAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/hires" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Fatalf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("unexpected body: %v", err)
		}
		if body["agent_id"] != "a1" || body["max_accepted_credits"] != "12.5" {
			t.Fatalf("unexpected body: %v", body)
		}
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(HireResult{Job: &Job{ID: "job-1", Status: "pending_payment"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetAccessToken("secret")

	res, err := client.CreateHire(context.Background(), HireRequest{
		AgentID:            "a1",
		MaxAcceptedCredits: decimal.RequireFromString("12.5"),
	})
	if err != nil {
		t.Fatalf("create hire: %v", err)
	}
	if res.Job.ID != "job-1" || res.Job.Terminal() {
		t.Fatalf("unexpected job: %+v", res.Job)
	}
}

func TestListHiresEncodesFilters(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("status") != "pending_payment,in_progress" || q.Get("agent_id") != "a1" || q.Get("limit") != "5" || q.Get("order") != "asc" {
			t.Fatalf("unexpected query: %s", r.URL.RawQuery)
		}
		_ = json.NewEncoder(w).Encode([]Job{{ID: "job-1"}})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	jobs, err := client.ListHires(context.Background(), ListOptions{
		Limit:     5,
		Statuses:  []string{"pending_payment", "in_progress"},
		AgentID:   "a1",
		Ascending: true,
	})
	if err != nil {
		t.Fatalf("list hires: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job-1" {
		t.Fatalf("unexpected jobs: %+v", jobs)
	}
}

func TestErrorResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/hires/missing":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(APIError{Code: "JOB_NOT_FOUND", Message: "job not found"})
		case "/api/v1/hires":
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(APIError{Code: "MASUMI_UNAUTHORIZED", Message: "denied", Job: &Job{ID: "job-9", Status: "failed"}})
		default:
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.GetHire(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	_, err = client.CreateHire(context.Background(), HireRequest{AgentID: "a1"})
	apiErr, ok := err.(*APIError)
	if !ok {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "MASUMI_UNAUTHORIZED" || apiErr.Job == nil || apiErr.Job.ID != "job-9" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}

	_, err = client.Monitor(context.Background())
	apiErr, ok = err.(*APIError)
	if !ok || apiErr.StatusCode != http.StatusUnauthorized || apiErr.Message != "Unauthorized" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWaitForTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/hires/job-1/refresh" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		status := "in_progress"
		if calls.Add(1) >= 3 {
			status = "completed"
		}
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: status})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	job, err := client.WaitForTerminal(context.Background(), "job-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != "completed" || calls.Load() != 3 {
		t.Fatalf("unexpected result: %+v after %d calls", job, calls.Load())
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("localhost", nil); err == nil {
		t.Fatal("expected error for url without scheme")
	}
}
