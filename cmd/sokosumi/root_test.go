package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"Sokosumi-Chain/internal/masumi"
)

type fixture struct {
	t          *testing.T
	dir        string
	configPath string

	mu        sync.Mutex
	polls     map[string]int
	submitted map[string]string
	created   []masumi.PaymentRequest
}

func newFixture(t *testing.T, withPayments bool) *fixture {
	t.Helper()
	f := &fixture{t: t, dir: t.TempDir(), polls: map[string]int{}, submitted: map[string]string{}}

	market := httptest.NewServer(http.HandlerFunc(f.serveMarket))
	t.Cleanup(market.Close)
	t.Setenv("SOKOSUMI_API_KEY", "test-key")
	t.Setenv("SOKOSUMI_API_ENDPOINT", market.URL)
	t.Setenv("MASUMI_NETWORK", "")
	t.Setenv("SOKOSUMI_CONFIG", "")

	if withPayments {
		payments := httptest.NewServer(http.HandlerFunc(f.servePayments))
		t.Cleanup(payments.Close)
		t.Setenv("MASUMI_SERVICE_URL", payments.URL)
		t.Setenv("MASUMI_ADMIN_API_KEY", "admin-key")
	} else {
		t.Setenv("MASUMI_SERVICE_URL", "")
		t.Setenv("MASUMI_ADMIN_API_KEY", "")
	}

	f.configPath = filepath.Join(f.dir, "sokosumi.yaml")
	content := "runtime:\n  data_dir: " + filepath.Join(f.dir, "data") + "\nlogging:\n  output_paths: [stderr]\n  level: error\n"
	require.NoError(t, os.WriteFile(f.configPath, []byte(content), 0o644))
	return f
}

func (f *fixture) run(args ...string) (string, error) {
	f.t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", f.configPath, "--env-file", filepath.Join(f.dir, "missing.env")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (f *fixture) serveMarket(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer test-key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/agents":
		_, _ = w.Write([]byte(`{"data":{"agents":[{"id":"a1","name":"Agent One","description":"` + strings.Repeat("x", 120) + `","pricing":{"credits":"5"}}]}}`))
	case r.Method == http.MethodGet && r.URL.Path == "/agents/a1":
		_, _ = w.Write([]byte(`{"data":{"id":"a1","inputSchema":{"q":"string"}}}`))
	case r.Method == http.MethodPost && r.URL.Path == "/agents/a1/jobs":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		masumiID := ""
		if os.Getenv("MASUMI_SERVICE_URL") != "" {
			masumiID = "bc-1"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"id": "job-1", "agentId": "a1", "name": "Agent One", "status": "started", "masumiJobId": masumiID,
		}})
	case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-1":
		_, _ = w.Write([]byte(`{"data":{"id":"job-1","agentId":"a1","status":"completed","result":"summary text"}}`))
	case r.Method == http.MethodGet && r.URL.Path == "/jobs/job-2":
		_, _ = w.Write([]byte(`{"data":{"id":"job-2","agentId":"a1","status":"running"}}`))
	case r.Method == http.MethodGet && r.URL.Path == "/orgs":
		_, _ = w.Write([]byte(`{"organizations":[{"id":"o1","name":"Org","slug":"org"}]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	}
}

func (f *fixture) servePayments(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("token") != "admin-key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/api/v1/payment":
		var req masumi.PaymentRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.created = append(f.created, req)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(masumi.PaymentRecord{
			BlockchainIdentifier: "bc-new",
			OnChainState:         masumi.StateWaitingForExternalAction,
			InputHash:            "h1",
		})
	case "/api/v1/payment/status":
		id := r.URL.Query().Get("blockchainIdentifier")
		f.mu.Lock()
		f.polls[id]++
		polls := f.polls[id]
		f.mu.Unlock()
		state := masumi.StateFundsLocked
		if id == "bc-2" && polls == 1 {
			state = masumi.StateWaitingForExternalAction
		}
		_ = json.NewEncoder(w).Encode(masumi.PaymentStatus{BlockchainIdentifier: id, OnChainState: state, Network: masumi.NetworkPreprod})
	case "/api/v1/payment/submit-result":
		var req masumi.SubmitResultRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.submitted[req.BlockchainIdentifier] = req.ResultHash
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"status":"success"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func TestListAgents(t *testing.T) {
	f := newFixture(t, false)

	out, err := f.run("list")
	require.NoError(t, err)
	require.Contains(t, out, "  a1  Agent One (5 credits)\n")
	require.Contains(t, out, strings.Repeat("x", 100)+"...")

	out, err = f.run("orgs")
	require.NoError(t, err)
	require.Contains(t, out, "o1  Org (org)")

	out, err = f.run("agent", "a1")
	require.NoError(t, err)
	require.Contains(t, out, `"inputSchema"`)
}

func TestHireMonitorAndStatusAll(t *testing.T) {
	f := newFixture(t, true)

	out, err := f.run("hire", "a1", `{"q":"x"}`, "10", "nightly")
	require.NoError(t, err)
	require.Contains(t, out, "Job:     job-1")
	require.Contains(t, out, "Status:  in_progress")
	require.Contains(t, out, "Payment: FundsLocked")

	out, err = f.run("status-all")
	require.NoError(t, err)
	require.Contains(t, out, "job-1")
	require.Contains(t, out, "Agent One")
	require.Contains(t, out, "FundsLocked")

	out, err = f.run("monitor")
	require.NoError(t, err)
	require.Contains(t, out, "Summary: 1 completed, 0 failed or timed out, 0 still active.")

	out, err = f.run("status-all", "--json")
	require.NoError(t, err)
	require.Contains(t, out, `"status": "completed"`)
}

func TestCleanupMarksActiveJobs(t *testing.T) {
	f := newFixture(t, false)

	out, err := f.run("hire-auto", "a1", `{}`, "1")
	require.NoError(t, err)
	require.Contains(t, out, "Status:  in_progress")

	out, err = f.run("cleanup")
	require.NoError(t, err)
	require.Contains(t, out, "Cleaned up 1 active job(s)")

	out, err = f.run("monitor")
	require.NoError(t, err)
	require.Contains(t, out, "No active jobs")
}

func TestHireRejectsBadArguments(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.run("hire", "a1", `not json`, "1")
	require.ErrorContains(t, err, "JSON object")

	_, err = f.run("hire", "a1", `{}`, "lots")
	require.ErrorContains(t, err, "invalid max credits")

	_, err = f.run("hire", "a1")
	require.Error(t, err)
}

func TestResultCommand(t *testing.T) {
	f := newFixture(t, false)

	out, err := f.run("result", "job-2")
	require.NoError(t, err)
	require.Equal(t, "Job not completed yet. Status: running\n", out)

	out, err = f.run("result", "job-1")
	require.NoError(t, err)
	require.Equal(t, "summary text\n", out)

	out, err = f.run("status", "job-2")
	require.NoError(t, err)
	require.Contains(t, out, "Status: running")

	_, err = f.run("status", "missing")
	require.Error(t, err)
}

func TestPaymentCommands(t *testing.T) {
	f := newFixture(t, true)

	out, err := f.run("wait-payment", "bc-2", "--interval", "10ms", "--max-wait", "5s")
	require.NoError(t, err)
	require.Contains(t, out, "Payment state: WaitingForExternalAction\nPayment state: FundsLocked\nFunds locked for bc-2\n")

	out, err = f.run("payment-status", "bc-3")
	require.NoError(t, err)
	require.Contains(t, out, `"onChainState": "FundsLocked"`)

	out, err = f.run("submit-result", "bc-3", "done")
	require.NoError(t, err)
	hash := masumi.HashResult([]byte("done"))
	require.Contains(t, out, "Result hash: "+hash)
	f.mu.Lock()
	require.Equal(t, hash, f.submitted["bc-3"])
	f.mu.Unlock()
}

func TestCreatePaymentCommand(t *testing.T) {
	f := newFixture(t, true)

	out, err := f.run("create-payment", "ag1", `{"a":1}`, "--purchaser-id", "job-42", "--wait")
	require.NoError(t, err)
	require.Contains(t, out, `"blockchainIdentifier": "bc-new"`)
	require.Contains(t, out, "Payment state: FundsLocked\nFunds locked for bc-new\n")

	f.mu.Lock()
	require.Len(t, f.created, 1)
	require.Equal(t, "ag1", f.created[0].AgentIdentifier)
	require.Equal(t, "job-42", f.created[0].IdentifierFromPurchaser)
	require.Equal(t, masumi.NetworkPreprod, f.created[0].Network)
	require.Equal(t, map[string]any{"a": float64(1)}, f.created[0].InputData)
	f.mu.Unlock()

	_, err = f.run("create-payment", "ag1", "[1,2]")
	require.ErrorContains(t, err, "input-json must be a JSON object")
}

func TestMarketClientReportsInvalidEndpoint(t *testing.T) {
	f := newFixture(t, false)
	t.Setenv("SOKOSUMI_API_ENDPOINT", "sokosumi.example/api")

	_, err := f.run("list")
	require.ErrorContains(t, err, "invalid endpoint")
	require.NotContains(t, err.Error(), "SOKOSUMI_API_KEY")

	t.Setenv("SOKOSUMI_API_KEY", "")
	_, err = f.run("list")
	require.ErrorContains(t, err, "SOKOSUMI_API_KEY is not set")
}

func TestPaymentCommandsRequireConfiguration(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.run("payment-status", "bc-1")
	require.ErrorContains(t, err, "MASUMI_SERVICE_URL")
}
