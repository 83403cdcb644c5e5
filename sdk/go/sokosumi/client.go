// Package sokosumi is a Go client for the sokosumid REST API.
package sokosumi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Synchronous hires block until the payment locks, so it is generous.
const DefaultHTTPTimeout = 6 * time.Minute

// Client wraps the HTTP interactions with a sokosumid daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// HireRequest is the payload for hiring an agent.
type HireRequest struct {
	AgentID            string          `json:"agent_id"`
	AgentName          string          `json:"agent_name,omitempty"`
	InputData          map[string]any  `json:"input_data,omitempty"`
	MaxAcceptedCredits decimal.Decimal `json:"max_accepted_credits"`
	JobName            string          `json:"job_name,omitempty"`
	SharePublic        bool            `json:"share_public,omitempty"`
	ShareOrganization  bool            `json:"share_organization,omitempty"`
}

// Job is a tracked hire as reported by the daemon.
type Job struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	AgentName    string          `json:"agent_name,omitempty"`
	MasumiJobID  string          `json:"masumi_job_id,omitempty"`
	Status       string          `json:"status"`
	PaymentState string          `json:"payment_state,omitempty"`
	CheckCount   int             `json:"check_count"`
	MaxChecks    int             `json:"max_checks"`
	LastError    string          `json:"last_error,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	HiredAt      int64           `json:"hired_at"`
	UpdatedAt    int64           `json:"updated_at"`
	CompletedAt  int64           `json:"completed_at,omitempty"`
}

// Terminal reports whether the job will not change any more.
func (j *Job) Terminal() bool {
	switch j.Status {
	case "completed", "failed", "timed_out", "refunded":
		return true
	default:
		return false
	}
}

// Payment is the payment snapshot returned with a hire.
type Payment struct {
	BlockchainIdentifier string `json:"blockchainIdentifier"`
	OnChainState         string `json:"onChainState"`
	Network              string `json:"network"`
}

// HireResult is the response to CreateHire.
type HireResult struct {
	Job     *Job     `json:"job"`
	Payment *Payment `json:"payment,omitempty"`
	Message string   `json:"message,omitempty"`
}

// MonitorReport summarises one pass over the active jobs.
type MonitorReport struct {
	Checked   int               `json:"checked"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Active    int               `json:"active"`
	Errors    map[string]string `json:"errors,omitempty"`
	Jobs      []*Job            `json:"jobs"`
}

// SubmitReceipt is returned after a result hash is submitted.
type SubmitReceipt struct {
	ResultHash string          `json:"result_hash"`
	Response   json.RawMessage `json:"response,omitempty"`
}

// Stats counts the jobs retained by the daemon.
type Stats struct {
	Total           int            `json:"total"`
	ByStatus        map[string]int `json:"by_status"`
	OldestActiveAt  int64          `json:"oldest_active_at,omitempty"`
	NewestUpdatedAt int64          `json:"newest_updated_at,omitempty"`
}

// ListOptions filters ListHires.
type ListOptions struct {
	Limit     int
	Offset    int
	Statuses  []string
	AgentID   string
	Ascending bool
}

// APIError represents a non-2xx response. Job is set when the daemon
// recorded the hire before the failure.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Job        *Job   `json:"job,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("sokosumid api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("sokosumid api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the daemon at rawURL. When httpClient
// is nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimRight(rawURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAccessToken sets the bearer token sent with every request.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// CreateHire hires an agent. A pending_payment job is returned when the
// daemon watches the payment asynchronously.
func (c *Client) CreateHire(ctx context.Context, req HireRequest) (*HireResult, error) {
	var result HireResult
	if err := c.post(ctx, "/api/v1/hires", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListHires returns tracked jobs, most recently updated first unless
// opts.Ascending is set.
func (c *Client) ListHires(ctx context.Context, opts ListOptions) ([]*Job, error) {
	query := url.Values{}
	if opts.Limit > 0 {
		query.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		query.Set("offset", strconv.Itoa(opts.Offset))
	}
	if len(opts.Statuses) > 0 {
		query.Set("status", strings.Join(opts.Statuses, ","))
	}
	if opts.AgentID != "" {
		query.Set("agent_id", opts.AgentID)
	}
	if opts.Ascending {
		query.Set("order", "asc")
	}
	var jobs []*Job
	if err := c.get(ctx, "/api/v1/hires", query, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// GetHire fetches one tracked job.
func (c *Client) GetHire(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.get(ctx, "/api/v1/hires/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// RefreshHire asks the daemon to check one job against the marketplace and
// payment service.
func (c *Client) RefreshHire(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := c.post(ctx, "/api/v1/hires/"+url.PathEscape(id)+"/refresh", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Monitor checks every active job once.
func (c *Client) Monitor(ctx context.Context) (*MonitorReport, error) {
	var report MonitorReport
	if err := c.post(ctx, "/api/v1/monitor", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Stats returns job counts by status.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// SubmitResult submits the hash of result to release a payment. A string
// result is hashed as its text.
func (c *Client) SubmitResult(ctx context.Context, blockchainIdentifier string, result any) (*SubmitReceipt, error) {
	payload := struct {
		BlockchainIdentifier string `json:"blockchain_identifier"`
		Result               any    `json:"result"`
	}{blockchainIdentifier, result}
	var receipt SubmitReceipt
	if err := c.post(ctx, "/api/v1/results", payload, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// WaitForTerminal refreshes the job every interval until it reaches a
// terminal status or ctx ends.
func (c *Client) WaitForTerminal(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.RefreshHire(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := c.AccessToken(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		// Plain-text bodies come from http.Error.
		if json.Unmarshal(data, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}
