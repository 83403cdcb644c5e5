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
	"strings"
	"time"
)

// DefaultEndpoint is the public marketplace API.
const DefaultEndpoint = "https://sokosumi.com/api/v1"

// DefaultHTTPTimeout applies to clients created without a custom http.Client.
const DefaultHTTPTimeout = 30 * time.Second

// ErrorType classifies marketplace failures.
type ErrorType string

const (
	ErrorUnauthorized       ErrorType = "unauthorized"
	ErrorAgentNotFound      ErrorType = "agent_not_found"
	ErrorJobNotFound        ErrorType = "job_not_found"
	ErrorServiceUnavailable ErrorType = "service_unavailable"
	ErrorAPI                ErrorType = "api_error"
)

// APIError is returned for every failed marketplace call.
type APIError struct {
	StatusCode int
	Type       ErrorType
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("sokosumi api error (%d): %s - %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("sokosumi api error: %s - %s", e.Type, e.Message)
}

func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// TypeOf returns the marketplace error type carried by err, or "".
func TypeOf(err error) ErrorType {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Type
	}
	return ""
}

// Client wraps the HTTP interactions with the Sokosumi marketplace.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
}

// ErrMissingAPIKey is returned by NewClient when no API key is given.
var ErrMissingAPIKey = errors.New("sokosumi: api key is required")

// NewClient instantiates a marketplace client. An empty endpoint selects
// DefaultEndpoint; a nil httpClient gets DefaultHTTPTimeout.
func NewClient(endpoint, apiKey string, httpClient *http.Client) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	parsed, err := url.Parse(strings.TrimRight(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("sokosumi: invalid endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("sokosumi: invalid endpoint %q", endpoint)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, apiKey: apiKey, httpClient: httpClient}, nil
}

// ListAgents returns the agents currently listed on the marketplace.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	raw, err := c.get(ctx, "/agents", ErrorAgentNotFound)
	if err != nil {
		return nil, err
	}
	var agents []Agent
	if err := json.Unmarshal(unwrapList(raw, "agents"), &agents); err != nil {
		return nil, decodeError(err)
	}
	return agents, nil
}

// GetAgent fetches the raw agent document, including its input schema.
func (c *Client) GetAgent(ctx context.Context, agentID string) (json.RawMessage, error) {
	return c.get(ctx, "/agents/"+url.PathEscape(agentID), ErrorAgentNotFound)
}

// CreateJob hires an agent.
func (c *Client) CreateJob(ctx context.Context, agentID string, input JobInput) (*Job, error) {
	req := createJobRequest{
		InputData:          input.InputData,
		MaxAcceptedCredits: json.Number(input.MaxAcceptedCredits.String()),
		Name:               input.Name,
		SharePublic:        input.SharePublic,
		ShareOrganization:  input.ShareOrganization,
	}
	if req.InputData == nil {
		req.InputData = map[string]any{}
	}
	raw, err := c.post(ctx, "/agents/"+url.PathEscape(agentID)+"/jobs", req, ErrorAgentNotFound)
	if err != nil {
		return nil, err
	}
	return decodeJob(raw)
}

// GetJob fetches a job's current status and, once complete, its result.
func (c *Client) GetJob(ctx context.Context, jobID string) (*Job, error) {
	raw, err := c.get(ctx, "/jobs/"+url.PathEscape(jobID), ErrorJobNotFound)
	if err != nil {
		return nil, err
	}
	return decodeJob(raw)
}

// ListOrganizations returns the organizations visible to the API key.
func (c *Client) ListOrganizations(ctx context.Context) ([]Organization, error) {
	raw, err := c.get(ctx, "/orgs", ErrorAPI)
	if err != nil {
		return nil, err
	}
	var orgs []Organization
	if err := json.Unmarshal(unwrapList(raw, "organizations"), &orgs); err != nil {
		return nil, decodeError(err)
	}
	return orgs, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, notFound ErrorType) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, notFound)
}

func (c *Client) get(ctx context.Context, endpoint string, notFound ErrorType) (json.RawMessage, error) {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, notFound)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, notFound ErrorType) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{
			Type:    ErrorServiceUnavailable,
			Message: fmt.Sprintf("cannot reach Sokosumi at %s", c.baseURL.Host),
			Err:     err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &APIError{StatusCode: resp.StatusCode, Type: ErrorServiceUnavailable, Message: "read response", Err: err}
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Type: ErrorAPI, Message: errorMessage(data, resp.Status)}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			apiErr.Type = ErrorUnauthorized
		case http.StatusNotFound:
			apiErr.Type = notFound
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			apiErr.Type = ErrorServiceUnavailable
		}
		return nil, apiErr
	}
	return data, nil
}

func errorMessage(data []byte, status string) string {
	var body struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != "" {
			return body.Error
		}
	}
	if text := strings.TrimSpace(string(data)); text != "" {
		return text
	}
	return status
}

// unwrap strips the optional {"data": ...} envelope.
func unwrap(raw json.RawMessage) json.RawMessage {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return raw
	}
	if inner, ok := envelope["data"]; ok && len(inner) > 0 && string(inner) != "null" {
		return inner
	}
	return raw
}

func unwrapList(raw json.RawMessage, key string) json.RawMessage {
	inner := unwrap(raw)
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(inner, &envelope); err != nil {
		return inner
	}
	if list, ok := envelope[key]; ok {
		return list
	}
	return json.RawMessage("[]")
}

func decodeJob(raw json.RawMessage) (*Job, error) {
	var job Job
	if err := json.Unmarshal(unwrap(raw), &job); err != nil {
		return nil, decodeError(err)
	}
	return &job, nil
}

func decodeError(err error) error {
	return &APIError{Type: ErrorAPI, Message: "unexpected response shape", Err: err}
}
