package masumi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"Sokosumi-Chain/pkg/logger"
)

// DefaultRequestTimeout bounds every individual HTTP exchange.
const DefaultRequestTimeout = 30 * time.Second

const (
	paymentPath       = "/api/v1/payment"
	paymentStatusPath = "/api/v1/payment/status"
	submitResultPath  = "/api/v1/payment/submit-result"
)

// Config configures a payment service client.
type Config struct {
	ServiceURL  string
	AdminAPIKey string
	// Network defaults to Preprod when empty.
	Network Network
	// Timeout applies per request. Zero selects DefaultRequestTimeout.
	Timeout    time.Duration
	HTTPClient HTTPDoer
	Logger     *slog.Logger
}

// Client talks to a Masumi payment service node on behalf of one purchaser.
// A Client holds no per-call state and is safe for concurrent use.
type Client struct {
	exec    executor
	network Network
	logger  *slog.Logger
	clock   clock
}

// NewClient validates cfg and returns a ready client.
func NewClient(cfg Config) (*Client, error) {
	serviceURL := strings.TrimRight(strings.TrimSpace(cfg.ServiceURL), "/")
	if serviceURL == "" {
		return nil, errors.New("masumi: service URL is required")
	}
	if strings.TrimSpace(cfg.AdminAPIKey) == "" {
		return nil, errors.New("masumi: admin API key is required")
	}
	network, err := ParseNetwork(string(cfg.Network))
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	doer := cfg.HTTPClient
	if doer == nil {
		doer = &http.Client{}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Named("masumi")
	}

	return &Client{
		exec: executor{
			baseURL: serviceURL,
			token:   cfg.AdminAPIKey,
			timeout: timeout,
			doer:    doer,
		},
		network: network,
		logger:  log,
		clock:   realClock{},
	}, nil
}

// Network returns the network injected into every request.
func (c *Client) Network() Network {
	return c.network
}

// ServiceURL returns the normalised service base URL.
func (c *Client) ServiceURL() string {
	return c.exec.baseURL
}

// CreatePayment opens a payment hold for one agent invocation.
func (c *Client) CreatePayment(ctx context.Context, input PaymentInput) (*PaymentRecord, error) {
	req := PaymentRequest{
		AgentIdentifier:         input.AgentIdentifier,
		Network:                 c.network,
		IdentifierFromPurchaser: input.IdentifierFromPurchaser,
		InputData:               input.InputData,
	}
	if req.InputData == nil {
		req.InputData = map[string]any{}
	}

	var record PaymentRecord
	if err := c.exec.execute(ctx, http.MethodPost, paymentPath, req, &record); err != nil {
		c.logger.Error("create payment failed",
			slog.String("agent_identifier", input.AgentIdentifier),
			slog.Any("error", err))
		return nil, err
	}
	c.logger.Info("payment created",
		slog.String("blockchain_identifier", record.BlockchainIdentifier),
		slog.String("state", string(record.OnChainState)))
	return &record, nil
}

// GetPaymentStatus fetches one snapshot of the payment state.
func (c *Client) GetPaymentStatus(ctx context.Context, blockchainIdentifier string) (*PaymentStatus, error) {
	query := url.Values{}
	query.Set("blockchainIdentifier", blockchainIdentifier)
	query.Set("network", string(c.network))

	var status PaymentStatus
	if err := c.exec.execute(ctx, http.MethodGet, paymentStatusPath+"?"+query.Encode(), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SubmitResult records the hash of a completed job result against the
// payment. The response body is returned undecoded.
func (c *Client) SubmitResult(ctx context.Context, blockchainIdentifier, resultHash string) (json.RawMessage, error) {
	req := SubmitResultRequest{
		BlockchainIdentifier: blockchainIdentifier,
		Network:              c.network,
		ResultHash:           resultHash,
	}
	var raw json.RawMessage
	if err := c.exec.execute(ctx, http.MethodPost, submitResultPath, req, &raw); err != nil {
		c.logger.Error("submit result failed",
			slog.String("blockchain_identifier", blockchainIdentifier),
			slog.Any("error", err))
		return nil, err
	}
	c.logger.Info("result submitted", slog.String("blockchain_identifier", blockchainIdentifier))
	return raw, nil
}
