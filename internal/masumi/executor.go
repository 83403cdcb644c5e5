package masumi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "Sokosumi-Chain/internal/errors"
)

const (
	credentialHeader = "token"
	maxErrorBytes    = 4096
)

// HTTPDoer is the transport the client sends requests through.
// *http.Client satisfies it.
type HTTPDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// executor sends one authenticated JSON request and maps every outcome onto
// the package error kinds.
type executor struct {
	baseURL string
	token   string
	timeout time.Duration
	doer    HTTPDoer
}

func (e *executor) execute(ctx context.Context, method, endpoint string, body, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode payment request")
		}
		reader = bytes.NewReader(payload)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, e.baseURL+endpoint, reader)
	if err != nil {
		return newError(KindServiceUnavailable, fmt.Sprintf("cannot build request for %s", e.baseURL), err)
	}
	req.Header.Set(credentialHeader, e.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.doer.Do(req)
	if err != nil {
		return e.transportError(ctx, reqCtx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return e.transportError(ctx, reqCtx, err)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return newError(KindServiceUnavailable, fmt.Sprintf("invalid response from Masumi payment service at %s", e.baseURL), err)
	}
	return nil
}

// transportError separates an aborted request from an unreachable service.
// Cancellation of the caller's context is returned unchanged.
func (e *executor) transportError(parent, reqCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if reqCtx.Err() != nil || isTimeout(err) {
		return newError(KindNetworkError, fmt.Sprintf("request timeout after %dms", e.timeout.Milliseconds()), err)
	}
	return newError(KindServiceUnavailable, fmt.Sprintf("cannot reach Masumi payment service at %s", e.baseURL), err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func statusError(resp *http.Response) error {
	status := xerrors.WithMetadata("status", strconv.Itoa(resp.StatusCode))
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return newError(KindUnauthorized, "invalid Masumi admin API key, check your payment configuration", nil, status)
	case http.StatusNotFound:
		return newError(KindAgentNotFound, "agent not found in Masumi registry", nil, status)
	}

	text := "unknown error"
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBytes))
	if err == nil {
		text = strings.TrimSpace(string(data))
	}
	return newError(KindPaymentFailed, "payment service error: "+text, nil, status)
}
