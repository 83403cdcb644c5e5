package masumi

import (
	"net/http"

	xerrors "Sokosumi-Chain/internal/errors"
)

// Kind is the closed set of failure categories the payment client reports.
type Kind string

const (
	KindServiceUnavailable Kind = "service_unavailable"
	KindUnauthorized       Kind = "unauthorized"
	KindAgentNotFound      Kind = "agent_not_found"
	KindPaymentFailed      Kind = "payment_failed"
	KindNetworkError       Kind = "network_error"
	KindTimeout            Kind = "timeout"
)

const (
	CodeServiceUnavailable xerrors.Code = "MASUMI_SERVICE_UNAVAILABLE"
	CodeUnauthorized       xerrors.Code = "MASUMI_UNAUTHORIZED"
	CodeAgentNotFound      xerrors.Code = "MASUMI_AGENT_NOT_FOUND"
	CodePaymentFailed      xerrors.Code = "MASUMI_PAYMENT_FAILED"
	CodeNetworkError       xerrors.Code = "MASUMI_NETWORK_ERROR"
	CodeTimeout            xerrors.Code = "MASUMI_TIMEOUT"
)

var kindCodes = map[Kind]xerrors.Code{
	KindServiceUnavailable: CodeServiceUnavailable,
	KindUnauthorized:       CodeUnauthorized,
	KindAgentNotFound:      CodeAgentNotFound,
	KindPaymentFailed:      CodePaymentFailed,
	KindNetworkError:       CodeNetworkError,
	KindTimeout:            CodeTimeout,
}

// Sentinels for errors.Is; matching is by code, not message.
var (
	ErrServiceUnavailable = xerrors.New(CodeServiceUnavailable, "")
	ErrUnauthorized       = xerrors.New(CodeUnauthorized, "")
	ErrAgentNotFound      = xerrors.New(CodeAgentNotFound, "")
	ErrPaymentFailed      = xerrors.New(CodePaymentFailed, "")
	ErrNetworkError       = xerrors.New(CodeNetworkError, "")
	ErrTimeout            = xerrors.New(CodeTimeout, "")
)

func init() {
	xerrors.Register(CodeServiceUnavailable, xerrors.Attributes{
		Message:    "payment service unavailable",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{
		Message:    "payment service rejected credentials",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:    "agent not found in payment registry",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodePaymentFailed, xerrors.Attributes{
		Message:    "payment failed",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: http.StatusPaymentRequired,
	})
	xerrors.Register(CodeNetworkError, xerrors.Attributes{
		Message:    "payment request timed out",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusGatewayTimeout,
	})
	xerrors.Register(CodeTimeout, xerrors.Attributes{
		Message:    "payment not locked in time",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusGatewayTimeout,
	})
}

func newError(kind Kind, message string, cause error, opts ...xerrors.Option) *xerrors.Error {
	code := kindCodes[kind]
	if cause != nil {
		return xerrors.Wrap(code, cause, message, opts...)
	}
	return xerrors.New(code, message, opts...)
}

// KindOf returns the failure category carried by err, or "" when err was not
// produced by this package.
func KindOf(err error) Kind {
	code := xerrors.CodeOf(err)
	for kind, c := range kindCodes {
		if c == code {
			return kind
		}
	}
	return ""
}

// IsKind reports whether err belongs to the given category.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRefunded reports whether err ended a wait because the payment was refunded.
func IsRefunded(err error) bool {
	e, ok := xerrors.From(err)
	return ok && e.Code() == CodePaymentFailed && e.Metadata()["state"] == string(StateRefundWithdrawn)
}
