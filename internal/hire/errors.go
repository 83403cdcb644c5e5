package hire

import (
	"net/http"

	xerrors "Sokosumi-Chain/internal/errors"
	"Sokosumi-Chain/internal/sokosumi"
)

const (
	CodeHireValidation          xerrors.Code = "HIRE_VALIDATION_FAILED"
	CodeAgentNotFound           xerrors.Code = "HIRE_AGENT_NOT_FOUND"
	CodeMarketplaceUnauthorized xerrors.Code = "HIRE_MARKETPLACE_UNAUTHORIZED"
	CodeMarketplaceFailure      xerrors.Code = "HIRE_MARKETPLACE_FAILED"
	CodeHirePublish             xerrors.Code = "HIRE_PUBLISH_FAILED"
	CodeMaxChecksExceeded       xerrors.Code = "HIRE_MAX_CHECKS_EXCEEDED"
)

func init() {
	xerrors.Register(CodeHireValidation, xerrors.Attributes{
		Message:    "hire request validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusBadRequest,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:    "agent not found on marketplace",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusNotFound,
	})
	xerrors.Register(CodeMarketplaceUnauthorized, xerrors.Attributes{
		Message:    "marketplace rejected credentials",
		Severity:   xerrors.SeverityCritical,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeMarketplaceFailure, xerrors.Attributes{
		Message:    "marketplace request failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeHirePublish, xerrors.Attributes{
		Message:    "failed to enqueue payment watch",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusInternalServerError,
	})
	xerrors.Register(CodeMaxChecksExceeded, xerrors.Attributes{
		Message:    "job exceeded its status check budget",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: http.StatusGatewayTimeout,
	})
}

// marketplaceError 将市场客户端错误映射为统一错误码。
func marketplaceError(err error, message string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	switch sokosumi.TypeOf(err) {
	case sokosumi.ErrorAgentNotFound:
		return xerrors.Wrap(CodeAgentNotFound, err, message)
	case sokosumi.ErrorJobNotFound:
		return xerrors.Wrap(xerrors.CodeNotFound, err, message)
	case sokosumi.ErrorUnauthorized:
		return xerrors.Wrap(CodeMarketplaceUnauthorized, err, message)
	case sokosumi.ErrorAPI:
		return xerrors.Wrap(CodeMarketplaceFailure, err, message, xerrors.WithRetryable(false))
	default:
		return xerrors.Wrap(CodeMarketplaceFailure, err, message)
	}
}
