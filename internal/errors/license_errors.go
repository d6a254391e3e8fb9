package errors

import (
	"errors"
	"fmt"
	"net/http"

	"opsconsole/internal/license"
)

// MapLicenseError maps license domain errors to problem details. Authority
// rejections carry the authority's message verbatim as the detail.
func MapLicenseError(err error, instance, traceID string) *ProblemDetails {
	var problem *ProblemDetails

	if rejected, ok := license.IsRejected(err); ok {
		problem = NewProblemDetails(
			http.StatusUnprocessableEntity,
			TypeLicenseRejected,
			"License Activation Rejected",
			rejected.Message,
			instance,
		).WithExtension("error_code", "LICENSE_REJECTED").
			WithExtension("authority_status", rejected.StatusCode)
		return problem.WithExtension("trace_id", traceID)
	}

	switch {
	case errors.Is(err, license.ErrInvalidFormat):
		problem = NewProblemDetails(
			http.StatusBadRequest,
			TypeLicenseInvalidFormat,
			"Invalid License Format",
			fmt.Sprintf("License key must be in format: %s-XXXX-XXXX-XXXX-XXXX", license.KeyPrefix),
			instance,
		).WithExtension("error_code", "INVALID_LICENSE_FORMAT").
			WithExtension("expected_format", license.KeyPrefix+"-XXXX-XXXX-XXXX-XXXX")

	case errors.Is(err, license.ErrBusy):
		problem = NewProblemDetails(
			http.StatusConflict,
			TypeLicenseBusy,
			"License Update In Progress",
			"License status is being updated. Please try again in a moment.",
			instance,
		).WithExtension("error_code", "LICENSE_BUSY")

	case errors.Is(err, license.ErrActivationThrottled):
		problem = NewProblemDetails(
			http.StatusTooManyRequests,
			TypeLicenseThrottled,
			"Too Many Requests",
			"Too many activation attempts. Please try again later.",
			instance,
		).WithExtension("error_code", "RATE_LIMITED")

	case errors.Is(err, license.ErrDisposed):
		problem = NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeLicenseStopped,
			"License Service Stopped",
			"The license service is shutting down.",
			instance,
		).WithExtension("error_code", "LICENSE_STOPPED")

	case license.IsTransport(err):
		detail := license.AuthorityMessage(err)
		if detail == "" {
			detail = "Unable to connect to license server. Please check your connection."
		}
		problem = NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeLicenseUnreachable,
			"License Server Unreachable",
			detail,
			instance,
		).WithExtension("error_code", "NETWORK_ERROR")

	default:
		problem = NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("error_code", "INTERNAL_ERROR")
	}

	return problem.WithExtension("trace_id", traceID)
}

// NewLicenseRequiredProblem is returned when a gated endpoint is called
// without the required entitlement. detail is the verdict message.
func NewLicenseRequiredProblem(req license.Request, detail, instance, traceID string) *ProblemDetails {
	if detail == "" {
		detail = "This resource is not included in your license."
	}
	return NewProblemDetails(
		http.StatusForbidden,
		TypeLicenseRequired,
		"Not Licensed",
		detail,
		instance,
	).WithExtension("error_code", "NOT_LICENSED").
		WithExtension("check", req.Kind.String()).
		WithExtension("key", req.Key).
		WithExtension("trace_id", traceID)
}
