package license

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidFormat is returned before any network call when an
	// activation key does not have the PRIV-XXXX-XXXX-XXXX-XXXX shape.
	ErrInvalidFormat = errors.New("invalid license key format")

	// ErrBusy is returned when an activation is requested while a status
	// fetch or another activation is outstanding.
	ErrBusy = errors.New("license status is being updated, try again shortly")

	// ErrActivationThrottled is returned when too many activation attempts
	// were made in a short period.
	ErrActivationThrottled = errors.New("too many activation attempts, try again later")

	// ErrDisposed is returned by a controller that has been stopped.
	ErrDisposed = errors.New("license controller stopped")
)

// TransportError wraps any failure to obtain a usable response from the
// licensing authority: network errors, timeouts, an open circuit, non-2xx
// status responses to a status fetch, or bodies that are not JSON.
type TransportError struct {
	Op  string
	Err error
	// Detail is the authority's message when a failed response carried one.
	Detail string
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("license %s: transport failure: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// RejectedError is returned when the authority refuses an activation. The
// message is the authority's own and is meant to be shown to the user as is.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return e.Message
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRejected reports whether err is a RejectedError and returns it.
func IsRejected(err error) (*RejectedError, bool) {
	var re *RejectedError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// AuthorityMessage returns the human message the authority attached to
// err, or "" when there is none.
func AuthorityMessage(err error) string {
	if re, ok := IsRejected(err); ok {
		return re.Message
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Detail
	}
	return ""
}

// classifyLicenseError buckets errors for metric attributes.
func classifyLicenseError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidFormat):
		return "invalid_format"
	case errors.Is(err, ErrBusy):
		return "busy"
	case errors.Is(err, ErrActivationThrottled):
		return "throttled"
	case errors.Is(err, ErrDisposed):
		return "disposed"
	case IsTransport(err):
		return "transport"
	}
	if _, ok := IsRejected(err); ok {
		return "rejected"
	}
	return "unknown"
}
