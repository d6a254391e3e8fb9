package license

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyLicenseError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{"nil", nil, "none"},
		{"invalid format", fmt.Errorf("wrapped: %w", ErrInvalidFormat), "invalid_format"},
		{"busy", ErrBusy, "busy"},
		{"throttled", ErrActivationThrottled, "throttled"},
		{"disposed", ErrDisposed, "disposed"},
		{"transport", &TransportError{Op: "status", Err: context.DeadlineExceeded}, "transport"},
		{"rejected", &RejectedError{StatusCode: 400, Message: "License key is not valid"}, "rejected"},
		{"other", errors.New("boom"), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, classifyLicenseError(tt.err))
		})
	}
}

func TestTransportError_Unwraps(t *testing.T) {
	err := fmt.Errorf("fetch: %w", &TransportError{Op: "status", Err: context.DeadlineExceeded})

	assert.True(t, IsTransport(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "license status: transport failure")
}

func TestIsRejected(t *testing.T) {
	re, ok := IsRejected(fmt.Errorf("activate: %w", &RejectedError{StatusCode: 400, Message: "Key already used"}))
	assert.True(t, ok)
	assert.Equal(t, "Key already used", re.Error())

	_, ok = IsRejected(ErrBusy)
	assert.False(t, ok)
}
