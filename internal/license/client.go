package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethgrid/pester"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	statusPath   = "/license/status"
	activatePath = "/license/activate"

	// maxResponseBytes bounds what is read from the authority.
	maxResponseBytes = 1 << 20
)

// Authority is the licensing authority as seen by the controller.
type Authority interface {
	FetchStatus(ctx context.Context) (Snapshot, error)
	Activate(ctx context.Context, req ActivationRequest) (ActivationResult, error)
}

// ActivationRequest is submitted by the activation dialog. DurationDays is
// only set for privileged activations that mint a new license.
type ActivationRequest struct {
	LicenseKey   string `json:"license_key" validate:"required,licensekey"`
	DurationDays *int   `json:"duration_days,omitempty" validate:"omitempty,min=1"`
}

// ActivationResult is the authority's answer to a successful activation.
type ActivationResult struct {
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	DaysRemaining int        `json:"days_remaining"`
	Message       string     `json:"message"`
}

// ClientConfig configures the HTTP client for the licensing authority.
type ClientConfig struct {
	BaseURL      string
	APIToken     string
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	// Circuit breaker around status fetches.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// Transport overrides the base round tripper, mainly for tests.
	Transport http.RoundTripper
}

// DefaultClientConfig returns the configuration used when fields are left
// at their zero value.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:         baseURL,
		Timeout:         10 * time.Second,
		MaxRetries:      2,
		RetryBackoff:    500 * time.Millisecond,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
	}
}

// Client is the only component that talks to the licensing authority.
// Status fetches are idempotent and go through a retrying client behind a
// circuit breaker; activations are sent exactly once.
type Client struct {
	baseURL       string
	apiToken      string
	retryClient   *pester.Client
	oneshotClient *http.Client
	breaker       *gobreaker.CircuitBreaker
	tracer        trace.Tracer
	logger        *slog.Logger
}

// NewClient creates a client for the authority at cfg.BaseURL.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("license authority base url is required")
	}
	def := DefaultClientConfig(cfg.BaseURL)
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "license_client"))

	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	transport := otelhttp.NewTransport(base)

	retry := pester.New()
	retry.Transport = transport
	retry.Timeout = cfg.Timeout
	// pester counts the first attempt as a retry
	retry.MaxRetries = cfg.MaxRetries + 1
	backoff := cfg.RetryBackoff
	retry.Backoff = func(_ int) time.Duration { return backoff }
	retry.LogHook = func(e pester.ErrEntry) {
		if e.Err != nil && e.Retry < retry.MaxRetries {
			logger.Debug("retrying license status fetch",
				slog.String("method", e.Verb),
				slog.Int("retry", e.Retry),
				slog.String("error", e.Err.Error()))
		}
	}

	c := &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:      cfg.APIToken,
		retryClient:   retry,
		oneshotClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		tracer:        otel.Tracer("license-client"),
		logger:        logger,
	}

	failures := cfg.BreakerFailures
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "license-authority",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("license authority circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return c, nil
}

// statusResponse is the wire shape of GET /license/status.
type statusResponse struct {
	IsValid       bool                   `json:"is_valid"`
	Status        string                 `json:"status"`
	ExpiresAt     wireTime               `json:"expires_at"`
	DaysRemaining int                    `json:"days_remaining"`
	Message       string                 `json:"message"`
	Features      map[string]Entitlement `json:"features"`
	Modules       map[string]Entitlement `json:"modules"`
}

// activateResponse is the wire shape of a successful POST /license/activate.
type activateResponse struct {
	ExpiresAt     wireTime `json:"expires_at"`
	DaysRemaining int      `json:"days_remaining"`
	Message       string   `json:"message"`
}

// errorBody is what the authority sends with non-2xx responses.
type errorBody struct {
	Detail string `json:"detail"`
}

// FetchStatus reads the current license state from the authority. Every
// failure is returned as a *TransportError.
func (c *Client) FetchStatus(ctx context.Context) (Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "license_client.fetch_status",
		trace.WithAttributes(attribute.String("component", "license_client")))
	defer span.End()

	out, err := c.breaker.Execute(func() (interface{}, error) {
		return c.fetchStatus(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &TransportError{Op: "status", Err: err}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Snapshot{}, err
	}

	snap := out.(Snapshot)
	span.SetAttributes(
		attribute.String("license.status", string(snap.Status)),
		attribute.Bool("license.valid", snap.Valid),
	)
	return snap, nil
}

func (c *Client) fetchStatus(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+statusPath, nil)
	if err != nil {
		return Snapshot{}, &TransportError{Op: "status", Err: err}
	}
	c.decorate(req)

	resp, err := c.retryClient.Do(req)
	if err != nil {
		return Snapshot{}, &TransportError{Op: "status", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Snapshot{}, &TransportError{Op: "status", Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Snapshot{}, &TransportError{
			Op:  "status",
			Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, detailOf(body, resp.StatusCode)),
		}
	}

	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Snapshot{}, &TransportError{Op: "status", Err: fmt.Errorf("decode status response: %w", err)}
	}

	return sr.snapshot(), nil
}

func (sr statusResponse) snapshot() Snapshot {
	status := ParseStatus(sr.Status)
	snap := NewSnapshot(status, sr.ExpiresAt.ptr(), sr.DaysRemaining, sr.Message, sr.Features, sr.Modules)
	if status == StatusUnknown {
		snap.Valid = sr.IsValid
	}
	if !snap.Valid {
		snap.DaysRemaining = 0
	}
	return snap
}

// Activate submits a license key. The key is normalized and its format
// checked before anything is sent; a refusal by the authority comes back as
// a *RejectedError carrying the authority's message.
func (c *Client) Activate(ctx context.Context, ar ActivationRequest) (ActivationResult, error) {
	key, err := ValidateKeyFormat(ar.LicenseKey)
	if err != nil {
		return ActivationResult{}, err
	}
	ar.LicenseKey = key

	ctx, span := c.tracer.Start(ctx, "license_client.activate",
		trace.WithAttributes(
			attribute.String("component", "license_client"),
			attribute.String("license.key_hash", hashLicenseKey(key)),
			attribute.Bool("license.custom_duration", ar.DurationDays != nil),
		))
	defer span.End()

	res, err := c.activate(ctx, ar)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ActivationResult{}, err
	}
	return res, nil
}

func (c *Client) activate(ctx context.Context, ar ActivationRequest) (ActivationResult, error) {
	payload, err := json.Marshal(ar)
	if err != nil {
		return ActivationResult{}, fmt.Errorf("encode activation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+activatePath, bytes.NewReader(payload))
	if err != nil {
		return ActivationResult{}, &TransportError{Op: "activate", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req)

	resp, err := c.oneshotClient.Do(req)
	if err != nil {
		return ActivationResult{}, &TransportError{Op: "activate", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return ActivationResult{}, &TransportError{Op: "activate", Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return ActivationResult{}, &TransportError{
			Op:     "activate",
			Err:    fmt.Errorf("unexpected status %d: %s", resp.StatusCode, detailOf(body, resp.StatusCode)),
			Detail: authorityDetail(body),
		}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		c.logger.InfoContext(ctx, "license activation rejected by authority",
			slog.Int("status_code", resp.StatusCode),
			slog.String("license_key_masked", MaskLicenseKey(ar.LicenseKey)))
		return ActivationResult{}, &RejectedError{
			StatusCode: resp.StatusCode,
			Message:    detailOf(body, resp.StatusCode),
		}
	}

	var out activateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return ActivationResult{}, &TransportError{Op: "activate", Err: fmt.Errorf("decode activation response: %w", err)}
	}
	return ActivationResult{
		ExpiresAt:     out.ExpiresAt.ptr(),
		DaysRemaining: out.DaysRemaining,
		Message:       out.Message,
	}, nil
}

func (c *Client) decorate(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
}

// detailOf extracts the authority's human message from an error body.
func detailOf(body []byte, status int) string {
	if detail := authorityDetail(body); detail != "" {
		return detail
	}
	return http.StatusText(status)
}

func authorityDetail(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return ""
	}
	return strings.TrimSpace(eb.Detail)
}

// wireTime accepts RFC 3339 timestamps, plain dates and null.
type wireTime struct {
	t *time.Time
}

func (w *wireTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		w.t = nil
		return nil
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			w.t = &t
			return nil
		}
	}
	return fmt.Errorf("unrecognized time %q", s)
}

func (w wireTime) ptr() *time.Time {
	return w.t
}
