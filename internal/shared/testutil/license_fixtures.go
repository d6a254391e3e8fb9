package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"opsconsole/internal/license"
)

// Test license keys
const (
	ValidLicenseKey     = "PRIV-AB12-CD34-EF56-GH78"
	RejectedLicenseKey  = "PRIV-DEAD-BEEF-0000-0000"
	MalformedLicenseKey = "PRIV-AB12"
)

// Test principals
var (
	CustomerPrincipal = license.Principal{Email: "ops@customer.example"}
	StaffPrincipal    = license.Principal{Email: "support@vendor.example"}
)

// StaffDomains is the exemption domain list matching StaffPrincipal.
var StaffDomains = []string{"vendor.example"}

// ActiveSnapshot returns a valid license with a couple of known entries.
func ActiveSnapshot() license.Snapshot {
	expires := time.Now().Add(120 * 24 * time.Hour)
	return license.NewSnapshot(license.StatusActive, &expires, 120, "License active",
		map[string]license.Entitlement{"export": {Licensed: true, Message: "Included"}},
		map[string]license.Entitlement{"reports": {Licensed: true, Message: "Included"}},
	)
}

// ExpiredSnapshot returns an expired license that denies its known entries.
func ExpiredSnapshot() license.Snapshot {
	return license.NewSnapshot(license.StatusExpired, nil, 0, "License expired",
		map[string]license.Entitlement{"export": {Licensed: false, Message: "Export requires an active license"}},
		map[string]license.Entitlement{
			"reports":      {Licensed: false, Message: "Reports require an active license"},
			"fixed_income": {Licensed: false, Message: "Contact admin"},
		},
	)
}

// FakeAuthority is an in-memory license.Authority.
type FakeAuthority struct {
	mu          sync.Mutex
	snapshot    license.Snapshot
	fetchErr    error
	result      license.ActivationResult
	activateErr error

	Fetches     atomic.Int32
	Activations atomic.Int32
}

// NewFakeAuthority returns an authority that reports snap.
func NewFakeAuthority(snap license.Snapshot) *FakeAuthority {
	return &FakeAuthority{
		snapshot: snap,
		result:   license.ActivationResult{DaysRemaining: 365, Message: "License activated successfully"},
	}
}

// SetSnapshot changes what FetchStatus reports.
func (f *FakeAuthority) SetSnapshot(snap license.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshot = snap
}

// SetFetchError makes FetchStatus fail with err; nil restores it.
func (f *FakeAuthority) SetFetchError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// SetActivateError makes Activate fail with err; nil restores it.
func (f *FakeAuthority) SetActivateError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activateErr = err
}

func (f *FakeAuthority) FetchStatus(_ context.Context) (license.Snapshot, error) {
	f.Fetches.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return license.Snapshot{}, f.fetchErr
	}
	return f.snapshot, nil
}

func (f *FakeAuthority) Activate(_ context.Context, req license.ActivationRequest) (license.ActivationResult, error) {
	f.Activations.Add(1)
	if _, err := license.ValidateKeyFormat(req.LicenseKey); err != nil {
		return license.ActivationResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.activateErr != nil {
		return license.ActivationResult{}, f.activateErr
	}
	return f.result, nil
}

// NewSettledController starts a controller against auth and waits for the
// first fetch to resolve. It is stopped when the test ends.
func NewSettledController(t *testing.T, auth license.Authority, domains ...string) *license.Controller {
	t.Helper()
	ctrl := license.NewController(auth, license.ControllerConfig{
		PollPeriod: time.Hour,
		Exemptions: license.NewExemptionPolicy(domains, nil),
	}, nil)
	t.Cleanup(ctrl.Stop)
	if !ctrl.Refresh(context.Background()) {
		t.Fatal("initial license refresh was dropped")
	}
	return ctrl
}

// AuthorityServer is an httptest licensing authority speaking the wire
// protocol of license.Client.
type AuthorityServer struct {
	*httptest.Server

	mu           sync.Mutex
	statusCode   int
	statusBody   map[string]any
	rejectDetail string

	StatusCalls   atomic.Int32
	ActivateCalls atomic.Int32
}

// NewAuthorityServer starts an authority reporting an active license.
func NewAuthorityServer(t *testing.T) *AuthorityServer {
	t.Helper()
	a := &AuthorityServer{
		statusCode: http.StatusOK,
		statusBody: map[string]any{
			"is_valid":       true,
			"status":         "active",
			"days_remaining": 120,
			"message":        "License active",
			"features":       map[string]any{},
			"modules":        map[string]any{},
		},
		rejectDetail: "License key is not valid",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/license/status", func(w http.ResponseWriter, r *http.Request) {
		a.StatusCalls.Add(1)
		a.mu.Lock()
		code, body := a.statusCode, a.statusBody
		a.mu.Unlock()
		writeJSON(w, code, body)
	})
	mux.HandleFunc("/license/activate", func(w http.ResponseWriter, r *http.Request) {
		a.ActivateCalls.Add(1)
		var req license.ActivationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "malformed request"})
			return
		}
		a.mu.Lock()
		detail := a.rejectDetail
		a.mu.Unlock()
		if req.LicenseKey == RejectedLicenseKey {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": detail})
			return
		}
		days := 365
		if req.DurationDays != nil {
			days = *req.DurationDays
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"expires_at":     time.Now().Add(time.Duration(days) * 24 * time.Hour).UTC().Format(time.RFC3339),
			"days_remaining": days,
			"message":        "License activated successfully",
		})
	})

	a.Server = httptest.NewServer(mux)
	t.Cleanup(a.Server.Close)
	return a
}

// SetStatus replaces the status response.
func (a *AuthorityServer) SetStatus(code int, body map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.statusCode = code
	a.statusBody = body
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
