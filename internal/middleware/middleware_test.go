package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "opsconsole/internal/errors"
	"opsconsole/internal/gate"
	"opsconsole/internal/infrastructure"
	"opsconsole/internal/license"
	"opsconsole/internal/shared/testutil"
)

// =============================================================================
// Request plumbing
// =============================================================================

func TestRequestID(t *testing.T) {
	var seen, traced string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetReqID(r.Context())
		traced = infrastructure.GetTraceID(r.Context())
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Len(t, seen, 36)
		assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
		assert.Equal(t, seen, traced)
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "caller-id")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "caller-id", seen)
		assert.Equal(t, "caller-id", rec.Header().Get(RequestIDHeader))
	})
}

func TestStructuredLogger(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	h := StructuredLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/license/status", nil))

	testutil.AssertLogContains(t, logs, slog.LevelWarn, "request completed")
	assert.True(t, logs.ContainsAttr("status", int64(http.StatusTeapot)))
	assert.True(t, logs.ContainsAttr("path", "/api/license/status"))
}

func TestRecoverer(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	h := RequestID(Recoverer(apperrors.NewErrorHandler(logger, false))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/license/status", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apperrors.TypeInternal, body["type"])
	assert.Equal(t, rec.Header().Get(RequestIDHeader), body["trace_id"])
	assert.True(t, logs.ContainsMessage("panic recovered"))
}

func TestCORS(t *testing.T) {
	h := CORS(CORSConfig{AllowedOrigins: []string{"http://console.local"}})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("allowed preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/license/activate", nil)
		req.Header.Set("Origin", "http://console.local")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
		assert.Equal(t, "http://console.local", rec.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("foreign origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/license/status", nil)
		req.Header.Set("Origin", "http://evil.example")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

// =============================================================================
// License gate
// =============================================================================

func TestPrincipal(t *testing.T) {
	var got license.Principal
	var ok bool
	h := Principal("X-Forwarded-Email")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = license.PrincipalFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Forwarded-Email", " ops@customer.example ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.True(t, ok)
	assert.Equal(t, "ops@customer.example", got.Email)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.False(t, ok)
}

func newGatedRouter(t *testing.T, ctrl *license.Controller) http.Handler {
	t.Helper()
	renderer, err := gate.NewRenderer(gate.RendererConfig{ContactURL: "mailto:admin@customer.example"}, nil)
	require.NoError(t, err)
	lg := NewLicenseGate(ctrl, renderer, nil)

	r := chi.NewRouter()
	r.Use(RequestID, Principal("X-Forwarded-Email"))
	r.With(lg.RequireModule("fixed_income")).Get("/api/fixed-income/positions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"positions":[]}`))
	})
	r.With(lg.RequireModule("fixed_income")).Get("/fixed-income", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<table id="ladder"></table>`))
	})
	r.With(lg.RequireModuleParam("module")).Get("/modules/{module}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<section></section>`))
	})
	r.With(lg.RequireFeature("export")).Get("/api/export", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	return r
}

func TestLicenseGate_APIBlockedWithVerdictMessage(t *testing.T) {
	ctrl := testutil.NewSettledController(t, testutil.NewFakeAuthority(testutil.ExpiredSnapshot()), testutil.StaffDomains...)
	router := newGatedRouter(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/api/fixed-income/positions", nil)
	req.Header.Set("X-Forwarded-Email", testutil.CustomerPrincipal.Email)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apperrors.TypeLicenseRequired, body["type"])
	assert.Equal(t, "Contact admin", body["detail"])
	assert.Equal(t, "fixed_income", body["key"])
	assert.Equal(t, rec.Header().Get(RequestIDHeader), body["trace_id"])
}

func TestLicenseGate_ExemptPrincipalPasses(t *testing.T) {
	ctrl := testutil.NewSettledController(t, testutil.NewFakeAuthority(testutil.ExpiredSnapshot()), testutil.StaffDomains...)
	router := newGatedRouter(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/api/fixed-income/positions", nil)
	req.Header.Set("X-Forwarded-Email", testutil.StaffPrincipal.Email)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"positions":[]}`, rec.Body.String())
}

func TestLicenseGate_HTMLDegradedOverlay(t *testing.T) {
	ctrl := testutil.NewSettledController(t, testutil.NewFakeAuthority(testutil.ExpiredSnapshot()))
	router := newGatedRouter(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/fixed-income", nil)
	req.Header.Set("Accept", "text/html")
	req.Header.Set("X-Forwarded-Email", testutil.CustomerPrincipal.Email)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "degraded", rec.Header().Get("X-License-Gate"))
	assert.Contains(t, rec.Body.String(), `data-license-gate="degraded"`)
	assert.Contains(t, rec.Body.String(), `<table id="ladder"></table>`)
	assert.Contains(t, rec.Body.String(), `<p class="license-gate__message">Contact admin</p>`)
}

func TestLicenseGate_UnsafeMethodsNeverReachHandler(t *testing.T) {
	ctrl := testutil.NewSettledController(t, testutil.NewFakeAuthority(testutil.ExpiredSnapshot()))
	renderer, err := gate.NewRenderer(gate.RendererConfig{}, nil)
	require.NoError(t, err)
	lg := NewLicenseGate(ctrl, renderer, nil)

	var executed int
	r := chi.NewRouter()
	r.Use(Principal("X-Forwarded-Email"))
	r.With(lg.RequireModule("fixed_income")).Post("/fixed-income/orders", func(w http.ResponseWriter, r *http.Request) {
		executed++
		w.WriteHeader(http.StatusCreated)
	})

	req := httptest.NewRequest(http.MethodPost, "/fixed-income/orders", strings.NewReader("qty=10"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "text/html")
	req.Header.Set("X-Forwarded-Email", testutil.CustomerPrincipal.Email)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "degraded", rec.Header().Get("X-License-Gate"))
	assert.Contains(t, rec.Body.String(), `data-license-gate="degraded"`)
	assert.Zero(t, executed)
}

func TestLicenseGate_ModuleFromURLParam(t *testing.T) {
	ctrl := testutil.NewSettledController(t, testutil.NewFakeAuthority(testutil.ExpiredSnapshot()))
	router := newGatedRouter(t, ctrl)

	tests := []struct {
		path string
		want int
	}{
		{"/modules/fixed_income", http.StatusForbidden},
		{"/modules/audit_trail", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set("Accept", "text/html")
			req.Header.Set("X-Forwarded-Email", testutil.CustomerPrincipal.Email)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestLicenseGate_UnknownKeyDefaultsToAllowed(t *testing.T) {
	ctrl := testutil.NewSettledController(t, testutil.NewFakeAuthority(testutil.ActiveSnapshot()))
	router := newGatedRouter(t, ctrl)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/export", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestLicenseGate_FailOpenOnTransportError(t *testing.T) {
	auth := testutil.NewFakeAuthority(testutil.ExpiredSnapshot())
	auth.SetFetchError(&license.TransportError{Op: "status", Err: context.DeadlineExceeded})
	ctrl := testutil.NewSettledController(t, auth)
	router := newGatedRouter(t, ctrl)

	req := httptest.NewRequest(http.MethodGet, "/api/fixed-income/positions", nil)
	req.Header.Set("X-Forwarded-Email", testutil.CustomerPrincipal.Email)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIsAPIRequest(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		header map[string]string
		want   bool
	}{
		{"api prefix", "/api/license/status", nil, true},
		{"accept json", "/reports", map[string]string{"Accept": "application/json"}, true},
		{"json body", "/reports", map[string]string{"Content-Type": "application/json"}, true},
		{"html page", "/reports", map[string]string{"Accept": "text/html"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, isAPIRequest(req))
		})
	}
}
