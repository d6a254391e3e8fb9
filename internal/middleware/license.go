package middleware

import (
	"bytes"
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "opsconsole/internal/errors"
	"opsconsole/internal/gate"
	"opsconsole/internal/infrastructure"
	"opsconsole/internal/license"
)

// Principal reads the identity proxy header and stores the caller as the
// request principal. Requests without the header carry no principal and
// are treated as non-exempt.
func Principal(header string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if email := strings.TrimSpace(r.Header.Get(header)); email != "" {
				r = r.WithContext(license.WithPrincipal(r.Context(), license.Principal{Email: email}))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequestPrincipal returns the principal stored by Principal, or the zero
// principal.
func RequestPrincipal(r *http.Request) license.Principal {
	p, _ := license.PrincipalFromContext(r.Context())
	return p
}

// VerdictSource answers authorization questions for a principal.
type VerdictSource interface {
	Verdict(ctx context.Context, p license.Principal, req license.Request) license.Verdict
}

// LicenseGate blocks routes whose module or feature is not covered by the
// current license. API callers get a 403 problem carrying the verdict
// message; browsers get the page obscured under the license overlay.
type LicenseGate struct {
	verdicts VerdictSource
	renderer *gate.Renderer
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewLicenseGate creates the gate middleware factory.
func NewLicenseGate(verdicts VerdictSource, renderer *gate.Renderer, logger *slog.Logger) *LicenseGate {
	if logger == nil {
		logger = slog.Default()
	}
	return &LicenseGate{
		verdicts: verdicts,
		renderer: renderer,
		logger:   logger.With(slog.String("component", "license_gate")),
		tracer:   otel.Tracer("license-middleware"),
	}
}

// RequireModule gates the wrapped routes on a module entitlement.
func (g *LicenseGate) RequireModule(key string) func(next http.Handler) http.Handler {
	return g.require(license.ModuleRequest(key))
}

// RequireFeature gates the wrapped routes on a feature entitlement.
func (g *LicenseGate) RequireFeature(key string) func(next http.Handler) http.Handler {
	return g.require(license.FeatureRequest(key))
}

// RequireModuleParam gates on the module named by a chi URL parameter.
func (g *LicenseGate) RequireModuleParam(param string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.require(license.ModuleRequest(chi.URLParam(r, param)))(next).ServeHTTP(w, r)
		})
	}
}

func (g *LicenseGate) require(req license.Request) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := g.tracer.Start(r.Context(), "license_gate.check",
				trace.WithAttributes(
					attribute.String("license.check", req.Kind.String()),
					attribute.String("license.key", req.Key),
				),
			)
			defer span.End()
			r = r.WithContext(ctx)

			v := g.verdicts.Verdict(ctx, RequestPrincipal(r), req)
			span.SetAttributes(attribute.Bool("license.licensed", v.Licensed))
			if v.Licensed {
				next.ServeHTTP(w, r)
				return
			}

			g.logger.InfoContext(ctx, "request blocked by license",
				slog.String("check", req.Kind.String()),
				slog.String("key", req.Key),
				slog.String("path", r.URL.Path),
				slog.String("reason", v.Message))

			if isAPIRequest(r) {
				problem := apperrors.NewLicenseRequiredProblem(req, v.Message, r.URL.Path, traceIDOf(ctx))
				render.Render(w, r, problem)
				return
			}
			g.degrade(w, r, next, v, req)
		})
	}
}

// degrade renders the page into a buffer and serves it inside the overlay
// so it stays visible but inert. Only safe methods reach the handler; any
// other request is answered with the bare overlay.
func (g *LicenseGate) degrade(w http.ResponseWriter, r *http.Request, next http.Handler, v license.Verdict, req license.Request) {
	var children template.HTML
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		page := newPageBuffer()
		next.ServeHTTP(page, r)

		infrastructure.SetSpanAttributes(r.Context(), map[string]interface{}{
			"license.presentation": gate.Degraded.String(),
			"license.page_status":  page.status,
		})
		if page.status < 400 {
			children = template.HTML(page.body.String())
		}
	} else {
		infrastructure.SetSpanAttributes(r.Context(), map[string]interface{}{
			"license.presentation":   gate.Degraded.String(),
			"license.skipped_method": r.Method,
		})
	}

	var out bytes.Buffer
	if _, err := g.renderer.Gate(&out, v, gate.Options{Mode: gate.ModeOverlay, Title: req.Key}, children); err != nil {
		g.logger.ErrorContext(r.Context(), "failed to render license overlay", slog.String("error", err.Error()))
		http.Error(w, v.Message, http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-License-Gate", gate.Degraded.String())
	w.WriteHeader(http.StatusForbidden)
	_, _ = w.Write(out.Bytes())
}

// pageBuffer captures a handler's HTML output.
type pageBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newPageBuffer() *pageBuffer {
	return &pageBuffer{header: make(http.Header), status: http.StatusOK}
}

func (p *pageBuffer) Header() http.Header         { return p.header }
func (p *pageBuffer) WriteHeader(status int)      { p.status = status }
func (p *pageBuffer) Write(b []byte) (int, error) { return p.body.Write(b) }

func traceIDOf(ctx context.Context) string {
	if id := GetReqID(ctx); id != "" {
		return id
	}
	if id := infrastructure.GetTraceID(ctx); id != "" {
		return id
	}
	return infrastructure.TraceIDFromContext(ctx)
}

// isAPIRequest checks if the request expects a JSON response
func isAPIRequest(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}
