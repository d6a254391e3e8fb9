package http

import (
	"bytes"
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "opsconsole/internal/errors"
	"opsconsole/internal/gate"
	"opsconsole/internal/infrastructure"
	"opsconsole/internal/license"
	appmw "opsconsole/internal/middleware"
)

// LicenseService is the license controller as seen by the HTTP layer.
type LicenseService interface {
	Snapshot() license.Snapshot
	State() license.State
	Refresh(ctx context.Context) bool
	Activate(ctx context.Context, req license.ActivationRequest) (license.ActivationResult, error)
	Verdict(ctx context.Context, p license.Principal, req license.Request) license.Verdict
	ActivationRequiredFor(p license.Principal) bool
	IsExemptPrincipal(p license.Principal) bool
}

// LicenseHandler serves /api/license.
type LicenseHandler struct {
	service  LicenseService
	dialogs  *gate.Registry
	renderer *gate.Renderer
	errors   *apperrors.ErrorHandler
	validate *validator.Validate
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service LicenseService, dialogs *gate.Registry, renderer *gate.Renderer, errHandler *apperrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	return &LicenseHandler{
		service:  service,
		dialogs:  dialogs,
		renderer: renderer,
		errors:   errHandler,
		validate: NewValidator(),
		logger:   logger.With(slog.String("handler", "license")),
		tracer:   otel.Tracer("license-handler"),
	}
}

// NewValidator returns a validator that knows the licensekey rule and
// reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("licensekey", func(fl validator.FieldLevel) bool {
		return license.IsValidKeyFormat(fl.Field().String())
	})
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Routes returns a chi router for license endpoints
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Post("/refresh", h.Refresh)
	r.Post("/activate", h.Activate)

	r.Get("/features/{key}", h.featureVerdict)
	r.Get("/modules/{key}", h.moduleVerdict)

	r.Route("/dialog", func(r chi.Router) {
		r.Get("/", h.GetDialog)
		r.Post("/open", h.OpenDialog)
		r.Post("/close", h.CloseDialog)
		r.Post("/input", h.DialogInput)
		r.Post("/submit", h.SubmitDialog)
	})

	r.Get("/gate/modules/{key}", h.moduleGate)
	r.Get("/gate/features/{key}", h.featureGate)
	return r
}

// StatusResponse is the body of GET /api/license/status.
type StatusResponse struct {
	license.Snapshot
	State              string `json:"state"`
	ActivationRequired bool   `json:"activation_required"`
	Exempt             bool   `json:"exempt"`
}

// ActivationResponse is the body of a successful POST /api/license/activate.
type ActivationResponse struct {
	Success       bool             `json:"success"`
	Message       string           `json:"message"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
	DaysRemaining int              `json:"days_remaining"`
	License       license.Snapshot `json:"license"`
	TraceID       string           `json:"trace_id"`
}

// VerdictResponse is the body of the feature and module checks.
type VerdictResponse struct {
	Check    string `json:"check"`
	Key      string `json:"key"`
	Licensed bool   `json:"is_licensed"`
	Message  string `json:"message"`
}

// DialogState is returned by the dialog open and close endpoints.
type DialogState struct {
	Open   bool `json:"open"`
	Forced bool `json:"forced"`
}

type dialogInput struct {
	Value string `json:"value"`
}

func (h *LicenseHandler) startSpan(r *http.Request, op string) (context.Context, trace.Span) {
	return h.tracer.Start(r.Context(), "license_handler."+op,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
			attribute.String("component", "license_handler"),
			attribute.String("operation", op),
		),
	)
}

func (h *LicenseHandler) statusFor(p license.Principal) StatusResponse {
	return StatusResponse{
		Snapshot:           h.service.Snapshot(),
		State:              h.service.State().String(),
		ActivationRequired: h.service.ActivationRequiredFor(p),
		Exempt:             h.service.IsExemptPrincipal(p),
	}
}

// GetStatus handles GET /api/license/status
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "get_status")
	defer span.End()

	resp := h.statusFor(appmw.RequestPrincipal(r))
	span.SetAttributes(
		attribute.String("license.status", string(resp.Status)),
		attribute.Bool("license.valid", resp.Valid),
		attribute.Bool("license.activation_required", resp.ActivationRequired),
	)
	h.logger.DebugContext(ctx, "license status served",
		slog.String("status", string(resp.Status)),
		slog.String("state", resp.State))
	render.JSON(w, r, resp)
}

// Refresh handles POST /api/license/refresh. It waits for the fetch and
// answers 409 when a fetch or activation is already running.
func (h *LicenseHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "refresh")
	defer span.End()

	if !h.service.Refresh(ctx) {
		span.SetAttributes(attribute.Bool("license.refresh_dropped", true))
		h.errors.HandleError(w, r.WithContext(ctx), license.ErrBusy)
		return
	}
	h.logger.InfoContext(ctx, "license refreshed on request")
	render.JSON(w, r, h.statusFor(appmw.RequestPrincipal(r)))
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "activate")
	defer span.End()
	r = r.WithContext(ctx)

	var req license.ActivationRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		span.SetStatus(codes.Error, "decode failed")
		h.errors.HandleError(w, r, err)
		return
	}
	req.LicenseKey = license.NormalizeKey(req.LicenseKey)
	if err := h.validate.StructCtx(ctx, req); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		h.errors.HandleError(w, r, err)
		return
	}

	p := appmw.RequestPrincipal(r)
	h.logger.InfoContext(ctx, "license activation requested",
		slog.String("license_key", license.MaskLicenseKey(req.LicenseKey)),
		slog.Bool("custom_duration", req.DurationDays != nil))

	result, err := h.service.Activate(license.WithPrincipal(ctx, p), req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.errors.HandleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.Int("license.days_remaining", result.DaysRemaining))
	render.JSON(w, r, ActivationResponse{
		Success:       true,
		Message:       result.Message,
		ExpiresAt:     result.ExpiresAt,
		DaysRemaining: result.DaysRemaining,
		License:       h.service.Snapshot(),
		TraceID:       middleware.GetReqID(ctx),
	})
}

func (h *LicenseHandler) featureVerdict(w http.ResponseWriter, r *http.Request) {
	h.verdict(w, r, license.FeatureRequest(chi.URLParam(r, "key")))
}

func (h *LicenseHandler) moduleVerdict(w http.ResponseWriter, r *http.Request) {
	h.verdict(w, r, license.ModuleRequest(chi.URLParam(r, "key")))
}

func (h *LicenseHandler) verdict(w http.ResponseWriter, r *http.Request, req license.Request) {
	ctx, span := h.startSpan(r, "verdict")
	defer span.End()

	v := h.service.Verdict(ctx, appmw.RequestPrincipal(r), req)
	span.SetAttributes(
		attribute.String("license.check", req.Kind.String()),
		attribute.String("license.key", req.Key),
		attribute.Bool("license.licensed", v.Licensed),
	)
	render.JSON(w, r, VerdictResponse{
		Check:    req.Kind.String(),
		Key:      req.Key,
		Licensed: v.Licensed,
		Message:  v.Message,
	})
}

// GetDialog handles GET /api/license/dialog and returns the dialog
// fragment. The body is empty while the dialog is closed.
func (h *LicenseHandler) GetDialog(w http.ResponseWriter, r *http.Request) {
	d := h.dialogs.For(appmw.RequestPrincipal(r))
	h.writeDialog(w, r, d, http.StatusOK)
}

// OpenDialog handles POST /api/license/dialog/open
func (h *LicenseHandler) OpenDialog(w http.ResponseWriter, r *http.Request) {
	d := h.dialogs.For(appmw.RequestPrincipal(r))
	d.Open()
	render.JSON(w, r, DialogState{Open: true, Forced: d.Forced()})
}

// CloseDialog handles POST /api/license/dialog/close. A forced dialog stays
// open.
func (h *LicenseHandler) CloseDialog(w http.ResponseWriter, r *http.Request) {
	d := h.dialogs.For(appmw.RequestPrincipal(r))
	closed := d.Close()
	render.JSON(w, r, DialogState{Open: !closed, Forced: d.Forced()})
}

// DialogInput handles POST /api/license/dialog/input and echoes the key
// reformatted as typed.
func (h *LicenseHandler) DialogInput(w http.ResponseWriter, r *http.Request) {
	var in dialogInput
	if err := render.DecodeJSON(r.Body, &in); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	d := h.dialogs.For(appmw.RequestPrincipal(r))
	render.JSON(w, r, dialogInput{Value: d.Input(in.Value)})
}

// SubmitDialog handles the form post from the rendered dialog and
// re-renders it with the outcome notice.
func (h *LicenseHandler) SubmitDialog(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "dialog_submit")
	defer span.End()
	r = r.WithContext(ctx)

	if err := r.ParseForm(); err != nil {
		h.errors.HandleError(w, r, apperrors.NewProblemDetails(http.StatusBadRequest,
			apperrors.TypeBadRequest, "Invalid Form", err.Error(), r.URL.Path))
		return
	}

	d := h.dialogs.For(appmw.RequestPrincipal(r))
	d.Input(r.PostForm.Get("license_key"))
	custom := r.PostForm.Get("custom_duration") != ""
	d.SetCustomDuration(custom)
	if raw := r.PostForm.Get("duration_days"); custom && raw != "" {
		days, err := strconv.Atoi(raw)
		if err == nil {
			err = d.SelectDuration(days)
		}
		if err != nil {
			h.errors.HandleError(w, r, apperrors.NewProblemDetails(http.StatusBadRequest,
				apperrors.TypeValidation, "Validation Failed",
				"duration_days must be one of the offered durations", r.URL.Path))
			return
		}
	}

	status := http.StatusOK
	if _, err := d.Submit(ctx); err != nil {
		span.RecordError(err)
		status = apperrors.MapLicenseError(err, r.URL.Path, "").Status
		h.logger.WarnContext(ctx, "dialog activation failed",
			slog.String("error", err.Error()),
			slog.Int("status", status))
	}
	h.writeDialog(w, r, d, status)
}

func (h *LicenseHandler) writeDialog(w http.ResponseWriter, r *http.Request, d *gate.Dialog, status int) {
	var buf bytes.Buffer
	if err := h.renderer.Dialog(&buf, d.View(dialogActionURL(r))); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

// dialogActionURL points the rendered form at the submit endpoint next to
// the current route.
func dialogActionURL(r *http.Request) string {
	path := r.URL.Path
	if i := strings.Index(path, "/dialog"); i >= 0 {
		return path[:i] + "/dialog/submit"
	}
	return "/api/license/dialog/submit"
}

func (h *LicenseHandler) moduleGate(w http.ResponseWriter, r *http.Request) {
	h.gatePreview(w, r, license.ModuleRequest(chi.URLParam(r, "key")))
}

func (h *LicenseHandler) featureGate(w http.ResponseWriter, r *http.Request) {
	h.gatePreview(w, r, license.FeatureRequest(chi.URLParam(r, "key")))
}

// gatePreview renders the gate fragment server-rendered pages embed. The
// X-License-Gate header carries the presentation chosen.
func (h *LicenseHandler) gatePreview(w http.ResponseWriter, r *http.Request, req license.Request) {
	ctx, span := h.startSpan(r, "gate_preview")
	defer span.End()

	v := h.service.Verdict(ctx, appmw.RequestPrincipal(r), req)
	mode := gate.ParseMode(r.URL.Query().Get("mode"))

	var buf bytes.Buffer
	var (
		presentation gate.Presentation
		err          error
	)
	switch mode {
	case gate.ModeMenuItem:
		presentation = gate.Decide(v, mode)
		err = h.renderer.MenuItem(&buf, v, labelFor(r, req), r.URL.Query().Get("href"))
	case gate.ModeButton:
		presentation = gate.Decide(v, mode)
		err = h.renderer.Button(&buf, v, labelFor(r, req), "")
	default:
		presentation, err = h.renderer.Gate(&buf, v, gate.Options{Mode: mode, Title: r.URL.Query().Get("title")}, template.HTML(""))
	}
	if err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.String("license.presentation", presentation.String()))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("X-License-Gate", presentation.String())
	_, _ = buf.WriteTo(w)
}

func labelFor(r *http.Request, req license.Request) string {
	if label := r.URL.Query().Get("label"); label != "" {
		return label
	}
	return req.Key
}
