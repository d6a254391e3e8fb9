package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"

	"opsconsole/internal/config"
	apperrors "opsconsole/internal/errors"
	"opsconsole/internal/gate"
	"opsconsole/internal/infrastructure"
	"opsconsole/internal/license"
	customMiddleware "opsconsole/internal/middleware"
	handlers "opsconsole/internal/transport/http"
	ws "opsconsole/internal/websocket"
)

// Application is the console's composition root. One instance owns the
// license controller, the websocket hub and the HTTP server.
type Application struct {
	Config        *config.Config
	Logger        *slog.Logger
	OTelProviders *infrastructure.OTelProviders
	License       *license.Controller
	Renderer      *gate.Renderer
	Dialogs       *gate.Registry
	WebSocketHub  *ws.Hub
	ErrorHandler  *apperrors.ErrorHandler
	Router        *chi.Mux
	Server        *http.Server
}

// Options overrides collaborators that are normally built from config.
// Tests use it to plug in an in-process authority.
type Options struct {
	Authority license.Authority
}

// New wires the application from cfg. Nothing talks to the authority or
// listens on a socket until Run.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (*Application, error) {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	a := &Application{
		Config: cfg,
		Logger: infrastructure.WithComponent(logger, "app"),
	}

	providers, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	a.OTelProviders = providers

	if err := a.initializeLicense(opts, logger); err != nil {
		return nil, err
	}

	renderer, err := gate.NewRenderer(gate.RendererConfig{
		ContactURL:   cfg.License.ContactURL,
		ContactLabel: cfg.License.ContactLabel,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create gate renderer: %w", err)
	}
	a.Renderer = renderer
	a.Dialogs = gate.NewRegistry(a.License, gate.RegistryConfig{
		MaxDialogs:  cfg.License.MaxDialogs,
		IdleTimeout: cfg.License.DialogIdleTimeout,
	})
	a.ErrorHandler = apperrors.NewErrorHandler(logger, cfg.Server.IncludeStack)

	wsMetrics, err := ws.NewMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("create websocket metrics: %w", err)
	}
	a.WebSocketHub = ws.NewHub(a.License, wsMetrics, logger)

	if err := a.setupRouter(logger); err != nil {
		return nil, err
	}
	a.createServer()
	return a, nil
}

func (a *Application) initializeLicense(opts Options, logger *slog.Logger) error {
	lc := a.Config.License
	metrics, err := license.InitializeLicenseMetrics(a.OTelProviders.Meter)
	if err != nil {
		return fmt.Errorf("create license metrics: %w", err)
	}

	authority := opts.Authority
	if authority == nil {
		client, err := license.NewClient(license.ClientConfig{
			BaseURL:         lc.AuthorityURL,
			APIToken:        lc.APIToken,
			Timeout:         lc.Timeout,
			MaxRetries:      lc.MaxRetries,
			RetryBackoff:    lc.RetryBackoff,
			BreakerFailures: lc.BreakerFailures,
			BreakerTimeout:  lc.BreakerTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("create license client: %w", err)
		}
		authority = client
	}

	a.License = license.NewController(authority, license.ControllerConfig{
		PollPeriod:         lc.PollPeriod,
		ActivationAttempts: lc.ActivationAttempts,
		ActivationWindow:   lc.ActivationWindow,
		Exemptions:         license.NewExemptionPolicy(lc.ExemptDomains, lc.ExemptEmails),
		Metrics:            metrics,
	}, logger)
	return nil
}

func (a *Application) setupRouter(logger *slog.Logger) error {
	cfg := a.Config
	r := chi.NewRouter()

	// RequestID and RealIP do not wrap the ResponseWriter, so the upgrade
	// route can share them.
	r.Use(customMiddleware.RequestID)
	r.Use(customMiddleware.RealIP)

	principal := customMiddleware.Principal(cfg.Server.PrincipalHeader)
	r.With(principal).Handle("/ws", ws.NewHandler(a.WebSocketHub, cfg.WebSocket, cfg.Server.AllowedOrigins))

	otelMiddleware, err := customMiddleware.NewOTelMiddleware(a.OTelProviders)
	if err != nil {
		return fmt.Errorf("create otel middleware: %w", err)
	}

	licenseHandler := handlers.NewLicenseHandler(a.License, a.Dialogs, a.Renderer, a.ErrorHandler, logger)
	healthHandler := handlers.NewHealthHandler(a.License, a.WebSocketHub, logger)
	pageHandler, err := handlers.NewPageHandler(a.License, a.Dialogs, a.Renderer, cfg.License.Modules, logger)
	if err != nil {
		return err
	}
	licenseGate := customMiddleware.NewLicenseGate(a.License, a.Renderer, logger)

	r.Group(func(r chi.Router) {
		// RequestID → RealIP → OTel → Logger → Recoverer
		r.Use(otelMiddleware.Handler)
		r.Use(customMiddleware.StructuredLogger(logger))
		r.Use(customMiddleware.Recoverer(a.ErrorHandler))
		r.Use(customMiddleware.SecurityHeaders)
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
			AllowedOrigins:   cfg.Server.AllowedOrigins,
			AllowedHeaders:   []string{"Content-Type", "X-Request-ID", cfg.Server.PrincipalHeader},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(principal)

		r.Route("/api", func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Get("/health", healthHandler.HealthCheck)
			r.Get("/health/ready", healthHandler.ReadinessCheck)
			r.Get("/health/live", healthHandler.LivenessCheck)
			r.Get("/version", healthHandler.Version)
			r.Mount("/license", licenseHandler.Routes())
		})

		r.Get("/", pageHandler.Home)
		r.With(licenseGate.RequireModuleParam("module")).Get("/modules/{module}", pageHandler.Module)

		r.NotFound(a.ErrorHandler.NotFound)
		r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)
	})

	if a.OTelProviders.PrometheusHTTP != nil {
		r.Handle("/metrics", a.OTelProviders.PrometheusHTTP)
	}

	a.Router = r
	return nil
}

func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         a.Config.Server.Addr(),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run starts the license controller, the websocket hub and the HTTP
// server, and blocks until ctx is cancelled or one of them fails. Shutdown
// drains the server first, then stops the controller, so subscribers see
// their streams close only after no handler can reach them.
func (a *Application) Run(ctx context.Context) error {
	if err := a.License.Start(ctx); err != nil {
		return fmt.Errorf("start license controller: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.WebSocketHub.Run(gctx)
	})

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "HTTP server listening", slog.String("addr", a.Server.Addr))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func (a *Application) shutdown() error {
	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	a.Logger.InfoContext(ctx, "Shutting down")

	var errs []error
	if err := a.Server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
	}
	a.License.Stop()
	if err := a.OTelProviders.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.Logger.InfoContext(ctx, "Shutdown complete")
	return nil
}

// RunUntilSignal runs the application until SIGINT or SIGTERM.
func (a *Application) RunUntilSignal() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}
