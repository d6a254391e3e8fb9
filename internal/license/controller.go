package license

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	DefaultPollPeriod         = 5 * time.Minute
	DefaultActivationAttempts = 5
	DefaultActivationWindow   = 15 * time.Minute
)

// ControllerConfig tunes the controller. Zero values fall back to the
// defaults above.
type ControllerConfig struct {
	PollPeriod         time.Duration
	ActivationAttempts int
	ActivationWindow   time.Duration
	Exemptions         ExemptionPolicy
	Metrics            *LicenseMetrics
}

// Controller owns the license lifecycle: it polls the authority, keeps the
// snapshot store current, decides whether activation must be forced and
// runs activations. A single controller serves the whole process.
type Controller struct {
	store     *Store
	authority Authority
	policy    ExemptionPolicy
	period    time.Duration
	limiter   *rate.Limiter
	metrics   *LicenseMetrics
	tracer    trace.Tracer
	logger    *slog.Logger
	log       actionLogger

	mu                 sync.Mutex
	state              State
	principal          Principal
	exempt             bool
	resolved           bool
	activationRequired bool

	cron    *cron.Cron
	runCtx  context.Context
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewController creates a controller in the Init state. Nothing talks to
// the authority until Start is called.
func NewController(authority Authority, cfg ControllerConfig, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollPeriod <= 0 {
		cfg.PollPeriod = DefaultPollPeriod
	}
	if cfg.ActivationAttempts <= 0 {
		cfg.ActivationAttempts = DefaultActivationAttempts
	}
	if cfg.ActivationWindow <= 0 {
		cfg.ActivationWindow = DefaultActivationWindow
	}

	every := rate.Every(cfg.ActivationWindow / time.Duration(cfg.ActivationAttempts))
	return &Controller{
		store:     NewStore(),
		authority: authority,
		policy:    cfg.Exemptions,
		period:    cfg.PollPeriod,
		limiter:   rate.NewLimiter(every, cfg.ActivationAttempts),
		metrics:   cfg.Metrics,
		tracer:    otel.Tracer(TracerName),
		logger:    logger.With(slog.String("component", componentName)),
		log:       newActionLogger(logger),
		state:     StateInit,
	}
}

// Start kicks off a fetch in the background and schedules polling. ctx
// bounds every scheduled fetch until Stop. Refresh may be used without
// Start for one-shot checks.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch {
	case c.state == StateDisposed:
		c.mu.Unlock()
		return ErrDisposed
	case c.cron != nil:
		c.mu.Unlock()
		return errors.New("license controller already started")
	}
	c.runCtx, c.cancel = context.WithCancel(ctx)
	initial := c.transitionLocked(StateFetching)

	c.cron = cron.New(cron.WithLogger(cronLogger{c.logger}))
	c.cron.Schedule(cron.Every(c.period), cron.FuncJob(c.tick))
	c.cron.Start()
	runCtx := c.runCtx
	c.mu.Unlock()

	c.log.info(ctx, "poll_started", "License polling started",
		slog.Duration("period", c.period))

	if initial {
		c.workers.Add(1)
		go func() {
			defer c.workers.Done()
			c.fetch(runCtx)
		}()
	}
	return nil
}

// Stop disposes the controller. In-flight fetches and activations are
// cancelled and their results discarded; subscriber channels are closed.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateDisposed {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(StateDisposed)
	scheduler, cancel := c.cron, c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	c.workers.Wait()
	c.store.closeAll()
	c.logger.Info("License controller stopped")
}

func (c *Controller) tick() {
	c.mu.Lock()
	ctx := c.runCtx
	c.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	c.Refresh(ctx)
}

// Refresh fetches the license status now unless a fetch or activation is
// already in flight, in which case the trigger is dropped and false is
// returned. It blocks until the fetch resolves. If ctx ends before the
// authority answers, the current snapshot is kept.
func (c *Controller) Refresh(ctx context.Context) bool {
	c.mu.Lock()
	if !c.transitionLocked(StateFetching) {
		state := c.state
		c.mu.Unlock()
		c.metrics.recordDroppedTick(ctx, state)
		c.log.debug(ctx, "refresh_dropped", "Refresh dropped, license update already in flight",
			slog.String("state", state.String()))
		return false
	}
	c.mu.Unlock()

	c.fetch(ctx)
	return true
}

// fetch must only be called after a successful transition to Fetching.
func (c *Controller) fetch(ctx context.Context) {
	ctx, span := c.tracer.Start(ctx, "license.fetch_status")
	defer span.End()

	start := time.Now()
	snap, err := c.authority.FetchStatus(ctx)
	c.metrics.recordFetch(ctx, time.Since(start), err)
	c.log.logOperation(ctx, "license_fetch", start, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		c.log.debug(ctx, "fetch_discarded", "License status arrived after stop")
		return
	}

	if err != nil && ctx.Err() != nil {
		// The caller gave up; that says nothing about the authority.
		c.log.debug(ctx, "fetch_abandoned", "License fetch cancelled by caller, keeping snapshot",
			slog.String("error", err.Error()))
		c.transitionLocked(StateSettled)
		return
	}

	if err != nil {
		snap = FailOpenSnapshot("")
		c.activationRequired = false
		c.log.warn(ctx, "fetch_fail_open", "License authority unreachable, failing open",
			slog.String("error", err.Error()))
	} else {
		c.activationRequired = !c.exempt && !snap.Valid
		c.log.debug(ctx, "fetch_settled", "License status refreshed",
			slog.String("status", string(snap.Status)),
			slog.Bool("valid", snap.Valid),
			slog.Int("days_remaining", snap.DaysRemaining),
			slog.Bool("activation_required", c.activationRequired))
	}
	span.SetAttributes(
		attribute.String("license.status", string(snap.Status)),
		attribute.Bool("license.valid", snap.Valid),
	)

	c.resolved = true
	c.store.Swap(snap)
	c.transitionLocked(StateSettled)
}

// Activate submits a license key to the authority. It is only allowed once
// the controller has settled; while a fetch or another activation is in
// flight it returns ErrBusy. Malformed keys fail with ErrInvalidFormat
// without reaching the authority. On failure the snapshot is left alone.
func (c *Controller) Activate(ctx context.Context, req ActivationRequest) (ActivationResult, error) {
	ctx, span := c.tracer.Start(ctx, "license.activate")
	defer span.End()
	start := time.Now()

	result, err := c.activate(ctx, req)

	c.metrics.recordActivation(ctx, time.Since(start), err)
	c.log.logOperation(ctx, "license_activation", start, err)
	return result, err
}

func (c *Controller) activate(ctx context.Context, req ActivationRequest) (ActivationResult, error) {
	key, err := ValidateKeyFormat(req.LicenseKey)
	if err != nil {
		return ActivationResult{}, err
	}
	req.LicenseKey = key

	c.mu.Lock()
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		principal = c.principal
	}
	switch {
	case c.state == StateDisposed:
		c.mu.Unlock()
		return ActivationResult{}, ErrDisposed
	case !CanTransition(c.state, StateActivating):
		c.mu.Unlock()
		return ActivationResult{}, ErrBusy
	case !c.limiter.Allow():
		c.mu.Unlock()
		c.log.logKeyAction(ctx, slog.LevelWarn, "activation_throttled", "Activation attempt throttled", key, principal)
		return ActivationResult{}, ErrActivationThrottled
	}
	c.transitionLocked(StateActivating)
	c.mu.Unlock()

	c.log.logKeyAction(ctx, slog.LevelInfo, "activation_attempt", "Submitting license activation", key, principal,
		slog.Bool("custom_duration", req.DurationDays != nil))

	result, err := c.authority.Activate(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisposed {
		return ActivationResult{}, ErrDisposed
	}
	c.transitionLocked(StateSettled)

	if err != nil {
		level := slog.LevelWarn
		if classifyLicenseError(err) == "unknown" {
			level = slog.LevelError
		}
		c.log.logKeyAction(ctx, level, "activation_failed", "License activation failed", key, principal,
			slog.String("error", err.Error()),
			slog.String("error_type", classifyLicenseError(err)))
		return ActivationResult{}, err
	}

	c.store.Swap(activatedSnapshot(c.store.Load(), result))
	c.resolved = true
	c.activationRequired = false
	c.log.logKeyAction(ctx, slog.LevelInfo, "activation_success", "License activated", key, principal,
		slog.Int("days_remaining", result.DaysRemaining))
	return result, nil
}

// transitionLocked moves to the given state if the table allows it.
// c.mu must be held.
func (c *Controller) transitionLocked(to State) bool {
	if !CanTransition(c.state, to) {
		return false
	}
	c.state = to
	return true
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns the current license snapshot.
func (c *Controller) Snapshot() Snapshot {
	return c.store.Load()
}

// Subscribe streams every snapshot the controller publishes.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	return c.store.Subscribe()
}

// ActivationRequired reports whether the activation dialog must be forced
// open for the current principal.
func (c *Controller) ActivationRequired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activationRequired
}

// ActivationRequiredFor reports whether the activation dialog must be
// forced open for p. It is false until the authority has answered once.
func (c *Controller) ActivationRequiredFor(p Principal) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolved && !c.policy.IsExempt(p) && !c.store.Load().Valid
}

// SetPrincipal records the signed-in principal and recomputes exemption
// and the forced-activation flag against the current snapshot.
func (c *Controller) SetPrincipal(p Principal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.principal = p
	c.exempt = c.policy.IsExempt(p)
	if c.resolved {
		c.activationRequired = !c.exempt && !c.store.Load().Valid
	}
}

// Principal returns the principal last passed to SetPrincipal.
func (c *Controller) Principal() Principal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// IsExempt reports whether the current principal bypasses license checks.
func (c *Controller) IsExempt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exempt
}

// IsExemptPrincipal applies the exemption policy to p.
func (c *Controller) IsExemptPrincipal(p Principal) bool {
	return c.policy.IsExempt(p)
}

// IsFeatureLicensed authorizes a feature for the current principal. The
// verdict message is what the overlay shows when access is denied.
func (c *Controller) IsFeatureLicensed(ctx context.Context, key string) Verdict {
	return c.Verdict(ctx, c.Principal(), FeatureRequest(key))
}

// IsModuleLicensed authorizes a module for the current principal.
func (c *Controller) IsModuleLicensed(ctx context.Context, key string) Verdict {
	return c.Verdict(ctx, c.Principal(), ModuleRequest(key))
}

// Verdict authorizes req for an explicit principal against the current
// snapshot.
func (c *Controller) Verdict(ctx context.Context, p Principal, req Request) Verdict {
	v := Authorize(c.store.Load(), p, c.policy, req)
	c.metrics.recordVerdict(ctx, req, v)
	return v
}

// cronLogger routes scheduler messages through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)
	l.logger.Error("cron: "+msg, args...)
}
