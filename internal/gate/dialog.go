package gate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"opsconsole/internal/license"
)

// DurationOptions are the day counts offered when custom duration is on.
var DurationOptions = []int{30, 90, 180, 365, 730}

// DefaultDurationDays is preselected when the custom duration toggle is
// switched on.
const DefaultDurationDays = 365

// ErrUnsupportedDuration is returned for a day count outside DurationOptions.
var ErrUnsupportedDuration = errors.New("unsupported activation duration")

// Activator is the part of the license controller the dialog needs.
type Activator interface {
	ActivationRequiredFor(p license.Principal) bool
	Activate(ctx context.Context, req license.ActivationRequest) (license.ActivationResult, error)
}

// NoticeKind classifies the transient message shown in the dialog.
type NoticeKind string

const (
	NoticeSuccess NoticeKind = "success"
	NoticeError   NoticeKind = "error"
	NoticeInfo    NoticeKind = "info"
)

// Notice is a transient message shown above the form.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Message string     `json:"message"`
}

// Dialog is the activation dialog state for one principal. It is the only
// UI path that changes the license snapshot.
type Dialog struct {
	ctrl      Activator
	principal license.Principal

	mu             sync.Mutex
	open           bool
	key            string
	customDuration bool
	durationDays   int
	notice         *Notice
}

// NewDialog creates a closed dialog for p.
func NewDialog(ctrl Activator, p license.Principal) *Dialog {
	return &Dialog{ctrl: ctrl, principal: p, durationDays: DefaultDurationDays}
}

// Forced reports whether the dialog is held open by the controller.
func (d *Dialog) Forced() bool {
	return d.ctrl.ActivationRequiredFor(d.principal)
}

// IsOpen reports whether the dialog is shown.
func (d *Dialog) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open || d.Forced()
}

// Open shows the dialog.
func (d *Dialog) Open() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
}

// Close hides the dialog and reports whether it is now closed. While
// activation is required it does nothing.
func (d *Dialog) Close() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Forced() {
		return false
	}
	d.open = false
	d.notice = nil
	return true
}

// Input reformats raw key input as typed and stores it.
func (d *Dialog) Input(raw string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.key = license.FormatKeyInput(raw)
	return d.key
}

// Key returns the formatted key typed so far.
func (d *Dialog) Key() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.key
}

// SetCustomDuration toggles the duration selector.
func (d *Dialog) SetCustomDuration(on bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customDuration = on
}

// SelectDuration picks one of DurationOptions.
func (d *Dialog) SelectDuration(days int) error {
	if !slices.Contains(DurationOptions, days) {
		return fmt.Errorf("%w: %d days", ErrUnsupportedDuration, days)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.durationDays = days
	return nil
}

// Request builds the activation request from the current form state. The
// duration is only included while the custom duration toggle is on.
func (d *Dialog) Request() license.ActivationRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requestLocked()
}

func (d *Dialog) requestLocked() license.ActivationRequest {
	req := license.ActivationRequest{LicenseKey: d.key}
	if d.customDuration {
		days := d.durationDays
		req.DurationDays = &days
	}
	return req
}

// Submit checks the key format locally and then hands the request to the
// controller. Every outcome is reflected in the dialog notice; on success
// the form is cleared and the dialog closes.
func (d *Dialog) Submit(ctx context.Context) (license.ActivationResult, error) {
	d.mu.Lock()
	req := d.requestLocked()
	d.mu.Unlock()

	if _, err := license.ValidateKeyFormat(req.LicenseKey); err != nil {
		d.setNotice(NoticeError, "Invalid license key format. Expected PRIV-XXXX-XXXX-XXXX-XXXX.")
		return license.ActivationResult{}, err
	}

	ctx = license.WithPrincipal(ctx, d.principal)
	res, err := d.ctrl.Activate(ctx, req)
	if err != nil {
		d.setNotice(NoticeError, NoticeMessage(err))
		return license.ActivationResult{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.key = ""
	d.customDuration = false
	d.durationDays = DefaultDurationDays
	d.open = false
	msg := res.Message
	if strings.TrimSpace(msg) == "" {
		msg = "License activated successfully"
	}
	d.notice = &Notice{Kind: NoticeSuccess, Message: msg}
	return res, nil
}

func (d *Dialog) setNotice(kind NoticeKind, msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notice = &Notice{Kind: kind, Message: msg}
}

// NoticeMessage turns an activation error into the text shown to the user.
// Authority rejections are shown verbatim.
func NoticeMessage(err error) string {
	if msg := license.AuthorityMessage(err); msg != "" {
		return msg
	}
	switch {
	case errors.Is(err, license.ErrInvalidFormat):
		return "Invalid license key format. Expected PRIV-XXXX-XXXX-XXXX-XXXX."
	case errors.Is(err, license.ErrBusy):
		return "License status is being updated. Please try again in a moment."
	case errors.Is(err, license.ErrActivationThrottled):
		return "Too many activation attempts. Please wait before trying again."
	case license.IsTransport(err):
		return "Could not reach the license server. Check your connection and try again."
	default:
		return "License activation failed. Please try again."
	}
}

// DurationOption is one entry of the duration selector.
type DurationOption struct {
	Days     int
	Label    string
	Selected bool
}

// DialogView is the template model for the dialog.
type DialogView struct {
	Open            bool
	Dismissible     bool
	Key             string
	KeyPattern      string
	KeyMaxLength    int
	CustomDuration  bool
	DurationOptions []DurationOption
	Notice          *Notice
	ActionURL       string
}

// View snapshots the dialog for rendering. actionURL is where the form
// posts.
func (d *Dialog) View(actionURL string) DialogView {
	d.mu.Lock()
	defer d.mu.Unlock()

	forced := d.Forced()
	opts := make([]DurationOption, 0, len(DurationOptions))
	for _, days := range DurationOptions {
		opts = append(opts, DurationOption{
			Days:     days,
			Label:    durationLabel(days),
			Selected: days == d.durationDays,
		})
	}
	var notice *Notice
	if d.notice != nil {
		n := *d.notice
		notice = &n
	}
	return DialogView{
		Open:            d.open || forced,
		Dismissible:     !forced,
		Key:             d.key,
		KeyPattern:      `PRIV-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}`,
		KeyMaxLength:    license.KeyLength,
		CustomDuration:  d.customDuration,
		DurationOptions: opts,
		Notice:          notice,
		ActionURL:       actionURL,
	}
}

func durationLabel(days int) string {
	switch days {
	case 365:
		return "1 year"
	case 730:
		return "2 years"
	default:
		return fmt.Sprintf("%d days", days)
	}
}

const (
	DefaultMaxDialogs = 1024
	DefaultDialogIdle = 30 * time.Minute
)

// RegistryConfig bounds the dialog registry. Zero values fall back to the
// defaults above.
type RegistryConfig struct {
	MaxDialogs  int
	IdleTimeout time.Duration
}

// Registry keeps one dialog per principal. Principals come from an
// untrusted header, so entries are capped and expire after IdleTimeout
// without use. An evicted dialog is rebuilt from the controller on the
// next request.
type Registry struct {
	ctrl Activator

	mu      sync.Mutex
	dialogs *expirable.LRU[string, *Dialog]
}

// NewRegistry creates an empty registry backed by ctrl.
func NewRegistry(ctrl Activator, cfg RegistryConfig) *Registry {
	if cfg.MaxDialogs <= 0 {
		cfg.MaxDialogs = DefaultMaxDialogs
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultDialogIdle
	}
	return &Registry{
		ctrl:    ctrl,
		dialogs: expirable.NewLRU[string, *Dialog](cfg.MaxDialogs, nil, cfg.IdleTimeout),
	}
}

// For returns the dialog of p, creating it on first use.
func (r *Registry) For(p license.Principal) *Dialog {
	id := strings.ToLower(strings.TrimSpace(p.Email))
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.dialogs.Get(id)
	if !ok {
		d = NewDialog(r.ctrl, p)
	}
	// Add also pushes the expiry forward.
	r.dialogs.Add(id, d)
	return d
}

// Len reports how many dialogs are held.
func (r *Registry) Len() int {
	return r.dialogs.Len()
}
