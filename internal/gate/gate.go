// Package gate turns license verdicts into server-rendered HTML: the
// degraded overlay around unlicensed content, locked menu items and
// disabled buttons, plus the activation dialog.
package gate

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"log/slog"

	"opsconsole/internal/license"
)

//go:embed templates/*.gohtml
var templateFS embed.FS

// Mode selects how an unlicensed verdict is presented.
type Mode int

const (
	// ModeOverlay shows the content obscured behind an explanatory overlay.
	ModeOverlay Mode = iota
	// ModeHide renders nothing at all.
	ModeHide
	// ModeMenuItem renders a disabled navigation entry with a lock icon.
	ModeMenuItem
	// ModeButton renders a disabled button that keeps its label.
	ModeButton
)

// ParseMode maps the query string form of a mode. Unknown values fall back
// to ModeOverlay.
func ParseMode(s string) Mode {
	switch s {
	case "hide":
		return ModeHide
	case "menu", "menu_item":
		return ModeMenuItem
	case "button":
		return ModeButton
	default:
		return ModeOverlay
	}
}

// Presentation is what the gate decided to show.
type Presentation int

const (
	PassThrough Presentation = iota
	Hidden
	Degraded
)

func (p Presentation) String() string {
	switch p {
	case PassThrough:
		return "pass_through"
	case Hidden:
		return "hidden"
	default:
		return "degraded"
	}
}

// Decide picks exactly one presentation for a verdict.
func Decide(v license.Verdict, mode Mode) Presentation {
	switch {
	case v.Licensed:
		return PassThrough
	case mode == ModeHide:
		return Hidden
	default:
		return Degraded
	}
}

const (
	DefaultContactLabel = "Contact administrator"
	DefaultTitle        = "Not included in your license"
)

// RendererConfig configures the contact affordance shown on overlays.
type RendererConfig struct {
	ContactURL   string
	ContactLabel string
}

// Renderer renders gate fragments from the embedded templates.
type Renderer struct {
	tmpl         *template.Template
	contactURL   string
	contactLabel string
	logger       *slog.Logger
}

// NewRenderer parses the embedded templates.
func NewRenderer(cfg RendererConfig, logger *slog.Logger) (*Renderer, error) {
	tmpl, err := template.New("gate").ParseFS(templateFS, "templates/*.gohtml")
	if err != nil {
		return nil, fmt.Errorf("parse gate templates: %w", err)
	}
	if cfg.ContactLabel == "" {
		cfg.ContactLabel = DefaultContactLabel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		tmpl:         tmpl,
		contactURL:   cfg.ContactURL,
		contactLabel: cfg.ContactLabel,
		logger:       logger.With(slog.String("component", "gate_renderer")),
	}, nil
}

// Options customizes a single gate.
type Options struct {
	Mode  Mode
	Title string
}

type overlayView struct {
	Title        string
	Message      string
	ContactURL   string
	ContactLabel string
	Children     template.HTML
}

type menuItemView struct {
	Label    string
	Href     string
	Disabled bool
	Tooltip  string
}

type buttonView struct {
	Label    string
	OnClick  template.JS
	Disabled bool
	Tooltip  string
}

// Gate writes children unchanged, nothing, or the degraded overlay around
// them, depending on the verdict and mode. children must already be safe
// HTML. For ModeMenuItem and ModeButton use MenuItem and Button instead.
func (r *Renderer) Gate(w io.Writer, v license.Verdict, opts Options, children template.HTML) (Presentation, error) {
	p := Decide(v, opts.Mode)
	switch p {
	case PassThrough:
		_, err := io.WriteString(w, string(children))
		return p, err
	case Hidden:
		return p, nil
	}

	title := opts.Title
	if title == "" {
		title = DefaultTitle
	}
	return p, r.execute(w, "overlay", overlayView{
		Title:        title,
		Message:      v.Message,
		ContactURL:   r.contactURL,
		ContactLabel: r.contactLabel,
		Children:     children,
	})
}

// MenuItem writes a navigation entry, disabled with a lock and tooltip when
// the verdict is unlicensed.
func (r *Renderer) MenuItem(w io.Writer, v license.Verdict, label, href string) error {
	view := menuItemView{Label: label, Href: href}
	if !v.Licensed {
		view.Disabled = true
		view.Tooltip = v.Message
	}
	return r.execute(w, "menu_item", view)
}

// Button writes a button. When the verdict is unlicensed the button is
// disabled, its click handler dropped and its label kept.
func (r *Renderer) Button(w io.Writer, v license.Verdict, label string, onClick template.JS) error {
	view := buttonView{Label: label, OnClick: onClick}
	if !v.Licensed {
		view.Disabled = true
		view.OnClick = ""
		view.Tooltip = v.Message
	}
	return r.execute(w, "button", view)
}

// Dialog writes the activation dialog for view.
func (r *Renderer) Dialog(w io.Writer, view DialogView) error {
	return r.execute(w, "dialog", view)
}

// execute buffers the output; w only ever receives a complete fragment.
func (r *Renderer) execute(w io.Writer, name string, data any) error {
	var buf bytes.Buffer
	if err := r.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		r.logger.Error("gate template failed",
			slog.String("template", name),
			slog.String("error", err.Error()))
		return fmt.Errorf("render %s: %w", name, err)
	}
	_, err := buf.WriteTo(w)
	return err
}
