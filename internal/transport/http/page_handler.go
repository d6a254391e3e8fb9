package http

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"opsconsole/internal/config"
	"opsconsole/internal/gate"
	"opsconsole/internal/license"
	appmw "opsconsole/internal/middleware"
)

//go:embed templates/*.gohtml
var pageFS embed.FS

const dialogSubmitURL = "/api/license/dialog/submit"

// PageHandler serves the server-rendered console shell. Business screens
// are placeholders; each module page sits behind its module gate.
type PageHandler struct {
	service  LicenseService
	dialogs  *gate.Registry
	renderer *gate.Renderer
	modules  []string
	tmpl     *template.Template
	logger   *slog.Logger
}

// NewPageHandler parses the shell template.
func NewPageHandler(service LicenseService, dialogs *gate.Registry, renderer *gate.Renderer, modules []string, logger *slog.Logger) (*PageHandler, error) {
	tmpl, err := template.New("pages").ParseFS(pageFS, "templates/*.gohtml")
	if err != nil {
		return nil, fmt.Errorf("parse page templates: %w", err)
	}
	return &PageHandler{
		service:  service,
		dialogs:  dialogs,
		renderer: renderer,
		modules:  modules,
		tmpl:     tmpl,
		logger:   logger.With(slog.String("handler", "pages")),
	}, nil
}

type shellView struct {
	AppName string
	Title   string
	Module  string
	Status  string
	Message string
	Menu    []template.HTML
	Dialog  template.HTML
}

// Home handles GET /
func (h *PageHandler) Home(w http.ResponseWriter, r *http.Request) {
	snap := h.service.Snapshot()
	h.render(w, r, shellView{Title: "Home", Message: snap.Message})
}

// Module handles GET /modules/{module}. Gating happens in middleware.
func (h *PageHandler) Module(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "module")
	h.render(w, r, shellView{Title: ModuleTitle(key), Module: key})
}

func (h *PageHandler) render(w http.ResponseWriter, r *http.Request, view shellView) {
	p := appmw.RequestPrincipal(r)
	view.AppName = config.AppName
	view.Status = string(h.service.Snapshot().Status)

	for _, key := range h.modules {
		var item bytes.Buffer
		v := h.service.Verdict(r.Context(), p, license.ModuleRequest(key))
		if err := h.renderer.MenuItem(&item, v, ModuleTitle(key), "/modules/"+key); err != nil {
			h.fail(w, r, err)
			return
		}
		view.Menu = append(view.Menu, template.HTML(item.String()))
	}

	var dialog bytes.Buffer
	if err := h.renderer.Dialog(&dialog, h.dialogs.For(p).View(dialogSubmitURL)); err != nil {
		h.fail(w, r, err)
		return
	}
	view.Dialog = template.HTML(dialog.String())

	var page bytes.Buffer
	if err := h.tmpl.ExecuteTemplate(&page, "shell", view); err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = page.WriteTo(w)
}

func (h *PageHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.ErrorContext(r.Context(), "page render failed", slog.String("error", err.Error()))
	http.Error(w, "page unavailable", http.StatusInternalServerError)
}

// ModuleTitle turns a module key into a menu label: fixed_income becomes
// "Fixed income".
func ModuleTitle(key string) string {
	words := strings.Fields(strings.NewReplacer("_", " ", "-", " ").Replace(key))
	if len(words) == 0 {
		return key
	}
	title := strings.Join(words, " ")
	return strings.ToUpper(title[:1]) + title[1:]
}
