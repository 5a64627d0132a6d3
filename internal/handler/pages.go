package handler

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/dustin/go-humanize"
)

type pageData struct {
	Title     string
	SiteKey   string
	MaxUpload string
}

// PageHandler renders the upload form and the static legal pages.
type PageHandler struct {
	templates *template.Template
	siteKey   string
	maxUpload string
}

func NewPageHandler(tmpl *template.Template, siteKey string, maxUploadBytes int64) *PageHandler {
	return &PageHandler{
		templates: tmpl,
		siteKey:   siteKey,
		maxUpload: humanize.IBytes(uint64(maxUploadBytes)),
	}
}

func (h *PageHandler) Index(w http.ResponseWriter, r *http.Request) {
	h.render(w, "index.html", pageData{Title: "TxtToKindle", SiteKey: h.siteKey, MaxUpload: h.maxUpload})
}

func (h *PageHandler) Terms(w http.ResponseWriter, r *http.Request) {
	h.render(w, "terms.html", pageData{Title: "Terms"})
}

func (h *PageHandler) Privacy(w http.ResponseWriter, r *http.Request) {
	h.render(w, "privacy.html", pageData{Title: "Privacy"})
}

func (h *PageHandler) render(w http.ResponseWriter, name string, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := h.templates.ExecuteTemplate(w, name, data); err != nil {
		slog.Error("page: template error", "page", name, "err", err)
	}
}
