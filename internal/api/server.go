package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/VecSil/feishu-card-bot/internal/card"
	"github.com/VecSil/feishu-card-bot/internal/pipeline"
	"github.com/VecSil/feishu-card-bot/internal/profile"
)

const maxHookBodySize = 1 << 20 // 1MB

// Processor runs one webhook payload through the card pipeline.
type Processor interface {
	Process(ctx context.Context, payload map[string]any, raw []byte) (*pipeline.Result, error)
}

// TemplateLister reports which personality templates are installed.
type TemplateLister interface {
	Available() []profile.Tag
}

// Deps holds everything the HTTP surface needs.
type Deps struct {
	Pipeline  Processor
	Cards     CardStore // optional; management routes are skipped when nil
	Templates TemplateLister
	OutputDir string
	PublicURL string
	Token     string // bearer token for management routes; empty disables them
	Version   string
	Features  map[string]bool
	Logger    *slog.Logger
}

// NewHandler returns the webhook service router.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/", handleInfo(deps))
	r.Get("/healthz", handleHealth)
	r.Post("/hook", handleHook(deps))
	r.Get("/images/{name}", handleImage(deps))

	if deps.Token != "" && deps.Cards != nil {
		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.Token))
			r.Get("/cards", handleListCards(deps))
			r.Get("/cards/export.xlsx", handleExportCards(deps))
			r.Get("/cards/{id}", handleGetCard(deps))
		})
	}
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"ok":true}`))
}

func handleInfo(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var tags []profile.Tag
		if deps.Templates != nil {
			tags = deps.Templates.Available()
		}
		if tags == nil {
			tags = []profile.Tag{}
		}
		features := make(map[string]bool, len(deps.Features)+1)
		for k, v := range deps.Features {
			features[k] = v
		}
		features["management"] = deps.Token != "" && deps.Cards != nil

		writeJSON(w, http.StatusOK, map[string]any{
			"service":   "cardbot",
			"version":   deps.Version,
			"templates": tags,
			"features":  features,
		})
	}
}

type outcomeJSON struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type hookResponse struct {
	Status     string      `json:"status"`
	CardID     string      `json:"card_id"`
	FileName   string      `json:"file_name"`
	SavedPath  string      `json:"saved_path,omitempty"`
	ImageURL   string      `json:"image_url,omitempty"`
	ImageKey   string      `json:"image_key,omitempty"`
	Attachment outcomeJSON `json:"attachment"`
	Delivery   outcomeJSON `json:"delivery"`
	Warnings   []string    `json:"warnings"`
}

func handleHook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxHookBodySize)
		defer r.Body.Close()

		payload, raw, err := decodePayload(r)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_json", "invalid request body: %v", err)
			return
		}

		res, err := deps.Pipeline.Process(r.Context(), payload, raw)
		if err != nil {
			if errors.Is(err, card.ErrRenderFailed) {
				httpError(w, http.StatusInternalServerError, "render_failed", "%v", err)
				return
			}
			httpError(w, http.StatusInternalServerError, "api_error", "processing payload: %v", err)
			return
		}

		if r.URL.Query().Get("format") == "png" {
			w.Header().Set("Content-Type", "image/png")
			w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", res.Rendered.FileName))
			w.Write(res.Rendered.PNG)
			return
		}

		resp := hookResponse{
			Status:     "ok",
			CardID:     res.CardID,
			FileName:   res.Rendered.FileName,
			ImageKey:   res.ImageKey,
			Attachment: outcomeJSON(res.Attachment),
			Delivery:   outcomeJSON(res.Delivery),
			Warnings:   res.Warnings,
		}
		if res.Rendered.Path != "" {
			if abs, err := filepath.Abs(res.Rendered.Path); err == nil {
				resp.SavedPath = abs
			}
			resp.ImageURL = imageURL(deps.PublicURL, res.Rendered.FileName)
		}
		if resp.Warnings == nil {
			resp.Warnings = []string{}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// decodePayload reads a JSON object or a form body. The raw bytes are only
// returned for JSON bodies.
func decodePayload(r *http.Request) (map[string]any, []byte, error) {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/x-www-form-urlencoded" || ct == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxHookBodySize); err != nil && !errors.Is(err, http.ErrNotMultipart) {
			return nil, nil, err
		}
		payload := make(map[string]any, len(r.PostForm))
		for k, v := range r.PostForm {
			if len(v) > 0 {
				payload[k] = v[0]
			}
		}
		return payload, nil, nil
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, nil, err
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, raw, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, nil, err
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, raw, nil
}

func imageURL(base, name string) string {
	p := "/images/" + url.PathEscape(name)
	if base == "" {
		return p
	}
	return strings.TrimRight(base, "/") + p
}

func handleImage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name, err := url.PathUnescape(chi.URLParam(r, "name"))
		if err != nil || deps.OutputDir == "" || !safeImageName(name) {
			httpError(w, http.StatusNotFound, "not_found", "image not found")
			return
		}
		path := filepath.Join(deps.OutputDir, name)
		f, err := os.Open(path)
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found", "image not found")
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil || info.IsDir() {
			httpError(w, http.StatusNotFound, "not_found", "image not found")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}

func safeImageName(name string) bool {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return strings.EqualFold(filepath.Ext(name), ".png")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
