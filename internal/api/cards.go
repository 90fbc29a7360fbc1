package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/VecSil/feishu-card-bot/internal/export"
	"github.com/VecSil/feishu-card-bot/internal/storage"
)

// CardStore is the read side of the render log.
type CardStore interface {
	ListCards(f storage.CardFilter) ([]storage.Card, error)
	GetCard(id string) (storage.Card, error)
	CountCards() (int, error)
}

func handleListCards(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseCardFilter(r, 50, 500)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		cards, err := deps.Cards.ListCards(f)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list cards: %v", err)
			return
		}
		if cards == nil {
			cards = []storage.Card{}
		}
		if total, err := deps.Cards.CountCards(); err == nil {
			w.Header().Set("X-Total-Count", strconv.Itoa(total))
		}
		writeJSON(w, http.StatusOK, cards)
	}
}

func handleGetCard(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Cards.GetCard(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "card not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get card: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

func handleExportCards(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseCardFilter(r, 0, 0)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		data, err := export.CardsXLSX(deps.Cards, f, deps.Logger)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to export cards: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		w.Header().Set("Content-Disposition", `attachment; filename="cards.xlsx"`)
		w.Write(data)
	}
}

// parseCardFilter reads personality, since (RFC 3339 or YYYY-MM-DD) and limit.
func parseCardFilter(r *http.Request, defaultLimit, maxLimit int) (storage.CardFilter, error) {
	q := r.URL.Query()
	f := storage.CardFilter{
		Personality: strings.TrimSpace(q.Get("personality")),
		Limit:       parseIntParam(r, "limit", defaultLimit, maxLimit),
	}
	if s := q.Get("since"); s != "" {
		t, err := parseSince(s)
		if err != nil {
			return f, err
		}
		f.Since = t
	}
	return f, nil
}

func parseSince(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid since %q: want RFC 3339 or YYYY-MM-DD", s)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
