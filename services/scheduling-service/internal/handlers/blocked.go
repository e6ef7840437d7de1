package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wrenchworks/shopops/services/scheduling-service/internal/model"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/storage"
)

// BlockedRegistry is the per-shop registry of fully closed dates.
type BlockedRegistry interface {
	Add(ctx context.Context, shopID string, date time.Time, reason string) (model.BlockedDate, error)
	Delete(ctx context.Context, shopID, blockedDateID string) error
	ListUpcoming(ctx context.Context, shopID string, from time.Time) ([]model.BlockedDate, error)
}

type BlockedDateHandler struct {
	registry BlockedRegistry
	logger   *slog.Logger
	now      func() time.Time
}

func NewBlockedDateHandler(registry BlockedRegistry, logger *slog.Logger) *BlockedDateHandler {
	return &BlockedDateHandler{
		registry: registry,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (h *BlockedDateHandler) Handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.list(w, r)
	case http.MethodPost:
		h.add(w, r)
	case http.MethodDelete:
		h.remove(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *BlockedDateHandler) add(w http.ResponseWriter, r *http.Request) {
	shopID := shopIDFromRequest(r)
	if shopID == "" {
		http.Error(w, "missing X-Shop-Id", http.StatusBadRequest)
		return
	}

	var req struct {
		Date   string `json:"date"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		http.Error(w, "invalid date (want YYYY-MM-DD)", http.StatusBadRequest)
		return
	}

	bd, err := h.registry.Add(r.Context(), shopID, date, strings.TrimSpace(req.Reason))
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			http.Error(w, "date already blocked", http.StatusConflict)
			return
		}
		http.Error(w, "failed to block date", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, blockedDateItem(bd))
}

// remove is tenant-scoped: an id owned by another shop is indistinguishable
// from a missing one, so other tenants' records are never confirmed.
func (h *BlockedDateHandler) remove(w http.ResponseWriter, r *http.Request) {
	shopID := shopIDFromRequest(r)
	if shopID == "" {
		http.Error(w, "missing X-Shop-Id", http.StatusBadRequest)
		return
	}
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "id required", http.StatusBadRequest)
		return
	}

	if err := h.registry.Delete(r.Context(), shopID, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "blocked date not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to remove blocked date", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BlockedDateHandler) list(w http.ResponseWriter, r *http.Request) {
	shopID := shopIDFromRequest(r)
	if shopID == "" {
		http.Error(w, "missing X-Shop-Id", http.StatusBadRequest)
		return
	}

	dates, err := h.registry.ListUpcoming(r.Context(), shopID, h.now())
	if err != nil {
		http.Error(w, "failed to list blocked dates", http.StatusInternalServerError)
		return
	}

	items := make([]map[string]any, 0, len(dates))
	for _, bd := range dates {
		items = append(items, blockedDateItem(bd))
	}
	writeJSON(w, http.StatusOK, items)
}

func blockedDateItem(bd model.BlockedDate) map[string]any {
	return map[string]any{
		"id":     bd.ID,
		"date":   bd.Date.Format(dateLayout),
		"reason": bd.Reason,
	}
}
