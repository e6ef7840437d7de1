package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/wrenchworks/shopops/services/scheduling-service/internal/bays"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/outbox"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/storage"
)

// BayEventEmitter records bay events outside a domain transaction.
type BayEventEmitter interface {
	Emit(ctx context.Context, evt outbox.Event) error
}

type BayHandler struct {
	allocator *bays.Allocator
	events    BayEventEmitter
	logger    *slog.Logger
}

func NewBayHandler(allocator *bays.Allocator, events BayEventEmitter, logger *slog.Logger) *BayHandler {
	return &BayHandler{allocator: allocator, events: events, logger: logger}
}

type bayRequest struct {
	WorkOrderID string `json:"work_order_id"`
}

func (h *BayHandler) Assign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shopID, workOrderID, ok := h.decodeBayRequest(w, r)
	if !ok {
		return
	}

	index, err := h.allocator.Assign(r.Context(), shopID, workOrderID)
	if err != nil {
		if errors.Is(err, bays.ErrExhausted) {
			http.Error(w, "no free bay", http.StatusConflict)
			return
		}
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "shop not found", http.StatusNotFound)
			return
		}
		h.logger.Error("bay assign failed", "err", err, "shop_id", shopID)
		http.Error(w, "failed to assign bay", http.StatusInternalServerError)
		return
	}

	h.emitBayEvent(r.Context(), outbox.EventBayAssigned, shopID, workOrderID, index)
	writeJSON(w, http.StatusCreated, map[string]any{
		"shop_id":       shopID,
		"work_order_id": workOrderID,
		"bay_index":     index,
	})
}

func (h *BayHandler) Release(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shopID, workOrderID, ok := h.decodeBayRequest(w, r)
	if !ok {
		return
	}

	index, held, err := h.allocator.Release(r.Context(), shopID, workOrderID)
	if err != nil {
		h.logger.Error("bay release failed", "err", err, "shop_id", shopID)
		http.Error(w, "failed to release bay", http.StatusInternalServerError)
		return
	}
	if held {
		h.emitBayEvent(r.Context(), outbox.EventBayReleased, shopID, workOrderID, index)
	}
	// Releasing a work order without a bay is a no-op, not an error.
	writeJSON(w, http.StatusOK, map[string]any{
		"shop_id":       shopID,
		"work_order_id": workOrderID,
		"released":      held,
	})
}

func (h *BayHandler) Occupancy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	shopID := shopIDFromRequest(r)
	if shopID == "" {
		http.Error(w, "missing X-Shop-Id", http.StatusBadRequest)
		return
	}

	occupied, err := h.allocator.Occupancy(r.Context(), shopID)
	if err != nil {
		http.Error(w, "failed to load bay occupancy", http.StatusInternalServerError)
		return
	}
	items := make([]map[string]any, 0, len(occupied))
	for _, b := range occupied {
		items = append(items, map[string]any{
			"bay_index":     b.Index,
			"work_order_id": b.WorkOrderID,
			"assigned_at":   b.AssignedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BayHandler) decodeBayRequest(w http.ResponseWriter, r *http.Request) (shopID, workOrderID string, ok bool) {
	shopID = shopIDFromRequest(r)
	if shopID == "" {
		http.Error(w, "missing X-Shop-Id", http.StatusBadRequest)
		return "", "", false
	}
	var req bayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return "", "", false
	}
	req.WorkOrderID = strings.TrimSpace(req.WorkOrderID)
	if req.WorkOrderID == "" {
		http.Error(w, "work_order_id required", http.StatusBadRequest)
		return "", "", false
	}
	return shopID, req.WorkOrderID, true
}

func (h *BayHandler) emitBayEvent(ctx context.Context, eventType, shopID, workOrderID string, index int) {
	if h.events == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{
		"shop_id":       shopID,
		"work_order_id": workOrderID,
		"bay_index":     index,
	})
	if err != nil {
		h.logger.Error("failed to build bay event payload", "err", err)
		return
	}
	if err := h.events.Emit(ctx, outbox.Event{
		AggregateType: "bay",
		AggregateID:   workOrderID,
		EventType:     eventType,
		Payload:       payload,
	}); err != nil {
		h.logger.Error("failed to record bay event", "err", err, "event_type", eventType)
	}
}
