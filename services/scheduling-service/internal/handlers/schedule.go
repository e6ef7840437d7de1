package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/wrenchworks/shopops/services/scheduling-service/internal/model"
)

// ScheduleStore reads and full-replaces shop schedule configs.
type ScheduleStore interface {
	GetOrCreate(ctx context.Context, shopID string) (model.ScheduleConfig, error)
	Replace(ctx context.Context, cfg model.ScheduleConfig) error
}

type ScheduleHandler struct {
	store  ScheduleStore
	logger *slog.Logger
}

func NewScheduleHandler(store ScheduleStore, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{store: store, logger: logger}
}

type dayHoursPayload struct {
	IsOpen      bool `json:"is_open"`
	OpenMinute  int  `json:"open_minute"`
	CloseMinute int  `json:"close_minute"`
}

type schedulePayload struct {
	Capacity            int               `json:"capacity"`
	SlotDurationMinutes int               `json:"slot_duration_minutes"`
	WeeklyHours         []dayHoursPayload `json:"weekly_hours"`
}

func (h *ScheduleHandler) Handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.get(w, r)
	case http.MethodPut:
		h.update(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ScheduleHandler) get(w http.ResponseWriter, r *http.Request) {
	shopID := shopIDFromRequest(r)
	if shopID == "" {
		http.Error(w, "missing X-Shop-Id", http.StatusBadRequest)
		return
	}

	cfg, err := h.store.GetOrCreate(r.Context(), shopID)
	if err != nil {
		http.Error(w, "failed to load schedule", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse(cfg))
}

// update is full-replace: capacity, slot duration and all seven weekday rows
// are validated up front and written atomically, or not at all.
func (h *ScheduleHandler) update(w http.ResponseWriter, r *http.Request) {
	shopID := shopIDFromRequest(r)
	if shopID == "" {
		http.Error(w, "missing X-Shop-Id", http.StatusBadRequest)
		return
	}

	var req schedulePayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if len(req.WeeklyHours) != 7 {
		http.Error(w, "weekly_hours must have exactly 7 entries (Sunday first)", http.StatusBadRequest)
		return
	}

	cfg := model.ScheduleConfig{
		ShopID:              shopID,
		Capacity:            req.Capacity,
		SlotDurationMinutes: req.SlotDurationMinutes,
	}
	for wd, day := range req.WeeklyHours {
		cfg.WeeklyHours[wd] = model.DayHours{
			IsOpen:      day.IsOpen,
			OpenMinute:  day.OpenMinute,
			CloseMinute: day.CloseMinute,
		}
	}
	if err := cfg.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.Replace(r.Context(), cfg); err != nil {
		h.logger.Error("schedule replace failed", "err", err, "shop_id", shopID)
		http.Error(w, "failed to update schedule", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, scheduleResponse(cfg))
}

func scheduleResponse(cfg model.ScheduleConfig) map[string]any {
	hours := make([]dayHoursPayload, 7)
	for wd, day := range cfg.WeeklyHours {
		hours[wd] = dayHoursPayload{
			IsOpen:      day.IsOpen,
			OpenMinute:  day.OpenMinute,
			CloseMinute: day.CloseMinute,
		}
	}
	return map[string]any{
		"shop_id":               cfg.ShopID,
		"capacity":              cfg.Capacity,
		"slot_duration_minutes": cfg.SlotDurationMinutes,
		"weekly_hours":          hours,
	}
}
