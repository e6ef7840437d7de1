package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/wrenchworks/shopops/services/scheduling-service/internal/availability"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/cache"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/model"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/storage"
)

// ScheduleReader resolves a known shop's config; missing shop is
// storage.ErrNotFound.
type ScheduleReader interface {
	Get(ctx context.Context, shopID string) (model.ScheduleConfig, error)
}

type BlockedChecker interface {
	IsBlocked(ctx context.Context, shopID string, date time.Time) (bool, error)
}

type BookingReader interface {
	ListConfirmedByDate(ctx context.Context, shopID string, date time.Time) ([]model.Booking, error)
}

type AvailabilityHandler struct {
	schedules ScheduleReader
	blocked   BlockedChecker
	bookings  BookingReader
	cache     *cache.AvailabilityCache
	logger    *slog.Logger
	now       func() time.Time
}

func NewAvailabilityHandler(schedules ScheduleReader, blocked BlockedChecker, bookings BookingReader, availCache *cache.AvailabilityCache, logger *slog.Logger) *AvailabilityHandler {
	return &AvailabilityHandler{
		schedules: schedules,
		blocked:   blocked,
		bookings:  bookings,
		cache:     availCache,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type availabilitySlot struct {
	Time        string `json:"time"`
	StartMinute int    `json:"start_minute"`
	EndMinute   int    `json:"end_minute"`
	Available   bool   `json:"available"`
	BookedCount int    `json:"booked_count"`
}

type availabilityResponse struct {
	Available           bool               `json:"available"`
	Reason              string             `json:"reason,omitempty"`
	Capacity            int                `json:"capacity"`
	SlotDurationMinutes int                `json:"slot_duration_minutes"`
	BusinessHours       *businessHours     `json:"business_hours,omitempty"`
	Slots               []availabilitySlot `json:"slots"`
}

type businessHours struct {
	Open  string `json:"open"`
	Close string `json:"close"`
}

// Get serves the bookable slot grid for one shop/date/duration. "No slots"
// and closed/blocked/past dates are normal 200 responses, never errors.
func (h *AvailabilityHandler) Get(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	shopID := shopIDFromRequest(r)
	dateStr := strings.TrimSpace(r.URL.Query().Get("date"))
	if shopID == "" || dateStr == "" {
		http.Error(w, "shop_id and date are required", http.StatusBadRequest)
		return
	}
	date, err := parseDate(dateStr)
	if err != nil {
		http.Error(w, "invalid date (want YYYY-MM-DD)", http.StatusBadRequest)
		return
	}

	durationMinutes := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("duration_minutes")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > model.MinutesPerDay {
			http.Error(w, "invalid duration_minutes", http.StatusBadRequest)
			return
		}
		durationMinutes = n
	}

	ctx := r.Context()
	if h.cache != nil {
		if payload, ok := h.cache.Get(ctx, shopID, dateStr, durationMinutes); ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(payload)
			return
		}
	}

	cfg, err := h.schedules.Get(ctx, shopID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "shop not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load schedule", http.StatusInternalServerError)
		return
	}

	blocked, err := h.blocked.IsBlocked(ctx, shopID, date)
	if err != nil {
		http.Error(w, "failed to load blocked dates", http.StatusInternalServerError)
		return
	}

	var intervals []availability.Interval
	if !blocked {
		booked, err := h.bookings.ListConfirmedByDate(ctx, shopID, date)
		if err != nil {
			http.Error(w, "failed to load bookings", http.StatusInternalServerError)
			return
		}
		intervals = bookingIntervals(booked)
	}

	result := availability.Compute(cfg, blocked, intervals, date, durationMinutes, h.now())

	resp := availabilityResponse{
		Available:           result.Available,
		Reason:              result.Reason,
		Capacity:            result.Capacity,
		SlotDurationMinutes: result.SlotDurationMinutes,
		Slots:               make([]availabilitySlot, 0, len(result.Slots)),
	}
	if result.Reason == "" {
		resp.BusinessHours = &businessHours{
			Open:  minuteClock(result.OpenMinute),
			Close: minuteClock(result.CloseMinute),
		}
	}
	for _, s := range result.Slots {
		resp.Slots = append(resp.Slots, availabilitySlot{
			Time:        minuteClock(s.StartMinute),
			StartMinute: s.StartMinute,
			EndMinute:   s.EndMinute,
			Available:   s.Available,
			BookedCount: s.BookedCount,
		})
	}

	body, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	if h.cache != nil {
		h.cache.Set(ctx, shopID, dateStr, durationMinutes, body)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func bookingIntervals(bookings []model.Booking) []availability.Interval {
	out := make([]availability.Interval, 0, len(bookings))
	for _, b := range bookings {
		out = append(out, availability.Interval{
			StartMinute: b.StartMinute,
			EndMinute:   b.EndMinute(),
		})
	}
	return out
}
