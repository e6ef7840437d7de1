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

	"github.com/jackc/pgx/v5"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/availability"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/cache"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/model"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/outbox"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/storage"
)

// bookingTxTimeout bounds the capacity-check transaction; the per-shop
// config lock must never be held open-endedly.
const bookingTxTimeout = 5 * time.Second

// BookingStore is the transactional storage surface the booking handlers
// drive. *storage.BookingRepository implements it.
type BookingStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	LockConfig(ctx context.Context, tx pgx.Tx, shopID string) (model.ScheduleConfig, error)
	LockIdempotencyKey(ctx context.Context, tx pgx.Tx, shopID, key string) (storage.IdempotencyRecord, error)
	FinalizeIdempotency(ctx context.Context, tx pgx.Tx, shopID, key, bookingID string, statusCode int, response []byte) error
	ListConfirmedByDateTx(ctx context.Context, tx pgx.Tx, shopID string, date time.Time) ([]model.Booking, error)
	Create(ctx context.Context, tx pgx.Tx, b *model.Booking) (string, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, shopID, bookingID string) (model.Booking, error)
	Cancel(ctx context.Context, tx pgx.Tx, shopID, bookingID string) (time.Time, error)
	ListByShop(ctx context.Context, shopID string, limit int) ([]model.Booking, error)
}

// OutboxWriter appends an event inside the caller's transaction.
type OutboxWriter interface {
	Insert(ctx context.Context, tx pgx.Tx, evt outbox.Event) error
}

type BookingHandler struct {
	repo       BookingStore
	blocked    BlockedChecker
	outboxRepo OutboxWriter
	cache      *cache.AvailabilityCache
	logger     *slog.Logger
	now        func() time.Time
}

func NewBookingHandler(repo BookingStore, blocked BlockedChecker, outboxRepo OutboxWriter, availCache *cache.AvailabilityCache, logger *slog.Logger) *BookingHandler {
	return &BookingHandler{
		repo:       repo,
		blocked:    blocked,
		outboxRepo: outboxRepo,
		cache:      availCache,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

type createBookingRequest struct {
	Date            string `json:"date"`
	StartMinute     int    `json:"start_minute"`
	DurationMinutes int    `json:"duration_minutes"`
}

type createBookingResponse struct {
	BookingID string `json:"booking_id"`
}

type cancelBookingRequest struct {
	BookingID string `json:"booking_id"`
}

// Create appends a confirmed booking under the per-shop capacity check.
// Reading the current overlap count and inserting happen in one transaction
// holding the shop's config row lock; losing the race is a 409 and the
// client must re-derive availability. No alternate slot is substituted.
func (h *BookingHandler) Create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	shopID := shopIDFromRequest(r)
	if shopID == "" {
		http.Error(w, "missing X-Shop-Id", http.StatusBadRequest)
		return
	}

	var req createBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		http.Error(w, "invalid date (want YYYY-MM-DD)", http.StatusBadRequest)
		return
	}
	if req.StartMinute < 0 || req.StartMinute >= model.MinutesPerDay {
		http.Error(w, "invalid start_minute", http.StatusBadRequest)
		return
	}
	if req.DurationMinutes <= 0 || req.StartMinute+req.DurationMinutes > model.MinutesPerDay {
		http.Error(w, "invalid duration_minutes", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), bookingTxTimeout)
	defer cancel()

	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if idempotencyKey != "" {
		rec, err := h.repo.LockIdempotencyKey(ctx, tx, shopID, idempotencyKey)
		if err != nil {
			http.Error(w, "failed to lock idempotency key", http.StatusInternalServerError)
			return
		}
		// A finalized record replays no matter which request inserted the
		// key. A concurrent request with the same key may have committed
		// while this one was claiming the row.
		if rec.StatusCode > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.StatusCode)
			if len(rec.ResponsePayload) > 0 {
				_, _ = w.Write(rec.ResponsePayload)
				return
			}
			_ = json.NewEncoder(w).Encode(createBookingResponse{BookingID: rec.BookingID})
			return
		}
	}

	cfg, err := h.repo.LockConfig(ctx, tx, shopID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "shop not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load schedule", http.StatusInternalServerError)
		return
	}

	if msg := h.validateBookingWindow(ctx, cfg, date, req.StartMinute, req.DurationMinutes); msg != "" {
		if idempotencyKey != "" && h.finalizeIdempotencyError(ctx, tx, shopID, idempotencyKey, http.StatusUnprocessableEntity, msg) {
			_ = tx.Commit(ctx)
		}
		http.Error(w, msg, http.StatusUnprocessableEntity)
		return
	}

	existing, err := h.repo.ListConfirmedByDateTx(ctx, tx, shopID, date)
	if err != nil {
		http.Error(w, "failed to load bookings", http.StatusInternalServerError)
		return
	}
	windowEnd := req.StartMinute + req.DurationMinutes
	if !availability.FitsWithinCapacity(bookingIntervals(existing), req.StartMinute, windowEnd, cfg.Capacity) {
		http.Error(w, "slot no longer available", http.StatusConflict)
		return
	}

	booking := &model.Booking{
		ShopID:          shopID,
		Date:            model.DateOnly(date),
		StartMinute:     req.StartMinute,
		DurationMinutes: req.DurationMinutes,
		Status:          model.BookingStatusConfirmed,
	}
	id, err := h.repo.Create(ctx, tx, booking)
	if err != nil {
		http.Error(w, "failed to create booking", http.StatusInternalServerError)
		return
	}

	evtPayload, err := json.Marshal(map[string]any{
		"booking_id":       id,
		"shop_id":          shopID,
		"date":             booking.Date.Format(dateLayout),
		"start_minute":     booking.StartMinute,
		"duration_minutes": booking.DurationMinutes,
	})
	if err != nil {
		http.Error(w, "failed to build event payload", http.StatusInternalServerError)
		return
	}
	if err := h.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "booking",
		AggregateID:   id,
		EventType:     outbox.EventBookingConfirmed,
		Payload:       evtPayload,
	}); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}

	respBody, err := json.Marshal(createBookingResponse{BookingID: id})
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	if idempotencyKey != "" {
		if err := h.repo.FinalizeIdempotency(ctx, tx, shopID, idempotencyKey, id, http.StatusCreated, respBody); err != nil {
			http.Error(w, "failed to finalize idempotency key", http.StatusInternalServerError)
			return
		}
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	h.invalidateAvailability(shopID, booking.Date)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(respBody)
}

// validateBookingWindow returns a non-empty rejection message when the
// requested window cannot be booked regardless of current occupancy.
func (h *BookingHandler) validateBookingWindow(ctx context.Context, cfg model.ScheduleConfig, date time.Time, startMinute, durationMinutes int) string {
	day := model.DateOnly(date)
	now := h.now()
	today := model.DateOnly(now)
	if day.Before(today) {
		return "date is in the past"
	}
	if day.Equal(today) && startMinute < model.MinuteOfDay(now) {
		return "start time is in the past"
	}

	blocked, err := h.blocked.IsBlocked(ctx, cfg.ShopID, day)
	if err != nil {
		h.logger.Error("blocked date lookup failed", "err", err, "shop_id", cfg.ShopID)
		return "failed to check blocked dates"
	}
	if blocked {
		return "shop is closed on this date"
	}

	hours := cfg.WeeklyHours[int(day.Weekday())]
	if !hours.IsOpen {
		return "shop is closed on this weekday"
	}
	if startMinute < hours.OpenMinute || startMinute+durationMinutes > hours.CloseMinute {
		return "requested time is outside business hours"
	}
	return ""
}

func (h *BookingHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	shopID := shopIDFromRequest(r)
	if shopID == "" {
		http.Error(w, "missing X-Shop-Id", http.StatusBadRequest)
		return
	}
	var req cancelBookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.BookingID = strings.TrimSpace(req.BookingID)
	if req.BookingID == "" {
		http.Error(w, "booking_id required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), bookingTxTimeout)
	defer cancel()

	tx, err := h.repo.Begin(ctx)
	if err != nil {
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	booking, err := h.repo.GetForUpdate(ctx, tx, shopID, req.BookingID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "booking not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load booking", http.StatusInternalServerError)
		return
	}

	if booking.Status == model.BookingStatusCancelled && booking.CancelledAt != nil {
		h.writeCancelResponse(w, booking.ID, booking.CancelledAt.UTC())
		return
	}

	cancelledAt, err := h.repo.Cancel(ctx, tx, shopID, booking.ID)
	if err != nil {
		http.Error(w, "failed to cancel booking", http.StatusInternalServerError)
		return
	}

	evtPayload, err := json.Marshal(map[string]any{
		"booking_id":       booking.ID,
		"shop_id":          shopID,
		"date":             booking.Date.Format(dateLayout),
		"start_minute":     booking.StartMinute,
		"duration_minutes": booking.DurationMinutes,
		"cancelled_at":     cancelledAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		http.Error(w, "failed to build cancellation event", http.StatusInternalServerError)
		return
	}
	if err := h.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "booking",
		AggregateID:   booking.ID,
		EventType:     outbox.EventBookingCancelled,
		Payload:       evtPayload,
	}); err != nil {
		http.Error(w, "failed to write outbox event", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		http.Error(w, "failed to commit", http.StatusInternalServerError)
		return
	}
	// Freed capacity must show up on the next availability read.
	h.invalidateAvailability(shopID, booking.Date)
	h.writeCancelResponse(w, booking.ID, cancelledAt.UTC())
}

func (h *BookingHandler) List(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	shopID := shopIDFromRequest(r)
	if shopID == "" {
		http.Error(w, "missing X-Shop-Id", http.StatusBadRequest)
		return
	}
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}

	bookings, err := h.repo.ListByShop(r.Context(), shopID, limit)
	if err != nil {
		http.Error(w, "failed to list bookings", http.StatusInternalServerError)
		return
	}

	items := make([]map[string]any, 0, len(bookings))
	for _, b := range bookings {
		item := map[string]any{
			"booking_id":       b.ID,
			"date":             b.Date.Format(dateLayout),
			"time":             minuteClock(b.StartMinute),
			"start_minute":     b.StartMinute,
			"duration_minutes": b.DurationMinutes,
			"status":           b.Status,
			"created_at":       b.CreatedAt.UTC().Format(time.RFC3339),
		}
		if b.CancelledAt != nil {
			item["cancelled_at"] = b.CancelledAt.UTC().Format(time.RFC3339)
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *BookingHandler) invalidateAvailability(shopID string, date time.Time) {
	if h.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.cache.Invalidate(ctx, shopID, date.Format(dateLayout))
}

func (h *BookingHandler) writeCancelResponse(w http.ResponseWriter, bookingID string, cancelledAt time.Time) {
	writeJSON(w, http.StatusOK, map[string]any{
		"booking_id":   bookingID,
		"status":       model.BookingStatusCancelled,
		"cancelled_at": cancelledAt.Format(time.RFC3339),
	})
}

func (h *BookingHandler) finalizeIdempotencyError(ctx context.Context, tx pgx.Tx, shopID, key string, statusCode int, msg string) bool {
	body, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return false
	}
	if err := h.repo.FinalizeIdempotency(ctx, tx, shopID, key, "", statusCode, body); err != nil {
		h.logger.Error("failed to finalize idempotency (error)", "err", err)
		return false
	}
	return true
}
