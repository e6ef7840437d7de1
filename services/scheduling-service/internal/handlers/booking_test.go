package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/model"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/outbox"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/storage"
)

func newTestBookingHandler(blocked *fakeBlockedChecker) *BookingHandler {
	h := NewBookingHandler(nil, blocked, nil, nil, testLogger())
	h.now = func() time.Time { return time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC) }
	return h
}

func TestValidateBookingWindow(t *testing.T) {
	cfg := mondayToFridayConfig(2, 30)
	cfg.WeeklyHours[1] = model.DayHours{IsOpen: true, OpenMinute: 9 * 60, CloseMinute: 17 * 60}

	blocked := &fakeBlockedChecker{blocked: map[string]bool{"shop-1|2026-01-06": true}}
	h := newTestBookingHandler(blocked)
	ctx := context.Background()

	// Monday 2026-01-12, 10:00 for 60 minutes: inside hours, bookable.
	future := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	if msg := h.validateBookingWindow(ctx, cfg, future, 600, 60); msg != "" {
		t.Fatalf("valid window rejected: %q", msg)
	}

	past := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	if msg := h.validateBookingWindow(ctx, cfg, past, 600, 60); msg == "" {
		t.Fatal("past date should be rejected")
	}

	// Today at 09:00 with now at 10:00: start already elapsed.
	today := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	if msg := h.validateBookingWindow(ctx, cfg, today, 540, 30); msg == "" {
		t.Fatal("elapsed start time today should be rejected")
	}
	// Today at 11:00 is still fine.
	if msg := h.validateBookingWindow(ctx, cfg, today, 660, 30); msg != "" {
		t.Fatalf("future start today rejected: %q", msg)
	}

	blockedDay := time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC)
	if msg := h.validateBookingWindow(ctx, cfg, blockedDay, 600, 30); msg == "" {
		t.Fatal("blocked date should be rejected")
	}

	// 2026-01-11 is a Sunday, closed in this config.
	sunday := time.Date(2026, 1, 11, 0, 0, 0, 0, time.UTC)
	if msg := h.validateBookingWindow(ctx, cfg, sunday, 600, 30); msg == "" {
		t.Fatal("closed weekday should be rejected")
	}

	// Before open and running past close.
	if msg := h.validateBookingWindow(ctx, cfg, future, 8*60, 30); msg == "" {
		t.Fatal("start before opening should be rejected")
	}
	if msg := h.validateBookingWindow(ctx, cfg, future, 16*60+45, 30); msg == "" {
		t.Fatal("window crossing close should be rejected")
	}
	// A window ending exactly at close is allowed.
	if msg := h.validateBookingWindow(ctx, cfg, future, 16*60+30, 30); msg != "" {
		t.Fatalf("window ending at close rejected: %q", msg)
	}
}

func postBooking(h *BookingHandler, body, shopID string) *httptest.ResponseRecorder {
	return postBookingWithKey(h, body, shopID, "")
}

func postBookingWithKey(h *BookingHandler, body, shopID, idempotencyKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings", strings.NewReader(body))
	if shopID != "" {
		req.Header.Set("X-Shop-Id", shopID)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	rw := httptest.NewRecorder()
	h.Create(rw, req)
	return rw
}

func TestBookingCreate_RequestValidation(t *testing.T) {
	h := newTestBookingHandler(&fakeBlockedChecker{})

	if rw := postBooking(h, `{"date":"2026-01-12","start_minute":600,"duration_minutes":30}`, ""); rw.Code != http.StatusBadRequest {
		t.Fatalf("missing shop id: expected 400, got %d", rw.Code)
	}
	if rw := postBooking(h, `{not json`, "shop-1"); rw.Code != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", rw.Code)
	}
	if rw := postBooking(h, `{"date":"12/01/2026","start_minute":600,"duration_minutes":30}`, "shop-1"); rw.Code != http.StatusBadRequest {
		t.Fatalf("bad date: expected 400, got %d", rw.Code)
	}
	if rw := postBooking(h, `{"date":"2026-01-12","start_minute":-1,"duration_minutes":30}`, "shop-1"); rw.Code != http.StatusBadRequest {
		t.Fatalf("negative start: expected 400, got %d", rw.Code)
	}
	if rw := postBooking(h, `{"date":"2026-01-12","start_minute":600,"duration_minutes":0}`, "shop-1"); rw.Code != http.StatusBadRequest {
		t.Fatalf("zero duration: expected 400, got %d", rw.Code)
	}
	// 23:30 + 60 minutes crosses midnight.
	if rw := postBooking(h, `{"date":"2026-01-12","start_minute":1410,"duration_minutes":60}`, "shop-1"); rw.Code != http.StatusBadRequest {
		t.Fatalf("overflow past midnight: expected 400, got %d", rw.Code)
	}
}

func TestBookingCancel_RequestValidation(t *testing.T) {
	h := newTestBookingHandler(&fakeBlockedChecker{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings/cancel", strings.NewReader(`{"booking_id":""}`))
	req.Header.Set("X-Shop-Id", "shop-1")
	rw := httptest.NewRecorder()
	h.Cancel(rw, req)
	if rw.Code != http.StatusBadRequest {
		t.Fatalf("blank booking id: expected 400, got %d", rw.Code)
	}

	reqGet := httptest.NewRequest(http.MethodGet, "/api/v1/bookings/cancel", nil)
	rwGet := httptest.NewRecorder()
	h.Cancel(rwGet, reqGet)
	if rwGet.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rwGet.Code)
	}
}

// fakeTx only needs Commit and Rollback; the fake store never touches the
// embedded pgx.Tx.
type fakeTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context) error { t.rolledBack = true; return nil }

type fakeBookingStore struct {
	cfg      model.ScheduleConfig
	bookings []model.Booking
	idem     map[string]storage.IdempotencyRecord // keyed shopID|key
}

func (s *fakeBookingStore) Begin(context.Context) (pgx.Tx, error) { return &fakeTx{}, nil }

func (s *fakeBookingStore) LockConfig(_ context.Context, _ pgx.Tx, shopID string) (model.ScheduleConfig, error) {
	if s.cfg.ShopID != shopID {
		return model.ScheduleConfig{}, storage.ErrNotFound
	}
	return s.cfg, nil
}

func (s *fakeBookingStore) LockIdempotencyKey(_ context.Context, _ pgx.Tx, shopID, key string) (storage.IdempotencyRecord, error) {
	if rec, ok := s.idem[shopID+"|"+key]; ok {
		return rec, nil
	}
	if s.idem == nil {
		s.idem = map[string]storage.IdempotencyRecord{}
	}
	rec := storage.IdempotencyRecord{ShopID: shopID, IdempotencyKey: key}
	s.idem[shopID+"|"+key] = rec
	return rec, nil
}

func (s *fakeBookingStore) FinalizeIdempotency(_ context.Context, _ pgx.Tx, shopID, key, bookingID string, statusCode int, response []byte) error {
	if s.idem == nil {
		s.idem = map[string]storage.IdempotencyRecord{}
	}
	s.idem[shopID+"|"+key] = storage.IdempotencyRecord{
		ShopID:          shopID,
		IdempotencyKey:  key,
		BookingID:       bookingID,
		StatusCode:      statusCode,
		ResponsePayload: response,
	}
	return nil
}

func (s *fakeBookingStore) ListConfirmedByDateTx(_ context.Context, _ pgx.Tx, shopID string, date time.Time) ([]model.Booking, error) {
	day := model.DateOnly(date)
	var out []model.Booking
	for _, b := range s.bookings {
		if b.ShopID == shopID && b.Status == model.BookingStatusConfirmed && model.DateOnly(b.Date).Equal(day) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *fakeBookingStore) Create(_ context.Context, _ pgx.Tx, b *model.Booking) (string, error) {
	stored := *b
	stored.ID = fmt.Sprintf("booking-%d", len(s.bookings)+1)
	s.bookings = append(s.bookings, stored)
	return stored.ID, nil
}

func (s *fakeBookingStore) GetForUpdate(_ context.Context, _ pgx.Tx, shopID, bookingID string) (model.Booking, error) {
	for _, b := range s.bookings {
		if b.ShopID == shopID && b.ID == bookingID {
			return b, nil
		}
	}
	return model.Booking{}, storage.ErrNotFound
}

func (s *fakeBookingStore) Cancel(_ context.Context, _ pgx.Tx, shopID, bookingID string) (time.Time, error) {
	at := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	for i := range s.bookings {
		if s.bookings[i].ShopID == shopID && s.bookings[i].ID == bookingID {
			s.bookings[i].Status = model.BookingStatusCancelled
			s.bookings[i].CancelledAt = &at
			return at, nil
		}
	}
	return time.Time{}, storage.ErrNotFound
}

func (s *fakeBookingStore) ListByShop(_ context.Context, shopID string, _ int) ([]model.Booking, error) {
	var out []model.Booking
	for _, b := range s.bookings {
		if b.ShopID == shopID {
			out = append(out, b)
		}
	}
	return out, nil
}

type fakeOutboxWriter struct {
	events []outbox.Event
}

func (f *fakeOutboxWriter) Insert(_ context.Context, _ pgx.Tx, evt outbox.Event) error {
	f.events = append(f.events, evt)
	return nil
}

func newStoreBackedBookingHandler(store *fakeBookingStore, ob *fakeOutboxWriter) *BookingHandler {
	h := NewBookingHandler(store, &fakeBlockedChecker{}, ob, nil, testLogger())
	h.now = func() time.Time { return time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC) }
	return h
}

func TestBookingCreate_CapacityConflict(t *testing.T) {
	store := &fakeBookingStore{cfg: mondayToFridayConfig(2, 30)}
	ob := &fakeOutboxWriter{}
	h := newStoreBackedBookingHandler(store, ob)

	body := `{"date":"2026-01-12","start_minute":600,"duration_minutes":30}`
	for i := 0; i < 2; i++ {
		if rw := postBooking(h, body, "shop-1"); rw.Code != http.StatusCreated {
			t.Fatalf("booking %d: expected 201, got %d: %s", i+1, rw.Code, rw.Body.String())
		}
	}

	rw := postBooking(h, body, "shop-1")
	if rw.Code != http.StatusConflict {
		t.Fatalf("expected 409 once capacity is full, got %d", rw.Code)
	}
	if len(store.bookings) != 2 {
		t.Fatalf("expected 2 stored bookings after the conflict, got %d", len(store.bookings))
	}
	if len(ob.events) != 2 {
		t.Fatalf("expected 2 confirmation events, got %d", len(ob.events))
	}
	for _, evt := range ob.events {
		if evt.EventType != outbox.EventBookingConfirmed {
			t.Fatalf("unexpected event type %q", evt.EventType)
		}
	}

	// The neighboring slot is unaffected by the full one.
	if rw := postBooking(h, `{"date":"2026-01-12","start_minute":630,"duration_minutes":30}`, "shop-1"); rw.Code != http.StatusCreated {
		t.Fatalf("adjacent slot: expected 201, got %d", rw.Code)
	}
}

func TestBookingCreate_IdempotentReplay(t *testing.T) {
	store := &fakeBookingStore{cfg: mondayToFridayConfig(2, 30)}
	ob := &fakeOutboxWriter{}
	h := newStoreBackedBookingHandler(store, ob)

	body := `{"date":"2026-01-12","start_minute":600,"duration_minutes":30}`
	first := postBookingWithKey(h, body, "shop-1", "key-1")
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	second := postBookingWithKey(h, body, "shop-1", "key-1")
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: expected 201, got %d", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replay body %q differs from original %q", second.Body.String(), first.Body.String())
	}
	if len(store.bookings) != 1 {
		t.Fatalf("expected 1 booking after replay, got %d", len(store.bookings))
	}
	if len(ob.events) != 1 {
		t.Fatalf("expected 1 event after replay, got %d", len(ob.events))
	}
}

func TestBookingCreate_ReplaysKeyFinalizedByConcurrentRequest(t *testing.T) {
	// Losing the key-claim race: the record only becomes visible while
	// claiming the key, already carrying the winner's committed result.
	// The handler must serve that result, not create a second booking.
	store := &fakeBookingStore{
		cfg: mondayToFridayConfig(2, 30),
		idem: map[string]storage.IdempotencyRecord{
			"shop-1|key-9": {
				ShopID:          "shop-1",
				IdempotencyKey:  "key-9",
				BookingID:       "booking-77",
				StatusCode:      http.StatusCreated,
				ResponsePayload: []byte(`{"booking_id":"booking-77"}`),
			},
		},
	}
	ob := &fakeOutboxWriter{}
	h := newStoreBackedBookingHandler(store, ob)

	rw := postBookingWithKey(h, `{"date":"2026-01-12","start_minute":600,"duration_minutes":30}`, "shop-1", "key-9")
	if rw.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d: %s", rw.Code, rw.Body.String())
	}
	var resp struct {
		BookingID string `json:"booking_id"`
	}
	if err := json.Unmarshal(rw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.BookingID != "booking-77" {
		t.Fatalf("expected the committed booking id, got %q", resp.BookingID)
	}
	if len(store.bookings) != 0 {
		t.Fatalf("expected no new booking, got %d", len(store.bookings))
	}
	if len(ob.events) != 0 {
		t.Fatalf("expected no events, got %d", len(ob.events))
	}
}

func TestBookingCancel_Idempotent(t *testing.T) {
	store := &fakeBookingStore{
		cfg: mondayToFridayConfig(2, 30),
		bookings: []model.Booking{{
			ID:              "booking-1",
			ShopID:          "shop-1",
			Date:            time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC),
			StartMinute:     600,
			DurationMinutes: 30,
			Status:          model.BookingStatusConfirmed,
		}},
	}
	ob := &fakeOutboxWriter{}
	h := newStoreBackedBookingHandler(store, ob)

	body := `{"booking_id":"booking-1"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings/cancel", strings.NewReader(body))
	req.Header.Set("X-Shop-Id", "shop-1")
	rw := httptest.NewRecorder()
	h.Cancel(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rw.Code, rw.Body.String())
	}
	if store.bookings[0].Status != model.BookingStatusCancelled {
		t.Fatalf("expected cancelled status, got %q", store.bookings[0].Status)
	}
	if len(ob.events) != 1 || ob.events[0].EventType != outbox.EventBookingCancelled {
		t.Fatalf("expected one cancellation event, got %+v", ob.events)
	}

	again := httptest.NewRequest(http.MethodPost, "/api/v1/bookings/cancel", strings.NewReader(body))
	again.Header.Set("X-Shop-Id", "shop-1")
	rwAgain := httptest.NewRecorder()
	h.Cancel(rwAgain, again)
	if rwAgain.Code != http.StatusOK {
		t.Fatalf("repeat cancel: expected 200, got %d", rwAgain.Code)
	}
	if len(ob.events) != 1 {
		t.Fatalf("repeat cancel must not emit another event, got %d", len(ob.events))
	}
}
