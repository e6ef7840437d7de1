package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/wrenchworks/shopops/libs/db"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/model"
)

// querier is satisfied by both *db.Pool and pgx.Tx so reads can run inside
// or outside the booking transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type BookingRepository struct {
	pool *db.Pool
}

type IdempotencyRecord struct {
	ShopID          string
	IdempotencyKey  string
	BookingID       string
	StatusCode      int
	ResponsePayload []byte
}

func NewBookingRepository(pool *db.Pool) *BookingRepository {
	return &BookingRepository{pool: pool}
}

func (r *BookingRepository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// LockConfig loads the shop's schedule config with its config row locked
// FOR UPDATE. Holding that lock serializes all booking writes for the shop,
// which makes the subsequent capacity re-check race-free.
func (r *BookingRepository) LockConfig(ctx context.Context, tx pgx.Tx, shopID string) (model.ScheduleConfig, error) {
	cfg := model.ScheduleConfig{ShopID: shopID}
	err := tx.QueryRow(ctx, `
		SELECT capacity, slot_duration_minutes
		FROM shop_schedule_configs
		WHERE shop_id = $1
		FOR UPDATE
	`, shopID).Scan(&cfg.Capacity, &cfg.SlotDurationMinutes)
	if err != nil {
		return model.ScheduleConfig{}, translateNoRows(err)
	}

	rows, err := tx.Query(ctx, `
		SELECT weekday, is_open, open_minute, close_minute
		FROM shop_weekly_hours
		WHERE shop_id = $1
	`, shopID)
	if err != nil {
		return model.ScheduleConfig{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var weekday int
		var day model.DayHours
		if err := rows.Scan(&weekday, &day.IsOpen, &day.OpenMinute, &day.CloseMinute); err != nil {
			return model.ScheduleConfig{}, err
		}
		if weekday >= 0 && weekday < 7 {
			cfg.WeeklyHours[weekday] = day
		}
	}
	return cfg, rows.Err()
}

// ListConfirmedByDate returns the confirmed bookings for a shop/date,
// ascending by start.
func (r *BookingRepository) ListConfirmedByDate(ctx context.Context, shopID string, date time.Time) ([]model.Booking, error) {
	return r.listConfirmed(ctx, r.pool, shopID, date)
}

// ListConfirmedByDateTx is the same read inside the booking transaction, so
// the capacity re-check sees a snapshot consistent with the locked config.
func (r *BookingRepository) ListConfirmedByDateTx(ctx context.Context, tx pgx.Tx, shopID string, date time.Time) ([]model.Booking, error) {
	return r.listConfirmed(ctx, tx, shopID, date)
}

func (r *BookingRepository) listConfirmed(ctx context.Context, q querier, shopID string, date time.Time) ([]model.Booking, error) {
	rows, err := q.Query(ctx, `
		SELECT id, shop_id, date, start_minute, duration_minutes, status, created_at, cancelled_at
		FROM bookings
		WHERE shop_id = $1 AND date = $2 AND status = 'confirmed'
		ORDER BY start_minute ASC
	`, shopID, model.DateOnly(date))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBookings(rows)
}

func (r *BookingRepository) Create(ctx context.Context, tx pgx.Tx, b *model.Booking) (string, error) {
	id := uuid.NewString()
	_, err := tx.Exec(ctx, `
		INSERT INTO bookings (id, shop_id, date, start_minute, duration_minutes, status)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, b.ShopID, model.DateOnly(b.Date), b.StartMinute, b.DurationMinutes, b.Status)
	if err != nil {
		return "", err
	}
	return id, nil
}

func (r *BookingRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, shopID, bookingID string) (model.Booking, error) {
	var b model.Booking
	err := tx.QueryRow(ctx, `
		SELECT id, shop_id, date, start_minute, duration_minutes, status, created_at, cancelled_at
		FROM bookings
		WHERE id = $1 AND shop_id = $2
		FOR UPDATE
	`, bookingID, shopID).Scan(
		&b.ID, &b.ShopID, &b.Date, &b.StartMinute, &b.DurationMinutes, &b.Status, &b.CreatedAt, &b.CancelledAt,
	)
	if err != nil {
		return model.Booking{}, translateNoRows(err)
	}
	return b, nil
}

func (r *BookingRepository) Cancel(ctx context.Context, tx pgx.Tx, shopID, bookingID string) (time.Time, error) {
	var cancelledAt time.Time
	err := tx.QueryRow(ctx, `
		UPDATE bookings
		SET status = 'cancelled',
			cancelled_at = now()
		WHERE id = $1 AND shop_id = $2
		RETURNING cancelled_at
	`, bookingID, shopID).Scan(&cancelledAt)
	return cancelledAt, translateNoRows(err)
}

func (r *BookingRepository) ListByShop(ctx context.Context, shopID string, limit int) ([]model.Booking, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, shop_id, date, start_minute, duration_minutes, status, created_at, cancelled_at
		FROM bookings
		WHERE shop_id = $1
		ORDER BY date DESC, start_minute DESC
		LIMIT $2
	`, shopID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBookings(rows)
}

func scanBookings(rows pgx.Rows) ([]model.Booking, error) {
	var out []model.Booking
	for rows.Next() {
		var b model.Booking
		if err := rows.Scan(
			&b.ID, &b.ShopID, &b.Date, &b.StartMinute, &b.DurationMinutes, &b.Status, &b.CreatedAt, &b.CancelledAt,
		); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// LockIdempotencyKey claims the (shop, key) row FOR UPDATE, inserting it when
// absent. The record returned from the insert path can already be finalized:
// under READ COMMITTED a concurrent request with the same key may commit
// between our empty select and our insert, in which case the insert falls
// through DO NOTHING and the re-select sees the winner's row. Callers must
// therefore replay on StatusCode > 0 and never on how the row came into view.
func (r *BookingRepository) LockIdempotencyKey(ctx context.Context, tx pgx.Tx, shopID, key string) (IdempotencyRecord, error) {
	rec, err := r.selectIdempotencyForUpdate(ctx, tx, shopID, key)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return IdempotencyRecord{}, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO booking_idempotency_keys (shop_id, idempotency_key)
		VALUES ($1, $2)
		ON CONFLICT (shop_id, idempotency_key) DO NOTHING
	`, shopID, key)
	if err != nil {
		return IdempotencyRecord{}, err
	}

	return r.selectIdempotencyForUpdate(ctx, tx, shopID, key)
}

func (r *BookingRepository) FinalizeIdempotency(ctx context.Context, tx pgx.Tx, shopID, key, bookingID string, statusCode int, response []byte) error {
	_, err := tx.Exec(ctx, `
		UPDATE booking_idempotency_keys
		SET booking_id = NULLIF($3, '')::uuid,
			status_code = $4,
			response_payload = $5,
			updated_at = now()
		WHERE shop_id = $1 AND idempotency_key = $2
	`, shopID, key, bookingID, statusCode, response)
	return err
}

func (r *BookingRepository) selectIdempotencyForUpdate(ctx context.Context, tx pgx.Tx, shopID, key string) (IdempotencyRecord, error) {
	var rec IdempotencyRecord
	var responseText string
	err := tx.QueryRow(ctx, `
		SELECT shop_id,
			idempotency_key,
			COALESCE(booking_id::text, ''),
			COALESCE(status_code, 0),
			COALESCE(response_payload::text, '')
		FROM booking_idempotency_keys
		WHERE shop_id = $1 AND idempotency_key = $2
		FOR UPDATE
	`, shopID, key).Scan(
		&rec.ShopID,
		&rec.IdempotencyKey,
		&rec.BookingID,
		&rec.StatusCode,
		&responseText,
	)
	if err != nil {
		return IdempotencyRecord{}, err
	}
	if responseText != "" {
		rec.ResponsePayload = []byte(responseText)
	}
	return rec, nil
}
