package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/wrenchworks/shopops/libs/db"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/model"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/outbox"
)

// ScheduleRepository persists per-shop schedule configs and weekly hours.
type ScheduleRepository struct {
	pool       *db.Pool
	outboxRepo *outbox.Repository
}

func NewScheduleRepository(pool *db.Pool, outboxRepo *outbox.Repository) *ScheduleRepository {
	return &ScheduleRepository{pool: pool, outboxRepo: outboxRepo}
}

// Get returns the config for a known shop. Missing shop -> ErrNotFound.
func (r *ScheduleRepository) Get(ctx context.Context, shopID string) (model.ScheduleConfig, error) {
	cfg := model.ScheduleConfig{ShopID: shopID}
	err := r.pool.QueryRow(ctx, `
		SELECT capacity, slot_duration_minutes
		FROM shop_schedule_configs
		WHERE shop_id = $1
	`, shopID).Scan(&cfg.Capacity, &cfg.SlotDurationMinutes)
	if err != nil {
		return model.ScheduleConfig{}, translateNoRows(err)
	}
	if err := r.loadWeeklyHours(ctx, &cfg); err != nil {
		return model.ScheduleConfig{}, err
	}
	return cfg, nil
}

// GetOrCreate materializes the onboarding default (capacity 1, 30-minute
// grid, all days closed) on first read. Not an error path.
func (r *ScheduleRepository) GetOrCreate(ctx context.Context, shopID string) (model.ScheduleConfig, error) {
	cfg, err := r.Get(ctx, shopID)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return model.ScheduleConfig{}, err
	}

	def := model.DefaultScheduleConfig(shopID)
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return model.ScheduleConfig{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// A concurrent first read may have inserted already; DO NOTHING keeps
	// both readers converging on the same row.
	_, err = tx.Exec(ctx, `
		INSERT INTO shop_schedule_configs (shop_id, capacity, slot_duration_minutes)
		VALUES ($1, $2, $3)
		ON CONFLICT (shop_id) DO NOTHING
	`, shopID, def.Capacity, def.SlotDurationMinutes)
	if err != nil {
		return model.ScheduleConfig{}, err
	}
	if err := upsertWeeklyHours(ctx, tx, shopID, def.WeeklyHours, false); err != nil {
		return model.ScheduleConfig{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ScheduleConfig{}, err
	}
	return r.Get(ctx, shopID)
}

// Replace writes capacity, slot duration and all seven weekday rows in one
// transaction and records a schedule.updated event with them. The caller
// validates the config before calling; nothing here is written on failure.
func (r *ScheduleRepository) Replace(ctx context.Context, cfg model.ScheduleConfig) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO shop_schedule_configs (shop_id, capacity, slot_duration_minutes)
		VALUES ($1, $2, $3)
		ON CONFLICT (shop_id) DO UPDATE
		SET capacity = EXCLUDED.capacity,
			slot_duration_minutes = EXCLUDED.slot_duration_minutes,
			updated_at = now()
	`, cfg.ShopID, cfg.Capacity, cfg.SlotDurationMinutes)
	if err != nil {
		return err
	}
	if err := upsertWeeklyHours(ctx, tx, cfg.ShopID, cfg.WeeklyHours, true); err != nil {
		return err
	}

	payload, err := json.Marshal(map[string]any{
		"shop_id":               cfg.ShopID,
		"capacity":              cfg.Capacity,
		"slot_duration_minutes": cfg.SlotDurationMinutes,
		"updated_at":            time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	if err := r.outboxRepo.Insert(ctx, tx, outbox.Event{
		AggregateType: "schedule",
		AggregateID:   cfg.ShopID,
		EventType:     outbox.EventScheduleUpdated,
		Payload:       payload,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *ScheduleRepository) loadWeeklyHours(ctx context.Context, cfg *model.ScheduleConfig) error {
	rows, err := r.pool.Query(ctx, `
		SELECT weekday, is_open, open_minute, close_minute
		FROM shop_weekly_hours
		WHERE shop_id = $1
		ORDER BY weekday
	`, cfg.ShopID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var weekday int
		var day model.DayHours
		if err := rows.Scan(&weekday, &day.IsOpen, &day.OpenMinute, &day.CloseMinute); err != nil {
			return err
		}
		if weekday >= 0 && weekday < 7 {
			cfg.WeeklyHours[weekday] = day
		}
	}
	return rows.Err()
}

func upsertWeeklyHours(ctx context.Context, tx pgx.Tx, shopID string, hours [7]model.DayHours, overwrite bool) error {
	conflict := `ON CONFLICT (shop_id, weekday) DO NOTHING`
	if overwrite {
		conflict = `ON CONFLICT (shop_id, weekday) DO UPDATE
			SET is_open = EXCLUDED.is_open,
				open_minute = EXCLUDED.open_minute,
				close_minute = EXCLUDED.close_minute`
	}
	for wd, day := range hours {
		if _, err := tx.Exec(ctx, `
			INSERT INTO shop_weekly_hours (shop_id, weekday, is_open, open_minute, close_minute)
			VALUES ($1, $2, $3, $4, $5)
			`+conflict,
			shopID, wd, day.IsOpen, day.OpenMinute, day.CloseMinute); err != nil {
			return err
		}
	}
	return nil
}

// Capacity satisfies the bay allocator's capacity source.
func (r *ScheduleRepository) Capacity(ctx context.Context, shopID string) (int, error) {
	var capacity int
	err := r.pool.QueryRow(ctx, `
		SELECT capacity FROM shop_schedule_configs WHERE shop_id = $1
	`, shopID).Scan(&capacity)
	if err != nil {
		return 0, translateNoRows(err)
	}
	return capacity, nil
}
