package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/wrenchworks/shopops/libs/db"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/model"
)

// BlockedDateRepository is the per-shop registry of fully closed dates.
type BlockedDateRepository struct {
	pool *db.Pool
}

func NewBlockedDateRepository(pool *db.Pool) *BlockedDateRepository {
	return &BlockedDateRepository{pool: pool}
}

// Add blocks one date. A second block of the same (shop, date) -> ErrConflict.
func (r *BlockedDateRepository) Add(ctx context.Context, shopID string, date time.Time, reason string) (model.BlockedDate, error) {
	bd := model.BlockedDate{
		ID:     uuid.NewString(),
		ShopID: shopID,
		Date:   model.DateOnly(date),
		Reason: reason,
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO shop_blocked_dates (id, shop_id, date, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`, bd.ID, bd.ShopID, bd.Date, bd.Reason).Scan(&bd.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return model.BlockedDate{}, ErrConflict
		}
		return model.BlockedDate{}, err
	}
	return bd, nil
}

// Delete removes a blocked date owned by shopID. Ids belonging to another
// shop delete nothing and report ErrNotFound.
func (r *BlockedDateRepository) Delete(ctx context.Context, shopID, blockedDateID string) error {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM shop_blocked_dates
		WHERE shop_id = $1 AND id = $2
	`, shopID, blockedDateID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListUpcoming returns blocked dates >= from, ascending. Past rows stay in
// storage; they are only pruned from this result.
func (r *BlockedDateRepository) ListUpcoming(ctx context.Context, shopID string, from time.Time) ([]model.BlockedDate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, shop_id, date, reason, created_at
		FROM shop_blocked_dates
		WHERE shop_id = $1 AND date >= $2
		ORDER BY date ASC
	`, shopID, model.DateOnly(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.BlockedDate
	for rows.Next() {
		var bd model.BlockedDate
		if err := rows.Scan(&bd.ID, &bd.ShopID, &bd.Date, &bd.Reason, &bd.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, bd)
	}
	return out, rows.Err()
}

// IsBlocked reports whether a single date is blocked for the shop.
func (r *BlockedDateRepository) IsBlocked(ctx context.Context, shopID string, date time.Time) (bool, error) {
	var blocked bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM shop_blocked_dates WHERE shop_id = $1 AND date = $2
		)
	`, shopID, model.DateOnly(date)).Scan(&blocked)
	return blocked, err
}
