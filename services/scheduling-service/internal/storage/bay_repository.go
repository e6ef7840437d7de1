package storage

import (
	"context"

	"github.com/wrenchworks/shopops/libs/db"
	"github.com/wrenchworks/shopops/services/scheduling-service/internal/model"
)

// BayRepository persists live bay occupancy. Free bays have no row; the
// unique constraints on (shop_id, bay_index) and (shop_id, work_order_id)
// back up the allocator's in-process serialization.
type BayRepository struct {
	pool *db.Pool
}

func NewBayRepository(pool *db.Pool) *BayRepository {
	return &BayRepository{pool: pool}
}

func (r *BayRepository) Occupied(ctx context.Context, shopID string) ([]model.Bay, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT shop_id, bay_index, work_order_id, assigned_at
		FROM shop_bays
		WHERE shop_id = $1
		ORDER BY bay_index ASC
	`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Bay
	for rows.Next() {
		var b model.Bay
		if err := rows.Scan(&b.ShopID, &b.Index, &b.WorkOrderID, &b.AssignedAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r *BayRepository) Assign(ctx context.Context, shopID string, index int, workOrderID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO shop_bays (shop_id, bay_index, work_order_id)
		VALUES ($1, $2, $3)
	`, shopID, index, workOrderID)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// Release frees whatever bay the work order holds. The bool is false when it
// held none.
func (r *BayRepository) Release(ctx context.Context, shopID, workOrderID string) (int, bool, error) {
	var index int
	err := r.pool.QueryRow(ctx, `
		DELETE FROM shop_bays
		WHERE shop_id = $1 AND work_order_id = $2
		RETURNING bay_index
	`, shopID, workOrderID).Scan(&index)
	if err != nil {
		if translateNoRows(err) == ErrNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	return index, true, nil
}
