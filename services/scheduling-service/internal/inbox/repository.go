package inbox

import (
	"context"

	"github.com/wrenchworks/shopops/libs/db"
)

// Repository tracks processed event ids so redelivered Kafka messages are
// handled at most once.
type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Record claims an event id. It returns false when the event was already
// recorded, in which case the caller must skip the message.
func (r *Repository) Record(ctx context.Context, eventID, eventType string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO inbox_events (event_id, event_type)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
