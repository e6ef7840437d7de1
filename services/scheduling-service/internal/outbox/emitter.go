package outbox

import (
	"context"

	"github.com/wrenchworks/shopops/libs/db"
)

// Emitter records a standalone event in its own transaction, for writers
// that have no surrounding domain transaction (e.g. bay assignments).
type Emitter struct {
	pool *db.Pool
	repo *Repository
}

func NewEmitter(pool *db.Pool, repo *Repository) *Emitter {
	return &Emitter{pool: pool, repo: repo}
}

func (e *Emitter) Emit(ctx context.Context, evt Event) error {
	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := e.repo.Insert(ctx, tx, evt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
