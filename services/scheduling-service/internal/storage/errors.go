package storage

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound covers missing rows and cross-tenant access alike, so a
	// caller probing another shop's records learns nothing about them.
	ErrNotFound = errors.New("not found")

	// ErrConflict is a uniqueness violation or a capacity race lost.
	ErrConflict = errors.New("conflict")
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func translateNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
