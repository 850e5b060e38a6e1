// Package repo holds the durable CRUD collaborators of the live engine:
// answer records and final results in Postgres. No interesting invariants
// beyond write-once answers, which the unique constraint enforces.
package repo

import (
	stderrors "errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const codeUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}
