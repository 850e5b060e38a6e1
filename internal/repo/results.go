package repo

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quizwire/quizwire/internal/domain"
	"github.com/quizwire/quizwire/internal/errors"
)

type ResultRepo struct {
	db *pgxpool.Pool
}

func NewResultRepo(db *pgxpool.Pool) *ResultRepo {
	return &ResultRepo{db: db}
}

// InsertResults writes the final rankings of a completed session in one
// transaction. Re-running for the same session is a no-op thanks to the
// primary key on (session_id, player_id).
func (r *ResultRepo) InsertResults(ctx context.Context, results []domain.FinalResult) (err error) {
	if len(results) == 0 {
		return nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.Internal(fmt.Errorf("begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			err = stderrors.Join(err, tx.Rollback(ctx))
		}
	}()

	const stmt = `
INSERT INTO results (session_id, player_id, rank, final_score)
VALUES ($1, $2, $3, $4)
ON CONFLICT (session_id, player_id) DO NOTHING;`

	for _, res := range results {
		if _, err = tx.Exec(ctx, stmt, res.SessionID, res.PlayerID, res.Rank, res.FinalScore); err != nil {
			return errors.Internal(fmt.Errorf("insert result: %w", err))
		}
	}

	return tx.Commit(ctx)
}

// ListResults returns the persisted rankings of a session.
func (r *ResultRepo) ListResults(ctx context.Context, sessionID string) ([]domain.FinalResult, error) {
	const stmt = `
SELECT player_id, rank, final_score
FROM results
WHERE session_id = $1
ORDER BY rank;`

	rows, err := r.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, errors.Internal(err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.FinalResult, error) {
		var res domain.FinalResult
		if err := row.Scan(&res.PlayerID, &res.Rank, &res.FinalScore); err != nil {
			return domain.FinalResult{}, err
		}
		res.SessionID = sessionID
		return res, nil
	})
	if err != nil {
		return nil, errors.Internal(err)
	}

	return results, nil
}
