package repo

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quizwire/quizwire/internal/domain"
	"github.com/quizwire/quizwire/internal/errors"
)

type AnswerRepo struct {
	db *pgxpool.Pool
}

func NewAnswerRepo(db *pgxpool.Pool) *AnswerRepo {
	return &AnswerRepo{db: db}
}

// Insert writes the answer record. The unique constraint on
// (session_id, question_index, player_id) makes the write at-most-once; a
// duplicate surfaces as CodeAlreadyExists and must not overwrite.
func (r *AnswerRepo) Insert(ctx context.Context, rec domain.AnswerRecord) error {
	const stmt = `
INSERT INTO answers (session_id, question_index, player_id, answer, correct, points, latency_ms, submit_time)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8);`

	_, err := r.db.Exec(ctx, stmt,
		rec.SessionID,
		rec.QuestionIndex,
		rec.PlayerID,
		rec.Answer,
		rec.Correct,
		rec.Points,
		rec.Latency.Milliseconds(),
		rec.SubmitTime,
	)

	if isUniqueViolation(err) {
		return errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("answer already submitted: session=%s question=%d player=%s",
				rec.SessionID, rec.QuestionIndex, rec.PlayerID),
			errors.WithCause(err),
		)
	}
	if err != nil {
		return errors.Internal(err)
	}

	return nil
}

// ListBySession returns all answer records of a session ordered by question.
func (r *AnswerRepo) ListBySession(ctx context.Context, sessionID string) ([]domain.AnswerRecord, error) {
	const stmt = `
SELECT question_index, player_id, answer, correct, points, latency_ms, submit_time
FROM answers
WHERE session_id = $1
ORDER BY question_index, submit_time;`

	rows, err := r.db.Query(ctx, stmt, sessionID)
	if err != nil {
		return nil, errors.Internal(err)
	}

	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.AnswerRecord, error) {
		var (
			rec       domain.AnswerRecord
			latencyMS int64
		)
		if err := row.Scan(&rec.QuestionIndex, &rec.PlayerID, &rec.Answer, &rec.Correct, &rec.Points, &latencyMS, &rec.SubmitTime); err != nil {
			return domain.AnswerRecord{}, err
		}
		rec.SessionID = sessionID
		rec.Latency = time.Duration(latencyMS) * time.Millisecond
		return rec, nil
	})
	if err != nil {
		return nil, errors.Internal(err)
	}

	return recs, nil
}
