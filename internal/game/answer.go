package game

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quizwire/quizwire/internal/domain"
	"github.com/quizwire/quizwire/internal/errors"
	"github.com/quizwire/quizwire/internal/publish"
	"github.com/quizwire/quizwire/internal/store"
)

type SubmitAnswerRequest struct {
	SessionID     string
	PlayerID      string
	QuestionIndex int
	Answer        string
	Latency       time.Duration
}

type SubmitAnswerResponse struct {
	Correct    bool
	Points     decimal.Decimal
	TotalScore decimal.Decimal
}

// SubmitAnswer ingests one answer. At most one record ever exists per
// (session, question index, player); a duplicate is rejected with
// CodeAlreadyExists and changes nothing. A submission for any question other
// than the current one is stale. When the last active player answers, the
// session progresses.
func (o *Orchestrator) SubmitAnswer(ctx context.Context, req SubmitAnswerRequest) (*SubmitAnswerResponse, error) {
	if req.SessionID == "" || req.PlayerID == "" {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("session and player are required"))
	}
	if req.QuestionIndex < 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("question index must not be negative"))
	}

	unlock := o.locks.lock(req.SessionID)
	defer unlock()

	ss, err := o.loadSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	if ss.Status != domain.StatusActive {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("game is not active: session=%s status=%s", req.SessionID, ss.Status))
	}
	if req.QuestionIndex != ss.CurrentIndex {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("stale submission: session=%s submitted=%d current=%d",
				req.SessionID, req.QuestionIndex, ss.CurrentIndex))
	}

	isPlayer, err := o.store.IsMember(ctx, store.LobbyKey(req.SessionID), req.PlayerID)
	if err != nil {
		return nil, err
	}
	if !isPlayer {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("player is not in the session: session=%s player=%s", req.SessionID, req.PlayerID))
	}

	// First-writer-wins on the live answer set; the unique constraint behind
	// the answer log is the durable backstop.
	first, err := o.store.AddToSet(ctx, answeredKey(req.SessionID, req.QuestionIndex), req.PlayerID)
	if err != nil {
		return nil, err
	}
	if !first {
		return nil, errors.New(errors.CodeAlreadyExists,
			errors.WithMessagef("answer already submitted: session=%s question=%d player=%s",
				req.SessionID, req.QuestionIndex, req.PlayerID))
	}

	question := ss.Questions[req.QuestionIndex]
	correct := req.Answer == question.CorrectOption

	points := decimal.Zero
	if correct {
		remaining := time.Duration(0)
		if t, ok := o.timers.Snapshot(ctx, req.SessionID); ok {
			remaining = t.Remaining(o.clock.Now().UTC())
		}
		points = o.scoring.Points(remaining, question.Duration, ss.Streaks[req.PlayerID])
	}

	now := o.clock.Now().UTC()
	rec := domain.AnswerRecord{
		SessionID:     req.SessionID,
		QuestionIndex: req.QuestionIndex,
		PlayerID:      req.PlayerID,
		Answer:        req.Answer,
		Correct:       correct,
		Points:        points,
		Latency:       req.Latency,
		SubmitTime:    now,
	}
	if err := o.answers.Insert(ctx, rec); err != nil {
		if errors.Is(err, errors.CodeAlreadyExists) {
			return nil, err
		}
		// Attribution survives in session state; the durable log catches up
		// from there.
		slog.ErrorContext(ctx, "game: write answer record failed",
			"session", req.SessionID,
			"player", req.PlayerID,
			"error", err,
		)
	}

	if correct {
		ss.Scores[req.PlayerID] = ss.Scores[req.PlayerID].Add(points)
		ss.Streaks[req.PlayerID]++
	} else {
		ss.Streaks[req.PlayerID] = 0
	}
	ss.UpdateTime = now

	if err := o.saveSession(ctx, ss); err != nil {
		return nil, err
	}

	total := ss.Scores[req.PlayerID]

	if correct {
		pts, _ := points.Float64()
		if _, err := o.store.IncrementScore(ctx, store.LeaderboardKey(req.SessionID), req.PlayerID, pts); err != nil {
			slog.ErrorContext(ctx, "game: increment leaderboard failed",
				"session", req.SessionID,
				"player", req.PlayerID,
				"error", err,
			)
		}
	}

	o.eb.Publish(ctx, domain.EventScoreUpdated{
		Score: domain.Score{
			SessionID:  req.SessionID,
			PlayerID:   req.PlayerID,
			TotalScore: total,
			UpdateTime: now,
		},
	})

	o.pub.Publish(ctx, publish.KindAnswerResult, req.SessionID, publish.AnswerResult{
		SessionID:     req.SessionID,
		QuestionIndex: req.QuestionIndex,
		PlayerID:      req.PlayerID,
		Correct:       correct,
		Points:        points.String(),
		TotalScore:    total.String(),
		SubmitTime:    now,
	})

	allAnswered, err := o.allAnswered(ctx, req.SessionID, req.QuestionIndex)
	if err != nil {
		slog.ErrorContext(ctx, "game: check all answered failed",
			"session", req.SessionID,
			"error", err,
		)
	} else if allAnswered {
		o.progress(ctx, ss, req.QuestionIndex)
	}

	return &SubmitAnswerResponse{
		Correct:    correct,
		Points:     points,
		TotalScore: total,
	}, nil
}

// allAnswered reports whether every lobby member has answered the question.
func (o *Orchestrator) allAnswered(ctx context.Context, sessionID string, questionIndex int) (bool, error) {
	players, err := o.store.SetMembers(ctx, store.LobbyKey(sessionID))
	if err != nil {
		return false, err
	}
	if len(players) == 0 {
		return false, nil
	}

	answered, err := o.store.SetMembers(ctx, answeredKey(sessionID, questionIndex))
	if err != nil {
		return false, err
	}

	got := make(map[string]bool, len(answered))
	for _, p := range answered {
		got[p] = true
	}
	for _, p := range players {
		if !got[p] {
			return false, nil
		}
	}

	return true, nil
}
