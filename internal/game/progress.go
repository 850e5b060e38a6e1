package game

import (
	"context"
	"log/slog"
	"sort"

	"github.com/quizwire/quizwire/internal/domain"
	"github.com/quizwire/quizwire/internal/errors"
	"github.com/quizwire/quizwire/internal/publish"
	"github.com/quizwire/quizwire/internal/store"
	"github.com/quizwire/quizwire/internal/telemetry"
)

// ForceProgression is the timer-expiry path: every player who never answered
// the question gets a timeout event, then the usual progression runs. Calling
// it after the index has already advanced is a safe no-op.
func (o *Orchestrator) ForceProgression(ctx context.Context, sessionID string, questionIndex int) {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	ss, err := o.loadSession(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, errors.CodeNotFound) {
			slog.ErrorContext(ctx, "game: load session for progression failed",
				"session", sessionID,
				"error", err,
			)
		}
		return
	}

	if ss.Status != domain.StatusActive || ss.CurrentIndex != questionIndex {
		return
	}

	players, err := o.store.SetMembers(ctx, store.LobbyKey(sessionID))
	if err != nil {
		slog.ErrorContext(ctx, "game: list players for timeout failed",
			"session", sessionID,
			"error", err,
		)
	}

	answered, err := o.store.SetMembers(ctx, answeredKey(sessionID, questionIndex))
	if err != nil {
		slog.ErrorContext(ctx, "game: list answered players failed",
			"session", sessionID,
			"error", err,
		)
	}

	got := make(map[string]bool, len(answered))
	for _, p := range answered {
		got[p] = true
	}
	for _, p := range players {
		if got[p] {
			continue
		}
		o.pub.Publish(ctx, publish.KindTimeout, sessionID, publish.TimeoutNotice{
			SessionID:     sessionID,
			QuestionIndex: questionIndex,
			PlayerID:      p,
		})
		ss.Streaks[p] = 0
	}

	o.progress(ctx, ss, questionIndex)
}

// progress advances past questionIndex, or completes the game when it was the
// last question. Idempotent per index: the caller must hold the session lock,
// and the store-side claim makes exactly one process across the fleet perform
// the transition.
func (o *Orchestrator) progress(ctx context.Context, ss *domain.GameSession, questionIndex int) {
	if ss.Status != domain.StatusActive || ss.CurrentIndex != questionIndex {
		return
	}

	claimed, err := o.store.TryAdvance(ctx, ss.SessionID, questionIndex)
	if err != nil {
		slog.ErrorContext(ctx, "game: claim progression failed",
			"session", ss.SessionID,
			"question_index", questionIndex,
			"error", err,
		)
		return
	}
	if !claimed {
		// Another trigger of the same transition won the race; observe the
		// new state and exit harmlessly.
		telemetry.ProgressionRaces.Inc()
		if fresh, err := o.loadSession(ctx, ss.SessionID); err == nil {
			*ss = *fresh
		}
		return
	}

	o.timers.Cancel(ctx, ss.SessionID)

	if questionIndex >= len(ss.Questions)-1 {
		o.complete(ctx, ss)
		return
	}

	ss.CurrentIndex = questionIndex + 1
	ss.UpdateTime = o.clock.Now().UTC()

	if err := o.saveSession(ctx, ss); err != nil {
		slog.ErrorContext(ctx, "game: save advanced session failed",
			"session", ss.SessionID,
			"error", err,
		)
	}

	o.timers.Start(ctx, ss.SessionID, ss.CurrentIndex, ss.Questions[ss.CurrentIndex].Duration)
	o.publishQuestionChanged(ctx, ss)
}

// complete ends the game: final rankings, the terminal state event, durable
// results, and teardown of the live state.
func (o *Orchestrator) complete(ctx context.Context, ss *domain.GameSession) {
	ss.Status = domain.StatusCompleted
	ss.UpdateTime = o.clock.Now().UTC()

	results := finalRankings(ss)

	o.pub.Publish(ctx, publish.KindState, ss.SessionID, publish.StateChange{
		SessionID:     ss.SessionID,
		Status:        string(ss.Status),
		Reason:        publish.StateGameEnded,
		QuestionIndex: ss.CurrentIndex,
	})

	if err := o.results.InsertResults(ctx, results); err != nil {
		slog.ErrorContext(ctx, "game: persist final results failed",
			"session", ss.SessionID,
			"error", err,
		)
	}

	o.eb.Publish(ctx, domain.EventSessionCompleted{
		Session: *ss,
		Results: results,
	})

	o.dropSession(ctx, ss)
}

// finalRankings orders players by score descending; ties share the earlier
// rank order by player ID for determinism.
func finalRankings(ss *domain.GameSession) []domain.FinalResult {
	results := make([]domain.FinalResult, 0, len(ss.Scores))
	for player, score := range ss.Scores {
		results = append(results, domain.FinalResult{
			SessionID:  ss.SessionID,
			PlayerID:   player,
			FinalScore: score,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if !results[i].FinalScore.Equal(results[j].FinalScore) {
			return results[i].FinalScore.GreaterThan(results[j].FinalScore)
		}
		return results[i].PlayerID < results[j].PlayerID
	})

	for i := range results {
		results[i].Rank = i + 1
	}

	return results
}
