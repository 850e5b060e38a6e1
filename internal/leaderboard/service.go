// Package leaderboard derives ranked score views from the shared sorted sets
// and throttles how often they are republished to subscribers.
package leaderboard

import (
	"context"
	"time"

	"github.com/quizwire/quizwire/internal/domain"
	"github.com/quizwire/quizwire/internal/errors"
	"github.com/quizwire/quizwire/internal/event"
	"github.com/quizwire/quizwire/internal/publish"
	"github.com/quizwire/quizwire/internal/store"
)

const (
	defaultPublishInterval = 200 * time.Millisecond

	// GlobalKey is the durable cross-session ranking that public sessions
	// fold into at completion.
	GlobalKey = "leaderboard:global"
)

// EligibilityPolicy decides whether a completed session's final scores count
// towards the cross-session ranking. A policy input, not a hardcoded rule.
type EligibilityPolicy func(ss domain.GameSession) bool

// PublicOnly is the default policy: only public sessions feed the global
// ranking.
func PublicOnly(ss domain.GameSession) bool { return ss.Public }

type Config struct {
	EventBus        *event.Bus
	Store           *store.Store
	Publisher       *publish.Publisher
	PublishInterval time.Duration
	Eligible        EligibilityPolicy
}

type Service struct {
	store    *store.Store
	pub      *publish.Publisher
	interval time.Duration
	eligible EligibilityPolicy
}

func NewService(c Config) *Service {
	s := &Service{
		store:    c.Store,
		pub:      c.Publisher,
		interval: c.PublishInterval,
		eligible: c.Eligible,
	}
	if s.interval <= 0 {
		s.interval = defaultPublishInterval
	}
	if s.eligible == nil {
		s.eligible = PublicOnly
	}

	c.EventBus.Subscribe(domain.EventNameScoreUpdated, func(ctx context.Context, e event.Event) error {
		return s.onScoreUpdated(ctx, e.(domain.EventScoreUpdated))
	})
	c.EventBus.Subscribe(domain.EventNameSessionCompleted, func(ctx context.Context, e event.Event) error {
		return s.onSessionCompleted(ctx, e.(domain.EventSessionCompleted))
	})

	return s
}

// Snapshot returns the ranked leaderboard for a session.
func (s *Service) Snapshot(ctx context.Context, sessionID string) (*domain.Leaderboard, error) {
	entries, err := s.store.TopScores(ctx, store.LeaderboardKey(sessionID))
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("leaderboard not found: session=%s", sessionID))
	}

	return &domain.Leaderboard{
		SessionID: sessionID,
		Entries:   entries,
	}, nil
}

// Global returns the durable cross-session ranking.
func (s *Service) Global(ctx context.Context) ([]domain.LeaderboardEntry, error) {
	return s.store.TopScores(ctx, GlobalKey)
}

// onScoreUpdated republishes the session leaderboard, at most once per
// interval across all server processes. Scores land in sorted sets faster
// than viewers need fresh rankings, so bursts collapse into one publish.
func (s *Service) onScoreUpdated(ctx context.Context, e domain.EventScoreUpdated) error {
	ok, err := s.store.TryAcquire(ctx, throttleKey(e.Score.SessionID), s.interval)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	return s.publishSnapshot(ctx, e.Score.SessionID)
}

func (s *Service) publishSnapshot(ctx context.Context, sessionID string) error {
	l, err := s.Snapshot(ctx, sessionID)
	if err != nil {
		return err
	}

	upd := publish.LeaderboardUpdate{
		SessionID: sessionID,
		Entries:   make([]publish.LeaderboardRow, 0, len(l.Entries)),
	}
	for _, e := range l.Entries {
		upd.Entries = append(upd.Entries, publish.LeaderboardRow{
			PlayerID: e.PlayerID,
			Score:    e.Score,
		})
	}

	s.pub.Publish(ctx, publish.KindLeaderboard, sessionID, upd)
	return nil
}

// onSessionCompleted folds the final scores of eligible sessions into the
// global ranking. Only the reduced (player, final score) tuple survives the
// session.
func (s *Service) onSessionCompleted(ctx context.Context, e domain.EventSessionCompleted) error {
	if !s.eligible(e.Session) {
		return nil
	}

	for _, res := range e.Results {
		score, _ := res.FinalScore.Float64()
		if _, err := s.store.IncrementScore(ctx, GlobalKey, res.PlayerID, score); err != nil {
			return err
		}
	}

	return nil
}

func throttleKey(sessionID string) string {
	return "lbpub:" + sessionID
}
