// Package store adapts the shared Redis state store behind the narrow
// key/value+set contract the live engine needs. All operations are atomic at
// single-key/single-member granularity; no multi-key transactions are assumed.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quizwire/quizwire/internal/domain"
	"github.com/quizwire/quizwire/internal/errors"
)

const (
	// SessionTTL bounds how long an idle session survives in the store.
	// Refreshed on every write so cleanup failures still expire state.
	SessionTTL = 2 * time.Hour

	// LeaderboardTTL keeps per-session score sets around after completion.
	LeaderboardTTL = 24 * time.Hour

	// timerGrace pads the timer record TTL past the question budget so a
	// recovering process can still observe a just-expired timer.
	timerGrace = 10 * time.Second
)

func SessionKey(id string) string     { return "gamestate:" + id }
func LobbyKey(id string) string       { return "lobby:" + id }
func ReadyKey(id string) string       { return "ready:" + id }
func TimerKey(id string) string       { return "timer:" + id }
func LeaderboardKey(id string) string { return "leaderboard:" + id }

type Config struct {
	Redis redis.UniversalClient
}

type Store struct {
	redis redis.UniversalClient
}

func New(c Config) *Store {
	return &Store{redis: c.Redis}
}

// GetSession loads the session snapshot, or CodeNotFound when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*domain.GameSession, error) {
	b, err := s.redis.Get(ctx, SessionKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("session not found: session=%s", id))
	}
	if err != nil {
		return nil, unavailable("get session", err)
	}

	var ss domain.GameSession
	if err := json.Unmarshal(b, &ss); err != nil {
		return nil, errors.Internal(fmt.Errorf("decode session %s: %w", id, err))
	}

	return &ss, nil
}

// PutSession writes the snapshot and refreshes its TTL.
func (s *Store) PutSession(ctx context.Context, ss *domain.GameSession) error {
	b, err := json.Marshal(ss)
	if err != nil {
		return errors.Internal(fmt.Errorf("encode session %s: %w", ss.SessionID, err))
	}

	return s.writeRetry(ctx, "put session", ss.SessionID, func(ctx context.Context) error {
		return s.redis.Set(ctx, SessionKey(ss.SessionID), b, SessionTTL).Err()
	})
}

// DeleteSession removes the live keys of a session. The leaderboard set is
// left to its own TTL so post-game reads keep working.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.writeRetry(ctx, "delete session", id, func(ctx context.Context) error {
		return s.redis.Del(ctx, SessionKey(id), LobbyKey(id), ReadyKey(id), TimerKey(id)).Err()
	})
}

// AddToSet inserts member and refreshes the set's TTL. Returns true when the
// member was not already present.
func (s *Store) AddToSet(ctx context.Context, key, member string) (bool, error) {
	var added int64
	err := s.writeRetry(ctx, "sadd", key, func(ctx context.Context) error {
		n, err := s.redis.SAdd(ctx, key, member).Result()
		if err != nil {
			return err
		}
		added = n
		return s.redis.Expire(ctx, key, SessionTTL).Err()
	})
	return added > 0, err
}

func (s *Store) RemoveFromSet(ctx context.Context, key, member string) error {
	return s.writeRetry(ctx, "srem", key, func(ctx context.Context) error {
		return s.redis.SRem(ctx, key, member).Err()
	})
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.redis.SMembers(ctx, key).Result()
	if err != nil {
		return nil, unavailable("smembers", err)
	}
	return members, nil
}

func (s *Store) IsMember(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.redis.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, unavailable("sismember", err)
	}
	return ok, nil
}

// IncrementScore adds delta to member's score in the sorted set and returns
// the new total.
func (s *Store) IncrementScore(ctx context.Context, key, member string, delta float64) (float64, error) {
	var total float64
	err := s.writeRetry(ctx, "zincrby", key, func(ctx context.Context) error {
		n, err := s.redis.ZIncrBy(ctx, key, delta, member).Result()
		if err != nil {
			return err
		}
		total = n
		return s.redis.Expire(ctx, key, LeaderboardTTL).Err()
	})
	return total, err
}

// TopScores returns the sorted set ranked by descending score.
func (s *Store) TopScores(ctx context.Context, key string) ([]domain.LeaderboardEntry, error) {
	res, err := s.redis.ZRevRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, unavailable("zrevrange", err)
	}

	entries := make([]domain.LeaderboardEntry, 0, len(res))
	for _, z := range res {
		entries = append(entries, domain.LeaderboardEntry{
			PlayerID: z.Member.(string),
			Score:    z.Score,
		})
	}
	return entries, nil
}

// PutScore overwrites member's score in the sorted set.
func (s *Store) PutScore(ctx context.Context, key, member string, score float64) error {
	return s.writeRetry(ctx, "zadd", key, func(ctx context.Context) error {
		if err := s.redis.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
			return err
		}
		return s.redis.Expire(ctx, key, LeaderboardTTL).Err()
	})
}

// PutTimer persists the timer snapshot for cross-process visibility. The TTL
// covers the remaining budget plus a recovery grace.
func (s *Store) PutTimer(ctx context.Context, t *domain.QuestionTimer) error {
	b, err := json.Marshal(t)
	if err != nil {
		return errors.Internal(fmt.Errorf("encode timer %s: %w", t.SessionID, err))
	}

	return s.writeRetry(ctx, "put timer", t.SessionID, func(ctx context.Context) error {
		return s.redis.Set(ctx, TimerKey(t.SessionID), b, t.Duration+timerGrace).Err()
	})
}

func (s *Store) GetTimer(ctx context.Context, id string) (*domain.QuestionTimer, error) {
	b, err := s.redis.Get(ctx, TimerKey(id)).Bytes()
	if err == redis.Nil {
		return nil, errors.New(errors.CodeNotFound,
			errors.WithMessagef("timer not found: session=%s", id))
	}
	if err != nil {
		return nil, unavailable("get timer", err)
	}

	var t domain.QuestionTimer
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, errors.Internal(fmt.Errorf("decode timer %s: %w", id, err))
	}
	return &t, nil
}

func (s *Store) DeleteTimer(ctx context.Context, id string) error {
	return s.writeRetry(ctx, "delete timer", id, func(ctx context.Context) error {
		return s.redis.Del(ctx, TimerKey(id)).Err()
	})
}

// TryAdvance claims the progression marker for (session, question index)
// across processes. Exactly one caller per index observes true.
func (s *Store) TryAdvance(ctx context.Context, id string, questionIndex int) (bool, error) {
	key := fmt.Sprintf("progress:%s:%d", id, questionIndex)
	ok, err := s.redis.SetNX(ctx, key, 1, SessionTTL).Result()
	if err != nil {
		return false, unavailable("setnx progress", err)
	}
	return ok, nil
}

// TryAcquire claims an arbitrary short-lived marker, used to throttle
// leaderboard publishes across processes.
func (s *Store) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.redis.SetNX(ctx, key, 1, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", err)
	}
	return ok, nil
}

// writeRetry runs op, retrying once on failure. The store degrading must not
// block callers beyond that single retry.
func (s *Store) writeRetry(ctx context.Context, op, key string, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	if err == nil {
		return nil
	}

	slog.ErrorContext(ctx, "store: write failed, retrying once",
		"op", op,
		"key", key,
		"error", err,
	)

	if err = fn(ctx); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return errors.New(errors.CodeUnavailable,
		errors.WithMessagef("store: %s failed", op),
		errors.WithCause(err),
	)
}
