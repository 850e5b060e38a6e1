package leaderboard_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/quizwire/quizwire/internal/domain"
	"github.com/quizwire/quizwire/internal/errors"
	"github.com/quizwire/quizwire/internal/event"
	"github.com/quizwire/quizwire/internal/leaderboard"
	"github.com/quizwire/quizwire/internal/publish"
	"github.com/quizwire/quizwire/internal/store"
)

func TestService_Snapshot(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	_, err := f.svc.Snapshot(ctx, "s1")
	require.True(t, errors.Is(err, errors.CodeNotFound))

	_, err = f.store.IncrementScore(ctx, store.LeaderboardKey("s1"), "p1", 100)
	require.NoError(t, err)
	_, err = f.store.IncrementScore(ctx, store.LeaderboardKey("s1"), "p2", 150)
	require.NoError(t, err)

	l, err := f.svc.Snapshot(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, &domain.Leaderboard{
		SessionID: "s1",
		Entries: []domain.LeaderboardEntry{
			{PlayerID: "p2", Score: 150},
			{PlayerID: "p1", Score: 100},
		},
	}, l)
}

func TestService_PublishThrottled(t *testing.T) {
	type (
		inputs struct {
			scores []domain.Score
		}

		outputs struct {
			published int
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"one score update publishes one leaderboard event": {
			arrange: func() inputs {
				return inputs{
					scores: []domain.Score{
						{SessionID: "s1", PlayerID: "p1", TotalScore: decimal.NewFromInt(100)},
					},
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, 1, out.published)
			},
		},

		"burst of updates within the interval collapses into one publish": {
			arrange: func() inputs {
				return inputs{
					scores: []domain.Score{
						{SessionID: "s1", PlayerID: "p1", TotalScore: decimal.NewFromInt(100)},
						{SessionID: "s1", PlayerID: "p2", TotalScore: decimal.NewFromInt(110)},
						{SessionID: "s1", PlayerID: "p3", TotalScore: decimal.NewFromInt(120)},
					},
				}
			},
			assert: func(t *testing.T, out outputs) {
				require.Equal(t, 1, out.published)
			},
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			f := makeFixture(t)
			ctx := context.Background()

			in := tt.arrange()

			msgs := subscribeChannel(t, f.redis, "leaderboard:s1")

			for _, sc := range in.scores {
				score, _ := sc.TotalScore.Float64()
				_, err := f.store.IncrementScore(ctx, store.LeaderboardKey(sc.SessionID), sc.PlayerID, score)
				require.NoError(t, err)

				f.bus.Publish(ctx, domain.EventScoreUpdated{Score: sc})
			}
			f.bus.Stop()

			tt.assert(t, outputs{published: len(collect(msgs))})
		})
	}
}

func TestService_GlobalFoldRespectsPolicy(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	results := []domain.FinalResult{
		{SessionID: "pub", PlayerID: "p1", Rank: 1, FinalScore: decimal.NewFromInt(300)},
		{SessionID: "pub", PlayerID: "p2", Rank: 2, FinalScore: decimal.NewFromInt(200)},
	}

	f.bus.Publish(ctx, domain.EventSessionCompleted{
		Session: domain.GameSession{SessionID: "priv", Public: false},
		Results: []domain.FinalResult{
			{SessionID: "priv", PlayerID: "p9", Rank: 1, FinalScore: decimal.NewFromInt(999)},
		},
	})
	f.bus.Publish(ctx, domain.EventSessionCompleted{
		Session: domain.GameSession{SessionID: "pub", Public: true},
		Results: results,
	})
	f.bus.Stop()

	global, err := f.svc.Global(ctx)
	require.NoError(t, err)
	require.Equal(t, []domain.LeaderboardEntry{
		{PlayerID: "p1", Score: 300},
		{PlayerID: "p2", Score: 200},
	}, global, "only the public session should be folded in")
}

type fixture struct {
	bus   *event.Bus
	redis redis.UniversalClient
	store *store.Store
	svc   *leaderboard.Service
}

func makeFixture(t *testing.T) *fixture {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	rs := miniredis.RunT(t)
	rc := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: []string{rs.Addr()},
	})
	require.NoError(t, rc.Ping(ctx).Err(), "should be able to ping redis")

	f := &fixture{
		bus:   event.NewBus(),
		redis: rc,
		store: store.New(store.Config{Redis: rc}),
	}

	f.svc = leaderboard.NewService(leaderboard.Config{
		EventBus:  f.bus,
		Store:     f.store,
		Publisher: publish.New(publish.Config{Redis: rc, Origin: "test"}),
	})

	return f
}

func subscribeChannel(t *testing.T, rc redis.UniversalClient, channel string) <-chan *redis.Message {
	ctx := context.Background()

	sub := rc.Subscribe(ctx, channel)
	t.Cleanup(func() { sub.Close() })

	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	return sub.Channel()
}

func collect(msgs <-chan *redis.Message) []publish.LeaderboardUpdate {
	var out []publish.LeaderboardUpdate
	for {
		select {
		case msg := <-msgs:
			var env publish.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			var upd publish.LeaderboardUpdate
			if err := json.Unmarshal(env.Payload, &upd); err != nil {
				continue
			}
			out = append(out, upd)
		case <-time.After(200 * time.Millisecond):
			return out
		}
	}
}
