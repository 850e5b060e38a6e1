package game_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/quizwire/quizwire/internal/domain"
	"github.com/quizwire/quizwire/internal/errors"
	"github.com/quizwire/quizwire/internal/event"
	"github.com/quizwire/quizwire/internal/game"
	"github.com/quizwire/quizwire/internal/lobby"
	"github.com/quizwire/quizwire/internal/publish"
	"github.com/quizwire/quizwire/internal/scoring"
	"github.com/quizwire/quizwire/internal/store"
	"github.com/quizwire/quizwire/internal/timer"
)

func TestOrchestrator_CreateSessionValidation(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	_, err := f.orch.CreateSession(ctx, game.CreateSessionRequest{
		Questions: questions(1),
	})
	require.True(t, errors.Is(err, errors.CodeInvalidArgument))

	_, err = f.orch.CreateSession(ctx, game.CreateSessionRequest{
		HostID: "host",
	})
	require.True(t, errors.Is(err, errors.CodeInvalidArgument))

	ss, err := f.orch.CreateSession(ctx, game.CreateSessionRequest{
		HostID:    "host",
		Questions: questions(3),
	})
	require.NoError(t, err)
	require.Equal(t, domain.StatusWaiting, ss.Status)
	require.NotEmpty(t, ss.SessionID)
}

func TestOrchestrator_StartSessionGuards(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	empty := f.createSession(t, 2)
	_, err := f.orch.StartSession(ctx, empty.SessionID, "host")
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "cannot start with nobody in the lobby")

	notReady := f.createSession(t, 2)
	require.NoError(t, f.lobby.Join(ctx, notReady.SessionID, "p1"))
	_, err = f.orch.StartSession(ctx, notReady.SessionID, "host")
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "cannot start before every player is ready")

	ss := f.createSession(t, 2, "p1", "p2")

	_, err = f.orch.StartSession(ctx, ss.SessionID, "p1")
	require.True(t, errors.Is(err, errors.CodePermissionDenied), "only the host may start")

	started, err := f.orch.StartSession(ctx, ss.SessionID, "host")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, started.Status)
	require.Equal(t, 0, started.CurrentIndex)

	_, err = f.orch.StartSession(ctx, ss.SessionID, "host")
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "starting twice is invalid")
}

func TestOrchestrator_SubmitAnswerIdempotency(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	ss := f.createSession(t, 2, "p1", "p2")
	f.start(t, ss.SessionID)

	resp, err := f.orch.SubmitAnswer(ctx, game.SubmitAnswerRequest{
		SessionID: ss.SessionID,
		PlayerID:  "p1",
		Answer:    "A",
	})
	require.NoError(t, err)
	require.True(t, resp.Correct)
	require.True(t, resp.Points.IsPositive())

	_, err = f.orch.SubmitAnswer(ctx, game.SubmitAnswerRequest{
		SessionID: ss.SessionID,
		PlayerID:  "p1",
		Answer:    "B",
	})
	require.True(t, errors.Is(err, errors.CodeAlreadyExists), "duplicate submission is rejected")

	// The rejected duplicate must not have changed the score.
	cur, err := f.orch.GetSession(ctx, ss.SessionID)
	require.NoError(t, err)
	require.True(t, cur.Scores["p1"].Equal(resp.TotalScore))
}

func TestOrchestrator_SubmitAnswerGuards(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	ss := f.createSession(t, 2, "p1", "p2")

	_, err := f.orch.SubmitAnswer(ctx, game.SubmitAnswerRequest{
		SessionID: ss.SessionID,
		PlayerID:  "p1",
		Answer:    "A",
	})
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "game not active")

	f.start(t, ss.SessionID)

	_, err = f.orch.SubmitAnswer(ctx, game.SubmitAnswerRequest{
		SessionID:     ss.SessionID,
		PlayerID:      "p1",
		QuestionIndex: 1,
		Answer:        "A",
	})
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "stale submission")

	_, err = f.orch.SubmitAnswer(ctx, game.SubmitAnswerRequest{
		SessionID: ss.SessionID,
		PlayerID:  "stranger",
		Answer:    "A",
	})
	require.True(t, errors.Is(err, errors.CodePermissionDenied), "non-participant")

	_, err = f.orch.SubmitAnswer(ctx, game.SubmitAnswerRequest{
		PlayerID: "p1",
	})
	require.True(t, errors.Is(err, errors.CodeInvalidArgument))
}

func TestOrchestrator_AllAnsweredTriggersProgression(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	ss := f.createSession(t, 2, "p1", "p2")
	f.start(t, ss.SessionID)

	f.answer(t, ss.SessionID, "p1", 0, "A")

	cur, err := f.orch.GetSession(ctx, ss.SessionID)
	require.NoError(t, err)
	require.Equal(t, 0, cur.CurrentIndex, "one of two players is not enough")

	f.answer(t, ss.SessionID, "p2", 0, "B")

	cur, err = f.orch.GetSession(ctx, ss.SessionID)
	require.NoError(t, err)
	require.Equal(t, 1, cur.CurrentIndex, "all answered advances the question")
}

func TestOrchestrator_ProgressionIsIdempotent(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	ss := f.createSession(t, 3, "p1")
	f.start(t, ss.SessionID)

	states := subscribeChannel(t, f.redis, publish.Channel(publish.KindState, ss.SessionID))

	// Simulate the "all answered" trigger and a racing timer expiry, plus
	// repeated invocations after the index advanced.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.orch.ForceProgression(ctx, ss.SessionID, 0)
		}()
	}
	wg.Wait()
	f.orch.ForceProgression(ctx, ss.SessionID, 0)

	cur, err := f.orch.GetSession(ctx, ss.SessionID)
	require.NoError(t, err)
	require.Equal(t, 1, cur.CurrentIndex, "index advances exactly once")

	changed := 0
	for _, sc := range collectStates(states) {
		if sc.Reason == publish.StateQuestionChanged && sc.QuestionIndex == 1 {
			changed++
		}
	}
	require.Equal(t, 1, changed, "exactly one question-changed event for the contested index")
}

func TestOrchestrator_TimeoutCompletesLastQuestion(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)

	// 2 players, 1 question, 30s budget.
	ss := f.createSession(t, 1, "p1", "p2")

	timeouts := subscribeChannel(t, f.redis, publish.Channel(publish.KindTimeout, ss.SessionID))
	states := subscribeChannel(t, f.redis, publish.Channel(publish.KindState, ss.SessionID))

	f.start(t, ss.SessionID)

	// Player A answers correctly at t=5s.
	f.advance(t, 5)
	resp := f.answer(t, ss.SessionID, "p1", 0, "A")
	require.True(t, resp.Correct)
	require.True(t, resp.Points.IsPositive())

	// Player B never answers; the timer fires past t=30s.
	f.advance(t, 27)

	require.Eventually(t, func() bool {
		return len(f.results.bySession(ss.SessionID)) > 0
	}, 5*time.Second, 10*time.Millisecond, "expiry should complete the game")

	// B received a timeout event.
	var timedOut []publish.TimeoutNotice
	for _, msg := range collectRaw(timeouts) {
		var tn publish.TimeoutNotice
		require.NoError(t, json.Unmarshal(msg, &tn))
		timedOut = append(timedOut, tn)
	}
	require.Len(t, timedOut, 1)
	require.Equal(t, "p2", timedOut[0].PlayerID)

	// The session completed since this was the last question.
	var ended bool
	for _, sc := range collectStates(states) {
		if sc.Reason == publish.StateGameEnded {
			ended = true
			require.Equal(t, string(domain.StatusCompleted), sc.Status)
		}
	}
	require.True(t, ended, "game-ended state event published")

	results := f.results.bySession(ss.SessionID)
	require.Len(t, results, 1, "only the scoring player is ranked")
	require.Equal(t, "p1", results[0].PlayerID)
	require.Equal(t, 1, results[0].Rank)
}

func TestOrchestrator_FullRoundTrip(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)

	const n = 3
	ss := f.createSession(t, n, "p1", "p2")

	states := subscribeChannel(t, f.redis, publish.Channel(publish.KindState, ss.SessionID))

	f.start(t, ss.SessionID)

	for q := 0; q < n; q++ {
		f.answer(t, ss.SessionID, "p1", q, "A")
		f.answer(t, ss.SessionID, "p2", q, "A")
	}

	var (
		changed int
		ended   int
	)
	for _, sc := range collectStates(states) {
		switch sc.Reason {
		case publish.StateQuestionChanged:
			changed++
		case publish.StateGameEnded:
			ended++
		}
	}
	require.Equal(t, n, changed, "one question-changed per question, including the implicit first")
	require.Equal(t, 1, ended)

	results := f.results.bySession(ss.SessionID)
	require.Len(t, results, 2)
}

func TestOrchestrator_PauseResumeAbandon(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)
	ctx := context.Background()

	ss := f.createSession(t, 2, "p1")
	f.start(t, ss.SessionID)

	_, err := f.orch.Pause(ctx, ss.SessionID, "p1")
	require.True(t, errors.Is(err, errors.CodePermissionDenied))

	paused, err := f.orch.Pause(ctx, ss.SessionID, "host")
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaused, paused.Status)

	_, ok := f.timers.Snapshot(ctx, ss.SessionID)
	require.False(t, ok, "pausing cancels the timer")

	_, err = f.orch.SubmitAnswer(ctx, game.SubmitAnswerRequest{
		SessionID: ss.SessionID,
		PlayerID:  "p1",
		Answer:    "A",
	})
	require.True(t, errors.Is(err, errors.CodeFailedPrecondition), "no answers while paused")

	resumed, err := f.orch.Resume(ctx, ss.SessionID, "host")
	require.NoError(t, err)
	require.Equal(t, domain.StatusActive, resumed.Status)

	_, ok = f.timers.Snapshot(ctx, ss.SessionID)
	require.True(t, ok, "resuming restarts the timer")

	abandoned, err := f.orch.Abandon(ctx, ss.SessionID, "host")
	require.NoError(t, err)
	require.Equal(t, domain.StatusAbandoned, abandoned.Status)

	_, err = f.orch.Abandon(ctx, ss.SessionID, "host")
	require.True(t, errors.Is(err, errors.CodeNotFound), "abandoned session state is cleared")
}

func TestOrchestrator_StreakGrowsScore(t *testing.T) {
	t.Parallel()

	f := makeFixture(t)

	ss := f.createSession(t, 3, "p1")
	f.start(t, ss.SessionID)

	first := f.answer(t, ss.SessionID, "p1", 0, "A")
	second := f.answer(t, ss.SessionID, "p1", 1, "A")

	require.True(t, second.Points.GreaterThan(first.Points),
		"a running streak should earn more than the first correct answer")
}

type fixture struct {
	clock   *clockwork.FakeClock
	redis   redis.UniversalClient
	store   *store.Store
	bus     *event.Bus
	timers  *timer.Engine
	orch    *game.Orchestrator
	lobby   *lobby.Service
	results *resultLog
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
		clock:   clockwork.NewFakeClock(),
		redis:   rc,
		store:   store.New(store.Config{Redis: rc}),
		bus:     event.NewBus(),
		results: &resultLog{},
	}
	t.Cleanup(f.bus.Stop)

	pub := publish.New(publish.Config{Redis: rc, Origin: "test"})

	f.timers = timer.NewEngine(timer.Config{
		Clock:            f.clock,
		Store:            f.store,
		Publisher:        pub,
		WarningThreshold: 5 * time.Second,
		OnExpire: func(ctx context.Context, sessionID string, questionIndex int) {
			f.orch.ForceProgression(ctx, sessionID, questionIndex)
		},
	})

	f.lobby = lobby.NewService(lobby.Config{
		Store:     f.store,
		Publisher: pub,
	})

	f.orch = game.NewOrchestrator(game.Config{
		Store:     f.store,
		Timers:    f.timers,
		Publisher: pub,
		EventBus:  f.bus,
		Lobby:     f.lobby,
		Answers:   &answerLog{},
		Results:   f.results,
		Scoring:   scoring.DefaultPolicy(),
		Clock:     f.clock,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	go f.timers.Run(runCtx)
	t.Cleanup(func() {
		f.timers.Stop()
		runCancel()
	})

	return f
}

func (f *fixture) createSession(t *testing.T, numQuestions int, players ...string) *domain.GameSession {
	t.Helper()
	ctx := context.Background()

	ss, err := f.orch.CreateSession(ctx, game.CreateSessionRequest{
		HostID:    "host",
		Questions: questions(numQuestions),
	})
	require.NoError(t, err)

	for _, p := range players {
		require.NoError(t, f.lobby.Join(ctx, ss.SessionID, p))
		require.NoError(t, f.lobby.SetReady(ctx, ss.SessionID, p))
	}

	return ss
}

func (f *fixture) start(t *testing.T, sessionID string) {
	t.Helper()

	_, err := f.orch.StartSession(context.Background(), sessionID, "host")
	require.NoError(t, err)
}

func (f *fixture) answer(t *testing.T, sessionID, playerID string, questionIndex int, answer string) *game.SubmitAnswerResponse {
	t.Helper()

	resp, err := f.orch.SubmitAnswer(context.Background(), game.SubmitAnswerRequest{
		SessionID:     sessionID,
		PlayerID:      playerID,
		QuestionIndex: questionIndex,
		Answer:        answer,
	})
	require.NoError(t, err)
	return resp
}

// advance moves the fake clock forward n seconds, letting the timer engine
// observe each tick.
func (f *fixture) advance(t *testing.T, n int) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < n; i++ {
		require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
		f.clock.Advance(time.Second)
		time.Sleep(10 * time.Millisecond)
	}
}

func questions(n int) []domain.QuestionRef {
	qs := make([]domain.QuestionRef, 0, n)
	for i := 0; i < n; i++ {
		qs = append(qs, domain.QuestionRef{
			QuestionID:    string(rune('a' + i)),
			CorrectOption: "A",
			Duration:      30 * time.Second,
		})
	}
	return qs
}

func subscribeChannel(t *testing.T, rc redis.UniversalClient, channel string) <-chan *redis.Message {
	ctx := context.Background()

	sub := rc.Subscribe(ctx, channel)
	t.Cleanup(func() { sub.Close() })

	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	return sub.Channel()
}

func collectRaw(msgs <-chan *redis.Message) [][]byte {
	var out [][]byte
	for {
		select {
		case msg := <-msgs:
			var env publish.Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				continue
			}
			out = append(out, env.Payload)
		case <-time.After(200 * time.Millisecond):
			return out
		}
	}
}

func collectStates(msgs <-chan *redis.Message) []publish.StateChange {
	var out []publish.StateChange
	for _, raw := range collectRaw(msgs) {
		var sc publish.StateChange
		if err := json.Unmarshal(raw, &sc); err != nil {
			continue
		}
		out = append(out, sc)
	}
	return out
}

// answerLog is an in-memory stand-in for the Postgres answer repository.
type answerLog struct {
	mu   sync.Mutex
	recs map[string]domain.AnswerRecord
}

func (l *answerLog) Insert(_ context.Context, rec domain.AnswerRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.recs == nil {
		l.recs = make(map[string]domain.AnswerRecord)
	}

	key := fmt.Sprintf("%s/%s/%d", rec.SessionID, rec.PlayerID, rec.QuestionIndex)
	if _, ok := l.recs[key]; ok {
		return errors.New(errors.CodeAlreadyExists)
	}
	l.recs[key] = rec
	return nil
}

type resultLog struct {
	mu      sync.Mutex
	results []domain.FinalResult
}

func (l *resultLog) InsertResults(_ context.Context, results []domain.FinalResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, results...)
	return nil
}

func (l *resultLog) bySession(sessionID string) []domain.FinalResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []domain.FinalResult
	for _, r := range l.results {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out
}
