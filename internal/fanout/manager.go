// Package fanout turns the shared pub/sub stream back into typed updates for
// live subscribers. It owns the whole subscriber lifecycle: access check,
// registration, channel listening, push, and exactly-once teardown.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/quizwire/quizwire/internal/errors"
	"github.com/quizwire/quizwire/internal/publish"
	"github.com/quizwire/quizwire/internal/store"
	"github.com/quizwire/quizwire/internal/telemetry"
	"github.com/quizwire/quizwire/internal/timer"
)

const (
	defaultBufferSize  = 32
	defaultIdleTimeout = 2 * time.Hour

	sweepInterval = time.Minute
)

// Update is one typed event delivered to a subscriber sink. Payload holds the
// decoded payload struct for the update's kind.
type Update struct {
	Kind      publish.Kind `json:"kind"`
	Payload   any          `json:"payload"`
	Timestamp time.Time    `json:"timestamp"`
	Origin    string       `json:"origin"`
}

type Config struct {
	Redis       redis.UniversalClient
	Store       *store.Store
	Timers      *timer.Engine
	BufferSize  int
	IdleTimeout time.Duration
}

type Manager struct {
	redis       redis.UniversalClient
	store       *store.Store
	timers      *timer.Engine
	bufferSize  int
	idleTimeout time.Duration

	mu   sync.Mutex
	subs map[string]*Subscription

	stop chan struct{}
}

func NewManager(c Config) *Manager {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}

	return &Manager{
		redis:       c.Redis,
		store:       c.Store,
		timers:      c.Timers,
		bufferSize:  c.BufferSize,
		idleTimeout: c.IdleTimeout,
		subs:        make(map[string]*Subscription),
		stop:        make(chan struct{}),
	}
}

// Subscribe registers a sink for one event kind of one session.
func (m *Manager) Subscribe(ctx context.Context, kind publish.Kind, sessionID, subscriberID string) (*Subscription, error) {
	return m.subscribe(ctx, []publish.Kind{kind}, sessionID, subscriberID)
}

// SubscribeAll composes several kinds behind a single handle; cancelling the
// handle tears every inner listener down together.
func (m *Manager) SubscribeAll(ctx context.Context, kinds []publish.Kind, sessionID, subscriberID string) (*Subscription, error) {
	if len(kinds) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("no event kinds requested"))
	}
	return m.subscribe(ctx, kinds, sessionID, subscriberID)
}

func (m *Manager) subscribe(ctx context.Context, kinds []publish.Kind, sessionID, subscriberID string) (*Subscription, error) {
	if err := m.checkAccess(ctx, kinds, sessionID, subscriberID); err != nil {
		return nil, err
	}

	s := &Subscription{
		key:          fmt.Sprintf("%s:%s:%s:%s", kinds[0], sessionID, subscriberID, uuid.NewString()),
		kinds:        kinds,
		sessionID:    sessionID,
		ownerID:      subscriberID,
		registeredAt: time.Now().UTC(),
		updates:      make(chan Update, m.bufferSize),
		mgr:          m,
	}
	s.touch()

	m.mu.Lock()
	m.subs[s.key] = s
	telemetry.ActiveSubscriptions.Set(float64(len(m.subs)))
	m.mu.Unlock()

	listenCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancelListen = cancel

	// Attach all channel listeners before any goroutine can trigger
	// teardown, so teardown always sees the full set. Receive confirms the
	// subscription so an event published right after Subscribe returns is
	// already covered.
	for _, kind := range kinds {
		pubsub := m.redis.Subscribe(listenCtx, publish.Channel(kind, sessionID))
		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			for _, ps := range s.pubsubs {
				_ = ps.Close()
			}
			m.remove(s.key)
			cancel()
			return nil, errors.New(errors.CodeUnavailable,
				errors.WithMessagef("subscribe channel %s failed", publish.Channel(kind, sessionID)),
				errors.WithCause(err),
			)
		}
		s.pubsubs = append(s.pubsubs, pubsub)
	}

	var wg sync.WaitGroup
	for i, kind := range kinds {
		wg.Add(1)
		go func(kind publish.Kind, pubsub *redis.PubSub) {
			defer wg.Done()
			m.listen(listenCtx, s, kind, pubsub)
		}(kind, s.pubsubs[i])
	}

	// Timers are continuous rather than discrete, so a late subscriber gets
	// the current countdown state immediately. Pushed before the closing
	// goroutine exists: even if a concurrent teardown stops every listener
	// right now, nothing can close the sink until after this send.
	for _, kind := range kinds {
		if kind == publish.KindTimer {
			m.pushTimerSnapshot(ctx, s)
			break
		}
	}

	// Close the sink only after every listener has stopped pushing.
	go func() {
		wg.Wait()
		close(s.updates)
	}()

	// A caller-cancelled context counts as a disconnect.
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				s.teardown()
			case <-listenCtx.Done():
			}
		}()
	}

	return s, nil
}

// checkAccess rejects subscribers that are neither participants of the
// session (current or historical) nor asking for a public kind only.
func (m *Manager) checkAccess(ctx context.Context, kinds []publish.Kind, sessionID, subscriberID string) error {
	ss, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	public := true
	for _, kind := range kinds {
		if !publicKind(kind) {
			public = false
			break
		}
	}
	if public {
		return nil
	}

	if ss.HostID == subscriberID {
		return nil
	}

	// Current participant.
	ok, err := m.store.IsMember(ctx, store.LobbyKey(sessionID), subscriberID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	// Historical participant: anyone with a score in the session.
	if _, scored := ss.Scores[subscriberID]; scored {
		return nil
	}

	return errors.New(errors.CodePermissionDenied,
		errors.WithMessagef("not a participant: session=%s subscriber=%s", sessionID, subscriberID))
}

// publicKind reports whether a kind is visible to non-participants.
// Leaderboards and state transitions are spectator-safe; everything else is
// scoped to players.
func publicKind(kind publish.Kind) bool {
	return kind == publish.KindLeaderboard || kind == publish.KindState
}

func (m *Manager) listen(ctx context.Context, s *Subscription, kind publish.Kind, pubsub *redis.PubSub) {
	defer s.teardown()

	for msg := range pubsub.Channel() {
		var env publish.Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			slog.ErrorContext(ctx, "fanout: decode envelope failed",
				"channel", msg.Channel,
				"error", err,
			)
			continue
		}

		if env.Kind != kind {
			continue
		}

		payload, err := decodePayload(env)
		if err != nil {
			slog.ErrorContext(ctx, "fanout: decode payload failed",
				"kind", env.Kind,
				"session", env.SessionID,
				"error", err,
			)
			continue
		}

		if !s.push(Update{
			Kind:      env.Kind,
			Payload:   payload,
			Timestamp: env.Timestamp,
			Origin:    env.Origin,
		}) {
			// Slow consumer: drop this subscriber, never block the stream.
			telemetry.DroppedSubscribers.Inc()
			slog.WarnContext(ctx, "fanout: sink full, dropping subscriber",
				"subscription", s.key,
				"session", s.sessionID,
			)
			return
		}
	}
}

func (m *Manager) pushTimerSnapshot(ctx context.Context, s *Subscription) {
	t, ok := m.timers.Snapshot(ctx, s.sessionID)
	if !ok {
		return
	}

	s.push(Update{
		Kind: publish.KindTimer,
		Payload: publish.TimerUpdate{
			SessionID:     t.SessionID,
			QuestionIndex: t.QuestionIndex,
			RemainingSec:  int(t.Remaining(time.Now().UTC()) / time.Second),
		},
		Timestamp: time.Now().UTC(),
	})
}

// decodePayload maps an envelope to its typed payload by kind.
func decodePayload(env publish.Envelope) (any, error) {
	switch env.Kind {
	case publish.KindState:
		var p publish.StateChange
		return p, json.Unmarshal(env.Payload, &p)
	case publish.KindLobby:
		var p publish.LobbyChange
		return p, json.Unmarshal(env.Payload, &p)
	case publish.KindLeaderboard:
		var p publish.LeaderboardUpdate
		return p, json.Unmarshal(env.Payload, &p)
	case publish.KindTimer:
		var p publish.TimerUpdate
		return p, json.Unmarshal(env.Payload, &p)
	case publish.KindAnswerResult:
		var p publish.AnswerResult
		return p, json.Unmarshal(env.Payload, &p)
	case publish.KindTimeout:
		var p publish.TimeoutNotice
		return p, json.Unmarshal(env.Payload, &p)
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
}

func (m *Manager) remove(key string) {
	m.mu.Lock()
	delete(m.subs, key)
	telemetry.ActiveSubscriptions.Set(float64(len(m.subs)))
	m.mu.Unlock()
}

// Run sweeps idle subscriptions until Stop is called, reclaiming handles
// whose explicit teardown signal was lost.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.idleTimeout).UnixNano()

	m.mu.Lock()
	var idle []*Subscription
	for _, s := range m.subs {
		if s.lastActivity.Load() < cutoff {
			idle = append(idle, s)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		slog.Warn("fanout: reclaiming idle subscription",
			"subscription", s.key,
			"session", s.sessionID,
		)
		s.teardown()
	}
}

// Stop tears down every subscription and halts the sweep loop.
func (m *Manager) Stop() {
	close(m.stop)

	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.teardown()
	}
}
