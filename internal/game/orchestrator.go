// Package game is the control plane of a live trivia session: it owns every
// state transition, serializes them against concurrent answer submissions and
// timer expiries, and drives the store, timer engine and publisher.
package game

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/quizwire/quizwire/internal/domain"
	"github.com/quizwire/quizwire/internal/errors"
	"github.com/quizwire/quizwire/internal/event"
	"github.com/quizwire/quizwire/internal/lobby"
	"github.com/quizwire/quizwire/internal/publish"
	"github.com/quizwire/quizwire/internal/scoring"
	"github.com/quizwire/quizwire/internal/store"
	"github.com/quizwire/quizwire/internal/timer"
)

// AnswerLog persists answer records. The unique constraint behind Insert is
// the durable backstop of the at-most-once submission rule.
type AnswerLog interface {
	Insert(ctx context.Context, rec domain.AnswerRecord) error
}

// ResultLog persists final rankings at completion.
type ResultLog interface {
	InsertResults(ctx context.Context, results []domain.FinalResult) error
}

type Config struct {
	Store     *store.Store
	Timers    *timer.Engine
	Publisher *publish.Publisher
	EventBus  *event.Bus
	Lobby     *lobby.Service
	Answers   AnswerLog
	Results   ResultLog
	Scoring   scoring.Policy
	Clock     clockwork.Clock
}

type Orchestrator struct {
	store   *store.Store
	timers  *timer.Engine
	pub     *publish.Publisher
	eb      *event.Bus
	lobby   *lobby.Service
	answers AnswerLog
	results ResultLog
	scoring scoring.Policy
	clock   clockwork.Clock

	// locks serializes all mutations of one session within this process;
	// store.TryAdvance covers the cross-process half.
	locks sessionLocks

	// cache keeps the last known snapshot per session so submissions keep
	// working through a store outage.
	cacheMu sync.RWMutex
	cache   map[string]*domain.GameSession
}

func NewOrchestrator(c Config) *Orchestrator {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	return &Orchestrator{
		store:   c.Store,
		timers:  c.Timers,
		pub:     c.Publisher,
		eb:      c.EventBus,
		lobby:   c.Lobby,
		answers: c.Answers,
		results: c.Results,
		scoring: c.Scoring,
		clock:   c.Clock,
		cache:   make(map[string]*domain.GameSession),
	}
}

type CreateSessionRequest struct {
	HostID    string
	Questions []domain.QuestionRef
	Public    bool
}

// CreateSession registers a new WAITING session.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateSessionRequest) (*domain.GameSession, error) {
	if req.HostID == "" {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("host is required"))
	}
	if len(req.Questions) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument,
			errors.WithMessagef("at least one question is required"))
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, errors.Internal(fmt.Errorf("generate session ID: %w", err))
	}

	now := o.clock.Now().UTC()
	ss := &domain.GameSession{
		SessionID:  id.String(),
		HostID:     req.HostID,
		Status:     domain.StatusWaiting,
		Questions:  req.Questions,
		Scores:     make(map[string]decimal.Decimal),
		Streaks:    make(map[string]int),
		Public:     req.Public,
		CreateTime: now,
		UpdateTime: now,
	}

	if err := o.saveSession(ctx, ss); err != nil {
		return nil, err
	}

	return ss, nil
}

// GetSession returns the live snapshot, falling back to the in-process cache
// when the store is unreachable.
func (o *Orchestrator) GetSession(ctx context.Context, sessionID string) (*domain.GameSession, error) {
	return o.loadSession(ctx, sessionID)
}

// StartSession transitions WAITING -> ACTIVE, starts the first question's
// timer, and announces the start. Host only.
func (o *Orchestrator) StartSession(ctx context.Context, sessionID, callerID string) (*domain.GameSession, error) {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	ss, err := o.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if ss.HostID != callerID {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the host may start the session: session=%s", sessionID))
	}
	if ss.Status != domain.StatusWaiting {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session is not waiting: session=%s status=%s", sessionID, ss.Status))
	}
	if len(ss.Questions) == 0 {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session has no questions: session=%s", sessionID))
	}

	lb, err := o.lobby.Snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(lb.Players) == 0 {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session has no players: session=%s", sessionID))
	}

	allReady, err := o.lobby.AllReady(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !allReady {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("not every player is ready: session=%s", sessionID))
	}

	ss.Status = domain.StatusActive
	ss.CurrentIndex = 0
	ss.UpdateTime = o.clock.Now().UTC()

	if err := o.saveSession(ctx, ss); err != nil {
		return nil, err
	}

	o.timers.Start(ctx, sessionID, 0, ss.Questions[0].Duration)

	o.pub.Publish(ctx, publish.KindState, sessionID, publish.StateChange{
		SessionID: sessionID,
		Status:    string(ss.Status),
		Reason:    publish.StateStarted,
	})
	o.publishQuestionChanged(ctx, ss)

	return ss, nil
}

// Pause transitions ACTIVE -> PAUSED and cancels the running timer. Host only.
func (o *Orchestrator) Pause(ctx context.Context, sessionID, callerID string) (*domain.GameSession, error) {
	return o.hostTransition(ctx, sessionID, callerID, domain.StatusActive, domain.StatusPaused, publish.StatePaused)
}

// Resume transitions PAUSED -> ACTIVE and restarts the current question's
// timer with a full budget. Host only.
func (o *Orchestrator) Resume(ctx context.Context, sessionID, callerID string) (*domain.GameSession, error) {
	ss, err := o.hostTransition(ctx, sessionID, callerID, domain.StatusPaused, domain.StatusActive, publish.StateResumed)
	if err != nil {
		return nil, err
	}

	o.timers.Start(ctx, sessionID, ss.CurrentIndex, ss.Questions[ss.CurrentIndex].Duration)
	return ss, nil
}

// Abandon terminates a session early. Host only; terminal.
func (o *Orchestrator) Abandon(ctx context.Context, sessionID, callerID string) (*domain.GameSession, error) {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	ss, err := o.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if ss.HostID != callerID {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the host may abandon the session: session=%s", sessionID))
	}
	if ss.Status.Terminal() {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session already ended: session=%s status=%s", sessionID, ss.Status))
	}

	ss.Status = domain.StatusAbandoned
	ss.UpdateTime = o.clock.Now().UTC()

	o.timers.Cancel(ctx, sessionID)

	o.pub.Publish(ctx, publish.KindState, sessionID, publish.StateChange{
		SessionID:     sessionID,
		Status:        string(ss.Status),
		Reason:        publish.StateAbandoned,
		QuestionIndex: ss.CurrentIndex,
	})

	o.dropSession(ctx, ss)

	return ss, nil
}

func (o *Orchestrator) hostTransition(ctx context.Context, sessionID, callerID string, from, to domain.Status, reason string) (*domain.GameSession, error) {
	unlock := o.locks.lock(sessionID)
	defer unlock()

	ss, err := o.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if ss.HostID != callerID {
		return nil, errors.New(errors.CodePermissionDenied,
			errors.WithMessagef("only the host may change the session state: session=%s", sessionID))
	}
	if ss.Status != from {
		return nil, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("session is %s, expected %s: session=%s", ss.Status, from, sessionID))
	}

	ss.Status = to
	ss.UpdateTime = o.clock.Now().UTC()

	if to == domain.StatusPaused {
		o.timers.Cancel(ctx, sessionID)
	}

	if err := o.saveSession(ctx, ss); err != nil {
		return nil, err
	}

	o.pub.Publish(ctx, publish.KindState, sessionID, publish.StateChange{
		SessionID:     sessionID,
		Status:        string(ss.Status),
		Reason:        reason,
		QuestionIndex: ss.CurrentIndex,
	})

	return ss, nil
}

func (o *Orchestrator) publishQuestionChanged(ctx context.Context, ss *domain.GameSession) {
	o.pub.Publish(ctx, publish.KindState, ss.SessionID, publish.StateChange{
		SessionID:     ss.SessionID,
		Status:        string(ss.Status),
		Reason:        publish.StateQuestionChanged,
		QuestionIndex: ss.CurrentIndex,
		QuestionID:    ss.Questions[ss.CurrentIndex].QuestionID,
	})
}

// loadSession prefers the store; a store outage degrades to the last snapshot
// this process has seen rather than failing the caller.
func (o *Orchestrator) loadSession(ctx context.Context, sessionID string) (*domain.GameSession, error) {
	ss, err := o.store.GetSession(ctx, sessionID)
	if err == nil {
		if ss.Scores == nil {
			ss.Scores = make(map[string]decimal.Decimal)
		}
		if ss.Streaks == nil {
			ss.Streaks = make(map[string]int)
		}
		o.cachePut(ss)
		return ss, nil
	}

	if !errors.Is(err, errors.CodeUnavailable) {
		return nil, err
	}

	o.cacheMu.RLock()
	cached, ok := o.cache[sessionID]
	o.cacheMu.RUnlock()
	if !ok {
		return nil, err
	}

	slog.WarnContext(ctx, "game: store unavailable, serving cached session",
		"session", sessionID,
	)

	cp := *cached
	return &cp, nil
}

// saveSession writes through to the store and always updates the cache, so a
// failed store write never loses score attribution within this process.
func (o *Orchestrator) saveSession(ctx context.Context, ss *domain.GameSession) error {
	o.cachePut(ss)

	if err := o.store.PutSession(ctx, ss); err != nil {
		if errors.Is(err, errors.CodeUnavailable) {
			slog.ErrorContext(ctx, "game: store write failed, session kept in cache",
				"session", ss.SessionID,
				"error", err,
			)
			return nil
		}
		return err
	}

	return nil
}

// dropSession clears live state for a finished session.
func (o *Orchestrator) dropSession(ctx context.Context, ss *domain.GameSession) {
	if err := o.store.DeleteSession(ctx, ss.SessionID); err != nil {
		slog.ErrorContext(ctx, "game: clear session state failed",
			"session", ss.SessionID,
			"error", err,
		)
	}

	o.cacheMu.Lock()
	delete(o.cache, ss.SessionID)
	o.cacheMu.Unlock()
}

func (o *Orchestrator) cachePut(ss *domain.GameSession) {
	cp := *ss
	o.cacheMu.Lock()
	o.cache[ss.SessionID] = &cp
	o.cacheMu.Unlock()
}

// sessionLocks hands out one mutex per session ID.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *sessionLocks) lock(sessionID string) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[sessionID]
	if !ok {
		m = new(sync.Mutex)
		l.locks[sessionID] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// answeredKey is the live per-question answer set in the shared store.
func answeredKey(sessionID string, questionIndex int) string {
	return fmt.Sprintf("answered:%s:%d", sessionID, questionIndex)
}
