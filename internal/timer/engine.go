// Package timer owns the per-session question countdowns. A single periodic
// tick scans all running timers, publishes live countdown updates, emits a
// one-shot warning near expiry, and invokes the expiry callback exactly once.
// The in-process map is the only ticking source of truth; the store copy
// exists for cross-process visibility and crash recovery.
package timer

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/quizwire/quizwire/internal/domain"
	"github.com/quizwire/quizwire/internal/publish"
	"github.com/quizwire/quizwire/internal/store"
	"github.com/quizwire/quizwire/internal/telemetry"
)

const tickInterval = time.Second

// ExpireFunc is invoked exactly once when a running timer reaches its budget.
type ExpireFunc func(ctx context.Context, sessionID string, questionIndex int)

type Config struct {
	Clock            clockwork.Clock
	Store            *store.Store
	Publisher        *publish.Publisher
	WarningThreshold time.Duration
	OnExpire         ExpireFunc
}

type Engine struct {
	clock    clockwork.Clock
	store    *store.Store
	pub      *publish.Publisher
	warning  time.Duration
	onExpire ExpireFunc

	mu     sync.Mutex
	timers map[string]*domain.QuestionTimer

	stop chan struct{}
	done chan struct{}
}

func NewEngine(c Config) *Engine {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}

	return &Engine{
		clock:    c.Clock,
		store:    c.Store,
		pub:      c.Publisher,
		warning:  c.WarningThreshold,
		onExpire: c.OnExpire,
		timers:   make(map[string]*domain.QuestionTimer),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run drives the tick loop until Stop is called. Call in its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)

	ticker := e.clock.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.tick(ctx)
		}
	}
}

// Stop halts the tick loop and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

// Start creates the RUNNING timer for (sessionID, questionIndex), replacing
// any previous timer for the session so at most one is ever live.
func (e *Engine) Start(ctx context.Context, sessionID string, questionIndex int, duration time.Duration) {
	t := &domain.QuestionTimer{
		SessionID:        sessionID,
		QuestionIndex:    questionIndex,
		StartTime:        e.clock.Now().UTC(),
		Duration:         duration,
		WarningThreshold: e.warning,
	}

	e.mu.Lock()
	e.timers[sessionID] = t
	telemetry.ActiveTimers.Set(float64(len(e.timers)))
	e.mu.Unlock()

	if err := e.store.PutTimer(ctx, t); err != nil {
		slog.ErrorContext(ctx, "timer: persist timer failed",
			"session", sessionID,
			"question_index", questionIndex,
			"error", err,
		)
	}

	e.pub.Publish(ctx, publish.KindTimer, sessionID, publish.TimerUpdate{
		SessionID:     sessionID,
		QuestionIndex: questionIndex,
		RemainingSec:  int(duration / time.Second),
	})
}

// Cancel transitions the session's timer RUNNING->CANCELLED. A cancelled
// timer never fires the expiry callback.
func (e *Engine) Cancel(ctx context.Context, sessionID string) {
	e.mu.Lock()
	_, ok := e.timers[sessionID]
	delete(e.timers, sessionID)
	telemetry.ActiveTimers.Set(float64(len(e.timers)))
	e.mu.Unlock()

	if !ok {
		return
	}

	if err := e.store.DeleteTimer(ctx, sessionID); err != nil {
		slog.ErrorContext(ctx, "timer: delete timer record failed",
			"session", sessionID,
			"error", err,
		)
	}
}

// Snapshot returns the current timer for a session: the in-process copy when
// this process owns the tick, otherwise the store record left by the owner.
func (e *Engine) Snapshot(ctx context.Context, sessionID string) (*domain.QuestionTimer, bool) {
	e.mu.Lock()
	t, ok := e.timers[sessionID]
	if ok {
		cp := *t
		e.mu.Unlock()
		return &cp, true
	}
	e.mu.Unlock()

	st, err := e.store.GetTimer(ctx, sessionID)
	if err != nil {
		return nil, false
	}
	return st, true
}

func (e *Engine) tick(ctx context.Context) {
	now := e.clock.Now().UTC()

	var (
		running []domain.QuestionTimer
		warned  []domain.QuestionTimer
		expired []domain.QuestionTimer
	)

	e.mu.Lock()
	for id, t := range e.timers {
		if now.Sub(t.StartTime) >= t.Duration {
			delete(e.timers, id)
			expired = append(expired, *t)
			continue
		}

		if !t.WarningSent && t.Remaining(now) <= t.WarningThreshold {
			t.WarningSent = true
			warned = append(warned, *t)
			continue
		}

		running = append(running, *t)
	}
	telemetry.ActiveTimers.Set(float64(len(e.timers)))
	e.mu.Unlock()

	for _, t := range running {
		e.pub.Publish(ctx, publish.KindTimer, t.SessionID, publish.TimerUpdate{
			SessionID:     t.SessionID,
			QuestionIndex: t.QuestionIndex,
			RemainingSec:  int(t.Remaining(now) / time.Second),
		})
	}

	for _, t := range warned {
		e.pub.Publish(ctx, publish.KindTimer, t.SessionID, publish.TimerUpdate{
			SessionID:     t.SessionID,
			QuestionIndex: t.QuestionIndex,
			RemainingSec:  int(t.Remaining(now) / time.Second),
			Warning:       true,
		})

		t := t
		if err := e.store.PutTimer(ctx, &t); err != nil {
			slog.ErrorContext(ctx, "timer: persist warning flag failed",
				"session", t.SessionID,
				"error", err,
			)
		}
	}

	for _, t := range expired {
		telemetry.TimerExpirations.Inc()

		if err := e.store.DeleteTimer(ctx, t.SessionID); err != nil {
			slog.ErrorContext(ctx, "timer: delete expired timer record failed",
				"session", t.SessionID,
				"error", err,
			)
		}

		e.expire(ctx, t)
	}
}

// expire invokes the callback outside the engine lock. A panicking callback
// must not take the tick loop down with it.
func (e *Engine) expire(ctx context.Context, t domain.QuestionTimer) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "timer: expiry callback panic",
				"session", t.SessionID,
				"question_index", t.QuestionIndex,
				"error", fmt.Errorf("%v, stack: %s", r, debug.Stack()),
			)
		}
	}()

	e.onExpire(ctx, t.SessionID, t.QuestionIndex)
}
