package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quizwire/quizwire/internal/publish"
)

// Subscription is the handle bound to exactly one outbound sink. The sink and
// the handle share a lifetime: teardown runs exactly once no matter how many
// of cancel, disconnect, idle sweep or manager shutdown race for it.
type Subscription struct {
	key          string
	kinds        []publish.Kind
	sessionID    string
	ownerID      string
	registeredAt time.Time
	lastActivity atomic.Int64

	updates      chan Update
	pubsubs      []*redis.PubSub
	cancelListen context.CancelFunc

	once sync.Once
	mgr  *Manager
}

// Updates is the sink the fanout manager pushes typed events into. It is
// closed on teardown; no pushes happen after that.
func (s *Subscription) Updates() <-chan Update {
	return s.updates
}

// Key identifies the subscription for logging and bookkeeping.
func (s *Subscription) Key() string { return s.key }

// SessionID returns the game this subscription is scoped to.
func (s *Subscription) SessionID() string { return s.sessionID }

// Cancel ends the subscription. Safe to call multiple times and concurrently
// with a transport disconnect.
func (s *Subscription) Cancel() {
	s.teardown()
}

// push delivers u without ever blocking the caller. It reports false when the
// sink buffer is full, which marks the subscriber for teardown.
func (s *Subscription) push(u Update) bool {
	select {
	case s.updates <- u:
		s.touch()
		return true
	default:
		return false
	}
}

func (s *Subscription) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Subscription) teardown() {
	s.once.Do(func() {
		s.mgr.remove(s.key)

		if s.cancelListen != nil {
			s.cancelListen()
		}
		for _, pubsub := range s.pubsubs {
			// Closing the pubsub ends its listener goroutine; the sink is
			// closed once all listeners have exited.
			_ = pubsub.Close()
		}
	})
}
