// Package publish owns the canonical event stream: every domain event is
// wrapped into an immutable envelope and broadcast on a named Redis channel.
// Publishers never know their subscribers; all coupling flows through the
// channel names.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quizwire/quizwire/internal/telemetry"
)

// Kind identifies one family of domain events and one channel prefix.
type Kind string

const (
	KindState        Kind = "state"
	KindLobby        Kind = "lobby"
	KindLeaderboard  Kind = "leaderboard"
	KindTimer        Kind = "timer"
	KindAnswerResult Kind = "answer"
	KindTimeout      Kind = "timeout"
)

// Kinds lists every event kind a subscriber may ask for.
var Kinds = []Kind{KindState, KindLobby, KindLeaderboard, KindTimer, KindAnswerResult, KindTimeout}

// ParseKind maps a caller-supplied kind name to a Kind.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Channel is the pub/sub channel for one kind and session, e.g. "state:42".
func Channel(kind Kind, sessionID string) string {
	return fmt.Sprintf("%s:%s", kind, sessionID)
}

// GlobalStateChannel mirrors every state event across all sessions for
// process-wide monitoring.
const GlobalStateChannel = "state:global"

// Envelope is the immutable wrapper around a published domain event. It is
// produced once per event and never mutated after publish.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Origin    string          `json:"origin"`
}

type Config struct {
	Redis  redis.UniversalClient
	Origin string
}

// Publisher broadcasts envelopes on the shared pub/sub substrate. A single
// publisher issues PUBLISH calls sequentially per call site, so envelopes on
// the same channel from the same origin keep program order.
type Publisher struct {
	redis  redis.UniversalClient
	origin string
}

func New(c Config) *Publisher {
	return &Publisher{
		redis:  c.Redis,
		origin: c.Origin,
	}
}

// Publish wraps payload into an envelope and broadcasts it. Fire-and-forget:
// transport failures are logged with enough context to reconstruct the missed
// event from current state, never propagated to the caller.
func (p *Publisher) Publish(ctx context.Context, kind Kind, sessionID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "publish: marshal payload failed",
			"kind", kind,
			"session", sessionID,
			"error", err,
		)
		return
	}

	env := Envelope{
		Kind:      kind,
		SessionID: sessionID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
		Origin:    p.origin,
	}

	b, err := json.Marshal(env)
	if err != nil {
		slog.ErrorContext(ctx, "publish: marshal envelope failed",
			"kind", kind,
			"session", sessionID,
			"error", err,
		)
		return
	}

	p.send(ctx, kind, Channel(kind, sessionID), b)

	// State events are additionally mirrored on the monitoring channel.
	if kind == KindState {
		p.send(ctx, kind, GlobalStateChannel, b)
	}
}

func (p *Publisher) send(ctx context.Context, kind Kind, channel string, b []byte) {
	if err := p.redis.Publish(ctx, channel, b).Err(); err != nil {
		telemetry.PublishFailures.WithLabelValues(string(kind)).Inc()
		slog.ErrorContext(ctx, "publish: broadcast failed",
			"channel", channel,
			"error", err,
		)
		return
	}

	telemetry.EventsPublished.WithLabelValues(string(kind)).Inc()
}
