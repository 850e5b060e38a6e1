// Package lobby tracks pre-game membership and ready flags for a session.
package lobby

import (
	"context"

	"github.com/quizwire/quizwire/internal/domain"
	"github.com/quizwire/quizwire/internal/errors"
	"github.com/quizwire/quizwire/internal/publish"
	"github.com/quizwire/quizwire/internal/store"
)

const defaultMaxPlayers = 50

type Config struct {
	Store      *store.Store
	Publisher  *publish.Publisher
	MaxPlayers int
}

type Service struct {
	store      *store.Store
	pub        *publish.Publisher
	maxPlayers int
}

func NewService(c Config) *Service {
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = defaultMaxPlayers
	}

	return &Service{
		store:      c.Store,
		pub:        c.Publisher,
		maxPlayers: c.MaxPlayers,
	}
}

// Join adds a player to the lobby. Only allowed while the session is still
// WAITING and under the player cap.
func (s *Service) Join(ctx context.Context, sessionID, playerID string) error {
	ss, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if ss.Status != domain.StatusWaiting {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("cannot join session in status %s: session=%s", ss.Status, sessionID))
	}

	members, err := s.store.SetMembers(ctx, store.LobbyKey(sessionID))
	if err != nil {
		return err
	}
	if len(members) >= s.maxPlayers {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("lobby is full: session=%s max=%d", sessionID, s.maxPlayers))
	}

	added, err := s.store.AddToSet(ctx, store.LobbyKey(sessionID), playerID)
	if err != nil {
		return err
	}
	if !added {
		// Re-joining is harmless; no event for it.
		return nil
	}

	s.pub.Publish(ctx, publish.KindLobby, sessionID, publish.LobbyChange{
		SessionID: sessionID,
		PlayerID:  playerID,
		Action:    publish.LobbyJoined,
		Players:   len(members) + 1,
	})

	return nil
}

// Leave removes a player from the lobby and clears their ready flag.
func (s *Service) Leave(ctx context.Context, sessionID, playerID string) error {
	if err := s.store.RemoveFromSet(ctx, store.LobbyKey(sessionID), playerID); err != nil {
		return err
	}
	if err := s.store.RemoveFromSet(ctx, store.ReadyKey(sessionID), playerID); err != nil {
		return err
	}

	members, err := s.store.SetMembers(ctx, store.LobbyKey(sessionID))
	if err != nil {
		return err
	}

	s.pub.Publish(ctx, publish.KindLobby, sessionID, publish.LobbyChange{
		SessionID: sessionID,
		PlayerID:  playerID,
		Action:    publish.LobbyLeft,
		Players:   len(members),
	})

	return nil
}

// SetReady marks a lobby member as ready.
func (s *Service) SetReady(ctx context.Context, sessionID, playerID string) error {
	ok, err := s.store.IsMember(ctx, store.LobbyKey(sessionID), playerID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("player is not in the lobby: session=%s player=%s", sessionID, playerID))
	}

	added, err := s.store.AddToSet(ctx, store.ReadyKey(sessionID), playerID)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}

	members, err := s.store.SetMembers(ctx, store.LobbyKey(sessionID))
	if err != nil {
		return err
	}

	s.pub.Publish(ctx, publish.KindLobby, sessionID, publish.LobbyChange{
		SessionID: sessionID,
		PlayerID:  playerID,
		Action:    publish.LobbyReady,
		Players:   len(members),
	})

	return nil
}

// Snapshot returns the current lobby membership and ready subset.
func (s *Service) Snapshot(ctx context.Context, sessionID string) (*domain.Lobby, error) {
	players, err := s.store.SetMembers(ctx, store.LobbyKey(sessionID))
	if err != nil {
		return nil, err
	}

	ready, err := s.store.SetMembers(ctx, store.ReadyKey(sessionID))
	if err != nil {
		return nil, err
	}

	return &domain.Lobby{
		SessionID: sessionID,
		Players:   players,
		Ready:     ready,
	}, nil
}

// AllReady reports whether every lobby member has set the ready flag. An
// empty lobby is never ready.
func (s *Service) AllReady(ctx context.Context, sessionID string) (bool, error) {
	l, err := s.Snapshot(ctx, sessionID)
	if err != nil {
		return false, err
	}

	if len(l.Players) == 0 {
		return false, nil
	}

	ready := make(map[string]bool, len(l.Ready))
	for _, p := range l.Ready {
		ready[p] = true
	}
	for _, p := range l.Players {
		if !ready[p] {
			return false, nil
		}
	}

	return true, nil
}
