package domain

// Names of events carried on the in-process bus.
const (
	EventNameScoreUpdated     = "score.updated"
	EventNameSessionCompleted = "session.completed"
)

type EventScoreUpdated struct {
	Score Score
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

// EventSessionCompleted fires once when a session reaches COMPLETED. The
// leaderboard service uses it to fold public-session results into the
// cross-session ranking.
type EventSessionCompleted struct {
	Session GameSession
	Results []FinalResult
}

func (EventSessionCompleted) Name() string { return EventNameSessionCompleted }
