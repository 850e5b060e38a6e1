package publish

import "time"

// Typed payloads carried inside envelopes, one per Kind. The fanout manager
// decodes these before pushing to subscriber sinks.

// State-change reasons.
const (
	StateStarted         = "started"
	StateQuestionChanged = "question_changed"
	StateGameEnded       = "game_ended"
	StatePaused          = "paused"
	StateResumed         = "resumed"
	StateAbandoned       = "abandoned"
)

type StateChange struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason"`
	QuestionIndex int    `json:"question_index"`
	QuestionID    string `json:"question_id,omitempty"`
}

// Lobby actions.
const (
	LobbyJoined = "player_joined"
	LobbyLeft   = "player_left"
	LobbyReady  = "player_ready"
)

type LobbyChange struct {
	SessionID string `json:"session_id"`
	PlayerID  string `json:"player_id"`
	Action    string `json:"action"`
	Players   int    `json:"players"`
}

type LeaderboardUpdate struct {
	SessionID string           `json:"session_id"`
	Entries   []LeaderboardRow `json:"entries"`
}

type LeaderboardRow struct {
	PlayerID string  `json:"player_id"`
	Score    float64 `json:"score"`
}

type TimerUpdate struct {
	SessionID     string `json:"session_id"`
	QuestionIndex int    `json:"question_index"`
	RemainingSec  int    `json:"remaining_sec"`
	Warning       bool   `json:"warning"`
}

type AnswerResult struct {
	SessionID     string    `json:"session_id"`
	QuestionIndex int       `json:"question_index"`
	PlayerID      string    `json:"player_id"`
	Correct       bool      `json:"correct"`
	Points        string    `json:"points"`
	TotalScore    string    `json:"total_score"`
	SubmitTime    time.Time `json:"submit_time"`
}

type TimeoutNotice struct {
	SessionID     string `json:"session_id"`
	QuestionIndex int    `json:"question_index"`
	PlayerID      string `json:"player_id"`
}
