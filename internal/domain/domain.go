package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a game session. Transitions are monotonic
// except for ACTIVE<->PAUSED; COMPLETED and ABANDONED are terminal.
type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusActive    Status = "ACTIVE"
	StatusPaused    Status = "PAUSED"
	StatusCompleted Status = "COMPLETED"
	StatusAbandoned Status = "ABANDONED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// GameSession is the live snapshot of one trivia session. It is owned by the
// orchestrator and mutated only through its state-transition operations; the
// serialized form lives in the shared store under gamestate:{id}.
type GameSession struct {
	SessionID    string                     `json:"session_id"`
	HostID       string                     `json:"host_id"`
	Status       Status                     `json:"status"`
	Questions    []QuestionRef              `json:"questions"`
	CurrentIndex int                        `json:"current_index"`
	Scores       map[string]decimal.Decimal `json:"scores"`
	Streaks      map[string]int             `json:"streaks"`
	Public       bool                       `json:"public"`
	CreateTime   time.Time                  `json:"create_time"`
	UpdateTime   time.Time                  `json:"update_time"`
}

// QuestionRef points at a question owned by the content-management system.
// Only what the live engine needs travels with the session.
type QuestionRef struct {
	QuestionID    string        `json:"question_id"`
	CorrectOption string        `json:"correct_option"`
	Duration      time.Duration `json:"duration"`
}

// AnswerRecord is written at most once per (session, question index, player).
type AnswerRecord struct {
	SessionID     string          `json:"session_id"`
	QuestionIndex int             `json:"question_index"`
	PlayerID      string          `json:"player_id"`
	Answer        string          `json:"answer"`
	Correct       bool            `json:"correct"`
	Points        decimal.Decimal `json:"points"`
	Latency       time.Duration   `json:"latency"`
	SubmitTime    time.Time       `json:"submit_time"`
}

// QuestionTimer is the store-visible snapshot of a running countdown. The
// in-process timer engine is the single ticking source of truth; this record
// exists for cross-process visibility and crash recovery.
type QuestionTimer struct {
	SessionID        string        `json:"session_id"`
	QuestionIndex    int           `json:"question_index"`
	StartTime        time.Time     `json:"start_time"`
	Duration         time.Duration `json:"duration"`
	WarningThreshold time.Duration `json:"warning_threshold"`
	WarningSent      bool          `json:"warning_sent"`
}

// Remaining returns the time budget left at now, floored at zero.
func (t QuestionTimer) Remaining(now time.Time) time.Duration {
	r := t.StartTime.Add(t.Duration).Sub(now)
	if r < 0 {
		return 0
	}
	return r
}

// Lobby is the pre-game membership view of a session.
type Lobby struct {
	SessionID string   `json:"session_id"`
	Players   []string `json:"players"`
	Ready     []string `json:"ready"`
}

// Leaderboard is a ranked view of player scores within one session,
// sorted by score in descending order.
type Leaderboard struct {
	SessionID string             `json:"session_id"`
	Entries   []LeaderboardEntry `json:"entries"`
}

type LeaderboardEntry struct {
	PlayerID string  `json:"player_id"`
	Score    float64 `json:"score"`
}

// Score represents one player's running total within a session.
type Score struct {
	SessionID  string
	PlayerID   string
	TotalScore decimal.Decimal
	UpdateTime time.Time
}

// FinalResult is one row of the rankings computed at completion.
type FinalResult struct {
	SessionID  string
	PlayerID   string
	Rank       int
	FinalScore decimal.Decimal
}
