package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quizwire/quizwire/internal/domain"
	"github.com/quizwire/quizwire/internal/errors"
	"github.com/quizwire/quizwire/internal/fanout"
	"github.com/quizwire/quizwire/internal/game"
	"github.com/quizwire/quizwire/internal/leaderboard"
	"github.com/quizwire/quizwire/internal/lobby"
)

// AnswerHistory reads the durable answer log.
type AnswerHistory interface {
	ListBySession(ctx context.Context, sessionID string) ([]domain.AnswerRecord, error)
}

// ResultHistory reads final rankings persisted at completion.
type ResultHistory interface {
	ListResults(ctx context.Context, sessionID string) ([]domain.FinalResult, error)
}

type Config struct {
	Router      *gin.Engine
	Game        *game.Orchestrator
	Lobby       *lobby.Service
	Leaderboard *leaderboard.Service
	Fanout      *fanout.Manager
	Answers     AnswerHistory
	Results     ResultHistory
}

type API struct {
	game    *game.Orchestrator
	ls      *lobby.Service
	lbs     *leaderboard.Service
	fan     *fanout.Manager
	answers AnswerHistory
	results ResultHistory
}

func New(c Config) *API {
	a := &API{
		game:    c.Game,
		ls:      c.Lobby,
		lbs:     c.Leaderboard,
		fan:     c.Fanout,
		answers: c.Answers,
		results: c.Results,
	}

	v1 := c.Router.Group("/v1")
	{
		v1.POST("/sessions", a.createSession)
		v1.GET("/sessions/:id", a.getSession)
		v1.POST("/sessions/:id/start", a.startSession)
		v1.POST("/sessions/:id/pause", a.pauseSession)
		v1.POST("/sessions/:id/resume", a.resumeSession)
		v1.POST("/sessions/:id/abandon", a.abandonSession)
		v1.POST("/sessions/:id/answers", a.submitAnswer)

		v1.POST("/sessions/:id/players", a.joinLobby)
		v1.DELETE("/sessions/:id/players/:player", a.leaveLobby)
		v1.POST("/sessions/:id/players/:player/ready", a.setReady)
		v1.GET("/sessions/:id/lobby", a.getLobby)

		v1.GET("/sessions/:id/leaderboard", a.getLeaderboard)
		v1.GET("/leaderboard", a.getGlobalLeaderboard)

		v1.GET("/sessions/:id/results", a.getResults)
		v1.GET("/sessions/:id/answers", a.getAnswerLog)

		v1.GET("/sessions/:id/events", a.streamEvents)
	}

	return a
}

type response struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, response{Data: data})
}

func abort(c *gin.Context, err error) {
	e := errors.Convert(err)
	c.AbortWithStatusJSON(e.HTTPStatusCode(), response{Error: e.Message})
}

// sessionView is the caller-facing shape of a session. Question correct
// options never leave the server; players would see them mid-game otherwise.
type sessionView struct {
	SessionID    string            `json:"session_id"`
	HostID       string            `json:"host_id"`
	Status       string            `json:"status"`
	Questions    []questionView    `json:"questions"`
	CurrentIndex int               `json:"current_index"`
	Scores       map[string]string `json:"scores"`
	Public       bool              `json:"public"`
	CreateTime   time.Time         `json:"create_time"`
	UpdateTime   time.Time         `json:"update_time"`
}

type questionView struct {
	QuestionID  string `json:"question_id"`
	DurationSec int    `json:"duration_sec"`
}

func viewSession(ss *domain.GameSession) sessionView {
	qs := make([]questionView, 0, len(ss.Questions))
	for _, q := range ss.Questions {
		qs = append(qs, questionView{
			QuestionID:  q.QuestionID,
			DurationSec: int(q.Duration / time.Second),
		})
	}

	scores := make(map[string]string, len(ss.Scores))
	for player, score := range ss.Scores {
		scores[player] = score.String()
	}

	return sessionView{
		SessionID:    ss.SessionID,
		HostID:       ss.HostID,
		Status:       string(ss.Status),
		Questions:    qs,
		CurrentIndex: ss.CurrentIndex,
		Scores:       scores,
		Public:       ss.Public,
		CreateTime:   ss.CreateTime,
		UpdateTime:   ss.UpdateTime,
	}
}

type createSessionRequest struct {
	HostID    string            `json:"host_id"`
	Public    bool              `json:"public"`
	Questions []questionPayload `json:"questions"`
}

type questionPayload struct {
	QuestionID    string `json:"question_id"`
	CorrectOption string `json:"correct_option"`
	DurationSec   int    `json:"duration_sec"`
}

func (a *API) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("decode request: %v", err)))
		return
	}

	qs := make([]domain.QuestionRef, 0, len(req.Questions))
	for _, q := range req.Questions {
		qs = append(qs, domain.QuestionRef{
			QuestionID:    q.QuestionID,
			CorrectOption: q.CorrectOption,
			Duration:      time.Duration(q.DurationSec) * time.Second,
		})
	}

	ss, err := a.game.CreateSession(c.Request.Context(), game.CreateSessionRequest{
		HostID:    req.HostID,
		Public:    req.Public,
		Questions: qs,
	})
	if err != nil {
		abort(c, err)
		return
	}

	respond(c, viewSession(ss))
}

func (a *API) getSession(c *gin.Context) {
	ss, err := a.game.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}

	respond(c, viewSession(ss))
}

// callerRequest identifies who is issuing a session transition.
type callerRequest struct {
	CallerID string `json:"caller_id"`
}

func (a *API) transition(c *gin.Context, f func(ctx *gin.Context, sessionID, callerID string) (*domain.GameSession, error)) {
	var req callerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("decode request: %v", err)))
		return
	}

	ss, err := f(c, c.Param("id"), req.CallerID)
	if err != nil {
		abort(c, err)
		return
	}

	respond(c, viewSession(ss))
}

func (a *API) startSession(c *gin.Context) {
	a.transition(c, func(ctx *gin.Context, sessionID, callerID string) (*domain.GameSession, error) {
		return a.game.StartSession(ctx.Request.Context(), sessionID, callerID)
	})
}

func (a *API) pauseSession(c *gin.Context) {
	a.transition(c, func(ctx *gin.Context, sessionID, callerID string) (*domain.GameSession, error) {
		return a.game.Pause(ctx.Request.Context(), sessionID, callerID)
	})
}

func (a *API) resumeSession(c *gin.Context) {
	a.transition(c, func(ctx *gin.Context, sessionID, callerID string) (*domain.GameSession, error) {
		return a.game.Resume(ctx.Request.Context(), sessionID, callerID)
	})
}

func (a *API) abandonSession(c *gin.Context) {
	a.transition(c, func(ctx *gin.Context, sessionID, callerID string) (*domain.GameSession, error) {
		return a.game.Abandon(ctx.Request.Context(), sessionID, callerID)
	})
}

type submitAnswerRequest struct {
	PlayerID      string `json:"player_id"`
	QuestionIndex int    `json:"question_index"`
	Answer        string `json:"answer"`
	LatencyMS     int64  `json:"latency_ms"`
}

type submitAnswerResponse struct {
	Correct    bool   `json:"correct"`
	Points     string `json:"points"`
	TotalScore string `json:"total_score"`
}

func (a *API) submitAnswer(c *gin.Context) {
	var req submitAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("decode request: %v", err)))
		return
	}

	resp, err := a.game.SubmitAnswer(c.Request.Context(), game.SubmitAnswerRequest{
		SessionID:     c.Param("id"),
		PlayerID:      req.PlayerID,
		QuestionIndex: req.QuestionIndex,
		Answer:        req.Answer,
		Latency:       time.Duration(req.LatencyMS) * time.Millisecond,
	})
	if err != nil {
		abort(c, err)
		return
	}

	respond(c, submitAnswerResponse{
		Correct:    resp.Correct,
		Points:     resp.Points.String(),
		TotalScore: resp.TotalScore.String(),
	})
}

type joinLobbyRequest struct {
	PlayerID string `json:"player_id"`
}

func (a *API) joinLobby(c *gin.Context) {
	var req joinLobbyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, errors.New(errors.CodeInvalidArgument, errors.WithMessagef("decode request: %v", err)))
		return
	}

	if err := a.ls.Join(c.Request.Context(), c.Param("id"), req.PlayerID); err != nil {
		abort(c, err)
		return
	}

	lb, err := a.ls.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}

	respond(c, lb)
}

func (a *API) leaveLobby(c *gin.Context) {
	if err := a.ls.Leave(c.Request.Context(), c.Param("id"), c.Param("player")); err != nil {
		abort(c, err)
		return
	}

	respond(c, gin.H{"left": true})
}

func (a *API) setReady(c *gin.Context) {
	if err := a.ls.SetReady(c.Request.Context(), c.Param("id"), c.Param("player")); err != nil {
		abort(c, err)
		return
	}

	respond(c, gin.H{"ready": true})
}

func (a *API) getLobby(c *gin.Context) {
	lb, err := a.ls.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}

	respond(c, lb)
}

func (a *API) getLeaderboard(c *gin.Context) {
	lb, err := a.lbs.Snapshot(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}

	respond(c, lb)
}

func (a *API) getGlobalLeaderboard(c *gin.Context) {
	entries, err := a.lbs.Global(c.Request.Context())
	if err != nil {
		abort(c, err)
		return
	}

	respond(c, gin.H{"entries": entries})
}

func (a *API) getResults(c *gin.Context) {
	results, err := a.results.ListResults(c.Request.Context(), c.Param("id"))
	if err != nil {
		abort(c, err)
		return
	}

	respond(c, gin.H{"results": results})
}

// getAnswerLog serves the per-answer audit trail. Records carry correctness,
// so the log stays sealed while the session is still live.
func (a *API) getAnswerLog(c *gin.Context) {
	id := c.Param("id")

	if ss, err := a.game.GetSession(c.Request.Context(), id); err == nil && !ss.Status.Terminal() {
		abort(c, errors.New(errors.CodeFailedPrecondition,
			errors.WithMessagef("answer log opens when the game ends: session=%s", id)))
		return
	}

	recs, err := a.answers.ListBySession(c.Request.Context(), id)
	if err != nil {
		abort(c, err)
		return
	}

	respond(c, gin.H{"answers": recs})
}
