package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/quizwire/quizwire/internal/api"
	"github.com/quizwire/quizwire/internal/event"
	"github.com/quizwire/quizwire/internal/fanout"
	"github.com/quizwire/quizwire/internal/game"
	"github.com/quizwire/quizwire/internal/leaderboard"
	"github.com/quizwire/quizwire/internal/lobby"
	"github.com/quizwire/quizwire/internal/publish"
	"github.com/quizwire/quizwire/internal/repo"
	"github.com/quizwire/quizwire/internal/scoring"
	"github.com/quizwire/quizwire/internal/store"
	"github.com/quizwire/quizwire/internal/telemetry"
	"github.com/quizwire/quizwire/internal/timer"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		State struct {
			Addrs []string
			Pass  string
		}

		Pubsub struct {
			Addrs []string
			Pass  string
		}
	}

	Postgres struct {
		Game struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Game struct {
		WarningSec int
		MaxPlayers int
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			state  redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	service struct {
		game        *game.Orchestrator
		lobby       *lobby.Service
		leaderboard *leaderboard.Service
		timers      *timer.Engine
		fanout      *fanout.Manager
		answers     *repo.AnswerRepo
		results     *repo.ResultRepo
	}

	http *http.Server

	cancelRun context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.state, err = connect(s.c.Redis.State.Addrs, s.c.Redis.State.Pass)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g := s.c.Postgres.Game
	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", g.User, g.Pass, g.Addr, g.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

func (s *Server) initService() {
	st := store.New(store.Config{Redis: s.infra.redis.state})

	pub := publish.New(publish.Config{
		Redis:  s.infra.redis.pubsub,
		Origin: uuid.NewString(),
	})

	s.service.lobby = lobby.NewService(lobby.Config{
		Store:      st,
		Publisher:  pub,
		MaxPlayers: s.c.Game.MaxPlayers,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		EventBus:  s.eb,
		Store:     st,
		Publisher: pub,
	})

	warning := time.Duration(s.c.Game.WarningSec) * time.Second
	if warning <= 0 {
		warning = 5 * time.Second
	}

	// The engine's expiry callback needs the orchestrator, which in turn
	// needs the engine. Bound late through the closure.
	s.service.timers = timer.NewEngine(timer.Config{
		Store:            st,
		Publisher:        pub,
		WarningThreshold: warning,
		OnExpire: func(ctx context.Context, sessionID string, questionIndex int) {
			s.service.game.ForceProgression(ctx, sessionID, questionIndex)
		},
	})

	s.service.answers = repo.NewAnswerRepo(s.infra.postgres)
	s.service.results = repo.NewResultRepo(s.infra.postgres)

	s.service.game = game.NewOrchestrator(game.Config{
		Store:     st,
		Timers:    s.service.timers,
		Publisher: pub,
		EventBus:  s.eb,
		Lobby:     s.service.lobby,
		Answers:   s.service.answers,
		Results:   s.service.results,
		Scoring:   scoring.DefaultPolicy(),
	})

	s.service.fanout = fanout.NewManager(fanout.Config{
		Redis:  s.infra.redis.pubsub,
		Store:  st,
		Timers: s.service.timers,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:      e,
		Game:        s.service.game,
		Lobby:       s.service.lobby,
		Leaderboard: s.service.leaderboard,
		Fanout:      s.service.fanout,
		Answers:     s.service.answers,
		Results:     s.service.results,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel

	var eg errgroup.Group
	eg.Go(func() error {
		s.service.timers.Run(ctx)
		return nil
	})

	eg.Go(func() error {
		s.service.fanout.Run(ctx)
		return nil
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err := eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.service.fanout.Stop()
	s.service.timers.Stop()
	if s.cancelRun != nil {
		s.cancelRun()
	}

	s.eb.Stop()

	s.infra.redis.state.Close()
	s.infra.redis.pubsub.Close()
	s.infra.postgres.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}
