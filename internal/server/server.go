package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/victornm/couplequiz/internal/api"
	"github.com/victornm/couplequiz/internal/content"
	"github.com/victornm/couplequiz/internal/domain"
	"github.com/victornm/couplequiz/internal/engine"
	"github.com/victornm/couplequiz/internal/event"
	"github.com/victornm/couplequiz/internal/generator"
	"github.com/victornm/couplequiz/internal/notify"
	"github.com/victornm/couplequiz/internal/realtime"
	"github.com/victornm/couplequiz/internal/reaper"
	"github.com/victornm/couplequiz/internal/session"
	"github.com/victornm/couplequiz/internal/store"
	"github.com/victornm/couplequiz/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	GRPC struct {
		Port int32
	}

	Redis struct {
		Session struct {
			Addrs  []string
			Pass   string
			Prefix string
			TTL    time.Duration
		}

		Pubsub struct {
			Addrs  []string
			Pass   string
			Prefix string
		}
	}

	Postgres struct {
		// Content holds couples, templates and results. Without an Addr an in-memory store is used.
		Content struct {
			Addr string
			User string
			Pass string
			Name string
		}
	}

	Engine struct {
		StartDelay  time.Duration
		GracePeriod time.Duration
	}

	// Couples are registered on start, for deployments without an account service feeding the couples table.
	Couples []struct {
		CoupleID string
		PartnerA string
		PartnerB string
	}

	Generator struct {
		// URL of the question generation endpoint. Without it every template is the placeholder quiz.
		URL     string
		Timeout time.Duration
	}
}

// DefaultConfig returns the config values used when neither the file nor the environment sets them.
func DefaultConfig() Config {
	var c Config
	c.HTTP.Port = 8080
	c.GRPC.Port = 8081
	c.Redis.Session.Prefix = "local:session"
	c.Redis.Session.TTL = 30 * 24 * time.Hour
	c.Redis.Pubsub.Prefix = "local:pubsub"
	c.Engine.StartDelay = 1500 * time.Millisecond
	c.Engine.GracePeriod = 3 * time.Second
	c.Generator.Timeout = 20 * time.Second
	return c
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			session redis.UniversalClient
			pubsub  redis.UniversalClient
		}

		postgres struct {
			content *pgxpool.Pool
		}
	}

	service struct {
		session *session.Service
		engine  *engine.Engine
		notify  *notify.Publisher
	}

	realtime *realtime.Handler

	http *http.Server
	grpc *grpc.Server
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	if err := s.initService(); err != nil {
		return nil, fmt.Errorf("server: init service: %w", err)
	}

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
	connect := func(name string, addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r, name); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.session, err = connect("session", s.c.Redis.Session.Addrs, s.c.Redis.Session.Pass)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}

	s.infra.redis.pubsub, err = connect("pubsub", s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() (err error) {
	pc := s.c.Postgres.Content
	if pc.Addr == "" {
		slog.Warn("server: no postgres configured, content is kept in memory")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s", pc.User, pc.Pass, pc.Addr, pc.Name))
	if err != nil {
		return fmt.Errorf("content: %w", err)
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return fmt.Errorf("content: %w", err)
	}

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return fmt.Errorf("content: %w", err)
	}

	s.infra.postgres.content = db
	return nil
}

type contentStore interface {
	session.ContentStore
	UpsertCouple(ctx context.Context, c domain.Couple) error
}

func (s *Server) initService() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var cs contentStore
	if db := s.infra.postgres.content; db != nil {
		pg := content.NewStore(content.Config{DB: db})
		if err := pg.Migrate(ctx); err != nil {
			return err
		}
		cs = pg
	} else {
		cs = content.NewMemory()
	}

	for _, c := range s.c.Couples {
		err := cs.UpsertCouple(ctx, domain.Couple{CoupleID: c.CoupleID, PartnerA: c.PartnerA, PartnerB: c.PartnerB})
		if err != nil {
			return fmt.Errorf("register couple %s: %w", c.CoupleID, err)
		}
	}

	var gen generator.Generator
	if s.c.Generator.URL != "" {
		gen = generator.NewHTTPGenerator(generator.HTTPConfig{
			URL:     s.c.Generator.URL,
			Timeout: s.c.Generator.Timeout,
		})
	}

	sessions := store.NewSessions(store.Config{
		Redis:  s.infra.redis.session,
		Prefix: s.c.Redis.Session.Prefix,
		TTL:    s.c.Redis.Session.TTL,
	})

	s.service.session = session.NewService(session.Config{
		Content:   cs,
		Sessions:  sessions,
		Generator: gen,
		EventBus:  s.eb,
	})

	s.service.engine = engine.New(engine.Config{
		Sessions: sessions,
		Manager:  s.service.session,
		Cleanup: reaper.NewQueue(reaper.Config{
			Redis:  s.infra.redis.session,
			Prefix: s.c.Redis.Session.Prefix,
		}),
		EventBus:    s.eb,
		StartDelay:  s.c.Engine.StartDelay,
		GracePeriod: s.c.Engine.GracePeriod,
	})

	s.service.notify = notify.New(notify.Config{
		EventBus: s.eb,
		Redis:    s.infra.redis.pubsub,
		Prefix:   s.c.Redis.Pubsub.Prefix,
	})

	telemetry.CountSessions(s.eb)
	return nil
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	e.GET("/healthz", func(c *gin.Context) {
		if err := s.infra.redis.session.Ping(c).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.realtime = realtime.NewHandler(realtime.Config{Engine: s.service.engine})
	s.realtime.Register(e)

	s.grpc = grpc.NewServer(telemetry.GRPCServerInterceptor())

	api.New(api.Config{
		GRPC:    s.grpc,
		Session: s.service.session,
		Engine:  s.service.engine,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx := context.TODO()

	if err := s.service.engine.Recover(ctx); err != nil {
		slog.ErrorContext(ctx, "server: recover pending cleanups failed", "error", err)
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.c.GRPC.Port))
	if err != nil {
		slog.ErrorContext(ctx, "grpc server: listen failed", "error", err)
		panic(err)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: gRPC listening on port %d", s.c.GRPC.Port))
		return s.grpc.Serve(lis)
	})

	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	err = eg.Wait()
	if err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.grpc.GracefulStop()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}
	// Hijacked websocket connections outlive the HTTP shutdown.
	s.realtime.Close()

	s.service.engine.Close()
	s.eb.Stop()

	if err := s.infra.redis.session.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close session redis failed", "error", err)
	}
	if err := s.infra.redis.pubsub.Close(); err != nil {
		slog.ErrorContext(ctx, "server: close pubsub redis failed", "error", err)
	}
	if db := s.infra.postgres.content; db != nil {
		db.Close()
	}

	slog.InfoContext(ctx, "server: shutdown completed")
}
