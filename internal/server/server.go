package server

import (
	"log/slog"

	"backend-runtracker/internal/auth"
	"backend-runtracker/internal/config"
	"backend-runtracker/internal/db"
	"backend-runtracker/internal/health"
	"backend-runtracker/internal/history"
	"backend-runtracker/internal/snapshot"
	"backend-runtracker/internal/stream"
	"backend-runtracker/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	App      *fiber.App
	Cfg      config.Config
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Stream   *stream.Hub
	Registry *tracking.Registry
	Logger   *slog.Logger
}

func NewServer(cfg config.Config, pool *pgxpool.Pool, redisClient *redis.Client, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	app := fiber.New()
	app.Use(recover.New())
	app.Use(logger.New())

	s := &Server{
		App:    app,
		Cfg:    cfg,
		DB:     pool,
		Redis:  redisClient,
		Stream: stream.NewHub(redisClient, log),
		Logger: log,
	}

	registerRoutes(s)
	return s
}

// Close stops every run controller and the stream hub. In-progress runs stay
// in their snapshots.
func (s *Server) Close() error {
	if s.Registry != nil {
		s.Registry.Close()
	}
	return s.Stream.Close()
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	s.App.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	var q db.Querier
	if s.DB != nil {
		q = s.DB
	}

	var kv snapshot.KeyValueStore = snapshot.NewMemoryStore()
	if s.Redis != nil {
		kv = snapshot.NewRedisStore(s.Redis)
	}

	healthSvc := health.NewService(q)
	s.Registry = tracking.NewRegistry(tracking.RegistryConfig{
		Health: func(athleteID string) tracking.HealthStore {
			return healthSvc.ForAthlete(athleteID)
		},
		KV:     kv,
		Hub:    s.Stream,
		Logger: s.Logger,
		Settings: tracking.Settings{
			BodyWeightKg:       s.Cfg.BodyWeightKg,
			CaloriesPerKgKm:    s.Cfg.CaloriesPerKgKm,
			FeedGap:            s.Cfg.EnergyFeedGap,
			TickInterval:       s.Cfg.TickInterval,
			RouteFlushInterval: s.Cfg.RouteFlushInterval,
			EnergyPollInterval: s.Cfg.EnergyPollInterval,
			FixesPerSecond:     s.Cfg.FixesPerSecond,
			FixBurst:           s.Cfg.FixBurst,
		},
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	auth.RegisterRoutes(s.App.Group("/auth"), auth.NewService(s.Cfg.JWTSecret, q, s.Redis))
	tracking.RegisterRoutes(s.App.Group("/runs"), s.Registry, jwtMiddleware)
	health.RegisterRoutes(s.App.Group("/health"), healthSvc, jwtMiddleware)
	history.RegisterRoutes(s.App.Group("/workouts"), history.NewService(healthSvc), jwtMiddleware)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream)
}
