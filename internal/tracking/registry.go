// Package tracking keeps one run controller per athlete and exposes it over
// HTTP. Controllers are created on first use and recover an interrupted run
// from its snapshot before serving requests.
package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"backend-runtracker/internal/location"
	"backend-runtracker/internal/run"
	"backend-runtracker/internal/snapshot"
	"backend-runtracker/internal/stream"
	"backend-runtracker/internal/telemetry"
	"backend-runtracker/internal/workout"

	"golang.org/x/time/rate"
)

// HealthStore is everything a run needs from one athlete's health data.
type HealthStore interface {
	run.HealthSource
	workout.Store
}

type Settings struct {
	BodyWeightKg       float64
	CaloriesPerKgKm    float64
	FeedGap            time.Duration
	TickInterval       time.Duration
	RouteFlushInterval time.Duration
	EnergyPollInterval time.Duration
	FixesPerSecond     float64
	FixBurst           int
}

// RegistryConfig wires a Registry. Health is required.
type RegistryConfig struct {
	Health   func(athleteID string) HealthStore
	KV       snapshot.KeyValueStore
	Hub      *stream.Hub
	Logger   *slog.Logger
	Clock    func() time.Time
	Settings Settings
}

type session struct {
	ctrl    *run.Controller
	relay   *location.Relay
	limiter *rate.Limiter
	stop    context.CancelFunc
}

type Registry struct {
	cfg    RegistryConfig
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KV == nil {
		cfg.KV = snapshot.NewMemoryStore()
	}
	if cfg.Settings.FixesPerSecond <= 0 {
		cfg.Settings.FixesPerSecond = 20
	}
	if cfg.Settings.FixBurst <= 0 {
		cfg.Settings.FixBurst = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:      cfg,
		logger:   cfg.Logger,
		ctx:      ctx,
		cancel:   cancel,
		sessions: map[string]*session{},
	}
}

// session returns the athlete's session, creating and restoring it on first
// use. Authorization and restore run outside the registry lock; when two
// requests race, the first one inserted wins and the other is discarded.
func (r *Registry) session(ctx context.Context, athleteID string) *session {
	r.mu.Lock()
	s, ok := r.sessions[athleteID]
	r.mu.Unlock()
	if ok {
		return s
	}

	candidate := r.newSession(ctx, athleteID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[athleteID]; ok {
		candidate.ctrl.Close()
		return s
	}

	runCtx, stop := context.WithCancel(r.ctx)
	candidate.stop = stop
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		candidate.ctrl.Run(runCtx)
	}()
	r.sessions[athleteID] = candidate
	telemetry.ActiveControllers.Inc()
	return candidate
}

func (r *Registry) newSession(ctx context.Context, athleteID string) *session {
	logger := telemetry.WithAthlete(r.logger, athleteID)
	relay := location.NewRelay()
	cfg := run.Config{
		AthleteID:          athleteID,
		Provider:           relay,
		Snapshots:          snapshot.NewStore(r.cfg.KV, athleteID),
		Logger:             logger,
		Clock:              r.cfg.Clock,
		BodyWeightKg:       r.cfg.Settings.BodyWeightKg,
		CaloriesPerKgKm:    r.cfg.Settings.CaloriesPerKgKm,
		FeedGap:            r.cfg.Settings.FeedGap,
		TickInterval:       r.cfg.Settings.TickInterval,
		RouteFlushInterval: r.cfg.Settings.RouteFlushInterval,
		EnergyPollInterval: r.cfg.Settings.EnergyPollInterval,
	}
	store := r.cfg.Health(athleteID)
	cfg.Health = store
	cfg.Recorder = workout.NewRecorder(store, logger)
	if r.cfg.Hub != nil {
		cfg.Publisher = hubPublisher{hub: r.cfg.Hub, logger: logger}
	}

	ctrl := run.New(cfg)
	ctrl.Authorize(ctx)
	ctrl.Restore(ctx)

	return &session{
		ctrl:    ctrl,
		relay:   relay,
		limiter: rate.NewLimiter(rate.Limit(r.cfg.Settings.FixesPerSecond), r.cfg.Settings.FixBurst),
	}
}

func (r *Registry) Controller(ctx context.Context, athleteID string) *run.Controller {
	return r.session(ctx, athleteID).ctrl
}

func (r *Registry) now() time.Time {
	if r.cfg.Clock != nil {
		return r.cfg.Clock()
	}
	return time.Now()
}

// Len reports how many controllers are held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops every controller's background loop. Run state stays in the
// snapshots, so a later process picks up where this one left off.
func (r *Registry) Close() {
	r.cancel()

	r.mu.Lock()
	sessions := r.sessions
	r.sessions = map[string]*session{}
	r.mu.Unlock()

	for _, s := range sessions {
		s.stop()
		s.ctrl.Close()
		telemetry.ActiveControllers.Dec()
	}
	r.wg.Wait()
}
