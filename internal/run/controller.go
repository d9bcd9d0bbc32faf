// Package run owns the lifecycle of a single athlete's run session:
// idle → running ⇄ paused → stopped. It combines elapsed-time accounting,
// location-based distance, energy reconciliation and snapshot persistence.
//
// Fixes, energy reports and transitions arrive from independent goroutines;
// every mutation of session state happens under one mutex, and readers go
// through Stats, which loads the last committed view without locking.
package run

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"backend-runtracker/internal/elapsed"
	"backend-runtracker/internal/energy"
	"backend-runtracker/internal/health"
	"backend-runtracker/internal/location"
	"backend-runtracker/internal/snapshot"
	"backend-runtracker/internal/telemetry"
	"backend-runtracker/internal/workout"
)

const (
	defaultTickInterval       = time.Second
	defaultRouteFlushInterval = 30 * time.Second
	defaultEnergyPollInterval = 10 * time.Second
	snapshotTimeout           = 2 * time.Second
)

// HealthSource is the part of the health data store the controller reads from.
type HealthSource interface {
	RequestAuthorization(ctx context.Context, read, write []health.DataType) (bool, error)
	QueryLatestBodyWeight(ctx context.Context) (float64, bool, error)
	QueryCumulativeEnergy(ctx context.Context, from, to time.Time) (float64, error)
	// SubscribeCumulativeEnergy reports the energy total since from until the
	// returned cancel func is called or ctx ends. fn is always called from a
	// separate goroutine, never from within SubscribeCumulativeEnergy.
	SubscribeCumulativeEnergy(ctx context.Context, from time.Time, interval time.Duration, fn func(kcal float64, err error)) (cancel func())
}

// Publisher receives live stats while a run is active.
type Publisher interface {
	Publish(stats Stats)
}

// Config wires a controller. Recorder is required; Provider, Health and
// Publisher may be nil.
type Config struct {
	AthleteID string
	Provider  location.Provider
	Health    HealthSource
	Recorder  *workout.Recorder
	Snapshots *snapshot.Store
	Publisher Publisher
	Logger    *slog.Logger
	Clock     func() time.Time

	BodyWeightKg    float64
	CaloriesPerKgKm float64
	FeedGap         time.Duration

	TickInterval       time.Duration
	RouteFlushInterval time.Duration
	EnergyPollInterval time.Duration
}

type Controller struct {
	athleteID string
	provider  location.Provider
	health    HealthSource
	recorder  *workout.Recorder
	snapshots *snapshot.Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time

	tickInterval       time.Duration
	routeFlushInterval time.Duration
	energyPollInterval time.Duration

	// opMu orders whole transitions, including their I/O.
	opMu sync.Mutex

	// mu guards everything below.
	mu               sync.Mutex
	state            State
	gen              uint64
	runStart         time.Time
	timer            elapsed.Tracker
	proc             location.Processor
	energy           *energy.Estimator
	finalDuration    time.Duration
	pendingKcal      float64
	locationDenied   bool
	healthAuthorized bool
	cancelFeed       context.CancelFunc
	snapshotSeq      uint64

	// persistMu orders snapshot writes, which happen outside mu.
	persistMu    sync.Mutex
	persistedSeq uint64

	committed atomic.Pointer[view]
}

// pendingSnapshot is a write captured under mu and performed after it is
// released. clear removes the snapshot instead of saving snap.
type pendingSnapshot struct {
	seq   uint64
	snap  snapshot.Snapshot
	clear bool
}

func New(cfg Config) *Controller {
	c := &Controller{
		athleteID:          cfg.AthleteID,
		provider:           cfg.Provider,
		health:             cfg.Health,
		recorder:           cfg.Recorder,
		snapshots:          cfg.Snapshots,
		publisher:          cfg.Publisher,
		logger:             cfg.Logger,
		now:                cfg.Clock,
		tickInterval:       orDefault(cfg.TickInterval, defaultTickInterval),
		routeFlushInterval: orDefault(cfg.RouteFlushInterval, defaultRouteFlushInterval),
		energyPollInterval: orDefault(cfg.EnergyPollInterval, defaultEnergyPollInterval),
		energy:             energy.NewEstimator(cfg.BodyWeightKg, cfg.CaloriesPerKgKm, cfg.FeedGap),
		healthAuthorized:   true,
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.snapshots == nil {
		c.snapshots = snapshot.NewStore(snapshot.NewMemoryStore(), cfg.AthleteID)
	}
	c.commitLocked()
	return c
}

func (c *Controller) AthleteID() string {
	return c.athleteID
}

// Stats returns the latest committed values. It never waits on in-flight work.
func (c *Controller) Stats() Stats {
	return c.committed.Load().stats(c.athleteID, c.now())
}

func (c *Controller) State() State {
	return c.committed.Load().state
}

func (c *Controller) Route() []location.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proc.Route()
}

// Authorize asks the health store for the types a run needs. Without
// authorization the controller runs without the external energy feed.
func (c *Controller) Authorize(ctx context.Context) bool {
	if c.health == nil {
		return false
	}
	ok, err := c.health.RequestAuthorization(ctx, health.RunReadTypes, health.RunWriteTypes)
	if err != nil {
		c.logger.Warn("health authorization failed", "error", err)
		ok = false
	}
	c.mu.Lock()
	c.healthAuthorized = ok
	c.mu.Unlock()
	return ok
}

// Start begins a new run from any state, discarding whatever was in progress.
// Health authorization is requested again so a grant made since the last run
// turns the energy feed on.
func (c *Controller) Start(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.Authorize(ctx)
	weight := c.latestBodyWeight(ctx)

	c.mu.Lock()
	now := c.now()
	c.teardownLocked()
	c.gen++
	c.timer.Stop()
	c.proc.Reset()
	c.energy.Reset(weight)
	c.recorder.Reset()
	c.finalDuration = 0
	c.pendingKcal = 0
	c.runStart = now
	c.state = Running
	c.timer.Start(now)
	c.startUpdatesLocked()
	c.subscribeFeedLocked(ctx)
	c.commitLocked()
	cleared := c.clearSnapshotLocked()
	c.mu.Unlock()

	c.persist(ctx, cleared)
	telemetry.Transitions.WithLabelValues(Running.String()).Inc()
	c.logger.Info("run started", "at", now)
	c.publish()
}

func (c *Controller) Pause(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.state = Paused
	c.timer.Pause(now)
	if c.provider != nil {
		c.provider.StopUpdates()
	}
	pending := c.snapshotLocked(now)
	c.commitLocked()
	c.mu.Unlock()

	c.persist(ctx, pending)
	if err := c.recorder.Flush(ctx); err != nil {
		c.logger.Warn("route flush on pause failed", "error", err)
	}
	telemetry.Transitions.WithLabelValues(Paused.String()).Inc()
	c.publish()
}

func (c *Controller) Resume(ctx context.Context) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != Paused {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.state = Running
	c.timer.Start(now)
	c.proc.ResetAnchor()
	if c.pendingKcal > 0 {
		c.energy.ApplyExternal(c.pendingKcal, now)
		c.pendingKcal = 0
	}
	c.startUpdatesLocked()
	if c.cancelFeed == nil {
		c.subscribeFeedLocked(ctx)
	}
	pending := c.snapshotLocked(now)
	c.commitLocked()
	c.mu.Unlock()

	c.persist(ctx, pending)
	telemetry.Transitions.WithLabelValues(Running.String()).Inc()
	c.publish()
}

// Stop ends the run and records the workout. Elapsed time is captured before
// anything is torn down and that value is used for display and recording.
// The returned error is non-nil only when the workout itself was not saved.
func (c *Controller) Stop(ctx context.Context) (workout.Result, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if !c.state.Active() {
		c.mu.Unlock()
		return workout.Result{Status: workout.StatusSkipped}, nil
	}
	now := c.now()
	duration := c.timer.Elapsed(now)
	c.timer.Stop()
	c.state = Stopped
	c.finalDuration = duration
	c.teardownLocked()
	if c.pendingKcal > 0 {
		c.energy.Reconcile(c.pendingKcal)
		c.pendingKcal = 0
	}
	runStart := c.runStart
	distance := c.proc.DistanceKm()
	route := c.proc.Route()
	c.commitLocked()
	cleared := c.clearSnapshotLocked()
	c.mu.Unlock()

	calories := c.reconcileEnergy(ctx, runStart, now)

	rec := workout.NewRecord(runStart, now, duration, distance, calories, route)
	res := c.recorder.RecordFinal(ctx, rec)
	telemetry.WorkoutsRecorded.WithLabelValues(string(res.Status)).Inc()
	telemetry.Transitions.WithLabelValues(Stopped.String()).Inc()

	c.persist(ctx, cleared)
	c.logger.Info("run stopped",
		"duration", duration,
		"distance_km", distance,
		"calories", calories,
		"status", res.Status,
	)
	c.publish()

	if res.Status == workout.StatusFailed {
		return res, res.Err
	}
	return res, nil
}

// HandleFix ingests a location fix. Fixes are dropped unless the run is
// running, which also covers callbacks that race with pause or stop.
func (c *Controller) HandleFix(fix location.Fix) {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return
	}
	out := c.proc.Ingest(fix)
	if !out.Accepted {
		c.mu.Unlock()
		telemetry.FixesRejected.WithLabelValues(string(out.Reason)).Inc()
		return
	}

	now := c.now()
	c.energy.AddDistance(out.DeltaKm, now)
	c.recorder.Append(out.Point)
	pending := c.snapshotLocked(now)
	c.commitLocked()
	c.mu.Unlock()

	telemetry.FixesAccepted.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
	defer cancel()
	c.persist(ctx, pending)
}

// Restore replays a persisted snapshot of an interrupted run. It reports
// whether a run was recovered. Unreadable snapshots leave the session idle.
func (c *Controller) Restore(ctx context.Context) bool {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	snap, ok, err := c.snapshots.Restore(ctx)
	if err != nil {
		c.logger.Warn("snapshot restore failed", "error", err)
	}
	if !ok {
		return false
	}
	state := ParseState(snap.State)
	if !state.Active() {
		return false
	}
	weight := c.latestBodyWeight(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()
	c.gen++
	c.state = state
	c.runStart = snap.RunStartedAt
	c.proc.Restore(snap.Route, snap.DistanceKm)
	c.energy.Reset(weight)
	c.energy.Restore(snap.Calories)
	// the old route builder is unknown after a relaunch, so the whole route
	// goes to a fresh one
	c.recorder.Reset()
	c.recorder.Append(snap.Route...)

	if state == Running {
		segmentStart := snap.SegmentStartedAt
		if segmentStart.IsZero() {
			segmentStart = c.now()
		}
		c.timer.Restore(snap.Accumulated(), segmentStart)
		c.startUpdatesLocked()
		c.subscribeFeedLocked(ctx)
	} else {
		c.timer.Restore(snap.Accumulated(), time.Time{})
	}
	c.commitLocked()

	c.logger.Info("run restored",
		"state", state,
		"distance_km", snap.DistanceKm,
		"route_points", len(snap.Route),
	)
	return true
}

// Run publishes live stats on every tick and retries partial route flushes
// until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	tick := time.NewTicker(c.tickInterval)
	defer tick.Stop()
	flush := time.NewTicker(c.routeFlushInterval)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if c.State().Active() {
				c.publish()
			}
		case <-flush.C:
			if c.recorder.Buffered() == 0 {
				continue
			}
			if err := c.recorder.Flush(ctx); err != nil {
				c.logger.Warn("periodic route flush failed", "buffered", c.recorder.Buffered(), "error", err)
			}
		}
	}
}

// Close stops live updates without changing the session state.
func (c *Controller) Close() {
	c.mu.Lock()
	c.teardownLocked()
	c.mu.Unlock()
}

func (c *Controller) handleEnergy(gen uint64, kcal float64, err error) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.energy.MarkFeedUnavailable()
		c.mu.Unlock()
		c.logger.Debug("energy feed unavailable", "error", err)
		return
	}

	switch c.state {
	case Running:
		before := c.energy.Total()
		now := c.now()
		c.energy.ApplyExternal(kcal, now)
		if c.energy.Total() == before {
			break
		}
		pending := c.snapshotLocked(now)
		c.commitLocked()
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		c.persist(ctx, pending)
		return
	case Paused:
		if kcal > c.pendingKcal {
			c.pendingKcal = kcal
		}
	}
	c.mu.Unlock()
}

// reconcileEnergy reads the whole-run energy total once more and returns the
// final calorie figure.
func (c *Controller) reconcileEnergy(ctx context.Context, from, to time.Time) float64 {
	c.mu.Lock()
	authorized := c.healthAuthorized
	c.mu.Unlock()

	if c.health != nil && authorized {
		kcal, err := c.health.QueryCumulativeEnergy(ctx, from, to)
		if err != nil {
			c.logger.Warn("final energy read failed", "error", err)
		} else {
			c.mu.Lock()
			c.energy.Reconcile(kcal)
			c.commitLocked()
			c.mu.Unlock()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.energy.Total()
}

func (c *Controller) latestBodyWeight(ctx context.Context) float64 {
	if c.health == nil {
		return 0
	}
	kg, ok, err := c.health.QueryLatestBodyWeight(ctx)
	if err != nil {
		c.logger.Warn("body weight query failed", "error", err)
		return 0
	}
	if !ok {
		return 0
	}
	return kg
}

func (c *Controller) startUpdatesLocked() {
	c.locationDenied = false
	if c.provider == nil {
		return
	}
	if err := c.provider.StartUpdates(c); err != nil {
		if errors.Is(err, location.ErrPermissionDenied) {
			c.locationDenied = true
			c.logger.Warn("location permission denied, tracking time only")
			return
		}
		c.logger.Error("location updates failed to start", "error", err)
	}
}

func (c *Controller) subscribeFeedLocked(ctx context.Context) {
	if c.health == nil || !c.healthAuthorized {
		c.energy.MarkFeedUnavailable()
		return
	}
	gen := c.gen
	feedCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := c.health.SubscribeCumulativeEnergy(feedCtx, c.runStart, c.energyPollInterval, func(kcal float64, err error) {
		c.handleEnergy(gen, kcal, err)
	})
	c.cancelFeed = func() {
		cancel()
		if stop != nil {
			stop()
		}
	}
}

// teardownLocked detaches from the location provider and the energy feed
// without waiting for callbacks already in flight.
func (c *Controller) teardownLocked() {
	if c.provider != nil {
		c.provider.StopUpdates()
	}
	if c.cancelFeed != nil {
		c.cancelFeed()
		c.cancelFeed = nil
	}
}

// snapshotLocked captures the session for a write done later by persist.
func (c *Controller) snapshotLocked(now time.Time) pendingSnapshot {
	c.snapshotSeq++
	snap := snapshot.Snapshot{
		State:          c.state.String(),
		RunStartedAt:   c.runStart,
		AccumulatedSec: c.timer.Accumulated().Seconds(),
		DistanceKm:     c.proc.DistanceKm(),
		Calories:       c.energy.Total(),
		Route:          c.proc.Route(),
		SavedAt:        now,
	}
	if since, running := c.timer.ActiveSince(); running {
		snap.SegmentStartedAt = since
	}
	return pendingSnapshot{seq: c.snapshotSeq, snap: snap}
}

func (c *Controller) clearSnapshotLocked() pendingSnapshot {
	c.snapshotSeq++
	return pendingSnapshot{seq: c.snapshotSeq, clear: true}
}

// persist writes p unless a later capture was already written.
func (c *Controller) persist(ctx context.Context, p pendingSnapshot) {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	if p.seq <= c.persistedSeq {
		return
	}
	c.persistedSeq = p.seq

	if p.clear {
		if err := c.snapshots.Clear(ctx); err != nil {
			c.logger.Warn("snapshot clear failed", "error", err)
		}
		return
	}
	if err := c.snapshots.Save(ctx, p.snap); err != nil {
		telemetry.SnapshotFailures.Inc()
		c.logger.Warn("snapshot save failed", "error", err)
	}
}

func (c *Controller) commitLocked() {
	activeSince, running := c.timer.ActiveSince()
	c.committed.Store(&view{
		state:          c.state,
		runStart:       c.runStart,
		accumulated:    c.timer.Accumulated(),
		activeSince:    activeSince,
		running:        running,
		finalDuration:  c.finalDuration,
		distanceKm:     c.proc.DistanceKm(),
		calories:       c.energy.Total(),
		speedMps:       c.proc.LastSpeed(),
		points:         c.proc.Len(),
		locationDenied: c.locationDenied,
	})
}

func (c *Controller) publish() {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(c.Stats())
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
