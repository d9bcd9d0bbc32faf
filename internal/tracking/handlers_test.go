package tracking

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"backend-runtracker/internal/health"
	"backend-runtracker/internal/location"
	"backend-runtracker/internal/run"
	"backend-runtracker/internal/snapshot"
	"backend-runtracker/internal/stream"
	"backend-runtracker/internal/workout"

	"github.com/gofiber/fiber/v2"
)

type fakeHealth struct {
	mu         sync.Mutex
	saveErr    error
	workouts   int
	points     int
	denied     bool
	energy     float64
	subscribes int
	finalReads int
}

func (f *fakeHealth) RequestAuthorization(context.Context, []health.DataType, []health.DataType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.denied, nil
}

func (f *fakeHealth) QueryLatestBodyWeight(context.Context) (float64, bool, error) {
	return 0, false, nil
}

func (f *fakeHealth) QueryCumulativeEnergy(context.Context, time.Time, time.Time) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalReads++
	return f.energy, nil
}

func (f *fakeHealth) SubscribeCumulativeEnergy(context.Context, time.Time, time.Duration, func(float64, error)) func() {
	f.mu.Lock()
	f.subscribes++
	f.mu.Unlock()
	return func() {}
}

func (f *fakeHealth) SaveWorkout(context.Context, workout.Record) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return "", f.saveErr
	}
	f.workouts++
	return "workout-1", nil
}

func (f *fakeHealth) CreateRouteBuilder(context.Context) (string, error) {
	return "builder-1", nil
}

func (f *fakeHealth) InsertRoutePoints(_ context.Context, _ string, points []location.Point) error {
	f.mu.Lock()
	f.points += len(points)
	f.mu.Unlock()
	return nil
}

func (f *fakeHealth) FinishRoute(context.Context, string, string) (string, error) {
	return "route-1", nil
}

func (f *fakeHealth) AttachRoute(context.Context, string, string) error {
	return nil
}

func (f *fakeHealth) SaveDistanceSample(context.Context, float64, time.Time, time.Time) error {
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var t0 = time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC)

type testEnv struct {
	app    *fiber.App
	reg    *Registry
	health *fakeHealth
	clock  *clock
	kv     *snapshot.MemoryStore
}

func newTestEnv(t *testing.T, settings Settings) *testEnv {
	t.Helper()
	env := &testEnv{
		health: &fakeHealth{},
		clock:  &clock{now: t0},
		kv:     snapshot.NewMemoryStore(),
	}
	env.reg = NewRegistry(RegistryConfig{
		Health:   func(string) HealthStore { return env.health },
		KV:       env.kv,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:    env.clock.Now,
		Settings: settings,
	})
	t.Cleanup(env.reg.Close)

	env.app = fiber.New()
	RegisterRoutes(env.app.Group("/runs"), env.reg, func(c *fiber.Ctx) error {
		if id := c.Get("X-Athlete"); id != "" {
			c.Locals("athlete_id", id)
		}
		return c.Next()
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Athlete", "athlete-1")
	resp, err := e.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return v
}

func fix(lat float64, offset time.Duration) location.Fix {
	return location.Fix{Latitude: lat, Longitude: 0, Timestamp: t0.Add(offset), SpeedMps: 3}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, Settings{})

	resp := env.do(t, http.MethodPost, "/runs/start", nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d", resp.StatusCode)
	}
	if stats := decode[run.Stats](t, resp); stats.State != run.Running {
		t.Fatalf("expected running, got %v", stats.State)
	}

	resp = env.do(t, http.MethodPost, "/runs/fixes", FixesRequest{Fixes: []location.Fix{fix(0, 0), fix(0.001, 10*time.Second)}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fixes status %d", resp.StatusCode)
	}
	fixes := decode[FixesResponse](t, resp)
	if fixes.Delivered != 2 || fixes.Stats.RoutePoints != 2 {
		t.Fatalf("unexpected fixes response %+v", fixes)
	}

	env.clock.Advance(20 * time.Second)
	if resp := env.do(t, http.MethodPost, "/runs/pause", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status %d", resp.StatusCode)
	}
	resp = env.do(t, http.MethodPost, "/runs/fixes", FixesRequest{Fixes: []location.Fix{fix(0.002, 30*time.Second)}})
	if got := decode[FixesResponse](t, resp); got.Delivered != 0 {
		t.Fatalf("expected fixes to be dropped while paused, got %+v", got)
	}

	if resp := env.do(t, http.MethodPost, "/runs/resume", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status %d", resp.StatusCode)
	}

	resp = env.do(t, http.MethodGet, "/runs/route", nil)
	if route := decode[[]location.Point](t, resp); len(route) != 2 {
		t.Fatalf("expected 2 route points, got %d", len(route))
	}

	resp = env.do(t, http.MethodPost, "/runs/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status %d", resp.StatusCode)
	}
	stop := decode[StopResponse](t, resp)
	if stop.Status != workout.StatusSaved || stop.RoutePoints != 2 || stop.WorkoutID != "workout-1" {
		t.Fatalf("unexpected stop response %+v", stop)
	}
	if stop.Stats.State != run.Stopped || stop.Stats.ElapsedSec != 20 {
		t.Fatalf("unexpected final stats %+v", stop.Stats)
	}
	if env.health.workouts != 1 || env.health.points != 2 {
		t.Fatalf("expected 1 workout with 2 points, got %d/%d", env.health.workouts, env.health.points)
	}
}

func TestStopFailureStatus(t *testing.T) {
	env := newTestEnv(t, Settings{})
	env.health.saveErr = health.ErrPermissionDenied

	env.do(t, http.MethodPost, "/runs/start", nil)
	resp := env.do(t, http.MethodPost, "/runs/stop", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if got := decode[StopResponse](t, resp); got.Status != workout.StatusFailed || got.Error == "" {
		t.Fatalf("unexpected stop response %+v", got)
	}
}

func TestStopWithoutRunIsSkipped(t *testing.T) {
	env := newTestEnv(t, Settings{})

	resp := env.do(t, http.MethodPost, "/runs/stop", nil)
	if got := decode[StopResponse](t, resp); got.Status != workout.StatusSkipped {
		t.Fatalf("expected skipped, got %+v", got)
	}
}

func TestFixesValidationAndRateLimit(t *testing.T) {
	env := newTestEnv(t, Settings{FixesPerSecond: 1, FixBurst: 3})
	env.do(t, http.MethodPost, "/runs/start", nil)

	if resp := env.do(t, http.MethodPost, "/runs/fixes", FixesRequest{}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected bad request, got %d", resp.StatusCode)
	}

	batch := FixesRequest{Fixes: []location.Fix{fix(0, 0), fix(0.001, time.Second)}}
	if resp := env.do(t, http.MethodPost, "/runs/fixes", batch); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected first batch to pass, got %d", resp.StatusCode)
	}
	batch = FixesRequest{Fixes: []location.Fix{fix(0.002, 2*time.Second), fix(0.003, 3*time.Second)}}
	if resp := env.do(t, http.MethodPost, "/runs/fixes", batch); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.StatusCode)
	}

	env.clock.Advance(2 * time.Second)
	if resp := env.do(t, http.MethodPost, "/runs/fixes", batch); resp.StatusCode != http.StatusOK {
		t.Fatalf("expected batch after refill to pass, got %d", resp.StatusCode)
	}
}

func TestLocationPermissionDenied(t *testing.T) {
	env := newTestEnv(t, Settings{})

	resp := env.do(t, http.MethodPost, "/runs/location/permission", PermissionRequest{Granted: false})
	if got := decode[map[string]bool](t, resp); got["granted"] {
		t.Fatalf("expected permission revoked")
	}

	resp = env.do(t, http.MethodPost, "/runs/start", nil)
	if stats := decode[run.Stats](t, resp); !stats.LocationDenied || stats.State != run.Running {
		t.Fatalf("expected time-only run, got %+v", stats)
	}
}

func TestRequiresAthlete(t *testing.T) {
	env := newTestEnv(t, Settings{})

	req := httptest.NewRequest(http.MethodGet, "/runs/current", nil)
	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", resp.StatusCode)
	}
}

func TestRegistryRestoresInterruptedRun(t *testing.T) {
	env := newTestEnv(t, Settings{})
	route := []location.Point{
		{Latitude: 0, Longitude: 0, Timestamp: t0},
		{Latitude: 0.010792, Longitude: 0, Timestamp: t0.Add(time.Minute)},
	}
	err := snapshot.NewStore(env.kv, "athlete-1").Save(context.Background(), snapshot.Snapshot{
		State:            "running",
		RunStartedAt:     t0,
		SegmentStartedAt: t0,
		DistanceKm:       1.2,
		Calories:         84,
		Route:            route,
		SavedAt:          t0.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
	env.clock.Advance(2 * time.Minute)

	resp := env.do(t, http.MethodGet, "/runs/current", nil)
	stats := decode[run.Stats](t, resp)
	if stats.State != run.Running || stats.DistanceKm != 1.2 || stats.RoutePoints != 2 {
		t.Fatalf("unexpected restored stats %+v", stats)
	}
	if stats.ElapsedSec != 120 {
		t.Fatalf("expected 120s elapsed, got %v", stats.ElapsedSec)
	}
	if env.reg.Len() != 1 {
		t.Fatalf("expected one controller, got %d", env.reg.Len())
	}
}

func TestRegistryClose(t *testing.T) {
	env := newTestEnv(t, Settings{})
	env.reg.Controller(context.Background(), "athlete-1")
	env.reg.Controller(context.Background(), "athlete-2")
	if env.reg.Len() != 2 {
		t.Fatalf("expected two controllers")
	}
	env.reg.Close()
	if env.reg.Len() != 0 {
		t.Fatalf("expected registry to be empty after close")
	}
}

func TestHubPublisher(t *testing.T) {
	hub := stream.NewHub(nil, nil)
	defer hub.Close()
	client := hub.Register("athlete-1")
	defer hub.Unregister(client)

	hubPublisher{hub: hub, logger: slog.Default()}.Publish(run.Stats{AthleteID: "athlete-1", State: run.Paused, DistanceKm: 2})

	select {
	case msg := <-client.Send:
		var got map[string]any
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got["state"] != "paused" || got["distance_km"] != 2.0 {
			t.Fatalf("unexpected payload %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for stats")
	}
}

var _ HealthStore = (*fakeHealth)(nil)

func TestHealthGrantAfterFirstRequest(t *testing.T) {
	env := newTestEnv(t, Settings{})
	env.health.denied = true

	if resp := env.do(t, http.MethodGet, "/runs/current", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("current status %d", resp.StatusCode)
	}

	env.health.mu.Lock()
	env.health.denied = false
	env.health.energy = 42
	env.health.mu.Unlock()

	if resp := env.do(t, http.MethodPost, "/runs/start", nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status %d", resp.StatusCode)
	}
	env.clock.Advance(time.Minute)
	resp := env.do(t, http.MethodPost, "/runs/stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status %d", resp.StatusCode)
	}
	stop := decode[StopResponse](t, resp)

	env.health.mu.Lock()
	subscribes, finalReads := env.health.subscribes, env.health.finalReads
	env.health.mu.Unlock()
	if subscribes != 1 {
		t.Fatalf("expected the energy feed to start with the run, got %d subscriptions", subscribes)
	}
	if finalReads != 1 {
		t.Fatalf("expected one final energy read, got %d", finalReads)
	}
	if stop.Stats.Calories != 42 {
		t.Fatalf("expected reconciled 42 kcal, got %v", stop.Stats.Calories)
	}
}

// gatedHealth blocks authorization until release is closed.
type gatedHealth struct {
	*fakeHealth
	entered chan struct{}
	release chan struct{}
}

func (g *gatedHealth) RequestAuthorization(ctx context.Context, read, write []health.DataType) (bool, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.fakeHealth.RequestAuthorization(ctx, read, write)
}

func TestRegistryDoesNotSerializeAthletes(t *testing.T) {
	slow := &gatedHealth{
		fakeHealth: &fakeHealth{},
		entered:    make(chan struct{}, 1),
		release:    make(chan struct{}),
	}
	fast := &fakeHealth{}
	reg := NewRegistry(RegistryConfig{
		Health: func(athleteID string) HealthStore {
			if athleteID == "slow" {
				return slow
			}
			return fast
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	t.Cleanup(reg.Close)

	slowDone := make(chan *run.Controller, 2)
	for i := 0; i < 2; i++ {
		go func() { slowDone <- reg.Controller(context.Background(), "slow") }()
	}
	select {
	case <-slow.entered:
	case <-time.After(time.Second):
		t.Fatal("slow athlete never reached authorization")
	}

	fastDone := make(chan struct{})
	go func() {
		reg.Controller(context.Background(), "fast")
		close(fastDone)
	}()
	select {
	case <-fastDone:
	case <-time.After(time.Second):
		close(slow.release)
		t.Fatal("fast athlete waited on another athlete's health store")
	}

	close(slow.release)
	first, second := <-slowDone, <-slowDone
	if first != second {
		t.Fatal("concurrent first requests must share one controller")
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", reg.Len())
	}
}
