// Package workout hands finished runs to the health store. A workout is saved
// first and its route is finished and attached only afterwards.
package workout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"backend-runtracker/internal/location"
)

var (
	ErrNoRoute = errors.New("route builder returned no route")
	// ErrStaleRun means the recorder was reset while points were in flight.
	ErrStaleRun = errors.New("recorder reset during flush")
)

// Store is the subset of the health data store used for recording.
type Store interface {
	SaveWorkout(ctx context.Context, rec Record) (string, error)
	CreateRouteBuilder(ctx context.Context) (string, error)
	InsertRoutePoints(ctx context.Context, builderID string, points []location.Point) error
	FinishRoute(ctx context.Context, builderID, workoutID string) (string, error)
	AttachRoute(ctx context.Context, routeID, workoutID string) error
	SaveDistanceSample(ctx context.Context, meters float64, start, end time.Time) error
}

type Recorder struct {
	store  Store
	logger *slog.Logger

	// flushMu serializes route submission so periodic and final flushes never
	// send the same points twice.
	flushMu sync.Mutex

	mu        sync.Mutex
	gen       int
	builderID string
	buffer    []location.Point
	inserted  int
}

func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger}
}

// Append buffers route points until the next flush.
func (r *Recorder) Append(points ...location.Point) {
	r.mu.Lock()
	r.buffer = append(r.buffer, points...)
	r.mu.Unlock()
}

func (r *Recorder) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffer)
}

// Reset drops the buffer and the route builder for a new run.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.gen++
	r.builderID = ""
	r.buffer = nil
	r.inserted = 0
	r.mu.Unlock()
}

// RecordPartial hands points to the route builder, creating it on first use.
func (r *Recorder) RecordPartial(ctx context.Context, points []location.Point) error {
	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()
	return r.recordPartial(ctx, gen, points)
}

// recordPartial only touches builder and counters while gen is current; a
// Reset in between leaves the new run's state alone.
func (r *Recorder) recordPartial(ctx context.Context, gen int, points []location.Point) error {
	if len(points) == 0 {
		return nil
	}
	builderID, err := r.ensureBuilder(ctx, gen)
	if err != nil {
		return err
	}
	if err := r.store.InsertRoutePoints(ctx, builderID, points); err != nil {
		return fmt.Errorf("insert route points: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return ErrStaleRun
	}
	r.inserted += len(points)
	return nil
}

// Flush sends buffered points to the store. Points are only dropped from the
// buffer once the store accepted them; on failure they wait for the next flush.
func (r *Recorder) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	return r.flush(ctx)
}

func (r *Recorder) flush(ctx context.Context) error {
	r.mu.Lock()
	gen := r.gen
	pending := append([]location.Point(nil), r.buffer...)
	r.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	if err := r.recordPartial(ctx, gen, pending); err != nil {
		return err
	}

	r.mu.Lock()
	if r.gen == gen && len(r.buffer) >= len(pending) {
		r.buffer = append([]location.Point(nil), r.buffer[len(pending):]...)
	}
	r.mu.Unlock()
	return nil
}

// RecordFinal saves the workout, then finishes and attaches its route.
// A failed workout save aborts with StatusFailed. Failures after the workout
// exists yield StatusPartial and are not retried.
func (r *Recorder) RecordFinal(ctx context.Context, rec Record) Result {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	defer r.Reset()

	result := Result{Record: rec}

	workoutID, err := r.store.SaveWorkout(ctx, rec)
	if err != nil {
		result.Status = StatusFailed
		result.Err = fmt.Errorf("save workout: %w", err)
		r.logger.Error("workout save failed", "error", err)
		return result
	}
	result.WorkoutID = workoutID
	result.Status = StatusSaved

	if rec.DistanceKm > 0 {
		if err := r.store.SaveDistanceSample(ctx, rec.DistanceMeters(), rec.StartedAt, rec.EndedAt); err != nil {
			r.logger.Warn("distance sample save failed", "workout_id", workoutID, "error", err)
		}
	}

	if err := r.flush(ctx); err != nil {
		r.logger.Warn("final route points not saved", "workout_id", workoutID, "error", err)
		result.Status = StatusPartial
		result.Err = err
	}

	r.mu.Lock()
	builderID, inserted := r.builderID, r.inserted
	r.mu.Unlock()
	if inserted == 0 {
		return result
	}

	routeID, err := r.store.FinishRoute(ctx, builderID, workoutID)
	if err != nil {
		r.logger.Warn("route finish failed", "workout_id", workoutID, "error", err)
		result.Status = StatusPartial
		result.Err = fmt.Errorf("finish route: %w", err)
		return result
	}
	if routeID == "" {
		result.Status = StatusPartial
		result.Err = ErrNoRoute
		return result
	}

	if err := r.store.AttachRoute(ctx, routeID, workoutID); err != nil {
		r.logger.Warn("route attach failed", "workout_id", workoutID, "route_id", routeID, "error", err)
		result.Status = StatusPartial
		result.Err = fmt.Errorf("attach route: %w", err)
		return result
	}
	result.RouteID = routeID
	result.RoutePoints = inserted
	return result
}

func (r *Recorder) ensureBuilder(ctx context.Context, gen int) (string, error) {
	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		return "", ErrStaleRun
	}
	id := r.builderID
	r.mu.Unlock()
	if id != "" {
		return id, nil
	}

	id, err := r.store.CreateRouteBuilder(ctx)
	if err != nil {
		return "", fmt.Errorf("create route builder: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		return "", ErrStaleRun
	}
	if r.builderID == "" {
		r.builderID = id
	}
	return r.builderID, nil
}
