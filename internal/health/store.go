package health

import (
	"context"
	"errors"
	"time"

	"backend-runtracker/internal/db"
	"backend-runtracker/internal/location"
	"backend-runtracker/internal/workout"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type Service struct {
	db  db.Querier
	now func() time.Time
}

func NewService(db db.Querier) *Service {
	return &Service{db: db, now: time.Now}
}

// ForAthlete scopes the health store to one athlete's data.
func (s *Service) ForAthlete(athleteID string) *Store {
	return &Store{db: s.db, athleteID: athleteID, now: s.now}
}

// Store is one athlete's view of the health data store.
type Store struct {
	db        db.Querier
	athleteID string
	now       func() time.Time
}

// RequestAuthorization reports whether every requested type has been granted.
// Grants are recorded by the device through Grant.
func (s *Store) RequestAuthorization(ctx context.Context, read, write []DataType) (bool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT data_type FROM health_grants
		WHERE athlete_id=$1 AND granted
	`, s.athleteID)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	granted := map[DataType]bool{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return false, err
		}
		granted[DataType(t)] = true
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	for _, list := range [][]DataType{read, write} {
		for _, t := range list {
			if !granted[t] {
				return false, nil
			}
		}
	}
	return true, nil
}

func (s *Store) Grant(ctx context.Context, types []DataType, granted bool) error {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO health_grants (athlete_id, data_type, granted, updated_at)
		SELECT $1, t, $3, $4 FROM unnest($2::text[]) AS t
		ON CONFLICT (athlete_id, data_type)
		DO UPDATE SET granted=EXCLUDED.granted, updated_at=EXCLUDED.updated_at
	`, s.athleteID, names, granted, s.now())
	if err != nil {
		return errors.Join(ErrStoreWrite, err)
	}
	return nil
}

func (s *Store) SaveWorkout(ctx context.Context, rec workout.Record) (string, error) {
	var allowed bool
	if err := s.db.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM health_grants WHERE athlete_id=$1 AND data_type=$2 AND granted)
	`, s.athleteID, string(TypeWorkout)).Scan(&allowed); err != nil {
		return "", errors.Join(ErrStoreWrite, err)
	}
	if !allowed {
		return "", ErrPermissionDenied
	}

	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `
		INSERT INTO workouts (id, athlete_id, activity_type, started_at, ended_at, duration_sec, energy_kcal, distance_m)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, id, s.athleteID, ActivityRunning, rec.StartedAt, rec.EndedAt, rec.Duration.Seconds(), rec.EnergyKcal, rec.DistanceMeters())
	if err != nil {
		return "", errors.Join(ErrStoreWrite, err)
	}
	return id, nil
}

func (s *Store) CreateRouteBuilder(ctx context.Context) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `
		INSERT INTO route_builders (id, athlete_id, created_at)
		VALUES ($1,$2,$3)
	`, id, s.athleteID, s.now())
	if err != nil {
		return "", errors.Join(ErrStoreWrite, err)
	}
	return id, nil
}

// InsertRoutePoints appends points to an open route builder in one statement.
func (s *Store) InsertRoutePoints(ctx context.Context, builderID string, points []location.Point) error {
	if len(points) == 0 {
		return nil
	}
	lats := make([]float64, len(points))
	lngs := make([]float64, len(points))
	times := make([]time.Time, len(points))
	speeds := make([]float64, len(points))
	for i, p := range points {
		lats[i], lngs[i], times[i], speeds[i] = p.Latitude, p.Longitude, p.Timestamp, p.SpeedMps
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO route_builder_points (builder_id, location, recorded_at, speed_mps)
		SELECT b.id, ST_SetSRID(ST_MakePoint(p.lng, p.lat), 4326)::geography, p.ts, p.speed
		FROM route_builders b,
		     unnest($3::float8[], $4::float8[], $5::timestamptz[], $6::float8[]) AS p(lat, lng, ts, speed)
		WHERE b.id=$1 AND b.athlete_id=$2 AND b.finished_at IS NULL
	`, builderID, s.athleteID, lats, lngs, times, speeds)
	if err != nil {
		return errors.Join(ErrStoreWrite, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRoute closes the builder and creates a route for the workout. An empty
// id means the builder was unknown or already finished.
func (s *Store) FinishRoute(ctx context.Context, builderID, workoutID string) (string, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE route_builders SET finished_at=$3
		WHERE id=$1 AND athlete_id=$2 AND finished_at IS NULL
	`, builderID, s.athleteID, s.now())
	if err != nil {
		return "", errors.Join(ErrStoreWrite, err)
	}
	if tag.RowsAffected() == 0 {
		return "", nil
	}

	routeID := uuid.NewString()
	_, err = s.db.Exec(ctx, `
		INSERT INTO workout_routes (id, builder_id, workout_id, created_at)
		VALUES ($1,$2,$3,$4)
	`, routeID, builderID, workoutID, s.now())
	if err != nil {
		return "", errors.Join(ErrStoreWrite, err)
	}
	return routeID, nil
}

func (s *Store) AttachRoute(ctx context.Context, routeID, workoutID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE workouts SET route_id=$2
		WHERE id=$1 AND athlete_id=$3
	`, workoutID, routeID, s.athleteID)
	if err != nil {
		return errors.Join(ErrStoreWrite, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SaveDistanceSample(ctx context.Context, meters float64, start, end time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO distance_samples (athlete_id, meters, started_at, ended_at)
		VALUES ($1,$2,$3,$4)
	`, s.athleteID, meters, start, end)
	if err != nil {
		return errors.Join(ErrStoreWrite, err)
	}
	return nil
}

func (s *Store) AddEnergySample(ctx context.Context, sample EnergySample) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO energy_samples (athlete_id, kcal, started_at, ended_at)
		VALUES ($1,$2,$3,$4)
	`, s.athleteID, sample.Kcal, sample.StartedAt, sample.EndedAt)
	if err != nil {
		return errors.Join(ErrStoreWrite, err)
	}
	return nil
}

func (s *Store) AddBodyWeight(ctx context.Context, w BodyWeight) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO body_weights (athlete_id, kg, measured_at)
		VALUES ($1,$2,$3)
	`, s.athleteID, w.Kg, w.MeasuredAt)
	if err != nil {
		return errors.Join(ErrStoreWrite, err)
	}
	return nil
}

// QueryCumulativeEnergy sums the active energy samples that lie within [from, to].
func (s *Store) QueryCumulativeEnergy(ctx context.Context, from, to time.Time) (float64, error) {
	var kcal float64
	err := s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(kcal),0) FROM energy_samples
		WHERE athlete_id=$1 AND started_at >= $2 AND ended_at <= $3
	`, s.athleteID, from, to).Scan(&kcal)
	if err != nil {
		return 0, err
	}
	return kcal, nil
}

// SubscribeCumulativeEnergy polls the energy total since from: once right away
// and then every interval. fn runs on the polling goroutine. The returned
// cancel func does not wait for that goroutine.
func (s *Store) SubscribeCumulativeEnergy(ctx context.Context, from time.Time, interval time.Duration, fn func(kcal float64, err error)) func() {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			kcal, err := s.QueryCumulativeEnergy(ctx, from, s.now())
			if ctx.Err() != nil {
				return
			}
			fn(kcal, err)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return cancel
}

// QueryLatestBodyWeight returns the most recent body mass sample, if any.
func (s *Store) QueryLatestBodyWeight(ctx context.Context) (float64, bool, error) {
	var kg float64
	err := s.db.QueryRow(ctx, `
		SELECT kg FROM body_weights
		WHERE athlete_id=$1
		ORDER BY measured_at DESC
		LIMIT 1
	`, s.athleteID).Scan(&kg)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return kg, true, nil
}

func (s *Store) QueryRecentWorkouts(ctx context.Context, activity string, limit int) ([]WorkoutSummary, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, activity_type, started_at, ended_at, duration_sec, energy_kcal, distance_m, COALESCE(route_id::text,'')
		FROM workouts
		WHERE athlete_id=$1 AND activity_type=$2
		ORDER BY started_at DESC
		LIMIT $3
	`, s.athleteID, activity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workouts := []WorkoutSummary{}
	for rows.Next() {
		var w WorkoutSummary
		if err := rows.Scan(&w.ID, &w.ActivityType, &w.StartedAt, &w.EndedAt, &w.DurationSec, &w.EnergyKcal, &w.DistanceM, &w.RouteID); err != nil {
			return nil, err
		}
		workouts = append(workouts, w)
	}
	return workouts, rows.Err()
}

// WorkoutRoute returns the points attached to a workout in recording order.
func (s *Store) WorkoutRoute(ctx context.Context, workoutID string) ([]location.Point, error) {
	rows, err := s.db.Query(ctx, `
		SELECT ST_Y(p.location::geometry), ST_X(p.location::geometry), p.recorded_at, COALESCE(p.speed_mps,0)
		FROM workouts w
		JOIN workout_routes r ON r.id = w.route_id
		JOIN route_builder_points p ON p.builder_id = r.builder_id
		WHERE w.id=$1 AND w.athlete_id=$2
		ORDER BY p.id
	`, workoutID, s.athleteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	points := []location.Point{}
	for rows.Next() {
		var p location.Point
		if err := rows.Scan(&p.Latitude, &p.Longitude, &p.Timestamp, &p.SpeedMps); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
