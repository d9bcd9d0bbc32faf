package health

import (
	"errors"
	"time"
)

var (
	ErrPermissionDenied = errors.New("health data permission denied")
	ErrStoreWrite       = errors.New("health store write failed")
	ErrNotFound         = errors.New("not found")
)

type DataType string

const (
	TypeWorkout      DataType = "workout"
	TypeActiveEnergy DataType = "active_energy"
	TypeDistance     DataType = "distance_walking_running"
	TypeWorkoutRoute DataType = "workout_route"
	TypeBodyMass     DataType = "body_mass"
)

// Types a run session needs to write and read.
var (
	RunWriteTypes = []DataType{TypeWorkout, TypeActiveEnergy, TypeDistance, TypeWorkoutRoute}
	RunReadTypes  = []DataType{TypeBodyMass, TypeActiveEnergy, TypeDistance}
)

const ActivityRunning = "running"

type WorkoutSummary struct {
	ID           string    `json:"id"`
	ActivityType string    `json:"activity_type"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	DurationSec  float64   `json:"duration_sec"`
	EnergyKcal   float64   `json:"energy_kcal"`
	DistanceM    float64   `json:"distance_m"`
	RouteID      string    `json:"route_id,omitempty"`
}

type EnergySample struct {
	Kcal      float64   `json:"kcal"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

type BodyWeight struct {
	Kg         float64   `json:"kg"`
	MeasuredAt time.Time `json:"measured_at"`
}
