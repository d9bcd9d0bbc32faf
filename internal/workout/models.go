package workout

import (
	"time"

	"backend-runtracker/internal/location"
)

// Record is the final summary of a completed run. Build it with NewRecord;
// the route is copied so later changes to the caller's slice do not leak in.
type Record struct {
	StartedAt  time.Time        `json:"started_at"`
	EndedAt    time.Time        `json:"ended_at"`
	Duration   time.Duration    `json:"duration"`
	DistanceKm float64          `json:"distance_km"`
	EnergyKcal float64          `json:"energy_kcal"`
	Route      []location.Point `json:"-"`
}

func NewRecord(start, end time.Time, duration time.Duration, distanceKm, energyKcal float64, route []location.Point) Record {
	return Record{
		StartedAt:  start,
		EndedAt:    end,
		Duration:   duration,
		DistanceKm: distanceKm,
		EnergyKcal: energyKcal,
		Route:      append([]location.Point(nil), route...),
	}
}

func (r Record) DistanceMeters() float64 {
	return r.DistanceKm * 1000
}

type Status string

const (
	StatusSaved   Status = "saved"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

type Result struct {
	Status      Status `json:"status"`
	WorkoutID   string `json:"workout_id,omitempty"`
	RouteID     string `json:"route_id,omitempty"`
	RoutePoints int    `json:"route_points"`
	Record      Record `json:"record"`
	Err         error  `json:"-"`
}

// ErrorMessage is the error text for API responses.
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
