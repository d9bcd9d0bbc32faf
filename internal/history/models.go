package history

import (
	"fmt"
	"math"
	"time"

	"backend-runtracker/internal/health"
)

// Run is one finished workout as shown in the run history.
type Run struct {
	ID           string    `json:"id"`
	Date         time.Time `json:"date"`
	DistanceKm   float64   `json:"distance_km"`
	Calories     float64   `json:"calories"`
	DurationSec  float64   `json:"duration_sec"`
	PaceMinPerKm float64   `json:"pace_min_per_km"`
	Duration     string    `json:"duration"`
	Pace         string    `json:"pace"`
	HasRoute     bool      `json:"has_route"`
}

func runFromWorkout(w health.WorkoutSummary) Run {
	r := Run{
		ID:          w.ID,
		Date:        w.StartedAt,
		DistanceKm:  w.DistanceM / 1000,
		Calories:    w.EnergyKcal,
		DurationSec: w.DurationSec,
		HasRoute:    w.RouteID != "",
	}
	if r.DistanceKm > 0 {
		r.PaceMinPerKm = r.DurationSec / 60 / r.DistanceKm
	}
	r.Duration = formatDuration(r.DurationSec)
	r.Pace = formatPace(r.PaceMinPerKm)
	return r
}

func formatDuration(sec float64) string {
	total := int(sec)
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total%3600/60, total%60)
}

func formatPace(minPerKm float64) string {
	if math.IsInf(minPerKm, 0) || math.IsNaN(minPerKm) || minPerKm <= 0 {
		return "00:00 /km"
	}
	minutes := int(minPerKm)
	seconds := int((minPerKm - float64(minutes)) * 60)
	return fmt.Sprintf("%02d:%02d /km", minutes, seconds)
}
