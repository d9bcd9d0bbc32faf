package run

import "time"

type State int

const (
	Idle State = iota
	Running
	Paused
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Stopped:
		return "stopped"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	*s = ParseState(string(text))
	return nil
}

// ParseState maps unknown values to Idle.
func ParseState(v string) State {
	switch v {
	case "running":
		return Running
	case "paused":
		return Paused
	case "stopped":
		return Stopped
	default:
		return Idle
	}
}

// Active reports whether a run is in progress.
func (s State) Active() bool {
	return s == Running || s == Paused
}

// Stats is the committed view of a session, safe to read at any time.
type Stats struct {
	AthleteID      string    `json:"athlete_id"`
	State          State     `json:"state"`
	RunStartedAt   time.Time `json:"run_started_at"`
	ElapsedSec     float64   `json:"elapsed_sec"`
	DistanceKm     float64   `json:"distance_km"`
	Calories       float64   `json:"calories"`
	SpeedMps       float64   `json:"speed_mps"`
	AvgSpeedKmh    float64   `json:"avg_speed_kmh"`
	PaceMinPerKm   float64   `json:"pace_min_per_km"`
	RoutePoints    int       `json:"route_points"`
	LocationDenied bool      `json:"location_denied"`
}

func (s Stats) Elapsed() time.Duration {
	return time.Duration(s.ElapsedSec * float64(time.Second))
}

// view is what the controller publishes after every mutation.
type view struct {
	state          State
	runStart       time.Time
	accumulated    time.Duration
	activeSince    time.Time
	running        bool
	finalDuration  time.Duration
	distanceKm     float64
	calories       float64
	speedMps       float64
	points         int
	locationDenied bool
}

func (v *view) stats(athleteID string, now time.Time) Stats {
	elapsed := v.accumulated
	if v.running {
		if d := now.Sub(v.activeSince); d > 0 {
			elapsed += d
		}
	}
	if v.state == Stopped {
		elapsed = v.finalDuration
	}

	s := Stats{
		AthleteID:      athleteID,
		State:          v.state,
		RunStartedAt:   v.runStart,
		ElapsedSec:     elapsed.Seconds(),
		DistanceKm:     v.distanceKm,
		Calories:       v.calories,
		SpeedMps:       v.speedMps,
		RoutePoints:    v.points,
		LocationDenied: v.locationDenied,
	}
	if hours := elapsed.Hours(); hours > 0 {
		s.AvgSpeedKmh = v.distanceKm / hours
	}
	if v.distanceKm > 0 {
		s.PaceMinPerKm = elapsed.Minutes() / v.distanceKm
	}
	return s
}
