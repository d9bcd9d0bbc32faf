package location

import "time"

// Fix is a single position reported by the device. A negative SpeedMps means
// the device had no valid speed reading.
type Fix struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	SpeedMps  float64   `json:"speed_mps"`
}

type Point struct {
	Latitude  float64   `json:"lat"`
	Longitude float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
	SpeedMps  float64   `json:"speed_mps"`
}

type Reason string

const (
	ReasonNone      Reason = ""
	ReasonStale     Reason = "stale"
	ReasonDuplicate Reason = "duplicate"
)

type Outcome struct {
	Accepted bool
	DeltaKm  float64
	Point    Point
	Reason   Reason
}
