package location

import (
	"backend-runtracker/internal/shared/geo"
)

// Processor accumulates distance and the route from a stream of fixes.
// Callers serialize access and only feed fixes while a run is active.
type Processor struct {
	distanceKm float64
	route      []Point
	anchor     *Fix
}

func (p *Processor) Ingest(fix Fix) Outcome {
	if n := len(p.route); n > 0 {
		last := p.route[n-1].Timestamp
		if fix.Timestamp.Before(last) {
			return Outcome{Reason: ReasonStale}
		}
		if fix.Timestamp.Equal(last) {
			return Outcome{Reason: ReasonDuplicate}
		}
	}

	delta := 0.0
	if p.anchor != nil {
		delta = geo.HaversineKm(p.anchor.Latitude, p.anchor.Longitude, fix.Latitude, fix.Longitude)
		p.distanceKm += delta
	}
	anchor := fix
	p.anchor = &anchor

	point := Point{
		Latitude:  fix.Latitude,
		Longitude: fix.Longitude,
		Timestamp: fix.Timestamp,
		SpeedMps:  speedOf(fix),
	}
	p.route = append(p.route, point)
	return Outcome{Accepted: true, DeltaKm: delta, Point: point}
}

// ResetAnchor makes the next fix a zero-distance segment start.
func (p *Processor) ResetAnchor() {
	p.anchor = nil
}

func (p *Processor) Reset() {
	p.distanceKm = 0
	p.route = nil
	p.anchor = nil
}

// Restore replays persisted progress. The anchor is left empty so the first
// live fix after a relaunch does not count the gap.
func (p *Processor) Restore(route []Point, distanceKm float64) {
	p.route = append([]Point(nil), route...)
	p.distanceKm = distanceKm
	p.anchor = nil
}

func (p *Processor) DistanceKm() float64 {
	return p.distanceKm
}

func (p *Processor) Route() []Point {
	return append([]Point(nil), p.route...)
}

func (p *Processor) Len() int {
	return len(p.route)
}

func (p *Processor) LastSpeed() float64 {
	if len(p.route) == 0 {
		return 0
	}
	return p.route[len(p.route)-1].SpeedMps
}

func speedOf(fix Fix) float64 {
	if fix.SpeedMps < 0 {
		return 0
	}
	return fix.SpeedMps
}
