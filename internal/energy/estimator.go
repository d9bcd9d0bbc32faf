// Package energy merges the external cumulative energy feed with a local
// distance-based estimate into one calorie figure that never decreases.
package energy

import "time"

const (
	DefaultBodyWeightKg    = 70.0
	DefaultCaloriesPerKgKm = 1.0
	DefaultFeedGap         = 15 * time.Second
)

type Estimator struct {
	bodyWeightKg    float64
	caloriesPerKgKm float64
	feedGap         time.Duration

	total         float64
	lastExternal  time.Time
	feedAvailable bool
}

func NewEstimator(bodyWeightKg, caloriesPerKgKm float64, feedGap time.Duration) *Estimator {
	if bodyWeightKg <= 0 {
		bodyWeightKg = DefaultBodyWeightKg
	}
	if caloriesPerKgKm <= 0 {
		caloriesPerKgKm = DefaultCaloriesPerKgKm
	}
	if feedGap <= 0 {
		feedGap = DefaultFeedGap
	}
	return &Estimator{
		bodyWeightKg:    bodyWeightKg,
		caloriesPerKgKm: caloriesPerKgKm,
		feedGap:         feedGap,
	}
}

// ApplyExternal takes a cumulative-since-run-start report. Stale or partial
// reports lower than the current total are ignored.
func (e *Estimator) ApplyExternal(kcal float64, now time.Time) {
	e.feedAvailable = true
	e.lastExternal = now
	if kcal > e.total {
		e.total = kcal
	}
}

// AddDistance adds the local estimate for a distance delta, unless the
// external feed reported recently. It returns the kcal added.
func (e *Estimator) AddDistance(deltaKm float64, now time.Time) float64 {
	if deltaKm <= 0 || e.feedFresh(now) {
		return 0
	}
	added := deltaKm * e.bodyWeightKg * e.caloriesPerKgKm
	e.total += added
	return added
}

// Reconcile applies the final whole-run external reading.
func (e *Estimator) Reconcile(kcal float64) {
	if kcal > e.total {
		e.total = kcal
	}
}

func (e *Estimator) MarkFeedUnavailable() {
	e.feedAvailable = false
}

// Reset zeroes the estimate for a new run. A non-positive weight keeps the current one.
func (e *Estimator) Reset(bodyWeightKg float64) {
	if bodyWeightKg > 0 {
		e.bodyWeightKg = bodyWeightKg
	}
	e.total = 0
	e.lastExternal = time.Time{}
	e.feedAvailable = false
}

func (e *Estimator) SetBodyWeight(kg float64) {
	if kg > 0 {
		e.bodyWeightKg = kg
	}
}

func (e *Estimator) Restore(total float64) {
	if total > e.total {
		e.total = total
	}
}

func (e *Estimator) Total() float64 {
	return e.total
}

func (e *Estimator) BodyWeightKg() float64 {
	return e.bodyWeightKg
}

func (e *Estimator) feedFresh(now time.Time) bool {
	return e.feedAvailable && now.Sub(e.lastExternal) <= e.feedGap
}
