package history

import (
	"context"

	"backend-runtracker/internal/health"
	"backend-runtracker/internal/location"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

type Service struct {
	health *health.Service
}

func NewService(h *health.Service) *Service {
	return &Service{health: h}
}

// Recent lists the athlete's latest runs, newest first.
func (s *Service) Recent(ctx context.Context, athleteID string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	workouts, err := s.health.ForAthlete(athleteID).QueryRecentWorkouts(ctx, health.ActivityRunning, limit)
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(workouts))
	for _, w := range workouts {
		runs = append(runs, runFromWorkout(w))
	}
	return runs, nil
}

func (s *Service) Route(ctx context.Context, athleteID, workoutID string) ([]location.Point, error) {
	return s.health.ForAthlete(athleteID).WorkoutRoute(ctx, workoutID)
}
