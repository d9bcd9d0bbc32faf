package tracking

import (
	"backend-runtracker/internal/location"
	"backend-runtracker/internal/run"
	"backend-runtracker/internal/workout"
)

type FixesRequest struct {
	Fixes []location.Fix `json:"fixes"`
}

type FixesResponse struct {
	Received  int       `json:"received"`
	Delivered int       `json:"delivered"`
	Stats     run.Stats `json:"stats"`
}

type PermissionRequest struct {
	Granted bool `json:"granted"`
}

type StopResponse struct {
	Status      workout.Status `json:"status"`
	WorkoutID   string         `json:"workout_id,omitempty"`
	RouteID     string         `json:"route_id,omitempty"`
	RoutePoints int            `json:"route_points"`
	Error       string         `json:"error,omitempty"`
	Stats       run.Stats      `json:"stats"`
}
