package tracking

import (
	"encoding/json"
	"log/slog"

	"backend-runtracker/internal/run"
	"backend-runtracker/internal/stream"
)

// hubPublisher sends live stats to the athlete's stream subscribers.
type hubPublisher struct {
	hub    *stream.Hub
	logger *slog.Logger
}

func (p hubPublisher) Publish(stats run.Stats) {
	payload, err := json.Marshal(stats)
	if err != nil {
		p.logger.Error("encode stats", "error", err)
		return
	}
	p.hub.Broadcast(stats.AthleteID, payload)
}
