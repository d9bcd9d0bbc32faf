// Package snapshot mirrors an in-progress run to durable storage so that a
// relaunch mid-run can pick up where the killed process left off.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"backend-runtracker/internal/location"
)

type Snapshot struct {
	State            string           `json:"state"`
	RunStartedAt     time.Time        `json:"run_started_at"`
	SegmentStartedAt time.Time        `json:"segment_started_at"`
	AccumulatedSec   float64          `json:"accumulated_sec"`
	DistanceKm       float64          `json:"distance_km"`
	Calories         float64          `json:"calories"`
	Route            []location.Point `json:"route"`
	SavedAt          time.Time        `json:"saved_at"`
}

func (s Snapshot) IsEmpty() bool {
	return s.State == "" && len(s.Route) == 0 && s.DistanceKm == 0 && s.Calories == 0
}

func (s Snapshot) Accumulated() time.Duration {
	return time.Duration(s.AccumulatedSec * float64(time.Second))
}

type Store struct {
	kv  KeyValueStore
	key string
}

func NewStore(kv KeyValueStore, athleteID string) *Store {
	return &Store{kv: kv, key: Key(athleteID)}
}

func Key(athleteID string) string {
	return "run:" + athleteID + ":snapshot"
}

func (s *Store) Save(ctx context.Context, snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, payload); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// Restore reads the snapshot back. Missing, unreadable or corrupt values all
// yield ok=false; err reports why, for logging only.
func (s *Store) Restore(ctx context.Context) (Snapshot, bool, error) {
	payload, found, err := s.kv.Get(ctx, s.key)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("read snapshot: %w", err)
	}
	if !found {
		return Snapshot{}, false, nil
	}

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.IsEmpty() {
		return Snapshot{}, false, nil
	}
	return snap, true, nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Remove(ctx, s.key); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}
