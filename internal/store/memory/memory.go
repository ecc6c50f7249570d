package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jkaberg/saic-fleet/internal/store"
)

// Store keeps everything in process memory. It backs the dry-run mode and
// the tests of every component that talks to the persistence contract.
type Store struct {
	mu        sync.RWMutex
	vehicles  map[string]time.Time
	status    map[string]map[string]any
	telemetry []store.TelemetryRecord
	commands  []store.CommandRecord
}

var _ store.Store = (*Store)(nil)
var _ store.TripDeriver = (*Store)(nil)

func New() *Store {
	return &Store{
		vehicles: make(map[string]time.Time),
		status:   make(map[string]map[string]any),
	}
}

func (s *Store) UpsertVehicle(_ context.Context, vin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vehicles[vin] = time.Now().UTC()
	return nil
}

// UpsertVehicleStatus merges fields into the stored row, mirroring the
// column-wise upsert of the SQL backends.
func (s *Store) UpsertVehicleStatus(_ context.Context, vin string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.status[vin]
	if !ok {
		row = make(map[string]any, len(fields))
		s.status[vin] = row
	}
	for k, v := range fields {
		row[k] = v
	}
	return nil
}

func (s *Store) AppendTelemetry(_ context.Context, rec store.TelemetryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.telemetry = append(s.telemetry, rec)
	return nil
}

func (s *Store) InsertCommand(_ context.Context, rec store.CommandRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.ID = int64(len(s.commands) + 1)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.commands = append(s.commands, rec)
	return rec.ID, nil
}

func (s *Store) UpdateCommand(_ context.Context, id int64, status store.CommandStatus, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id < 1 || int(id) > len(s.commands) {
		return fmt.Errorf("command %d not found", id)
	}
	rec := &s.commands[id-1]
	rec.Status = status
	rec.Error = errMsg
	rec.CompletedAt = &completedAt
	return nil
}

// TelemetryVINsSince lists the vehicles with telemetry rows at or after since.
func (s *Store) TelemetryVINsSince(_ context.Context, since time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range s.telemetry {
		if !rec.Timestamp.Before(since) {
			seen[rec.VIN] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for vin := range seen {
		out = append(out, vin)
	}
	sort.Strings(out)
	return out, nil
}

// DeriveTrips is a no-op; trip segmentation lives in the database.
func (s *Store) DeriveTrips(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

func (s *Store) Close() error { return nil }

// Vehicles returns the registered VINs, sorted.
func (s *Store) Vehicles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.vehicles))
	for vin := range s.vehicles {
		out = append(out, vin)
	}
	sort.Strings(out)
	return out
}

// Status returns a copy of the stored status row for vin.
func (s *Store) Status(vin string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.status[vin]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out, true
}

// Telemetry returns a copy of all appended telemetry rows.
func (s *Store) Telemetry() []store.TelemetryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.TelemetryRecord, len(s.telemetry))
	copy(out, s.telemetry)
	return out
}

// Commands returns a copy of the command audit trail in insertion order.
func (s *Store) Commands() []store.CommandRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.CommandRecord, len(s.commands))
	copy(out, s.commands)
	return out
}
