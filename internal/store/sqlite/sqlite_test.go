package sqlite

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jkaberg/saic-fleet/internal/store"
)

// openTestStore returns a store on a private in-memory database with the
// production PRAGMAs and schema.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		name,
	)
	s, err := openDSN(context.Background(), dsn)
	if err != nil {
		t.Fatalf("openDSN: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := migrate(context.Background(), s.db); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations;`).Scan(&n); err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("schema_migrations rows = %d, want 1", n)
	}
}

func TestUpsertVehicleStatusMerges(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertVehicleStatus(ctx, "VIN1", map[string]any{"soc": 50.0, "doors_locked": true}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertVehicleStatus(ctx, "VIN1", map[string]any{"soc": 55.0, "charging_state": "Charging"}); err != nil {
		t.Fatal(err)
	}

	got, err := s.VehicleStatus(ctx, "VIN1")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{"soc": 55.0, "doors_locked": true, "charging_state": "Charging"}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestAppendTelemetry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	soc := 64.0
	rec := store.TelemetryRecord{
		VIN:           "VIN1",
		Timestamp:     time.Now(),
		EventType:     "charge",
		SOC:           &soc,
		ChargingState: "Plugged",
		RawPayload:    map[string]any{"soc": soc},
	}
	if err := s.AppendTelemetry(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if n, err := s.TelemetryCount(ctx, "VIN1"); err != nil || n != 1 {
		t.Errorf("count = %d, err = %v", n, err)
	}
}

func TestCommandAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.InsertCommand(ctx, store.CommandRecord{
		VIN:     "VIN1",
		Type:    "charge",
		Payload: map[string]any{"action": "setTarget", "targetSoc": 80},
		Status:  store.CommandPending,
	})
	if err != nil {
		t.Fatal(err)
	}

	done := time.Now()
	if err := s.UpdateCommand(ctx, id, store.CommandFailed, "broker unavailable", done); err != nil {
		t.Fatal(err)
	}

	rec, err := s.Command(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != store.CommandFailed || rec.Error != "broker unavailable" {
		t.Errorf("record = %+v", rec)
	}
	if rec.CompletedAt == nil || rec.CompletedAt.UnixMilli() != done.UnixMilli() {
		t.Errorf("completed_at = %v", rec.CompletedAt)
	}
	if rec.Payload["targetSoc"] != 80.0 {
		t.Errorf("payload = %v", rec.Payload)
	}

	if err := s.UpdateCommand(ctx, id+100, store.CommandSent, "", done); err == nil {
		t.Error("expected error updating missing command")
	}
}
