package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/jkaberg/saic-fleet/internal/store/memory"
)

const testVIN = "LSJA1234567890123"

func topic(path string) string {
	return "saic/user@example.com/vehicles/" + testVIN + "/" + path
}

func newTestCache(t *testing.T) (*Cache, *memory.Store, *test.Hook, *time.Time) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	st := memory.New()
	c := NewCache(st, logger)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	return c, st, hook, &now
}

func TestApplyMessageFieldTransforms(t *testing.T) {
	c, st, _, _ := newTestCache(t)
	ctx := context.Background()

	msgs := []struct {
		path, payload string
	}{
		{"drivetrain/soc", "80"},
		{"drivetrain/power", "7400"},
		{"drivetrain/chargerConnected", "TRUE"},
		{"drivetrain/running", "0"},
		{"doors/bonnet", "false"},
		{"climate/remoteClimateState", "on"},
		{"location/latitude", `{"value": 59.91}`},
		{"drivetrain/range", " 312 \n"},
	}
	for _, m := range msgs {
		c.ApplyMessage(ctx, topic(m.path), []byte(m.payload))
	}

	snap, ok := c.Snapshot(testVIN)
	if !ok {
		t.Fatalf("snapshot for %s missing", testVIN)
	}

	want := map[string]any{
		"soc":                     80.0,
		"soc_precise":             80.0,
		"charge_power_kw":         7.4,
		"charging_plug_connected": true,
		"ignition":                false,
		"engine_running":          false,
		"bonnet_closed":           true,
		"hvac_state":              "on",
		"lat":                     59.91,
		"range_km":                312.0,
	}
	for k, v := range want {
		if got := snap.Fields[k]; got != v {
			t.Errorf("field %s = %v (%T), want %v", k, got, got, v)
		}
	}

	if got := st.Vehicles(); len(got) != 1 || got[0] != testVIN {
		t.Errorf("registered vehicles = %v, want [%s]", got, testVIN)
	}
}

func TestApplyMessageDropsInvalid(t *testing.T) {
	c, _, hook, _ := newTestCache(t)
	ctx := context.Background()

	c.ApplyMessage(ctx, "garbage/topic", []byte("1"))
	c.ApplyMessage(ctx, topic("drivetrain/soc"), []byte("not-a-number"))
	c.ApplyMessage(ctx, topic("drivetrain/chargerConnected"), []byte("maybe"))
	c.ApplyMessage(ctx, topic("drivetrain/soc"), []byte{0xff, 0xfe})

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
		}
	}
	if warnings != 4 {
		t.Errorf("expected 4 warnings, got %d", warnings)
	}

	snap, ok := c.Snapshot(testVIN)
	if !ok {
		t.Fatal("vehicle should exist after a resolvable message")
	}
	if len(snap.Fields) != 0 {
		t.Errorf("expected no fields, got %v", snap.Fields)
	}
	if !snap.LastUpdate.IsZero() {
		t.Errorf("last update moved on a dropped message: %v", snap.LastUpdate)
	}
}

func TestApplyMessageIgnoresUnknownPath(t *testing.T) {
	c, st, _, _ := newTestCache(t)
	c.ApplyMessage(context.Background(), topic("drivetrain/somethingNew"), []byte("1"))

	if c.Len() != 0 {
		t.Errorf("unknown path created a snapshot")
	}
	if len(st.Vehicles()) != 0 {
		t.Errorf("unknown path registered a vehicle")
	}
}

func TestLegacyTopicShape(t *testing.T) {
	c, _, _, _ := newTestCache(t)
	c.ApplyMessage(context.Background(), "mg/"+testVIN+"/drivetrain/soc", []byte("55"))

	snap, ok := c.Snapshot(testVIN)
	if !ok || snap.Fields["soc"] != 55.0 {
		t.Fatalf("legacy topic not applied: %+v", snap)
	}
}

func TestPrevSOCTracksChanges(t *testing.T) {
	c, _, _, _ := newTestCache(t)
	ctx := context.Background()

	c.ApplyMessage(ctx, topic("drivetrain/soc"), []byte("50"))
	snap, _ := c.Snapshot(testVIN)
	if snap.PrevSOC != nil {
		t.Fatalf("prev soc set on first value: %v", *snap.PrevSOC)
	}

	c.ApplyMessage(ctx, topic("drivetrain/soc"), []byte("50"))
	snap, _ = c.Snapshot(testVIN)
	if snap.PrevSOC != nil {
		t.Fatalf("prev soc set on unchanged value")
	}

	c.ApplyMessage(ctx, topic("drivetrain/soc"), []byte("51"))
	snap, _ = c.Snapshot(testVIN)
	if snap.PrevSOC == nil || *snap.PrevSOC != 50 {
		t.Fatalf("prev soc = %v, want 50", snap.PrevSOC)
	}
}

func TestCollectStalenessAndEmpty(t *testing.T) {
	c, _, _, now := newTestCache(t)
	ctx := context.Background()

	c.ApplyMessage(ctx, topic("drivetrain/soc"), []byte("70"))
	// Registered but never populated.
	c.ApplyMessage(ctx, "saic/u/vehicles/EMPTYVIN/drivetrain/soc", []byte("x"))

	batches := c.Collect(now.Add(59*time.Second), time.Minute)
	if len(batches) != 1 || batches[0].VIN != testVIN {
		t.Fatalf("expected one batch for %s, got %+v", testVIN, batches)
	}
	b := batches[0]
	if b.Fields[FieldChargingState] != string(Disconnected) {
		t.Errorf("charging_state = %v", b.Fields[FieldChargingState])
	}
	if _, ok := b.Fields[FieldLastMessageTS]; !ok {
		t.Errorf("last_message_ts missing")
	}

	if got := c.Collect(now.Add(time.Minute), time.Minute); len(got) != 0 {
		t.Errorf("stale vehicle collected: %+v", got)
	}
}

func TestCollectReturnsCopies(t *testing.T) {
	c, _, _, now := newTestCache(t)
	c.ApplyMessage(context.Background(), topic("drivetrain/soc"), []byte("70"))

	b := c.Collect(*now, time.Minute)[0]
	b.Fields["soc"] = 1.0

	snap, _ := c.Snapshot(testVIN)
	if snap.Fields["soc"] != 70.0 {
		t.Errorf("batch mutation leaked into cache: %v", snap.Fields["soc"])
	}
	if _, ok := snap.Fields[FieldChargingState]; ok {
		t.Errorf("derived state leaked into the snapshot")
	}
}

func TestCollectLogsChargingMismatch(t *testing.T) {
	c, _, hook, now := newTestCache(t)
	ctx := context.Background()

	c.ApplyMessage(ctx, topic("drivetrain/chargerConnected"), []byte("true"))
	c.ApplyMessage(ctx, topic("drivetrain/current"), []byte("-12.5"))
	c.ApplyMessage(ctx, topic("drivetrain/charging"), []byte("false"))
	hook.Reset()

	batches := c.Collect(*now, time.Minute)
	if len(batches) != 1 || batches[0].State != Charging {
		t.Fatalf("expected Charging batch, got %+v", batches)
	}
	if _, ok := batches[0].Fields["charging"]; ok {
		t.Errorf("gateway charging flag must not be persisted")
	}

	entry := hook.LastEntry()
	if entry == nil || entry.Data["diagnostic"] != "charging_mismatch" {
		t.Fatalf("expected charging_mismatch entry, got %+v", entry)
	}
	for _, k := range []string{"is_plugged", "charging_by_current", "charging_by_power", "soc_increasing"} {
		if _, ok := entry.Data[k]; !ok {
			t.Errorf("mismatch entry missing %s", k)
		}
	}

	// No diagnostic once the gateway agrees.
	c.ApplyMessage(ctx, topic("drivetrain/charging"), []byte("true"))
	hook.Reset()
	c.Collect(*now, time.Minute)
	if len(hook.AllEntries()) != 0 {
		t.Errorf("unexpected log entries: %v", hook.AllEntries())
	}
}

func TestEvict(t *testing.T) {
	c, _, _, now := newTestCache(t)
	c.ApplyMessage(context.Background(), topic("drivetrain/soc"), []byte("70"))

	if n := c.Evict(now.Add(-time.Second)); n != 0 {
		t.Fatalf("evicted %d fresh vehicles", n)
	}
	if n := c.Evict(now.Add(time.Second)); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if c.Len() != 0 {
		t.Errorf("cache not empty after eviction")
	}
}

func TestConcurrentIngest(t *testing.T) {
	c, _, _, now := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			vin := fmt.Sprintf("VIN%02d", i%5)
			for j := 0; j < 50; j++ {
				c.ApplyMessage(ctx, "saic/u/vehicles/"+vin+"/drivetrain/soc", []byte(fmt.Sprint(j)))
				c.ApplyMessage(ctx, "saic/u/vehicles/"+vin+"/location/latitude", []byte("59.9"))
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			c.Collect(*now, time.Minute)
		}
	}()
	wg.Wait()

	if c.Len() != 5 {
		t.Errorf("expected 5 vehicles, got %d", c.Len())
	}
}

type hangingRegistry struct{}

func (hangingRegistry) UpsertVehicle(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRegistrationDoesNotBlockIngest(t *testing.T) {
	logger, hook := test.NewNullLogger()
	c := NewCache(hangingRegistry{}, logger)
	c.registerTimeout = 50 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		c.ApplyMessage(context.Background(), topic("drivetrain/soc"), []byte("50"))
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ApplyMessage blocked on vehicle registration")
	}

	snap, ok := c.Snapshot(testVIN)
	if !ok || snap.Fields["soc"] != 50.0 {
		t.Errorf("soc not applied: %v", snap.Fields)
	}
	if e := hook.LastEntry(); e == nil || e.Message != "Failed to register vehicle" {
		t.Errorf("registration failure not logged: %v", hook.AllEntries())
	}
}

type countingRegistry struct {
	calls atomic.Int32
}

func (r *countingRegistry) UpsertVehicle(context.Context, string) error {
	r.calls.Add(1)
	time.Sleep(10 * time.Millisecond)
	return nil
}

func TestRegistrationOncePerEntry(t *testing.T) {
	logger, _ := test.NewNullLogger()
	reg := &countingRegistry{}
	c := NewCache(reg, logger)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.ApplyMessage(context.Background(), topic("drivetrain/soc"), []byte(fmt.Sprint(i)))
		}(i)
	}
	wg.Wait()
	if n := reg.calls.Load(); n != 1 {
		t.Fatalf("UpsertVehicle called %d times, want 1", n)
	}

	c.Evict(now.Add(time.Second))
	c.ApplyMessage(context.Background(), topic("drivetrain/soc"), []byte("10"))
	if n := reg.calls.Load(); n != 2 {
		t.Errorf("evicted vehicle not registered again: %d calls", n)
	}
}

func TestEvictMarksEntryDead(t *testing.T) {
	c, _, _, now := newTestCache(t)
	c.ApplyMessage(context.Background(), topic("drivetrain/soc"), []byte("70"))
	old := c.entries[testVIN]

	c.Evict(now.Add(time.Second))
	old.mu.Lock()
	dead := old.dead
	old.mu.Unlock()
	if !dead {
		t.Fatal("evicted entry not marked dead")
	}
}

func TestApplyMessageAfterConcurrentEvict(t *testing.T) {
	c, st, _, _ := newTestCache(t)
	ctx := context.Background()
	c.ApplyMessage(ctx, topic("drivetrain/soc"), []byte("70"))
	old := c.entries[testVIN]

	// Hold the entry so the writer below waits on it, then evict it the
	// way Evict does before letting the writer through.
	old.mu.Lock()
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.ApplyMessage(ctx, topic("drivetrain/range"), []byte("42"))
	}()
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	old.dead = true
	delete(c.entries, testVIN)
	c.mu.Unlock()
	old.mu.Unlock()
	<-done

	if _, ok := old.snap.Fields["range_km"]; ok {
		t.Error("value written into evicted entry")
	}
	snap, ok := c.Snapshot(testVIN)
	if !ok || snap.Fields["range_km"] != 42.0 {
		t.Fatalf("value lost after eviction: %v", snap.Fields)
	}
	if _, ok := snap.Fields["soc"]; ok {
		t.Error("fresh entry carried state from the evicted one")
	}
	if len(st.Vehicles()) != 1 {
		t.Errorf("vehicles = %v", st.Vehicles())
	}
}
