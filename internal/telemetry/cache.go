package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/saic-fleet/internal/metrics"
	"github.com/jkaberg/saic-fleet/internal/store"
	"github.com/jkaberg/saic-fleet/internal/topics"
)

// Batch is a flush-ready copy of one vehicle's snapshot with the derived
// charging state already merged into Fields.
type Batch struct {
	VIN             string
	Fields          map[string]any
	LastUpdate      time.Time
	State           ChargingState
	Indicators      Indicators
	GatewayCharging *bool
}

// registerTimeout bounds the vehicle registration done on first sighting.
const registerTimeout = 5 * time.Second

type entry struct {
	mu   sync.Mutex
	snap Snapshot
	// dead is set under mu once Evict has removed the entry from the map.
	dead bool
}

// Cache holds the latest snapshot per vehicle. Each vehicle has its own
// lock, so ingestion for one VIN never waits on another.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	vehicles        store.VehicleRegistry
	registerTimeout time.Duration
	logger          *logrus.Logger
	now             func() time.Time
}

func NewCache(vehicles store.VehicleRegistry, logger *logrus.Logger) *Cache {
	return &Cache{
		entries:         make(map[string]*entry),
		vehicles:        vehicles,
		registerTimeout: registerTimeout,
		logger:          logger,
		now:             time.Now,
	}
}

// ApplyMessage folds one gateway message into the owning vehicle's
// snapshot. Messages that cannot be attributed or decoded are dropped with a
// warning; topics without a known field are ignored.
func (c *Cache) ApplyMessage(ctx context.Context, topic string, raw []byte) {
	route, ok := topics.Resolve(topic)
	if !ok {
		c.logger.WithField("topic", topic).Warn("Dropping message: no vehicle id in topic")
		metrics.MessagesDropped.WithLabelValues("unresolved_topic").Inc()
		return
	}

	set, known := fieldTable[route.Path]
	if !known {
		metrics.MessagesReceived.WithLabelValues("unknown").Inc()
		c.logger.WithField("topic", topic).Debug("Ignoring unmapped topic")
		return
	}
	metrics.MessagesReceived.WithLabelValues(string(route.Category)).Inc()

	value, err := decodeValue(raw)
	if err != nil {
		c.drop(topic, route.VIN, err)
		return
	}

	for {
		e := c.entry(ctx, route.VIN)
		e.mu.Lock()
		if e.dead {
			// Evicted between lookup and lock; the next lookup starts a fresh entry.
			e.mu.Unlock()
			continue
		}
		err = set(&e.snap, value)
		if err == nil {
			e.snap.LastUpdate = c.now()
		}
		e.mu.Unlock()
		break
	}

	if err != nil {
		c.drop(topic, route.VIN, err)
	}
}

func (c *Cache) drop(topic, vin string, err error) {
	c.logger.WithFields(logrus.Fields{
		"topic": topic,
		"vin":   vin,
	}).WithError(err).Warn("Dropping unparseable telemetry value")
	metrics.MessagesDropped.WithLabelValues("unparseable_value").Inc()
}

// entry returns the vehicle's cache entry. The goroutine that inserts a new
// entry registers the vehicle with the store, bounded by registerTimeout.
// Registration failures are logged only.
func (c *Cache) entry(ctx context.Context, vin string) *entry {
	c.mu.RLock()
	e := c.entries[vin]
	c.mu.RUnlock()
	if e != nil {
		return e
	}

	c.mu.Lock()
	e = c.entries[vin]
	created := e == nil
	if created {
		e = &entry{snap: newSnapshot(vin)}
		c.entries[vin] = e
		metrics.VehiclesCached.Set(float64(len(c.entries)))
	}
	c.mu.Unlock()

	if created {
		c.logger.WithField("vin", vin).Info("New vehicle seen")
		c.register(ctx, vin)
	}
	return e
}

func (c *Cache) register(ctx context.Context, vin string) {
	ctx, cancel := context.WithTimeout(ctx, c.registerTimeout)
	defer cancel()
	if err := c.vehicles.UpsertVehicle(ctx, vin); err != nil {
		c.logger.WithField("vin", vin).WithError(err).Warn("Failed to register vehicle")
	}
}

// Snapshot returns a deep copy of the vehicle's current snapshot.
func (c *Cache) Snapshot(vin string) (Snapshot, bool) {
	c.mu.RLock()
	e := c.entries[vin]
	c.mu.RUnlock()
	if e == nil {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snap.clone(), true
}

// Len returns the number of cached vehicles.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) list() []*entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	return out
}

// Collect returns a batch for every vehicle updated less than staleness ago
// that holds at least one field. The charging state is derived here, from the
// snapshot as it is at flush time.
func (c *Cache) Collect(now time.Time, staleness time.Duration) []Batch {
	var batches []Batch
	for _, e := range c.list() {
		e.mu.Lock()
		if len(e.snap.Fields) == 0 || now.Sub(e.snap.LastUpdate) >= staleness {
			e.mu.Unlock()
			continue
		}
		snap := e.snap.clone()
		e.mu.Unlock()

		ind := IndicatorsFor(snap)
		state := DeriveChargingState(ind)
		if state == Charging && snap.GatewayCharging != nil && !*snap.GatewayCharging {
			c.logMismatch(snap, ind)
		}

		snap.Fields[FieldChargingState] = string(state)
		snap.Fields[FieldLastMessageTS] = snap.LastUpdate.UTC().Format(time.RFC3339Nano)

		batches = append(batches, Batch{
			VIN:             snap.VIN,
			Fields:          snap.Fields,
			LastUpdate:      snap.LastUpdate,
			State:           state,
			Indicators:      ind,
			GatewayCharging: snap.GatewayCharging,
		})
	}
	sort.Slice(batches, func(i, j int) bool { return batches[i].VIN < batches[j].VIN })
	return batches
}

func (c *Cache) logMismatch(snap Snapshot, ind Indicators) {
	fields := logrus.Fields{
		"diagnostic":          "charging_mismatch",
		"vin":                 snap.VIN,
		"derived_state":       string(Charging),
		"gateway_charging":    false,
		"is_plugged":          ind.Plugged,
		"charging_by_current": ind.ChargingByCurrent,
		"charging_by_power":   ind.ChargingByPower,
		"soc_increasing":      ind.SOCIncreasing,
	}
	for _, k := range []string{FieldChargeCurrent, FieldChargePower, FieldSOC} {
		if v, ok := snap.Fields[k]; ok {
			fields[k] = v
		}
	}
	if snap.PrevSOC != nil {
		fields["prev_soc"] = *snap.PrevSOC
	}
	c.logger.WithFields(fields).Info("Derived charging state disagrees with gateway")
	metrics.ChargingMismatches.Inc()
}

// Evict removes vehicles whose last update is before cutoff and returns how
// many were removed. A later message for an evicted VIN starts a fresh
// snapshot.
func (c *Cache) Evict(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for vin, e := range c.entries {
		e.mu.Lock()
		if e.snap.LastUpdate.Before(cutoff) {
			e.dead = true
			delete(c.entries, vin)
			removed++
		}
		e.mu.Unlock()
	}
	if removed > 0 {
		metrics.VehiclesCached.Set(float64(len(c.entries)))
	}
	return removed
}
