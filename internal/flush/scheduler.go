package flush

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/saic-fleet/internal/bus"
	"github.com/jkaberg/saic-fleet/internal/metrics"
	"github.com/jkaberg/saic-fleet/internal/store"
	"github.com/jkaberg/saic-fleet/internal/telemetry"
)

// Options controls the flush cadence.
type Options struct {
	Interval   time.Duration
	Staleness  time.Duration
	EvictAfter time.Duration // 0 keeps vehicles forever
}

// Scheduler periodically writes every fresh vehicle snapshot to the store.
type Scheduler struct {
	cache  *telemetry.Cache
	store  store.StatusWriter
	bus    *bus.Bus
	opts   Options
	logger *logrus.Logger
	now    func() time.Time

	running atomic.Bool
}

// New returns a scheduler. b may be nil when nothing consumes flushed status.
func New(cache *telemetry.Cache, st store.StatusWriter, b *bus.Bus, opts Options, logger *logrus.Logger) *Scheduler {
	return &Scheduler{
		cache:  cache,
		store:  st,
		bus:    b,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// Run ticks every interval until ctx is cancelled. A tick that is still in
// flight when the next one fires causes that next tick to be skipped.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !s.running.CompareAndSwap(false, true) {
				s.logger.Debug("flush: previous tick still running, skipping")
				metrics.FlushTicksSkipped.Inc()
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer s.running.Store(false)
				s.Tick(ctx)
			}()
		}
	}
}

// Tick performs one flush pass and returns the number of vehicles whose
// status was written.
func (s *Scheduler) Tick(parent context.Context) int {
	ctx, cancel := context.WithTimeout(parent, s.opts.Interval)
	defer cancel()

	start := s.now()
	batches := s.cache.Collect(start, s.opts.Staleness)

	flushed := 0
	for _, b := range batches {
		if err := s.flushVehicle(ctx, b, start); err != nil {
			s.logger.WithField("vin", b.VIN).WithError(err).Warn("flush: vehicle failed")
			continue
		}
		flushed++
	}

	if s.opts.EvictAfter > 0 {
		if n := s.cache.Evict(start.Add(-s.opts.EvictAfter)); n > 0 {
			s.logger.WithField("evicted", n).Info("flush: evicted idle vehicles")
		}
	}

	metrics.FlushDuration.Observe(time.Since(start).Seconds())
	if len(batches) > 0 {
		s.logger.WithFields(logrus.Fields{
			"vehicles": len(batches),
			"flushed":  flushed,
		}).Debug("flush: tick complete")
	}
	return flushed
}

func (s *Scheduler) flushVehicle(ctx context.Context, b telemetry.Batch, at time.Time) error {
	if err := s.store.UpsertVehicleStatus(ctx, b.VIN, b.Fields); err != nil {
		metrics.FlushVehicles.WithLabelValues("upsert_failed").Inc()
		return fmt.Errorf("status upsert: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(bus.Update{VIN: b.VIN, Fields: b.Fields, At: at})
	}

	if rec, ok := telemetryRecord(b, at); ok {
		if err := s.store.AppendTelemetry(ctx, rec); err != nil {
			metrics.FlushVehicles.WithLabelValues("telemetry_failed").Inc()
			return fmt.Errorf("telemetry append: %w", err)
		}
	}

	metrics.FlushVehicles.WithLabelValues("ok").Inc()
	return nil
}

// telemetryRecord builds the audit row for a batch carrying charge or
// position data. Batches with neither produce no row.
func telemetryRecord(b telemetry.Batch, at time.Time) (store.TelemetryRecord, bool) {
	soc := num(b.Fields, telemetry.FieldSOC)
	lat := num(b.Fields, telemetry.FieldLat)
	lon := num(b.Fields, telemetry.FieldLon)
	if soc == nil && lat == nil && lon == nil {
		return store.TelemetryRecord{}, false
	}

	event := "location"
	if soc != nil {
		event = "charge"
	}
	return store.TelemetryRecord{
		VIN:           b.VIN,
		Timestamp:     at.UTC(),
		EventType:     event,
		SOC:           soc,
		SOCPrecise:    num(b.Fields, telemetry.FieldSOCPrecise),
		RangeKm:       num(b.Fields, telemetry.FieldRange),
		ChargingState: string(b.State),
		ChargePowerKW: num(b.Fields, telemetry.FieldChargePower),
		ChargeCurrent: num(b.Fields, telemetry.FieldChargeCurrent),
		ChargeVoltage: num(b.Fields, telemetry.FieldChargeVoltage),
		Lat:           lat,
		Lon:           lon,
		Altitude:      num(b.Fields, telemetry.FieldAltitude),
		Bearing:       num(b.Fields, telemetry.FieldBearing),
		Speed:         num(b.Fields, telemetry.FieldSpeed),
		RawPayload:    b.Fields,
	}, true
}

func num(fields map[string]any, key string) *float64 {
	v, ok := fields[key].(float64)
	if !ok {
		return nil
	}
	return &v
}
