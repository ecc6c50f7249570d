package trips

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jkaberg/saic-fleet/internal/metrics"
	"github.com/jkaberg/saic-fleet/internal/store"
)

// Summary describes one derivation pass.
type Summary struct {
	Vehicles     int
	Succeeded    int
	Failed       int
	TripsCreated int
	Since        time.Time
	Duration     time.Duration
}

// Runner periodically asks the store to segment recent telemetry into trips.
// The segmentation itself lives in the store.
type Runner struct {
	deriver  store.TripDeriver
	interval time.Duration
	lookback time.Duration
	logger   *logrus.Logger
	now      func() time.Time
}

func NewRunner(deriver store.TripDeriver, interval, lookback time.Duration, logger *logrus.Logger) *Runner {
	return &Runner{
		deriver:  deriver,
		interval: interval,
		lookback: lookback,
		logger:   logger,
		now:      time.Now,
	}
}

// Run derives trips every interval until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.WithError(err).Warn("trips: derivation pass failed")
			}
		}
	}
}

// RunOnce derives trips for every vehicle with telemetry inside the lookback
// window. A failure for one vehicle does not stop the others.
func (r *Runner) RunOnce(ctx context.Context) (Summary, error) {
	start := r.now()
	sum := Summary{Since: start.Add(-r.lookback)}

	vins, err := r.deriver.TelemetryVINsSince(ctx, sum.Since)
	if err != nil {
		return sum, err
	}
	sum.Vehicles = len(vins)

	for _, vin := range vins {
		n, err := r.deriver.DeriveTrips(ctx, vin, sum.Since)
		if err != nil {
			sum.Failed++
			metrics.TripRuns.WithLabelValues("failed").Inc()
			r.logger.WithField("vin", vin).WithError(err).Warn("trips: derive failed")
			continue
		}
		sum.Succeeded++
		sum.TripsCreated += n
		metrics.TripRuns.WithLabelValues("ok").Inc()
	}

	sum.Duration = r.now().Sub(start)
	r.logger.WithFields(logrus.Fields{
		"total_vehicles":      sum.Vehicles,
		"successful":          sum.Succeeded,
		"failed":              sum.Failed,
		"total_trips_created": sum.TripsCreated,
		"since":               sum.Since.UTC().Format(time.RFC3339),
		"duration":            sum.Duration.String(),
	}).Info("trips: derivation pass complete")
	return sum, nil
}
