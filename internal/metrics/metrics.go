package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector exported on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// MessagesReceived counts gateway messages by category ("unknown" when the
	// topic did not map to a field).
	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saic_fleet_messages_received_total",
			Help: "Gateway telemetry messages received.",
		},
		[]string{"category"},
	)

	// MessagesDropped counts messages that never reached a snapshot.
	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saic_fleet_messages_dropped_total",
			Help: "Gateway telemetry messages dropped before reaching the cache.",
		},
		[]string{"reason"}, // unresolved_topic, unparseable_value
	)

	VehiclesCached = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "saic_fleet_vehicles_cached",
			Help: "Vehicles currently held in the telemetry cache.",
		},
	)

	ChargingMismatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saic_fleet_charging_mismatch_total",
			Help: "Flushes where the derived state was Charging but the gateway reported not charging.",
		},
	)

	// FlushVehicles counts per-vehicle flush outcomes.
	FlushVehicles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saic_fleet_flush_vehicles_total",
			Help: "Per-vehicle flush outcomes.",
		},
		[]string{"result"}, // ok, upsert_failed, telemetry_failed
	)

	FlushTicksSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "saic_fleet_flush_ticks_skipped_total",
			Help: "Flush ticks skipped because the previous tick was still running.",
		},
	)

	FlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "saic_fleet_flush_duration_seconds",
			Help:    "Duration of a complete flush tick.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CommandsDispatched counts dispatch outcomes.
	CommandsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saic_fleet_commands_total",
			Help: "Vehicle commands by type and final audit status.",
		},
		[]string{"type", "status"}, // status: sent, failed, rejected
	)

	CommandLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "saic_fleet_command_latency_seconds",
			Help:    "Time from dispatch to the last publish acknowledgement.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	TripRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saic_fleet_trip_derivations_total",
			Help: "Per-vehicle trip derivation invocations.",
		},
		[]string{"result"},
	)

	LiveStatusPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "saic_fleet_live_status_total",
			Help: "Live status mirror writes.",
		},
		[]string{"result"}, // ok, unchanged, failed
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		MessagesReceived,
		MessagesDropped,
		VehiclesCached,
		ChargingMismatches,
		FlushVehicles,
		FlushTicksSkipped,
		FlushDuration,
		CommandsDispatched,
		CommandLatency,
		TripRuns,
		LiveStatusPublished,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
