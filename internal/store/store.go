package store

import (
	"context"
	"time"
)

// CommandStatus is the delivery state of a dispatched command.
type CommandStatus string

const (
	CommandPending CommandStatus = "pending"
	CommandSent    CommandStatus = "sent"
	CommandFailed  CommandStatus = "failed"
)

// CommandRecord is one row of the command audit trail.
type CommandRecord struct {
	ID          int64
	VIN         string
	Type        string
	Payload     map[string]any
	Status      CommandStatus
	Error       string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// TelemetryRecord is an append-only audit row written alongside status
// upserts that carry charge or position data.
type TelemetryRecord struct {
	VIN       string
	Timestamp time.Time
	EventType string

	SOC           *float64
	SOCPrecise    *float64
	RangeKm       *float64
	ChargingState string
	ChargePowerKW *float64
	ChargeCurrent *float64
	ChargeVoltage *float64

	Lat      *float64
	Lon      *float64
	Altitude *float64
	Bearing  *float64
	Speed    *float64

	// RawPayload is the full flushed field set, kept for forensic replay.
	RawPayload map[string]any
}

type VehicleRegistry interface {
	UpsertVehicle(ctx context.Context, vin string) error
}

type StatusWriter interface {
	UpsertVehicleStatus(ctx context.Context, vin string, fields map[string]any) error
	AppendTelemetry(ctx context.Context, rec TelemetryRecord) error
}

type CommandAudit interface {
	InsertCommand(ctx context.Context, rec CommandRecord) (int64, error)
	UpdateCommand(ctx context.Context, id int64, status CommandStatus, errMsg string, completedAt time.Time) error
}

// Store is the full persistence contract consumed by the core.
type Store interface {
	VehicleRegistry
	StatusWriter
	CommandAudit
	Close() error
}

// TripDeriver is implemented by stores that host the trip segmentation
// procedure. The core only invokes it.
type TripDeriver interface {
	TelemetryVINsSince(ctx context.Context, since time.Time) ([]string, error)
	DeriveTrips(ctx context.Context, vin string, since time.Time) (int, error)
}
