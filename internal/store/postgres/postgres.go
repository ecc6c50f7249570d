package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jkaberg/saic-fleet/internal/store"
)

// Store talks to the fleet database. Status upserts and trip derivation go
// through the database's own procedures, upsert_vehicle_status and
// derive_trips; everything else is plain SQL against vehicles,
// vehicle_telemetry and vehicle_commands.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)
var _ store.TripDeriver = (*Store)(nil)

// New connects using a postgres:// URL and verifies the connection.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) UpsertVehicle(ctx context.Context, vin string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO vehicles (vin, updated_at)
		VALUES ($1, NOW())
		ON CONFLICT (vin) DO UPDATE SET updated_at = EXCLUDED.updated_at
	`, vin)
	if err != nil {
		return fmt.Errorf("upsert vehicle %s: %w", vin, err)
	}
	return nil
}

func (s *Store) UpsertVehicleStatus(ctx context.Context, vin string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `SELECT upsert_vehicle_status($1, $2::jsonb)`, vin, string(data)); err != nil {
		return fmt.Errorf("upsert_vehicle_status %s: %w", vin, err)
	}
	return nil
}

func (s *Store) AppendTelemetry(ctx context.Context, rec store.TelemetryRecord) error {
	raw, err := json.Marshal(rec.RawPayload)
	if err != nil {
		return fmt.Errorf("marshal raw payload: %w", err)
	}

	var chargingState *string
	if rec.ChargingState != "" {
		chargingState = &rec.ChargingState
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO vehicle_telemetry
			(vin, ts, event_type, soc, soc_precise, range_km, charging_state,
			 charge_power_kw, charge_current_a, charge_voltage_v,
			 lat, lon, altitude, bearing, speed, raw_payload)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16::jsonb)
	`,
		rec.VIN,
		rec.Timestamp,
		rec.EventType,
		rec.SOC,
		rec.SOCPrecise,
		rec.RangeKm,
		chargingState,
		rec.ChargePowerKW,
		rec.ChargeCurrent,
		rec.ChargeVoltage,
		rec.Lat,
		rec.Lon,
		rec.Altitude,
		rec.Bearing,
		rec.Speed,
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("insert telemetry %s: %w", rec.VIN, err)
	}
	return nil
}

func (s *Store) InsertCommand(ctx context.Context, rec store.CommandRecord) (int64, error) {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return 0, fmt.Errorf("marshal command payload: %w", err)
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO vehicle_commands (vin, command_type, command_payload, status, created_at)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		RETURNING id
	`, rec.VIN, rec.Type, string(payload), string(rec.Status), created).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert command: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateCommand(ctx context.Context, id int64, status store.CommandStatus, errMsg string, completedAt time.Time) error {
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE vehicle_commands
		SET status = $2, error_message = $3, completed_at = $4
		WHERE id = $1
	`, id, string(status), msg, completedAt)
	if err != nil {
		return fmt.Errorf("update command %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update command %d: %w", id, pgx.ErrNoRows)
	}
	return nil
}

// TelemetryVINsSince lists vehicles with telemetry at or after since, capped
// at 1000.
func (s *Store) TelemetryVINsSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT vin FROM vehicle_telemetry
		WHERE ts >= $1
		ORDER BY vin
		LIMIT 1000
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list telemetry vins: %w", err)
	}
	vins, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan telemetry vins: %w", err)
	}
	return vins, nil
}

// DeriveTrips runs the database's trip segmentation for one vehicle and
// returns the number of trips it created.
func (s *Store) DeriveTrips(ctx context.Context, vin string, since time.Time) (int, error) {
	var created *int
	if err := s.pool.QueryRow(ctx, `SELECT derive_trips($1, $2)`, vin, since).Scan(&created); err != nil {
		return 0, fmt.Errorf("derive_trips %s: %w", vin, err)
	}
	if created == nil {
		return 0, nil
	}
	return *created, nil
}
