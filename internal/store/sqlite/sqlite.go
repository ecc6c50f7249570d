package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jkaberg/saic-fleet/internal/store"
)

// Store persists status, telemetry and the command audit trail in a local
// SQLite file. Status rows are a JSON document merged key by key.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open creates the parent directory if needed, opens path and applies the
// embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "./data/saic-fleet.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)",
		path,
	)
	return openDSN(ctx, dsn)
}

func openDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) UpsertVehicle(ctx context.Context, vin string) error {
	if err := ensureVehicle(ctx, s.db, vin, time.Now().UTC().UnixMilli()); err != nil {
		return fmt.Errorf("upsert vehicle %s: %w", vin, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureVehicle(ctx context.Context, db execer, vin string, nowMs int64) error {
	_, err := db.ExecContext(ctx, `
INSERT INTO vehicles(vin, created_at_ms, updated_at_ms) VALUES (?, ?, ?)
ON CONFLICT(vin) DO UPDATE SET updated_at_ms = excluded.updated_at_ms;
`, vin, nowMs, nowMs)
	return err
}

func (s *Store) UpsertVehicleStatus(ctx context.Context, vin string, fields map[string]any) error {
	data, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	nowMs := time.Now().UTC().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := ensureVehicle(ctx, tx, vin, nowMs); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("ensure vehicle %s: %w", vin, err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO vehicle_status(vin, data, updated_at_ms) VALUES (?, json(?), ?)
ON CONFLICT(vin) DO UPDATE SET
  data = json_patch(vehicle_status.data, excluded.data),
  updated_at_ms = excluded.updated_at_ms;
`, vin, string(data), nowMs); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("upsert status %s: %w", vin, err)
	}
	return tx.Commit()
}

func (s *Store) AppendTelemetry(ctx context.Context, rec store.TelemetryRecord) error {
	raw, err := json.Marshal(rec.RawPayload)
	if err != nil {
		return fmt.Errorf("marshal raw payload: %w", err)
	}
	var chargingState any
	if rec.ChargingState != "" {
		chargingState = rec.ChargingState
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO vehicle_telemetry(
  vin, ts_ms, event_type, soc, soc_precise, range_km, charging_state,
  charge_power_kw, charge_current_a, charge_voltage_v,
  lat, lon, altitude, bearing, speed, raw_payload
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		rec.VIN, rec.Timestamp.UTC().UnixMilli(), rec.EventType,
		nullable(rec.SOC), nullable(rec.SOCPrecise), nullable(rec.RangeKm), chargingState,
		nullable(rec.ChargePowerKW), nullable(rec.ChargeCurrent), nullable(rec.ChargeVoltage),
		nullable(rec.Lat), nullable(rec.Lon), nullable(rec.Altitude), nullable(rec.Bearing), nullable(rec.Speed),
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
		created = time.Now()
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO vehicle_commands(vin, command_type, command_payload, status, created_at_ms)
VALUES (?, ?, ?, ?, ?);
`, rec.VIN, rec.Type, string(payload), string(rec.Status), created.UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("insert command: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert command id: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateCommand(ctx context.Context, id int64, status store.CommandStatus, errMsg string, completedAt time.Time) error {
	var msg any
	if errMsg != "" {
		msg = errMsg
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE vehicle_commands SET status = ?, error_message = ?, completed_at_ms = ? WHERE id = ?;
`, string(status), msg, completedAt.UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("update command %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update command %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

// VehicleStatus returns the merged status document for vin.
func (s *Store) VehicleStatus(ctx context.Context, vin string) (map[string]any, error) {
	var data string
	if err := s.db.QueryRowContext(ctx, `SELECT data FROM vehicle_status WHERE vin = ?;`, vin).Scan(&data); err != nil {
		return nil, fmt.Errorf("read status %s: %w", vin, err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("decode status %s: %w", vin, err)
	}
	return out, nil
}

// Command reads one audit record.
func (s *Store) Command(ctx context.Context, id int64) (store.CommandRecord, error) {
	var (
		rec         store.CommandRecord
		payload     string
		status      string
		errMsg      sql.NullString
		createdMs   int64
		completedMs sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, vin, command_type, command_payload, status, error_message, created_at_ms, completed_at_ms
FROM vehicle_commands WHERE id = ?;
`, id).Scan(&rec.ID, &rec.VIN, &rec.Type, &payload, &status, &errMsg, &createdMs, &completedMs)
	if err != nil {
		return rec, fmt.Errorf("read command %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return rec, fmt.Errorf("decode command payload %d: %w", id, err)
	}
	rec.Status = store.CommandStatus(status)
	rec.Error = errMsg.String
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	if completedMs.Valid {
		t := time.UnixMilli(completedMs.Int64).UTC()
		rec.CompletedAt = &t
	}
	return rec, nil
}

// TelemetryCount returns the number of telemetry rows for vin.
func (s *Store) TelemetryCount(ctx context.Context, vin string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vehicle_telemetry WHERE vin = ?;`, vin).Scan(&n)
	return n, err
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
