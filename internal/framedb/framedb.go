// Package framedb persists synchronized-frame metadata to SQLite for
// offline analysis: one row per frame plus one row per contributing
// sensor carrying the offset and residual the engine derived. Payload
// bytes are never stored.
package framedb

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/carla-syncer/internal/syncer"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB wraps the SQLite handle together with the identity of the current
// recording run.
type DB struct {
	*sql.DB
	path  string
	runID string
}

// Open opens (or creates) the database at path and applies pending
// migrations.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame db: %w", err)
	}
	db := &DB{DB: sqldb, path: path}
	if err := db.migrateUp(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

// migrateUp applies all embedded migrations. No-op when already current.
func (db *DB) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db.DB, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// migrateLogger implements migrate.Logger.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool { return false }

// BeginRun registers a new recording run and makes it current. Returns
// the run ID.
func (db *DB) BeginRun(referenceSensor string) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO runs (run_id, reference_sensor) VALUES (?, ?)`,
		id, referenceSensor,
	)
	if err != nil {
		return "", fmt.Errorf("failed to begin run: %w", err)
	}
	db.runID = id
	return id, nil
}

// RunID returns the current run ID, empty before BeginRun.
func (db *DB) RunID() string { return db.runID }

// UseLatestRun makes the most recently started run current, for offline
// analysis of an existing database.
func (db *DB) UseLatestRun() error {
	var id string
	err := db.QueryRow(
		`SELECT run_id FROM runs ORDER BY started_at DESC, rowid DESC LIMIT 1`,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("no runs recorded: %w", err)
	}
	db.runID = id
	return nil
}

// RecordFrame stores one frame and its per-sensor rows in a single
// transaction.
func (db *DB) RecordFrame(f *syncer.SyncedFrame) error {
	if db.runID == "" {
		return fmt.Errorf("no active run; call BeginRun first")
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO frames (
			run_id, frame_id, t_sync, window_ms, motion_intensity,
			sensor_count, missing_sensors, dropped_count, out_of_order_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		db.runID, f.FrameID, f.TSync, f.Meta.WindowSizeS*1000, f.Meta.MotionIntensity,
		len(f.Sensors), strings.Join(f.Meta.MissingSensors, ","),
		f.Meta.DroppedCount, f.Meta.OutOfOrderCount,
	)
	if err != nil {
		return fmt.Errorf("failed to insert frame %d: %w", f.FrameID, err)
	}

	for sensorID, sp := range f.Sensors {
		_, err = tx.Exec(
			`INSERT INTO frame_sensors (
				run_id, frame_id, sensor_id, timestamp, corrected_timestamp,
				time_delta, interpolated, offset_s, residual_s
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			db.runID, f.FrameID, sensorID,
			sp.Packet.Timestamp, sp.CorrectedTimestamp, sp.TimeDelta, sp.Interpolated,
			f.Meta.TimeOffsets[sensorID], f.Meta.KFResiduals[sensorID],
		)
		if err != nil {
			return fmt.Errorf("failed to insert frame %d sensor %s: %w", f.FrameID, sensorID, err)
		}
	}

	return tx.Commit()
}

// FrameCount returns how many frames the current run has recorded.
func (db *DB) FrameCount() (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM frames WHERE run_id = ?`, db.runID).Scan(&n)
	return n, err
}

// OffsetSample is one point of a sensor's offset history.
type OffsetSample struct {
	TSync    float64
	Offset   float64
	Residual float64
}

// OffsetHistory returns up to limit recent offset samples for a sensor in
// the current run, oldest first.
func (db *DB) OffsetHistory(sensorID string, limit int) ([]OffsetSample, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.Query(
		`SELECT f.t_sync, fs.offset_s, fs.residual_s
		 FROM frame_sensors fs
		 JOIN frames f ON f.run_id = fs.run_id AND f.frame_id = fs.frame_id
		 WHERE fs.run_id = ? AND fs.sensor_id = ?
		 ORDER BY f.frame_id DESC LIMIT ?`,
		db.runID, sensorID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OffsetSample
	for rows.Next() {
		var s OffsetSample
		if err := rows.Scan(&s.TSync, &s.Offset, &s.Residual); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// SensorIDs returns the distinct sensors recorded in the current run.
func (db *DB) SensorIDs() ([]string, error) {
	rows, err := db.Query(
		`SELECT DISTINCT sensor_id FROM frame_sensors WHERE run_id = ? ORDER BY sensor_id`,
		db.runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts a tailSQL live-query UI for the frame DB on
// the debug mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://"+db.path, db.DB, &tailsql.DBOptions{
		Label: "Frame DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
}
