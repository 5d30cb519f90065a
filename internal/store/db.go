// Package store provides the SQLite-backed incident catalog: one row per
// recorded artifact, queryable by time window and trigger severity.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/setevik/flightlog/internal/event"
	_ "github.com/mattn/go-sqlite3"
)

// Incident is one catalog row describing a recorded artifact.
type Incident struct {
	ID             string
	Name           string
	Path           string
	TriggerNum     int64
	TriggerLevel   event.Level
	TriggerMessage string
	TriggerTime    time.Time
	RecordedAt     time.Time
	SizeBytes      int64
}

// NewIncident builds a catalog row for the artifact at path.
func NewIncident(path string, trigger event.Event, size int64) *Incident {
	return &Incident{
		ID:             uuid.NewString(),
		Name:           filepath.Base(path),
		Path:           path,
		TriggerNum:     trigger.Num,
		TriggerLevel:   trigger.Level,
		TriggerMessage: trigger.Message,
		TriggerTime:    trigger.Time,
		RecordedAt:     time.Now(),
		SizeBytes:      size,
	}
}

// DB wraps an SQLite connection for the catalog.
type DB struct {
	db *sql.DB
}

// Open opens or creates the catalog database at the given path.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Single writer connection to avoid SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Insert stores a new catalog row. Artifact names are unique; indexing the
// same artifact twice is an error.
func (d *DB) Insert(inc *Incident) error {
	_, err := d.db.Exec(`
		INSERT INTO incidents (id, name, path, trigger_num, trigger_level, trigger_message, trigger_time, recorded_at, size_bytes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID,
		inc.Name,
		inc.Path,
		inc.TriggerNum,
		int(inc.TriggerLevel),
		inc.TriggerMessage,
		inc.TriggerTime.UTC().Format(time.RFC3339Nano),
		inc.RecordedAt.UTC().Format(time.RFC3339Nano),
		inc.SizeBytes,
	)
	if err != nil {
		return fmt.Errorf("inserting incident: %w", err)
	}
	return nil
}

// QueryFilter controls which incidents are returned by Query.
type QueryFilter struct {
	Since    time.Time
	Until    time.Time
	MinLevel event.Level
	Limit    int
}

// Query returns incidents matching the filter, newest first.
func (d *DB) Query(f QueryFilter) ([]*Incident, error) {
	query := `SELECT id, name, path, trigger_num, trigger_level, trigger_message, trigger_time, recorded_at, size_bytes
		FROM incidents WHERE 1=1`
	var args []interface{}

	if !f.Since.IsZero() {
		query += " AND recorded_at >= ?"
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if !f.Until.IsZero() {
		query += " AND recorded_at <= ?"
		args = append(args, f.Until.UTC().Format(time.RFC3339Nano))
	}
	if f.MinLevel > 0 {
		query += " AND trigger_level >= ?"
		args = append(args, int(f.MinLevel))
	}

	query += " ORDER BY recorded_at DESC"

	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// ByName returns the catalog row for an artifact name, or nil if the name
// is not catalogued.
func (d *DB) ByName(name string) (*Incident, error) {
	row := d.db.QueryRow(`SELECT id, name, path, trigger_num, trigger_level, trigger_message, trigger_time, recorded_at, size_bytes
		FROM incidents WHERE name = ?`, name)

	inc, err := scanIncident(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return inc, nil
}

// Count returns the number of catalogued incidents.
func (d *DB) Count() (int64, error) {
	var n int64
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM incidents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting incidents: %w", err)
	}
	return n, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanIncident(row scanner) (*Incident, error) {
	var inc Incident
	var level int
	var trigStr, recStr string

	err := row.Scan(
		&inc.ID,
		&inc.Name,
		&inc.Path,
		&inc.TriggerNum,
		&level,
		&inc.TriggerMessage,
		&trigStr,
		&recStr,
		&inc.SizeBytes,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning incident row: %w", err)
	}

	inc.TriggerLevel = event.Level(level)
	inc.TriggerTime, _ = time.Parse(time.RFC3339Nano, trigStr)
	inc.RecordedAt, _ = time.Parse(time.RFC3339Nano, recStr)
	return &inc, nil
}

func migrate(db *sql.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS incidents (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL UNIQUE,
			path            TEXT NOT NULL,
			trigger_num     INTEGER NOT NULL,
			trigger_level   INTEGER NOT NULL,
			trigger_message TEXT NOT NULL,
			trigger_time    TEXT NOT NULL,
			recorded_at     TEXT NOT NULL,
			size_bytes      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_recorded ON incidents(recorded_at)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_level ON incidents(trigger_level, recorded_at)`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}

	slog.Debug("catalog schema up to date")
	return nil
}
