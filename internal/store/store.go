// Package store persists learned irrigation models and actuator transitions
// in SQLite so that a restarted controller resumes where it left off.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sweeney/farm-controller/internal/scheduling"
)

// ErrNotFound is returned when no row exists for the requested key.
var ErrNotFound = errors.New("store: not found")

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serialises writers anyway.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS irrigation_models (
		plot TEXT PRIMARY KEY,
		gain REAL NOT NULL,
		dead_time_ms INTEGER NOT NULL,
		tau_ms INTEGER NOT NULL,
		total_volume REAL NOT NULL,
		total_cycles INTEGER NOT NULL,
		totals_since INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		controller TEXT NOT NULL,
		state TEXT NOT NULL,
		source TEXT NOT NULL DEFAULT '',
		at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_controller ON transitions(controller, at);
	`
	if _, err := db.conn.Exec(schema); err != nil {
		return err
	}

	// Databases created before daily totals lack totals_since.
	var n int
	err := db.conn.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('irrigation_models') WHERE name = 'totals_since'`).Scan(&n)
	if err != nil {
		return err
	}
	if n == 0 {
		_, err = db.conn.Exec(`ALTER TABLE irrigation_models ADD COLUMN totals_since INTEGER NOT NULL DEFAULT 0`)
	}
	return err
}

// --- Irrigation models ---

// SaveModel inserts or replaces the learned model of a plot.
func (db *DB) SaveModel(plot string, m scheduling.LearnedModel, at time.Time) error {
	query := `
		INSERT INTO irrigation_models (plot, gain, dead_time_ms, tau_ms, total_volume, total_cycles, totals_since, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(plot) DO UPDATE SET
			gain = excluded.gain,
			dead_time_ms = excluded.dead_time_ms,
			tau_ms = excluded.tau_ms,
			total_volume = excluded.total_volume,
			total_cycles = excluded.total_cycles,
			totals_since = excluded.totals_since,
			updated_at = excluded.updated_at
	`
	var since int64
	if !m.TotalsSince.IsZero() {
		since = m.TotalsSince.Unix()
	}
	_, err := db.conn.Exec(query, plot, m.Gain, m.DeadTime.Milliseconds(), m.Tau.Milliseconds(),
		m.TotalVolume, m.TotalCycles, since, at.UTC())
	if err != nil {
		return fmt.Errorf("save model %q: %w", plot, err)
	}
	return nil
}

// LoadModel returns ErrNotFound when the plot has never been saved.
func (db *DB) LoadModel(plot string) (scheduling.LearnedModel, error) {
	query := `SELECT gain, dead_time_ms, tau_ms, total_volume, total_cycles, totals_since
		FROM irrigation_models WHERE plot = ?`

	var m scheduling.LearnedModel
	var deadMs, tauMs, since int64
	err := db.conn.QueryRow(query, plot).Scan(&m.Gain, &deadMs, &tauMs, &m.TotalVolume, &m.TotalCycles, &since)
	if errors.Is(err, sql.ErrNoRows) {
		return scheduling.LearnedModel{}, ErrNotFound
	}
	if err != nil {
		return scheduling.LearnedModel{}, fmt.Errorf("load model %q: %w", plot, err)
	}
	m.DeadTime = time.Duration(deadMs) * time.Millisecond
	m.Tau = time.Duration(tauMs) * time.Millisecond
	if since > 0 {
		m.TotalsSince = time.Unix(since, 0).UTC()
	}
	return m, nil
}

// --- Transitions ---

// Transition is an actuator state change.
type Transition struct {
	ID         int64
	Controller string
	State      string
	// Source names the scheduler that decided the state, when known.
	Source string
	At     time.Time
}

// RecordTransition appends a transition and returns its id.
func (db *DB) RecordTransition(t Transition) (int64, error) {
	result, err := db.conn.Exec(`INSERT INTO transitions (controller, state, source, at) VALUES (?, ?, ?, ?)`,
		t.Controller, t.State, t.Source, t.At.UTC())
	if err != nil {
		return 0, fmt.Errorf("record transition: %w", err)
	}
	return result.LastInsertId()
}

// RecentTransitions returns up to limit transitions of a controller, newest
// first.
func (db *DB) RecentTransitions(controller string, limit int) ([]Transition, error) {
	query := `SELECT id, controller, state, source, at FROM transitions
		WHERE controller = ? ORDER BY at DESC, id DESC LIMIT ?`

	rows, err := db.conn.Query(query, controller, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		if err := rows.Scan(&t.ID, &t.Controller, &t.State, &t.Source, &t.At); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
