// Package history persists per-device presence state and home/away
// transition events in SQLite. It exists for restart continuity (the
// tracker seeds its reported states from here so a restart does not
// replay arrival events) and for the transition log the status command
// shows. It is not a source of truth; every read failure degrades to
// an empty result.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/pihole-presence/internal/presence"
)

// Store is a SQLite-backed device history store. All public methods are
// safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the history database at the given path.
// The schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		mac        TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		vendor     TEXT NOT NULL DEFAULT '',
		first_seen TEXT NOT NULL DEFAULT '',
		last_seen  TEXT NOT NULL DEFAULT '',
		is_home    INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS transitions (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		mac  TEXT NOT NULL,
		home INTEGER NOT NULL,
		at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_mac ON transitions (mac, at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordPoll upserts one row per device from a successful poll,
// stamping each with its currently derived home state.
func (s *Store) RecordPoll(devices []presence.Device, states map[string]bool) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO devices (mac, name, vendor, first_seen, last_seen, is_home, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (mac) DO UPDATE
		 SET name = excluded.name, vendor = excluded.vendor,
		     first_seen = excluded.first_seen, last_seen = excluded.last_seen,
		     is_home = excluded.is_home, updated_at = excluded.updated_at`,
	)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, d := range devices {
		home := 0
		if states[d.MAC] {
			home = 1
		}
		if _, err := stmt.Exec(
			d.MAC, d.Name, d.Vendor,
			timeString(d.FirstSeen), timeString(d.LastSeen),
			home, now,
		); err != nil {
			return fmt.Errorf("upsert %s: %w", d.MAC, err)
		}
	}

	return tx.Commit()
}

// RecordTransition appends one home/away change event.
func (s *Store) RecordTransition(mac string, home bool, at time.Time) error {
	h := 0
	if home {
		h = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO transitions (mac, home, at) VALUES (?, ?, ?)`,
		mac, h, at.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record transition %s: %w", mac, err)
	}
	return nil
}

// States returns the last recorded home state per device, used to seed
// the tracker on startup.
func (s *Store) States() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT mac, is_home FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("load states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]bool)
	for rows.Next() {
		var mac string
		var home int
		if err := rows.Scan(&mac, &home); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		states[mac] = home == 1
	}
	return states, rows.Err()
}

// DeviceRow is the last recorded state of one device.
type DeviceRow struct {
	MAC      string    `json:"mac"`
	Name     string    `json:"name,omitempty"`
	Vendor   string    `json:"vendor,omitempty"`
	LastSeen time.Time `json:"last_seen,omitzero"`
	Home     bool      `json:"is_home"`
	Updated  time.Time `json:"updated_at"`
}

// Devices returns every recorded device row, sorted by MAC. Used by the
// status command.
func (s *Store) Devices() ([]DeviceRow, error) {
	rows, err := s.db.Query(
		`SELECT mac, name, vendor, last_seen, is_home, updated_at
		 FROM devices ORDER BY mac`,
	)
	if err != nil {
		return nil, fmt.Errorf("load devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRow
	for rows.Next() {
		var r DeviceRow
		var home int
		var lastSeen, updated string
		if err := rows.Scan(&r.MAC, &r.Name, &r.Vendor, &lastSeen, &home, &updated); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		r.Home = home == 1
		if ts, err := time.Parse(time.RFC3339, lastSeen); err == nil {
			r.LastSeen = ts
		}
		if ts, err := time.Parse(time.RFC3339, updated); err == nil {
			r.Updated = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TransitionEvent is one row from the transition log.
type TransitionEvent struct {
	MAC  string
	Home bool
	At   time.Time
}

// RecentTransitions returns the newest transition events, newest first,
// up to limit.
func (s *Store) RecentTransitions(limit int) ([]TransitionEvent, error) {
	rows, err := s.db.Query(
		`SELECT mac, home, at FROM transitions ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load transitions: %w", err)
	}
	defer rows.Close()

	var events []TransitionEvent
	for rows.Next() {
		var ev TransitionEvent
		var home int
		var at string
		if err := rows.Scan(&ev.MAC, &home, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		ev.Home = home == 1
		if ts, err := time.Parse(time.RFC3339, at); err == nil {
			ev.At = ts
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// timeString renders a timestamp as RFC3339 UTC, or "" for the zero
// value so "never seen" stays distinguishable.
func timeString(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
