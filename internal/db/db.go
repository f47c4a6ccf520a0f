package db

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schemaVersion = 1

type DB struct {
	sql *sql.DB
	now func() time.Time
}

func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	conn.SetMaxOpenConns(1)
	for _, pragma := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return &DB{sql: conn, now: time.Now}, nil
}

// SetNow replaces the time source. Used in tests only.
func (d *DB) SetNow(fn func() time.Time) {
	d.now = fn
}

func (d *DB) Close() error {
	return d.sql.Close()
}

func (d *DB) Migrate() error {
	_, err := d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}

	_, err = d.sql.Exec(`
		CREATE TABLE IF NOT EXISTS audit_events (
			id      TEXT PRIMARY KEY,
			ts      INTEGER NOT NULL,
			action  TEXT NOT NULL,
			peer_id TEXT NOT NULL DEFAULT '',
			detail  TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("create audit_events: %w", err)
	}

	if _, err := d.sql.Exec(`CREATE INDEX IF NOT EXISTS idx_audit_events_ts ON audit_events(ts DESC)`); err != nil {
		return fmt.Errorf("index audit_events: %w", err)
	}

	return d.SetMeta("schema_version", strconv.Itoa(schemaVersion))
}

// InsertAuditEvent implements relay.AuditLog.
func (d *DB) InsertAuditEvent(action, peerID, detail string) error {
	_, err := d.sql.Exec(
		`INSERT INTO audit_events (id, ts, action, peer_id, detail) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), d.now().UnixMilli(), action, peerID, detail,
	)
	return err
}

// ListAuditEvents returns at most limit events, newest first.
func (d *DB) ListAuditEvents(limit int) ([]AuditEvent, error) {
	rows, err := d.sql.Query(
		`SELECT id, ts, action, peer_id, detail
		 FROM audit_events
		 ORDER BY ts DESC, rowid DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []AuditEvent{}
	for rows.Next() {
		var e AuditEvent
		var ts int64
		if err := rows.Scan(&e.ID, &ts, &e.Action, &e.PeerID, &e.Detail); err != nil {
			return nil, err
		}
		e.Ts = time.UnixMilli(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// PruneAuditEvents deletes events recorded before cutoff and returns how
// many were removed.
func (d *DB) PruneAuditEvents(cutoff time.Time) (int64, error) {
	res, err := d.sql.Exec(`DELETE FROM audit_events WHERE ts < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *DB) SetMeta(key, value string) error {
	_, err := d.sql.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?,?)", key, value)
	return err
}

func (d *DB) GetMeta(key string) (string, error) {
	var value string
	err := d.sql.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
