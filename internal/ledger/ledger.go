// Package ledger records network events in a SQL table for the lifetime of a
// run. SQLite (in-memory by default) and Postgres through pgx are supported.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/signalsfoundry/handover-simulator/internal/events"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"

	defaultTable = "handover_events"
)

// Store is an events.Sink backed by database/sql.
type Store struct {
	db     *sql.DB
	driver string
	table  string
}

// Option configures the store.
type Option func(*Store)

// WithTable overrides the default table name.
func WithTable(table string) Option {
	return func(s *Store) {
		if table != "" {
			s.table = table
		}
	}
}

// Open connects to dsn with driver, verifies the connection and creates the
// events table if needed.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("ledger: unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", driver, err)
	}
	if driver == DriverSQLite {
		// A single connection keeps in-memory databases alive and avoids
		// SQLITE_BUSY between writers.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: ping %s: %w", driver, err)
	}

	s := New(db, driver, opts...)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle. Call Migrate before use.
func New(db *sql.DB, driver string, opts ...Option) *Store {
	s := &Store{db: db, driver: driver, table: defaultTable}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the events table and its device index.
func (s *Store) Migrate(ctx context.Context) error {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == DriverPostgres {
		seq = "seq BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	%s,
	event_id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	at_unix_nano BIGINT NOT NULL,
	device_id TEXT NOT NULL DEFAULT '',
	station_id TEXT NOT NULL DEFAULT '',
	previous_station_id TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT '',
	battery INTEGER NOT NULL DEFAULT 0,
	signal DOUBLE PRECISION NOT NULL DEFAULT 0,
	x DOUBLE PRECISION NOT NULL DEFAULT 0,
	y DOUBLE PRECISION NOT NULL DEFAULT 0,
	detail TEXT NOT NULL DEFAULT ''
)`, s.table, seq),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_device_idx ON %s (device_id)`, s.table, s.table),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: migrate: %w", err)
		}
	}
	return nil
}

// Publish implements events.Sink.
func (s *Store) Publish(ctx context.Context, ev events.Event) error {
	if s == nil || s.db == nil {
		return errors.New("ledger: nil db")
	}
	if ev.ID == "" || ev.Type == "" {
		return errors.New("ledger: event without id or type")
	}
	query := s.rebind(fmt.Sprintf(`
INSERT INTO %s (
	event_id, event_type, at_unix_nano, device_id, station_id,
	previous_station_id, kind, battery, signal, x, y, detail
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table))

	_, err := s.db.ExecContext(ctx, query,
		ev.ID,
		string(ev.Type),
		ev.At.UnixNano(),
		ev.DeviceID,
		ev.StationID,
		ev.PreviousStationID,
		ev.Kind,
		ev.Battery,
		ev.Signal,
		ev.X,
		ev.Y,
		ev.Detail,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert %s: %w", ev.ID, err)
	}
	return nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	DeviceID string
	Type     events.Type
	// Limit keeps only the most recent matches.
	Limit int
}

// List returns matching events oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]events.Event, error) {
	var (
		where []string
		args  []any
	)
	if f.DeviceID != "" {
		where = append(where, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, string(f.Type))
	}

	query := fmt.Sprintf(`
SELECT event_id, event_type, at_unix_nano, device_id, station_id,
	previous_station_id, kind, battery, signal, x, y, detail
FROM %s`, s.table)
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var (
			ev    events.Event
			typ   string
			atNsc int64
		)
		if err := rows.Scan(&ev.ID, &typ, &atNsc, &ev.DeviceID, &ev.StationID,
			&ev.PreviousStationID, &ev.Kind, &ev.Battery, &ev.Signal, &ev.X, &ev.Y, &ev.Detail); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		ev.Type = events.Type(typ)
		ev.At = time.Unix(0, atNsc).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count returns the number of recorded events.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("ledger: count: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
