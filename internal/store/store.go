// Package store is the durable row store for channels, streams, EPG tables,
// and settings, backed by a single sqlite file.
//
// sqlite allows one writer at a time; all writes are funneled through an
// internal mutex so callers never see SQLITE_BUSY under normal operation.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/plexbridge/plexbridge/internal/observe"
)

var (
	// ErrStorageUnavailable wraps transient failures (locked DB, I/O). Retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrConstraint wraps schema constraint violations. Not retryable.
	ErrConstraint = errors.New("constraint violation")
	// ErrNotFound is returned by point lookups when no row matches.
	ErrNotFound = errors.New("not found")
)

// Store owns the sqlite handle. Safe for concurrent use.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	log     zerolog.Logger
}

// Open opens (and if needed creates) the database at path and applies the schema.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	// One connection: modernc sqlite serializes anyway and an in-memory DB
	// must not be split across pooled connections.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, log: observe.Component("store")}
	if err := s.applySchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS channels (
	channel_id     TEXT PRIMARY KEY,
	channel_number INTEGER NOT NULL,
	name           TEXT NOT NULL,
	logo_url       TEXT NOT NULL DEFAULT '',
	epg_id         TEXT NOT NULL DEFAULT '',
	enabled        INTEGER NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_channels_number_enabled
	ON channels(channel_number) WHERE enabled = 1;

CREATE TABLE IF NOT EXISTS streams (
	stream_id         TEXT PRIMARY KEY,
	channel_id        TEXT NOT NULL REFERENCES channels(channel_id) ON DELETE CASCADE,
	url               TEXT NOT NULL,
	kind              TEXT NOT NULL DEFAULT '',
	username          TEXT NOT NULL DEFAULT '',
	password          TEXT NOT NULL DEFAULT '',
	headers           TEXT NOT NULL DEFAULT '',
	enabled           INTEGER NOT NULL DEFAULT 1,
	connection_limits INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_streams_channel ON streams(channel_id);

CREATE TABLE IF NOT EXISTS epg_sources (
	source_id        TEXT PRIMARY KEY,
	url              TEXT NOT NULL,
	refresh_interval TEXT NOT NULL DEFAULT '6h',
	enabled          INTEGER NOT NULL DEFAULT 1,
	category         TEXT NOT NULL DEFAULT '',
	last_refresh     INTEGER NOT NULL DEFAULT 0,
	last_success     INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS epg_channels (
	source_id        TEXT NOT NULL,
	xmltv_channel_id TEXT NOT NULL,
	display_name     TEXT NOT NULL,
	icon_url         TEXT NOT NULL DEFAULT '',
	refreshed_at     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (source_id, xmltv_channel_id)
);

CREATE TABLE IF NOT EXISTS epg_programs (
	source_id        TEXT NOT NULL,
	xmltv_channel_id TEXT NOT NULL,
	start_time       INTEGER NOT NULL,
	end_time         INTEGER NOT NULL,
	title            TEXT NOT NULL,
	subtitle         TEXT NOT NULL DEFAULT '',
	description      TEXT NOT NULL DEFAULT '',
	category         TEXT NOT NULL DEFAULT '',
	flags            INTEGER NOT NULL DEFAULT 0,
	season           INTEGER NOT NULL DEFAULT 0,
	episode          INTEGER NOT NULL DEFAULT 0,
	year             INTEGER NOT NULL DEFAULT 0,
	rating           TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (xmltv_channel_id, start_time),
	CHECK (end_time > start_time)
);
CREATE INDEX IF NOT EXISTS idx_programs_window ON epg_programs(xmltv_channel_id, start_time, end_time);
CREATE INDEX IF NOT EXISTS idx_programs_source ON epg_programs(source_id, start_time);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS profiles (
	name         TEXT NOT NULL,
	client_class TEXT NOT NULL,
	args         TEXT NOT NULL,
	PRIMARY KEY (name, client_class)
);
`

func (s *Store) applySchema() error {
	if _, err := s.db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return wrapErr(err)
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", wrapErr(err))
	}
	return nil
}

// WithTx runs fn inside a transaction. Writes that touch multiple entities
// go through here so observers see either all of them or none.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return wrapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return wrapErr(err)
	}
	return nil
}

// wrapErr maps raw sqlite errors onto the store's error taxonomy.
// Errors already in the taxonomy pass through unchanged.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) || errors.Is(err, ErrConstraint) || errors.Is(err, ErrNotFound) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "unique") {
		return fmt.Errorf("%w: %v", ErrConstraint, err)
	}
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}
