// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package database opens the sqlite state database and applies schema
// migrations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var ErrClosed = errors.New("database is closed")

// migrations are applied in order; the sqlite user_version pragma records
// how far a database has been migrated.
var migrations = []string{
	`
	CREATE TABLE trackers (
		item_key        TEXT PRIMARY KEY,
		kind            TEXT NOT NULL,
		title           TEXT NOT NULL DEFAULT '',
		imdb_id         TEXT NOT NULL DEFAULT '',
		tmdb_id         TEXT NOT NULL DEFAULT '',
		tvdb_id         TEXT NOT NULL DEFAULT '',
		phase           TEXT NOT NULL,
		retry_count     INTEGER NOT NULL DEFAULT 0,
		last_retry_at   TIMESTAMP,
		candidates_json TEXT NOT NULL DEFAULT '[]',
		next_candidate  INTEGER NOT NULL DEFAULT 0,
		processed       BOOLEAN NOT NULL DEFAULT 0,
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX idx_trackers_phase ON trackers (phase) WHERE processed = 0;

	CREATE TABLE downloads (
		torrent_id   TEXT PRIMARY KEY,
		item_key     TEXT NOT NULL,
		infohash     TEXT NOT NULL,
		filename     TEXT NOT NULL DEFAULT '',
		submitted_at TIMESTAMP NOT NULL,
		FOREIGN KEY (item_key) REFERENCES trackers (item_key) ON DELETE CASCADE
	);

	CREATE INDEX idx_downloads_item_key ON downloads (item_key);
	`,
}

// DB wraps the sqlite handle.
type DB struct {
	conn *sql.DB
	path string
}

// New opens (creating if necessary) the database at path and migrates it.
func New(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create database directory")
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	// modernc sqlite is not safe for concurrent writers on one connection
	// pool entry; a single connection keeps WAL access serialized.
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn, path: path}
	if err := db.migrate(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	var version int
	if err := db.conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return errors.Wrap(err, "read schema version")
	}

	if version > len(migrations) {
		return errors.Errorf("database schema version %d is newer than this build supports (%d)", version, len(migrations))
	}
	if version == len(migrations) {
		return nil
	}

	start := time.Now()
	for i := version; i < len(migrations); i++ {
		tx, err := db.conn.BeginTx(ctx, nil)
		if err != nil {
			return errors.Wrap(err, "begin migration")
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "apply migration %d", i+1)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", i+1)); err != nil {
			tx.Rollback()
			return errors.Wrapf(err, "bump schema version to %d", i+1)
		}
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(err, "commit migration %d", i+1)
		}
	}

	log.Debug().
		Int("from", version).
		Int("to", len(migrations)).
		Dur("elapsed", time.Since(start)).
		Msg("Applied database migrations")

	return nil
}

// Conn exposes the underlying handle for the stores.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database.
func (db *DB) Close() error {
	if db.conn == nil {
		return ErrClosed
	}
	return db.conn.Close()
}
