// Copyright (c) 2025, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCreatesAndMigrates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "fetcharr.db")

	db, err := New(path)
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, path, db.Path())

	var version int
	require.NoError(t, db.Conn().QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, len(migrations), version)

	for _, table := range []string{"trackers", "downloads"} {
		var name string
		err := db.Conn().QueryRow(
			"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table,
		).Scan(&name)
		require.NoError(t, err, "table %s must exist", table)
	}
}

func TestReopenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fetcharr.db")

	db, err := New(path)
	require.NoError(t, err)
	_, err = db.Conn().Exec("INSERT INTO trackers (item_key, kind, phase) VALUES ('item:1', 'movie', 'retrying')")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM trackers").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestNewerSchemaIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fetcharr.db")

	db, err := New(path)
	require.NoError(t, err)
	_, err = db.Conn().Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, err = New(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than this build")
}
