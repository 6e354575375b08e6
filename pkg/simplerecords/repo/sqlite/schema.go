package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Timestamps are stored as Unix nanoseconds, ids as text, and arrays as JSON.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ensemble (
		id                  TEXT PRIMARY KEY,
		size                INTEGER NOT NULL,
		active_realizations TEXT NOT NULL,
		parameter_names     TEXT NOT NULL,
		response_names      TEXT NOT NULL,
		userdata            TEXT NOT NULL,
		created_at          INTEGER NOT NULL,
		updated_at          INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ensemble_update (
		id           TEXT PRIMARY KEY,
		algorithm    TEXT NOT NULL,
		reference_id TEXT NOT NULL REFERENCES ensemble(id) ON DELETE CASCADE,
		result_id    TEXT NOT NULL UNIQUE REFERENCES ensemble(id) ON DELETE CASCADE,
		created_at   INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS record_info (
		id           TEXT PRIMARY KEY,
		ensemble_id  TEXT NOT NULL REFERENCES ensemble(id) ON DELETE CASCADE,
		name         TEXT NOT NULL,
		record_type  TEXT NOT NULL,
		record_class TEXT NOT NULL,
		created_at   INTEGER NOT NULL,
		UNIQUE (ensemble_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS file (
		id         TEXT PRIMARY KEY,
		filename   TEXT NOT NULL,
		mimetype   TEXT NOT NULL,
		storage    TEXT NOT NULL,
		container  TEXT NOT NULL DEFAULT '',
		blob_key   TEXT NOT NULL UNIQUE,
		state      TEXT NOT NULL,
		size       INTEGER NOT NULL DEFAULT 0,
		checksum   TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS record (
		id                TEXT PRIMARY KEY,
		record_info_id    TEXT NOT NULL REFERENCES record_info(id) ON DELETE CASCADE,
		realization_index INTEGER,
		file_id           TEXT REFERENCES file(id) ON DELETE CASCADE,
		matrix_shape      TEXT,
		matrix_values     BLOB,
		matrix_labels     TEXT,
		observation_ids   TEXT NOT NULL DEFAULT '[]',
		created_at        INTEGER NOT NULL,
		updated_at        INTEGER NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS record_scope_idx
		ON record (record_info_id, COALESCE(realization_index, -1))`,
	`CREATE TABLE IF NOT EXISTS staged_block (
		id                TEXT PRIMARY KEY,
		file_id           TEXT NOT NULL REFERENCES file(id) ON DELETE CASCADE,
		block_id          TEXT NOT NULL,
		block_index       INTEGER NOT NULL,
		ensemble_id       TEXT NOT NULL,
		record_name       TEXT NOT NULL,
		realization_index INTEGER,
		size              INTEGER NOT NULL,
		created_at        INTEGER NOT NULL,
		UNIQUE (file_id, block_index)
	)`,
	`CREATE TABLE IF NOT EXISTS inline_blob (
		key  TEXT PRIMARY KEY,
		data BLOB NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS inline_block (
		key      TEXT NOT NULL,
		block_id TEXT NOT NULL,
		data     BLOB NOT NULL,
		PRIMARY KEY (key, block_id)
	)`,
}

// EnsureSchema creates the tables if they do not exist yet
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
