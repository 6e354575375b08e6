package postgres

import (
	"context"
	"fmt"
)

// schema creates every table the repository needs. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ensemble (
		id                  UUID PRIMARY KEY,
		size                INT NOT NULL,
		active_realizations INT[] NOT NULL DEFAULT '{}',
		parameter_names     TEXT[] NOT NULL DEFAULT '{}',
		response_names      TEXT[] NOT NULL DEFAULT '{}',
		userdata            JSONB NOT NULL DEFAULT '{}',
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ensemble_update (
		id           UUID PRIMARY KEY,
		algorithm    TEXT NOT NULL,
		reference_id UUID NOT NULL REFERENCES ensemble(id) ON DELETE CASCADE,
		result_id    UUID NOT NULL UNIQUE REFERENCES ensemble(id) ON DELETE CASCADE,
		created_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS record_info (
		id           UUID PRIMARY KEY,
		ensemble_id  UUID NOT NULL REFERENCES ensemble(id) ON DELETE CASCADE,
		name         TEXT NOT NULL,
		record_type  TEXT NOT NULL,
		record_class TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		UNIQUE (ensemble_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS file (
		id         UUID PRIMARY KEY,
		filename   TEXT NOT NULL,
		mimetype   TEXT NOT NULL,
		storage    TEXT NOT NULL,
		container  TEXT NOT NULL DEFAULT '',
		blob_key   TEXT NOT NULL UNIQUE,
		state      TEXT NOT NULL,
		size       BIGINT NOT NULL DEFAULT 0,
		checksum   TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS record (
		id                UUID PRIMARY KEY,
		record_info_id    UUID NOT NULL REFERENCES record_info(id) ON DELETE CASCADE,
		realization_index INT,
		file_id           UUID REFERENCES file(id) ON DELETE CASCADE,
		matrix_shape      INT[],
		matrix_values     DOUBLE PRECISION[],
		matrix_labels     JSONB,
		observation_ids   UUID[] NOT NULL DEFAULT '{}',
		created_at        TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS record_scope_idx
		ON record (record_info_id, COALESCE(realization_index, -1))`,
	`CREATE TABLE IF NOT EXISTS staged_block (
		id                UUID PRIMARY KEY,
		file_id           UUID NOT NULL REFERENCES file(id) ON DELETE CASCADE,
		block_id          TEXT NOT NULL,
		block_index       INT NOT NULL,
		ensemble_id       UUID NOT NULL,
		record_name       TEXT NOT NULL,
		realization_index INT,
		size              BIGINT NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL,
		UNIQUE (file_id, block_index)
	)`,
	`CREATE TABLE IF NOT EXISTS inline_blob (
		key  TEXT PRIMARY KEY,
		data BYTEA NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS inline_block (
		key      TEXT NOT NULL,
		block_id TEXT NOT NULL,
		data     BYTEA NOT NULL,
		PRIMARY KEY (key, block_id)
	)`,
}

// EnsureSchema creates the tables if they do not exist yet
func EnsureSchema(ctx context.Context, db DBTX) error {
	for _, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
