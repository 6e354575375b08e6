package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/matrix"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository implements simplerecords.Repository on an embedded SQLite file.
// The pool holds a single connection, so every transaction is exclusive.
type Repository struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema
func Open(ctx context.Context, path string) (*Repository, error) {
	if path == "" {
		path = "records.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

// New wraps an open database. The caller is responsible for the schema and
// for limiting the pool to one connection.
func New(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Close releases the database handle
func (r *Repository) Close() error {
	return r.db.Close()
}

func handleSQLiteError(operation string, err error) error {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%s: %w", operation, simplerecords.ErrConflict)
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return fmt.Errorf("%s: referenced row missing: %w", operation, simplerecords.ErrNotFound)
		}
		// Without extended result codes only the primary code is set.
		if sqlErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(sqlErr.Error(), "UNIQUE") {
			return fmt.Errorf("%s: %w", operation, simplerecords.ErrConflict)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (retErr error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return handleSQLiteError("begin", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return handleSQLiteError("commit", err)
	}
	return nil
}

// Ensemble operations

func (r *Repository) CreateEnsemble(ctx context.Context, ensemble *simplerecords.Ensemble) error {
	active, _ := json.Marshal(ensemble.ActiveRealizations)
	params, _ := json.Marshal(ensemble.ParameterNames)
	responses, _ := json.Marshal(ensemble.ResponseNames)
	userdata, err := json.Marshal(ensemble.Userdata)
	if err != nil {
		return fmt.Errorf("failed to encode userdata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO ensemble (
			id, size, active_realizations, parameter_names, response_names,
			userdata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ensemble.ID, ensemble.Size, string(active), string(params), string(responses),
		string(userdata), ensemble.CreatedAt.UnixNano(), ensemble.UpdatedAt.UnixNano())
	if err != nil {
		return handleSQLiteError("create ensemble", err)
	}
	return nil
}

func (r *Repository) GetEnsemble(ctx context.Context, id uuid.UUID) (*simplerecords.Ensemble, error) {
	var e simplerecords.Ensemble
	var active, params, responses, userdata string
	var created, updated int64
	err := r.db.QueryRowContext(ctx, `
		SELECT id, size, active_realizations, parameter_names, response_names,
		       userdata, created_at, updated_at
		FROM ensemble WHERE id = ?`, id).Scan(
		&e.ID, &e.Size, &active, &params, &responses, &userdata, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, simplerecords.ErrEnsembleNotFound
		}
		return nil, handleSQLiteError("get ensemble", err)
	}

	for _, f := range []struct {
		src string
		dst interface{}
	}{
		{active, &e.ActiveRealizations},
		{params, &e.ParameterNames},
		{responses, &e.ResponseNames},
		{userdata, &e.Userdata},
	} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return nil, fmt.Errorf("failed to decode ensemble %s: %w", id, err)
		}
	}
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return &e, nil
}

func (r *Repository) DeleteEnsemble(ctx context.Context, id uuid.UUID) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM file WHERE id IN (
				SELECT r.file_id FROM record r
				JOIN record_info i ON i.id = r.record_info_id
				WHERE i.ensemble_id = ? AND r.file_id IS NOT NULL
			)`, id)
		if err != nil {
			return handleSQLiteError("delete ensemble files", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM ensemble WHERE id = ?`, id)
		if err != nil {
			return handleSQLiteError("delete ensemble", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return simplerecords.ErrEnsembleNotFound
		}
		return nil
	})
}

// Lineage operations

func (r *Repository) CreateUpdate(ctx context.Context, update *simplerecords.Update) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ensemble_update (id, algorithm, reference_id, result_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		update.ID, update.Algorithm, update.ReferenceID, update.ResultID, update.CreatedAt.UnixNano())
	if err != nil {
		return handleSQLiteError("create update", err)
	}
	return nil
}

func (r *Repository) GetUpdateByResult(ctx context.Context, resultID uuid.UUID) (*simplerecords.Update, error) {
	updates, err := r.queryUpdates(ctx, `WHERE result_id = ?`, resultID)
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return nil, simplerecords.ErrNotFound
	}
	return updates[0], nil
}

func (r *Repository) ListUpdatesByReference(ctx context.Context, referenceID uuid.UUID) ([]*simplerecords.Update, error) {
	return r.queryUpdates(ctx, `WHERE reference_id = ? ORDER BY created_at`, referenceID)
}

func (r *Repository) queryUpdates(ctx context.Context, where string, args ...interface{}) ([]*simplerecords.Update, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, algorithm, reference_id, result_id, created_at
		FROM ensemble_update `+where, args...)
	if err != nil {
		return nil, handleSQLiteError("query updates", err)
	}
	defer func() { _ = rows.Close() }()

	var updates []*simplerecords.Update
	for rows.Next() {
		var u simplerecords.Update
		var created int64
		if err := rows.Scan(&u.ID, &u.Algorithm, &u.ReferenceID, &u.ResultID, &created); err != nil {
			return nil, handleSQLiteError("scan update", err)
		}
		u.CreatedAt = fromNanos(created)
		updates = append(updates, &u)
	}
	return updates, rows.Err()
}

// Record operations

const recordSelect = `
	SELECT r.id, i.ensemble_id, i.name, r.realization_index, i.record_type, i.record_class,
	       r.matrix_shape, r.matrix_values, r.matrix_labels, r.observation_ids,
	       r.created_at, r.updated_at,
	       f.id, f.filename, f.mimetype, f.storage, f.container, f.blob_key,
	       f.state, f.size, f.checksum, f.created_at, f.updated_at
	FROM record r
	JOIN record_info i ON i.id = r.record_info_id
	LEFT JOIN file f ON f.id = r.file_id`

func (r *Repository) CreateRecord(ctx context.Context, info *simplerecords.RecordInfo, rec *simplerecords.Record, check simplerecords.ConflictCheck) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM ensemble WHERE id = ?)`, rec.EnsembleID).Scan(&exists); err != nil {
			return handleSQLiteError("check ensemble", err)
		}
		if !exists {
			return simplerecords.ErrEnsembleNotFound
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO record_info (id, ensemble_id, name, record_type, record_class, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (ensemble_id, name) DO NOTHING`,
			info.ID, info.EnsembleID, info.Name, string(info.RecordType), string(info.RecordClass), info.CreatedAt.UnixNano())
		if err != nil {
			return handleSQLiteError("create record info", err)
		}

		var infoID uuid.UUID
		var recordType, recordClass string
		err = tx.QueryRowContext(ctx, `
			SELECT id, record_type, record_class FROM record_info
			WHERE ensemble_id = ? AND name = ?`, rec.EnsembleID, rec.Name).Scan(&infoID, &recordType, &recordClass)
		if err != nil {
			return handleSQLiteError("load record info", err)
		}
		if simplerecords.RecordType(recordType) != rec.RecordType {
			return fmt.Errorf("%w: record '%s' holds %s content, got %s",
				simplerecords.ErrValidation, rec.Name, recordType, rec.RecordType)
		}
		rec.RecordClass = simplerecords.RecordClass(recordClass)

		existing, err := queryRecords(ctx, tx, recordSelect+` WHERE r.record_info_id = ?`, infoID)
		if err != nil {
			return err
		}
		for _, other := range existing {
			if sameScope(other.RealizationIndex, rec.RealizationIndex) {
				return simplerecords.ErrConflict
			}
		}
		if check != nil {
			if err := check(existing); err != nil {
				return err
			}
		}

		var fileID *string
		var shape, labels *string
		var values []byte
		switch c := rec.Content.(type) {
		case simplerecords.FileContent:
			if err := insertFile(ctx, tx, c.File); err != nil {
				return err
			}
			id := c.File.ID.String()
			fileID = &id
		case simplerecords.MatrixContent:
			s, _ := json.Marshal(c.Matrix.Shape)
			shape = stringPtr(string(s))
			values = encodeFloats(c.Matrix.Values)
			if c.Matrix.Labels != nil {
				l, err := json.Marshal(c.Matrix.Labels)
				if err != nil {
					return fmt.Errorf("failed to encode labels: %w", err)
				}
				labels = stringPtr(string(l))
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO record (
				id, record_info_id, realization_index, file_id,
				matrix_shape, matrix_values, matrix_labels, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, infoID, rec.RealizationIndex, fileID, shape, values, labels,
			rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano())
		if err != nil {
			return handleSQLiteError("create record", err)
		}
		return nil
	})
}

func insertFile(ctx context.Context, q querier, f *simplerecords.File) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO file (
			id, filename, mimetype, storage, container, blob_key,
			state, size, checksum, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Filename, f.MimeType, string(f.Storage), f.Container, f.BlobKey,
		string(f.State), f.Size, f.Checksum, f.CreatedAt.UnixNano(), f.UpdatedAt.UnixNano())
	if err != nil {
		return handleSQLiteError("create file", err)
	}
	return nil
}

func (r *Repository) GetRecord(ctx context.Context, id uuid.UUID) (*simplerecords.Record, error) {
	return firstRecord(queryRecords(ctx, r.db, recordSelect+` WHERE r.id = ?`, id))
}

func (r *Repository) FindRecord(ctx context.Context, ensembleID uuid.UUID, name string, realizationIndex *int) (*simplerecords.Record, error) {
	return firstRecord(queryRecords(ctx, r.db, recordSelect+`
		WHERE i.ensemble_id = ? AND i.name = ? AND r.realization_index IS ?`,
		ensembleID, name, realizationIndex))
}

func (r *Repository) ListRecords(ctx context.Context, ensembleID uuid.UUID) ([]*simplerecords.Record, error) {
	return queryRecords(ctx, r.db, recordSelect+`
		WHERE i.ensemble_id = ?
		ORDER BY i.name, COALESCE(r.realization_index, -1)`, ensembleID)
}

func (r *Repository) GetRecordInfo(ctx context.Context, ensembleID uuid.UUID, name string) (*simplerecords.RecordInfo, error) {
	var info simplerecords.RecordInfo
	var recordType, recordClass string
	var created int64
	err := r.db.QueryRowContext(ctx, `
		SELECT id, ensemble_id, name, record_type, record_class, created_at
		FROM record_info WHERE ensemble_id = ? AND name = ?`, ensembleID, name).Scan(
		&info.ID, &info.EnsembleID, &info.Name, &recordType, &recordClass, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, simplerecords.ErrNotFound
		}
		return nil, handleSQLiteError("get record info", err)
	}
	info.RecordType = simplerecords.RecordType(recordType)
	info.RecordClass = simplerecords.RecordClass(recordClass)
	info.CreatedAt = fromNanos(created)
	return &info, nil
}

func (r *Repository) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var infoID uuid.UUID
		var fileID uuid.NullUUID
		err := tx.QueryRowContext(ctx, `SELECT record_info_id, file_id FROM record WHERE id = ?`, id).Scan(&infoID, &fileID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return simplerecords.ErrRecordNotFound
			}
			return handleSQLiteError("delete record", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM record WHERE id = ?`, id); err != nil {
			return handleSQLiteError("delete record", err)
		}
		if fileID.Valid {
			if _, err := tx.ExecContext(ctx, `DELETE FROM file WHERE id = ?`, fileID.UUID); err != nil {
				return handleSQLiteError("delete file", err)
			}
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM record_info WHERE id = ?
			AND NOT EXISTS (SELECT 1 FROM record WHERE record_info_id = ?)`, infoID, infoID)
		if err != nil {
			return handleSQLiteError("delete record info", err)
		}
		return nil
	})
}

func (r *Repository) LinkObservation(ctx context.Context, recordID, observationID uuid.UUID) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT observation_ids FROM record WHERE id = ?`, recordID).Scan(&raw)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return simplerecords.ErrRecordNotFound
			}
			return handleSQLiteError("link observation", err)
		}
		var ids []uuid.UUID
		if err := json.Unmarshal([]byte(raw), &ids); err != nil {
			return fmt.Errorf("failed to decode observations of record %s: %w", recordID, err)
		}
		for _, id := range ids {
			if id == observationID {
				return nil
			}
		}
		encoded, _ := json.Marshal(append(ids, observationID))
		_, err = tx.ExecContext(ctx, `UPDATE record SET observation_ids = ?, updated_at = ? WHERE id = ?`,
			string(encoded), time.Now().UTC().UnixNano(), recordID)
		if err != nil {
			return handleSQLiteError("link observation", err)
		}
		return nil
	})
}

func firstRecord(records []*simplerecords.Record, err error) (*simplerecords.Record, error) {
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, simplerecords.ErrRecordNotFound
	}
	return records[0], nil
}

func queryRecords(ctx context.Context, q querier, query string, args ...interface{}) ([]*simplerecords.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, handleSQLiteError("query records", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*simplerecords.Record
	for rows.Next() {
		var rec simplerecords.Record
		var recordType, recordClass, observations string
		var shape, labels *string
		var values []byte
		var created, updated int64
		var fileID uuid.NullUUID
		var filename, mimetype, storage, container, blobKey, state, checksum *string
		var size, fileCreated, fileUpdated *int64
		err := rows.Scan(
			&rec.ID, &rec.EnsembleID, &rec.Name, &rec.RealizationIndex, &recordType, &recordClass,
			&shape, &values, &labels, &observations,
			&created, &updated,
			&fileID, &filename, &mimetype, &storage, &container, &blobKey,
			&state, &size, &checksum, &fileCreated, &fileUpdated)
		if err != nil {
			return nil, handleSQLiteError("scan record", err)
		}
		rec.RecordType = simplerecords.RecordType(recordType)
		rec.RecordClass = simplerecords.RecordClass(recordClass)
		rec.CreatedAt = fromNanos(created)
		rec.UpdatedAt = fromNanos(updated)
		if err := json.Unmarshal([]byte(observations), &rec.ObservationIDs); err != nil {
			return nil, fmt.Errorf("failed to decode observations of record %s: %w", rec.ID, err)
		}
		if len(rec.ObservationIDs) == 0 {
			rec.ObservationIDs = nil
		}

		if fileID.Valid {
			rec.Content = simplerecords.FileContent{File: &simplerecords.File{
				ID:        fileID.UUID,
				Filename:  *filename,
				MimeType:  *mimetype,
				Storage:   simplerecords.FileStorage(*storage),
				Container: *container,
				BlobKey:   *blobKey,
				State:     simplerecords.UploadState(*state),
				Size:      *size,
				Checksum:  *checksum,
				CreatedAt: fromNanos(*fileCreated),
				UpdatedAt: fromNanos(*fileUpdated),
			}}
		} else {
			m := &matrix.Matrix{Values: decodeFloats(values)}
			if shape != nil {
				if err := json.Unmarshal([]byte(*shape), &m.Shape); err != nil {
					return nil, fmt.Errorf("failed to decode shape of record %s: %w", rec.ID, err)
				}
			}
			if labels != nil {
				if err := json.Unmarshal([]byte(*labels), &m.Labels); err != nil {
					return nil, fmt.Errorf("failed to decode labels of record %s: %w", rec.ID, err)
				}
			}
			rec.Content = simplerecords.MatrixContent{Matrix: m}
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, handleSQLiteError("query records", err)
	}
	return records, nil
}

// Staged upload operations

func (r *Repository) SaveStagedBlock(ctx context.Context, block *simplerecords.StagedBlock) (*simplerecords.StagedBlock, error) {
	var replaced *simplerecords.StagedBlock
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		old, err := queryBlocks(ctx, tx, `WHERE file_id = ? AND block_index = ?`, block.FileID, block.BlockIndex)
		if err != nil {
			return err
		}
		if len(old) > 0 {
			replaced = old[0]
			if _, err := tx.ExecContext(ctx, `DELETE FROM staged_block WHERE id = ?`, replaced.ID); err != nil {
				return handleSQLiteError("replace staged block", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO staged_block (
				id, file_id, block_id, block_index, ensemble_id, record_name,
				realization_index, size, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			block.ID, block.FileID, block.BlockID, block.BlockIndex, block.EnsembleID, block.RecordName,
			block.RealizationIndex, block.Size, block.CreatedAt.UnixNano())
		if err != nil {
			return handleSQLiteError("save staged block", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return replaced, nil
}

func (r *Repository) ListStagedBlocks(ctx context.Context, fileID uuid.UUID) ([]*simplerecords.StagedBlock, error) {
	return queryBlocks(ctx, r.db, `WHERE file_id = ? ORDER BY block_index`, fileID)
}

func queryBlocks(ctx context.Context, q querier, where string, args ...interface{}) ([]*simplerecords.StagedBlock, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, file_id, block_id, block_index, ensemble_id, record_name,
		       realization_index, size, created_at
		FROM staged_block `+where, args...)
	if err != nil {
		return nil, handleSQLiteError("query staged blocks", err)
	}
	defer func() { _ = rows.Close() }()

	var blocks []*simplerecords.StagedBlock
	for rows.Next() {
		var b simplerecords.StagedBlock
		var created int64
		if err := rows.Scan(&b.ID, &b.FileID, &b.BlockID, &b.BlockIndex, &b.EnsembleID, &b.RecordName,
			&b.RealizationIndex, &b.Size, &created); err != nil {
			return nil, handleSQLiteError("scan staged block", err)
		}
		b.CreatedAt = fromNanos(created)
		blocks = append(blocks, &b)
	}
	return blocks, rows.Err()
}

func (r *Repository) DeleteStagedBlocks(ctx context.Context, fileID uuid.UUID) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM staged_block WHERE file_id = ?`, fileID); err != nil {
		return handleSQLiteError("delete staged blocks", err)
	}
	return nil
}

func (r *Repository) CommitFile(ctx context.Context, fileID uuid.UUID, size int64, checksum string) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE file SET state = ?, size = ?, checksum = ?, updated_at = ?
			WHERE id = ? AND state = ?`,
			string(simplerecords.UploadStateCommitted), size, checksum, time.Now().UTC().UnixNano(),
			fileID, string(simplerecords.UploadStateStaging))
		if err != nil {
			return handleSQLiteError("commit file", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}

		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM file WHERE id = ?)`, fileID).Scan(&exists); err != nil {
			return handleSQLiteError("commit file", err)
		}
		if !exists {
			return simplerecords.ErrRecordNotFound
		}
		return simplerecords.ErrAlreadyCommitted
	})
}

// Inline content operations

func (r *Repository) PutInlineContent(ctx context.Context, key string, data []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO inline_blob (key, data) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET data = excluded.data`, key, nonNilBytes(data))
	if err != nil {
		return handleSQLiteError("put inline content", err)
	}
	return nil
}

func (r *Repository) GetInlineContent(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM inline_blob WHERE key = ?`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("inline content %s: %w", key, simplerecords.ErrNotFound)
		}
		return nil, handleSQLiteError("get inline content", err)
	}
	return data, nil
}

func (r *Repository) DeleteInlineContent(ctx context.Context, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM inline_blob WHERE key = ?`, key); err != nil {
		return handleSQLiteError("delete inline content", err)
	}
	return nil
}

func (r *Repository) PutInlineBlock(ctx context.Context, key, blockID string, data []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO inline_block (key, block_id, data) VALUES (?, ?, ?)
		ON CONFLICT (key, block_id) DO UPDATE SET data = excluded.data`, key, blockID, nonNilBytes(data))
	if err != nil {
		return handleSQLiteError("put inline block", err)
	}
	return nil
}

func (r *Repository) GetInlineBlock(ctx context.Context, key, blockID string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRowContext(ctx, `SELECT data FROM inline_block WHERE key = ? AND block_id = ?`, key, blockID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("inline block %s of %s: %w", blockID, key, simplerecords.ErrNotFound)
		}
		return nil, handleSQLiteError("get inline block", err)
	}
	return data, nil
}

func (r *Repository) DeleteInlineBlocks(ctx context.Context, key string, blockIDs []string) error {
	if len(blockIDs) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(blockIDs)+1)
	args = append(args, key)
	for _, id := range blockIDs {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(blockIDs)), ",")
	_, err := r.db.ExecContext(ctx, `DELETE FROM inline_block WHERE key = ? AND block_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return handleSQLiteError("delete inline blocks", err)
	}
	return nil
}

// encodeFloats packs values as little-endian float64s.
func encodeFloats(values []float64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}

func decodeFloats(data []byte) []float64 {
	out := make([]float64, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return out
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func sameScope(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func stringPtr(s string) *string {
	return &s
}

func nonNilBytes(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}
