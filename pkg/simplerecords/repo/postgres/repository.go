package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/matrix"
)

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// DB is a DBTX that can open transactions, such as *pgxpool.Pool
type DB interface {
	DBTX
	Begin(context.Context) (pgx.Tx, error)
}

// Repository implements simplerecords.Repository using PostgreSQL
type Repository struct {
	db DB
}

// New creates a new PostgreSQL repository
func New(db DB) simplerecords.Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) simplerecords.Repository {
	return &Repository{db: pool}
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %s: %w", operation, pgErr.ConstraintName, simplerecords.ErrConflict)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: referenced row missing: %w", operation, simplerecords.ErrNotFound)
		case "23502": // not_null_violation
			return fmt.Errorf("%s: required field %s is missing", operation, pgErr.ColumnName)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}
	return fmt.Errorf("database error in %s: %w", operation, err)
}

func (r *Repository) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return r.handlePostgresError("begin", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return r.handlePostgresError("commit", err)
	}
	return nil
}

// Ensemble operations

func (r *Repository) CreateEnsemble(ctx context.Context, ensemble *simplerecords.Ensemble) error {
	userdata := ensemble.Userdata
	if userdata == nil {
		userdata = map[string]interface{}{}
	}
	query := `
		INSERT INTO ensemble (
			id, size, active_realizations, parameter_names, response_names,
			userdata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(ctx, query,
		ensemble.ID, ensemble.Size, ensemble.ActiveRealizations, ensemble.ParameterNames,
		ensemble.ResponseNames, userdata, ensemble.CreatedAt, ensemble.UpdatedAt)
	if err != nil {
		return r.handlePostgresError("create ensemble", err)
	}
	return nil
}

func (r *Repository) GetEnsemble(ctx context.Context, id uuid.UUID) (*simplerecords.Ensemble, error) {
	query := `
		SELECT id, size, active_realizations, parameter_names, response_names,
		       userdata, created_at, updated_at
		FROM ensemble WHERE id = $1`

	var e simplerecords.Ensemble
	err := r.db.QueryRow(ctx, query, id).Scan(
		&e.ID, &e.Size, &e.ActiveRealizations, &e.ParameterNames, &e.ResponseNames,
		&e.Userdata, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplerecords.ErrEnsembleNotFound
		}
		return nil, r.handlePostgresError("get ensemble", err)
	}
	return &e, nil
}

func (r *Repository) DeleteEnsemble(ctx context.Context, id uuid.UUID) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		// Files hang off records, not the ensemble, so they go first.
		_, err := tx.Exec(ctx, `
			DELETE FROM file WHERE id IN (
				SELECT r.file_id FROM record r
				JOIN record_info i ON i.id = r.record_info_id
				WHERE i.ensemble_id = $1 AND r.file_id IS NOT NULL
			)`, id)
		if err != nil {
			return r.handlePostgresError("delete ensemble files", err)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM ensemble WHERE id = $1`, id)
		if err != nil {
			return r.handlePostgresError("delete ensemble", err)
		}
		if tag.RowsAffected() == 0 {
			return simplerecords.ErrEnsembleNotFound
		}
		return nil
	})
}

// Lineage operations

func (r *Repository) CreateUpdate(ctx context.Context, update *simplerecords.Update) error {
	query := `
		INSERT INTO ensemble_update (id, algorithm, reference_id, result_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := r.db.Exec(ctx, query,
		update.ID, update.Algorithm, update.ReferenceID, update.ResultID, update.CreatedAt)
	if err != nil {
		return r.handlePostgresError("create update", err)
	}
	return nil
}

func (r *Repository) GetUpdateByResult(ctx context.Context, resultID uuid.UUID) (*simplerecords.Update, error) {
	query := `
		SELECT id, algorithm, reference_id, result_id, created_at
		FROM ensemble_update WHERE result_id = $1`

	var u simplerecords.Update
	err := r.db.QueryRow(ctx, query, resultID).Scan(&u.ID, &u.Algorithm, &u.ReferenceID, &u.ResultID, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplerecords.ErrNotFound
		}
		return nil, r.handlePostgresError("get update", err)
	}
	return &u, nil
}

func (r *Repository) ListUpdatesByReference(ctx context.Context, referenceID uuid.UUID) ([]*simplerecords.Update, error) {
	query := `
		SELECT id, algorithm, reference_id, result_id, created_at
		FROM ensemble_update WHERE reference_id = $1
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, referenceID)
	if err != nil {
		return nil, r.handlePostgresError("list updates", err)
	}
	defer rows.Close()

	var updates []*simplerecords.Update
	for rows.Next() {
		var u simplerecords.Update
		if err := rows.Scan(&u.ID, &u.Algorithm, &u.ReferenceID, &u.ResultID, &u.CreatedAt); err != nil {
			return nil, r.handlePostgresError("scan update", err)
		}
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
	return r.withTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM ensemble WHERE id = $1)`, rec.EnsembleID).Scan(&exists)
		if err != nil {
			return r.handlePostgresError("check ensemble", err)
		}
		if !exists {
			return simplerecords.ErrEnsembleNotFound
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO record_info (id, ensemble_id, name, record_type, record_class, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (ensemble_id, name) DO NOTHING`,
			info.ID, info.EnsembleID, info.Name, info.RecordType, info.RecordClass, info.CreatedAt)
		if err != nil {
			return r.handlePostgresError("create record info", err)
		}

		// The row lock serializes every creator of this name until commit.
		var infoID uuid.UUID
		var recordType simplerecords.RecordType
		var recordClass simplerecords.RecordClass
		err = tx.QueryRow(ctx, `
			SELECT id, record_type, record_class FROM record_info
			WHERE ensemble_id = $1 AND name = $2 FOR UPDATE`,
			rec.EnsembleID, rec.Name).Scan(&infoID, &recordType, &recordClass)
		if err != nil {
			return r.handlePostgresError("lock record info", err)
		}
		if recordType != rec.RecordType {
			return fmt.Errorf("%w: record '%s' holds %s content, got %s",
				simplerecords.ErrValidation, rec.Name, recordType, rec.RecordType)
		}
		rec.RecordClass = recordClass

		existing, err := r.queryRecords(ctx, tx, recordSelect+` WHERE r.record_info_id = $1`, infoID)
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

		var fileID *uuid.UUID
		var shape []int
		var values []float64
		var labels []byte
		switch c := rec.Content.(type) {
		case simplerecords.FileContent:
			if err := r.insertFile(ctx, tx, c.File); err != nil {
				return err
			}
			fileID = &c.File.ID
		case simplerecords.MatrixContent:
			shape, values = c.Matrix.Shape, c.Matrix.Values
			if c.Matrix.Labels != nil {
				if labels, err = json.Marshal(c.Matrix.Labels); err != nil {
					return fmt.Errorf("failed to encode labels: %w", err)
				}
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO record (
				id, record_info_id, realization_index, file_id,
				matrix_shape, matrix_values, matrix_labels, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			rec.ID, infoID, rec.RealizationIndex, fileID, shape, values, labels, rec.CreatedAt, rec.UpdatedAt)
		if err != nil {
			return r.handlePostgresError("create record", err)
		}
		return nil
	})
}

func (r *Repository) insertFile(ctx context.Context, db DBTX, f *simplerecords.File) error {
	_, err := db.Exec(ctx, `
		INSERT INTO file (
			id, filename, mimetype, storage, container, blob_key,
			state, size, checksum, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		f.ID, f.Filename, f.MimeType, f.Storage, f.Container, f.BlobKey,
		f.State, f.Size, f.Checksum, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return r.handlePostgresError("create file", err)
	}
	return nil
}

func (r *Repository) GetRecord(ctx context.Context, id uuid.UUID) (*simplerecords.Record, error) {
	records, err := r.queryRecords(ctx, r.db, recordSelect+` WHERE r.id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, simplerecords.ErrRecordNotFound
	}
	return records[0], nil
}

func (r *Repository) FindRecord(ctx context.Context, ensembleID uuid.UUID, name string, realizationIndex *int) (*simplerecords.Record, error) {
	records, err := r.queryRecords(ctx, r.db, recordSelect+`
		WHERE i.ensemble_id = $1 AND i.name = $2
		  AND r.realization_index IS NOT DISTINCT FROM $3::int`, ensembleID, name, realizationIndex)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, simplerecords.ErrRecordNotFound
	}
	return records[0], nil
}

func (r *Repository) ListRecords(ctx context.Context, ensembleID uuid.UUID) ([]*simplerecords.Record, error) {
	return r.queryRecords(ctx, r.db, recordSelect+`
		WHERE i.ensemble_id = $1
		ORDER BY i.name, r.realization_index NULLS FIRST`, ensembleID)
}

func (r *Repository) GetRecordInfo(ctx context.Context, ensembleID uuid.UUID, name string) (*simplerecords.RecordInfo, error) {
	query := `
		SELECT id, ensemble_id, name, record_type, record_class, created_at
		FROM record_info WHERE ensemble_id = $1 AND name = $2`

	var info simplerecords.RecordInfo
	err := r.db.QueryRow(ctx, query, ensembleID, name).Scan(
		&info.ID, &info.EnsembleID, &info.Name, &info.RecordType, &info.RecordClass, &info.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simplerecords.ErrNotFound
		}
		return nil, r.handlePostgresError("get record info", err)
	}
	return &info, nil
}

func (r *Repository) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	return r.withTx(ctx, func(tx pgx.Tx) error {
		var infoID uuid.UUID
		var fileID *uuid.UUID
		err := tx.QueryRow(ctx, `DELETE FROM record WHERE id = $1 RETURNING record_info_id, file_id`, id).Scan(&infoID, &fileID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return simplerecords.ErrRecordNotFound
			}
			return r.handlePostgresError("delete record", err)
		}
		if fileID != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM file WHERE id = $1`, *fileID); err != nil {
				return r.handlePostgresError("delete file", err)
			}
		}
		_, err = tx.Exec(ctx, `
			DELETE FROM record_info WHERE id = $1
			AND NOT EXISTS (SELECT 1 FROM record WHERE record_info_id = $1)`, infoID)
		if err != nil {
			return r.handlePostgresError("delete record info", err)
		}
		return nil
	})
}

func (r *Repository) LinkObservation(ctx context.Context, recordID, observationID uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE record SET
			observation_ids = CASE WHEN $2::uuid = ANY(observation_ids) THEN observation_ids
			                       ELSE array_append(observation_ids, $2::uuid) END,
			updated_at = $3
		WHERE id = $1`, recordID, observationID, time.Now().UTC())
	if err != nil {
		return r.handlePostgresError("link observation", err)
	}
	if tag.RowsAffected() == 0 {
		return simplerecords.ErrRecordNotFound
	}
	return nil
}

func (r *Repository) queryRecords(ctx context.Context, db DBTX, query string, args ...interface{}) ([]*simplerecords.Record, error) {
	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError("query records", err)
	}
	defer rows.Close()

	var records []*simplerecords.Record
	for rows.Next() {
		var rec simplerecords.Record
		var shape []int
		var values []float64
		var labels []byte
		var fileID *uuid.UUID
		var filename, mimetype, storage, container, blobKey, state, checksum *string
		var size *int64
		var fileCreated, fileUpdated *time.Time
		err := rows.Scan(
			&rec.ID, &rec.EnsembleID, &rec.Name, &rec.RealizationIndex, &rec.RecordType, &rec.RecordClass,
			&shape, &values, &labels, &rec.ObservationIDs,
			&rec.CreatedAt, &rec.UpdatedAt,
			&fileID, &filename, &mimetype, &storage, &container, &blobKey,
			&state, &size, &checksum, &fileCreated, &fileUpdated)
		if err != nil {
			return nil, r.handlePostgresError("scan record", err)
		}

		if fileID != nil {
			rec.Content = simplerecords.FileContent{File: &simplerecords.File{
				ID:        *fileID,
				Filename:  *filename,
				MimeType:  *mimetype,
				Storage:   simplerecords.FileStorage(*storage),
				Container: *container,
				BlobKey:   *blobKey,
				State:     simplerecords.UploadState(*state),
				Size:      *size,
				Checksum:  *checksum,
				CreatedAt: *fileCreated,
				UpdatedAt: *fileUpdated,
			}}
		} else {
			m := &matrix.Matrix{Shape: shape, Values: values}
			if labels != nil {
				if err := json.Unmarshal(labels, &m.Labels); err != nil {
					return nil, fmt.Errorf("failed to decode labels of record %s: %w", rec.ID, err)
				}
			}
			rec.Content = simplerecords.MatrixContent{Matrix: m}
		}
		if len(rec.ObservationIDs) == 0 {
			rec.ObservationIDs = nil
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("query records", err)
	}
	return records, nil
}

// Staged upload operations

func (r *Repository) SaveStagedBlock(ctx context.Context, block *simplerecords.StagedBlock) (*simplerecords.StagedBlock, error) {
	var replaced *simplerecords.StagedBlock
	err := r.withTx(ctx, func(tx pgx.Tx) error {
		var old simplerecords.StagedBlock
		err := tx.QueryRow(ctx, `
			DELETE FROM staged_block WHERE file_id = $1 AND block_index = $2
			RETURNING id, file_id, block_id, block_index, ensemble_id, record_name,
			          realization_index, size, created_at`,
			block.FileID, block.BlockIndex).Scan(
			&old.ID, &old.FileID, &old.BlockID, &old.BlockIndex, &old.EnsembleID, &old.RecordName,
			&old.RealizationIndex, &old.Size, &old.CreatedAt)
		switch {
		case err == nil:
			replaced = &old
		case !errors.Is(err, pgx.ErrNoRows):
			return r.handlePostgresError("replace staged block", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO staged_block (
				id, file_id, block_id, block_index, ensemble_id, record_name,
				realization_index, size, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			block.ID, block.FileID, block.BlockID, block.BlockIndex, block.EnsembleID, block.RecordName,
			block.RealizationIndex, block.Size, block.CreatedAt)
		if err != nil {
			return r.handlePostgresError("save staged block", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return replaced, nil
}

func (r *Repository) ListStagedBlocks(ctx context.Context, fileID uuid.UUID) ([]*simplerecords.StagedBlock, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, file_id, block_id, block_index, ensemble_id, record_name,
		       realization_index, size, created_at
		FROM staged_block WHERE file_id = $1 ORDER BY block_index`, fileID)
	if err != nil {
		return nil, r.handlePostgresError("list staged blocks", err)
	}
	defer rows.Close()

	var blocks []*simplerecords.StagedBlock
	for rows.Next() {
		var b simplerecords.StagedBlock
		if err := rows.Scan(&b.ID, &b.FileID, &b.BlockID, &b.BlockIndex, &b.EnsembleID, &b.RecordName,
			&b.RealizationIndex, &b.Size, &b.CreatedAt); err != nil {
			return nil, r.handlePostgresError("scan staged block", err)
		}
		blocks = append(blocks, &b)
	}
	return blocks, rows.Err()
}

func (r *Repository) DeleteStagedBlocks(ctx context.Context, fileID uuid.UUID) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM staged_block WHERE file_id = $1`, fileID); err != nil {
		return r.handlePostgresError("delete staged blocks", err)
	}
	return nil
}

func (r *Repository) CommitFile(ctx context.Context, fileID uuid.UUID, size int64, checksum string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE file SET state = $2, size = $3, checksum = $4, updated_at = $5
		WHERE id = $1 AND state = $6`,
		fileID, simplerecords.UploadStateCommitted, size, checksum, time.Now().UTC(), simplerecords.UploadStateStaging)
	if err != nil {
		return r.handlePostgresError("commit file", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM file WHERE id = $1)`, fileID).Scan(&exists); err != nil {
		return r.handlePostgresError("commit file", err)
	}
	if !exists {
		return simplerecords.ErrRecordNotFound
	}
	return simplerecords.ErrAlreadyCommitted
}

// Inline content operations

func (r *Repository) PutInlineContent(ctx context.Context, key string, data []byte) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO inline_blob (key, data) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET data = EXCLUDED.data`, key, nonNilBytes(data))
	if err != nil {
		return r.handlePostgresError("put inline content", err)
	}
	return nil
}

func (r *Repository) GetInlineContent(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM inline_blob WHERE key = $1`, key).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("inline content %s: %w", key, simplerecords.ErrNotFound)
		}
		return nil, r.handlePostgresError("get inline content", err)
	}
	return data, nil
}

func (r *Repository) DeleteInlineContent(ctx context.Context, key string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM inline_blob WHERE key = $1`, key); err != nil {
		return r.handlePostgresError("delete inline content", err)
	}
	return nil
}

func (r *Repository) PutInlineBlock(ctx context.Context, key, blockID string, data []byte) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO inline_block (key, block_id, data) VALUES ($1, $2, $3)
		ON CONFLICT (key, block_id) DO UPDATE SET data = EXCLUDED.data`, key, blockID, nonNilBytes(data))
	if err != nil {
		return r.handlePostgresError("put inline block", err)
	}
	return nil
}

func (r *Repository) GetInlineBlock(ctx context.Context, key, blockID string) ([]byte, error) {
	var data []byte
	err := r.db.QueryRow(ctx, `SELECT data FROM inline_block WHERE key = $1 AND block_id = $2`, key, blockID).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("inline block %s of %s: %w", blockID, key, simplerecords.ErrNotFound)
		}
		return nil, r.handlePostgresError("get inline block", err)
	}
	return data, nil
}

func (r *Repository) DeleteInlineBlocks(ctx context.Context, key string, blockIDs []string) error {
	if len(blockIDs) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, `DELETE FROM inline_block WHERE key = $1 AND block_id = ANY($2)`, key, blockIDs)
	if err != nil {
		return r.handlePostgresError("delete inline blocks", err)
	}
	return nil
}

func sameScope(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func nonNilBytes(data []byte) []byte {
	if data == nil {
		return []byte{}
	}
	return data
}
