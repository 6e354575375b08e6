package simplerecords

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// BlobBackend stores file bytes. The deployment picks one implementation at
// start: inline (bytes kept in the repository) or remote (an object store).
// Errors are returned as they come; retrying is left to the caller.
type BlobBackend interface {
	// Name identifies the backend in logs, errors and File.Container
	Name() string

	// Storage reports where files written through this backend live
	Storage() FileStorage

	// Put stores a whole object under key
	Put(ctx context.Context, key string, r io.Reader) (int64, error)

	// Stage stores one block of a pending object and returns its block ID
	Stage(ctx context.Context, key string, blockIndex int, r io.Reader) (string, error)

	// Commit assembles the staged blocks, in the given order, into the object at key.
	// The blocks are left in place until Discard.
	Commit(ctx context.Context, key string, blockIDs []string) (int64, error)

	// Discard drops staged blocks that will never be committed
	Discard(ctx context.Context, key string, blockIDs []string) error

	// Get opens the object for streaming. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object
	Delete(ctx context.Context, key string) error
}

// InlineStore is the side of a Repository that keeps file bytes and staged
// block bytes next to the metadata. The inline backend is built on it.
type InlineStore interface {
	PutInlineContent(ctx context.Context, key string, data []byte) error
	GetInlineContent(ctx context.Context, key string) ([]byte, error)
	DeleteInlineContent(ctx context.Context, key string) error

	PutInlineBlock(ctx context.Context, key, blockID string, data []byte) error
	GetInlineBlock(ctx context.Context, key, blockID string) ([]byte, error)
	DeleteInlineBlocks(ctx context.Context, key string, blockIDs []string) error
}

// ConflictCheck is evaluated by Repository.CreateRecord while it holds the
// (ensemble, name) lock, against every record already stored under that name.
type ConflictCheck func(existing []*Record) error

// Repository persists ensembles, lineage, records and staged upload state.
type Repository interface {
	// Ensemble operations
	CreateEnsemble(ctx context.Context, ensemble *Ensemble) error
	GetEnsemble(ctx context.Context, id uuid.UUID) (*Ensemble, error)
	DeleteEnsemble(ctx context.Context, id uuid.UUID) error

	// Lineage operations
	CreateUpdate(ctx context.Context, update *Update) error
	GetUpdateByResult(ctx context.Context, resultID uuid.UUID) (*Update, error)
	ListUpdatesByReference(ctx context.Context, referenceID uuid.UUID) ([]*Update, error)

	// Record operations

	// CreateRecord stores rec, creating its RecordInfo when it is the first
	// record under that name. The info's record type must match rec's content
	// type, otherwise ErrValidation. check runs atomically with the insert.
	CreateRecord(ctx context.Context, info *RecordInfo, rec *Record, check ConflictCheck) error
	GetRecord(ctx context.Context, id uuid.UUID) (*Record, error)
	// FindRecord returns the record with exactly this realization scope
	FindRecord(ctx context.Context, ensembleID uuid.UUID, name string, realizationIndex *int) (*Record, error)
	ListRecords(ctx context.Context, ensembleID uuid.UUID) ([]*Record, error)
	GetRecordInfo(ctx context.Context, ensembleID uuid.UUID, name string) (*RecordInfo, error)
	DeleteRecord(ctx context.Context, id uuid.UUID) error
	LinkObservation(ctx context.Context, recordID, observationID uuid.UUID) error

	// Staged upload operations

	// SaveStagedBlock stores block, replacing any block already staged at the
	// same index for the same file. The replaced block is returned, if any.
	SaveStagedBlock(ctx context.Context, block *StagedBlock) (*StagedBlock, error)
	ListStagedBlocks(ctx context.Context, fileID uuid.UUID) ([]*StagedBlock, error)
	DeleteStagedBlocks(ctx context.Context, fileID uuid.UUID) error
	// CommitFile flips a staging file to committed. A file that is already
	// committed yields ErrAlreadyCommitted.
	CommitFile(ctx context.Context, fileID uuid.UUID, size int64, checksum string) error

	InlineStore
}

// EventSink is notified about engine activity. Sink errors never fail the
// operation that produced the event.
type EventSink interface {
	RecordCreated(ctx context.Context, record *Record) error
	BlockStaged(ctx context.Context, block *StagedBlock) error
	BlobCommitted(ctx context.Context, record *Record, blocks int) error
	BackendFailed(ctx context.Context, op string, err error) error
}
