package simplerecords

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// ResolveMode selects how a read looks up a record.
type ResolveMode int

const (
	// ResolveStrict returns only the record with exactly the requested scope
	ResolveStrict ResolveMode = iota
	// ResolveFallback tries the realization's own record, then the ensemble-wide one
	ResolveFallback
)

func (m ResolveMode) String() string {
	if m == ResolveFallback {
		return "fallback"
	}
	return "strict"
}

// Service defines the main interface for the simple-records library
type Service interface {
	// Ensemble operations
	CreateEnsemble(ctx context.Context, req CreateEnsembleRequest) (*Ensemble, error)
	GetEnsemble(ctx context.Context, id uuid.UUID) (*Ensemble, error)
	DeleteEnsemble(ctx context.Context, id uuid.UUID) error

	// Lineage operations
	CreateUpdate(ctx context.Context, req CreateUpdateRequest) (*Update, error)
	GetParentUpdate(ctx context.Context, ensembleID uuid.UUID) (*Update, error)
	ListChildUpdates(ctx context.Context, ensembleID uuid.UUID) ([]*Update, error)

	// Record creation
	CreateMatrixRecord(ctx context.Context, req CreateMatrixRecordRequest, body io.Reader) (*Record, error)
	CreateFileRecord(ctx context.Context, req CreateFileRecordRequest, body io.Reader) (*Record, error)

	// Staged upload operations
	CreateBlobRecord(ctx context.Context, req CreateBlobRecordRequest) (*Record, error)
	StageBlock(ctx context.Context, req StageBlockRequest, body io.Reader) (*StagedBlock, error)
	FinalizeBlob(ctx context.Context, scope RecordScope) (*Record, error)

	// Resolution
	ResolveRecord(ctx context.Context, scope RecordScope, mode ResolveMode) (*Record, error)
	CheckCreateConflict(ctx context.Context, scope RecordScope) error

	// Record access
	GetRecord(ctx context.Context, id uuid.UUID) (*Record, error)
	ListRecords(ctx context.Context, ensembleID uuid.UUID) ([]*Record, error)
	DeleteRecord(ctx context.Context, id uuid.UUID) error
	LinkObservation(ctx context.Context, recordID, observationID uuid.UUID) error
	OpenFile(ctx context.Context, record *Record) (io.ReadCloser, error)

	// Backend returns the deployment's blob backend
	Backend() BlobBackend
}
