package simplerecords

import "github.com/google/uuid"

// Request DTOs

// RecordScope addresses a record slot: a name within an ensemble, either
// ensemble-wide (RealizationIndex nil) or for one realization.
type RecordScope struct {
	EnsembleID       uuid.UUID
	Name             string
	RealizationIndex *int
}

// CreateEnsembleRequest contains parameters for creating an ensemble.
// When ActiveRealizations is nil every realization below Size is active.
type CreateEnsembleRequest struct {
	Size               int
	ActiveRealizations []int
	ParameterNames     []string
	ResponseNames      []string
	Userdata           map[string]interface{}
}

// CreateUpdateRequest links a reference ensemble to the ensemble it produced
type CreateUpdateRequest struct {
	ReferenceID uuid.UUID
	ResultID    uuid.UUID
	Algorithm   string
}

// CreateMatrixRecordRequest contains parameters for creating a matrix record.
// ContentType names the encoding of the body (JSON or .npy).
type CreateMatrixRecordRequest struct {
	RecordScope
	RecordClass RecordClass
	ContentType string
	Labels      [][]string
}

// CreateFileRecordRequest contains parameters for a single-shot file upload
type CreateFileRecordRequest struct {
	RecordScope
	RecordClass RecordClass
	Filename    string
	MimeType    string
}

// CreateBlobRecordRequest contains parameters for starting a staged upload
type CreateBlobRecordRequest struct {
	RecordScope
	RecordClass RecordClass
	Filename    string
	MimeType    string
}

// StageBlockRequest addresses one block of a staged upload
type StageBlockRequest struct {
	RecordScope
	BlockIndex int
}
