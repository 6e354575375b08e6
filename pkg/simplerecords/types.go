package simplerecords

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-records/pkg/simplerecords/matrix"
)

// RecordType is the declared payload kind of a RecordInfo.
type RecordType string

const (
	RecordTypeMatrix RecordType = "matrix"
	RecordTypeFile   RecordType = "file"
)

// IsValid reports whether t is a known record type.
func (t RecordType) IsValid() bool {
	return t == RecordTypeMatrix || t == RecordTypeFile
}

// RecordClass tells parameters, responses and everything else apart.
type RecordClass string

const (
	RecordClassParameter RecordClass = "parameter"
	RecordClassResponse  RecordClass = "response"
	RecordClassOther     RecordClass = "other"
)

// IsValid reports whether c is a known record class.
func (c RecordClass) IsValid() bool {
	switch c {
	case RecordClassParameter, RecordClassResponse, RecordClassOther:
		return true
	}
	return false
}

// FileStorage says where the bytes of a File live.
type FileStorage string

const (
	FileStorageInline FileStorage = "inline"
	FileStorageRemote FileStorage = "remote"
)

// UploadState is the lifecycle of a File written through the staged protocol.
// Single-shot uploads are created directly in UploadStateCommitted.
type UploadState string

const (
	UploadStateStaging   UploadState = "staging"
	UploadStateCommitted UploadState = "committed"
)

// Ensemble is a set of realizations sharing declared parameters and responses.
type Ensemble struct {
	ID                 uuid.UUID              `json:"id"`
	Size               int                    `json:"size"`
	ActiveRealizations []int                  `json:"active_realizations"`
	ParameterNames     []string               `json:"parameter_names"`
	ResponseNames      []string               `json:"response_names"`
	Userdata           map[string]interface{} `json:"userdata,omitempty"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// classOf returns the record class implied by the ensemble's declared names.
func (e *Ensemble) classOf(name string) RecordClass {
	for _, p := range e.ParameterNames {
		if p == name {
			return RecordClassParameter
		}
	}
	for _, r := range e.ResponseNames {
		if r == name {
			return RecordClassResponse
		}
	}
	return RecordClassOther
}

// Update is a lineage edge from a reference ensemble to the ensemble it produced.
// ResultID is unique across all updates.
type Update struct {
	ID          uuid.UUID `json:"id"`
	Algorithm   string    `json:"algorithm"`
	ReferenceID uuid.UUID `json:"reference_id"`
	ResultID    uuid.UUID `json:"result_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecordInfo is the schema of one named record within one ensemble.
type RecordInfo struct {
	ID          uuid.UUID   `json:"id"`
	EnsembleID  uuid.UUID   `json:"ensemble_id"`
	Name        string      `json:"name"`
	RecordType  RecordType  `json:"record_type"`
	RecordClass RecordClass `json:"record_class"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Record is one stored artifact for a RecordInfo, scoped to a realization or,
// when RealizationIndex is nil, to the whole ensemble.
type Record struct {
	ID               uuid.UUID   `json:"id"`
	EnsembleID       uuid.UUID   `json:"ensemble_id"`
	Name             string      `json:"name"`
	RealizationIndex *int        `json:"realization_index"`
	RecordType       RecordType  `json:"record_type"`
	RecordClass      RecordClass `json:"record_class"`
	Content          Content     `json:"-"`
	ObservationIDs   []uuid.UUID `json:"observation_ids,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// Matrix returns the matrix payload, or nil when the record holds a file.
func (r *Record) Matrix() *matrix.Matrix {
	if mc, ok := r.Content.(MatrixContent); ok {
		return mc.Matrix
	}
	return nil
}

// File returns the file payload, or nil when the record holds a matrix.
func (r *Record) File() *File {
	if fc, ok := r.Content.(FileContent); ok {
		return fc.File
	}
	return nil
}

// Content is the payload attached to a Record. Exactly one variant exists per
// record and its Type always equals the RecordInfo's declared type.
type Content interface {
	Type() RecordType
}

// MatrixContent is the matrix variant of Content.
type MatrixContent struct {
	Matrix *matrix.Matrix
}

func (MatrixContent) Type() RecordType { return RecordTypeMatrix }

// FileContent is the file variant of Content.
type FileContent struct {
	File *File
}

func (FileContent) Type() RecordType { return RecordTypeFile }

// File describes an opaque blob. Inline files keep their bytes in the
// repository under BlobKey; remote files live in Container under BlobKey.
type File struct {
	ID        uuid.UUID   `json:"id"`
	Filename  string      `json:"filename"`
	MimeType  string      `json:"mimetype"`
	Storage   FileStorage `json:"storage"`
	Container string      `json:"container,omitempty"`
	BlobKey   string      `json:"blob_key"`
	State     UploadState `json:"state"`
	Size      int64       `json:"size"`
	Checksum  string      `json:"checksum,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// StagedBlock is one chunk of a staged upload awaiting commit.
// (FileID, BlockIndex) is unique; re-staging an index replaces the row.
type StagedBlock struct {
	ID               uuid.UUID `json:"id"`
	FileID           uuid.UUID `json:"file_id"`
	BlockID          string    `json:"block_id"`
	BlockIndex       int       `json:"block_index"`
	EnsembleID       uuid.UUID `json:"ensemble_id"`
	RecordName       string    `json:"record_name"`
	RealizationIndex *int      `json:"realization_index"`
	Size             int64     `json:"size"`
	CreatedAt        time.Time `json:"created_at"`
}

// FormatRealization renders a realization index the way blob keys and
// messages show it.
func FormatRealization(idx *int) string {
	if idx == nil {
		return "None"
	}
	return strconv.Itoa(*idx)
}

// BlobKey returns a fresh object key for a record's file. The random suffix
// keeps keys unique when the same name is reused across ensembles.
func BlobKey(name string, idx *int) string {
	return fmt.Sprintf("%s@%s@%s", name, FormatRealization(idx), uuid.New())
}

// IntPtr is a helper for building optional realization indices.
func IntPtr(i int) *int {
	return &i
}
