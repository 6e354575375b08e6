package simplerecords

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Error types
var (
	// ErrNotFound indicates an ensemble, record info or record does not exist
	ErrNotFound = errors.New("not found")

	// ErrEnsembleNotFound indicates an ensemble was not found
	ErrEnsembleNotFound = fmt.Errorf("ensemble %w", ErrNotFound)

	// ErrRecordNotFound indicates a record was not found
	ErrRecordNotFound = fmt.Errorf("record %w", ErrNotFound)

	// ErrConflict indicates a record name is already claimed in a colliding scope
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates a malformed payload or a content kind that does not
	// match the declared record type
	ErrValidation = errors.New("validation failed")

	// ErrAlreadyCommitted indicates a staged upload was finalized twice
	ErrAlreadyCommitted = errors.New("upload already committed")

	// ErrNotStaged indicates a block was sent to a record that is not a staged upload
	ErrNotStaged = errors.New("record is not accepting blocks")

	// ErrNotCommitted indicates a staged upload was read before it was finalized
	ErrNotCommitted = errors.New("upload not committed")
)

// RecordError carries the coordinates of the record an operation failed on, so
// callers can tell which record and which realization went wrong.
type RecordError struct {
	Op               string
	EnsembleID       uuid.UUID
	Name             string
	RealizationIndex *int
	Message          string
	Err              error
}

func (e *RecordError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("record operation %s failed for '%s' in ensemble %s (realization %s): %v",
		e.Op, e.Name, e.EnsembleID, FormatRealization(e.RealizationIndex), e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// Describe renders the user facing sentence for the failure.
func (e *RecordError) Describe() string {
	if e.Message != "" {
		return e.Message
	}
	return describe(e.Name, e.EnsembleID, e.RealizationIndex, e.Err)
}

func describe(name string, ensembleID uuid.UUID, idx *int, err error) string {
	var subject string
	if idx == nil {
		subject = fmt.Sprintf("Ensemble-wide record '%s' for ensemble '%s'", name, ensembleID)
	} else {
		subject = fmt.Sprintf("Forward-model record '%s' for ensemble '%s', realization %d", name, ensembleID, *idx)
	}
	switch {
	case errors.Is(err, ErrEnsembleNotFound):
		return fmt.Sprintf("Ensemble '%s' not found", ensembleID)
	case errors.Is(err, ErrNotFound):
		return subject + " not found!"
	case errors.Is(err, ErrConflict):
		return subject + " already exists"
	case errors.Is(err, ErrAlreadyCommitted):
		return subject + " has already been committed"
	case errors.Is(err, ErrNotStaged):
		return subject + " is not a staged upload"
	case errors.Is(err, ErrNotCommitted):
		return subject + " has not been committed yet"
	case errors.Is(err, ErrValidation):
		return fmt.Sprintf("%s is invalid: %v", subject, err)
	default:
		return fmt.Sprintf("%s: %v", subject, err)
	}
}

func newRecordError(op string, ensembleID uuid.UUID, name string, idx *int, err error) *RecordError {
	return &RecordError{Op: op, EnsembleID: ensembleID, Name: name, RealizationIndex: idx, Err: err}
}

// StorageError represents a failure of a blob backend. It is returned as-is to
// the caller; the engine never retries.
type StorageError struct {
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s: %v", e.Op, e.Key, e.Backend, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}
