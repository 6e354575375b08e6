package simplerecords

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-records/pkg/simplerecords/matrix"
	"github.com/zeebo/blake3"
)

// service implements the Service interface
type service struct {
	repository Repository
	backend    BlobBackend
	eventSink  EventSink
	locks      *scopeLocks
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the repository for the service
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithBlobBackend sets the blob backend files are written through
func WithBlobBackend(backend BlobBackend) Option {
	return func(s *service) {
		s.backend = backend
	}
}

// WithEventSink sets the event sink for the service
func WithEventSink(sink EventSink) Option {
	return func(s *service) {
		s.eventSink = sink
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		eventSink: NewNoopEventSink(),
		locks:     newScopeLocks(),
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.backend == nil {
		return nil, fmt.Errorf("blob backend is required")
	}

	return s, nil
}

func (s *service) Backend() BlobBackend {
	return s.backend
}

// Ensemble operations

func (s *service) CreateEnsemble(ctx context.Context, req CreateEnsembleRequest) (*Ensemble, error) {
	if req.Size < 0 {
		return nil, fmt.Errorf("%w: ensemble size must not be negative", ErrValidation)
	}

	active := req.ActiveRealizations
	if active == nil {
		active = make([]int, req.Size)
		for i := range active {
			active[i] = i
		}
	}
	for _, idx := range active {
		if idx < 0 || (req.Size > 0 && idx >= req.Size) {
			return nil, fmt.Errorf("%w: active realization %d outside ensemble of size %d", ErrValidation, idx, req.Size)
		}
	}

	now := time.Now().UTC()
	ensemble := &Ensemble{
		ID:                 uuid.New(),
		Size:               req.Size,
		ActiveRealizations: active,
		ParameterNames:     nonNil(req.ParameterNames),
		ResponseNames:      nonNil(req.ResponseNames),
		Userdata:           req.Userdata,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.repository.CreateEnsemble(ctx, ensemble); err != nil {
		return nil, fmt.Errorf("failed to create ensemble: %w", err)
	}
	return ensemble, nil
}

func (s *service) GetEnsemble(ctx context.Context, id uuid.UUID) (*Ensemble, error) {
	ensemble, err := s.repository.GetEnsemble(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEnsembleNotFound, id)
		}
		return nil, err
	}
	return ensemble, nil
}

func (s *service) DeleteEnsemble(ctx context.Context, id uuid.UUID) error {
	if _, err := s.GetEnsemble(ctx, id); err != nil {
		return err
	}

	records, err := s.repository.ListRecords(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}
	for _, rec := range records {
		s.dropFile(ctx, rec.File())
	}

	if err := s.repository.DeleteEnsemble(ctx, id); err != nil {
		return fmt.Errorf("failed to delete ensemble: %w", err)
	}
	return nil
}

// Lineage operations

func (s *service) CreateUpdate(ctx context.Context, req CreateUpdateRequest) (*Update, error) {
	if req.ReferenceID == req.ResultID {
		return nil, fmt.Errorf("%w: an ensemble cannot be its own update", ErrValidation)
	}
	if _, err := s.GetEnsemble(ctx, req.ReferenceID); err != nil {
		return nil, err
	}
	if _, err := s.GetEnsemble(ctx, req.ResultID); err != nil {
		return nil, err
	}

	// Walk up from the reference; meeting the result would close a cycle.
	for cur := req.ReferenceID; ; {
		parent, err := s.repository.GetUpdateByResult(ctx, cur)
		if errors.Is(err, ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to walk lineage: %w", err)
		}
		if parent.ReferenceID == req.ResultID {
			return nil, fmt.Errorf("%w: update would make ensemble %s its own ancestor", ErrValidation, req.ResultID)
		}
		cur = parent.ReferenceID
	}

	update := &Update{
		ID:          uuid.New(),
		Algorithm:   req.Algorithm,
		ReferenceID: req.ReferenceID,
		ResultID:    req.ResultID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.repository.CreateUpdate(ctx, update); err != nil {
		return nil, fmt.Errorf("failed to create update: %w", err)
	}
	return update, nil
}

func (s *service) GetParentUpdate(ctx context.Context, ensembleID uuid.UUID) (*Update, error) {
	return s.repository.GetUpdateByResult(ctx, ensembleID)
}

func (s *service) ListChildUpdates(ctx context.Context, ensembleID uuid.UUID) ([]*Update, error) {
	return s.repository.ListUpdatesByReference(ctx, ensembleID)
}

// Record creation

func (s *service) CreateMatrixRecord(ctx context.Context, req CreateMatrixRecordRequest, body io.Reader) (*Record, error) {
	const op = "create_matrix"
	ensemble, err := s.checkScope(ctx, op, req.RecordScope)
	if err != nil {
		return nil, err
	}

	m, err := matrix.Decode(req.ContentType, body)
	if err != nil {
		return nil, &RecordError{
			Op:               op,
			EnsembleID:       req.EnsembleID,
			Name:             req.Name,
			RealizationIndex: req.RealizationIndex,
			Message: fmt.Sprintf("Record '%s' in ensemble '%s', realization %s needs to be a matrix: %v",
				req.Name, req.EnsembleID, FormatRealization(req.RealizationIndex), err),
			Err: fmt.Errorf("%w: %w", ErrValidation, err),
		}
	}
	if req.Labels != nil {
		if err := checkLabels(m.Shape, req.Labels); err != nil {
			return nil, newRecordError(op, req.EnsembleID, req.Name, req.RealizationIndex, err)
		}
		m.Labels = req.Labels
	}

	return s.insertRecord(ctx, op, ensemble, req.RecordScope, req.RecordClass, MatrixContent{Matrix: m})
}

func (s *service) CreateFileRecord(ctx context.Context, req CreateFileRecordRequest, body io.Reader) (*Record, error) {
	const op = "create_file"
	ensemble, err := s.checkScope(ctx, op, req.RecordScope)
	if err != nil {
		return nil, err
	}
	// Refuse before writing bytes; the insert below repeats the check atomically.
	if err := s.CheckCreateConflict(ctx, req.RecordScope); err != nil {
		return nil, err
	}

	key := BlobKey(req.Name, req.RealizationIndex)
	hasher := blake3.New()
	size, err := s.backend.Put(ctx, key, io.TeeReader(body, hasher))
	if err != nil {
		return nil, s.storageError(ctx, "put", key, err)
	}

	now := time.Now().UTC()
	file := &File{
		ID:        uuid.New(),
		Filename:  defaultString(req.Filename, req.Name),
		MimeType:  defaultString(req.MimeType, "application/octet-stream"),
		Storage:   s.backend.Storage(),
		Container: s.backend.Name(),
		BlobKey:   key,
		State:     UploadStateCommitted,
		Size:      size,
		Checksum:  fmt.Sprintf("%x", hasher.Sum(nil)),
		CreatedAt: now,
		UpdatedAt: now,
	}

	rec, err := s.insertRecord(ctx, op, ensemble, req.RecordScope, req.RecordClass, FileContent{File: file})
	if err != nil {
		if delErr := s.backend.Delete(ctx, key); delErr != nil {
			slog.Warn("failed to remove blob of rejected record", "key", key, "error", delErr)
		}
		return nil, err
	}
	return rec, nil
}

// CheckCreateConflict reports whether a record could be created at scope
// right now. Creation runs the same rule again atomically.
func (s *service) CheckCreateConflict(ctx context.Context, scope RecordScope) error {
	records, err := s.repository.ListRecords(ctx, scope.EnsembleID)
	if err != nil {
		return fmt.Errorf("failed to list records: %w", err)
	}
	var existing []*Record
	for _, rec := range records {
		if rec.Name == scope.Name {
			existing = append(existing, rec)
		}
	}
	if err := conflictCheck(scope.RealizationIndex)(existing); err != nil {
		return newRecordError("check_conflict", scope.EnsembleID, scope.Name, scope.RealizationIndex, err)
	}
	return nil
}

// conflictCheck builds the write-side rule: an ensemble-wide record claims
// the whole name, and a realization record claims only its own index.
func conflictCheck(idx *int) ConflictCheck {
	return func(existing []*Record) error {
		for _, rec := range existing {
			if idx == nil || rec.RealizationIndex == nil || *rec.RealizationIndex == *idx {
				return ErrConflict
			}
		}
		return nil
	}
}

// checkScope validates the addressing of a record and loads its ensemble.
func (s *service) checkScope(ctx context.Context, op string, scope RecordScope) (*Ensemble, error) {
	if scope.Name == "" {
		return nil, newRecordError(op, scope.EnsembleID, scope.Name, scope.RealizationIndex,
			fmt.Errorf("%w: record name is required", ErrValidation))
	}

	ensemble, err := s.repository.GetEnsemble(ctx, scope.EnsembleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			err = ErrEnsembleNotFound
		}
		return nil, newRecordError(op, scope.EnsembleID, scope.Name, scope.RealizationIndex, err)
	}

	if idx := scope.RealizationIndex; idx != nil {
		if *idx < 0 || (ensemble.Size > 0 && *idx >= ensemble.Size) {
			return nil, newRecordError(op, scope.EnsembleID, scope.Name, scope.RealizationIndex,
				fmt.Errorf("%w: realization index %d outside ensemble of size %d", ErrValidation, *idx, ensemble.Size))
		}
	}
	return ensemble, nil
}

func (s *service) insertRecord(ctx context.Context, op string, ensemble *Ensemble, scope RecordScope, class RecordClass, content Content) (*Record, error) {
	if class == "" {
		class = ensemble.classOf(scope.Name)
	}
	if !class.IsValid() {
		return nil, newRecordError(op, scope.EnsembleID, scope.Name, scope.RealizationIndex,
			fmt.Errorf("%w: unknown record class %q", ErrValidation, class))
	}

	now := time.Now().UTC()
	info := &RecordInfo{
		ID:          uuid.New(),
		EnsembleID:  ensemble.ID,
		Name:        scope.Name,
		RecordType:  content.Type(),
		RecordClass: class,
		CreatedAt:   now,
	}
	rec := &Record{
		ID:               uuid.New(),
		EnsembleID:       ensemble.ID,
		Name:             scope.Name,
		RealizationIndex: scope.RealizationIndex,
		RecordType:       content.Type(),
		RecordClass:      class,
		Content:          content,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repository.CreateRecord(ctx, info, rec, conflictCheck(scope.RealizationIndex)); err != nil {
		return nil, newRecordError(op, scope.EnsembleID, scope.Name, scope.RealizationIndex, err)
	}

	slog.Debug("record created", "ensemble_id", rec.EnsembleID, "name", rec.Name,
		"realization", FormatRealization(rec.RealizationIndex), "type", rec.RecordType)

	if err := s.eventSink.RecordCreated(ctx, rec); err != nil {
		slog.Warn("event sink failed", "event", "record_created", "error", err)
	}
	return rec, nil
}

func checkLabels(shape []int, labels [][]string) error {
	if len(labels) > len(shape) {
		return fmt.Errorf("%w: %d label axes for a %d-dimensional matrix", ErrValidation, len(labels), len(shape))
	}
	for axis, names := range labels {
		if names != nil && len(names) != shape[axis] {
			return fmt.Errorf("%w: axis %d has %d labels but length %d", ErrValidation, axis, len(names), shape[axis])
		}
	}
	return nil
}

// Record access

func (s *service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := s.repository.GetRecord(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, err
	}
	return rec, nil
}

func (s *service) ListRecords(ctx context.Context, ensembleID uuid.UUID) ([]*Record, error) {
	if _, err := s.GetEnsemble(ctx, ensembleID); err != nil {
		return nil, err
	}
	return s.repository.ListRecords(ctx, ensembleID)
}

func (s *service) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	rec, err := s.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	s.dropFile(ctx, rec.File())
	if err := s.repository.DeleteRecord(ctx, id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *service) LinkObservation(ctx context.Context, recordID, observationID uuid.UUID) error {
	if _, err := s.GetRecord(ctx, recordID); err != nil {
		return err
	}
	return s.repository.LinkObservation(ctx, recordID, observationID)
}

// OpenFile streams the bytes of a committed file record.
func (s *service) OpenFile(ctx context.Context, rec *Record) (io.ReadCloser, error) {
	file := rec.File()
	if file == nil {
		return nil, newRecordError("open_file", rec.EnsembleID, rec.Name, rec.RealizationIndex,
			fmt.Errorf("%w: record holds a %s, not a file", ErrValidation, rec.RecordType))
	}
	if file.State != UploadStateCommitted {
		return nil, newRecordError("open_file", rec.EnsembleID, rec.Name, rec.RealizationIndex, ErrNotCommitted)
	}
	if file.Storage != s.backend.Storage() {
		return nil, &StorageError{Backend: s.backend.Name(), Key: file.BlobKey, Op: "get",
			Err: fmt.Errorf("file is kept in %s storage", file.Storage)}
	}

	r, err := s.backend.Get(ctx, file.BlobKey)
	if err != nil {
		return nil, s.storageError(ctx, "get", file.BlobKey, err)
	}
	return r, nil
}

// dropFile removes a file's bytes and any staged blocks. Failures are logged;
// the metadata is deleted regardless.
func (s *service) dropFile(ctx context.Context, file *File) {
	if file == nil {
		return
	}
	if blocks, err := s.repository.ListStagedBlocks(ctx, file.ID); err == nil && len(blocks) > 0 {
		ids := make([]string, len(blocks))
		for i, b := range blocks {
			ids[i] = b.BlockID
		}
		if err := s.backend.Discard(ctx, file.BlobKey, ids); err != nil {
			slog.Warn("failed to discard staged blocks", "key", file.BlobKey, "error", err)
		}
		if err := s.repository.DeleteStagedBlocks(ctx, file.ID); err != nil {
			slog.Warn("failed to delete staged block rows", "file_id", file.ID, "error", err)
		}
	}
	if file.State == UploadStateCommitted {
		if err := s.backend.Delete(ctx, file.BlobKey); err != nil {
			slog.Warn("failed to delete blob", "key", file.BlobKey, "error", err)
		}
	}
}

func (s *service) storageError(ctx context.Context, op, key string, err error) error {
	slog.Error("blob backend failed", "backend", s.backend.Name(), "op", op, "key", key, "error", err)
	if sinkErr := s.eventSink.BackendFailed(ctx, op, err); sinkErr != nil {
		slog.Warn("event sink failed", "event", "backend_failed", "error", sinkErr)
	}
	return &StorageError{Backend: s.backend.Name(), Key: key, Op: op, Err: err}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
