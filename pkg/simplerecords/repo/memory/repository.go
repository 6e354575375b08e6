package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/matrix"
)

type infoKey struct {
	ensembleID uuid.UUID
	name       string
}

// Repository implements simplerecords.Repository using in-memory storage
type Repository struct {
	mu           sync.RWMutex
	ensembles    map[uuid.UUID]*simplerecords.Ensemble
	updates      map[uuid.UUID]*simplerecords.Update // result_id -> update
	infos        map[infoKey]*simplerecords.RecordInfo
	records      map[uuid.UUID]*simplerecords.Record
	recordByFile map[uuid.UUID]uuid.UUID                           // file_id -> record_id
	blocks       map[uuid.UUID]map[int]*simplerecords.StagedBlock // file_id -> block_index -> block
	inline       map[string][]byte
	inlineBlocks map[string][]byte // "key/block_id" -> bytes
}

// New creates a new in-memory repository
func New() simplerecords.Repository {
	return &Repository{
		ensembles:    make(map[uuid.UUID]*simplerecords.Ensemble),
		updates:      make(map[uuid.UUID]*simplerecords.Update),
		infos:        make(map[infoKey]*simplerecords.RecordInfo),
		records:      make(map[uuid.UUID]*simplerecords.Record),
		recordByFile: make(map[uuid.UUID]uuid.UUID),
		blocks:       make(map[uuid.UUID]map[int]*simplerecords.StagedBlock),
		inline:       make(map[string][]byte),
		inlineBlocks: make(map[string][]byte),
	}
}

// Ensemble operations

func (r *Repository) CreateEnsemble(ctx context.Context, ensemble *simplerecords.Ensemble) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ensembles[ensemble.ID]; exists {
		return fmt.Errorf("ensemble %s: %w", ensemble.ID, simplerecords.ErrConflict)
	}
	ensembleCopy := *ensemble
	r.ensembles[ensemble.ID] = &ensembleCopy
	return nil
}

func (r *Repository) GetEnsemble(ctx context.Context, id uuid.UUID) (*simplerecords.Ensemble, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ensemble, exists := r.ensembles[id]
	if !exists {
		return nil, simplerecords.ErrEnsembleNotFound
	}
	ensembleCopy := *ensemble
	return &ensembleCopy, nil
}

func (r *Repository) DeleteEnsemble(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ensembles[id]; !exists {
		return simplerecords.ErrEnsembleNotFound
	}
	delete(r.ensembles, id)

	for key := range r.infos {
		if key.ensembleID == id {
			delete(r.infos, key)
		}
	}
	for recID, rec := range r.records {
		if rec.EnsembleID == id {
			r.dropRecordLocked(recID)
		}
	}
	for resultID, update := range r.updates {
		if update.ResultID == id || update.ReferenceID == id {
			delete(r.updates, resultID)
		}
	}
	return nil
}

// Lineage operations

func (r *Repository) CreateUpdate(ctx context.Context, update *simplerecords.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.updates[update.ResultID]; exists {
		return fmt.Errorf("ensemble %s already has a parent: %w", update.ResultID, simplerecords.ErrConflict)
	}
	updateCopy := *update
	r.updates[update.ResultID] = &updateCopy
	return nil
}

func (r *Repository) GetUpdateByResult(ctx context.Context, resultID uuid.UUID) (*simplerecords.Update, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	update, exists := r.updates[resultID]
	if !exists {
		return nil, simplerecords.ErrNotFound
	}
	updateCopy := *update
	return &updateCopy, nil
}

func (r *Repository) ListUpdatesByReference(ctx context.Context, referenceID uuid.UUID) ([]*simplerecords.Update, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simplerecords.Update
	for _, update := range r.updates {
		if update.ReferenceID == referenceID {
			updateCopy := *update
			result = append(result, &updateCopy)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Record operations

func (r *Repository) CreateRecord(ctx context.Context, info *simplerecords.RecordInfo, rec *simplerecords.Record, check simplerecords.ConflictCheck) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ensembles[rec.EnsembleID]; !exists {
		return simplerecords.ErrEnsembleNotFound
	}

	key := infoKey{ensembleID: rec.EnsembleID, name: rec.Name}
	existingInfo, hasInfo := r.infos[key]
	if hasInfo && existingInfo.RecordType != rec.RecordType {
		return fmt.Errorf("%w: record '%s' holds %s content, got %s",
			simplerecords.ErrValidation, rec.Name, existingInfo.RecordType, rec.RecordType)
	}

	var existing []*simplerecords.Record
	for _, other := range r.records {
		if other.EnsembleID != rec.EnsembleID || other.Name != rec.Name {
			continue
		}
		if sameScope(other.RealizationIndex, rec.RealizationIndex) {
			return simplerecords.ErrConflict
		}
		existing = append(existing, cloneRecord(other))
	}
	if check != nil {
		if err := check(existing); err != nil {
			return err
		}
	}

	if !hasInfo {
		infoCopy := *info
		r.infos[key] = &infoCopy
	} else {
		// The first record under a name fixes its class.
		rec.RecordClass = existingInfo.RecordClass
	}

	stored := cloneRecord(rec)
	r.records[rec.ID] = stored
	if file := stored.File(); file != nil {
		r.recordByFile[file.ID] = rec.ID
	}
	return nil
}

func (r *Repository) GetRecord(ctx context.Context, id uuid.UUID) (*simplerecords.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[id]
	if !exists {
		return nil, simplerecords.ErrRecordNotFound
	}
	return cloneRecord(rec), nil
}

func (r *Repository) FindRecord(ctx context.Context, ensembleID uuid.UUID, name string, realizationIndex *int) (*simplerecords.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, rec := range r.records {
		if rec.EnsembleID == ensembleID && rec.Name == name && sameScope(rec.RealizationIndex, realizationIndex) {
			return cloneRecord(rec), nil
		}
	}
	return nil, simplerecords.ErrRecordNotFound
}

func (r *Repository) ListRecords(ctx context.Context, ensembleID uuid.UUID) ([]*simplerecords.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simplerecords.Record
	for _, rec := range r.records {
		if rec.EnsembleID == ensembleID {
			result = append(result, cloneRecord(rec))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return realizationOrder(result[i].RealizationIndex) < realizationOrder(result[j].RealizationIndex)
	})
	return result, nil
}

func (r *Repository) GetRecordInfo(ctx context.Context, ensembleID uuid.UUID, name string) (*simplerecords.RecordInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.infos[infoKey{ensembleID: ensembleID, name: name}]
	if !exists {
		return nil, simplerecords.ErrNotFound
	}
	infoCopy := *info
	return &infoCopy, nil
}

func (r *Repository) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[id]
	if !exists {
		return simplerecords.ErrRecordNotFound
	}
	r.dropRecordLocked(id)

	for _, other := range r.records {
		if other.EnsembleID == rec.EnsembleID && other.Name == rec.Name {
			return nil
		}
	}
	delete(r.infos, infoKey{ensembleID: rec.EnsembleID, name: rec.Name})
	return nil
}

func (r *Repository) LinkObservation(ctx context.Context, recordID, observationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[recordID]
	if !exists {
		return simplerecords.ErrRecordNotFound
	}
	for _, id := range rec.ObservationIDs {
		if id == observationID {
			return nil
		}
	}
	rec.ObservationIDs = append(rec.ObservationIDs, observationID)
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *Repository) dropRecordLocked(id uuid.UUID) {
	rec := r.records[id]
	if file := rec.File(); file != nil {
		delete(r.recordByFile, file.ID)
		delete(r.blocks, file.ID)
	}
	delete(r.records, id)
}

// Staged upload operations

func (r *Repository) SaveStagedBlock(ctx context.Context, block *simplerecords.StagedBlock) (*simplerecords.StagedBlock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.recordByFile[block.FileID]; !exists {
		return nil, simplerecords.ErrRecordNotFound
	}
	byIndex, exists := r.blocks[block.FileID]
	if !exists {
		byIndex = make(map[int]*simplerecords.StagedBlock)
		r.blocks[block.FileID] = byIndex
	}
	replaced := byIndex[block.BlockIndex]
	blockCopy := *block
	byIndex[block.BlockIndex] = &blockCopy
	return replaced, nil
}

func (r *Repository) ListStagedBlocks(ctx context.Context, fileID uuid.UUID) ([]*simplerecords.StagedBlock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*simplerecords.StagedBlock
	for _, block := range r.blocks[fileID] {
		blockCopy := *block
		result = append(result, &blockCopy)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].BlockIndex < result[j].BlockIndex
	})
	return result, nil
}

func (r *Repository) DeleteStagedBlocks(ctx context.Context, fileID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.blocks, fileID)
	return nil
}

func (r *Repository) CommitFile(ctx context.Context, fileID uuid.UUID, size int64, checksum string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	recID, exists := r.recordByFile[fileID]
	if !exists {
		return simplerecords.ErrRecordNotFound
	}
	file := r.records[recID].File()
	if file.State == simplerecords.UploadStateCommitted {
		return simplerecords.ErrAlreadyCommitted
	}
	file.State = simplerecords.UploadStateCommitted
	file.Size = size
	file.Checksum = checksum
	file.UpdatedAt = time.Now().UTC()
	return nil
}

// Inline content operations

func (r *Repository) PutInlineContent(ctx context.Context, key string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inline[key] = append([]byte(nil), data...)
	return nil
}

func (r *Repository) GetInlineContent(ctx context.Context, key string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, exists := r.inline[key]
	if !exists {
		return nil, fmt.Errorf("inline content %s: %w", key, simplerecords.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (r *Repository) DeleteInlineContent(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.inline, key)
	return nil
}

func (r *Repository) PutInlineBlock(ctx context.Context, key, blockID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.inlineBlocks[key+"/"+blockID] = append([]byte(nil), data...)
	return nil
}

func (r *Repository) GetInlineBlock(ctx context.Context, key, blockID string) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	data, exists := r.inlineBlocks[key+"/"+blockID]
	if !exists {
		return nil, fmt.Errorf("inline block %s of %s: %w", blockID, key, simplerecords.ErrNotFound)
	}
	return data, nil
}

func (r *Repository) DeleteInlineBlocks(ctx context.Context, key string, blockIDs []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range blockIDs {
		delete(r.inlineBlocks, key+"/"+id)
	}
	return nil
}

// cloneRecord copies a record deep enough that callers cannot reach stored state.
func cloneRecord(rec *simplerecords.Record) *simplerecords.Record {
	out := *rec
	if rec.RealizationIndex != nil {
		out.RealizationIndex = simplerecords.IntPtr(*rec.RealizationIndex)
	}
	if rec.ObservationIDs != nil {
		out.ObservationIDs = append([]uuid.UUID(nil), rec.ObservationIDs...)
	}
	switch c := rec.Content.(type) {
	case simplerecords.MatrixContent:
		m := &matrix.Matrix{
			Shape:  append([]int(nil), c.Matrix.Shape...),
			Values: append([]float64(nil), c.Matrix.Values...),
			Labels: c.Matrix.Labels,
		}
		out.Content = simplerecords.MatrixContent{Matrix: m}
	case simplerecords.FileContent:
		file := *c.File
		out.Content = simplerecords.FileContent{File: &file}
	}
	return &out
}

func sameScope(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// realizationOrder sorts ensemble-wide records first.
func realizationOrder(idx *int) int {
	if idx == nil {
		return -1
	}
	return *idx
}
