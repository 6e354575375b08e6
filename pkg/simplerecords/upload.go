package simplerecords

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Staged uploads: a placeholder record is created first, blocks are staged
// against it in any order, and finalizing assembles them by block index.

func (s *service) CreateBlobRecord(ctx context.Context, req CreateBlobRecordRequest) (*Record, error) {
	const op = "create_blob"
	ensemble, err := s.checkScope(ctx, op, req.RecordScope)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	file := &File{
		ID:        uuid.New(),
		Filename:  defaultString(req.Filename, req.Name),
		MimeType:  defaultString(req.MimeType, "application/octet-stream"),
		Storage:   s.backend.Storage(),
		Container: s.backend.Name(),
		BlobKey:   BlobKey(req.Name, req.RealizationIndex),
		State:     UploadStateStaging,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return s.insertRecord(ctx, op, ensemble, req.RecordScope, req.RecordClass, FileContent{File: file})
}

func (s *service) StageBlock(ctx context.Context, req StageBlockRequest, body io.Reader) (*StagedBlock, error) {
	const op = "stage_block"
	if req.BlockIndex < 0 {
		return nil, newRecordError(op, req.EnsembleID, req.Name, req.RealizationIndex,
			fmt.Errorf("%w: block index must not be negative", ErrValidation))
	}

	rec, err := s.placeholder(ctx, req.RecordScope)
	if err != nil {
		return nil, err
	}
	file := rec.File()
	if file == nil {
		return nil, newRecordError(op, req.EnsembleID, req.Name, req.RealizationIndex, ErrNotStaged)
	}
	if file.State == UploadStateCommitted {
		return nil, newRecordError(op, req.EnsembleID, req.Name, req.RealizationIndex, ErrAlreadyCommitted)
	}

	counter := &countingReader{r: body}
	blockID, err := s.backend.Stage(ctx, file.BlobKey, req.BlockIndex, counter)
	if err != nil {
		return nil, s.storageError(ctx, "stage", file.BlobKey, err)
	}

	block := &StagedBlock{
		ID:               uuid.New(),
		FileID:           file.ID,
		BlockID:          blockID,
		BlockIndex:       req.BlockIndex,
		EnsembleID:       req.EnsembleID,
		RecordName:       req.Name,
		RealizationIndex: req.RealizationIndex,
		Size:             counter.n,
		CreatedAt:        time.Now().UTC(),
	}
	replaced, err := s.repository.SaveStagedBlock(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("failed to record staged block: %w", err)
	}
	if replaced != nil && replaced.BlockID != block.BlockID {
		if err := s.backend.Discard(ctx, file.BlobKey, []string{replaced.BlockID}); err != nil {
			slog.Warn("failed to discard replaced block", "key", file.BlobKey, "block_index", req.BlockIndex, "error", err)
		}
	}

	if err := s.eventSink.BlockStaged(ctx, block); err != nil {
		slog.Warn("event sink failed", "event", "block_staged", "error", err)
	}
	return block, nil
}

// placeholder finds the staging record for scope. Inline storage stages
// implicitly, so there the first block creates the placeholder itself.
func (s *service) placeholder(ctx context.Context, scope RecordScope) (*Record, error) {
	rec, err := s.ResolveRecord(ctx, scope, ResolveStrict)
	if err == nil || s.backend.Storage() != FileStorageInline || !errors.Is(err, ErrRecordNotFound) {
		return rec, err
	}

	rec, err = s.CreateBlobRecord(ctx, CreateBlobRecordRequest{RecordScope: scope})
	if errors.Is(err, ErrConflict) {
		// Either a concurrent block of the same upload won the race, or the
		// scope conflicts with a record elsewhere and the conflict stands.
		if existing, rerr := s.ResolveRecord(ctx, scope, ResolveStrict); rerr == nil {
			return existing, nil
		}
	}
	return rec, err
}

func (s *service) FinalizeBlob(ctx context.Context, scope RecordScope) (*Record, error) {
	const op = "finalize_blob"
	unlock := s.locks.lock(scopeKey(scope))
	defer unlock()

	rec, err := s.ResolveRecord(ctx, scope, ResolveStrict)
	if err != nil {
		return nil, err
	}
	file := rec.File()
	if file == nil {
		return nil, newRecordError(op, scope.EnsembleID, scope.Name, scope.RealizationIndex, ErrNotStaged)
	}
	if file.State == UploadStateCommitted {
		return nil, newRecordError(op, scope.EnsembleID, scope.Name, scope.RealizationIndex, ErrAlreadyCommitted)
	}

	blocks, err := s.repository.ListStagedBlocks(ctx, file.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list staged blocks: %w", err)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].BlockIndex < blocks[j].BlockIndex })

	ids := make([]string, len(blocks))
	for i, b := range blocks {
		if b.BlockIndex != i {
			return nil, newRecordError(op, scope.EnsembleID, scope.Name, scope.RealizationIndex,
				fmt.Errorf("%w: block %d was never staged", ErrValidation, i))
		}
		ids[i] = b.BlockID
	}

	size, err := s.backend.Commit(ctx, file.BlobKey, ids)
	if err != nil {
		return nil, s.storageError(ctx, "commit", file.BlobKey, err)
	}

	// Blocks outlive a failed CommitFile so that finalize can be retried.
	if err := s.repository.CommitFile(ctx, file.ID, size, ""); err != nil {
		return nil, newRecordError(op, scope.EnsembleID, scope.Name, scope.RealizationIndex, err)
	}
	if err := s.backend.Discard(ctx, file.BlobKey, ids); err != nil {
		slog.Warn("failed to discard committed blocks", "key", file.BlobKey, "error", err)
	}
	if err := s.repository.DeleteStagedBlocks(ctx, file.ID); err != nil {
		slog.Warn("failed to delete staged block rows", "file_id", file.ID, "error", err)
	}

	file.State = UploadStateCommitted
	file.Size = size
	file.UpdatedAt = time.Now().UTC()

	slog.Info("staged upload committed", "ensemble_id", scope.EnsembleID, "name", scope.Name,
		"realization", FormatRealization(scope.RealizationIndex), "blocks", len(ids), "size", size)

	if err := s.eventSink.BlobCommitted(ctx, rec, len(ids)); err != nil {
		slog.Warn("event sink failed", "event", "blob_committed", "error", err)
	}
	return rec, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
