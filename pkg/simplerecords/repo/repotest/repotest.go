// Package repotest holds the behaviour every simplerecords.Repository must
// share, run against each implementation from its own tests.
package repotest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/matrix"
)

// Run exercises repo against the Repository contract. newRepo must return an
// empty repository on every call.
func Run(t *testing.T, newRepo func(t *testing.T) simplerecords.Repository) {
	t.Run("Ensembles", func(t *testing.T) { testEnsembles(t, newRepo(t)) })
	t.Run("Updates", func(t *testing.T) { testUpdates(t, newRepo(t)) })
	t.Run("Records", func(t *testing.T) { testRecords(t, newRepo(t)) })
	t.Run("RecordContent", func(t *testing.T) { testRecordContent(t, newRepo(t)) })
	t.Run("StagedBlocks", func(t *testing.T) { testStagedBlocks(t, newRepo(t)) })
	t.Run("InlineStore", func(t *testing.T) { testInlineStore(t, newRepo(t)) })
	t.Run("DeleteEnsemble", func(t *testing.T) { testDeleteEnsemble(t, newRepo(t)) })
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// NewEnsemble stores a fresh ensemble of the given size.
func NewEnsemble(t *testing.T, repo simplerecords.Repository, size int) *simplerecords.Ensemble {
	t.Helper()
	ts := now()
	ens := &simplerecords.Ensemble{
		ID:                 uuid.New(),
		Size:               size,
		ActiveRealizations: []int{0},
		ParameterNames:     []string{"coeffs"},
		ResponseNames:      []string{},
		Userdata:           map[string]interface{}{"experiment": "poly"},
		CreatedAt:          ts,
		UpdatedAt:          ts,
	}
	require.NoError(t, repo.CreateEnsemble(context.Background(), ens))
	return ens
}

func matrixRecord(ens *simplerecords.Ensemble, name string, idx *int, m *matrix.Matrix) (*simplerecords.RecordInfo, *simplerecords.Record) {
	ts := now()
	info := &simplerecords.RecordInfo{
		ID:          uuid.New(),
		EnsembleID:  ens.ID,
		Name:        name,
		RecordType:  simplerecords.RecordTypeMatrix,
		RecordClass: simplerecords.RecordClassParameter,
		CreatedAt:   ts,
	}
	rec := &simplerecords.Record{
		ID:               uuid.New(),
		EnsembleID:       ens.ID,
		Name:             name,
		RealizationIndex: idx,
		RecordType:       simplerecords.RecordTypeMatrix,
		RecordClass:      simplerecords.RecordClassParameter,
		Content:          simplerecords.MatrixContent{Matrix: m},
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	return info, rec
}

func fileRecord(ens *simplerecords.Ensemble, name string, idx *int, state simplerecords.UploadState) (*simplerecords.RecordInfo, *simplerecords.Record) {
	ts := now()
	info := &simplerecords.RecordInfo{
		ID:          uuid.New(),
		EnsembleID:  ens.ID,
		Name:        name,
		RecordType:  simplerecords.RecordTypeFile,
		RecordClass: simplerecords.RecordClassOther,
		CreatedAt:   ts,
	}
	rec := &simplerecords.Record{
		ID:               uuid.New(),
		EnsembleID:       ens.ID,
		Name:             name,
		RealizationIndex: idx,
		RecordType:       simplerecords.RecordTypeFile,
		RecordClass:      simplerecords.RecordClassOther,
		Content: simplerecords.FileContent{File: &simplerecords.File{
			ID:        uuid.New(),
			Filename:  name + ".bin",
			MimeType:  "application/octet-stream",
			Storage:   simplerecords.FileStorageInline,
			Container: "inline",
			BlobKey:   simplerecords.BlobKey(name, idx),
			State:     state,
			CreatedAt: ts,
			UpdatedAt: ts,
		}},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	return info, rec
}

func testEnsembles(t *testing.T, repo simplerecords.Repository) {
	ctx := context.Background()
	ens := NewEnsemble(t, repo, 4)

	got, err := repo.GetEnsemble(ctx, ens.ID)
	require.NoError(t, err)
	assert.Equal(t, ens.ID, got.ID)
	assert.Equal(t, 4, got.Size)
	assert.Equal(t, []int{0}, got.ActiveRealizations)
	assert.Equal(t, []string{"coeffs"}, got.ParameterNames)
	assert.Equal(t, "poly", got.Userdata["experiment"])

	_, err = repo.GetEnsemble(ctx, uuid.New())
	assert.ErrorIs(t, err, simplerecords.ErrNotFound)
}

func testUpdates(t *testing.T, repo simplerecords.Repository) {
	ctx := context.Background()
	prior := NewEnsemble(t, repo, 1)
	posterior := NewEnsemble(t, repo, 1)

	update := &simplerecords.Update{ID: uuid.New(), Algorithm: "ES", ReferenceID: prior.ID, ResultID: posterior.ID, CreatedAt: now()}
	require.NoError(t, repo.CreateUpdate(ctx, update))

	got, err := repo.GetUpdateByResult(ctx, posterior.ID)
	require.NoError(t, err)
	assert.Equal(t, update.ID, got.ID)
	assert.Equal(t, "ES", got.Algorithm)

	children, err := repo.ListUpdatesByReference(ctx, prior.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)

	second := &simplerecords.Update{ID: uuid.New(), ReferenceID: prior.ID, ResultID: posterior.ID, CreatedAt: now()}
	assert.ErrorIs(t, repo.CreateUpdate(ctx, second), simplerecords.ErrConflict)

	_, err = repo.GetUpdateByResult(ctx, prior.ID)
	assert.ErrorIs(t, err, simplerecords.ErrNotFound)
}

func testRecords(t *testing.T, repo simplerecords.Repository) {
	ctx := context.Background()
	ens := NewEnsemble(t, repo, 4)
	m := &matrix.Matrix{Shape: []int{1}, Values: []float64{1}}

	info, wide := matrixRecord(ens, "coeffs", nil, m)
	require.NoError(t, repo.CreateRecord(ctx, info, wide, nil))

	t.Run("exact scope is unique", func(t *testing.T) {
		info, dup := matrixRecord(ens, "coeffs", nil, m)
		assert.ErrorIs(t, repo.CreateRecord(ctx, info, dup, nil), simplerecords.ErrConflict)
	})

	t.Run("check sees existing records and can veto", func(t *testing.T) {
		info, rec := matrixRecord(ens, "coeffs", simplerecords.IntPtr(1), m)
		veto := errors.New("veto")
		var seen []*simplerecords.Record
		err := repo.CreateRecord(ctx, info, rec, func(existing []*simplerecords.Record) error {
			seen = existing
			return veto
		})
		assert.ErrorIs(t, err, veto)
		require.Len(t, seen, 1)
		assert.Equal(t, wide.ID, seen[0].ID)

		_, err = repo.FindRecord(ctx, ens.ID, "coeffs", simplerecords.IntPtr(1))
		assert.ErrorIs(t, err, simplerecords.ErrNotFound)
	})

	t.Run("declared type is fixed by the first record", func(t *testing.T) {
		info, rec := fileRecord(ens, "coeffs", simplerecords.IntPtr(2), simplerecords.UploadStateCommitted)
		assert.ErrorIs(t, repo.CreateRecord(ctx, info, rec, nil), simplerecords.ErrValidation)
	})

	t.Run("unknown ensemble", func(t *testing.T) {
		info, rec := matrixRecord(&simplerecords.Ensemble{ID: uuid.New()}, "x", nil, m)
		assert.ErrorIs(t, repo.CreateRecord(ctx, info, rec, nil), simplerecords.ErrNotFound)
	})

	info, own := matrixRecord(ens, "coeffs", simplerecords.IntPtr(0), m)
	require.NoError(t, repo.CreateRecord(ctx, info, own, nil))

	t.Run("find by exact scope", func(t *testing.T) {
		got, err := repo.FindRecord(ctx, ens.ID, "coeffs", nil)
		require.NoError(t, err)
		assert.Equal(t, wide.ID, got.ID)
		assert.Nil(t, got.RealizationIndex)

		got, err = repo.FindRecord(ctx, ens.ID, "coeffs", simplerecords.IntPtr(0))
		require.NoError(t, err)
		assert.Equal(t, own.ID, got.ID)

		_, err = repo.FindRecord(ctx, ens.ID, "coeffs", simplerecords.IntPtr(3))
		assert.ErrorIs(t, err, simplerecords.ErrNotFound)
	})

	t.Run("list orders ensemble-wide first", func(t *testing.T) {
		records, err := repo.ListRecords(ctx, ens.ID)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, wide.ID, records[0].ID)
		assert.Equal(t, own.ID, records[1].ID)
	})

	t.Run("record info", func(t *testing.T) {
		got, err := repo.GetRecordInfo(ctx, ens.ID, "coeffs")
		require.NoError(t, err)
		assert.Equal(t, simplerecords.RecordTypeMatrix, got.RecordType)
		assert.Equal(t, simplerecords.RecordClassParameter, got.RecordClass)
	})

	t.Run("observations link once", func(t *testing.T) {
		obs := uuid.New()
		require.NoError(t, repo.LinkObservation(ctx, own.ID, obs))
		require.NoError(t, repo.LinkObservation(ctx, own.ID, obs))
		got, err := repo.GetRecord(ctx, own.ID)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{obs}, got.ObservationIDs)

		assert.ErrorIs(t, repo.LinkObservation(ctx, uuid.New(), obs), simplerecords.ErrNotFound)
	})

	t.Run("deleting the last record drops the info", func(t *testing.T) {
		require.NoError(t, repo.DeleteRecord(ctx, own.ID))
		_, err := repo.GetRecordInfo(ctx, ens.ID, "coeffs")
		require.NoError(t, err)

		require.NoError(t, repo.DeleteRecord(ctx, wide.ID))
		_, err = repo.GetRecordInfo(ctx, ens.ID, "coeffs")
		assert.ErrorIs(t, err, simplerecords.ErrNotFound)

		assert.ErrorIs(t, repo.DeleteRecord(ctx, wide.ID), simplerecords.ErrNotFound)
	})
}

func testRecordContent(t *testing.T, repo simplerecords.Repository) {
	ctx := context.Background()
	ens := NewEnsemble(t, repo, 2)

	t.Run("matrix", func(t *testing.T) {
		m := &matrix.Matrix{
			Shape:  []int{2, 3},
			Values: []float64{0.1, -2, 3e300, 4, 5.5, 6},
			Labels: [][]string{{"a", "b"}, {"x", "y", "z"}},
		}
		info, rec := matrixRecord(ens, "m", simplerecords.IntPtr(1), m)
		require.NoError(t, repo.CreateRecord(ctx, info, rec, nil))

		got, err := repo.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Matrix())
		assert.Nil(t, got.File())
		assert.Equal(t, m.Shape, got.Matrix().Shape)
		assert.Equal(t, m.Values, got.Matrix().Values)
		assert.Equal(t, m.Labels, got.Matrix().Labels)
		assert.Equal(t, 1, *got.RealizationIndex)
	})

	t.Run("file", func(t *testing.T) {
		info, rec := fileRecord(ens, "f", nil, simplerecords.UploadStateStaging)
		require.NoError(t, repo.CreateRecord(ctx, info, rec, nil))

		got, err := repo.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		require.NotNil(t, got.File())
		assert.Nil(t, got.Matrix())
		want := rec.File()
		assert.Equal(t, want.ID, got.File().ID)
		assert.Equal(t, want.BlobKey, got.File().BlobKey)
		assert.Equal(t, simplerecords.UploadStateStaging, got.File().State)

		require.NoError(t, repo.CommitFile(ctx, want.ID, 42, "abc"))
		got, err = repo.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, simplerecords.UploadStateCommitted, got.File().State)
		assert.Equal(t, int64(42), got.File().Size)
		assert.Equal(t, "abc", got.File().Checksum)

		assert.ErrorIs(t, repo.CommitFile(ctx, want.ID, 1, ""), simplerecords.ErrAlreadyCommitted)
		assert.ErrorIs(t, repo.CommitFile(ctx, uuid.New(), 1, ""), simplerecords.ErrNotFound)
	})

	t.Run("returned records are copies", func(t *testing.T) {
		info, rec := fileRecord(ens, "copy", nil, simplerecords.UploadStateStaging)
		require.NoError(t, repo.CreateRecord(ctx, info, rec, nil))

		got, err := repo.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		got.File().State = simplerecords.UploadStateCommitted

		again, err := repo.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, simplerecords.UploadStateStaging, again.File().State)
	})
}

func testStagedBlocks(t *testing.T, repo simplerecords.Repository) {
	ctx := context.Background()
	ens := NewEnsemble(t, repo, 1)
	info, rec := fileRecord(ens, "blob", nil, simplerecords.UploadStateStaging)
	require.NoError(t, repo.CreateRecord(ctx, info, rec, nil))
	fileID := rec.File().ID

	block := func(idx int, id string) *simplerecords.StagedBlock {
		return &simplerecords.StagedBlock{
			ID: uuid.New(), FileID: fileID, BlockID: id, BlockIndex: idx,
			EnsembleID: ens.ID, RecordName: "blob", Size: 3, CreatedAt: now(),
		}
	}

	replaced, err := repo.SaveStagedBlock(ctx, block(1, "b1"))
	require.NoError(t, err)
	assert.Nil(t, replaced)
	_, err = repo.SaveStagedBlock(ctx, block(0, "b0"))
	require.NoError(t, err)

	replaced, err = repo.SaveStagedBlock(ctx, block(1, "b1-again"))
	require.NoError(t, err)
	require.NotNil(t, replaced)
	assert.Equal(t, "b1", replaced.BlockID)

	blocks, err := repo.ListStagedBlocks(ctx, fileID)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	assert.Equal(t, "b0", blocks[0].BlockID)
	assert.Equal(t, "b1-again", blocks[1].BlockID)

	require.NoError(t, repo.DeleteStagedBlocks(ctx, fileID))
	blocks, err = repo.ListStagedBlocks(ctx, fileID)
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func testInlineStore(t *testing.T, repo simplerecords.Repository) {
	ctx := context.Background()

	require.NoError(t, repo.PutInlineContent(ctx, "k", []byte("first")))
	require.NoError(t, repo.PutInlineContent(ctx, "k", []byte("second")))
	data, err := repo.GetInlineContent(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	require.NoError(t, repo.PutInlineContent(ctx, "empty", nil))
	data, err = repo.GetInlineContent(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, repo.DeleteInlineContent(ctx, "k"))
	_, err = repo.GetInlineContent(ctx, "k")
	assert.ErrorIs(t, err, simplerecords.ErrNotFound)

	require.NoError(t, repo.PutInlineBlock(ctx, "k", "b0", []byte("aa")))
	require.NoError(t, repo.PutInlineBlock(ctx, "k", "b1", []byte("bb")))
	data, err = repo.GetInlineBlock(ctx, "k", "b1")
	require.NoError(t, err)
	assert.Equal(t, "bb", string(data))

	require.NoError(t, repo.DeleteInlineBlocks(ctx, "k", []string{"b0", "b1"}))
	_, err = repo.GetInlineBlock(ctx, "k", "b0")
	assert.ErrorIs(t, err, simplerecords.ErrNotFound)
}

func testDeleteEnsemble(t *testing.T, repo simplerecords.Repository) {
	ctx := context.Background()
	ens := NewEnsemble(t, repo, 1)
	child := NewEnsemble(t, repo, 1)
	require.NoError(t, repo.CreateUpdate(ctx, &simplerecords.Update{
		ID: uuid.New(), ReferenceID: ens.ID, ResultID: child.ID, CreatedAt: now(),
	}))

	info, rec := fileRecord(ens, "f", nil, simplerecords.UploadStateCommitted)
	require.NoError(t, repo.CreateRecord(ctx, info, rec, nil))

	require.NoError(t, repo.DeleteEnsemble(ctx, ens.ID))
	_, err := repo.GetEnsemble(ctx, ens.ID)
	assert.ErrorIs(t, err, simplerecords.ErrNotFound)
	_, err = repo.GetRecord(ctx, rec.ID)
	assert.ErrorIs(t, err, simplerecords.ErrNotFound)
	_, err = repo.GetUpdateByResult(ctx, child.ID)
	assert.ErrorIs(t, err, simplerecords.ErrNotFound)

	_, err = repo.GetEnsemble(ctx, child.ID)
	assert.NoError(t, err)
	assert.ErrorIs(t, repo.DeleteEnsemble(ctx, ens.ID), simplerecords.ErrNotFound)
}
