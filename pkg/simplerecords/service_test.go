package simplerecords_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/repo/memory"
	"github.com/tendant/simple-records/pkg/simplerecords/storage/inline"
)

func newTestService(t *testing.T) (simplerecords.Service, simplerecords.Repository) {
	t.Helper()
	repo := memory.New()
	svc, err := simplerecords.New(
		simplerecords.WithRepository(repo),
		simplerecords.WithBlobBackend(inline.New(repo)),
	)
	require.NoError(t, err)
	return svc, repo
}

func newEnsemble(t *testing.T, svc simplerecords.Service, size int) *simplerecords.Ensemble {
	t.Helper()
	ens, err := svc.CreateEnsemble(context.Background(), simplerecords.CreateEnsembleRequest{
		Size:           size,
		ParameterNames: []string{"coeffs"},
		ResponseNames:  []string{"poly"},
	})
	require.NoError(t, err)
	return ens
}

func scope(ens *simplerecords.Ensemble, name string, idx *int) simplerecords.RecordScope {
	return simplerecords.RecordScope{EnsembleID: ens.ID, Name: name, RealizationIndex: idx}
}

func createMatrix(t *testing.T, svc simplerecords.Service, sc simplerecords.RecordScope, body string) (*simplerecords.Record, error) {
	t.Helper()
	return svc.CreateMatrixRecord(context.Background(), simplerecords.CreateMatrixRecordRequest{
		RecordScope: sc,
		ContentType: "application/json",
	}, strings.NewReader(body))
}

func readAll(t *testing.T, svc simplerecords.Service, rec *simplerecords.Record) string {
	t.Helper()
	r, err := svc.OpenFile(context.Background(), rec)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestServiceCreation(t *testing.T) {
	repo := memory.New()
	tests := []struct {
		name        string
		options     []simplerecords.Option
		expectError bool
	}{
		{
			name:        "no options should fail",
			options:     []simplerecords.Option{},
			expectError: true,
		},
		{
			name:        "repository without backend should fail",
			options:     []simplerecords.Option{simplerecords.WithRepository(repo)},
			expectError: true,
		},
		{
			name: "repository and backend should succeed",
			options: []simplerecords.Option{
				simplerecords.WithRepository(repo),
				simplerecords.WithBlobBackend(inline.New(repo)),
				simplerecords.WithEventSink(simplerecords.NewNoopEventSink()),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := simplerecords.New(tt.options...)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, svc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, svc)
			}
		})
	}
}

func TestCreateEnsemble(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	t.Run("defaults every realization to active", func(t *testing.T) {
		ens := newEnsemble(t, svc, 3)
		assert.Equal(t, []int{0, 1, 2}, ens.ActiveRealizations)

		got, err := svc.GetEnsemble(ctx, ens.ID)
		require.NoError(t, err)
		assert.Equal(t, ens.ID, got.ID)
	})

	t.Run("rejects active realizations outside the ensemble", func(t *testing.T) {
		_, err := svc.CreateEnsemble(ctx, simplerecords.CreateEnsembleRequest{Size: 2, ActiveRealizations: []int{0, 5}})
		assert.ErrorIs(t, err, simplerecords.ErrValidation)
	})

	t.Run("unknown ensemble", func(t *testing.T) {
		_, err := svc.GetEnsemble(ctx, uuid.New())
		assert.ErrorIs(t, err, simplerecords.ErrEnsembleNotFound)
		assert.ErrorIs(t, err, simplerecords.ErrNotFound)
	})
}

func TestMatrixRecords(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	ens := newEnsemble(t, svc, 5)

	t.Run("stores the decoded matrix", func(t *testing.T) {
		rec, err := createMatrix(t, svc, scope(ens, "coeffs", simplerecords.IntPtr(0)), `[[1, 2.5], [3, 4]]`)
		require.NoError(t, err)
		assert.Equal(t, simplerecords.RecordTypeMatrix, rec.RecordType)
		assert.Equal(t, simplerecords.RecordClassParameter, rec.RecordClass)

		got, err := svc.ResolveRecord(ctx, scope(ens, "coeffs", simplerecords.IntPtr(0)), simplerecords.ResolveStrict)
		require.NoError(t, err)
		require.NotNil(t, got.Matrix())
		assert.Equal(t, []int{2, 2}, got.Matrix().Shape)
		assert.Equal(t, []float64{1, 2.5, 3, 4}, got.Matrix().Values)
	})

	t.Run("malformed payload creates nothing", func(t *testing.T) {
		_, err := createMatrix(t, svc, scope(ens, "broken", simplerecords.IntPtr(1)), `[[1, 2], [3]]`)
		require.Error(t, err)
		assert.ErrorIs(t, err, simplerecords.ErrValidation)

		var recErr *simplerecords.RecordError
		require.True(t, errors.As(err, &recErr))
		assert.Equal(t, "broken", recErr.Name)
		assert.Contains(t, recErr.Describe(), "realization 1")

		_, err = svc.ResolveRecord(ctx, scope(ens, "broken", simplerecords.IntPtr(1)), simplerecords.ResolveStrict)
		assert.ErrorIs(t, err, simplerecords.ErrRecordNotFound)
	})

	t.Run("unsupported encoding is a validation error", func(t *testing.T) {
		_, err := svc.CreateMatrixRecord(ctx, simplerecords.CreateMatrixRecordRequest{
			RecordScope: scope(ens, "csv", nil),
			ContentType: "text/csv",
		}, strings.NewReader("1,2"))
		assert.ErrorIs(t, err, simplerecords.ErrValidation)
	})

	t.Run("a name keeps its declared type", func(t *testing.T) {
		_, err := svc.CreateFileRecord(ctx, simplerecords.CreateFileRecordRequest{
			RecordScope: scope(ens, "coeffs", simplerecords.IntPtr(2)),
		}, strings.NewReader("bytes"))
		assert.ErrorIs(t, err, simplerecords.ErrValidation)
	})

	t.Run("labels must match the shape", func(t *testing.T) {
		_, err := svc.CreateMatrixRecord(ctx, simplerecords.CreateMatrixRecordRequest{
			RecordScope: scope(ens, "labelled", nil),
			ContentType: "application/json",
			Labels:      [][]string{{"a", "b", "c"}},
		}, strings.NewReader(`[1, 2]`))
		assert.ErrorIs(t, err, simplerecords.ErrValidation)

		rec, err := svc.CreateMatrixRecord(ctx, simplerecords.CreateMatrixRecordRequest{
			RecordScope: scope(ens, "labelled", nil),
			ContentType: "application/json",
			Labels:      [][]string{{"a", "b"}},
		}, strings.NewReader(`[1, 2]`))
		require.NoError(t, err)
		assert.Equal(t, [][]string{{"a", "b"}}, rec.Matrix().Labels)
	})

	t.Run("realization must lie inside the ensemble", func(t *testing.T) {
		_, err := createMatrix(t, svc, scope(ens, "coeffs", simplerecords.IntPtr(5)), `[1]`)
		assert.ErrorIs(t, err, simplerecords.ErrValidation)
	})

	t.Run("unknown ensemble", func(t *testing.T) {
		_, err := createMatrix(t, svc, simplerecords.RecordScope{EnsembleID: uuid.New(), Name: "x"}, `[1]`)
		assert.ErrorIs(t, err, simplerecords.ErrEnsembleNotFound)
	})
}

func TestWriteConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	ens := newEnsemble(t, svc, 5)

	_, err := createMatrix(t, svc, scope(ens, "poly", simplerecords.IntPtr(0)), `[1]`)
	require.NoError(t, err)

	t.Run("different realizations coexist", func(t *testing.T) {
		_, err := createMatrix(t, svc, scope(ens, "poly", simplerecords.IntPtr(1)), `[2]`)
		assert.NoError(t, err)
	})

	t.Run("same realization conflicts", func(t *testing.T) {
		_, err := createMatrix(t, svc, scope(ens, "poly", simplerecords.IntPtr(0)), `[3]`)
		assert.ErrorIs(t, err, simplerecords.ErrConflict)
	})

	t.Run("ensemble-wide conflicts with any realization", func(t *testing.T) {
		err := svc.CheckCreateConflict(ctx, scope(ens, "poly", nil))
		assert.ErrorIs(t, err, simplerecords.ErrConflict)

		_, err = createMatrix(t, svc, scope(ens, "poly", nil), `[4]`)
		assert.ErrorIs(t, err, simplerecords.ErrConflict)
	})

	t.Run("realization conflicts with ensemble-wide", func(t *testing.T) {
		_, err := createMatrix(t, svc, scope(ens, "shared", nil), `[1]`)
		require.NoError(t, err)

		_, err = createMatrix(t, svc, scope(ens, "shared", simplerecords.IntPtr(3)), `[2]`)
		assert.ErrorIs(t, err, simplerecords.ErrConflict)
	})

	t.Run("concurrent creators of one scope", func(t *testing.T) {
		var wg sync.WaitGroup
		var mu sync.Mutex
		succeeded := 0
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.CreateMatrixRecord(ctx, simplerecords.CreateMatrixRecordRequest{
					RecordScope: scope(ens, "raced", simplerecords.IntPtr(2)),
					ContentType: "application/json",
				}, strings.NewReader(`[1]`))
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, succeeded)
	})

	t.Run("deleting a record frees its scope", func(t *testing.T) {
		rec, err := createMatrix(t, svc, scope(ens, "temp", nil), `[1]`)
		require.NoError(t, err)
		require.NoError(t, svc.DeleteRecord(ctx, rec.ID))

		_, err = createMatrix(t, svc, scope(ens, "temp", simplerecords.IntPtr(0)), `[1]`)
		assert.NoError(t, err)
	})
}

func TestResolveRecord(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	ens := newEnsemble(t, svc, 3)

	wide, err := createMatrix(t, svc, scope(ens, "field", nil), `[0]`)
	require.NoError(t, err)

	// A realization-specific record next to an ensemble-wide one can only come
	// from storage that predates the write rule; insert it below the service.
	now := time.Now().UTC()
	own := &simplerecords.Record{
		ID:               uuid.New(),
		EnsembleID:       ens.ID,
		Name:             "field",
		RealizationIndex: simplerecords.IntPtr(1),
		RecordType:       simplerecords.RecordTypeMatrix,
		RecordClass:      simplerecords.RecordClassOther,
		Content:          wide.Content,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	info := &simplerecords.RecordInfo{ID: uuid.New(), EnsembleID: ens.ID, Name: "field", RecordType: simplerecords.RecordTypeMatrix}
	require.NoError(t, repo.CreateRecord(ctx, info, own, nil))

	tests := []struct {
		name   string
		idx    *int
		mode   simplerecords.ResolveMode
		expect uuid.UUID
	}{
		{name: "fallback prefers the realization's own record", idx: simplerecords.IntPtr(1), mode: simplerecords.ResolveFallback, expect: own.ID},
		{name: "fallback falls back to ensemble-wide", idx: simplerecords.IntPtr(2), mode: simplerecords.ResolveFallback, expect: wide.ID},
		{name: "strict ensemble-wide", idx: nil, mode: simplerecords.ResolveStrict, expect: wide.ID},
		{name: "strict realization", idx: simplerecords.IntPtr(1), mode: simplerecords.ResolveStrict, expect: own.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, err := svc.ResolveRecord(ctx, scope(ens, "field", tt.idx), tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, rec.ID)
		})
	}

	t.Run("strict does not fall back", func(t *testing.T) {
		_, err := svc.ResolveRecord(ctx, scope(ens, "field", simplerecords.IntPtr(2)), simplerecords.ResolveStrict)
		assert.ErrorIs(t, err, simplerecords.ErrRecordNotFound)

		var recErr *simplerecords.RecordError
		require.True(t, errors.As(err, &recErr))
		assert.Equal(t, "Forward-model record 'field' for ensemble '"+ens.ID.String()+"', realization 2 not found!", recErr.Describe())
	})

	t.Run("missing name", func(t *testing.T) {
		_, err := svc.ResolveRecord(ctx, scope(ens, "nothing", nil), simplerecords.ResolveFallback)
		assert.ErrorIs(t, err, simplerecords.ErrRecordNotFound)
	})
}

func TestFileRecords(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	ens := newEnsemble(t, svc, 2)

	rec, err := svc.CreateFileRecord(ctx, simplerecords.CreateFileRecordRequest{
		RecordScope: scope(ens, "log", simplerecords.IntPtr(0)),
		Filename:    "run.log",
		MimeType:    "text/plain",
	}, strings.NewReader("hello world"))
	require.NoError(t, err)

	file := rec.File()
	require.NotNil(t, file)
	assert.Equal(t, simplerecords.UploadStateCommitted, file.State)
	assert.Equal(t, simplerecords.FileStorageInline, file.Storage)
	assert.Equal(t, int64(11), file.Size)
	assert.Len(t, file.Checksum, 64)
	assert.True(t, strings.HasPrefix(file.BlobKey, "log@0@"))
	assert.Equal(t, "hello world", readAll(t, svc, rec))

	t.Run("opening a matrix record fails", func(t *testing.T) {
		m, err := createMatrix(t, svc, scope(ens, "m", nil), `[1]`)
		require.NoError(t, err)
		_, err = svc.OpenFile(ctx, m)
		assert.ErrorIs(t, err, simplerecords.ErrValidation)
	})

	t.Run("observations link once", func(t *testing.T) {
		obs := uuid.New()
		require.NoError(t, svc.LinkObservation(ctx, rec.ID, obs))
		require.NoError(t, svc.LinkObservation(ctx, rec.ID, obs))
		got, err := svc.GetRecord(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{obs}, got.ObservationIDs)
	})
}

func TestStagedUpload(t *testing.T) {
	ctx := context.Background()

	stage := func(t *testing.T, svc simplerecords.Service, sc simplerecords.RecordScope, idx int, data string) {
		t.Helper()
		_, err := svc.StageBlock(ctx, simplerecords.StageBlockRequest{RecordScope: sc, BlockIndex: idx}, strings.NewReader(data))
		require.NoError(t, err)
	}

	t.Run("blocks are assembled by index, not arrival", func(t *testing.T) {
		svc, _ := newTestService(t)
		ens := newEnsemble(t, svc, 2)
		sc := scope(ens, "blob", simplerecords.IntPtr(1))

		_, err := svc.CreateBlobRecord(ctx, simplerecords.CreateBlobRecordRequest{RecordScope: sc})
		require.NoError(t, err)
		stage(t, svc, sc, 2, "ccc")
		stage(t, svc, sc, 0, "aaa")
		stage(t, svc, sc, 1, "bbb")

		rec, err := svc.FinalizeBlob(ctx, sc)
		require.NoError(t, err)
		assert.Equal(t, simplerecords.UploadStateCommitted, rec.File().State)
		assert.Equal(t, int64(9), rec.File().Size)
		assert.Equal(t, "aaabbbccc", readAll(t, svc, rec))
	})

	t.Run("restaging an index replaces the block", func(t *testing.T) {
		svc, _ := newTestService(t)
		ens := newEnsemble(t, svc, 1)
		sc := scope(ens, "blob", nil)

		stage(t, svc, sc, 0, "old")
		stage(t, svc, sc, 0, "new")
		stage(t, svc, sc, 1, "!")

		rec, err := svc.FinalizeBlob(ctx, sc)
		require.NoError(t, err)
		assert.Equal(t, "new!", readAll(t, svc, rec))
	})

	t.Run("finalizing twice fails and keeps the object", func(t *testing.T) {
		svc, _ := newTestService(t)
		ens := newEnsemble(t, svc, 1)
		sc := scope(ens, "blob", nil)
		stage(t, svc, sc, 0, "data")

		rec, err := svc.FinalizeBlob(ctx, sc)
		require.NoError(t, err)

		_, err = svc.FinalizeBlob(ctx, sc)
		assert.ErrorIs(t, err, simplerecords.ErrAlreadyCommitted)

		_, err = svc.StageBlock(ctx, simplerecords.StageBlockRequest{RecordScope: sc}, strings.NewReader("late"))
		assert.ErrorIs(t, err, simplerecords.ErrAlreadyCommitted)
		assert.Equal(t, "data", readAll(t, svc, rec))
	})

	t.Run("concurrent finalize commits once", func(t *testing.T) {
		svc, _ := newTestService(t)
		ens := newEnsemble(t, svc, 1)
		sc := scope(ens, "blob", nil)
		stage(t, svc, sc, 0, "x")

		var wg sync.WaitGroup
		results := make(chan error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := svc.FinalizeBlob(ctx, sc)
				results <- err
			}()
		}
		wg.Wait()
		close(results)

		var ok, committed int
		for err := range results {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, simplerecords.ErrAlreadyCommitted):
				committed++
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, 3, committed)
	})

	t.Run("zero blocks commit an empty object", func(t *testing.T) {
		svc, _ := newTestService(t)
		ens := newEnsemble(t, svc, 1)
		sc := scope(ens, "empty", nil)

		_, err := svc.CreateBlobRecord(ctx, simplerecords.CreateBlobRecordRequest{RecordScope: sc})
		require.NoError(t, err)
		rec, err := svc.FinalizeBlob(ctx, sc)
		require.NoError(t, err)
		assert.Equal(t, int64(0), rec.File().Size)
		assert.Equal(t, "", readAll(t, svc, rec))
	})

	t.Run("a gap in the block indices is rejected", func(t *testing.T) {
		svc, _ := newTestService(t)
		ens := newEnsemble(t, svc, 1)
		sc := scope(ens, "gappy", nil)
		stage(t, svc, sc, 0, "a")
		stage(t, svc, sc, 2, "c")

		_, err := svc.FinalizeBlob(ctx, sc)
		assert.ErrorIs(t, err, simplerecords.ErrValidation)
	})

	t.Run("reading before commit", func(t *testing.T) {
		svc, _ := newTestService(t)
		ens := newEnsemble(t, svc, 1)
		sc := scope(ens, "pending", nil)
		stage(t, svc, sc, 0, "a")

		rec, err := svc.ResolveRecord(ctx, sc, simplerecords.ResolveStrict)
		require.NoError(t, err)
		_, err = svc.OpenFile(ctx, rec)
		assert.ErrorIs(t, err, simplerecords.ErrNotCommitted)
	})

	t.Run("finalize can be retried after the commit write fails", func(t *testing.T) {
		repo := &flakyCommitRepository{Repository: memory.New(), failures: 1}
		svc, err := simplerecords.New(
			simplerecords.WithRepository(repo),
			simplerecords.WithBlobBackend(inline.New(repo)),
		)
		require.NoError(t, err)
		ens := newEnsemble(t, svc, 1)
		sc := scope(ens, "blob", nil)
		stage(t, svc, sc, 0, "abc")
		stage(t, svc, sc, 1, "def")

		_, err = svc.FinalizeBlob(ctx, sc)
		require.Error(t, err)
		rec, err := svc.ResolveRecord(ctx, sc, simplerecords.ResolveStrict)
		require.NoError(t, err)
		assert.Equal(t, simplerecords.UploadStateStaging, rec.File().State)

		rec, err = svc.FinalizeBlob(ctx, sc)
		require.NoError(t, err)
		assert.Equal(t, int64(6), rec.File().Size)
		assert.Equal(t, "abcdef", readAll(t, svc, rec))

		blocks, err := repo.ListStagedBlocks(ctx, rec.File().ID)
		require.NoError(t, err)
		assert.Empty(t, blocks)
	})

	t.Run("implicit placeholder under an ensemble-wide file conflicts", func(t *testing.T) {
		svc, _ := newTestService(t)
		ens := newEnsemble(t, svc, 2)
		_, err := svc.CreateFileRecord(ctx, simplerecords.CreateFileRecordRequest{
			RecordScope: scope(ens, "log", nil),
		}, strings.NewReader("wide"))
		require.NoError(t, err)

		_, err = svc.StageBlock(ctx, simplerecords.StageBlockRequest{
			RecordScope: scope(ens, "log", simplerecords.IntPtr(1)),
		}, strings.NewReader("x"))
		assert.ErrorIs(t, err, simplerecords.ErrConflict)
		assert.NotErrorIs(t, err, simplerecords.ErrRecordNotFound)
	})

	t.Run("staging into a matrix record", func(t *testing.T) {
		svc, _ := newTestService(t)
		ens := newEnsemble(t, svc, 1)
		sc := scope(ens, "m", nil)
		_, err := createMatrix(t, svc, sc, `[1]`)
		require.NoError(t, err)

		_, err = svc.StageBlock(ctx, simplerecords.StageBlockRequest{RecordScope: sc}, strings.NewReader("x"))
		assert.ErrorIs(t, err, simplerecords.ErrNotStaged)
	})

	t.Run("remote storage needs a placeholder", func(t *testing.T) {
		repo := memory.New()
		svc, err := simplerecords.New(
			simplerecords.WithRepository(repo),
			simplerecords.WithBlobBackend(&remoteBackend{BlobBackend: inline.New(repo)}),
		)
		require.NoError(t, err)
		ens := newEnsemble(t, svc, 1)
		sc := scope(ens, "blob", nil)

		_, err = svc.StageBlock(ctx, simplerecords.StageBlockRequest{RecordScope: sc}, strings.NewReader("x"))
		assert.ErrorIs(t, err, simplerecords.ErrRecordNotFound)

		_, err = svc.CreateBlobRecord(ctx, simplerecords.CreateBlobRecordRequest{RecordScope: sc})
		require.NoError(t, err)
		stage(t, svc, sc, 0, "x")
		rec, err := svc.FinalizeBlob(ctx, sc)
		require.NoError(t, err)
		assert.Equal(t, simplerecords.FileStorageRemote, rec.File().Storage)
	})
}

func TestLineage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	prior := newEnsemble(t, svc, 1)
	posterior := newEnsemble(t, svc, 1)

	update, err := svc.CreateUpdate(ctx, simplerecords.CreateUpdateRequest{
		ReferenceID: prior.ID, ResultID: posterior.ID, Algorithm: "ES",
	})
	require.NoError(t, err)

	parent, err := svc.GetParentUpdate(ctx, posterior.ID)
	require.NoError(t, err)
	assert.Equal(t, update.ID, parent.ID)

	children, err := svc.ListChildUpdates(ctx, prior.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, posterior.ID, children[0].ResultID)

	t.Run("an ensemble has one parent", func(t *testing.T) {
		other := newEnsemble(t, svc, 1)
		_, err := svc.CreateUpdate(ctx, simplerecords.CreateUpdateRequest{ReferenceID: other.ID, ResultID: posterior.ID})
		assert.ErrorIs(t, err, simplerecords.ErrConflict)
	})

	t.Run("cycles are rejected", func(t *testing.T) {
		_, err := svc.CreateUpdate(ctx, simplerecords.CreateUpdateRequest{ReferenceID: posterior.ID, ResultID: prior.ID})
		assert.ErrorIs(t, err, simplerecords.ErrValidation)
	})

	t.Run("deleting an ensemble drops its records and edges", func(t *testing.T) {
		_, err := svc.CreateFileRecord(ctx, simplerecords.CreateFileRecordRequest{
			RecordScope: scope(posterior, "f", nil),
		}, strings.NewReader("x"))
		require.NoError(t, err)

		require.NoError(t, svc.DeleteEnsemble(ctx, posterior.ID))
		_, err = svc.GetEnsemble(ctx, posterior.ID)
		assert.ErrorIs(t, err, simplerecords.ErrEnsembleNotFound)

		children, err := svc.ListChildUpdates(ctx, prior.ID)
		require.NoError(t, err)
		assert.Empty(t, children)
	})
}

// remoteBackend reports remote storage so the service applies the explicit
// placeholder rule.
type remoteBackend struct {
	simplerecords.BlobBackend
}

func (remoteBackend) Name() string { return "remote-test" }
func (remoteBackend) Storage() simplerecords.FileStorage { return simplerecords.FileStorageRemote }

// flakyCommitRepository fails the first CommitFile calls.
type flakyCommitRepository struct {
	simplerecords.Repository
	mu       sync.Mutex
	failures int
}

func (r *flakyCommitRepository) CommitFile(ctx context.Context, fileID uuid.UUID, size int64, checksum string) error {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return errors.New("transient db failure")
	}
	r.mu.Unlock()
	return r.Repository.CommitFile(ctx, fileID, size, checksum)
}
