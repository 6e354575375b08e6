package metrics_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/metrics"
	"github.com/tendant/simple-records/pkg/simplerecords/repo/memory"
	"github.com/tendant/simple-records/pkg/simplerecords/storage/inline"
)

// failingBackend fails every Put so backend failures get counted
type failingBackend struct {
	simplerecords.BlobBackend
}

func (failingBackend) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	return 0, errors.New("disk full")
}

func TestSinkCountsServiceActivity(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	sink, err := metrics.New(reg)
	require.NoError(t, err)

	repo := memory.New()
	svc, err := simplerecords.New(
		simplerecords.WithRepository(repo),
		simplerecords.WithBlobBackend(inline.New(repo)),
		simplerecords.WithEventSink(sink),
	)
	require.NoError(t, err)

	ens, err := svc.CreateEnsemble(ctx, simplerecords.CreateEnsembleRequest{Size: 2, ParameterNames: []string{"coeffs"}})
	require.NoError(t, err)

	_, err = svc.CreateMatrixRecord(ctx, simplerecords.CreateMatrixRecordRequest{
		RecordScope: simplerecords.RecordScope{EnsembleID: ens.ID, Name: "coeffs"},
		ContentType: "application/json",
	}, strings.NewReader(`[1, 2]`))
	require.NoError(t, err)

	scope := simplerecords.RecordScope{EnsembleID: ens.ID, Name: "out", RealizationIndex: simplerecords.IntPtr(0)}
	for i, chunk := range []string{"abc", "de"} {
		_, err := svc.StageBlock(ctx, simplerecords.StageBlockRequest{RecordScope: scope, BlockIndex: i}, strings.NewReader(chunk))
		require.NoError(t, err)
	}
	_, err = svc.FinalizeBlob(ctx, scope)
	require.NoError(t, err)

	expected := `
# HELP simplerecords_records_created_total Records created, by record type and class.
# TYPE simplerecords_records_created_total counter
simplerecords_records_created_total{class="other",type="file"} 1
simplerecords_records_created_total{class="parameter",type="matrix"} 1
# HELP simplerecords_blocks_staged_total Blocks staged for uploads, re-staged blocks included.
# TYPE simplerecords_blocks_staged_total counter
simplerecords_blocks_staged_total 2
# HELP simplerecords_staged_bytes_total Bytes received through staged blocks.
# TYPE simplerecords_staged_bytes_total counter
simplerecords_staged_bytes_total 5
# HELP simplerecords_blobs_committed_total Staged uploads committed.
# TYPE simplerecords_blobs_committed_total counter
simplerecords_blobs_committed_total 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"simplerecords_records_created_total",
		"simplerecords_blocks_staged_total", "simplerecords_staged_bytes_total", "simplerecords_blobs_committed_total"))
}

func TestSinkCountsBackendFailures(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	sink, err := metrics.New(reg)
	require.NoError(t, err)

	repo := memory.New()
	svc, err := simplerecords.New(
		simplerecords.WithRepository(repo),
		simplerecords.WithBlobBackend(failingBackend{inline.New(repo)}),
		simplerecords.WithEventSink(sink),
	)
	require.NoError(t, err)

	ens, err := svc.CreateEnsemble(ctx, simplerecords.CreateEnsembleRequest{Size: 1})
	require.NoError(t, err)
	_, err = svc.CreateFileRecord(ctx, simplerecords.CreateFileRecordRequest{
		RecordScope: simplerecords.RecordScope{EnsembleID: ens.ID, Name: "f"},
	}, strings.NewReader("data"))
	var storageErr *simplerecords.StorageError
	require.ErrorAs(t, err, &storageErr)

	assert.Equal(t, 1, testutil.CollectAndCount(reg, "simplerecords_backend_failures_total"))
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := metrics.New(reg)
	require.NoError(t, err)
	_, err = metrics.New(reg)
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink, err := metrics.New(reg)
	require.NoError(t, err)
	require.NoError(t, sink.BackendFailed(context.Background(), "get", errors.New("timeout")))

	rr := httptest.NewRecorder()
	metrics.Handler(reg).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `simplerecords_backend_failures_total{op="get"} 1`)
}
