package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/matrix"
	"github.com/tendant/simple-records/pkg/simplerecords/repo/memory"
	"github.com/tendant/simple-records/pkg/simplerecords/storage/inline"
)

// setupRouter creates the full router over an in-memory repository and the
// inline backend
func setupRouter(t *testing.T, options ...HandlerOption) (http.Handler, simplerecords.Service) {
	t.Helper()
	repo := memory.New()
	service, err := simplerecords.New(
		simplerecords.WithRepository(repo),
		simplerecords.WithBlobBackend(inline.New(repo)),
		simplerecords.WithEventSink(simplerecords.NewNoopEventSink()),
	)
	require.NoError(t, err)
	return Routes(service, options...), service
}

func newTestEnsemble(t *testing.T, service simplerecords.Service, size int) *simplerecords.Ensemble {
	t.Helper()
	ens, err := service.CreateEnsemble(context.Background(), simplerecords.CreateEnsembleRequest{
		Size:           size,
		ParameterNames: []string{"coeffs"},
		ResponseNames:  []string{"poly"},
	})
	require.NoError(t, err)
	return ens
}

func serve(t *testing.T, h http.Handler, method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func multipartFile(t *testing.T, filename string, content []byte) (io.Reader, http.Header) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("comment", "ignored"))
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, http.Header{"Content-Type": {mw.FormDataContentType()}}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func recordsPath(ens *simplerecords.Ensemble, suffix string) string {
	return fmt.Sprintf("/ensembles/%s/records%s", ens.ID, suffix)
}

func TestRecordHandler_Matrix(t *testing.T) {
	router, service := setupRouter(t)
	ens := newTestEnsemble(t, service, 3)
	jsonHeader := http.Header{"Content-Type": {"application/json"}}

	t.Run("json round trip", func(t *testing.T) {
		w := serve(t, router, http.MethodPost, recordsPath(ens, "/coeffs/matrix"),
			strings.NewReader(`[[1.5,2.25],[3,4]]`), jsonHeader)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		var created RecordResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
		assert.Equal(t, "matrix", created.RecordType)
		assert.Equal(t, "parameter", created.RecordClass)
		assert.Nil(t, created.RealizationIndex)

		w = serve(t, router, http.MethodGet, recordsPath(ens, "/coeffs"), nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, matrix.MediaTypeJSON, w.Header().Get("Content-Type"))
		assert.JSONEq(t, `[[1.5,2.25],[3,4]]`, w.Body.String())
	})

	t.Run("npy upload and download", func(t *testing.T) {
		m, err := matrix.New([]int{3}, []float64{0.1, -7, 1e-300})
		require.NoError(t, err)
		var buf bytes.Buffer
		require.NoError(t, matrix.EncodeNPY(&buf, m))

		w := serve(t, router, http.MethodPost, recordsPath(ens, "/poly/matrix?realization_index=1"),
			&buf, http.Header{"Content-Type": {matrix.MediaTypeNumpy}})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		w = serve(t, router, http.MethodGet, recordsPath(ens, "/poly?realization_index=1"), nil,
			http.Header{"Accept": {matrix.MediaTypeNumpy}})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, matrix.MediaTypeNumpy, w.Header().Get("Content-Type"))

		got, err := matrix.DecodeNPY(w.Body)
		require.NoError(t, err)
		assert.Equal(t, m.Shape, got.Shape)
		assert.Equal(t, m.Values, got.Values)
	})

	t.Run("malformed payload names the record", func(t *testing.T) {
		w := serve(t, router, http.MethodPost, recordsPath(ens, "/coeffs/matrix?realization_index=0"),
			strings.NewReader(`[[1,2],[3]]`), jsonHeader)
		require.Equal(t, http.StatusUnprocessableEntity, w.Code)

		resp := decodeError(t, w)
		assert.Contains(t, resp.Error, "needs to be a matrix")
		assert.Equal(t, "coeffs", resp.Name)
		assert.Equal(t, ens.ID.String(), resp.EnsembleID)
		require.NotNil(t, resp.RealizationIndex)
		assert.Equal(t, 0, *resp.RealizationIndex)
	})

	t.Run("npy shape larger than the payload is rejected", func(t *testing.T) {
		header := "{'descr': '<f8', 'fortran_order': False, 'shape': (4611686018427387904, 4), }\n"
		body := "\x93NUMPY\x01\x00" + string([]byte{byte(len(header)), byte(len(header) >> 8)}) + header

		w := serve(t, router, http.MethodPost, recordsPath(ens, "/huge/matrix"),
			strings.NewReader(body), http.Header{"Content-Type": {matrix.MediaTypeNumpy}})
		require.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())

		w = serve(t, router, http.MethodGet, recordsPath(ens, "/huge"), nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
		w = serve(t, router, http.MethodGet, fmt.Sprintf("/ensembles/%s/records", ens.ID), nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("realization below an ensemble-wide record conflicts", func(t *testing.T) {
		w := serve(t, router, http.MethodPost, recordsPath(ens, "/coeffs/matrix?realization_index=2"),
			strings.NewReader(`[1]`), jsonHeader)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "coeffs", decodeError(t, w).Name)
	})

	t.Run("unknown ensemble", func(t *testing.T) {
		w := serve(t, router, http.MethodPost, fmt.Sprintf("/ensembles/%s/records/x/matrix", uuid.New()),
			strings.NewReader(`[1]`), jsonHeader)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("bad realization index", func(t *testing.T) {
		w := serve(t, router, http.MethodGet, recordsPath(ens, "/coeffs?realization_index=one"), nil, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRecordHandler_FileUpload(t *testing.T) {
	router, service := setupRouter(t, WithChunkSize(3))
	ens := newTestEnsemble(t, service, 4)

	body, header := multipartFile(t, "data.txt", []byte("hello world"))
	w := serve(t, router, http.MethodPost, recordsPath(ens, "/log/file"), body, header)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created RecordResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotNil(t, created.File)
	assert.Equal(t, "data.txt", created.File.Filename)
	assert.Equal(t, "committed", created.File.State)
	assert.Equal(t, int64(11), created.File.Size)
	assert.NotEmpty(t, created.File.Checksum)

	t.Run("download is an attachment", func(t *testing.T) {
		w := serve(t, router, http.MethodGet, recordsPath(ens, "/log"), nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, `attachment; filename=data.txt`, w.Header().Get("Content-Disposition"))
		assert.Equal(t, "hello world", w.Body.String())
	})

	t.Run("realizations fall back to the ensemble-wide file", func(t *testing.T) {
		w := serve(t, router, http.MethodGet, recordsPath(ens, "/log?realization_index=2"), nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "hello world", w.Body.String())

		w = serve(t, router, http.MethodGet, recordsPath(ens, "/log?realization_index=2&strict=true"), nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("second upload conflicts", func(t *testing.T) {
		body, header := multipartFile(t, "again.txt", []byte("again"))
		w := serve(t, router, http.MethodPost, recordsPath(ens, "/log/file?realization_index=1"), body, header)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("missing file part", func(t *testing.T) {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		require.NoError(t, mw.WriteField("comment", "no file"))
		require.NoError(t, mw.Close())
		w := serve(t, router, http.MethodPost, recordsPath(ens, "/other/file"), &buf,
			http.Header{"Content-Type": {mw.FormDataContentType()}})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRecordHandler_StagedUpload(t *testing.T) {
	router, service := setupRouter(t, WithChunkSize(4))
	ens := newTestEnsemble(t, service, 2)
	blob := recordsPath(ens, "/out/blob?realization_index=0")

	w := serve(t, router, http.MethodPost, blob+"&filename=out.bin", nil, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var placeholder RecordResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &placeholder))
	assert.Equal(t, "staging", placeholder.File.State)
	assert.Equal(t, "out.bin", placeholder.File.Filename)

	t.Run("reading before finalize is refused", func(t *testing.T) {
		w := serve(t, router, http.MethodGet, recordsPath(ens, "/out?realization_index=0"), nil, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	// Blocks arrive out of order.
	w = serve(t, router, http.MethodPut, blob+"&block_index=1", strings.NewReader("world"), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = serve(t, router, http.MethodPut, blob+"&block_index=0", strings.NewReader("hello "), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var block BlockResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &block))
	assert.Equal(t, 0, block.BlockIndex)
	assert.Equal(t, int64(6), block.Size)

	w = serve(t, router, http.MethodPut, blob+"&block_index=x", strings.NewReader("?"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(t, router, http.MethodPatch, blob, nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var committed RecordResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &committed))
	assert.Equal(t, "committed", committed.File.State)
	assert.Equal(t, int64(11), committed.File.Size)

	w = serve(t, router, http.MethodGet, recordsPath(ens, "/out?realization_index=0"), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello world", w.Body.String())

	t.Run("finalizing twice is refused", func(t *testing.T) {
		w := serve(t, router, http.MethodPatch, blob, nil, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Contains(t, decodeError(t, w).Error, "already been committed")
	})

	t.Run("staging after commit is refused", func(t *testing.T) {
		w := serve(t, router, http.MethodPut, blob+"&block_index=2", strings.NewReader("!"), nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})
}

func TestRecordHandler_ListRecords(t *testing.T) {
	router, service := setupRouter(t)
	ens := newTestEnsemble(t, service, 2)
	ctx := context.Background()

	_, err := service.CreateMatrixRecord(ctx, simplerecords.CreateMatrixRecordRequest{
		RecordScope: simplerecords.RecordScope{EnsembleID: ens.ID, Name: "coeffs"},
		ContentType: matrix.MediaTypeJSON,
	}, strings.NewReader(`[1,2,3]`))
	require.NoError(t, err)
	_, err = service.CreateFileRecord(ctx, simplerecords.CreateFileRecordRequest{
		RecordScope: simplerecords.RecordScope{EnsembleID: ens.ID, Name: "log", RealizationIndex: simplerecords.IntPtr(1)},
		Filename:    "run.log",
	}, strings.NewReader("log content"))
	require.NoError(t, err)

	w := serve(t, router, http.MethodGet, recordsPath(ens, ""), nil, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var records []RecordResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 2)

	byName := map[string]RecordResponse{}
	for _, rec := range records {
		byName[rec.Name] = rec
	}
	require.NotNil(t, byName["coeffs"].Data)
	assert.Equal(t, []float64{1, 2, 3}, byName["coeffs"].Data.Values)
	require.NotNil(t, byName["log"].File)
	assert.Equal(t, "log content", string(byName["log"].File.Content))
	assert.Equal(t, 1, *byName["log"].RealizationIndex)

	w = serve(t, router, http.MethodGet, fmt.Sprintf("/ensembles/%s/records", uuid.New()), nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecordHandler_ByID(t *testing.T) {
	router, service := setupRouter(t)
	ens := newTestEnsemble(t, service, 1)

	rec, err := service.CreateMatrixRecord(context.Background(), simplerecords.CreateMatrixRecordRequest{
		RecordScope: simplerecords.RecordScope{EnsembleID: ens.ID, Name: "poly"},
		ContentType: matrix.MediaTypeJSON,
	}, strings.NewReader(`[4]`))
	require.NoError(t, err)
	path := "/records/" + rec.ID.String()

	w := serve(t, router, http.MethodGet, path, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got RecordResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "response", got.RecordClass)

	obs := uuid.New()
	w = serve(t, router, http.MethodPost, path+"/observations/"+obs.String(), nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = serve(t, router, http.MethodGet, path, nil, nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, []string{obs.String()}, got.ObservationIDs)

	w = serve(t, router, http.MethodDelete, path, nil, nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = serve(t, router, http.MethodGet, path, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = serve(t, router, http.MethodGet, "/records/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRecordHandler_SizeLimits(t *testing.T) {
	router, service := setupRouter(t, WithMaxMatrixBytes(4), WithMaxBlockBytes(4))
	ens := newTestEnsemble(t, service, 1)

	w := serve(t, router, http.MethodPost, recordsPath(ens, "/coeffs/matrix"),
		strings.NewReader(`[1,2,3,4]`), http.Header{"Content-Type": {"application/json"}})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = serve(t, router, http.MethodPut, recordsPath(ens, "/out/blob?block_index=0"),
		strings.NewReader("0123456789"), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = serve(t, router, http.MethodPost, recordsPath(ens, "/coeffs/matrix"),
		strings.NewReader(`[1]`), http.Header{"Content-Type": {"application/json"}})
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestContentDisposition(t *testing.T) {
	for _, name := range []string{"data.txt", `my "run".log`, "résumé.csv", "semi;colon.bin"} {
		header := contentDisposition(name)
		disposition, params, err := mime.ParseMediaType(header)
		require.NoError(t, err, header)
		assert.Equal(t, "attachment", disposition)
		assert.Equal(t, name, params["filename"], header)
	}
	assert.NotContains(t, contentDisposition("résumé.csv"), "é")
}
