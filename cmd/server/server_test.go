package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/config"
	"github.com/tendant/simple-records/pkg/simplerecords/metrics"
)

func newTestServer(t *testing.T) *HTTPServer {
	t.Helper()
	cfg, err := config.Load(config.WithEnvironment("testing"))
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	sink, err := metrics.New(registry)
	require.NoError(t, err)

	svc, cleanup, err := cfg.BuildService(context.Background(), simplerecords.WithEventSink(sink))
	require.NoError(t, err)
	t.Cleanup(cleanup)

	return NewHTTPServer(svc, cfg, registry)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	h := newTestServer(t).Routes()

	rr := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "inline", body["blob_backend"])
}

func TestRecordsThroughServer(t *testing.T) {
	h := newTestServer(t).Routes()

	rr := do(t, h, http.MethodPost, "/ensembles", `{"size": 2, "parameter_names": ["coeffs"]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var ens struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &ens))

	base := "/ensembles/" + ens.ID + "/records/coeffs"
	rr = do(t, h, http.MethodPost, base+"/matrix", `[[1, 2], [3, 4]]`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = do(t, h, http.MethodGet, base+"?realization_index=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `[[1, 2], [3, 4]]`, rr.Body.String())

	rr = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `simplerecords_records_created_total{class="parameter",type="matrix"} 1`)
}
