package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"
	"github.com/tendant/simple-records/pkg/simplerecords"
)

// ErrorResponse is the body of every failed request. The record coordinates
// are filled in when the failure concerns a specific record.
type ErrorResponse struct {
	Error            string `json:"error"`
	Name             string `json:"name,omitempty"`
	EnsembleID       string `json:"ensemble_id,omitempty"`
	RealizationIndex *int   `json:"realization_index,omitempty"`
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	var storageErr *simplerecords.StorageError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &storageErr):
		return http.StatusBadGateway
	case errors.Is(err, simplerecords.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, simplerecords.ErrConflict),
		errors.Is(err, simplerecords.ErrAlreadyCommitted),
		errors.Is(err, simplerecords.ErrNotCommitted),
		errors.Is(err, simplerecords.ErrNotStaged):
		return http.StatusConflict
	case errors.Is(err, simplerecords.ErrValidation):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var recErr *simplerecords.RecordError
	if errors.As(err, &recErr) {
		resp.Error = recErr.Describe()
		resp.Name = recErr.Name
		resp.EnsembleID = recErr.EnsembleID.String()
		resp.RealizationIndex = recErr.RealizationIndex
	}

	if status >= http.StatusInternalServerError {
		slog.Error("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		slog.Warn("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}

	render.Status(r, status)
	render.JSON(w, r, resp)
}

func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	slog.Warn("Bad request", "method", r.Method, "path", r.URL.Path, "error", message)
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Error: message})
}
