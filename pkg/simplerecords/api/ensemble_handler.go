package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/simple-records/pkg/simplerecords"
)

// EnsembleHandler handles HTTP requests for ensembles and their lineage
type EnsembleHandler struct {
	service simplerecords.Service
}

// NewEnsembleHandler creates a new ensemble handler
func NewEnsembleHandler(service simplerecords.Service) *EnsembleHandler {
	return &EnsembleHandler{service: service}
}

// CreateEnsembleRequest is the request body for creating an ensemble
type CreateEnsembleRequest struct {
	Size               int                    `json:"size"`
	ActiveRealizations []int                  `json:"active_realizations,omitempty"`
	ParameterNames     []string               `json:"parameter_names"`
	ResponseNames      []string               `json:"response_names"`
	Userdata           map[string]interface{} `json:"userdata,omitempty"`
}

// CreateUpdateRequest is the request body for linking two ensembles
type CreateUpdateRequest struct {
	ReferenceID string `json:"reference_id"`
	ResultID    string `json:"result_id"`
	Algorithm   string `json:"algorithm"`
}

// CreateEnsemble creates a new ensemble
func (h *EnsembleHandler) CreateEnsemble(w http.ResponseWriter, r *http.Request) {
	var req CreateEnsembleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "Invalid request body: "+err.Error())
		return
	}

	ensemble, err := h.service.CreateEnsemble(r.Context(), simplerecords.CreateEnsembleRequest{
		Size:               req.Size,
		ActiveRealizations: req.ActiveRealizations,
		ParameterNames:     req.ParameterNames,
		ResponseNames:      req.ResponseNames,
		Userdata:           req.Userdata,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("Ensemble created", "ensemble_id", ensemble.ID.String(), "size", ensemble.Size)
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toEnsembleResponse(ensemble))
}

// GetEnsemble returns an ensemble together with its place in the lineage
func (h *EnsembleHandler) GetEnsemble(w http.ResponseWriter, r *http.Request) {
	ensembleID, ok := ensembleParam(w, r)
	if !ok {
		return
	}

	ensemble, err := h.service.GetEnsemble(r.Context(), ensembleID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := toEnsembleResponse(ensemble)

	parent, err := h.service.GetParentUpdate(r.Context(), ensembleID)
	switch {
	case err == nil:
		resp.ParentEnsembleID = parent.ReferenceID.String()
	case !errors.Is(err, simplerecords.ErrNotFound):
		writeError(w, r, err)
		return
	}

	children, err := h.service.ListChildUpdates(r.Context(), ensembleID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	for _, child := range children {
		resp.ChildEnsembleIDs = append(resp.ChildEnsembleIDs, child.ResultID.String())
	}

	render.JSON(w, r, resp)
}

// DeleteEnsemble deletes an ensemble with all its records
func (h *EnsembleHandler) DeleteEnsemble(w http.ResponseWriter, r *http.Request) {
	ensembleID, ok := ensembleParam(w, r)
	if !ok {
		return
	}

	if err := h.service.DeleteEnsemble(r.Context(), ensembleID); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("Ensemble deleted", "ensemble_id", ensembleID.String())
	w.WriteHeader(http.StatusNoContent)
}

// ListParameters returns the parameter names declared by the ensemble
func (h *EnsembleHandler) ListParameters(w http.ResponseWriter, r *http.Request) {
	h.listNames(w, r, func(e *simplerecords.Ensemble) []string { return e.ParameterNames })
}

// ListResponses returns the response names declared by the ensemble
func (h *EnsembleHandler) ListResponses(w http.ResponseWriter, r *http.Request) {
	h.listNames(w, r, func(e *simplerecords.Ensemble) []string { return e.ResponseNames })
}

func (h *EnsembleHandler) listNames(w http.ResponseWriter, r *http.Request, pick func(*simplerecords.Ensemble) []string) {
	ensembleID, ok := ensembleParam(w, r)
	if !ok {
		return
	}

	ensemble, err := h.service.GetEnsemble(r.Context(), ensembleID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	names := pick(ensemble)
	if names == nil {
		names = []string{}
	}
	render.JSON(w, r, names)
}

// CreateUpdate records that one ensemble was produced from another
func (h *EnsembleHandler) CreateUpdate(w http.ResponseWriter, r *http.Request) {
	var req CreateUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, r, "Invalid request body: "+err.Error())
		return
	}

	referenceID, err := uuid.Parse(req.ReferenceID)
	if err != nil {
		badRequest(w, r, "Invalid reference ID")
		return
	}
	resultID, err := uuid.Parse(req.ResultID)
	if err != nil {
		badRequest(w, r, "Invalid result ID")
		return
	}

	update, err := h.service.CreateUpdate(r.Context(), simplerecords.CreateUpdateRequest{
		ReferenceID: referenceID,
		ResultID:    resultID,
		Algorithm:   req.Algorithm,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("Update created", "reference_id", referenceID.String(), "result_id", resultID.String())
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toUpdateResponse(update))
}

func ensembleParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "ensemble")
	id, err := uuid.Parse(raw)
	if err != nil {
		badRequest(w, r, "Invalid ensemble ID")
		return uuid.Nil, false
	}
	return id, true
}
