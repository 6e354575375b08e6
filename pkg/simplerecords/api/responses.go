package api

import (
	"time"

	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/matrix"
)

// EnsembleResponse is the response body for an ensemble
type EnsembleResponse struct {
	ID                 string                 `json:"id"`
	Size               int                    `json:"size"`
	ActiveRealizations []int                  `json:"active_realizations"`
	ParameterNames     []string               `json:"parameter_names"`
	ResponseNames      []string               `json:"response_names"`
	Userdata           map[string]interface{} `json:"userdata,omitempty"`
	ParentEnsembleID   string                 `json:"parent_ensemble_id,omitempty"`
	ChildEnsembleIDs   []string               `json:"child_ensemble_ids"`
	CreatedAt          time.Time              `json:"created_at"`
	UpdatedAt          time.Time              `json:"updated_at"`
}

// UpdateResponse is the response body for a lineage edge
type UpdateResponse struct {
	ID          string    `json:"id"`
	Algorithm   string    `json:"algorithm"`
	ReferenceID string    `json:"reference_id"`
	ResultID    string    `json:"result_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// FileResponse describes the file attached to a record. Content is only
// filled in by list views, and only for inline files.
type FileResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimetype"`
	Storage  string `json:"storage"`
	State    string `json:"state"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum,omitempty"`
	Content  []byte `json:"content,omitempty"`
}

// RecordResponse is the response body for a record
type RecordResponse struct {
	ID               string         `json:"id"`
	EnsembleID       string         `json:"ensemble_id"`
	Name             string         `json:"name"`
	RealizationIndex *int           `json:"realization_index"`
	RecordType       string         `json:"record_type"`
	RecordClass      string         `json:"record_class"`
	Data             *matrix.Matrix `json:"data,omitempty"`
	Labels           [][]string     `json:"labels,omitempty"`
	File             *FileResponse  `json:"file,omitempty"`
	ObservationIDs   []string       `json:"observation_ids,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// BlockResponse acknowledges one staged block
type BlockResponse struct {
	BlockID    string `json:"block_id"`
	BlockIndex int    `json:"block_index"`
	Size       int64  `json:"size"`
}

func toEnsembleResponse(e *simplerecords.Ensemble) EnsembleResponse {
	return EnsembleResponse{
		ID:                 e.ID.String(),
		Size:               e.Size,
		ActiveRealizations: e.ActiveRealizations,
		ParameterNames:     e.ParameterNames,
		ResponseNames:      e.ResponseNames,
		Userdata:           e.Userdata,
		ChildEnsembleIDs:   []string{},
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
}

func toUpdateResponse(u *simplerecords.Update) UpdateResponse {
	return UpdateResponse{
		ID:          u.ID.String(),
		Algorithm:   u.Algorithm,
		ReferenceID: u.ReferenceID.String(),
		ResultID:    u.ResultID.String(),
		CreatedAt:   u.CreatedAt,
	}
}

func toRecordResponse(rec *simplerecords.Record) RecordResponse {
	resp := RecordResponse{
		ID:               rec.ID.String(),
		EnsembleID:       rec.EnsembleID.String(),
		Name:             rec.Name,
		RealizationIndex: rec.RealizationIndex,
		RecordType:       string(rec.RecordType),
		RecordClass:      string(rec.RecordClass),
		CreatedAt:        rec.CreatedAt,
		UpdatedAt:        rec.UpdatedAt,
	}
	for _, id := range rec.ObservationIDs {
		resp.ObservationIDs = append(resp.ObservationIDs, id.String())
	}

	if m := rec.Matrix(); m != nil {
		resp.Data = m
		resp.Labels = m.Labels
	}
	if f := rec.File(); f != nil {
		resp.File = &FileResponse{
			ID:       f.ID.String(),
			Filename: f.Filename,
			MimeType: f.MimeType,
			Storage:  string(f.Storage),
			State:    string(f.State),
			Size:     f.Size,
			Checksum: f.Checksum,
		}
	}
	return resp
}
