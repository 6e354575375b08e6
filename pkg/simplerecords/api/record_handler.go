package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/simple-records/pkg/simplerecords"
	"github.com/tendant/simple-records/pkg/simplerecords/matrix"
)

// RecordHandler handles HTTP requests for records: creation, staged uploads
// and content reads
type RecordHandler struct {
	service        simplerecords.Service
	chunkSize      int
	maxMatrixBytes int64
	maxBlockBytes  int64
}

// HandlerOption configures a RecordHandler
type HandlerOption func(*RecordHandler)

// WithChunkSize sets the piece size file content is streamed out in
func WithChunkSize(n int) HandlerOption {
	return func(h *RecordHandler) {
		if n > 0 {
			h.chunkSize = n
		}
	}
}

// WithMaxMatrixBytes caps the body of a matrix upload. Zero means no limit.
func WithMaxMatrixBytes(n int64) HandlerOption {
	return func(h *RecordHandler) {
		h.maxMatrixBytes = n
	}
}

// WithMaxBlockBytes caps the body of one staged block. Zero means no limit.
func WithMaxBlockBytes(n int64) HandlerOption {
	return func(h *RecordHandler) {
		h.maxBlockBytes = n
	}
}

// NewRecordHandler creates a new record handler
func NewRecordHandler(service simplerecords.Service, options ...HandlerOption) *RecordHandler {
	h := &RecordHandler{
		service:   service,
		chunkSize: simplerecords.DefaultChunkSize,
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// EnsembleRoutes returns the routes mounted at /ensembles/{ensemble}/records
func (h *RecordHandler) EnsembleRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.ListRecords)
	r.Get("/{name}", h.GetRecordContent)

	r.With(RequestSizeLimitMiddleware(h.maxMatrixBytes)).Post("/{name}/matrix", h.CreateMatrixRecord)
	r.Post("/{name}/file", h.CreateFileRecord)

	// Staged uploads
	r.Post("/{name}/blob", h.CreateBlob)
	r.With(RequestSizeLimitMiddleware(h.maxBlockBytes)).Put("/{name}/blob", h.StageBlock)
	r.Patch("/{name}/blob", h.FinalizeBlob)

	return r
}

// Routes returns the routes mounted at /records
func (h *RecordHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/{record_id}", h.GetRecord)
	r.Delete("/{record_id}", h.DeleteRecord)
	r.Post("/{record_id}/observations/{observation_id}", h.LinkObservation)

	return r
}

// CreateMatrixRecord stores a matrix sent as JSON or .npy, as named by Content-Type
func (h *RecordHandler) CreateMatrixRecord(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParams(w, r)
	if !ok {
		return
	}

	rec, err := h.service.CreateMatrixRecord(r.Context(), simplerecords.CreateMatrixRecordRequest{
		RecordScope: scope,
		RecordClass: simplerecords.RecordClass(r.URL.Query().Get("record_class")),
		ContentType: r.Header.Get("Content-Type"),
	}, r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("Matrix record created", "record_id", rec.ID.String(), "name", rec.Name,
		"realization", simplerecords.FormatRealization(rec.RealizationIndex))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toRecordResponse(rec))
}

// CreateFileRecord stores a file sent as the "file" part of a multipart form
func (h *RecordHandler) CreateFileRecord(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParams(w, r)
	if !ok {
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		badRequest(w, r, "Expected a multipart form: "+err.Error())
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			badRequest(w, r, "Missing 'file' part")
			return
		}
		if err != nil {
			badRequest(w, r, "Invalid multipart form: "+err.Error())
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		rec, err := h.service.CreateFileRecord(r.Context(), simplerecords.CreateFileRecordRequest{
			RecordScope: scope,
			RecordClass: simplerecords.RecordClass(r.URL.Query().Get("record_class")),
			Filename:    part.FileName(),
			MimeType:    part.Header.Get("Content-Type"),
		}, part)
		_ = part.Close()
		if err != nil {
			writeError(w, r, err)
			return
		}

		slog.Info("File record created", "record_id", rec.ID.String(), "name", rec.Name,
			"realization", simplerecords.FormatRealization(rec.RealizationIndex), "size", rec.File().Size)
		render.Status(r, http.StatusCreated)
		render.JSON(w, r, toRecordResponse(rec))
		return
	}
}

// CreateBlob creates the placeholder record of a staged upload
func (h *RecordHandler) CreateBlob(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParams(w, r)
	if !ok {
		return
	}
	query := r.URL.Query()

	rec, err := h.service.CreateBlobRecord(r.Context(), simplerecords.CreateBlobRecordRequest{
		RecordScope: scope,
		RecordClass: simplerecords.RecordClass(query.Get("record_class")),
		Filename:    query.Get("filename"),
		MimeType:    query.Get("mimetype"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("Staged upload started", "record_id", rec.ID.String(), "name", rec.Name,
		"realization", simplerecords.FormatRealization(rec.RealizationIndex))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, toRecordResponse(rec))
}

// StageBlock stores the raw request body as one block of a staged upload
func (h *RecordHandler) StageBlock(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParams(w, r)
	if !ok {
		return
	}
	blockIndex, err := strconv.Atoi(r.URL.Query().Get("block_index"))
	if err != nil {
		badRequest(w, r, "Invalid block_index")
		return
	}

	block, err := h.service.StageBlock(r.Context(), simplerecords.StageBlockRequest{
		RecordScope: scope,
		BlockIndex:  blockIndex,
	}, r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	render.JSON(w, r, BlockResponse{
		BlockID:    block.BlockID,
		BlockIndex: block.BlockIndex,
		Size:       block.Size,
	})
}

// FinalizeBlob commits the staged blocks of an upload
func (h *RecordHandler) FinalizeBlob(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParams(w, r)
	if !ok {
		return
	}

	rec, err := h.service.FinalizeBlob(r.Context(), scope)
	if err != nil {
		writeError(w, r, err)
		return
	}

	render.JSON(w, r, toRecordResponse(rec))
}

// GetRecordContent resolves a record and returns its content. Realizations
// without their own record see the ensemble-wide one unless strict=true.
func (h *RecordHandler) GetRecordContent(w http.ResponseWriter, r *http.Request) {
	scope, ok := scopeParams(w, r)
	if !ok {
		return
	}
	mode := simplerecords.ResolveFallback
	if strict, _ := strconv.ParseBool(r.URL.Query().Get("strict")); strict {
		mode = simplerecords.ResolveStrict
	}

	rec, err := h.service.ResolveRecord(r.Context(), scope, mode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.writeContent(w, r, rec)
}

// ListRecords returns every record of the ensemble with its data inlined
func (h *RecordHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	ensembleID, ok := ensembleParam(w, r)
	if !ok {
		return
	}

	records, err := h.service.ListRecords(r.Context(), ensembleID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := make([]RecordResponse, 0, len(records))
	for _, rec := range records {
		item := toRecordResponse(rec)
		if item.File != nil {
			content, err := h.readFileContent(r, rec)
			if err != nil {
				writeError(w, r, err)
				return
			}
			item.File.Content = content
		}
		resp = append(resp, item)
	}
	render.JSON(w, r, resp)
}

// GetRecord returns a record by ID
func (h *RecordHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	recordID, ok := uuidParam(w, r, "record_id")
	if !ok {
		return
	}

	rec, err := h.service.GetRecord(r.Context(), recordID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	render.JSON(w, r, toRecordResponse(rec))
}

// DeleteRecord deletes a record and its file content
func (h *RecordHandler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	recordID, ok := uuidParam(w, r, "record_id")
	if !ok {
		return
	}

	if err := h.service.DeleteRecord(r.Context(), recordID); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("Record deleted", "record_id", recordID.String())
	w.WriteHeader(http.StatusNoContent)
}

// LinkObservation attaches an observation to a record
func (h *RecordHandler) LinkObservation(w http.ResponseWriter, r *http.Request) {
	recordID, ok := uuidParam(w, r, "record_id")
	if !ok {
		return
	}
	observationID, ok := uuidParam(w, r, "observation_id")
	if !ok {
		return
	}

	if err := h.service.LinkObservation(r.Context(), recordID, observationID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeContent sends a matrix in the encoding the client accepts, or streams
// a file as an attachment.
func (h *RecordHandler) writeContent(w http.ResponseWriter, r *http.Request, rec *simplerecords.Record) {
	if m := rec.Matrix(); m != nil {
		mediaType := matrix.NegotiateMediaType(r.Header.Get("Accept"))
		w.Header().Set("Content-Type", mediaType)
		w.WriteHeader(http.StatusOK)
		if err := matrix.Encode(mediaType, w, m); err != nil {
			slog.Error("Failed to encode matrix", "record_id", rec.ID.String(), "error", err)
		}
		return
	}

	file := rec.File()
	body, err := h.service.OpenFile(r.Context(), rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", file.MimeType)
	w.Header().Set("Content-Disposition", contentDisposition(file.Filename))
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	n, err := simplerecords.StreamChunks(r.Context(), body, h.chunkSize, func(chunk []byte) error {
		if _, err := w.Write(chunk); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		// Headers are already out; all we can do is cut the response short.
		slog.Error("Failed to stream file", "record_id", rec.ID.String(), "sent", n, "error", err)
		return
	}
	slog.Info("File streamed", "record_id", rec.ID.String(), "size", n)
}

// readFileContent returns the bytes of an inline, committed file for list
// views. Remote and uncommitted files are listed without content.
func (h *RecordHandler) readFileContent(r *http.Request, rec *simplerecords.Record) ([]byte, error) {
	file := rec.File()
	if file.Storage != simplerecords.FileStorageInline || file.State != simplerecords.UploadStateCommitted {
		return nil, nil
	}
	body, err := h.service.OpenFile(r.Context(), rec)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
}

func scopeParams(w http.ResponseWriter, r *http.Request) (simplerecords.RecordScope, bool) {
	ensembleID, ok := ensembleParam(w, r)
	if !ok {
		return simplerecords.RecordScope{}, false
	}
	idx, err := realizationParam(r)
	if err != nil {
		badRequest(w, r, "Invalid realization_index")
		return simplerecords.RecordScope{}, false
	}
	return simplerecords.RecordScope{
		EnsembleID:       ensembleID,
		Name:             chi.URLParam(r, "name"),
		RealizationIndex: idx,
	}, true
}

// realizationParam reads the optional realization_index query parameter.
// Absent, empty and "None" all address the ensemble-wide record.
func realizationParam(r *http.Request) (*int, error) {
	raw := r.URL.Query().Get("realization_index")
	if raw == "" || raw == "None" || raw == "null" {
		return nil, nil
	}
	idx, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	return &idx, nil
}

func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		badRequest(w, r, fmt.Sprintf("Invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}

// contentDisposition quotes the filename per RFC 2183 and falls back to
// RFC 2231 encoding for non-ASCII names.
func contentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}
