package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/detection"
	"github.com/kozaktomas/face-attendance/internal/imaging"
	"github.com/kozaktomas/face-attendance/internal/web/middleware"
)

// DetectionHandler handles deepfake detection endpoints
type DetectionHandler struct {
	service *detection.Service
	jobs    *JobManager
	logger  *slog.Logger
}

// NewDetectionHandler creates a new detection handler
func NewDetectionHandler(svc *detection.Service, jobs *JobManager, logger *slog.Logger) *DetectionHandler {
	return &DetectionHandler{service: svc, jobs: jobs, logger: logger}
}

// DetectionResponse is the outcome for one image.
type DetectionResponse struct {
	ID              int64             `json:"id,omitempty"`
	Filename        string            `json:"filename"`
	Label           string            `json:"label"`
	Confidence      float64           `json:"confidence"`
	FakeProbability float64           `json:"fake_probability"`
	RealProbability float64           `json:"real_probability"`
	Metadata        *imaging.Metadata `json:"metadata,omitempty"`
	Saved           bool              `json:"saved"`
	Error           string            `json:"error,omitempty"`
	Code            string            `json:"code,omitempty"`
}

func detectionResponse(d *detection.Detection) DetectionResponse {
	return DetectionResponse{
		ID:              d.ID,
		Filename:        d.Filename,
		Label:           d.Result.Label,
		Confidence:      d.Result.Confidence,
		FakeProbability: d.Result.FakeProbability,
		RealProbability: d.Result.RealProbability,
		Metadata:        &d.Metadata,
		Saved:           d.Saved,
	}
}

// DetectionEventResponse is the JSON view of a logged event.
type DetectionEventResponse struct {
	ID              int64          `json:"id"`
	IdentityID      *int64         `json:"identity_id,omitempty"`
	Filename        string         `json:"filename"`
	Label           string         `json:"label"`
	Confidence      float64        `json:"confidence"`
	FakeProbability float64        `json:"fake_probability"`
	RealProbability float64        `json:"real_probability"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	DetectedAt      time.Time      `json:"detected_at"`
}

func eventResponse(e database.DetectionEvent) DetectionEventResponse {
	return DetectionEventResponse{
		ID:              e.ID,
		IdentityID:      e.IdentityID,
		Filename:        e.Filename,
		Label:           e.Label,
		Confidence:      e.Confidence,
		FakeProbability: e.FakeProbability,
		RealProbability: e.RealProbability,
		Metadata:        e.Metadata,
		DetectedAt:      e.DetectedAt,
	}
}

// identityPtr returns the authenticated identity id, or nil for anonymous requests.
func identityPtr(r *http.Request) *int64 {
	if ident, ok := middleware.GetIdentityFromContext(r.Context()); ok {
		id := ident.ID
		return &id
	}
	return nil
}

// Detect classifies a single uploaded image.
func (h *DetectionHandler) Detect(w http.ResponseWriter, r *http.Request) {
	if err := parseMultipart(w, r); err != nil {
		respondAppError(w, h.logger, err)
		return
	}
	img, err := readImage(r)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}

	d, err := h.service.Detect(r.Context(), identityPtr(r), detection.Image{Filename: img.Filename, Data: img.Data})
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, detectionResponse(d))
}

// BatchResponse is the outcome of a batch detection.
type BatchResponse struct {
	BatchID   string              `json:"batch_id"`
	Results   []DetectionResponse `json:"results"`
	Total     int                 `json:"total"`
	Succeeded int                 `json:"succeeded"`
	Failed    int                 `json:"failed"`
}

// DetectBatch classifies every file sent under "images". Per-file failures are
// reported inline and do not fail the request.
func (h *DetectionHandler) DetectBatch(w http.ResponseWriter, r *http.Request) {
	images, err := readBatch(w, r)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}

	batch, err := h.service.DetectBatch(r.Context(), identityPtr(r), images)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, h.batchResponse(batch))
}

// readBatch parses the form and returns the files sent under "images".
func readBatch(w http.ResponseWriter, r *http.Request) ([]detection.Image, error) {
	if err := parseMultipart(w, r); err != nil {
		return nil, err
	}
	uploads, err := readImages(r, "images")
	if err != nil {
		return nil, err
	}
	if len(uploads) > detection.MaxBatchSize {
		return nil, apperr.Newf(apperr.ErrInvalidInput, "at most %d images per batch", detection.MaxBatchSize)
	}

	images := make([]detection.Image, len(uploads))
	for i, u := range uploads {
		images[i] = detection.Image{Filename: u.Filename, Data: u.Data}
	}
	return images, nil
}

func (h *DetectionHandler) batchResponse(batch *detection.Batch) *BatchResponse {
	resp := &BatchResponse{
		BatchID:   batch.ID,
		Results:   make([]DetectionResponse, 0, len(batch.Items)),
		Total:     len(batch.Items),
		Succeeded: batch.Succeeded,
		Failed:    batch.Failed,
	}
	for _, item := range batch.Items {
		if item.Err != nil {
			h.logger.Debug("batch item failed", "filename", sanitizeForLog(item.Filename), "error", item.Err)
			resp.Results = append(resp.Results, DetectionResponse{
				Filename: item.Filename,
				Error:    apperr.MessageOf(item.Err),
				Code:     apperr.CodeOf(item.Err),
			})
			continue
		}
		resp.Results = append(resp.Results, detectionResponse(item.Detection))
	}
	return resp
}

// History returns the authenticated identity's detection events, newest first.
func (h *DetectionHandler) History(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}
	events, err := h.service.History(r.Context(), identityPtr(r), limit)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}

	out := make([]DetectionEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, eventResponse(e))
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"history": out,
		"total":   len(out),
	})
}

// Stats aggregates the authenticated identity's detection events.
func (h *DetectionHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context(), identityPtr(r))
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
