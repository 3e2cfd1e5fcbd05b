package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/face-attendance/internal/apperr"
	"github.com/kozaktomas/face-attendance/internal/detection"
)

// StartBatchJob queues a batch detection and returns immediately. Progress is streamed
// from the job's events endpoint.
func (h *DetectionHandler) StartBatchJob(w http.ResponseWriter, r *http.Request) {
	images, err := readBatch(w, r)
	if err != nil {
		respondAppError(w, h.logger, err)
		return
	}

	owner := identityPtr(r)
	// The job outlives the request.
	ctx, cancel := context.WithCancel(context.Background())
	job := h.jobs.CreateJob(owner, len(images), cancel)

	go h.runBatchJob(ctx, job, owner, images)

	respondJSON(w, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": job.GetStatus(),
	})
}

func (h *DetectionHandler) runBatchJob(ctx context.Context, job *DetectJob, owner *int64, images []detection.Image) {
	defer job.cancel()

	job.setRunning()
	job.SendEvent(JobEvent{Type: "started", Data: map[string]int{"total": len(images)}})

	batch, err := h.service.DetectBatchWithProgress(ctx, owner, images, func(p detection.ProgressInfo) {
		job.setProcessed(p.Current)
		job.SendEvent(JobEvent{Type: "progress", Data: p})
	})
	if err != nil {
		if job.finish(JobStatusFailed, nil, apperr.MessageOf(err)) {
			h.logger.Error("detection job failed", "job_id", job.ID, "error", err)
			job.SendEvent(JobEvent{Type: "job_error", Message: apperr.MessageOf(err)})
		}
		return
	}

	result := h.batchResponse(batch)
	if !job.finish(JobStatusCompleted, result, "") {
		h.logger.Info("detection job cancelled", "job_id", job.ID, "processed", batch.Succeeded+batch.Failed)
		return
	}
	h.logger.Info("detection job completed",
		"job_id", job.ID, "batch_id", batch.ID, "succeeded", batch.Succeeded, "failed", batch.Failed)
	job.SendEvent(JobEvent{Type: "completed", Data: result})
}

// lookupJob returns the job only when the caller may see it.
func (h *DetectionHandler) lookupJob(r *http.Request, id string) *DetectJob {
	job := h.jobs.GetJob(id)
	if job == nil || !job.OwnedBy(identityPtr(r)) {
		return nil
	}
	return job
}

// GetJob returns the job's status and, once completed, its results.
func (h *DetectionHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	job := h.lookupJob(r, chi.URLParam(r, "jobId"))
	if job == nil {
		respondError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	respondJSON(w, http.StatusOK, job.View())
}

// JobEvents streams the job's progress as server-sent events.
func (h *DetectionHandler) JobEvents(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r,
		func(id string) SSEJob {
			if job := h.lookupJob(r, id); job != nil {
				return job
			}
			return nil
		},
		func(j SSEJob) any {
			return j.(*DetectJob).View()
		},
	)
}

// CancelJob stops a running job. Images already classified stay logged.
func (h *DetectionHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job := h.lookupJob(r, chi.URLParam(r, "jobId"))
	if job == nil {
		respondError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if isJobTerminal(job.GetStatus()) {
		respondError(w, http.StatusConflict, "job_finished", "job already finished")
		return
	}
	job.Cancel()
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "status": job.GetStatus()})
}
