package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"studyforge-backend/internal/models"
)

// jobReader is the polling surface of the queue; satisfied by queue.Queue.
type jobReader interface {
	Status(ctx context.Context, id uuid.UUID) (*models.JobStatusResponse, error)
	Counts(ctx context.Context) (*models.QueueCounts, error)
}

type JobHandler struct {
	queue jobReader
}

func NewJobHandler(queue jobReader) *JobHandler {
	return &JobHandler{queue: queue}
}

func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid job ID", r))
		return
	}

	status, err := h.queue.Status(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load job", r))
		return
	}
	if status == nil {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Job not found", r))
		return
	}

	writeJSON(w, http.StatusOK, status)
}

func (h *JobHandler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Counts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load queue counts", r))
		return
	}

	writeJSON(w, http.StatusOK, counts)
}
