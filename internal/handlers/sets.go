package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"studyforge-backend/internal/middleware"
	"studyforge-backend/internal/models"
	"studyforge-backend/internal/repository"
)

const historyLimit = 50

// setReader is the study set surface the handler needs; satisfied by
// repository.StudySetRepo.
type setReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.StudySet, error)
	RecordActivity(ctx context.Context, userID, setID uuid.UUID) error
	GetUserHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.HistoryEntry, error)
}

type SetHandler struct {
	sets setReader
}

func NewSetHandler(sets setReader) *SetHandler {
	return &SetHandler{sets: sets}
}

func (h *SetHandler) GetSet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid study set ID", r))
		return
	}

	set, err := h.sets.GetByID(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, errorResp("NOT_FOUND", "Study set not found", r))
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load study set", r))
		return
	}

	if userID := middleware.GetOptionalUserID(r.Context()); userID != nil {
		if err := h.sets.RecordActivity(r.Context(), *userID, id); err != nil {
			log.Printf("Failed to record activity for user %s on set %s: %v", *userID, id, err)
		}
	}

	writeJSON(w, http.StatusOK, set)
}

func (h *SetHandler) History(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	entries, err := h.sets.GetUserHistory(r.Context(), userID, historyLimit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to load history", r))
		return
	}
	if entries == nil {
		entries = []models.HistoryEntry{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
}
