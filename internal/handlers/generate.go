package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"studyforge-backend/internal/middleware"
	"studyforge-backend/internal/models"
	"studyforge-backend/internal/orchestrator"
)

const (
	maxUploadBytes = 25 * 1024 * 1024 // 25MB
	maxTopicLength = 200
)

// submitter is the orchestrator surface the handler needs; satisfied by
// orchestrator.Orchestrator.
type submitter interface {
	Submit(ctx context.Context, topic string, userID *uuid.UUID) (*orchestrator.SubmitResult, error)
	SubmitDocument(ctx context.Context, content, instructions string, userID *uuid.UUID) (*orchestrator.SubmitResult, error)
	SubmitImage(ctx context.Context, image *models.ImageData, instructions string, userID *uuid.UUID) (*orchestrator.SubmitResult, error)
}

// textExtractor pulls plain text out of an uploaded document; satisfied by
// services.FileExtractService.
type textExtractor interface {
	ExtractText(data []byte, filename string) (string, error)
}

type GenerateHandler struct {
	orch      submitter
	extractor textExtractor
}

func NewGenerateHandler(orch submitter, extractor textExtractor) *GenerateHandler {
	return &GenerateHandler{orch: orch, extractor: extractor}
}

type generateRequest struct {
	Topic string `json:"topic"`
}

// Generate handles topic requests. Cache hits come back synchronously with
// the study set; misses return 202 with a job id to poll.
func (h *GenerateHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Invalid request body", r))
		return
	}

	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Topic is required", r))
		return
	}
	if len(topic) > maxTopicLength {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Topic is too long", r))
		return
	}

	result, err := h.orch.Submit(r.Context(), topic, middleware.GetOptionalUserID(r.Context()))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to submit request", r))
		return
	}

	writeSubmitResult(w, result)
}

// GenerateFromFile handles multipart uploads: PDF, DOCX and plain text are
// reduced to text, PNG and JPEG go to the model as images. File generation
// always runs asynchronously.
func (h *GenerateHandler) GenerateFromFile(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > maxUploadBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResp("FILE_TOO_LARGE", "File size exceeds 25MB limit", r))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "No file provided", r))
		return
	}
	defer file.Close()

	instructions := strings.TrimSpace(r.FormValue("instructions"))

	// Sniff the real type from magic bytes; the client's Content-Type and
	// filename are only fallbacks.
	head := make([]byte, 512)
	n, _ := file.Read(head)
	head = head[:n]
	file.Seek(0, io.SeekStart)

	mimeType := http.DetectContentType(head)
	userID := middleware.GetOptionalUserID(r.Context())

	switch {
	case strings.HasPrefix(mimeType, "image/png"), strings.HasPrefix(mimeType, "image/jpeg"):
		data, err := io.ReadAll(file)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Failed to read file", r))
			return
		}

		result, err := h.orch.SubmitImage(r.Context(), &models.ImageData{Data: data, MIMEType: mimeType}, instructions, userID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to submit request", r))
			return
		}
		writeSubmitResult(w, result)

	case isDocumentType(mimeType, header.Filename):
		data, err := io.ReadAll(file)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp("VALIDATION_ERROR", "Failed to read file", r))
			return
		}

		text, err := h.extractor.ExtractText(data, header.Filename)
		if err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, errorResp("EXTRACTION_FAILED", "Could not extract text from file", r))
			return
		}
		if strings.TrimSpace(text) == "" {
			writeJSON(w, http.StatusUnprocessableEntity, errorResp("EXTRACTION_FAILED", "File contains no readable text", r))
			return
		}

		result, err := h.orch.SubmitDocument(r.Context(), text, instructions, userID)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, errorResp("INTERNAL_ERROR", "Failed to submit request", r))
			return
		}
		writeSubmitResult(w, result)

	default:
		writeJSON(w, http.StatusUnsupportedMediaType, errorResp("UNSUPPORTED_FORMAT", "File type not supported", r))
	}
}

func writeSubmitResult(w http.ResponseWriter, result *orchestrator.SubmitResult) {
	status := http.StatusOK
	if result.Status == orchestrator.StatusPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func isDocumentType(mimeType, filename string) bool {
	if mimeType == "application/pdf" || strings.HasPrefix(mimeType, "text/plain") {
		return true
	}
	// DOCX sniffs as a zip archive
	lower := strings.ToLower(filename)
	if mimeType == "application/zip" && strings.HasSuffix(lower, ".docx") {
		return true
	}
	return strings.HasSuffix(lower, ".pdf") || strings.HasSuffix(lower, ".txt") || strings.HasSuffix(lower, ".docx")
}
