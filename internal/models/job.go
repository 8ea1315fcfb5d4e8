package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job statuses. Transitions are forward-only: pending → processing →
// {completed | failed}, with a processing → pending cycle on retry.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

type Job struct {
	ID           uuid.UUID       `json:"id"`
	UserID       *uuid.UUID      `json:"user_id,omitempty"`
	Topic        string          `json:"topic"`
	Payload      JobPayload      `json:"payload"`
	Status       string          `json:"status"`
	RetryCount   int             `json:"retry_count"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	ResultJSON   json.RawMessage `json:"result,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// JobPayload carries everything a worker needs for one generation: the
// source input, the requester (if authenticated), an embedding computed at
// submission time (reused by the worker instead of re-embedding), and a
// correlation id threading the request's logs through queue and worker.
type JobPayload struct {
	Topic         string     `json:"topic,omitempty"`
	UserID        *uuid.UUID `json:"user_id,omitempty"`
	Embedding     []float32  `json:"embedding,omitempty"`
	CorrelationID string     `json:"correlation_id"`
	RawContent    string     `json:"raw_content,omitempty"`
	Instructions  string     `json:"instructions,omitempty"`
	Image         *ImageData `json:"image,omitempty"`
}

type ImageData struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mime_type"`
}

// JobStatusResponse is the public shape returned by GET /jobs/{id}.
type JobStatusResponse struct {
	ID         uuid.UUID  `json:"id"`
	Topic      string     `json:"topic"`
	Status     string     `json:"status"`
	Result     *StudySet  `json:"result,omitempty"`
	Error      *string    `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

type QueueCounts struct {
	Active    int `json:"active"`
	Waiting   int `json:"waiting"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// API Error response
type APIError struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}
