package orchestrator

import (
	"context"
	"log"

	"github.com/google/uuid"

	"studyforge-backend/internal/models"
	"studyforge-backend/internal/repository"
)

// cacheRepository is the lookup side of the study set store; satisfied by
// repository.StudySetRepo.
type cacheRepository interface {
	FindByExactTopic(ctx context.Context, topic string) (*models.StudySet, error)
	FindBySemantic(ctx context.Context, embedding []float32, threshold float64) (*models.StudySet, error)
	RecordActivity(ctx context.Context, userID, setID uuid.UUID) error
}

// embedder produces the topic embedding used for semantic lookup; satisfied
// by services.GeminiService.
type embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// enqueuer hands work to the generation queue; satisfied by queue.Queue.
type enqueuer interface {
	Enqueue(ctx context.Context, payload models.JobPayload) (uuid.UUID, error)
}

const (
	StatusCompleted = "completed"
	StatusPending   = "pending"
)

// SubmitResult is what a generation request resolves to immediately: either
// a cached study set (completed) or a queued job id to poll (pending).
type SubmitResult struct {
	Status string           `json:"status"`
	JobID  *uuid.UUID       `json:"job_id,omitempty"`
	Result *models.StudySet `json:"result,omitempty"`
}

// Orchestrator decides, per request, between serving a cached study set and
// queueing new generation work. Topic requests go through a two-tier cache
// (exact match, then semantic similarity); file and image requests always
// generate fresh.
type Orchestrator struct {
	cache    cacheRepository
	embedder embedder
	queue    enqueuer
}

func New(cache cacheRepository, embedder embedder, queue enqueuer) *Orchestrator {
	return &Orchestrator{cache: cache, embedder: embedder, queue: queue}
}

// Submit resolves a topic request. Cache tiers are consulted in order; a
// failure in either tier (or in embedding) degrades to enqueueing rather
// than failing the request.
func (o *Orchestrator) Submit(ctx context.Context, topic string, userID *uuid.UUID) (*SubmitResult, error) {
	correlationID := uuid.NewString()

	if set, err := o.cache.FindByExactTopic(ctx, topic); err != nil {
		log.Printf("Exact-match lookup failed for %q [%s]: %v", topic, correlationID, err)
	} else if set != nil {
		o.recordActivity(ctx, userID, set.ID)
		return &SubmitResult{Status: StatusCompleted, Result: set}, nil
	}

	embedding, err := o.embedder.GenerateEmbedding(ctx, topic)
	if err != nil {
		// Semantic tier is unavailable without an embedding; fall through to
		// generation and let the worker embed the result later.
		log.Printf("Embedding failed for %q [%s], skipping semantic lookup: %v", topic, correlationID, err)
		return o.enqueue(ctx, models.JobPayload{
			Topic:         topic,
			UserID:        userID,
			CorrelationID: correlationID,
		})
	}

	if set, err := o.cache.FindBySemantic(ctx, embedding, repository.SemanticThreshold); err != nil {
		log.Printf("Semantic lookup failed for %q [%s]: %v", topic, correlationID, err)
	} else if set != nil {
		o.recordActivity(ctx, userID, set.ID)
		return &SubmitResult{Status: StatusCompleted, Result: set}, nil
	}

	return o.enqueue(ctx, models.JobPayload{
		Topic:         topic,
		UserID:        userID,
		Embedding:     embedding,
		CorrelationID: correlationID,
	})
}

// SubmitDocument queues generation from extracted file text. No cache tiers:
// document content is too variable for topic matching to be meaningful.
func (o *Orchestrator) SubmitDocument(ctx context.Context, content, instructions string, userID *uuid.UUID) (*SubmitResult, error) {
	return o.enqueue(ctx, models.JobPayload{
		UserID:        userID,
		RawContent:    content,
		Instructions:  instructions,
		CorrelationID: uuid.NewString(),
	})
}

// SubmitImage queues generation from an uploaded image.
func (o *Orchestrator) SubmitImage(ctx context.Context, image *models.ImageData, instructions string, userID *uuid.UUID) (*SubmitResult, error) {
	return o.enqueue(ctx, models.JobPayload{
		UserID:        userID,
		Instructions:  instructions,
		Image:         image,
		CorrelationID: uuid.NewString(),
	})
}

func (o *Orchestrator) enqueue(ctx context.Context, payload models.JobPayload) (*SubmitResult, error) {
	jobID, err := o.queue.Enqueue(ctx, payload)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Status: StatusPending, JobID: &jobID}, nil
}

// recordActivity notes a cache hit in the user's history; hit serving never
// fails because of it.
func (o *Orchestrator) recordActivity(ctx context.Context, userID *uuid.UUID, setID uuid.UUID) {
	if userID == nil {
		return
	}
	if err := o.cache.RecordActivity(ctx, *userID, setID); err != nil {
		log.Printf("Failed to record activity for user %s on set %s: %v", *userID, setID, err)
	}
}
