package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"studyforge-backend/internal/models"
)

// generator is the AI boundary; satisfied by services.GeminiService.
type generator interface {
	GenerateStudySet(ctx context.Context, input models.SourceInput, correlationID string) (*models.StudySet, error)
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// setStore persists finished study sets; satisfied by repository.StudySetRepo.
type setStore interface {
	CreateStudySet(ctx context.Context, set *models.StudySet, embedding []float32) (uuid.UUID, error)
	RecordActivity(ctx context.Context, userID, setID uuid.UUID) error
}

// Processor turns a queued job into a persisted study set. The queue owns
// retries; any error returned here is retryable from its point of view.
type Processor struct {
	gen   generator
	store setStore
}

func NewProcessor(gen generator, store setStore) *Processor {
	return &Processor{gen: gen, store: store}
}

func (p *Processor) Process(ctx context.Context, job *models.Job) (*models.StudySet, error) {
	input := sourceFromPayload(job.Payload)

	set, err := p.gen.GenerateStudySet(ctx, input, job.Payload.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	embedding := job.Payload.Embedding
	if len(embedding) == 0 {
		// The orchestrator embeds up front for topic requests; document and
		// image jobs (and degraded topic jobs) get their embedding here so
		// the set is still reachable by semantic lookup. Best effort only.
		embedding, err = p.gen.GenerateEmbedding(ctx, set.Topic)
		if err != nil {
			log.Printf("Embedding for job %s failed, storing set without one: %v", job.ID, err)
			embedding = nil
		}
	}

	setID, err := p.store.CreateStudySet(ctx, set, embedding)
	if err != nil {
		return nil, fmt.Errorf("failed to persist study set: %w", err)
	}
	set.ID = setID

	if job.Payload.UserID != nil {
		if err := p.store.RecordActivity(ctx, *job.Payload.UserID, setID); err != nil {
			log.Printf("Failed to record activity for user %s on set %s: %v", *job.Payload.UserID, setID, err)
		}
	}

	return set, nil
}

// sourceFromPayload picks the generation input variant stored on the job.
func sourceFromPayload(payload models.JobPayload) models.SourceInput {
	switch {
	case payload.Image != nil:
		return models.SourceInput{
			Kind:         models.SourceImage,
			Instructions: payload.Instructions,
			Image:        payload.Image,
		}
	case payload.RawContent != "":
		return models.DocumentInput(payload.RawContent, payload.Instructions)
	default:
		return models.TopicInput(payload.Topic)
	}
}
