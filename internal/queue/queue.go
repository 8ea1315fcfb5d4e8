package queue

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/google/uuid"

	"studyforge-backend/internal/models"
)

const (
	maxAttempts = 3
	lockTTL     = 10 * time.Minute
	popTimeout  = 30 * time.Second

	completedRetention = time.Hour
	completedKeepCount = 100
	failedRetention    = 24 * time.Hour
	janitorInterval    = 10 * time.Minute
)

// backoffBase controls the exponential retry delay (1s, 2s, ...). Tests
// override it to keep the suite fast.
var backoffBase = time.Second

// Processor runs one generation job to completion.
type Processor interface {
	Process(ctx context.Context, job *models.Job) (*models.StudySet, error)
}

// Broker is the FIFO transport between enqueuers and workers, plus the
// per-job lock that keeps a job on at most one active worker.
type Broker interface {
	Push(ctx context.Context, jobID uuid.UUID) error
	Pop(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error)
	AcquireLock(ctx context.Context, jobID uuid.UUID, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, jobID uuid.UUID)
}

// jobStore is the durable side of the queue; satisfied by repository.JobRepo.
type jobStore interface {
	Create(ctx context.Context, j *models.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	UpdateError(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error
	StoreResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error
	CountByStatus(ctx context.Context) (map[string]int, error)
	PruneCompleted(ctx context.Context, olderThan time.Duration, keepCount int) error
	PruneFailed(ctx context.Context, olderThan time.Duration) error
}

// Queue is the durable, retryable generation queue: job rows in Postgres,
// id transport and locks in Redis, a bounded worker pool, exponential-backoff
// retries, and retention pruning for terminal jobs.
type Queue struct {
	broker      Broker
	store       jobStore
	processor   Processor
	workerCount int
	stopChan    chan struct{}
}

func New(broker Broker, store jobStore, processor Processor, workerCount int) *Queue {
	return &Queue{
		broker:      broker,
		store:       store,
		processor:   processor,
		workerCount: workerCount,
		stopChan:    make(chan struct{}),
	}
}

// Enqueue persists the job and hands its id to the broker.
func (q *Queue) Enqueue(ctx context.Context, payload models.JobPayload) (uuid.UUID, error) {
	job := &models.Job{
		UserID:  payload.UserID,
		Topic:   payload.Topic,
		Payload: payload,
	}

	if err := q.store.Create(ctx, job); err != nil {
		return uuid.Nil, err
	}

	if err := q.broker.Push(ctx, job.ID); err != nil {
		q.store.UpdateError(ctx, job.ID, err.Error(), job.RetryCount)
		q.store.UpdateStatus(ctx, job.ID, models.JobStatusFailed)
		return uuid.Nil, err
	}

	return job.ID, nil
}

func (q *Queue) Start() {
	for i := 0; i < q.workerCount; i++ {
		go q.worker(i)
	}
	go q.janitor()

	log.Printf("Started %d queue worker goroutines", q.workerCount)
}

func (q *Queue) Stop() {
	close(q.stopChan)
}

func (q *Queue) worker(id int) {
	for {
		select {
		case <-q.stopChan:
			log.Printf("Worker %d shutting down", id)
			return
		default:
		}

		ctx := context.Background()

		jobID, ok, err := q.broker.Pop(ctx, popTimeout)
		if err != nil || !ok {
			continue
		}

		locked, err := q.broker.AcquireLock(ctx, jobID, lockTTL)
		if err != nil || !locked {
			continue // another worker has this job
		}

		job, err := q.store.GetByID(ctx, jobID)
		if err != nil || job == nil {
			log.Printf("Worker %d: dropped unknown job %s: %v", id, jobID, err)
			q.broker.ReleaseLock(ctx, jobID)
			continue
		}

		log.Printf("Worker %d: processing job %s [%s]", id, job.ID, job.Payload.CorrelationID)
		q.store.UpdateStatus(ctx, job.ID, models.JobStatusProcessing)

		result, processErr := q.processor.Process(ctx, job)
		if processErr != nil {
			q.handleFailure(ctx, job, processErr)
		} else {
			q.handleSuccess(ctx, job, result)
		}

		q.broker.ReleaseLock(ctx, jobID)
	}
}

func (q *Queue) handleSuccess(ctx context.Context, job *models.Job, result *models.StudySet) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		q.handleFailure(ctx, job, err)
		return
	}

	if err := q.store.StoreResult(ctx, job.ID, resultBytes); err != nil {
		q.handleFailure(ctx, job, err)
		return
	}

	q.store.UpdateStatus(ctx, job.ID, models.JobStatusCompleted)
	log.Printf("Job %s completed [%s]", job.ID, job.Payload.CorrelationID)
}

func (q *Queue) handleFailure(ctx context.Context, job *models.Job, err error) {
	job.RetryCount++
	errMsg := err.Error()

	if job.RetryCount < maxAttempts {
		log.Printf("Job %s failed (attempt %d/%d): %s — retrying", job.ID, job.RetryCount, maxAttempts, errMsg)
		q.store.UpdateStatus(ctx, job.ID, models.JobStatusPending)
		q.store.UpdateError(ctx, job.ID, errMsg, job.RetryCount)

		jobID := job.ID
		time.AfterFunc(backoffDelay(job.RetryCount), func() {
			if pushErr := q.broker.Push(context.Background(), jobID); pushErr != nil {
				log.Printf("Failed to requeue job %s: %v", jobID, pushErr)
			}
		})
		return
	}

	log.Printf("Job %s failed permanently: %s", job.ID, errMsg)
	q.store.UpdateError(ctx, job.ID, errMsg, job.RetryCount)
	q.store.UpdateStatus(ctx, job.ID, models.JobStatusFailed)
}

// backoffDelay: 1s after the first failure, doubling per retry.
func backoffDelay(retryCount int) time.Duration {
	return backoffBase * time.Duration(1<<uint(retryCount-1))
}

// Status translates the stored job into its public polling shape. A missing
// id yields (nil, nil); callers surface 404.
func (q *Queue) Status(ctx context.Context, id uuid.UUID) (*models.JobStatusResponse, error) {
	job, err := q.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}

	resp := &models.JobStatusResponse{
		ID:         job.ID,
		Topic:      job.Topic,
		Status:     job.Status,
		Error:      job.ErrorMessage,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.CompletedAt,
	}

	if job.Status == models.JobStatusCompleted && len(job.ResultJSON) > 0 {
		var set models.StudySet
		if err := json.Unmarshal(job.ResultJSON, &set); err == nil {
			resp.Result = &set
		}
	}

	return resp, nil
}

// Counts exposes per-state totals as a load signal for callers.
func (q *Queue) Counts(ctx context.Context) (*models.QueueCounts, error) {
	byStatus, err := q.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	return &models.QueueCounts{
		Active:    byStatus[models.JobStatusProcessing],
		Waiting:   byStatus[models.JobStatusPending],
		Completed: byStatus[models.JobStatusCompleted],
		Failed:    byStatus[models.JobStatusFailed],
	}, nil
}

// janitor enforces retention: completed jobs go after an hour (newest 100
// kept at most), failed jobs stay a day for diagnosis.
func (q *Queue) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopChan:
			return
		case <-ticker.C:
			ctx := context.Background()
			if err := q.store.PruneCompleted(ctx, completedRetention, completedKeepCount); err != nil {
				log.Printf("Failed to prune completed jobs: %v", err)
			}
			if err := q.store.PruneFailed(ctx, failedRetention); err != nil {
				log.Printf("Failed to prune failed jobs: %v", err)
			}
		}
	}
}
