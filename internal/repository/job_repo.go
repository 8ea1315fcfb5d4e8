package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"studyforge-backend/internal/models"
)

// JobRepo persists queue jobs in Postgres. The job row is the source of
// truth for job state; Redis only transports ids between enqueuers and
// workers.
type JobRepo struct {
	pool *pgxpool.Pool
}

func NewJobRepo(pool *pgxpool.Pool) *JobRepo {
	return &JobRepo{pool: pool}
}

func (r *JobRepo) Create(ctx context.Context, j *models.Job) error {
	j.ID = uuid.New()
	j.Status = models.JobStatusPending
	j.RetryCount = 0

	payloadBytes, err := json.Marshal(j.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal job payload: %w", err)
	}

	query := `INSERT INTO jobs (id, user_id, topic, payload, status, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING created_at`

	return r.pool.QueryRow(ctx, query,
		j.ID, j.UserID, j.Topic, payloadBytes, j.Status, j.RetryCount,
	).Scan(&j.CreatedAt)
}

func (r *JobRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j := &models.Job{}
	var payloadBytes []byte

	query := `SELECT id, user_id, topic, payload, status, retry_count, error_message, result, created_at, completed_at
		FROM jobs WHERE id = $1`

	err := r.pool.QueryRow(ctx, query, id).Scan(
		&j.ID, &j.UserID, &j.Topic, &payloadBytes, &j.Status,
		&j.RetryCount, &j.ErrorMessage, &j.ResultJSON, &j.CreatedAt, &j.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payloadBytes, &j.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job payload: %w", err)
	}
	return j, nil
}

func (r *JobRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	if status == models.JobStatusCompleted || status == models.JobStatusFailed {
		_, err := r.pool.Exec(ctx,
			"UPDATE jobs SET status = $1, completed_at = NOW() WHERE id = $2", status, id)
		return err
	}
	_, err := r.pool.Exec(ctx, "UPDATE jobs SET status = $1 WHERE id = $2", status, id)
	return err
}

func (r *JobRepo) UpdateError(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	_, err := r.pool.Exec(ctx,
		"UPDATE jobs SET error_message = $1, retry_count = $2 WHERE id = $3",
		errMsg, retryCount, id,
	)
	return err
}

func (r *JobRepo) StoreResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	_, err := r.pool.Exec(ctx, "UPDATE jobs SET result = $1 WHERE id = $2", result, id)
	return err
}

func (r *JobRepo) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, nil
}

// PruneCompleted removes completed jobs older than the retention window and
// keeps at most keepCount of the newest completed jobs.
func (r *JobRepo) PruneCompleted(ctx context.Context, olderThan time.Duration, keepCount int) error {
	_, err := r.pool.Exec(ctx,
		"DELETE FROM jobs WHERE status = $1 AND completed_at < NOW() - $2::interval",
		models.JobStatusCompleted, fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
	)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx,
		`DELETE FROM jobs WHERE status = $1 AND id NOT IN (
			SELECT id FROM jobs WHERE status = $1 ORDER BY completed_at DESC LIMIT $2
		)`,
		models.JobStatusCompleted, keepCount,
	)
	return err
}

// PruneFailed removes failed jobs past the diagnostic retention window.
func (r *JobRepo) PruneFailed(ctx context.Context, olderThan time.Duration) error {
	_, err := r.pool.Exec(ctx,
		"DELETE FROM jobs WHERE status = $1 AND completed_at < NOW() - $2::interval",
		models.JobStatusFailed, fmt.Sprintf("%d seconds", int(olderThan.Seconds())),
	)
	return err
}
