package repository

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"studyforge-backend/internal/models"
)

// SemanticThreshold is the default cosine-distance ceiling for a semantic
// cache hit. 0 = identical, 1 = unrelated.
const SemanticThreshold = 0.25

var ErrNotFound = errors.New("study set not found")

// StudySetRepo is the two-tier cache store: exact topic lookups, pgvector
// nearest-neighbour lookups, and the transactional artifact insert.
type StudySetRepo struct {
	pool  *pgxpool.Pool
	begin func(ctx context.Context) (pgx.Tx, error) // overridable in tests
}

func NewStudySetRepo(pool *pgxpool.Pool) *StudySetRepo {
	return &StudySetRepo{pool: pool, begin: pool.Begin}
}

// CreateStudySet inserts the artifact with its flashcards and quiz questions
// in one transaction. The embedding, when present, is stored on the set row
// for future semantic lookups and never mutated afterwards.
func (r *StudySetRepo) CreateStudySet(ctx context.Context, set *models.StudySet, embedding []float32) (uuid.UUID, error) {
	tx, err := r.begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New()

	var vector *string
	if len(embedding) > 0 {
		v := formatVector(embedding)
		vector = &v
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO study_sets (id, topic, summary, estimated_study_time_minutes, embedding)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, set.Topic, set.Summary, set.EstimatedStudyTimeMinutes, vector,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert study set: %w", err)
	}

	for _, card := range set.Flashcards {
		_, err = tx.Exec(ctx,
			`INSERT INTO flashcards (set_id, card_id, front, back, difficulty, tags)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			id, card.ID, card.Front, card.Back, card.Difficulty, card.Tags,
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert flashcard: %w", err)
		}
	}

	for _, q := range set.QuizQuestions {
		_, err = tx.Exec(ctx,
			`INSERT INTO quiz_questions (set_id, question, choices, answer_index)
			 VALUES ($1, $2, $3, $4)`,
			id, q.Question, q.Choices, q.AnswerIndex,
		)
		if err != nil {
			return uuid.Nil, fmt.Errorf("failed to insert quiz question: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit study set: %w", err)
	}

	return id, nil
}

// FindByExactTopic is the cheap first cache tier: a case- and
// whitespace-sensitive string match. Most recent match wins.
func (r *StudySetRepo) FindByExactTopic(ctx context.Context, topic string) (*models.StudySet, error) {
	var id uuid.UUID
	err := r.pool.QueryRow(ctx,
		"SELECT id FROM study_sets WHERE topic = $1 ORDER BY created_at DESC LIMIT 1",
		topic,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return r.GetByID(ctx, id)
}

// FindBySemantic is the second cache tier: cosine distance against every
// stored embedding via the pgvector <=> operator (HNSW-indexed). The nearest
// neighbour is returned only when its distance is under the threshold; there
// is no "closest anyway" fallback.
func (r *StudySetRepo) FindBySemantic(ctx context.Context, embedding []float32, threshold float64) (*models.StudySet, error) {
	var (
		id       uuid.UUID
		topic    string
		distance float64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, topic, (embedding <=> $1) AS distance
		 FROM study_sets
		 WHERE embedding IS NOT NULL
		 ORDER BY distance ASC
		 LIMIT 1`,
		formatVector(embedding),
	).Scan(&id, &topic, &distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if !semanticHit(distance, threshold) {
		return nil, nil
	}

	log.Printf("Semantic cache hit: %q (distance %.4f)", topic, distance)
	return r.GetByID(ctx, id)
}

func (r *StudySetRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.StudySet, error) {
	set := &models.StudySet{ID: id}
	err := r.pool.QueryRow(ctx,
		"SELECT topic, summary, estimated_study_time_minutes, created_at FROM study_sets WHERE id = $1",
		id,
	).Scan(&set.Topic, &set.Summary, &set.EstimatedStudyTimeMinutes, &set.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx,
		"SELECT card_id, front, back, difficulty, tags FROM flashcards WHERE set_id = $1 ORDER BY id ASC",
		id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var card models.Flashcard
		if err := rows.Scan(&card.ID, &card.Front, &card.Back, &card.Difficulty, &card.Tags); err != nil {
			return nil, err
		}
		if card.Tags == nil {
			card.Tags = []string{}
		}
		set.Flashcards = append(set.Flashcards, card)
	}
	rows.Close()

	qrows, err := r.pool.Query(ctx,
		"SELECT question, choices, answer_index FROM quiz_questions WHERE set_id = $1 ORDER BY id ASC",
		id,
	)
	if err != nil {
		return nil, err
	}
	defer qrows.Close()

	for qrows.Next() {
		var q models.QuizQuestion
		if err := qrows.Scan(&q.Question, &q.Choices, &q.AnswerIndex); err != nil {
			return nil, err
		}
		set.QuizQuestions = append(set.QuizQuestions, q)
	}

	return set, nil
}

// RecordActivity upserts the (user, set) access timestamp. Used for history,
// never for cache eligibility.
func (r *StudySetRepo) RecordActivity(ctx context.Context, userID, setID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO user_activity (user_id, study_set_id, accessed_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (user_id, study_set_id)
		 DO UPDATE SET accessed_at = NOW()`,
		userID, setID,
	)
	return err
}

func (r *StudySetRepo) GetUserHistory(ctx context.Context, userID uuid.UUID, limit int) ([]models.HistoryEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.id, s.topic, s.summary, s.estimated_study_time_minutes, ua.accessed_at
		 FROM user_activity ua
		 JOIN study_sets s ON ua.study_set_id = s.id
		 WHERE ua.user_id = $1
		 ORDER BY ua.accessed_at DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(&e.ID, &e.Topic, &e.Summary, &e.EstimatedStudyTimeMinutes, &e.AccessedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// semanticHit applies the strict-inequality threshold: distance 0.25 with
// threshold 0.25 is a miss.
func semanticHit(distance, threshold float64) bool {
	return distance < threshold
}

// formatVector renders an embedding in pgvector's text input format.
func formatVector(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
