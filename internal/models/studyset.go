package models

import (
	"time"

	"github.com/google/uuid"
)

// StudySet is the generation artifact: one summary plus its flashcards and
// quiz questions. Rows are written once by the queue worker and read-only
// afterwards; access bookkeeping lives in user_activity, not here.
type StudySet struct {
	ID                        uuid.UUID      `json:"id"`
	Topic                     string         `json:"topic"`
	Summary                   string         `json:"summary"`
	EstimatedStudyTimeMinutes int            `json:"estimated_study_time_minutes"`
	Flashcards                []Flashcard    `json:"flashcards"`
	QuizQuestions             []QuizQuestion `json:"example_quiz_questions"`
	CreatedAt                 time.Time      `json:"created_at"`
}

type Flashcard struct {
	ID         string   `json:"id"`
	Front      string   `json:"front"`
	Back       string   `json:"back"`
	Difficulty string   `json:"difficulty"` // "easy" | "medium" | "hard"
	Tags       []string `json:"tags"`
}

type QuizQuestion struct {
	Question    string   `json:"question"`
	Choices     []string `json:"choices"`
	AnswerIndex int      `json:"answer_index"`
}

// HistoryEntry is one row of a user's study-set history, ordered by last
// access.
type HistoryEntry struct {
	ID                        uuid.UUID `json:"id"`
	Topic                     string    `json:"topic"`
	Summary                   string    `json:"summary"`
	EstimatedStudyTimeMinutes int       `json:"estimated_study_time_minutes"`
	AccessedAt                time.Time `json:"accessed_at"`
}
