package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"studyforge-backend/internal/breaker"
	"studyforge-backend/internal/models"
)

const validStudySetJSON = `{
	"topic": "Photosynthesis",
	"summary": "Plants convert light into chemical energy.",
	"estimated_study_time_minutes": 20,
	"flashcards": [
		{"id": "c1", "front": "What is photosynthesis?", "back": "Conversion of light to chemical energy.", "difficulty": "easy", "tags": ["biology"]}
	],
	"example_quiz_questions": [
		{"question": "Where does photosynthesis occur?", "choices": ["Chloroplast", "Nucleus", "Ribosome"], "answer_index": 0}
	]
}`

type fakeBackend struct {
	responses []string
	errs      []error
	calls     int
	prompts   []string
	temps     []float32
	parts     [][]genai.Part

	embedding []float32
	embedErr  error
}

func (f *fakeBackend) GenerateStudySetJSON(ctx context.Context, temperature float32, parts ...genai.Part) (string, error) {
	idx := f.calls
	f.calls++
	f.temps = append(f.temps, temperature)
	f.parts = append(f.parts, parts)
	if text, ok := parts[0].(genai.Text); ok {
		f.prompts = append(f.prompts, string(text))
	}

	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return f.responses[len(f.responses)-1], nil
}

func (f *fakeBackend) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return f.embedding, f.embedErr
}

func newTestService(backend *fakeBackend) *GeminiService {
	return &GeminiService{backend: backend, breaker: breaker.New("test")}
}

func TestGenerateStudySet_Success(t *testing.T) {
	backend := &fakeBackend{responses: []string{validStudySetJSON}}
	svc := newTestService(backend)

	set, err := svc.GenerateStudySet(context.Background(), models.TopicInput("Photosynthesis"), "corr-1")
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}

	if set.Topic != "Photosynthesis" {
		t.Errorf("Expected topic 'Photosynthesis', got %q", set.Topic)
	}
	if len(set.Flashcards) != 1 || len(set.QuizQuestions) != 1 {
		t.Errorf("Expected 1 flashcard and 1 quiz question, got %d/%d", len(set.Flashcards), len(set.QuizQuestions))
	}
	if backend.calls != 1 {
		t.Errorf("Expected 1 model call, got %d", backend.calls)
	}
}

func TestGenerateStudySet_StripsCodeFences(t *testing.T) {
	backend := &fakeBackend{responses: []string{"```json\n" + validStudySetJSON + "\n```"}}
	svc := newTestService(backend)

	set, err := svc.GenerateStudySet(context.Background(), models.TopicInput("Photosynthesis"), "corr-2")
	if err != nil {
		t.Fatalf("Expected fenced JSON to parse, got %v", err)
	}
	if set.Summary == "" {
		t.Error("Expected summary to survive fence stripping")
	}
}

func TestGenerateStudySet_RetryBound(t *testing.T) {
	// A model that always returns garbage gets exactly 3 attempts.
	backend := &fakeBackend{responses: []string{"not json", "still not json", "nope"}}
	svc := newTestService(backend)

	_, err := svc.GenerateStudySet(context.Background(), models.TopicInput("WWII"), "corr-3")
	if err == nil {
		t.Fatal("Expected final error after exhausted retries")
	}
	if backend.calls != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", backend.calls)
	}
	if !strings.Contains(err.Error(), "invalid JSON syntax") {
		t.Errorf("Expected JSON syntax error, got %v", err)
	}
}

func TestGenerateStudySet_TemperatureSchedule(t *testing.T) {
	backend := &fakeBackend{responses: []string{"bad", "bad", "bad"}}
	svc := newTestService(backend)

	svc.GenerateStudySet(context.Background(), models.TopicInput("WWII"), "corr-4")

	want := []float32{0.2, 0.3, 0.4}
	if len(backend.temps) != len(want) {
		t.Fatalf("Expected %d temperatures, got %d", len(want), len(backend.temps))
	}
	for i, w := range want {
		if diff := backend.temps[i] - w; diff > 0.001 || diff < -0.001 {
			t.Errorf("Attempt %d: expected temperature %.1f, got %.2f", i+1, w, backend.temps[i])
		}
	}
}

func TestGenerateStudySet_CorrectivePromptDoesNotAccumulate(t *testing.T) {
	backend := &fakeBackend{responses: []string{"bad", "bad", validStudySetJSON}}
	svc := newTestService(backend)

	_, err := svc.GenerateStudySet(context.Background(), models.TopicInput("WWII"), "corr-5")
	if err != nil {
		t.Fatalf("Expected eventual success, got %v", err)
	}

	if strings.Contains(backend.prompts[0], "previous attempt failed") {
		t.Error("First attempt must use the clean base prompt")
	}
	for i, prompt := range backend.prompts[1:] {
		if !strings.Contains(prompt, "previous attempt failed") {
			t.Errorf("Retry %d: expected corrective context in prompt", i+1)
		}
		if got := strings.Count(prompt, "previous attempt failed"); got != 1 {
			t.Errorf("Retry %d: corrective context appended %d times, want 1", i+1, got)
		}
		if !strings.Contains(prompt, "invalid JSON syntax") {
			t.Errorf("Retry %d: expected the failure detail in corrective prompt", i+1)
		}
	}
}

func TestGenerateStudySet_ImageInputSkipsCorrectivePrompt(t *testing.T) {
	backend := &fakeBackend{responses: []string{"bad", validStudySetJSON}}
	svc := newTestService(backend)

	input := models.ImageInput([]byte{0x89, 0x50}, "image/png", "focus on diagrams")
	_, err := svc.GenerateStudySet(context.Background(), input, "corr-6")
	if err != nil {
		t.Fatalf("Expected eventual success, got %v", err)
	}

	if backend.prompts[0] != backend.prompts[1] {
		t.Error("Image retries must keep the prompt unchanged; only temperature varies")
	}
	for i, parts := range backend.parts {
		if len(parts) != 2 {
			t.Fatalf("Attempt %d: expected text + image parts, got %d parts", i+1, len(parts))
		}
		if _, ok := parts[1].(genai.Blob); !ok {
			t.Errorf("Attempt %d: expected second part to be an image blob", i+1)
		}
	}
}

func TestGenerateStudySet_ServiceErrorsRetryToo(t *testing.T) {
	upstream := errors.New("Gemini API error: 503")
	backend := &fakeBackend{
		responses: []string{"", "", validStudySetJSON},
		errs:      []error{upstream, upstream, nil},
	}
	svc := newTestService(backend)

	set, err := svc.GenerateStudySet(context.Background(), models.TopicInput("WWII"), "corr-7")
	if err != nil {
		t.Fatalf("Expected success on third attempt, got %v", err)
	}
	if set == nil || backend.calls != 3 {
		t.Errorf("Expected 3 calls and a result, got %d calls", backend.calls)
	}
}

func TestParseStudySet_Defaults(t *testing.T) {
	raw := `{
		"topic": "Cells",
		"summary": "Basic unit of life.",
		"estimated_study_time_minutes": 10,
		"flashcards": [{"front": "What is a cell?", "back": "The basic unit of life."}],
		"example_quiz_questions": []
	}`

	set, err := parseStudySet(raw)
	if err != nil {
		t.Fatalf("Expected parse to succeed with defaults, got %v", err)
	}

	card := set.Flashcards[0]
	if card.ID == "" {
		t.Error("Expected missing flashcard id to be defaulted to a random token")
	}
	if card.Difficulty != "medium" {
		t.Errorf("Expected difficulty default 'medium', got %q", card.Difficulty)
	}
	if card.Tags == nil || len(card.Tags) != 0 {
		t.Errorf("Expected empty tags default, got %v", card.Tags)
	}
}

func TestParseStudySet_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name:    "missing summary",
			raw:     `{"topic": "X", "estimated_study_time_minutes": 5, "flashcards": [], "example_quiz_questions": []}`,
			wantErr: "summary: required",
		},
		{
			name:    "missing study time",
			raw:     `{"topic": "X", "summary": "y", "flashcards": [], "example_quiz_questions": []}`,
			wantErr: "estimated_study_time_minutes: required",
		},
		{
			name: "invalid difficulty enum",
			raw: `{"topic": "X", "summary": "y", "estimated_study_time_minutes": 5,
				"flashcards": [{"front": "f", "back": "b", "difficulty": "extreme"}],
				"example_quiz_questions": []}`,
			wantErr: "flashcards.0.difficulty",
		},
		{
			name: "answer index out of range",
			raw: `{"topic": "X", "summary": "y", "estimated_study_time_minutes": 5,
				"flashcards": [],
				"example_quiz_questions": [{"question": "q", "choices": ["a", "b"], "answer_index": 5}]}`,
			wantErr: "answer_index: out of range",
		},
		{
			name:    "not json at all",
			raw:     "Sure! Here is your study set:",
			wantErr: "invalid JSON syntax",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseStudySet(tc.raw)
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestGenerateEmbedding(t *testing.T) {
	t.Run("returns vector", func(t *testing.T) {
		backend := &fakeBackend{embedding: []float32{0.1, 0.2, 0.3}}
		svc := newTestService(backend)

		v, err := svc.GenerateEmbedding(context.Background(), "photosynthesis")
		if err != nil {
			t.Fatalf("Expected success, got %v", err)
		}
		if len(v) != 3 {
			t.Errorf("Expected 3-dim vector, got %d", len(v))
		}
	})

	t.Run("fails hard on empty vector", func(t *testing.T) {
		backend := &fakeBackend{embedding: nil}
		svc := newTestService(backend)

		_, err := svc.GenerateEmbedding(context.Background(), "photosynthesis")
		if err == nil || !strings.Contains(err.Error(), "failed to generate embedding") {
			t.Errorf("Expected embedding failure, got %v", err)
		}
	})
}

func TestGenerateStudySet_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	backend := &fakeBackend{responses: []string{"bad"}}
	svc := newTestService(backend)
	ctx := context.Background()

	// Each exhausted retry loop counts as one failure toward the breaker.
	for i := 0; i < 5; i++ {
		if _, err := svc.GenerateStudySet(ctx, models.TopicInput("x"), fmt.Sprintf("corr-%d", i)); err == nil {
			t.Fatalf("Round %d: expected failure", i+1)
		}
	}

	callsBefore := backend.calls
	_, err := svc.GenerateStudySet(ctx, models.TopicInput("x"), "corr-open")
	if !errors.Is(err, breaker.ErrServiceUnavailable) {
		t.Fatalf("Expected ErrServiceUnavailable once breaker is open, got %v", err)
	}
	if backend.calls != callsBefore {
		t.Error("Model must not be invoked while the breaker is open")
	}
}
