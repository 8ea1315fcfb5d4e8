package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"studyforge-backend/internal/breaker"
	"studyforge-backend/internal/models"
)

const (
	generationModel = "gemini-2.5-flash"
	embeddingModel  = "text-embedding-004"

	// Self-correction loop: 3 total attempts. Temperature rises per attempt
	// to diversify retries.
	maxGenerationRetries = 2
	baseTemperature      = 0.2
	temperatureStep      = 0.1
)

// generativeBackend is the narrow surface this service needs from the Gemini
// SDK. Tests substitute a fake that returns canned responses.
type generativeBackend interface {
	GenerateStudySetJSON(ctx context.Context, temperature float32, parts ...genai.Part) (string, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// GeminiService adapts the generative model: embedding production and
// study-set generation with a bounded self-correcting retry loop. Both
// operations go through the circuit breaker; malformed model output is
// handled inside the loop, while service-level failures trip the breaker.
type GeminiService struct {
	backend generativeBackend
	breaker *breaker.CircuitBreaker
	client  *genai.Client
}

func NewGeminiService(apiKey string, cb *breaker.CircuitBreaker) (*GeminiService, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiService{
		backend: &geminiBackend{client: client},
		breaker: cb,
		client:  client,
	}, nil
}

func (s *GeminiService) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// GenerateEmbedding produces the 768-dim vector for text. A model response
// without a vector fails hard; there is no retry at this layer.
func (s *GeminiService) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		v, err := s.backend.EmbedText(ctx, text)
		if err != nil {
			return fmt.Errorf("embedding request failed: %w", err)
		}
		if len(v) == 0 {
			return fmt.Errorf("failed to generate embedding: model returned no vector")
		}
		vector = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vector, nil
}

// GenerateStudySet runs the breaker-guarded generation loop for any of the
// three input variants.
func (s *GeminiService) GenerateStudySet(ctx context.Context, input models.SourceInput, correlationID string) (*models.StudySet, error) {
	var set *models.StudySet
	err := s.breaker.Execute(ctx, func(ctx context.Context) error {
		result, err := s.executeGeneration(ctx, input, correlationID)
		if err != nil {
			return err
		}
		set = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// executeGeneration drives the retry loop: call the model, strip fences,
// parse, validate. Parse and validation failures are retryable; the error
// detail is fed back as corrective context on the next attempt. Multimodal
// inputs skip corrective re-prompting and rely on temperature variation only.
func (s *GeminiService) executeGeneration(ctx context.Context, input models.SourceInput, correlationID string) (*models.StudySet, error) {
	basePrompt, err := buildPrompt(input)
	if err != nil {
		return nil, err
	}
	prompt := basePrompt

	var lastErr error
	for attempt := 0; attempt <= maxGenerationRetries; attempt++ {
		temperature := float32(baseTemperature + float64(attempt)*temperatureStep)
		log.Printf("[%s] AI generation attempt %d/%d (temperature %.1f)", correlationID, attempt+1, maxGenerationRetries+1, temperature)

		parts := []genai.Part{genai.Text(prompt)}
		if input.Kind == models.SourceImage {
			parts = append(parts, genai.Blob{MIMEType: input.Image.MIMEType, Data: input.Image.Data})
		}

		raw, genErr := s.backend.GenerateStudySetJSON(ctx, temperature, parts...)
		if genErr == nil {
			set, parseErr := parseStudySet(raw)
			if parseErr == nil {
				return set, nil
			}
			lastErr = parseErr
		} else {
			lastErr = genErr
		}

		log.Printf("[%s] attempt %d failed: %v", correlationID, attempt+1, lastErr)

		// Text prompts get the failure appended as corrective context.
		// Image parts are opaque to that trick, so only temperature varies.
		if input.Kind != models.SourceImage {
			prompt = buildCorrectivePrompt(basePrompt, lastErr)
		}
	}

	return nil, lastErr
}

// --- Prompt construction ---

func buildPrompt(input models.SourceInput) (string, error) {
	switch input.Kind {
	case models.SourceTopic:
		return buildTopicPrompt(input.Topic), nil
	case models.SourceDocument:
		if input.Content == "" {
			return "", fmt.Errorf("no content provided for generation")
		}
		return buildDocumentPrompt(input.Content, input.Instructions), nil
	case models.SourceImage:
		if input.Image == nil || len(input.Image.Data) == 0 {
			return "", fmt.Errorf("no image provided for generation")
		}
		return buildImagePrompt(input.Instructions), nil
	default:
		return "", fmt.Errorf("unknown source input kind: %q", input.Kind)
	}
}

func buildTopicPrompt(topic string) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("Generate a study set for the topic: %q.\n\n", topic))
	b.WriteString(`Format constraints:
- Flashcards: 4-12 items.
- Front: Question (1 sentence).
- Back: Answer (max 60 words).
- Summary: 2-4 sentences.
- Quiz: 3 multiple choice questions.
- Output: Strict JSON only.

Ensure the "id" field for flashcards is a unique string.
`)

	return b.String()
}

func buildDocumentPrompt(content, instructions string) string {
	var b strings.Builder

	b.WriteString("Generate a study set from the document below.\n\n")
	if instructions != "" {
		b.WriteString(fmt.Sprintf("User instructions: %s\n\n", instructions))
	}
	b.WriteString(`Format constraints:
- Flashcards: 4-12 items.
- Front: Question (1 sentence).
- Back: Answer (max 60 words).
- Summary: 2-4 sentences.
- Quiz: 3 multiple choice questions.
- Output: Strict JSON only.

Choose a short topic title that reflects the document.
`)
	b.WriteString("\n---DOCUMENT START---\n")
	b.WriteString(content)
	b.WriteString("\n---DOCUMENT END---\n")

	return b.String()
}

func buildImagePrompt(instructions string) string {
	var b strings.Builder

	b.WriteString("Generate a study set from the attached image (notes, slides, or a textbook page).\n\n")
	if instructions != "" {
		b.WriteString(fmt.Sprintf("User instructions: %s\n\n", instructions))
	}
	b.WriteString(`Format constraints:
- Flashcards: 4-12 items.
- Front: Question (1 sentence).
- Back: Answer (max 60 words).
- Summary: 2-4 sentences.
- Quiz: 3 multiple choice questions.
- Output: Strict JSON only.
`)

	return b.String()
}

// buildCorrectivePrompt is called fresh on each retry with the unmodified
// base prompt, so failure context never accumulates across attempts.
func buildCorrectivePrompt(basePrompt string, lastErr error) string {
	var b strings.Builder

	b.WriteString(basePrompt)
	b.WriteString("\n\nIMPORTANT: Your previous attempt failed.\n")
	b.WriteString(fmt.Sprintf("Error details: %s\n\n", lastErr.Error()))
	b.WriteString("Please correct the JSON output. Ensure strict adherence to the schema.")

	return b.String()
}

// --- Response parsing and validation ---

func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}

// Wire structs use pointers so missing fields are distinguishable from zero
// values during validation.
type studySetWire struct {
	Topic                     *string             `json:"topic"`
	Summary                   *string             `json:"summary"`
	EstimatedStudyTimeMinutes *int                `json:"estimated_study_time_minutes"`
	Flashcards                *[]flashcardWire    `json:"flashcards"`
	QuizQuestions             *[]quizQuestionWire `json:"example_quiz_questions"`
}

type flashcardWire struct {
	ID         string   `json:"id"`
	Front      *string  `json:"front"`
	Back       *string  `json:"back"`
	Difficulty string   `json:"difficulty"`
	Tags       []string `json:"tags"`
}

type quizQuestionWire struct {
	Question    *string   `json:"question"`
	Choices     *[]string `json:"choices"`
	AnswerIndex *int      `json:"answer_index"`
}

func parseStudySet(raw string) (*models.StudySet, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty response from Gemini")
	}

	var wire studySetWire
	if err := json.Unmarshal([]byte(cleanJSON(raw)), &wire); err != nil {
		return nil, fmt.Errorf("invalid JSON syntax received from model")
	}

	var issues []string
	addIssue := func(path, msg string) {
		issues = append(issues, fmt.Sprintf("%s: %s", path, msg))
	}

	if wire.Topic == nil || *wire.Topic == "" {
		addIssue("topic", "required")
	}
	if wire.Summary == nil || *wire.Summary == "" {
		addIssue("summary", "required")
	}
	if wire.EstimatedStudyTimeMinutes == nil {
		addIssue("estimated_study_time_minutes", "required")
	}
	if wire.Flashcards == nil {
		addIssue("flashcards", "required")
	}
	if wire.QuizQuestions == nil {
		addIssue("example_quiz_questions", "required")
	}

	var cards []models.Flashcard
	if wire.Flashcards != nil {
		cards = make([]models.Flashcard, 0, len(*wire.Flashcards))
		for i, c := range *wire.Flashcards {
			path := fmt.Sprintf("flashcards.%d", i)
			if c.Front == nil || *c.Front == "" {
				addIssue(path+".front", "required")
				continue
			}
			if c.Back == nil || *c.Back == "" {
				addIssue(path+".back", "required")
				continue
			}

			card := models.Flashcard{
				ID:         c.ID,
				Front:      *c.Front,
				Back:       *c.Back,
				Difficulty: c.Difficulty,
				Tags:       c.Tags,
			}
			if card.ID == "" {
				card.ID = randomCardID()
			}
			switch card.Difficulty {
			case "easy", "medium", "hard":
			case "":
				card.Difficulty = "medium"
			default:
				addIssue(path+".difficulty", fmt.Sprintf("invalid enum value %q", card.Difficulty))
				continue
			}
			if card.Tags == nil {
				card.Tags = []string{}
			}
			cards = append(cards, card)
		}
	}

	var questions []models.QuizQuestion
	if wire.QuizQuestions != nil {
		questions = make([]models.QuizQuestion, 0, len(*wire.QuizQuestions))
		for i, q := range *wire.QuizQuestions {
			path := fmt.Sprintf("example_quiz_questions.%d", i)
			if q.Question == nil || *q.Question == "" {
				addIssue(path+".question", "required")
				continue
			}
			if q.Choices == nil || len(*q.Choices) == 0 {
				addIssue(path+".choices", "required")
				continue
			}
			if q.AnswerIndex == nil {
				addIssue(path+".answer_index", "required")
				continue
			}
			if *q.AnswerIndex < 0 || *q.AnswerIndex >= len(*q.Choices) {
				addIssue(path+".answer_index", "out of range for choices")
				continue
			}
			questions = append(questions, models.QuizQuestion{
				Question:    *q.Question,
				Choices:     *q.Choices,
				AnswerIndex: *q.AnswerIndex,
			})
		}
	}

	if len(issues) > 0 {
		return nil, fmt.Errorf("schema validation failed: %s", strings.Join(issues, ", "))
	}

	return &models.StudySet{
		Topic:                     *wire.Topic,
		Summary:                   *wire.Summary,
		EstimatedStudyTimeMinutes: *wire.EstimatedStudyTimeMinutes,
		Flashcards:                cards,
		QuizQuestions:             questions,
	}, nil
}

func randomCardID() string {
	return uuid.NewString()[:8]
}

// --- Real genai-backed transport ---

type geminiBackend struct {
	client *genai.Client
}

func (b *geminiBackend) GenerateStudySetJSON(ctx context.Context, temperature float32, parts ...genai.Part) (string, error) {
	model := b.client.GenerativeModel(generationModel)
	model.SetTemperature(temperature)
	model.SetTopP(0.95)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text("You are a concise, accurate educational assistant.")},
	}
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = studySetSchema

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("Gemini API error: %w", err)
	}

	return extractText(resp), nil
}

func (b *geminiBackend) EmbedText(ctx context.Context, text string) ([]float32, error) {
	em := b.client.EmbeddingModel(embeddingModel)
	resp, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if resp.Embedding == nil {
		return nil, nil
	}
	return resp.Embedding.Values, nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}

// studySetSchema constrains the model to the artifact shape at the API level.
// The validation pass above still runs: schema-constrained decoding is best
// effort, not a guarantee.
var studySetSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"topic":   {Type: genai.TypeString, Description: "The topic of the study set"},
		"summary": {Type: genai.TypeString, Description: "A brief summary of the topic (2-4 sentences)"},
		"estimated_study_time_minutes": {
			Type:        genai.TypeInteger,
			Description: "Estimated time in minutes to study this set",
		},
		"flashcards": {
			Type:        genai.TypeArray,
			Description: "List of flashcards",
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"id":         {Type: genai.TypeString, Description: "Unique identifier for the card"},
					"front":      {Type: genai.TypeString, Description: "The question or concept on the front of the card"},
					"back":       {Type: genai.TypeString, Description: "The answer or definition on the back of the card"},
					"difficulty": {Type: genai.TypeString, Enum: []string{"easy", "medium", "hard"}},
					"tags":       {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
				},
				Required: []string{"id", "front", "back", "difficulty", "tags"},
			},
		},
		"example_quiz_questions": {
			Type:        genai.TypeArray,
			Description: "Multiple choice quiz questions",
			Items: &genai.Schema{
				Type: genai.TypeObject,
				Properties: map[string]*genai.Schema{
					"question": {Type: genai.TypeString},
					"choices":  {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
					"answer_index": {
						Type:        genai.TypeInteger,
						Description: "Index of the correct answer in the choices array",
					},
				},
				Required: []string{"question", "choices", "answer_index"},
			},
		},
	},
	Required: []string{"topic", "summary", "estimated_study_time_minutes", "flashcards", "example_quiz_questions"},
}
