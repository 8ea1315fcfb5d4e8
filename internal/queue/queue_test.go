package queue

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"studyforge-backend/internal/models"
)

func TestMain(m *testing.M) {
	// Shrink the retry backoff so the suite stays fast.
	backoffBase = 5 * time.Millisecond
	os.Exit(m.Run())
}

// --- In-memory fakes ---

type memBroker struct {
	ch      chan uuid.UUID
	pushErr error
	mu      sync.Mutex
	locks   map[uuid.UUID]bool
}

func newMemBroker() *memBroker {
	return &memBroker{ch: make(chan uuid.UUID, 100), locks: make(map[uuid.UUID]bool)}
}

func (b *memBroker) Push(ctx context.Context, jobID uuid.UUID) error {
	if b.pushErr != nil {
		return b.pushErr
	}
	b.ch <- jobID
	return nil
}

func (b *memBroker) Pop(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error) {
	select {
	case id := <-b.ch:
		return id, true, nil
	case <-time.After(10 * time.Millisecond):
		return uuid.Nil, false, nil
	}
}

func (b *memBroker) AcquireLock(ctx context.Context, jobID uuid.UUID, ttl time.Duration) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.locks[jobID] {
		return false, nil
	}
	b.locks[jobID] = true
	return true, nil
}

func (b *memBroker) ReleaseLock(ctx context.Context, jobID uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.locks, jobID)
}

type memStore struct {
	mu            sync.Mutex
	jobs          map[uuid.UUID]*models.Job
	statusHistory map[uuid.UUID][]string
}

func newMemStore() *memStore {
	return &memStore{
		jobs:          make(map[uuid.UUID]*models.Job),
		statusHistory: make(map[uuid.UUID][]string),
	}
}

func (s *memStore) Create(ctx context.Context, j *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.ID = uuid.New()
	j.Status = models.JobStatusPending
	j.CreatedAt = time.Now()
	copied := *j
	s.jobs[j.ID] = &copied
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := *j
	return &copied, nil
}

func (s *memStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = status
		if status == models.JobStatusCompleted || status == models.JobStatusFailed {
			now := time.Now()
			j.CompletedAt = &now
		}
		s.statusHistory[id] = append(s.statusHistory[id], status)
	}
	return nil
}

func (s *memStore) UpdateError(ctx context.Context, id uuid.UUID, errMsg string, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.ErrorMessage = &errMsg
		j.RetryCount = retryCount
	}
	return nil
}

func (s *memStore) StoreResult(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.ResultJSON = result
	}
	return nil
}

func (s *memStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *memStore) PruneCompleted(ctx context.Context, olderThan time.Duration, keepCount int) error {
	return nil
}

func (s *memStore) PruneFailed(ctx context.Context, olderThan time.Duration) error {
	return nil
}

func (s *memStore) history(id uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.statusHistory[id]...)
}

type fakeProcessor struct {
	mu       sync.Mutex
	calls    int
	failures int // fail this many times before succeeding; -1 = always fail
	result   *models.StudySet
}

func (p *fakeProcessor) Process(ctx context.Context, job *models.Job) (*models.StudySet, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures == -1 || p.calls <= p.failures {
		return nil, errors.New("generation blew up")
	}
	return p.result, nil
}

func (p *fakeProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// --- Helpers ---

func waitForStatus(t *testing.T, store *memStore, id uuid.UUID, status string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := store.GetByID(context.Background(), id)
		if job != nil && job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := store.GetByID(context.Background(), id)
	t.Fatalf("Timed out waiting for status %q (current: %+v)", status, job)
	return nil
}

func testStudySet() *models.StudySet {
	return &models.StudySet{
		Topic:                     "Photosynthesis",
		Summary:                   "Light to sugar.",
		EstimatedStudyTimeMinutes: 15,
		Flashcards: []models.Flashcard{
			{ID: "c1", Front: "f", Back: "b", Difficulty: "easy", Tags: []string{}},
		},
		QuizQuestions: []models.QuizQuestion{
			{Question: "q", Choices: []string{"a", "b"}, AnswerIndex: 1},
		},
	}
}

// --- Tests ---

func TestEnqueue_CreatesPendingJob(t *testing.T) {
	broker := newMemBroker()
	store := newMemStore()
	q := New(broker, store, &fakeProcessor{result: testStudySet()}, 0)

	payload := models.JobPayload{Topic: "Photosynthesis", CorrelationID: "corr-1"}
	id, err := q.Enqueue(context.Background(), payload)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, _ := store.GetByID(context.Background(), id)
	if job == nil || job.Status != models.JobStatusPending {
		t.Fatalf("Expected pending job row, got %+v", job)
	}
	if len(broker.ch) != 1 {
		t.Errorf("Expected 1 queued id, got %d", len(broker.ch))
	}
}

func TestEnqueue_PushFailureRecordsError(t *testing.T) {
	broker := newMemBroker()
	broker.pushErr = errors.New("redis connection refused")
	store := newMemStore()
	q := New(broker, store, &fakeProcessor{}, 0)

	id, err := q.Enqueue(context.Background(), models.JobPayload{Topic: "t", CorrelationID: "corr-push"})
	if err == nil {
		t.Fatal("Expected push failure to propagate")
	}

	// The row was created before the push, so it must end up failed with
	// the push error visible to pollers.
	var job *models.Job
	for jid := range store.jobs {
		job, _ = store.GetByID(context.Background(), jid)
	}
	if job == nil {
		t.Fatal("Expected a job row despite push failure")
	}
	if job.Status != models.JobStatusFailed {
		t.Errorf("Expected failed status, got %q", job.Status)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "redis connection refused" {
		t.Errorf("Expected push error recorded verbatim, got %v", job.ErrorMessage)
	}
	if id != uuid.Nil {
		t.Errorf("Expected uuid.Nil return on failure, got %s", id)
	}
}

func TestWorker_CompletesJob(t *testing.T) {
	broker := newMemBroker()
	store := newMemStore()
	proc := &fakeProcessor{result: testStudySet()}
	q := New(broker, store, proc, 2)
	q.Start()
	defer q.Stop()

	id, err := q.Enqueue(context.Background(), models.JobPayload{Topic: "Photosynthesis", CorrelationID: "corr-2"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job := waitForStatus(t, store, id, models.JobStatusCompleted)
	if len(job.ResultJSON) == 0 {
		t.Error("Expected stored result JSON on completed job")
	}
	if proc.callCount() != 1 {
		t.Errorf("Expected 1 process call, got %d", proc.callCount())
	}
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	broker := newMemBroker()
	store := newMemStore()
	proc := &fakeProcessor{failures: 2, result: testStudySet()}
	q := New(broker, store, proc, 1)
	q.Start()
	defer q.Stop()

	id, _ := q.Enqueue(context.Background(), models.JobPayload{Topic: "WWII", CorrelationID: "corr-3"})

	job := waitForStatus(t, store, id, models.JobStatusCompleted)
	if proc.callCount() != 3 {
		t.Errorf("Expected 3 attempts (2 failures + success), got %d", proc.callCount())
	}
	if job.RetryCount != 2 {
		t.Errorf("Expected retry count 2, got %d", job.RetryCount)
	}

	// failed must never appear in the status history.
	for _, st := range store.history(id) {
		if st == models.JobStatusFailed {
			t.Error("Job must not pass through failed when a retry eventually succeeds")
		}
	}
}

func TestWorker_FailsAfterMaxAttempts(t *testing.T) {
	broker := newMemBroker()
	store := newMemStore()
	proc := &fakeProcessor{failures: -1}
	q := New(broker, store, proc, 1)
	q.Start()
	defer q.Stop()

	id, _ := q.Enqueue(context.Background(), models.JobPayload{Topic: "WWII", CorrelationID: "corr-4"})

	job := waitForStatus(t, store, id, models.JobStatusFailed)
	if proc.callCount() != maxAttempts {
		t.Errorf("Expected exactly %d attempts, got %d", maxAttempts, proc.callCount())
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "generation blew up" {
		t.Errorf("Expected last error recorded verbatim, got %v", job.ErrorMessage)
	}
	if job.CompletedAt == nil {
		t.Error("Expected terminal timestamp on failed job")
	}
}

func TestStatus_TranslatesStoredJob(t *testing.T) {
	broker := newMemBroker()
	store := newMemStore()
	q := New(broker, store, &fakeProcessor{result: testStudySet()}, 1)
	q.Start()
	defer q.Stop()

	id, _ := q.Enqueue(context.Background(), models.JobPayload{Topic: "Photosynthesis", CorrelationID: "corr-5"})
	waitForStatus(t, store, id, models.JobStatusCompleted)

	resp, err := q.Status(context.Background(), id)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if resp.Status != models.JobStatusCompleted {
		t.Errorf("Expected completed, got %q", resp.Status)
	}
	if resp.Result == nil || resp.Result.Topic != "Photosynthesis" {
		t.Errorf("Expected unmarshalled result, got %+v", resp.Result)
	}
	if resp.FinishedAt == nil {
		t.Error("Expected finished timestamp")
	}
}

func TestStatus_UnknownJobReturnsNil(t *testing.T) {
	q := New(newMemBroker(), newMemStore(), &fakeProcessor{}, 0)

	resp, err := q.Status(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Expected no error for unknown job, got %v", err)
	}
	if resp != nil {
		t.Errorf("Expected nil response for unknown job, got %+v", resp)
	}
}

func TestCounts_MapsStatuses(t *testing.T) {
	broker := newMemBroker()
	store := newMemStore()
	q := New(broker, store, &fakeProcessor{}, 0)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		q.Enqueue(ctx, models.JobPayload{Topic: "t", CorrelationID: "c"})
	}
	id, _ := q.Enqueue(ctx, models.JobPayload{Topic: "t", CorrelationID: "c"})
	store.UpdateStatus(ctx, id, models.JobStatusProcessing)
	id2, _ := q.Enqueue(ctx, models.JobPayload{Topic: "t", CorrelationID: "c"})
	store.UpdateStatus(ctx, id2, models.JobStatusFailed)

	counts, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts failed: %v", err)
	}
	if counts.Waiting != 3 || counts.Active != 1 || counts.Failed != 1 || counts.Completed != 0 {
		t.Errorf("Unexpected counts: %+v", counts)
	}
}

func TestBackoffDelay_Exponential(t *testing.T) {
	tests := []struct {
		retry    int
		expected time.Duration
	}{
		{1, backoffBase},
		{2, 2 * backoffBase},
		{3, 4 * backoffBase},
	}

	for _, tc := range tests {
		if got := backoffDelay(tc.retry); got != tc.expected {
			t.Errorf("backoffDelay(%d) = %v, want %v", tc.retry, got, tc.expected)
		}
	}
}
