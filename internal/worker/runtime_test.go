package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
	"github.com/clipforge-labs/clipforge-go/internal/pricing"
	"github.com/clipforge-labs/clipforge-go/internal/provider"
	"github.com/clipforge-labs/clipforge-go/internal/repo"
	"github.com/clipforge-labs/clipforge-go/internal/service/credits"
	"github.com/clipforge-labs/clipforge-go/internal/service/pipeline"
	"github.com/clipforge-labs/clipforge-go/internal/service/retry"
	"github.com/clipforge-labs/clipforge-go/internal/storage/blobstore"
)

// In-memory doubles wiring the whole stack: queue, jobs, checkpoints,
// ledger, blob store and providers.

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func (m *memJobs) CreateJob(_ context.Context, job domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	return nil
}

func (m *memJobs) GetJob(_ context.Context, id string) (domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return job, nil
}

func (m *memJobs) ListJobs(_ context.Context, _ repo.JobFilter) ([]domain.Job, error) {
	return nil, nil
}

func (m *memJobs) UpdateStatus(_ context.Context, id string, status domain.JobStatus, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	job.Status = status
	job.Progress = progress
	m.jobs[id] = job
	return nil
}

func (m *memJobs) MarkFailed(_ context.Context, id string, failedStep domain.Step, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	job.Status = domain.JobStatusFailed
	job.FailedStep = failedStep
	job.FailureReason = reason
	m.jobs[id] = job
	return nil
}

func (m *memJobs) HasSuccessor(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.RetryOfJobID == id {
			return true, nil
		}
	}
	return false, nil
}

type memCheckpoints struct {
	mu          sync.Mutex
	checkpoints map[string]domain.Checkpoint
}

func (m *memCheckpoints) Get(_ context.Context, jobID string) (domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.checkpoints[jobID]
	if !ok {
		return domain.Checkpoint{}, repo.ErrNotFound
	}
	return cp, nil
}

func (m *memCheckpoints) Advance(_ context.Context, jobID string, completed domain.Step, artifacts []domain.ArtifactRef) (domain.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.checkpoints[jobID]
	if current.Artifacts == nil {
		current.Artifacts = domain.ArtifactSet{}
	}
	next, err := current.Advanced(completed, artifacts)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	m.checkpoints[jobID] = next
	return next, nil
}

func (m *memCheckpoints) Put(_ context.Context, jobID string, checkpoint domain.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[jobID] = checkpoint
	return nil
}

type memQueue struct {
	mu     sync.Mutex
	queued []string
}

func (m *memQueue) Enqueue(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, jobID)
	return nil
}

func (m *memQueue) LeaseNext(_ context.Context, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queued) == 0 {
		return "", repo.ErrLeaseUnavailable
	}
	jobID := m.queued[0]
	m.queued = m.queued[1:]
	return jobID, nil
}

func (m *memQueue) Ack(_ context.Context, _ string) error { return nil }

func (m *memQueue) Nack(_ context.Context, jobID string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued = append(m.queued, jobID)
	return nil
}

type memLedger struct {
	mu      sync.Mutex
	entries []domain.LedgerEntry
}

func (m *memLedger) Append(_ context.Context, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.entries {
		if existing.ID == entry.ID {
			return existing, nil
		}
	}
	m.entries = append(m.entries, entry)
	return entry, nil
}

func (m *memLedger) ListByUser(_ context.Context, userID string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, entry := range m.entries {
		if entry.UserID == userID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (m *memLedger) GetEntry(_ context.Context, id string) (domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		if entry.ID == id {
			return entry, nil
		}
	}
	return domain.LedgerEntry{}, repo.ErrNotFound
}

func (m *memLedger) ListByReservation(_ context.Context, reservationID string) ([]domain.LedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.LedgerEntry
	for _, entry := range m.entries {
		if entry.ID == reservationID || entry.ReservationID == reservationID {
			out = append(out, entry)
		}
	}
	return out, nil
}

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memBlobs) Upload(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memBlobs) Download(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return bytes.Clone(data), nil
}

func (m *memBlobs) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blob.test/" + key, nil
}

func (m *memBlobs) Stat(_ context.Context, key string) (blobstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return blobstore.ObjectInfo{}, fmt.Errorf("object %s not found", key)
	}
	return blobstore.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

type stubProviders struct {
	imageErr    error
	scriptCalls int
	imageCalls  int
}

func (s *stubProviders) GenerateScript(_ context.Context, _ provider.ScriptRequest) (provider.Script, error) {
	s.scriptCalls++
	return provider.Script{Scenes: []provider.Scene{
		{Index: 0, Narration: "one two", ImagePrompt: "dawn"},
		{Index: 1, Narration: "three four", ImagePrompt: "noon"},
	}}, nil
}

func (s *stubProviders) Synthesize(_ context.Context, text string) (provider.Audio, error) {
	return provider.Audio{Bytes: []byte(text), ContentType: "audio/mpeg"}, nil
}

func (s *stubProviders) Align(_ context.Context, _ []byte, _ string) (provider.Alignment, error) {
	return provider.Alignment{Words: []provider.WordTiming{
		{Word: "one", StartMs: 0, EndMs: 400},
		{Word: "two", StartMs: 400, EndMs: 800},
		{Word: "three", StartMs: 800, EndMs: 1200},
		{Word: "four", StartMs: 1200, EndMs: 1600},
	}}, nil
}

func (s *stubProviders) GenerateImage(_ context.Context, _ string) (provider.Image, error) {
	s.imageCalls++
	if s.imageErr != nil {
		return provider.Image{}, s.imageErr
	}
	return provider.Image{Bytes: []byte{1, 2, 3}, ContentType: "image/png"}, nil
}

func (s *stubProviders) Render(_ context.Context, req provider.RenderRequest) (provider.RenderedVideo, error) {
	return provider.RenderedVideo{Key: req.OutputKey, ContentType: "video/mp4", Size: 64}, nil
}

type stack struct {
	jobs        *memJobs
	checkpoints *memCheckpoints
	queue       *memQueue
	ledger      *memLedger
	credits     *credits.Service
	coordinator *retry.Coordinator
	providers   *stubProviders
	runtime     *Runtime
}

func newStack(t *testing.T) *stack {
	t.Helper()
	s := &stack{
		jobs:        &memJobs{jobs: map[string]domain.Job{}},
		checkpoints: &memCheckpoints{checkpoints: map[string]domain.Checkpoint{}},
		queue:       &memQueue{},
		ledger:      &memLedger{},
		providers:   &stubProviders{},
	}
	s.credits = credits.New(s.ledger, nil)

	blobs := &memBlobs{objects: map[string][]byte{}}
	registry, err := pipeline.NewRegistry(
		pipeline.NewScriptingExecutor(s.providers, blobs),
		pipeline.NewVoiceExecutor(s.providers, blobs),
		pipeline.NewAlignmentExecutor(s.providers, blobs),
		pipeline.NewVisualPlanExecutor(blobs),
		pipeline.NewImageGenExecutor(s.providers, blobs),
		pipeline.NewTimelineExecutor(blobs),
		pipeline.NewRenderExecutor(s.providers, blobs),
		pipeline.NewPackagingExecutor(blobs),
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	policy := pricing.Default()
	policy.TransientAttempts = 1
	controller := pipeline.NewController(s.jobs, s.checkpoints, registry, policy, nil)
	s.coordinator = retry.NewCoordinator(s.jobs, s.checkpoints, s.queue, s.credits, policy, nil)

	runtime, err := NewRuntime(s.queue, controller, s.coordinator, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("runtime: %v", err)
	}
	s.runtime = runtime
	return s
}

func (s *stack) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for {
		jobID, err := s.queue.LeaseNext(ctx, time.Minute)
		if errors.Is(err, repo.ErrLeaseUnavailable) {
			return
		}
		if err != nil {
			t.Fatalf("lease: %v", err)
		}
		if _, err := s.runtime.Process(ctx, jobID); err != nil {
			t.Fatalf("process %s: %v", jobID, err)
		}
	}
}

func TestProcessCompletesJobAndSettles(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	if _, err := s.credits.Purchase(ctx, "user-1", 10, ""); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	job, err := s.coordinator.Submit(ctx, retry.SubmitRequest{
		UserID: "user-1", ProjectID: "project-1", RequestedMinutes: 3,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.drain(t)

	final, _ := s.jobs.GetJob(ctx, job.ID)
	if final.Status != domain.JobStatusReady {
		t.Fatalf("expected READY, got %s", final.Status)
	}
	balance, _ := s.credits.Balance(ctx, "user-1")
	if balance != 7 {
		t.Fatalf("expected 7 after charging 3, got %d", balance)
	}
}

func TestFailedJobThenCheckpointRetry(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	if _, err := s.credits.Purchase(ctx, "user-1", 10, ""); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	// The image backend is down, so the job dies at IMAGE_GEN with its
	// checkpoint at VISUAL_PLAN, below the eligibility threshold.
	s.providers.imageErr = provider.TransientErr(fmt.Errorf("image backend down"))

	job, err := s.coordinator.Submit(ctx, retry.SubmitRequest{
		UserID: "user-1", ProjectID: "project-1", RequestedMinutes: 3,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	s.drain(t)

	failed, _ := s.jobs.GetJob(ctx, job.ID)
	if failed.Status != domain.JobStatusFailed {
		t.Fatalf("expected FAILED, got %s", failed.Status)
	}
	if failed.FailedStep != domain.StepImageGen {
		t.Fatalf("expected failure at IMAGE_GEN, got %s", failed.FailedStep)
	}
	// Checkpoint at VISUAL_PLAN is below the eligibility threshold: credits
	// come back at finalize, and a checkpoint retry is refused.
	balance, _ := s.credits.Balance(ctx, "user-1")
	if balance != 10 {
		t.Fatalf("expected refund, got %d", balance)
	}
	_, err = s.coordinator.Retry(ctx, domain.RetryRequest{JobID: job.ID, Kind: domain.RetryKindCheckpoint})
	if !errors.Is(err, domain.ErrCheckpointNotEligible) {
		t.Fatalf("expected ErrCheckpointNotEligible, got %v", err)
	}

	// A full retry with a healthy image backend runs to completion.
	s.providers.imageErr = nil
	successor, err := s.coordinator.Retry(ctx, domain.RetryRequest{JobID: job.ID, Kind: domain.RetryKindFull})
	if err != nil {
		t.Fatalf("full retry: %v", err)
	}
	s.drain(t)

	final, _ := s.jobs.GetJob(ctx, successor.ID)
	if final.Status != domain.JobStatusReady {
		t.Fatalf("expected READY, got %s", final.Status)
	}
	balance, _ = s.credits.Balance(ctx, "user-1")
	if balance != 7 {
		t.Fatalf("expected 7 after charging the retry, got %d", balance)
	}
}

func TestHeldReservationFundsCheckpointRetry(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()
	if _, err := s.credits.Purchase(ctx, "user-1", 3, ""); err != nil {
		t.Fatalf("purchase: %v", err)
	}

	job, err := s.coordinator.Submit(ctx, retry.SubmitRequest{
		UserID: "user-1", ProjectID: "project-1", RequestedMinutes: 3,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Run the pipeline normally up to IMAGE_GEN, then break the renderer by
	// pre-installing a checkpoint past IMAGE_GEN and failing the job there.
	s.drain(t)
	done, _ := s.jobs.GetJob(ctx, job.ID)
	if done.Status != domain.JobStatusReady {
		t.Fatalf("setup run should complete, got %s", done.Status)
	}

	// Rewind into a failed-at-RENDERING shape.
	cp, _ := s.checkpoints.Get(ctx, job.ID)
	trimmed, err := cp.TrimmedTo(domain.StepRendering)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if err := s.checkpoints.Put(ctx, job.ID, trimmed); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.jobs.MarkFailed(ctx, job.ID, domain.StepRendering, "render crash"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	// The completed run already charged its 3 credits; give the user just
	// enough held budget by re-funding one credit for the retry.
	if _, err := s.credits.Purchase(ctx, "user-1", 1, ""); err != nil {
		t.Fatalf("refund: %v", err)
	}

	successor, err := s.coordinator.Retry(ctx, domain.RetryRequest{JobID: job.ID, Kind: domain.RetryKindCheckpoint})
	if err != nil {
		t.Fatalf("checkpoint retry: %v", err)
	}
	if successor.ReservedCredits != 1 {
		t.Fatalf("checkpoint retry costs the fixed 1, got %d", successor.ReservedCredits)
	}
	scriptCallsBefore := s.providers.scriptCalls
	s.drain(t)

	final, _ := s.jobs.GetJob(ctx, successor.ID)
	if final.Status != domain.JobStatusReady {
		t.Fatalf("expected READY, got %s", final.Status)
	}
	if s.providers.scriptCalls != scriptCallsBefore {
		t.Fatal("checkpoint retry must not re-run SCRIPTING")
	}
	balance, _ := s.credits.Balance(ctx, "user-1")
	if balance != 0 {
		t.Fatalf("expected 0 after settling retry, got %d", balance)
	}
}
