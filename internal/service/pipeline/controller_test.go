package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
	"github.com/clipforge-labs/clipforge-go/internal/pricing"
	"github.com/clipforge-labs/clipforge-go/internal/provider"
	"github.com/clipforge-labs/clipforge-go/internal/repo"
	"github.com/clipforge-labs/clipforge-go/internal/storage/blobstore"
)

type fakeJobs struct {
	mu   sync.Mutex
	jobs map[string]domain.Job

	// cancelAfterUpdates flips the job to CANCELED once this many status
	// updates have happened, simulating a cancel arriving mid-run.
	cancelAfterUpdates int
	updates            int
}

func newFakeJobs(jobs ...domain.Job) *fakeJobs {
	f := &fakeJobs{jobs: map[string]domain.Job{}, cancelAfterUpdates: -1}
	for _, job := range jobs {
		f.jobs[job.ID] = job
	}
	return f
}

func (f *fakeJobs) CreateJob(_ context.Context, job domain.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeJobs) GetJob(_ context.Context, id string) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return domain.Job{}, repo.ErrNotFound
	}
	return job, nil
}

func (f *fakeJobs) ListJobs(_ context.Context, _ repo.JobFilter) ([]domain.Job, error) {
	return nil, nil
}

func (f *fakeJobs) UpdateStatus(_ context.Context, id string, status domain.JobStatus, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	job.Status = status
	job.Progress = progress
	f.updates++
	if f.cancelAfterUpdates >= 0 && f.updates > f.cancelAfterUpdates {
		job.Status = domain.JobStatusCanceled
	}
	f.jobs[id] = job
	return nil
}

func (f *fakeJobs) MarkFailed(_ context.Context, id string, failedStep domain.Step, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	job.Status = domain.JobStatusFailed
	job.FailedStep = failedStep
	job.FailureReason = reason
	f.jobs[id] = job
	return nil
}

func (f *fakeJobs) HasSuccessor(_ context.Context, _ string) (bool, error) { return false, nil }

type fakeCheckpoints struct {
	mu          sync.Mutex
	checkpoints map[string]domain.Checkpoint
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{checkpoints: map[string]domain.Checkpoint{}}
}

func (f *fakeCheckpoints) Get(_ context.Context, jobID string) (domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp, ok := f.checkpoints[jobID]
	if !ok {
		return domain.Checkpoint{}, repo.ErrNotFound
	}
	return cp, nil
}

func (f *fakeCheckpoints) Advance(_ context.Context, jobID string, completed domain.Step, artifacts []domain.ArtifactRef) (domain.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok := f.checkpoints[jobID]
	if !ok {
		current = domain.Checkpoint{Artifacts: domain.ArtifactSet{}}
	}
	next, err := current.Advanced(completed, artifacts)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	f.checkpoints[jobID] = next
	return next, nil
}

func (f *fakeCheckpoints) Put(_ context.Context, jobID string, checkpoint domain.Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkpoints[jobID] = checkpoint
	return nil
}

type memObject struct {
	body        []byte
	contentType string
}

type memStore struct {
	mu      sync.Mutex
	objects map[string]memObject
}

func newMemStore() *memStore { return &memStore{objects: map[string]memObject{}} }

func (s *memStore) Upload(_ context.Context, key string, body io.Reader, _ int64, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = memObject{body: data, contentType: contentType}
	return nil
}

func (s *memStore) Download(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s not found", key)
	}
	return bytes.Clone(obj.body), nil
}

func (s *memStore) SignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://blob.test/" + key, nil
}

func (s *memStore) Stat(_ context.Context, key string) (blobstore.ObjectInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[key]
	if !ok {
		return blobstore.ObjectInfo{}, fmt.Errorf("object %s not found", key)
	}
	return blobstore.ObjectInfo{Key: key, Size: int64(len(obj.body)), ContentType: obj.contentType}, nil
}

type fakeScripts struct {
	calls int
	fail  error
}

func (f *fakeScripts) GenerateScript(_ context.Context, _ provider.ScriptRequest) (provider.Script, error) {
	f.calls++
	if f.fail != nil {
		err := f.fail
		f.fail = nil
		return provider.Script{}, err
	}
	return provider.Script{
		Title: "On Tides",
		Scenes: []provider.Scene{
			{Index: 0, Narration: "hello world", ImagePrompt: "a sunrise over water"},
			{Index: 1, Narration: "good bye now", ImagePrompt: "a harbor at dusk"},
		},
	}, nil
}

type fakeVoices struct{ calls int }

func (f *fakeVoices) Synthesize(_ context.Context, text string) (provider.Audio, error) {
	f.calls++
	return provider.Audio{Bytes: []byte(text), ContentType: "audio/mpeg", DurationSeconds: 2}, nil
}

type fakeTranscriber struct{ calls int }

func (f *fakeTranscriber) Align(_ context.Context, _ []byte, _ string) (provider.Alignment, error) {
	f.calls++
	return provider.Alignment{Words: []provider.WordTiming{
		{Word: "hello", StartMs: 0, EndMs: 500},
		{Word: "world", StartMs: 500, EndMs: 1000},
		{Word: "good", StartMs: 1000, EndMs: 1400},
		{Word: "bye", StartMs: 1400, EndMs: 1800},
	}}, nil
}

type fakeImages struct {
	calls int
	fail  error
}

func (f *fakeImages) GenerateImage(_ context.Context, _ string) (provider.Image, error) {
	f.calls++
	if f.fail != nil {
		return provider.Image{}, f.fail
	}
	return provider.Image{Bytes: []byte{0x89, 0x50}, ContentType: "image/png"}, nil
}

type fakeRenderer struct{ calls int }

func (f *fakeRenderer) Render(_ context.Context, req provider.RenderRequest) (provider.RenderedVideo, error) {
	f.calls++
	return provider.RenderedVideo{Key: req.OutputKey, ContentType: "video/mp4", Size: 1024}, nil
}

type testRig struct {
	jobs        *fakeJobs
	checkpoints *fakeCheckpoints
	store       *memStore
	scripts     *fakeScripts
	voices      *fakeVoices
	transcriber *fakeTranscriber
	images      *fakeImages
	renderer    *fakeRenderer
	controller  *Controller
}

func newTestRig(t *testing.T, job domain.Job) *testRig {
	t.Helper()
	rig := &testRig{
		jobs:        newFakeJobs(job),
		checkpoints: newFakeCheckpoints(),
		store:       newMemStore(),
		scripts:     &fakeScripts{},
		voices:      &fakeVoices{},
		transcriber: &fakeTranscriber{},
		images:      &fakeImages{},
		renderer:    &fakeRenderer{},
	}
	registry, err := NewRegistry(
		NewScriptingExecutor(rig.scripts, rig.store),
		NewVoiceExecutor(rig.voices, rig.store),
		NewAlignmentExecutor(rig.transcriber, rig.store),
		NewVisualPlanExecutor(rig.store),
		NewImageGenExecutor(rig.images, rig.store),
		NewTimelineExecutor(rig.store),
		NewRenderExecutor(rig.renderer, rig.store),
		NewPackagingExecutor(rig.store),
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	policy := pricing.Default()
	policy.TransientBackoff = time.Millisecond
	rig.controller = NewController(rig.jobs, rig.checkpoints, registry, policy, nil)
	if rig.controller == nil {
		t.Fatal("expected controller")
	}
	return rig
}

func queuedJob() domain.Job {
	return domain.Job{
		ID:               "job-1",
		UserID:           "user-1",
		ProjectID:        "project-1",
		Status:           domain.JobStatusQueued,
		RequestedMinutes: 2,
	}
}

func TestRunCompletesAllSteps(t *testing.T) {
	rig := newTestRig(t, queuedJob())

	outcome, job, err := rig.controller.Run(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", outcome)
	}
	if job.Status != domain.JobStatusReady || job.Progress != 100 {
		t.Fatalf("expected READY at 100%%, got %s at %d", job.Status, job.Progress)
	}

	cp, err := rig.checkpoints.Get(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if cp.LastCompletedStep != domain.StepPackaging {
		t.Fatalf("expected checkpoint at PACKAGING, got %s", cp.LastCompletedStep)
	}
	for _, step := range domain.CanonicalSteps {
		if len(cp.Artifacts[step]) == 0 {
			t.Fatalf("no artifacts recorded for %s", step)
		}
	}
	if len(cp.Artifacts[domain.StepImageGen]) != 2 {
		t.Fatalf("expected 2 images, got %d", len(cp.Artifacts[domain.StepImageGen]))
	}
	if rig.renderer.calls != 1 {
		t.Fatalf("renderer called %d times", rig.renderer.calls)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	rig := newTestRig(t, queuedJob())
	ctx := context.Background()

	// Run once to PACKAGING, then rewind the checkpoint to IMAGE_GEN and run
	// again: the early providers must not be called a second time.
	if _, _, err := rig.controller.Run(ctx, "job-1"); err != nil {
		t.Fatalf("first run: %v", err)
	}
	full, _ := rig.checkpoints.Get(ctx, "job-1")
	rewound, err := full.TrimmedTo(domain.StepTimelineBuild)
	if err != nil {
		t.Fatalf("trim: %v", err)
	}
	if err := rig.checkpoints.Put(ctx, "job-1", rewound); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := rig.jobs.UpdateStatus(ctx, "job-1", domain.JobStatusQueued, domain.ProgressAfter(rewound.LastCompletedStep)); err != nil {
		t.Fatalf("requeue: %v", err)
	}

	scriptCalls, imageCalls := rig.scripts.calls, rig.images.calls
	outcome, _, err := rig.controller.Run(ctx, "job-1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", outcome)
	}
	if rig.scripts.calls != scriptCalls {
		t.Fatalf("script provider re-invoked on resume")
	}
	if rig.images.calls != imageCalls {
		t.Fatalf("image provider re-invoked on resume")
	}
}

func TestRunStopsAtFailedStep(t *testing.T) {
	rig := newTestRig(t, queuedJob())
	rig.images.fail = fmt.Errorf("model quota exhausted")

	outcome, job, err := rig.controller.Run(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeFailed {
		t.Fatalf("expected failed, got %s", outcome)
	}
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected FAILED, got %s", job.Status)
	}
	if job.FailedStep != domain.StepImageGen {
		t.Fatalf("expected failed step IMAGE_GEN, got %s", job.FailedStep)
	}
	if rig.renderer.calls != 0 {
		t.Fatal("renderer must not run after a failed step")
	}
	cp, _ := rig.checkpoints.Get(context.Background(), "job-1")
	if cp.LastCompletedStep != domain.StepVisualPlan {
		t.Fatalf("checkpoint should hold last success VISUAL_PLAN, got %s", cp.LastCompletedStep)
	}
}

func TestRunStopsWhenCanceled(t *testing.T) {
	rig := newTestRig(t, queuedJob())
	rig.jobs.cancelAfterUpdates = 3

	outcome, job, err := rig.controller.Run(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeCanceled {
		t.Fatalf("expected canceled, got %s", outcome)
	}
	if job.Status != domain.JobStatusCanceled {
		t.Fatalf("expected CANCELED, got %s", job.Status)
	}
	if rig.renderer.calls != 0 {
		t.Fatal("renderer must not run after cancel")
	}
}

func TestRunIsNoopOnTerminalJob(t *testing.T) {
	job := queuedJob()
	job.Status = domain.JobStatusReady
	job.Progress = 100
	rig := newTestRig(t, job)

	outcome, _, err := rig.controller.Run(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", outcome)
	}
	if rig.scripts.calls != 0 {
		t.Fatal("terminal job must not execute steps")
	}
}

func TestTransientFailureRetriesInStep(t *testing.T) {
	rig := newTestRig(t, queuedJob())
	rig.scripts.fail = provider.TransientErr(fmt.Errorf("upstream 503"))

	outcome, _, err := rig.controller.Run(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeCompleted {
		t.Fatalf("expected completed after transient retry, got %s", outcome)
	}
	if rig.scripts.calls != 2 {
		t.Fatalf("expected 2 script calls, got %d", rig.scripts.calls)
	}
}

func TestRegistryRequiresEveryStep(t *testing.T) {
	store := newMemStore()
	_, err := NewRegistry(NewScriptingExecutor(&fakeScripts{}, store))
	if err == nil {
		t.Fatal("expected error for incomplete registry")
	}
}
