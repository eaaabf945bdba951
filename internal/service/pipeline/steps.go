package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
	"github.com/clipforge-labs/clipforge-go/internal/provider"
	"github.com/clipforge-labs/clipforge-go/internal/storage/blobstore"
)

// Object keys are deterministic per job and step so a re-run of a step
// overwrites its own output.
func scriptKey(jobID string) string     { return "jobs/" + jobID + "/script.json" }
func narrationKey(jobID string) string  { return "jobs/" + jobID + "/narration.mp3" }
func alignmentKey(jobID string) string  { return "jobs/" + jobID + "/alignment.json" }
func visualPlanKey(jobID string) string { return "jobs/" + jobID + "/visual_plan.json" }
func timelineKey(jobID string) string   { return "jobs/" + jobID + "/timeline.json" }
func renderKey(jobID string) string     { return "jobs/" + jobID + "/render.mp4" }
func manifestKey(jobID string) string   { return "jobs/" + jobID + "/manifest.json" }

func imageKey(jobID string, sceneIndex int) string {
	return fmt.Sprintf("jobs/%s/images/scene_%03d.png", jobID, sceneIndex)
}

// visualScene is one scene of the visual plan with its window on the
// narration timeline.
type visualScene struct {
	Index   int    `json:"index"`
	Prompt  string `json:"prompt"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
}

type visualPlan struct {
	JobID  string        `json:"jobId"`
	Scenes []visualScene `json:"scenes"`
}

type timelineClip struct {
	SceneIndex int    `json:"sceneIndex"`
	ImageKey   string `json:"imageKey"`
	StartMs    int64  `json:"startMs"`
	EndMs      int64  `json:"endMs"`
}

type timeline struct {
	Schema       string         `json:"schema"`
	JobID        string         `json:"jobId"`
	NarrationKey string         `json:"narrationKey"`
	DurationMs   int64          `json:"durationMs"`
	Clips        []timelineClip `json:"clips"`
}

const timelineSchemaV1 = "clipforge.timeline.v1"

type manifest struct {
	Schema      string    `json:"schema"`
	JobID       string    `json:"jobId"`
	VideoKey    string    `json:"videoKey"`
	VideoSize   int64     `json:"videoSize"`
	ContentType string    `json:"contentType"`
	DurationMs  int64     `json:"durationMs"`
	TimelineKey string    `json:"timelineKey"`
	CreatedAt   time.Time `json:"createdAt"`
}

const manifestSchemaV1 = "clipforge.manifest.v1"

func firstArtifact(artifacts domain.ArtifactSet, step domain.Step) (domain.ArtifactRef, error) {
	refs := artifacts[step]
	if len(refs) == 0 {
		return domain.ArtifactRef{}, fmt.Errorf("no artifact recorded for step %s", step)
	}
	return refs[0], nil
}

func uploadJSON(ctx context.Context, store blobstore.Store, key string, v any) (domain.ArtifactRef, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("encode %s: %w", key, err)
	}
	if err := store.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return domain.ArtifactRef{}, fmt.Errorf("upload %s: %w", key, err)
	}
	return domain.ArtifactRef{Key: key, ContentType: "application/json", Size: int64(len(body))}, nil
}

func downloadJSON(ctx context.Context, store blobstore.Store, key string, v any) error {
	body, err := store.Download(ctx, key)
	if err != nil {
		return fmt.Errorf("download %s: %w", key, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// ScriptingExecutor asks the script provider for a narration script sized to
// the requested minutes and stores it.
type ScriptingExecutor struct {
	scripts provider.ScriptGenerator
	store   blobstore.Store
}

func NewScriptingExecutor(scripts provider.ScriptGenerator, store blobstore.Store) *ScriptingExecutor {
	return &ScriptingExecutor{scripts: scripts, store: store}
}

func (e *ScriptingExecutor) Step() domain.Step { return domain.StepScripting }

func (e *ScriptingExecutor) Execute(ctx context.Context, job domain.Job, _ domain.ArtifactSet) ([]domain.ArtifactRef, error) {
	script, err := e.scripts.GenerateScript(ctx, provider.ScriptRequest{
		JobID:     job.ID,
		ProjectID: job.ProjectID,
		Minutes:   job.RequestedMinutes,
	})
	if err != nil {
		return nil, fmt.Errorf("generate script: %w", err)
	}
	if len(script.Scenes) == 0 {
		return nil, fmt.Errorf("script provider returned no scenes")
	}
	ref, err := uploadJSON(ctx, e.store, scriptKey(job.ID), script)
	if err != nil {
		return nil, err
	}
	return []domain.ArtifactRef{ref}, nil
}

// VoiceExecutor synthesizes the full narration from the stored script.
type VoiceExecutor struct {
	voices provider.VoiceSynthesizer
	store  blobstore.Store
}

func NewVoiceExecutor(voices provider.VoiceSynthesizer, store blobstore.Store) *VoiceExecutor {
	return &VoiceExecutor{voices: voices, store: store}
}

func (e *VoiceExecutor) Step() domain.Step { return domain.StepVoiceGen }

func (e *VoiceExecutor) Execute(ctx context.Context, job domain.Job, artifacts domain.ArtifactSet) ([]domain.ArtifactRef, error) {
	scriptRef, err := firstArtifact(artifacts, domain.StepScripting)
	if err != nil {
		return nil, err
	}
	var script provider.Script
	if err := downloadJSON(ctx, e.store, scriptRef.Key, &script); err != nil {
		return nil, err
	}

	lines := make([]string, 0, len(script.Scenes))
	for _, scene := range script.Scenes {
		lines = append(lines, scene.Narration)
	}
	audio, err := e.voices.Synthesize(ctx, strings.Join(lines, "\n"))
	if err != nil {
		return nil, fmt.Errorf("synthesize narration: %w", err)
	}
	contentType := audio.ContentType
	if contentType == "" {
		contentType = "audio/mpeg"
	}
	key := narrationKey(job.ID)
	if err := e.store.Upload(ctx, key, bytes.NewReader(audio.Bytes), int64(len(audio.Bytes)), contentType); err != nil {
		return nil, fmt.Errorf("upload %s: %w", key, err)
	}
	return []domain.ArtifactRef{{Key: key, ContentType: contentType, Size: int64(len(audio.Bytes))}}, nil
}

// AlignmentExecutor transcribes the narration into word-level timings.
type AlignmentExecutor struct {
	transcriber provider.Transcriber
	store       blobstore.Store
}

func NewAlignmentExecutor(transcriber provider.Transcriber, store blobstore.Store) *AlignmentExecutor {
	return &AlignmentExecutor{transcriber: transcriber, store: store}
}

func (e *AlignmentExecutor) Step() domain.Step { return domain.StepAlignment }

func (e *AlignmentExecutor) Execute(ctx context.Context, job domain.Job, artifacts domain.ArtifactSet) ([]domain.ArtifactRef, error) {
	audioRef, err := firstArtifact(artifacts, domain.StepVoiceGen)
	if err != nil {
		return nil, err
	}
	audio, err := e.store.Download(ctx, audioRef.Key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", audioRef.Key, err)
	}
	alignment, err := e.transcriber.Align(ctx, audio, audioRef.ContentType)
	if err != nil {
		return nil, fmt.Errorf("align narration: %w", err)
	}
	if len(alignment.Words) == 0 {
		return nil, fmt.Errorf("transcriber returned no word timings")
	}
	ref, err := uploadJSON(ctx, e.store, alignmentKey(job.ID), alignment)
	if err != nil {
		return nil, err
	}
	return []domain.ArtifactRef{ref}, nil
}

// VisualPlanExecutor windows each scene onto the narration timeline by
// walking the aligned words in scene order. No provider is involved.
type VisualPlanExecutor struct {
	store blobstore.Store
}

func NewVisualPlanExecutor(store blobstore.Store) *VisualPlanExecutor {
	return &VisualPlanExecutor{store: store}
}

func (e *VisualPlanExecutor) Step() domain.Step { return domain.StepVisualPlan }

func (e *VisualPlanExecutor) Execute(ctx context.Context, job domain.Job, artifacts domain.ArtifactSet) ([]domain.ArtifactRef, error) {
	scriptRef, err := firstArtifact(artifacts, domain.StepScripting)
	if err != nil {
		return nil, err
	}
	alignmentRef, err := firstArtifact(artifacts, domain.StepAlignment)
	if err != nil {
		return nil, err
	}
	var script provider.Script
	if err := downloadJSON(ctx, e.store, scriptRef.Key, &script); err != nil {
		return nil, err
	}
	var alignment provider.Alignment
	if err := downloadJSON(ctx, e.store, alignmentRef.Key, &alignment); err != nil {
		return nil, err
	}

	plan := visualPlan{JobID: job.ID, Scenes: planScenes(script, alignment)}
	ref, err := uploadJSON(ctx, e.store, visualPlanKey(job.ID), plan)
	if err != nil {
		return nil, err
	}
	return []domain.ArtifactRef{ref}, nil
}

// planScenes consumes the aligned words in order, giving each scene as many
// words as its narration contains. The final scene absorbs any remainder so
// the plan always covers the whole narration.
func planScenes(script provider.Script, alignment provider.Alignment) []visualScene {
	scenes := make([]visualScene, 0, len(script.Scenes))
	words := alignment.Words
	cursor := 0
	for i, scene := range script.Scenes {
		count := len(strings.Fields(scene.Narration))
		if count < 1 {
			count = 1
		}
		end := cursor + count
		if end > len(words) || i == len(script.Scenes)-1 {
			end = len(words)
		}
		window := visualScene{Index: scene.Index, Prompt: scene.ImagePrompt}
		if cursor < end {
			window.StartMs = words[cursor].StartMs
			window.EndMs = words[end-1].EndMs
		} else if len(scenes) > 0 {
			// Words exhausted: pin the scene to the end of the previous one.
			window.StartMs = scenes[len(scenes)-1].EndMs
			window.EndMs = window.StartMs
		}
		scenes = append(scenes, window)
		cursor = end
	}
	return scenes
}

// ImageGenExecutor generates one image per planned scene.
type ImageGenExecutor struct {
	images provider.ImageGenerator
	store  blobstore.Store
}

func NewImageGenExecutor(images provider.ImageGenerator, store blobstore.Store) *ImageGenExecutor {
	return &ImageGenExecutor{images: images, store: store}
}

func (e *ImageGenExecutor) Step() domain.Step { return domain.StepImageGen }

func (e *ImageGenExecutor) Execute(ctx context.Context, job domain.Job, artifacts domain.ArtifactSet) ([]domain.ArtifactRef, error) {
	planRef, err := firstArtifact(artifacts, domain.StepVisualPlan)
	if err != nil {
		return nil, err
	}
	var plan visualPlan
	if err := downloadJSON(ctx, e.store, planRef.Key, &plan); err != nil {
		return nil, err
	}
	if len(plan.Scenes) == 0 {
		return nil, fmt.Errorf("visual plan has no scenes")
	}

	refs := make([]domain.ArtifactRef, 0, len(plan.Scenes))
	for _, scene := range plan.Scenes {
		image, err := e.images.GenerateImage(ctx, scene.Prompt)
		if err != nil {
			return nil, fmt.Errorf("generate image for scene %d: %w", scene.Index, err)
		}
		contentType := image.ContentType
		if contentType == "" {
			contentType = "image/png"
		}
		key := imageKey(job.ID, scene.Index)
		if err := e.store.Upload(ctx, key, bytes.NewReader(image.Bytes), int64(len(image.Bytes)), contentType); err != nil {
			return nil, fmt.Errorf("upload %s: %w", key, err)
		}
		refs = append(refs, domain.ArtifactRef{Key: key, ContentType: contentType, Size: int64(len(image.Bytes))})
	}
	return refs, nil
}

// TimelineExecutor composes the render timeline from the visual plan, the
// generated images and the narration. Pure assembly, no provider.
type TimelineExecutor struct {
	store blobstore.Store
}

func NewTimelineExecutor(store blobstore.Store) *TimelineExecutor {
	return &TimelineExecutor{store: store}
}

func (e *TimelineExecutor) Step() domain.Step { return domain.StepTimelineBuild }

func (e *TimelineExecutor) Execute(ctx context.Context, job domain.Job, artifacts domain.ArtifactSet) ([]domain.ArtifactRef, error) {
	planRef, err := firstArtifact(artifacts, domain.StepVisualPlan)
	if err != nil {
		return nil, err
	}
	narrationRef, err := firstArtifact(artifacts, domain.StepVoiceGen)
	if err != nil {
		return nil, err
	}
	images := artifacts[domain.StepImageGen]
	if len(images) == 0 {
		return nil, fmt.Errorf("no images recorded for step %s", domain.StepImageGen)
	}
	var plan visualPlan
	if err := downloadJSON(ctx, e.store, planRef.Key, &plan); err != nil {
		return nil, err
	}
	if len(images) != len(plan.Scenes) {
		return nil, fmt.Errorf("have %d images for %d planned scenes", len(images), len(plan.Scenes))
	}

	tl := timeline{
		Schema:       timelineSchemaV1,
		JobID:        job.ID,
		NarrationKey: narrationRef.Key,
		Clips:        make([]timelineClip, 0, len(plan.Scenes)),
	}
	for i, scene := range plan.Scenes {
		tl.Clips = append(tl.Clips, timelineClip{
			SceneIndex: scene.Index,
			ImageKey:   images[i].Key,
			StartMs:    scene.StartMs,
			EndMs:      scene.EndMs,
		})
		if scene.EndMs > tl.DurationMs {
			tl.DurationMs = scene.EndMs
		}
	}
	ref, err := uploadJSON(ctx, e.store, timelineKey(job.ID), tl)
	if err != nil {
		return nil, err
	}
	return []domain.ArtifactRef{ref}, nil
}

// RenderExecutor hands the timeline to the rendering engine and records the
// finished video object.
type RenderExecutor struct {
	renderer provider.Renderer
	store    blobstore.Store
}

func NewRenderExecutor(renderer provider.Renderer, store blobstore.Store) *RenderExecutor {
	return &RenderExecutor{renderer: renderer, store: store}
}

func (e *RenderExecutor) Step() domain.Step { return domain.StepRendering }

func (e *RenderExecutor) Execute(ctx context.Context, job domain.Job, artifacts domain.ArtifactSet) ([]domain.ArtifactRef, error) {
	timelineRef, err := firstArtifact(artifacts, domain.StepTimelineBuild)
	if err != nil {
		return nil, err
	}
	video, err := e.renderer.Render(ctx, provider.RenderRequest{
		JobID:       job.ID,
		TimelineKey: timelineRef.Key,
		OutputKey:   renderKey(job.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	contentType := video.ContentType
	if contentType == "" {
		contentType = "video/mp4"
	}
	return []domain.ArtifactRef{{Key: video.Key, ContentType: contentType, Size: video.Size}}, nil
}

// PackagingExecutor writes the delivery manifest pointing at the final video.
type PackagingExecutor struct {
	store blobstore.Store
}

func NewPackagingExecutor(store blobstore.Store) *PackagingExecutor {
	return &PackagingExecutor{store: store}
}

func (e *PackagingExecutor) Step() domain.Step { return domain.StepPackaging }

func (e *PackagingExecutor) Execute(ctx context.Context, job domain.Job, artifacts domain.ArtifactSet) ([]domain.ArtifactRef, error) {
	videoRef, err := firstArtifact(artifacts, domain.StepRendering)
	if err != nil {
		return nil, err
	}
	timelineRef, err := firstArtifact(artifacts, domain.StepTimelineBuild)
	if err != nil {
		return nil, err
	}
	var tl timeline
	if err := downloadJSON(ctx, e.store, timelineRef.Key, &tl); err != nil {
		return nil, err
	}

	ref, err := uploadJSON(ctx, e.store, manifestKey(job.ID), manifest{
		Schema:      manifestSchemaV1,
		JobID:       job.ID,
		VideoKey:    videoRef.Key,
		VideoSize:   videoRef.Size,
		ContentType: videoRef.ContentType,
		DurationMs:  tl.DurationMs,
		TimelineKey: timelineRef.Key,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return []domain.ArtifactRef{ref}, nil
}
