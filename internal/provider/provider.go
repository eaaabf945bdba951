// Package provider defines the boundaries to external generation services.
// Each provider is a black box returning either a result or a categorized
// failure; implementations live outside this module.
package provider

import "context"

// ScriptRequest asks the script provider for a narration script sized to the
// requested output length.
type ScriptRequest struct {
	JobID     string
	ProjectID string
	Minutes   int
}

// Scene is one narrated beat of the script with its visual prompt.
type Scene struct {
	Index       int    `json:"index"`
	Narration   string `json:"narration"`
	ImagePrompt string `json:"imagePrompt"`
}

type Script struct {
	Title  string  `json:"title"`
	Scenes []Scene `json:"scenes"`
}

// Audio is synthesized narration, returned as raw bytes for the pipeline to
// upload.
type Audio struct {
	Bytes           []byte
	ContentType     string
	DurationSeconds float64
}

// WordTiming is one aligned word from the transcription provider.
type WordTiming struct {
	Word    string `json:"word"`
	StartMs int64  `json:"startMs"`
	EndMs   int64  `json:"endMs"`
}

type Alignment struct {
	Words []WordTiming `json:"words"`
}

type Image struct {
	Bytes       []byte
	ContentType string
}

// RenderRequest points the rendering engine at a timeline in the blob store
// and names the object it must write the finished video to.
type RenderRequest struct {
	JobID       string
	TimelineKey string
	OutputKey   string
}

type RenderedVideo struct {
	Key         string
	ContentType string
	Size        int64
}

type ScriptGenerator interface {
	GenerateScript(ctx context.Context, req ScriptRequest) (Script, error)
}

type VoiceSynthesizer interface {
	Synthesize(ctx context.Context, text string) (Audio, error)
}

type Transcriber interface {
	Align(ctx context.Context, audio []byte, contentType string) (Alignment, error)
}

type ImageGenerator interface {
	GenerateImage(ctx context.Context, prompt string) (Image, error)
}

type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (RenderedVideo, error)
}
