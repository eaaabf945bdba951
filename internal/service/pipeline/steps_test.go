package pipeline

import (
	"testing"

	"github.com/clipforge-labs/clipforge-go/internal/provider"
)

func TestPlanScenesWindowsNarration(t *testing.T) {
	script := provider.Script{Scenes: []provider.Scene{
		{Index: 0, Narration: "hello world", ImagePrompt: "sunrise"},
		{Index: 1, Narration: "good bye now", ImagePrompt: "dusk"},
	}}
	alignment := provider.Alignment{Words: []provider.WordTiming{
		{Word: "hello", StartMs: 0, EndMs: 500},
		{Word: "world", StartMs: 500, EndMs: 1200},
		{Word: "good", StartMs: 1200, EndMs: 1600},
		{Word: "bye", StartMs: 1600, EndMs: 2000},
		{Word: "now", StartMs: 2000, EndMs: 2400},
	}}

	scenes := planScenes(script, alignment)
	if len(scenes) != 2 {
		t.Fatalf("expected 2 scenes, got %d", len(scenes))
	}
	if scenes[0].StartMs != 0 || scenes[0].EndMs != 1200 {
		t.Fatalf("scene 0 window [%d,%d]", scenes[0].StartMs, scenes[0].EndMs)
	}
	if scenes[1].StartMs != 1200 || scenes[1].EndMs != 2400 {
		t.Fatalf("scene 1 window [%d,%d]", scenes[1].StartMs, scenes[1].EndMs)
	}
	if scenes[0].Prompt != "sunrise" || scenes[1].Prompt != "dusk" {
		t.Fatal("prompts not carried over")
	}
}

func TestPlanScenesToleratesShortAlignment(t *testing.T) {
	script := provider.Script{Scenes: []provider.Scene{
		{Index: 0, Narration: "hello world"},
		{Index: 1, Narration: "good bye"},
	}}
	alignment := provider.Alignment{Words: []provider.WordTiming{
		{Word: "hello", StartMs: 0, EndMs: 700},
	}}

	scenes := planScenes(script, alignment)
	if len(scenes) != 2 {
		t.Fatalf("expected 2 scenes, got %d", len(scenes))
	}
	if scenes[1].StartMs != scenes[0].EndMs {
		t.Fatalf("scene 1 should pin to end of scene 0, got %d", scenes[1].StartMs)
	}
}
