package domain

import "strings"

// Step names a pipeline stage. Steps execute strictly in canonical order.
type Step string

const (
	StepScripting     Step = "SCRIPTING"
	StepVoiceGen      Step = "VOICE_GEN"
	StepAlignment     Step = "ALIGNMENT"
	StepVisualPlan    Step = "VISUAL_PLAN"
	StepImageGen      Step = "IMAGE_GEN"
	StepTimelineBuild Step = "TIMELINE_BUILD"
	StepRendering     Step = "RENDERING"
	StepPackaging     Step = "PACKAGING"
)

// CanonicalSteps is the single source of truth for step ordering. The
// controller, the checkpoint store and the retry coordinator all index into
// this table; nothing else may hard-code step positions.
var CanonicalSteps = []Step{
	StepScripting,
	StepVoiceGen,
	StepAlignment,
	StepVisualPlan,
	StepImageGen,
	StepTimelineBuild,
	StepRendering,
	StepPackaging,
}

// checkpointEligibleFrom is the policy threshold: steps at or after this one
// may be resumed from a checkpoint or retried individually, because every
// artifact they need is already baked into the checkpoint contract.
const checkpointEligibleFrom = StepImageGen

// StepIndex returns the canonical position of step, or -1 if unknown.
func StepIndex(step Step) int {
	for i, s := range CanonicalSteps {
		if s == step {
			return i
		}
	}
	return -1
}

// ParseStep normalizes a free-form step name to its canonical form.
func ParseStep(value string) (Step, bool) {
	step := Step(strings.ToUpper(strings.TrimSpace(value)))
	if StepIndex(step) < 0 {
		return "", false
	}
	return step, true
}

// FirstStep returns the first canonical step.
func FirstStep() Step {
	return CanonicalSteps[0]
}

// NextStep returns the canonical successor of step. ok is false when step is
// the final step or unknown.
func NextStep(step Step) (Step, bool) {
	idx := StepIndex(step)
	if idx < 0 || idx >= len(CanonicalSteps)-1 {
		return "", false
	}
	return CanonicalSteps[idx+1], true
}

// PrecedingStep returns the canonical predecessor of step. ok is false when
// step is the first step or unknown.
func PrecedingStep(step Step) (Step, bool) {
	idx := StepIndex(step)
	if idx <= 0 {
		return "", false
	}
	return CanonicalSteps[idx-1], true
}

// IsCanonicalSuccessor reports whether next immediately follows prev. An
// empty prev means no step has completed yet, so next must be the first step.
func IsCanonicalSuccessor(prev, next Step) bool {
	if StepIndex(next) < 0 {
		return false
	}
	if prev == "" {
		return next == FirstStep()
	}
	successor, ok := NextStep(prev)
	return ok && successor == next
}

// IsCheckpointEligible reports whether step is at or after the retry policy
// threshold.
func IsCheckpointEligible(step Step) bool {
	idx := StepIndex(step)
	return idx >= 0 && idx >= StepIndex(checkpointEligibleFrom)
}

// CheckpointEligibleSteps returns the steps that may be individually retried,
// in canonical order.
func CheckpointEligibleSteps() []Step {
	from := StepIndex(checkpointEligibleFrom)
	out := make([]Step, len(CanonicalSteps)-from)
	copy(out, CanonicalSteps[from:])
	return out
}

// ProgressAfter derives the job progress percentage once lastCompleted has
// finished. An empty step means nothing has completed yet.
func ProgressAfter(lastCompleted Step) int {
	if lastCompleted == "" {
		return 0
	}
	idx := StepIndex(lastCompleted)
	if idx < 0 {
		return 0
	}
	return (idx + 1) * 100 / len(CanonicalSteps)
}

// StepsAfter returns the canonical steps strictly after lastCompleted. An
// empty lastCompleted yields all steps.
func StepsAfter(lastCompleted Step) []Step {
	if lastCompleted == "" {
		out := make([]Step, len(CanonicalSteps))
		copy(out, CanonicalSteps)
		return out
	}
	idx := StepIndex(lastCompleted)
	if idx < 0 {
		return nil
	}
	out := make([]Step, len(CanonicalSteps)-idx-1)
	copy(out, CanonicalSteps[idx+1:])
	return out
}
