package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ArtifactRef points at an object in the blob store produced by a step.
type ArtifactRef struct {
	Key         string `json:"key"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
}

func (a ArtifactRef) Validate() error {
	if strings.TrimSpace(a.Key) == "" {
		return errors.New("artifact key is required")
	}
	return nil
}

// ArtifactSet maps a completed step to the artifacts it produced.
type ArtifactSet map[Step][]ArtifactRef

func (s ArtifactSet) Clone() ArtifactSet {
	if s == nil {
		return ArtifactSet{}
	}
	out := make(ArtifactSet, len(s))
	for step, refs := range s {
		copied := make([]ArtifactRef, len(refs))
		copy(copied, refs)
		out[step] = copied
	}
	return out
}

// Merge returns a copy of s with other's artifacts folded in. Artifacts for a
// step already present are replaced, matching the blob store's upsert
// semantics under redelivery.
func (s ArtifactSet) Merge(other ArtifactSet) ArtifactSet {
	out := s.Clone()
	for step, refs := range other {
		copied := make([]ArtifactRef, len(refs))
		copy(copied, refs)
		out[step] = copied
	}
	return out
}

// Checkpoint is the durable marker of the last successfully completed step
// plus every artifact produced so far. It is written as a single record so a
// reader never observes a step without its artifacts.
type Checkpoint struct {
	LastCompletedStep Step        `json:"lastCompletedStep"`
	Artifacts         ArtifactSet `json:"artifacts"`
}

func (c Checkpoint) Validate() error {
	if StepIndex(c.LastCompletedStep) < 0 {
		return fmt.Errorf("unknown step %q", c.LastCompletedStep)
	}
	for step, refs := range c.Artifacts {
		if StepIndex(step) < 0 {
			return fmt.Errorf("artifacts reference unknown step %q", step)
		}
		if StepIndex(step) > StepIndex(c.LastCompletedStep) {
			return fmt.Errorf("artifacts for %s recorded past last completed step %s", step, c.LastCompletedStep)
		}
		for _, ref := range refs {
			if err := ref.Validate(); err != nil {
				return fmt.Errorf("artifact for %s: %w", step, err)
			}
		}
	}
	return nil
}

// NextStep returns the step to resume from. done is true when the checkpoint
// already covers the final step.
func (c Checkpoint) NextStep() (next Step, done bool) {
	next, ok := NextStep(c.LastCompletedStep)
	if !ok {
		return "", true
	}
	return next, false
}

// Advanced returns a copy of c moved forward by one step. The completed step
// must be the canonical successor of the stored one; anything else signals a
// duplicate or reordered delivery and returns ErrOutOfOrderCheckpoint.
func (c Checkpoint) Advanced(completed Step, artifacts []ArtifactRef) (Checkpoint, error) {
	if !IsCanonicalSuccessor(c.LastCompletedStep, completed) {
		return Checkpoint{}, fmt.Errorf("%w: have %q, got %q",
			ErrOutOfOrderCheckpoint, c.LastCompletedStep, completed)
	}
	next := Checkpoint{
		LastCompletedStep: completed,
		Artifacts:         c.Artifacts.Clone(),
	}
	if len(artifacts) > 0 {
		refs := make([]ArtifactRef, len(artifacts))
		copy(refs, artifacts)
		next.Artifacts[completed] = refs
	}
	return next, nil
}

// TrimmedTo narrows the checkpoint for a single-step retry of target: the
// last completed step becomes the target's predecessor and artifacts of later
// steps are dropped, so the controller resumes exactly at target.
func (c Checkpoint) TrimmedTo(target Step) (Checkpoint, error) {
	pred, ok := PrecedingStep(target)
	if !ok {
		return Checkpoint{}, fmt.Errorf("step %q has no predecessor", target)
	}
	if StepIndex(c.LastCompletedStep) < StepIndex(pred) {
		return Checkpoint{}, fmt.Errorf("checkpoint at %s does not cover prerequisites of %s",
			c.LastCompletedStep, target)
	}
	out := Checkpoint{LastCompletedStep: pred, Artifacts: ArtifactSet{}}
	for step, refs := range c.Artifacts {
		if StepIndex(step) <= StepIndex(pred) {
			copied := make([]ArtifactRef, len(refs))
			copy(copied, refs)
			out.Artifacts[step] = copied
		}
	}
	return out, nil
}
