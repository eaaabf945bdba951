package pricing

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/clipforge-labs/clipforge-go/internal/domain"
)

const PolicySchemaV1 = "clipforge.pricing.v1"

// Policy is the credit cost and execution budget table shared by the retry
// coordinator and the pipeline controller. It is loaded from YAML so pricing
// changes never touch code.
type Policy struct {
	Schema string `yaml:"schema"`

	// CreditsPerMinute prices a full pipeline run per requested output minute.
	CreditsPerMinute int64 `yaml:"credits_per_minute"`
	// CheckpointRetryCost is the fixed reduced price of resuming from an
	// eligible checkpoint; the expensive early steps are reused, not re-run.
	CheckpointRetryCost int64 `yaml:"checkpoint_retry_cost"`
	// StepRetryCost prices a single-step retry.
	StepRetryCost int64 `yaml:"step_retry_cost"`

	// StepTimeout bounds each provider call; a step exceeding it fails
	// rather than hanging the worker.
	StepTimeout time.Duration `yaml:"step_timeout"`
	// StepTimeouts overrides StepTimeout for individual steps.
	StepTimeouts map[string]time.Duration `yaml:"step_timeouts,omitempty"`

	// TransientAttempts bounds in-step retries of transient provider errors.
	TransientAttempts int           `yaml:"transient_attempts"`
	TransientBackoff  time.Duration `yaml:"transient_backoff"`
}

func Default() Policy {
	return Policy{
		Schema:              PolicySchemaV1,
		CreditsPerMinute:    1,
		CheckpointRetryCost: 1,
		StepRetryCost:       1,
		StepTimeout:         90 * time.Second,
		StepTimeouts: map[string]time.Duration{
			string(domain.StepRendering): 10 * time.Minute,
		},
		TransientAttempts: 3,
		TransientBackoff:  2 * time.Second,
	}
}

// UnmarshalYAML accepts human-readable durations ("90s", "15m") for the
// timeout and backoff fields.
func (p *Policy) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Schema              string            `yaml:"schema"`
		CreditsPerMinute    int64             `yaml:"credits_per_minute"`
		CheckpointRetryCost int64             `yaml:"checkpoint_retry_cost"`
		StepRetryCost       int64             `yaml:"step_retry_cost"`
		StepTimeout         string            `yaml:"step_timeout"`
		StepTimeouts        map[string]string `yaml:"step_timeouts"`
		TransientAttempts   int               `yaml:"transient_attempts"`
		TransientBackoff    string            `yaml:"transient_backoff"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	parse := func(field, input string) (time.Duration, error) {
		if strings.TrimSpace(input) == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(input)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", field, err)
		}
		return d, nil
	}

	stepTimeout, err := parse("step_timeout", raw.StepTimeout)
	if err != nil {
		return err
	}
	backoff, err := parse("transient_backoff", raw.TransientBackoff)
	if err != nil {
		return err
	}
	var overrides map[string]time.Duration
	if len(raw.StepTimeouts) > 0 {
		overrides = make(map[string]time.Duration, len(raw.StepTimeouts))
		for name, input := range raw.StepTimeouts {
			d, err := parse("step_timeouts."+name, input)
			if err != nil {
				return err
			}
			overrides[name] = d
		}
	}

	*p = Policy{
		Schema:              raw.Schema,
		CreditsPerMinute:    raw.CreditsPerMinute,
		CheckpointRetryCost: raw.CheckpointRetryCost,
		StepRetryCost:       raw.StepRetryCost,
		StepTimeout:         stepTimeout,
		StepTimeouts:        overrides,
		TransientAttempts:   raw.TransientAttempts,
		TransientBackoff:    backoff,
	}
	return nil
}

func Parse(input []byte) (Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(input, &policy); err != nil {
		return Policy{}, fmt.Errorf("decode pricing policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Load reads a policy file; an empty path yields the default policy.
func Load(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	input, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read pricing policy: %w", err)
	}
	return Parse(input)
}

func (p Policy) Validate() error {
	if strings.TrimSpace(p.Schema) != PolicySchemaV1 {
		return fmt.Errorf("unsupported schema %q", p.Schema)
	}
	if p.CreditsPerMinute < 1 {
		return errors.New("credits_per_minute must be >= 1")
	}
	if p.CheckpointRetryCost < 1 {
		return errors.New("checkpoint_retry_cost must be >= 1")
	}
	if p.StepRetryCost < 1 {
		return errors.New("step_retry_cost must be >= 1")
	}
	if p.CheckpointRetryCost >= p.CreditsPerMinute*minMinutesForReduction {
		return errors.New("checkpoint_retry_cost must undercut the full price of the smallest job it applies to")
	}
	if p.StepTimeout <= 0 {
		return errors.New("step_timeout must be positive")
	}
	for name, timeout := range p.StepTimeouts {
		if _, ok := domain.ParseStep(name); !ok {
			return fmt.Errorf("step_timeouts references unknown step %q", name)
		}
		if timeout <= 0 {
			return fmt.Errorf("step_timeouts[%s] must be positive", name)
		}
	}
	if p.TransientAttempts < 1 {
		return errors.New("transient_attempts must be >= 1")
	}
	if p.TransientBackoff < 0 {
		return errors.New("transient_backoff must be >= 0")
	}
	return nil
}

// minMinutesForReduction keeps the checkpoint discount meaningful: a
// checkpoint retry must reserve strictly less than a full retry of any job
// of at least this length.
const minMinutesForReduction = 2

// FullCost prices a complete pipeline run.
func (p Policy) FullCost(requestedMinutes int) int64 {
	if requestedMinutes < 1 {
		requestedMinutes = 1
	}
	return p.CreditsPerMinute * int64(requestedMinutes)
}

// TimeoutFor resolves the execution budget for step.
func (p Policy) TimeoutFor(step domain.Step) time.Duration {
	if override, ok := p.StepTimeouts[string(step)]; ok {
		return override
	}
	return p.StepTimeout
}
