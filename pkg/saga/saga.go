package saga

import (
	"fmt"
	"sort"
)

// Definition is an ordered forward pipeline with one compensation per step.
// Steps execute one at a time in ascending Order; compensation walks the
// completed steps in the exact reverse of that.
type Definition struct {
	Name  string
	Steps []Step
	Retry CompensationRetryConfig
}

// Builder incrementally constructs pipeline definitions.
type Builder struct {
	def  *Definition
	errs []error
}

// New creates a pipeline definition builder.
func New(name string) *Builder {
	return &Builder{
		def: &Definition{
			Name:  name,
			Retry: DefaultCompensationRetryConfig(),
		},
	}
}

// Step appends a step to the pipeline.
func (b *Builder) Step(step Step) *Builder {
	if step == nil {
		b.errs = append(b.errs, fmt.Errorf("step cannot be nil"))
		return b
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// WithCompensationRetry configures in-pass compensation retries.
func (b *Builder) WithCompensationRetry(cfg CompensationRetryConfig) *Builder {
	b.def.Retry = cfg
	return b
}

// Build validates and returns the definition. Steps come back sorted by
// their declared order.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, b.errs[0]
	}
	if err := b.def.Validate(); err != nil {
		return nil, err
	}
	return b.def.clone(), nil
}

// Validate checks the pipeline is well formed.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("saga definition cannot be nil")
	}
	if d.Name == "" {
		return fmt.Errorf("saga name cannot be empty")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga must define at least one step")
	}
	if d.Retry.MaxRetries < 0 {
		return fmt.Errorf("compensation max retries cannot be negative")
	}
	if d.Retry.BackoffFactor < 1 {
		return fmt.Errorf("compensation backoff factor must be >= 1")
	}

	names := make(map[string]struct{}, len(d.Steps))
	orders := make(map[int]string, len(d.Steps))
	for _, step := range d.Steps {
		if step == nil {
			return fmt.Errorf("saga step cannot be nil")
		}
		if step.Name() == "" {
			return fmt.Errorf("step name cannot be empty")
		}
		if step.Type() == "" {
			return fmt.Errorf("step %q missing type", step.Name())
		}
		if _, dup := names[step.Name()]; dup {
			return fmt.Errorf("duplicate step name: %s", step.Name())
		}
		names[step.Name()] = struct{}{}
		if prev, dup := orders[step.Order()]; dup {
			return fmt.Errorf("steps %q and %q share order %d", prev, step.Name(), step.Order())
		}
		orders[step.Order()] = step.Name()
	}
	return nil
}

// OrderedSteps returns the steps sorted by their declared order.
func (d *Definition) OrderedSteps() []Step {
	steps := make([]Step, len(d.Steps))
	copy(steps, d.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order() < steps[j].Order() })
	return steps
}

// StepByName finds a step in the pipeline, or nil.
func (d *Definition) StepByName(name string) Step {
	for _, step := range d.Steps {
		if step.Name() == name {
			return step
		}
	}
	return nil
}

func (d *Definition) clone() *Definition {
	return &Definition{
		Name:  d.Name,
		Steps: d.OrderedSteps(),
		Retry: d.Retry,
	}
}
