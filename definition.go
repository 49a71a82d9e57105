package saga

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-saga/runner"
)

// StepFunc performs one unit of business work and returns the updated data.
type StepFunc[T any] func(ctx context.Context, data T) (T, error)

// CompensateFunc undoes a step given the data captured after it succeeded.
type CompensateFunc[T any] func(ctx context.Context, data T) error

// StepDefinition is one step of a saga.
type StepDefinition[T any] struct {
	Name       string
	Execute    StepFunc[T]
	Compensate CompensateFunc[T]
	// RetryPolicy overrides the definition and orchestrator policies.
	RetryPolicy *runner.RetryPolicy
}

// Descriptor is the type-erased view of a definition used by components
// that handle sagas of any data type, such as the sweeper.
type Descriptor interface {
	Name() string
	StepCount() int
	StepName(i int) string
	CanCompensate(i int) bool
	CompensateStep(ctx context.Context, i int, snapshot []byte) error
}

// Definition is an immutable, validated saga. It is safe to share between
// concurrent runs.
type Definition[T any] struct {
	name    string
	steps   []StepDefinition[T]
	timeout time.Duration
	codec   Codec[T]
	retry   *runner.RetryPolicy
}

var _ Descriptor = (*Definition[struct{}])(nil)

func (d *Definition[T]) Name() string {
	if d == nil {
		return ""
	}
	return d.name
}

func (d *Definition[T]) StepCount() int { return len(d.steps) }

func (d *Definition[T]) StepName(i int) string {
	if i < 0 || i >= len(d.steps) {
		return ""
	}
	return d.steps[i].Name
}

// Steps returns a copy of the step list.
func (d *Definition[T]) Steps() []StepDefinition[T] {
	out := make([]StepDefinition[T], len(d.steps))
	copy(out, d.steps)
	return out
}

// Timeout returns the saga timeout and whether one is set.
func (d *Definition[T]) Timeout() (time.Duration, bool) {
	return d.timeout, d.timeout > 0
}

func (d *Definition[T]) Codec() Codec[T] { return d.codec }

func (d *Definition[T]) CanCompensate(i int) bool {
	return i >= 0 && i < len(d.steps) && d.steps[i].Compensate != nil
}

func (d *Definition[T]) CompensateStep(ctx context.Context, i int, snapshot []byte) error {
	if !d.CanCompensate(i) {
		return nil
	}
	data, err := d.codec.Decode(snapshot)
	if err != nil {
		return fmt.Errorf("decode snapshot for step %d: %w", i, err)
	}
	return d.steps[i].Compensate(ctx, data)
}

func (d *Definition[T]) retryPolicy(i int, fallback runner.RetryPolicy) runner.RetryPolicy {
	if p := d.steps[i].RetryPolicy; p != nil {
		return *p
	}
	if d.retry != nil {
		return *d.retry
	}
	return fallback
}

// Builder assembles a Definition. Problems are collected and reported by
// Build, so a chain never panics.
type Builder[T any] struct {
	name    string
	steps   []*StepBuilder[T]
	timeout *time.Duration
	codec   Codec[T]
	retry   *runner.RetryPolicy
}

// NewDefinition starts a saga definition.
func NewDefinition[T any](name string) *Builder[T] {
	return &Builder[T]{name: name}
}

// Step appends a step. An empty name becomes "Step {n}", 1-based.
func (b *Builder[T]) Step(name string) *StepBuilder[T] {
	if strings.TrimSpace(name) == "" {
		name = fmt.Sprintf("Step %d", len(b.steps)+1)
	}
	sb := &StepBuilder[T]{parent: b, step: StepDefinition[T]{Name: name}}
	b.steps = append(b.steps, sb)
	return sb
}

// WithTimeout bounds the whole saga. Zero or less leaves it unbounded.
func (b *Builder[T]) WithTimeout(d time.Duration) *Builder[T] {
	b.timeout = &d
	return b
}

// WithCodec replaces the JSON codec used for persisted data.
func (b *Builder[T]) WithCodec(c Codec[T]) *Builder[T] {
	b.codec = c
	return b
}

// WithRetry sets the retry policy for steps that do not declare their own.
func (b *Builder[T]) WithRetry(p runner.RetryPolicy) *Builder[T] {
	b.retry = &p
	return b
}

// Build validates the chain. A step without an execute function is the only
// problem it reports. Step names need not be unique and a non-positive
// timeout means the saga has no deadline.
func (b *Builder[T]) Build() (*Definition[T], error) {
	var problems []string
	steps := make([]StepDefinition[T], 0, len(b.steps))
	for i, sb := range b.steps {
		if sb.step.Execute == nil {
			problems = append(problems, fmt.Sprintf("step %d (%s) has no execute function", i, sb.step.Name))
		}
		steps = append(steps, sb.step)
	}

	if len(problems) > 0 {
		return nil, cloneSagaError(ErrConfigurationInvalid,
			fmt.Sprintf("saga %q is invalid: %s", b.name, strings.Join(problems, "; ")), nil,
			map[string]any{"saga": b.name, "problems": problems})
	}

	def := &Definition[T]{
		name:  strings.TrimSpace(b.name),
		steps: steps,
		codec: b.codec,
	}
	if b.timeout != nil && *b.timeout > 0 {
		def.timeout = *b.timeout
	}
	if def.codec == nil {
		def.codec = JSONCodec[T]{}
	}
	if b.retry != nil {
		p := *b.retry
		def.retry = &p
	}
	return def, nil
}

// StepBuilder configures the most recently added step.
type StepBuilder[T any] struct {
	parent *Builder[T]
	step   StepDefinition[T]
}

func (s *StepBuilder[T]) Execute(fn StepFunc[T]) *StepBuilder[T] {
	s.step.Execute = fn
	return s
}

func (s *StepBuilder[T]) Compensate(fn CompensateFunc[T]) *StepBuilder[T] {
	s.step.Compensate = fn
	return s
}

func (s *StepBuilder[T]) WithRetry(p runner.RetryPolicy) *StepBuilder[T] {
	s.step.RetryPolicy = &p
	return s
}

func (s *StepBuilder[T]) Step(name string) *StepBuilder[T] { return s.parent.Step(name) }

func (s *StepBuilder[T]) WithTimeout(d time.Duration) *Builder[T] { return s.parent.WithTimeout(d) }

func (s *StepBuilder[T]) WithCodec(c Codec[T]) *Builder[T] { return s.parent.WithCodec(c) }

func (s *StepBuilder[T]) Build() (*Definition[T], error) { return s.parent.Build() }
