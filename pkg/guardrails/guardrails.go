// Package guardrails evaluates declarative preconditions before a step's
// actions run. Guardrails fail closed: any violation or evaluation error
// stops the step.
package guardrails

import (
	"context"
	"errors"
	"fmt"

	"github.com/heraerp/playbook/pkg/models"
)

// ErrViolation is the sentinel wrapped by every ViolationError.
var ErrViolation = errors.New("guardrail violation")

// ViolationError reports which guardrail rejected the step and why.
type ViolationError struct {
	Guardrail string
	Reason    string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("guardrail %q violated: %s", e.Guardrail, e.Reason)
}

func (e *ViolationError) Unwrap() error {
	return ErrViolation
}

// IsViolation checks if an error is a guardrail violation, as opposed to an
// evaluation failure.
func IsViolation(err error) bool {
	return errors.Is(err, ErrViolation)
}

// Input carries the run context a guardrail evaluates against.
type Input struct {
	OrganizationID  string
	RunID           string
	SubjectEntityID string
	Variables       map[string]any
}

// Guardrail is one evaluatable precondition. Check returns nil when the
// precondition holds, a ViolationError when it does not, and any other error
// when evaluation itself failed.
type Guardrail interface {
	Type() string
	Check(ctx context.Context, input Input) error
}

// Factory builds a configured guardrail from its declaration config.
type Factory interface {
	Type() string
	Create(config map[string]any) (Guardrail, error)
}

// Registry maps guardrail types to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty guardrail registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory, replacing any previous one of the same type.
func (r *Registry) Register(factory Factory) {
	r.factories[factory.Type()] = factory
}

// Create builds the guardrail declared by the spec.
func (r *Registry) Create(spec models.GuardrailSpec) (Guardrail, error) {
	factory, ok := r.factories[spec.Type]
	if !ok {
		return nil, fmt.Errorf("guardrail type %q not registered", spec.Type)
	}

	return factory.Create(spec.Config)
}

// CheckAll evaluates every declared guardrail in order, stopping at the
// first failure.
func (r *Registry) CheckAll(ctx context.Context, specs []models.GuardrailSpec, input Input) error {
	for _, spec := range specs {
		guardrail, err := r.Create(spec)
		if err != nil {
			return err
		}

		err = guardrail.Check(ctx, input)
		if err != nil {
			return err
		}
	}

	return nil
}

func configString(config map[string]any, key string) string {
	value, _ := config[key].(string)

	return value
}

func configStrings(config map[string]any, key string) []string {
	raw, ok := config[key].([]any)
	if !ok {
		return nil
	}

	values := make([]string, 0, len(raw))

	for _, item := range raw {
		if s, ok := item.(string); ok {
			values = append(values, s)
		}
	}

	return values
}
