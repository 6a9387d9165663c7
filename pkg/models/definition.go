package models

import (
	"errors"
	"fmt"
	"time"
)

// DefinitionStatus represents the lifecycle state of a playbook definition.
type DefinitionStatus string

const (
	DefinitionStatusDraft     DefinitionStatus = "draft"     // Editable, not runnable
	DefinitionStatusPublished DefinitionStatus = "published" // Immutable, runnable
)

// Definition is a declarative playbook: an ordered list of steps with
// guardrails, error handlers and a typed variable schema. Immutable once
// published; the engine treats it as read-only.
type Definition struct {
	ID             string                  `json:"id"`
	Name           string                  `json:"name"    validate:"required,min=3"`
	Description    string                  `json:"description"`
	Version        int                     `json:"version" validate:"min=1"`
	OrganizationID string                  `json:"organization_id" validate:"required"`
	SmartCode      string                  `json:"smart_code"`
	Status         DefinitionStatus        `json:"status"`
	Trigger        TriggerSpec             `json:"trigger"`
	Variables      map[string]VariableSpec `json:"variables,omitempty"`
	Steps          []Step                  `json:"steps"`
	CreatedAt      time.Time               `json:"created_at"`
	PublishedAt    *time.Time              `json:"published_at,omitempty"`
}

// StepByID returns the step with the given id.
func (d *Definition) StepByID(id string) (Step, bool) {
	for _, step := range d.Steps {
		if step.ID == id {
			return step, true
		}
	}

	return Step{}, false
}

// VariableSpec declares one typed run variable with an optional default.
type VariableSpec struct {
	Type     string `json:"type" validate:"oneof=string number boolean object array"`
	Required bool   `json:"required"`
	Default  any    `json:"default,omitempty"`
}

// TriggerSpec declares how runs of a definition are started.
type TriggerSpec struct {
	Type       string `json:"type" validate:"oneof=manual schedule entity_created"`
	Cron       string `json:"cron,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
}

// StepType enumerates the step execution semantics the engine understands.
type StepType string

const (
	StepTypeAction      StepType = "action"
	StepTypeUserAction  StepType = "user_action"
	StepTypeConditional StepType = "conditional"
	StepTypeWait        StepType = "wait"
	StepTypeParallel    StepType = "parallel"
	StepTypeLoop        StepType = "loop"
)

// ErrorHandlerDefault is the fallback key in a step's error handler map.
const ErrorHandlerDefault = "default"

// Step is one unit of work inside a definition. Steps execute in declaration
// order unless an error handler reroutes the run.
type Step struct {
	ID            string            `json:"id"   validate:"required"`
	Name          string            `json:"name" validate:"required"`
	Type          StepType          `json:"type" validate:"required"`
	Guardrails    []GuardrailSpec   `json:"guardrails,omitempty"`
	Condition     string            `json:"condition,omitempty"` // conditional steps only
	Actions       []ActionSpec      `json:"actions,omitempty"`
	Branches      []Branch          `json:"branches,omitempty"` // parallel steps only
	Loop          *LoopSpec         `json:"loop,omitempty"`     // loop steps only
	Assignee      string            `json:"assignee,omitempty"` // user_action steps only
	Wait          *WaitSpec         `json:"wait,omitempty"`     // wait steps only
	Timeout       *TimeoutSpec      `json:"timeout,omitempty"`
	ErrorHandlers map[string]string `json:"error_handlers,omitempty"`
}

// ErrorHandlerFor resolves the fallback step id for a failed step: the
// handler registered for the specific error identifier, else the default
// handler, else none.
func (s Step) ErrorHandlerFor(errorID string) (string, bool) {
	if next, ok := s.ErrorHandlers[errorID]; ok {
		return next, true
	}

	next, ok := s.ErrorHandlers[ErrorHandlerDefault]

	return next, ok
}

// GuardrailSpec names a precondition evaluated before a step's actions run.
type GuardrailSpec struct {
	Type   string         `json:"type" validate:"required"`
	Config map[string]any `json:"config,omitempty"`
}

// Branch is one fan-out arm of a parallel step. Each branch gets its own
// step execution row.
type Branch struct {
	ID      string       `json:"id" validate:"required"`
	Actions []ActionSpec `json:"actions"`
}

// LoopSpec iterates a step's actions over the items of a list variable.
// Each iteration gets its own step execution row.
type LoopSpec struct {
	OverVariable  string `json:"over_variable" validate:"required"`
	ItemVariable  string `json:"item_variable" validate:"required"`
	MaxIterations int    `json:"max_iterations,omitempty"`
}

// WaitSpec suspends the run until a wall-clock time or for a delay. The
// engine records a durable timer; it never sleeps in process.
type WaitSpec struct {
	Until    *time.Time    `json:"until,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// TimeoutSpec fails a suspended step over to a named fallback step when the
// duration elapses. Driven by the external timer service, not polled.
type TimeoutSpec struct {
	Duration       time.Duration `json:"duration" validate:"required"`
	FallbackStepID string        `json:"fallback_step_id,omitempty"`
}

// ActionKind discriminates the closed set of mutations a step action may
// perform. The set is deliberately closed: every kind names exactly one
// store or status-manager operation and carries a typed parameter struct.
type ActionKind string

const (
	ActionCreateEntity       ActionKind = "create_entity"
	ActionCreateRelationship ActionKind = "create_relationship"
	ActionSetStatus          ActionKind = "set_status"
	ActionCreateTransaction  ActionKind = "create_transaction"
	ActionSendNotification   ActionKind = "send_notification"
	ActionCallExternalAPI    ActionKind = "call_external_api"
	ActionSetVariable        ActionKind = "set_variable"
)

var ErrActionParamsMismatch = errors.New("action parameters do not match kind")

// ActionSpec is a tagged union: Kind selects which parameter struct must be
// populated. String parameter fields may contain ${var} references resolved
// against run variables immediately before execution.
type ActionSpec struct {
	Kind ActionKind `json:"kind" validate:"required"`

	CreateEntity       *CreateEntityParams       `json:"create_entity,omitempty"`
	CreateRelationship *CreateRelationshipParams `json:"create_relationship,omitempty"`
	SetStatus          *SetStatusParams          `json:"set_status,omitempty"`
	CreateTransaction  *CreateTransactionParams  `json:"create_transaction,omitempty"`
	SendNotification   *SendNotificationParams   `json:"send_notification,omitempty"`
	CallExternalAPI    *CallExternalAPIParams    `json:"call_external_api,omitempty"`
	SetVariable        *SetVariableParams        `json:"set_variable,omitempty"`
}

// Validate checks that exactly the parameter struct selected by Kind is set.
func (a ActionSpec) Validate() error {
	var want any

	switch a.Kind {
	case ActionCreateEntity:
		want = a.CreateEntity
	case ActionCreateRelationship:
		want = a.CreateRelationship
	case ActionSetStatus:
		want = a.SetStatus
	case ActionCreateTransaction:
		want = a.CreateTransaction
	case ActionSendNotification:
		want = a.SendNotification
	case ActionCallExternalAPI:
		want = a.CallExternalAPI
	case ActionSetVariable:
		want = a.SetVariable
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}

	if isNilParams(want) {
		return fmt.Errorf("%w: kind %q has no parameters", ErrActionParamsMismatch, a.Kind)
	}

	return nil
}

func isNilParams(v any) bool {
	switch p := v.(type) {
	case *CreateEntityParams:
		return p == nil
	case *CreateRelationshipParams:
		return p == nil
	case *SetStatusParams:
		return p == nil
	case *CreateTransactionParams:
		return p == nil
	case *SendNotificationParams:
		return p == nil
	case *CallExternalAPIParams:
		return p == nil
	case *SetVariableParams:
		return p == nil
	}

	return v == nil
}

type CreateEntityParams struct {
	EntityType string         `json:"entity_type" validate:"required"`
	Name       string         `json:"name"        validate:"required"`
	SmartCode  string         `json:"smart_code"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	// ResultVariable receives the created entity id in run variables.
	ResultVariable string `json:"result_variable,omitempty"`
}

type CreateRelationshipParams struct {
	FromEntityID string         `json:"from_entity_id" validate:"required"`
	ToEntityID   string         `json:"to_entity_id"   validate:"required"`
	Type         string         `json:"type"           validate:"required"`
	SmartCode    string         `json:"smart_code"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

type SetStatusParams struct {
	SubjectEntityID string `json:"subject_entity_id" validate:"required"`
	StatusSmartCode string `json:"status_smart_code" validate:"required"`
}

type CreateTransactionParams struct {
	Type           string            `json:"type" validate:"required"`
	SmartCode      string            `json:"smart_code"`
	SourceEntityID string            `json:"source_entity_id,omitempty"`
	TargetEntityID string            `json:"target_entity_id,omitempty"`
	TotalAmount    float64           `json:"total_amount"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	Lines          []TransactionLine `json:"lines,omitempty"`
	ResultVariable string            `json:"result_variable,omitempty"`
}

type SendNotificationParams struct {
	Channel   string         `json:"channel" validate:"required"`
	Recipient string         `json:"recipient"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Data      map[string]any `json:"data,omitempty"`
}

type CallExternalAPIParams struct {
	Method  string            `json:"method" validate:"oneof=GET POST PUT PATCH DELETE"`
	URL     string            `json:"url"    validate:"required"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    map[string]any    `json:"body,omitempty"`
	// ResultVariable receives the decoded response body in run variables.
	ResultVariable string `json:"result_variable,omitempty"`
}

type SetVariableParams struct {
	Name  string `json:"name" validate:"required"`
	Value any    `json:"value"`
}
