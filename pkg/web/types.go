// Package web provides the HTTP surface for playbook runs and definitions.
package web

import "github.com/heraerp/playbook/pkg/models"

// StartRunBody is the request body for starting a run. The idempotency key
// travels in the Idempotency-Key header, not the body.
type StartRunBody struct {
	DefinitionID    string         `json:"definition_id" validate:"required"`
	SubjectEntityID string         `json:"subject_entity_id,omitempty"`
	Variables       map[string]any `json:"variables,omitempty"`
	Priority        int            `json:"priority,omitempty"`
}

// UpdateRunBody carries one control action against a run.
type UpdateRunBody struct {
	Action   string `json:"action" validate:"required,oneof=pause resume set_priority"`
	Priority *int   `json:"priority,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// CreateDefinitionBody is the request body for registering a draft
// definition.
type CreateDefinitionBody struct {
	Name        string                         `json:"name"        validate:"required,min=3"`
	Description string                         `json:"description"`
	SmartCode   string                         `json:"smart_code,omitempty"`
	Trigger     models.TriggerSpec             `json:"trigger"`
	Variables   map[string]models.VariableSpec `json:"variables,omitempty"`
	Steps       []models.Step                  `json:"steps"       validate:"required,min=1"`
}

func (b CreateDefinitionBody) toDefinition() *models.Definition {
	return &models.Definition{
		Name:        b.Name,
		Description: b.Description,
		SmartCode:   b.SmartCode,
		Trigger:     b.Trigger,
		Variables:   b.Variables,
		Steps:       b.Steps,
	}
}
