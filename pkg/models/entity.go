// Package models defines the core domain models for the playbook orchestration engine.
//
// Everything the engine persists is expressed through four generic record
// kinds owned by the store adapter: entities, dynamic fields, relationships
// and transactions. Engine-level concepts (definitions, runs, step
// executions) are projections over those records, never their own tables.
package models

import "time"

// Well-known entity types used by the engine.
const (
	EntityTypeUser        = "user"
	EntityTypeRole        = "role"
	EntityTypeStatusValue = "status_value"
	EntityTypeTask        = "task"
	EntityTypeDefinition  = "playbook_definition"
	EntityTypeIdempotency = "idempotency_record"
	EntityTypeTimer       = "playbook_timer"
)

// Entity is a generic typed record: a customer, a user, a playbook
// definition, a status value, a task and so on. Identity is immutable,
// metadata is not.
type Entity struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"           validate:"required"`
	Name           string         `json:"name"           validate:"required"`
	Code           string         `json:"code,omitempty"`
	OrganizationID string         `json:"organization_id" validate:"required"`
	SmartCode      string         `json:"smart_code"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// DynamicField attaches a typed scalar or document value to an entity
// without a schema change.
type DynamicField struct {
	EntityID       string         `json:"entity_id"  validate:"required"`
	FieldName      string         `json:"field_name" validate:"required"`
	ValueText      *string        `json:"value_text,omitempty"`
	ValueNumber    *float64       `json:"value_number,omitempty"`
	ValueBool      *bool          `json:"value_bool,omitempty"`
	ValueJSON      map[string]any `json:"value_json,omitempty"`
	SmartCode      string         `json:"smart_code"`
	OrganizationID string         `json:"organization_id"`
	UpdatedAt      time.Time      `json:"updated_at"`
}
