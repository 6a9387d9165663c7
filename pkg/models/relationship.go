package models

import "time"

// Reserved relationship types.
const (
	// RelationshipHasStatus links a subject entity to its current status
	// value entity. At most one active, unexpired edge of this type may
	// exist per subject; history is kept as retired edges.
	RelationshipHasStatus = "HAS_STATUS"

	// RelationshipHasRole links a user entity to a role entity.
	RelationshipHasRole = "has_role"

	// RelationshipLinkedToPayment links a subject entity to a payment
	// transaction entity, consumed by the payment_required guardrail.
	RelationshipLinkedToPayment = "LINKED_TO_PAYMENT"
)

// Relationship is a directed, typed, time-bounded edge between two entities.
// Used both for structural links (role assignment, ownership) and for the
// derived "current status" of a subject.
type Relationship struct {
	ID             string         `json:"id"`
	FromEntityID   string         `json:"from_entity_id" validate:"required"`
	ToEntityID     string         `json:"to_entity_id"   validate:"required"`
	Type           string         `json:"type"           validate:"required"`
	IsActive       bool           `json:"is_active"`
	EffectiveDate  time.Time      `json:"effective_date"`
	ExpirationDate *time.Time     `json:"expiration_date,omitempty"`
	SmartCode      string         `json:"smart_code"`
	OrganizationID string         `json:"organization_id" validate:"required"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ActiveAt reports whether the edge is active and unexpired at the given
// instant.
func (r *Relationship) ActiveAt(t time.Time) bool {
	if !r.IsActive {
		return false
	}

	if r.EffectiveDate.After(t) {
		return false
	}

	return r.ExpirationDate == nil || r.ExpirationDate.After(t)
}
