package models

import "time"

// Transaction types used for engine bookkeeping. Business transactions
// (payments, sales) use vertical-specific types and pass through untouched.
const (
	TransactionTypeRun           = "PLAYBOOK_RUN"
	TransactionTypeStepExecution = "PLAYBOOK_STEP_EXECUTION"
	TransactionTypeSecurityAudit = "security_audit"
	TransactionTypePayment       = "payment"
)

// Transaction is a generic business or bookkeeping event record, optionally
// carrying ordered line items.
type Transaction struct {
	ID             string            `json:"id"`
	Type           string            `json:"type" validate:"required"`
	SmartCode      string            `json:"smart_code"`
	SourceEntityID *string           `json:"source_entity_id,omitempty"`
	TargetEntityID *string           `json:"target_entity_id,omitempty"`
	TotalAmount    float64           `json:"total_amount"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	OrganizationID string            `json:"organization_id" validate:"required"`
	Lines          []TransactionLine `json:"lines,omitempty"`
}

// TransactionLine is one ordered line row belonging to a transaction.
type TransactionLine struct {
	ID            string         `json:"id"`
	TransactionID string         `json:"transaction_id"`
	LineNumber    int            `json:"line_number"`
	EntityID      *string        `json:"entity_id,omitempty"`
	Description   string         `json:"description"`
	Quantity      float64        `json:"quantity"`
	Amount        float64        `json:"amount"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}
