// Package audit appends an immutable trail of security-relevant events:
// permission denials, sensitive reads, status changes and run control
// actions. Entries are stored as security_audit transactions so the trail
// lives in the same store as the data it describes.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store"
)

// Outcomes recorded on an entry.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
	OutcomeFailed  = "failed"
)

// Entry is one audit event.
type Entry struct {
	ActorID        string         `json:"actor_id"`
	Action         string         `json:"action"`
	ResourceType   string         `json:"resource_type"`
	ResourceID     string         `json:"resource_id"`
	Outcome        string         `json:"outcome"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	OrganizationID string         `json:"organization_id"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Filter narrows trail retrieval.
type Filter struct {
	OrganizationID string
	ActorID        string
	Action         string
	ResourceID     string
	Since          *time.Time
	Limit          int
}

// Trail records and retrieves audit entries.
type Trail struct {
	store  store.Store
	logger *slog.Logger
}

// NewTrail creates an audit trail over the given store.
func NewTrail(st store.Store, logger *slog.Logger) *Trail {
	return &Trail{
		store:  st,
		logger: logger.With("module", "audit"),
	}
}

// Record appends one entry. Auditing never fails the caller's operation: a
// write error is logged and swallowed.
func (t *Trail) Record(ctx context.Context, entry Entry) {
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now().UTC()
	}

	metadata := map[string]any{
		"actor_id":      entry.ActorID,
		"action":        entry.Action,
		"resource_type": entry.ResourceType,
		"outcome":       entry.Outcome,
	}

	if entry.Reason != "" {
		metadata["reason"] = entry.Reason
	}

	for key, value := range entry.Metadata {
		metadata[key] = value
	}

	txn := &models.Transaction{
		Type:           models.TransactionTypeSecurityAudit,
		SmartCode:      "HERA.PLAYBOOK.AUDIT.EVENT.V1",
		OccurredAt:     entry.OccurredAt,
		Metadata:       metadata,
		OrganizationID: entry.OrganizationID,
	}

	if entry.ActorID != "" {
		actorID := entry.ActorID
		txn.SourceEntityID = &actorID
	}

	if entry.ResourceID != "" {
		resourceID := entry.ResourceID
		txn.TargetEntityID = &resourceID
	}

	_, err := t.store.CreateTransaction(ctx, txn, nil)
	if err != nil {
		t.logger.ErrorContext(ctx, "failed to record audit entry",
			"action", entry.Action, "actor_id", entry.ActorID, "error", err)
	}
}

// List returns matching entries, newest first.
func (t *Trail) List(ctx context.Context, filter Filter) ([]Entry, error) {
	txnFilter := store.TransactionFilter{
		OrganizationID: filter.OrganizationID,
		Type:           models.TransactionTypeSecurityAudit,
		SourceEntityID: filter.ActorID,
		TargetEntityID: filter.ResourceID,
		Since:          filter.Since,
		Limit:          filter.Limit,
	}

	if filter.Action != "" {
		txnFilter.MetadataEquals = map[string]any{"action": filter.Action}
	}

	txns, err := t.store.QueryTransactions(ctx, txnFilter)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(txns))
	for _, txn := range txns {
		entries = append(entries, entryFromTransaction(txn))
	}

	// QueryTransactions orders ascending by occurrence; the trail reads
	// newest first.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, nil
}

func entryFromTransaction(txn *models.Transaction) Entry {
	entry := Entry{
		OrganizationID: txn.OrganizationID,
		OccurredAt:     txn.OccurredAt,
		Metadata:       map[string]any{},
	}

	if txn.SourceEntityID != nil {
		entry.ActorID = *txn.SourceEntityID
	}

	if txn.TargetEntityID != nil {
		entry.ResourceID = *txn.TargetEntityID
	}

	for key, value := range txn.Metadata {
		switch key {
		case "action":
			entry.Action, _ = value.(string)
		case "resource_type":
			entry.ResourceType, _ = value.(string)
		case "outcome":
			entry.Outcome, _ = value.(string)
		case "reason":
			entry.Reason, _ = value.(string)
		case "actor_id":
			// Mirrored in SourceEntityID.
		default:
			entry.Metadata[key] = value
		}
	}

	return entry
}
