package guardrails

import (
	"context"
	"fmt"
	"time"

	"github.com/heraerp/playbook/pkg/store"
)

const TypeApprovalRequired = "approval_required"

// RelationshipApprovedBy links a subject entity to the user who approved it.
const RelationshipApprovedBy = "APPROVED_BY"

// ApprovalRequiredFactory builds approval_required guardrails over the store.
type ApprovalRequiredFactory struct {
	store store.Store
}

func NewApprovalRequiredFactory(st store.Store) *ApprovalRequiredFactory {
	return &ApprovalRequiredFactory{store: st}
}

func (f *ApprovalRequiredFactory) Type() string {
	return TypeApprovalRequired
}

func (f *ApprovalRequiredFactory) Create(config map[string]any) (Guardrail, error) {
	return &approvalRequired{
		store:      f.store,
		approverID: configString(config, "approver_id"),
	}, nil
}

// approvalRequired passes when the subject has an active APPROVED_BY edge,
// optionally restricted to a specific approver.
type approvalRequired struct {
	store      store.Store
	approverID string
}

func (g *approvalRequired) Type() string {
	return TypeApprovalRequired
}

func (g *approvalRequired) Check(ctx context.Context, input Input) error {
	if input.SubjectEntityID == "" {
		return &ViolationError{Guardrail: TypeApprovalRequired, Reason: "run has no subject entity"}
	}

	now := time.Now().UTC()

	edges, err := g.store.QueryRelationships(ctx, store.RelationshipFilter{
		OrganizationID: input.OrganizationID,
		FromEntityID:   input.SubjectEntityID,
		Type:           RelationshipApprovedBy,
		ActiveAt:       &now,
	})
	if err != nil {
		return fmt.Errorf("failed to query approval edges: %w", err)
	}

	for _, edge := range edges {
		if g.approverID == "" || edge.ToEntityID == g.approverID {
			return nil
		}
	}

	reason := "subject has not been approved"
	if g.approverID != "" {
		reason = "subject has not been approved by the required approver"
	}

	return &ViolationError{Guardrail: TypeApprovalRequired, Reason: reason}
}
