package guardrails

import (
	"context"
	"fmt"
	"time"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store"
)

const TypePaymentRequired = "payment_required"

// Settlement states accepted by the payment_required guardrail.
var settledStates = map[string]bool{
	"settled":  true,
	"approved": true,
}

// PaymentRequiredFactory builds payment_required guardrails over the store.
type PaymentRequiredFactory struct {
	store store.Store
}

func NewPaymentRequiredFactory(st store.Store) *PaymentRequiredFactory {
	return &PaymentRequiredFactory{store: st}
}

func (f *PaymentRequiredFactory) Type() string {
	return TypePaymentRequired
}

func (f *PaymentRequiredFactory) Create(config map[string]any) (Guardrail, error) {
	return &paymentRequired{
		store:     f.store,
		minAmount: configNumber(config, "min_amount"),
	}, nil
}

// paymentRequired passes only when the run's subject has an active
// LINKED_TO_PAYMENT edge to a payment whose transaction is settled or
// approved. Anything else, a missing link included, is a violation: the
// guardrail fails closed.
type paymentRequired struct {
	store     store.Store
	minAmount float64
}

func (g *paymentRequired) Type() string {
	return TypePaymentRequired
}

func (g *paymentRequired) Check(ctx context.Context, input Input) error {
	if input.SubjectEntityID == "" {
		return &ViolationError{Guardrail: TypePaymentRequired, Reason: "run has no subject entity"}
	}

	now := time.Now().UTC()

	edges, err := g.store.QueryRelationships(ctx, store.RelationshipFilter{
		OrganizationID: input.OrganizationID,
		FromEntityID:   input.SubjectEntityID,
		Type:           models.RelationshipLinkedToPayment,
		ActiveAt:       &now,
	})
	if err != nil {
		return fmt.Errorf("failed to query payment links: %w", err)
	}

	if len(edges) == 0 {
		return &ViolationError{Guardrail: TypePaymentRequired, Reason: "no payment linked to subject"}
	}

	for _, edge := range edges {
		txns, err := g.store.QueryTransactions(ctx, store.TransactionFilter{
			OrganizationID: input.OrganizationID,
			Type:           models.TransactionTypePayment,
			SourceEntityID: edge.ToEntityID,
		})
		if err != nil {
			return fmt.Errorf("failed to query payment transactions: %w", err)
		}

		for _, txn := range txns {
			state, _ := txn.Metadata["status"].(string)
			if !settledStates[state] {
				continue
			}

			if g.minAmount > 0 && txn.TotalAmount < g.minAmount {
				continue
			}

			return nil
		}
	}

	return &ViolationError{Guardrail: TypePaymentRequired, Reason: "linked payment is not settled"}
}

func configNumber(config map[string]any, key string) float64 {
	switch value := config[key].(type) {
	case float64:
		return value
	case int:
		return float64(value)
	}

	return 0
}
