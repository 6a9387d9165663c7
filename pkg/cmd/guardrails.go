package cmd

import (
	"github.com/heraerp/playbook/pkg/guardrails"
	"github.com/heraerp/playbook/pkg/status"
	"github.com/heraerp/playbook/pkg/store"
)

// NewGuardrailRegistry builds the registry of built-in guardrail types.
func NewGuardrailRegistry(st store.Store, statuses *status.Manager) *guardrails.Registry {
	registry := guardrails.NewRegistry()
	registry.Register(guardrails.NewPaymentRequiredFactory(st))
	registry.Register(guardrails.NewApprovalRequiredFactory(st))
	registry.Register(guardrails.NewStatusMustBeFactory(statuses))

	return registry
}
