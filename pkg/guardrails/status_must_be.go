package guardrails

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/heraerp/playbook/pkg/status"
)

const TypeStatusMustBe = "status_must_be"

// StatusMustBeFactory builds status_must_be guardrails over the status
// manager.
type StatusMustBeFactory struct {
	statuses *status.Manager
}

func NewStatusMustBeFactory(statuses *status.Manager) *StatusMustBeFactory {
	return &StatusMustBeFactory{statuses: statuses}
}

func (f *StatusMustBeFactory) Type() string {
	return TypeStatusMustBe
}

func (f *StatusMustBeFactory) Create(config map[string]any) (Guardrail, error) {
	allowed := configStrings(config, "statuses")
	if single := configString(config, "status"); single != "" {
		allowed = append(allowed, single)
	}

	if len(allowed) == 0 {
		return nil, fmt.Errorf("status_must_be requires a statuses list")
	}

	return &statusMustBe{statuses: f.statuses, allowed: allowed}, nil
}

// statusMustBe passes when the subject's derived current status is one of
// the allowed status smart codes.
type statusMustBe struct {
	statuses *status.Manager
	allowed  []string
}

func (g *statusMustBe) Type() string {
	return TypeStatusMustBe
}

func (g *statusMustBe) Check(ctx context.Context, input Input) error {
	if input.SubjectEntityID == "" {
		return &ViolationError{Guardrail: TypeStatusMustBe, Reason: "run has no subject entity"}
	}

	current, err := g.statuses.Current(ctx, input.OrganizationID, input.SubjectEntityID)
	if err != nil {
		if errors.Is(err, status.ErrNoCurrentStatus) {
			return &ViolationError{Guardrail: TypeStatusMustBe, Reason: "subject has no status"}
		}

		return fmt.Errorf("failed to resolve subject status: %w", err)
	}

	for _, code := range g.allowed {
		if current.SmartCode == code {
			return nil
		}
	}

	return &ViolationError{
		Guardrail: TypeStatusMustBe,
		Reason: fmt.Sprintf("subject status %s is not one of %s",
			current.SmartCode, strings.Join(g.allowed, ", ")),
	}
}
