package services

import (
	"context"
	"log/slog"

	"github.com/heraerp/playbook/pkg/audit"
	"github.com/heraerp/playbook/pkg/definition"
	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/permissions"
)

const resourceTypeDefinition = "playbook_definition"

// Definitions is the management surface for playbook definitions. The
// repository owns schema and reference validation; this layer adds
// permission checks and auditing.
type Definitions struct {
	definitions *definition.Repository
	permissions *permissions.Service
	audit       *audit.Trail
	logger      *slog.Logger
}

// NewDefinitions creates the definition management service.
func NewDefinitions(repo *definition.Repository, perms *permissions.Service, trail *audit.Trail, logger *slog.Logger) *Definitions {
	return &Definitions{
		definitions: repo,
		permissions: perms,
		audit:       trail,
		logger:      logger.With("module", "definition_service"),
	}
}

// Register stores a new draft definition. Requires
// playbook_definition:manage.
func (s *Definitions) Register(ctx context.Context, sc *models.SecurityContext, def *models.Definition) (*models.Definition, error) {
	err := s.permissions.Enforce(sc, []string{models.PermissionDefinitionManage}, nil)
	if err != nil {
		s.recordAudit(ctx, sc, "definition.register", def.ID, audit.OutcomeDenied, err.Error())

		return nil, err
	}

	def.OrganizationID = sc.OrganizationID

	created, err := s.definitions.Register(ctx, def)
	if err != nil {
		return nil, err
	}

	s.recordAudit(ctx, sc, "definition.register", created.ID, audit.OutcomeAllowed, "")

	s.logger.InfoContext(ctx, "definition registered",
		"definition_id", created.ID, "name", created.Name)

	return created, nil
}

// Publish validates a draft and makes it runnable. Requires
// playbook_definition:manage.
func (s *Definitions) Publish(ctx context.Context, sc *models.SecurityContext, definitionID string) (*models.Definition, error) {
	err := s.permissions.Enforce(sc, []string{models.PermissionDefinitionManage}, nil)
	if err != nil {
		s.recordAudit(ctx, sc, "definition.publish", definitionID, audit.OutcomeDenied, err.Error())

		return nil, err
	}

	published, err := s.definitions.Publish(ctx, sc.OrganizationID, definitionID)
	if err != nil {
		s.recordAudit(ctx, sc, "definition.publish", definitionID, audit.OutcomeFailed, err.Error())

		return nil, err
	}

	s.recordAudit(ctx, sc, "definition.publish", definitionID, audit.OutcomeAllowed, "")

	s.logger.InfoContext(ctx, "definition published",
		"definition_id", definitionID, "version", published.Version)

	return published, nil
}

// Get fetches one definition. Requires playbook_definition:read.
func (s *Definitions) Get(ctx context.Context, sc *models.SecurityContext, definitionID string) (*models.Definition, error) {
	err := s.permissions.Enforce(sc, []string{models.PermissionDefinitionRead}, nil)
	if err != nil {
		return nil, err
	}

	return s.definitions.Get(ctx, sc.OrganizationID, definitionID)
}

// List returns the organization's definition entities. Requires
// playbook_definition:read.
func (s *Definitions) List(ctx context.Context, sc *models.SecurityContext) ([]*models.Entity, error) {
	err := s.permissions.Enforce(sc, []string{models.PermissionDefinitionRead}, nil)
	if err != nil {
		return nil, err
	}

	return s.definitions.List(ctx, sc.OrganizationID)
}

func (s *Definitions) recordAudit(ctx context.Context, sc *models.SecurityContext, action, resourceID, outcome, reason string) {
	s.audit.Record(ctx, audit.Entry{
		ActorID:        sc.UserID,
		Action:         action,
		ResourceType:   resourceTypeDefinition,
		ResourceID:     resourceID,
		Outcome:        outcome,
		Reason:         reason,
		OrganizationID: sc.OrganizationID,
	})
}
