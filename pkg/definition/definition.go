// Package definition stores playbook definitions and enforces the
// draft/published lifecycle. A definition is an entity carrying its document
// as a dynamic field; publishing validates the document and freezes it.
package definition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store"
	"github.com/heraerp/playbook/pkg/template"
)

const documentFieldName = "definition_document"

var (
	// ErrDefinitionNotFound indicates no definition exists for the id.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrNotPublished indicates a run was requested against a draft.
	ErrNotPublished = errors.New("definition is not published")

	// ErrAlreadyPublished indicates a mutation of a published definition.
	ErrAlreadyPublished = errors.New("definition is already published")
)

// ValidationError aggregates the publish-time findings for one definition.
type ValidationError struct {
	DefinitionID string
	Findings     []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("definition %s is invalid: %s", e.DefinitionID, strings.Join(e.Findings, "; "))
}

// Repository stores definitions as entities with the document attached as a
// dynamic field.
type Repository struct {
	store store.Store
}

// NewRepository creates a definition repository over the given store.
func NewRepository(st store.Store) *Repository {
	return &Repository{store: st}
}

// Register stores a new draft definition. Drafts are freely replaceable
// until published.
func (r *Repository) Register(ctx context.Context, def *models.Definition) (*models.Definition, error) {
	if def.Version == 0 {
		def.Version = 1
	}

	def.Status = models.DefinitionStatusDraft
	def.CreatedAt = time.Now().UTC()
	def.PublishedAt = nil

	entity, err := r.store.CreateEntity(ctx, &models.Entity{
		ID:             def.ID,
		Type:           models.EntityTypeDefinition,
		Name:           def.Name,
		OrganizationID: def.OrganizationID,
		SmartCode:      def.SmartCode,
		Metadata: map[string]any{
			"status":  string(def.Status),
			"version": def.Version,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create definition entity: %w", err)
	}

	def.ID = entity.ID

	err = r.writeDocument(ctx, def)
	if err != nil {
		return nil, err
	}

	return def, nil
}

// Update replaces a draft's document. Published definitions are immutable.
func (r *Repository) Update(ctx context.Context, def *models.Definition) error {
	existing, err := r.Get(ctx, def.OrganizationID, def.ID)
	if err != nil {
		return err
	}

	if existing.Status == models.DefinitionStatusPublished {
		return fmt.Errorf("%w: %s", ErrAlreadyPublished, def.ID)
	}

	def.Status = models.DefinitionStatusDraft
	def.CreatedAt = existing.CreatedAt

	return r.writeDocument(ctx, def)
}

// Publish validates the draft and freezes it. Validation covers the JSON
// schema, the action parameter unions, step id uniqueness, error handler
// targets and variable references; any finding rejects the publish.
func (r *Repository) Publish(ctx context.Context, orgID, definitionID string) (*models.Definition, error) {
	def, err := r.Get(ctx, orgID, definitionID)
	if err != nil {
		return nil, err
	}

	if def.Status == models.DefinitionStatusPublished {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPublished, definitionID)
	}

	err = Validate(def)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	def.Status = models.DefinitionStatusPublished
	def.PublishedAt = &now

	err = r.writeDocument(ctx, def)
	if err != nil {
		return nil, err
	}

	entities, err := r.store.QueryEntities(ctx, store.EntityFilter{
		OrganizationID: orgID,
		Type:           models.EntityTypeDefinition,
		IDs:            []string{definitionID},
	})
	if err != nil || len(entities) == 0 {
		return nil, fmt.Errorf("failed to load definition entity: %w", err)
	}

	entity := entities[0]
	entity.Metadata["status"] = string(models.DefinitionStatusPublished)

	err = r.store.UpdateEntity(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to mark definition published: %w", err)
	}

	return def, nil
}

// Get loads one definition with its full document.
func (r *Repository) Get(ctx context.Context, orgID, definitionID string) (*models.Definition, error) {
	entities, err := r.store.QueryEntities(ctx, store.EntityFilter{
		OrganizationID: orgID,
		Type:           models.EntityTypeDefinition,
		IDs:            []string{definitionID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query definition: %w", err)
	}

	if len(entities) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDefinitionNotFound, definitionID)
	}

	fields, err := r.store.GetDynamicFields(ctx, orgID, entities[0].ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load definition document: %w", err)
	}

	for _, field := range fields {
		if field.FieldName != documentFieldName || field.ValueText == nil {
			continue
		}

		var def models.Definition

		err := json.Unmarshal([]byte(*field.ValueText), &def)
		if err != nil {
			return nil, fmt.Errorf("failed to decode definition document: %w", err)
		}

		return &def, nil
	}

	return nil, fmt.Errorf("%w: %s has no document", ErrDefinitionNotFound, definitionID)
}

// List returns definition summaries (entities only, no documents).
func (r *Repository) List(ctx context.Context, orgID string) ([]*models.Entity, error) {
	entities, err := r.store.QueryEntities(ctx, store.EntityFilter{
		OrganizationID: orgID,
		Type:           models.EntityTypeDefinition,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}

	return entities, nil
}

func (r *Repository) writeDocument(ctx context.Context, def *models.Definition) error {
	payload, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode definition document: %w", err)
	}

	text := string(payload)

	err = r.store.SetDynamicField(ctx, &models.DynamicField{
		EntityID:       def.ID,
		FieldName:      documentFieldName,
		ValueText:      &text,
		SmartCode:      "HERA.PLAYBOOK.DEFINITION.DOCUMENT.V1",
		OrganizationID: def.OrganizationID,
	})
	if err != nil {
		return fmt.Errorf("failed to write definition document: %w", err)
	}

	return nil
}

// Validate runs every publish-time check against the definition.
func Validate(def *models.Definition) error {
	var findings []string

	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode definition for validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(documentSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to run schema validation: %w", err)
	}

	for _, issue := range result.Errors() {
		findings = append(findings, issue.String())
	}

	findings = append(findings, semanticFindings(def)...)

	if err := template.ValidateRefs(def); err != nil {
		findings = append(findings, err.Error())
	}

	if len(findings) > 0 {
		return &ValidationError{DefinitionID: def.ID, Findings: findings}
	}

	return nil
}

func semanticFindings(def *models.Definition) []string {
	var findings []string

	stepIDs := make(map[string]bool, len(def.Steps))

	for _, step := range def.Steps {
		if stepIDs[step.ID] {
			findings = append(findings, fmt.Sprintf("duplicate step id %q", step.ID))
		}

		stepIDs[step.ID] = true
	}

	for _, step := range def.Steps {
		for _, action := range step.Actions {
			if err := action.Validate(); err != nil {
				findings = append(findings, fmt.Sprintf("step %q: %v", step.ID, err))
			}
		}

		for _, branch := range step.Branches {
			for _, action := range branch.Actions {
				if err := action.Validate(); err != nil {
					findings = append(findings, fmt.Sprintf("step %q branch %q: %v", step.ID, branch.ID, err))
				}
			}
		}

		for errorID, target := range step.ErrorHandlers {
			if !stepIDs[target] {
				findings = append(findings, fmt.Sprintf("step %q error handler %q targets unknown step %q", step.ID, errorID, target))
			}
		}

		if step.Timeout != nil && step.Timeout.FallbackStepID != "" && !stepIDs[step.Timeout.FallbackStepID] {
			findings = append(findings, fmt.Sprintf("step %q timeout fallback targets unknown step %q", step.ID, step.Timeout.FallbackStepID))
		}

		switch step.Type {
		case models.StepTypeConditional:
			if step.Condition == "" {
				findings = append(findings, fmt.Sprintf("conditional step %q has no condition", step.ID))
			}
		case models.StepTypeLoop:
			if step.Loop == nil {
				findings = append(findings, fmt.Sprintf("loop step %q has no loop spec", step.ID))
			}
		case models.StepTypeParallel:
			if len(step.Branches) == 0 {
				findings = append(findings, fmt.Sprintf("parallel step %q has no branches", step.ID))
			}
		case models.StepTypeWait:
			if step.Wait == nil {
				findings = append(findings, fmt.Sprintf("wait step %q has no wait spec", step.ID))
			}
		case models.StepTypeUserAction:
			if step.Assignee == "" {
				findings = append(findings, fmt.Sprintf("user_action step %q has no assignee", step.ID))
			}
		case models.StepTypeAction:
			if len(step.Actions) == 0 {
				findings = append(findings, fmt.Sprintf("action step %q has no actions", step.ID))
			}
		}
	}

	if def.Trigger.Type == "schedule" && def.Trigger.Cron == "" {
		findings = append(findings, "schedule trigger has no cron expression")
	}

	return findings
}
