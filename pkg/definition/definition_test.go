package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store/memory"
)

const testOrg = "org-1"

func validDefinition() *models.Definition {
	return &models.Definition{
		Name:           "Customer onboarding",
		OrganizationID: testOrg,
		Variables: map[string]models.VariableSpec{
			"customer_name": {Type: "string", Required: true},
		},
		Trigger: models.TriggerSpec{Type: "manual"},
		Steps: []models.Step{
			{
				ID:   "create-customer",
				Name: "Create customer",
				Type: models.StepTypeAction,
				Actions: []models.ActionSpec{{
					Kind: models.ActionCreateEntity,
					CreateEntity: &models.CreateEntityParams{
						EntityType:     "customer",
						Name:           "${customer_name}",
						ResultVariable: "customer_id",
					},
				}},
			},
			{
				ID:   "activate",
				Name: "Activate customer",
				Type: models.StepTypeAction,
				Actions: []models.ActionSpec{{
					Kind: models.ActionSetStatus,
					SetStatus: &models.SetStatusParams{
						SubjectEntityID: "${customer_id}",
						StatusSmartCode: "HERA.CRM.STATUS.ACTIVE.V1",
					},
				}},
			},
		},
	}
}

func TestRegisterAndGet(t *testing.T) {
	repo := NewRepository(memory.NewStore())

	registered, err := repo.Register(t.Context(), validDefinition())
	require.NoError(t, err)
	require.NotEmpty(t, registered.ID)
	assert.Equal(t, models.DefinitionStatusDraft, registered.Status)

	loaded, err := repo.Get(t.Context(), testOrg, registered.ID)
	require.NoError(t, err)
	assert.Equal(t, "Customer onboarding", loaded.Name)
	assert.Len(t, loaded.Steps, 2)
	assert.Nil(t, loaded.PublishedAt)
}

func TestGet_NotFound(t *testing.T) {
	repo := NewRepository(memory.NewStore())

	_, err := repo.Get(t.Context(), testOrg, "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDefinitionNotFound)
}

func TestPublish(t *testing.T) {
	repo := NewRepository(memory.NewStore())

	registered, err := repo.Register(t.Context(), validDefinition())
	require.NoError(t, err)

	published, err := repo.Publish(t.Context(), testOrg, registered.ID)
	require.NoError(t, err)
	assert.Equal(t, models.DefinitionStatusPublished, published.Status)
	require.NotNil(t, published.PublishedAt)

	// Publishing twice is rejected.
	_, err = repo.Publish(t.Context(), testOrg, registered.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyPublished)

	// So is updating a published definition.
	published.Description = "edited"
	err = repo.Update(t.Context(), published)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyPublished)
}

func TestPublish_RejectsUnresolvedVariableRef(t *testing.T) {
	repo := NewRepository(memory.NewStore())

	def := validDefinition()
	def.Steps[0].Actions[0].CreateEntity.Name = "${undeclared_variable}"

	registered, err := repo.Register(t.Context(), def)
	require.NoError(t, err)

	_, err = repo.Publish(t.Context(), testOrg, registered.ID)
	require.Error(t, err)

	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.NotEmpty(t, validation.Findings)
}

func TestValidate_Findings(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.Definition)
		finding string
	}{
		{
			name: "duplicate step id",
			mutate: func(def *models.Definition) {
				def.Steps[1].ID = def.Steps[0].ID
			},
			finding: "duplicate step id",
		},
		{
			name: "action params mismatch",
			mutate: func(def *models.Definition) {
				def.Steps[0].Actions[0].Kind = models.ActionSetStatus
			},
			finding: "no parameters",
		},
		{
			name: "error handler targets unknown step",
			mutate: func(def *models.Definition) {
				def.Steps[0].ErrorHandlers = map[string]string{"default": "nonexistent"}
			},
			finding: "targets unknown step",
		},
		{
			name: "conditional without condition",
			mutate: func(def *models.Definition) {
				def.Steps[0].Type = models.StepTypeConditional
			},
			finding: "has no condition",
		},
		{
			name: "schedule trigger without cron",
			mutate: func(def *models.Definition) {
				def.Trigger = models.TriggerSpec{Type: "schedule"}
			},
			finding: "no cron expression",
		},
		{
			name: "empty steps rejected by schema",
			mutate: func(def *models.Definition) {
				def.Steps = nil
			},
			finding: "steps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := validDefinition()
			tt.mutate(def)

			err := Validate(def)
			require.Error(t, err)

			var validation *ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Contains(t, validation.Error(), tt.finding)
		})
	}
}

func TestList(t *testing.T) {
	repo := NewRepository(memory.NewStore())

	_, err := repo.Register(t.Context(), validDefinition())
	require.NoError(t, err)

	second := validDefinition()
	second.Name = "Refund processing"
	_, err = repo.Register(t.Context(), second)
	require.NoError(t, err)

	entities, err := repo.List(t.Context(), testOrg)
	require.NoError(t, err)
	assert.Len(t, entities, 2)
}
