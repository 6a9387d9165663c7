package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraerp/playbook/pkg/models"
)

func TestRender_SingleReferenceKeepsType(t *testing.T) {
	variables := map[string]any{
		"name":    "Acme",
		"amount":  42.5,
		"enabled": true,
		"items":   []any{"a", "b"},
	}

	assert.Equal(t, "Acme", Render("${name}", variables))
	assert.Equal(t, 42.5, Render("${amount}", variables))
	assert.Equal(t, true, Render("${enabled}", variables))
	assert.Equal(t, []any{"a", "b"}, Render("${items}", variables))
}

func TestRender_Interpolation(t *testing.T) {
	variables := map[string]any{"name": "Acme", "amount": 42.5}

	assert.Equal(t, "Invoice for Acme: 42.5", Render("Invoice for ${name}: ${amount}", variables))
}

func TestRender_UnresolvedPassesThrough(t *testing.T) {
	variables := map[string]any{"name": "Acme"}

	assert.Equal(t, "${missing}", Render("${missing}", variables))
	assert.Equal(t, "Acme and ${missing}", Render("${name} and ${missing}", variables))
}

func TestRender_DottedPath(t *testing.T) {
	variables := map[string]any{
		"customer": map[string]any{"address": map[string]any{"city": "Lisbon"}},
	}

	assert.Equal(t, "Lisbon", Render("${customer.address.city}", variables))
	assert.Equal(t, "${customer.phone}", Render("${customer.phone}", variables))
}

func TestRenderMap_Recurses(t *testing.T) {
	variables := map[string]any{"id": "e-1", "city": "Porto"}

	rendered := RenderMap(map[string]any{
		"entity": "${id}",
		"nested": map[string]any{"location": "${city}"},
		"list":   []any{"${id}", 7},
		"plain":  3,
	}, variables)

	assert.Equal(t, "e-1", rendered["entity"])
	assert.Equal(t, map[string]any{"location": "Porto"}, rendered["nested"])
	assert.Equal(t, []any{"e-1", 7}, rendered["list"])
	assert.Equal(t, 3, rendered["plain"])
}

func TestRefs(t *testing.T) {
	refs := Refs("${a} plus ${b.c} plus ${a}")

	assert.Equal(t, []string{"a", "b"}, refs)
	assert.Empty(t, Refs("no references here"))
}

func TestValidateRefs(t *testing.T) {
	definition := &models.Definition{
		Variables: map[string]models.VariableSpec{
			"customer_name": {Type: "string", Required: true},
		},
		Steps: []models.Step{
			{
				ID:   "create",
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
				ID:   "link",
				Type: models.StepTypeAction,
				Actions: []models.ActionSpec{{
					Kind: models.ActionCreateRelationship,
					CreateRelationship: &models.CreateRelationshipParams{
						FromEntityID: "${customer_id}",
						ToEntityID:   "${subject_entity_id}",
						Type:         "BELONGS_TO",
					},
				}},
			},
		},
	}

	assert.NoError(t, ValidateRefs(definition))
}

func TestValidateRefs_RejectsUndeclared(t *testing.T) {
	definition := &models.Definition{
		Steps: []models.Step{{
			ID:   "notify",
			Type: models.StepTypeAction,
			Actions: []models.ActionSpec{{
				Kind: models.ActionSendNotification,
				SendNotification: &models.SendNotificationParams{
					Channel: "email",
					Body:    "Hello ${nobody}",
				},
			}},
		}},
	}

	err := ValidateRefs(definition)
	require.Error(t, err)

	var unresolved *UnresolvedRefError
	require.ErrorAs(t, err, &unresolved)
	assert.Equal(t, "notify", unresolved.StepID)
	assert.Equal(t, "nobody", unresolved.Variable)
}

func TestValidateRefs_LoopItemVariable(t *testing.T) {
	definition := &models.Definition{
		Variables: map[string]models.VariableSpec{
			"line_items": {Type: "array"},
		},
		Steps: []models.Step{{
			ID:   "per-item",
			Type: models.StepTypeLoop,
			Loop: &models.LoopSpec{OverVariable: "line_items", ItemVariable: "item"},
			Actions: []models.ActionSpec{{
				Kind: models.ActionSendNotification,
				SendNotification: &models.SendNotificationParams{
					Channel: "email",
					Body:    "Shipping ${item.sku}",
				},
			}},
		}},
	}

	assert.NoError(t, ValidateRefs(definition))
}

func TestValidateRefs_ResultVariableNotVisibleEarlier(t *testing.T) {
	definition := &models.Definition{
		Steps: []models.Step{
			{
				ID:   "use-before-set",
				Type: models.StepTypeAction,
				Actions: []models.ActionSpec{{
					Kind: models.ActionSendNotification,
					SendNotification: &models.SendNotificationParams{
						Channel: "email",
						Body:    "${customer_id}",
					},
				}},
			},
			{
				ID:   "create",
				Type: models.StepTypeAction,
				Actions: []models.ActionSpec{{
					Kind: models.ActionCreateEntity,
					CreateEntity: &models.CreateEntityParams{
						EntityType:     "customer",
						Name:           "Acme",
						ResultVariable: "customer_id",
					},
				}},
			},
		},
	}

	assert.Error(t, ValidateRefs(definition))
}
