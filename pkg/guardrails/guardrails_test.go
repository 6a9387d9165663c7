package guardrails

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/status"
	"github.com/heraerp/playbook/pkg/store/memory"
)

const testOrg = "org-1"

func newRegistry(t *testing.T) (*Registry, *memory.Store, *status.Manager) {
	t.Helper()

	st := memory.NewStore()
	statuses := status.NewManager(st, slog.Default())

	registry := NewRegistry()
	registry.Register(NewPaymentRequiredFactory(st))
	registry.Register(NewApprovalRequiredFactory(st))
	registry.Register(NewStatusMustBeFactory(statuses))

	return registry, st, statuses
}

func seedSubject(t *testing.T, st *memory.Store) *models.Entity {
	t.Helper()

	subject, err := st.CreateEntity(t.Context(), &models.Entity{
		Type:           "order",
		Name:           "Order 42",
		OrganizationID: testOrg,
	})
	require.NoError(t, err)

	return subject
}

func TestRegistry_UnknownType(t *testing.T) {
	registry, _, _ := newRegistry(t)

	_, err := registry.Create(models.GuardrailSpec{Type: "nonexistent"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestPaymentRequired(t *testing.T) {
	registry, st, _ := newRegistry(t)
	subject := seedSubject(t, st)

	input := Input{OrganizationID: testOrg, SubjectEntityID: subject.ID}
	spec := models.GuardrailSpec{Type: TypePaymentRequired}

	guardrail, err := registry.Create(spec)
	require.NoError(t, err)

	// No linked payment: fails closed.
	err = guardrail.Check(t.Context(), input)
	require.Error(t, err)
	assert.True(t, IsViolation(err))

	payment, err := st.CreateEntity(t.Context(), &models.Entity{
		Type:           "payment",
		Name:           "Payment 1",
		OrganizationID: testOrg,
	})
	require.NoError(t, err)

	_, err = st.CreateRelationship(t.Context(), &models.Relationship{
		FromEntityID:   subject.ID,
		ToEntityID:     payment.ID,
		Type:           models.RelationshipLinkedToPayment,
		IsActive:       true,
		OrganizationID: testOrg,
	})
	require.NoError(t, err)

	// Linked but pending: still a violation.
	paymentID := payment.ID
	_, err = st.CreateTransaction(t.Context(), &models.Transaction{
		Type:           models.TransactionTypePayment,
		SourceEntityID: &paymentID,
		TotalAmount:    99.50,
		Metadata:       map[string]any{"status": "pending"},
		OrganizationID: testOrg,
	}, nil)
	require.NoError(t, err)

	err = guardrail.Check(t.Context(), input)
	require.Error(t, err)
	assert.True(t, IsViolation(err))

	// Settled payment passes.
	_, err = st.CreateTransaction(t.Context(), &models.Transaction{
		Type:           models.TransactionTypePayment,
		SourceEntityID: &paymentID,
		TotalAmount:    99.50,
		Metadata:       map[string]any{"status": "settled"},
		OrganizationID: testOrg,
	}, nil)
	require.NoError(t, err)

	assert.NoError(t, guardrail.Check(t.Context(), input))

	// A minimum amount above the settled payment is a violation again.
	strict, err := registry.Create(models.GuardrailSpec{
		Type:   TypePaymentRequired,
		Config: map[string]any{"min_amount": 100.0},
	})
	require.NoError(t, err)

	err = strict.Check(t.Context(), input)
	require.Error(t, err)
	assert.True(t, IsViolation(err))
}

func TestApprovalRequired(t *testing.T) {
	registry, st, _ := newRegistry(t)
	subject := seedSubject(t, st)

	input := Input{OrganizationID: testOrg, SubjectEntityID: subject.ID}

	guardrail, err := registry.Create(models.GuardrailSpec{Type: TypeApprovalRequired})
	require.NoError(t, err)

	err = guardrail.Check(t.Context(), input)
	require.Error(t, err)
	assert.True(t, IsViolation(err))

	approver, err := st.CreateEntity(t.Context(), &models.Entity{
		Type:           models.EntityTypeUser,
		Name:           "Approver",
		OrganizationID: testOrg,
	})
	require.NoError(t, err)

	_, err = st.CreateRelationship(t.Context(), &models.Relationship{
		FromEntityID:   subject.ID,
		ToEntityID:     approver.ID,
		Type:           RelationshipApprovedBy,
		IsActive:       true,
		OrganizationID: testOrg,
	})
	require.NoError(t, err)

	assert.NoError(t, guardrail.Check(t.Context(), input))

	// A specific required approver that never signed off still fails.
	specific, err := registry.Create(models.GuardrailSpec{
		Type:   TypeApprovalRequired,
		Config: map[string]any{"approver_id": "someone-else"},
	})
	require.NoError(t, err)

	err = specific.Check(t.Context(), input)
	require.Error(t, err)
	assert.True(t, IsViolation(err))
}

func TestStatusMustBe(t *testing.T) {
	registry, st, statuses := newRegistry(t)
	subject := seedSubject(t, st)

	const approvedCode = "HERA.PLAYBOOK.STATUS.APPROVED.V1"

	_, err := statuses.EnsureStatusValue(t.Context(), testOrg, approvedCode, "Approved")
	require.NoError(t, err)

	guardrail, err := registry.Create(models.GuardrailSpec{
		Type:   TypeStatusMustBe,
		Config: map[string]any{"statuses": []any{approvedCode}},
	})
	require.NoError(t, err)

	input := Input{OrganizationID: testOrg, SubjectEntityID: subject.ID}

	// No status at all is a violation, not an evaluation error.
	err = guardrail.Check(t.Context(), input)
	require.Error(t, err)
	assert.True(t, IsViolation(err))

	require.NoError(t, statuses.SetStatus(t.Context(), testOrg, subject.ID, approvedCode))
	assert.NoError(t, guardrail.Check(t.Context(), input))
}

func TestStatusMustBe_RequiresConfig(t *testing.T) {
	registry, _, _ := newRegistry(t)

	_, err := registry.Create(models.GuardrailSpec{Type: TypeStatusMustBe})
	assert.Error(t, err)
}

func TestCheckAll_StopsAtFirstViolation(t *testing.T) {
	registry, st, statuses := newRegistry(t)
	subject := seedSubject(t, st)

	const activeCode = "HERA.PLAYBOOK.STATUS.ACTIVE.V1"

	_, err := statuses.EnsureStatusValue(t.Context(), testOrg, activeCode, "Active")
	require.NoError(t, err)
	require.NoError(t, statuses.SetStatus(t.Context(), testOrg, subject.ID, activeCode))

	specs := []models.GuardrailSpec{
		{Type: TypeStatusMustBe, Config: map[string]any{"statuses": []any{activeCode}}},
		{Type: TypePaymentRequired},
	}

	err = registry.CheckAll(t.Context(), specs, Input{OrganizationID: testOrg, SubjectEntityID: subject.ID})
	require.Error(t, err)

	var violation *ViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, TypePaymentRequired, violation.Guardrail)
}
