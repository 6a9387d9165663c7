package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store"
)

func TestCreateEntity_RequiresOrganization(t *testing.T) {
	st := NewStore()

	_, err := st.CreateEntity(t.Context(), &models.Entity{Type: "customer", Name: "Acme"})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrOrganizationRequired)
}

func TestQueryEntities_OrganizationIsolation(t *testing.T) {
	st := NewStore()

	_, err := st.CreateEntity(t.Context(), &models.Entity{Type: "customer", Name: "A", OrganizationID: "org-1"})
	require.NoError(t, err)

	_, err = st.CreateEntity(t.Context(), &models.Entity{Type: "customer", Name: "B", OrganizationID: "org-2"})
	require.NoError(t, err)

	result, err := st.QueryEntities(t.Context(), store.EntityFilter{OrganizationID: "org-1", Type: "customer"})
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "A", result[0].Name)
}

func TestCreateEntity_DuplicateCodeRejected(t *testing.T) {
	st := NewStore()

	_, err := st.CreateEntity(t.Context(), &models.Entity{
		Type: "idempotency_record", Name: "r1", Code: "key-1", OrganizationID: "org-1",
	})
	require.NoError(t, err)

	_, err = st.CreateEntity(t.Context(), &models.Entity{
		Type: "idempotency_record", Name: "r2", Code: "key-1", OrganizationID: "org-1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)

	// Same code in a different organization is fine.
	_, err = st.CreateEntity(t.Context(), &models.Entity{
		Type: "idempotency_record", Name: "r3", Code: "key-1", OrganizationID: "org-2",
	})
	require.NoError(t, err)
}

func TestQueryRelationships_ActiveAtFilter(t *testing.T) {
	st := NewStore()
	now := time.Now().UTC()
	expired := now.Add(-time.Hour)

	_, err := st.CreateRelationship(t.Context(), &models.Relationship{
		FromEntityID: "a", ToEntityID: "b", Type: "HAS_STATUS",
		IsActive: true, OrganizationID: "org-1",
		EffectiveDate: now.Add(-2 * time.Hour), ExpirationDate: &expired,
	})
	require.NoError(t, err)

	_, err = st.CreateRelationship(t.Context(), &models.Relationship{
		FromEntityID: "a", ToEntityID: "c", Type: "HAS_STATUS",
		IsActive: true, OrganizationID: "org-1",
	})
	require.NoError(t, err)

	active, err := st.QueryRelationships(t.Context(), store.RelationshipFilter{
		OrganizationID: "org-1", FromEntityID: "a", Type: "HAS_STATUS", ActiveAt: &now,
	})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "c", active[0].ToEntityID)
}

func TestQueryTransactions_MetadataAndLimit(t *testing.T) {
	st := NewStore()

	for i, runID := range []string{"run-1", "run-1", "run-2"} {
		_, err := st.CreateTransaction(t.Context(), &models.Transaction{
			Type:           "PLAYBOOK_STEP_EXECUTION",
			OrganizationID: "org-1",
			OccurredAt:     time.Now().UTC().Add(time.Duration(i) * time.Second),
			Metadata:       map[string]any{"run_id": runID},
		}, nil)
		require.NoError(t, err)
	}

	matched, err := st.QueryTransactions(t.Context(), store.TransactionFilter{
		OrganizationID: "org-1",
		Type:           "PLAYBOOK_STEP_EXECUTION",
		MetadataEquals: map[string]any{"run_id": "run-1"},
	})
	require.NoError(t, err)
	assert.Len(t, matched, 2)

	limited, err := st.QueryTransactions(t.Context(), store.TransactionFilter{
		OrganizationID: "org-1",
		Type:           "PLAYBOOK_STEP_EXECUTION",
		MetadataEquals: map[string]any{"run_id": "run-1"},
		Limit:          1,
	})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestTransactionLines_NumberedAndImmutable(t *testing.T) {
	st := NewStore()

	created, err := st.CreateTransaction(t.Context(), &models.Transaction{
		Type:           "payment",
		OrganizationID: "org-1",
	}, []models.TransactionLine{
		{Description: "first"},
		{Description: "second"},
	})
	require.NoError(t, err)
	require.Len(t, created.Lines, 2)
	assert.Equal(t, 1, created.Lines[0].LineNumber)
	assert.Equal(t, 2, created.Lines[1].LineNumber)

	// Header updates keep the original lines.
	created.Metadata = map[string]any{"status": "settled"}
	require.NoError(t, st.UpdateTransaction(t.Context(), created))

	queried, err := st.QueryTransactions(t.Context(), store.TransactionFilter{
		OrganizationID: "org-1", Type: "payment",
	})
	require.NoError(t, err)
	require.Len(t, queried, 1)
	assert.Len(t, queried[0].Lines, 2)
}
