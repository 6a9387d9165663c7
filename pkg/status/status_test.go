package status

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store"
	"github.com/heraerp/playbook/pkg/store/memory"
)

func storeFilterBySmartCode(smartCode string) store.EntityFilter {
	return store.EntityFilter{
		OrganizationID: testOrg,
		Type:           models.EntityTypeStatusValue,
		SmartCode:      smartCode,
	}
}

const testOrg = "org-1"

const (
	statusActive    = "HERA.PLAYBOOK.STATUS.ACTIVE.V1"
	statusSuspended = "HERA.PLAYBOOK.STATUS.SUSPENDED.V1"
)

func newTestManager(t *testing.T) (*Manager, *memory.Store, *models.Entity) {
	t.Helper()

	st := memory.NewStore()
	manager := NewManager(st, slog.Default())

	for code, name := range map[string]string{
		statusActive:    "Active",
		statusSuspended: "Suspended",
	} {
		_, err := manager.EnsureStatusValue(t.Context(), testOrg, code, name)
		require.NoError(t, err)
	}

	subject, err := st.CreateEntity(t.Context(), &models.Entity{
		Type:           "customer",
		Name:           "Acme",
		OrganizationID: testOrg,
	})
	require.NoError(t, err)

	return manager, st, subject
}

func TestSetStatus_FirstTransition(t *testing.T) {
	manager, _, subject := newTestManager(t)

	err := manager.SetStatus(t.Context(), testOrg, subject.ID, statusActive)
	require.NoError(t, err)

	current, err := manager.Current(t.Context(), testOrg, subject.ID)
	require.NoError(t, err)
	assert.Equal(t, statusActive, current.SmartCode)
	assert.Equal(t, "Active", current.Name)
}

func TestSetStatus_RetiresPreviousEdge(t *testing.T) {
	manager, _, subject := newTestManager(t)

	require.NoError(t, manager.SetStatus(t.Context(), testOrg, subject.ID, statusActive))
	require.NoError(t, manager.SetStatus(t.Context(), testOrg, subject.ID, statusSuspended))

	current, err := manager.Current(t.Context(), testOrg, subject.ID)
	require.NoError(t, err)
	assert.Equal(t, statusSuspended, current.SmartCode)

	history, err := manager.History(t.Context(), testOrg, subject.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)

	activeCount := 0
	for _, edge := range history {
		if edge.ActiveAt(time.Now().UTC()) {
			activeCount++
		}
	}

	assert.Equal(t, 1, activeCount, "exactly one active edge after transition")
}

func TestSetStatus_UnknownStatusValue(t *testing.T) {
	manager, _, subject := newTestManager(t)

	err := manager.SetStatus(t.Context(), testOrg, subject.ID, "HERA.PLAYBOOK.STATUS.MISSING.V1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatusNotFound)
}

func TestCurrent_NoStatus(t *testing.T) {
	manager, _, subject := newTestManager(t)

	_, err := manager.Current(t.Context(), testOrg, subject.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoCurrentStatus)
}

func TestCurrent_RepairsMultipleActiveEdges(t *testing.T) {
	manager, st, subject := newTestManager(t)

	statuses, err := st.QueryEntities(t.Context(), storeFilterBySmartCode(statusActive))
	require.NoError(t, err)
	require.Len(t, statuses, 1)

	suspended, err := st.QueryEntities(t.Context(), storeFilterBySmartCode(statusSuspended))
	require.NoError(t, err)
	require.Len(t, suspended, 1)

	// Simulate a crash between retire and create: two active edges.
	older := time.Now().UTC().Add(-time.Hour)
	_, err = st.CreateRelationship(t.Context(), &models.Relationship{
		FromEntityID:   subject.ID,
		ToEntityID:     statuses[0].ID,
		Type:           models.RelationshipHasStatus,
		IsActive:       true,
		EffectiveDate:  older,
		OrganizationID: testOrg,
	})
	require.NoError(t, err)

	_, err = st.CreateRelationship(t.Context(), &models.Relationship{
		FromEntityID:   subject.ID,
		ToEntityID:     suspended[0].ID,
		Type:           models.RelationshipHasStatus,
		IsActive:       true,
		EffectiveDate:  time.Now().UTC(),
		OrganizationID: testOrg,
	})
	require.NoError(t, err)

	// The newest edge wins and the older one is retired.
	current, err := manager.Current(t.Context(), testOrg, subject.ID)
	require.NoError(t, err)
	assert.Equal(t, statusSuspended, current.SmartCode)

	history, err := manager.History(t.Context(), testOrg, subject.ID)
	require.NoError(t, err)

	activeCount := 0
	for _, edge := range history {
		if edge.ActiveAt(time.Now().UTC()) {
			activeCount++
		}
	}

	assert.Equal(t, 1, activeCount)
}

func TestSetStatus_ConcurrentTransitionsKeepOneActiveEdge(t *testing.T) {
	manager, _, subject := newTestManager(t)

	var wg sync.WaitGroup

	for i := range 10 {
		wg.Add(1)

		code := statusActive
		if i%2 == 1 {
			code = statusSuspended
		}

		go func() {
			defer wg.Done()

			_ = manager.SetStatus(t.Context(), testOrg, subject.ID, code)
		}()
	}

	wg.Wait()

	history, err := manager.History(t.Context(), testOrg, subject.ID)
	require.NoError(t, err)

	activeCount := 0
	for _, edge := range history {
		if edge.ActiveAt(time.Now().UTC()) {
			activeCount++
		}
	}

	assert.Equal(t, 1, activeCount)
}
