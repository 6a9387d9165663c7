// Package status derives and transitions the current status of any entity.
// Status is never a column on the subject: it is the single active HAS_STATUS
// relationship from the subject to a status_value entity, so status history
// falls out of retired edges for free.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store"
)

// ErrStatusNotFound indicates no status_value entity exists for the
// requested smart code in the organization.
var ErrStatusNotFound = errors.New("status value not found")

// ErrNoCurrentStatus indicates the subject has no active HAS_STATUS edge.
var ErrNoCurrentStatus = errors.New("subject has no current status")

// Manager performs status reads and transitions.
type Manager struct {
	store  store.Store
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a status manager over the given store.
func NewManager(st store.Store, logger *slog.Logger) *Manager {
	return &Manager{
		store:  st,
		logger: logger.With("module", "status"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// subjectLock returns the per-subject mutex, creating it on first use.
// Transitions for distinct subjects proceed concurrently; transitions for the
// same subject are serialized in-process.
func (m *Manager) subjectLock(orgID, subjectID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := orgID + "/" + subjectID

	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}

	return lock
}

// SetStatus transitions the subject to the status value identified by smart
// code: every active HAS_STATUS edge is retired, then one new active edge is
// created. Finding more than one active edge is an invariant violation from
// an earlier crash; all of them are retired, which repairs it.
func (m *Manager) SetStatus(ctx context.Context, orgID, subjectID, statusSmartCode string) error {
	statusEntity, err := m.resolveStatus(ctx, orgID, statusSmartCode)
	if err != nil {
		return err
	}

	lock := m.subjectLock(orgID, subjectID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()

	active, err := m.activeEdges(ctx, orgID, subjectID, now)
	if err != nil {
		return err
	}

	if len(active) > 1 {
		m.logger.WarnContext(ctx, "repairing multiple active status edges",
			"subject_id", subjectID, "count", len(active))
	}

	for _, edge := range active {
		edge.IsActive = false
		expiration := now
		edge.ExpirationDate = &expiration

		err = m.store.UpdateRelationship(ctx, edge)
		if err != nil {
			return fmt.Errorf("failed to retire status edge %s: %w", edge.ID, err)
		}
	}

	_, err = m.store.CreateRelationship(ctx, &models.Relationship{
		FromEntityID:   subjectID,
		ToEntityID:     statusEntity.ID,
		Type:           models.RelationshipHasStatus,
		IsActive:       true,
		EffectiveDate:  now,
		SmartCode:      statusSmartCode,
		OrganizationID: orgID,
	})
	if err != nil {
		return fmt.Errorf("failed to create status edge for %s: %w", subjectID, err)
	}

	return nil
}

// Current re-derives the subject's status from its active HAS_STATUS edge.
// When a crash between retire and create left several active edges, the
// newest one wins and the rest are retired before returning.
func (m *Manager) Current(ctx context.Context, orgID, subjectID string) (*models.Entity, error) {
	now := time.Now().UTC()

	active, err := m.activeEdges(ctx, orgID, subjectID, now)
	if err != nil {
		return nil, err
	}

	if len(active) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoCurrentStatus, subjectID)
	}

	winner := active[0]
	for _, edge := range active[1:] {
		if edge.EffectiveDate.After(winner.EffectiveDate) {
			winner = edge
		}
	}

	if len(active) > 1 {
		m.repair(ctx, orgID, subjectID, active, winner, now)
	}

	statuses, err := m.store.QueryEntities(ctx, store.EntityFilter{
		OrganizationID: orgID,
		Type:           models.EntityTypeStatusValue,
		IDs:            []string{winner.ToEntityID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load status entity: %w", err)
	}

	if len(statuses) == 0 {
		return nil, fmt.Errorf("%w: entity %s", ErrStatusNotFound, winner.ToEntityID)
	}

	return statuses[0], nil
}

// History returns all HAS_STATUS edges for the subject, retired ones
// included, ordered by effective date.
func (m *Manager) History(ctx context.Context, orgID, subjectID string) ([]*models.Relationship, error) {
	edges, err := m.store.QueryRelationships(ctx, store.RelationshipFilter{
		OrganizationID: orgID,
		FromEntityID:   subjectID,
		Type:           models.RelationshipHasStatus,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load status history: %w", err)
	}

	return edges, nil
}

// EnsureStatusValue creates the status_value entity for the smart code when
// missing and returns it. Used when seeding engine-owned statuses.
func (m *Manager) EnsureStatusValue(ctx context.Context, orgID, smartCode, name string) (*models.Entity, error) {
	existing, err := m.resolveStatus(ctx, orgID, smartCode)
	if err == nil {
		return existing, nil
	}

	if !errors.Is(err, ErrStatusNotFound) {
		return nil, err
	}

	created, err := m.store.CreateEntity(ctx, &models.Entity{
		Type:           models.EntityTypeStatusValue,
		Name:           name,
		OrganizationID: orgID,
		SmartCode:      smartCode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create status value %s: %w", smartCode, err)
	}

	return created, nil
}

func (m *Manager) resolveStatus(ctx context.Context, orgID, smartCode string) (*models.Entity, error) {
	statuses, err := m.store.QueryEntities(ctx, store.EntityFilter{
		OrganizationID: orgID,
		Type:           models.EntityTypeStatusValue,
		SmartCode:      smartCode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to resolve status value: %w", err)
	}

	if len(statuses) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrStatusNotFound, smartCode)
	}

	return statuses[0], nil
}

func (m *Manager) activeEdges(ctx context.Context, orgID, subjectID string, at time.Time) ([]*models.Relationship, error) {
	edges, err := m.store.QueryRelationships(ctx, store.RelationshipFilter{
		OrganizationID: orgID,
		FromEntityID:   subjectID,
		Type:           models.RelationshipHasStatus,
		ActiveAt:       &at,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query status edges: %w", err)
	}

	return edges, nil
}

func (m *Manager) repair(ctx context.Context, orgID, subjectID string, active []*models.Relationship, winner *models.Relationship, now time.Time) {
	m.logger.WarnContext(ctx, "repairing multiple active status edges on read",
		"subject_id", subjectID, "count", len(active))

	lock := m.subjectLock(orgID, subjectID)
	lock.Lock()
	defer lock.Unlock()

	for _, edge := range active {
		if edge.ID == winner.ID {
			continue
		}

		edge.IsActive = false
		expiration := now
		edge.ExpirationDate = &expiration

		err := m.store.UpdateRelationship(ctx, edge)
		if err != nil {
			m.logger.ErrorContext(ctx, "failed to retire stale status edge",
				"relationship_id", edge.ID, "error", err)
		}
	}
}
