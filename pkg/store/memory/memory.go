// Package memory provides an in-memory store implementation for tests and
// local development. All operations are guarded by a single mutex, giving
// callers the same single-row atomicity the production store offers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store"
)

// Store implements store.Store backed by maps.
type Store struct {
	mu            sync.Mutex
	entities      map[string]*models.Entity
	fields        map[string][]*models.DynamicField // keyed by entity id
	relationships map[string]*models.Relationship
	transactions  map[string]*models.Transaction
	// entityCodes enforces uniqueness of (organization, type, code) for
	// entities carrying a code, mirroring the production unique index the
	// idempotency service depends on.
	entityCodes map[string]string
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		entities:      make(map[string]*models.Entity),
		fields:        make(map[string][]*models.DynamicField),
		relationships: make(map[string]*models.Relationship),
		transactions:  make(map[string]*models.Transaction),
		entityCodes:   make(map[string]string),
	}
}

func codeKey(orgID, entityType, code string) string {
	return orgID + "\x00" + entityType + "\x00" + code
}

func (s *Store) CreateEntity(_ context.Context, entity *models.Entity) (*models.Entity, error) {
	if entity.OrganizationID == "" {
		return nil, store.NewStoreError("CreateEntity", "", store.ErrOrganizationRequired)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *entity
	if saved.ID == "" {
		saved.ID = uuid.New().String()
	}

	if saved.Code != "" {
		key := codeKey(saved.OrganizationID, saved.Type, saved.Code)
		if _, exists := s.entityCodes[key]; exists {
			return nil, store.NewStoreError("CreateEntity", saved.Code, store.ErrDuplicateKey)
		}

		s.entityCodes[key] = saved.ID
	}

	now := time.Now().UTC()
	saved.CreatedAt = now
	saved.UpdatedAt = now

	s.entities[saved.ID] = &saved

	result := saved

	return &result, nil
}

func (s *Store) UpdateEntity(_ context.Context, entity *models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entities[entity.ID]
	if !ok || existing.OrganizationID != entity.OrganizationID {
		return store.NewStoreError("UpdateEntity", entity.ID, store.ErrEntityNotFound)
	}

	updated := *entity
	updated.CreatedAt = existing.CreatedAt
	updated.UpdatedAt = time.Now().UTC()
	s.entities[entity.ID] = &updated

	return nil
}

func (s *Store) QueryEntities(_ context.Context, filter store.EntityFilter) ([]*models.Entity, error) {
	if filter.OrganizationID == "" {
		return nil, store.NewStoreError("QueryEntities", "", store.ErrOrganizationRequired)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*models.Entity

	for _, entity := range s.entities {
		if entity.OrganizationID != filter.OrganizationID {
			continue
		}

		if filter.Type != "" && entity.Type != filter.Type {
			continue
		}

		if filter.SmartCode != "" && entity.SmartCode != filter.SmartCode {
			continue
		}

		if filter.Code != "" && entity.Code != filter.Code {
			continue
		}

		if len(filter.IDs) > 0 && !contains(filter.IDs, entity.ID) {
			continue
		}

		if !metadataMatches(entity.Metadata, filter.MetadataEquals) {
			continue
		}

		copied := *entity
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	return result, nil
}

func (s *Store) SetDynamicField(_ context.Context, field *models.DynamicField) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entities[field.EntityID]; !ok {
		return store.NewStoreError("SetDynamicField", field.EntityID, store.ErrEntityNotFound)
	}

	saved := *field
	saved.UpdatedAt = time.Now().UTC()

	fields := s.fields[field.EntityID]
	for i, existing := range fields {
		if existing.FieldName == field.FieldName {
			fields[i] = &saved

			return nil
		}
	}

	s.fields[field.EntityID] = append(fields, &saved)

	return nil
}

func (s *Store) GetDynamicFields(_ context.Context, orgID, entityID string) ([]*models.DynamicField, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entity, ok := s.entities[entityID]
	if !ok || entity.OrganizationID != orgID {
		return nil, store.NewStoreError("GetDynamicFields", entityID, store.ErrEntityNotFound)
	}

	result := make([]*models.DynamicField, 0, len(s.fields[entityID]))
	for _, field := range s.fields[entityID] {
		copied := *field
		result = append(result, &copied)
	}

	return result, nil
}

func (s *Store) CreateRelationship(_ context.Context, rel *models.Relationship) (*models.Relationship, error) {
	if rel.OrganizationID == "" {
		return nil, store.NewStoreError("CreateRelationship", "", store.ErrOrganizationRequired)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *rel
	if saved.ID == "" {
		saved.ID = uuid.New().String()
	}

	if saved.EffectiveDate.IsZero() {
		saved.EffectiveDate = time.Now().UTC()
	}

	s.relationships[saved.ID] = &saved

	result := saved

	return &result, nil
}

func (s *Store) UpdateRelationship(_ context.Context, rel *models.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.relationships[rel.ID]
	if !ok || existing.OrganizationID != rel.OrganizationID {
		return store.NewStoreError("UpdateRelationship", rel.ID, store.ErrRelationshipNotFound)
	}

	updated := *rel
	s.relationships[rel.ID] = &updated

	return nil
}

func (s *Store) QueryRelationships(_ context.Context, filter store.RelationshipFilter) ([]*models.Relationship, error) {
	if filter.OrganizationID == "" {
		return nil, store.NewStoreError("QueryRelationships", "", store.ErrOrganizationRequired)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*models.Relationship

	for _, rel := range s.relationships {
		if rel.OrganizationID != filter.OrganizationID {
			continue
		}

		if filter.FromEntityID != "" && rel.FromEntityID != filter.FromEntityID {
			continue
		}

		if filter.ToEntityID != "" && rel.ToEntityID != filter.ToEntityID {
			continue
		}

		if filter.Type != "" && rel.Type != filter.Type {
			continue
		}

		if filter.ActiveAt != nil && !rel.ActiveAt(*filter.ActiveAt) {
			continue
		}

		copied := *rel
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].EffectiveDate.Before(result[j].EffectiveDate)
	})

	return result, nil
}

func (s *Store) CreateTransaction(_ context.Context, txn *models.Transaction, lines []models.TransactionLine) (*models.Transaction, error) {
	if txn.OrganizationID == "" {
		return nil, store.NewStoreError("CreateTransaction", "", store.ErrOrganizationRequired)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saved := *txn
	if saved.ID == "" {
		saved.ID = uuid.New().String()
	}

	if saved.OccurredAt.IsZero() {
		saved.OccurredAt = time.Now().UTC()
	}

	saved.Lines = make([]models.TransactionLine, len(lines))

	for i, line := range lines {
		line.ID = uuid.New().String()
		line.TransactionID = saved.ID
		line.LineNumber = i + 1
		saved.Lines[i] = line
	}

	s.transactions[saved.ID] = &saved

	result := saved

	return &result, nil
}

func (s *Store) UpdateTransaction(_ context.Context, txn *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.transactions[txn.ID]
	if !ok || existing.OrganizationID != txn.OrganizationID {
		return store.NewStoreError("UpdateTransaction", txn.ID, store.ErrTransactionNotFound)
	}

	updated := *txn
	updated.Lines = existing.Lines
	s.transactions[txn.ID] = &updated

	return nil
}

func (s *Store) QueryTransactions(_ context.Context, filter store.TransactionFilter) ([]*models.Transaction, error) {
	if filter.OrganizationID == "" {
		return nil, store.NewStoreError("QueryTransactions", "", store.ErrOrganizationRequired)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*models.Transaction

	for _, txn := range s.transactions {
		if txn.OrganizationID != filter.OrganizationID {
			continue
		}

		if filter.Type != "" && txn.Type != filter.Type {
			continue
		}

		if filter.SmartCode != "" && txn.SmartCode != filter.SmartCode {
			continue
		}

		if filter.SourceEntityID != "" && (txn.SourceEntityID == nil || *txn.SourceEntityID != filter.SourceEntityID) {
			continue
		}

		if filter.TargetEntityID != "" && (txn.TargetEntityID == nil || *txn.TargetEntityID != filter.TargetEntityID) {
			continue
		}

		if filter.Since != nil && txn.OccurredAt.Before(*filter.Since) {
			continue
		}

		if !metadataMatches(txn.Metadata, filter.MetadataEquals) {
			continue
		}

		copied := *txn
		result = append(result, &copied)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}

	return result, nil
}

func (s *Store) HealthCheck(_ context.Context) error {
	return nil
}

func (s *Store) Close(_ context.Context) error {
	return nil
}

func contains(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}

	return false
}

func metadataMatches(metadata, wanted map[string]any) bool {
	for key, value := range wanted {
		actual, ok := metadata[key]
		if !ok {
			return false
		}

		if fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", value) {
			return false
		}
	}

	return true
}

var _ store.Store = (*Store)(nil)
