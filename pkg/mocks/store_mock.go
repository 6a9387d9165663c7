// Package mocks provides testify mocks for the store, event bus and
// notifier contracts.
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store"
)

// MockStore is a mock implementation of the store.Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateEntity(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	args := m.Called(ctx, entity)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Entity), args.Error(1)
}

func (m *MockStore) UpdateEntity(ctx context.Context, entity *models.Entity) error {
	args := m.Called(ctx, entity)

	return args.Error(0)
}

func (m *MockStore) QueryEntities(ctx context.Context, filter store.EntityFilter) ([]*models.Entity, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Entity), args.Error(1)
}

func (m *MockStore) SetDynamicField(ctx context.Context, field *models.DynamicField) error {
	args := m.Called(ctx, field)

	return args.Error(0)
}

func (m *MockStore) GetDynamicFields(ctx context.Context, orgID, entityID string) ([]*models.DynamicField, error) {
	args := m.Called(ctx, orgID, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.DynamicField), args.Error(1)
}

func (m *MockStore) CreateRelationship(ctx context.Context, rel *models.Relationship) (*models.Relationship, error) {
	args := m.Called(ctx, rel)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Relationship), args.Error(1)
}

func (m *MockStore) UpdateRelationship(ctx context.Context, rel *models.Relationship) error {
	args := m.Called(ctx, rel)

	return args.Error(0)
}

func (m *MockStore) QueryRelationships(ctx context.Context, filter store.RelationshipFilter) ([]*models.Relationship, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Relationship), args.Error(1)
}

func (m *MockStore) CreateTransaction(ctx context.Context, txn *models.Transaction, lines []models.TransactionLine) (*models.Transaction, error) {
	args := m.Called(ctx, txn, lines)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.Transaction), args.Error(1)
}

func (m *MockStore) UpdateTransaction(ctx context.Context, txn *models.Transaction) error {
	args := m.Called(ctx, txn)

	return args.Error(0)
}

func (m *MockStore) QueryTransactions(ctx context.Context, filter store.TransactionFilter) ([]*models.Transaction, error) {
	args := m.Called(ctx, filter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.Transaction), args.Error(1)
}

func (m *MockStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockStore) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
