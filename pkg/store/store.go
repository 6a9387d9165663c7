// Package store defines the generic persistent store adapter the engine
// runs against: organization-scoped create/read/update/query operations over
// entities, dynamic fields, relationships and transactions. The engine owns
// no schema of its own; everything it persists maps onto these four kinds.
package store

import (
	"context"
	"time"

	"github.com/heraerp/playbook/pkg/models"
)

// EntityFilter narrows entity queries. Zero fields match everything within
// the organization.
type EntityFilter struct {
	OrganizationID string
	Type           string
	SmartCode      string
	Code           string
	IDs            []string
	MetadataEquals map[string]any
}

// RelationshipFilter narrows relationship queries.
type RelationshipFilter struct {
	OrganizationID string
	FromEntityID   string
	ToEntityID     string
	Type           string
	// ActiveAt, when set, matches only edges active and unexpired at the
	// given instant.
	ActiveAt *time.Time
}

// TransactionFilter narrows transaction queries.
type TransactionFilter struct {
	OrganizationID string
	Type           string
	SmartCode      string
	SourceEntityID string
	TargetEntityID string
	MetadataEquals map[string]any
	Since          *time.Time
	Limit          int
}

// Store is the fixed contract of the persistent store adapter. Every call is
// organization-scoped; implementations must reject cross-organization reads
// and writes.
type Store interface {
	CreateEntity(ctx context.Context, entity *models.Entity) (*models.Entity, error)
	UpdateEntity(ctx context.Context, entity *models.Entity) error
	QueryEntities(ctx context.Context, filter EntityFilter) ([]*models.Entity, error)

	SetDynamicField(ctx context.Context, field *models.DynamicField) error
	GetDynamicFields(ctx context.Context, orgID, entityID string) ([]*models.DynamicField, error)

	CreateRelationship(ctx context.Context, rel *models.Relationship) (*models.Relationship, error)
	UpdateRelationship(ctx context.Context, rel *models.Relationship) error
	QueryRelationships(ctx context.Context, filter RelationshipFilter) ([]*models.Relationship, error)

	CreateTransaction(ctx context.Context, txn *models.Transaction, lines []models.TransactionLine) (*models.Transaction, error)
	UpdateTransaction(ctx context.Context, txn *models.Transaction) error
	QueryTransactions(ctx context.Context, filter TransactionFilter) ([]*models.Transaction, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
