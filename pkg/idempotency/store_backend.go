package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store"
)

const recordFieldName = "idempotency_record"

// StoreBackend persists idempotency records as idempotency_record entities
// with the record document attached as a dynamic field. The store's unique
// (organization, type, code) constraint arbitrates concurrent reservations:
// the loser of a race reads back the winner's record.
type StoreBackend struct {
	store store.Store
}

// NewStoreBackend creates a store-backed idempotency backend.
func NewStoreBackend(st store.Store) *StoreBackend {
	return &StoreBackend{store: st}
}

func recordCode(key, endpoint string) string {
	return endpoint + "#" + key
}

func (b *StoreBackend) Get(ctx context.Context, orgID, key, endpoint string) (*Record, error) {
	entity, err := b.findEntity(ctx, orgID, key, endpoint)
	if err != nil || entity == nil {
		return nil, err
	}

	return b.loadRecord(ctx, orgID, entity.ID)
}

func (b *StoreBackend) Reserve(ctx context.Context, orgID string, record *Record) (*Record, bool, error) {
	entity := &models.Entity{
		Type:           models.EntityTypeIdempotency,
		Name:           "Idempotency " + record.Key,
		Code:           recordCode(record.Key, record.Endpoint),
		OrganizationID: orgID,
		SmartCode:      "HERA.PLAYBOOK.IDEMPOTENCY.RECORD.V1",
	}

	created, err := b.store.CreateEntity(ctx, entity)
	if err != nil {
		if store.IsDuplicateKey(err) {
			winner, loadErr := b.Get(ctx, orgID, record.Key, record.Endpoint)
			if loadErr != nil {
				return nil, false, loadErr
			}

			if winner == nil {
				// The competing record expired between the write and the
				// read; surface the conflict to the caller as in-flight.
				return record, false, nil
			}

			return winner, false, nil
		}

		return nil, false, fmt.Errorf("failed to create idempotency entity: %w", err)
	}

	err = b.writeRecord(ctx, orgID, created.ID, record)
	if err != nil {
		return nil, false, err
	}

	return record, true, nil
}

func (b *StoreBackend) Complete(ctx context.Context, orgID string, record *Record) error {
	entity, err := b.findEntity(ctx, orgID, record.Key, record.Endpoint)
	if err != nil {
		return err
	}

	if entity == nil {
		return store.NewStoreError("Complete", record.Key, store.ErrEntityNotFound)
	}

	return b.writeRecord(ctx, orgID, entity.ID, record)
}

func (b *StoreBackend) findEntity(ctx context.Context, orgID, key, endpoint string) (*models.Entity, error) {
	entities, err := b.store.QueryEntities(ctx, store.EntityFilter{
		OrganizationID: orgID,
		Type:           models.EntityTypeIdempotency,
		Code:           recordCode(key, endpoint),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query idempotency records: %w", err)
	}

	if len(entities) == 0 {
		return nil, nil
	}

	return entities[0], nil
}

func (b *StoreBackend) loadRecord(ctx context.Context, orgID, entityID string) (*Record, error) {
	fields, err := b.store.GetDynamicFields(ctx, orgID, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to load idempotency fields: %w", err)
	}

	for _, field := range fields {
		if field.FieldName != recordFieldName || field.ValueText == nil {
			continue
		}

		var record Record

		err := json.Unmarshal([]byte(*field.ValueText), &record)
		if err != nil {
			return nil, fmt.Errorf("failed to decode idempotency record: %w", err)
		}

		// Lazy expiry: an expired record is treated as absent.
		if time.Now().UTC().After(record.ExpiresAt) {
			return nil, nil
		}

		return &record, nil
	}

	return nil, nil
}

func (b *StoreBackend) writeRecord(ctx context.Context, orgID, entityID string, record *Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode idempotency record: %w", err)
	}

	text := string(payload)

	err = b.store.SetDynamicField(ctx, &models.DynamicField{
		EntityID:       entityID,
		FieldName:      recordFieldName,
		ValueText:      &text,
		SmartCode:      "HERA.PLAYBOOK.IDEMPOTENCY.PAYLOAD.V1",
		OrganizationID: orgID,
	})
	if err != nil {
		return fmt.Errorf("failed to write idempotency record: %w", err)
	}

	return nil
}

var _ Backend = (*StoreBackend)(nil)
