// Package postgres provides the PostgreSQL implementation of the universal
// store adapter: five generic tables holding entities, dynamic fields,
// relationships, transactions and transaction lines.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store"
)

const uniqueViolationCode = "23505"

// Store implements store.Store on PostgreSQL.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore connects to PostgreSQL and runs pending migrations.
func NewStore(ctx context.Context, logger *slog.Logger, databaseURL string) (*Store, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := NewMigrationManager(logger, database, migrations())

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Store{db: database, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close(_ context.Context) error {
	if s.db != nil {
		err := s.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Store) HealthCheck(ctx context.Context) error {
	err := s.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (s *Store) CreateEntity(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	if entity.OrganizationID == "" {
		return nil, store.NewStoreError("CreateEntity", "", store.ErrOrganizationRequired)
	}

	saved := *entity
	if saved.ID == "" {
		saved.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	saved.CreatedAt = now
	saved.UpdatedAt = now

	metadataJSON, err := marshalMetadata(saved.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity metadata: %w", err)
	}

	query := `
		INSERT INTO core_entities (
			id, entity_type, entity_name, entity_code, organization_id,
			smart_code, metadata, created_at, updated_at
		)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9)
	`

	_, err = s.db.ExecContext(ctx, query,
		saved.ID, saved.Type, saved.Name, saved.Code, saved.OrganizationID,
		saved.SmartCode, metadataJSON, saved.CreatedAt, saved.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.NewStoreError("CreateEntity", saved.Code, store.ErrDuplicateKey)
		}

		return nil, fmt.Errorf("failed to insert entity: %w", err)
	}

	return &saved, nil
}

func (s *Store) UpdateEntity(ctx context.Context, entity *models.Entity) error {
	metadataJSON, err := marshalMetadata(entity.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal entity metadata: %w", err)
	}

	query := `
		UPDATE core_entities
		SET entity_name = $1, entity_code = NULLIF($2, ''), smart_code = $3,
		    metadata = $4, updated_at = NOW()
		WHERE id = $5 AND organization_id = $6
	`

	result, err := s.db.ExecContext(ctx, query,
		entity.Name, entity.Code, entity.SmartCode, metadataJSON,
		entity.ID, entity.OrganizationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return store.NewStoreError("UpdateEntity", entity.ID, store.ErrEntityNotFound)
	}

	return nil
}

func (s *Store) QueryEntities(ctx context.Context, filter store.EntityFilter) ([]*models.Entity, error) {
	if filter.OrganizationID == "" {
		return nil, store.NewStoreError("QueryEntities", "", store.ErrOrganizationRequired)
	}

	query := strings.Builder{}
	query.WriteString(`
		SELECT id, entity_type, entity_name, COALESCE(entity_code, ''),
		       organization_id, COALESCE(smart_code, ''), metadata, created_at, updated_at
		FROM core_entities
		WHERE organization_id = $1
	`)

	args := []any{filter.OrganizationID}

	if filter.Type != "" {
		args = append(args, filter.Type)
		query.WriteString(" AND entity_type = $" + strconv.Itoa(len(args)))
	}

	if filter.SmartCode != "" {
		args = append(args, filter.SmartCode)
		query.WriteString(" AND smart_code = $" + strconv.Itoa(len(args)))
	}

	if filter.Code != "" {
		args = append(args, filter.Code)
		query.WriteString(" AND entity_code = $" + strconv.Itoa(len(args)))
	}

	if len(filter.IDs) > 0 {
		args = append(args, pq.Array(filter.IDs))
		query.WriteString(" AND id = ANY($" + strconv.Itoa(len(args)) + ")")
	}

	if len(filter.MetadataEquals) > 0 {
		metadataJSON, err := json.Marshal(filter.MetadataEquals)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata filter: %w", err)
		}

		args = append(args, string(metadataJSON))
		query.WriteString(" AND metadata @> $" + strconv.Itoa(len(args)) + "::jsonb")
	}

	query.WriteString(" ORDER BY created_at")

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}

	defer s.closeRows(ctx, rows)

	var entities []*models.Entity

	for rows.Next() {
		var (
			entity       models.Entity
			metadataJSON []byte
		)

		err := rows.Scan(
			&entity.ID, &entity.Type, &entity.Name, &entity.Code,
			&entity.OrganizationID, &entity.SmartCode, &metadataJSON,
			&entity.CreatedAt, &entity.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}

		err = unmarshalMetadata(metadataJSON, &entity.Metadata)
		if err != nil {
			return nil, err
		}

		entities = append(entities, &entity)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}

	return entities, nil
}

func (s *Store) SetDynamicField(ctx context.Context, field *models.DynamicField) error {
	valueJSON, err := marshalMetadata(field.ValueJSON)
	if err != nil {
		return fmt.Errorf("failed to marshal field value: %w", err)
	}

	query := `
		INSERT INTO core_dynamic_fields (
			entity_id, field_name, value_text, value_number, value_bool,
			value_json, smart_code, organization_id, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (entity_id, field_name) DO UPDATE SET
			value_text = EXCLUDED.value_text,
			value_number = EXCLUDED.value_number,
			value_bool = EXCLUDED.value_bool,
			value_json = EXCLUDED.value_json,
			smart_code = EXCLUDED.smart_code,
			updated_at = NOW()
	`

	_, err = s.db.ExecContext(ctx, query,
		field.EntityID, field.FieldName, field.ValueText, field.ValueNumber,
		field.ValueBool, valueJSON, field.SmartCode, field.OrganizationID,
	)
	if err != nil {
		return fmt.Errorf("failed to set dynamic field: %w", err)
	}

	return nil
}

func (s *Store) GetDynamicFields(ctx context.Context, orgID, entityID string) ([]*models.DynamicField, error) {
	query := `
		SELECT entity_id, field_name, value_text, value_number, value_bool,
		       value_json, COALESCE(smart_code, ''), organization_id, updated_at
		FROM core_dynamic_fields
		WHERE organization_id = $1 AND entity_id = $2
		ORDER BY field_name
	`

	rows, err := s.db.QueryContext(ctx, query, orgID, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dynamic fields: %w", err)
	}

	defer s.closeRows(ctx, rows)

	var fields []*models.DynamicField

	for rows.Next() {
		var (
			field     models.DynamicField
			valueJSON []byte
		)

		err := rows.Scan(
			&field.EntityID, &field.FieldName, &field.ValueText,
			&field.ValueNumber, &field.ValueBool, &valueJSON,
			&field.SmartCode, &field.OrganizationID, &field.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dynamic field: %w", err)
		}

		err = unmarshalMetadata(valueJSON, &field.ValueJSON)
		if err != nil {
			return nil, err
		}

		fields = append(fields, &field)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dynamic fields: %w", err)
	}

	return fields, nil
}

func (s *Store) CreateRelationship(ctx context.Context, rel *models.Relationship) (*models.Relationship, error) {
	if rel.OrganizationID == "" {
		return nil, store.NewStoreError("CreateRelationship", "", store.ErrOrganizationRequired)
	}

	saved := *rel
	if saved.ID == "" {
		saved.ID = uuid.New().String()
	}

	if saved.EffectiveDate.IsZero() {
		saved.EffectiveDate = time.Now().UTC()
	}

	metadataJSON, err := marshalMetadata(saved.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal relationship metadata: %w", err)
	}

	query := `
		INSERT INTO core_relationships (
			id, from_entity_id, to_entity_id, relationship_type, is_active,
			effective_date, expiration_date, smart_code, organization_id, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = s.db.ExecContext(ctx, query,
		saved.ID, saved.FromEntityID, saved.ToEntityID, saved.Type,
		saved.IsActive, saved.EffectiveDate, saved.ExpirationDate,
		saved.SmartCode, saved.OrganizationID, metadataJSON,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert relationship: %w", err)
	}

	return &saved, nil
}

func (s *Store) UpdateRelationship(ctx context.Context, rel *models.Relationship) error {
	query := `
		UPDATE core_relationships
		SET is_active = $1, expiration_date = $2, metadata = $3
		WHERE id = $4 AND organization_id = $5
	`

	metadataJSON, err := marshalMetadata(rel.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal relationship metadata: %w", err)
	}

	result, err := s.db.ExecContext(ctx, query,
		rel.IsActive, rel.ExpirationDate, metadataJSON, rel.ID, rel.OrganizationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update relationship: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return store.NewStoreError("UpdateRelationship", rel.ID, store.ErrRelationshipNotFound)
	}

	return nil
}

func (s *Store) QueryRelationships(ctx context.Context, filter store.RelationshipFilter) ([]*models.Relationship, error) {
	if filter.OrganizationID == "" {
		return nil, store.NewStoreError("QueryRelationships", "", store.ErrOrganizationRequired)
	}

	query := strings.Builder{}
	query.WriteString(`
		SELECT id, from_entity_id, to_entity_id, relationship_type, is_active,
		       effective_date, expiration_date, COALESCE(smart_code, ''),
		       organization_id, metadata
		FROM core_relationships
		WHERE organization_id = $1
	`)

	args := []any{filter.OrganizationID}

	if filter.FromEntityID != "" {
		args = append(args, filter.FromEntityID)
		query.WriteString(" AND from_entity_id = $" + strconv.Itoa(len(args)))
	}

	if filter.ToEntityID != "" {
		args = append(args, filter.ToEntityID)
		query.WriteString(" AND to_entity_id = $" + strconv.Itoa(len(args)))
	}

	if filter.Type != "" {
		args = append(args, filter.Type)
		query.WriteString(" AND relationship_type = $" + strconv.Itoa(len(args)))
	}

	if filter.ActiveAt != nil {
		args = append(args, *filter.ActiveAt)
		idx := strconv.Itoa(len(args))
		query.WriteString(" AND is_active = TRUE AND effective_date <= $" + idx +
			" AND (expiration_date IS NULL OR expiration_date > $" + idx + ")")
	}

	query.WriteString(" ORDER BY effective_date")

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relationships: %w", err)
	}

	defer s.closeRows(ctx, rows)

	var relationships []*models.Relationship

	for rows.Next() {
		var (
			rel          models.Relationship
			metadataJSON []byte
		)

		err := rows.Scan(
			&rel.ID, &rel.FromEntityID, &rel.ToEntityID, &rel.Type,
			&rel.IsActive, &rel.EffectiveDate, &rel.ExpirationDate,
			&rel.SmartCode, &rel.OrganizationID, &metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relationship: %w", err)
		}

		err = unmarshalMetadata(metadataJSON, &rel.Metadata)
		if err != nil {
			return nil, err
		}

		relationships = append(relationships, &rel)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relationships: %w", err)
	}

	return relationships, nil
}

func (s *Store) CreateTransaction(ctx context.Context, txn *models.Transaction, lines []models.TransactionLine) (*models.Transaction, error) {
	if txn.OrganizationID == "" {
		return nil, store.NewStoreError("CreateTransaction", "", store.ErrOrganizationRequired)
	}

	saved := *txn
	if saved.ID == "" {
		saved.ID = uuid.New().String()
	}

	if saved.OccurredAt.IsZero() {
		saved.OccurredAt = time.Now().UTC()
	}

	metadataJSON, err := marshalMetadata(saved.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transaction metadata: %w", err)
	}

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	insertHeader := `
		INSERT INTO universal_transactions (
			id, transaction_type, smart_code, source_entity_id, target_entity_id,
			total_amount, occurred_at, metadata, organization_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err = dbTx.ExecContext(ctx, insertHeader,
		saved.ID, saved.Type, saved.SmartCode, saved.SourceEntityID,
		saved.TargetEntityID, saved.TotalAmount, saved.OccurredAt,
		metadataJSON, saved.OrganizationID,
	)
	if err != nil {
		_ = dbTx.Rollback()

		return nil, fmt.Errorf("failed to insert transaction: %w", err)
	}

	insertLine := `
		INSERT INTO universal_transaction_lines (
			id, transaction_id, line_number, entity_id, description,
			quantity, amount, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	saved.Lines = make([]models.TransactionLine, len(lines))

	for i, line := range lines {
		line.ID = uuid.New().String()
		line.TransactionID = saved.ID
		line.LineNumber = i + 1

		lineMetadataJSON, err := marshalMetadata(line.Metadata)
		if err != nil {
			_ = dbTx.Rollback()

			return nil, fmt.Errorf("failed to marshal line metadata: %w", err)
		}

		_, err = dbTx.ExecContext(ctx, insertLine,
			line.ID, line.TransactionID, line.LineNumber, line.EntityID,
			line.Description, line.Quantity, line.Amount, lineMetadataJSON,
		)
		if err != nil {
			_ = dbTx.Rollback()

			return nil, fmt.Errorf("failed to insert transaction line %d: %w", line.LineNumber, err)
		}

		saved.Lines[i] = line
	}

	err = dbTx.Commit()
	if err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return &saved, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, txn *models.Transaction) error {
	metadataJSON, err := marshalMetadata(txn.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction metadata: %w", err)
	}

	query := `
		UPDATE universal_transactions
		SET total_amount = $1, metadata = $2
		WHERE id = $3 AND organization_id = $4
	`

	result, err := s.db.ExecContext(ctx, query,
		txn.TotalAmount, metadataJSON, txn.ID, txn.OrganizationID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}

	if affected == 0 {
		return store.NewStoreError("UpdateTransaction", txn.ID, store.ErrTransactionNotFound)
	}

	return nil
}

func (s *Store) QueryTransactions(ctx context.Context, filter store.TransactionFilter) ([]*models.Transaction, error) {
	if filter.OrganizationID == "" {
		return nil, store.NewStoreError("QueryTransactions", "", store.ErrOrganizationRequired)
	}

	query := strings.Builder{}
	query.WriteString(`
		SELECT id, transaction_type, COALESCE(smart_code, ''), source_entity_id,
		       target_entity_id, total_amount, occurred_at, metadata, organization_id
		FROM universal_transactions
		WHERE organization_id = $1
	`)

	args := []any{filter.OrganizationID}

	if filter.Type != "" {
		args = append(args, filter.Type)
		query.WriteString(" AND transaction_type = $" + strconv.Itoa(len(args)))
	}

	if filter.SmartCode != "" {
		args = append(args, filter.SmartCode)
		query.WriteString(" AND smart_code = $" + strconv.Itoa(len(args)))
	}

	if filter.SourceEntityID != "" {
		args = append(args, filter.SourceEntityID)
		query.WriteString(" AND source_entity_id = $" + strconv.Itoa(len(args)))
	}

	if filter.TargetEntityID != "" {
		args = append(args, filter.TargetEntityID)
		query.WriteString(" AND target_entity_id = $" + strconv.Itoa(len(args)))
	}

	if filter.Since != nil {
		args = append(args, *filter.Since)
		query.WriteString(" AND occurred_at >= $" + strconv.Itoa(len(args)))
	}

	if len(filter.MetadataEquals) > 0 {
		metadataJSON, err := json.Marshal(filter.MetadataEquals)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata filter: %w", err)
		}

		args = append(args, string(metadataJSON))
		query.WriteString(" AND metadata @> $" + strconv.Itoa(len(args)) + "::jsonb")
	}

	query.WriteString(" ORDER BY occurred_at")

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query.WriteString(" LIMIT $" + strconv.Itoa(len(args)))
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}

	defer s.closeRows(ctx, rows)

	var transactions []*models.Transaction

	for rows.Next() {
		var (
			txn          models.Transaction
			metadataJSON []byte
		)

		err := rows.Scan(
			&txn.ID, &txn.Type, &txn.SmartCode, &txn.SourceEntityID,
			&txn.TargetEntityID, &txn.TotalAmount, &txn.OccurredAt,
			&metadataJSON, &txn.OrganizationID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		err = unmarshalMetadata(metadataJSON, &txn.Metadata)
		if err != nil {
			return nil, err
		}

		txn.Lines, err = s.transactionLines(ctx, txn.ID)
		if err != nil {
			return nil, err
		}

		transactions = append(transactions, &txn)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return transactions, nil
}

func (s *Store) transactionLines(ctx context.Context, transactionID string) ([]models.TransactionLine, error) {
	query := `
		SELECT id, transaction_id, line_number, entity_id, COALESCE(description, ''),
		       quantity, amount, metadata
		FROM universal_transaction_lines
		WHERE transaction_id = $1
		ORDER BY line_number
	`

	rows, err := s.db.QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction lines: %w", err)
	}

	defer s.closeRows(ctx, rows)

	var lines []models.TransactionLine

	for rows.Next() {
		var (
			line         models.TransactionLine
			metadataJSON []byte
		)

		err := rows.Scan(
			&line.ID, &line.TransactionID, &line.LineNumber, &line.EntityID,
			&line.Description, &line.Quantity, &line.Amount, &metadataJSON,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction line: %w", err)
		}

		err = unmarshalMetadata(metadataJSON, &line.Metadata)
		if err != nil {
			return nil, err
		}

		lines = append(lines, line)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transaction lines: %w", err)
	}

	return lines, nil
}

func (s *Store) closeRows(ctx context.Context, rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		s.logger.ErrorContext(ctx, "failed to close rows", "error", err)
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolationCode
	}

	return false
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}

	return json.Marshal(metadata)
}

func unmarshalMetadata(data []byte, target *map[string]any) error {
	if len(data) == 0 {
		return nil
	}

	err := json.Unmarshal(data, target)
	if err != nil {
		return fmt.Errorf("failed to unmarshal metadata: %w", err)
	}

	return nil
}

var _ store.Store = (*Store)(nil)
