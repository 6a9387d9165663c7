package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

const currentSchemaVersion = 1

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS core_entities (
				id UUID PRIMARY KEY,
				entity_type TEXT NOT NULL,
				entity_name TEXT NOT NULL,
				entity_code TEXT,
				organization_id UUID NOT NULL,
				smart_code TEXT,
				metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX IF NOT EXISTS idx_entities_org_type
				ON core_entities (organization_id, entity_type);

			-- Uniqueness of coded entities within an organization. The
			-- idempotency service resolves concurrent same-key races on
			-- this constraint.
			CREATE UNIQUE INDEX IF NOT EXISTS idx_entities_org_type_code
				ON core_entities (organization_id, entity_type, entity_code)
				WHERE entity_code IS NOT NULL;

			CREATE TABLE IF NOT EXISTS core_dynamic_fields (
				entity_id UUID NOT NULL REFERENCES core_entities (id),
				field_name TEXT NOT NULL,
				value_text TEXT,
				value_number DOUBLE PRECISION,
				value_bool BOOLEAN,
				value_json JSONB,
				smart_code TEXT,
				organization_id UUID NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (entity_id, field_name)
			);

			CREATE TABLE IF NOT EXISTS core_relationships (
				id UUID PRIMARY KEY,
				from_entity_id UUID NOT NULL,
				to_entity_id UUID NOT NULL,
				relationship_type TEXT NOT NULL,
				is_active BOOLEAN NOT NULL DEFAULT TRUE,
				effective_date TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				expiration_date TIMESTAMP WITH TIME ZONE,
				smart_code TEXT,
				organization_id UUID NOT NULL,
				metadata JSONB NOT NULL DEFAULT '{}'
			);

			CREATE INDEX IF NOT EXISTS idx_relationships_from_type
				ON core_relationships (organization_id, from_entity_id, relationship_type);

			CREATE TABLE IF NOT EXISTS universal_transactions (
				id UUID PRIMARY KEY,
				transaction_type TEXT NOT NULL,
				smart_code TEXT,
				source_entity_id UUID,
				target_entity_id UUID,
				total_amount DOUBLE PRECISION NOT NULL DEFAULT 0,
				occurred_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				metadata JSONB NOT NULL DEFAULT '{}',
				organization_id UUID NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_transactions_org_type
				ON universal_transactions (organization_id, transaction_type, occurred_at);

			CREATE TABLE IF NOT EXISTS universal_transaction_lines (
				id UUID PRIMARY KEY,
				transaction_id UUID NOT NULL REFERENCES universal_transactions (id),
				line_number INTEGER NOT NULL,
				entity_id UUID,
				description TEXT,
				quantity DOUBLE PRECISION NOT NULL DEFAULT 0,
				amount DOUBLE PRECISION NOT NULL DEFAULT 0,
				metadata JSONB NOT NULL DEFAULT '{}'
			);
		`,
	}
}

// MigrationManager handles database schema migrations.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations map[int]string
}

// NewMigrationManager creates a new migration manager.
func NewMigrationManager(logger *slog.Logger, db *sql.DB, migrations map[int]string) *MigrationManager {
	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: migrations,
	}
}

// RunMigrations handles database schema creation and updates.
func (m *MigrationManager) RunMigrations(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Starting database migrations")

	err := m.createMigrationsTable(ctx)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	currentVersion, err := m.getCurrentSchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current schema version: %w", err)
	}

	if currentVersion < currentSchemaVersion {
		err := m.applyMigrations(ctx, currentVersion)
		if err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	m.logger.InfoContext(ctx, "Database migrations completed", "version", currentSchemaVersion)

	return nil
}

func (m *MigrationManager) createMigrationsTable(ctx context.Context) error {
	createMigrationsSQL := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`

	_, err := m.db.ExecContext(ctx, createMigrationsSQL)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	return nil
}

func (m *MigrationManager) getCurrentSchemaVersion(ctx context.Context) (int, error) {
	var version int

	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query current schema version: %w", err)
	}

	return version, nil
}

func (m *MigrationManager) applyMigrations(ctx context.Context, fromVersion int) error {
	for version := fromVersion + 1; version <= currentSchemaVersion; version++ {
		migration, ok := m.migrations[version]
		if !ok {
			return fmt.Errorf("missing migration for version %d", version)
		}

		m.logger.InfoContext(ctx, "Applying migration", "version", version)

		transaction, err := m.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		_, err = transaction.ExecContext(ctx, migration)
		if err != nil {
			_ = transaction.Rollback()

			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		_, err = transaction.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version)
		if err != nil {
			_ = transaction.Rollback()

			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		err = transaction.Commit()
		if err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	return nil
}
