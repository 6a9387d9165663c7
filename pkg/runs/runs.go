// Package runs persists playbook runs and their step execution history as
// bookkeeping transactions in the universal store. A run is one
// PLAYBOOK_RUN transaction; each step attempt appends one immutable
// PLAYBOOK_STEP_EXECUTION transaction.
package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store"
)

// Repository reads and writes runs and step executions.
type Repository struct {
	store store.Store
}

// NewRepository creates a run repository over the given store.
func NewRepository(st store.Store) *Repository {
	return &Repository{store: st}
}

// Create persists a new run. Status defaults to running, StartedAt to now,
// and a fresh id is assigned when absent.
func (r *Repository) Create(ctx context.Context, run *models.Run) (*models.Run, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	if run.Status == "" {
		run.Status = models.RunStatusRunning
	}

	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	txn, err := runToTransaction(run)
	if err != nil {
		return nil, err
	}

	_, err = r.store.CreateTransaction(ctx, txn, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to persist run: %w", err)
	}

	return run, nil
}

// Get loads one run by id.
func (r *Repository) Get(ctx context.Context, orgID, runID string) (*models.Run, error) {
	txns, err := r.store.QueryTransactions(ctx, store.TransactionFilter{
		OrganizationID: orgID,
		Type:           models.TransactionTypeRun,
		MetadataEquals: map[string]any{"run_id": runID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}

	if len(txns) == 0 {
		return nil, store.NewStoreError("GetRun", runID, store.ErrTransactionNotFound)
	}

	return runFromTransaction(txns[0])
}

// Update rewrites the run's mutable state (status, current step, variables,
// priority, completion, error).
func (r *Repository) Update(ctx context.Context, run *models.Run) error {
	existing, err := r.store.QueryTransactions(ctx, store.TransactionFilter{
		OrganizationID: run.OrganizationID,
		Type:           models.TransactionTypeRun,
		MetadataEquals: map[string]any{"run_id": run.ID},
	})
	if err != nil {
		return fmt.Errorf("failed to query run: %w", err)
	}

	if len(existing) == 0 {
		return store.NewStoreError("UpdateRun", run.ID, store.ErrTransactionNotFound)
	}

	txn, err := runToTransaction(run)
	if err != nil {
		return err
	}

	txn.ID = existing[0].ID

	err = r.store.UpdateTransaction(ctx, txn)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	return nil
}

// ListFilter narrows run listings.
type ListFilter struct {
	DefinitionID string
	Status       models.RunStatus
	Since        *time.Time
	Limit        int
}

// List returns runs matching the filter, oldest first.
func (r *Repository) List(ctx context.Context, orgID string, filter ListFilter) ([]*models.Run, error) {
	txnFilter := store.TransactionFilter{
		OrganizationID: orgID,
		Type:           models.TransactionTypeRun,
		Since:          filter.Since,
		Limit:          filter.Limit,
		MetadataEquals: map[string]any{},
	}

	if filter.DefinitionID != "" {
		txnFilter.MetadataEquals["definition_id"] = filter.DefinitionID
	}

	if filter.Status != "" {
		txnFilter.MetadataEquals["status"] = string(filter.Status)
	}

	txns, err := r.store.QueryTransactions(ctx, txnFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	result := make([]*models.Run, 0, len(txns))

	for _, txn := range txns {
		run, err := runFromTransaction(txn)
		if err != nil {
			return nil, err
		}

		result = append(result, run)
	}

	return result, nil
}

// AppendStepExecution records one finished step attempt. Rows are append
// only: retries, branches and iterations each get their own row.
func (r *Repository) AppendStepExecution(ctx context.Context, orgID string, exec *models.StepExecution) (*models.StepExecution, error) {
	if exec.ID == "" {
		exec.ID = uuid.New().String()
	}

	metadata, err := toMetadata(exec)
	if err != nil {
		return nil, err
	}

	metadata["execution_id"] = exec.ID
	metadata["run_id"] = exec.RunID

	_, err = r.store.CreateTransaction(ctx, &models.Transaction{
		Type:           models.TransactionTypeStepExecution,
		SmartCode:      "HERA.PLAYBOOK.RUN.STEP.V1",
		OccurredAt:     exec.StartedAt,
		Metadata:       metadata,
		OrganizationID: orgID,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to persist step execution: %w", err)
	}

	return exec, nil
}

// StepExecutions returns the run's step attempts in sequence order. A
// non-zero limit caps the result from the start of the history.
func (r *Repository) StepExecutions(ctx context.Context, orgID, runID string, limit int) ([]*models.StepExecution, error) {
	txns, err := r.store.QueryTransactions(ctx, store.TransactionFilter{
		OrganizationID: orgID,
		Type:           models.TransactionTypeStepExecution,
		MetadataEquals: map[string]any{"run_id": runID},
		Limit:          limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query step executions: %w", err)
	}

	result := make([]*models.StepExecution, 0, len(txns))

	for _, txn := range txns {
		var exec models.StepExecution

		err := fromMetadata(txn.Metadata, &exec)
		if err != nil {
			return nil, err
		}

		result = append(result, &exec)
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Sequence != result[j].Sequence {
			return result[i].Sequence < result[j].Sequence
		}

		return result[i].Iteration < result[j].Iteration
	})

	return result, nil
}

func runToTransaction(run *models.Run) (*models.Transaction, error) {
	metadata, err := toMetadata(run)
	if err != nil {
		return nil, err
	}

	metadata["run_id"] = run.ID
	metadata["definition_id"] = run.DefinitionID
	metadata["status"] = string(run.Status)

	txn := &models.Transaction{
		Type:           models.TransactionTypeRun,
		SmartCode:      "HERA.PLAYBOOK.RUN.HEADER.V1",
		SourceEntityID: &run.DefinitionID,
		OccurredAt:     run.StartedAt,
		Metadata:       metadata,
		OrganizationID: run.OrganizationID,
	}

	if run.SubjectEntityID != "" {
		subjectID := run.SubjectEntityID
		txn.TargetEntityID = &subjectID
	}

	return txn, nil
}

func runFromTransaction(txn *models.Transaction) (*models.Run, error) {
	var run models.Run

	err := fromMetadata(txn.Metadata, &run)
	if err != nil {
		return nil, err
	}

	run.OrganizationID = txn.OrganizationID

	if id, ok := txn.Metadata["run_id"].(string); ok {
		run.ID = id
	}

	return &run, nil
}

// toMetadata round-trips a typed struct into the generic metadata document
// stored on the transaction row.
func toMetadata(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	var metadata map[string]any

	err = json.Unmarshal(raw, &metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}

	return metadata, nil
}

func fromMetadata(metadata map[string]any, v any) error {
	raw, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	err = json.Unmarshal(raw, v)
	if err != nil {
		return fmt.Errorf("failed to decode metadata: %w", err)
	}

	return nil
}
