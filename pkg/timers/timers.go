// Package timers persists durable timers in the store: wait-step wakeups,
// step timeout deadlines and cron trigger schedules. Timers survive restarts
// because they are rows, not goroutines; a poller fires the due ones.
package timers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/store"
)

// Timer kinds.
const (
	KindWait    = "wait"
	KindTimeout = "timeout"
	KindCron    = "cron"
)

// Timer statuses.
const (
	StatusPending   = "pending"
	StatusFired     = "fired"
	StatusCancelled = "cancelled"
)

// ErrTimerNotFound indicates no timer exists for the id.
var ErrTimerNotFound = errors.New("timer not found")

// Timer is one durable deadline.
type Timer struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Kind           string    `json:"kind"`
	RunID          string    `json:"run_id,omitempty"`
	StepID         string    `json:"step_id,omitempty"`
	DefinitionID   string    `json:"definition_id,omitempty"`
	CronExpr       string    `json:"cron_expr,omitempty"`
	DueAt          time.Time `json:"due_at"`
	Status         string    `json:"status"`
}

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextAfter returns the first activation of the cron expression after t.
func NextAfter(cronExpr string, t time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	return schedule.Next(t), nil
}

// Service stores timers as playbook_timer entities.
type Service struct {
	store store.Store
}

// NewService creates a timer service over the given store.
func NewService(st store.Store) *Service {
	return &Service{store: st}
}

// Schedule persists a pending timer. Cron timers compute their first due
// time from the expression when DueAt is unset.
func (s *Service) Schedule(ctx context.Context, timer *Timer) (*Timer, error) {
	if timer.Kind == KindCron && timer.DueAt.IsZero() {
		next, err := NextAfter(timer.CronExpr, time.Now().UTC())
		if err != nil {
			return nil, err
		}

		timer.DueAt = next
	}

	if timer.DueAt.IsZero() {
		return nil, errors.New("timer has no due time")
	}

	timer.Status = StatusPending

	entity, err := s.store.CreateEntity(ctx, &models.Entity{
		Type:           models.EntityTypeTimer,
		Name:           "Timer " + timer.Kind,
		OrganizationID: timer.OrganizationID,
		SmartCode:      "HERA.PLAYBOOK.TIMER.RECORD.V1",
		Metadata:       timerMetadata(timer),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist timer: %w", err)
	}

	timer.ID = entity.ID

	return timer, nil
}

// Due returns pending timers whose due time has passed, oldest first.
func (s *Service) Due(ctx context.Context, orgID string, now time.Time) ([]*Timer, error) {
	entities, err := s.store.QueryEntities(ctx, store.EntityFilter{
		OrganizationID: orgID,
		Type:           models.EntityTypeTimer,
		MetadataEquals: map[string]any{"status": StatusPending},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query timers: %w", err)
	}

	var due []*Timer

	for _, entity := range entities {
		timer, err := timerFromEntity(entity)
		if err != nil {
			return nil, err
		}

		if !timer.DueAt.After(now) {
			due = append(due, timer)
		}
	}

	return due, nil
}

// MarkFired retires a fired timer. Cron timers are rescheduled to their next
// activation instead, keeping the schedule alive.
func (s *Service) MarkFired(ctx context.Context, timer *Timer) error {
	if timer.Kind == KindCron {
		next, err := NextAfter(timer.CronExpr, time.Now().UTC())
		if err != nil {
			return err
		}

		timer.DueAt = next

		return s.update(ctx, timer)
	}

	timer.Status = StatusFired

	return s.update(ctx, timer)
}

// CancelForRun retires every pending timer belonging to the run. Called when
// a run reaches a terminal status so stale wakeups never fire.
func (s *Service) CancelForRun(ctx context.Context, orgID, runID string) error {
	entities, err := s.store.QueryEntities(ctx, store.EntityFilter{
		OrganizationID: orgID,
		Type:           models.EntityTypeTimer,
		MetadataEquals: map[string]any{"status": StatusPending, "run_id": runID},
	})
	if err != nil {
		return fmt.Errorf("failed to query run timers: %w", err)
	}

	for _, entity := range entities {
		timer, err := timerFromEntity(entity)
		if err != nil {
			return err
		}

		timer.Status = StatusCancelled

		err = s.update(ctx, timer)
		if err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) update(ctx context.Context, timer *Timer) error {
	entities, err := s.store.QueryEntities(ctx, store.EntityFilter{
		OrganizationID: timer.OrganizationID,
		Type:           models.EntityTypeTimer,
		IDs:            []string{timer.ID},
	})
	if err != nil {
		return fmt.Errorf("failed to load timer: %w", err)
	}

	if len(entities) == 0 {
		return fmt.Errorf("%w: %s", ErrTimerNotFound, timer.ID)
	}

	entity := entities[0]
	entity.Metadata = timerMetadata(timer)

	err = s.store.UpdateEntity(ctx, entity)
	if err != nil {
		return fmt.Errorf("failed to update timer: %w", err)
	}

	return nil
}

func timerMetadata(timer *Timer) map[string]any {
	metadata := map[string]any{
		"kind":   timer.Kind,
		"status": timer.Status,
		"due_at": timer.DueAt.Format(time.RFC3339Nano),
	}

	if timer.RunID != "" {
		metadata["run_id"] = timer.RunID
	}

	if timer.StepID != "" {
		metadata["step_id"] = timer.StepID
	}

	if timer.DefinitionID != "" {
		metadata["definition_id"] = timer.DefinitionID
	}

	if timer.CronExpr != "" {
		metadata["cron_expr"] = timer.CronExpr
	}

	return metadata
}

func timerFromEntity(entity *models.Entity) (*Timer, error) {
	timer := &Timer{
		ID:             entity.ID,
		OrganizationID: entity.OrganizationID,
	}

	timer.Kind, _ = entity.Metadata["kind"].(string)
	timer.Status, _ = entity.Metadata["status"].(string)
	timer.RunID, _ = entity.Metadata["run_id"].(string)
	timer.StepID, _ = entity.Metadata["step_id"].(string)
	timer.DefinitionID, _ = entity.Metadata["definition_id"].(string)
	timer.CronExpr, _ = entity.Metadata["cron_expr"].(string)

	raw, _ := entity.Metadata["due_at"].(string)

	dueAt, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("timer %s has malformed due time: %w", entity.ID, err)
	}

	timer.DueAt = dueAt

	return timer, nil
}
