// Package main provides the durable timer poller. It wakes on an interval,
// fires due timers and hands them back to the engine through the event bus.
package main

import (
	"context"
	"log/slog"

	"github.com/heraerp/playbook/pkg/definition"
	"github.com/heraerp/playbook/pkg/eventbus"
	"github.com/heraerp/playbook/pkg/events"
	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/runs"
	"github.com/heraerp/playbook/pkg/timers"
)

// scheduledBy is recorded as the initiator of cron-triggered runs.
const scheduledBy = "scheduler"

// TimerDispatcher turns fired timers into engine work: wait and timeout
// timers become run.timer.fired events, cron timers start fresh runs.
type TimerDispatcher struct {
	orgID       string
	runs        *runs.Repository
	definitions *definition.Repository
	eventBus    eventbus.EventPublisher
	logger      *slog.Logger
}

func NewTimerDispatcher(orgID string, runRepo *runs.Repository, defRepo *definition.Repository, eventBus eventbus.EventPublisher, logger *slog.Logger) *TimerDispatcher {
	return &TimerDispatcher{
		orgID:       orgID,
		runs:        runRepo,
		definitions: defRepo,
		eventBus:    eventBus,
		logger:      logger.With("module", "playbook-timer", "organization_id", orgID),
	}
}

// Handle fires one due timer. Returning an error leaves the timer pending
// so the next poll retries it.
func (d *TimerDispatcher) Handle(ctx context.Context, timer *timers.Timer) error {
	switch timer.Kind {
	case timers.KindWait, timers.KindTimeout:
		return d.fireRunTimer(ctx, timer)
	case timers.KindCron:
		return d.dispatchScheduledRun(ctx, timer)
	default:
		d.logger.WarnContext(ctx, "Unknown timer kind, retiring",
			"timer_id", timer.ID, "kind", timer.Kind)

		return nil
	}
}

func (d *TimerDispatcher) fireRunTimer(ctx context.Context, timer *timers.Timer) error {
	event := events.TimerFired{
		BaseEvent: events.NewBaseEvent(events.TimerFiredEvent, d.orgID, timer.RunID),
		TimerID:   timer.ID,
		StepID:    timer.StepID,
		Kind:      timer.Kind,
	}

	err := d.eventBus.Publish(ctx, timer.RunID, event)
	if err != nil {
		return err
	}

	d.logger.InfoContext(ctx, "Timer fired",
		"timer_id", timer.ID, "run_id", timer.RunID, "kind", timer.Kind)

	return nil
}

func (d *TimerDispatcher) dispatchScheduledRun(ctx context.Context, timer *timers.Timer) error {
	def, err := d.definitions.Get(ctx, d.orgID, timer.DefinitionID)
	if err != nil {
		return err
	}

	if def.Status != models.DefinitionStatusPublished {
		d.logger.WarnContext(ctx, "Skipping schedule for unpublished definition",
			"definition_id", timer.DefinitionID)

		return nil
	}

	variables := make(map[string]any, len(def.Variables))
	for name, spec := range def.Variables {
		if spec.Default != nil {
			variables[name] = spec.Default
		}
	}

	run, err := d.runs.Create(ctx, &models.Run{
		DefinitionID:   def.ID,
		OrganizationID: d.orgID,
		Variables:      variables,
		StartedBy:      scheduledBy,
	})
	if err != nil {
		return err
	}

	err = d.eventBus.Publish(ctx, run.ID, events.RunDispatched{
		BaseEvent:    events.NewBaseEvent(events.RunDispatchedEvent, d.orgID, run.ID),
		DefinitionID: def.ID,
		Variables:    variables,
		StartedBy:    scheduledBy,
	})
	if err != nil {
		return err
	}

	d.logger.InfoContext(ctx, "Scheduled run dispatched",
		"run_id", run.ID, "definition_id", def.ID)

	return nil
}
