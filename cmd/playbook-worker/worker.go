package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/heraerp/playbook/pkg/engine"
	"github.com/heraerp/playbook/pkg/eventbus"
	"github.com/heraerp/playbook/pkg/events"
	"github.com/heraerp/playbook/pkg/timers"
)

// Worker consumes run lifecycle events and drives the engine. Dispatch,
// resume and timer events all funnel into the same step loop.
type Worker struct {
	id       string
	logger   *slog.Logger
	engine   *engine.Engine
	eventBus eventbus.EventBus
}

func NewWorker(id string, eng *engine.Engine, eventBus eventbus.EventBus, logger *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		logger:   logger.With("module", "playbook-worker", "worker_id", id),
		engine:   eng,
		eventBus: eventBus,
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker", "worker_id", w.id)

	err := w.eventBus.Handle(events.RunDispatchedEvent, w.handleRunDispatched)
	if err != nil {
		return err
	}

	err = w.eventBus.Handle(events.RunResumedEvent, w.handleRunResumed)
	if err != nil {
		return err
	}

	err = w.eventBus.Handle(events.TimerFiredEvent, w.handleTimerFired)
	if err != nil {
		return err
	}

	err = w.eventBus.Subscribe(ctx)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to subscribe to event bus", "error", err)

		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	w.logger.InfoContext(ctx, "Shutting down worker...")

	return nil
}

func (w *Worker) handleRunDispatched(ctx context.Context, event any) error {
	dispatched, ok := event.(*events.RunDispatched)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RunDispatched")

		return nil
	}

	logger := w.logger.With("run_id", dispatched.RunID, "definition_id", dispatched.DefinitionID)
	logger.InfoContext(ctx, "Processing dispatched run")

	err := w.engine.Execute(ctx, dispatched.OrganizationID, dispatched.RunID)
	if err != nil {
		logger.ErrorContext(ctx, "Run execution failed", "error", err)
	}

	return err
}

func (w *Worker) handleRunResumed(ctx context.Context, event any) error {
	resumed, ok := event.(*events.RunResumed)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for RunResumed")

		return nil
	}

	logger := w.logger.With("run_id", resumed.RunID, "step_id", resumed.StepID)
	logger.InfoContext(ctx, "Re-entering resumed run")

	err := w.engine.Execute(ctx, resumed.OrganizationID, resumed.RunID)
	if err != nil {
		logger.ErrorContext(ctx, "Resume failed", "error", err)
	}

	return err
}

func (w *Worker) handleTimerFired(ctx context.Context, event any) error {
	fired, ok := event.(*events.TimerFired)
	if !ok {
		w.logger.ErrorContext(ctx, "Invalid event type for TimerFired")

		return nil
	}

	logger := w.logger.With("run_id", fired.RunID, "step_id", fired.StepID, "kind", fired.Kind)
	logger.InfoContext(ctx, "Processing fired timer")

	var err error

	switch fired.Kind {
	case timers.KindWait:
		err = w.engine.ResumeWait(ctx, fired.OrganizationID, fired.RunID, fired.StepID)
	case timers.KindTimeout:
		err = w.engine.HandleTimeout(ctx, fired.OrganizationID, fired.RunID, fired.StepID)
	default:
		logger.WarnContext(ctx, "Unknown timer kind, ignoring")

		return nil
	}

	if err != nil {
		logger.ErrorContext(ctx, "Timer re-entry failed", "error", err)
	}

	return err
}
