// Package engine drives playbook runs: a sequential step loop over a
// published definition, with guardrails before actions, a closed action
// dispatch, suspension for user and wait steps, per-step error handler
// routing and cooperative cancellation between steps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/heraerp/playbook/pkg/definition"
	"github.com/heraerp/playbook/pkg/eventbus"
	"github.com/heraerp/playbook/pkg/events"
	"github.com/heraerp/playbook/pkg/guardrails"
	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/notifier"
	"github.com/heraerp/playbook/pkg/otelhelper"
	"github.com/heraerp/playbook/pkg/runs"
	"github.com/heraerp/playbook/pkg/status"
	"github.com/heraerp/playbook/pkg/store"
	"github.com/heraerp/playbook/pkg/timers"
)

// Error identifiers routable by a step's error handler map, next to
// guardrail type names.
const (
	ErrorIDTimeout = "timeout"
)

var (
	// ErrRunNotResumable indicates a resume was attempted on a run that is
	// not suspended at the expected step.
	ErrRunNotResumable = errors.New("run is not suspended at this step")

	// ErrStepNotFound indicates a jump target or resume step does not exist
	// in the definition.
	ErrStepNotFound = errors.New("step not found in definition")
)

// Engine executes runs against the universal store.
type Engine struct {
	store       store.Store
	runs        *runs.Repository
	definitions *definition.Repository
	statuses    *status.Manager
	guardrails  *guardrails.Registry
	notifier    notifier.Notifier
	timers      *timers.Service
	bus         eventbus.EventPublisher
	httpClient  *http.Client
	tracer      trace.Tracer
	workerID    string
	logger      *slog.Logger
}

// Config carries the engine's collaborators.
type Config struct {
	Store       store.Store
	Runs        *runs.Repository
	Definitions *definition.Repository
	Statuses    *status.Manager
	Guardrails  *guardrails.Registry
	Notifier    notifier.Notifier
	Timers      *timers.Service
	Bus         eventbus.EventPublisher
	WorkerID    string
	Logger      *slog.Logger
}

// New creates an engine.
func New(cfg Config) *Engine {
	return &Engine{
		store:       cfg.Store,
		runs:        cfg.Runs,
		definitions: cfg.Definitions,
		statuses:    cfg.Statuses,
		guardrails:  cfg.Guardrails,
		notifier:    cfg.Notifier,
		timers:      cfg.Timers,
		bus:         cfg.Bus,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		tracer:      otel.Tracer("playbook-engine"),
		workerID:    cfg.WorkerID,
		logger:      cfg.Logger.With("module", "engine"),
	}
}

// stepResult is the outcome of one step attempt.
type stepResult struct {
	// suspended means the run paused inside the step (user_action, wait)
	// and the loop must stop without advancing.
	suspended bool
	skipped   bool
	output    map[string]any
}

// Execute drives the run from its current position until it completes,
// fails, suspends or is cancelled.
func (e *Engine) Execute(ctx context.Context, orgID, runID string) error {
	ctx, span := e.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String(otelhelper.RunIDKey, runID),
		attribute.String(otelhelper.OrganizationIDKey, orgID),
		attribute.String(otelhelper.WorkerIDKey, e.workerID),
	))
	defer span.End()

	err := e.execute(ctx, orgID, runID)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return err
}

func (e *Engine) execute(ctx context.Context, orgID, runID string) error {
	run, err := e.runs.Get(ctx, orgID, runID)
	if err != nil {
		return err
	}

	if run.Status.Terminal() {
		return nil
	}

	if run.WaitingOn != "" {
		// Parked at a user_action or wait step. Re-entry happens through
		// CompleteUserStep, ResumeWait or HandleTimeout; a redelivered
		// dispatch or resume event must not re-run the suspending step.
		return nil
	}

	def, err := e.definitions.Get(ctx, orgID, run.DefinitionID)
	if err != nil {
		return err
	}

	if def.Status != models.DefinitionStatusPublished {
		return fmt.Errorf("%w: %s", definition.ErrNotPublished, def.ID)
	}

	start := 0
	if run.CurrentStepID != "" {
		start, err = stepIndex(def, run.CurrentStepID)
		if err != nil {
			return err
		}
	}

	if run.Status == models.RunStatusPaused {
		// An explicit resume event re-enters the loop; a bare Execute on a
		// paused run is a no-op.
		return nil
	}

	if run.CurrentStepID == "" {
		e.publish(ctx, run.ID, events.RunStarted{
			BaseEvent:    events.NewBaseEvent(events.RunStartedEvent, orgID, run.ID),
			DefinitionID: def.ID,
			StartedBy:    run.StartedBy,
		})
	}

	return e.runLoop(ctx, run, def, start)
}

// runLoop executes steps from index onward. It persists run state after
// every step so a crashed worker resumes from the last finished step.
func (e *Engine) runLoop(ctx context.Context, run *models.Run, def *models.Definition, index int) error {
	for index < len(def.Steps) {
		cancelled, err := e.checkCancelled(ctx, run)
		if err != nil {
			return err
		}

		if cancelled {
			return nil
		}

		step := def.Steps[index]

		run.CurrentStepID = step.ID
		if err := e.runs.Update(ctx, run); err != nil {
			return err
		}

		result, stepErr := e.executeStep(ctx, run, def, step)

		// Re-check before persisting progress so an out-of-band cancel or
		// pause during the step is never overwritten.
		current, err := e.runs.Get(ctx, run.OrganizationID, run.ID)
		if err != nil {
			return err
		}

		if current.Status == models.RunStatusCancelled {
			e.logger.InfoContext(ctx, "run cancelled, stopping step loop", "run_id", run.ID)

			return nil
		}

		if current.Status == models.RunStatusPaused && !result.suspended {
			if stepErr != nil {
				// The failure is already on the step execution row; the step
				// is re-attempted when the operator resumes.
				e.logger.WarnContext(ctx, "step failed while run was paused",
					"run_id", run.ID, "step_id", step.ID, "error", stepErr)

				return nil
			}

			// Operator pause: park the cursor on the next step so a resume
			// does not re-run the one that just finished. A pause after the
			// final step has nothing left to hold back.
			if index+1 >= len(def.Steps) {
				run.Status = models.RunStatusRunning

				break
			}

			current.CurrentStepID = def.Steps[index+1].ID
			current.Variables = run.Variables

			if err := e.runs.Update(ctx, current); err != nil {
				return err
			}

			return nil
		}

		if stepErr != nil {
			next, routed := e.routeError(step, stepErr)
			if !routed {
				return e.failRun(ctx, run, step.ID, stepErr)
			}

			index, err = stepIndex(def, next)
			if err != nil {
				return e.failRun(ctx, run, step.ID, err)
			}

			e.logger.InfoContext(ctx, "error handler rerouted run",
				"run_id", run.ID, "failed_step", step.ID, "handler_step", next)

			continue
		}

		if result.suspended {
			return nil
		}

		if err := e.runs.Update(ctx, run); err != nil {
			return err
		}

		index++
	}

	return e.completeRun(ctx, run, def)
}

// CompleteUserStep re-enters a run suspended at a user_action step, merging
// the task outputs into run variables.
func (e *Engine) CompleteUserStep(ctx context.Context, orgID, runID, stepID string, outputs map[string]any) error {
	run, err := e.runs.Get(ctx, orgID, runID)
	if err != nil {
		return err
	}

	if run.Status != models.RunStatusRunning || run.WaitingOn != stepID {
		return fmt.Errorf("%w: run %s, step %s", ErrRunNotResumable, runID, stepID)
	}

	def, err := e.definitions.Get(ctx, orgID, run.DefinitionID)
	if err != nil {
		return err
	}

	index, err := stepIndex(def, stepID)
	if err != nil {
		return err
	}

	step := def.Steps[index]
	if step.Type != models.StepTypeUserAction {
		return fmt.Errorf("%w: step %s is not a user_action", ErrRunNotResumable, stepID)
	}

	for name, value := range outputs {
		e.setVariable(run, name, value)
	}

	now := time.Now().UTC()

	_, err = e.runs.AppendStepExecution(ctx, orgID, &models.StepExecution{
		RunID:       run.ID,
		StepID:      stepID,
		Sequence:    index,
		Status:      models.StepExecutionCompleted,
		StartedAt:   now,
		CompletedAt: &now,
		Output:      outputs,
		Logs:        []models.LogEntry{logEntry(models.LogLevelInfo, "user action completed")},
	})
	if err != nil {
		return err
	}

	if err := e.timers.CancelForRun(ctx, orgID, run.ID); err != nil {
		e.logger.ErrorContext(ctx, "failed to cancel run timers", "run_id", run.ID, "error", err)
	}

	run.WaitingOn = ""
	if err := e.runs.Update(ctx, run); err != nil {
		return err
	}

	e.publish(ctx, run.ID, events.RunResumed{
		BaseEvent: events.NewBaseEvent(events.RunResumedEvent, orgID, run.ID),
		StepID:    stepID,
		Outputs:   outputs,
	})

	return e.runLoop(ctx, run, def, index+1)
}

// ResumeWait re-enters a run suspended at a wait step once its timer fires.
func (e *Engine) ResumeWait(ctx context.Context, orgID, runID, stepID string) error {
	run, err := e.runs.Get(ctx, orgID, runID)
	if err != nil {
		return err
	}

	if run.Status.Terminal() || run.WaitingOn != stepID {
		// Stale timer; the run moved on or was cancelled.
		return nil
	}

	if run.Status == models.RunStatusPaused {
		// Operator hold. Fail the delivery so the timer retries after the
		// run is resumed.
		return fmt.Errorf("run %s is paused, wait timer for step %s retries later", runID, stepID)
	}

	def, err := e.definitions.Get(ctx, orgID, run.DefinitionID)
	if err != nil {
		return err
	}

	index, err := stepIndex(def, stepID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()

	_, err = e.runs.AppendStepExecution(ctx, orgID, &models.StepExecution{
		RunID:       run.ID,
		StepID:      stepID,
		Sequence:    index,
		Status:      models.StepExecutionCompleted,
		StartedAt:   now,
		CompletedAt: &now,
		Logs:        []models.LogEntry{logEntry(models.LogLevelInfo, "wait elapsed")},
	})
	if err != nil {
		return err
	}

	run.WaitingOn = ""
	if err := e.runs.Update(ctx, run); err != nil {
		return err
	}

	e.publish(ctx, run.ID, events.RunResumed{
		BaseEvent: events.NewBaseEvent(events.RunResumedEvent, orgID, run.ID),
		StepID:    stepID,
	})

	return e.runLoop(ctx, run, def, index+1)
}

// HandleTimeout fails a suspended step over to its declared fallback. With
// no fallback the timeout routes through the step's error handlers; with no
// handler either, the run fails.
func (e *Engine) HandleTimeout(ctx context.Context, orgID, runID, stepID string) error {
	run, err := e.runs.Get(ctx, orgID, runID)
	if err != nil {
		return err
	}

	if run.Status.Terminal() || run.WaitingOn != stepID {
		return nil
	}

	if run.Status == models.RunStatusPaused {
		return fmt.Errorf("run %s is paused, timeout for step %s retries later", runID, stepID)
	}

	def, err := e.definitions.Get(ctx, orgID, run.DefinitionID)
	if err != nil {
		return err
	}

	index, err := stepIndex(def, stepID)
	if err != nil {
		return err
	}

	step := def.Steps[index]
	timeoutErr := fmt.Errorf("step %s timed out", stepID)

	now := time.Now().UTC()

	_, err = e.runs.AppendStepExecution(ctx, orgID, &models.StepExecution{
		RunID:       run.ID,
		StepID:      stepID,
		Sequence:    index,
		Status:      models.StepExecutionFailed,
		StartedAt:   now,
		CompletedAt: &now,
		Error:       timeoutErr.Error(),
		Logs:        []models.LogEntry{logEntry(models.LogLevelError, timeoutErr.Error())},
	})
	if err != nil {
		return err
	}

	run.WaitingOn = ""
	if err := e.runs.Update(ctx, run); err != nil {
		return err
	}

	fallback := ""
	if step.Timeout != nil && step.Timeout.FallbackStepID != "" {
		fallback = step.Timeout.FallbackStepID
	} else if next, ok := step.ErrorHandlerFor(ErrorIDTimeout); ok {
		fallback = next
	}

	if fallback == "" {
		return e.failRun(ctx, run, stepID, timeoutErr)
	}

	next, err := stepIndex(def, fallback)
	if err != nil {
		return e.failRun(ctx, run, stepID, err)
	}

	return e.runLoop(ctx, run, def, next)
}

// checkCancelled reloads the run and reports whether a control action
// cancelled or paused it since the last step.
func (e *Engine) checkCancelled(ctx context.Context, run *models.Run) (bool, error) {
	current, err := e.runs.Get(ctx, run.OrganizationID, run.ID)
	if err != nil {
		return false, err
	}

	switch current.Status {
	case models.RunStatusCancelled:
		e.logger.InfoContext(ctx, "run cancelled, stopping step loop", "run_id", run.ID)

		return true, nil
	case models.RunStatusPaused:
		// Operator pause: stop without touching status.
		run.Status = models.RunStatusPaused

		return true, nil
	}

	// Control actions may have changed priority or variables.
	run.Priority = current.Priority

	return false, nil
}

func (e *Engine) completeRun(ctx context.Context, run *models.Run, def *models.Definition) error {
	now := time.Now().UTC()
	run.Status = models.RunStatusCompleted
	run.CurrentStepID = ""
	run.CompletedAt = &now

	if err := e.runs.Update(ctx, run); err != nil {
		return err
	}

	if err := e.timers.CancelForRun(ctx, run.OrganizationID, run.ID); err != nil {
		e.logger.ErrorContext(ctx, "failed to cancel run timers", "run_id", run.ID, "error", err)
	}

	e.publish(ctx, run.ID, events.RunCompleted{
		BaseEvent:     events.NewBaseEvent(events.RunCompletedEvent, run.OrganizationID, run.ID),
		DefinitionID:  def.ID,
		Duration:      now.Sub(run.StartedAt),
		StepsExecuted: len(def.Steps),
	})

	e.logger.InfoContext(ctx, "run completed", "run_id", run.ID, "definition_id", def.ID)

	return nil
}

func (e *Engine) failRun(ctx context.Context, run *models.Run, stepID string, cause error) error {
	now := time.Now().UTC()
	run.Status = models.RunStatusFailed
	run.Error = cause.Error()
	run.CompletedAt = &now

	if err := e.runs.Update(ctx, run); err != nil {
		return err
	}

	if err := e.timers.CancelForRun(ctx, run.OrganizationID, run.ID); err != nil {
		e.logger.ErrorContext(ctx, "failed to cancel run timers", "run_id", run.ID, "error", err)
	}

	e.publish(ctx, run.ID, events.RunFailed{
		BaseEvent:    events.NewBaseEvent(events.RunFailedEvent, run.OrganizationID, run.ID),
		DefinitionID: run.DefinitionID,
		StepID:       stepID,
		Error:        cause.Error(),
		Duration:     now.Sub(run.StartedAt),
	})

	e.logger.WarnContext(ctx, "run failed",
		"run_id", run.ID, "step_id", stepID, "error", cause)

	return nil
}

// routeError resolves the error handler target for a failed step. Guardrail
// violations route by guardrail type first, everything else by the default
// handler.
func (e *Engine) routeError(step models.Step, stepErr error) (string, bool) {
	var violation *guardrails.ViolationError
	if errors.As(stepErr, &violation) {
		return step.ErrorHandlerFor(violation.Guardrail)
	}

	return step.ErrorHandlerFor(models.ErrorHandlerDefault)
}

func (e *Engine) setVariable(run *models.Run, name string, value any) {
	if run.Variables == nil {
		run.Variables = make(map[string]any)
	}

	run.Variables[name] = value
}

// runVariables is the resolution scope for templates and conditions: run
// variables plus built-ins.
func runVariables(run *models.Run) map[string]any {
	scope := make(map[string]any, len(run.Variables)+3)

	for name, value := range run.Variables {
		scope[name] = value
	}

	scope["run_id"] = run.ID
	scope["subject_entity_id"] = run.SubjectEntityID
	scope["organization_id"] = run.OrganizationID

	return scope
}

func stepIndex(def *models.Definition, stepID string) (int, error) {
	for i, step := range def.Steps {
		if step.ID == stepID {
			return i, nil
		}
	}

	return 0, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
}

func (e *Engine) publish(ctx context.Context, key string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	err := e.bus.Publish(ctx, key, event)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}
