package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/heraerp/playbook/pkg/events"
	"github.com/heraerp/playbook/pkg/guardrails"
	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/otelhelper"
	"github.com/heraerp/playbook/pkg/template"
	"github.com/heraerp/playbook/pkg/timers"
)

// executeStep runs one step end to end inside its own span. The
// StepExecution row is written only after the step fully completes, fails or
// is skipped; suspending steps write their row when the run re-enters.
func (e *Engine) executeStep(ctx context.Context, run *models.Run, def *models.Definition, step models.Step) (stepResult, error) {
	ctx, span := e.tracer.Start(ctx, "step.execute", trace.WithAttributes(
		attribute.String(otelhelper.RunIDKey, run.ID),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.StepTypeKey, string(step.Type)),
	))
	defer span.End()

	result, err := e.runStep(ctx, run, def, step)
	if err != nil {
		otelhelper.SetError(span, err)
	}

	return result, err
}

func (e *Engine) runStep(ctx context.Context, run *models.Run, def *models.Definition, step models.Step) (stepResult, error) {
	index, err := stepIndex(def, step.ID)
	if err != nil {
		return stepResult{}, err
	}

	startedAt := time.Now().UTC()

	err = e.guardrails.CheckAll(ctx, step.Guardrails, guardrails.Input{
		OrganizationID:  run.OrganizationID,
		RunID:           run.ID,
		SubjectEntityID: run.SubjectEntityID,
		Variables:       run.Variables,
	})
	if err != nil {
		e.recordStep(ctx, run, step.ID, index, startedAt, models.StepExecutionFailed, nil,
			[]models.LogEntry{logEntry(models.LogLevelError, err.Error())}, err)

		return stepResult{}, err
	}

	switch step.Type {
	case models.StepTypeAction:
		return e.executeActionStep(ctx, run, step, index, startedAt)
	case models.StepTypeConditional:
		return e.executeConditionalStep(ctx, run, step, index, startedAt)
	case models.StepTypeUserAction:
		return e.suspendForUserAction(ctx, run, step)
	case models.StepTypeWait:
		return e.suspendForWait(ctx, run, step)
	case models.StepTypeParallel:
		return e.executeParallelStep(ctx, run, step, index, startedAt)
	case models.StepTypeLoop:
		return e.executeLoopStep(ctx, run, step, index, startedAt)
	default:
		err := fmt.Errorf("unknown step type %q", step.Type)
		e.recordStep(ctx, run, step.ID, index, startedAt, models.StepExecutionFailed, nil, nil, err)

		return stepResult{}, err
	}
}

func (e *Engine) executeActionStep(ctx context.Context, run *models.Run, step models.Step, index int, startedAt time.Time) (stepResult, error) {
	output, logs, err := e.executeActions(ctx, run, step.Actions)
	if err != nil {
		e.recordStep(ctx, run, step.ID, index, startedAt, models.StepExecutionFailed, output, logs, err)

		return stepResult{}, err
	}

	e.recordStep(ctx, run, step.ID, index, startedAt, models.StepExecutionCompleted, output, logs, nil)

	return stepResult{output: output}, nil
}

func (e *Engine) executeConditionalStep(ctx context.Context, run *models.Run, step models.Step, index int, startedAt time.Time) (stepResult, error) {
	matched, err := evaluateCondition(step.Condition, runVariables(run))
	if err != nil {
		e.recordStep(ctx, run, step.ID, index, startedAt, models.StepExecutionFailed, nil, nil, err)

		return stepResult{}, err
	}

	if !matched {
		e.recordStep(ctx, run, step.ID, index, startedAt, models.StepExecutionSkipped,
			map[string]any{"condition_result": false},
			[]models.LogEntry{logEntry(models.LogLevelInfo, "condition not met, step skipped")}, nil)

		return stepResult{skipped: true}, nil
	}

	output, logs, err := e.executeActions(ctx, run, step.Actions)
	if err != nil {
		e.recordStep(ctx, run, step.ID, index, startedAt, models.StepExecutionFailed, output, logs, err)

		return stepResult{}, err
	}

	if output == nil {
		output = map[string]any{}
	}

	output["condition_result"] = true

	e.recordStep(ctx, run, step.ID, index, startedAt, models.StepExecutionCompleted, output, logs, nil)

	return stepResult{output: output}, nil
}

// suspendForUserAction creates a task entity for the assignee and parks the
// run at the step. The run keeps status running; WaitingOn marks the
// suspension so redelivered events do not re-enter the step. The
// StepExecution row is written by CompleteUserStep.
func (e *Engine) suspendForUserAction(ctx context.Context, run *models.Run, step models.Step) (stepResult, error) {
	assignee := template.RenderString(step.Assignee, runVariables(run))

	task, err := e.store.CreateEntity(ctx, &models.Entity{
		Type:           models.EntityTypeTask,
		Name:           step.Name,
		OrganizationID: run.OrganizationID,
		SmartCode:      "HERA.PLAYBOOK.TASK.USER_ACTION.V1",
		Metadata: map[string]any{
			"run_id":   run.ID,
			"step_id":  step.ID,
			"assignee": assignee,
			"status":   "open",
		},
	})
	if err != nil {
		return stepResult{}, fmt.Errorf("failed to create task: %w", err)
	}

	if step.Timeout != nil {
		_, err = e.timers.Schedule(ctx, &timers.Timer{
			OrganizationID: run.OrganizationID,
			Kind:           timers.KindTimeout,
			RunID:          run.ID,
			StepID:         step.ID,
			DueAt:          time.Now().UTC().Add(step.Timeout.Duration),
		})
		if err != nil {
			return stepResult{}, err
		}
	}

	run.WaitingOn = step.ID
	if err := e.runs.Update(ctx, run); err != nil {
		return stepResult{}, err
	}

	e.publish(ctx, run.ID, events.RunSuspended{
		BaseEvent: events.NewBaseEvent(events.RunSuspendedEvent, run.OrganizationID, run.ID),
		StepID:    step.ID,
		Reason:    "awaiting user action",
	})

	e.logger.InfoContext(ctx, "run suspended for user action",
		"run_id", run.ID, "step_id", step.ID, "task_id", task.ID, "assignee", assignee)

	return stepResult{suspended: true}, nil
}

// suspendForWait records a durable timer and parks the run at the step,
// status still running. The engine never sleeps in process.
func (e *Engine) suspendForWait(ctx context.Context, run *models.Run, step models.Step) (stepResult, error) {
	if step.Wait == nil {
		return stepResult{}, fmt.Errorf("wait step %s has no wait spec", step.ID)
	}

	dueAt := time.Now().UTC().Add(step.Wait.Duration)
	if step.Wait.Until != nil {
		dueAt = *step.Wait.Until
	}

	_, err := e.timers.Schedule(ctx, &timers.Timer{
		OrganizationID: run.OrganizationID,
		Kind:           timers.KindWait,
		RunID:          run.ID,
		StepID:         step.ID,
		DueAt:          dueAt,
	})
	if err != nil {
		return stepResult{}, err
	}

	run.WaitingOn = step.ID
	if err := e.runs.Update(ctx, run); err != nil {
		return stepResult{}, err
	}

	e.publish(ctx, run.ID, events.RunSuspended{
		BaseEvent: events.NewBaseEvent(events.RunSuspendedEvent, run.OrganizationID, run.ID),
		StepID:    step.ID,
		Reason:    "waiting until " + dueAt.Format(time.RFC3339),
	})

	return stepResult{suspended: true}, nil
}

// executeParallelStep fans out over branches, one StepExecution row per
// branch, and fans back in before the run advances.
func (e *Engine) executeParallelStep(ctx context.Context, run *models.Run, step models.Step, index int, startedAt time.Time) (stepResult, error) {
	output := make(map[string]any, len(step.Branches))

	var firstErr error

	for _, branch := range step.Branches {
		branchOutput, branchLogs, err := e.executeActions(ctx, run, branch.Actions)

		branchStatus := models.StepExecutionCompleted
		if err != nil {
			branchStatus = models.StepExecutionFailed

			if firstErr == nil {
				firstErr = fmt.Errorf("branch %s: %w", branch.ID, err)
			}
		}

		e.recordBranch(ctx, run, step.ID, branch.ID, index, startedAt, branchStatus, branchOutput, branchLogs, err)

		if err == nil {
			output[branch.ID] = branchOutput
		}
	}

	if firstErr != nil {
		return stepResult{}, firstErr
	}

	return stepResult{output: output}, nil
}

// executeLoopStep iterates the step's actions over a list variable, one
// StepExecution row per iteration.
func (e *Engine) executeLoopStep(ctx context.Context, run *models.Run, step models.Step, index int, startedAt time.Time) (stepResult, error) {
	if step.Loop == nil {
		return stepResult{}, fmt.Errorf("loop step %s has no loop spec", step.ID)
	}

	raw, ok := run.Variables[step.Loop.OverVariable]
	if !ok {
		err := fmt.Errorf("loop variable %q is not set", step.Loop.OverVariable)
		e.recordStep(ctx, run, step.ID, index, startedAt, models.StepExecutionFailed, nil, nil, err)

		return stepResult{}, err
	}

	items, ok := raw.([]any)
	if !ok {
		err := fmt.Errorf("loop variable %q is not a list", step.Loop.OverVariable)
		e.recordStep(ctx, run, step.ID, index, startedAt, models.StepExecutionFailed, nil, nil, err)

		return stepResult{}, err
	}

	limit := len(items)
	if step.Loop.MaxIterations > 0 && step.Loop.MaxIterations < limit {
		limit = step.Loop.MaxIterations
	}

	for iteration := range limit {
		e.setVariable(run, step.Loop.ItemVariable, items[iteration])

		iterStarted := time.Now().UTC()

		output, iterLogs, err := e.executeActions(ctx, run, step.Actions)

		iterStatus := models.StepExecutionCompleted
		if err != nil {
			iterStatus = models.StepExecutionFailed
		}

		e.recordIteration(ctx, run, step.ID, iteration, index, iterStarted, iterStatus, output, iterLogs, err)

		if err != nil {
			return stepResult{}, fmt.Errorf("iteration %d: %w", iteration, err)
		}
	}

	delete(run.Variables, step.Loop.ItemVariable)

	return stepResult{output: map[string]any{"iterations": limit}}, nil
}

func evaluateCondition(condition string, scope map[string]any) (bool, error) {
	program, err := expr.Compile(condition, expr.Env(scope), expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return false, fmt.Errorf("failed to compile condition %q: %w", condition, err)
	}

	result, err := expr.Run(program, scope)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", condition, err)
	}

	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", condition)
	}

	return matched, nil
}

func (e *Engine) recordStep(ctx context.Context, run *models.Run, stepID string, sequence int, startedAt time.Time, status models.StepExecutionStatus, output map[string]any, logs []models.LogEntry, stepErr error) {
	e.appendExecution(ctx, run, &models.StepExecution{
		RunID:     run.ID,
		StepID:    stepID,
		Sequence:  sequence,
		Status:    status,
		StartedAt: startedAt,
		Output:    output,
		Logs:      logs,
	}, stepErr)
}

func (e *Engine) recordBranch(ctx context.Context, run *models.Run, stepID, branchID string, sequence int, startedAt time.Time, status models.StepExecutionStatus, output map[string]any, logs []models.LogEntry, stepErr error) {
	e.appendExecution(ctx, run, &models.StepExecution{
		RunID:     run.ID,
		StepID:    stepID,
		BranchID:  branchID,
		Sequence:  sequence,
		Status:    status,
		StartedAt: startedAt,
		Output:    output,
		Logs:      logs,
	}, stepErr)
}

func (e *Engine) recordIteration(ctx context.Context, run *models.Run, stepID string, iteration, sequence int, startedAt time.Time, status models.StepExecutionStatus, output map[string]any, logs []models.LogEntry, stepErr error) {
	e.appendExecution(ctx, run, &models.StepExecution{
		RunID:     run.ID,
		StepID:    stepID,
		Iteration: iteration,
		Sequence:  sequence,
		Status:    status,
		StartedAt: startedAt,
		Output:    output,
		Logs:      logs,
	}, stepErr)
}

func (e *Engine) appendExecution(ctx context.Context, run *models.Run, exec *models.StepExecution, stepErr error) {
	now := time.Now().UTC()
	exec.CompletedAt = &now

	if stepErr != nil {
		exec.Error = stepErr.Error()
	}

	_, err := e.runs.AppendStepExecution(ctx, run.OrganizationID, exec)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to record step execution",
			"run_id", run.ID, "step_id", exec.StepID, "error", err)

		return
	}

	e.publish(ctx, run.ID, events.StepCompleted{
		BaseEvent: events.NewBaseEvent(events.StepCompletedEvent, run.OrganizationID, run.ID),
		StepID:    exec.StepID,
		Status:    string(exec.Status),
		Output:    exec.Output,
		Duration:  now.Sub(exec.StartedAt),
	})
}
