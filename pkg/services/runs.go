package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/heraerp/playbook/pkg/audit"
	"github.com/heraerp/playbook/pkg/definition"
	"github.com/heraerp/playbook/pkg/eventbus"
	"github.com/heraerp/playbook/pkg/events"
	"github.com/heraerp/playbook/pkg/idempotency"
	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/permissions"
	"github.com/heraerp/playbook/pkg/runs"
	"github.com/heraerp/playbook/pkg/store"
	"github.com/heraerp/playbook/pkg/timers"
)

// Control actions accepted by Update.
const (
	ActionPause       = "pause"
	ActionResume      = "resume"
	ActionSetPriority = "set_priority"
	ActionCancel      = "cancel"
)

const resourceTypeRun = "playbook_run"

// StartRunRequest asks for a new run of a published definition.
type StartRunRequest struct {
	DefinitionID    string         `json:"definition_id" validate:"required"`
	SubjectEntityID string         `json:"subject_entity_id,omitempty"`
	Variables       map[string]any `json:"variables,omitempty"`
	Priority        int            `json:"priority,omitempty"`
	// IdempotencyKey deduplicates retried submissions. Empty disables
	// deduplication.
	IdempotencyKey string `json:"-"`
}

// StartRunResult is the response to a start request.
type StartRunResult struct {
	RunID  string           `json:"run_id"`
	Status models.RunStatus `json:"status"`
	// Replayed is true when the result came from an idempotency record and
	// no new run was created.
	Replayed bool `json:"-"`
}

// UpdateRunRequest carries one control action against an existing run.
type UpdateRunRequest struct {
	Action   string `json:"action" validate:"required"`
	Priority *int   `json:"priority,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// DetailOptions narrow what GetDetail loads.
type DetailOptions struct {
	IncludeExecutions bool
	// ExecutionLimit caps the execution history; zero means all rows.
	ExecutionLimit  int
	IncludeTimeline bool
	IncludeLogs     bool
	// LogLevel drops log entries below the level: debug, info, warn, error.
	// Empty keeps everything.
	LogLevel string
}

// Progress summarizes how far a run has advanced through its definition.
type Progress struct {
	CompletedSteps int     `json:"completed_steps"`
	TotalSteps     int     `json:"total_steps"`
	Percent        float64 `json:"percent"`
}

// TimelineEntry is one step attempt flattened for display.
type TimelineEntry struct {
	StepID      string     `json:"step_id"`
	BranchID    string     `json:"branch_id,omitempty"`
	Iteration   int        `json:"iteration,omitempty"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// StepLog is one step execution log line with its owning step.
type StepLog struct {
	StepID  string    `json:"step_id"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// RunMetrics aggregates step timing for a run.
type RunMetrics struct {
	TotalDurationMs   int64 `json:"total_duration_ms"`
	AverageStepTimeMs int64 `json:"average_step_time_ms"`
}

// RunDetail is the full view of a run returned by GetDetail.
type RunDetail struct {
	Run            *models.Run             `json:"run"`
	DefinitionName string                  `json:"definition_name,omitempty"`
	Executions     []*models.StepExecution `json:"executions,omitempty"`
	Timeline       []TimelineEntry         `json:"timeline,omitempty"`
	Logs           []StepLog               `json:"logs,omitempty"`
	Progress       Progress                `json:"progress"`
	// EstimatedCompletion extrapolates from average step duration. Nil until
	// at least one step has finished.
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
	Metrics             RunMetrics `json:"metrics"`
	// PermittedActions lists the control actions the caller may perform on
	// this run.
	PermittedActions []string `json:"permitted_actions"`
}

// Runs is the control surface for playbook runs. Every mutating call is
// permission checked and audited; Start is additionally idempotent.
type Runs struct {
	runs        *runs.Repository
	definitions *definition.Repository
	permissions *permissions.Service
	idempotency *idempotency.Service
	audit       *audit.Trail
	timers      *timers.Service
	bus         eventbus.EventPublisher
	validate    *validator.Validate
	logger      *slog.Logger
}

// RunsConfig wires the run service's collaborators.
type RunsConfig struct {
	Runs        *runs.Repository
	Definitions *definition.Repository
	Permissions *permissions.Service
	Idempotency *idempotency.Service
	Audit       *audit.Trail
	Timers      *timers.Service
	Bus         eventbus.EventPublisher
	Logger      *slog.Logger
}

// NewRuns creates the run control service.
func NewRuns(cfg RunsConfig) *Runs {
	return &Runs{
		runs:        cfg.Runs,
		definitions: cfg.Definitions,
		permissions: cfg.Permissions,
		idempotency: cfg.Idempotency,
		audit:       cfg.Audit,
		timers:      cfg.Timers,
		bus:         cfg.Bus,
		validate:    validator.New(),
		logger:      cfg.Logger.With("module", "run_service"),
	}
}

// Start creates a run of a published definition and dispatches it for
// execution. Requires playbook_run:create. A non-empty idempotency key makes
// retried submissions replay the original result instead of creating a
// second run.
func (s *Runs) Start(ctx context.Context, sc *models.SecurityContext, req StartRunRequest) (*StartRunResult, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, NewValidationError("StartRun", "validation_error", err.Error(), ErrInvalidRequest)
	}

	err := s.permissions.Enforce(sc, []string{models.PermissionRunCreate}, nil)
	if err != nil {
		s.recordAudit(ctx, sc, "run.start", req.DefinitionID, audit.OutcomeDenied, err.Error())

		return nil, err
	}

	def, err := s.definitions.Get(ctx, sc.OrganizationID, req.DefinitionID)
	if err != nil {
		return nil, err
	}

	if def.Status != models.DefinitionStatusPublished {
		return nil, NewValidationError("StartRun", "validation_error",
			fmt.Sprintf("definition %s is not published", def.ID), ErrInvalidRequest)
	}

	variables, err := resolveVariables(def, req.Variables)
	if err != nil {
		return nil, err
	}

	outcome, err := s.idempotency.Process(ctx, sc.OrganizationID, req.IdempotencyKey, "start_run", req,
		func(ctx context.Context) (any, error) {
			return s.createRun(ctx, sc, def, req, variables)
		})
	if err != nil {
		return nil, err
	}

	var result StartRunResult
	if err := json.Unmarshal(outcome.Response, &result); err != nil {
		return nil, fmt.Errorf("failed to decode start result: %w", err)
	}

	result.Replayed = outcome.Cached

	return &result, nil
}

func (s *Runs) createRun(ctx context.Context, sc *models.SecurityContext, def *models.Definition, req StartRunRequest, variables map[string]any) (*StartRunResult, error) {
	run, err := s.runs.Create(ctx, &models.Run{
		DefinitionID:    def.ID,
		OrganizationID:  sc.OrganizationID,
		SubjectEntityID: req.SubjectEntityID,
		Variables:       variables,
		Priority:        req.Priority,
		StartedBy:       sc.UserID,
	})
	if err != nil {
		s.recordAudit(ctx, sc, "run.start", def.ID, audit.OutcomeFailed, err.Error())

		return nil, err
	}

	s.recordAudit(ctx, sc, "run.start", run.ID, audit.OutcomeAllowed, "")

	s.publish(ctx, run.ID, events.RunDispatched{
		BaseEvent:    events.NewBaseEvent(events.RunDispatchedEvent, sc.OrganizationID, run.ID),
		DefinitionID: def.ID,
		Variables:    variables,
		StartedBy:    sc.UserID,
	})

	s.logger.InfoContext(ctx, "run started",
		"run_id", run.ID, "definition_id", def.ID, "started_by", sc.UserID)

	return &StartRunResult{RunID: run.ID, Status: run.Status}, nil
}

// GetDetail loads one run with its execution history, progress and the
// caller's permitted control actions. Any of playbook_run:read (which the
// run's initiator satisfies implicitly), playbook_run:execute or
// playbook_run:manage grants access.
func (s *Runs) GetDetail(ctx context.Context, sc *models.SecurityContext, runID string, opts DetailOptions) (*RunDetail, error) {
	run, err := s.loadRun(ctx, sc.OrganizationID, runID)
	if err != nil {
		return nil, err
	}

	if !s.mayView(sc, run) {
		forbidden := &permissions.ForbiddenError{UserID: sc.UserID, Permission: models.PermissionRunRead}
		s.recordAudit(ctx, sc, "run.read", runID, audit.OutcomeDenied, forbidden.Error())

		return nil, forbidden
	}

	def, err := s.definitions.Get(ctx, sc.OrganizationID, run.DefinitionID)
	if err != nil {
		return nil, err
	}

	detail := &RunDetail{
		Run:              run,
		DefinitionName:   def.Name,
		PermittedActions: s.permittedActions(sc, run),
	}

	executions, err := s.runs.StepExecutions(ctx, sc.OrganizationID, runID, opts.ExecutionLimit)
	if err != nil {
		return nil, err
	}

	detail.Progress, detail.Metrics = summarize(def, executions)
	detail.EstimatedCompletion = estimateCompletion(run, detail.Progress, detail.Metrics)

	if opts.IncludeLogs {
		detail.Logs = collectLogs(executions, opts.LogLevel)
	}

	if opts.IncludeExecutions {
		if !opts.IncludeLogs {
			for _, exec := range executions {
				exec.Logs = nil
			}
		}

		detail.Executions = executions
	}

	if opts.IncludeTimeline {
		detail.Timeline = buildTimeline(executions)
	}

	return detail, nil
}

func (s *Runs) mayView(sc *models.SecurityContext, run *models.Run) bool {
	return s.permissions.Check(sc, models.PermissionRunRead, &permissions.Context{OwnerID: run.StartedBy}) ||
		s.permissions.Check(sc, models.PermissionRunExecute, nil) ||
		s.permissions.Check(sc, models.PermissionRunManage, nil)
}

var logLevelRank = map[string]int{
	models.LogLevelDebug: 0,
	models.LogLevelInfo:  1,
	models.LogLevelWarn:  2,
	models.LogLevelError: 3,
}

// collectLogs flattens execution logs in step order, keeping entries at or
// above minLevel. An unknown level filter keeps everything.
func collectLogs(executions []*models.StepExecution, minLevel string) []StepLog {
	threshold := logLevelRank[minLevel]

	logs := make([]StepLog, 0)

	for _, exec := range executions {
		for _, entry := range exec.Logs {
			if logLevelRank[entry.Level] < threshold {
				continue
			}

			logs = append(logs, StepLog{
				StepID:  exec.StepID,
				Level:   entry.Level,
				Message: entry.Message,
				At:      entry.At,
			})
		}
	}

	return logs
}

// Update applies one control action: pause, resume or set_priority. Requires
// playbook_run:manage. Transition legality is enforced here so the engine
// only ever observes well-formed status changes.
func (s *Runs) Update(ctx context.Context, sc *models.SecurityContext, runID string, req UpdateRunRequest) (*models.Run, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, NewValidationError("UpdateRun", "validation_error", err.Error(), ErrInvalidRequest)
	}

	run, err := s.loadRun(ctx, sc.OrganizationID, runID)
	if err != nil {
		return nil, err
	}

	auditAction := "run." + req.Action

	err = s.permissions.Enforce(sc, []string{models.PermissionRunManage}, nil)
	if err != nil {
		s.recordAudit(ctx, sc, auditAction, runID, audit.OutcomeDenied, err.Error())

		return nil, err
	}

	switch req.Action {
	case ActionPause:
		err = s.pause(ctx, sc, run, req.Reason)
	case ActionResume:
		err = s.resume(ctx, sc, run)
	case ActionSetPriority:
		err = s.setPriority(ctx, run, req.Priority)
	default:
		err = fmt.Errorf("%w: %q", ErrInvalidAction, req.Action)
	}

	if err != nil {
		s.recordAudit(ctx, sc, auditAction, runID, audit.OutcomeFailed, err.Error())

		return nil, err
	}

	s.recordAudit(ctx, sc, auditAction, runID, audit.OutcomeAllowed, req.Reason)

	return run, nil
}

func (s *Runs) pause(ctx context.Context, sc *models.SecurityContext, run *models.Run, reason string) error {
	if run.Status != models.RunStatusRunning {
		return fmt.Errorf("%w: cannot pause a %s run", ErrInvalidStatus, run.Status)
	}

	run.Status = models.RunStatusPaused
	if err := s.runs.Update(ctx, run); err != nil {
		return err
	}

	s.publish(ctx, run.ID, events.RunPaused{
		BaseEvent: events.NewBaseEvent(events.RunPausedEvent, run.OrganizationID, run.ID),
		PausedBy:  sc.UserID,
		Reason:    reason,
	})

	return nil
}

func (s *Runs) resume(ctx context.Context, sc *models.SecurityContext, run *models.Run) error {
	if run.Status != models.RunStatusPaused {
		return fmt.Errorf("%w: cannot resume a %s run", ErrInvalidStatus, run.Status)
	}

	run.Status = models.RunStatusRunning
	if err := s.runs.Update(ctx, run); err != nil {
		return err
	}

	s.publish(ctx, run.ID, events.RunResumed{
		BaseEvent: events.NewBaseEvent(events.RunResumedEvent, run.OrganizationID, run.ID),
		ResumedBy: sc.UserID,
		StepID:    run.CurrentStepID,
	})

	return nil
}

func (s *Runs) setPriority(ctx context.Context, run *models.Run, priority *int) error {
	if priority == nil {
		return fmt.Errorf("%w: set_priority requires a priority", ErrInvalidRequest)
	}

	if run.Status.Terminal() {
		return fmt.Errorf("%w: cannot reprioritize a %s run", ErrInvalidStatus, run.Status)
	}

	run.Priority = *priority

	return s.runs.Update(ctx, run)
}

// Cancel terminates a run. The initiator may cancel their own run; anyone
// else needs playbook_run:cancel or playbook_run:manage. Cancelling an
// already cancelled run is a conflict, not a validation error.
func (s *Runs) Cancel(ctx context.Context, sc *models.SecurityContext, runID, reason string) (*models.Run, error) {
	run, err := s.loadRun(ctx, sc.OrganizationID, runID)
	if err != nil {
		return nil, err
	}

	if !s.mayCancel(sc, run) {
		forbidden := &permissions.ForbiddenError{UserID: sc.UserID, Permission: models.PermissionRunCancel}
		s.recordAudit(ctx, sc, "run.cancel", runID, audit.OutcomeDenied, forbidden.Error())

		return nil, forbidden
	}

	switch run.Status {
	case models.RunStatusCancelled:
		return nil, fmt.Errorf("%w: run %s", ErrAlreadyCancelled, runID)
	case models.RunStatusCompleted, models.RunStatusFailed:
		return nil, fmt.Errorf("%w: cannot cancel a %s run", ErrInvalidStatus, run.Status)
	}

	now := time.Now().UTC()
	run.Status = models.RunStatusCancelled
	run.CompletedAt = &now

	if err := s.runs.Update(ctx, run); err != nil {
		s.recordAudit(ctx, sc, "run.cancel", runID, audit.OutcomeFailed, err.Error())

		return nil, fmt.Errorf("%w: %w", ErrCancellationFailed, err)
	}

	if err := s.timers.CancelForRun(ctx, sc.OrganizationID, runID); err != nil {
		s.logger.WarnContext(ctx, "failed to cancel run timers",
			"run_id", runID, "error", err)
	}

	s.recordAudit(ctx, sc, "run.cancel", runID, audit.OutcomeAllowed, reason)

	s.publish(ctx, run.ID, events.RunCancelled{
		BaseEvent:   events.NewBaseEvent(events.RunCancelledEvent, run.OrganizationID, run.ID),
		CancelledBy: sc.UserID,
		Reason:      reason,
	})

	return run, nil
}

func (s *Runs) loadRun(ctx context.Context, orgID, runID string) (*models.Run, error) {
	run, err := s.runs.Get(ctx, orgID, runID)
	if err != nil {
		if store.IsTransactionNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}

		return nil, err
	}

	return run, nil
}

func (s *Runs) mayCancel(sc *models.SecurityContext, run *models.Run) bool {
	if run.StartedBy == sc.UserID {
		return true
	}

	return s.permissions.Check(sc, models.PermissionRunCancel, nil) ||
		s.permissions.Check(sc, models.PermissionRunManage, nil)
}

// permittedActions lists the control actions the caller could legally invoke
// on the run in its current status.
func (s *Runs) permittedActions(sc *models.SecurityContext, run *models.Run) []string {
	actions := make([]string, 0, 4)
	manage := s.permissions.Check(sc, models.PermissionRunManage, nil)

	if run.Status == models.RunStatusRunning && manage {
		actions = append(actions, ActionPause)
	}

	if run.Status == models.RunStatusPaused && manage {
		actions = append(actions, ActionResume)
	}

	if !run.Status.Terminal() {
		if manage {
			actions = append(actions, ActionSetPriority)
		}

		if s.mayCancel(sc, run) {
			actions = append(actions, ActionCancel)
		}
	}

	return actions
}

func (s *Runs) recordAudit(ctx context.Context, sc *models.SecurityContext, action, resourceID, outcome, reason string) {
	s.audit.Record(ctx, audit.Entry{
		ActorID:        sc.UserID,
		Action:         action,
		ResourceType:   resourceTypeRun,
		ResourceID:     resourceID,
		Outcome:        outcome,
		Reason:         reason,
		OrganizationID: sc.OrganizationID,
	})
}

func (s *Runs) publish(ctx context.Context, key string, event eventbus.Event) {
	if s.bus == nil {
		return
	}

	if err := s.bus.Publish(ctx, key, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish event",
			"event_type", event.GetType(), "error", err)
	}
}

// resolveVariables merges declared defaults with caller input and rejects
// missing required variables.
func resolveVariables(def *models.Definition, input map[string]any) (map[string]any, error) {
	variables := make(map[string]any, len(def.Variables)+len(input))

	for name, spec := range def.Variables {
		if spec.Default != nil {
			variables[name] = spec.Default
		}
	}

	for name, value := range input {
		variables[name] = value
	}

	for name, spec := range def.Variables {
		if spec.Required {
			if _, ok := variables[name]; !ok {
				return nil, NewValidationError("StartRun", "validation_error",
					fmt.Sprintf("required variable %q is missing", name), ErrInvalidRequest)
			}
		}
	}

	return variables, nil
}

func summarize(def *models.Definition, executions []*models.StepExecution) (Progress, RunMetrics) {
	completed := make(map[string]bool)

	var (
		totalDuration time.Duration
		finished      int
	)

	for _, exec := range executions {
		if exec.Status == models.StepExecutionCompleted {
			completed[exec.StepID] = true
		}

		if exec.CompletedAt != nil {
			totalDuration += exec.CompletedAt.Sub(exec.StartedAt)
			finished++
		}
	}

	progress := Progress{
		CompletedSteps: len(completed),
		TotalSteps:     len(def.Steps),
	}
	if progress.TotalSteps > 0 {
		progress.Percent = float64(progress.CompletedSteps) / float64(progress.TotalSteps) * 100
	}

	metrics := RunMetrics{TotalDurationMs: totalDuration.Milliseconds()}
	if finished > 0 {
		metrics.AverageStepTimeMs = (totalDuration / time.Duration(finished)).Milliseconds()
	}

	return progress, metrics
}

// estimateCompletion extrapolates a finish time from the average step
// duration. Returns nil when no step has completed yet; there is nothing to
// extrapolate from.
func estimateCompletion(run *models.Run, progress Progress, metrics RunMetrics) *time.Time {
	if !run.Status.Terminal() && progress.CompletedSteps > 0 && metrics.AverageStepTimeMs > 0 {
		remaining := progress.TotalSteps - progress.CompletedSteps
		if remaining < 0 {
			remaining = 0
		}

		eta := time.Now().UTC().Add(time.Duration(remaining) * time.Duration(metrics.AverageStepTimeMs) * time.Millisecond)

		return &eta
	}

	if run.Status.Terminal() {
		return run.CompletedAt
	}

	return nil
}

func buildTimeline(executions []*models.StepExecution) []TimelineEntry {
	timeline := make([]TimelineEntry, 0, len(executions))

	for _, exec := range executions {
		timeline = append(timeline, TimelineEntry{
			StepID:      exec.StepID,
			BranchID:    exec.BranchID,
			Iteration:   exec.Iteration,
			Status:      string(exec.Status),
			StartedAt:   exec.StartedAt,
			CompletedAt: exec.CompletedAt,
			Error:       exec.Error,
		})
	}

	return timeline
}
