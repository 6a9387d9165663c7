package models

import "time"

// RunStatus represents the lifecycle state of one playbook run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transition is defined out of the
// status. A terminal run can only be retried as a fresh run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Run is exactly one execution of one published definition. Created at
// trigger time, mutated only by the engine and the control surface.
// WaitingOn holds the id of the user_action or wait step the run is
// suspended at; a suspended run keeps status running until the task is
// completed or the timer fires.
type Run struct {
	ID              string         `json:"id"`
	DefinitionID    string         `json:"definition_id" validate:"required"`
	OrganizationID  string         `json:"organization_id" validate:"required"`
	Status          RunStatus      `json:"status"`
	CurrentStepID   string         `json:"current_step_id,omitempty"`
	WaitingOn       string         `json:"waiting_on,omitempty"`
	SubjectEntityID string         `json:"subject_entity_id,omitempty"`
	Variables       map[string]any `json:"variables,omitempty"`
	Priority        int            `json:"priority"`
	StartedBy       string         `json:"started_by"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Error           string         `json:"error,omitempty"`
}

// Log levels recorded on step execution log entries, ordered from least
// to most severe.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// LogEntry is one line emitted while executing a step's actions.
type LogEntry struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// StepExecutionStatus represents the outcome of one step attempt.
type StepExecutionStatus string

const (
	StepExecutionPending   StepExecutionStatus = "pending"
	StepExecutionRunning   StepExecutionStatus = "running"
	StepExecutionCompleted StepExecutionStatus = "completed"
	StepExecutionFailed    StepExecutionStatus = "failed"
	StepExecutionSkipped   StepExecutionStatus = "skipped"
)

// StepExecution is the append-only record of one attempt to run one step of
// one run. Retries create new rows; existing rows are never mutated.
// Parallel branches and loop iterations each get their own row.
type StepExecution struct {
	ID          string              `json:"id"`
	RunID       string              `json:"run_id"`
	StepID      string              `json:"step_id"`
	BranchID    string              `json:"branch_id,omitempty"`
	Iteration   int                 `json:"iteration,omitempty"`
	Sequence    int                 `json:"sequence"`
	Status      StepExecutionStatus `json:"status"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	Error       string              `json:"error,omitempty"`
	Output      map[string]any      `json:"output,omitempty"`
	Logs        []LogEntry          `json:"logs,omitempty"`
}
