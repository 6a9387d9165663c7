// Package events defines event types for run lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every run lifecycle event.
const Topic = "playbook.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	RunDispatchedEvent EventType = "run.dispatched"
	RunStartedEvent    EventType = "run.started"
	RunCompletedEvent  EventType = "run.completed"
	RunFailedEvent     EventType = "run.failed"
	RunCancelledEvent  EventType = "run.cancelled"
	RunPausedEvent     EventType = "run.paused"
	RunResumedEvent    EventType = "run.resumed"
	RunSuspendedEvent  EventType = "run.suspended"
	StepCompletedEvent EventType = "run.step.completed"
	TimerFiredEvent    EventType = "run.timer.fired"

	NotificationRequestedEvent EventType = "notification.requested"
)

type BaseEvent struct {
	ID             string         `json:"id"`
	Type           EventType      `json:"type"`
	Timestamp      time.Time      `json:"timestamp"`
	RunID          string         `json:"run_id"`
	OrganizationID string         `json:"organization_id"`
	WorkerID       string         `json:"worker_id,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RunDispatched asks a worker to pick up a freshly started run.
type RunDispatched struct {
	BaseEvent

	DefinitionID string         `json:"definition_id"`
	Variables    map[string]any `json:"variables,omitempty"`
	StartedBy    string         `json:"started_by"`
}

func (e RunDispatched) GetType() EventType {
	return RunDispatchedEvent
}

type RunStarted struct {
	BaseEvent

	DefinitionID string `json:"definition_id"`
	StartedBy    string `json:"started_by"`
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunCompleted struct {
	BaseEvent

	DefinitionID  string        `json:"definition_id"`
	Duration      time.Duration `json:"duration"`
	StepsExecuted int           `json:"steps_executed"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	DefinitionID string        `json:"definition_id"`
	StepID       string        `json:"step_id"`
	Error        string        `json:"error"`
	Duration     time.Duration `json:"duration"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

type RunCancelled struct {
	BaseEvent

	CancelledBy string `json:"cancelled_by"`
	Reason      string `json:"reason,omitempty"`
}

func (e RunCancelled) GetType() EventType {
	return RunCancelledEvent
}

// RunPaused records an operator hold. It never describes a user_action or
// wait suspension; those publish RunSuspended and keep the run running.
type RunPaused struct {
	BaseEvent

	PausedBy string `json:"paused_by"`
	Reason   string `json:"reason,omitempty"`
}

func (e RunPaused) GetType() EventType {
	return RunPausedEvent
}

// RunSuspended marks a run parked at a user_action or wait step. The run
// stays running; only the step loop is stopped until a task completion or
// timer re-enters it.
type RunSuspended struct {
	BaseEvent

	StepID string `json:"step_id"`
	Reason string `json:"reason,omitempty"`
}

func (e RunSuspended) GetType() EventType {
	return RunSuspendedEvent
}

// RunResumed re-enters a suspended run. Workers consume it to continue the
// step loop after a user step completion or operator resume.
type RunResumed struct {
	BaseEvent

	ResumedBy string         `json:"resumed_by"`
	StepID    string         `json:"step_id,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
}

func (e RunResumed) GetType() EventType {
	return RunResumedEvent
}

type StepCompleted struct {
	BaseEvent

	StepID   string         `json:"step_id"`
	Status   string         `json:"status"`
	Output   map[string]any `json:"output,omitempty"`
	Duration time.Duration  `json:"duration"`
}

func (e StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

// TimerFired signals a due wait timer or step timeout. Workers consume it to
// re-enter the suspended run.
type TimerFired struct {
	BaseEvent

	TimerID string `json:"timer_id"`
	StepID  string `json:"step_id"`
	// Kind is "wait" or "timeout".
	Kind string `json:"kind"`
}

func (e TimerFired) GetType() EventType {
	return TimerFiredEvent
}

// NotificationRequested hands a send_notification payload off to whichever
// consumer owns the channel. Delivery is fire-and-forget.
type NotificationRequested struct {
	BaseEvent

	Channel   string         `json:"channel"`
	Recipient string         `json:"recipient,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Body      string         `json:"body,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

func (e NotificationRequested) GetType() EventType {
	return NotificationRequestedEvent
}

func NewBaseEvent(eventType EventType, orgID, runID string) BaseEvent {
	return BaseEvent{
		ID:             uuid.New().String(),
		Type:           eventType,
		Timestamp:      time.Now().UTC(),
		RunID:          runID,
		OrganizationID: orgID,
		Metadata:       make(map[string]any),
	}
}
