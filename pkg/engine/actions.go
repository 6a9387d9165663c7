package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/notifier"
	"github.com/heraerp/playbook/pkg/template"
)

// executeActions runs a step's actions in order. The dispatch is a closed
// switch over the action union; an unvalidated or unknown spec is an error,
// never a silent no-op. Every action attempt leaves a log entry on the step
// execution.
func (e *Engine) executeActions(ctx context.Context, run *models.Run, actions []models.ActionSpec) (map[string]any, []models.LogEntry, error) {
	output := make(map[string]any)
	logs := make([]models.LogEntry, 0, len(actions))

	for i, action := range actions {
		if err := action.Validate(); err != nil {
			err = fmt.Errorf("action %d: %w", i, err)
			logs = append(logs, logEntry(models.LogLevelError, err.Error()))

			return output, logs, err
		}

		err := e.executeAction(ctx, run, action, output)
		if err != nil {
			err = fmt.Errorf("action %d (%s): %w", i, action.Kind, err)
			logs = append(logs, logEntry(models.LogLevelError, err.Error()))

			return output, logs, err
		}

		logs = append(logs, logEntry(models.LogLevelInfo,
			fmt.Sprintf("action %d (%s) completed", i, action.Kind)))
	}

	return output, logs, nil
}

func logEntry(level, message string) models.LogEntry {
	return models.LogEntry{Level: level, Message: message, At: time.Now().UTC()}
}

func (e *Engine) executeAction(ctx context.Context, run *models.Run, action models.ActionSpec, output map[string]any) error {
	scope := runVariables(run)

	switch action.Kind {
	case models.ActionCreateEntity:
		return e.actionCreateEntity(ctx, run, action.CreateEntity, scope, output)
	case models.ActionCreateRelationship:
		return e.actionCreateRelationship(ctx, run, action.CreateRelationship, scope)
	case models.ActionSetStatus:
		return e.actionSetStatus(ctx, run, action.SetStatus, scope)
	case models.ActionCreateTransaction:
		return e.actionCreateTransaction(ctx, run, action.CreateTransaction, scope, output)
	case models.ActionSendNotification:
		return e.actionSendNotification(ctx, run, action.SendNotification, scope)
	case models.ActionCallExternalAPI:
		return e.actionCallExternalAPI(ctx, run, action.CallExternalAPI, scope, output)
	case models.ActionSetVariable:
		return e.actionSetVariable(run, action.SetVariable, scope)
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

func (e *Engine) actionCreateEntity(ctx context.Context, run *models.Run, params *models.CreateEntityParams, scope, output map[string]any) error {
	entity, err := e.store.CreateEntity(ctx, &models.Entity{
		Type:           template.RenderString(params.EntityType, scope),
		Name:           template.RenderString(params.Name, scope),
		OrganizationID: run.OrganizationID,
		SmartCode:      params.SmartCode,
		Metadata:       template.RenderMap(params.Metadata, scope),
	})
	if err != nil {
		return err
	}

	output["entity_id"] = entity.ID

	if params.ResultVariable != "" {
		e.setVariable(run, params.ResultVariable, entity.ID)
	}

	return nil
}

func (e *Engine) actionCreateRelationship(ctx context.Context, run *models.Run, params *models.CreateRelationshipParams, scope map[string]any) error {
	_, err := e.store.CreateRelationship(ctx, &models.Relationship{
		FromEntityID:   template.RenderString(params.FromEntityID, scope),
		ToEntityID:     template.RenderString(params.ToEntityID, scope),
		Type:           params.Type,
		IsActive:       true,
		SmartCode:      params.SmartCode,
		OrganizationID: run.OrganizationID,
		Metadata:       template.RenderMap(params.Metadata, scope),
	})

	return err
}

func (e *Engine) actionSetStatus(ctx context.Context, run *models.Run, params *models.SetStatusParams, scope map[string]any) error {
	return e.statuses.SetStatus(ctx, run.OrganizationID,
		template.RenderString(params.SubjectEntityID, scope),
		template.RenderString(params.StatusSmartCode, scope))
}

func (e *Engine) actionCreateTransaction(ctx context.Context, run *models.Run, params *models.CreateTransactionParams, scope, output map[string]any) error {
	txn := &models.Transaction{
		Type:           params.Type,
		SmartCode:      params.SmartCode,
		TotalAmount:    params.TotalAmount,
		Metadata:       template.RenderMap(params.Metadata, scope),
		OrganizationID: run.OrganizationID,
	}

	if params.SourceEntityID != "" {
		sourceID := template.RenderString(params.SourceEntityID, scope)
		txn.SourceEntityID = &sourceID
	}

	if params.TargetEntityID != "" {
		targetID := template.RenderString(params.TargetEntityID, scope)
		txn.TargetEntityID = &targetID
	}

	created, err := e.store.CreateTransaction(ctx, txn, params.Lines)
	if err != nil {
		return err
	}

	output["transaction_id"] = created.ID

	if params.ResultVariable != "" {
		e.setVariable(run, params.ResultVariable, created.ID)
	}

	return nil
}

// actionSendNotification is fire-and-forget: delivery failures are logged
// and never fail the step.
func (e *Engine) actionSendNotification(ctx context.Context, run *models.Run, params *models.SendNotificationParams, scope map[string]any) error {
	err := e.notifier.Send(ctx, notifier.Notification{
		Channel:        params.Channel,
		Recipient:      template.RenderString(params.Recipient, scope),
		Subject:        template.RenderString(params.Subject, scope),
		Body:           template.RenderString(params.Body, scope),
		Data:           template.RenderMap(params.Data, scope),
		RunID:          run.ID,
		OrganizationID: run.OrganizationID,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "notification delivery failed",
			"run_id", run.ID, "channel", params.Channel, "error", err)
	}

	return nil
}

func (e *Engine) actionCallExternalAPI(ctx context.Context, run *models.Run, params *models.CallExternalAPIParams, scope, output map[string]any) error {
	url := template.RenderString(params.URL, scope)

	var body *bytes.Reader
	if params.Body != nil {
		payload, err := json.Marshal(template.RenderMap(params.Body, scope))
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}

		body = bytes.NewReader(payload)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, params.Method, url, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	if params.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	for name, value := range params.Headers {
		req.Header.Set(name, template.RenderString(value, scope))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s %s returned status %d", params.Method, url, resp.StatusCode)
	}

	var decoded any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		// Non-JSON responses are acceptable; the status code already
		// confirmed success.
		decoded = nil
	}

	output["status_code"] = resp.StatusCode

	if params.ResultVariable != "" && decoded != nil {
		e.setVariable(run, params.ResultVariable, decoded)
	}

	return nil
}

func (e *Engine) actionSetVariable(run *models.Run, params *models.SetVariableParams, scope map[string]any) error {
	value := params.Value
	if s, ok := value.(string); ok {
		value = template.Render(s, scope)
	}

	e.setVariable(run, params.Name, value)

	return nil
}
