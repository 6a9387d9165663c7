// Package notifier delivers send_notification action payloads. Delivery is
// fire-and-forget from the engine's point of view: a failed notification is
// logged, never fails the step.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/heraerp/playbook/pkg/eventbus"
	"github.com/heraerp/playbook/pkg/events"
)

// Notification is one outbound message produced by a send_notification
// action.
type Notification struct {
	Channel        string         `json:"channel"`
	Recipient      string         `json:"recipient,omitempty"`
	Subject        string         `json:"subject,omitempty"`
	Body           string         `json:"body,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	RunID          string         `json:"run_id"`
	OrganizationID string         `json:"organization_id"`
}

// Notifier delivers notifications for one or more channels.
type Notifier interface {
	Send(ctx context.Context, notification Notification) error
}

// LogNotifier writes notifications to the structured log. Default for
// development and the fallback for unknown channels.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With("module", "notifier")}
}

func (n *LogNotifier) Send(ctx context.Context, notification Notification) error {
	n.logger.InfoContext(ctx, "notification",
		"channel", notification.Channel,
		"recipient", notification.Recipient,
		"subject", notification.Subject,
		"run_id", notification.RunID)

	return nil
}

// WebhookNotifier posts notifications as JSON to a per-channel URL.
type WebhookNotifier struct {
	client *http.Client
	urls   map[string]string
}

func NewWebhookNotifier(urls map[string]string) *WebhookNotifier {
	return &WebhookNotifier{
		client: &http.Client{Timeout: 10 * time.Second},
		urls:   urls,
	}
}

func (n *WebhookNotifier) Send(ctx context.Context, notification Notification) error {
	url, ok := n.urls[notification.Channel]
	if !ok {
		return fmt.Errorf("no webhook configured for channel %q", notification.Channel)
	}

	payload, err := json.Marshal(notification)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// BusNotifier publishes notification.requested events for out-of-process
// delivery by whichever consumer owns the channel.
type BusNotifier struct {
	bus eventbus.EventPublisher
}

func NewBusNotifier(bus eventbus.EventPublisher) *BusNotifier {
	return &BusNotifier{bus: bus}
}

func (n *BusNotifier) Send(ctx context.Context, notification Notification) error {
	event := events.NotificationRequested{
		BaseEvent: events.NewBaseEvent(events.NotificationRequestedEvent,
			notification.OrganizationID, notification.RunID),
		Channel:   notification.Channel,
		Recipient: notification.Recipient,
		Subject:   notification.Subject,
		Body:      notification.Body,
		Data:      notification.Data,
	}

	return n.bus.Publish(ctx, notification.RunID, event)
}

// Router dispatches by channel, falling back to a default notifier.
type Router struct {
	byChannel map[string]Notifier
	fallback  Notifier
}

func NewRouter(fallback Notifier) *Router {
	return &Router{
		byChannel: make(map[string]Notifier),
		fallback:  fallback,
	}
}

func (r *Router) Register(channel string, notifier Notifier) {
	r.byChannel[channel] = notifier
}

func (r *Router) Send(ctx context.Context, notification Notification) error {
	if notifier, ok := r.byChannel[notification.Channel]; ok {
		return notifier.Send(ctx, notification)
	}

	return r.fallback.Send(ctx, notification)
}
