package timers

import (
	"context"
	"log/slog"
	"time"
)

// Handler fires one due timer. Returning an error leaves the timer pending
// for the next poll.
type Handler func(ctx context.Context, timer *Timer) error

// Poller wakes on an interval, fires due timers and retires or reschedules
// them. One poller per organization keeps queries scoped.
type Poller struct {
	service  *Service
	orgID    string
	interval time.Duration
	handler  Handler
	logger   *slog.Logger
}

// NewPoller creates a poller for one organization.
func NewPoller(service *Service, orgID string, interval time.Duration, handler Handler, logger *slog.Logger) *Poller {
	return &Poller{
		service:  service,
		orgID:    orgID,
		interval: interval,
		handler:  handler,
		logger:   logger.With("module", "timers", "organization_id", orgID),
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Tick(ctx)
		}
	}
}

// Tick fires every currently due timer once. Split out for tests.
func (p *Poller) Tick(ctx context.Context) {
	due, err := p.service.Due(ctx, p.orgID, time.Now().UTC())
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to query due timers", "error", err)

		return
	}

	for _, timer := range due {
		err := p.handler(ctx, timer)
		if err != nil {
			p.logger.ErrorContext(ctx, "timer handler failed",
				"timer_id", timer.ID, "kind", timer.Kind, "error", err)

			continue
		}

		err = p.service.MarkFired(ctx, timer)
		if err != nil {
			p.logger.ErrorContext(ctx, "failed to retire fired timer",
				"timer_id", timer.ID, "error", err)
		}
	}
}
