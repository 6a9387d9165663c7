package main

import (
	"context"
	"os"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/heraerp/playbook/pkg/cmd"
	"github.com/heraerp/playbook/pkg/definition"
	"github.com/heraerp/playbook/pkg/log"
	"github.com/heraerp/playbook/pkg/runs"
	"github.com/heraerp/playbook/pkg/timers"
)

const defaultPollInterval = 5 * time.Second

func main() {
	command := &cli.Command{
		Name:                  "playbook-timer",
		Usage:                 "Poll durable timers and re-enter due runs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for the store",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:     "event-bus",
				Usage:    "Event bus type (kafka, gochannel)",
				Required: true,
				Sources:  cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:     "organization-id",
				Usage:    "Organization whose timers this poller owns",
				Required: true,
				Sources:  cli.EnvVars("ORGANIZATION_ID"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "How often to check for due timers",
				Value:   defaultPollInterval,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			orgID := command.String("organization-id")
			logger := log.WithModule("playbook-timer")

			logger.InfoContext(ctx, "Initializing timer poller", "organization_id", orgID)

			st := cmd.NewStore(ctx, logger, command.String("database-url"))
			defer func() {
				err := st.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), "playbook-timer", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			dispatcher := NewTimerDispatcher(
				orgID,
				runs.NewRepository(st),
				definition.NewRepository(st),
				eventBus,
				logger,
			)

			poller := timers.NewPoller(
				timers.NewService(st),
				orgID,
				command.Duration("poll-interval"),
				dispatcher.Handle,
				logger,
			)

			return poller.Run(ctx)
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
