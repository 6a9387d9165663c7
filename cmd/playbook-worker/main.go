package main

import (
	"context"
	"os"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/heraerp/playbook/pkg/cmd"
	"github.com/heraerp/playbook/pkg/definition"
	"github.com/heraerp/playbook/pkg/engine"
	"github.com/heraerp/playbook/pkg/log"
	"github.com/heraerp/playbook/pkg/notifier"
	"github.com/heraerp/playbook/pkg/otelhelper"
	"github.com/heraerp/playbook/pkg/runs"
	"github.com/heraerp/playbook/pkg/status"
	"github.com/heraerp/playbook/pkg/timers"
)

func main() {
	command := &cli.Command{
		Name:                  "playbook-worker",
		EnableShellCompletion: true,
		Usage:                 "Start workers to execute playbook runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("WORKER_ID"),
			},
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
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			workerID := command.String("worker-id")
			if workerID == "" {
				workerID = "worker-" + uuid.New().String()[:8]
			}

			logger := log.WithModule("playbook-worker").With("worker_id", workerID)

			logger.InfoContext(ctx, "Initializing playbook worker")

			_, err := otelhelper.NewTracer(ctx, "playbook-worker")
			if err != nil {
				logger.WarnContext(ctx, "Failed to initialize tracer", "error", err)
			}

			eventBus := cmd.NewEventBus(command.String("event-bus"), "playbook-worker", logger)
			defer func() {
				err := eventBus.Close()
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			st := cmd.NewStore(ctx, logger, command.String("database-url"))
			defer func() {
				err := st.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			statuses := status.NewManager(st, logger)

			eng := engine.New(engine.Config{
				Store:       st,
				Runs:        runs.NewRepository(st),
				Definitions: definition.NewRepository(st),
				Statuses:    statuses,
				Guardrails:  cmd.NewGuardrailRegistry(st, statuses),
				Notifier:    notifier.NewBusNotifier(eventBus),
				Timers:      timers.NewService(st),
				Bus:         eventBus,
				WorkerID:    workerID,
				Logger:      logger,
			})

			worker := NewWorker(workerID, eng, eventBus, logger)

			err = worker.Start(ctx)
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start worker", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
