package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/heraerp/playbook/pkg/cmd"
	"github.com/heraerp/playbook/pkg/log"
	"github.com/heraerp/playbook/pkg/otelhelper"
)

const defaultPort = 9091

func main() {
	logger := log.WithModule("playbook-api")

	command := &cli.Command{
		Name:                  "playbook-api",
		Usage:                 "Manage playbook definitions and runs",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
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
				Name:     "jwt-secret",
				Usage:    "HMAC secret used to verify API bearer tokens",
				Required: true,
				Sources:  cli.EnvVars("JWT_SECRET"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis connection URL for idempotency records (store-backed when unset)",
				Sources: cli.EnvVars("REDIS_URL"),
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

			logger.InfoContext(ctx, "Initializing playbook API")

			_, err := otelhelper.NewTracer(ctx, "playbook-api")
			if err != nil {
				logger.WarnContext(ctx, "Failed to initialize tracer", "error", err)
			}

			st := cmd.NewStore(ctx, logger, command.String("database-url"))
			defer func() {
				err := st.Close(ctx)
				if err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			eventBus := cmd.NewEventBus(command.String("event-bus"), "playbook-api", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			idem := cmd.NewIdempotencyBackend(command.String("redis-url"), st)

			api := NewAPI(logger, st, eventBus, []byte(command.String("jwt-secret")), idem)

			err = api.Start(command.Int("port"))
			if err != nil {
				logger.ErrorContext(ctx, "Failed to start API server", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
