// Package main provides the playbook API server implementation.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/heraerp/playbook/pkg/audit"
	"github.com/heraerp/playbook/pkg/definition"
	"github.com/heraerp/playbook/pkg/eventbus"
	"github.com/heraerp/playbook/pkg/idempotency"
	"github.com/heraerp/playbook/pkg/permissions"
	"github.com/heraerp/playbook/pkg/runs"
	"github.com/heraerp/playbook/pkg/services"
	"github.com/heraerp/playbook/pkg/store"
	"github.com/heraerp/playbook/pkg/timers"
	"github.com/heraerp/playbook/pkg/web"
)

type API struct {
	logger      *slog.Logger
	store       store.Store
	eventBus    eventbus.EventBus
	jwtSecret   []byte
	idempotency idempotency.Backend
	validate    *validator.Validate
}

func NewAPI(logger *slog.Logger, st store.Store, eventBus eventbus.EventBus, jwtSecret []byte, idem idempotency.Backend) *API {
	return &API{
		logger:      logger,
		store:       st,
		eventBus:    eventBus,
		jwtSecret:   jwtSecret,
		idempotency: idem,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	perms := permissions.NewService(a.store)
	trail := audit.NewTrail(a.store, a.logger)
	definitionRepo := definition.NewRepository(a.store)

	runService := services.NewRuns(services.RunsConfig{
		Runs:        runs.NewRepository(a.store),
		Definitions: definitionRepo,
		Permissions: perms,
		Idempotency: idempotency.NewService(a.idempotency, a.logger),
		Audit:       trail,
		Timers:      timers.NewService(a.store),
		Bus:         a.eventBus,
		Logger:      a.logger,
	})

	definitionService := services.NewDefinitions(definitionRepo, perms, trail, a.logger)

	handlers := web.NewAPIHandlers(runService, definitionService, a.validate)
	auth := web.NewAuthMiddleware(a.jwtSecret, perms)

	return web.NewApp(handlers, auth)
}

func (a *API) Start(port int) error {
	app := a.App()

	return app.Listen(":" + strconv.Itoa(port))
}
