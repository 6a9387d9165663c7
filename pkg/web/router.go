package web

import (
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/logger"
)

// NewApp builds the fiber application. Every route except the health check
// sits behind the auth middleware.
func NewApp(handlers *APIHandlers, auth fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get("/health", handlers.HealthCheck)

	runs := app.Group("/runs", auth)
	runs.Post("/", handlers.StartRun)
	runs.Get("/:id", handlers.GetRun)
	runs.Put("/:id", handlers.UpdateRun)
	runs.Delete("/:id", handlers.CancelRun)

	definitions := app.Group("/definitions", auth)
	definitions.Get("/", handlers.ListDefinitions)
	definitions.Post("/", handlers.CreateDefinition)
	definitions.Get("/:id", handlers.GetDefinition)
	definitions.Post("/:id/publish", handlers.PublishDefinition)

	return app
}
