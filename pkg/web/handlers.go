package web

import (
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/heraerp/playbook/pkg/otelhelper"
	"github.com/heraerp/playbook/pkg/services"
)

// HeaderIdempotencyKey is the request header carrying the deduplication key
// for run submissions.
const HeaderIdempotencyKey = "Idempotency-Key"

type APIHandlers struct {
	runs        *services.Runs
	definitions *services.Definitions
	validator   *validator.Validate
	tracer      trace.Tracer
}

func NewAPIHandlers(runService *services.Runs, definitionService *services.Definitions, validate *validator.Validate) *APIHandlers {
	return &APIHandlers{
		runs:        runService,
		definitions: definitionService,
		validator:   validate,
		tracer:      otel.Tracer("playbook-api"),
	}
}

func (h *APIHandlers) StartRun(c fiber.Ctx) error {
	var body StartRunBody
	if err := c.Bind().JSON(&body); err != nil {
		return badRequest(c, "validation_error", "Invalid JSON format")
	}

	if err := h.validator.Struct(body); err != nil {
		return badRequest(c, "validation_error", err.Error())
	}

	ctx, span := h.tracer.Start(c.Context(), "api.start_run", trace.WithAttributes(
		attribute.String(otelhelper.DefinitionIDKey, body.DefinitionID),
	))
	defer span.End()

	result, err := h.runs.Start(ctx, securityContext(c), services.StartRunRequest{
		DefinitionID:    body.DefinitionID,
		SubjectEntityID: body.SubjectEntityID,
		Variables:       body.Variables,
		Priority:        body.Priority,
		IdempotencyKey:  c.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return handleServiceError(c, err)
	}

	// A replayed submission returns the original run, not a new resource.
	status := fiber.StatusCreated
	if result.Replayed {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(result)
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "validation_error", "Run ID is required")
	}

	opts, err := parseDetailOptions(c)
	if err != nil {
		return badRequest(c, "validation_error", "Invalid query parameters: "+err.Error())
	}

	ctx, span := h.tracer.Start(c.Context(), "api.get_run", trace.WithAttributes(
		attribute.String(otelhelper.RunIDKey, id),
	))
	defer span.End()

	detail, err := h.runs.GetDetail(ctx, securityContext(c), id, opts)
	if err != nil {
		otelhelper.SetError(span, err)

		return handleServiceError(c, err)
	}

	return c.JSON(detail)
}

func parseDetailOptions(c fiber.Ctx) (services.DetailOptions, error) {
	// Step executions ride along unless explicitly excluded.
	opts := services.DetailOptions{IncludeExecutions: true}

	if raw := c.Query("include_executions"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, err
		}

		opts.IncludeExecutions = include
	}

	if raw := c.Query("include_timeline"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, err
		}

		opts.IncludeTimeline = include
	}

	if raw := c.Query("include_logs"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, err
		}

		opts.IncludeLogs = include
	}

	opts.LogLevel = c.Query("log_level")

	if raw := c.Query("execution_limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return opts, err
		}

		opts.ExecutionLimit = limit
	}

	return opts, nil
}

func (h *APIHandlers) UpdateRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "validation_error", "Run ID is required")
	}

	var body UpdateRunBody
	if err := c.Bind().JSON(&body); err != nil {
		return badRequest(c, "validation_error", "Invalid JSON format")
	}

	if err := h.validator.Struct(body); err != nil {
		return badRequest(c, "invalid_action", err.Error())
	}

	ctx, span := h.tracer.Start(c.Context(), "api.update_run", trace.WithAttributes(
		attribute.String(otelhelper.RunIDKey, id),
	))
	defer span.End()

	run, err := h.runs.Update(ctx, securityContext(c), id, services.UpdateRunRequest{
		Action:   body.Action,
		Priority: body.Priority,
		Reason:   body.Reason,
	})
	if err != nil {
		otelhelper.SetError(span, err)

		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) CancelRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "validation_error", "Run ID is required")
	}

	ctx, span := h.tracer.Start(c.Context(), "api.cancel_run", trace.WithAttributes(
		attribute.String(otelhelper.RunIDKey, id),
	))
	defer span.End()

	run, err := h.runs.Cancel(ctx, securityContext(c), id, c.Query("reason"))
	if err != nil {
		otelhelper.SetError(span, err)

		return handleServiceError(c, err)
	}

	return c.JSON(run)
}

func (h *APIHandlers) CreateDefinition(c fiber.Ctx) error {
	var body CreateDefinitionBody
	if err := c.Bind().JSON(&body); err != nil {
		return badRequest(c, "validation_error", "Invalid JSON format")
	}

	if err := h.validator.Struct(body); err != nil {
		return badRequest(c, "validation_error", err.Error())
	}

	created, err := h.definitions.Register(c.Context(), securityContext(c), body.toDefinition())
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) PublishDefinition(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "validation_error", "Definition ID is required")
	}

	published, err := h.definitions.Publish(c.Context(), securityContext(c), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(published)
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "validation_error", "Definition ID is required")
	}

	def, err := h.definitions.Get(c.Context(), securityContext(c), id)
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(def)
}

func (h *APIHandlers) ListDefinitions(c fiber.Ctx) error {
	definitions, err := h.definitions.List(c.Context(), securityContext(c))
	if err != nil {
		return handleServiceError(c, err)
	}

	return c.JSON(fiber.Map{"definitions": definitions})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
	})
}
