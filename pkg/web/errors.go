package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/heraerp/playbook/pkg/definition"
	"github.com/heraerp/playbook/pkg/idempotency"
	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/permissions"
	"github.com/heraerp/playbook/pkg/services"
	"github.com/heraerp/playbook/pkg/store"
)

func badRequest(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func unauthorized(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(401).
		WithInstance(c.Path()).
		WithType("unauthorized").
		WithDetail(detail)

	return c.Status(fiber.StatusUnauthorized).JSON(problem)
}

func forbidden(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(403).
		WithInstance(c.Path()).
		WithType("forbidden").
		WithDetail(detail)

	return c.Status(fiber.StatusForbidden).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

// internalError never echoes the underlying error to ordinary callers; the
// detail is reserved for callers holding the READ_SENSITIVE permission.
func internalError(c fiber.Ctx, problemType string, err error) error {
	detail := "internal error"

	if sc := securityContext(c); sc != nil &&
		(sc.Has(models.PermissionReadSensitive) || sc.Has(models.PermissionAdmin)) {
		detail = err.Error()
	}

	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleServiceError maps service layer errors onto problem responses.
func handleServiceError(c fiber.Ctx, err error) error {
	var validationErr *definition.ValidationError

	switch {
	case permissions.IsForbidden(err):
		return forbidden(c, err.Error())

	case errors.Is(err, services.ErrRunNotFound),
		errors.Is(err, definition.ErrDefinitionNotFound),
		store.IsEntityNotFound(err),
		store.IsTransactionNotFound(err):
		return notFound(c, err.Error())

	case errors.As(err, &validationErr):
		problem := problems.NewStatusProblem(400).
			WithInstance(c.Path()).
			WithType("validation_error").
			WithDetail(err.Error())

		return c.Status(fiber.StatusBadRequest).JSON(problem)

	case errors.Is(err, services.ErrInvalidStatus):
		return badRequest(c, "invalid_status", err.Error())

	case errors.Is(err, services.ErrInvalidAction):
		return badRequest(c, "invalid_action", err.Error())

	case services.IsValidationError(err), errors.Is(err, definition.ErrAlreadyPublished), errors.Is(err, definition.ErrNotPublished):
		return badRequest(c, "validation_error", err.Error())

	case errors.Is(err, services.ErrAlreadyCancelled):
		return conflict(c, "already_cancelled", err.Error())

	case idempotency.IsKeyConflict(err), idempotency.IsInFlight(err):
		return conflict(c, "conflict", err.Error())

	case errors.Is(err, services.ErrCancellationFailed):
		return internalError(c, "cancellation_failed", err)

	default:
		return internalError(c, "internal_error", err)
	}
}
