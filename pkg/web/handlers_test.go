package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraerp/playbook/pkg/audit"
	"github.com/heraerp/playbook/pkg/definition"
	"github.com/heraerp/playbook/pkg/idempotency"
	"github.com/heraerp/playbook/pkg/models"
	"github.com/heraerp/playbook/pkg/permissions"
	"github.com/heraerp/playbook/pkg/runs"
	"github.com/heraerp/playbook/pkg/services"
	"github.com/heraerp/playbook/pkg/store/memory"
	"github.com/heraerp/playbook/pkg/timers"
)

const (
	testOrg    = "org-1"
	testSecret = "test-signing-secret"
)

type apiRig struct {
	app         *fiber.App
	store       *memory.Store
	runs        *runs.Repository
	definitions *definition.Repository
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	st := memory.NewStore()
	logger := slog.Default()
	perms := permissions.NewService(st)

	runRepo := runs.NewRepository(st)
	defRepo := definition.NewRepository(st)

	runService := services.NewRuns(services.RunsConfig{
		Runs:        runRepo,
		Definitions: defRepo,
		Permissions: perms,
		Idempotency: idempotency.NewService(idempotency.NewStoreBackend(st), logger),
		Audit:       audit.NewTrail(st, logger),
		Timers:      timers.NewService(st),
		Bus:         nil,
		Logger:      logger,
	})

	defService := services.NewDefinitions(defRepo, perms, audit.NewTrail(st, logger), logger)

	handlers := NewAPIHandlers(runService, defService, validator.New())
	auth := NewAuthMiddleware([]byte(testSecret), perms)

	return &apiRig{
		app:         NewApp(handlers, auth),
		store:       st,
		runs:        runRepo,
		definitions: defRepo,
	}
}

func (r *apiRig) seedUser(t *testing.T, id string, perms []any) {
	t.Helper()

	_, err := r.store.CreateEntity(t.Context(), &models.Entity{
		ID:             id,
		Type:           models.EntityTypeUser,
		Name:           "User " + id,
		OrganizationID: testOrg,
		Metadata:       map[string]any{"permissions": perms},
	})
	require.NoError(t, err)
}

func (r *apiRig) publishDefinition(t *testing.T) *models.Definition {
	t.Helper()

	registered, err := r.definitions.Register(t.Context(), &models.Definition{
		Name:           "customer onboarding",
		OrganizationID: testOrg,
		Trigger:        models.TriggerSpec{Type: "manual"},
		Steps: []models.Step{
			{ID: "create", Name: "create", Type: models.StepTypeAction, Actions: []models.ActionSpec{{
				Kind:         models.ActionCreateEntity,
				CreateEntity: &models.CreateEntityParams{EntityType: "customer", Name: "Acme"},
			}}},
		},
	})
	require.NoError(t, err)

	published, err := r.definitions.Publish(t.Context(), testOrg, registered.ID)
	require.NoError(t, err)

	return published
}

func signToken(t *testing.T, userID string) string {
	t.Helper()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		OrganizationID: testOrg,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	return token
}

func (r *apiRig) request(t *testing.T, method, path, token string, body any, headers map[string]string) *http.Response {
	t.Helper()

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		payload = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, payload)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := r.app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))

	return decoded
}

func TestStartRun_Created(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "user-1", []any{models.PermissionRunCreate})
	def := rig.publishDefinition(t)

	resp := rig.request(t, http.MethodPost, "/runs/", signToken(t, "user-1"),
		StartRunBody{DefinitionID: def.ID}, nil)

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["run_id"])
	assert.Equal(t, "running", body["status"])
}

func TestStartRun_IdempotencyKeyReplays(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "user-1", []any{models.PermissionRunCreate})
	def := rig.publishDefinition(t)

	headers := map[string]string{HeaderIdempotencyKey: "submit-1"}
	token := signToken(t, "user-1")

	first := rig.request(t, http.MethodPost, "/runs/", token, StartRunBody{DefinitionID: def.ID}, headers)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	firstBody := decodeBody(t, first)

	second := rig.request(t, http.MethodPost, "/runs/", token, StartRunBody{DefinitionID: def.ID}, headers)
	require.Equal(t, http.StatusOK, second.StatusCode)
	secondBody := decodeBody(t, second)

	assert.Equal(t, firstBody["run_id"], secondBody["run_id"])
}

func TestStartRun_KeyReuseConflicts(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "user-1", []any{models.PermissionRunCreate})
	def := rig.publishDefinition(t)

	headers := map[string]string{HeaderIdempotencyKey: "submit-1"}
	token := signToken(t, "user-1")

	first := rig.request(t, http.MethodPost, "/runs/", token, StartRunBody{DefinitionID: def.ID}, headers)
	require.Equal(t, http.StatusCreated, first.StatusCode)

	conflicting := rig.request(t, http.MethodPost, "/runs/", token,
		StartRunBody{DefinitionID: def.ID, Priority: 5}, headers)
	require.Equal(t, http.StatusConflict, conflicting.StatusCode)
}

func TestStartRun_MissingTokenUnauthorized(t *testing.T) {
	rig := newAPIRig(t)
	def := rig.publishDefinition(t)

	resp := rig.request(t, http.MethodPost, "/runs/", "", StartRunBody{DefinitionID: def.ID}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStartRun_ExpiredTokenUnauthorized(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "user-1", []any{models.PermissionRunCreate})
	def := rig.publishDefinition(t)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		},
		OrganizationID: testOrg,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	resp := rig.request(t, http.MethodPost, "/runs/", token, StartRunBody{DefinitionID: def.ID}, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStartRun_ForbiddenWithoutPermission(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "user-1", []any{models.PermissionRunRead})
	def := rig.publishDefinition(t)

	resp := rig.request(t, http.MethodPost, "/runs/", signToken(t, "user-1"),
		StartRunBody{DefinitionID: def.ID}, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestStartRun_MissingDefinitionID(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "user-1", []any{models.PermissionRunCreate})

	resp := rig.request(t, http.MethodPost, "/runs/", signToken(t, "user-1"), StartRunBody{}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetRun_DetailWithExecutions(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "user-1", []any{models.PermissionRunCreate, models.PermissionRunRead})
	def := rig.publishDefinition(t)
	token := signToken(t, "user-1")

	created := rig.request(t, http.MethodPost, "/runs/", token, StartRunBody{DefinitionID: def.ID}, nil)
	require.Equal(t, http.StatusCreated, created.StatusCode)
	runID := decodeBody(t, created)["run_id"].(string)

	resp := rig.request(t, http.MethodGet,
		fmt.Sprintf("/runs/%s?include_executions=true&include_timeline=true", runID), token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "customer onboarding", body["definition_name"])
	assert.NotNil(t, body["progress"])
	assert.NotNil(t, body["permitted_actions"])
}

func TestGetRun_ExecutionsIncludedByDefault(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "user-1", []any{models.PermissionRunCreate, models.PermissionRunRead})
	def := rig.publishDefinition(t)
	token := signToken(t, "user-1")

	created := rig.request(t, http.MethodPost, "/runs/", token, StartRunBody{DefinitionID: def.ID}, nil)
	require.Equal(t, http.StatusCreated, created.StatusCode)
	runID := decodeBody(t, created)["run_id"].(string)

	now := time.Now().UTC()
	_, err := rig.runs.AppendStepExecution(t.Context(), testOrg, &models.StepExecution{
		RunID:       runID,
		StepID:      "create",
		Status:      models.StepExecutionCompleted,
		StartedAt:   now,
		CompletedAt: &now,
		Logs:        []models.LogEntry{{Level: models.LogLevelInfo, Message: "action 0 (create_entity) completed", At: now}},
	})
	require.NoError(t, err)

	resp := rig.request(t, http.MethodGet, "/runs/"+runID, token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.NotNil(t, body["executions"])
	assert.Nil(t, body["logs"])

	// Explicit opt-out drops them, opt-in pulls logs alongside.
	resp = rig.request(t, http.MethodGet, "/runs/"+runID+"?include_executions=false&include_logs=true", token, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body = decodeBody(t, resp)
	assert.Nil(t, body["executions"])
	require.NotNil(t, body["logs"])

	logs := body["logs"].([]any)
	require.Len(t, logs, 1)
	assert.Equal(t, "create", logs[0].(map[string]any)["step_id"])
}

func TestGetRun_NotFound(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "user-1", []any{models.PermissionRunRead})

	resp := rig.request(t, http.MethodGet, "/runs/missing", signToken(t, "user-1"), nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateRun_PauseThenInvalidResume(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "ops-1", []any{models.PermissionRunCreate, models.PermissionRunManage})
	def := rig.publishDefinition(t)
	token := signToken(t, "ops-1")

	created := rig.request(t, http.MethodPost, "/runs/", token, StartRunBody{DefinitionID: def.ID}, nil)
	runID := decodeBody(t, created)["run_id"].(string)

	paused := rig.request(t, http.MethodPut, "/runs/"+runID, token, UpdateRunBody{Action: "pause"}, nil)
	require.Equal(t, http.StatusOK, paused.StatusCode)
	assert.Equal(t, "paused", decodeBody(t, paused)["status"])

	// Pausing an already paused run is a status violation, not a conflict.
	again := rig.request(t, http.MethodPut, "/runs/"+runID, token, UpdateRunBody{Action: "pause"}, nil)
	require.Equal(t, http.StatusBadRequest, again.StatusCode)
	assert.Equal(t, "invalid_status", decodeBody(t, again)["type"])
}

func TestUpdateRun_UnknownActionRejectedByValidator(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "ops-1", []any{models.PermissionRunCreate, models.PermissionRunManage})
	def := rig.publishDefinition(t)
	token := signToken(t, "ops-1")

	created := rig.request(t, http.MethodPost, "/runs/", token, StartRunBody{DefinitionID: def.ID}, nil)
	runID := decodeBody(t, created)["run_id"].(string)

	resp := rig.request(t, http.MethodPut, "/runs/"+runID, token, UpdateRunBody{Action: "restart"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_action", decodeBody(t, resp)["type"])
}

func TestCancelRun_ThenConflictOnSecondCancel(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "user-1", []any{models.PermissionRunCreate})
	def := rig.publishDefinition(t)
	token := signToken(t, "user-1")

	created := rig.request(t, http.MethodPost, "/runs/", token, StartRunBody{DefinitionID: def.ID}, nil)
	runID := decodeBody(t, created)["run_id"].(string)

	cancelled := rig.request(t, http.MethodDelete, "/runs/"+runID+"?reason=mistake", token, nil, nil)
	require.Equal(t, http.StatusOK, cancelled.StatusCode)
	assert.Equal(t, "cancelled", decodeBody(t, cancelled)["status"])

	// The repeat carries its own problem type, distinct from other 409s.
	again := rig.request(t, http.MethodDelete, "/runs/"+runID, token, nil, nil)
	require.Equal(t, http.StatusConflict, again.StatusCode)
	assert.Equal(t, "already_cancelled", decodeBody(t, again)["type"])
}

func TestCancelRun_StrangerForbidden(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "user-1", []any{models.PermissionRunCreate})
	rig.seedUser(t, "user-2", []any{models.PermissionRunRead})
	def := rig.publishDefinition(t)

	created := rig.request(t, http.MethodPost, "/runs/", signToken(t, "user-1"),
		StartRunBody{DefinitionID: def.ID}, nil)
	runID := decodeBody(t, created)["run_id"].(string)

	resp := rig.request(t, http.MethodDelete, "/runs/"+runID, signToken(t, "user-2"), nil, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDefinitions_CreatePublishFetch(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "author-1", []any{models.PermissionDefinitionManage, models.PermissionDefinitionRead})
	token := signToken(t, "author-1")

	created := rig.request(t, http.MethodPost, "/definitions/", token, CreateDefinitionBody{
		Name:    "invoice chase",
		Trigger: models.TriggerSpec{Type: "manual"},
		Steps: []models.Step{
			{ID: "notify", Name: "notify", Type: models.StepTypeAction, Actions: []models.ActionSpec{{
				Kind:             models.ActionSendNotification,
				SendNotification: &models.SendNotificationParams{Channel: "email", Recipient: "a@b.c"},
			}}},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, created.StatusCode)
	defID := decodeBody(t, created)["id"].(string)

	published := rig.request(t, http.MethodPost, "/definitions/"+defID+"/publish", token, nil, nil)
	require.Equal(t, http.StatusOK, published.StatusCode)
	assert.Equal(t, "published", decodeBody(t, published)["status"])

	fetched := rig.request(t, http.MethodGet, "/definitions/"+defID, token, nil, nil)
	require.Equal(t, http.StatusOK, fetched.StatusCode)
}

func TestDefinitions_PublishInvalidDocumentRejected(t *testing.T) {
	rig := newAPIRig(t)
	rig.seedUser(t, "author-1", []any{models.PermissionDefinitionManage})
	token := signToken(t, "author-1")

	// Conditional without a condition fails publish validation.
	created := rig.request(t, http.MethodPost, "/definitions/", token, CreateDefinitionBody{
		Name:    "broken playbook",
		Trigger: models.TriggerSpec{Type: "manual"},
		Steps: []models.Step{
			{ID: "check", Name: "check", Type: models.StepTypeConditional},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, created.StatusCode)
	defID := decodeBody(t, created)["id"].(string)

	resp := rig.request(t, http.MethodPost, "/definitions/"+defID+"/publish", token, nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_error", decodeBody(t, resp)["type"])
}

func TestInternalError_DetailHiddenWithoutSensitivePermission(t *testing.T) {
	app := fiber.New()

	register := func(path string, sc *models.SecurityContext) {
		app.Get(path, func(c fiber.Ctx) error {
			c.Locals(securityContextKey, sc)

			return internalError(c, "internal_error", errors.New("pq: connection refused"))
		})
	}

	register("/plain", &models.SecurityContext{
		UserID:      "user-1",
		Permissions: map[string]bool{models.PermissionRunRead: true},
	})
	register("/privileged", &models.SecurityContext{
		UserID:      "ops-1",
		Permissions: map[string]bool{models.PermissionReadSensitive: true},
	})

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/plain", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal error", decodeBody(t, resp)["detail"])

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/privileged", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, decodeBody(t, resp)["detail"], "connection refused")
}

func TestHealthCheck_NoAuthRequired(t *testing.T) {
	rig := newAPIRig(t)

	resp := rig.request(t, http.MethodGet, "/health", "", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
