package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heraerp/playbook/pkg/store/memory"
)

const testOrg = "org-1"

func newTestService(t *testing.T) *Service {
	t.Helper()

	return NewService(NewStoreBackend(memory.NewStore()), slog.Default())
}

func TestProcess_NoKeyBypassesDedup(t *testing.T) {
	service := newTestService(t)

	calls := 0
	handler := func(ctx context.Context) (any, error) {
		calls++

		return map[string]any{"run_id": "run-1"}, nil
	}

	for range 3 {
		outcome, err := service.Process(t.Context(), testOrg, "", "start_run", map[string]any{"a": 1}, handler)
		require.NoError(t, err)
		assert.False(t, outcome.Cached)
	}

	assert.Equal(t, 3, calls)
}

func TestProcess_ReplayIdenticalRequest(t *testing.T) {
	service := newTestService(t)

	calls := 0
	handler := func(ctx context.Context) (any, error) {
		calls++

		return map[string]any{"run_id": "run-1"}, nil
	}

	body := map[string]any{"definition_id": "def-1", "variables": map[string]any{"x": 1}}

	first, err := service.Process(t.Context(), testOrg, "key-1", "start_run", body, handler)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	// Same key, fields in a different declaration order: same hash.
	reordered := map[string]any{"variables": map[string]any{"x": 1}, "definition_id": "def-1"}

	second, err := service.Process(t.Context(), testOrg, "key-1", "start_run", reordered, handler)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.JSONEq(t, string(first.Response), string(second.Response))

	assert.Equal(t, 1, calls, "handler must execute exactly once")
}

func TestProcess_KeyReuseWithDifferentBodyConflicts(t *testing.T) {
	service := newTestService(t)

	handler := func(ctx context.Context) (any, error) {
		return map[string]any{"ok": true}, nil
	}

	_, err := service.Process(t.Context(), testOrg, "key-2", "start_run", map[string]any{"a": 1}, handler)
	require.NoError(t, err)

	_, err = service.Process(t.Context(), testOrg, "key-2", "start_run", map[string]any{"a": 2}, handler)
	require.Error(t, err)
	assert.True(t, IsKeyConflict(err))
}

func TestProcess_FailedHandlerOutcomeIsPersisted(t *testing.T) {
	service := newTestService(t)

	calls := 0
	handler := func(ctx context.Context) (any, error) {
		calls++

		return nil, errors.New("store unavailable")
	}

	_, err := service.Process(t.Context(), testOrg, "key-3", "start_run", map[string]any{"a": 1}, handler)
	require.Error(t, err)

	// The retry replays the recorded failure instead of re-executing.
	_, err = service.Process(t.Context(), testOrg, "key-3", "start_run", map[string]any{"a": 1}, handler)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")

	assert.Equal(t, 1, calls)
}

func TestProcess_ExpiredRecordIsIgnored(t *testing.T) {
	service := newTestService(t).WithTTL(time.Millisecond)

	calls := 0
	handler := func(ctx context.Context) (any, error) {
		calls++

		return map[string]any{"ok": true}, nil
	}

	_, err := service.Process(t.Context(), testOrg, "key-4", "start_run", map[string]any{"a": 1}, handler)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	outcome, err := service.Process(t.Context(), testOrg, "key-4", "start_run", map[string]any{"a": 1}, handler)
	require.NoError(t, err)
	assert.False(t, outcome.Cached)
	assert.Equal(t, 2, calls)
}

func TestProcess_EndpointsAreIndependent(t *testing.T) {
	service := newTestService(t)

	calls := 0
	handler := func(ctx context.Context) (any, error) {
		calls++

		return map[string]any{"ok": true}, nil
	}

	_, err := service.Process(t.Context(), testOrg, "key-5", "start_run", map[string]any{"a": 1}, handler)
	require.NoError(t, err)

	_, err = service.Process(t.Context(), testOrg, "key-5", "cancel_run", map[string]any{"a": 1}, handler)
	require.NoError(t, err)

	assert.Equal(t, 2, calls)
}

func TestProcess_ConcurrentDoubleSubmitExecutesOnce(t *testing.T) {
	service := newTestService(t)

	var executions atomic.Int32

	handler := func(ctx context.Context) (any, error) {
		executions.Add(1)

		return map[string]any{"run_id": "run-1"}, nil
	}

	body := map[string]any{"definition_id": "def-1"}

	const goroutines = 8

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
	)

	for range goroutines {
		wg.Add(1)

		go func() {
			defer wg.Done()

			outcome, err := service.Process(context.Background(), testOrg, "key-6", "start_run", body, handler)
			if err == nil && outcome != nil {
				successes.Add(1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), executions.Load(), "exactly one handler execution")
	assert.GreaterOrEqual(t, successes.Load(), int32(1))
}

func TestHashRequest_FieldOrderIndependent(t *testing.T) {
	first, err := HashRequest(map[string]any{"a": 1, "b": "two", "c": []any{1, 2}})
	require.NoError(t, err)

	second, err := HashRequest(map[string]any{"c": []any{1, 2}, "b": "two", "a": 1})
	require.NoError(t, err)

	assert.Equal(t, first, second)

	third, err := HashRequest(map[string]any{"a": 2, "b": "two", "c": []any{1, 2}})
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestHashRequest_StructAndMapEquivalent(t *testing.T) {
	type payload struct {
		DefinitionID string `json:"definition_id"`
		Priority     int    `json:"priority"`
	}

	fromStruct, err := HashRequest(payload{DefinitionID: "def-1", Priority: 3})
	require.NoError(t, err)

	fromMap, err := HashRequest(map[string]any{"priority": 3, "definition_id": "def-1"})
	require.NoError(t, err)

	assert.Equal(t, fromStruct, fromMap)
}

func TestRecordRoundTrip(t *testing.T) {
	record := Record{
		Key:         "key-7",
		Endpoint:    "start_run",
		RequestHash: "abc",
		Status:      RecordCompleted,
		Response:    json.RawMessage(`{"run_id":"run-9"}`),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}

	backend := NewStoreBackend(memory.NewStore())

	_, created, err := backend.Reserve(t.Context(), testOrg, &record)
	require.NoError(t, err)
	assert.True(t, created)

	loaded, err := backend.Get(t.Context(), testOrg, "key-7", "start_run")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, record.RequestHash, loaded.RequestHash)
	assert.JSONEq(t, `{"run_id":"run-9"}`, string(loaded.Response))
}
