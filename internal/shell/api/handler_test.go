package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfxkuma/mixir-stack/internal/core/declaration"
	"github.com/dfxkuma/mixir-stack/internal/core/stack"
	"github.com/dfxkuma/mixir-stack/internal/shell/controller"
	"github.com/dfxkuma/mixir-stack/internal/shell/runtime"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeComposition struct {
	run      *stack.Run
	statuses []stack.ServiceStatus
	downErr  error
	downed   bool
}

func (f *fakeComposition) Snapshot() (*stack.Run, []stack.ServiceStatus) {
	return f.run, f.statuses
}

func (f *fakeComposition) ServiceStatus(name string) (stack.ServiceStatus, bool) {
	for _, s := range f.statuses {
		if s.Name == name {
			return s, true
		}
	}
	return stack.ServiceStatus{}, false
}

func (f *fakeComposition) Down(_ context.Context) error {
	if f.downErr != nil {
		return f.downErr
	}
	f.downed = true
	return nil
}

type fakePinger struct {
	runtime.API
	err error
}

func (f *fakePinger) Ping(_ context.Context) error { return f.err }

// =============================================================================
// Fixtures
// =============================================================================

func testDecl() *declaration.Declaration {
	return &declaration.Declaration{
		Name: "mixir",
		Services: []declaration.Service{
			{Name: "db", Image: "mongo:7"},
			{Name: "app", Image: "mixir/app:latest", DependsOn: []string{"db"}},
		},
	}
}

func runningComposition() *fakeComposition {
	started := time.Now().UTC()
	return &fakeComposition{
		run: &stack.Run{
			ID:        "run-1",
			Stack:     "mixir",
			Status:    stack.RunRunning,
			StartedAt: started,
		},
		statuses: []stack.ServiceStatus{
			{Name: "app", State: stack.StateRunning, ContainerID: "ctr-2", Attempts: 1, StartedAt: &started},
			{Name: "db", State: stack.StateRunning, ContainerID: "ctr-1", Attempts: 1, StartedAt: &started},
		},
	}
}

func doRequest(t *testing.T, comp Composition, rtErr error, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	h := NewHandler(testDecl(), comp, &fakePinger{err: rtErr}, nil)

	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

// =============================================================================
// Health Tests
// =============================================================================

func TestHandleHealth(t *testing.T) {
	rec := doRequest(t, runningComposition(), nil, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	resp := decodeBody[HealthResponse](t, rec)
	assert.Equal(t, "healthy", resp.Status)
}

func TestHandleReady(t *testing.T) {
	rec := doRequest(t, runningComposition(), nil, http.MethodGet, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[ReadyResponse](t, rec)
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, "ok", resp.Checks["runtime"])
}

func TestHandleReady_RuntimeDown(t *testing.T) {
	rec := doRequest(t, runningComposition(), errors.New("connection refused"), http.MethodGet, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	resp := decodeBody[ReadyResponse](t, rec)
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "failed", resp.Checks["runtime"])
}

// =============================================================================
// Composition Tests
// =============================================================================

func TestHandleGetComposition(t *testing.T) {
	rec := doRequest(t, runningComposition(), nil, http.MethodGet, "/api/v1/composition")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[CompositionResponse](t, rec)
	assert.Equal(t, "mixir", resp.Stack)
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, "running", resp.Status)
	require.Len(t, resp.Services, 2)
	assert.Equal(t, "app", resp.Services[0].Name)
	assert.Equal(t, "running", resp.Services[0].State)
}

func TestHandleGetComposition_NotStarted(t *testing.T) {
	rec := doRequest(t, &fakeComposition{}, nil, http.MethodGet, "/api/v1/composition")
	assert.Equal(t, http.StatusConflict, rec.Code)

	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "not_running", resp.Code)
}

func TestHandleStopComposition(t *testing.T) {
	comp := runningComposition()
	rec := doRequest(t, comp, nil, http.MethodPost, "/api/v1/composition/stop")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, comp.downed)
}

func TestHandleStopComposition_NotRunning(t *testing.T) {
	comp := &fakeComposition{downErr: controller.ErrNotRunning}
	rec := doRequest(t, comp, nil, http.MethodPost, "/api/v1/composition/stop")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleStopComposition_Failure(t *testing.T) {
	comp := &fakeComposition{downErr: errors.New("daemon unreachable")}
	rec := doRequest(t, comp, nil, http.MethodPost, "/api/v1/composition/stop")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// =============================================================================
// Service Tests
// =============================================================================

func TestHandleListServices(t *testing.T) {
	rec := doRequest(t, runningComposition(), nil, http.MethodGet, "/api/v1/services/")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[[]ServiceResponse](t, rec)
	require.Len(t, resp, 2)
}

func TestHandleGetService(t *testing.T) {
	rec := doRequest(t, runningComposition(), nil, http.MethodGet, "/api/v1/services/db")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[ServiceResponse](t, rec)
	assert.Equal(t, "db", resp.Name)
	assert.Equal(t, "ctr-1", resp.ContainerID)
}

func TestHandleGetService_DeclaredButNotStarted(t *testing.T) {
	rec := doRequest(t, &fakeComposition{}, nil, http.MethodGet, "/api/v1/services/db")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeBody[ServiceResponse](t, rec)
	assert.Equal(t, "pending", resp.State)
}

func TestHandleGetService_NotDeclared(t *testing.T) {
	rec := doRequest(t, runningComposition(), nil, http.MethodGet, "/api/v1/services/ghost")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	resp := decodeBody[ErrorResponse](t, rec)
	assert.Equal(t, "not_found", resp.Code)
}
