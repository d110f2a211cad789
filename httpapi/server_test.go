package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sravan-iaisolution/codebox/durable"
	"github.com/sravan-iaisolution/codebox/fragment"
	"github.com/sravan-iaisolution/codebox/metrics"
	"github.com/sravan-iaisolution/codebox/service"
)

type fakeBackend struct {
	submitted []string
	submitErr error
	messages  map[string][]fragment.Message
	runs      map[string]durable.RunRecord
}

func (f *fakeBackend) Submit(ctx context.Context, projectID, value string) (*service.Submission, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	msg, err := fragment.NewUserMessage(projectID, value)
	if err != nil {
		return nil, err
	}
	f.submitted = append(f.submitted, value)
	return &service.Submission{Message: msg, RunID: "run-1"}, nil
}

func (f *fakeBackend) Messages(ctx context.Context, projectID string) ([]fragment.Message, error) {
	return f.messages[projectID], nil
}

func (f *fakeBackend) Run(ctx context.Context, runID string) (*durable.RunRecord, error) {
	rec, ok := f.runs[runID]
	if !ok {
		return nil, durable.ErrRunNotFound
	}
	return &rec, nil
}

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp APIResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func TestCreateMessage(t *testing.T) {
	backend := &fakeBackend{}
	h := New(backend, prometheus.NewRegistry(), nil).Handler()

	rec, resp := do(t, h, http.MethodPost, "/api/projects/p1/messages", `{"value":"build a clock"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, resp.Success)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "run-1", data["runId"])
	assert.Equal(t, []string{"build a clock"}, backend.submitted)
}

func TestCreateMessageValidation(t *testing.T) {
	h := New(&fakeBackend{}, prometheus.NewRegistry(), nil).Handler()

	rec, resp := do(t, h, http.MethodPost, "/api/projects/p1/messages", `{"value":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, resp.Success)

	rec, _ = do(t, h, http.MethodPost, "/api/projects/p1/messages", `{"value":"`+strings.Repeat("x", fragment.MaxValueLength+1)+`"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/projects/p1/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateMessageQueueFull(t *testing.T) {
	h := New(&fakeBackend{submitErr: service.ErrQueueFull}, prometheus.NewRegistry(), nil).Handler()
	rec, _ := do(t, h, http.MethodPost, "/api/projects/p1/messages", `{"value":"x"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListMessages(t *testing.T) {
	backend := &fakeBackend{messages: map[string][]fragment.Message{
		"p1": {{ID: "m1", ProjectID: "p1", Content: "hi", Role: fragment.RoleUser, Type: fragment.TypeResult}},
	}}
	h := New(backend, prometheus.NewRegistry(), nil).Handler()

	rec, resp := do(t, h, http.MethodGet, "/api/projects/p1/messages", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Data, 1)

	rec, resp = do(t, h, http.MethodGet, "/api/projects/empty/messages", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, resp.Data)
}

func TestGetRun(t *testing.T) {
	backend := &fakeBackend{runs: map[string]durable.RunRecord{
		"r1": {ID: "r1", ProjectID: "p1", Status: durable.RunSucceeded},
	}}
	h := New(backend, prometheus.NewRegistry(), nil).Handler()

	rec, resp := do(t, h, http.MethodGet, "/api/runs/r1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "succeeded", resp.Data.(map[string]any)["status"])

	rec, _ = do(t, h, http.MethodGet, "/api/runs/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics.MustNew(reg).RunStarted()
	h := New(&fakeBackend{}, reg, nil).Handler()

	rec, resp := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.Success)

	rec, _ = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "codebox_runs_active 1")
}
