package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sift-analytics/sift/internal/agent"
	"github.com/sift-analytics/sift/internal/domain"
	"github.com/sift-analytics/sift/internal/registry"
	"github.com/sift-analytics/sift/internal/runner"
	"github.com/sift-analytics/sift/internal/store"
)

// stubAgent mirrors the agent's surface errors: unknown dataset and
// empty message fail before a stream starts, everything else replays
// the scripted events.
type stubAgent struct {
	mu       sync.Mutex
	requests []agent.TurnRequest
	events   []agent.Event
	response *agent.TurnResponse
}

func (a *stubAgent) check(req agent.TurnRequest) error {
	if strings.TrimSpace(req.Message) == "" {
		return domain.NewRunError(domain.ErrValidation, "message is required")
	}
	if req.DatasetID != "support" {
		return agent.ErrDatasetNotFound
	}
	return nil
}

func (a *stubAgent) Run(_ context.Context, req agent.TurnRequest) (*agent.TurnResponse, error) {
	if err := a.check(req); err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
	return a.response, nil
}

func (a *stubAgent) Stream(_ context.Context, req agent.TurnRequest) (<-chan agent.Event, error) {
	if err := a.check(req); err != nil {
		return nil, err
	}
	ch := make(chan agent.Event, len(a.events))
	for _, ev := range a.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

// stubExecutor satisfies the executor interface with canned state.
type stubExecutor struct {
	status    domain.RunStatus
	cancelled []string
}

func (e *stubExecutor) Name() string { return "stub" }

func (e *stubExecutor) Execute(context.Context, *runner.Request) (*runner.Result, error) {
	return nil, nil
}

func (e *stubExecutor) Status(string) domain.RunStatus {
	if e.status == "" {
		return domain.RunStatusPending
	}
	return e.status
}

func (e *stubExecutor) Result(string) *runner.Result { return nil }

func (e *stubExecutor) Cancel(_ context.Context, runID string) error {
	e.cancelled = append(e.cancelled, runID)
	return nil
}

func (e *stubExecutor) Cleanup(string) {}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "support"), 0o755))
	csv := "id,status,created_at\n1,open,2026-01-02\n2,closed,2026-01-03\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "support", "tickets.csv"), []byte(csv), 0o644))
	reg, err := registry.Load(dir)
	require.NoError(t, err)
	return reg
}

type fixture struct {
	agent    *stubAgent
	exec     *stubExecutor
	capsules *store.MemoryCapsuleStore
	messages *store.MemoryMessageStore
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		agent: &stubAgent{
			response: &agent.TurnResponse{
				AssistantMessage: "The result is 6417.",
				RunID:            "run-1",
				ThreadID:         "thread-1",
				Status:           string(domain.RunStatusSucceeded),
				Result: &runner.Result{
					Status:   runner.StatusSuccess,
					Columns:  []string{"n"},
					Rows:     [][]any{{float64(6417)}},
					RowCount: 1,
				},
				Details: agent.Details{DatasetID: "support", QueryMode: "sql"},
			},
		},
		exec:     &stubExecutor{},
		capsules: store.NewMemoryCapsuleStore(),
		messages: store.NewMemoryMessageStore(),
	}
	f.agent.events = []agent.Event{
		{Type: agent.EventToolCall, Tool: "execute_sql"},
		{Type: agent.EventToolResult, Tool: "execute_sql", Output: `{"status":"success"}`},
		{Type: agent.EventResult, Response: f.agent.response},
		{Type: agent.EventDone},
	}
	f.handler = NewRouter(Options{
		Agent:    f.agent,
		Executor: f.exec,
		Registry: testRegistry(t),
		Capsules: f.capsules,
		Messages: f.messages,
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIErrorDetail {
	t.Helper()
	var env APIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

func TestChat_Success(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/chat",
		`{"dataset_id":"support","message":"SQL: SELECT COUNT(*) FROM tickets"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp agent.TurnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, "thread-1", resp.ThreadID)
	assert.Equal(t, "succeeded", resp.Status)
	assert.Equal(t, "The result is 6417.", resp.AssistantMessage)
	require.NotNil(t, resp.Result)
	assert.Equal(t, [][]any{{float64(6417)}}, resp.Result.Rows)
	assert.Equal(t, "sql", resp.Details.QueryMode)

	require.Len(t, f.agent.requests, 1)
	assert.Equal(t, "support", f.agent.requests[0].DatasetID)
}

func TestChat_UnknownDataset(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/chat",
		`{"dataset_id":"nope","message":"hello"}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "NOT_FOUND", detail.Code)
	assert.Equal(t, "not_found", detail.Type)
}

func TestChat_EmptyMessage(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/chat",
		`{"dataset_id":"support","message":"  "}`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	detail := decodeError(t, rec)
	assert.Equal(t, "VALIDATION_ERROR", detail.Code)
}

func TestChat_MalformedBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/chat", `{"dataset_id":`)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_JSON", decodeError(t, rec).Code)
}

func TestChatStream_EventFraming(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/chat/stream",
		`{"dataset_id":"support","message":"SQL: SELECT 1"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "event: tool_call\n")
	assert.Contains(t, body, "event: tool_result\n")
	assert.Contains(t, body, "event: result\n")
	assert.Contains(t, body, "event: done\n")

	// result precedes done
	assert.Less(t, strings.Index(body, "event: result"), strings.Index(body, "event: done"))
	assert.Contains(t, body, `"run_id":"run-1"`)
}

func TestChatStream_UnknownDataset(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/chat/stream",
		`{"dataset_id":"nope","message":"hello"}`)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
}

func TestListRuns_PaginationAndEmpty(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/runs?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs   []domain.Capsule `json:"runs"`
		Limit  int              `json:"limit"`
		Offset int              `json:"offset"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Runs)
	assert.Equal(t, 5, resp.Limit)
	assert.Equal(t, 0, resp.Offset)
}

func TestGetRun(t *testing.T) {
	f := newFixture(t)
	c := &domain.Capsule{
		RunID:     "run-9",
		ThreadID:  "thread-9",
		CreatedAt: time.Now().UTC(),
		DatasetID: "support",
		Question:  "how many tickets?",
		QueryMode: domain.QueryModeSQL,
		Status:    domain.RunStatusSucceeded,
	}
	require.NoError(t, f.capsules.Put(context.Background(), c))

	rec := f.do(t, http.MethodGet, "/api/v1/runs/run-9", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Capsule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "run-9", got.RunID)
	assert.Equal(t, domain.RunStatusSucceeded, got.Status)
}

func TestGetRun_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/runs/missing", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
}

func TestGetRunStatus_CapsuleWins(t *testing.T) {
	f := newFixture(t)
	f.exec.status = domain.RunStatusRunning
	require.NoError(t, f.capsules.Put(context.Background(), &domain.Capsule{
		RunID:     "run-2",
		CreatedAt: time.Now().UTC(),
		Status:    domain.RunStatusTimedOut,
	}))

	rec := f.do(t, http.MethodGet, "/api/v1/runs/run-2/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		RunID  string           `json:"run_id"`
		Status domain.RunStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.RunStatusTimedOut, resp.Status)
}

func TestGetRunStatus_FallsBackToExecutor(t *testing.T) {
	f := newFixture(t)
	f.exec.status = domain.RunStatusRunning

	rec := f.do(t, http.MethodGet, "/api/v1/runs/run-3/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"running"`)
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/v1/runs/run-4/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"run-4"}, f.exec.cancelled)
}

func TestThreadMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.messages.Append(ctx, &domain.ThreadMessage{
		ThreadID: "thread-5", Role: domain.RoleUser, Content: "how many tickets?",
	}))
	require.NoError(t, f.messages.Append(ctx, &domain.ThreadMessage{
		ThreadID: "thread-5", Role: domain.RoleAssistant, Content: "The result is 2.", RunID: "run-5",
	}))

	rec := f.do(t, http.MethodGet, "/api/v1/threads/thread-5/messages", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		ThreadID string                 `json:"thread_id"`
		Messages []domain.ThreadMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	assert.Equal(t, domain.RoleUser, resp.Messages[0].Role)
	assert.Equal(t, "run-5", resp.Messages[1].RunID)
}

func TestListDatasets(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/datasets", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Datasets []datasetSummary `json:"datasets"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Datasets, 1)
	assert.Equal(t, "support", resp.Datasets[0].ID)
	assert.Equal(t, []string{"tickets.csv"}, resp.Datasets[0].Files)
	assert.NotEmpty(t, resp.Datasets[0].VersionHash)
}

func TestDatasetSchema(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/datasets/support/schema", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"tickets.csv"`)
	assert.Contains(t, body, `"column":"id"`)
	assert.Contains(t, body, `"type":"integer"`)
	assert.Contains(t, body, `["1","open","2026-01-02"]`)
}

func TestDatasetSchema_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/datasets/nope/schema", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"sandbox_provider":"stub"`)
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}
