package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/maestro/pkg/agent"
	"github.com/kadirpekel/maestro/pkg/orchestrator"
	"github.com/kadirpekel/maestro/pkg/server"
	"github.com/kadirpekel/maestro/pkg/testutil"
	"github.com/kadirpekel/maestro/pkg/tool"
)

// newServer wires a single-agent team behind the HTTP adapter. The worker
// writes out.md and the plan is a single item.
func newServer(t *testing.T) (*server.Server, *orchestrator.Orchestrator) {
	t.Helper()

	planner := testutil.NewBrain().
		Text(`{"items": [{"id": "t1", "action": "write out.md", "agent": "worker"}]}`)
	worker := testutil.NewBrain().
		Calls(tool.ToolCall{
			ID:   "c1",
			Name: "write_artifact",
			Args: map[string]any{"name": "out.md", "content": "result"},
		}).
		Text("done")

	a, err := agent.New(agent.Config{Name: "worker", Description: "does the work"}, worker)
	require.NoError(t, err)

	orch, err := orchestrator.New(orchestrator.Config{
		Brain:  planner,
		Agents: []*agent.Agent{a},
		Dir:    t.TempDir(),
	})
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	return server.New(orch), orch
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getJSON(t *testing.T, h http.Handler, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, _ := newServer(t)

	// Create.
	rec := postJSON(t, srv, "/tasks", map[string]string{"goal": "produce out.md"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.TaskID)

	// List.
	var list struct {
		Tasks []string `json:"tasks"`
	}
	rec = getJSON(t, srv, "/tasks", &list)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, list.Tasks, created.TaskID)

	// Step until complete: plan generation, dispatch, completion.
	var status struct {
		Status string           `json:"status"`
		Plan   []map[string]any `json:"plan"`
	}
	for i := 0; i < 5; i++ {
		rec = postJSON(t, srv, "/tasks/"+created.TaskID+"/step", nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		getJSON(t, srv, "/tasks/"+created.TaskID, &status)
		if status.Status == "completed" {
			break
		}
	}
	assert.Equal(t, "completed", status.Status)
	require.Len(t, status.Plan, 1)
	assert.Equal(t, "completed", status.Plan[0]["status"])
}

func TestUnknownTaskIs404(t *testing.T) {
	srv, _ := newServer(t)

	rec := getJSON(t, srv, "/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postJSON(t, srv, "/tasks/nope/step", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = postJSON(t, srv, "/tasks/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartRejectsBadBody(t *testing.T) {
	srv, _ := newServer(t)

	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, srv, "/tasks", map[string]string{"goal": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelOverHTTP(t *testing.T) {
	srv, _ := newServer(t)

	rec := postJSON(t, srv, "/tasks", map[string]string{"goal": "work"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		TaskID string `json:"task_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = postJSON(t, srv, "/tasks/"+created.TaskID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		Status string `json:"status"`
	}
	getJSON(t, srv, "/tasks/"+created.TaskID, &status)
	assert.Equal(t, "cancelled", status.Status)
}

func TestEventsStreamAsSSE(t *testing.T) {
	srv, orch := newServer(t)

	id, err := orch.Start("stream events")
	require.NoError(t, err)

	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/tasks/" + id + "/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Generate events, then cancel so the bus closes and the stream ends.
	done := make(chan struct{})
	go func() {
		defer close(done)
		stepResp, err := http.Post(ts.URL+fmt.Sprintf("/tasks/%s/step", id), "application/json", nil)
		if err == nil {
			stepResp.Body.Close()
		}
		_ = orch.Cancel(id)
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: task_update")
	assert.Contains(t, string(body), "data: ")

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("background step did not finish")
	}
}
