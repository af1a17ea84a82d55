package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specwright/specwright/api/pkg/agent"
	"github.com/specwright/specwright/api/pkg/config"
	"github.com/specwright/specwright/api/pkg/gitops"
	"github.com/specwright/specwright/api/pkg/janitor"
	"github.com/specwright/specwright/api/pkg/pubsub"
	"github.com/specwright/specwright/api/pkg/runner"
	"github.com/specwright/specwright/api/pkg/session"
	"github.com/specwright/specwright/api/pkg/store"
	"github.com/specwright/specwright/api/pkg/system"
	"github.com/specwright/specwright/api/pkg/types"
	"github.com/specwright/specwright/api/pkg/worker"
)

type fakeExecutor struct{}

func (f *fakeExecutor) Start(_ context.Context, req agent.StartRequest) (string, error) {
	return "exec-" + req.ChunkID, nil
}

func (f *fakeExecutor) Await(_ context.Context, _ string, _ time.Duration, _ func(agent.ToolCall)) (*agent.ExecutionResult, error) {
	return &agent.ExecutionResult{Status: agent.ExecutionCompleted, Output: "done"}, nil
}

func (f *fakeExecutor) Abort(_ context.Context, _ string) error { return nil }
func (f *fakeExecutor) Health(_ context.Context) error          { return nil }

type fakeReviewer struct{}

func (f *fakeReviewer) Review(_ context.Context, _ agent.ReviewRequest) (*agent.ReviewResult, error) {
	return &agent.ReviewResult{Success: true, Output: `{"status": "pass"}`}, nil
}

type testServer struct {
	srv        *httptest.Server
	store      store.Store
	projectDir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	projectDir := filepath.Join(home, "project")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	s, err := store.NewSQLiteStore(store.StoreOptions{DataDir: filepath.Join(home, "data"), AutoMigrate: true})
	require.NoError(t, err)

	ps, err := pubsub.NewInMemoryNats()
	require.NoError(t, err)
	t.Cleanup(ps.Close)

	git := gitops.New(filepath.Join(home, "data"))
	chunkRunner := runner.New(s, &fakeExecutor{}, &fakeReviewer{}, runner.Config{})
	sessions := session.NewManager(s, git, chunkRunner, ps, session.ManagerConfig{})
	pool := worker.NewPool(s, sessions, ps, 5)
	jan, err := janitor.New(s, git, sessions, config.Janitor{Interval: time.Hour, MaxIdleDays: 7})
	require.NoError(t, err)

	apiServer := NewAPIServer(&config.ServerConfig{}, s, git, chunkRunner, sessions, pool, jan, ps)
	srv := httptest.NewServer(apiServer.router())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, store: s, projectDir: projectDir}
}

func (ts *testServer) request(t *testing.T, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, ts.srv.URL+system.APISubPath+path, payload)
	require.NoError(t, err)

	resp, err := ts.srv.Client().Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, data
}

func (ts *testServer) createProject(t *testing.T) *types.Project {
	t.Helper()
	resp, body := ts.request(t, http.MethodPost, "/projects", map[string]string{
		"name":      "p",
		"directory": ts.projectDir,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var project types.Project
	require.NoError(t, json.Unmarshal(body, &project))
	return &project
}

func (ts *testServer) createSpec(t *testing.T, projectID, title string) *types.Spec {
	t.Helper()
	resp, body := ts.request(t, http.MethodPost, "/projects/"+projectID+"/specs", map[string]string{
		"title":  title,
		"status": "ready",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var spec types.Spec
	require.NoError(t, json.Unmarshal(body, &spec))
	return &spec
}

func (ts *testServer) createChunk(t *testing.T, specID, title string, deps ...string) *types.Chunk {
	t.Helper()
	resp, body := ts.request(t, http.MethodPost, "/specs/"+specID+"/chunks", map[string]interface{}{
		"title":        title,
		"dependencies": deps,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var chunk types.Chunk
	require.NoError(t, json.Unmarshal(body, &chunk))
	return &chunk
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.request(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status": "ok"}`, string(body))
}

func TestProjectValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.request(t, http.MethodPost, "/projects", map[string]string{
		"directory": ts.projectDir,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// outside the home directory
	resp, _ = ts.request(t, http.MethodPost, "/projects", map[string]string{
		"name":      "p",
		"directory": "/etc",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodGet, "/projects/proj_missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestProjectLifecycle(t *testing.T) {
	ts := newTestServer(t)
	project := ts.createProject(t)

	resp, body := ts.request(t, http.MethodPut, "/projects/"+project.ID, map[string]string{"name": "renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated types.Project
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, "renamed", updated.Name)

	resp, _ = ts.request(t, http.MethodDelete, "/projects/"+project.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodGet, "/projects/"+project.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSpecContentBumpsVersion(t *testing.T) {
	ts := newTestServer(t)
	project := ts.createProject(t)
	spec := ts.createSpec(t, project.ID, "feature")
	assert.Equal(t, 1, spec.Version)

	resp, body := ts.request(t, http.MethodPut, "/specs/"+spec.ID, map[string]string{"content": "new content"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var updated types.Spec
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, 2, updated.Version)

	// a title-only update does not bump
	resp, body = ts.request(t, http.MethodPut, "/specs/"+spec.ID, map[string]string{"title": "renamed"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.Equal(t, 2, updated.Version)
}

func TestChunkDependencyCycleRejected(t *testing.T) {
	ts := newTestServer(t)
	project := ts.createProject(t)
	spec := ts.createSpec(t, project.ID, "feature")
	a := ts.createChunk(t, spec.ID, "a")
	b := ts.createChunk(t, spec.ID, "b", a.ID)

	resp, _ := ts.request(t, http.MethodPut, "/chunks/"+a.ID+"/dependencies", map[string][]string{
		"dependencies": {b.ID},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// creating a chunk with a cycle rolls the chunk back
	resp, _ = ts.request(t, http.MethodPost, "/specs/"+spec.ID+"/chunks", map[string]interface{}{
		"title":        "c",
		"dependencies": []string{"chunk_missing"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := ts.request(t, http.MethodGet, "/specs/"+spec.ID+"/chunks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var chunks []*types.Chunk
	require.NoError(t, json.Unmarshal(body, &chunks))
	assert.Len(t, chunks, 2)
}

func TestChunkGraph(t *testing.T) {
	ts := newTestServer(t)
	project := ts.createProject(t)
	spec := ts.createSpec(t, project.ID, "feature")
	a := ts.createChunk(t, spec.ID, "a")
	ts.createChunk(t, spec.ID, "b", a.ID)

	resp, body := ts.request(t, http.MethodGet, "/specs/"+spec.ID+"/chunks/graph", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var graph ChunkGraphResponse
	require.NoError(t, json.Unmarshal(body, &graph))
	require.Len(t, graph.Layers, 2)
	assert.Len(t, graph.CriticalPath, 2)
}

func TestRunAllValidation(t *testing.T) {
	ts := newTestServer(t)
	project := ts.createProject(t)

	resp, _ := ts.request(t, http.MethodPost, "/specs/spec_missing/run-all", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	empty := ts.createSpec(t, project.ID, "empty")
	resp, _ = ts.request(t, http.MethodPost, "/specs/"+empty.ID+"/run-all", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodPost, "/specs/"+empty.ID+"/run-all/abort", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// sseEventTypes parses the event types out of an SSE body.
func sseEventTypes(t *testing.T, body []byte) []types.EventType {
	t.Helper()
	var out []types.EventType
	for _, line := range strings.Split(string(body), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event types.Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		out = append(out, event.Type)
	}
	return out
}

func TestRunAllStreamsToCompletion(t *testing.T) {
	ts := newTestServer(t)
	project := ts.createProject(t)
	spec := ts.createSpec(t, project.ID, "feature")
	ts.createChunk(t, spec.ID, "only")

	resp, body := ts.request(t, http.MethodPost, "/specs/"+spec.ID+"/run-all", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := sseEventTypes(t, body)
	assert.Contains(t, events, types.EventChunkStart)
	assert.Contains(t, events, types.EventReviewComplete)
	assert.Equal(t, types.EventAllComplete, events[len(events)-1])
}

func TestRunChunk_DependencyGate(t *testing.T) {
	ts := newTestServer(t)
	project := ts.createProject(t)
	spec := ts.createSpec(t, project.ID, "feature")
	a := ts.createChunk(t, spec.ID, "a")
	b := ts.createChunk(t, spec.ID, "b", a.ID)

	resp, body := ts.request(t, http.MethodPost, "/chunks/"+b.ID+"/run", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))

	resp, body = ts.request(t, http.MethodPost, "/chunks/"+a.ID+"/run", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := sseEventTypes(t, body)
	assert.Contains(t, events, types.EventChunkStart)
	assert.Contains(t, events, types.EventReviewComplete)

	// a is completed now, so b may run
	resp, _ = ts.request(t, http.MethodPost, "/chunks/"+b.ID+"/run", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWorkerValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := ts.request(t, http.MethodPost, "/workers", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodPost, "/workers", map[string]string{"spec_id": "spec_missing"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodGet, "/workers/wrk_missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestQueueEndpoints(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.request(t, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var items []*types.QueueItem
	require.NoError(t, json.Unmarshal(body, &items))
	assert.Empty(t, items)

	resp, _ = ts.request(t, http.MethodPost, "/queue", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWorktreeEndpoints(t *testing.T) {
	ts := newTestServer(t)
	project := ts.createProject(t)
	spec := ts.createSpec(t, project.ID, "feature")

	resp, body := ts.request(t, http.MethodGet, "/worktrees/stale", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = ts.request(t, http.MethodPost, "/worktrees/cleanup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result janitor.CleanupResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Zero(t, result.Cleaned)

	// a spec with no worktree deletes cleanly
	resp, _ = ts.request(t, http.MethodDelete, fmt.Sprintf("/worktrees/%s", spec.ID), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.request(t, http.MethodDelete, "/worktrees/spec_missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
