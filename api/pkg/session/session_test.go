package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specwright/specwright/api/pkg/agent"
	"github.com/specwright/specwright/api/pkg/gitops"
	"github.com/specwright/specwright/api/pkg/pubsub"
	"github.com/specwright/specwright/api/pkg/runner"
	"github.com/specwright/specwright/api/pkg/store"
	"github.com/specwright/specwright/api/pkg/system"
	"github.com/specwright/specwright/api/pkg/types"
)

type fakeExecutor struct {
	block chan struct{} // when non-nil, Await waits for one receive
}

func (f *fakeExecutor) Start(_ context.Context, req agent.StartRequest) (string, error) {
	return "exec-" + req.ChunkID, nil
}

func (f *fakeExecutor) Await(ctx context.Context, _ string, _ time.Duration, _ func(agent.ToolCall)) (*agent.ExecutionResult, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return &agent.ExecutionResult{Status: agent.ExecutionCompleted, Output: "done"}, nil
}

func (f *fakeExecutor) Abort(_ context.Context, _ string) error { return nil }
func (f *fakeExecutor) Health(_ context.Context) error          { return nil }

type fakeReviewer struct {
	outputs  []string
	calls    int
	onReview func(call int)
}

func (f *fakeReviewer) Review(_ context.Context, _ agent.ReviewRequest) (*agent.ReviewResult, error) {
	call := f.calls
	f.calls++
	if f.onReview != nil {
		f.onReview(call)
	}
	output := `{"status": "pass"}`
	if call < len(f.outputs) {
		output = f.outputs[call]
	}
	return &agent.ReviewResult{Success: true, Output: output}, nil
}

// capturingBus records every publish so tests can assert what reached
// the bus and on which topic.
type capturingBus struct {
	mu     sync.Mutex
	topics []string
	events []types.Event
}

func (b *capturingBus) Publish(_ context.Context, topic string, payload []byte) error {
	var event types.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topics = append(b.topics, topic)
	b.events = append(b.events, event)
	return nil
}

func (b *capturingBus) snapshot() ([]string, []types.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.topics...), append([]types.Event(nil), b.events...)
}

type fixture struct {
	store    store.Store
	manager  *Manager
	reviewer *fakeReviewer
	executor *fakeExecutor
	bus      *capturingBus
	spec     *types.Spec
}

// newFixture builds a manager over a real store with a non-git project
// directory inside a fake home.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	projectDir := filepath.Join(home, "project")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	s, err := store.NewSQLiteStore(store.StoreOptions{DataDir: filepath.Join(home, "data"), AutoMigrate: true})
	require.NoError(t, err)

	ctx := context.Background()
	project, err := s.CreateProject(ctx, &types.Project{
		ID:        system.GenerateProjectID(),
		Name:      "p",
		Directory: projectDir,
	})
	require.NoError(t, err)
	spec, err := s.CreateSpec(ctx, &types.Spec{
		ID:        system.GenerateSpecID(),
		ProjectID: project.ID,
		Title:     "my feature",
		Status:    types.SpecStatusReady,
	})
	require.NoError(t, err)

	executor := &fakeExecutor{}
	reviewer := &fakeReviewer{}
	bus := &capturingBus{}
	chunkRunner := runner.New(s, executor, reviewer, runner.Config{})
	manager := NewManager(s, gitops.New(filepath.Join(home, "data")), chunkRunner, bus, ManagerConfig{})

	return &fixture{store: s, manager: manager, reviewer: reviewer, executor: executor, bus: bus, spec: spec}
}

func (f *fixture) addChunk(t *testing.T, title string, order int, deps ...string) *types.Chunk {
	t.Helper()
	chunk, err := f.store.CreateChunk(context.Background(), &types.Chunk{
		SpecID:       f.spec.ID,
		Title:        title,
		Order:        order,
		Dependencies: deps,
	})
	require.NoError(t, err)
	return chunk
}

func collect(t *testing.T, sess *RunSession) []types.Event {
	t.Helper()
	var events []types.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event, ok := <-sess.Events():
			if !ok {
				<-sess.Done()
				return events
			}
			events = append(events, event)
		case <-timeout:
			t.Fatal("timed out waiting for session events")
		}
	}
}

func eventTypes(events []types.Event) []types.EventType {
	out := make([]types.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestRunAll_TwoChunksPass(t *testing.T) {
	f := newFixture(t)
	f.addChunk(t, "first", 0)
	f.addChunk(t, "second", 1)

	sess, err := f.manager.StartRunAll(context.Background(), f.spec.ID)
	require.NoError(t, err)
	events := collect(t, sess)

	assert.Equal(t, []types.EventType{
		types.EventWorktreeDisabled,
		types.EventChunkStart,
		types.EventChunkComplete,
		types.EventReviewStart,
		types.EventReviewComplete,
		types.EventChunkStart,
		types.EventChunkComplete,
		types.EventReviewStart,
		types.EventReviewComplete,
		types.EventAllComplete,
	}, eventTypes(events))

	summary := sess.Summary()
	assert.Equal(t, 2, summary.Passed)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 0, summary.Fixes)
	assert.False(t, summary.Aborted)

	final := events[len(events)-1]
	assert.Equal(t, 2, final.Passed)
	assert.Equal(t, 0, final.Fixes)

	spec, err := f.store.GetSpec(context.Background(), f.spec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SpecStatusCompleted, spec.Status)
}

func TestRunAll_DependencyOrder(t *testing.T) {
	f := newFixture(t)
	a := f.addChunk(t, "a", 1)
	// b is listed first by order but depends on a
	b := f.addChunk(t, "b", 0, a.ID)

	sess, err := f.manager.StartRunAll(context.Background(), f.spec.ID)
	require.NoError(t, err)
	events := collect(t, sess)

	var started []string
	for _, e := range events {
		if e.Type == types.EventChunkStart {
			started = append(started, e.ChunkID)
		}
	}
	assert.Equal(t, []string{a.ID, b.ID}, started)
}

func TestRunAll_NeedsFixRunsFixImmediately(t *testing.T) {
	f := newFixture(t)
	parent := f.addChunk(t, "parent", 0)
	f.reviewer.outputs = []string{
		`{"status": "needs_fix", "feedback": "missing tests", "fix_chunk": {"title": "Add tests", "description": "cover it"}}`,
		`{"status": "pass"}`,
	}

	sess, err := f.manager.StartRunAll(context.Background(), f.spec.ID)
	require.NoError(t, err)
	events := collect(t, sess)

	summary := sess.Summary()
	assert.Equal(t, 1, summary.Passed)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 1, summary.Fixes)

	assert.Contains(t, eventTypes(events), types.EventFixChunkCreated)

	chunks, err := f.store.ChunksBySpec(context.Background(), f.spec.ID)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, parent.ID, chunks[0].ID)
	fix := chunks[1]
	assert.Equal(t, parent.ID, fix.ParentChunkID)
	assert.Equal(t, types.ChunkStatusCompleted, fix.Status)

	// the fix ran right after its parent, before anything else
	var started []string
	for _, e := range events {
		if e.Type == types.EventChunkStart {
			started = append(started, e.ChunkID)
		}
	}
	assert.Equal(t, []string{parent.ID, fix.ID}, started)
}

func TestRunAll_FailureStopsRun(t *testing.T) {
	f := newFixture(t)
	a := f.addChunk(t, "a", 0)
	// independent of a; a's failure must still keep it from running
	independent := f.addChunk(t, "independent", 1)
	f.reviewer.outputs = []string{
		`{"status": "fail", "feedback": "nope"}`,
	}

	sess, err := f.manager.StartRunAll(context.Background(), f.spec.ID)
	require.NoError(t, err)
	events := collect(t, sess)

	var started []string
	for _, e := range events {
		if e.Type == types.EventChunkStart {
			started = append(started, e.ChunkID)
		}
	}
	assert.Equal(t, []string{a.ID}, started)

	kinds := eventTypes(events)
	assert.Contains(t, kinds, types.EventStopped)
	assert.NotContains(t, kinds, types.EventAllComplete)

	final := events[len(events)-1]
	assert.Equal(t, types.EventStopped, final.Type)
	assert.Contains(t, final.Message, "failed")

	summary := sess.Summary()
	assert.Equal(t, 0, summary.Passed)
	assert.Equal(t, 1, summary.Failed)
	assert.False(t, summary.Aborted)

	ctx := context.Background()
	aChunk, err := f.store.GetChunk(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusFailed, aChunk.Status)

	indepChunk, err := f.store.GetChunk(ctx, independent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusPending, indepChunk.Status)

	spec, err := f.store.GetSpec(ctx, f.spec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SpecStatusReview, spec.Status)
}

func TestRunAll_MirrorsEventsOntoSpecTopic(t *testing.T) {
	f := newFixture(t)
	f.addChunk(t, "only", 0)

	sess, err := f.manager.StartRunAll(context.Background(), f.spec.ID)
	require.NoError(t, err)
	events := collect(t, sess)

	topics, published := f.bus.snapshot()
	require.Equal(t, len(events), len(published))
	for i, event := range published {
		assert.Equal(t, pubsub.SpecTopic(f.spec.ID), topics[i])
		assert.Equal(t, events[i].Type, event.Type)
		assert.Equal(t, f.spec.ID, event.SpecID)
	}
}

func TestRunAll_AbortAtChunkBoundary(t *testing.T) {
	f := newFixture(t)
	f.addChunk(t, "first", 0)
	second := f.addChunk(t, "second", 1)

	reviewing := make(chan struct{})
	gate := make(chan struct{})
	f.reviewer.onReview = func(call int) {
		if call == 0 {
			close(reviewing)
			<-gate
		}
	}

	sess, err := f.manager.StartRunAll(context.Background(), f.spec.ID)
	require.NoError(t, err)

	// abort while the first review is in flight; the boundary check
	// stops the run before the second chunk
	<-reviewing
	sess.Abort()
	close(gate)

	events := collect(t, sess)
	assert.Contains(t, eventTypes(events), types.EventStopped)

	summary := sess.Summary()
	assert.True(t, summary.Aborted)
	assert.Equal(t, 1, summary.Passed)

	ctx := context.Background()
	secondChunk, err := f.store.GetChunk(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusPending, secondChunk.Status)

	spec, err := f.store.GetSpec(ctx, f.spec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SpecStatusReview, spec.Status)
}

func TestRunAll_ResumeSkipsCompletedChunks(t *testing.T) {
	f := newFixture(t)
	done := f.addChunk(t, "done", 0)
	done.Status = types.ChunkStatusCompleted
	require.NoError(t, f.store.UpdateChunk(context.Background(), done))
	remaining := f.addChunk(t, "remaining", 1, done.ID)

	sess, err := f.manager.StartRunAll(context.Background(), f.spec.ID)
	require.NoError(t, err)
	events := collect(t, sess)

	var started []string
	for _, e := range events {
		if e.Type == types.EventChunkStart {
			started = append(started, e.ChunkID)
		}
	}
	assert.Equal(t, []string{remaining.ID}, started)
	assert.Equal(t, 1, sess.Summary().Passed)
}

func TestStartRunAll_SecondStartRejected(t *testing.T) {
	f := newFixture(t)
	f.addChunk(t, "slow", 0)
	f.executor.block = make(chan struct{})

	sess, err := f.manager.StartRunAll(context.Background(), f.spec.ID)
	require.NoError(t, err)

	_, err = f.manager.StartRunAll(context.Background(), f.spec.ID)
	assert.ErrorIs(t, err, ErrSessionActive)

	f.executor.block <- struct{}{}
	collect(t, sess)

	// the slot frees once the run ends
	require.Eventually(t, func() bool {
		return !f.manager.Active(f.spec.ID)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartRunAll_NoRunnableChunks(t *testing.T) {
	f := newFixture(t)
	done := f.addChunk(t, "done", 0)
	done.Status = types.ChunkStatusCompleted
	require.NoError(t, f.store.UpdateChunk(context.Background(), done))

	_, err := f.manager.StartRunAll(context.Background(), f.spec.ID)
	assert.ErrorIs(t, err, ErrNoRunnableChunks)
}

func TestStartRunAll_UnknownSpec(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.StartRunAll(context.Background(), "spec_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEmitter(t *testing.T) {
	e := NewEmitter(2)
	e.Emit(types.NewEvent(types.EventChunkStart))
	e.Emit(types.NewEvent(types.EventChunkComplete))
	// buffer is full; the next emit drops instead of blocking
	e.Emit(types.NewEvent(types.EventError))

	assert.Equal(t, types.EventChunkStart, (<-e.Events()).Type)
	assert.Equal(t, types.EventChunkComplete, (<-e.Events()).Type)

	e.Close()
	e.Close() // idempotent
	e.Emit(types.NewEvent(types.EventError))

	_, ok := <-e.Events()
	assert.False(t, ok)
}
