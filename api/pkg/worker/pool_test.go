package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specwright/specwright/api/pkg/agent"
	"github.com/specwright/specwright/api/pkg/gitops"
	"github.com/specwright/specwright/api/pkg/runner"
	"github.com/specwright/specwright/api/pkg/session"
	"github.com/specwright/specwright/api/pkg/store"
	"github.com/specwright/specwright/api/pkg/types"
)

type fakeExecutor struct {
	releases chan struct{} // when non-nil, Await blocks until a release or cancellation
}

func (f *fakeExecutor) Start(_ context.Context, req agent.StartRequest) (string, error) {
	return "exec-" + req.ChunkID, nil
}

func (f *fakeExecutor) Await(ctx context.Context, _ string, _ time.Duration, _ func(agent.ToolCall)) (*agent.ExecutionResult, error) {
	if f.releases != nil {
		select {
		case <-f.releases:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &agent.ExecutionResult{Status: agent.ExecutionCompleted, Output: "done"}, nil
}

func (f *fakeExecutor) Abort(_ context.Context, _ string) error { return nil }
func (f *fakeExecutor) Health(_ context.Context) error          { return nil }

type fakeReviewer struct{}

func (f *fakeReviewer) Review(_ context.Context, _ agent.ReviewRequest) (*agent.ReviewResult, error) {
	return &agent.ReviewResult{Success: true, Output: `{"status": "pass"}`}, nil
}

// fakeBus captures published worker events so tests can wait on them.
type fakeBus struct {
	events chan types.Event
}

func newFakeBus() *fakeBus {
	return &fakeBus{events: make(chan types.Event, 256)}
}

func (b *fakeBus) Publish(_ context.Context, _ string, payload []byte) error {
	var event types.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return err
	}
	select {
	case b.events <- event:
	default:
	}
	return nil
}

func (b *fakeBus) waitFor(t *testing.T, eventType types.EventType, specID string) types.Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case event := <-b.events:
			if event.Type == eventType && (specID == "" || event.SpecID == specID) {
				return event
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event for spec %s", eventType, specID)
		}
	}
}

type fixture struct {
	store    store.Store
	pool     *Pool
	bus      *fakeBus
	executor *fakeExecutor
	project  *types.Project
}

func newFixture(t *testing.T, maxWorkers int) *fixture {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)

	projectDir := filepath.Join(home, "project")
	require.NoError(t, os.MkdirAll(projectDir, 0o755))

	s, err := store.NewSQLiteStore(store.StoreOptions{DataDir: filepath.Join(home, "data"), AutoMigrate: true})
	require.NoError(t, err)

	project, err := s.CreateProject(context.Background(), &types.Project{
		Name:      "p",
		Directory: projectDir,
	})
	require.NoError(t, err)

	executor := &fakeExecutor{}
	chunkRunner := runner.New(s, executor, &fakeReviewer{}, runner.Config{})
	sessions := session.NewManager(s, gitops.New(filepath.Join(home, "data")), chunkRunner, nil, session.ManagerConfig{})
	bus := newFakeBus()

	return &fixture{
		store:    s,
		pool:     NewPool(s, sessions, bus, maxWorkers),
		bus:      bus,
		executor: executor,
		project:  project,
	}
}

func (f *fixture) addSpec(t *testing.T, title string, chunkCount int) *types.Spec {
	t.Helper()
	ctx := context.Background()
	spec, err := f.store.CreateSpec(ctx, &types.Spec{
		ProjectID: f.project.ID,
		Title:     title,
		Status:    types.SpecStatusReady,
	})
	require.NoError(t, err)
	for i := 0; i < chunkCount; i++ {
		_, err := f.store.CreateChunk(ctx, &types.Chunk{
			SpecID: spec.ID,
			Title:  "work",
			Order:  i,
		})
		require.NoError(t, err)
	}
	return spec
}

func TestStartWorker_CapacityAndDuplicate(t *testing.T) {
	f := newFixture(t, 1)
	f.executor.releases = make(chan struct{})
	spec1 := f.addSpec(t, "one", 1)
	spec2 := f.addSpec(t, "two", 1)
	ctx := context.Background()

	worker, err := f.pool.StartWorker(ctx, spec1.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusRunning, worker.Status)
	assert.Equal(t, 1, worker.Progress.Data().Total)
	f.bus.waitFor(t, types.EventWorkerStarted, spec1.ID)

	_, err = f.pool.StartWorker(ctx, spec1.ID)
	assert.ErrorIs(t, err, ErrWorkerActive)

	_, err = f.pool.StartWorker(ctx, spec2.ID)
	assert.ErrorIs(t, err, ErrAtCapacity)

	f.executor.releases <- struct{}{}
	final := f.bus.waitFor(t, types.EventWorkerCompleted, spec1.ID)
	assert.Equal(t, 1, final.Passed)
	assert.Equal(t, 0, final.Failed)

	settled, err := f.store.GetWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusCompleted, settled.Status)
	assert.NotNil(t, settled.CompletedAt)

	// the slot is free again
	_, err = f.pool.StartWorker(ctx, spec2.ID)
	require.NoError(t, err)
	f.executor.releases <- struct{}{}
	f.bus.waitFor(t, types.EventWorkerCompleted, spec2.ID)
}

func TestAddToQueue_StartsImmediatelyWhenSlotFree(t *testing.T) {
	f := newFixture(t, 1)
	spec := f.addSpec(t, "one", 1)

	worker, item, err := f.pool.AddToQueue(context.Background(), spec.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, worker)
	assert.Nil(t, item)

	f.bus.waitFor(t, types.EventWorkerCompleted, spec.ID)
}

func TestAddToQueue_QueuesAndPromotesOnCompletion(t *testing.T) {
	f := newFixture(t, 1)
	f.executor.releases = make(chan struct{})
	spec1 := f.addSpec(t, "one", 1)
	spec2 := f.addSpec(t, "two", 1)
	ctx := context.Background()

	_, err := f.pool.StartWorker(ctx, spec1.ID)
	require.NoError(t, err)

	worker, item, err := f.pool.AddToQueue(ctx, spec2.ID, 0)
	require.NoError(t, err)
	assert.Nil(t, worker)
	require.NotNil(t, item)
	assert.Equal(t, spec2.ID, item.SpecID)

	queue, err := f.store.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	// completing spec1 frees the slot; promotion picks spec2 up
	f.executor.releases <- struct{}{}
	f.bus.waitFor(t, types.EventWorkerCompleted, spec1.ID)
	f.bus.waitFor(t, types.EventWorkerStarted, spec2.ID)

	queue, err = f.store.ListQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, queue)

	f.executor.releases <- struct{}{}
	f.bus.waitFor(t, types.EventWorkerCompleted, spec2.ID)
}

func TestPauseAndResumeWorker(t *testing.T) {
	f := newFixture(t, 1)
	f.executor.releases = make(chan struct{})
	spec := f.addSpec(t, "one", 1)
	ctx := context.Background()

	worker, err := f.pool.StartWorker(ctx, spec.ID)
	require.NoError(t, err)

	paused, err := f.pool.PauseWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusPaused, paused.Status)
	f.bus.waitFor(t, types.EventWorkerPaused, spec.ID)

	// pausing twice is a conflict
	_, err = f.pool.PauseWorker(ctx, worker.ID)
	require.Error(t, err)

	resumed, err := f.pool.ResumeWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusRunning, resumed.Status)
	f.bus.waitFor(t, types.EventWorkerResumed, spec.ID)

	f.executor.releases <- struct{}{}
	f.bus.waitFor(t, types.EventWorkerCompleted, spec.ID)
}

func TestStopWorker_CancelsInFlightChunk(t *testing.T) {
	f := newFixture(t, 1)
	f.executor.releases = make(chan struct{})
	spec := f.addSpec(t, "one", 2)
	ctx := context.Background()

	worker, err := f.pool.StartWorker(ctx, spec.ID)
	require.NoError(t, err)
	f.bus.waitFor(t, types.EventWorkerChunkStart, spec.ID)

	require.NoError(t, f.pool.StopWorker(ctx, worker.ID))
	f.bus.waitFor(t, types.EventWorkerStopped, spec.ID)

	settled, err := f.store.GetWorker(ctx, worker.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusFailed, settled.Status)
	assert.Equal(t, "Aborted by user", settled.Error)

	chunks, err := f.store.ChunksBySpec(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ChunkStatusCancelled, chunks[0].Status)
	assert.Equal(t, types.ChunkStatusPending, chunks[1].Status)
}

func TestStopWorker_SettlesStaleRow(t *testing.T) {
	f := newFixture(t, 1)
	spec := f.addSpec(t, "one", 1)
	ctx := context.Background()

	// a row left running by a previous process has no live session
	stale, err := f.store.CreateWorker(ctx, &types.Worker{
		SpecID:    spec.ID,
		ProjectID: f.project.ID,
		Status:    types.WorkerStatusRunning,
	})
	require.NoError(t, err)

	require.NoError(t, f.pool.StopWorker(ctx, stale.ID))

	settled, err := f.store.GetWorker(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusFailed, settled.Status)
	assert.Equal(t, "Aborted by user", settled.Error)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, 5)
	spec1 := f.addSpec(t, "one", 1)
	spec2 := f.addSpec(t, "two", 1)
	ctx := context.Background()

	_, err := f.pool.StartWorker(ctx, spec1.ID)
	require.NoError(t, err)
	f.bus.waitFor(t, types.EventWorkerCompleted, spec1.ID)

	_, err = f.store.AddQueueItem(ctx, &types.QueueItem{
		SpecID:    spec2.ID,
		ProjectID: f.project.ID,
		AddedAt:   time.Now(),
	})
	require.NoError(t, err)

	snapshot, err := f.pool.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snapshot.Workers, 1)
	assert.Len(t, snapshot.Queue, 1)
}
