// Package worker runs specs headlessly in background slots. A worker
// wraps one run-all session, mirrors its progress into the store at
// chunk boundaries, and republishes boundary events onto the workers
// topic for the live dashboard stream. Specs beyond capacity wait in a
// persistent queue drained in (priority DESC, added_at ASC) order.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"github.com/specwright/specwright/api/pkg/pubsub"
	"github.com/specwright/specwright/api/pkg/session"
	"github.com/specwright/specwright/api/pkg/store"
	"github.com/specwright/specwright/api/pkg/system"
	"github.com/specwright/specwright/api/pkg/types"
)

var (
	// ErrAtCapacity means every worker slot is occupied; callers should
	// queue instead.
	ErrAtCapacity = errors.New("all worker slots are occupied")
	// ErrWorkerActive means the spec already has an active worker.
	ErrWorkerActive = errors.New("spec already has an active worker")
)

type Pool struct {
	store      store.Store
	sessions   *session.Manager
	bus        pubsub.Publisher
	maxWorkers int

	// mu serializes admission and queue promotion so two completions
	// never double-fill the same slot
	mu sync.Mutex
}

func NewPool(s store.Store, sessions *session.Manager, bus pubsub.Publisher, maxWorkers int) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 5
	}
	return &Pool{
		store:      s,
		sessions:   sessions,
		bus:        bus,
		maxWorkers: maxWorkers,
	}
}

// StartWorker claims a slot and launches a headless run-all for the
// spec. Returns ErrAtCapacity when no slot is free and ErrWorkerActive
// when the spec is already being worked.
func (p *Pool) StartWorker(ctx context.Context, specID string) (*types.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked(ctx, specID)
}

func (p *Pool) startLocked(ctx context.Context, specID string) (*types.Worker, error) {
	spec, err := p.store.GetSpec(ctx, specID)
	if err != nil {
		return nil, err
	}

	active, err := p.store.ListWorkers(ctx, &store.ListWorkersQuery{SpecID: specID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	if len(active) > 0 {
		return nil, ErrWorkerActive
	}

	count, err := p.store.CountActiveWorkers(ctx)
	if err != nil {
		return nil, err
	}
	if count >= p.maxWorkers {
		return nil, ErrAtCapacity
	}

	chunks, err := p.store.ChunksBySpec(ctx, specID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	worker := &types.Worker{
		ID:        system.GenerateWorkerID(),
		SpecID:    specID,
		ProjectID: spec.ProjectID,
		Status:    types.WorkerStatusRunning,
		Progress:  datatypes.NewJSONType(types.WorkerProgress{Total: len(chunks)}),
		StartedAt: &now,
	}
	worker, err = p.store.CreateWorker(ctx, worker)
	if err != nil {
		return nil, err
	}

	sess, err := p.sessions.StartRunAll(ctx, specID)
	if err != nil {
		worker.Status = types.WorkerStatusFailed
		worker.Error = err.Error()
		worker.CompletedAt = &now
		if uerr := p.store.UpdateWorker(ctx, worker); uerr != nil {
			log.Error().Err(uerr).Str("worker_id", worker.ID).Msg("failed to mark worker failed")
		}
		return nil, err
	}

	// a queued spec that got promoted leaves the queue on start
	if err := p.store.RemoveQueueItemBySpec(ctx, specID); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error().Err(err).Str("spec_id", specID).Msg("failed to dequeue started spec")
	}
	p.publishQueue(ctx)

	event := types.NewEvent(types.EventWorkerStarted)
	event.WorkerID = worker.ID
	event.SpecID = specID
	p.publish(ctx, event)

	go p.watch(worker, sess)

	log.Info().
		Str("worker_id", worker.ID).
		Str("spec_id", specID).
		Msg("worker started")

	return worker, nil
}

// watch is the worker's event loop: it mirrors session progress into
// the worker row at chunk boundaries and republishes onto the workers
// topic. When the session ends it settles the worker and pumps the
// queue.
func (p *Pool) watch(worker *types.Worker, sess *session.RunSession) {
	ctx := context.Background()
	progress := worker.Progress.Data()

	persist := func() {
		worker.Progress = datatypes.NewJSONType(progress)
		if err := p.store.UpdateWorker(ctx, worker); err != nil {
			log.Error().Err(err).Str("worker_id", worker.ID).Msg("failed to update worker progress")
		}
	}

	for event := range sess.Events() {
		switch event.Type {
		case types.EventChunkStart:
			progress.Current++
			worker.CurrentChunkID = event.ChunkID
			worker.CurrentStep = types.WorkerStepExecuting
			persist()
			p.republish(ctx, worker, event, types.EventWorkerChunkStart)
			p.publishProgress(ctx, worker, progress)

		case types.EventReviewStart:
			worker.CurrentStep = types.WorkerStepReviewing
			persist()
			p.republish(ctx, worker, event, types.EventWorkerReviewStart)

		case types.EventReviewComplete:
			p.republish(ctx, worker, event, types.EventWorkerReviewComplete)

		case types.EventChunkComplete:
			p.republish(ctx, worker, event, types.EventWorkerChunkComplete)

		case types.EventFixChunkCreated:
			progress.Total++
			persist()
			p.publishProgress(ctx, worker, progress)

		case types.EventError:
			if event.ChunkID != "" {
				progress.Failed++
				persist()
				p.publishProgress(ctx, worker, progress)
			}

		case types.EventGitCommit:
			progress.Passed++
			persist()
			p.publishProgress(ctx, worker, progress)
		}
	}

	<-sess.Done()
	summary := sess.Summary()

	now := time.Now()
	worker.CurrentChunkID = ""
	worker.CurrentStep = ""
	worker.CompletedAt = &now
	progress.Passed = summary.Passed
	progress.Failed = summary.Failed

	var finalEvent types.EventType
	switch {
	case summary.Aborted:
		worker.Status = types.WorkerStatusFailed
		worker.Error = "Aborted by user"
		finalEvent = types.EventWorkerStopped
	case summary.Failed > 0:
		worker.Status = types.WorkerStatusFailed
		worker.Error = fmt.Sprintf("%d chunk(s) failed", summary.Failed)
		finalEvent = types.EventWorkerFailed
	default:
		worker.Status = types.WorkerStatusCompleted
		finalEvent = types.EventWorkerCompleted
	}
	persist()

	event := types.NewEvent(finalEvent)
	event.WorkerID = worker.ID
	event.SpecID = worker.SpecID
	event.Passed = summary.Passed
	event.Failed = summary.Failed
	event.Fixes = summary.Fixes
	event.PRURL = summary.PRURL
	p.publish(ctx, event)

	log.Info().
		Str("worker_id", worker.ID).
		Str("spec_id", worker.SpecID).
		Str("status", string(worker.Status)).
		Msg("worker finished")

	p.Promote(ctx)
}

// PauseWorker holds the worker's session at the next chunk boundary.
func (p *Pool) PauseWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	worker, err := p.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if worker.Status != types.WorkerStatusRunning {
		return nil, system.NewHTTPError409(fmt.Sprintf("worker is %s, not running", worker.Status))
	}
	sess, ok := p.sessions.Get(worker.SpecID)
	if !ok {
		return nil, system.NewHTTPError409("worker has no live session")
	}
	sess.Pause()
	worker.Status = types.WorkerStatusPaused
	if err := p.store.UpdateWorker(ctx, worker); err != nil {
		return nil, err
	}

	event := types.NewEvent(types.EventWorkerPaused)
	event.WorkerID = worker.ID
	event.SpecID = worker.SpecID
	p.publish(ctx, event)
	return worker, nil
}

// ResumeWorker releases a paused worker.
func (p *Pool) ResumeWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	worker, err := p.store.GetWorker(ctx, workerID)
	if err != nil {
		return nil, err
	}
	if worker.Status != types.WorkerStatusPaused {
		return nil, system.NewHTTPError409(fmt.Sprintf("worker is %s, not paused", worker.Status))
	}
	sess, ok := p.sessions.Get(worker.SpecID)
	if !ok {
		return nil, system.NewHTTPError409("worker has no live session")
	}
	sess.Resume()
	worker.Status = types.WorkerStatusRunning
	if err := p.store.UpdateWorker(ctx, worker); err != nil {
		return nil, err
	}

	event := types.NewEvent(types.EventWorkerResumed)
	event.WorkerID = worker.ID
	event.SpecID = worker.SpecID
	p.publish(ctx, event)
	return worker, nil
}

// StopWorker aborts the worker's session and cancels its in-flight
// chunk. The worker row settles when the session finishes tearing down.
func (p *Pool) StopWorker(ctx context.Context, workerID string) error {
	worker, err := p.store.GetWorker(ctx, workerID)
	if err != nil {
		return err
	}
	if !worker.Status.IsActive() {
		return system.NewHTTPError409(fmt.Sprintf("worker is already %s", worker.Status))
	}
	if !p.sessions.Stop(worker.SpecID) {
		// no live session, the worker row is stale; settle it directly
		now := time.Now()
		worker.Status = types.WorkerStatusFailed
		worker.Error = "Aborted by user"
		worker.CompletedAt = &now
		return p.store.UpdateWorker(ctx, worker)
	}
	return nil
}

// AddToQueue enqueues a spec, or starts it immediately when a slot is
// free. Exactly one of the returned worker / queue item is non-nil.
func (p *Pool) AddToQueue(ctx context.Context, specID string, priority int) (*types.Worker, *types.QueueItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	count, err := p.store.CountActiveWorkers(ctx)
	if err != nil {
		return nil, nil, err
	}
	if count < p.maxWorkers {
		worker, err := p.startLocked(ctx, specID)
		if err == nil {
			return worker, nil, nil
		}
		if !errors.Is(err, ErrAtCapacity) {
			return nil, nil, err
		}
	}

	spec, err := p.store.GetSpec(ctx, specID)
	if err != nil {
		return nil, nil, err
	}
	item, err := p.store.AddQueueItem(ctx, &types.QueueItem{
		ID:        system.GenerateQueueItemID(),
		SpecID:    specID,
		ProjectID: spec.ProjectID,
		Priority:  priority,
		AddedAt:   time.Now(),
	})
	if err != nil {
		return nil, nil, err
	}
	p.publishQueue(ctx)
	return nil, item, nil
}

// RemoveFromQueue drops a waiting spec.
func (p *Pool) RemoveFromQueue(ctx context.Context, itemID string) error {
	if err := p.store.RemoveQueueItem(ctx, itemID); err != nil {
		return err
	}
	p.publishQueue(ctx)
	return nil
}

// ReorderQueue applies a new drain order.
func (p *Pool) ReorderQueue(ctx context.Context, ids []string) error {
	if err := p.store.ReorderQueue(ctx, ids); err != nil {
		return err
	}
	p.publishQueue(ctx)
	return nil
}

// Promote fills free slots from the head of the queue. Specs that fail
// to start are skipped and left queued for the operator to inspect.
func (p *Pool) Promote(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		count, err := p.store.CountActiveWorkers(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to count active workers")
			return
		}
		if count >= p.maxWorkers {
			return
		}

		items, err := p.store.ListQueue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to list queue")
			return
		}
		if len(items) == 0 {
			return
		}

		started := false
		for _, item := range items {
			if _, err := p.startLocked(ctx, item.SpecID); err != nil {
				log.Warn().Err(err).
					Str("spec_id", item.SpecID).
					Msg("failed to promote queued spec")
				continue
			}
			started = true
			break
		}
		if !started {
			return
		}
	}
}

// Snapshot returns the current workers and queue, the first frame of
// the workers SSE stream.
func (p *Pool) Snapshot(ctx context.Context) (*types.WorkersSnapshot, error) {
	workers, err := p.store.ListWorkers(ctx, &store.ListWorkersQuery{})
	if err != nil {
		return nil, err
	}
	queue, err := p.store.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	return &types.WorkersSnapshot{Workers: workers, Queue: queue}, nil
}

func (p *Pool) republish(ctx context.Context, worker *types.Worker, src types.Event, as types.EventType) {
	event := src
	event.Type = as
	event.WorkerID = worker.ID
	p.publish(ctx, event)
}

func (p *Pool) publishProgress(ctx context.Context, worker *types.Worker, progress types.WorkerProgress) {
	event := types.NewEvent(types.EventWorkerProgress)
	event.WorkerID = worker.ID
	event.SpecID = worker.SpecID
	event.Progress = &progress
	p.publish(ctx, event)
}

func (p *Pool) publishQueue(ctx context.Context) {
	queue, err := p.store.ListQueue(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list queue for event")
		return
	}
	event := types.NewEvent(types.EventQueueUpdated)
	event.Queue = queue
	p.publish(ctx, event)
}

func (p *Pool) publish(ctx context.Context, event types.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("type", string(event.Type)).Msg("failed to marshal event")
		return
	}
	if err := p.bus.Publish(ctx, pubsub.WorkersTopic, payload); err != nil {
		log.Error().Err(err).Str("type", string(event.Type)).Msg("failed to publish event")
	}
}
