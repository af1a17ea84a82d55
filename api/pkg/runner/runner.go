// Package runner executes one chunk through its full lifecycle:
// execute → review → (optional) fix spawn. It persists state before
// emitting the corresponding event, so no subscriber ever observes
// progress the store does not yet contain.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"

	"github.com/specwright/specwright/api/pkg/agent"
	"github.com/specwright/specwright/api/pkg/store"
	"github.com/specwright/specwright/api/pkg/types"
)

// EmitFunc receives runner events in observation order. Emission must
// never block the runner.
type EmitFunc func(types.Event)

type Config struct {
	ExecuteTimeout     time.Duration
	ParseFailurePolicy agent.ParseFailurePolicy
	ExecutorModel      string
}

type ChunkRunner struct {
	store    store.Store
	executor agent.Executor
	reviewer agent.Reviewer
	cfg      Config
}

func New(s store.Store, executor agent.Executor, reviewer agent.Reviewer, cfg Config) *ChunkRunner {
	if cfg.ExecuteTimeout == 0 {
		cfg.ExecuteTimeout = 15 * time.Minute
	}
	if cfg.ParseFailurePolicy == "" {
		cfg.ParseFailurePolicy = agent.ParseFailurePass
	}
	return &ChunkRunner{
		store:    s,
		executor: executor,
		reviewer: reviewer,
		cfg:      cfg,
	}
}

// Outcome reports how one chunk invocation ended. FixChunkID is set
// when a needs_fix review spawned a follow-up chunk.
type Outcome struct {
	Status       types.ChunkStatus
	ReviewStatus types.ReviewStatus
	FixChunkID   string
	Err          error
}

// Run drives one chunk. The fix chunk, if any, is a normal chunk left
// for the caller to schedule; it is never re-executed in place.
func (r *ChunkRunner) Run(ctx context.Context, chunk *types.Chunk, workDir string, emit EmitFunc) (*Outcome, error) {
	now := time.Now()
	chunk.Status = types.ChunkStatusRunning
	chunk.StartedAt = &now
	chunk.Error = ""
	if err := r.store.UpdateChunk(ctx, chunk); err != nil {
		return nil, fmt.Errorf("failed to mark chunk running: %w", err)
	}

	startEvent := types.NewEvent(types.EventChunkStart)
	startEvent.SpecID = chunk.SpecID
	startEvent.ChunkID = chunk.ID
	startEvent.Message = chunk.Title
	emit(startEvent)

	result, err := r.execute(ctx, chunk, workDir, emit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return r.cancel(chunk, emit)
		}
		return r.fail(chunk, emit, err.Error())
	}

	switch result.Status {
	case agent.ExecutionCompleted:
	case agent.ExecutionCancelled:
		return r.cancel(chunk, emit)
	case agent.ExecutionTimeout:
		return r.fail(chunk, emit, result.Error)
	default:
		msg := result.Error
		if msg == "" {
			msg = "execution failed"
		}
		return r.fail(chunk, emit, msg)
	}

	// execution is done; make it durable before chunk_complete
	completedAt := time.Now()
	chunk.Status = types.ChunkStatusCompleted
	chunk.CompletedAt = &completedAt
	chunk.Output = result.Output
	chunk.OutputSummary = summarize(result.Output)
	if err := r.store.UpdateChunk(ctx, chunk); err != nil {
		return nil, fmt.Errorf("failed to persist chunk output: %w", err)
	}

	completeEvent := types.NewEvent(types.EventChunkComplete)
	completeEvent.SpecID = chunk.SpecID
	completeEvent.ChunkID = chunk.ID
	emit(completeEvent)

	if ctx.Err() != nil {
		return r.cancel(chunk, emit)
	}

	return r.review(ctx, chunk, workDir, emit)
}

func (r *ChunkRunner) execute(ctx context.Context, chunk *types.Chunk, workDir string, emit EmitFunc) (*agent.ExecutionResult, error) {
	model, timeout := r.resolveOverrides(ctx, chunk)

	sessionID, err := r.executor.Start(ctx, agent.StartRequest{
		ChunkID:     chunk.ID,
		Title:       chunk.Title,
		Description: chunk.Description,
		WorkDir:     workDir,
		Model:       model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start execution: %w", err)
	}

	onToolCall := func(call agent.ToolCall) {
		persisted, storeErr := r.store.UpsertToolCall(ctx, &types.ChunkToolCall{
			ChunkID: chunk.ID,
			CallID:  call.CallID,
			Tool:    call.Tool,
			Status:  toolCallStatus(call.State),
			Input:   datatypes.JSON(call.Input),
			Output:  datatypes.JSON(call.Output),
		})
		if storeErr != nil {
			log.Error().Err(storeErr).
				Str("chunk_id", chunk.ID).
				Str("call_id", call.CallID).
				Msg("failed to persist tool call")
			return
		}
		event := types.NewEvent(types.EventToolCall)
		event.SpecID = chunk.SpecID
		event.ChunkID = chunk.ID
		event.ToolCall = persisted
		emit(event)
	}

	result, err := r.executor.Await(ctx, sessionID, timeout, onToolCall)
	if err != nil {
		if ctx.Err() != nil {
			// best effort: ask the executor to stop, with a fresh
			// context since ours is already done
			abortCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if abortErr := r.executor.Abort(abortCtx, sessionID); abortErr != nil {
				log.Warn().Err(abortErr).Str("chunk_id", chunk.ID).Msg("executor abort failed")
			}
			return nil, context.Canceled
		}
		return nil, err
	}
	return result, nil
}

// resolveOverrides applies the project's per-project executor model and
// chunk timeout when set. Lookup failures fall back to the configured
// defaults; a missing project must never block execution.
func (r *ChunkRunner) resolveOverrides(ctx context.Context, chunk *types.Chunk) (model string, timeout time.Duration) {
	model = r.cfg.ExecutorModel
	timeout = r.cfg.ExecuteTimeout

	spec, err := r.store.GetSpec(ctx, chunk.SpecID)
	if err != nil {
		return model, timeout
	}
	project, err := r.store.GetProject(ctx, spec.ProjectID)
	if err != nil {
		return model, timeout
	}

	cfg := project.Config.Data()
	if cfg.ExecutorModel != "" {
		model = cfg.ExecutorModel
	}
	if cfg.ChunkTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.ChunkTimeoutSeconds) * time.Second
	}
	return model, timeout
}

func (r *ChunkRunner) review(ctx context.Context, chunk *types.Chunk, workDir string, emit EmitFunc) (*Outcome, error) {
	reviewStart := types.NewEvent(types.EventReviewStart)
	reviewStart.SpecID = chunk.SpecID
	reviewStart.ChunkID = chunk.ID
	emit(reviewStart)

	result, err := r.reviewer.Review(ctx, agent.ReviewRequest{
		ChunkID: chunk.ID,
		Prompt:  buildReviewPrompt(chunk),
		WorkDir: workDir,
	})
	if err != nil {
		kind := agent.ClassifyError(err)
		return r.fail(chunk, emit, fmt.Sprintf("review failed (%s): %s", kind, err))
	}

	verdict := agent.ParseVerdict(result.Output, r.cfg.ParseFailurePolicy)
	chunk.ReviewStatus = verdict.Status
	chunk.ReviewFeedback = verdict.Feedback
	if err := r.store.UpdateChunk(ctx, chunk); err != nil {
		return nil, fmt.Errorf("failed to persist review verdict: %w", err)
	}

	reviewComplete := types.NewEvent(types.EventReviewComplete)
	reviewComplete.SpecID = chunk.SpecID
	reviewComplete.ChunkID = chunk.ID
	reviewComplete.ReviewStatus = verdict.Status
	reviewComplete.Message = verdict.Feedback
	emit(reviewComplete)

	switch verdict.Status {
	case types.ReviewStatusPass:
		return &Outcome{
			Status:       types.ChunkStatusCompleted,
			ReviewStatus: types.ReviewStatusPass,
		}, nil

	case types.ReviewStatusNeedsFix:
		if chunk.IsFixChunk() {
			// fix cascades are bounded at depth one: accept both the
			// parent and the fix as completed rather than looping
			log.Info().
				Str("chunk_id", chunk.ID).
				Str("parent_chunk_id", chunk.ParentChunkID).
				Msg("fix chunk reviewed needs_fix again, accepting as completed")
			return &Outcome{
				Status:       types.ChunkStatusCompleted,
				ReviewStatus: types.ReviewStatusNeedsFix,
			}, nil
		}

		fix, err := r.store.InsertFixChunk(ctx, chunk.ID, verdict.FixChunk.Title, verdict.FixChunk.Description)
		if err != nil {
			return nil, fmt.Errorf("failed to insert fix chunk: %w", err)
		}

		fixEvent := types.NewEvent(types.EventFixChunkCreated)
		fixEvent.SpecID = chunk.SpecID
		fixEvent.ChunkID = chunk.ID
		fixEvent.FixChunkID = fix.ID
		fixEvent.Message = fix.Title
		emit(fixEvent)

		return &Outcome{
			Status:       types.ChunkStatusCompleted,
			ReviewStatus: types.ReviewStatusNeedsFix,
			FixChunkID:   fix.ID,
		}, nil

	default: // fail
		return r.fail(chunk, emit, fmt.Sprintf("review rejected chunk: %s", verdict.Feedback))
	}
}

func (r *ChunkRunner) fail(chunk *types.Chunk, emit EmitFunc, msg string) (*Outcome, error) {
	now := time.Now()
	chunk.Status = types.ChunkStatusFailed
	chunk.Error = msg
	chunk.CompletedAt = &now
	// failure must be durable before the event; use a fresh context so
	// a cancelled run still records its failure
	if err := r.store.UpdateChunk(context.Background(), chunk); err != nil {
		return nil, fmt.Errorf("failed to persist chunk failure: %w", err)
	}

	event := types.NewEvent(types.EventError)
	event.SpecID = chunk.SpecID
	event.ChunkID = chunk.ID
	event.Message = msg
	emit(event)

	return &Outcome{Status: types.ChunkStatusFailed, Err: errors.New(msg)}, nil
}

func (r *ChunkRunner) cancel(chunk *types.Chunk, emit EmitFunc) (*Outcome, error) {
	now := time.Now()
	chunk.Status = types.ChunkStatusCancelled
	chunk.CompletedAt = &now
	if err := r.store.UpdateChunk(context.Background(), chunk); err != nil {
		return nil, fmt.Errorf("failed to persist chunk cancellation: %w", err)
	}

	event := types.NewEvent(types.EventStopped)
	event.SpecID = chunk.SpecID
	event.ChunkID = chunk.ID
	event.Message = "Aborted by user"
	emit(event)

	return &Outcome{Status: types.ChunkStatusCancelled}, nil
}

func toolCallStatus(state agent.ToolCallState) types.ToolCallStatus {
	switch state {
	case agent.ToolCallStateCompleted:
		return types.ToolCallStatusCompleted
	case agent.ToolCallStateError:
		return types.ToolCallStatusError
	default:
		return types.ToolCallStatusRunning
	}
}

func summarize(output string) string {
	const max = 500
	if len(output) <= max {
		return output
	}
	return output[:max] + "…"
}
