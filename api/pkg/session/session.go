// Package session drives a run-all over one spec: git setup, sequential
// dispatch of ready chunks, review-driven fix execution, commits, and
// the final push / PR step. A session owns its event stream and tears it
// down when the run ends.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/specwright/specwright/api/pkg/gitops"
	"github.com/specwright/specwright/api/pkg/pubsub"
	"github.com/specwright/specwright/api/pkg/runner"
	"github.com/specwright/specwright/api/pkg/scheduler"
	"github.com/specwright/specwright/api/pkg/store"
	"github.com/specwright/specwright/api/pkg/types"
)

// Summary reports how a finished run went. Passed and Failed count
// regular chunks; Fixes counts fix chunks that were executed.
type Summary struct {
	Passed  int
	Failed  int
	Fixes   int
	Aborted bool
	PRURL   string
}

// RunSession is one live run-all. The abort flag is the only piece of
// session state not reconstructible from the store; it is checked at
// chunk boundaries, so the in-flight chunk always finishes (or is
// cancelled explicitly via Stop).
type RunSession struct {
	spec    *types.Spec
	store   store.Store
	git     *gitops.GitOps
	runner  *runner.ChunkRunner
	bus     pubsub.Publisher
	cfg     ManagerConfig
	emitter *Emitter

	abort atomic.Bool

	mu            sync.Mutex
	cancelCurrent context.CancelFunc
	pauseCh       chan struct{} // non-nil while paused

	workDir       string
	gitEnabled    bool
	usingWorktree bool

	summary Summary
	failure string // reason the loop stopped, set on the first failure
	done    chan struct{}
}

func newRunSession(spec *types.Spec, s store.Store, git *gitops.GitOps, chunkRunner *runner.ChunkRunner, bus pubsub.Publisher, cfg ManagerConfig) *RunSession {
	return &RunSession{
		spec:    spec,
		store:   s,
		git:     git,
		runner:  chunkRunner,
		bus:     bus,
		cfg:     cfg,
		emitter: NewEmitter(0),
		done:    make(chan struct{}),
	}
}

// Events is the session's live stream; it closes when the run ends.
// There is exactly one consumer per session (either an SSE handler or a
// background worker).
func (s *RunSession) Events() <-chan types.Event {
	return s.emitter.Events()
}

// Done closes when the run has fully torn down.
func (s *RunSession) Done() <-chan struct{} {
	return s.done
}

// Summary is valid once Done is closed.
func (s *RunSession) Summary() Summary {
	return s.summary
}

// Abort requests a graceful stop at the next chunk boundary.
func (s *RunSession) Abort() {
	s.abort.Store(true)
}

// Stop aborts and cancels the in-flight chunk, if any.
func (s *RunSession) Stop() {
	s.abort.Store(true)
	s.Resume()
	s.mu.Lock()
	cancel := s.cancelCurrent
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pause holds the session at the next chunk boundary. The in-flight
// chunk always finishes; pausing never interrupts the executor.
func (s *RunSession) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pauseCh == nil {
		s.pauseCh = make(chan struct{})
	}
}

// Resume releases a paused session; a no-op when not paused.
func (s *RunSession) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pauseCh != nil {
		close(s.pauseCh)
		s.pauseCh = nil
	}
}

// waitIfPaused blocks at a chunk boundary while the session is paused.
// Abort still wins; the poll keeps a paused session responsive to it.
func (s *RunSession) waitIfPaused() {
	for {
		s.mu.Lock()
		ch := s.pauseCh
		s.mu.Unlock()
		if ch == nil || s.abort.Load() {
			return
		}
		select {
		case <-ch:
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// emit feeds the session's own stream and mirrors the event onto the
// spec's bus topic for out-of-process subscribers.
func (s *RunSession) emit(event types.Event) {
	event.SpecID = s.spec.ID
	s.emitter.Emit(event)
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("spec_id", s.spec.ID).Msg("failed to marshal session event")
		return
	}
	if err := s.bus.Publish(context.Background(), pubsub.SpecTopic(s.spec.ID), payload); err != nil {
		log.Warn().Err(err).Str("spec_id", s.spec.ID).Msg("failed to publish session event")
	}
}

// run executes the whole session on a background context: a subscriber
// disconnecting must never cancel the run.
func (s *RunSession) run() {
	defer close(s.done)
	defer s.emitter.Close()

	ctx := context.Background()

	log.Info().
		Str("spec_id", s.spec.ID).
		Str("title", s.spec.Title).
		Msg("run-all session starting")

	project, err := s.store.GetProject(ctx, s.spec.ProjectID)
	if err != nil {
		s.emitError(fmt.Sprintf("failed to load project: %s", err))
		return
	}
	if err := gitops.ValidatePath(project.Directory); err != nil {
		s.emitError(err.Error())
		return
	}

	if err := s.setupGit(ctx, project); err != nil {
		s.emitError(err.Error())
		return
	}

	s.spec.Status = types.SpecStatusRunning
	if err := s.store.UpdateSpec(ctx, s.spec); err != nil {
		s.emitError(fmt.Sprintf("failed to mark spec running: %s", err))
		return
	}

	aborted := s.loop(ctx)
	s.finalize(ctx, aborted)
	s.teardown(ctx)
}

// setupGit picks the working directory via a fallback ladder: reuse the
// spec's recorded worktree, create a fresh worktree, branch in place in
// the project directory, or run without git at all.
func (s *RunSession) setupGit(ctx context.Context, project *types.Project) error {
	s.workDir = project.Directory
	now := time.Now()

	if !s.git.IsGitRepo(ctx, project.Directory) {
		event := types.NewEvent(types.EventWorktreeDisabled)
		event.Message = "project directory is not a git repository, running without version control"
		s.emit(event)
		return nil
	}
	s.gitEnabled = true

	if s.spec.WorktreePath != "" {
		if _, err := os.Stat(s.spec.WorktreePath); err == nil {
			if err := gitops.ValidatePath(s.spec.WorktreePath); err != nil {
				return err
			}
			s.workDir = s.spec.WorktreePath
			s.usingWorktree = true
			s.spec.WorktreeLastActivity = &now
			if err := s.store.UpdateSpec(ctx, s.spec); err != nil {
				return fmt.Errorf("failed to touch worktree activity: %w", err)
			}
			event := types.NewEvent(types.EventWorktreeReused)
			event.WorktreePath = s.workDir
			s.emit(event)
			return nil
		}
		// the recorded worktree is gone; fall through and recreate
		log.Warn().
			Str("spec_id", s.spec.ID).
			Str("path", s.spec.WorktreePath).
			Msg("recorded worktree missing, creating a new one")
	}

	branch := s.spec.BranchName
	if branch == "" {
		branch = gitops.GenerateBranchName(s.spec.Title)
	}

	path, err := s.git.CreateWorktree(ctx, project.Directory, s.spec.ID, branch)
	if err == nil {
		s.workDir = path
		s.usingWorktree = true
		s.spec.BranchName = branch
		s.spec.WorktreePath = path
		s.spec.WorktreeCreatedAt = &now
		s.spec.WorktreeLastActivity = &now
		if err := s.store.UpdateSpec(ctx, s.spec); err != nil {
			return fmt.Errorf("failed to record worktree: %w", err)
		}
		event := types.NewEvent(types.EventWorktreeCreated)
		event.WorktreePath = path
		event.Message = branch
		s.emit(event)
		return nil
	}
	log.Warn().Err(err).
		Str("spec_id", s.spec.ID).
		Msg("worktree creation failed, branching in place")

	original, berr := s.git.CurrentBranch(ctx, project.Directory)
	if berr != nil {
		return fmt.Errorf("failed to read current branch: %w", berr)
	}
	if cerr := s.git.CreateBranch(ctx, project.Directory, branch, ""); cerr != nil {
		var branchErr *gitops.BranchError
		if errors.As(cerr, &branchErr) && branchErr.Kind == gitops.BranchErrExists {
			if coErr := s.git.Checkout(ctx, project.Directory, branch); coErr != nil {
				return fmt.Errorf("failed to checkout existing branch %s: %w", branch, coErr)
			}
		} else {
			// dirty tree or worse; run without git rather than losing
			// the user's uncommitted work
			log.Warn().Err(cerr).
				Str("spec_id", s.spec.ID).
				Msg("in-place branch failed, running without version control")
			s.gitEnabled = false
			event := types.NewEvent(types.EventWorktreeDisabled)
			event.Message = cerr.Error()
			s.emit(event)
			return nil
		}
	}
	s.spec.BranchName = branch
	s.spec.OriginalBranch = original
	if err := s.store.UpdateSpec(ctx, s.spec); err != nil {
		return fmt.Errorf("failed to record branch: %w", err)
	}
	return nil
}

// loop dispatches ready chunks until the graph is done, a chunk fails,
// or the run is aborted. Dispatch is sequential: the working tree is
// the shared medium, two agents editing it at once would corrupt each
// other's work.
func (s *RunSession) loop(ctx context.Context) (aborted bool) {
	completed := map[string]bool{}
	failed := map[string]bool{}

	chunks, err := s.store.ChunksBySpec(ctx, s.spec.ID)
	if err != nil {
		s.emitError(fmt.Sprintf("failed to load chunks: %s", err))
		return false
	}
	// resume: chunks already completed in earlier runs stay done
	for _, chunk := range chunks {
		if chunk.Status == types.ChunkStatusCompleted {
			completed[chunk.ID] = true
		}
	}

	for {
		if s.abort.Load() {
			return true
		}

		// reload each tick: a needs_fix review inserts a fix chunk
		// mid-run, and dependency edits land between ticks
		chunks, err = s.store.ChunksBySpec(ctx, s.spec.ID)
		if err != nil {
			s.emitError(fmt.Sprintf("failed to load chunks: %s", err))
			return false
		}

		ready := scheduler.Ready(chunks, completed, nil, failed)
		if len(ready) == 0 {
			return false
		}

		for _, chunk := range ready {
			s.waitIfPaused()
			if s.abort.Load() {
				return true
			}
			disposition := s.runPipeline(ctx, chunk, completed, failed)
			switch disposition {
			case dispositionCancelled:
				return true
			case dispositionFailed, dispositionGitFatal:
				// the working tree was just reset; nothing further may
				// build on it, so the run stops here
				return false
			}
		}
	}
}

type disposition int

const (
	dispositionPassed disposition = iota
	dispositionFailed
	dispositionCancelled
	// a commit failure means the working tree can no longer be trusted;
	// the session ends instead of piling more chunks onto it
	dispositionGitFatal
)

// runPipeline takes one chunk through execute, review, an immediate fix
// chunk if the review demands one, and the commit. Fix work rides on
// top of the parent's uncommitted changes, so a failed fix resets both.
func (s *RunSession) runPipeline(ctx context.Context, chunk *types.Chunk, completed, failed map[string]bool) disposition {
	outcome := s.runOne(ctx, chunk)

	switch outcome.Status {
	case types.ChunkStatusCancelled:
		return dispositionCancelled

	case types.ChunkStatusFailed:
		failed[chunk.ID] = true
		s.summary.Failed++
		s.failure = failureMessage(chunk, outcome)
		s.discardWorkingChanges(ctx)
		return dispositionFailed
	}

	if outcome.FixChunkID != "" {
		fix, err := s.store.GetChunk(ctx, outcome.FixChunkID)
		if err != nil {
			s.emitError(fmt.Sprintf("failed to load fix chunk: %s", err))
			failed[chunk.ID] = true
			s.summary.Failed++
			s.failure = fmt.Sprintf("failed to load fix chunk for %q: %s", chunk.Title, err)
			s.discardWorkingChanges(ctx)
			return dispositionFailed
		}

		s.summary.Fixes++
		fixOutcome := s.runOne(ctx, fix)
		switch fixOutcome.Status {
		case types.ChunkStatusCancelled:
			return dispositionCancelled
		case types.ChunkStatusFailed:
			// the parent's work is uncommitted and about to be reset,
			// so the parent has not landed either
			s.revertToFailed(ctx, chunk, "fix chunk failed, work discarded")
			failed[chunk.ID] = true
			failed[fix.ID] = true
			s.summary.Failed++
			s.failure = failureMessage(fix, fixOutcome)
			s.discardWorkingChanges(ctx)
			return dispositionFailed
		}

		if !s.commitChunk(ctx, fix, fmt.Sprintf("fix: %s", fix.Title)) {
			s.revertToFailed(ctx, chunk, "commit failed, work discarded")
			s.revertToFailed(ctx, fix, "commit failed, work discarded")
			failed[chunk.ID] = true
			failed[fix.ID] = true
			s.summary.Failed++
			s.failure = fmt.Sprintf("commit failed for %q, work discarded", fix.Title)
			return dispositionGitFatal
		}
		completed[chunk.ID] = true
		completed[fix.ID] = true
		s.summary.Passed++
		return dispositionPassed
	}

	message := fmt.Sprintf("chunk %d: %s", chunk.Order, chunk.Title)
	if chunk.IsFixChunk() {
		message = fmt.Sprintf("fix: %s", chunk.Title)
	}
	if !s.commitChunk(ctx, chunk, message) {
		s.revertToFailed(ctx, chunk, "commit failed, work discarded")
		failed[chunk.ID] = true
		s.summary.Failed++
		s.failure = fmt.Sprintf("commit failed for %q, work discarded", chunk.Title)
		return dispositionGitFatal
	}
	completed[chunk.ID] = true
	if chunk.IsFixChunk() {
		// dispatched standalone (resume picked it up); its parent
		// already counted
		s.summary.Fixes++
	} else {
		s.summary.Passed++
	}
	return dispositionPassed
}

// runOne invokes the chunk runner with a cancel hook registered so Stop
// can interrupt mid-execution.
func (s *RunSession) runOne(ctx context.Context, chunk *types.Chunk) *runner.Outcome {
	chunkCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelCurrent = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancelCurrent = nil
		s.mu.Unlock()
		cancel()
	}()

	outcome, err := s.runner.Run(chunkCtx, chunk, s.workDir, s.emit)
	if err != nil {
		// runner-internal persistence failure; the chunk's state is
		// unknown, treat it as failed for this session
		log.Error().Err(err).
			Str("chunk_id", chunk.ID).
			Msg("chunk runner error")
		return &runner.Outcome{Status: types.ChunkStatusFailed, Err: err}
	}
	return outcome
}

// commitChunk commits the chunk's work and records the hash. A clean
// tree is benign; a git failure is not, and reports false.
func (s *RunSession) commitChunk(ctx context.Context, chunk *types.Chunk, message string) bool {
	if !s.gitEnabled {
		return true
	}

	result, err := s.git.Commit(ctx, s.workDir, message)
	if err != nil {
		log.Error().Err(err).
			Str("chunk_id", chunk.ID).
			Msg("commit failed")
		s.discardWorkingChanges(ctx)
		event := types.NewEvent(types.EventError)
		event.ChunkID = chunk.ID
		event.Message = fmt.Sprintf("commit failed: %s", err)
		s.emit(event)
		return false
	}

	if result.NoChanges {
		event := types.NewEvent(types.EventGitCommitSkipped)
		event.ChunkID = chunk.ID
		event.Message = "no changes to commit"
		s.emit(event)
		return true
	}

	chunk.CommitHash = result.Hash
	if err := s.store.UpdateChunk(ctx, chunk); err != nil {
		log.Error().Err(err).
			Str("chunk_id", chunk.ID).
			Msg("failed to record commit hash")
	}

	event := types.NewEvent(types.EventGitCommit)
	event.ChunkID = chunk.ID
	event.CommitHash = result.Hash
	event.FilesChanged = result.FilesChanged
	event.Message = message
	s.emit(event)
	return true
}

func (s *RunSession) discardWorkingChanges(ctx context.Context) {
	if !s.gitEnabled {
		return
	}
	if err := s.git.ResetHard(ctx, s.workDir); err != nil {
		log.Error().Err(err).
			Str("spec_id", s.spec.ID).
			Msg("failed to reset working tree")
	}
}

func failureMessage(chunk *types.Chunk, outcome *runner.Outcome) string {
	if outcome.Err != nil {
		return fmt.Sprintf("chunk %q failed: %s", chunk.Title, outcome.Err)
	}
	return fmt.Sprintf("chunk %q failed", chunk.Title)
}

func (s *RunSession) revertToFailed(ctx context.Context, chunk *types.Chunk, msg string) {
	chunk.Status = types.ChunkStatusFailed
	if chunk.Error == "" {
		chunk.Error = msg
	}
	if err := s.store.UpdateChunk(ctx, chunk); err != nil {
		log.Error().Err(err).
			Str("chunk_id", chunk.ID).
			Msg("failed to revert chunk to failed")
	}
}

// finalize settles the spec status. A run that stopped on a failure
// reports why via a stopped event; only a fully green run pushes the
// branch, opens a PR, and announces all_complete. Push and PR failures
// degrade softly; the local work is already committed.
func (s *RunSession) finalize(ctx context.Context, aborted bool) {
	if aborted {
		s.summary.Aborted = true
		// an aborted run leaves partial results behind to look at
		s.spec.Status = types.SpecStatusReview
		if err := s.store.UpdateSpec(ctx, s.spec); err != nil {
			log.Error().Err(err).Str("spec_id", s.spec.ID).Msg("failed to update spec status")
		}
		event := types.NewEvent(types.EventStopped)
		event.Message = "Aborted by user"
		s.emit(event)
		return
	}

	if s.summary.Failed > 0 {
		s.spec.Status = types.SpecStatusReview
		if err := s.store.UpdateSpec(ctx, s.spec); err != nil {
			log.Error().Err(err).Str("spec_id", s.spec.ID).Msg("failed to update spec status")
		}
		event := types.NewEvent(types.EventStopped)
		event.Message = s.failure
		event.Passed = s.summary.Passed
		event.Failed = s.summary.Failed
		event.Fixes = s.summary.Fixes
		s.emit(event)
		log.Info().
			Str("spec_id", s.spec.ID).
			Int("passed", s.summary.Passed).
			Int("failed", s.summary.Failed).
			Str("reason", s.failure).
			Msg("run-all session stopped on failure")
		return
	}

	s.spec.Status = types.SpecStatusCompleted

	if s.gitEnabled && s.cfg.GitHubEnabled && s.git.GHAvailable(ctx) {
		if err := s.git.PushBranch(ctx, s.workDir, s.spec.BranchName); err != nil {
			event := types.NewEvent(types.EventGitPushFailed)
			event.Message = err.Error()
			s.emit(event)
		} else if s.spec.PRURL == "" {
			pr, err := s.git.OpenPR(ctx, s.workDir, s.spec.Title, s.prBody(), s.cfg.PRBase)
			if err != nil {
				event := types.NewEvent(types.EventGitPushFailed)
				event.Message = err.Error()
				s.emit(event)
			} else {
				s.spec.PRURL = pr.URL
				s.spec.PRNumber = pr.Number
				s.summary.PRURL = pr.URL
			}
		}
	}

	if err := s.store.UpdateSpec(ctx, s.spec); err != nil {
		log.Error().Err(err).Str("spec_id", s.spec.ID).Msg("failed to update spec status")
	}

	event := types.NewEvent(types.EventAllComplete)
	event.Passed = s.summary.Passed
	event.Failed = s.summary.Failed
	event.Fixes = s.summary.Fixes
	event.PRURL = s.summary.PRURL
	s.emit(event)

	log.Info().
		Str("spec_id", s.spec.ID).
		Int("passed", s.summary.Passed).
		Int("failed", s.summary.Failed).
		Int("fixes", s.summary.Fixes).
		Msg("run-all session finished")
}

// teardown restores the project directory when the run branched in
// place, and touches worktree activity for the janitor.
func (s *RunSession) teardown(ctx context.Context) {
	now := time.Now()
	if s.usingWorktree {
		s.spec.WorktreeLastActivity = &now
		if err := s.store.UpdateSpec(ctx, s.spec); err != nil {
			log.Error().Err(err).Str("spec_id", s.spec.ID).Msg("failed to touch worktree activity")
		}
		return
	}
	if s.gitEnabled && s.spec.OriginalBranch != "" {
		if err := s.git.Checkout(ctx, s.workDir, s.spec.OriginalBranch); err != nil {
			log.Warn().Err(err).
				Str("spec_id", s.spec.ID).
				Str("branch", s.spec.OriginalBranch).
				Msg("failed to restore original branch")
		}
	}
}

func (s *RunSession) prBody() string {
	return fmt.Sprintf("Automated implementation of spec %q.\n\n%d chunks passed, %d fix chunks applied.", s.spec.Title, s.summary.Passed, s.summary.Fixes)
}

func (s *RunSession) emitError(msg string) {
	log.Error().Str("spec_id", s.spec.ID).Msg(msg)
	event := types.NewEvent(types.EventError)
	event.Message = msg
	s.emit(event)
}
