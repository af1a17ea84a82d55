// Package janitor reclaims worktrees left behind by finished specs. A
// worktree is stale when it has seen no activity for the configured
// number of days; worktrees for merged PRs are reclaimed automatically,
// stale ones only on a forced sweep so a long-lived review branch is
// never yanked out from under its author.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"

	"github.com/specwright/specwright/api/pkg/config"
	"github.com/specwright/specwright/api/pkg/gitops"
	"github.com/specwright/specwright/api/pkg/session"
	"github.com/specwright/specwright/api/pkg/store"
	"github.com/specwright/specwright/api/pkg/types"
)

type Janitor struct {
	store    store.Store
	git      *gitops.GitOps
	sessions *session.Manager
	cfg      config.Janitor
	cron     gocron.Scheduler
}

func New(s store.Store, git *gitops.GitOps, sessions *session.Manager, cfg config.Janitor) (*Janitor, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Janitor{
		store:    s,
		git:      git,
		sessions: sessions,
		cfg:      cfg,
		cron:     cron,
	}, nil
}

// Start schedules the periodic sweep and returns immediately.
func (j *Janitor) Start(ctx context.Context) error {
	_, err := j.cron.NewJob(
		gocron.DurationJob(j.cfg.Interval),
		gocron.NewTask(func() {
			result := j.Cleanup(ctx, false)
			log.Info().
				Int("cleaned", result.Cleaned).
				Int("stale", result.Stale).
				Int("errors", len(result.Errors)).
				Msg("janitor sweep finished")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule janitor job: %w", err)
	}
	j.cron.Start()
	return nil
}

func (j *Janitor) Stop() error {
	return j.cron.Shutdown()
}

// ListStale returns specs whose worktree has been idle past the
// configured threshold. Specs with a live session are never stale, and
// neither are merged ones; Cleanup reclaims those outright.
func (j *Janitor) ListStale(ctx context.Context) ([]*types.Spec, error) {
	specs, err := j.store.ListSpecsWithWorktrees(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().AddDate(0, 0, -j.cfg.MaxIdleDays)
	var stale []*types.Spec
	for _, spec := range specs {
		if j.sessions.Active(spec.ID) {
			continue
		}
		if spec.PRMerged {
			continue
		}
		last := spec.WorktreeLastActivity
		if last == nil {
			last = spec.WorktreeCreatedAt
		}
		if last != nil && last.Before(cutoff) {
			stale = append(stale, spec)
		}
	}
	return stale, nil
}

// CleanupResult reports one sweep. Stale counts worktrees that were
// left in place because the sweep was not forced.
type CleanupResult struct {
	Cleaned int      `json:"cleaned"`
	Stale   int      `json:"stale"`
	Errors  []string `json:"errors,omitempty"`
}

// Cleanup reclaims worktrees for merged PRs, and stale worktrees too
// when force is set.
func (j *Janitor) Cleanup(ctx context.Context, force bool) *CleanupResult {
	result := &CleanupResult{}

	specs, err := j.store.ListSpecsWithWorktrees(ctx)
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	cutoff := time.Now().AddDate(0, 0, -j.cfg.MaxIdleDays)
	for _, spec := range specs {
		if j.sessions.Active(spec.ID) {
			continue
		}

		if j.refreshMergeState(ctx, spec) {
			if err := j.reclaim(ctx, spec); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", spec.ID, err))
				continue
			}
			result.Cleaned++
			continue
		}

		last := spec.WorktreeLastActivity
		if last == nil {
			last = spec.WorktreeCreatedAt
		}
		if last == nil || !last.Before(cutoff) {
			continue
		}

		if !force {
			result.Stale++
			continue
		}
		if err := j.reclaim(ctx, spec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", spec.ID, err))
			continue
		}
		result.Cleaned++
	}
	return result
}

// Delete reclaims one spec's worktree regardless of age or PR state.
func (j *Janitor) Delete(ctx context.Context, specID string) error {
	spec, err := j.store.GetSpec(ctx, specID)
	if err != nil {
		return err
	}
	if spec.WorktreePath == "" {
		return nil
	}
	if j.sessions.Active(spec.ID) {
		return fmt.Errorf("spec %s has an active session", spec.ID)
	}
	j.refreshMergeState(ctx, spec)
	return j.reclaim(ctx, spec)
}

// refreshMergeState polls the PR once and records a merge. Reports
// whether the spec's PR is known to be merged.
func (j *Janitor) refreshMergeState(ctx context.Context, spec *types.Spec) bool {
	if spec.PRMerged {
		return true
	}
	if spec.PRNumber == 0 || !j.git.GHAvailable(ctx) {
		return false
	}
	project, err := j.store.GetProject(ctx, spec.ProjectID)
	if err != nil {
		return false
	}
	if !j.git.PRMerged(ctx, project.Directory, spec.PRNumber) {
		return false
	}
	spec.PRMerged = true
	spec.Status = types.SpecStatusMerged
	if err := j.store.UpdateSpec(ctx, spec); err != nil {
		log.Error().Err(err).Str("spec_id", spec.ID).Msg("failed to record merged PR")
	}
	return true
}

func (j *Janitor) reclaim(ctx context.Context, spec *types.Spec) error {
	project, err := j.store.GetProject(ctx, spec.ProjectID)
	if err != nil {
		return err
	}
	if err := j.git.RemoveWorktree(ctx, project.Directory, spec.WorktreePath); err != nil {
		return err
	}

	log.Info().
		Str("spec_id", spec.ID).
		Str("path", spec.WorktreePath).
		Msg("reclaimed worktree")

	spec.WorktreePath = ""
	spec.WorktreeCreatedAt = nil
	spec.WorktreeLastActivity = nil
	return j.store.UpdateSpec(ctx, spec)
}
