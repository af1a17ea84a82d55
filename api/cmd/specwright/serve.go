package specwright

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/specwright/specwright/api/pkg/agent"
	"github.com/specwright/specwright/api/pkg/config"
	"github.com/specwright/specwright/api/pkg/gitops"
	"github.com/specwright/specwright/api/pkg/janitor"
	"github.com/specwright/specwright/api/pkg/pubsub"
	"github.com/specwright/specwright/api/pkg/runner"
	"github.com/specwright/specwright/api/pkg/server"
	"github.com/specwright/specwright/api/pkg/session"
	"github.com/specwright/specwright/api/pkg/store"
	"github.com/specwright/specwright/api/pkg/worker"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the specwright api server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("failed to load server config: %w", err)
			}
			return serve(cmd.Context(), &cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.ServerConfig) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dataDir := cfg.Store.ResolvedDataDir()

	sqliteStore, err := store.NewSQLiteStore(store.StoreOptions{
		DataDir:     dataDir,
		AutoMigrate: cfg.Store.AutoMigrate,
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	// a previous process may have died mid-run; its workers are not
	// coming back
	failed, err := sqliteStore.FailActiveWorkers(ctx, "server restarted")
	if err != nil {
		return fmt.Errorf("failed to reconcile workers: %w", err)
	}
	if failed > 0 {
		log.Warn().Int("count", failed).Msg("failed workers left over from previous run")
	}

	ps, err := pubsub.NewInMemoryNats()
	if err != nil {
		return fmt.Errorf("failed to start pubsub: %w", err)
	}
	defer ps.Close()

	git := gitops.New(dataDir)

	executor := agent.NewOpencodeExecutor(cfg.Executor.URL, cfg.Executor.Model)
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := executor.Health(healthCtx); err != nil {
		log.Warn().Err(err).
			Str("url", cfg.Executor.URL).
			Msg("executor is not reachable, runs will fail until it is")
	}
	cancel()

	reviewer := agent.NewCLIReviewer(cfg.Reviewer.Command, cfg.Reviewer.Timeout, agent.RetryOptions{
		MaxRetries: cfg.Reviewer.MaxRetries,
		BackoffMs:  cfg.Reviewer.BackoffMs,
	})

	chunkRunner := runner.New(sqliteStore, executor, reviewer, runner.Config{
		ExecuteTimeout:     cfg.Executor.ExecuteTimeout,
		ParseFailurePolicy: agent.ParseFailurePolicy(cfg.Reviewer.ParseFailurePolicy),
		ExecutorModel:      cfg.Executor.Model,
	})

	sessions := session.NewManager(sqliteStore, git, chunkRunner, ps, session.ManagerConfig{
		GitHubEnabled: cfg.GitHub.Enabled,
		PRBase:        cfg.GitHub.PRBase,
	})

	pool := worker.NewPool(sqliteStore, sessions, ps, cfg.Workers.MaxWorkers)
	// drain anything queued before the restart
	pool.Promote(ctx)

	jan, err := janitor.New(sqliteStore, git, sessions, cfg.Janitor)
	if err != nil {
		return fmt.Errorf("failed to create janitor: %w", err)
	}
	if err := jan.Start(ctx); err != nil {
		return fmt.Errorf("failed to start janitor: %w", err)
	}
	defer func() {
		if err := jan.Stop(); err != nil {
			log.Error().Err(err).Msg("failed to stop janitor")
		}
	}()

	apiServer := server.NewAPIServer(cfg, sqliteStore, git, chunkRunner, sessions, pool, jan, ps)
	return apiServer.ListenAndServe(ctx)
}
