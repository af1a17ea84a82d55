// Package server exposes the HTTP API: project / spec / chunk CRUD,
// live run-all streams, the background worker pool and the worktree
// janitor. Run streams and the workers dashboard stream are SSE.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/specwright/specwright/api/pkg/config"
	"github.com/specwright/specwright/api/pkg/gitops"
	"github.com/specwright/specwright/api/pkg/janitor"
	"github.com/specwright/specwright/api/pkg/pubsub"
	"github.com/specwright/specwright/api/pkg/runner"
	"github.com/specwright/specwright/api/pkg/session"
	"github.com/specwright/specwright/api/pkg/store"
	"github.com/specwright/specwright/api/pkg/system"
	"github.com/specwright/specwright/api/pkg/worker"
)

type APIServer struct {
	cfg      *config.ServerConfig
	store    store.Store
	git      *gitops.GitOps
	runner   *runner.ChunkRunner
	sessions *session.Manager
	pool     *worker.Pool
	janitor  *janitor.Janitor
	pubsub   pubsub.PubSub

	// chunkRuns tracks cancel hooks for standalone single-chunk runs
	chunkRuns *xsync.MapOf[string, context.CancelFunc]
}

func NewAPIServer(
	cfg *config.ServerConfig,
	s store.Store,
	git *gitops.GitOps,
	chunkRunner *runner.ChunkRunner,
	sessions *session.Manager,
	pool *worker.Pool,
	jan *janitor.Janitor,
	ps pubsub.PubSub,
) *APIServer {
	return &APIServer{
		cfg:       cfg,
		store:     s,
		git:       git,
		runner:    chunkRunner,
		sessions:  sessions,
		pool:      pool,
		janitor:   jan,
		pubsub:    ps,
		chunkRuns: xsync.NewMapOf[string, context.CancelFunc](),
	}
}

func (apiServer *APIServer) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", apiServer.cfg.WebServer.Host, apiServer.cfg.WebServer.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           apiServer.router(),
		ReadHeaderTimeout: 10 * time.Second,
		// no write timeout: SSE streams stay open for the whole run
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}()

	log.Info().Str("addr", addr).Msg("api server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (apiServer *APIServer) router() http.Handler {
	router := mux.NewRouter()
	subRouter := router.PathPrefix(system.APISubPath).Subrouter()
	subRouter.Use(loggingMiddleware)

	subRouter.HandleFunc("/status", apiServer.status).Methods(http.MethodGet)

	// projects
	subRouter.HandleFunc("/projects", apiServer.createProject).Methods(http.MethodPost)
	subRouter.HandleFunc("/projects", apiServer.listProjects).Methods(http.MethodGet)
	subRouter.HandleFunc("/projects/{id}", apiServer.getProject).Methods(http.MethodGet)
	subRouter.HandleFunc("/projects/{id}", apiServer.updateProject).Methods(http.MethodPut)
	subRouter.HandleFunc("/projects/{id}", apiServer.deleteProject).Methods(http.MethodDelete)
	subRouter.HandleFunc("/projects/{id}/specs", apiServer.createSpec).Methods(http.MethodPost)
	subRouter.HandleFunc("/projects/{id}/specs", apiServer.listSpecs).Methods(http.MethodGet)

	// specs
	subRouter.HandleFunc("/specs/{id}", apiServer.getSpec).Methods(http.MethodGet)
	subRouter.HandleFunc("/specs/{id}", apiServer.updateSpec).Methods(http.MethodPut)
	subRouter.HandleFunc("/specs/{id}", apiServer.deleteSpec).Methods(http.MethodDelete)
	subRouter.HandleFunc("/specs/{id}/chunks", apiServer.createChunk).Methods(http.MethodPost)
	subRouter.HandleFunc("/specs/{id}/chunks", apiServer.listChunks).Methods(http.MethodGet)
	subRouter.HandleFunc("/specs/{id}/chunks/graph", apiServer.getChunkGraph).Methods(http.MethodGet)
	subRouter.HandleFunc("/specs/{id}/chunks/reorder", apiServer.reorderChunks).Methods(http.MethodPost)
	subRouter.HandleFunc("/specs/{id}/wizard", apiServer.getWizardState).Methods(http.MethodGet)
	subRouter.HandleFunc("/specs/{id}/wizard", apiServer.setWizardState).Methods(http.MethodPut)
	subRouter.HandleFunc("/specs/{id}/wizard", apiServer.deleteWizardState).Methods(http.MethodDelete)

	// run-all
	subRouter.HandleFunc("/specs/{id}/run-all", apiServer.runAll).Methods(http.MethodPost)
	subRouter.HandleFunc("/specs/{id}/run-all/abort", apiServer.abortRun).Methods(http.MethodPost)

	// chunks
	subRouter.HandleFunc("/chunks/{id}", apiServer.getChunk).Methods(http.MethodGet)
	subRouter.HandleFunc("/chunks/{id}", apiServer.updateChunk).Methods(http.MethodPut)
	subRouter.HandleFunc("/chunks/{id}", apiServer.deleteChunk).Methods(http.MethodDelete)
	subRouter.HandleFunc("/chunks/{id}/dependencies", apiServer.updateChunkDependencies).Methods(http.MethodPut)
	subRouter.HandleFunc("/chunks/{id}/tool-calls", apiServer.listToolCalls).Methods(http.MethodGet)
	subRouter.HandleFunc("/chunks/{id}/run", apiServer.runChunk).Methods(http.MethodPost)
	subRouter.HandleFunc("/chunks/{id}/abort", apiServer.abortChunk).Methods(http.MethodPost)

	// workers + queue
	subRouter.HandleFunc("/workers", apiServer.startWorker).Methods(http.MethodPost)
	subRouter.HandleFunc("/workers", apiServer.listWorkers).Methods(http.MethodGet)
	subRouter.HandleFunc("/workers/events", apiServer.workerEvents).Methods(http.MethodGet)
	subRouter.HandleFunc("/workers/{id}", apiServer.getWorker).Methods(http.MethodGet)
	subRouter.HandleFunc("/workers/{id}/pause", apiServer.pauseWorker).Methods(http.MethodPost)
	subRouter.HandleFunc("/workers/{id}/resume", apiServer.resumeWorker).Methods(http.MethodPost)
	subRouter.HandleFunc("/workers/{id}/stop", apiServer.stopWorker).Methods(http.MethodPost)
	subRouter.HandleFunc("/queue", apiServer.addToQueue).Methods(http.MethodPost)
	subRouter.HandleFunc("/queue", apiServer.listQueue).Methods(http.MethodGet)
	subRouter.HandleFunc("/queue/reorder", apiServer.reorderQueue).Methods(http.MethodPost)
	subRouter.HandleFunc("/queue/{id}", apiServer.removeFromQueue).Methods(http.MethodDelete)

	// worktrees
	subRouter.HandleFunc("/worktrees/stale", apiServer.listStaleWorktrees).Methods(http.MethodGet)
	subRouter.HandleFunc("/worktrees/cleanup", apiServer.cleanupWorktrees).Methods(http.MethodPost)
	subRouter.HandleFunc("/worktrees/{spec_id}", apiServer.deleteWorktree).Methods(http.MethodDelete)

	return router
}

func (apiServer *APIServer) status(rw http.ResponseWriter, _ *http.Request) {
	system.WriteJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		started := time.Now()
		next.ServeHTTP(rw, req)
		log.Debug().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Dur("duration", time.Since(started)).
			Msg("request")
	})
}
