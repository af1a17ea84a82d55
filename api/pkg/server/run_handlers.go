package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/specwright/specwright/api/pkg/session"
	"github.com/specwright/specwright/api/pkg/system"
	"github.com/specwright/specwright/api/pkg/types"
)

// writeSSE streams events from ch until it closes or the client goes
// away. The producer is never cancelled by a disconnect; its emitter
// just starts dropping.
func writeSSE(rw http.ResponseWriter, req *http.Request, ch <-chan types.Event) {
	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)

	flusher, ok := rw.(http.Flusher)
	if !ok {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				log.Error().Err(err).Msg("failed to marshal sse event")
				continue
			}
			if _, err := fmt.Fprintf(rw, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (apiServer *APIServer) runAll(rw http.ResponseWriter, req *http.Request) {
	specID := mux.Vars(req)["id"]
	sess, err := apiServer.sessions.StartRunAll(req.Context(), specID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSessionActive):
			system.WriteError(rw, system.NewHTTPError409(err.Error()))
		case errors.Is(err, session.ErrNoRunnableChunks):
			system.WriteError(rw, system.NewHTTPError400(err.Error()))
		default:
			writeStoreError(rw, err)
		}
		return
	}
	writeSSE(rw, req, sess.Events())
}

func (apiServer *APIServer) abortRun(rw http.ResponseWriter, req *http.Request) {
	specID := mux.Vars(req)["id"]
	if !apiServer.sessions.Abort(specID) {
		system.WriteError(rw, system.NewHTTPError404("no active run for spec"))
		return
	}
	system.WriteJSON(rw, http.StatusOK, map[string]string{"spec_id": specID, "status": "aborting"})
}

// runChunk executes a single chunk outside a run-all session, streaming
// its events. No commit is made; single-chunk runs are for iterating on
// one piece of work.
func (apiServer *APIServer) runChunk(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	chunk, err := apiServer.store.GetChunk(req.Context(), id)
	if err != nil {
		writeStoreError(rw, err)
		return
	}
	if chunk.Status == types.ChunkStatusRunning {
		system.WriteError(rw, system.NewHTTPError409("chunk is already running"))
		return
	}
	if apiServer.sessions.Active(chunk.SpecID) {
		system.WriteError(rw, system.NewHTTPError409("spec has an active run-all session"))
		return
	}

	spec, err := apiServer.store.GetSpec(req.Context(), chunk.SpecID)
	if err != nil {
		writeStoreError(rw, err)
		return
	}

	// dependencies gate single runs too
	siblings, err := apiServer.store.ChunksBySpec(req.Context(), chunk.SpecID)
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	byID := make(map[string]*types.Chunk, len(siblings))
	for _, c := range siblings {
		byID[c.ID] = c
	}
	for _, dep := range chunk.Dependencies {
		if d, ok := byID[dep]; !ok || d.Status != types.ChunkStatusCompleted {
			system.WriteError(rw, system.NewHTTPError400(fmt.Sprintf("dependency %s is not completed", dep)))
			return
		}
	}

	workDir, err := apiServer.chunkWorkDir(req.Context(), spec)
	if err != nil {
		system.WriteError(rw, system.NewHTTPError400(err.Error()))
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if _, loaded := apiServer.chunkRuns.LoadOrStore(chunk.ID, cancel); loaded {
		cancel()
		system.WriteError(rw, system.NewHTTPError409("chunk is already running"))
		return
	}

	emitter := session.NewEmitter(0)
	go func() {
		defer apiServer.chunkRuns.Delete(chunk.ID)
		defer cancel()
		defer emitter.Close()
		if _, err := apiServer.runner.Run(runCtx, chunk, workDir, emitter.Emit); err != nil {
			log.Error().Err(err).Str("chunk_id", chunk.ID).Msg("single chunk run failed")
		}
	}()

	writeSSE(rw, req, emitter.Events())
}

func (apiServer *APIServer) abortChunk(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	cancel, ok := apiServer.chunkRuns.Load(id)
	if !ok {
		system.WriteError(rw, system.NewHTTPError404("chunk is not running"))
		return
	}
	cancel()
	system.WriteJSON(rw, http.StatusOK, map[string]string{"chunk_id": id, "status": "aborting"})
}

func (apiServer *APIServer) chunkWorkDir(ctx context.Context, spec *types.Spec) (string, error) {
	if spec.WorktreePath != "" {
		if _, err := os.Stat(spec.WorktreePath); err == nil {
			return spec.WorktreePath, nil
		}
	}
	project, err := apiServer.store.GetProject(ctx, spec.ProjectID)
	if err != nil {
		return "", err
	}
	return project.Directory, nil
}
