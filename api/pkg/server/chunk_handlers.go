package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/specwright/specwright/api/pkg/scheduler"
	"github.com/specwright/specwright/api/pkg/system"
	"github.com/specwright/specwright/api/pkg/types"
)

func (apiServer *APIServer) createChunk(rw http.ResponseWriter, req *http.Request) {
	specID := mux.Vars(req)["id"]
	if _, err := apiServer.store.GetSpec(req.Context(), specID); err != nil {
		writeStoreError(rw, err)
		return
	}

	var chunk types.Chunk
	if err := json.NewDecoder(req.Body).Decode(&chunk); err != nil {
		system.WriteError(rw, system.NewHTTPError400("invalid request body"))
		return
	}
	if chunk.Title == "" {
		system.WriteError(rw, system.NewHTTPError400("title is required"))
		return
	}

	existing, err := apiServer.store.ChunksBySpec(req.Context(), specID)
	if err != nil {
		system.WriteError(rw, err)
		return
	}

	chunk.ID = system.GenerateChunkID()
	chunk.SpecID = specID
	chunk.Status = types.ChunkStatusPending
	if chunk.Order == 0 {
		// append to the end by default
		maxOrder := -1
		for _, c := range existing {
			if c.Order > maxOrder {
				maxOrder = c.Order
			}
		}
		chunk.Order = maxOrder + 1
	}

	created, err := apiServer.store.CreateChunk(req.Context(), &chunk)
	if err != nil {
		system.WriteError(rw, err)
		return
	}

	if len(chunk.Dependencies) > 0 {
		if err := apiServer.store.UpdateChunkDependencies(req.Context(), created.ID, chunk.Dependencies); err != nil {
			// roll the chunk back rather than leaving a half-created row
			_ = apiServer.store.DeleteChunk(req.Context(), created.ID)
			system.WriteError(rw, system.NewHTTPError400(err.Error()))
			return
		}
	}
	system.WriteJSON(rw, http.StatusCreated, created)
}

func (apiServer *APIServer) listChunks(rw http.ResponseWriter, req *http.Request) {
	specID := mux.Vars(req)["id"]
	if _, err := apiServer.store.GetSpec(req.Context(), specID); err != nil {
		writeStoreError(rw, err)
		return
	}
	chunks, err := apiServer.store.ChunksBySpec(req.Context(), specID)
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, chunks)
}

// ChunkGraphResponse is the dependency DAG arranged for display.
type ChunkGraphResponse struct {
	Layers       [][]*types.Chunk `json:"layers"`
	CriticalPath []string         `json:"critical_path"`
}

func (apiServer *APIServer) getChunkGraph(rw http.ResponseWriter, req *http.Request) {
	specID := mux.Vars(req)["id"]
	if _, err := apiServer.store.GetSpec(req.Context(), specID); err != nil {
		writeStoreError(rw, err)
		return
	}
	chunks, err := apiServer.store.ChunksBySpec(req.Context(), specID)
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, &ChunkGraphResponse{
		Layers:       scheduler.Layers(chunks),
		CriticalPath: scheduler.CriticalPath(chunks),
	})
}

type reorderChunksRequest struct {
	ChunkIDs []string `json:"chunk_ids"`
}

func (apiServer *APIServer) reorderChunks(rw http.ResponseWriter, req *http.Request) {
	specID := mux.Vars(req)["id"]
	if _, err := apiServer.store.GetSpec(req.Context(), specID); err != nil {
		writeStoreError(rw, err)
		return
	}

	var body reorderChunksRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		system.WriteError(rw, system.NewHTTPError400("invalid request body"))
		return
	}
	if err := apiServer.store.ReorderChunks(req.Context(), specID, body.ChunkIDs); err != nil {
		system.WriteError(rw, system.NewHTTPError400(err.Error()))
		return
	}

	chunks, err := apiServer.store.ChunksBySpec(req.Context(), specID)
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, chunks)
}

func (apiServer *APIServer) getChunk(rw http.ResponseWriter, req *http.Request) {
	chunk, err := apiServer.store.GetChunk(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeStoreError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, chunk)
}

func (apiServer *APIServer) updateChunk(rw http.ResponseWriter, req *http.Request) {
	existing, err := apiServer.store.GetChunk(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeStoreError(rw, err)
		return
	}
	if existing.Status == types.ChunkStatusRunning {
		system.WriteError(rw, system.NewHTTPError409("chunk is running"))
		return
	}

	var update types.Chunk
	if err := json.NewDecoder(req.Body).Decode(&update); err != nil {
		system.WriteError(rw, system.NewHTTPError400("invalid request body"))
		return
	}
	if update.Title != "" {
		existing.Title = update.Title
	}
	if update.Description != "" {
		existing.Description = update.Description
	}
	if update.Status != "" {
		existing.Status = update.Status
	}

	if err := apiServer.store.UpdateChunk(req.Context(), existing); err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, existing)
}

func (apiServer *APIServer) deleteChunk(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	chunk, err := apiServer.store.GetChunk(req.Context(), id)
	if err != nil {
		writeStoreError(rw, err)
		return
	}
	if chunk.Status == types.ChunkStatusRunning {
		system.WriteError(rw, system.NewHTTPError409("chunk is running"))
		return
	}
	if err := apiServer.store.DeleteChunk(req.Context(), id); err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, map[string]string{"id": id})
}

type dependenciesRequest struct {
	Dependencies []string `json:"dependencies"`
}

func (apiServer *APIServer) updateChunkDependencies(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	chunk, err := apiServer.store.GetChunk(req.Context(), id)
	if err != nil {
		writeStoreError(rw, err)
		return
	}

	var body dependenciesRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		system.WriteError(rw, system.NewHTTPError400("invalid request body"))
		return
	}
	// a cycle or an unknown reference rejects the whole assignment
	if err := apiServer.store.UpdateChunkDependencies(req.Context(), id, body.Dependencies); err != nil {
		system.WriteError(rw, system.NewHTTPError400(err.Error()))
		return
	}

	chunk, err = apiServer.store.GetChunk(req.Context(), chunk.ID)
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, chunk)
}

func (apiServer *APIServer) listToolCalls(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if _, err := apiServer.store.GetChunk(req.Context(), id); err != nil {
		writeStoreError(rw, err)
		return
	}
	calls, err := apiServer.store.ListToolCalls(req.Context(), id)
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, calls)
}
