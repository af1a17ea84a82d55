package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/specwright/specwright/api/pkg/pubsub"
	"github.com/specwright/specwright/api/pkg/store"
	"github.com/specwright/specwright/api/pkg/system"
	"github.com/specwright/specwright/api/pkg/worker"
)

type startWorkerRequest struct {
	SpecID string `json:"spec_id"`
}

func (apiServer *APIServer) startWorker(rw http.ResponseWriter, req *http.Request) {
	var body startWorkerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		system.WriteError(rw, system.NewHTTPError400("invalid request body"))
		return
	}
	if body.SpecID == "" {
		system.WriteError(rw, system.NewHTTPError400("spec_id is required"))
		return
	}

	started, err := apiServer.pool.StartWorker(req.Context(), body.SpecID)
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrAtCapacity), errors.Is(err, worker.ErrWorkerActive):
			system.WriteError(rw, system.NewHTTPError409(err.Error()))
		default:
			writeStoreError(rw, err)
		}
		return
	}
	system.WriteJSON(rw, http.StatusCreated, started)
}

func (apiServer *APIServer) listWorkers(rw http.ResponseWriter, req *http.Request) {
	q := &store.ListWorkersQuery{
		SpecID:     req.URL.Query().Get("spec_id"),
		ActiveOnly: req.URL.Query().Get("active") == "true",
	}
	workers, err := apiServer.store.ListWorkers(req.Context(), q)
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, workers)
}

func (apiServer *APIServer) getWorker(rw http.ResponseWriter, req *http.Request) {
	w, err := apiServer.store.GetWorker(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeStoreError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, w)
}

func (apiServer *APIServer) pauseWorker(rw http.ResponseWriter, req *http.Request) {
	w, err := apiServer.pool.PauseWorker(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeStoreError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, w)
}

func (apiServer *APIServer) resumeWorker(rw http.ResponseWriter, req *http.Request) {
	w, err := apiServer.pool.ResumeWorker(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeStoreError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, w)
}

func (apiServer *APIServer) stopWorker(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := apiServer.pool.StopWorker(req.Context(), id); err != nil {
		writeStoreError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, map[string]string{"worker_id": id, "status": "stopping"})
}

// workerEvents is the dashboard stream: a snapshot frame with the
// current workers and queue, then every event published on the workers
// topic.
func (apiServer *APIServer) workerEvents(rw http.ResponseWriter, req *http.Request) {
	snapshot, err := apiServer.pool.Snapshot(req.Context())
	if err != nil {
		system.WriteError(rw, err)
		return
	}

	rw.Header().Set("Content-Type", "text/event-stream")
	rw.Header().Set("Cache-Control", "no-cache")
	rw.Header().Set("Connection", "keep-alive")
	rw.WriteHeader(http.StatusOK)

	flusher, ok := rw.(http.Flusher)
	if !ok {
		return
	}

	snapshotPayload, err := json.Marshal(snapshot)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal workers snapshot")
		return
	}
	if _, err := fmt.Fprintf(rw, "event: snapshot\ndata: %s\n\n", snapshotPayload); err != nil {
		return
	}
	flusher.Flush()

	// buffered relay: the pubsub handler must never block on a slow client
	events := make(chan []byte, 64)
	sub, err := apiServer.pubsub.Subscribe(req.Context(), pubsub.WorkersTopic, func(payload []byte) error {
		select {
		case events <- payload:
		default:
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to subscribe to workers topic")
		return
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			log.Error().Err(err).Msg("failed to unsubscribe from workers topic")
		}
	}()

	for {
		select {
		case <-req.Context().Done():
			return
		case payload := <-events:
			if _, err := fmt.Fprintf(rw, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

type addToQueueRequest struct {
	SpecID   string `json:"spec_id"`
	Priority int    `json:"priority"`
}

// QueueResponse reports how an enqueue request was satisfied: started
// immediately on a free slot, or queued.
type QueueResponse struct {
	Worker    interface{} `json:"worker,omitempty"`
	QueueItem interface{} `json:"queue_item,omitempty"`
}

func (apiServer *APIServer) addToQueue(rw http.ResponseWriter, req *http.Request) {
	var body addToQueueRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		system.WriteError(rw, system.NewHTTPError400("invalid request body"))
		return
	}
	if body.SpecID == "" {
		system.WriteError(rw, system.NewHTTPError400("spec_id is required"))
		return
	}

	started, item, err := apiServer.pool.AddToQueue(req.Context(), body.SpecID, body.Priority)
	if err != nil {
		switch {
		case errors.Is(err, worker.ErrWorkerActive):
			system.WriteError(rw, system.NewHTTPError409(err.Error()))
		default:
			writeStoreError(rw, err)
		}
		return
	}
	system.WriteJSON(rw, http.StatusCreated, &QueueResponse{Worker: started, QueueItem: item})
}

func (apiServer *APIServer) listQueue(rw http.ResponseWriter, req *http.Request) {
	items, err := apiServer.store.ListQueue(req.Context())
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, items)
}

func (apiServer *APIServer) removeFromQueue(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if err := apiServer.pool.RemoveFromQueue(req.Context(), id); err != nil {
		writeStoreError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, map[string]string{"id": id})
}

type reorderQueueRequest struct {
	QueueIDs []string `json:"queue_ids"`
}

func (apiServer *APIServer) reorderQueue(rw http.ResponseWriter, req *http.Request) {
	var body reorderQueueRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		system.WriteError(rw, system.NewHTTPError400("invalid request body"))
		return
	}
	if err := apiServer.pool.ReorderQueue(req.Context(), body.QueueIDs); err != nil {
		system.WriteError(rw, system.NewHTTPError400(err.Error()))
		return
	}
	items, err := apiServer.store.ListQueue(req.Context())
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, items)
}
