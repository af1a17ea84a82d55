package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/specwright/specwright/api/pkg/system"
)

func (apiServer *APIServer) listStaleWorktrees(rw http.ResponseWriter, req *http.Request) {
	stale, err := apiServer.janitor.ListStale(req.Context())
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, stale)
}

func (apiServer *APIServer) cleanupWorktrees(rw http.ResponseWriter, req *http.Request) {
	force := req.URL.Query().Get("force") == "true"
	result := apiServer.janitor.Cleanup(req.Context(), force)
	system.WriteJSON(rw, http.StatusOK, result)
}

func (apiServer *APIServer) deleteWorktree(rw http.ResponseWriter, req *http.Request) {
	specID := mux.Vars(req)["spec_id"]
	if _, err := apiServer.store.GetSpec(req.Context(), specID); err != nil {
		writeStoreError(rw, err)
		return
	}
	if err := apiServer.janitor.Delete(req.Context(), specID); err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, map[string]string{"spec_id": specID})
}
