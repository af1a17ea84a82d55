package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/specwright/specwright/api/pkg/store"
	"github.com/specwright/specwright/api/pkg/system"
	"github.com/specwright/specwright/api/pkg/types"
)

func (apiServer *APIServer) createSpec(rw http.ResponseWriter, req *http.Request) {
	projectID := mux.Vars(req)["id"]
	if _, err := apiServer.store.GetProject(req.Context(), projectID); err != nil {
		writeStoreError(rw, err)
		return
	}

	var spec types.Spec
	if err := json.NewDecoder(req.Body).Decode(&spec); err != nil {
		system.WriteError(rw, system.NewHTTPError400("invalid request body"))
		return
	}
	if spec.Title == "" {
		system.WriteError(rw, system.NewHTTPError400("title is required"))
		return
	}

	spec.ID = system.GenerateSpecID()
	spec.ProjectID = projectID
	spec.Version = 1
	if spec.Status == "" {
		spec.Status = types.SpecStatusDraft
	}

	created, err := apiServer.store.CreateSpec(req.Context(), &spec)
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusCreated, created)
}

func (apiServer *APIServer) listSpecs(rw http.ResponseWriter, req *http.Request) {
	q := &store.ListSpecsQuery{
		ProjectID: mux.Vars(req)["id"],
		Status:    types.SpecStatus(req.URL.Query().Get("status")),
	}
	specs, err := apiServer.store.ListSpecs(req.Context(), q)
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, specs)
}

func (apiServer *APIServer) getSpec(rw http.ResponseWriter, req *http.Request) {
	spec, err := apiServer.store.GetSpec(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeStoreError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, spec)
}

func (apiServer *APIServer) updateSpec(rw http.ResponseWriter, req *http.Request) {
	existing, err := apiServer.store.GetSpec(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeStoreError(rw, err)
		return
	}
	if apiServer.sessions.Active(existing.ID) {
		system.WriteError(rw, system.NewHTTPError409("spec has an active run"))
		return
	}

	var update types.Spec
	if err := json.NewDecoder(req.Body).Decode(&update); err != nil {
		system.WriteError(rw, system.NewHTTPError400("invalid request body"))
		return
	}
	if update.Title != "" {
		existing.Title = update.Title
	}
	if update.Content != "" && update.Content != existing.Content {
		existing.Content = update.Content
		existing.Version++
	}
	if update.Status != "" {
		existing.Status = update.Status
	}

	if err := apiServer.store.UpdateSpec(req.Context(), existing); err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, existing)
}

func (apiServer *APIServer) deleteSpec(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if _, err := apiServer.store.GetSpec(req.Context(), id); err != nil {
		writeStoreError(rw, err)
		return
	}
	if apiServer.sessions.Active(id) {
		system.WriteError(rw, system.NewHTTPError409("spec has an active run"))
		return
	}
	if err := apiServer.store.DeleteSpec(req.Context(), id); err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, map[string]string{"id": id})
}

func (apiServer *APIServer) getWizardState(rw http.ResponseWriter, req *http.Request) {
	state, err := apiServer.store.GetWizardState(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeStoreError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, state)
}

func (apiServer *APIServer) setWizardState(rw http.ResponseWriter, req *http.Request) {
	specID := mux.Vars(req)["id"]
	if _, err := apiServer.store.GetSpec(req.Context(), specID); err != nil {
		writeStoreError(rw, err)
		return
	}

	var state types.WizardState
	if err := json.NewDecoder(req.Body).Decode(&state); err != nil {
		system.WriteError(rw, system.NewHTTPError400("invalid request body"))
		return
	}
	state.SpecID = specID
	if err := apiServer.store.SetWizardState(req.Context(), &state); err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, &state)
}

func (apiServer *APIServer) deleteWizardState(rw http.ResponseWriter, req *http.Request) {
	specID := mux.Vars(req)["id"]
	if err := apiServer.store.DeleteWizardState(req.Context(), specID); err != nil {
		writeStoreError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, map[string]string{"spec_id": specID})
}
