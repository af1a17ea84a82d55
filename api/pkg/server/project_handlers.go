package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/specwright/specwright/api/pkg/gitops"
	"github.com/specwright/specwright/api/pkg/store"
	"github.com/specwright/specwright/api/pkg/system"
	"github.com/specwright/specwright/api/pkg/types"
)

func writeStoreError(rw http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		system.WriteError(rw, system.NewHTTPError404("not found"))
		return
	}
	system.WriteError(rw, err)
}

func (apiServer *APIServer) createProject(rw http.ResponseWriter, req *http.Request) {
	var project types.Project
	if err := json.NewDecoder(req.Body).Decode(&project); err != nil {
		system.WriteError(rw, system.NewHTTPError400("invalid request body"))
		return
	}
	if project.Name == "" {
		system.WriteError(rw, system.NewHTTPError400("name is required"))
		return
	}
	if err := gitops.ValidatePath(project.Directory); err != nil {
		system.WriteError(rw, system.NewHTTPError400(err.Error()))
		return
	}

	project.ID = system.GenerateProjectID()
	created, err := apiServer.store.CreateProject(req.Context(), &project)
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusCreated, created)
}

func (apiServer *APIServer) listProjects(rw http.ResponseWriter, req *http.Request) {
	projects, err := apiServer.store.ListProjects(req.Context())
	if err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, projects)
}

func (apiServer *APIServer) getProject(rw http.ResponseWriter, req *http.Request) {
	project, err := apiServer.store.GetProject(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeStoreError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, project)
}

func (apiServer *APIServer) updateProject(rw http.ResponseWriter, req *http.Request) {
	existing, err := apiServer.store.GetProject(req.Context(), mux.Vars(req)["id"])
	if err != nil {
		writeStoreError(rw, err)
		return
	}

	var update types.Project
	if err := json.NewDecoder(req.Body).Decode(&update); err != nil {
		system.WriteError(rw, system.NewHTTPError400("invalid request body"))
		return
	}
	if update.Directory != "" && update.Directory != existing.Directory {
		if err := gitops.ValidatePath(update.Directory); err != nil {
			system.WriteError(rw, system.NewHTTPError400(err.Error()))
			return
		}
		existing.Directory = update.Directory
	}
	if update.Name != "" {
		existing.Name = update.Name
	}
	existing.Description = update.Description
	existing.Config = update.Config

	if err := apiServer.store.UpdateProject(req.Context(), existing); err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, existing)
}

func (apiServer *APIServer) deleteProject(rw http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if _, err := apiServer.store.GetProject(req.Context(), id); err != nil {
		writeStoreError(rw, err)
		return
	}
	if err := apiServer.store.DeleteProject(req.Context(), id); err != nil {
		system.WriteError(rw, err)
		return
	}
	system.WriteJSON(rw, http.StatusOK, map[string]string{"id": id})
}
