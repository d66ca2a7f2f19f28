// Package httpapi exposes the Scene Store over plain REST, grounded on
// helixml-helix's server handlers: gorilla/mux path variables, a plain
// http.Error for failures, and a struct marshaled straight to the
// response body for success. Every mutation carries scene.OriginHTTP.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/saorsa-labs/canvas/pkg/scene"
	"github.com/saorsa-labs/canvas/pkg/validate"
)

// Router builds the canvas REST routes against store.
type Router struct {
	store *scene.Store
}

// New constructs a Router.
func New(store *scene.Store) *Router {
	return &Router{store: store}
}

// Register mounts every canvas route onto r.
func (h *Router) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/scenes/{session}", h.getScene).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/scenes/{session}/elements", h.addElement).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/scenes/{session}/elements/{id}", h.updateElement).Methods(http.MethodPatch)
	r.HandleFunc("/api/v1/scenes/{session}/elements/{id}", h.removeElement).Methods(http.MethodDelete)
}

func (h *Router) getScene(rw http.ResponseWriter, req *http.Request) {
	session := mux.Vars(req)["session"]
	if err := validate.Identifier("session", session); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	data, err := h.store.SnapshotJSON(session)
	if err != nil {
		http.Error(rw, "failed to read scene: "+err.Error(), http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	_, _ = rw.Write(data)
}

func (h *Router) addElement(rw http.ResponseWriter, req *http.Request) {
	session := mux.Vars(req)["session"]
	if err := validate.Identifier("session", session); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	var el scene.Element
	if err := json.NewDecoder(req.Body).Decode(&el); err != nil {
		http.Error(rw, "invalid element body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.store.AddElement(session, el, scene.OriginHTTP, ""); err != nil {
		writeStoreError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(rw).Encode(map[string]string{"id": el.ID})
}

func (h *Router) updateElement(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	session, id := vars["session"], vars["id"]
	if err := validate.Identifier("session", session); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	var patch scene.TransformPatch
	if err := json.NewDecoder(req.Body).Decode(&patch); err != nil {
		http.Error(rw, "invalid patch body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.store.UpdateElement(session, id, patch, scene.OriginHTTP, ""); err != nil {
		writeStoreError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (h *Router) removeElement(rw http.ResponseWriter, req *http.Request) {
	vars := mux.Vars(req)
	session, id := vars["session"], vars["id"]

	if err := h.store.RemoveElement(session, id, scene.OriginHTTP, ""); err != nil {
		writeStoreError(rw, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func writeStoreError(rw http.ResponseWriter, err error) {
	switch err {
	case scene.ErrElementNotFound:
		http.Error(rw, err.Error(), http.StatusNotFound)
	case scene.ErrDuplicateElement:
		http.Error(rw, err.Error(), http.StatusConflict)
	case scene.ErrTooManyElements:
		http.Error(rw, err.Error(), http.StatusInsufficientStorage)
	case scene.ErrPayloadTooLarge:
		http.Error(rw, err.Error(), http.StatusRequestEntityTooLarge)
	default:
		http.Error(rw, err.Error(), http.StatusInternalServerError)
	}
}
