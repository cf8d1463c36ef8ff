package routes

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	chainerrors "chainid/core/errors"
	"chainid/core/tracker"
)

type actionsRoutes struct {
	session Session
}

type actionResponse struct {
	Current tracker.Snapshot  `json:"current"`
	Last    *tracker.Snapshot `json:"last,omitempty"`
}

type deployResponse struct {
	Contracts any `json:"contracts"`
}

func (ar *actionsRoutes) mount(r chi.Router) {
	r.Get("/", ar.active)
	r.Get("/{key}", ar.get)
}

func (ar *actionsRoutes) active(w http.ResponseWriter, r *http.Request) {
	active := ar.session.Tracker().Active()
	if active == nil {
		active = []tracker.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": active})
}

func (ar *actionsRoutes) get(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(chi.URLParam(r, "key"))
	if key == "" {
		writeActionError(w, chainerrors.Validation("key", "action key is required"))
		return
	}
	t := ar.session.Tracker()
	resp := actionResponse{Current: t.State(key)}
	if last, ok := t.Last(key); ok {
		resp.Last = &last
	}
	writeJSON(w, http.StatusOK, resp)
}

func (ar *actionsRoutes) deploy(w http.ResponseWriter, r *http.Request) {
	refs, err := ar.session.Deploy(r.Context())
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployResponse{Contracts: refs})
}
