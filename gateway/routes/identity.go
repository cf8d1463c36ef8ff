package routes

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"chainid/core/identity"
	"chainid/core/session"
	"chainid/gateway/middleware"
)

type identityRoutes struct {
	session Session
}

type registerRequest struct {
	Address string          `json:"address"`
	Level   json.RawMessage `json:"level"`
}

type helloRequest struct {
	Name string `json:"name"`
}

type helloResponse struct {
	Greeting string `json:"greeting"`
}

type verifyResponse struct {
	Address  string `json:"address"`
	Verified bool   `json:"verified"`
}

type setAdminRequest struct {
	Address string `json:"address"`
}

func (ir *identityRoutes) mountWrite(r chi.Router) {
	r.Post("/register", ir.register)
}

func (ir *identityRoutes) mountRead(r chi.Router) {
	r.Get("/stats", ir.stats)
	r.Get("/verify/{address}", ir.verify)
	r.Post("/hello", ir.hello)
}

func (ir *identityRoutes) mountAdmin(r chi.Router) {
	r.Get("/status", ir.adminStatus)
	r.Post("/pause", ir.administer(session.AdminPause))
	r.Post("/unpause", ir.administer(session.AdminUnpause))
	r.Post("/set-admin", ir.administer(session.AdminSetAdmin))
}

func (ir *identityRoutes) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	level, err := parseLevel(req.Level)
	if err != nil {
		writeActionError(w, err)
		return
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		address = middleware.Subject(r.Context())
	}
	reg, err := ir.session.Register(r.Context(), address, level)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

func (ir *identityRoutes) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := ir.session.LoadAllStats(r.Context())
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (ir *identityRoutes) verify(w http.ResponseWriter, r *http.Request) {
	address := strings.TrimSpace(chi.URLParam(r, "address"))
	ok, err := ir.session.Verify(r.Context(), address)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{Address: address, Verified: ok})
}

// hello accepts an empty body.
func (ir *identityRoutes) hello(w http.ResponseWriter, r *http.Request) {
	var req helloRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeBadRequest(w, err)
			return
		}
	}
	greeting, err := ir.session.Hello(r.Context(), req.Name)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, helloResponse{Greeting: greeting})
}

func (ir *identityRoutes) adminStatus(w http.ResponseWriter, r *http.Request) {
	state, err := ir.session.AdminStatus(r.Context())
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (ir *identityRoutes) administer(action session.AdminAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setAdminRequest
		if action == session.AdminSetAdmin {
			if err := decodeBody(r, &req); err != nil {
				writeBadRequest(w, err)
				return
			}
		}
		state, err := ir.session.Administer(r.Context(), action, req.Address)
		if err != nil {
			writeActionError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, state)
	}
}

// parseLevel accepts either the numeric level or its name. Out-of-range
// numbers are passed through so the registration itself rejects them.
func parseLevel(raw json.RawMessage) (identity.Level, error) {
	if len(raw) == 0 {
		return identity.ParseLevel("")
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return identity.Level(n), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return identity.ParseLevel(string(raw))
	}
	return identity.ParseLevel(s)
}
