package routes

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"chainid/core/rewards"
	"chainid/gateway/middleware"
)

type rewardsRoutes struct {
	session Session
}

type claimRequest struct {
	Claimant string `json:"claimant"`
}

type platformsResponse struct {
	Claimant  string               `json:"claimant,omitempty"`
	Platforms []rewards.Descriptor `json:"platforms"`
}

func (rr *rewardsRoutes) mountRead(r chi.Router) {
	r.Get("/platforms", rr.platforms)
}

func (rr *rewardsRoutes) mountClaim(r chi.Router) {
	r.Post("/{platform}/claim", rr.claim)
}

// platforms lists the catalog. Eligibility follows the claimant query
// parameter or, failing that, the token subject.
func (rr *rewardsRoutes) platforms(w http.ResponseWriter, r *http.Request) {
	claimant := strings.TrimSpace(r.URL.Query().Get("claimant"))
	if claimant == "" {
		claimant = middleware.Subject(r.Context())
	}
	writeJSON(w, http.StatusOK, platformsResponse{Claimant: claimant, Platforms: rr.session.Platforms(claimant)})
}

func (rr *rewardsRoutes) claim(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if r.ContentLength != 0 {
		if err := decodeBody(r, &req); err != nil {
			writeBadRequest(w, err)
			return
		}
	}
	claimant := strings.TrimSpace(req.Claimant)
	if claimant == "" {
		claimant = middleware.Subject(r.Context())
	}
	payment, err := rr.session.Claim(r.Context(), chi.URLParam(r, "platform"), claimant)
	if err != nil {
		writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payment)
}
