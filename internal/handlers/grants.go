package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nooterra/substrate/internal/grants"
)

// IssueGrant handles POST /authority-grants.
func IssueGrant(svc *grants.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req grants.IssueRequest
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		grant, err := svc.Issue(r.Context(), tenant(r), req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, grant)
	}
}

// RevokeGrant handles POST /authority-grants/{id}/revoke.
func RevokeGrant(svc *grants.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ReasonCode string `json:"reasonCode"`
		}
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		grant, err := svc.Revoke(r.Context(), tenant(r), mux.Vars(r)["id"], req.ReasonCode)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, grant)
	}
}

// ListGrants handles GET /authority-grants.
func ListGrants(svc *grants.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := svc.List(r.Context(), tenant(r))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"grants": list})
	}
}
