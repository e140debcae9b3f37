package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nooterra/substrate/internal/agents"
	"github.com/nooterra/substrate/internal/reputation"
)

// RegisterAgent handles POST /agents/register.
func RegisterAgent(svc *agents.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req agents.RegisterRequest
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		agent, err := svc.Register(r.Context(), tenant(r), req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, agent)
	}
}

// GetAgent handles GET /agents/{id}.
func GetAgent(svc *agents.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, err := svc.Get(r.Context(), tenant(r), mux.Vars(r)["id"])
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, agent)
	}
}

// CreditWallet handles POST /agents/{id}/wallet/credit.
func CreditWallet(svc *agents.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req agents.CreditRequest
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		wallet, err := svc.CreditWallet(r.Context(), tenant(r), mux.Vars(r)["id"], req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, wallet)
	}
}

// GetWallet handles GET /agents/{id}/wallet.
func GetWallet(svc *agents.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		wallets, err := svc.Wallets(r.Context(), tenant(r), mux.Vars(r)["id"])
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"wallets": wallets})
	}
}

// GetReputation handles GET /agents/{id}/reputation.
func GetReputation(svc *reputation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.Get(r.Context(), tenant(r), mux.Vars(r)["id"])
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, view)
	}
}

// SetLifecycle handles POST /x402/gate/agents/{id}/lifecycle.
func SetLifecycle(svc *agents.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req agents.LifecycleRequest
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		agent, err := svc.SetLifecycle(r.Context(), tenant(r), mux.Vars(r)["id"], req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, agent)
	}
}
