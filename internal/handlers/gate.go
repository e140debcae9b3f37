package handlers

import (
	"net/http"

	"github.com/nooterra/substrate/internal/escrow"
)

// CreateGate handles POST /x402/gate/create.
func CreateGate(svc *escrow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req escrow.CreateRequest
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		gate, err := svc.Create(r.Context(), tenant(r), req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, gate)
	}
}

// AuthorizePayment handles POST /x402/gate/authorize-payment.
func AuthorizePayment(svc *escrow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			GateID string `json:"gateId"`
		}
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		gate, err := svc.AuthorizePayment(r.Context(), tenant(r), req.GateID)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, gate)
	}
}

// VerifyGate handles POST /x402/gate/verify.
func VerifyGate(svc *escrow.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req escrow.VerifyRequest
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		res, err := svc.Verify(r.Context(), tenant(r), req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, res)
	}
}
