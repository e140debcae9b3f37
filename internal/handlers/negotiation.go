package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/negotiation"
)

// CreateQuote handles POST /task-quotes.
func CreateQuote(svc *negotiation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req negotiation.QuoteRequest
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		quote, err := svc.CreateQuote(r.Context(), tenant(r), req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, quote)
	}
}

// CreateOffer handles POST /task-offers.
func CreateOffer(svc *negotiation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req negotiation.OfferRequest
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		offer, err := svc.CreateOffer(r.Context(), tenant(r), req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, offer)
	}
}

// CreateAcceptance handles POST /task-acceptances.
func CreateAcceptance(svc *negotiation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req negotiation.AcceptanceRequest
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		acc, err := svc.CreateAcceptance(r.Context(), tenant(r), req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, acc)
	}
}

// CreateWorkOrder handles POST /work-orders.
func CreateWorkOrder(svc *negotiation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req negotiation.WorkOrderRequest
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		order, err := svc.CreateWorkOrder(r.Context(), tenant(r), req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, order)
	}
}

// WorkOrderTransition handles POST /work-orders/{id}/{accept|complete|settle}.
func WorkOrderTransition(svc *negotiation.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		orderID := vars["id"]
		switch vars["transition"] {
		case "accept":
			order, err := svc.Accept(r.Context(), tenant(r), orderID)
			if err != nil {
				respondError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, order)
		case "complete":
			order, err := svc.Complete(r.Context(), tenant(r), orderID)
			if err != nil {
				respondError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, order)
		case "settle":
			order, gate, err := svc.Settle(r.Context(), tenant(r), orderID)
			if err != nil {
				respondError(w, err)
				return
			}
			respondJSON(w, http.StatusOK, map[string]interface{}{"workOrder": order, "gate": gate})
		default:
			respondError(w, core.NewError(core.CodeValidationInvalid, "unknown work order transition"))
		}
	}
}
