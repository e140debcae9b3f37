package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/nooterra/substrate/internal/arbitration"
	"github.com/nooterra/substrate/internal/core"
)

// LockHold handles POST /ops/tool-calls/holds/lock.
func LockHold(svc *arbitration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req arbitration.LockRequest
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		hold, err := svc.LockHold(r.Context(), tenant(r), req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, hold)
	}
}

// RunMaintenance handles POST /ops/maintenance/tool-call-holdback/run.
func RunMaintenance(svc *arbitration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := svc.RunMaintenance(r.Context(), tenant(r))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, report)
	}
}

// OpenDispute handles POST /tool-calls/arbitration/open.
func OpenDispute(svc *arbitration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req arbitration.OpenRequest
		if err := decode(r, &req); err != nil {
			respondError(w, err)
			return
		}
		arbCase, err := svc.OpenDispute(r.Context(), tenant(r), req)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusCreated, arbCase)
	}
}

// AcceptVerdict handles POST /tool-calls/arbitration/verdict.
func AcceptVerdict(svc *arbitration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var verdict core.ArbitrationVerdict
		if err := decode(r, &verdict); err != nil {
			respondError(w, err)
			return
		}
		res, err := svc.AcceptVerdict(r.Context(), tenant(r), verdict)
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, res)
	}
}

// ListCases handles GET /tool-calls/arbitration/cases.
func ListCases(svc *arbitration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cases, err := svc.ListCases(r.Context(), tenant(r))
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"cases": cases})
	}
}

// GetCase handles GET /tool-calls/arbitration/cases/{id}.
func GetCase(svc *arbitration.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		arbCase, err := svc.GetCase(r.Context(), tenant(r), mux.Vars(r)["id"])
		if err != nil {
			respondError(w, err)
			return
		}
		respondJSON(w, http.StatusOK, arbCase)
	}
}
