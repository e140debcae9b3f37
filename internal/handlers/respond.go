// Package handlers exposes the HTTP surface. Each handler is a closure over
// its service; tenant identity comes from the middleware-resolved context.
// Failures are always a {code, message, details?} envelope.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/middleware"
)

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, err error) {
	if ce, ok := core.AsError(err); ok {
		respondJSON(w, core.HTTPStatus(ce.Code), ce)
		return
	}
	respondJSON(w, http.StatusInternalServerError, core.NewError(core.CodeInternal, err.Error()))
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return core.NewError(core.CodeValidationInvalid, "malformed JSON body")
	}
	return nil
}

func tenant(r *http.Request) string {
	return middleware.TenantID(r.Context())
}
