package middleware

import (
	"bytes"
	"io"
	"net/http"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/idempotency"
)

// Idempotent wraps a handler with replay semantics. A request carrying
// x-idempotency-key gets its first response recorded under
// (tenantId|route, key); an exact retry replays those bytes, and a retry
// with a different body is a conflict.
func Idempotent(guard *idempotency.Guard, route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		tenantID := TenantID(r.Context())
		scope := idempotency.Scope(tenantID, route)

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, core.NewError(core.CodeValidationInvalid, "unreadable request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		requestHash := idempotency.RequestHash(body)

		rec, err := guard.Check(r.Context(), tenantID, scope, key, requestHash)
		if err != nil {
			if ce, ok := core.AsError(err); ok {
				writeError(w, core.HTTPStatus(ce.Code), ce)
				return
			}
			writeError(w, http.StatusInternalServerError, core.NewError(core.CodeInternal, err.Error()))
			return
		}
		if rec != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("x-idempotency-replayed", "true")
			w.WriteHeader(rec.Status)
			_, _ = w.Write(rec.Envelope)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		// Record only settled outcomes; a 5xx should stay retryable.
		if recorder.status < http.StatusInternalServerError {
			_ = guard.Record(r.Context(), tenantID, scope, key, requestHash, recorder.status, recorder.body.Bytes())
		}
	})
}

// responseRecorder tees the response so the envelope can be stored verbatim.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}
