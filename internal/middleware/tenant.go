// Package middleware carries the HTTP boundary concerns: tenant resolution,
// ops-token auth, per-agent rate limiting, and idempotency replay. The core
// services below this layer never read headers.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/nooterra/substrate/internal/core"
)

// Request headers understood at the boundary.
const (
	HeaderTenantID       = "x-proxy-tenant-id"
	HeaderProtocol       = "x-nooterra-protocol"
	HeaderIdempotencyKey = "x-idempotency-key"

	DefaultProtocol = "1.0"
)

type ctxKey int

const (
	ctxTenantID ctxKey = iota
	ctxProtocol
)

// TenantID returns the resolved tenant for the request, or "".
func TenantID(ctx context.Context) string {
	v, _ := ctx.Value(ctxTenantID).(string)
	return v
}

// Protocol returns the negotiated protocol version for the request.
func Protocol(ctx context.Context) string {
	v, _ := ctx.Value(ctxProtocol).(string)
	if v == "" {
		return DefaultProtocol
	}
	return v
}

// Tenant requires x-proxy-tenant-id and injects it into the request context.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := strings.TrimSpace(r.Header.Get(HeaderTenantID))
		if tenantID == "" {
			writeError(w, http.StatusUnauthorized, core.NewError(core.CodeValidationRequired,
				"missing "+HeaderTenantID+" header"))
			return
		}
		protocol := r.Header.Get(HeaderProtocol)
		if protocol == "" {
			protocol = DefaultProtocol
		}
		ctx := context.WithValue(r.Context(), ctxTenantID, tenantID)
		ctx = context.WithValue(ctx, ctxProtocol, protocol)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// OpsAuth gates operator routes behind a bearer token checked against a
// bcrypt hash. An empty hash disables the check (dev mode).
func OpsAuth(tokenBcryptHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tokenBcryptHash == "" {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			token := strings.TrimPrefix(auth, "Bearer ")
			if token == auth || token == "" {
				writeError(w, http.StatusUnauthorized, core.NewError(core.CodeValidationRequired,
					"missing bearer ops token"))
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(tokenBcryptHash), []byte(token)); err != nil {
				writeError(w, http.StatusUnauthorized, core.NewError(core.CodeValidationInvalid,
					"invalid ops token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, err *core.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
