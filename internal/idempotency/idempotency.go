// Package idempotency implements the (scope, key) → response-envelope cache.
// Scope is tenantId + "|" + route. A retried request with the same key and
// the same request hash replays the stored envelope byte-for-byte; the same
// key with a different request hash is a conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/store"
)

// RequestHash fingerprints a request body.
func RequestHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Scope builds the record scope for a tenant and route.
func Scope(tenantID, route string) string {
	return tenantID + "|" + route
}

// Guard checks and records idempotent responses against the store.
type Guard struct {
	store store.Store
	clock core.Clock
}

func NewGuard(s store.Store, clock core.Clock) *Guard {
	return &Guard{store: s, clock: clock}
}

// Check looks up a prior response for (scope, key). Returns the stored record
// on an exact replay, nil when the key is unseen, and
// IDEMPOTENCY_KEY_CONFLICT when the key was used with a different body.
func (g *Guard) Check(ctx context.Context, tenantID, scope, key, requestHash string) (*core.IdempotencyRecord, error) {
	if key == "" {
		return nil, nil
	}
	rec, err := g.store.GetIdempotency(ctx, tenantID, scope, key)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	if rec.RequestHash != requestHash {
		return nil, core.NewError(core.CodeIdempotencyKeyConflict,
			"idempotency key reused with a different request body").
			WithDetail("scope", scope).
			WithDetail("key", key)
	}
	return rec, nil
}

// Record persists the first response for (scope, key). No-op for empty keys.
func (g *Guard) Record(ctx context.Context, tenantID, scope, key, requestHash string, status int, envelope []byte) error {
	if key == "" {
		return nil
	}
	rec := &core.IdempotencyRecord{
		Scope:       scope,
		Key:         key,
		RequestHash: requestHash,
		Status:      status,
		Envelope:    append([]byte(nil), envelope...),
		CreatedAt:   g.clock.Now(),
	}
	_, err := g.store.CommitTx(ctx, tenantID, []store.Op{{PutIdempotency: rec}})
	return err
}
