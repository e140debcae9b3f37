// Package store defines the persistence contract. Every write in the system
// goes through CommitTx, which applies an ordered op list atomically across
// the ledger, the event chain and the artifact stores. Two implementations
// exist: the in-memory store and the Postgres store; both must present
// identical semantics.
package store

import (
	"context"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/ledger"
)

// SystemTenant scopes server-level state (the governance stream).
const SystemTenant = "system"

// Op is one step of a commitTx. Exactly one field is set. Ops apply in
// order; failure of any op fails the whole transaction with no state change.
type Op struct {
	Ledger         *ledger.Op
	Event          *eventchain.Draft
	PutAgent       *core.Agent
	PutGrant       *core.AuthorityGrant
	PutGate        *core.X402Gate
	PutHold        *core.ToolCallHold
	PutCase        *core.ArbitrationCase
	PutSettlement  *core.Settlement
	PutAdjustment  *core.SettlementAdjustment // insert-only; unique id enforced
	PutArtifact    *core.Artifact
	PutFacts       *core.ReputationFacts
	PutIdempotency *core.IdempotencyRecord
	ChargeGrant    *GrantCharge
}

// GrantCharge is a commit-time precondition on a grant's spend envelope. The
// running total is re-derived under the commit lock, so two in-flight
// authorizations cannot both fit under maxTotalCents. GateID names the gate
// being authorized; it is excluded from the re-derived total.
type GrantCharge struct {
	GrantID       string
	GateID        string
	AmountCents   int64
	MaxTotalCents int64
}

// Exceeded checks the re-derived running total against the envelope.
func (c *GrantCharge) Exceeded(total int64) error {
	if total+c.AmountCents <= c.MaxTotalCents {
		return nil
	}
	return core.NewError(core.CodeGrantTotalExceeded, "amount exceeds grant total spend limit").
		WithDetail("grantId", c.GrantID).
		WithDetail("runningTotalCents", total).
		WithDetail("amountCents", c.AmountCents).
		WithDetail("maxTotalCents", c.MaxTotalCents)
}

// Counts reports whether a gate contributes to the charge's running total.
func (c *GrantCharge) Counts(g *core.X402Gate) bool {
	return g.GateID != c.GateID && g.AuthorityGrantRef == c.GrantID && g.CountsAgainstGrant()
}

// LedgerOp wraps a ledger op as a commit step.
func LedgerOp(op ledger.Op) Op { return Op{Ledger: &op} }

// EventOp wraps an event-chain append as a commit step.
func EventOp(d eventchain.Draft) Op { return Op{Event: &d} }

// HoldFilter narrows hold scans for the maintenance loop.
type HoldFilter struct {
	Status core.HoldStatus
}

// Store is the persistence contract consumed by the engines.
type Store interface {
	// CommitTx atomically applies ops for one tenant. Event drafts are
	// sealed under the per-stream write lock and returned in order.
	CommitTx(ctx context.Context, tenantID string, ops []Op) ([]core.Event, error)

	GetAgent(ctx context.Context, tenantID, agentID string) (*core.Agent, error)
	ListAgents(ctx context.Context, tenantID string) ([]*core.Agent, error)

	GetWallet(ctx context.Context, tenantID, agentID, currency string) (*core.Wallet, error)
	ListWallets(ctx context.Context, tenantID, agentID string) ([]*core.Wallet, error)
	Journal(ctx context.Context, tenantID string) ([]core.JournalEntry, error)

	GetGrant(ctx context.Context, tenantID, grantID string) (*core.AuthorityGrant, error)
	ListGrants(ctx context.Context, tenantID string) ([]*core.AuthorityGrant, error)

	GetGate(ctx context.Context, tenantID, gateID string) (*core.X402Gate, error)
	ListGates(ctx context.Context, tenantID string) ([]*core.X402Gate, error)
	ListGatesByGrant(ctx context.Context, tenantID, grantID string) ([]*core.X402Gate, error)

	GetHold(ctx context.Context, tenantID, agreementHash string) (*core.ToolCallHold, error)
	ListHolds(ctx context.Context, tenantID string, f HoldFilter) ([]*core.ToolCallHold, error)

	GetCase(ctx context.Context, tenantID, caseID string) (*core.ArbitrationCase, error)
	GetCaseByAgreement(ctx context.Context, tenantID, agreementHash string) (*core.ArbitrationCase, error)
	ListCases(ctx context.Context, tenantID string) ([]*core.ArbitrationCase, error)

	GetSettlementByAgreement(ctx context.Context, tenantID, agreementHash string) (*core.Settlement, error)
	GetAdjustment(ctx context.Context, tenantID, adjustmentID string) (*core.SettlementAdjustment, error)
	GetArtifact(ctx context.Context, tenantID, artifactID string) (*core.Artifact, error)
	GetFacts(ctx context.Context, tenantID, agentID string) (*core.ReputationFacts, error)
	GetIdempotency(ctx context.Context, tenantID, scope, key string) (*core.IdempotencyRecord, error)

	// StreamEvents returns a stream in append order.
	StreamEvents(ctx context.Context, tenantID, streamID string) ([]core.Event, error)
	// ListStreams returns the stream ids known for a tenant.
	ListStreams(ctx context.Context, tenantID string) ([]string, error)

	// TryAdvisoryLock acquires a process-wide advisory lock. The release
	// func must always be called; ok=false means another worker holds it.
	TryAdvisoryLock(key string) (release func(), ok bool)
}

// Notifier receives committed events after a successful CommitTx. Used to
// fan out to the keyring and the notification bus; never called on failure.
type Notifier func(events []core.Event)
