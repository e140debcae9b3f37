package negotiation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/escrow"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/grants"
	"github.com/nooterra/substrate/internal/ledger"
	"github.com/nooterra/substrate/internal/reputation"
	"github.com/nooterra/substrate/internal/signing"
	"github.com/nooterra/substrate/internal/store"
)

type fixture struct {
	svc    *Service
	grants *grants.Service
	store  *store.Memory
	clock  *core.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kp, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	clock := core.NewFakeClock(time.UnixMilli(1_700_000_000_000))
	mem := store.NewMemory(eventchain.NewSealer(kp, clock), eventchain.NewRegistry(), clock)
	gsvc := grants.NewService(mem, clock, nil)
	esc := escrow.NewService(mem, gsvc, reputation.NewService(mem), clock, nil, nil, nil)
	svc := NewService(mem, esc, clock, nil, nil)

	ctx := context.Background()
	_, err = mem.CommitTx(ctx, "t1", []store.Op{
		{PutAgent: &core.Agent{TenantID: "t1", AgentID: "payer", Lifecycle: core.LifecycleActive}},
		{PutAgent: &core.Agent{TenantID: "t1", AgentID: "payee", Lifecycle: core.LifecycleActive}},
	})
	require.NoError(t, err)
	return &fixture{svc: svc, grants: gsvc, store: mem, clock: clock}
}

func (f *fixture) quote(t *testing.T, price int64) *TaskQuote {
	t.Helper()
	q, err := f.svc.CreateQuote(context.Background(), "t1", QuoteRequest{
		PayeeAgentID: "payee", ToolID: "tool.summarize", PriceCents: price, Currency: "USD",
	})
	require.NoError(t, err)
	return q
}

func (f *fixture) order(t *testing.T, grantRef string) *WorkOrder {
	t.Helper()
	ctx := context.Background()
	q := f.quote(t, 5000)
	offer, err := f.svc.CreateOffer(ctx, "t1", OfferRequest{QuoteID: q.QuoteID, PayerAgentID: "payer"})
	require.NoError(t, err)
	acc, err := f.svc.CreateAcceptance(ctx, "t1", AcceptanceRequest{OfferID: offer.OfferID, QuoteHash: q.QuoteHash})
	require.NoError(t, err)
	order, err := f.svc.CreateWorkOrder(ctx, "t1", WorkOrderRequest{
		AcceptanceID: acc.AcceptanceID, AuthorityGrantRef: grantRef, HoldbackBps: 1000, ChallengeWindowMs: 60_000,
	})
	require.NoError(t, err)
	return order
}

func TestQuoteHashIsPinnedThroughPipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q := f.quote(t, 5000)
	assert.Len(t, q.QuoteHash, 64)

	offer, err := f.svc.CreateOffer(ctx, "t1", OfferRequest{QuoteID: q.QuoteID, PayerAgentID: "payer"})
	require.NoError(t, err)
	assert.Equal(t, q.QuoteHash, offer.QuoteHash)

	// Acceptance with a stale hash fails.
	stale := "0" + q.QuoteHash[1:]
	if stale == q.QuoteHash {
		stale = "1" + q.QuoteHash[1:]
	}
	_, err = f.svc.CreateAcceptance(ctx, "t1", AcceptanceRequest{OfferID: offer.OfferID, QuoteHash: stale})
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeQuoteHashMismatch, ce.Code)

	acc, err := f.svc.CreateAcceptance(ctx, "t1", AcceptanceRequest{OfferID: offer.OfferID, QuoteHash: q.QuoteHash})
	require.NoError(t, err)
	assert.Equal(t, q.QuoteHash, acc.QuoteHash)
}

func TestExpiredQuoteRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	q, err := f.svc.CreateQuote(ctx, "t1", QuoteRequest{
		PayeeAgentID: "payee", ToolID: "tool.summarize", PriceCents: 100, Currency: "USD",
		ValidUntil: f.clock.Now().Add(time.Minute).UnixMilli(),
	})
	require.NoError(t, err)

	f.clock.Advance(2 * time.Minute)
	_, err = f.svc.CreateOffer(ctx, "t1", OfferRequest{QuoteID: q.QuoteID, PayerAgentID: "payer"})
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeQuoteExpired, ce.Code)
}

func TestWorkOrderLifecycleAndSettle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.CommitTx(ctx, "t1", []store.Op{
		store.LedgerOp(ledger.Op{Kind: ledger.WalletCredit, AgentID: "payer", Currency: "USD", AmountCents: 5000}),
	})
	require.NoError(t, err)
	g, err := f.grants.Issue(ctx, "t1", grants.IssueRequest{
		PrincipalRef:   "principal:test",
		GranteeAgentID: "payer",
		SpendEnvelope:  core.SpendEnvelope{Currency: "USD", MaxPerCallCents: 5000, MaxTotalCents: 5000},
		ExpiresAt:      f.clock.Now().Add(time.Hour).UnixMilli(),
		Revocable:      true,
	})
	require.NoError(t, err)

	order := f.order(t, g.GrantID)
	assert.Equal(t, OrderCreated, order.Status)
	assert.EqualValues(t, 5000, order.PriceCents)
	assert.Equal(t, "tool.summarize", order.ToolID)

	// settle out of order fails
	_, _, err = f.svc.Settle(ctx, "t1", order.WorkOrderID)
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeWorkOrderInvalidState, ce.Code)

	order, err = f.svc.Accept(ctx, "t1", order.WorkOrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderAccepted, order.Status)
	order, err = f.svc.Complete(ctx, "t1", order.WorkOrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderCompleted, order.Status)

	order, gate, err := f.svc.Settle(ctx, "t1", order.WorkOrderID)
	require.NoError(t, err)
	assert.Equal(t, OrderSettled, order.Status)
	require.NotNil(t, gate)
	assert.Equal(t, gate.GateID, order.GateID)
	assert.Equal(t, core.GateCreated, gate.State)
	assert.EqualValues(t, 5000, gate.AmountCents)
	assert.Equal(t, g.GrantID, gate.AuthorityGrantRef)

	// The order's stream records every transition.
	evs, err := f.store.StreamEvents(ctx, "t1", order.StreamID())
	require.NoError(t, err)
	types := make([]string, 0, len(evs))
	for _, ev := range evs {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		core.EventWorkOrderCreated,
		core.EventWorkOrderAccepted,
		core.EventWorkOrderCompleted,
		core.EventWorkOrderSettled,
	}, types)
}

func TestDoubleAcceptRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(t, "")

	_, err := f.svc.Accept(ctx, "t1", order.WorkOrderID)
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, "t1", order.WorkOrderID)
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeWorkOrderInvalidState, ce.Code)
}
