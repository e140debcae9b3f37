package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/substrate/internal/core"
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
	svc := NewService(mem, gsvc, reputation.NewService(mem), clock, nil, nil, nil)

	ctx := context.Background()
	_, err = mem.CommitTx(ctx, "t1", []store.Op{
		{PutAgent: &core.Agent{TenantID: "t1", AgentID: "payer", Lifecycle: core.LifecycleActive}},
		{PutAgent: &core.Agent{TenantID: "t1", AgentID: "payee", Lifecycle: core.LifecycleActive}},
	})
	require.NoError(t, err)
	return &fixture{svc: svc, grants: gsvc, store: mem, clock: clock}
}

func (f *fixture) credit(t *testing.T, agentID string, cents int64) {
	t.Helper()
	_, err := f.store.CommitTx(context.Background(), "t1", []store.Op{
		store.LedgerOp(ledger.Op{Kind: ledger.WalletCredit, AgentID: agentID, Currency: "USD", AmountCents: cents}),
	})
	require.NoError(t, err)
}

func (f *fixture) grant(t *testing.T, perCall, total int64) *core.AuthorityGrant {
	t.Helper()
	g, err := f.grants.Issue(context.Background(), "t1", grants.IssueRequest{
		PrincipalRef:   "principal:test",
		GranteeAgentID: "payer",
		SpendEnvelope:  core.SpendEnvelope{Currency: "USD", MaxPerCallCents: perCall, MaxTotalCents: total},
		ExpiresAt:      f.clock.Now().Add(time.Hour).UnixMilli(),
		Revocable:      true,
	})
	require.NoError(t, err)
	return g
}

func (f *fixture) openGate(t *testing.T, amount, holdbackBps, windowMs int64, grantID string) *core.X402Gate {
	t.Helper()
	gate, err := f.svc.Create(context.Background(), "t1", CreateRequest{
		PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: amount, Currency: "USD",
		AuthorityGrantRef: grantID,
		HoldbackBps:       holdbackBps,
		ChallengeWindowMs: windowMs,
	})
	require.NoError(t, err)
	return gate
}

func (f *fixture) wallet(t *testing.T, agentID string) *core.Wallet {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), "t1", agentID, "USD")
	require.NoError(t, err)
	return w
}

func TestGreenVerifyWithHoldback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, "payer", 10000)
	g := f.grant(t, 10000, 10000)
	gate := f.openGate(t, 10000, 2000, 1000, g.GrantID)

	_, err := f.svc.AuthorizePayment(ctx, "t1", gate.GateID)
	require.NoError(t, err)
	_, err = f.svc.Execute(ctx, "t1", gate.GateID)
	require.NoError(t, err)

	res, err := f.svc.Verify(ctx, "t1", VerifyRequest{
		GateID: gate.GateID, Status: "green",
		AgreementHash: hex64("11"), ReceiptHash: hex64("22"),
		RequestBindingSHA256: hex64("33"),
	})
	require.NoError(t, err)
	assert.Equal(t, core.GateHeld, res.Gate.State)
	require.NotNil(t, res.Hold)
	assert.EqualValues(t, 2000, res.Hold.HeldAmountCents)
	assert.Equal(t, core.HoldHeld, res.Hold.Status)
	assert.Equal(t, f.clock.Now().Add(time.Second), res.Hold.ChallengeDeadline)

	payer, payee := f.wallet(t, "payer"), f.wallet(t, "payee")
	assert.EqualValues(t, 0, payer.AvailableCents)
	assert.EqualValues(t, 0, payer.EscrowLockedCents)
	assert.EqualValues(t, 8000, payee.AvailableCents)
	assert.EqualValues(t, 2000, payee.HeldbackCents)

	stl, err := f.store.GetSettlementByAgreement(ctx, "t1", hex64("11"))
	require.NoError(t, err)
	assert.Equal(t, hex64("33"), stl.Bindings.Request.SHA256)
}

func TestGreenVerifyNoHoldbackReleasesAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, "payer", 500)
	g := f.grant(t, 500, 500)
	gate := f.openGate(t, 500, 0, 0, g.GrantID)

	_, err := f.svc.AuthorizePayment(ctx, "t1", gate.GateID)
	require.NoError(t, err)

	// Verify on an authorized gate executes implicitly.
	res, err := f.svc.Verify(ctx, "t1", VerifyRequest{
		GateID: gate.GateID, Status: "green",
		AgreementHash: hex64("aa"), ReceiptHash: hex64("bb"),
	})
	require.NoError(t, err)
	assert.Equal(t, core.GateReleased, res.Gate.State)
	assert.Nil(t, res.Hold)
	assert.EqualValues(t, 500, f.wallet(t, "payee").AvailableCents)

	facts, err := f.store.GetFacts(ctx, "t1", "payee")
	require.NoError(t, err)
	assert.EqualValues(t, 1, facts.SettledCount)
	assert.EqualValues(t, 500, facts.ReleasedToPayeeCents)
}

func TestRedVerifyRefundsPayer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, "payer", 700)
	g := f.grant(t, 700, 700)
	gate := f.openGate(t, 700, 2000, 1000, g.GrantID)

	_, err := f.svc.AuthorizePayment(ctx, "t1", gate.GateID)
	require.NoError(t, err)
	_, err = f.svc.Execute(ctx, "t1", gate.GateID)
	require.NoError(t, err)

	res, err := f.svc.Verify(ctx, "t1", VerifyRequest{GateID: gate.GateID, Status: "red"})
	require.NoError(t, err)
	assert.Equal(t, core.GateRefunded, res.Gate.State)
	assert.EqualValues(t, 700, f.wallet(t, "payer").AvailableCents)
	assert.EqualValues(t, 0, f.wallet(t, "payee").AvailableCents)
}

func TestAuthorizeRequiresFunds(t *testing.T) {
	f := newFixture(t)
	g := f.grant(t, 1000, 1000)
	gate := f.openGate(t, 1000, 0, 0, g.GrantID)

	_, err := f.svc.AuthorizePayment(context.Background(), "t1", gate.GateID)
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeInsufficientFunds, ce.Code)
}

func TestSuspendedAgentFailsClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.CommitTx(ctx, "t1", []store.Op{
		{PutAgent: &core.Agent{TenantID: "t1", AgentID: "payer", Lifecycle: core.LifecycleSuspended}},
	})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, "t1", CreateRequest{
		PayerAgentID: "payer", PayeeAgentID: "payee", AmountCents: 100, Currency: "USD",
	})
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeAgentSuspended, ce.Code)
}

func TestInvalidStateTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.credit(t, "payer", 100)
	g := f.grant(t, 100, 100)
	gate := f.openGate(t, 100, 0, 0, g.GrantID)

	// Execute before authorize is rejected.
	_, err := f.svc.Execute(ctx, "t1", gate.GateID)
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeGateInvalidState, ce.Code)

	// Double authorize is rejected.
	_, err = f.svc.AuthorizePayment(ctx, "t1", gate.GateID)
	require.NoError(t, err)
	_, err = f.svc.AuthorizePayment(ctx, "t1", gate.GateID)
	ce, ok = core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeGateInvalidState, ce.Code)
}

// pausingStore stalls armed commits until two callers have arrived, so both
// authorizations pass the service-level grant check before either commits.
type pausingStore struct {
	store.Store
	mu      sync.Mutex
	armed   bool
	waiting int
	proceed chan struct{}
}

func (p *pausingStore) arm() {
	p.mu.Lock()
	p.armed = true
	p.mu.Unlock()
}

func (p *pausingStore) CommitTx(ctx context.Context, tenantID string, ops []store.Op) ([]core.Event, error) {
	p.mu.Lock()
	armed := p.armed
	if armed {
		p.waiting++
		if p.waiting == 2 {
			close(p.proceed)
		}
	}
	p.mu.Unlock()
	if armed {
		<-p.proceed
	}
	return p.Store.CommitTx(ctx, tenantID, ops)
}

func TestConcurrentAuthorizationsRespectGrantTotal(t *testing.T) {
	kp, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	clock := core.NewFakeClock(time.UnixMilli(1_700_000_000_000))
	mem := store.NewMemory(eventchain.NewSealer(kp, clock), eventchain.NewRegistry(), clock)
	ps := &pausingStore{Store: mem, proceed: make(chan struct{})}
	gsvc := grants.NewService(ps, clock, nil)
	svc := NewService(ps, gsvc, reputation.NewService(ps), clock, nil, nil, nil)

	ctx := context.Background()
	_, err = mem.CommitTx(ctx, "t1", []store.Op{
		{PutAgent: &core.Agent{TenantID: "t1", AgentID: "payer", Lifecycle: core.LifecycleActive}},
		{PutAgent: &core.Agent{TenantID: "t1", AgentID: "payee", Lifecycle: core.LifecycleActive}},
		store.LedgerOp(ledger.Op{Kind: ledger.WalletCredit, AgentID: "payer", Currency: "USD", AmountCents: 10000}),
	})
	require.NoError(t, err)

	g, err := gsvc.Issue(ctx, "t1", grants.IssueRequest{
		PrincipalRef:   "principal:test",
		GranteeAgentID: "payer",
		SpendEnvelope:  core.SpendEnvelope{Currency: "USD", MaxPerCallCents: 500, MaxTotalCents: 600},
		ExpiresAt:      clock.Now().Add(time.Hour).UnixMilli(),
		Revocable:      true,
	})
	require.NoError(t, err)

	open := func(amount int64) *core.X402Gate {
		gate, err := svc.Create(ctx, "t1", CreateRequest{
			PayerAgentID: "payer", PayeeAgentID: "payee",
			AmountCents: amount, Currency: "USD",
			AuthorityGrantRef: g.GrantID,
		})
		require.NoError(t, err)
		return gate
	}
	first, second := open(300), open(350)

	ps.arm()
	errs := make(chan error, 2)
	for _, gateID := range []string{first.GateID, second.GateID} {
		gateID := gateID
		go func() {
			_, err := svc.AuthorizePayment(ctx, "t1", gateID)
			errs <- err
		}()
	}
	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}

	// 300 + 350 would overshoot maxTotal 600: exactly one commit may win.
	require.Len(t, failures, 1)
	ce, ok := core.AsError(failures[0])
	require.True(t, ok)
	assert.Equal(t, core.CodeGrantTotalExceeded, ce.Code)

	total, err := gsvc.RunningTotal(ctx, "t1", g.GrantID)
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(600))
}

// hex64 repeats a two-char hex pair into a 64-char hash string.
func hex64(pair string) string {
	out := ""
	for i := 0; i < 32; i++ {
		out += pair
	}
	return out
}
