package arbitration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/ledger"
	"github.com/nooterra/substrate/internal/reputation"
	"github.com/nooterra/substrate/internal/signing"
	"github.com/nooterra/substrate/internal/store"
)

type fixture struct {
	svc        *Service
	store      *store.Memory
	clock      *core.FakeClock
	openerKey  *signing.KeyPair
	arbiterKey *signing.KeyPair
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	serverKey, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	openerKey, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	arbiterKey, err := signing.GenerateKeyPair()
	require.NoError(t, err)

	clock := core.NewFakeClock(time.UnixMilli(1_700_000_000_000))
	mem := store.NewMemory(eventchain.NewSealer(serverKey, clock), eventchain.NewRegistry(), clock)
	svc := NewService(mem, reputation.NewService(mem), clock, nil, nil, nil, nil)

	ctx := context.Background()
	_, err = mem.CommitTx(ctx, "t1", []store.Op{
		{PutAgent: &core.Agent{TenantID: "t1", AgentID: "payer", Lifecycle: core.LifecycleActive,
			PublicKeys: []core.AgentKey{{KeyID: openerKey.KeyID, PublicKeyPEM: openerKey.PublicKeyPEM}}}},
		{PutAgent: &core.Agent{TenantID: "t1", AgentID: "payee", Lifecycle: core.LifecycleActive}},
		{PutAgent: &core.Agent{TenantID: "t1", AgentID: "arbiter", Lifecycle: core.LifecycleActive,
			PublicKeys: []core.AgentKey{{KeyID: arbiterKey.KeyID, PublicKeyPEM: arbiterKey.PublicKeyPEM}}}},
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: mem, clock: clock, openerKey: openerKey, arbiterKey: arbiterKey}
}

func (f *fixture) credit(t *testing.T, agentID string, cents int64) {
	t.Helper()
	_, err := f.store.CommitTx(context.Background(), "t1", []store.Op{
		store.LedgerOp(ledger.Op{Kind: ledger.WalletCredit, AgentID: agentID, Currency: "USD", AmountCents: cents}),
	})
	require.NoError(t, err)
}

func (f *fixture) lock(t *testing.T, amount, bps, windowMs int64, agreement string) *core.ToolCallHold {
	t.Helper()
	hold, err := f.svc.LockHold(context.Background(), "t1", LockRequest{
		PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: amount, Currency: "USD",
		HoldbackBps: bps, ChallengeWindowMs: windowMs,
		AgreementHash: agreement, ReceiptHash: hex64("22"),
		RequestBindingSHA256: hex64("33"),
	})
	require.NoError(t, err)
	return hold
}

func (f *fixture) envelope(hold *core.ToolCallHold, openedAt int64) core.DisputeOpenEnvelope {
	return core.DisputeOpenEnvelope{
		V:               EnvelopeVersion,
		EnvelopeID:      "denv_" + uuid.NewString(),
		CaseID:          core.CaseIDFor(hold.AgreementHash),
		TenantID:        "t1",
		AgreementHash:   hold.AgreementHash,
		ReceiptHash:     hold.ReceiptHash,
		HoldHash:        hold.HoldHash,
		OpenedByAgentID: "payer",
		OpenedAt:        openedAt,
		ReasonCode:      "RESULT_NOT_AS_AGREED",
		EvidenceRefs:    []string{bindingEvidencePrefix + hex64("33")},
		Nonce:           uuid.NewString(),
	}
}

func (f *fixture) open(t *testing.T, hold *core.ToolCallHold, override *AdminOverride) *core.ArbitrationCase {
	t.Helper()
	env := f.envelope(hold, f.clock.Now().UnixMilli())
	require.NoError(t, SignEnvelope(&env, f.openerKey))
	c, err := f.svc.OpenDispute(context.Background(), "t1", OpenRequest{
		Envelope: env, ArbiterAgentID: "arbiter", AdminOverride: override,
	})
	require.NoError(t, err)
	return c
}

func (f *fixture) verdict(t *testing.T, caseID string, rate int64) *VerdictResult {
	t.Helper()
	v := core.ArbitrationVerdict{
		V:              VerdictVersion,
		VerdictID:      "verdict_" + uuid.NewString(),
		CaseID:         caseID,
		TenantID:       "t1",
		ArbiterAgentID: "arbiter",
		Outcome:        core.VerdictAccepted,
		ReleaseRatePct: rate,
		IssuedAt:       f.clock.Now().UnixMilli(),
	}
	require.NoError(t, SignVerdict(&v, f.arbiterKey))
	res, err := f.svc.AcceptVerdict(context.Background(), "t1", v)
	require.NoError(t, err)
	return res
}

func (f *fixture) wallet(t *testing.T, agentID string) *core.Wallet {
	t.Helper()
	w, err := f.store.GetWallet(context.Background(), "t1", agentID, "USD")
	require.NoError(t, err)
	return w
}

// Payee-win flow: dispute blocks maintenance, then a 100% verdict pays the
// payee in full.
func TestDisputedHoldReleasesOnFullVerdict(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "payer", 10000)
	agreement := hex64("11")
	hold := f.lock(t, 10000, 2000, 1000, agreement)
	assert.EqualValues(t, 2000, hold.HeldAmountCents)

	payer, payee := f.wallet(t, "payer"), f.wallet(t, "payee")
	assert.EqualValues(t, 0, payer.AvailableCents)
	assert.EqualValues(t, 0, payer.EscrowLockedCents)
	assert.EqualValues(t, 8000, payee.AvailableCents)
	assert.EqualValues(t, 2000, payee.HeldbackCents)

	c := f.open(t, hold, nil)
	assert.Equal(t, core.CaseUnderReview, c.Status)

	f.clock.Advance(2 * time.Second)
	report, err := f.svc.RunMaintenance(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, report.ReleasedCount)
	assert.Equal(t, 1, report.BlockedCount)

	res := f.verdict(t, c.CaseID, 100)
	assert.Equal(t, "sadj_agmt_"+agreement+"_holdback", res.Adjustment.AdjustmentID)
	assert.Equal(t, core.AdjustmentHoldbackRelease, res.Adjustment.Kind)
	assert.EqualValues(t, 2000, res.Adjustment.AmountCents)
	assert.Equal(t, core.HoldReleased, res.Hold.Status)

	payer, payee = f.wallet(t, "payer"), f.wallet(t, "payee")
	assert.EqualValues(t, 0, payer.AvailableCents)
	assert.EqualValues(t, 10000, payee.AvailableCents)
	assert.EqualValues(t, 0, payee.HeldbackCents)
}

// Payer-win flow: admin-override open past the window, then a 0% verdict
// refunds the payer.
func TestExpiredHoldRefundsOnZeroVerdict(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "payer", 5000)
	agreement := hex64("44")
	hold := f.lock(t, 5000, 2000, 1000, agreement)
	assert.EqualValues(t, 1000, hold.HeldAmountCents)

	f.clock.Advance(2 * time.Second)

	// Expired without an override fails closed.
	env := f.envelope(hold, f.clock.Now().UnixMilli())
	require.NoError(t, SignEnvelope(&env, f.openerKey))
	_, err := f.svc.OpenDispute(context.Background(), "t1", OpenRequest{Envelope: env, ArbiterAgentID: "arbiter"})
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeDisputeWindowExpired, ce.Code)

	c := f.open(t, hold, &AdminOverride{Enabled: true, Reason: "operator review"})
	assert.True(t, c.AdminOverridden)

	res := f.verdict(t, c.CaseID, 0)
	assert.Equal(t, core.AdjustmentHoldbackRefund, res.Adjustment.Kind)
	assert.Equal(t, core.HoldRefunded, res.Hold.Status)

	assert.EqualValues(t, 1000, f.wallet(t, "payer").AvailableCents)
	assert.EqualValues(t, 4000, f.wallet(t, "payee").AvailableCents)
	assert.EqualValues(t, 0, f.wallet(t, "payee").HeldbackCents)

	// Override leaves an ops-audit entry on the hold stream.
	evs, err := f.store.StreamEvents(context.Background(), "t1", hold.StreamID())
	require.NoError(t, err)
	var audited bool
	for _, ev := range evs {
		if ev.Type == core.EventOpsAudit {
			audited = true
		}
	}
	assert.True(t, audited)
}

func TestMaintenanceAutoReleasesUnchallenged(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "payer", 5000)
	agreement := hex64("55")
	f.lock(t, 5000, 2000, 1000, agreement)

	// Still inside the window: nothing happens.
	report, err := f.svc.RunMaintenance(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, report.ReleasedCount)

	f.clock.Advance(2 * time.Second)
	report, err = f.svc.RunMaintenance(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.ReleasedCount)
	assert.Equal(t, []string{core.AdjustmentID(agreement)}, report.AdjustmentIDs)

	assert.EqualValues(t, 5000, f.wallet(t, "payee").AvailableCents)
	facts, err := f.store.GetFacts(context.Background(), "t1", "payee")
	require.NoError(t, err)
	assert.EqualValues(t, 1000, facts.AutoReleasedCents)

	// Second sweep finds nothing; the adjustment id is stable.
	report, err = f.svc.RunMaintenance(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 0, report.ReleasedCount)
}

// The adjustment counter moves once per released hold, not once per sweep.
func TestMaintenanceCountsAdjustmentsPerRelease(t *testing.T) {
	f := newFixture(t)
	f.svc.metrics = newMetrics(promauto.With(prometheus.NewRegistry()))
	counter := f.svc.metrics.AdjustmentsTotal.WithLabelValues("t1", "maintenance")

	f.credit(t, "payer", 8000)
	f.lock(t, 5000, 2000, 1000, hex64("ee"))
	f.lock(t, 3000, 2000, 1000, hex64("ff"))

	// Nothing expired yet: an empty sweep leaves the counter alone.
	_, err := f.svc.RunMaintenance(context.Background(), "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, testutil.ToFloat64(counter))

	f.clock.Advance(2 * time.Second)
	report, err := f.svc.RunMaintenance(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.ReleasedCount)
	assert.EqualValues(t, 2, testutil.ToFloat64(counter))
}

func TestMaintenanceSingleFlight(t *testing.T) {
	f := newFixture(t)
	release, ok := f.store.TryAdvisoryLock("tool_call_holdback:t1")
	require.True(t, ok)
	defer release()

	_, err := f.svc.RunMaintenance(context.Background(), "t1")
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeMaintenanceRunning, ce.Code)
}

func TestIntermediateRatePayerRoundsUp(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "payer", 10000)
	hold := f.lock(t, 10000, 1250, 1000, hex64("66")) // held = 1250
	c := f.open(t, hold, nil)

	res := f.verdict(t, c.CaseID, 33) // 1250*33/100 = 412.5 → 412 to payee
	assert.EqualValues(t, 412, res.Adjustment.ReleasedCents)
	assert.EqualValues(t, 838, res.Adjustment.RefundedCents)
	assert.Equal(t, "payer_rounds_up", res.Adjustment.RoundingMode)
	assert.Equal(t, core.AdjustmentHoldbackRelease, res.Adjustment.Kind)
	assert.Equal(t, core.HoldReleased, res.Hold.Status)

	assert.EqualValues(t, 838, f.wallet(t, "payer").AvailableCents)
	assert.EqualValues(t, 8750+412, f.wallet(t, "payee").AvailableCents)
}

func TestVerdictReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "payer", 10000)
	hold := f.lock(t, 10000, 2000, 1000, hex64("77"))
	c := f.open(t, hold, nil)

	first := f.verdict(t, c.CaseID, 100)
	assert.False(t, first.AlreadyExisted)

	second := f.verdict(t, c.CaseID, 100)
	assert.True(t, second.AlreadyExisted)
	assert.Equal(t, first.Adjustment.AdjustmentID, second.Adjustment.AdjustmentID)

	// Money moved exactly once.
	assert.EqualValues(t, 10000, f.wallet(t, "payee").AvailableCents)
}

// Two identical signed verdicts racing each other settle the hold exactly
// once; the loser is served the stored adjustment.
func TestConcurrentIdenticalVerdictsApplyOnce(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "payer", 10000)
	hold := f.lock(t, 10000, 2000, 1000, hex64("cc"))
	c := f.open(t, hold, nil)

	v := core.ArbitrationVerdict{
		V: VerdictVersion, VerdictID: "verdict_" + uuid.NewString(), CaseID: c.CaseID,
		TenantID: "t1", ArbiterAgentID: "arbiter", Outcome: core.VerdictAccepted,
		ReleaseRatePct: 100, IssuedAt: f.clock.Now().UnixMilli(),
	}
	require.NoError(t, SignVerdict(&v, f.arbiterKey))

	type outcome struct {
		res *VerdictResult
		err error
	}
	out := make(chan outcome, 2)
	start := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			<-start
			res, err := f.svc.AcceptVerdict(context.Background(), "t1", v)
			out <- outcome{res: res, err: err}
		}()
	}
	close(start)

	applied := 0
	for i := 0; i < 2; i++ {
		o := <-out
		require.NoError(t, o.err)
		require.NotNil(t, o.res.Adjustment)
		assert.Equal(t, core.AdjustmentID(hold.AgreementHash), o.res.Adjustment.AdjustmentID)
		if !o.res.AlreadyExisted {
			applied++
		}
	}
	assert.Equal(t, 1, applied)

	// Money moved exactly once.
	assert.EqualValues(t, 10000, f.wallet(t, "payee").AvailableCents)
	assert.EqualValues(t, 0, f.wallet(t, "payee").HeldbackCents)

	adj, err := f.store.GetAdjustment(context.Background(), "t1", core.AdjustmentID(hold.AgreementHash))
	require.NoError(t, err)
	assert.EqualValues(t, 2000, adj.ReleasedCents)
}

// A suspended agent's key still verifies, but the envelope is rejected.
func TestSuspendedOpenerCannotDispute(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "payer", 10000)
	hold := f.lock(t, 10000, 2000, 60_000, hex64("dd"))
	ctx := context.Background()

	_, err := f.store.CommitTx(ctx, "t1", []store.Op{
		{PutAgent: &core.Agent{TenantID: "t1", AgentID: "payer", Lifecycle: core.LifecycleSuspended,
			PublicKeys: []core.AgentKey{{KeyID: f.openerKey.KeyID, PublicKeyPEM: f.openerKey.PublicKeyPEM}}}},
	})
	require.NoError(t, err)

	env := f.envelope(hold, f.clock.Now().UnixMilli())
	require.NoError(t, SignEnvelope(&env, f.openerKey))
	_, err = f.svc.OpenDispute(ctx, "t1", OpenRequest{Envelope: env, ArbiterAgentID: "arbiter"})
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeDisputeInvalidSigner, ce.Code)
}

func TestOpenDisputeFailClosedValidations(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "payer", 10000)
	hold := f.lock(t, 10000, 2000, 60_000, hex64("88"))
	ctx := context.Background()

	t.Run("tampered envelope hash", func(t *testing.T) {
		env := f.envelope(hold, f.clock.Now().UnixMilli())
		require.NoError(t, SignEnvelope(&env, f.openerKey))
		env.ReasonCode = "EDITED_AFTER_SIGNING"
		_, err := f.svc.OpenDispute(ctx, "t1", OpenRequest{Envelope: env, ArbiterAgentID: "arbiter"})
		ce, _ := core.AsError(err)
		require.NotNil(t, ce)
		assert.Equal(t, core.CodeDisputeHashMismatch, ce.Code)
	})

	t.Run("wrong signer key", func(t *testing.T) {
		stranger, err := signing.GenerateKeyPair()
		require.NoError(t, err)
		env := f.envelope(hold, f.clock.Now().UnixMilli())
		require.NoError(t, SignEnvelope(&env, stranger))
		_, err = f.svc.OpenDispute(ctx, "t1", OpenRequest{Envelope: env, ArbiterAgentID: "arbiter"})
		ce, _ := core.AsError(err)
		require.NotNil(t, ce)
		assert.Equal(t, core.CodeDisputeInvalidSigner, ce.Code)
	})

	t.Run("missing binding evidence", func(t *testing.T) {
		env := f.envelope(hold, f.clock.Now().UnixMilli())
		env.EvidenceRefs = []string{"note:whatever"}
		require.NoError(t, SignEnvelope(&env, f.openerKey))
		_, err := f.svc.OpenDispute(ctx, "t1", OpenRequest{Envelope: env, ArbiterAgentID: "arbiter"})
		ce, _ := core.AsError(err)
		require.NotNil(t, ce)
		assert.Equal(t, core.CodeOpenBindingRequired, ce.Code)
	})

	t.Run("conflicting binding evidence", func(t *testing.T) {
		env := f.envelope(hold, f.clock.Now().UnixMilli())
		env.EvidenceRefs = []string{
			bindingEvidencePrefix + hex64("33"),
			bindingEvidencePrefix + hex64("99"),
		}
		require.NoError(t, SignEnvelope(&env, f.openerKey))
		_, err := f.svc.OpenDispute(ctx, "t1", OpenRequest{Envelope: env, ArbiterAgentID: "arbiter"})
		ce, _ := core.AsError(err)
		require.NotNil(t, ce)
		assert.Equal(t, core.CodeOpenBindingMismatch, ce.Code)
	})

	t.Run("second open conflicts", func(t *testing.T) {
		f.open(t, hold, nil)
		env := f.envelope(hold, f.clock.Now().UnixMilli())
		require.NoError(t, SignEnvelope(&env, f.openerKey))
		_, err := f.svc.OpenDispute(ctx, "t1", OpenRequest{Envelope: env, ArbiterAgentID: "arbiter"})
		ce, _ := core.AsError(err)
		require.NotNil(t, ce)
		assert.Equal(t, core.CodeDisputeAlreadyOpen, ce.Code)
	})
}

func TestVerdictValidations(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "payer", 10000)
	hold := f.lock(t, 10000, 2000, 1000, hex64("aa"))
	c := f.open(t, hold, nil)
	ctx := context.Background()

	base := func() core.ArbitrationVerdict {
		return core.ArbitrationVerdict{
			V: VerdictVersion, VerdictID: "verdict_" + uuid.NewString(), CaseID: c.CaseID,
			TenantID: "t1", ArbiterAgentID: "arbiter", Outcome: core.VerdictAccepted,
			ReleaseRatePct: 100, IssuedAt: f.clock.Now().UnixMilli(),
		}
	}

	t.Run("wrong arbiter", func(t *testing.T) {
		stranger, err := signing.GenerateKeyPair()
		require.NoError(t, err)
		_, err = f.store.CommitTx(ctx, "t1", []store.Op{
			{PutAgent: &core.Agent{TenantID: "t1", AgentID: "impostor", Lifecycle: core.LifecycleActive,
				PublicKeys: []core.AgentKey{{KeyID: stranger.KeyID, PublicKeyPEM: stranger.PublicKeyPEM}}}},
		})
		require.NoError(t, err)

		v := base()
		v.ArbiterAgentID = "impostor"
		require.NoError(t, SignVerdict(&v, stranger))
		_, err = f.svc.AcceptVerdict(ctx, "t1", v)
		ce, _ := core.AsError(err)
		require.NotNil(t, ce)
		assert.Equal(t, core.CodeVerdictArbiterWrong, ce.Code)
	})

	t.Run("rate out of range", func(t *testing.T) {
		v := base()
		v.ReleaseRatePct = 150
		require.NoError(t, SignVerdict(&v, f.arbiterKey))
		_, err := f.svc.AcceptVerdict(ctx, "t1", v)
		ce, _ := core.AsError(err)
		require.NotNil(t, ce)
		assert.Equal(t, core.CodeVerdictRateOutOfRange, ce.Code)
	})

	t.Run("binding evidence mismatch", func(t *testing.T) {
		v := base()
		v.EvidenceRefs = []string{bindingEvidencePrefix + hex64("99")}
		require.NoError(t, SignVerdict(&v, f.arbiterKey))
		_, err := f.svc.AcceptVerdict(ctx, "t1", v)
		ce, _ := core.AsError(err)
		require.NotNil(t, ce)
		assert.Equal(t, core.CodeVerdictBindingWrong, ce.Code)
	})

	t.Run("tampered verdict hash", func(t *testing.T) {
		v := base()
		require.NoError(t, SignVerdict(&v, f.arbiterKey))
		v.ReleaseRatePct = 0
		_, err := f.svc.AcceptVerdict(ctx, "t1", v)
		ce, _ := core.AsError(err)
		require.NotNil(t, ce)
		assert.Equal(t, core.CodeVerdictHashMismatch, ce.Code)
	})
}

func TestDuplicateLockRejected(t *testing.T) {
	f := newFixture(t)
	f.credit(t, "payer", 20000)
	f.lock(t, 10000, 2000, 1000, hex64("bb"))
	_, err := f.svc.LockHold(context.Background(), "t1", LockRequest{
		PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: 10000, Currency: "USD", HoldbackBps: 2000, ChallengeWindowMs: 1000,
		AgreementHash: hex64("bb"), ReceiptHash: hex64("22"),
		RequestBindingSHA256: hex64("33"),
	})
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeHoldAlreadyExists, ce.Code)
}

func hex64(pair string) string {
	out := ""
	for i := 0; i < 32; i++ {
		out += pair
	}
	return out
}
