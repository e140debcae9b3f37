// End-to-end settlement scenarios driven through the assembled HTTP surface:
// real router, middleware, services, and in-memory store, with an injected
// clock. Each test walks one complete money flow and checks the resulting
// wallets, adjustments, and event artifacts.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra/substrate/internal/agents"
	"github.com/nooterra/substrate/internal/api"
	"github.com/nooterra/substrate/internal/arbitration"
	"github.com/nooterra/substrate/internal/canonical"
	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/escrow"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/grants"
	"github.com/nooterra/substrate/internal/idempotency"
	"github.com/nooterra/substrate/internal/middleware"
	"github.com/nooterra/substrate/internal/negotiation"
	"github.com/nooterra/substrate/internal/proofbundle"
	"github.com/nooterra/substrate/internal/reputation"
	"github.com/nooterra/substrate/internal/reserve"
	"github.com/nooterra/substrate/internal/signing"
	"github.com/nooterra/substrate/internal/store"
)

const tenant = "t1"

type harness struct {
	t      *testing.T
	router http.Handler

	store   *store.Memory
	clock   *core.FakeClock
	keyring *signing.Keyring

	serverKey  *signing.KeyPair
	openerKey  *signing.KeyPair
	arbiterKey *signing.KeyPair
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	serverKey := mustKey(t)
	openerKey := mustKey(t)
	arbiterKey := mustKey(t)

	clock := core.NewFakeClock(time.UnixMilli(1_700_000_000_000))
	mem := store.NewMemory(eventchain.NewSealer(serverKey, clock), eventchain.NewRegistry(), clock)

	_, err := mem.CommitTx(context.Background(), store.SystemTenant, []store.Op{
		store.EventOp(eventchain.Draft{
			StreamID: core.GovernanceStream,
			Type:     core.EventKeyAdded,
			Actor:    "system",
			Payload:  map[string]interface{}{"keyId": serverKey.KeyID, "publicKeyPem": serverKey.PublicKeyPEM},
		}),
	})
	if err != nil {
		t.Fatalf("governance bootstrap: %v", err)
	}
	keyring := signing.NewKeyring()

	reputationSvc := reputation.NewService(mem)
	grantsSvc := grants.NewService(mem, clock, nil)
	escrowSvc := escrow.NewService(mem, grantsSvc, reputationSvc, clock, nil, nil, nil)
	arbitrationSvc := arbitration.NewService(mem, reputationSvc, clock, nil, nil, nil, nil)
	negotiationSvc := negotiation.NewService(mem, escrowSvc, clock, nil, nil)
	agentsSvc := agents.NewService(mem, reserve.NewStub(clock, nil), clock, nil, nil)

	srv := api.NewServer(api.Deps{
		Agents:      agentsSvc,
		Grants:      grantsSvc,
		Escrow:      escrowSvc,
		Arbitration: arbitrationSvc,
		Negotiation: negotiationSvc,
		Reputation:  reputationSvc,
		Exporter:    proofbundle.NewExporter(mem, keyring, serverKey, clock),
		Guard:       idempotency.NewGuard(mem, clock),
		BundleDir:   t.TempDir(),
	})

	return &harness{
		t:          t,
		router:     srv.Router(),
		store:      mem,
		clock:      clock,
		keyring:    keyring,
		serverKey:  serverKey,
		openerKey:  openerKey,
		arbiterKey: arbiterKey,
	}
}

// do sends one tenant-scoped request and decodes the JSON response into out.
func (h *harness) do(method, path string, body, out interface{}) int {
	h.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request: %v", err)
		}
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set(middleware.HeaderTenantID, tenant)
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			h.t.Fatalf("%s %s: decode response (%d %s): %v", method, path, rec.Code, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func (h *harness) mustStatus(got, want int, op string) {
	h.t.Helper()
	if got != want {
		h.t.Fatalf("%s: status = %d, want %d", op, got, want)
	}
}

func (h *harness) register(agentID string, key *signing.KeyPair) {
	h.t.Helper()
	req := agents.RegisterRequest{AgentID: agentID, DisplayName: agentID}
	if key != nil {
		req.PublicKeyPEMs = []string{key.PublicKeyPEM}
	}
	h.mustStatus(h.do(http.MethodPost, "/agents/register", req, nil), http.StatusCreated, "register "+agentID)
}

func (h *harness) credit(agentID string, cents int64) {
	h.t.Helper()
	status := h.do(http.MethodPost, "/agents/"+agentID+"/wallet/credit",
		agents.CreditRequest{AmountCents: cents, Currency: "USD"}, nil)
	h.mustStatus(status, http.StatusOK, "credit "+agentID)
}

func (h *harness) wallet(agentID string) core.Wallet {
	h.t.Helper()
	var resp struct {
		Wallets []core.Wallet `json:"wallets"`
	}
	h.mustStatus(h.do(http.MethodGet, "/agents/"+agentID+"/wallet", nil, &resp), http.StatusOK, "wallet "+agentID)
	for _, w := range resp.Wallets {
		if w.Currency == "USD" {
			return w
		}
	}
	return core.Wallet{TenantID: tenant, AgentID: agentID, Currency: "USD"}
}

func (h *harness) lock(amount, bps, windowMs int64, agreement string) core.ToolCallHold {
	h.t.Helper()
	var hold core.ToolCallHold
	status := h.do(http.MethodPost, "/ops/tool-calls/holds/lock", arbitration.LockRequest{
		PayerAgentID: "payer", PayeeAgentID: "payee",
		AmountCents: amount, Currency: "USD",
		HoldbackBps: bps, ChallengeWindowMs: windowMs,
		AgreementHash: agreement, ReceiptHash: hex64("22"),
		RequestBindingSHA256: hex64("33"),
	}, &hold)
	h.mustStatus(status, http.StatusCreated, "lock hold")
	return hold
}

func (h *harness) envelope(hold core.ToolCallHold) core.DisputeOpenEnvelope {
	return core.DisputeOpenEnvelope{
		V:               arbitration.EnvelopeVersion,
		EnvelopeID:      "denv_" + uuid.NewString(),
		CaseID:          core.CaseIDFor(hold.AgreementHash),
		TenantID:        tenant,
		AgreementHash:   hold.AgreementHash,
		ReceiptHash:     hold.ReceiptHash,
		HoldHash:        hold.HoldHash,
		OpenedByAgentID: "payer",
		OpenedAt:        h.clock.Now().UnixMilli(),
		ReasonCode:      "RESULT_NOT_AS_AGREED",
		EvidenceRefs:    []string{"http:request_sha256:" + hex64("33")},
		Nonce:           uuid.NewString(),
	}
}

func (h *harness) openDispute(hold core.ToolCallHold, override *arbitration.AdminOverride) core.ArbitrationCase {
	h.t.Helper()
	env := h.envelope(hold)
	if err := arbitration.SignEnvelope(&env, h.openerKey); err != nil {
		h.t.Fatalf("sign envelope: %v", err)
	}
	var arbCase core.ArbitrationCase
	status := h.do(http.MethodPost, "/tool-calls/arbitration/open", arbitration.OpenRequest{
		Envelope: env, ArbiterAgentID: "arbiter", AdminOverride: override,
	}, &arbCase)
	h.mustStatus(status, http.StatusCreated, "open dispute")
	return arbCase
}

func (h *harness) verdict(caseID string, rate int64) arbitration.VerdictResult {
	h.t.Helper()
	v := core.ArbitrationVerdict{
		V:              arbitration.VerdictVersion,
		VerdictID:      "verdict_" + uuid.NewString(),
		CaseID:         caseID,
		TenantID:       tenant,
		ArbiterAgentID: "arbiter",
		Outcome:        core.VerdictAccepted,
		ReleaseRatePct: rate,
		IssuedAt:       h.clock.Now().UnixMilli(),
	}
	if err := arbitration.SignVerdict(&v, h.arbiterKey); err != nil {
		h.t.Fatalf("sign verdict: %v", err)
	}
	var res arbitration.VerdictResult
	h.mustStatus(h.do(http.MethodPost, "/tool-calls/arbitration/verdict", v, &res), http.StatusOK, "verdict")
	return res
}

func (h *harness) maintenance() arbitration.MaintenanceReport {
	h.t.Helper()
	var report arbitration.MaintenanceReport
	status := h.do(http.MethodPost, "/ops/maintenance/tool-call-holdback/run", struct{}{}, &report)
	h.mustStatus(status, http.StatusOK, "run maintenance")
	return report
}

func (h *harness) checkWallet(agentID string, available, escrowLocked, heldback int64) {
	h.t.Helper()
	w := h.wallet(agentID)
	if w.AvailableCents != available || w.EscrowLockedCents != escrowLocked || w.HeldbackCents != heldback {
		h.t.Fatalf("%s wallet = {available:%d escrowLocked:%d heldback:%d}, want {available:%d escrowLocked:%d heldback:%d}",
			agentID, w.AvailableCents, w.EscrowLockedCents, w.HeldbackCents, available, escrowLocked, heldback)
	}
}

// Scenario: a disputed holdback paid out in full to the payee. The open
// dispute blocks the maintenance sweep; the 100% verdict releases everything.
func TestPayeeWinHoldbackRelease(t *testing.T) {
	h := newHarness(t)
	h.register("payer", h.openerKey)
	h.register("payee", nil)
	h.register("arbiter", h.arbiterKey)
	h.credit("payer", 10000)

	agreement := hex64("11")
	hold := h.lock(10000, 2000, 1000, agreement)
	if hold.HeldAmountCents != 2000 {
		t.Fatalf("held = %d, want 2000", hold.HeldAmountCents)
	}
	h.checkWallet("payer", 0, 0, 0)
	h.checkWallet("payee", 8000, 0, 2000)

	arbCase := h.openDispute(hold, nil)
	if arbCase.Status != core.CaseUnderReview {
		t.Fatalf("case status = %q, want %q", arbCase.Status, core.CaseUnderReview)
	}

	h.clock.Advance(2 * time.Second)
	report := h.maintenance()
	if report.ReleasedCount != 0 || report.BlockedCount != 1 {
		t.Fatalf("maintenance = released:%d blocked:%d, want released:0 blocked:1",
			report.ReleasedCount, report.BlockedCount)
	}

	res := h.verdict(arbCase.CaseID, 100)
	if want := "sadj_agmt_" + agreement + "_holdback"; res.Adjustment.AdjustmentID != want {
		t.Fatalf("adjustmentId = %q, want %q", res.Adjustment.AdjustmentID, want)
	}
	if res.Adjustment.Kind != core.AdjustmentHoldbackRelease {
		t.Fatalf("kind = %q, want %q", res.Adjustment.Kind, core.AdjustmentHoldbackRelease)
	}
	if res.Adjustment.AmountCents != 2000 {
		t.Fatalf("adjustment amount = %d, want 2000", res.Adjustment.AmountCents)
	}
	h.checkWallet("payer", 0, 0, 0)
	h.checkWallet("payee", 10000, 0, 0)

	// The same signed verdict body replays without a second money movement.
	replay := h.verdict(arbCase.CaseID, 100)
	if !replay.AlreadyExisted {
		t.Fatal("verdict replay should return the stored adjustment")
	}
	h.checkWallet("payee", 10000, 0, 0)
}

// Scenario: the window expires undisputed, an operator override opens the
// case anyway, and the 0% verdict refunds the payer.
func TestPayerWinHoldbackRefund(t *testing.T) {
	h := newHarness(t)
	h.register("payer", h.openerKey)
	h.register("payee", nil)
	h.register("arbiter", h.arbiterKey)
	h.credit("payer", 5000)

	hold := h.lock(5000, 2000, 1000, hex64("44"))
	if hold.HeldAmountCents != 1000 {
		t.Fatalf("held = %d, want 1000", hold.HeldAmountCents)
	}

	h.clock.Advance(2 * time.Second)

	// Past the deadline without an override the open fails closed.
	env := h.envelope(hold)
	if err := arbitration.SignEnvelope(&env, h.openerKey); err != nil {
		t.Fatalf("sign envelope: %v", err)
	}
	var ce core.Error
	status := h.do(http.MethodPost, "/tool-calls/arbitration/open",
		arbitration.OpenRequest{Envelope: env, ArbiterAgentID: "arbiter"}, &ce)
	if status != http.StatusConflict || ce.Code != core.CodeDisputeWindowExpired {
		t.Fatalf("expired open = %d %q, want 409 %q", status, ce.Code, core.CodeDisputeWindowExpired)
	}

	arbCase := h.openDispute(hold, &arbitration.AdminOverride{Enabled: true, Reason: "operator review"})
	if !arbCase.AdminOverridden {
		t.Fatal("case should record the admin override")
	}

	res := h.verdict(arbCase.CaseID, 0)
	if res.Adjustment.Kind != core.AdjustmentHoldbackRefund {
		t.Fatalf("kind = %q, want %q", res.Adjustment.Kind, core.AdjustmentHoldbackRefund)
	}
	if res.Hold.Status != core.HoldRefunded {
		t.Fatalf("hold status = %q, want %q", res.Hold.Status, core.HoldRefunded)
	}
	// Only the held portion moves on a verdict; the 4000 released at
	// verification stays with the payee.
	h.checkWallet("payer", 1000, 0, 0)
	h.checkWallet("payee", 4000, 0, 0)
}

// Scenario: nobody disputes, so the sweep past the deadline auto-releases the
// holdback and credits the payee's reputation facts.
func TestAutoReleaseWithoutDispute(t *testing.T) {
	h := newHarness(t)
	h.register("payer", h.openerKey)
	h.register("payee", nil)
	h.credit("payer", 5000)

	agreement := hex64("55")
	h.lock(5000, 2000, 1000, agreement)

	if report := h.maintenance(); report.ReleasedCount != 0 {
		t.Fatalf("pre-deadline sweep released %d holds", report.ReleasedCount)
	}

	h.clock.Advance(2 * time.Second)
	report := h.maintenance()
	if report.ReleasedCount != 1 {
		t.Fatalf("released = %d, want 1", report.ReleasedCount)
	}
	if len(report.AdjustmentIDs) != 1 || report.AdjustmentIDs[0] != core.AdjustmentID(agreement) {
		t.Fatalf("adjustmentIds = %v, want [%s]", report.AdjustmentIDs, core.AdjustmentID(agreement))
	}
	h.checkWallet("payee", 5000, 0, 0)

	var view reputation.View
	h.mustStatus(h.do(http.MethodGet, "/agents/payee/reputation", nil, &view), http.StatusOK, "reputation")
	if view.AutoReleasedCents != 1000 {
		t.Fatalf("autoReleasedCents = %d, want 1000", view.AutoReleasedCents)
	}

	// The sweep is idempotent.
	if report := h.maintenance(); report.ReleasedCount != 0 {
		t.Fatalf("second sweep released %d holds", report.ReleasedCount)
	}
}

// Scenario: the authority grant's spend envelope gates authorization with
// stable reason codes for per-call, running-total, and revocation breaches.
func TestAuthorityGrantSpendLimits(t *testing.T) {
	h := newHarness(t)
	h.register("payer", nil)
	h.register("payee", nil)
	h.credit("payer", 1000)

	var grant core.AuthorityGrant
	status := h.do(http.MethodPost, "/authority-grants", grants.IssueRequest{
		PrincipalRef:   "org:acme",
		GranteeAgentID: "payer",
		SpendEnvelope:  core.SpendEnvelope{Currency: "USD", MaxPerCallCents: 400, MaxTotalCents: 600},
		ExpiresAt:      h.clock.Now().Add(time.Hour).UnixMilli(),
		Revocable:      true,
	}, &grant)
	h.mustStatus(status, http.StatusCreated, "issue grant")

	authorize := func(amountCents int64) (int, string) {
		var gate core.X402Gate
		status := h.do(http.MethodPost, "/x402/gate/create", escrow.CreateRequest{
			PayerAgentID: "payer", PayeeAgentID: "payee",
			ToolID: "tool.translate.v2", AmountCents: amountCents, Currency: "USD",
			AuthorityGrantRef: grant.GrantID,
		}, &gate)
		h.mustStatus(status, http.StatusCreated, "create gate")

		var body json.RawMessage
		status = h.do(http.MethodPost, "/x402/gate/authorize-payment",
			map[string]string{"gateId": gate.GateID}, &body)
		var ce core.Error
		_ = json.Unmarshal(body, &ce)
		return status, ce.Code
	}

	steps := []struct {
		name        string
		amountCents int64
		revokeFirst bool
		wantStatus  int
		wantCode    string
	}{
		{name: "within per-call limit", amountCents: 300, wantStatus: http.StatusOK},
		{name: "per-call limit exceeded", amountCents: 500, wantStatus: http.StatusConflict,
			wantCode: "X402_AUTHORITY_GRANT_PER_CALL_EXCEEDED"},
		{name: "running total exceeded", amountCents: 350, wantStatus: http.StatusConflict,
			wantCode: "X402_AUTHORITY_GRANT_TOTAL_EXCEEDED"},
		{name: "revoked grant", amountCents: 100, revokeFirst: true, wantStatus: http.StatusConflict,
			wantCode: "X402_AUTHORITY_GRANT_REVOKED"},
	}
	for _, step := range steps {
		t.Run(step.name, func(t *testing.T) {
			if step.revokeFirst {
				status := h.do(http.MethodPost, "/authority-grants/"+grant.GrantID+"/revoke",
					map[string]string{"reasonCode": "PRINCIPAL_REQUEST"}, nil)
				h.mustStatus(status, http.StatusOK, "revoke grant")
			}
			status, code := authorize(step.amountCents)
			if status != step.wantStatus {
				t.Fatalf("authorize %d: status = %d, want %d", step.amountCents, status, step.wantStatus)
			}
			if step.wantCode != "" && code != step.wantCode {
				t.Fatalf("authorize %d: code = %q, want %q", step.amountCents, code, step.wantCode)
			}
		})
	}
}

// Scenario: a governance revocation invalidates later event signatures. The
// bundle verifier rederives key status from the governance log and must
// reject a job event sealed after the revocation, whatever public_keys.json
// says.
func TestGovernanceKeyRevocationFailsBundleVerify(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	successor := mustKey(t)
	_, err := h.store.CommitTx(ctx, store.SystemTenant, []store.Op{
		store.EventOp(eventchain.Draft{
			StreamID: core.GovernanceStream,
			Type:     core.EventKeyAdded,
			Actor:    "system",
			Payload:  map[string]interface{}{"keyId": successor.KeyID, "publicKeyPem": successor.PublicKeyPEM},
		}),
	})
	if err != nil {
		t.Fatalf("add successor key: %v", err)
	}

	// The successor signs the revocation of the server key.
	h.clock.Advance(time.Second)
	h.store.SetSealer(eventchain.NewSealer(successor, h.clock))
	_, err = h.store.CommitTx(ctx, store.SystemTenant, []store.Op{
		store.EventOp(eventchain.Draft{
			StreamID: core.GovernanceStream,
			Type:     core.EventKeyRevoked,
			Actor:    "system",
			Payload:  map[string]interface{}{"keyId": h.serverKey.KeyID, "reason": "compromised"},
		}),
	})
	if err != nil {
		t.Fatalf("revoke server key: %v", err)
	}

	// The revoked key then seals a tenant event.
	h.clock.Advance(time.Second)
	h.store.SetSealer(eventchain.NewSealer(h.serverKey, h.clock))
	h.register("probe", nil)

	govEvents, err := h.store.StreamEvents(ctx, store.SystemTenant, core.GovernanceStream)
	if err != nil {
		t.Fatalf("governance stream: %v", err)
	}
	if err := h.keyring.Rebuild(govEvents); err != nil {
		t.Fatalf("keyring rebuild: %v", err)
	}

	var exported struct {
		Dir string `json:"dir"`
	}
	status := h.do(http.MethodPost, "/ops/proof-bundles/export",
		map[string]interface{}{"streamIds": []string{"agent:probe"}}, &exported)
	h.mustStatus(status, http.StatusCreated, "export bundle")

	var report proofbundle.Report
	status = h.do(http.MethodPost, "/ops/proof-bundles/verify",
		map[string]interface{}{"dir": exported.Dir}, &report)
	h.mustStatus(status, http.StatusOK, "verify bundle")

	if report.OK {
		t.Fatal("verification should fail for an event sealed by a revoked key")
	}
	if report.Detail == nil || report.Detail.Reason != "KEY_REVOKED" {
		t.Fatalf("detail = %+v, want reason KEY_REVOKED", report.Detail)
	}
}

// Scenario: the published delegation example hashes identically however its
// keys are ordered in the source text.
func TestCanonicalHashIsKeyOrderIndependent(t *testing.T) {
	published, err := os.ReadFile(filepath.Join("..", "docs", "agreement_delegation_v1.example.json"))
	if err != nil {
		t.Fatalf("read example: %v", err)
	}
	// The same document with every object's keys in reverse order.
	reversed := []byte(`{
		"nonce": "6f1c9f3a-0b62-4b21-9a4f-58a1f4b3d9c1",
		"delegation": {
			"validity": {"expiresAt": 1702592000000, "notBefore": 1700000000000, "issuedAt": 1700000000000},
			"chainBinding": {"maxDelegationDepth": 2, "depth": 1},
			"spendEnvelope": {"maxTotalCents": 10000, "maxPerCallCents": 2000, "currency": "USD"},
			"scope": {
				"sideEffectingAllowed": false,
				"allowedRiskClasses": ["low"],
				"allowedToolIds": ["tool.translate.v2"],
				"allowedProviderIds": ["prov_alpha"]
			},
			"granteeAgentId": "agent_payer",
			"principalRef": "org:acme"
		},
		"agreement": {
			"challengeWindowMs": 86400000,
			"holdbackBps": 2000,
			"currency": "USD",
			"priceCents": 1250,
			"toolId": "tool.translate.v2",
			"providerId": "prov_alpha",
			"payeeAgentId": "agent_payee",
			"payerAgentId": "agent_payer"
		},
		"v": "AgreementDelegation.v1"
	}`)

	if canonical.HashBytes(published) == canonical.HashBytes(reversed) {
		t.Fatal("fixture texts should differ byte-wise")
	}

	hashes := make([]string, 0, 2)
	for _, raw := range [][]byte{published, reversed} {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var doc interface{}
		if err := dec.Decode(&doc); err != nil {
			t.Fatalf("decode: %v", err)
		}
		hash, err := canonical.Hash(doc)
		if err != nil {
			t.Fatalf("canonical hash: %v", err)
		}
		hashes = append(hashes, hash)
	}
	if hashes[0] != hashes[1] {
		t.Fatalf("canonical hashes differ: %s vs %s", hashes[0], hashes[1])
	}
}

func mustKey(t *testing.T) *signing.KeyPair {
	t.Helper()
	kp, err := signing.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return kp
}

func hex64(pair string) string {
	out := ""
	for i := 0; i < 32; i++ {
		out += pair
	}
	return out
}
