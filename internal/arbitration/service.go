// Package arbitration runs the holdback challenge window: locking holds,
// opening signed disputes, accepting signed verdicts, and closing every hold
// with exactly one deterministic settlement adjustment.
package arbitration

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra/substrate/internal/canonical"
	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/events"
	"github.com/nooterra/substrate/internal/ledger"
	"github.com/nooterra/substrate/internal/reputation"
	"github.com/nooterra/substrate/internal/signing"
	"github.com/nooterra/substrate/internal/store"
)

// bindingEvidencePrefix tags the request-binding evidence ref in envelopes
// and verdicts.
const bindingEvidencePrefix = "http:request_sha256:"

// Service owns holds, cases, verdicts, and adjustments.
type Service struct {
	store      store.Store
	reputation *reputation.Service
	clock      core.Clock
	metrics    *Metrics
	bus        events.Emitter
	locker     Locker
	logger     *log.Logger
}

func NewService(s store.Store, r *reputation.Service, clock core.Clock, metrics *Metrics, bus events.Emitter, locker Locker, logger *log.Logger) *Service {
	if bus == nil {
		bus = events.NopEmitter{}
	}
	if locker == nil {
		locker = StoreLocker{Store: s}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: s, reputation: r, clock: clock, metrics: metrics, bus: bus, locker: locker, logger: logger}
}

// LockRequest creates a hold directly through the ops surface: escrow the
// full amount from the payer, pay out the non-held fraction, and retain the
// holdback for the challenge window.
type LockRequest struct {
	PayerAgentID         string `json:"payerAgentId"`
	PayeeAgentID         string `json:"payeeAgentId"`
	AmountCents          int64  `json:"amountCents"`
	Currency             string `json:"currency"`
	HoldbackBps          int64  `json:"holdbackBps"`
	ChallengeWindowMs    int64  `json:"challengeWindowMs"`
	AgreementHash        string `json:"agreementHash"`
	ReceiptHash          string `json:"receiptHash"`
	RequestBindingSHA256 string `json:"requestBindingSha256"`
	GateID               string `json:"gateId,omitempty"`
}

// LockHold performs the composite lock in one commitTx.
func (s *Service) LockHold(ctx context.Context, tenantID string, req LockRequest) (*core.ToolCallHold, error) {
	if req.PayerAgentID == "" || req.PayeeAgentID == "" {
		return nil, core.NewError(core.CodeValidationRequired, "payerAgentId and payeeAgentId are required")
	}
	if req.AmountCents <= 0 {
		return nil, core.NewError(core.CodeValidationInvalid, "amountCents must be positive")
	}
	if req.HoldbackBps <= 0 || req.HoldbackBps > 10000 {
		return nil, core.NewError(core.CodeValidationInvalid, "holdbackBps must be in (0,10000]")
	}
	if !canonical.IsHashHex(req.AgreementHash) || !canonical.IsHashHex(req.ReceiptHash) {
		return nil, core.NewError(core.CodeValidationInvalid, "agreementHash and receiptHash must be 64-char lowercase hex")
	}
	if _, err := s.store.GetHold(ctx, tenantID, req.AgreementHash); err == nil {
		return nil, core.NewError(core.CodeHoldAlreadyExists, "a hold already exists for this agreement").
			WithDetail("agreementHash", req.AgreementHash)
	}

	now := s.clock.Now()
	held := req.AmountCents * req.HoldbackBps / 10000
	released := req.AmountCents - held
	hold := &core.ToolCallHold{
		HoldHash: core.HoldHashFor(req.AgreementHash, req.ReceiptHash, held,
			req.Currency, req.PayerAgentID, req.PayeeAgentID),
		TenantID:          tenantID,
		AgreementHash:     req.AgreementHash,
		ReceiptHash:       req.ReceiptHash,
		GateID:            req.GateID,
		PayerAgentID:      req.PayerAgentID,
		PayeeAgentID:      req.PayeeAgentID,
		Currency:          req.Currency,
		HeldAmountCents:   held,
		TotalAmountCents:  req.AmountCents,
		ChallengeDeadline: now.Add(time.Duration(req.ChallengeWindowMs) * time.Millisecond),
		Status:            core.HoldHeld,
		CreatedAt:         now,
	}
	settlement := &core.Settlement{
		SettlementID:  "stl_" + uuid.NewString(),
		TenantID:      tenantID,
		GateID:        req.GateID,
		AgreementHash: req.AgreementHash,
		ReceiptHash:   req.ReceiptHash,
		Bindings:      core.SettlementBinding{Request: core.BindingSource{SHA256: req.RequestBindingSHA256}},
		AmountCents:   req.AmountCents,
		HeldCents:     held,
		Currency:      req.Currency,
		PayerAgentID:  req.PayerAgentID,
		PayeeAgentID:  req.PayeeAgentID,
		SettledAt:     now,
	}

	_, err := s.store.CommitTx(ctx, tenantID, []store.Op{
		store.LedgerOp(ledger.Op{Kind: ledger.EscrowLock, AgentID: req.PayerAgentID,
			Currency: req.Currency, AmountCents: req.AmountCents, Ref: hold.HoldHash}),
		store.LedgerOp(ledger.Op{Kind: ledger.EscrowRelease, AgentID: req.PayerAgentID, CounterpartyID: req.PayeeAgentID,
			Currency: req.Currency, AmountCents: released, Ref: hold.HoldHash}),
		store.LedgerOp(ledger.Op{Kind: ledger.HoldbackPlace, AgentID: req.PayerAgentID, CounterpartyID: req.PayeeAgentID,
			Currency: req.Currency, AmountCents: held, Ref: hold.HoldHash}),
		{PutHold: hold},
		{PutSettlement: settlement},
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: hold.StreamID(),
			Type:     core.EventHoldLocked,
			Actor:    "ops",
			Payload: map[string]interface{}{
				"holdHash":          hold.HoldHash,
				"agreementHash":     hold.AgreementHash,
				"receiptHash":       hold.ReceiptHash,
				"heldAmountCents":   held,
				"totalAmountCents":  req.AmountCents,
				"challengeDeadline": hold.ChallengeDeadline.UnixMilli(),
			},
		}),
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordHoldLocked(tenantID)
	s.logger.Printf("[Arbitration] hold locked agreement=%s held=%d released=%d",
		shortHash(req.AgreementHash), held, released)
	return hold, nil
}

// AdminOverride lets an operator open a dispute past the challenge deadline.
// The override is recorded as an ops-audit event on the hold's stream.
type AdminOverride struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

// OpenRequest opens a dispute over a held hold.
type OpenRequest struct {
	Envelope       core.DisputeOpenEnvelope `json:"envelope"`
	ArbiterAgentID string                   `json:"arbiterAgentId"`
	AdminOverride  *AdminOverride           `json:"adminOverride,omitempty"`
}

// OpenDispute validates a DisputeOpenEnvelope.v1 fail-closed and, on
// success, freezes the hold and creates the arbitration case.
func (s *Service) OpenDispute(ctx context.Context, tenantID string, req OpenRequest) (*core.ArbitrationCase, error) {
	c, err := s.openDispute(ctx, tenantID, req)
	if err != nil {
		s.metrics.RecordDispute(tenantID, "rejected")
		return nil, err
	}
	s.metrics.RecordDispute(tenantID, "accepted")
	return c, nil
}

func (s *Service) openDispute(ctx context.Context, tenantID string, req OpenRequest) (*core.ArbitrationCase, error) {
	env := req.Envelope
	if env.V != EnvelopeVersion {
		return nil, core.NewError(core.CodeValidationInvalid, "unsupported envelope version").
			WithDetail("v", env.V)
	}
	if req.ArbiterAgentID == "" {
		return nil, core.NewError(core.CodeValidationRequired, "arbiterAgentId is required")
	}

	// 1. The canonical hash must match the asserted envelopeHash.
	computed, err := EnvelopeHash(&env)
	if err != nil {
		return nil, err
	}
	if computed != env.EnvelopeHash {
		return nil, core.NewError(core.CodeDisputeHashMismatch, "envelopeHash does not match canonical form").
			WithDetail("computed", computed)
	}

	// 2. The opener's registered key must verify the signature.
	if err := s.verifyAgentSignature(ctx, tenantID, env.OpenedByAgentID, env.SignerKeyID,
		env.EnvelopeHash, env.Signature, signing.PurposeDisputeOpen); err != nil {
		return nil, core.NewError(core.CodeDisputeInvalidSigner, "dispute envelope signature rejected").
			WithDetail("reason", err.Error()).
			WithDetail("signerKeyId", env.SignerKeyID)
	}

	hold, err := s.store.GetHold(ctx, tenantID, env.AgreementHash)
	if err != nil {
		return nil, err
	}
	if hold.ReceiptHash != env.ReceiptHash || hold.HoldHash != env.HoldHash {
		return nil, core.NewError(core.CodeValidationInvalid, "envelope does not reference this hold").
			WithDetail("holdHash", hold.HoldHash)
	}

	// 3. Within the challenge window, or an explicit admin override.
	overridden := false
	if env.OpenedAt > hold.ChallengeDeadline.UnixMilli() {
		if req.AdminOverride == nil || !req.AdminOverride.Enabled || req.AdminOverride.Reason == "" {
			return nil, core.NewError(core.CodeDisputeWindowExpired, "challenge window has expired").
				WithDetail("challengeDeadline", hold.ChallengeDeadline.UnixMilli()).
				WithDetail("openedAt", env.OpenedAt)
		}
		overridden = true
	}

	// 4. The hold must still be held.
	if hold.Status == core.HoldDisputed {
		return nil, core.NewError(core.CodeDisputeAlreadyOpen, "a dispute is already open for this agreement").
			WithDetail("caseId", core.CaseIDFor(env.AgreementHash))
	}
	if hold.Status != core.HoldHeld {
		return nil, core.NewError(core.CodeHoldNotHeld, "hold is already resolved").
			WithDetail("status", string(hold.Status))
	}

	// 5. A settlement binding source must exist for the agreement.
	settlement, err := s.store.GetSettlementByAgreement(ctx, tenantID, env.AgreementHash)
	if err != nil || settlement.Bindings.Request.SHA256 == "" {
		return nil, core.NewError(core.CodeBindingSourceNeeded, "no request binding source recorded for this agreement").
			WithDetail("agreementHash", env.AgreementHash)
	}

	// 6. The envelope must cite exactly that binding hash as evidence.
	if err := checkBindingEvidence(env.EvidenceRefs, settlement.Bindings.Request.SHA256,
		core.CodeOpenBindingRequired, core.CodeOpenBindingMismatch); err != nil {
		return nil, err
	}

	// 7. One case per agreement.
	if existing, err := s.store.GetCaseByAgreement(ctx, tenantID, env.AgreementHash); err == nil {
		return nil, core.NewError(core.CodeDisputeAlreadyOpen, "a dispute is already open for this agreement").
			WithDetail("caseId", existing.CaseID)
	}

	now := s.clock.Now()
	arbCase := &core.ArbitrationCase{
		CaseID:          core.CaseIDFor(env.AgreementHash),
		TenantID:        tenantID,
		AgreementHash:   env.AgreementHash,
		ReceiptHash:     env.ReceiptHash,
		HoldHash:        env.HoldHash,
		OpenedBy:        env.OpenedByAgentID,
		ArbiterAgentID:  req.ArbiterAgentID,
		Status:          core.CaseUnderReview,
		EvidenceRefs:    env.EvidenceRefs,
		Revision:        1,
		OpenedAt:        now,
		BindingSHA256:   settlement.Bindings.Request.SHA256,
		AdminOverridden: overridden,
	}
	hold.Status = core.HoldDisputed

	envBody, err := canonical.Marshal(&env)
	if err != nil {
		return nil, err
	}
	ops := []store.Op{
		{PutCase: arbCase},
		{PutHold: hold},
		{PutArtifact: &core.Artifact{
			TenantID:   tenantID,
			ArtifactID: core.DisputeArtifactID(env.AgreementHash),
			Kind:       EnvelopeVersion,
			Body:       envBody,
			CreatedAt:  now,
		}},
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: hold.StreamID(),
			Type:     core.EventDisputeOpened,
			Actor:    env.OpenedByAgentID,
			Payload: map[string]interface{}{
				"caseId":          arbCase.CaseID,
				"agreementHash":   env.AgreementHash,
				"openedByAgentId": env.OpenedByAgentID,
				"reasonCode":      env.ReasonCode,
				"envelopeHash":    env.EnvelopeHash,
			},
		}),
	}
	if overridden {
		ops = append(ops, store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: hold.StreamID(),
			Type:     core.EventOpsAudit,
			Actor:    env.OpenedByAgentID,
			Payload: map[string]interface{}{
				"action": "dispute_open_admin_override",
				"caseId": arbCase.CaseID,
				"reason": req.AdminOverride.Reason,
			},
		}))
	}
	repOp, err := s.reputation.DisputeOpenedOp(ctx, tenantID, env.OpenedByAgentID)
	if err != nil {
		return nil, err
	}
	ops = append(ops, repOp)

	if _, err := s.store.CommitTx(ctx, tenantID, ops); err != nil {
		return nil, err
	}
	s.bus.Emit("substrate.dispute.opened", tenantID, arbCase.CaseID, map[string]interface{}{
		"caseId": arbCase.CaseID, "agreementHash": env.AgreementHash,
	})
	s.logger.Printf("[Arbitration] dispute opened case=%s by=%s override=%v",
		arbCase.CaseID, env.OpenedByAgentID, overridden)
	return arbCase, nil
}

// VerdictResult reports the applied (or replayed) adjustment.
type VerdictResult struct {
	Case           *core.ArbitrationCase      `json:"case"`
	Hold           *core.ToolCallHold         `json:"hold"`
	Adjustment     *core.SettlementAdjustment `json:"adjustment"`
	AlreadyExisted bool                       `json:"alreadyExisted"`
}

// AcceptVerdict validates an ArbitrationVerdict.v1 and applies the
// deterministic settlement adjustment. Replays of an already-applied verdict
// return the stored adjustment with alreadyExisted=true.
func (s *Service) AcceptVerdict(ctx context.Context, tenantID string, verdict core.ArbitrationVerdict) (*VerdictResult, error) {
	if verdict.V != VerdictVersion {
		return nil, core.NewError(core.CodeValidationInvalid, "unsupported verdict version").
			WithDetail("v", verdict.V)
	}

	// 1. Canonical hash check.
	computed, err := VerdictHash(&verdict)
	if err != nil {
		return nil, err
	}
	if computed != verdict.VerdictHash {
		return nil, core.NewError(core.CodeVerdictHashMismatch, "verdictHash does not match canonical form").
			WithDetail("computed", computed)
	}

	// 2. Arbiter signature under the arbitration_verdict purpose.
	if err := s.verifyAgentSignature(ctx, tenantID, verdict.ArbiterAgentID, verdict.SignerKeyID,
		verdict.VerdictHash, verdict.Signature, signing.PurposeArbitrationVerdict); err != nil {
		return nil, core.NewError(core.CodeVerdictInvalidSigner, "verdict signature rejected").
			WithDetail("reason", err.Error()).
			WithDetail("signerKeyId", verdict.SignerKeyID)
	}

	// 3. Case must be under review by this arbiter.
	arbCase, err := s.store.GetCase(ctx, tenantID, verdict.CaseID)
	if err != nil {
		return nil, err
	}
	if arbCase.Status != core.CaseUnderReview {
		return s.replayIfApplied(ctx, tenantID, arbCase)
	}
	if arbCase.ArbiterAgentID != verdict.ArbiterAgentID {
		return nil, core.NewError(core.CodeVerdictArbiterWrong, "verdict arbiter does not match the case's designated arbiter").
			WithDetail("caseArbiter", arbCase.ArbiterAgentID).
			WithDetail("verdictArbiter", verdict.ArbiterAgentID)
	}

	// 4. Binding evidence cited by the verdict must match the case's.
	if hasBindingEvidence(verdict.EvidenceRefs) {
		if err := checkBindingEvidence(verdict.EvidenceRefs, arbCase.BindingSHA256,
			core.CodeVerdictBindingWrong, core.CodeVerdictBindingWrong); err != nil {
			return nil, err
		}
	}

	// 5. Release rate bounds.
	if verdict.ReleaseRatePct < 0 || verdict.ReleaseRatePct > 100 {
		return nil, core.NewError(core.CodeVerdictRateOutOfRange, "releaseRatePct must be in [0,100]").
			WithDetail("releaseRatePct", verdict.ReleaseRatePct)
	}

	// 6. Arbiter lifecycle.
	arbiter, err := s.store.GetAgent(ctx, tenantID, verdict.ArbiterAgentID)
	if err != nil {
		return nil, err
	}
	if arbiter.Lifecycle != core.LifecycleActive {
		return nil, core.NewError(core.CodeVerdictInvalidSigner, "arbiter is not active").
			WithDetail("lifecycleStatus", string(arbiter.Lifecycle))
	}

	hold, err := s.store.GetHold(ctx, tenantID, arbCase.AgreementHash)
	if err != nil {
		return nil, err
	}
	return s.applyVerdict(ctx, tenantID, arbCase, hold, &verdict)
}

// replayIfApplied serves idempotent verdict retries on a closed case.
func (s *Service) replayIfApplied(ctx context.Context, tenantID string, arbCase *core.ArbitrationCase) (*VerdictResult, error) {
	adj, err := s.store.GetAdjustment(ctx, tenantID, core.AdjustmentID(arbCase.AgreementHash))
	if err != nil {
		return nil, core.NewError(core.CodeVerdictCaseNotOpen, "case is not under review").
			WithDetail("caseId", arbCase.CaseID).
			WithDetail("status", string(arbCase.Status))
	}
	hold, err := s.store.GetHold(ctx, tenantID, arbCase.AgreementHash)
	if err != nil {
		return nil, err
	}
	return &VerdictResult{Case: arbCase, Hold: hold, Adjustment: adj, AlreadyExisted: true}, nil
}

func (s *Service) applyVerdict(ctx context.Context, tenantID string, arbCase *core.ArbitrationCase, hold *core.ToolCallHold, verdict *core.ArbitrationVerdict) (*VerdictResult, error) {
	now := s.clock.Now()
	held := hold.HeldAmountCents
	released := held * verdict.ReleaseRatePct / 100
	refunded := held - released

	kind := core.AdjustmentHoldbackRelease
	holdStatus := core.HoldReleased
	if verdict.ReleaseRatePct == 0 {
		kind = core.AdjustmentHoldbackRefund
		holdStatus = core.HoldRefunded
	}

	adj := &core.SettlementAdjustment{
		AdjustmentID:   core.AdjustmentID(hold.AgreementHash),
		TenantID:       tenantID,
		AgreementHash:  hold.AgreementHash,
		HoldHash:       hold.HoldHash,
		Kind:           kind,
		AmountCents:    held,
		ReleasedCents:  released,
		RefundedCents:  refunded,
		ReleaseRatePct: verdict.ReleaseRatePct,
		RoundingMode:   "payer_rounds_up",
		TriggeredBy:    "verdict",
		VerdictID:      verdict.VerdictID,
		AppliedAt:      now,
	}

	hold.Status = holdStatus
	hold.ResolvedAt = now
	arbCase.Status = core.CaseClosed
	arbCase.ClosedAt = now
	arbCase.VerdictID = verdict.VerdictID

	verdictBody, err := canonical.Marshal(verdict)
	if err != nil {
		return nil, err
	}
	ops := []store.Op{{PutAdjustment: adj}}
	if released > 0 {
		ops = append(ops, store.LedgerOp(ledger.Op{
			Kind: ledger.HoldbackRelease, AgentID: hold.PayeeAgentID,
			Currency: hold.Currency, AmountCents: released, Ref: adj.AdjustmentID,
		}))
	}
	if refunded > 0 {
		ops = append(ops, store.LedgerOp(ledger.Op{
			Kind: ledger.HoldbackRefund, AgentID: hold.PayeeAgentID, CounterpartyID: hold.PayerAgentID,
			Currency: hold.Currency, AmountCents: refunded, Ref: adj.AdjustmentID,
		}))
	}
	resolvedEvent := core.EventHoldReleased
	if holdStatus == core.HoldRefunded {
		resolvedEvent = core.EventHoldRefunded
	}
	ops = append(ops,
		store.Op{PutHold: hold},
		store.Op{PutCase: arbCase},
		store.Op{PutArtifact: &core.Artifact{
			TenantID:   tenantID,
			ArtifactID: verdict.VerdictID,
			Kind:       VerdictVersion,
			Body:       verdictBody,
			CreatedAt:  now,
		}},
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: hold.StreamID(),
			Type:     core.EventVerdictAccepted,
			Actor:    verdict.ArbiterAgentID,
			Payload: map[string]interface{}{
				"caseId":         arbCase.CaseID,
				"verdictId":      verdict.VerdictID,
				"releaseRatePct": verdict.ReleaseRatePct,
				"verdictHash":    verdict.VerdictHash,
			},
		}),
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: hold.StreamID(),
			Type:     core.EventAdjustmentApplied,
			Actor:    verdict.ArbiterAgentID,
			Payload: map[string]interface{}{
				"adjustmentId":  adj.AdjustmentID,
				"kind":          string(kind),
				"amountCents":   held,
				"releasedCents": released,
				"refundedCents": refunded,
			},
		}),
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: hold.StreamID(),
			Type:     resolvedEvent,
			Actor:    verdict.ArbiterAgentID,
			Payload:  map[string]interface{}{"holdHash": hold.HoldHash, "adjustmentId": adj.AdjustmentID},
		}),
	)
	repOps, err := s.reputation.VerdictOps(ctx, tenantID, hold.PayeeAgentID, hold.PayerAgentID, released, refunded)
	if err != nil {
		return nil, err
	}
	ops = append(ops, repOps...)

	if _, err := s.store.CommitTx(ctx, tenantID, ops); err != nil {
		// A concurrent identical verdict won the race; serve its result.
		if ce, ok := core.AsError(err); ok && ce.Code == core.CodeAdjustmentExists {
			return s.replayIfApplied(ctx, tenantID, arbCase)
		}
		return nil, err
	}
	s.metrics.RecordVerdict(tenantID, string(kind))
	s.metrics.RecordAdjustment(tenantID, "verdict")
	s.bus.Emit("substrate.verdict.applied", tenantID, arbCase.CaseID, map[string]interface{}{
		"caseId": arbCase.CaseID, "adjustmentId": adj.AdjustmentID, "releaseRatePct": verdict.ReleaseRatePct,
	})
	s.logger.Printf("[Arbitration] verdict applied case=%s rate=%d released=%d refunded=%d",
		arbCase.CaseID, verdict.ReleaseRatePct, released, refunded)
	return &VerdictResult{Case: arbCase, Hold: hold, Adjustment: adj}, nil
}

// GetCase returns one case.
func (s *Service) GetCase(ctx context.Context, tenantID, caseID string) (*core.ArbitrationCase, error) {
	return s.store.GetCase(ctx, tenantID, caseID)
}

// ListCases returns all cases for a tenant.
func (s *Service) ListCases(ctx context.Context, tenantID string) ([]*core.ArbitrationCase, error) {
	return s.store.ListCases(ctx, tenantID)
}

// verifyAgentSignature resolves the agent's registered key and checks the
// purpose-bound signature over the given canonical hash. Suspended and
// throttled signers are rejected outright.
func (s *Service) verifyAgentSignature(ctx context.Context, tenantID, agentID, keyID, payloadHash, sig, purpose string) error {
	agent, err := s.store.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return err
	}
	if agent.Lifecycle != core.LifecycleActive {
		return core.NewError(core.CodeSignerKeyNotActive, "signing agent is not active").
			WithDetail("agentId", agentID).
			WithDetail("lifecycleStatus", string(agent.Lifecycle))
	}
	key, ok := agent.KeyByID(keyID)
	if !ok {
		return core.NewError(core.CodeSignerKeyUnknown, "key is not registered for this agent").
			WithDetail("agentId", agentID).
			WithDetail("keyId", keyID)
	}
	pub, err := signing.ParsePublicKeyPEM(key.PublicKeyPEM)
	if err != nil {
		return err
	}
	if !signing.Verify(payloadHash, sig, pub, purpose, signingContext(tenantID)) {
		return core.NewError(core.CodeValidationInvalid, "signature verification failed")
	}
	return nil
}

// checkBindingEvidence enforces exactly one binding-evidence ref equal to
// want. missingCode fires when no ref is present, mismatchCode when refs
// conflict or differ from want.
func checkBindingEvidence(refs []string, want, missingCode, mismatchCode string) error {
	var seen []string
	for _, ref := range refs {
		if strings.HasPrefix(ref, bindingEvidencePrefix) {
			seen = append(seen, strings.TrimPrefix(ref, bindingEvidencePrefix))
		}
	}
	if len(seen) == 0 {
		return core.NewError(missingCode, "binding evidence ref is required").
			WithDetail("expected", bindingEvidencePrefix+want)
	}
	for _, got := range seen {
		if got != want || got != seen[0] {
			return core.NewError(mismatchCode, "binding evidence does not match the recorded binding source").
				WithDetail("got", got).
				WithDetail("want", want)
		}
	}
	return nil
}

func hasBindingEvidence(refs []string) bool {
	for _, ref := range refs {
		if strings.HasPrefix(ref, bindingEvidencePrefix) {
			return true
		}
	}
	return false
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
