// Package escrow runs the x402 gate state machine: one gate per paid tool
// call, from create through authorize, execute, and verify, ending in
// released, refunded, or held pending a challenge window.
package escrow

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/events"
	"github.com/nooterra/substrate/internal/grants"
	"github.com/nooterra/substrate/internal/ledger"
	"github.com/nooterra/substrate/internal/reputation"
	"github.com/nooterra/substrate/internal/store"
)

// Service owns gate transitions. Per-gate locking is provided by commitTx
// linearization plus the state preconditions checked on every transition.
type Service struct {
	store      store.Store
	grants     *grants.Service
	reputation *reputation.Service
	clock      core.Clock
	metrics    *Metrics
	bus        events.Emitter
	logger     *log.Logger
}

func NewService(s store.Store, g *grants.Service, r *reputation.Service, clock core.Clock, metrics *Metrics, bus events.Emitter, logger *log.Logger) *Service {
	if bus == nil {
		bus = events.NopEmitter{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: s, grants: g, reputation: r, clock: clock, metrics: metrics, bus: bus, logger: logger}
}

// CreateRequest opens a new gate in state created.
type CreateRequest struct {
	PayerAgentID      string `json:"payerAgentId"`
	PayeeAgentID      string `json:"payeeAgentId"`
	ProviderID        string `json:"providerId"`
	ToolID            string `json:"toolId"`
	RiskClass         string `json:"riskClass"`
	AmountCents       int64  `json:"amountCents"`
	Currency          string `json:"currency"`
	AuthorityGrantRef string `json:"authorityGrantRef"`
	HoldbackBps       int64  `json:"holdbackBps"`
	ChallengeWindowMs int64  `json:"challengeWindowMs"`
}

// Create validates participants and opens the gate.
func (s *Service) Create(ctx context.Context, tenantID string, req CreateRequest) (*core.X402Gate, error) {
	if req.PayerAgentID == "" || req.PayeeAgentID == "" {
		return nil, s.fail(tenantID, core.NewError(core.CodeValidationRequired, "payerAgentId and payeeAgentId are required"))
	}
	if req.AmountCents <= 0 {
		return nil, s.fail(tenantID, core.NewError(core.CodeValidationInvalid, "amountCents must be positive"))
	}
	if req.Currency == "" {
		return nil, s.fail(tenantID, core.NewError(core.CodeValidationRequired, "currency is required"))
	}
	if req.HoldbackBps < 0 || req.HoldbackBps > 10000 {
		return nil, s.fail(tenantID, core.NewError(core.CodeValidationInvalid, "holdbackBps must be in [0,10000]"))
	}
	if err := s.checkLifecycle(ctx, tenantID, req.PayerAgentID); err != nil {
		return nil, s.fail(tenantID, err)
	}
	if err := s.checkLifecycle(ctx, tenantID, req.PayeeAgentID); err != nil {
		return nil, s.fail(tenantID, err)
	}
	if req.AuthorityGrantRef != "" {
		if _, err := s.grants.Get(ctx, tenantID, req.AuthorityGrantRef); err != nil {
			return nil, s.fail(tenantID, err)
		}
	}

	now := s.clock.Now()
	gate := &core.X402Gate{
		GateID:            "gate_" + uuid.NewString(),
		TenantID:          tenantID,
		PayerAgentID:      req.PayerAgentID,
		PayeeAgentID:      req.PayeeAgentID,
		ProviderID:        req.ProviderID,
		ToolID:            req.ToolID,
		RiskClass:         req.RiskClass,
		AmountCents:       req.AmountCents,
		Currency:          req.Currency,
		AuthorityGrantRef: req.AuthorityGrantRef,
		State:             core.GateCreated,
		HoldbackBps:       req.HoldbackBps,
		ChallengeWindowMs: req.ChallengeWindowMs,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	_, err := s.store.CommitTx(ctx, tenantID, []store.Op{
		{PutGate: gate},
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: gate.StreamID(),
			Type:     core.EventGateCreated,
			Actor:    gate.PayerAgentID,
			Payload: map[string]interface{}{
				"gateId":       gate.GateID,
				"payerAgentId": gate.PayerAgentID,
				"payeeAgentId": gate.PayeeAgentID,
				"toolId":       gate.ToolID,
				"amountCents":  gate.AmountCents,
				"currency":     gate.Currency,
				"holdbackBps":  gate.HoldbackBps,
			},
		}),
	})
	if err != nil {
		return nil, s.fail(tenantID, err)
	}
	s.metrics.RecordTransition(tenantID, string(core.GateCreated))
	s.bus.Emit("substrate.gate.created", tenantID, gate.GateID, map[string]interface{}{
		"gateId": gate.GateID, "amountCents": gate.AmountCents,
	})
	return gate, nil
}

// AuthorizePayment moves created → authorized after the full grant check.
func (s *Service) AuthorizePayment(ctx context.Context, tenantID, gateID string) (*core.X402Gate, error) {
	gate, err := s.store.GetGate(ctx, tenantID, gateID)
	if err != nil {
		return nil, s.fail(tenantID, err)
	}
	if gate.State != core.GateCreated {
		return nil, s.fail(tenantID, invalidState(gate, "authorize-payment"))
	}
	if err := s.checkLifecycle(ctx, tenantID, gate.PayerAgentID); err != nil {
		return nil, s.fail(tenantID, err)
	}
	if gate.AuthorityGrantRef == "" {
		return nil, s.fail(tenantID, core.NewError(core.CodeValidationRequired, "gate has no authorityGrantRef"))
	}
	grant, err := s.grants.Get(ctx, tenantID, gate.AuthorityGrantRef)
	if err != nil {
		return nil, s.fail(tenantID, err)
	}
	if err := s.grants.CheckAuthorize(ctx, grant, gate, s.clock.Now()); err != nil {
		return nil, s.fail(tenantID, err)
	}
	wallet, err := s.store.GetWallet(ctx, tenantID, gate.PayerAgentID, gate.Currency)
	if err != nil {
		return nil, s.fail(tenantID, err)
	}
	if wallet.AvailableCents < gate.AmountCents {
		return nil, s.fail(tenantID, core.NewError(core.CodeInsufficientFunds, "payer balance below gate amount").
			WithDetail("haveCents", wallet.AvailableCents).
			WithDetail("wantCents", gate.AmountCents))
	}

	gate.State = core.GateAuthorized
	gate.UpdatedAt = s.clock.Now()
	// The running total is re-checked inside the commit so a concurrent
	// authorization against the same grant cannot slip past maxTotalCents.
	_, err = s.store.CommitTx(ctx, tenantID, []store.Op{
		{ChargeGrant: &store.GrantCharge{
			GrantID:       grant.GrantID,
			GateID:        gate.GateID,
			AmountCents:   gate.AmountCents,
			MaxTotalCents: grant.SpendEnvelope.MaxTotalCents,
		}},
		{PutGate: gate},
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: gate.StreamID(),
			Type:     core.EventGateAuthorized,
			Actor:    gate.PayerAgentID,
			Payload: map[string]interface{}{
				"gateId":            gate.GateID,
				"authorityGrantRef": gate.AuthorityGrantRef,
			},
		}),
	})
	if err != nil {
		return nil, s.fail(tenantID, err)
	}
	s.metrics.RecordTransition(tenantID, string(core.GateAuthorized))
	return gate, nil
}

// Execute moves authorized → executed, locking the payer's escrow.
func (s *Service) Execute(ctx context.Context, tenantID, gateID string) (*core.X402Gate, error) {
	gate, err := s.store.GetGate(ctx, tenantID, gateID)
	if err != nil {
		return nil, s.fail(tenantID, err)
	}
	return s.execute(ctx, gate)
}

func (s *Service) execute(ctx context.Context, gate *core.X402Gate) (*core.X402Gate, error) {
	tenantID := gate.TenantID
	if gate.State != core.GateAuthorized {
		return nil, s.fail(tenantID, invalidState(gate, "execute"))
	}
	gate.State = core.GateExecuted
	gate.UpdatedAt = s.clock.Now()
	_, err := s.store.CommitTx(ctx, tenantID, []store.Op{
		store.LedgerOp(ledger.Op{
			Kind: ledger.EscrowLock, AgentID: gate.PayerAgentID,
			Currency: gate.Currency, AmountCents: gate.AmountCents, Ref: gate.GateID,
		}),
		{PutGate: gate},
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: gate.StreamID(),
			Type:     core.EventGateExecuted,
			Actor:    gate.PayerAgentID,
			Payload:  map[string]interface{}{"gateId": gate.GateID, "amountCents": gate.AmountCents},
		}),
	})
	if err != nil {
		return nil, s.fail(tenantID, err)
	}
	s.metrics.RecordTransition(tenantID, string(core.GateExecuted))
	s.metrics.AddLocked(tenantID, gate.Currency, gate.AmountCents)
	return gate, nil
}

// VerifyRequest settles an executed gate. Status green releases (or holds
// back a fraction); red refunds the payer.
type VerifyRequest struct {
	GateID               string `json:"gateId"`
	Status               string `json:"status"` // "green" | "red"
	AgreementHash        string `json:"agreementHash"`
	ReceiptHash          string `json:"receiptHash"`
	RequestBindingSHA256 string `json:"requestBindingSha256,omitempty"`
	RunID                string `json:"runId,omitempty"`
}

// VerifyResult is the settlement outcome.
type VerifyResult struct {
	Gate       *core.X402Gate     `json:"gate"`
	Hold       *core.ToolCallHold `json:"hold,omitempty"`
	Settlement *core.Settlement   `json:"settlement,omitempty"`
}

// Verify applies the verification outcome. A gate still in authorized state
// is executed implicitly so callers can authorize-then-verify in two calls.
func (s *Service) Verify(ctx context.Context, tenantID string, req VerifyRequest) (*VerifyResult, error) {
	started := time.Now()
	defer func() { s.metrics.ObserveVerify(tenantID, time.Since(started).Seconds()) }()

	if req.Status != "green" && req.Status != "red" {
		return nil, s.fail(tenantID, core.NewError(core.CodeValidationInvalid, `status must be "green" or "red"`))
	}
	gate, err := s.store.GetGate(ctx, tenantID, req.GateID)
	if err != nil {
		return nil, s.fail(tenantID, err)
	}
	if gate.State == core.GateAuthorized {
		if gate, err = s.execute(ctx, gate); err != nil {
			return nil, err
		}
	}
	if gate.State != core.GateExecuted {
		return nil, s.fail(tenantID, invalidState(gate, "verify"))
	}

	if req.Status == "red" {
		return s.refund(ctx, gate)
	}
	if req.AgreementHash == "" || req.ReceiptHash == "" {
		return nil, s.fail(tenantID, core.NewError(core.CodeValidationRequired, "agreementHash and receiptHash are required for green verification"))
	}
	return s.settle(ctx, gate, req)
}

func (s *Service) refund(ctx context.Context, gate *core.X402Gate) (*VerifyResult, error) {
	tenantID := gate.TenantID
	gate.State = core.GateRefunded
	gate.UpdatedAt = s.clock.Now()
	_, err := s.store.CommitTx(ctx, tenantID, []store.Op{
		store.LedgerOp(ledger.Op{
			Kind: ledger.EscrowRefund, AgentID: gate.PayerAgentID,
			Currency: gate.Currency, AmountCents: gate.AmountCents, Ref: gate.GateID,
		}),
		{PutGate: gate},
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: gate.StreamID(),
			Type:     core.EventGateRefunded,
			Actor:    "verifier",
			Payload:  map[string]interface{}{"gateId": gate.GateID, "amountCents": gate.AmountCents},
		}),
	})
	if err != nil {
		return nil, s.fail(tenantID, err)
	}
	s.metrics.RecordTransition(tenantID, string(core.GateRefunded))
	s.metrics.RecordSettlement(tenantID, "refunded", gate.AmountCents)
	s.metrics.AddLocked(tenantID, gate.Currency, -gate.AmountCents)
	s.bus.Emit("substrate.gate.refunded", tenantID, gate.GateID, map[string]interface{}{
		"gateId": gate.GateID, "amountCents": gate.AmountCents,
	})
	return &VerifyResult{Gate: gate}, nil
}

func (s *Service) settle(ctx context.Context, gate *core.X402Gate, req VerifyRequest) (*VerifyResult, error) {
	tenantID := gate.TenantID
	now := s.clock.Now()
	held := gate.AmountCents * gate.HoldbackBps / 10000
	released := gate.AmountCents - held

	gate.AgreementHash = req.AgreementHash
	gate.ReceiptHash = req.ReceiptHash
	gate.UpdatedAt = now

	settlement := &core.Settlement{
		SettlementID:  "stl_" + uuid.NewString(),
		TenantID:      tenantID,
		GateID:        gate.GateID,
		RunID:         req.RunID,
		AgreementHash: req.AgreementHash,
		ReceiptHash:   req.ReceiptHash,
		Bindings: core.SettlementBinding{
			Request: core.BindingSource{SHA256: req.RequestBindingSHA256},
		},
		AmountCents:  gate.AmountCents,
		HeldCents:    held,
		Currency:     gate.Currency,
		PayerAgentID: gate.PayerAgentID,
		PayeeAgentID: gate.PayeeAgentID,
		SettledAt:    now,
	}

	ops := []store.Op{
		store.LedgerOp(ledger.Op{
			Kind: ledger.EscrowRelease, AgentID: gate.PayerAgentID, CounterpartyID: gate.PayeeAgentID,
			Currency: gate.Currency, AmountCents: released, Ref: gate.GateID,
		}),
	}

	var hold *core.ToolCallHold
	if held > 0 {
		gate.State = core.GateHeld
		hold = &core.ToolCallHold{
			HoldHash: core.HoldHashFor(req.AgreementHash, req.ReceiptHash, held,
				gate.Currency, gate.PayerAgentID, gate.PayeeAgentID),
			TenantID:          tenantID,
			AgreementHash:     req.AgreementHash,
			ReceiptHash:       req.ReceiptHash,
			GateID:            gate.GateID,
			PayerAgentID:      gate.PayerAgentID,
			PayeeAgentID:      gate.PayeeAgentID,
			Currency:          gate.Currency,
			HeldAmountCents:   held,
			TotalAmountCents:  gate.AmountCents,
			ChallengeDeadline: now.Add(time.Duration(gate.ChallengeWindowMs) * time.Millisecond),
			Status:            core.HoldHeld,
			CreatedAt:         now,
		}
		ops = append(ops,
			store.LedgerOp(ledger.Op{
				Kind: ledger.HoldbackPlace, AgentID: gate.PayerAgentID, CounterpartyID: gate.PayeeAgentID,
				Currency: gate.Currency, AmountCents: held, Ref: gate.GateID,
			}),
			store.Op{PutHold: hold},
			store.EventOp(eventchain.Draft{
				TenantID: tenantID,
				StreamID: hold.StreamID(),
				Type:     core.EventHoldLocked,
				Actor:    "verifier",
				Payload: map[string]interface{}{
					"holdHash":          hold.HoldHash,
					"agreementHash":     hold.AgreementHash,
					"receiptHash":       hold.ReceiptHash,
					"heldAmountCents":   hold.HeldAmountCents,
					"totalAmountCents":  hold.TotalAmountCents,
					"challengeDeadline": hold.ChallengeDeadline.UnixMilli(),
				},
			}),
		)
	} else {
		gate.State = core.GateReleased
	}

	ops = append(ops,
		store.Op{PutGate: gate},
		store.Op{PutSettlement: settlement},
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: gate.StreamID(),
			Type:     core.EventGateVerified,
			Actor:    "verifier",
			Payload: map[string]interface{}{
				"gateId":        gate.GateID,
				"status":        "green",
				"agreementHash": req.AgreementHash,
				"receiptHash":   req.ReceiptHash,
				"heldCents":     held,
				"releasedCents": released,
			},
		}),
	)
	if gate.State == core.GateReleased {
		repOp, err := s.reputation.SettledOp(ctx, tenantID, gate.PayeeAgentID, released)
		if err != nil {
			return nil, s.fail(tenantID, err)
		}
		ops = append(ops, repOp,
			store.EventOp(eventchain.Draft{
				TenantID: tenantID,
				StreamID: gate.StreamID(),
				Type:     core.EventGateReleased,
				Actor:    "verifier",
				Payload:  map[string]interface{}{"gateId": gate.GateID, "amountCents": released},
			}),
		)
	}

	if _, err := s.store.CommitTx(ctx, tenantID, ops); err != nil {
		return nil, s.fail(tenantID, err)
	}
	s.metrics.RecordTransition(tenantID, string(gate.State))
	s.metrics.AddLocked(tenantID, gate.Currency, -gate.AmountCents)
	if held > 0 {
		s.metrics.RecordSettlement(tenantID, "held", held)
	}
	s.metrics.RecordSettlement(tenantID, "released", released)
	s.bus.Emit("substrate.gate.verified", tenantID, gate.GateID, map[string]interface{}{
		"gateId": gate.GateID, "state": string(gate.State), "heldCents": held, "releasedCents": released,
	})
	s.logger.Printf("[Escrow] gate %s verified state=%s released=%d held=%d",
		gate.GateID, gate.State, released, held)
	return &VerifyResult{Gate: gate, Hold: hold, Settlement: settlement}, nil
}

// Get returns one gate.
func (s *Service) Get(ctx context.Context, tenantID, gateID string) (*core.X402Gate, error) {
	return s.store.GetGate(ctx, tenantID, gateID)
}

// checkLifecycle fails closed for suspended agents and retryably for
// throttled ones.
func (s *Service) checkLifecycle(ctx context.Context, tenantID, agentID string) error {
	agent, err := s.store.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return err
	}
	switch agent.Lifecycle {
	case core.LifecycleSuspended:
		return core.NewError(core.CodeAgentSuspended, "agent is suspended").WithDetail("agentId", agentID)
	case core.LifecycleThrottled:
		return core.NewError(core.CodeAgentThrottled, "agent is throttled").WithDetail("agentId", agentID)
	}
	return nil
}

func invalidState(gate *core.X402Gate, op string) error {
	return core.NewError(core.CodeGateInvalidState, "gate state does not permit "+op).
		WithDetail("gateId", gate.GateID).
		WithDetail("state", string(gate.State))
}

func (s *Service) fail(tenantID string, err error) error {
	if ce, ok := core.AsError(err); ok {
		s.metrics.RecordFailure(tenantID, ce.Code)
	}
	return err
}
