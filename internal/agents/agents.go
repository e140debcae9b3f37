// Package agents manages participant registration, wallets, and lifecycle.
package agents

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/events"
	"github.com/nooterra/substrate/internal/ledger"
	"github.com/nooterra/substrate/internal/reserve"
	"github.com/nooterra/substrate/internal/signing"
	"github.com/nooterra/substrate/internal/store"
)

// Service owns agent records and wallet credits.
type Service struct {
	store   store.Store
	reserve reserve.Reserve
	clock   core.Clock
	bus     events.Emitter
	logger  *log.Logger
}

func NewService(s store.Store, rsv reserve.Reserve, clock core.Clock, bus events.Emitter, logger *log.Logger) *Service {
	if bus == nil {
		bus = events.NopEmitter{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: s, reserve: rsv, clock: clock, bus: bus, logger: logger}
}

// RegisterRequest creates an agent. Key ids are derived from the SPKI, never
// caller-supplied.
type RegisterRequest struct {
	AgentID       string   `json:"agentId,omitempty"`
	DisplayName   string   `json:"displayName"`
	OwnerRef      string   `json:"ownerRef"`
	PublicKeyPEMs []string `json:"publicKeyPems,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// Register stores a new active agent and its keys.
func (s *Service) Register(ctx context.Context, tenantID string, req RegisterRequest) (*core.Agent, error) {
	if req.DisplayName == "" {
		return nil, core.NewError(core.CodeValidationRequired, "displayName is required")
	}
	agentID := req.AgentID
	if agentID == "" {
		agentID = "agent_" + uuid.NewString()
	}
	if existing, err := s.store.GetAgent(ctx, tenantID, agentID); err == nil && existing != nil {
		return nil, core.NewError(core.CodeValidationInvalid, "agentId already registered").
			WithDetail("agentId", agentID)
	}

	now := s.clock.Now()
	keys := make([]core.AgentKey, 0, len(req.PublicKeyPEMs))
	for _, pemStr := range req.PublicKeyPEMs {
		keyID, err := signing.KeyIDFromPublicKeyPEM(pemStr)
		if err != nil {
			return nil, core.NewError(core.CodeValidationInvalid, "invalid public key PEM")
		}
		keys = append(keys, core.AgentKey{KeyID: keyID, PublicKeyPEM: pemStr, AddedAt: now.UnixMilli()})
	}

	agent := &core.Agent{
		AgentID:      agentID,
		TenantID:     tenantID,
		DisplayName:  req.DisplayName,
		OwnerRef:     req.OwnerRef,
		PublicKeys:   keys,
		Capabilities: req.Capabilities,
		Lifecycle:    core.LifecycleActive,
		RegisteredAt: now,
	}
	_, err := s.store.CommitTx(ctx, tenantID, []store.Op{
		{PutAgent: agent},
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: "agent:" + agentID,
			Type:     core.EventAgentRegistered,
			Actor:    agentID,
			Payload: map[string]interface{}{
				"agentId":     agentID,
				"displayName": agent.DisplayName,
				"keyCount":    len(keys),
			},
		}),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("[Agents] registered %s (%s) keys=%d", agentID, agent.DisplayName, len(keys))
	s.bus.Emit("substrate.agent.registered", tenantID, agentID, map[string]interface{}{"agentId": agentID})
	return agent, nil
}

// Get returns one agent.
func (s *Service) Get(ctx context.Context, tenantID, agentID string) (*core.Agent, error) {
	return s.store.GetAgent(ctx, tenantID, agentID)
}

// CreditRequest funds a wallet from the reserve.
type CreditRequest struct {
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference,omitempty"`
}

// CreditWallet records a reserve deposit intent and posts the credit.
func (s *Service) CreditWallet(ctx context.Context, tenantID, agentID string, req CreditRequest) (*core.Wallet, error) {
	if req.AmountCents <= 0 {
		return nil, core.NewError(core.CodeValidationInvalid, "amountCents must be positive")
	}
	if req.Currency == "" {
		return nil, core.NewError(core.CodeValidationRequired, "currency is required")
	}
	if _, err := s.store.GetAgent(ctx, tenantID, agentID); err != nil {
		return nil, err
	}
	intent, err := s.reserve.Deposit(ctx, tenantID, agentID, req.AmountCents, req.Currency, req.Reference)
	if err != nil {
		return nil, err
	}
	_, err = s.store.CommitTx(ctx, tenantID, []store.Op{
		store.LedgerOp(ledger.Op{
			Kind: ledger.WalletCredit, AgentID: agentID,
			Currency: req.Currency, AmountCents: req.AmountCents, Ref: intent.IntentID,
		}),
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: "agent:" + agentID,
			Type:     core.EventWalletCredited,
			Actor:    agentID,
			Payload: map[string]interface{}{
				"agentId":     agentID,
				"amountCents": req.AmountCents,
				"currency":    req.Currency,
				"reserveRef":  intent.IntentID,
			},
		}),
	})
	if err != nil {
		return nil, err
	}
	return s.store.GetWallet(ctx, tenantID, agentID, req.Currency)
}

// Wallets lists the agent's balances across currencies.
func (s *Service) Wallets(ctx context.Context, tenantID, agentID string) ([]*core.Wallet, error) {
	if _, err := s.store.GetAgent(ctx, tenantID, agentID); err != nil {
		return nil, err
	}
	return s.store.ListWallets(ctx, tenantID, agentID)
}

// LifecycleRequest moves an agent between active/throttled/suspended.
type LifecycleRequest struct {
	Status core.AgentLifecycle `json:"lifecycleStatus"`
	Note   string              `json:"note,omitempty"`
}

// SetLifecycle transitions the agent and records the change on its stream.
func (s *Service) SetLifecycle(ctx context.Context, tenantID, agentID string, req LifecycleRequest) (*core.Agent, error) {
	switch req.Status {
	case core.LifecycleActive, core.LifecycleThrottled, core.LifecycleSuspended:
	default:
		return nil, core.NewError(core.CodeValidationInvalid, "unknown lifecycleStatus").
			WithDetail("lifecycleStatus", string(req.Status))
	}
	agent, err := s.store.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	agent.Lifecycle = req.Status
	agent.LifecycleNote = req.Note
	_, err = s.store.CommitTx(ctx, tenantID, []store.Op{
		{PutAgent: agent},
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: "agent:" + agentID,
			Type:     core.EventAgentLifecycle,
			Actor:    "ops",
			Payload: map[string]interface{}{
				"agentId":         agentID,
				"lifecycleStatus": string(req.Status),
				"note":            req.Note,
			},
		}),
	})
	if err != nil {
		return nil, err
	}
	s.bus.Emit("substrate.agent.lifecycle", tenantID, agentID, map[string]interface{}{
		"agentId": agentID, "lifecycleStatus": string(req.Status),
	})
	return agent, nil
}
