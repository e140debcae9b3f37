// Package grants issues, revokes, and enforces AuthorityGrant.v1 envelopes.
// Enforcement is evaluated atomically at gate authorization; every rejection
// carries one of the stable X402_AUTHORITY_GRANT_* reason codes.
package grants

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nooterra/substrate/internal/canonical"
	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/store"
)

// Service owns the grant lifecycle for all tenants.
type Service struct {
	store  store.Store
	clock  core.Clock
	logger *log.Logger
}

func NewService(s store.Store, clock core.Clock, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: s, clock: clock, logger: logger}
}

// IssueRequest is the caller-supplied portion of a new grant.
type IssueRequest struct {
	PrincipalRef   string             `json:"principalRef"`
	GranteeAgentID string             `json:"granteeAgentId"`
	Scope          core.GrantScope    `json:"scope"`
	SpendEnvelope  core.SpendEnvelope `json:"spendEnvelope"`
	ChainBinding   core.ChainBinding  `json:"chainBinding"`
	NotBefore      int64              `json:"notBefore,omitempty"` // unix millis; 0 = now
	ExpiresAt      int64              `json:"expiresAt"`           // unix millis
	Revocable      bool               `json:"revocable"`
	SignerKeyID    string             `json:"signerKeyId,omitempty"`
	Signature      string             `json:"signature,omitempty"`
}

// Issue validates and persists a new grant, appending AUTHORITY_GRANT_ISSUED
// to the grant's stream.
func (s *Service) Issue(ctx context.Context, tenantID string, req IssueRequest) (*core.AuthorityGrant, error) {
	if req.PrincipalRef == "" {
		return nil, core.NewError(core.CodeValidationRequired, "principalRef is required")
	}
	if req.GranteeAgentID == "" {
		return nil, core.NewError(core.CodeValidationRequired, "granteeAgentId is required")
	}
	if req.SpendEnvelope.Currency == "" {
		return nil, core.NewError(core.CodeValidationRequired, "spendEnvelope.currency is required")
	}
	if req.SpendEnvelope.MaxPerCallCents <= 0 || req.SpendEnvelope.MaxTotalCents <= 0 {
		return nil, core.NewError(core.CodeValidationInvalid, "spend envelope limits must be positive")
	}
	if req.ExpiresAt <= 0 {
		return nil, core.NewError(core.CodeValidationRequired, "validity.expiresAt is required")
	}
	if _, err := s.store.GetAgent(ctx, tenantID, req.GranteeAgentID); err != nil {
		return nil, err
	}

	now := s.clock.Now().UnixMilli()
	notBefore := req.NotBefore
	if notBefore == 0 {
		notBefore = now
	}
	grant := &core.AuthorityGrant{
		V:              "AuthorityGrant.v1",
		GrantID:        "agrant_" + uuid.NewString(),
		TenantID:       tenantID,
		PrincipalRef:   req.PrincipalRef,
		GranteeAgentID: req.GranteeAgentID,
		Scope:          req.Scope,
		SpendEnvelope:  req.SpendEnvelope,
		ChainBinding:   req.ChainBinding,
		Validity:       core.GrantValidity{IssuedAt: now, NotBefore: notBefore, ExpiresAt: req.ExpiresAt},
		Revocation:     core.GrantRevocation{Revocable: req.Revocable},
		SignerKeyID:    req.SignerKeyID,
		Signature:      req.Signature,
	}
	hash, err := Hash(grant)
	if err != nil {
		return nil, err
	}
	grant.GrantHash = hash

	_, err = s.store.CommitTx(ctx, tenantID, []store.Op{
		{PutGrant: grant},
		store.EventOp(eventDraft(grant, core.EventGrantIssued, map[string]interface{}{
			"grantId":        grant.GrantID,
			"granteeAgentId": grant.GranteeAgentID,
			"principalRef":   grant.PrincipalRef,
			"grantHash":      grant.GrantHash,
		})),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("[Grants] issued %s grantee=%s maxPerCall=%d maxTotal=%d",
		grant.GrantID, grant.GranteeAgentID, grant.SpendEnvelope.MaxPerCallCents, grant.SpendEnvelope.MaxTotalCents)
	return grant, nil
}

// Revoke marks a grant revoked with a non-empty reason code.
func (s *Service) Revoke(ctx context.Context, tenantID, grantID, reasonCode string) (*core.AuthorityGrant, error) {
	if reasonCode == "" {
		return nil, core.NewError(core.CodeValidationRequired, "revocationReasonCode is required")
	}
	grant, err := s.store.GetGrant(ctx, tenantID, grantID)
	if err != nil {
		return nil, err
	}
	if !grant.Revocation.Revocable {
		return nil, core.NewError(core.CodeValidationInvalid, "grant is not revocable").
			WithDetail("grantId", grantID)
	}
	if grant.Revoked() {
		return grant, nil
	}
	grant.Revocation.RevokedAt = s.clock.Now().UnixMilli()
	grant.Revocation.RevocationReasonCode = reasonCode

	_, err = s.store.CommitTx(ctx, tenantID, []store.Op{
		{PutGrant: grant},
		store.EventOp(eventDraft(grant, core.EventGrantRevoked, map[string]interface{}{
			"grantId":              grant.GrantID,
			"revocationReasonCode": reasonCode,
			"revokedAt":            grant.Revocation.RevokedAt,
		})),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Printf("[Grants] revoked %s reason=%s", grantID, reasonCode)
	return grant, nil
}

// List returns all grants for a tenant.
func (s *Service) List(ctx context.Context, tenantID string) ([]*core.AuthorityGrant, error) {
	return s.store.ListGrants(ctx, tenantID)
}

// Get returns one grant.
func (s *Service) Get(ctx context.Context, tenantID, grantID string) (*core.AuthorityGrant, error) {
	return s.store.GetGrant(ctx, tenantID, grantID)
}

// CheckAuthorize enforces the grant against one gate at authorization time.
// Checks run in a fixed order so callers see deterministic reason codes:
// revoked, window, actor, scope, per-call, running total.
func (s *Service) CheckAuthorize(ctx context.Context, grant *core.AuthorityGrant, gate *core.X402Gate, now time.Time) error {
	nowMs := now.UnixMilli()
	if grant.Revoked() {
		return core.NewError(core.CodeGrantRevoked, "authority grant has been revoked").
			WithDetail("grantId", grant.GrantID).
			WithDetail("revocationReasonCode", grant.Revocation.RevocationReasonCode)
	}
	if nowMs >= grant.Validity.ExpiresAt {
		return core.NewError(core.CodeGrantExpired, "authority grant has expired").
			WithDetail("grantId", grant.GrantID).
			WithDetail("expiresAt", grant.Validity.ExpiresAt)
	}
	if nowMs < grant.Validity.NotBefore {
		return core.NewError(core.CodeGrantNotActive, "authority grant is not yet active").
			WithDetail("grantId", grant.GrantID).
			WithDetail("notBefore", grant.Validity.NotBefore)
	}
	if gate.PayerAgentID != grant.GranteeAgentID {
		return core.NewError(core.CodeGrantActorMismatch, "payer is not the grantee of this grant").
			WithDetail("grantId", grant.GrantID).
			WithDetail("granteeAgentId", grant.GranteeAgentID).
			WithDetail("payerAgentId", gate.PayerAgentID)
	}
	if err := checkScope(grant, gate); err != nil {
		return err
	}
	if gate.Currency != grant.SpendEnvelope.Currency {
		return core.NewError(core.CodeValidationInvalid, "gate currency does not match grant spend envelope").
			WithDetail("grantCurrency", grant.SpendEnvelope.Currency).
			WithDetail("gateCurrency", gate.Currency)
	}
	if gate.AmountCents > grant.SpendEnvelope.MaxPerCallCents {
		return core.NewError(core.CodeGrantPerCallExceeded, "amount exceeds grant per-call limit").
			WithDetail("grantId", grant.GrantID).
			WithDetail("amountCents", gate.AmountCents).
			WithDetail("maxPerCallCents", grant.SpendEnvelope.MaxPerCallCents)
	}
	total, err := s.RunningTotal(ctx, grant.TenantID, grant.GrantID)
	if err != nil {
		return err
	}
	if total+gate.AmountCents > grant.SpendEnvelope.MaxTotalCents {
		return core.NewError(core.CodeGrantTotalExceeded, "amount exceeds grant total spend limit").
			WithDetail("grantId", grant.GrantID).
			WithDetail("runningTotalCents", total).
			WithDetail("amountCents", gate.AmountCents).
			WithDetail("maxTotalCents", grant.SpendEnvelope.MaxTotalCents)
	}
	return nil
}

func checkScope(grant *core.AuthorityGrant, gate *core.X402Gate) error {
	deny := func(field, value string) error {
		return core.NewError(core.CodeGrantScopeDenied, "gate is outside the grant scope").
			WithDetail("grantId", grant.GrantID).
			WithDetail(field, value)
	}
	if !scopeAllows(grant.Scope.AllowedProviderIDs, gate.ProviderID) {
		return deny("providerId", gate.ProviderID)
	}
	if !scopeAllows(grant.Scope.AllowedToolIDs, gate.ToolID) {
		return deny("toolId", gate.ToolID)
	}
	if !scopeAllows(grant.Scope.AllowedRiskClasses, gate.RiskClass) {
		return deny("riskClass", gate.RiskClass)
	}
	return nil
}

// scopeAllows treats an empty allow-list as unrestricted.
func scopeAllows(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == value || a == "*" {
			return true
		}
	}
	return false
}

// RunningTotal sums gate amounts charged against a grant. Every state except
// created and refunded counts: authorization reserves the spend, a refund
// returns it.
func (s *Service) RunningTotal(ctx context.Context, tenantID, grantID string) (int64, error) {
	gates, err := s.store.ListGatesByGrant(ctx, tenantID, grantID)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, g := range gates {
		if g.CountsAgainstGrant() {
			total += g.AmountCents
		}
	}
	return total, nil
}

// Hash computes grantHash over the canonical form minus signature fields.
func Hash(g *core.AuthorityGrant) (string, error) {
	cp := *g
	cp.Signature = ""
	cp.SignerKeyID = ""
	cp.GrantHash = ""
	return canonical.Hash(&cp)
}

func eventDraft(g *core.AuthorityGrant, evType string, payload map[string]interface{}) eventchain.Draft {
	return eventchain.Draft{
		TenantID: g.TenantID,
		StreamID: "authority_grant:" + g.GrantID,
		Type:     evType,
		Actor:    g.PrincipalRef,
		Payload:  payload,
	}
}
