// Package reputation derives per-agent facts from settlement outcomes. Facts
// are updated inside the same commitTx as the settlement that produced them,
// so they can always be rebuilt by replaying the event chain.
package reputation

import (
	"context"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/store"
)

// Service reads facts and prepares fact-update ops for commitTx inclusion.
type Service struct {
	store store.Store
}

func NewService(s store.Store) *Service {
	return &Service{store: s}
}

// View is the read model exposed over HTTP.
type View struct {
	core.ReputationFacts
	Score float64 `json:"score"`
}

// Get returns the facts plus derived score for one agent.
func (s *Service) Get(ctx context.Context, tenantID, agentID string) (*View, error) {
	facts, err := s.store.GetFacts(ctx, tenantID, agentID)
	if err != nil {
		return nil, err
	}
	return &View{ReputationFacts: *facts, Score: facts.Score()}, nil
}

// SettledOp stages a clean-settlement fact bump for the payee.
func (s *Service) SettledOp(ctx context.Context, tenantID, payeeAgentID string, releasedCents int64) (store.Op, error) {
	facts, err := s.store.GetFacts(ctx, tenantID, payeeAgentID)
	if err != nil {
		return store.Op{}, err
	}
	facts.SettledCount++
	facts.ReleasedToPayeeCents += releasedCents
	return store.Op{PutFacts: facts}, nil
}

// AutoReleasedOp stages an unchallenged holdback release for the payee.
func (s *Service) AutoReleasedOp(ctx context.Context, tenantID, payeeAgentID string, heldCents int64) (store.Op, error) {
	facts, err := s.store.GetFacts(ctx, tenantID, payeeAgentID)
	if err != nil {
		return store.Op{}, err
	}
	facts.SettledCount++
	facts.AutoReleasedCents += heldCents
	facts.ReleasedToPayeeCents += heldCents
	return store.Op{PutFacts: facts}, nil
}

// DisputeOpenedOp stages the opener's dispute counter.
func (s *Service) DisputeOpenedOp(ctx context.Context, tenantID, openerAgentID string) (store.Op, error) {
	facts, err := s.store.GetFacts(ctx, tenantID, openerAgentID)
	if err != nil {
		return store.Op{}, err
	}
	facts.DisputesOpened++
	return store.Op{PutFacts: facts}, nil
}

// VerdictOps stages fact updates after a verdict split. The payee loses the
// dispute when any part of the hold refunds to the payer.
func (s *Service) VerdictOps(ctx context.Context, tenantID, payeeAgentID, payerAgentID string, releasedCents, refundedCents int64) ([]store.Op, error) {
	payee, err := s.store.GetFacts(ctx, tenantID, payeeAgentID)
	if err != nil {
		return nil, err
	}
	payee.SettledCount++
	payee.ReleasedToPayeeCents += releasedCents
	if refundedCents > 0 {
		payee.DisputesLost++
	}
	ops := []store.Op{{PutFacts: payee}}

	if refundedCents > 0 && payerAgentID != "" {
		payer, err := s.store.GetFacts(ctx, tenantID, payerAgentID)
		if err != nil {
			return nil, err
		}
		payer.RefundedToPayerCents += refundedCents
		ops = append(ops, store.Op{PutFacts: payer})
	}
	return ops, nil
}
