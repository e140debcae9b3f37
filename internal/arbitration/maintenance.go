package arbitration

import (
	"context"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/ledger"
	"github.com/nooterra/substrate/internal/store"
)

// Locker is the single-flight guard for the maintenance sweep. StoreLocker
// serves a single process; RedisLocker extends the guarantee across workers.
type Locker interface {
	TryLock(key string) (release func(), ok bool)
}

// StoreLocker adapts the store's advisory lock.
type StoreLocker struct {
	Store store.Store
}

func (l StoreLocker) TryLock(key string) (func(), bool) {
	return l.Store.TryAdvisoryLock(key)
}

// MaintenanceReport summarizes one holdback sweep.
type MaintenanceReport struct {
	ScannedCount  int      `json:"scannedCount"`
	ReleasedCount int      `json:"releasedCount"`
	BlockedCount  int      `json:"blockedCount"`
	AdjustmentIDs []string `json:"adjustmentIds"`
}

// RunMaintenance sweeps expired holds for one tenant. Held holds past their
// challenge deadline auto-release; disputed ones are counted as blocked and
// skipped. Only one sweep runs at a time per tenant.
func (s *Service) RunMaintenance(ctx context.Context, tenantID string) (*MaintenanceReport, error) {
	release, ok := s.locker.TryLock("tool_call_holdback:" + tenantID)
	if !ok {
		s.metrics.RecordMaintenance(tenantID, "locked", 0, 0)
		return nil, core.NewError(core.CodeMaintenanceRunning, "another maintenance sweep holds the lock").
			WithDetail("task", "tool_call_holdback")
	}
	defer release()

	now := s.clock.Now()
	report := &MaintenanceReport{}

	held, err := s.store.ListHolds(ctx, tenantID, store.HoldFilter{Status: core.HoldHeld})
	if err != nil {
		return nil, err
	}
	for _, hold := range held {
		if !hold.ChallengeDeadline.Before(now) {
			continue
		}
		report.ScannedCount++
		if err := s.autoRelease(ctx, tenantID, hold); err != nil {
			if ce, ok := core.AsError(err); ok && ce.Code == core.CodeAdjustmentExists {
				continue // a concurrent path already closed this hold
			}
			s.logger.Printf("[Arbitration] maintenance: release %s failed: %v", shortHash(hold.AgreementHash), err)
			continue
		}
		report.ReleasedCount++
		report.AdjustmentIDs = append(report.AdjustmentIDs, core.AdjustmentID(hold.AgreementHash))
		s.metrics.RecordAdjustment(tenantID, "maintenance")
	}

	disputed, err := s.store.ListHolds(ctx, tenantID, store.HoldFilter{Status: core.HoldDisputed})
	if err != nil {
		return nil, err
	}
	for _, hold := range disputed {
		if hold.ChallengeDeadline.Before(now) {
			report.ScannedCount++
			report.BlockedCount++
		}
	}

	s.metrics.RecordMaintenance(tenantID, "ok", report.ReleasedCount, report.BlockedCount)
	s.logger.Printf("[Arbitration] maintenance swept tenant=%s released=%d blocked=%d",
		tenantID, report.ReleasedCount, report.BlockedCount)
	return report, nil
}

// autoRelease closes one unchallenged hold with a full holdback_release.
func (s *Service) autoRelease(ctx context.Context, tenantID string, hold *core.ToolCallHold) error {
	now := s.clock.Now()
	held := hold.HeldAmountCents
	adj := &core.SettlementAdjustment{
		AdjustmentID:   core.AdjustmentID(hold.AgreementHash),
		TenantID:       tenantID,
		AgreementHash:  hold.AgreementHash,
		HoldHash:       hold.HoldHash,
		Kind:           core.AdjustmentHoldbackRelease,
		AmountCents:    held,
		ReleasedCents:  held,
		ReleaseRatePct: 100,
		RoundingMode:   "payer_rounds_up",
		TriggeredBy:    "maintenance",
		AppliedAt:      now,
	}
	hold.Status = core.HoldReleased
	hold.ResolvedAt = now

	repOp, err := s.reputation.AutoReleasedOp(ctx, tenantID, hold.PayeeAgentID, held)
	if err != nil {
		return err
	}
	_, err = s.store.CommitTx(ctx, tenantID, []store.Op{
		{PutAdjustment: adj},
		store.LedgerOp(ledger.Op{
			Kind: ledger.HoldbackRelease, AgentID: hold.PayeeAgentID,
			Currency: hold.Currency, AmountCents: held, Ref: adj.AdjustmentID,
		}),
		{PutHold: hold},
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: hold.StreamID(),
			Type:     core.EventAdjustmentApplied,
			Actor:    "maintenance",
			Payload: map[string]interface{}{
				"adjustmentId": adj.AdjustmentID,
				"kind":         string(core.AdjustmentHoldbackRelease),
				"amountCents":  held,
				"triggeredBy":  "maintenance",
			},
		}),
		store.EventOp(eventchain.Draft{
			TenantID: tenantID,
			StreamID: hold.StreamID(),
			Type:     core.EventHoldReleased,
			Actor:    "maintenance",
			Payload:  map[string]interface{}{"holdHash": hold.HoldHash, "adjustmentId": adj.AdjustmentID},
		}),
		repOp,
	})
	if err != nil {
		return err
	}
	s.bus.Emit("substrate.hold.auto_released", tenantID, hold.AgreementHash, map[string]interface{}{
		"agreementHash": hold.AgreementHash, "amountCents": held,
	})
	return nil
}
