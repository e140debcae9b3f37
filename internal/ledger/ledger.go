// Package ledger defines the money-movement op vocabulary and its exact
// application semantics. Both the in-memory and Postgres stores funnel every
// balance change through Apply so the two backends cannot drift.
package ledger

import (
	"fmt"
	"time"

	"github.com/nooterra/substrate/internal/core"
)

// OpKind enumerates the ledger operations commitTx understands.
type OpKind string

const (
	WalletCredit    OpKind = "WALLET_CREDIT"
	WalletDebit     OpKind = "WALLET_DEBIT"
	EscrowLock      OpKind = "ESCROW_LOCK"
	EscrowRelease   OpKind = "ESCROW_RELEASE"
	EscrowRefund    OpKind = "ESCROW_REFUND"
	HoldbackPlace   OpKind = "HOLDBACK_PLACE"
	HoldbackRelease OpKind = "HOLDBACK_RELEASE"
	HoldbackRefund  OpKind = "HOLDBACK_REFUND"
)

// Op is one money movement. AgentID is the primary wallet; CounterpartyID is
// the second wallet for transfer kinds (release, place, refund-to-payer).
type Op struct {
	Kind           OpKind
	AgentID        string
	CounterpartyID string
	Currency       string
	AmountCents    int64
	Ref            string // gate/hold/adjustment id for the journal
}

// Wallets is the mutable balance view a commitTx works against.
type Wallets map[core.WalletKey]*core.Wallet

// Get returns the wallet for (agent, currency), creating a zero wallet.
func (ws Wallets) Get(tenantID, agentID, currency string) *core.Wallet {
	key := core.WalletKey{AgentID: agentID, Currency: currency}
	w, ok := ws[key]
	if !ok {
		w = &core.Wallet{TenantID: tenantID, AgentID: agentID, Currency: currency}
		ws[key] = w
	}
	return w
}

func insufficient(partition, agentID string, have, want int64) error {
	return core.NewError(core.CodeInsufficientFunds,
		fmt.Sprintf("insufficient %s balance for agent %s", partition, agentID)).
		WithDetail("partition", partition).
		WithDetail("haveCents", have).
		WithDetail("wantCents", want)
}

// Apply executes one op against the wallet view, returning the journal lines
// it posts. Internal moves net to zero across the tenant; only external
// credit/debit changes the tenant total. No partition may go negative.
func Apply(ws Wallets, tenantID string, op Op, at time.Time) ([]core.JournalEntry, error) {
	if op.AmountCents < 0 {
		return nil, core.NewError(core.CodeValidationInvalid, "ledger op amount must be non-negative")
	}
	entry := func(agentID string, delta int64) core.JournalEntry {
		return core.JournalEntry{
			TenantID: tenantID,
			AgentID:  agentID,
			Currency: op.Currency,
			Kind:     string(op.Kind),
			Delta:    delta,
			Ref:      op.Ref,
			At:       at,
		}
	}

	switch op.Kind {
	case WalletCredit:
		w := ws.Get(tenantID, op.AgentID, op.Currency)
		w.AvailableCents += op.AmountCents
		return []core.JournalEntry{entry(op.AgentID, op.AmountCents)}, nil

	case WalletDebit:
		w := ws.Get(tenantID, op.AgentID, op.Currency)
		if w.AvailableCents < op.AmountCents {
			return nil, insufficient("available", op.AgentID, w.AvailableCents, op.AmountCents)
		}
		w.AvailableCents -= op.AmountCents
		return []core.JournalEntry{entry(op.AgentID, -op.AmountCents)}, nil

	case EscrowLock:
		w := ws.Get(tenantID, op.AgentID, op.Currency)
		if w.AvailableCents < op.AmountCents {
			return nil, insufficient("available", op.AgentID, w.AvailableCents, op.AmountCents)
		}
		w.AvailableCents -= op.AmountCents
		w.EscrowLockedCents += op.AmountCents
		return []core.JournalEntry{entry(op.AgentID, 0)}, nil

	case EscrowRelease:
		payer := ws.Get(tenantID, op.AgentID, op.Currency)
		payee := ws.Get(tenantID, op.CounterpartyID, op.Currency)
		if payer.EscrowLockedCents < op.AmountCents {
			return nil, insufficient("escrowLocked", op.AgentID, payer.EscrowLockedCents, op.AmountCents)
		}
		payer.EscrowLockedCents -= op.AmountCents
		payee.AvailableCents += op.AmountCents
		return []core.JournalEntry{entry(op.AgentID, -op.AmountCents), entry(op.CounterpartyID, op.AmountCents)}, nil

	case EscrowRefund:
		w := ws.Get(tenantID, op.AgentID, op.Currency)
		if w.EscrowLockedCents < op.AmountCents {
			return nil, insufficient("escrowLocked", op.AgentID, w.EscrowLockedCents, op.AmountCents)
		}
		w.EscrowLockedCents -= op.AmountCents
		w.AvailableCents += op.AmountCents
		return []core.JournalEntry{entry(op.AgentID, 0)}, nil

	case HoldbackPlace:
		payer := ws.Get(tenantID, op.AgentID, op.Currency)
		payee := ws.Get(tenantID, op.CounterpartyID, op.Currency)
		if payer.EscrowLockedCents < op.AmountCents {
			return nil, insufficient("escrowLocked", op.AgentID, payer.EscrowLockedCents, op.AmountCents)
		}
		payer.EscrowLockedCents -= op.AmountCents
		payee.HeldbackCents += op.AmountCents
		return []core.JournalEntry{entry(op.AgentID, -op.AmountCents), entry(op.CounterpartyID, op.AmountCents)}, nil

	case HoldbackRelease:
		w := ws.Get(tenantID, op.AgentID, op.Currency)
		if w.HeldbackCents < op.AmountCents {
			return nil, insufficient("heldback", op.AgentID, w.HeldbackCents, op.AmountCents)
		}
		w.HeldbackCents -= op.AmountCents
		w.AvailableCents += op.AmountCents
		return []core.JournalEntry{entry(op.AgentID, 0)}, nil

	case HoldbackRefund:
		payee := ws.Get(tenantID, op.AgentID, op.Currency)
		payer := ws.Get(tenantID, op.CounterpartyID, op.Currency)
		if payee.HeldbackCents < op.AmountCents {
			return nil, insufficient("heldback", op.AgentID, payee.HeldbackCents, op.AmountCents)
		}
		payee.HeldbackCents -= op.AmountCents
		payer.AvailableCents += op.AmountCents
		return []core.JournalEntry{entry(op.AgentID, -op.AmountCents), entry(op.CounterpartyID, op.AmountCents)}, nil

	default:
		return nil, core.NewError(core.CodeValidationInvalid, fmt.Sprintf("unknown ledger op kind %q", op.Kind))
	}
}

// CheckConservation verifies that the composite wallet sum equals the sum of
// posted journal deltas per currency. Called after every commit in the
// in-memory store and by the reconciliation worker against Postgres.
func CheckConservation(ws Wallets, journal []core.JournalEntry) error {
	walletTotals := make(map[string]int64)
	for _, w := range ws {
		walletTotals[w.Currency] += w.Total()
	}
	journalTotals := make(map[string]int64)
	for _, e := range journal {
		journalTotals[e.Currency] += e.Delta
	}
	for currency, total := range walletTotals {
		if journalTotals[currency] != total {
			return fmt.Errorf("ledger conservation violated for %s: wallets=%d journal=%d",
				currency, total, journalTotals[currency])
		}
	}
	for currency, total := range journalTotals {
		if _, ok := walletTotals[currency]; !ok && total != 0 {
			return fmt.Errorf("ledger conservation violated for %s: wallets=0 journal=%d", currency, total)
		}
	}
	return nil
}
