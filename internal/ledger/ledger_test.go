package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/substrate/internal/core"
)

var at = time.UnixMilli(1_700_000_000_000)

func apply(t *testing.T, ws Wallets, journal *[]core.JournalEntry, op Op) {
	t.Helper()
	entries, err := Apply(ws, "t1", op, at)
	require.NoError(t, err)
	*journal = append(*journal, entries...)
}

func TestFullHoldbackFlowConservesLedger(t *testing.T) {
	ws := make(Wallets)
	var journal []core.JournalEntry

	apply(t, ws, &journal, Op{Kind: WalletCredit, AgentID: "payer", Currency: "USD", AmountCents: 10000})
	apply(t, ws, &journal, Op{Kind: EscrowLock, AgentID: "payer", Currency: "USD", AmountCents: 10000, Ref: "gate1"})
	apply(t, ws, &journal, Op{Kind: EscrowRelease, AgentID: "payer", CounterpartyID: "payee", Currency: "USD", AmountCents: 8000, Ref: "gate1"})
	apply(t, ws, &journal, Op{Kind: HoldbackPlace, AgentID: "payer", CounterpartyID: "payee", Currency: "USD", AmountCents: 2000, Ref: "gate1"})

	payer := ws.Get("t1", "payer", "USD")
	payee := ws.Get("t1", "payee", "USD")
	assert.EqualValues(t, 0, payer.AvailableCents)
	assert.EqualValues(t, 0, payer.EscrowLockedCents)
	assert.EqualValues(t, 8000, payee.AvailableCents)
	assert.EqualValues(t, 2000, payee.HeldbackCents)
	require.NoError(t, CheckConservation(ws, journal))

	apply(t, ws, &journal, Op{Kind: HoldbackRelease, AgentID: "payee", Currency: "USD", AmountCents: 2000, Ref: "sadj1"})
	assert.EqualValues(t, 10000, payee.AvailableCents)
	assert.EqualValues(t, 0, payee.HeldbackCents)
	require.NoError(t, CheckConservation(ws, journal))
}

func TestHoldbackRefundCreditsPayer(t *testing.T) {
	ws := make(Wallets)
	var journal []core.JournalEntry

	apply(t, ws, &journal, Op{Kind: WalletCredit, AgentID: "payer", Currency: "USD", AmountCents: 5000})
	apply(t, ws, &journal, Op{Kind: EscrowLock, AgentID: "payer", Currency: "USD", AmountCents: 5000})
	apply(t, ws, &journal, Op{Kind: EscrowRelease, AgentID: "payer", CounterpartyID: "payee", Currency: "USD", AmountCents: 4000})
	apply(t, ws, &journal, Op{Kind: HoldbackPlace, AgentID: "payer", CounterpartyID: "payee", Currency: "USD", AmountCents: 1000})
	apply(t, ws, &journal, Op{Kind: HoldbackRefund, AgentID: "payee", CounterpartyID: "payer", Currency: "USD", AmountCents: 1000})

	assert.EqualValues(t, 1000, ws.Get("t1", "payer", "USD").AvailableCents)
	assert.EqualValues(t, 4000, ws.Get("t1", "payee", "USD").AvailableCents)
	assert.EqualValues(t, 0, ws.Get("t1", "payee", "USD").HeldbackCents)
	require.NoError(t, CheckConservation(ws, journal))
}

func TestNoPartitionGoesNegative(t *testing.T) {
	cases := []struct {
		name string
		prep []Op
		op   Op
	}{
		{"debit exceeds available", nil, Op{Kind: WalletDebit, AgentID: "a", Currency: "USD", AmountCents: 1}},
		{"lock exceeds available", nil, Op{Kind: EscrowLock, AgentID: "a", Currency: "USD", AmountCents: 1}},
		{"release exceeds locked",
			[]Op{{Kind: WalletCredit, AgentID: "a", Currency: "USD", AmountCents: 100}},
			Op{Kind: EscrowRelease, AgentID: "a", CounterpartyID: "b", Currency: "USD", AmountCents: 50}},
		{"holdback release exceeds heldback", nil, Op{Kind: HoldbackRelease, AgentID: "a", Currency: "USD", AmountCents: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ws := make(Wallets)
			for _, p := range tc.prep {
				_, err := Apply(ws, "t1", p, at)
				require.NoError(t, err)
			}
			_, err := Apply(ws, "t1", tc.op, at)
			require.Error(t, err)
			ce, ok := core.AsError(err)
			require.True(t, ok)
			assert.Equal(t, core.CodeInsufficientFunds, ce.Code)
		})
	}
}

func TestNegativeAmountRejected(t *testing.T) {
	ws := make(Wallets)
	_, err := Apply(ws, "t1", Op{Kind: WalletCredit, AgentID: "a", Currency: "USD", AmountCents: -5}, at)
	require.Error(t, err)
}

func TestInternalMovesNetToZero(t *testing.T) {
	ws := make(Wallets)
	var journal []core.JournalEntry
	apply(t, ws, &journal, Op{Kind: WalletCredit, AgentID: "a", Currency: "USD", AmountCents: 300})
	apply(t, ws, &journal, Op{Kind: EscrowLock, AgentID: "a", Currency: "USD", AmountCents: 300})
	apply(t, ws, &journal, Op{Kind: EscrowRelease, AgentID: "a", CounterpartyID: "b", Currency: "USD", AmountCents: 300})

	var sum int64
	for _, e := range journal {
		sum += e.Delta
	}
	assert.EqualValues(t, 300, sum, "only the external credit moves the tenant total")
}
