package agents

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/reserve"
	"github.com/nooterra/substrate/internal/signing"
	"github.com/nooterra/substrate/internal/store"
)

type fixture struct {
	svc     *Service
	store   *store.Memory
	reserve *reserve.Stub
	clock   *core.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	kp, err := signing.GenerateKeyPair()
	require.NoError(t, err)
	clock := core.NewFakeClock(time.UnixMilli(1_700_000_000_000))
	mem := store.NewMemory(eventchain.NewSealer(kp, clock), eventchain.NewRegistry(), clock)
	stub := reserve.NewStub(clock, nil)
	return &fixture{svc: NewService(mem, stub, clock, nil, nil), store: mem, reserve: stub, clock: clock}
}

func TestRegisterDerivesKeyIDs(t *testing.T) {
	f := newFixture(t)
	kp, err := signing.GenerateKeyPair()
	require.NoError(t, err)

	agent, err := f.svc.Register(context.Background(), "t1", RegisterRequest{
		DisplayName:   "summarizer",
		OwnerRef:      "principal:acme",
		PublicKeyPEMs: []string{kp.PublicKeyPEM},
	})
	require.NoError(t, err)
	assert.Equal(t, core.LifecycleActive, agent.Lifecycle)
	require.Len(t, agent.PublicKeys, 1)
	assert.Equal(t, kp.KeyID, agent.PublicKeys[0].KeyID)

	// Duplicate registration under the same id is rejected.
	_, err = f.svc.Register(context.Background(), "t1", RegisterRequest{
		AgentID: agent.AgentID, DisplayName: "imposter",
	})
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeValidationInvalid, ce.Code)
}

func TestCreditWalletRecordsReserveIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, err := f.svc.Register(ctx, "t1", RegisterRequest{DisplayName: "payer"})
	require.NoError(t, err)

	w, err := f.svc.CreditWallet(ctx, "t1", agent.AgentID, CreditRequest{AmountCents: 2500, Currency: "USD"})
	require.NoError(t, err)
	assert.EqualValues(t, 2500, w.AvailableCents)

	intents := f.reserve.Intents()
	require.Len(t, intents, 1)
	assert.Equal(t, "deposit", intents[0].Direction)
	assert.EqualValues(t, 2500, intents[0].AmountCents)

	evs, err := f.store.StreamEvents(ctx, "t1", "agent:"+agent.AgentID)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, core.EventAgentRegistered, evs[0].Type)
	assert.Equal(t, core.EventWalletCredited, evs[1].Type)
}

func TestLifecycleTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	agent, err := f.svc.Register(ctx, "t1", RegisterRequest{DisplayName: "flaky"})
	require.NoError(t, err)

	agent, err = f.svc.SetLifecycle(ctx, "t1", agent.AgentID, LifecycleRequest{
		Status: core.LifecycleSuspended, Note: "fraud review",
	})
	require.NoError(t, err)
	assert.Equal(t, core.LifecycleSuspended, agent.Lifecycle)

	_, err = f.svc.SetLifecycle(ctx, "t1", agent.AgentID, LifecycleRequest{Status: "paused"})
	ce, ok := core.AsError(err)
	require.True(t, ok)
	assert.Equal(t, core.CodeValidationInvalid, ce.Code)
}
