package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/ledger"
)

// Memory is the in-memory store. One mutex linearizes commits; reads outside
// a tx see the state as of the last commit boundary.
type Memory struct {
	mu       sync.RWMutex
	sealer   *eventchain.Sealer
	registry *eventchain.Registry
	clock    core.Clock
	notify   Notifier

	tenants map[string]*tenantState

	advMu    sync.Mutex
	advisory map[string]bool
}

type tenantState struct {
	agents      map[string]*core.Agent
	wallets     ledger.Wallets
	journal     []core.JournalEntry
	journalSeq  int64
	grants      map[string]*core.AuthorityGrant
	gates       map[string]*core.X402Gate
	holds       map[string]*core.ToolCallHold // keyed by agreementHash
	cases       map[string]*core.ArbitrationCase
	settlements map[string]*core.Settlement // keyed by agreementHash
	adjustments map[string]*core.SettlementAdjustment
	artifacts   map[string]*core.Artifact
	facts       map[string]*core.ReputationFacts
	idem        map[string]*core.IdempotencyRecord // scope|key
	streams     map[string][]core.Event
}

func newTenantState() *tenantState {
	return &tenantState{
		agents:      make(map[string]*core.Agent),
		wallets:     make(ledger.Wallets),
		grants:      make(map[string]*core.AuthorityGrant),
		gates:       make(map[string]*core.X402Gate),
		holds:       make(map[string]*core.ToolCallHold),
		cases:       make(map[string]*core.ArbitrationCase),
		settlements: make(map[string]*core.Settlement),
		adjustments: make(map[string]*core.SettlementAdjustment),
		artifacts:   make(map[string]*core.Artifact),
		facts:       make(map[string]*core.ReputationFacts),
		idem:        make(map[string]*core.IdempotencyRecord),
		streams:     make(map[string][]core.Event),
	}
}

// NewMemory builds an in-memory store sealing events with the given key.
func NewMemory(sealer *eventchain.Sealer, registry *eventchain.Registry, clock core.Clock) *Memory {
	return &Memory{
		sealer:   sealer,
		registry: registry,
		clock:    clock,
		tenants:  make(map[string]*tenantState),
		advisory: make(map[string]bool),
	}
}

// SetNotifier wires the post-commit fan-out (keyring, notification bus).
func (m *Memory) SetNotifier(n Notifier) { m.notify = n }

// SetSealer swaps the active server signing key after a rotation.
func (m *Memory) SetSealer(s *eventchain.Sealer) {
	m.mu.Lock()
	m.sealer = s
	m.mu.Unlock()
}

func (m *Memory) tenant(tenantID string) *tenantState {
	ts, ok := m.tenants[tenantID]
	if !ok {
		ts = newTenantState()
		m.tenants[tenantID] = ts
	}
	return ts
}

// CommitTx applies ops in order against staged copies, then swaps the staged
// state in. Any precondition failure leaves the store untouched.
func (m *Memory) CommitTx(ctx context.Context, tenantID string, ops []Op) ([]core.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	ts := m.tenant(tenantID)

	stage := &txStage{
		ts:          ts,
		wallets:     cloneWallets(ts.wallets),
		agents:      map[string]*core.Agent{},
		grants:      map[string]*core.AuthorityGrant{},
		gates:       map[string]*core.X402Gate{},
		holds:       map[string]*core.ToolCallHold{},
		cases:       map[string]*core.ArbitrationCase{},
		settlements: map[string]*core.Settlement{},
		adjustments: map[string]*core.SettlementAdjustment{},
		artifacts:   map[string]*core.Artifact{},
		facts:       map[string]*core.ReputationFacts{},
		idem:        map[string]*core.IdempotencyRecord{},
		streamTail:  map[string][]core.Event{},
	}

	for _, op := range ops {
		if err := m.applyOp(tenantID, stage, op); err != nil {
			m.mu.Unlock()
			return nil, err
		}
	}

	if err := ledger.CheckConservation(stage.wallets, append(append([]core.JournalEntry{}, ts.journal...), stage.journal...)); err != nil {
		m.mu.Unlock()
		return nil, err
	}

	// Point of no return: fold the stage into live state.
	ts.wallets = stage.wallets
	for _, e := range stage.journal {
		ts.journalSeq++
		e.Seq = ts.journalSeq
		ts.journal = append(ts.journal, e)
	}
	for k, v := range stage.agents {
		ts.agents[k] = v
	}
	for k, v := range stage.grants {
		ts.grants[k] = v
	}
	for k, v := range stage.gates {
		ts.gates[k] = v
	}
	for k, v := range stage.holds {
		ts.holds[k] = v
	}
	for k, v := range stage.cases {
		ts.cases[k] = v
	}
	for k, v := range stage.settlements {
		ts.settlements[k] = v
	}
	for k, v := range stage.adjustments {
		ts.adjustments[k] = v
	}
	for k, v := range stage.artifacts {
		ts.artifacts[k] = v
	}
	for k, v := range stage.facts {
		ts.facts[k] = v
	}
	for k, v := range stage.idem {
		ts.idem[k] = v
	}
	var sealed []core.Event
	for streamID, tail := range stage.streamTail {
		ts.streams[streamID] = append(ts.streams[streamID], tail...)
	}
	sealed = append(sealed, stage.sealedOrder...)
	m.mu.Unlock()

	if m.notify != nil && len(sealed) > 0 {
		m.notify(sealed)
	}
	return sealed, nil
}

type txStage struct {
	ts          *tenantState
	wallets     ledger.Wallets
	journal     []core.JournalEntry
	agents      map[string]*core.Agent
	grants      map[string]*core.AuthorityGrant
	gates       map[string]*core.X402Gate
	holds       map[string]*core.ToolCallHold
	cases       map[string]*core.ArbitrationCase
	settlements map[string]*core.Settlement
	adjustments map[string]*core.SettlementAdjustment
	artifacts   map[string]*core.Artifact
	facts       map[string]*core.ReputationFacts
	idem        map[string]*core.IdempotencyRecord
	streamTail  map[string][]core.Event
	sealedOrder []core.Event
}

func (m *Memory) applyOp(tenantID string, stage *txStage, op Op) error {
	switch {
	case op.Ledger != nil:
		entries, err := ledger.Apply(stage.wallets, tenantID, *op.Ledger, m.clock.Now())
		if err != nil {
			return err
		}
		stage.journal = append(stage.journal, entries...)

	case op.Event != nil:
		d := *op.Event
		if d.TenantID == "" {
			d.TenantID = tenantID
		}
		prevSeq, prevHash := m.streamHead(stage, d.StreamID)
		ev, err := m.sealer.Seal(d, prevSeq+1, prevHash)
		if err != nil {
			return err
		}
		if err := m.registry.Validate(ev.Type, ev.Payload); err != nil {
			return err
		}
		stage.streamTail[d.StreamID] = append(stage.streamTail[d.StreamID], ev)
		stage.sealedOrder = append(stage.sealedOrder, ev)

	case op.PutAgent != nil:
		cp := *op.PutAgent
		stage.agents[cp.AgentID] = &cp
	case op.PutGrant != nil:
		cp := *op.PutGrant
		stage.grants[cp.GrantID] = &cp
	case op.PutGate != nil:
		cp := *op.PutGate
		stage.gates[cp.GateID] = &cp
	case op.PutHold != nil:
		cp := *op.PutHold
		stage.holds[cp.AgreementHash] = &cp
	case op.PutCase != nil:
		cp := *op.PutCase
		stage.cases[cp.CaseID] = &cp
	case op.PutSettlement != nil:
		cp := *op.PutSettlement
		stage.settlements[cp.AgreementHash] = &cp
	case op.PutAdjustment != nil:
		cp := *op.PutAdjustment
		if _, exists := stage.ts.adjustments[cp.AdjustmentID]; exists {
			return core.NewError(core.CodeAdjustmentExists, "settlement adjustment already applied").
				WithDetail("adjustmentId", cp.AdjustmentID)
		}
		if _, staged := stage.adjustments[cp.AdjustmentID]; staged {
			return core.NewError(core.CodeAdjustmentExists, "settlement adjustment already applied").
				WithDetail("adjustmentId", cp.AdjustmentID)
		}
		stage.adjustments[cp.AdjustmentID] = &cp
	case op.PutArtifact != nil:
		cp := *op.PutArtifact
		stage.artifacts[cp.ArtifactID] = &cp
	case op.PutFacts != nil:
		cp := *op.PutFacts
		stage.facts[cp.AgentID] = &cp
	case op.PutIdempotency != nil:
		cp := *op.PutIdempotency
		stage.idem[cp.Scope+"|"+cp.Key] = &cp
	case op.ChargeGrant != nil:
		var total int64
		for _, g := range stage.gates {
			if op.ChargeGrant.Counts(g) {
				total += g.AmountCents
			}
		}
		for id, g := range stage.ts.gates {
			if _, staged := stage.gates[id]; staged {
				continue
			}
			if op.ChargeGrant.Counts(g) {
				total += g.AmountCents
			}
		}
		if err := op.ChargeGrant.Exceeded(total); err != nil {
			return err
		}
	default:
		return fmt.Errorf("store: empty op")
	}
	return nil
}

// streamHead returns the last (seq, chainHash) counting staged appends.
func (m *Memory) streamHead(stage *txStage, streamID string) (int64, string) {
	if tail := stage.streamTail[streamID]; len(tail) > 0 {
		last := tail[len(tail)-1]
		return last.Seq, last.ChainHash
	}
	events := stage.ts.streams[streamID]
	if len(events) == 0 {
		return -1, ""
	}
	last := events[len(events)-1]
	return last.Seq, last.ChainHash
}

func cloneWallets(ws ledger.Wallets) ledger.Wallets {
	out := make(ledger.Wallets, len(ws))
	for k, w := range ws {
		cp := *w
		out[k] = &cp
	}
	return out
}

// --- reads ---

func (m *Memory) GetAgent(_ context.Context, tenantID, agentID string) (*core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.tenants[tenantID]; ok {
		if a, ok := ts.agents[agentID]; ok {
			cp := *a
			return &cp, nil
		}
	}
	return nil, core.NewError(core.CodeNotFound, "agent not found").WithDetail("agentId", agentID)
}

func (m *Memory) ListAgents(_ context.Context, tenantID string) ([]*core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Agent
	if ts, ok := m.tenants[tenantID]; ok {
		for _, a := range ts.agents {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (m *Memory) GetWallet(_ context.Context, tenantID, agentID, currency string) (*core.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.tenants[tenantID]; ok {
		if w, ok := ts.wallets[core.WalletKey{AgentID: agentID, Currency: currency}]; ok {
			cp := *w
			return &cp, nil
		}
	}
	// A wallet that was never posted to reads as zero.
	return &core.Wallet{TenantID: tenantID, AgentID: agentID, Currency: currency}, nil
}

func (m *Memory) ListWallets(_ context.Context, tenantID, agentID string) ([]*core.Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.Wallet
	if ts, ok := m.tenants[tenantID]; ok {
		for k, w := range ts.wallets {
			if k.AgentID == agentID {
				cp := *w
				out = append(out, &cp)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (m *Memory) Journal(_ context.Context, tenantID string) ([]core.JournalEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.tenants[tenantID]; ok {
		return append([]core.JournalEntry{}, ts.journal...), nil
	}
	return nil, nil
}

func (m *Memory) GetGrant(_ context.Context, tenantID, grantID string) (*core.AuthorityGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.tenants[tenantID]; ok {
		if g, ok := ts.grants[grantID]; ok {
			cp := *g
			return &cp, nil
		}
	}
	return nil, core.NewError(core.CodeNotFound, "authority grant not found").WithDetail("grantId", grantID)
}

func (m *Memory) ListGrants(_ context.Context, tenantID string) ([]*core.AuthorityGrant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.AuthorityGrant
	if ts, ok := m.tenants[tenantID]; ok {
		for _, g := range ts.grants {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GrantID < out[j].GrantID })
	return out, nil
}

func (m *Memory) GetGate(_ context.Context, tenantID, gateID string) (*core.X402Gate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.tenants[tenantID]; ok {
		if g, ok := ts.gates[gateID]; ok {
			cp := *g
			return &cp, nil
		}
	}
	return nil, core.NewError(core.CodeNotFound, "gate not found").WithDetail("gateId", gateID)
}

func (m *Memory) ListGates(_ context.Context, tenantID string) ([]*core.X402Gate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.X402Gate
	if ts, ok := m.tenants[tenantID]; ok {
		for _, g := range ts.gates {
			cp := *g
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListGatesByGrant(_ context.Context, tenantID, grantID string) ([]*core.X402Gate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.X402Gate
	if ts, ok := m.tenants[tenantID]; ok {
		for _, g := range ts.gates {
			if g.AuthorityGrantRef == grantID {
				cp := *g
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

func (m *Memory) GetHold(_ context.Context, tenantID, agreementHash string) (*core.ToolCallHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.tenants[tenantID]; ok {
		if h, ok := ts.holds[agreementHash]; ok {
			cp := *h
			return &cp, nil
		}
	}
	return nil, core.NewError(core.CodeHoldNotFound, "tool-call hold not found").WithDetail("agreementHash", agreementHash)
}

func (m *Memory) ListHolds(_ context.Context, tenantID string, f HoldFilter) ([]*core.ToolCallHold, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.ToolCallHold
	if ts, ok := m.tenants[tenantID]; ok {
		for _, h := range ts.holds {
			if f.Status != "" && h.Status != f.Status {
				continue
			}
			cp := *h
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgreementHash < out[j].AgreementHash })
	return out, nil
}

func (m *Memory) GetCase(_ context.Context, tenantID, caseID string) (*core.ArbitrationCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.tenants[tenantID]; ok {
		if c, ok := ts.cases[caseID]; ok {
			cp := *c
			return &cp, nil
		}
	}
	return nil, core.NewError(core.CodeNotFound, "arbitration case not found").WithDetail("caseId", caseID)
}

func (m *Memory) GetCaseByAgreement(ctx context.Context, tenantID, agreementHash string) (*core.ArbitrationCase, error) {
	return m.GetCase(ctx, tenantID, core.CaseIDFor(agreementHash))
}

func (m *Memory) ListCases(_ context.Context, tenantID string) ([]*core.ArbitrationCase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*core.ArbitrationCase
	if ts, ok := m.tenants[tenantID]; ok {
		for _, c := range ts.cases {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CaseID < out[j].CaseID })
	return out, nil
}

func (m *Memory) GetSettlementByAgreement(_ context.Context, tenantID, agreementHash string) (*core.Settlement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.tenants[tenantID]; ok {
		if s, ok := ts.settlements[agreementHash]; ok {
			cp := *s
			return &cp, nil
		}
	}
	return nil, core.NewError(core.CodeNotFound, "settlement not found").WithDetail("agreementHash", agreementHash)
}

func (m *Memory) GetAdjustment(_ context.Context, tenantID, adjustmentID string) (*core.SettlementAdjustment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.tenants[tenantID]; ok {
		if a, ok := ts.adjustments[adjustmentID]; ok {
			cp := *a
			return &cp, nil
		}
	}
	return nil, core.NewError(core.CodeNotFound, "settlement adjustment not found").WithDetail("adjustmentId", adjustmentID)
}

func (m *Memory) GetArtifact(_ context.Context, tenantID, artifactID string) (*core.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.tenants[tenantID]; ok {
		if a, ok := ts.artifacts[artifactID]; ok {
			cp := *a
			return &cp, nil
		}
	}
	return nil, core.NewError(core.CodeNotFound, "artifact not found").WithDetail("artifactId", artifactID)
}

func (m *Memory) GetFacts(_ context.Context, tenantID, agentID string) (*core.ReputationFacts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.tenants[tenantID]; ok {
		if f, ok := ts.facts[agentID]; ok {
			cp := *f
			return &cp, nil
		}
	}
	return &core.ReputationFacts{TenantID: tenantID, AgentID: agentID}, nil
}

func (m *Memory) GetIdempotency(_ context.Context, tenantID, scope, key string) (*core.IdempotencyRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.tenants[tenantID]; ok {
		if r, ok := ts.idem[scope+"|"+key]; ok {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *Memory) StreamEvents(_ context.Context, tenantID, streamID string) ([]core.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ts, ok := m.tenants[tenantID]; ok {
		return append([]core.Event{}, ts.streams[streamID]...), nil
	}
	return nil, nil
}

func (m *Memory) ListStreams(_ context.Context, tenantID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	if ts, ok := m.tenants[tenantID]; ok {
		for id := range ts.streams {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// TryAdvisoryLock implements a process-wide advisory lock table.
func (m *Memory) TryAdvisoryLock(key string) (func(), bool) {
	m.advMu.Lock()
	defer m.advMu.Unlock()
	if m.advisory[key] {
		return func() {}, false
	}
	m.advisory[key] = true
	return func() {
		m.advMu.Lock()
		delete(m.advisory, key)
		m.advMu.Unlock()
	}, true
}
