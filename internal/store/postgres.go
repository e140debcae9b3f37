package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/nooterra/substrate/internal/canonical"
	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/ledger"
)

// Postgres implements Store on top of database/sql + lib/pq. Every CommitTx
// is one SQL transaction; per-tenant writes are serialized with
// pg_advisory_xact_lock so stream sequencing and conservation checks see a
// stable view. All balance changes go through ledger.Apply, the same code
// path the memory store uses.
type Postgres struct {
	db       *sql.DB
	schema   string
	sealer   *eventchain.Sealer
	registry *eventchain.Registry
	clock    core.Clock
	notify   Notifier
}

func NewPostgres(db *sql.DB, schema string, sealer *eventchain.Sealer, registry *eventchain.Registry, clock core.Clock) *Postgres {
	if schema == "" {
		schema = "substrate"
	}
	return &Postgres{db: db, schema: schema, sealer: sealer, registry: registry, clock: clock}
}

// SetNotifier registers the post-commit fanout.
func (p *Postgres) SetNotifier(n Notifier) { p.notify = n }

// Schema returns the DDL for the store, rendered into the configured schema.
func (p *Postgres) Schema() string {
	return strings.ReplaceAll(schemaDDL, "{{schema}}", pq.QuoteIdentifier(p.schema))
}

// EnsureSchema creates the schema and tables if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, p.Schema())
	return err
}

const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS {{schema}};

CREATE TABLE IF NOT EXISTS {{schema}}.entities (
    tenant_id  text NOT NULL,
    kind       text NOT NULL,
    entity_id  text NOT NULL,
    doc        jsonb NOT NULL,
    updated_at timestamptz NOT NULL,
    PRIMARY KEY (tenant_id, kind, entity_id)
);

CREATE TABLE IF NOT EXISTS {{schema}}.wallets (
    tenant_id           text NOT NULL,
    agent_id            text NOT NULL,
    currency            text NOT NULL,
    available_cents     bigint NOT NULL DEFAULT 0,
    escrow_locked_cents bigint NOT NULL DEFAULT 0,
    heldback_cents      bigint NOT NULL DEFAULT 0,
    PRIMARY KEY (tenant_id, agent_id, currency),
    CHECK (available_cents >= 0 AND escrow_locked_cents >= 0 AND heldback_cents >= 0)
);

CREATE TABLE IF NOT EXISTS {{schema}}.journal (
    tenant_id text NOT NULL,
    seq       bigint NOT NULL,
    agent_id  text NOT NULL,
    currency  text NOT NULL,
    kind      text NOT NULL,
    delta     bigint NOT NULL,
    ref       text NOT NULL DEFAULT '',
    at        timestamptz NOT NULL,
    PRIMARY KEY (tenant_id, seq)
);

CREATE TABLE IF NOT EXISTS {{schema}}.events (
    tenant_id text NOT NULL,
    stream_id text NOT NULL,
    seq       bigint NOT NULL,
    doc       jsonb NOT NULL,
    PRIMARY KEY (tenant_id, stream_id, seq)
);

CREATE TABLE IF NOT EXISTS {{schema}}.adjustments (
    tenant_id     text NOT NULL,
    adjustment_id text NOT NULL,
    doc           jsonb NOT NULL,
    created_at    timestamptz NOT NULL,
    PRIMARY KEY (tenant_id, adjustment_id)
);

CREATE TABLE IF NOT EXISTS {{schema}}.idempotency (
    tenant_id text NOT NULL,
    scope     text NOT NULL,
    key       text NOT NULL,
    doc       jsonb NOT NULL,
    PRIMARY KEY (tenant_id, scope, key)
);
`

// Entity kinds in the entities table.
const (
	kindAgent      = "agent"
	kindGrant      = "grant"
	kindGate       = "gate"
	kindHold       = "hold"
	kindCase       = "case"
	kindSettlement = "settlement"
	kindArtifact   = "artifact"
	kindFacts      = "facts"
)

func (p *Postgres) table(name string) string {
	return pq.QuoteIdentifier(p.schema) + "." + name
}

// CommitTx applies ops atomically under the tenant's advisory lock.
func (p *Postgres) CommitTx(ctx context.Context, tenantID string, ops []Op) ([]core.Event, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey("tenant:"+tenantID)); err != nil {
		return nil, fmt.Errorf("store: tenant lock: %w", err)
	}

	wallets, err := p.loadWallets(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	journalSeq, err := p.maxJournalSeq(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}

	var sealed []core.Event
	var staged []core.JournalEntry
	streamTail := make(map[string]core.Event)

	for _, op := range ops {
		switch {
		case op.Ledger != nil:
			entries, err := ledger.Apply(wallets, tenantID, *op.Ledger, p.clock.Now())
			if err != nil {
				return nil, err
			}
			staged = append(staged, entries...)

		case op.Event != nil:
			draft := *op.Event
			if draft.TenantID == "" {
				draft.TenantID = tenantID
			}
			seq, prev, err := p.streamHead(ctx, tx, tenantID, draft.StreamID, streamTail)
			if err != nil {
				return nil, err
			}
			ev, err := p.sealer.Seal(draft, seq, prev)
			if err != nil {
				return nil, err
			}
			if err := p.registry.Validate(ev.Type, ev.Payload); err != nil {
				return nil, err
			}
			doc, err := canonical.Marshal(ev)
			if err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO "+p.table("events")+" (tenant_id, stream_id, seq, doc) VALUES ($1,$2,$3,$4)",
				tenantID, ev.StreamID, ev.Seq, doc); err != nil {
				return nil, fmt.Errorf("store: append event: %w", err)
			}
			streamTail[ev.StreamID] = ev
			sealed = append(sealed, ev)

		case op.PutAdjustment != nil:
			doc, err := json.Marshal(op.PutAdjustment)
			if err != nil {
				return nil, err
			}
			res, err := tx.ExecContext(ctx,
				"INSERT INTO "+p.table("adjustments")+" (tenant_id, adjustment_id, doc, created_at) VALUES ($1,$2,$3,$4) ON CONFLICT DO NOTHING",
				tenantID, op.PutAdjustment.AdjustmentID, doc, p.clock.Now())
			if err != nil {
				return nil, fmt.Errorf("store: insert adjustment: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil, core.NewError(core.CodeAdjustmentExists, "settlement adjustment already applied").
					WithDetail("adjustmentId", op.PutAdjustment.AdjustmentID)
			}

		case op.PutIdempotency != nil:
			doc, err := json.Marshal(op.PutIdempotency)
			if err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO "+p.table("idempotency")+" (tenant_id, scope, key, doc) VALUES ($1,$2,$3,$4) ON CONFLICT (tenant_id, scope, key) DO UPDATE SET doc = EXCLUDED.doc",
				tenantID, op.PutIdempotency.Scope, op.PutIdempotency.Key, doc); err != nil {
				return nil, fmt.Errorf("store: put idempotency: %w", err)
			}

		case op.ChargeGrant != nil:
			total, err := p.grantTotalTx(ctx, tx, tenantID, op.ChargeGrant)
			if err != nil {
				return nil, err
			}
			if err := op.ChargeGrant.Exceeded(total); err != nil {
				return nil, err
			}

		default:
			kind, id, entity := entityOf(op)
			if entity == nil {
				return nil, core.NewError(core.CodeValidationInvalid, "empty store op")
			}
			if err := p.putEntity(ctx, tx, tenantID, kind, id, entity); err != nil {
				return nil, err
			}
		}
	}

	existing, err := p.journalTx(ctx, tx, tenantID)
	if err != nil {
		return nil, err
	}
	if err := ledger.CheckConservation(wallets, append(existing, staged...)); err != nil {
		return nil, err
	}

	for i := range staged {
		journalSeq++
		staged[i].Seq = journalSeq
		e := staged[i]
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+p.table("journal")+" (tenant_id, seq, agent_id, currency, kind, delta, ref, at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)",
			tenantID, e.Seq, e.AgentID, e.Currency, e.Kind, e.Delta, e.Ref, e.At); err != nil {
			return nil, fmt.Errorf("store: post journal: %w", err)
		}
	}
	for _, w := range wallets {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO "+p.table("wallets")+" (tenant_id, agent_id, currency, available_cents, escrow_locked_cents, heldback_cents) VALUES ($1,$2,$3,$4,$5,$6) "+
				"ON CONFLICT (tenant_id, agent_id, currency) DO UPDATE SET available_cents = EXCLUDED.available_cents, escrow_locked_cents = EXCLUDED.escrow_locked_cents, heldback_cents = EXCLUDED.heldback_cents",
			tenantID, w.AgentID, w.Currency, w.AvailableCents, w.EscrowLockedCents, w.HeldbackCents); err != nil {
			return nil, fmt.Errorf("store: write wallet: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	if p.notify != nil && len(sealed) > 0 {
		p.notify(sealed)
	}
	return sealed, nil
}

func entityOf(op Op) (kind, id string, entity interface{}) {
	switch {
	case op.PutAgent != nil:
		return kindAgent, op.PutAgent.AgentID, op.PutAgent
	case op.PutGrant != nil:
		return kindGrant, op.PutGrant.GrantID, op.PutGrant
	case op.PutGate != nil:
		return kindGate, op.PutGate.GateID, op.PutGate
	case op.PutHold != nil:
		return kindHold, op.PutHold.AgreementHash, op.PutHold
	case op.PutCase != nil:
		return kindCase, op.PutCase.CaseID, op.PutCase
	case op.PutSettlement != nil:
		return kindSettlement, op.PutSettlement.AgreementHash, op.PutSettlement
	case op.PutArtifact != nil:
		return kindArtifact, op.PutArtifact.ArtifactID, op.PutArtifact
	case op.PutFacts != nil:
		return kindFacts, op.PutFacts.AgentID, op.PutFacts
	}
	return "", "", nil
}

func (p *Postgres) putEntity(ctx context.Context, tx *sql.Tx, tenantID, kind, id string, entity interface{}) error {
	doc, err := json.Marshal(entity)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO "+p.table("entities")+" (tenant_id, kind, entity_id, doc, updated_at) VALUES ($1,$2,$3,$4,$5) "+
			"ON CONFLICT (tenant_id, kind, entity_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at",
		tenantID, kind, id, doc, p.clock.Now())
	if err != nil {
		return fmt.Errorf("store: put %s: %w", kind, err)
	}
	return nil
}

// grantTotalTx re-derives a grant's running total inside the transaction,
// after the tenant advisory lock is held.
func (p *Postgres) grantTotalTx(ctx context.Context, tx *sql.Tx, tenantID string, c *GrantCharge) (int64, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT doc FROM "+p.table("entities")+" WHERE tenant_id = $1 AND kind = $2",
		tenantID, kindGate)
	if err != nil {
		return 0, fmt.Errorf("store: grant total: %w", err)
	}
	defer rows.Close()
	var total int64
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return 0, err
		}
		var g core.X402Gate
		if err := json.Unmarshal(doc, &g); err != nil {
			return 0, err
		}
		if c.Counts(&g) {
			total += g.AmountCents
		}
	}
	return total, rows.Err()
}

func (p *Postgres) loadWallets(ctx context.Context, tx *sql.Tx, tenantID string) (ledger.Wallets, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT agent_id, currency, available_cents, escrow_locked_cents, heldback_cents FROM "+p.table("wallets")+" WHERE tenant_id = $1 FOR UPDATE",
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: load wallets: %w", err)
	}
	defer rows.Close()
	ws := make(ledger.Wallets)
	for rows.Next() {
		w := &core.Wallet{TenantID: tenantID}
		if err := rows.Scan(&w.AgentID, &w.Currency, &w.AvailableCents, &w.EscrowLockedCents, &w.HeldbackCents); err != nil {
			return nil, err
		}
		ws[core.WalletKey{AgentID: w.AgentID, Currency: w.Currency}] = w
	}
	return ws, rows.Err()
}

func (p *Postgres) maxJournalSeq(ctx context.Context, tx *sql.Tx, tenantID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM "+p.table("journal")+" WHERE tenant_id = $1", tenantID).Scan(&seq)
	return seq, err
}

func (p *Postgres) journalTx(ctx context.Context, tx *sql.Tx, tenantID string) ([]core.JournalEntry, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT seq, agent_id, currency, kind, delta, ref, at FROM "+p.table("journal")+" WHERE tenant_id = $1 ORDER BY seq", tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanJournal(rows, tenantID)
}

func scanJournal(rows *sql.Rows, tenantID string) ([]core.JournalEntry, error) {
	var out []core.JournalEntry
	for rows.Next() {
		e := core.JournalEntry{TenantID: tenantID}
		if err := rows.Scan(&e.Seq, &e.AgentID, &e.Currency, &e.Kind, &e.Delta, &e.Ref, &e.At); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// streamHead returns the next seq and previous chain hash for a stream,
// preferring events staged earlier in the same transaction.
func (p *Postgres) streamHead(ctx context.Context, tx *sql.Tx, tenantID, streamID string, tail map[string]core.Event) (int64, string, error) {
	if ev, ok := tail[streamID]; ok {
		return ev.Seq + 1, ev.ChainHash, nil
	}
	var doc []byte
	err := tx.QueryRowContext(ctx,
		"SELECT doc FROM "+p.table("events")+" WHERE tenant_id = $1 AND stream_id = $2 ORDER BY seq DESC LIMIT 1",
		tenantID, streamID).Scan(&doc)
	if err == sql.ErrNoRows {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("store: stream head: %w", err)
	}
	var ev core.Event
	if err := json.Unmarshal(doc, &ev); err != nil {
		return 0, "", err
	}
	return ev.Seq + 1, ev.ChainHash, nil
}

func (p *Postgres) getEntity(ctx context.Context, tenantID, kind, id string, out interface{}) (bool, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		"SELECT doc FROM "+p.table("entities")+" WHERE tenant_id = $1 AND kind = $2 AND entity_id = $3",
		tenantID, kind, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: get %s: %w", kind, err)
	}
	return true, json.Unmarshal(doc, out)
}

func (p *Postgres) listEntities(ctx context.Context, tenantID, kind string, each func(doc []byte) error) error {
	rows, err := p.db.QueryContext(ctx,
		"SELECT doc FROM "+p.table("entities")+" WHERE tenant_id = $1 AND kind = $2 ORDER BY entity_id",
		tenantID, kind)
	if err != nil {
		return fmt.Errorf("store: list %s: %w", kind, err)
	}
	defer rows.Close()
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return err
		}
		if err := each(doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (p *Postgres) GetAgent(ctx context.Context, tenantID, agentID string) (*core.Agent, error) {
	var a core.Agent
	ok, err := p.getEntity(ctx, tenantID, kindAgent, agentID, &a)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NewError(core.CodeNotFound, "agent not found").WithDetail("agentId", agentID)
	}
	return &a, nil
}

func (p *Postgres) ListAgents(ctx context.Context, tenantID string) ([]*core.Agent, error) {
	var out []*core.Agent
	err := p.listEntities(ctx, tenantID, kindAgent, func(doc []byte) error {
		var a core.Agent
		if err := json.Unmarshal(doc, &a); err != nil {
			return err
		}
		out = append(out, &a)
		return nil
	})
	return out, err
}

func (p *Postgres) GetWallet(ctx context.Context, tenantID, agentID, currency string) (*core.Wallet, error) {
	w := &core.Wallet{TenantID: tenantID, AgentID: agentID, Currency: currency}
	err := p.db.QueryRowContext(ctx,
		"SELECT available_cents, escrow_locked_cents, heldback_cents FROM "+p.table("wallets")+" WHERE tenant_id = $1 AND agent_id = $2 AND currency = $3",
		tenantID, agentID, currency).Scan(&w.AvailableCents, &w.EscrowLockedCents, &w.HeldbackCents)
	if err == sql.ErrNoRows {
		return w, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get wallet: %w", err)
	}
	return w, nil
}

func (p *Postgres) ListWallets(ctx context.Context, tenantID, agentID string) ([]*core.Wallet, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT currency, available_cents, escrow_locked_cents, heldback_cents FROM "+p.table("wallets")+" WHERE tenant_id = $1 AND agent_id = $2 ORDER BY currency",
		tenantID, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: list wallets: %w", err)
	}
	defer rows.Close()
	var out []*core.Wallet
	for rows.Next() {
		w := &core.Wallet{TenantID: tenantID, AgentID: agentID}
		if err := rows.Scan(&w.Currency, &w.AvailableCents, &w.EscrowLockedCents, &w.HeldbackCents); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (p *Postgres) Journal(ctx context.Context, tenantID string) ([]core.JournalEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT seq, agent_id, currency, kind, delta, ref, at FROM "+p.table("journal")+" WHERE tenant_id = $1 ORDER BY seq", tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: journal: %w", err)
	}
	defer rows.Close()
	return scanJournal(rows, tenantID)
}

func (p *Postgres) GetGrant(ctx context.Context, tenantID, grantID string) (*core.AuthorityGrant, error) {
	var g core.AuthorityGrant
	ok, err := p.getEntity(ctx, tenantID, kindGrant, grantID, &g)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NewError(core.CodeNotFound, "authority grant not found").WithDetail("grantId", grantID)
	}
	return &g, nil
}

func (p *Postgres) ListGrants(ctx context.Context, tenantID string) ([]*core.AuthorityGrant, error) {
	var out []*core.AuthorityGrant
	err := p.listEntities(ctx, tenantID, kindGrant, func(doc []byte) error {
		var g core.AuthorityGrant
		if err := json.Unmarshal(doc, &g); err != nil {
			return err
		}
		out = append(out, &g)
		return nil
	})
	return out, err
}

func (p *Postgres) GetGate(ctx context.Context, tenantID, gateID string) (*core.X402Gate, error) {
	var g core.X402Gate
	ok, err := p.getEntity(ctx, tenantID, kindGate, gateID, &g)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NewError(core.CodeNotFound, "gate not found").WithDetail("gateId", gateID)
	}
	return &g, nil
}

func (p *Postgres) ListGates(ctx context.Context, tenantID string) ([]*core.X402Gate, error) {
	var out []*core.X402Gate
	err := p.listEntities(ctx, tenantID, kindGate, func(doc []byte) error {
		var g core.X402Gate
		if err := json.Unmarshal(doc, &g); err != nil {
			return err
		}
		out = append(out, &g)
		return nil
	})
	return out, err
}

func (p *Postgres) ListGatesByGrant(ctx context.Context, tenantID, grantID string) ([]*core.X402Gate, error) {
	all, err := p.ListGates(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var out []*core.X402Gate
	for _, g := range all {
		if g.AuthorityGrantRef == grantID {
			out = append(out, g)
		}
	}
	return out, nil
}

func (p *Postgres) GetHold(ctx context.Context, tenantID, agreementHash string) (*core.ToolCallHold, error) {
	var h core.ToolCallHold
	ok, err := p.getEntity(ctx, tenantID, kindHold, agreementHash, &h)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NewError(core.CodeHoldNotFound, "tool-call hold not found").WithDetail("agreementHash", agreementHash)
	}
	return &h, nil
}

func (p *Postgres) ListHolds(ctx context.Context, tenantID string, f HoldFilter) ([]*core.ToolCallHold, error) {
	var out []*core.ToolCallHold
	err := p.listEntities(ctx, tenantID, kindHold, func(doc []byte) error {
		var h core.ToolCallHold
		if err := json.Unmarshal(doc, &h); err != nil {
			return err
		}
		if f.Status != "" && h.Status != f.Status {
			return nil
		}
		out = append(out, &h)
		return nil
	})
	return out, err
}

func (p *Postgres) GetCase(ctx context.Context, tenantID, caseID string) (*core.ArbitrationCase, error) {
	var c core.ArbitrationCase
	ok, err := p.getEntity(ctx, tenantID, kindCase, caseID, &c)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NewError(core.CodeNotFound, "arbitration case not found").WithDetail("caseId", caseID)
	}
	return &c, nil
}

func (p *Postgres) GetCaseByAgreement(ctx context.Context, tenantID, agreementHash string) (*core.ArbitrationCase, error) {
	return p.GetCase(ctx, tenantID, core.CaseIDFor(agreementHash))
}

func (p *Postgres) ListCases(ctx context.Context, tenantID string) ([]*core.ArbitrationCase, error) {
	var out []*core.ArbitrationCase
	err := p.listEntities(ctx, tenantID, kindCase, func(doc []byte) error {
		var c core.ArbitrationCase
		if err := json.Unmarshal(doc, &c); err != nil {
			return err
		}
		out = append(out, &c)
		return nil
	})
	return out, err
}

func (p *Postgres) GetSettlementByAgreement(ctx context.Context, tenantID, agreementHash string) (*core.Settlement, error) {
	var s core.Settlement
	ok, err := p.getEntity(ctx, tenantID, kindSettlement, agreementHash, &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NewError(core.CodeNotFound, "settlement not found").WithDetail("agreementHash", agreementHash)
	}
	return &s, nil
}

func (p *Postgres) GetAdjustment(ctx context.Context, tenantID, adjustmentID string) (*core.SettlementAdjustment, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		"SELECT doc FROM "+p.table("adjustments")+" WHERE tenant_id = $1 AND adjustment_id = $2",
		tenantID, adjustmentID).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, core.NewError(core.CodeNotFound, "settlement adjustment not found").WithDetail("adjustmentId", adjustmentID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get adjustment: %w", err)
	}
	var adj core.SettlementAdjustment
	if err := json.Unmarshal(doc, &adj); err != nil {
		return nil, err
	}
	return &adj, nil
}

func (p *Postgres) GetArtifact(ctx context.Context, tenantID, artifactID string) (*core.Artifact, error) {
	var a core.Artifact
	ok, err := p.getEntity(ctx, tenantID, kindArtifact, artifactID, &a)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, core.NewError(core.CodeNotFound, "artifact not found").WithDetail("artifactId", artifactID)
	}
	return &a, nil
}

func (p *Postgres) GetFacts(ctx context.Context, tenantID, agentID string) (*core.ReputationFacts, error) {
	var f core.ReputationFacts
	ok, err := p.getEntity(ctx, tenantID, kindFacts, agentID, &f)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &core.ReputationFacts{TenantID: tenantID, AgentID: agentID}, nil
	}
	return &f, nil
}

func (p *Postgres) GetIdempotency(ctx context.Context, tenantID, scope, key string) (*core.IdempotencyRecord, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx,
		"SELECT doc FROM "+p.table("idempotency")+" WHERE tenant_id = $1 AND scope = $2 AND key = $3",
		tenantID, scope, key).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get idempotency: %w", err)
	}
	var rec core.IdempotencyRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (p *Postgres) StreamEvents(ctx context.Context, tenantID, streamID string) ([]core.Event, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT doc FROM "+p.table("events")+" WHERE tenant_id = $1 AND stream_id = $2 ORDER BY seq",
		tenantID, streamID)
	if err != nil {
		return nil, fmt.Errorf("store: stream events: %w", err)
	}
	defer rows.Close()
	var out []core.Event
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var ev core.Event
		if err := json.Unmarshal(doc, &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *Postgres) ListStreams(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		"SELECT DISTINCT stream_id FROM "+p.table("events")+" WHERE tenant_id = $1 ORDER BY stream_id", tenantID)
	if err != nil {
		return nil, fmt.Errorf("store: list streams: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// TryAdvisoryLock takes a session-level pg advisory lock on a dedicated
// connection. The release func unlocks and returns the connection.
func (p *Postgres) TryAdvisoryLock(key string) (func(), bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, false
	}
	var got bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockKey(key)).Scan(&got); err != nil || !got {
		_ = conn.Close()
		return nil, false
	}
	return func() {
		unlockCtx, unlockCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer unlockCancel()
		_, _ = conn.ExecContext(unlockCtx, "SELECT pg_advisory_unlock($1)", lockKey(key))
		_ = conn.Close()
	}, true
}

// lockKey folds a string key into the bigint space pg advisory locks use.
func lockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
