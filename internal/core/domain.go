package core

import "time"

// AgentLifecycle gates what an agent may do. Suspended fails closed on every
// operation; throttled fails with a retryable status.
type AgentLifecycle string

const (
	LifecycleActive    AgentLifecycle = "active"
	LifecycleThrottled AgentLifecycle = "throttled"
	LifecycleSuspended AgentLifecycle = "suspended"
)

// AgentKey is one public key registered for an agent.
// KeyID is the SHA-256 of the SPKI, lowercase hex.
type AgentKey struct {
	KeyID        string `json:"keyId"`
	PublicKeyPEM string `json:"publicKeyPem"`
	AddedAt      int64  `json:"addedAt"`
}

// Agent is a registered participant in the economy. All entities are scoped
// by (tenantId, entityId).
type Agent struct {
	AgentID       string         `json:"agentId"`
	TenantID      string         `json:"tenantId"`
	DisplayName   string         `json:"displayName"`
	OwnerRef      string         `json:"ownerRef"`
	PublicKeys    []AgentKey     `json:"publicKeys"`
	Capabilities  []string       `json:"capabilities"`
	Lifecycle     AgentLifecycle `json:"lifecycleStatus"`
	RegisteredAt  time.Time      `json:"registeredAt"`
	LifecycleNote string         `json:"lifecycleNote,omitempty"`
}

// KeyByID returns the registered key with the given id, if any.
func (a *Agent) KeyByID(keyID string) (AgentKey, bool) {
	for _, k := range a.PublicKeys {
		if k.KeyID == keyID {
			return k, true
		}
	}
	return AgentKey{}, false
}

// Wallet holds one agent's balances in one currency, in integer minor units.
// Invariant: every partition >= 0.
type Wallet struct {
	TenantID          string `json:"tenantId"`
	AgentID           string `json:"agentId"`
	Currency          string `json:"currency"`
	AvailableCents    int64  `json:"availableCents"`
	EscrowLockedCents int64  `json:"escrowLockedCents"`
	HeldbackCents     int64  `json:"heldbackCents"`
}

// Total is the sum across partitions; conservation is checked against the
// posted journal inside commitTx.
func (w *Wallet) Total() int64 {
	return w.AvailableCents + w.EscrowLockedCents + w.HeldbackCents
}

// WalletKey identifies a wallet inside a tenant.
type WalletKey struct {
	AgentID  string
	Currency string
}

// JournalEntry is one posted ledger line. Internal moves net to zero; only
// external credits/debits change the tenant total.
type JournalEntry struct {
	Seq      int64     `json:"seq"`
	TenantID string    `json:"tenantId"`
	AgentID  string    `json:"agentId"`
	Currency string    `json:"currency"`
	Kind     string    `json:"kind"`
	Delta    int64     `json:"delta"` // signed change to the tenant total
	Ref      string    `json:"ref"`
	At       time.Time `json:"at"`
}

// ReputationFacts accumulates settlement outcomes per agent. Derived data;
// rebuildable from the event chain.
type ReputationFacts struct {
	TenantID             string `json:"tenantId"`
	AgentID              string `json:"agentId"`
	SettledCount         int64  `json:"settledCount"`
	AutoReleasedCents    int64  `json:"autoReleasedCents"`
	ReleasedToPayeeCents int64  `json:"releasedToPayeeCents"`
	RefundedToPayerCents int64  `json:"refundedToPayerCents"`
	DisputesOpened       int64  `json:"disputesOpened"`
	DisputesLost         int64  `json:"disputesLost"`
}

// Score folds the facts into [0,1]. Neutral 0.5 baseline, clean settlements
// pull up, lost disputes pull down hard.
func (f *ReputationFacts) Score() float64 {
	score := 0.5
	score += 0.02 * float64(f.SettledCount)
	score -= 0.10 * float64(f.DisputesLost)
	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	return score
}

// IdempotencyRecord caches the first response for (scope, key).
type IdempotencyRecord struct {
	Scope       string    `json:"scope"` // tenantId + "|" + route
	Key         string    `json:"key"`
	RequestHash string    `json:"requestHash"`
	Status      int       `json:"status"`
	Envelope    []byte    `json:"envelope"` // replayed byte-for-byte
	CreatedAt   time.Time `json:"createdAt"`
}

// Artifact is an immutable stored document (envelopes, verdicts, adjustments)
// addressed by a deterministic id.
type Artifact struct {
	TenantID   string    `json:"tenantId"`
	ArtifactID string    `json:"artifactId"`
	Kind       string    `json:"kind"`
	Body       []byte    `json:"body"` // canonical JSON
	CreatedAt  time.Time `json:"createdAt"`
}
