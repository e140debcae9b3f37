package core

import "time"

// GateState is the x402 gate lifecycle. Terminal: released, refunded, closed.
type GateState string

const (
	GateCreated    GateState = "created"
	GateAuthorized GateState = "authorized"
	GateExecuted   GateState = "executed"
	GateVerified   GateState = "verified"
	GateReleased   GateState = "released"
	GateRefunded   GateState = "refunded"
	GateHeld       GateState = "held"
	GateDisputed   GateState = "disputed"
	GateClosed     GateState = "closed"
)

// Terminal reports whether no further transition is allowed.
func (s GateState) Terminal() bool {
	return s == GateReleased || s == GateRefunded || s == GateClosed
}

// CountsAgainstGrant reports whether the gate's amount is charged against its
// grant's running total. Authorization reserves the spend, a refund returns it.
func (g *X402Gate) CountsAgainstGrant() bool {
	return g.State != GateCreated && g.State != GateRefunded
}

// X402Gate is the state machine for one paid tool call.
type X402Gate struct {
	GateID            string    `json:"gateId"`
	TenantID          string    `json:"tenantId"`
	PayerAgentID      string    `json:"payerAgentId"`
	PayeeAgentID      string    `json:"payeeAgentId"`
	ProviderID        string    `json:"providerId"`
	ToolID            string    `json:"toolId"`
	RiskClass         string    `json:"riskClass"`
	AmountCents       int64     `json:"amountCents"`
	Currency          string    `json:"currency"`
	AuthorityGrantRef string    `json:"authorityGrantRef"`
	State             GateState `json:"state"`
	HoldbackBps       int64     `json:"holdbackBps"`
	ChallengeWindowMs int64     `json:"challengeWindowMs"`
	AgreementHash     string    `json:"agreementHash,omitempty"`
	ReceiptHash       string    `json:"receiptHash,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// StreamID returns the gate's canonical event stream.
func (g *X402Gate) StreamID() string { return "x402_gate:" + g.GateID }

// Settlement records the verified outcome of a gate run, including the
// request binding hash disputes must cite.
type Settlement struct {
	SettlementID  string            `json:"settlementId"`
	TenantID      string            `json:"tenantId"`
	GateID        string            `json:"gateId"`
	RunID         string            `json:"runId,omitempty"`
	AgreementHash string            `json:"agreementHash"`
	ReceiptHash   string            `json:"receiptHash"`
	Bindings      SettlementBinding `json:"bindings"`
	AmountCents   int64             `json:"amountCents"`
	HeldCents     int64             `json:"heldCents"`
	Currency      string            `json:"currency"`
	PayerAgentID  string            `json:"payerAgentId"`
	PayeeAgentID  string            `json:"payeeAgentId"`
	SettledAt     time.Time         `json:"settledAt"`
}

// SettlementBinding carries the binding-source hashes for the tool call.
type SettlementBinding struct {
	Request  BindingSource `json:"request"`
	Response BindingSource `json:"response,omitempty"`
}

// BindingSource is a sha256 pointer at raw wire material.
type BindingSource struct {
	SHA256 string `json:"sha256,omitempty"`
}
