package core

import "encoding/json"

// Event stream names. Every entity gets its own stream; governance is the
// authoritative signer-key lifecycle stream.
const (
	GovernanceStream = "governance"
)

// Event types appended by the core. Payload schemas are registered in
// internal/eventchain.
const (
	EventGateCreated       = "X402_GATE_CREATED"
	EventGateAuthorized    = "X402_GATE_AUTHORIZED"
	EventGateExecuted      = "X402_GATE_EXECUTED"
	EventGateVerified      = "X402_GATE_VERIFIED"
	EventGateReleased      = "X402_GATE_RELEASED"
	EventGateRefunded      = "X402_GATE_REFUNDED"
	EventHoldLocked        = "TOOL_CALL_HOLD_LOCKED"
	EventHoldReleased      = "TOOL_CALL_HOLD_RELEASED"
	EventHoldRefunded      = "TOOL_CALL_HOLD_REFUNDED"
	EventDisputeOpened     = "TOOL_CALL_DISPUTE_OPENED"
	EventVerdictAccepted   = "TOOL_CALL_VERDICT_ACCEPTED"
	EventAdjustmentApplied = "SETTLEMENT_ADJUSTMENT_APPLIED"
	EventWalletCredited    = "WALLET_CREDITED"
	EventAgentRegistered   = "AGENT_REGISTERED"
	EventAgentLifecycle    = "AGENT_LIFECYCLE_CHANGED"
	EventGrantIssued       = "AUTHORITY_GRANT_ISSUED"
	EventGrantRevoked      = "AUTHORITY_GRANT_REVOKED"
	EventOpsAudit          = "OPS_AUDIT"

	EventWorkOrderCreated   = "WORK_ORDER_CREATED"
	EventWorkOrderAccepted  = "WORK_ORDER_ACCEPTED"
	EventWorkOrderCompleted = "WORK_ORDER_COMPLETED"
	EventWorkOrderSettled   = "WORK_ORDER_SETTLED"

	EventKeyAdded   = "SERVER_SIGNER_KEY_ADDED"
	EventKeyRotated = "SERVER_SIGNER_KEY_ROTATED"
	EventKeyRevoked = "SERVER_SIGNER_KEY_REVOKED"
)

// Event is one entry on a per-stream hash-chained log. ChainHash covers the
// canonical JSON of the core fields plus the previous chain hash, so the log
// is a replayable total order per stream.
type Event struct {
	V             int             `json:"v"`
	ID            string          `json:"id"`
	At            int64           `json:"at"` // unix millis
	TenantID      string          `json:"tenantId"`
	StreamID      string          `json:"streamId"`
	Seq           int64           `json:"seq"`
	Type          string          `json:"type"`
	Actor         string          `json:"actor"`
	Payload       json.RawMessage `json:"payload"` // canonical bytes, signature-stable
	PrevChainHash string          `json:"prevChainHash,omitempty"`
	ChainHash     string          `json:"chainHash"`
	SignerKeyID   string          `json:"signerKeyId"`
	Signature     string          `json:"signature"`
}

// StreamSnapshot pins the head of a stream at export time.
type StreamSnapshot struct {
	StreamID      string `json:"streamId"`
	LastChainHash string `json:"lastChainHash"`
	LastEventID   string `json:"lastEventId"`
	Length        int64  `json:"length"`
}
