package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// HoldStatus is the tool-call hold lifecycle.
type HoldStatus string

const (
	HoldHeld     HoldStatus = "held"
	HoldReleased HoldStatus = "released"
	HoldRefunded HoldStatus = "refunded"
	HoldDisputed HoldStatus = "disputed"
)

// ToolCallHold is the escrowed fraction retained during the challenge window.
type ToolCallHold struct {
	HoldHash          string     `json:"holdHash"`
	TenantID          string     `json:"tenantId"`
	AgreementHash     string     `json:"agreementHash"`
	ReceiptHash       string     `json:"receiptHash"`
	GateID            string     `json:"gateId,omitempty"`
	PayerAgentID      string     `json:"payerAgentId"`
	PayeeAgentID      string     `json:"payeeAgentId"`
	Currency          string     `json:"currency"`
	HeldAmountCents   int64      `json:"heldAmountCents"`
	TotalAmountCents  int64      `json:"totalAmountCents"`
	ChallengeDeadline time.Time  `json:"challengeDeadline"`
	Status            HoldStatus `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	ResolvedAt        time.Time  `json:"resolvedAt,omitempty"`
}

// StreamID returns the hold's canonical event stream.
func (h *ToolCallHold) StreamID() string { return "tool_call_hold:" + h.AgreementHash }

// CaseStatus is the arbitration case lifecycle.
type CaseStatus string

const (
	CaseUnderReview CaseStatus = "under_review"
	CaseClosed      CaseStatus = "closed"
)

// ArbitrationCase tracks one dispute over one hold.
// CaseID is deterministic: "arb_case_tc_" + agreementHash.
type ArbitrationCase struct {
	CaseID          string     `json:"caseId"`
	TenantID        string     `json:"tenantId"`
	AgreementHash   string     `json:"agreementHash"`
	ReceiptHash     string     `json:"receiptHash"`
	HoldHash        string     `json:"holdHash"`
	OpenedBy        string     `json:"openedBy"`
	ArbiterAgentID  string     `json:"arbiterAgentId"`
	Status          CaseStatus `json:"status"`
	EvidenceRefs    []string   `json:"evidenceRefs"`
	Revision        int        `json:"revision"`
	OpenedAt        time.Time  `json:"openedAt"`
	ClosedAt        time.Time  `json:"closedAt,omitempty"`
	VerdictID       string     `json:"verdictId,omitempty"`
	BindingSHA256   string     `json:"bindingSha256,omitempty"`
	AdminOverridden bool       `json:"adminOverridden,omitempty"`
}

// DisputeOpenEnvelope is the signed request to open a dispute
// (DisputeOpenEnvelope.v1). Signed by the opener's active key with purpose
// "dispute_open".
type DisputeOpenEnvelope struct {
	V               string   `json:"v"` // "DisputeOpenEnvelope.v1"
	EnvelopeID      string   `json:"envelopeId"`
	CaseID          string   `json:"caseId"`
	TenantID        string   `json:"tenantId"`
	AgreementHash   string   `json:"agreementHash"`
	ReceiptHash     string   `json:"receiptHash"`
	HoldHash        string   `json:"holdHash"`
	OpenedByAgentID string   `json:"openedByAgentId"`
	OpenedAt        int64    `json:"openedAt"` // unix millis
	ReasonCode      string   `json:"reasonCode"`
	EvidenceRefs    []string `json:"evidenceRefs"`
	Nonce           string   `json:"nonce"`
	SignerKeyID     string   `json:"signerKeyId"`
	Signature       string   `json:"signature"`
	EnvelopeHash    string   `json:"envelopeHash"`
}

// VerdictOutcome is the arbiter's finding.
type VerdictOutcome string

const (
	VerdictAccepted VerdictOutcome = "accepted"
	VerdictRejected VerdictOutcome = "rejected"
)

// ArbitrationVerdict is the signed arbiter decision (ArbitrationVerdict.v1),
// purpose "arbitration_verdict".
type ArbitrationVerdict struct {
	V              string         `json:"v"` // "ArbitrationVerdict.v1"
	VerdictID      string         `json:"verdictId"`
	CaseID         string         `json:"caseId"`
	TenantID       string         `json:"tenantId"`
	RunID          string         `json:"runId,omitempty"`
	SettlementID   string         `json:"settlementId,omitempty"`
	DisputeID      string         `json:"disputeId,omitempty"`
	ArbiterAgentID string         `json:"arbiterAgentId"`
	Outcome        VerdictOutcome `json:"outcome"`
	ReleaseRatePct int64          `json:"releaseRatePct"` // [0,100]
	Rationale      string         `json:"rationale,omitempty"`
	EvidenceRefs   []string       `json:"evidenceRefs"`
	IssuedAt       int64          `json:"issuedAt"` // unix millis
	SignerKeyID    string         `json:"signerKeyId"`
	Signature      string         `json:"signature"`
	VerdictHash    string         `json:"verdictHash"`
}

// AdjustmentKind classifies the deterministic settlement adjustment.
type AdjustmentKind string

const (
	AdjustmentHoldbackRelease AdjustmentKind = "holdback_release"
	AdjustmentHoldbackRefund  AdjustmentKind = "holdback_refund"
)

// SettlementAdjustment closes a hold. Exactly one exists per hold:
// AdjustmentID = "sadj_agmt_" + agreementHash + "_holdback".
type SettlementAdjustment struct {
	AdjustmentID   string         `json:"adjustmentId"`
	TenantID       string         `json:"tenantId"`
	AgreementHash  string         `json:"agreementHash"`
	HoldHash       string         `json:"holdHash"`
	Kind           AdjustmentKind `json:"kind"`
	AmountCents    int64          `json:"amountCents"` // total held amount closed
	ReleasedCents  int64          `json:"releasedCents"`
	RefundedCents  int64          `json:"refundedCents"`
	ReleaseRatePct int64          `json:"releaseRatePct"`
	RoundingMode   string         `json:"roundingMode"` // "payer_rounds_up"
	TriggeredBy    string         `json:"triggeredBy"`  // "maintenance" | "verdict"
	VerdictID      string         `json:"verdictId,omitempty"`
	AppliedAt      time.Time      `json:"appliedAt"`
}

// AdjustmentID derives the deterministic adjustment id for an agreement.
func AdjustmentID(agreementHash string) string {
	return "sadj_agmt_" + agreementHash + "_holdback"
}

// CaseIDFor derives the deterministic case id for an agreement.
func CaseIDFor(agreementHash string) string {
	return "arb_case_tc_" + agreementHash
}

// DisputeArtifactID derives the stored dispute-open artifact id.
func DisputeArtifactID(agreementHash string) string {
	return "dopen_tc_" + agreementHash
}

// HoldHashFor binds the hold's identity fields into a single hash:
// H(agreementHash ∥ receiptHash ∥ heldAmountCents ∥ currency ∥ payer ∥ payee).
func HoldHashFor(agreementHash, receiptHash string, heldAmountCents int64, currency, payerAgentID, payeeAgentID string) string {
	material := fmt.Sprintf("%s|%s|%d|%s|%s|%s",
		agreementHash, receiptHash, heldAmountCents, currency, payerAgentID, payeeAgentID)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}
