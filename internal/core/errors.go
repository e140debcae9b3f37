package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is the failure envelope every core operation returns.
// The HTTP layer maps Code to a status; the core never touches HTTP.
type Error struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a coded error with no details.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithDetail attaches a detail field and returns the same error.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsError extracts a coded *Error from any error chain.
func AsError(err error) (*Error, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Stable machine-readable codes. These are wire contract — never rename.
const (
	CodeValidationRequired = "VALIDATION_REQUIRED"
	CodeValidationInvalid  = "VALIDATION_INVALID"
	CodeNotFound           = "NOT_FOUND"
	CodeInternal           = "INTERNAL"

	CodeIdempotencyKeyConflict = "IDEMPOTENCY_KEY_CONFLICT"

	CodeGrantRevoked         = "X402_AUTHORITY_GRANT_REVOKED"
	CodeGrantExpired         = "X402_AUTHORITY_GRANT_EXPIRED"
	CodeGrantNotActive       = "X402_AUTHORITY_GRANT_NOT_ACTIVE"
	CodeGrantPerCallExceeded = "X402_AUTHORITY_GRANT_PER_CALL_EXCEEDED"
	CodeGrantTotalExceeded   = "X402_AUTHORITY_GRANT_TOTAL_EXCEEDED"
	CodeGrantActorMismatch   = "X402_AUTHORITY_GRANT_ACTOR_MISMATCH"
	CodeGrantScopeDenied     = "X402_AUTHORITY_GRANT_SCOPE_DENIED"

	CodeAgentSuspended = "X402_AGENT_SUSPENDED"
	CodeAgentThrottled = "X402_AGENT_THROTTLED"

	CodeGateInvalidState    = "X402_GATE_INVALID_STATE"
	CodeInsufficientFunds   = "X402_INSUFFICIENT_FUNDS"
	CodeHoldAlreadyExists   = "X402_TOOL_CALL_HOLD_EXISTS"
	CodeHoldNotFound        = "X402_TOOL_CALL_HOLD_NOT_FOUND"
	CodeHoldNotHeld         = "X402_TOOL_CALL_HOLD_NOT_HELD"
	CodeBindingSourceNeeded = "X402_TOOL_CALL_BINDING_SOURCE_REQUIRED"
	CodeOpenBindingRequired = "X402_TOOL_CALL_OPEN_BINDING_EVIDENCE_REQUIRED"
	CodeOpenBindingMismatch = "X402_TOOL_CALL_OPEN_BINDING_EVIDENCE_MISMATCH"
	CodeVerdictBindingWrong = "X402_TOOL_CALL_VERDICT_BINDING_EVIDENCE_MISMATCH"

	CodeDisputeAlreadyOpen   = "DISPUTE_ALREADY_OPEN"
	CodeDisputeWindowExpired = "DISPUTE_WINDOW_EXPIRED"
	CodeDisputeInvalidSigner = "DISPUTE_INVALID_SIGNER"
	CodeDisputeHashMismatch  = "DISPUTE_ENVELOPE_HASH_MISMATCH"

	CodeVerdictInvalidSigner  = "VERDICT_INVALID_SIGNER"
	CodeVerdictHashMismatch   = "VERDICT_HASH_MISMATCH"
	CodeVerdictCaseNotOpen    = "VERDICT_CASE_NOT_OPEN"
	CodeVerdictArbiterWrong   = "VERDICT_ARBITER_MISMATCH"
	CodeVerdictRateOutOfRange = "VERDICT_RELEASE_RATE_INVALID"

	CodeMaintenanceRunning = "MAINTENANCE_ALREADY_RUNNING"

	CodeAdjustmentExists = "SETTLEMENT_ADJUSTMENT_EXISTS"

	CodeSignerKeyRevoked   = "SIGNER_KEY_REVOKED"
	CodeSignerKeyNotActive = "SIGNER_KEY_NOT_ACTIVE"
	CodeSignerKeyUnknown   = "SIGNER_KEY_UNKNOWN"

	CodeBundleIntegrity = "PROOF_BUNDLE_INTEGRITY_FAILED"

	CodeRateLimited = "RATE_LIMITED"

	CodeQuoteHashMismatch     = "TASK_QUOTE_HASH_MISMATCH"
	CodeQuoteExpired          = "TASK_QUOTE_EXPIRED"
	CodeWorkOrderInvalidState = "WORK_ORDER_INVALID_STATE"
)

// HTTPStatus maps a code to its HTTP status class.
func HTTPStatus(code string) int {
	switch code {
	case CodeValidationRequired, CodeValidationInvalid:
		return http.StatusBadRequest
	case CodeNotFound, CodeHoldNotFound:
		return http.StatusNotFound
	case CodeAgentSuspended:
		return http.StatusGone
	case CodeAgentThrottled, CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeIdempotencyKeyConflict,
		CodeGrantRevoked, CodeGrantExpired, CodeGrantNotActive,
		CodeGrantPerCallExceeded, CodeGrantTotalExceeded,
		CodeGrantActorMismatch, CodeGrantScopeDenied,
		CodeGateInvalidState, CodeInsufficientFunds,
		CodeHoldAlreadyExists, CodeHoldNotHeld,
		CodeBindingSourceNeeded, CodeOpenBindingRequired, CodeOpenBindingMismatch,
		CodeVerdictBindingWrong, CodeDisputeAlreadyOpen, CodeDisputeWindowExpired,
		CodeDisputeInvalidSigner, CodeDisputeHashMismatch,
		CodeVerdictInvalidSigner, CodeVerdictHashMismatch, CodeVerdictCaseNotOpen,
		CodeVerdictArbiterWrong, CodeVerdictRateOutOfRange,
		CodeMaintenanceRunning, CodeAdjustmentExists,
		CodeQuoteHashMismatch, CodeQuoteExpired, CodeWorkOrderInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
