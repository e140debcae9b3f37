package eventchain

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nooterra/substrate/internal/core"
)

// Validator checks a payload's shape for one event type. Events carry
// heterogeneous payloads; the registry keys schemas by event type so the
// chain can store canonical bytes instead of a free-form map.
type Validator func(payload json.RawMessage) error

// Registry maps event type → payload validator.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

func NewRegistry() *Registry {
	r := &Registry{validators: make(map[string]Validator)}
	r.registerDefaults()
	return r
}

// Register installs a validator for an event type, replacing any prior one.
func (r *Registry) Register(eventType string, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[eventType] = v
}

// Validate checks the payload if a schema is registered; unregistered types
// pass so exports from newer servers still verify.
func (r *Registry) Validate(eventType string, payload json.RawMessage) error {
	r.mu.RLock()
	v, ok := r.validators[eventType]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := v(payload); err != nil {
		return fmt.Errorf("payload for %s: %w", eventType, err)
	}
	return nil
}

func requireFields(fields ...string) Validator {
	return func(payload json.RawMessage) error {
		var m map[string]interface{}
		if err := json.Unmarshal(payload, &m); err != nil {
			return err
		}
		for _, f := range fields {
			if _, ok := m[f]; !ok {
				return fmt.Errorf("missing field %q", f)
			}
		}
		return nil
	}
}

func (r *Registry) registerDefaults() {
	r.validators[core.EventGateCreated] = requireFields("gateId", "payerAgentId", "payeeAgentId", "amountCents")
	r.validators[core.EventGateAuthorized] = requireFields("gateId", "authorityGrantRef")
	r.validators[core.EventGateExecuted] = requireFields("gateId", "amountCents")
	r.validators[core.EventGateVerified] = requireFields("gateId", "status")
	r.validators[core.EventGateReleased] = requireFields("gateId", "amountCents")
	r.validators[core.EventGateRefunded] = requireFields("gateId", "amountCents")
	r.validators[core.EventHoldLocked] = requireFields("holdHash", "agreementHash", "heldAmountCents")
	r.validators[core.EventHoldReleased] = requireFields("holdHash", "adjustmentId")
	r.validators[core.EventHoldRefunded] = requireFields("holdHash", "adjustmentId")
	r.validators[core.EventDisputeOpened] = requireFields("caseId", "agreementHash", "openedByAgentId")
	r.validators[core.EventVerdictAccepted] = requireFields("caseId", "verdictId", "releaseRatePct")
	r.validators[core.EventAdjustmentApplied] = requireFields("adjustmentId", "kind", "amountCents")
	r.validators[core.EventWalletCredited] = requireFields("agentId", "amountCents", "currency")
	r.validators[core.EventAgentRegistered] = requireFields("agentId")
	r.validators[core.EventAgentLifecycle] = requireFields("agentId", "lifecycleStatus")
	r.validators[core.EventGrantIssued] = requireFields("grantId", "granteeAgentId")
	r.validators[core.EventGrantRevoked] = requireFields("grantId", "revocationReasonCode")
	r.validators[core.EventKeyAdded] = requireFields("keyId", "publicKeyPem")
	r.validators[core.EventKeyRotated] = requireFields("keyId")
	r.validators[core.EventKeyRevoked] = requireFields("keyId")
	r.validators[core.EventOpsAudit] = requireFields("reason")
	r.validators[core.EventWorkOrderCreated] = requireFields("workOrderId", "quoteId", "payerAgentId", "payeeAgentId")
	r.validators[core.EventWorkOrderAccepted] = requireFields("workOrderId")
	r.validators[core.EventWorkOrderCompleted] = requireFields("workOrderId")
	r.validators[core.EventWorkOrderSettled] = requireFields("workOrderId", "gateId")
}
