// Package reserve abstracts the fiat rail behind wallet credits and
// withdrawals. The server never moves real money; deployments plug in an
// adapter for their rail, and the default stub only records intents.
package reserve

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/nooterra/substrate/internal/core"
)

// Intent is one recorded reserve movement.
type Intent struct {
	IntentID    string `json:"intentId"`
	TenantID    string `json:"tenantId"`
	AgentID     string `json:"agentId"`
	Direction   string `json:"direction"` // "deposit" | "withdraw"
	AmountCents int64  `json:"amountCents"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference,omitempty"`
	CreatedAt   int64  `json:"createdAt"`
}

// Reserve is the pluggable rail adapter. Implementations must be safe for
// concurrent use. A returned error aborts the wallet operation.
type Reserve interface {
	Deposit(ctx context.Context, tenantID, agentID string, amountCents int64, currency, reference string) (*Intent, error)
	Withdraw(ctx context.Context, tenantID, agentID string, amountCents int64, currency, reference string) (*Intent, error)
}

// Stub records intents in memory and approves everything.
type Stub struct {
	mu      sync.Mutex
	clock   core.Clock
	logger  *log.Logger
	intents []Intent
}

func NewStub(clock core.Clock, logger *log.Logger) *Stub {
	if logger == nil {
		logger = log.Default()
	}
	return &Stub{clock: clock, logger: logger}
}

func (s *Stub) Deposit(ctx context.Context, tenantID, agentID string, amountCents int64, currency, reference string) (*Intent, error) {
	return s.record(tenantID, agentID, "deposit", amountCents, currency, reference)
}

func (s *Stub) Withdraw(ctx context.Context, tenantID, agentID string, amountCents int64, currency, reference string) (*Intent, error) {
	return s.record(tenantID, agentID, "withdraw", amountCents, currency, reference)
}

func (s *Stub) record(tenantID, agentID, direction string, amountCents int64, currency, reference string) (*Intent, error) {
	if amountCents <= 0 {
		return nil, core.NewError(core.CodeValidationInvalid, "amountCents must be positive")
	}
	if currency == "" {
		return nil, core.NewError(core.CodeValidationRequired, "currency is required")
	}
	intent := Intent{
		IntentID:    "rsv_" + uuid.NewString(),
		TenantID:    tenantID,
		AgentID:     agentID,
		Direction:   direction,
		AmountCents: amountCents,
		Currency:    currency,
		Reference:   reference,
		CreatedAt:   s.clock.Now().UnixMilli(),
	}
	s.mu.Lock()
	s.intents = append(s.intents, intent)
	s.mu.Unlock()
	s.logger.Printf("[Reserve] recorded %s intent %s agent=%s amount=%d %s",
		direction, intent.IntentID, agentID, amountCents, currency)
	return &intent, nil
}

// Intents returns a copy of everything recorded, newest last.
func (s *Stub) Intents() []Intent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Intent, len(s.intents))
	copy(out, s.intents)
	return out
}
