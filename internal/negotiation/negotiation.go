// Package negotiation runs the pre-payment handshake: a payee publishes a
// task quote, a payer makes an offer against it, the payee accepts by
// pinning the quote hash, and the resulting work order moves through
// accept/complete/settle. Settling opens an x402 gate for the quoted price.
package negotiation

import (
	"context"
	"encoding/json"
	"log"

	"github.com/google/uuid"

	"github.com/nooterra/substrate/internal/canonical"
	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/escrow"
	"github.com/nooterra/substrate/internal/eventchain"
	"github.com/nooterra/substrate/internal/events"
	"github.com/nooterra/substrate/internal/store"
)

// Artifact kinds under which negotiation documents are stored.
const (
	kindQuote      = "task_quote"
	kindOffer      = "task_offer"
	kindAcceptance = "task_acceptance"
	kindWorkOrder  = "work_order"
)

// TaskQuote is a payee's priced offer to run one tool call.
type TaskQuote struct {
	QuoteID      string `json:"quoteId"`
	TenantID     string `json:"tenantId"`
	PayeeAgentID string `json:"payeeAgentId"`
	ToolID       string `json:"toolId"`
	PriceCents   int64  `json:"priceCents"`
	Currency     string `json:"currency"`
	Description  string `json:"description,omitempty"`
	ValidUntil   int64  `json:"validUntil,omitempty"` // unix ms; 0 = no expiry
	CreatedAt    int64  `json:"createdAt"`
	QuoteHash    string `json:"quoteHash,omitempty"`
}

// TaskOffer is a payer's response to a quote. It records the quote hash the
// payer saw so later tampering is detectable.
type TaskOffer struct {
	OfferID      string `json:"offerId"`
	TenantID     string `json:"tenantId"`
	QuoteID      string `json:"quoteId"`
	QuoteHash    string `json:"quoteHash"`
	PayerAgentID string `json:"payerAgentId"`
	CreatedAt    int64  `json:"createdAt"`
}

// TaskAcceptance is the payee's acceptance of an offer. The quote hash the
// caller supplies must match the stored quote exactly.
type TaskAcceptance struct {
	AcceptanceID string `json:"acceptanceId"`
	TenantID     string `json:"tenantId"`
	OfferID      string `json:"offerId"`
	QuoteID      string `json:"quoteId"`
	QuoteHash    string `json:"quoteHash"`
	CreatedAt    int64  `json:"createdAt"`
}

// Work order states.
const (
	OrderCreated   = "created"
	OrderAccepted  = "accepted"
	OrderCompleted = "completed"
	OrderSettled   = "settled"
)

// WorkOrder binds an acceptance to a funded execution. Settle opens the gate.
type WorkOrder struct {
	WorkOrderID       string `json:"workOrderId"`
	TenantID          string `json:"tenantId"`
	AcceptanceID      string `json:"acceptanceId"`
	QuoteID           string `json:"quoteId"`
	PayerAgentID      string `json:"payerAgentId"`
	PayeeAgentID      string `json:"payeeAgentId"`
	ToolID            string `json:"toolId"`
	PriceCents        int64  `json:"priceCents"`
	Currency          string `json:"currency"`
	AuthorityGrantRef string `json:"authorityGrantRef,omitempty"`
	HoldbackBps       int64  `json:"holdbackBps"`
	ChallengeWindowMs int64  `json:"challengeWindowMs"`
	Status            string `json:"status"`
	GateID            string `json:"gateId,omitempty"`
	CreatedAt         int64  `json:"createdAt"`
	UpdatedAt         int64  `json:"updatedAt"`
}

// StreamID returns the work order's event stream.
func (w *WorkOrder) StreamID() string { return "work_order:" + w.WorkOrderID }

// Service owns the quote → offer → acceptance → work-order pipeline.
type Service struct {
	store  store.Store
	escrow *escrow.Service
	clock  core.Clock
	bus    events.Emitter
	logger *log.Logger
}

func NewService(s store.Store, esc *escrow.Service, clock core.Clock, bus events.Emitter, logger *log.Logger) *Service {
	if bus == nil {
		bus = events.NopEmitter{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Service{store: s, escrow: esc, clock: clock, bus: bus, logger: logger}
}

// QuoteRequest creates a task quote.
type QuoteRequest struct {
	PayeeAgentID string `json:"payeeAgentId"`
	ToolID       string `json:"toolId"`
	PriceCents   int64  `json:"priceCents"`
	Currency     string `json:"currency"`
	Description  string `json:"description,omitempty"`
	ValidUntil   int64  `json:"validUntil,omitempty"`
}

// CreateQuote stores a hashed quote from the payee.
func (s *Service) CreateQuote(ctx context.Context, tenantID string, req QuoteRequest) (*TaskQuote, error) {
	if req.PayeeAgentID == "" || req.ToolID == "" {
		return nil, core.NewError(core.CodeValidationRequired, "payeeAgentId and toolId are required")
	}
	if req.PriceCents <= 0 {
		return nil, core.NewError(core.CodeValidationInvalid, "priceCents must be positive")
	}
	if req.Currency == "" {
		return nil, core.NewError(core.CodeValidationRequired, "currency is required")
	}
	if _, err := s.store.GetAgent(ctx, tenantID, req.PayeeAgentID); err != nil {
		return nil, err
	}

	quote := &TaskQuote{
		QuoteID:      "tq_" + uuid.NewString(),
		TenantID:     tenantID,
		PayeeAgentID: req.PayeeAgentID,
		ToolID:       req.ToolID,
		PriceCents:   req.PriceCents,
		Currency:     req.Currency,
		Description:  req.Description,
		ValidUntil:   req.ValidUntil,
		CreatedAt:    s.clock.Now().UnixMilli(),
	}
	hash, err := QuoteHash(quote)
	if err != nil {
		return nil, err
	}
	quote.QuoteHash = hash
	if err := s.putDoc(ctx, tenantID, kindQuote, quote.QuoteID, quote, nil); err != nil {
		return nil, err
	}
	return quote, nil
}

// OfferRequest makes an offer against a quote.
type OfferRequest struct {
	QuoteID      string `json:"quoteId"`
	PayerAgentID string `json:"payerAgentId"`
}

// CreateOffer records the payer's intent to buy at the quoted price.
func (s *Service) CreateOffer(ctx context.Context, tenantID string, req OfferRequest) (*TaskOffer, error) {
	if req.QuoteID == "" || req.PayerAgentID == "" {
		return nil, core.NewError(core.CodeValidationRequired, "quoteId and payerAgentId are required")
	}
	if _, err := s.store.GetAgent(ctx, tenantID, req.PayerAgentID); err != nil {
		return nil, err
	}
	quote, err := s.GetQuote(ctx, tenantID, req.QuoteID)
	if err != nil {
		return nil, err
	}
	if err := s.checkQuoteFresh(quote); err != nil {
		return nil, err
	}

	offer := &TaskOffer{
		OfferID:      "tof_" + uuid.NewString(),
		TenantID:     tenantID,
		QuoteID:      quote.QuoteID,
		QuoteHash:    quote.QuoteHash,
		PayerAgentID: req.PayerAgentID,
		CreatedAt:    s.clock.Now().UnixMilli(),
	}
	if err := s.putDoc(ctx, tenantID, kindOffer, offer.OfferID, offer, nil); err != nil {
		return nil, err
	}
	return offer, nil
}

// AcceptanceRequest accepts an offer, pinning the quote hash.
type AcceptanceRequest struct {
	OfferID   string `json:"offerId"`
	QuoteHash string `json:"quoteHash"`
}

// CreateAcceptance verifies the pinned hash against the stored quote and
// records the acceptance.
func (s *Service) CreateAcceptance(ctx context.Context, tenantID string, req AcceptanceRequest) (*TaskAcceptance, error) {
	if req.OfferID == "" || req.QuoteHash == "" {
		return nil, core.NewError(core.CodeValidationRequired, "offerId and quoteHash are required")
	}
	offer, err := s.GetOffer(ctx, tenantID, req.OfferID)
	if err != nil {
		return nil, err
	}
	quote, err := s.GetQuote(ctx, tenantID, offer.QuoteID)
	if err != nil {
		return nil, err
	}
	if req.QuoteHash != quote.QuoteHash || offer.QuoteHash != quote.QuoteHash {
		return nil, core.NewError(core.CodeQuoteHashMismatch, "pinned quote hash does not match the stored quote").
			WithDetail("quoteId", quote.QuoteID)
	}
	if err := s.checkQuoteFresh(quote); err != nil {
		return nil, err
	}

	acc := &TaskAcceptance{
		AcceptanceID: "tac_" + uuid.NewString(),
		TenantID:     tenantID,
		OfferID:      offer.OfferID,
		QuoteID:      quote.QuoteID,
		QuoteHash:    quote.QuoteHash,
		CreatedAt:    s.clock.Now().UnixMilli(),
	}
	if err := s.putDoc(ctx, tenantID, kindAcceptance, acc.AcceptanceID, acc, nil); err != nil {
		return nil, err
	}
	return acc, nil
}

// WorkOrderRequest materializes an accepted negotiation into a work order.
type WorkOrderRequest struct {
	AcceptanceID      string `json:"acceptanceId"`
	AuthorityGrantRef string `json:"authorityGrantRef,omitempty"`
	HoldbackBps       int64  `json:"holdbackBps"`
	ChallengeWindowMs int64  `json:"challengeWindowMs"`
}

// CreateWorkOrder derives the commercial terms from the pinned quote.
func (s *Service) CreateWorkOrder(ctx context.Context, tenantID string, req WorkOrderRequest) (*WorkOrder, error) {
	if req.AcceptanceID == "" {
		return nil, core.NewError(core.CodeValidationRequired, "acceptanceId is required")
	}
	if req.HoldbackBps < 0 || req.HoldbackBps > 10000 {
		return nil, core.NewError(core.CodeValidationInvalid, "holdbackBps must be in [0,10000]")
	}
	acc, err := s.GetAcceptance(ctx, tenantID, req.AcceptanceID)
	if err != nil {
		return nil, err
	}
	offer, err := s.GetOffer(ctx, tenantID, acc.OfferID)
	if err != nil {
		return nil, err
	}
	quote, err := s.GetQuote(ctx, tenantID, acc.QuoteID)
	if err != nil {
		return nil, err
	}
	if acc.QuoteHash != quote.QuoteHash {
		return nil, core.NewError(core.CodeQuoteHashMismatch, "acceptance no longer matches the stored quote").
			WithDetail("quoteId", quote.QuoteID)
	}

	now := s.clock.Now().UnixMilli()
	order := &WorkOrder{
		WorkOrderID:       "wo_" + uuid.NewString(),
		TenantID:          tenantID,
		AcceptanceID:      acc.AcceptanceID,
		QuoteID:           quote.QuoteID,
		PayerAgentID:      offer.PayerAgentID,
		PayeeAgentID:      quote.PayeeAgentID,
		ToolID:            quote.ToolID,
		PriceCents:        quote.PriceCents,
		Currency:          quote.Currency,
		AuthorityGrantRef: req.AuthorityGrantRef,
		HoldbackBps:       req.HoldbackBps,
		ChallengeWindowMs: req.ChallengeWindowMs,
		Status:            OrderCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	draft := eventchain.Draft{
		TenantID: tenantID,
		StreamID: order.StreamID(),
		Type:     core.EventWorkOrderCreated,
		Actor:    order.PayerAgentID,
		Payload: map[string]interface{}{
			"workOrderId":  order.WorkOrderID,
			"quoteId":      order.QuoteID,
			"payerAgentId": order.PayerAgentID,
			"payeeAgentId": order.PayeeAgentID,
			"priceCents":   order.PriceCents,
			"currency":     order.Currency,
		},
	}
	if err := s.putDoc(ctx, tenantID, kindWorkOrder, order.WorkOrderID, order, &draft); err != nil {
		return nil, err
	}
	s.bus.Emit("substrate.workorder.created", tenantID, order.WorkOrderID, map[string]interface{}{
		"workOrderId": order.WorkOrderID, "priceCents": order.PriceCents,
	})
	return order, nil
}

// Accept moves created → accepted.
func (s *Service) Accept(ctx context.Context, tenantID, orderID string) (*WorkOrder, error) {
	return s.transition(ctx, tenantID, orderID, OrderCreated, OrderAccepted, core.EventWorkOrderAccepted, nil)
}

// Complete moves accepted → completed.
func (s *Service) Complete(ctx context.Context, tenantID, orderID string) (*WorkOrder, error) {
	return s.transition(ctx, tenantID, orderID, OrderAccepted, OrderCompleted, core.EventWorkOrderCompleted, nil)
}

// Settle moves completed → settled and opens the x402 gate for the quoted
// price under the order's authority grant.
func (s *Service) Settle(ctx context.Context, tenantID, orderID string) (*WorkOrder, *core.X402Gate, error) {
	order, err := s.GetWorkOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, nil, err
	}
	if order.Status != OrderCompleted {
		return nil, nil, invalidOrderState(order, "settle")
	}
	gate, err := s.escrow.Create(ctx, tenantID, escrow.CreateRequest{
		PayerAgentID:      order.PayerAgentID,
		PayeeAgentID:      order.PayeeAgentID,
		ToolID:            order.ToolID,
		AmountCents:       order.PriceCents,
		Currency:          order.Currency,
		AuthorityGrantRef: order.AuthorityGrantRef,
		HoldbackBps:       order.HoldbackBps,
		ChallengeWindowMs: order.ChallengeWindowMs,
	})
	if err != nil {
		return nil, nil, err
	}

	order, err = s.transition(ctx, tenantID, orderID, OrderCompleted, OrderSettled, core.EventWorkOrderSettled,
		map[string]interface{}{"gateId": gate.GateID})
	if err != nil {
		return nil, nil, err
	}
	order.GateID = gate.GateID
	if err := s.putDoc(ctx, tenantID, kindWorkOrder, order.WorkOrderID, order, nil); err != nil {
		return nil, nil, err
	}
	s.logger.Printf("[Negotiation] work order %s settled via gate %s", order.WorkOrderID, gate.GateID)
	s.bus.Emit("substrate.workorder.settled", tenantID, order.WorkOrderID, map[string]interface{}{
		"workOrderId": order.WorkOrderID, "gateId": gate.GateID,
	})
	return order, gate, nil
}

func (s *Service) transition(ctx context.Context, tenantID, orderID, from, to, eventType string, extra map[string]interface{}) (*WorkOrder, error) {
	order, err := s.GetWorkOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != from {
		return nil, invalidOrderState(order, to)
	}
	order.Status = to
	order.UpdatedAt = s.clock.Now().UnixMilli()

	payload := map[string]interface{}{"workOrderId": order.WorkOrderID}
	for k, v := range extra {
		payload[k] = v
	}
	draft := eventchain.Draft{
		TenantID: tenantID,
		StreamID: order.StreamID(),
		Type:     eventType,
		Actor:    order.PayeeAgentID,
		Payload:  payload,
	}
	if err := s.putDoc(ctx, tenantID, kindWorkOrder, order.WorkOrderID, order, &draft); err != nil {
		return nil, err
	}
	return order, nil
}

// GetQuote loads a stored quote.
func (s *Service) GetQuote(ctx context.Context, tenantID, quoteID string) (*TaskQuote, error) {
	var quote TaskQuote
	if err := s.getDoc(ctx, tenantID, quoteID, &quote); err != nil {
		return nil, err
	}
	return &quote, nil
}

// GetOffer loads a stored offer.
func (s *Service) GetOffer(ctx context.Context, tenantID, offerID string) (*TaskOffer, error) {
	var offer TaskOffer
	if err := s.getDoc(ctx, tenantID, offerID, &offer); err != nil {
		return nil, err
	}
	return &offer, nil
}

// GetAcceptance loads a stored acceptance.
func (s *Service) GetAcceptance(ctx context.Context, tenantID, accID string) (*TaskAcceptance, error) {
	var acc TaskAcceptance
	if err := s.getDoc(ctx, tenantID, accID, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

// GetWorkOrder loads a stored work order.
func (s *Service) GetWorkOrder(ctx context.Context, tenantID, orderID string) (*WorkOrder, error) {
	var order WorkOrder
	if err := s.getDoc(ctx, tenantID, orderID, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// QuoteHash hashes the quote minus its own hash field.
func QuoteHash(q *TaskQuote) (string, error) {
	cp := *q
	cp.QuoteHash = ""
	return canonical.Hash(&cp)
}

func (s *Service) checkQuoteFresh(quote *TaskQuote) error {
	if quote.ValidUntil > 0 && s.clock.Now().UnixMilli() > quote.ValidUntil {
		return core.NewError(core.CodeQuoteExpired, "quote validity window has passed").
			WithDetail("quoteId", quote.QuoteID)
	}
	return nil
}

func (s *Service) putDoc(ctx context.Context, tenantID, kind, id string, doc interface{}, draft *eventchain.Draft) error {
	body, err := canonical.Marshal(doc)
	if err != nil {
		return err
	}
	ops := []store.Op{{PutArtifact: &core.Artifact{
		TenantID:   tenantID,
		ArtifactID: id,
		Kind:       kind,
		Body:       body,
		CreatedAt:  s.clock.Now(),
	}}}
	if draft != nil {
		ops = append(ops, store.EventOp(*draft))
	}
	_, err = s.store.CommitTx(ctx, tenantID, ops)
	return err
}

func (s *Service) getDoc(ctx context.Context, tenantID, id string, out interface{}) error {
	art, err := s.store.GetArtifact(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return json.Unmarshal(art.Body, out)
}

func invalidOrderState(order *WorkOrder, op string) error {
	return core.NewError(core.CodeWorkOrderInvalidState, "work order state does not permit "+op).
		WithDetail("workOrderId", order.WorkOrderID).
		WithDetail("status", order.Status)
}
