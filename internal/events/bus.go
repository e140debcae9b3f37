// Package events is the in-process notification plane. It carries CloudEvents
// 1.0 envelopes emitted after commits — distinct from the canonical hash
// chain, which is the system of record. Losing a bus event loses nothing
// provable; subscribers that need certainty replay the chain.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter publishes notification events. The in-memory Bus satisfies it; a
// broker-backed implementation can be swapped in behind the same interface.
type Emitter interface {
	Emit(eventType, tenantID, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope used on the notification plane.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// SSEFormat renders the event as a Server-Sent Events frame.
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ce.Type, data, ce.ID)), nil
}

// Bus is an in-process pub/sub fan-out. Delivery is best-effort: a full
// subscriber channel drops the event rather than blocking a commit path.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent // eventType -> channels
	allSubs     []chan *CloudEvent
	logger      *log.Logger
	bufferSize  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *CloudEvent),
		allSubs:     make([]chan *CloudEvent, 0),
		logger:      log.New(log.Writer(), "[Events] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or all
// events when no types are given.
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// Publish delivers an event to all matching subscribers.
func (b *Bus) Publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// channel full, skip
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an envelope.
func (b *Bus) Emit(eventType, tenantID, subject string, data map[string]interface{}) {
	b.Publish(&CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      "nooterra/substrate",
		ID:          "ce-" + uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		TenantID:    tenantID,
		Data:        data,
	})
}

// SubscriberCount reports active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// NopEmitter drops everything; used where a bus is optional.
type NopEmitter struct{}

func (NopEmitter) Emit(string, string, string, map[string]interface{}) {}
