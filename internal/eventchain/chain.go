// Package eventchain builds and verifies the per-stream hash-chained event
// log. Each event's chain hash covers the previous chain hash plus the
// canonical JSON of the event's core fields, so any stream replays to a
// deterministic total order and any tampering breaks the chain.
package eventchain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/nooterra/substrate/internal/canonical"
	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/signing"
)

// Draft is an event before sealing: no id, time, chain hash or signature.
type Draft struct {
	TenantID string
	StreamID string
	Type     string
	Actor    string
	Payload  interface{}
}

// Sealer finalizes drafts under the active server signing key. The store
// calls Seal while holding the stream's write lock so prevChainHash is
// assigned monotonically.
type Sealer struct {
	key   *signing.KeyPair
	clock core.Clock
}

func NewSealer(key *signing.KeyPair, clock core.Clock) *Sealer {
	return &Sealer{key: key, clock: clock}
}

// KeyID returns the active server signer key id.
func (s *Sealer) KeyID() string { return s.key.KeyID }

// PublicKeyPEM returns the active server public key.
func (s *Sealer) PublicKeyPEM() string { return s.key.PublicKeyPEM }

// Seal assigns identity, position and signature to a draft. prevChainHash is
// empty for genesis.
func (s *Sealer) Seal(d Draft, seq int64, prevChainHash string) (core.Event, error) {
	payloadBytes, err := canonical.Marshal(d.Payload)
	if err != nil {
		return core.Event{}, fmt.Errorf("seal %s: canonicalize payload: %w", d.Type, err)
	}
	ev := core.Event{
		V:             1,
		ID:            "evt_" + uuid.NewString(),
		At:            s.clock.Now().UnixMilli(),
		TenantID:      d.TenantID,
		StreamID:      d.StreamID,
		Seq:           seq,
		Type:          d.Type,
		Actor:         d.Actor,
		Payload:       payloadBytes,
		PrevChainHash: prevChainHash,
	}
	chainHash, err := ComputeChainHash(ev)
	if err != nil {
		return core.Event{}, err
	}
	ev.ChainHash = chainHash
	sig, err := signing.Sign(chainHash, s.key.Private, signing.PurposeEventChain, map[string]interface{}{
		"streamId": d.StreamID,
		"tenantId": d.TenantID,
	})
	if err != nil {
		return core.Event{}, fmt.Errorf("seal %s: sign chain hash: %w", d.Type, err)
	}
	ev.SignerKeyID = s.key.KeyID
	ev.Signature = sig
	return ev, nil
}

// ComputeChainHash hashes {prev: prevChainHash, ...coreFields}. The payload
// is embedded as its decoded form; because stored payload bytes are already
// canonical, decode + re-encode is byte-stable.
func ComputeChainHash(ev core.Event) (string, error) {
	payload, err := decodeCanonical(ev.Payload)
	if err != nil {
		return "", fmt.Errorf("chain hash %s: %w", ev.ID, err)
	}
	var prev interface{}
	if ev.PrevChainHash != "" {
		prev = ev.PrevChainHash
	}
	return canonical.Hash(map[string]interface{}{
		"prev":     prev,
		"v":        ev.V,
		"id":       ev.ID,
		"at":       ev.At,
		"tenantId": ev.TenantID,
		"streamId": ev.StreamID,
		"seq":      ev.Seq,
		"type":     ev.Type,
		"actor":    ev.Actor,
		"payload":  payload,
	})
}

func decodeCanonical(raw json.RawMessage) (interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return out, nil
}

// VerifyChain replays a stream and checks linkage and recomputed hashes.
// Events must be in append order.
func VerifyChain(events []core.Event) error {
	prev := ""
	for i, ev := range events {
		if ev.PrevChainHash != prev {
			return fmt.Errorf("event %d (%s): prevChainHash mismatch", i, ev.ID)
		}
		want, err := ComputeChainHash(ev)
		if err != nil {
			return err
		}
		if ev.ChainHash != want {
			return fmt.Errorf("event %d (%s): chainHash mismatch", i, ev.ID)
		}
		prev = ev.ChainHash
	}
	return nil
}

// Snapshot pins the head of a replayed stream.
func Snapshot(streamID string, events []core.Event) core.StreamSnapshot {
	snap := core.StreamSnapshot{StreamID: streamID, Length: int64(len(events))}
	if n := len(events); n > 0 {
		snap.LastChainHash = events[n-1].ChainHash
		snap.LastEventID = events[n-1].ID
	}
	return snap
}
