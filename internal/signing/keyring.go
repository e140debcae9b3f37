package signing

import (
	"crypto/ed25519"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/nooterra/substrate/internal/core"
)

// KeyStatus is derived from the governance stream, never from an out-of-band
// manifest. Rotation and revocation both make a key ineligible for any
// signing time at or after the event.
type KeyStatus string

const (
	KeyActive  KeyStatus = "active"
	KeyRotated KeyStatus = "rotated"
	KeyRevoked KeyStatus = "revoked"
	KeyUnknown KeyStatus = "unknown"
)

type statusChange struct {
	status KeyStatus
	at     time.Time
}

type keyEntry struct {
	keyID   string
	pem     string
	pub     ed25519.PublicKey
	changes []statusChange // ordered by time
}

// Keyring resolves signer keys and their status at a point in time. It is
// populated from SERVER_SIGNER_KEY_* events on the governance stream; the
// key-id ↔ event cross-reference stays an opaque id (no back-pointers).
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]*keyEntry
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]*keyEntry)}
}

// keyLifecyclePayload is the governance payload shape for key events.
type keyLifecyclePayload struct {
	KeyID        string `json:"keyId"`
	PublicKeyPEM string `json:"publicKeyPem,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// ApplyGovernanceEvent folds one governance event into the ring. Unknown
// event types are ignored so the governance stream can carry other entries.
func (kr *Keyring) ApplyGovernanceEvent(evType string, payload json.RawMessage, at time.Time) error {
	var p keyLifecyclePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return err
	}
	if p.KeyID == "" {
		return nil
	}
	switch evType {
	case core.EventKeyAdded:
		return kr.addKey(p.KeyID, p.PublicKeyPEM, at)
	case core.EventKeyRotated:
		kr.markStatus(p.KeyID, KeyRotated, at)
	case core.EventKeyRevoked:
		kr.markStatus(p.KeyID, KeyRevoked, at)
	}
	return nil
}

// Rebuild replays a full governance stream into a fresh state.
func (kr *Keyring) Rebuild(events []core.Event) error {
	kr.mu.Lock()
	kr.keys = make(map[string]*keyEntry)
	kr.mu.Unlock()
	for _, ev := range events {
		if err := kr.ApplyGovernanceEvent(ev.Type, ev.Payload, time.UnixMilli(ev.At)); err != nil {
			return err
		}
	}
	return nil
}

func (kr *Keyring) addKey(keyID, pemStr string, at time.Time) error {
	pub, err := ParsePublicKeyPEM(pemStr)
	if err != nil {
		return err
	}
	kr.mu.Lock()
	defer kr.mu.Unlock()
	if _, exists := kr.keys[keyID]; exists {
		return nil
	}
	kr.keys[keyID] = &keyEntry{
		keyID:   keyID,
		pem:     pemStr,
		pub:     pub,
		changes: []statusChange{{status: KeyActive, at: at}},
	}
	return nil
}

func (kr *Keyring) markStatus(keyID string, status KeyStatus, at time.Time) {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	entry, ok := kr.keys[keyID]
	if !ok {
		// Revocation may arrive before the add when replaying partial
		// exports; track the status change against a keyless entry.
		entry = &keyEntry{keyID: keyID}
		kr.keys[keyID] = entry
	}
	entry.changes = append(entry.changes, statusChange{status: status, at: at})
	sort.SliceStable(entry.changes, func(i, j int) bool {
		return entry.changes[i].at.Before(entry.changes[j].at)
	})
}

// StatusAt returns the key status as of signing time t. A rotate or revoke
// rendered at T marks the key ineligible for any signedAt >= T.
func (kr *Keyring) StatusAt(keyID string, t time.Time) KeyStatus {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	entry, ok := kr.keys[keyID]
	if !ok {
		return KeyUnknown
	}
	status := KeyUnknown
	for _, c := range entry.changes {
		if c.at.After(t) {
			break
		}
		status = c.status
	}
	return status
}

// PublicKey returns the registered key material.
func (kr *Keyring) PublicKey(keyID string) (ed25519.PublicKey, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	entry, ok := kr.keys[keyID]
	if !ok || entry.pub == nil {
		return nil, false
	}
	return entry.pub, true
}

// PublicKeys exports key material for proof bundles. RevokedAt fields in the
// export are advisory only; verifiers must rederive status from governance.
func (kr *Keyring) PublicKeys() []PublicKeyExport {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	out := make([]PublicKeyExport, 0, len(kr.keys))
	for _, entry := range kr.keys {
		exp := PublicKeyExport{KeyID: entry.keyID, PublicKeyPEM: entry.pem}
		for _, c := range entry.changes {
			if c.status == KeyRevoked {
				at := c.at.UnixMilli()
				exp.RevokedAt = &at
				break
			}
		}
		out = append(out, exp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KeyID < out[j].KeyID })
	return out
}

// PublicKeyExport is one entry in keys/public_keys.json.
type PublicKeyExport struct {
	KeyID        string `json:"keyId"`
	PublicKeyPEM string `json:"publicKeyPem"`
	RevokedAt    *int64 `json:"revokedAt,omitempty"`
}

// VerifyAt verifies a purpose-bound signature and enforces that the signer
// key was active at the asserted signing time. Returns a coded error.
func (kr *Keyring) VerifyAt(keyID, payloadHashHex, sigB64, purpose string, context map[string]interface{}, signedAt time.Time) error {
	pub, ok := kr.PublicKey(keyID)
	if !ok {
		return core.NewError(core.CodeSignerKeyUnknown, "signer key not registered").WithDetail("keyId", keyID)
	}
	switch kr.StatusAt(keyID, signedAt) {
	case KeyActive:
	case KeyRevoked:
		return core.NewError(core.CodeSignerKeyRevoked, "signer key revoked at signing time").WithDetail("keyId", keyID)
	default:
		return core.NewError(core.CodeSignerKeyNotActive, "signer key not active at signing time").WithDetail("keyId", keyID)
	}
	if !Verify(payloadHashHex, sigB64, pub, purpose, context) {
		return core.NewError(core.CodeValidationInvalid, "signature verification failed").WithDetail("keyId", keyID)
	}
	return nil
}
