// Package signing provides Ed25519 signatures over canonical-JSON hashes.
// Every signature binds a purpose tag and an optional context object into
// the signed message, which prevents cross-protocol signature reuse.
package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/nooterra/substrate/internal/canonical"
)

// Signing purposes used by the core. A verdict signature can never be
// replayed as a dispute-open signature because the purposes differ.
const (
	PurposeDisputeOpen        = "dispute_open"
	PurposeArbitrationVerdict = "arbitration_verdict"
	PurposeEventChain         = "event_chain"
	PurposeBundleAttestation  = "bundle_head_attestation"
	PurposeAuthorityGrant     = "authority_grant"
	PurposePricingMatrix      = "pricing_matrix"
)

// KeyPair is a generated Ed25519 signer with its derived key id.
type KeyPair struct {
	KeyID        string
	PublicKeyPEM string
	Private      ed25519.PrivateKey
	Public       ed25519.PublicKey
}

// GenerateKeyPair mints a fresh Ed25519 pair. KeyID is SHA-256 of the SPKI.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	pemStr, err := EncodePublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	keyID, err := KeyIDFromPublicKeyPEM(pemStr)
	if err != nil {
		return nil, err
	}
	return &KeyPair{KeyID: keyID, PublicKeyPEM: pemStr, Private: priv, Public: pub}, nil
}

// KeyPairFromSeed rebuilds a deterministic pair from a 32-byte seed, so a
// server can keep its signer identity across restarts.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	pemStr, err := EncodePublicKeyPEM(pub)
	if err != nil {
		return nil, err
	}
	keyID, err := KeyIDFromPublicKeyPEM(pemStr)
	if err != nil {
		return nil, err
	}
	return &KeyPair{KeyID: keyID, PublicKeyPEM: pemStr, Private: priv, Public: pub}, nil
}

// EncodePublicKeyPEM encodes an Ed25519 public key as a PKIX PEM block.
func EncodePublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// ParsePublicKeyPEM parses a PEM-encoded Ed25519 public key.
func ParsePublicKeyPEM(pemData string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("not an Ed25519 public key")
	}
	return edPub, nil
}

// KeyIDFromPublicKeyPEM returns SHA-256 of the SPKI bytes, lowercase hex.
func KeyIDFromPublicKeyPEM(pemData string) (string, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return "", errors.New("failed to decode PEM block")
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:]), nil
}

// digest builds the signed message: H(purpose || H(canonical(context)) || payloadHashHex).
func digest(purpose string, context map[string]interface{}, payloadHashHex string) ([]byte, error) {
	if context == nil {
		context = map[string]interface{}{}
	}
	ctxHash, err := canonical.Hash(context)
	if err != nil {
		return nil, fmt.Errorf("hash signing context: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(purpose))
	h.Write([]byte(ctxHash))
	h.Write([]byte(payloadHashHex))
	return h.Sum(nil), nil
}

// Sign signs a canonical payload hash under a purpose tag. Returns the
// signature base64-encoded.
func Sign(payloadHashHex string, priv ed25519.PrivateKey, purpose string, context map[string]interface{}) (string, error) {
	if !canonical.IsHashHex(payloadHashHex) {
		return "", fmt.Errorf("payload hash must be 64-char lowercase hex")
	}
	msg, err := digest(purpose, context, payloadHashHex)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(priv, msg)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a purpose-bound signature over a canonical payload hash.
func Verify(payloadHashHex, sigB64 string, pub ed25519.PublicKey, purpose string, context map[string]interface{}) bool {
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return false
	}
	msg, err := digest(purpose, context, payloadHashHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
