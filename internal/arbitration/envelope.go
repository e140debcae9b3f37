package arbitration

import (
	"github.com/nooterra/substrate/internal/canonical"
	"github.com/nooterra/substrate/internal/core"
	"github.com/nooterra/substrate/internal/signing"
)

// EnvelopeVersion and VerdictVersion are the accepted artifact versions.
const (
	EnvelopeVersion = "DisputeOpenEnvelope.v1"
	VerdictVersion  = "ArbitrationVerdict.v1"
)

// signingContext binds signatures to the tenant so an envelope signed for one
// tenant cannot be replayed into another.
func signingContext(tenantID string) map[string]interface{} {
	return map[string]interface{}{"tenantId": tenantID}
}

// EnvelopeHash computes the canonical hash of a dispute envelope, excluding
// the signature and the hash field itself.
func EnvelopeHash(env *core.DisputeOpenEnvelope) (string, error) {
	cp := *env
	cp.Signature = ""
	cp.EnvelopeHash = ""
	return canonical.Hash(&cp)
}

// VerdictHash computes the canonical hash of a verdict, excluding the
// signature and the hash field itself.
func VerdictHash(v *core.ArbitrationVerdict) (string, error) {
	cp := *v
	cp.Signature = ""
	cp.VerdictHash = ""
	return canonical.Hash(&cp)
}

// SignEnvelope finalizes an envelope under the opener's key: fills
// signerKeyId, envelopeHash, and the purpose-bound signature.
func SignEnvelope(env *core.DisputeOpenEnvelope, kp *signing.KeyPair) error {
	env.SignerKeyID = kp.KeyID
	env.Signature = ""
	env.EnvelopeHash = ""
	hash, err := EnvelopeHash(env)
	if err != nil {
		return err
	}
	sig, err := signing.Sign(hash, kp.Private, signing.PurposeDisputeOpen, signingContext(env.TenantID))
	if err != nil {
		return err
	}
	env.EnvelopeHash = hash
	env.Signature = sig
	return nil
}

// SignVerdict finalizes a verdict under the arbiter's key.
func SignVerdict(v *core.ArbitrationVerdict, kp *signing.KeyPair) error {
	v.SignerKeyID = kp.KeyID
	v.Signature = ""
	v.VerdictHash = ""
	hash, err := VerdictHash(v)
	if err != nil {
		return err
	}
	sig, err := signing.Sign(hash, kp.Private, signing.PurposeArbitrationVerdict, signingContext(v.TenantID))
	if err != nil {
		return err
	}
	v.VerdictHash = hash
	v.Signature = sig
	return nil
}
