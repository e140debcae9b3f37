package core

// GrantScope bounds which providers/tools/risk classes a grantee may pay for.
type GrantScope struct {
	AllowedProviderIDs   []string `json:"allowedProviderIds"`
	AllowedToolIDs       []string `json:"allowedToolIds"`
	AllowedRiskClasses   []string `json:"allowedRiskClasses"`
	SideEffectingAllowed bool     `json:"sideEffectingAllowed"`
}

// SpendEnvelope bounds how much the grantee may spend under the grant.
type SpendEnvelope struct {
	Currency        string `json:"currency"`
	MaxPerCallCents int64  `json:"maxPerCallCents"`
	MaxTotalCents   int64  `json:"maxTotalCents"`
}

// ChainBinding tracks delegation depth when grants are re-delegated.
type ChainBinding struct {
	Depth              int `json:"depth"`
	MaxDelegationDepth int `json:"maxDelegationDepth"`
}

// GrantValidity is the activation window, unix millis.
type GrantValidity struct {
	IssuedAt  int64 `json:"issuedAt"`
	NotBefore int64 `json:"notBefore"`
	ExpiresAt int64 `json:"expiresAt"`
}

// GrantRevocation records the revoked state. Once revoked, ReasonCode is
// non-empty and RevokedAt is set.
type GrantRevocation struct {
	Revocable            bool   `json:"revocable"`
	RevokedAt            int64  `json:"revokedAt,omitempty"`
	RevocationReasonCode string `json:"revocationReasonCode,omitempty"`
}

// AuthorityGrant is a signed envelope from a principal delegating spend and
// tool authority to a grantee agent (AuthorityGrant.v1).
type AuthorityGrant struct {
	V              string          `json:"v"` // "AuthorityGrant.v1"
	GrantID        string          `json:"grantId"`
	TenantID       string          `json:"tenantId"`
	PrincipalRef   string          `json:"principalRef"`
	GranteeAgentID string          `json:"granteeAgentId"`
	Scope          GrantScope      `json:"scope"`
	SpendEnvelope  SpendEnvelope   `json:"spendEnvelope"`
	ChainBinding   ChainBinding    `json:"chainBinding"`
	Validity       GrantValidity   `json:"validity"`
	Revocation     GrantRevocation `json:"revocation"`
	SignerKeyID    string          `json:"signerKeyId,omitempty"`
	Signature      string          `json:"signature,omitempty"`
	GrantHash      string          `json:"grantHash,omitempty"` // over canonical form minus signature
}

// Revoked reports whether the grant has been revoked.
func (g *AuthorityGrant) Revoked() bool {
	return g.Revocation.RevokedAt != 0
}
