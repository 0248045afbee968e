package token

import (
	"fmt"
	"time"
)

// Scope prefixes. Pool state and pool results are scoped separately; a token
// for one does not grant the other.
const (
	ScopePoolPrefix   = "pool:"
	ScopeResultPrefix = "result:"
)

// PoolScope builds the scope string covering a pool's state.
func PoolScope(poolID string) string { return ScopePoolPrefix + poolID }

// ResultScope builds the scope string covering a pool's result set.
func ResultScope(poolID string) string { return ScopeResultPrefix + poolID }

// DenyReason explains a failed validation.
type DenyReason string

const (
	DenyExpired       DenyReason = "EXPIRED"
	DenyRevoked       DenyReason = "REVOKED"
	DenyScopeMismatch DenyReason = "SCOPE_MISMATCH"
	DenyUnknownToken  DenyReason = "UNKNOWN_TOKEN"
)

// Token is an opaque credential scoping read access to a pool or its result
// set. Only the SHA-256 hash of the secret is stored; the plaintext is
// returned once at issuance.
type Token struct {
	ID         string
	SecretHash string
	Subject    string
	Scope      string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	Revoked    bool
}

// Decision is the outcome of validating a token against a requested scope.
type Decision struct {
	Allow   bool
	Reason  DenyReason
	TokenID string
	Subject string
}

// Deny builds a denying decision.
func Deny(reason DenyReason) Decision {
	return Decision{Allow: false, Reason: reason}
}

func (d Decision) String() string {
	if d.Allow {
		return fmt.Sprintf("allow(token=%s)", d.TokenID)
	}
	return fmt.Sprintf("deny(%s)", d.Reason)
}
