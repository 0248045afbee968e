// Package tokens implements the token authority: issuance, revocation and
// the validation predicate consumed by the gateway's read endpoints.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/R3E-Network/poolflow/internal/app/domain/token"
	"github.com/R3E-Network/poolflow/internal/app/storage"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

// DefaultTTL is applied when issuance does not specify a lifetime.
const DefaultTTL = time.Hour

// Service issues and validates scoped access tokens.
type Service struct {
	store storage.TokenStore
	ttl   time.Duration
	log   *logger.Logger
	now   func() time.Time
}

// New creates a configured token authority.
func New(store storage.TokenStore, ttl time.Duration, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("tokens")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: store, ttl: ttl, log: log, now: time.Now}
}

// Issue creates a token scoping read access for subject. The plaintext
// secret is returned exactly once; only its hash is stored.
func (s *Service) Issue(ctx context.Context, subject, scope string) (token.Token, string, error) {
	subject = strings.TrimSpace(subject)
	scope = strings.TrimSpace(scope)

	if subject == "" {
		return token.Token{}, "", fmt.Errorf("subject is required")
	}
	if !strings.HasPrefix(scope, token.ScopePoolPrefix) && !strings.HasPrefix(scope, token.ScopeResultPrefix) {
		return token.Token{}, "", fmt.Errorf("scope must be %q or %q followed by a pool id", token.ScopePoolPrefix, token.ScopeResultPrefix)
	}

	secret, err := generateSecret()
	if err != nil {
		return token.Token{}, "", fmt.Errorf("generate secret: %w", err)
	}

	now := s.now().UTC()
	t, err := s.store.CreateToken(ctx, token.Token{
		SecretHash: HashSecret(secret),
		Subject:    subject,
		Scope:      scope,
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.ttl),
	})
	if err != nil {
		return token.Token{}, "", err
	}

	s.log.WithField("token_id", t.ID).
		WithField("subject", subject).
		WithField("scope", scope).
		Info("token issued")
	return t, secret, nil
}

// Validate checks a presented secret against the requested scope. It is a
// pure predicate over store state; the only side effect is the audit log.
func (s *Service) Validate(ctx context.Context, secret, requestedScope string) token.Decision {
	log := s.log.WithField("scope", requestedScope)

	t, err := s.store.GetTokenBySecretHash(ctx, HashSecret(secret))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.WithError(err).Warn("token lookup failed")
		}
		log.Info("access denied: unknown token")
		return token.Deny(token.DenyUnknownToken)
	}

	log = log.WithField("token_id", t.ID).WithField("subject", t.Subject)

	decision := s.decide(t, requestedScope)
	if decision.Allow {
		log.Info("access allowed")
	} else {
		log.WithField("reason", decision.Reason).Info("access denied")
	}
	return decision
}

func (s *Service) decide(t token.Token, requestedScope string) token.Decision {
	if t.Revoked {
		return token.Deny(token.DenyRevoked)
	}
	if !s.now().Before(t.ExpiresAt) {
		return token.Deny(token.DenyExpired)
	}
	if t.Scope != requestedScope {
		return token.Deny(token.DenyScopeMismatch)
	}
	return token.Decision{Allow: true, TokenID: t.ID, Subject: t.Subject}
}

// Revoke marks a token invalid. Only the issuing subject may revoke it.
func (s *Service) Revoke(ctx context.Context, id, subject string) (token.Token, error) {
	t, err := s.store.GetToken(ctx, id)
	if err != nil {
		return token.Token{}, err
	}
	if t.Subject != subject {
		return token.Token{}, fmt.Errorf("token %s not owned by %s", id, subject)
	}
	revoked, err := s.store.RevokeToken(ctx, id)
	if err != nil {
		return token.Token{}, err
	}
	s.log.WithField("token_id", id).WithField("subject", subject).Info("token revoked")
	return revoked, nil
}

// HashSecret derives the stored lookup hash for a plaintext secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
