package tokens

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/R3E-Network/poolflow/internal/app/domain/token"
	"github.com/R3E-Network/poolflow/internal/app/storage/memory"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

func TestIssueReturnsSecretOnce(t *testing.T) {
	store := memory.New()
	svc := New(store, time.Hour, logger.NewNop())

	issued, secret, err := svc.Issue(context.Background(), "user-1", token.PoolScope("pool-1"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if secret == "" {
		t.Fatal("no plaintext secret returned")
	}
	if issued.SecretHash == secret {
		t.Fatal("plaintext secret stored instead of its hash")
	}
	if issued.SecretHash != HashSecret(secret) {
		t.Fatal("stored hash does not match the returned secret")
	}
	if issued.Scope != "pool:pool-1" {
		t.Fatalf("scope = %s, want pool:pool-1", issued.Scope)
	}
}

func TestIssueRejectsMalformedScope(t *testing.T) {
	svc := New(memory.New(), time.Hour, logger.NewNop())

	for _, scope := range []string{"", "pool-1", "admin:everything"} {
		if _, _, err := svc.Issue(context.Background(), "user-1", scope); err == nil {
			t.Fatalf("scope %q accepted, want error", scope)
		}
	}
}

func TestValidateMatrix(t *testing.T) {
	store := memory.New()
	svc := New(store, time.Hour, logger.NewNop())
	ctx := context.Background()

	_, poolSecret, err := svc.Issue(ctx, "user-1", token.PoolScope("pool-1"))
	if err != nil {
		t.Fatalf("issue pool token: %v", err)
	}
	_, resultSecret, err := svc.Issue(ctx, "user-1", token.ResultScope("pool-1"))
	if err != nil {
		t.Fatalf("issue result token: %v", err)
	}

	cases := []struct {
		name   string
		secret string
		scope  string
		allow  bool
		reason token.DenyReason
	}{
		{"matching pool scope", poolSecret, token.PoolScope("pool-1"), true, ""},
		{"matching result scope", resultSecret, token.ResultScope("pool-1"), true, ""},
		{"pool token on results", poolSecret, token.ResultScope("pool-1"), false, token.DenyScopeMismatch},
		{"result token on pool", resultSecret, token.PoolScope("pool-1"), false, token.DenyScopeMismatch},
		{"token for another pool", poolSecret, token.PoolScope("pool-2"), false, token.DenyScopeMismatch},
		{"unknown secret", "not-a-secret", token.PoolScope("pool-1"), false, token.DenyUnknownToken},
	}
	for _, tc := range cases {
		decision := svc.Validate(ctx, tc.secret, tc.scope)
		if decision.Allow != tc.allow {
			t.Fatalf("%s: allow = %v, want %v", tc.name, decision.Allow, tc.allow)
		}
		if !tc.allow && decision.Reason != tc.reason {
			t.Fatalf("%s: reason = %s, want %s", tc.name, decision.Reason, tc.reason)
		}
	}
}

func TestValidateExpiredToken(t *testing.T) {
	store := memory.New()
	svc := New(store, time.Hour, logger.NewNop())
	ctx := context.Background()

	_, secret, err := svc.Issue(ctx, "user-1", token.PoolScope("pool-1"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	decision := svc.Validate(ctx, secret, token.PoolScope("pool-1"))
	if decision.Allow {
		t.Fatal("expired token allowed")
	}
	if decision.Reason != token.DenyExpired {
		t.Fatalf("reason = %s, want %s", decision.Reason, token.DenyExpired)
	}
}

func TestRevokeIsImmediateAndOwnerOnly(t *testing.T) {
	store := memory.New()
	svc := New(store, time.Hour, logger.NewNop())
	ctx := context.Background()

	issued, secret, err := svc.Issue(ctx, "user-1", token.PoolScope("pool-1"))
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := svc.Revoke(ctx, issued.ID, "user-2"); err == nil {
		t.Fatal("non-owner revoke succeeded")
	} else if !strings.Contains(err.Error(), "not owned") {
		t.Fatalf("unexpected revoke error: %v", err)
	}

	if _, err := svc.Revoke(ctx, issued.ID, "user-1"); err != nil {
		t.Fatalf("owner revoke: %v", err)
	}

	decision := svc.Validate(ctx, secret, token.PoolScope("pool-1"))
	if decision.Allow {
		t.Fatal("revoked token allowed")
	}
	if decision.Reason != token.DenyRevoked {
		t.Fatalf("reason = %s, want %s", decision.Reason, token.DenyRevoked)
	}
}
