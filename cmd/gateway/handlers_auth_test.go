package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/R3E-Network/poolflow/internal/app/httpapi"
	"github.com/R3E-Network/poolflow/internal/app/services/users"
	"github.com/R3E-Network/poolflow/internal/app/storage/memory"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

const testSecret = "test-signing-secret"

func newAuthTestServer(t *testing.T) http.Handler {
	t.Helper()

	userService := users.New(memory.New(), logger.NewNop())
	auth := newAuthHandlers(userService, testSecret, logger.NewNop())

	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/register", auth.register)
	mux.HandleFunc("/api/auth/login", auth.login)
	mux.HandleFunc("/api/whoami", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"user_id": r.Header.Get(httpapi.UserIDHeader)})
	})

	return authMiddleware(testSecret, logger.NewNop())(mux)
}

func postJSON(t *testing.T, h http.Handler, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(buf))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRegisterLoginAndAuthenticatedRequest(t *testing.T) {
	h := newAuthTestServer(t)

	rec := postJSON(t, h, "/api/auth/register", credentialsRequest{Email: "a@b.com", Password: "long enough"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = postJSON(t, h, "/api/auth/login", credentialsRequest{Email: "a@b.com", Password: "long enough"})
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var session struct {
		UserID string `json:"user_id"`
		Token  string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode login response: %v", err)
	}
	if session.Token == "" {
		t.Fatal("no session token issued")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+session.Token)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusOK {
		t.Fatalf("whoami status = %d", rec2.Code)
	}
	var who struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(rec2.Body.Bytes(), &who); err != nil {
		t.Fatalf("decode whoami: %v", err)
	}
	if who.UserID != session.UserID {
		t.Fatalf("identity = %s, want %s", who.UserID, session.UserID)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	h := newAuthTestServer(t)

	postJSON(t, h, "/api/auth/register", credentialsRequest{Email: "a@b.com", Password: "long enough"})

	rec := postJSON(t, h, "/api/auth/login", credentialsRequest{Email: "a@b.com", Password: "wrong password"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareRejectsMissingAndForgedTokens(t *testing.T) {
	h := newAuthTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d, want 401", rec.Code)
	}

	// A client-supplied identity header is stripped, not trusted.
	req = httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set(httpapi.UserIDHeader, "forged-user")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("forged header status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set("Authorization", "Bearer not.a.jwt")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d, want 401", rec.Code)
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	var served int
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served++
		w.WriteHeader(http.StatusOK)
	})
	h := rateLimitMiddleware(1, 2)(inner)

	var rejected int
	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		if rec.Code == http.StatusTooManyRequests {
			rejected++
		}
	}
	if served == 0 {
		t.Fatal("burst requests all rejected")
	}
	if rejected == 0 {
		t.Fatal("no request rejected past the burst")
	}
}
