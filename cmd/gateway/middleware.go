package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/R3E-Network/poolflow/internal/app/httpapi"
	"github.com/R3E-Network/poolflow/pkg/logger"
)

// publicPaths are reachable without a bearer token.
var publicPaths = map[string]bool{
	"/":                  true,
	"/health":            true,
	"/metrics":           true,
	"/api/auth/register": true,
	"/api/auth/login":    true,
}

// authMiddleware validates the Authorization bearer JWT and stamps the
// caller's identity into the request headers for downstream handlers.
func authMiddleware(secret string, log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Never trust a client-supplied identity header.
			r.Header.Del(httpapi.UserIDHeader)

			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(raw, "Bearer ") {
				writeJSONError(w, http.StatusUnauthorized, "missing bearer token")
				return
			}
			tokenString := strings.TrimPrefix(raw, "Bearer ")

			claims := jwt.MapClaims{}
			parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !parsed.Valid {
				log.WithError(err).Debug("jwt validation failed")
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			subject, _ := claims.GetSubject()
			if subject == "" {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			r.Header.Set(httpapi.UserIDHeader, subject)
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware applies a process-wide token bucket to every request.
func rateLimitMiddleware(rps float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 0
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+httpapi.AccessTokenHeader)
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// devSecret generates a random signing secret for local runs without
// JWT_SECRET. Tokens do not survive a restart.
func devSecret() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}
