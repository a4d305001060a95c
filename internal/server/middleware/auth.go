// Package middleware provides HTTP middleware for authentication and authorization.
package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// ContextKey is a typed key for context values to avoid collisions.
type ContextKey string

const principalKey ContextKey = "principal"

// SecretHeader carries the shared automation secret
const SecretHeader = "X-Automation-Secret"

// Authentication methods recorded on a Principal
const (
	MethodSecret = "automation_secret"
	MethodBearer = "bearer"
)

// Identity is what a validated bearer token asserts about its user
type Identity interface {
	GetUserID() uuid.UUID
	GetRole() string
}

// TokenValidator is an interface for validating JWT tokens.
// This allows the middleware to work with any JWT service implementation.
type TokenValidator interface {
	ValidateToken(tokenString string) (Identity, error)
}

// RoleLookup reads the stored role of a user
type RoleLookup interface {
	GetProfileRole(ctx context.Context, userID uuid.UUID) (string, error)
}

// Principal is the authenticated caller
type Principal struct {
	Method string
	UserID uuid.UUID
	Role   string
}

// AdminOptions configure RequireAdmin. Either mechanism may be disabled by
// leaving Secret empty or Tokens nil.
type AdminOptions struct {
	Secret    string
	Tokens    TokenValidator
	Roles     RoleLookup
	AdminRole string
}

// RequireAdmin admits callers presenting the automation secret (header or
// "secret" query parameter) or a bearer token whose user holds the admin
// role, either as a claim or in the profile store.
func RequireAdmin(opts AdminOptions) func(http.Handler) http.Handler {
	if opts.AdminRole == "" {
		opts.AdminRole = "admin"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if presented := presentedSecret(r); presented != "" {
				if opts.Secret == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(opts.Secret)) != 1 {
					writeError(w, http.StatusUnauthorized, "invalid automation secret")
					return
				}
				next.ServeHTTP(w, withPrincipal(r, Principal{Method: MethodSecret}))
				return
			}

			if opts.Tokens == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			identity, err := opts.Tokens.ValidateToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			p := Principal{Method: MethodBearer, UserID: identity.GetUserID(), Role: identity.GetRole()}
			if p.Role != opts.AdminRole && opts.Roles != nil && p.UserID != uuid.Nil {
				role, err := opts.Roles.GetProfileRole(r.Context(), p.UserID)
				if err != nil {
					writeError(w, http.StatusInternalServerError, "failed to verify role")
					return
				}
				p.Role = role
			}
			if p.Role != opts.AdminRole {
				writeError(w, http.StatusForbidden, "admin access required")
				return
			}
			next.ServeHTTP(w, withPrincipal(r, p))
		})
	}
}

func presentedSecret(r *http.Request) string {
	if s := strings.TrimSpace(r.Header.Get(SecretHeader)); s != "" {
		return s
	}
	return strings.TrimSpace(r.URL.Query().Get("secret"))
}

// bearerToken parses "Bearer <token>" with a case-insensitive scheme
func bearerToken(r *http.Request) (string, bool) {
	parts := strings.Fields(r.Header.Get("Authorization"))
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], parts[1] != ""
}

func withPrincipal(r *http.Request, p Principal) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), principalKey, p))
}

// GetPrincipal extracts the authenticated caller from the request context.
func GetPrincipal(r *http.Request) (Principal, error) {
	p, ok := r.Context().Value(principalKey).(Principal)
	if !ok {
		return Principal{}, fmt.Errorf("principal not found in request context")
	}
	return p, nil
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
