// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/auth"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// IdentityKey is the context key for the authenticated agent identity.
	IdentityKey ContextKey = "identity"
	// RoleKey is the context key for the agent role resolved by RequireRole.
	RoleKey ContextKey = "role"
)

// Auth creates bearer authentication middleware. A missing or malformed
// Authorization header is answered with 401, a token the verifier rejects
// with 403.
func Auth(verifier auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := BearerToken(r)
			if !ok {
				writeJSONError(w, http.StatusUnauthorized, "missing or malformed authorization header")
				return
			}

			id, err := verifier.Verify(r.Context(), token)
			if err != nil {
				writeJSONError(w, http.StatusForbidden, "invalid token")
				return
			}

			recordAgent(r.Context(), id.UID)
			ctx := withAgentLogger(WithIdentity(r.Context(), id), id.UID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

// WithIdentity returns a copy of ctx carrying id.
func WithIdentity(ctx context.Context, id *auth.Identity) context.Context {
	return context.WithValue(ctx, IdentityKey, id)
}

// GetIdentity gets the authenticated identity from context.
func GetIdentity(ctx context.Context) *auth.Identity {
	if v, ok := ctx.Value(IdentityKey).(*auth.Identity); ok {
		return v
	}
	return nil
}

// GetAgentID gets the authenticated agent UID from context.
func GetAgentID(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.UID
	}
	return ""
}

// GetRole gets the role resolved by RequireRole.
func GetRole(ctx context.Context) model.Role {
	if v, ok := ctx.Value(RoleKey).(model.Role); ok {
		return v
	}
	return ""
}

// RoleLookup resolves the role of an agent. An unknown agent is reported
// with an error wrapping service.ErrNotFound.
type RoleLookup interface {
	Role(ctx context.Context, agentID string) (model.Role, error)
}

// RequireRole creates middleware that admits agents holding one of roles.
// Unknown agents get 403; a failed lookup gets 503. It must run after Auth.
func RequireRole(lookup RoleLookup, roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			agentID := GetAgentID(r.Context())
			if agentID == "" {
				writeJSONError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			role, err := lookup.Role(r.Context(), agentID)
			if errors.Is(err, service.ErrNotFound) {
				writeJSONError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			if err != nil {
				GetLogger(r.Context(), logger.Global()).Error("role lookup failed",
					zap.String("agent_id", agentID), zap.Error(err))
				writeJSONError(w, http.StatusServiceUnavailable, "role lookup unavailable")
				return
			}
			for _, allowed := range roles {
				if role == allowed {
					ctx := context.WithValue(r.Context(), RoleKey, role)
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}
			writeJSONError(w, http.StatusForbidden, "insufficient permissions")
		})
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
