package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// Roles understood by the API.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

type contextKey struct{}

// Principal is the authenticated caller.
type Principal struct {
	UserID string
	Email  string
	Role   string
	Method string // "jwt" or "apikey"
}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// FromContext returns the caller stored by the middleware.
func FromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(*Principal)
	return p, ok && p != nil
}

// AuthMiddleware provides HTTP middleware for authentication
type AuthMiddleware struct {
	jwtManager    *JWTManager
	apiKeyManager *APIKeyManager
	optional      bool // If true, unauthenticated requests pass through
}

// NewAuthMiddleware creates a new authentication middleware. Either manager
// may be nil.
func NewAuthMiddleware(jwtManager *JWTManager, apiKeyManager *APIKeyManager, optional bool) *AuthMiddleware {
	return &AuthMiddleware{
		jwtManager:    jwtManager,
		apiKeyManager: apiKeyManager,
		optional:      optional,
	}
}

// Handler returns the HTTP middleware handler. Presented credentials must be
// valid even when authentication is optional.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			principal *Principal
			presented bool
		)

		if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok && m.jwtManager != nil {
			presented = true
			if claims, err := m.jwtManager.Verify(strings.TrimSpace(token)); err == nil {
				principal = &Principal{UserID: claims.UserID, Email: claims.Email, Role: claims.Role, Method: "jwt"}
			}
		} else if key := r.Header.Get("X-API-Key"); key != "" && m.apiKeyManager != nil {
			presented = true
			if apiKey, err := m.apiKeyManager.Verify(key); err == nil {
				principal = &Principal{UserID: apiKey.UserID, Role: apiKey.Role, Method: "apikey"}
			}
		}

		switch {
		case principal != nil:
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		case presented:
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired credentials")
		case m.optional:
			next.ServeHTTP(w, r)
		default:
			writeError(w, http.StatusUnauthorized, "unauthorized", "no valid authentication provided")
		}
	})
}

// RequireRole is a middleware that requires a specific role
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok || p.Role != role {
				writeError(w, http.StatusForbidden, "forbidden", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="media-dubbing"`)
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
		"code":    status,
	})
}
