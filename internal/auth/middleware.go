package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"ms-ticket-inventory/internal/config"
)

type contextKey string

const identityKey contextKey = "identity"

const (
	HeaderUserID = "X-User-ID"
	HeaderRoles  = "X-User-Roles"
)

// NewMiddleware builds the authentication middleware for cfg.Mode.
func NewMiddleware(ctx context.Context, cfg config.AuthConfig) (func(http.Handler) http.Handler, error) {
	switch cfg.Mode {
	case "none":
		return HeaderMiddleware(), nil
	case "jwt":
		return Middleware(NewJWTVerifier(cfg.JWTSecret)), nil
	case "oidc":
		v, err := NewOIDCVerifier(ctx, cfg.OIDCIssuer)
		if err != nil {
			return nil, err
		}
		return Middleware(v), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}

// Middleware requires a valid bearer token on every request.
func Middleware(v Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawToken, err := ExtractTokenFromRequest(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			id, err := v.Verify(r.Context(), rawToken)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// HeaderMiddleware trusts identity headers set by a gateway in front of the
// service. Only for deployments where that gateway does the authentication.
func HeaderMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
			if userID == "" {
				http.Error(w, "missing "+HeaderUserID+" header", http.StatusUnauthorized)
				return
			}
			id := &Identity{UserID: userID}
			for _, role := range strings.Split(r.Header.Get(HeaderRoles), ",") {
				if role = strings.TrimSpace(role); role != "" {
					id.Roles = append(id.Roles, role)
				}
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireRole rejects callers without role with 403.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasRole(r.Context(), role) {
				http.Error(w, "missing role "+role, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok && id != nil
}

// Helper to extract user ID in handlers
func UserID(ctx context.Context) string {
	if id, ok := IdentityFrom(ctx); ok {
		return id.UserID
	}
	return ""
}

func HasRole(ctx context.Context, role string) bool {
	id, ok := IdentityFrom(ctx)
	return ok && id.HasRole(role)
}
