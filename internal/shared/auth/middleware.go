package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carelink-ng/referral/internal/shared/config"
	"github.com/carelink-ng/referral/internal/shared/types"
)

type contextKey string

const (
	UserContextKey contextKey = "user"
)

// Roles understood by the referral API.
const (
	RoleProvider   = "provider"
	RoleDispatcher = "dispatcher"
)

// User is the authenticated caller. Every caller acts on behalf of one provider.
type User struct {
	ProviderID types.ProviderID `json:"provider_id"`
	Subject    string           `json:"sub"`
	Roles      []string         `json:"roles"`
}

// Claims extends JWT claims with the provider identity.
type Claims struct {
	jwt.RegisteredClaims
	ProviderID string   `json:"provider_id"`
	Roles      []string `json:"roles"`
}

// Middleware creates JWT authentication middleware
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			user, err := ParseToken(cfg, parts[1])
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// DevMiddleware trusts the caller identity from a request header. It is only
// mounted outside production.
func DevMiddleware(header string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			providerID := strings.TrimSpace(r.Header.Get(header))
			if providerID != "" {
				user := &User{
					ProviderID: types.ProviderID(providerID),
					Subject:    providerID,
					Roles:      []string{RoleProvider},
				}
				if roles := r.Header.Get("X-Roles"); roles != "" {
					for _, role := range strings.Split(roles, ",") {
						user.Roles = append(user.Roles, strings.TrimSpace(role))
					}
				}
				r = r.WithContext(WithUser(r.Context(), user))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ParseToken validates an HS256 token and builds the caller from its claims.
func ParseToken(cfg config.AuthConfig, tokenString string) (*User, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	}, jwt.WithIssuer(cfg.Issuer))
	if err != nil {
		return nil, err
	}
	if !token.Valid || claims.ProviderID == "" {
		return nil, fmt.Errorf("invalid token claims")
	}

	return &User{
		ProviderID: types.ProviderID(claims.ProviderID),
		Subject:    claims.Subject,
		Roles:      claims.Roles,
	}, nil
}

// IssueToken signs a token for a provider. Used by the token CLI command and tests.
func IssueToken(cfg config.AuthConfig, providerID types.ProviderID, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   providerID.String(),
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ProviderID: providerID.String(),
		Roles:      roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.JWTSecret))
}

// WithUser stores the caller in ctx.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUser extracts the user from request context
func GetUser(ctx context.Context) *User {
	user, ok := ctx.Value(UserContextKey).(*User)
	if !ok {
		return nil
	}
	return user
}

// RequireUser rejects requests without an identity.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetUser(r.Context()) == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireRoles creates middleware that requires specific roles
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUser(r.Context())
			if user == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			if !hasAnyRole(user.Roles, roles) {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// HasRole checks if user has a specific role
func (u *User) HasRole(role string) bool {
	return hasAnyRole(u.Roles, []string{role})
}

// IsDispatcher reports whether the caller may resolve manual-dispatch cases.
func (u *User) IsDispatcher() bool {
	return u.HasRole(RoleDispatcher)
}

func hasAnyRole(userRoles, requiredRoles []string) bool {
	for _, required := range requiredRoles {
		if slices.Contains(userRoles, required) {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
