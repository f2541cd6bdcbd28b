// Package auth resolves the calling participant of an HTTP request.
//
// With authentication enabled the caller presents an HS256 bearer token
// whose subject is its address and whose scope claim lists its roles. In
// development mode the X-Participant header names the caller directly.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
)

// Scopes.
const (
	ScopeAdmin     = "admin"
	ScopeLiquidity = "liquidity"
)

// ParticipantHeader carries the caller address in development mode.
const ParticipantHeader = "X-Participant"

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSecret     = errors.New("auth: secret not configured")
)

// Config configures the authenticator.
type Config struct {
	Enabled    bool
	HMACSecret string
	Issuer     string
	ClockSkew  time.Duration
}

// Identity is an authenticated caller.
type Identity struct {
	Address common.Address
	Scopes  []string
}

// Has reports whether the identity carries scope.
func (i Identity) Has(scope string) bool {
	return slices.Contains(i.Scopes, scope)
}

type contextKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by the middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// Authenticator validates callers.
type Authenticator struct {
	cfg    Config
	secret []byte
	log    *slog.Logger
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg Config, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClockSkew <= 0 {
		cfg.ClockSkew = 2 * time.Minute
	}
	return &Authenticator{cfg: cfg, secret: []byte(strings.TrimSpace(cfg.HMACSecret)), log: logger}
}

// Issue signs a token for address with the given scopes.
func (a *Authenticator) Issue(address common.Address, scopes []string, ttl time.Duration) (string, error) {
	if len(a.secret) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   address.Hex(),
		"scope": strings.Join(scopes, " "),
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	if a.cfg.Issuer != "" {
		claims["iss"] = a.cfg.Issuer
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate resolves the caller of r.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	if !a.cfg.Enabled {
		raw := strings.TrimSpace(r.Header.Get(ParticipantHeader))
		if !common.IsHexAddress(raw) {
			return Identity{}, ErrMissingToken
		}
		return Identity{Address: common.HexToAddress(raw), Scopes: []string{ScopeAdmin, ScopeLiquidity}}, nil
	}

	tokenString := extractBearer(r.Header.Get("Authorization"))
	if tokenString == "" {
		return Identity{}, ErrMissingToken
	}
	claims, err := a.parseToken(tokenString)
	if err != nil {
		return Identity{}, err
	}
	sub, err := claims.GetSubject()
	if err != nil || !common.IsHexAddress(sub) {
		return Identity{}, ErrInvalidToken
	}
	return Identity{Address: common.HexToAddress(sub), Scopes: extractScopes(claims)}, nil
}

func (a *Authenticator) parseToken(tokenString string) (jwt.MapClaims, error) {
	if len(a.secret) == 0 {
		return nil, ErrNoSecret
	}
	opts := []jwt.ParserOption{
		jwt.WithLeeway(a.cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	token, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) { return a.secret, nil }, opts...)
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware authenticates every request and stores the identity in its
// context. Requests without a valid identity get 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := a.Authenticate(r)
		if err != nil {
			a.log.DebugContext(r.Context(), "authentication failed", "path", r.URL.Path, "err", err)
			writeError(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Require rejects requests whose identity lacks scope with 403.
func Require(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				writeError(w, ErrMissingToken.Error(), http.StatusUnauthorized)
				return
			}
			if !id.Has(scope) {
				writeError(w, "insufficient scope", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func extractScopes(claims jwt.MapClaims) []string {
	switch v := claims["scope"].(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			if s, ok := entry.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func extractBearer(header string) string {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
