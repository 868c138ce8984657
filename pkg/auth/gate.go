package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/quillui/bridge/pkg/log"
)

// Package auth decides whether a newly-connected socket may proceed and
// derives its identity. Origin checks run at the HTTP handshake; token
// validation is delegated to the credential-store collaborator.

var (
	// ErrOriginNotAllowed indicates the Origin header is not in the allow-list.
	ErrOriginNotAllowed = errors.New("origin not allowed")
	// ErrTokenRequired indicates require_auth is on and no token was supplied.
	ErrTokenRequired = errors.New("authentication token required")
	// ErrTokenInvalid indicates the supplied token failed validation.
	ErrTokenInvalid = errors.New("authentication token invalid")
)

// Info is the authenticated identity for a connection. Derived once at
// handshake and immutable for the connection lifetime.
type Info struct {
	Identity  string `json:"identity"`
	Role      string `json:"role"`
	TokenKind string `json:"token_kind,omitempty"`
}

// Anonymous is the identity assigned when require_auth is off and no token
// was supplied.
var Anonymous = Info{Identity: "anonymous", Role: "guest"}

// TokenValidator is the credential-store collaborator.
type TokenValidator interface {
	// ValidateToken returns the identity for token, or nil when the token is
	// unknown or expired.
	ValidateToken(ctx context.Context, token string) (*Info, error)
}

// Gate validates connection origin and bearer tokens.
type Gate struct {
	allowedOrigins []string
	requireAuth    bool
	validator      TokenValidator
	logger         *log.Logger
}

// NewGate builds a gate. An empty origins list accepts any origin (the local
// development default). validator may be nil when requireAuth is off; in
// that case supplied tokens are ignored and every connection is anonymous.
func NewGate(allowedOrigins []string, requireAuth bool, validator TokenValidator) *Gate {
	return &Gate{
		allowedOrigins: allowedOrigins,
		requireAuth:    requireAuth,
		validator:      validator,
		logger:         log.ForComponent("auth"),
	}
}

// CheckOrigin reports whether the request's declared origin is acceptable.
// It matches the websocket.Upgrader CheckOrigin signature so a failing
// origin is rejected at the HTTP handshake, before any frame is exchanged.
func (g *Gate) CheckOrigin(r *http.Request) bool {
	if len(g.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range g.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	g.logger.Warnf("rejecting origin %q from %s", origin, r.RemoteAddr)
	return false
}

// Authenticate extracts and validates the bearer token for a connect
// request. Token precedence: the "token" query parameter wins over an
// "Authorization: Bearer" header.
func (g *Gate) Authenticate(ctx context.Context, r *http.Request) (Info, error) {
	token := extractToken(r)

	if token == "" {
		if g.requireAuth {
			return Info{}, ErrTokenRequired
		}
		return Anonymous, nil
	}

	if g.validator == nil {
		if g.requireAuth {
			return Info{}, ErrTokenInvalid
		}
		return Anonymous, nil
	}

	info, err := g.validator.ValidateToken(ctx, token)
	if err != nil {
		return Info{}, err
	}
	if info == nil {
		return Info{}, ErrTokenInvalid
	}
	return *info, nil
}

func extractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

// StaticValidator is the built-in dev credential store: a fixed token map.
// The host framework replaces it with its real credential store.
type StaticValidator map[string]Info

// ValidateToken implements TokenValidator.
func (v StaticValidator) ValidateToken(_ context.Context, token string) (*Info, error) {
	info, ok := v[token]
	if !ok {
		return nil, nil
	}
	info.TokenKind = "static"
	return &info, nil
}

// StaticValidatorFromConfig parses the config token map ("token" ->
// "identity:role") into a StaticValidator. A missing role defaults to
// "user".
func StaticValidatorFromConfig(tokens map[string]string) StaticValidator {
	if len(tokens) == 0 {
		return nil
	}
	v := make(StaticValidator, len(tokens))
	for token, spec := range tokens {
		identity, role, found := strings.Cut(spec, ":")
		if !found || role == "" {
			role = "user"
		}
		v[token] = Info{Identity: identity, Role: role}
	}
	return v
}
