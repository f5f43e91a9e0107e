// Package auth authenticates ops API callers by bearer token and checks
// their scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the ops API. "*" grants everything.
const (
	ScopeAll      = "*"
	ScopeJobsRead = "jobs:ro"
	ScopeJobsRW   = "jobs:rw"
	ScopeEvents   = "events:ro"
)

// Token is a configured bearer token.
type Token struct {
	Value  string
	Scopes []string
}

// Principal is an authenticated caller.
type Principal struct {
	Scopes map[string]bool
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", errors.New("missing Authorization header")
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", errors.New("invalid Authorization header format")
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, prefix))
	if tok == "" {
		return "", errors.New("missing bearer token")
	}
	return tok, nil
}

func equal(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches presented against the admin token and then the
// scoped tokens.
func Authenticate(presented, admin string, tokens []Token) (Principal, bool) {
	if equal(presented, admin) {
		return Principal{Scopes: map[string]bool{ScopeAll: true}}, true
	}
	for _, t := range tokens {
		if equal(presented, t.Value) {
			return Principal{Scopes: scopeSet(t.Scopes)}, true
		}
	}
	return Principal{}, false
}

func scopeSet(scopes []string) map[string]bool {
	out := make(map[string]bool, len(scopes)+1)
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = true
		}
	}
	// Write implies read.
	if out[ScopeJobsRW] {
		out[ScopeJobsRead] = true
	}
	return out
}

// Allows reports whether p holds any of required.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 || p.Scopes[ScopeAll] {
		return true
	}
	for _, s := range required {
		if p.Scopes[s] {
			return true
		}
	}
	return false
}
