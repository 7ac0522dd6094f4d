package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Result classifies one inbound access-token validation.
type Result string

const (
	ResultSucceeded             Result = "succeeded"
	ResultWithoutAuthentication Result = "without_authentication"
	ResultInsufficientScope     Result = "insufficient_scope"
	ResultNoMatchingKeys        Result = "no_matching_keys"
	ResultFailed                Result = "failed"
)

// issuerKeyError marks a validation that failed for want of keys: the
// issuer is unknown, or its cached set lacks the token's kid.
type issuerKeyError struct {
	issuer string
}

func (e *issuerKeyError) Error() string {
	return fmt.Sprintf("no matching keys for issuer %q", e.issuer)
}

// Validator checks inbound access tokens against the shared issuer key
// cache for this resource server.
type Validator struct {
	state    *State
	audience string
	parser   *jwt.Parser
}

// NewValidator builds a validator for tokens addressed to hostname.
func NewValidator(state *State, hostname string) *Validator {
	return &Validator{
		state:    state,
		audience: hostname,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "PS256", "PS384", "PS512", "ES256", "ES384", "ES512"}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Validate checks a raw bearer token for one request. api is the claim
// family (for "connection" the x-nmos-connection claim applies),
// reqPath the path below the API version, method the HTTP method
// deciding whether read or write privilege is needed. A no_matching_keys
// outcome raises the issuer-fetch request so the token-issuer helper
// can try to load the keys.
func (v *Validator) Validate(raw, api, reqPath, method string) Result {
	if raw == "" {
		return ResultWithoutAuthentication
	}
	claims := jwt.MapClaims{}
	if _, err := v.parser.ParseWithClaims(raw, claims, v.key); err != nil {
		var ike *issuerKeyError
		if errors.As(err, &ike) {
			if ike.issuer != "" {
				v.state.RequestIssuerKeys(ike.issuer)
			}
			return ResultNoMatchingKeys
		}
		return ResultFailed
	}
	if !v.audienceAllowed(claims) {
		return ResultFailed
	}
	if !claimPermits(claims, api, reqPath, writeMethod(method)) {
		return ResultInsufficientScope
	}
	return ResultSucceeded
}

// key is the jwt keyfunc, resolving the token's issuer and kid against
// the cache.
func (v *Validator) key(token *jwt.Token) (any, error) {
	iss, err := token.Claims.GetIssuer()
	if err != nil || iss == "" {
		return nil, fmt.Errorf("token carries no issuer")
	}
	issuer, ok := v.state.Issuer(iss)
	if !ok || len(issuer.Keys.Keys) == 0 {
		return nil, &issuerKeyError{issuer: iss}
	}
	keys := issuer.Keys.Keys
	if kid, _ := token.Header["kid"].(string); kid != "" {
		keys = issuer.Keys.Key(kid)
		if len(keys) == 0 {
			return nil, &issuerKeyError{issuer: iss}
		}
	}
	var set jwt.VerificationKeySet
	for _, k := range keys {
		set.Keys = append(set.Keys, k.Key)
	}
	return set, nil
}

// audienceAllowed checks the aud claim names this server, directly or
// through a *. wildcard.
func (v *Validator) audienceAllowed(claims jwt.MapClaims) bool {
	auds, err := claims.GetAudience()
	if err != nil || len(auds) == 0 {
		return false
	}
	for _, aud := range auds {
		if aud == v.audience || wildcardMatch(aud, v.audience) {
			return true
		}
	}
	return false
}

// wildcardMatch matches a "*.domain" audience against a hostname.
func wildcardMatch(pattern, host string) bool {
	rest, ok := strings.CutPrefix(pattern, "*.")
	if !ok {
		return false
	}
	return host == rest || strings.HasSuffix(host, "."+rest)
}

// claimPermits checks that the token's x-nmos-<api> claim authorizes
// the path at the needed privilege.
func claimPermits(claims jwt.MapClaims, api, reqPath string, write bool) bool {
	access, ok := claims["x-nmos-"+api].(map[string]any)
	if !ok {
		return false
	}
	field := "read"
	if write {
		field = "write"
	}
	patterns, ok := access[field].([]any)
	if !ok {
		return false
	}
	reqPath = strings.TrimPrefix(reqPath, "/")
	for _, p := range patterns {
		if s, ok := p.(string); ok && pathMatch(s, reqPath) {
			return true
		}
	}
	return false
}

// pathMatch matches an access pattern against a request path. A '*'
// matches any run of characters, separators included.
func pathMatch(pattern, p string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == p
	}
	if !strings.HasPrefix(p, parts[0]) {
		return false
	}
	p = p[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		i := strings.Index(p, part)
		if i < 0 {
			return false
		}
		p = p[i+len(part):]
	}
	return strings.HasSuffix(p, parts[len(parts)-1])
}

// writeMethod reports whether a method needs write privilege. Safe
// methods only need read.
func writeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}
