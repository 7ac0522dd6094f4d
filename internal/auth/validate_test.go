package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "https://as.test"

type tokenTester struct {
	key   *SigningKey
	state *State
	v     *Validator
}

func newTokenTester(t *testing.T) *tokenTester {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key := NewSigningKey(raw)
	state := NewState()
	state.SetIssuer(testIssuer, &Issuer{Keys: key.JWKS(), FetchedAt: time.Now()})
	return &tokenTester{key: key, state: state, v: NewValidator(state, "node-1.example.com")}
}

// sign mints a token, defaulting issuer, audience and expiry to values
// the validator accepts; overrides replace individual claims.
func (tt *tokenTester) sign(t *testing.T, overrides jwt.MapClaims) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss": testIssuer,
		"sub": "user-1",
		"aud": []string{"node-1.example.com"},
		"exp": time.Now().Add(time.Minute).Unix(),
		"iat": time.Now().Unix(),
	}
	for k, v := range overrides {
		claims[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS512, claims)
	tok.Header["kid"] = tt.key.KeyID()
	signed, err := tok.SignedString(tt.key.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestValidateOutcomes(t *testing.T) {
	tt := newTokenTester(t)
	conn := map[string]any{"read": []any{"*"}, "write": []any{"single/*"}}

	cases := map[string]struct {
		raw    string
		api    string
		path   string
		method string
		want   Result
	}{
		"no token":        {"", "connection", "single/senders/s-1", "GET", ResultWithoutAuthentication},
		"garbage":         {"not-a-token", "connection", "single/senders/s-1", "GET", ResultFailed},
		"read ok":         {tt.sign(t, jwt.MapClaims{"x-nmos-connection": conn}), "connection", "single/senders/s-1", "GET", ResultSucceeded},
		"write ok":        {tt.sign(t, jwt.MapClaims{"x-nmos-connection": conn}), "connection", "single/senders/s-1/staged", "PATCH", ResultSucceeded},
		"write denied":    {tt.sign(t, jwt.MapClaims{"x-nmos-connection": conn}), "connection", "bulk/senders", "POST", ResultInsufficientScope},
		"wrong api claim": {tt.sign(t, jwt.MapClaims{"x-nmos-connection": conn}), "node", "self", "GET", ResultInsufficientScope},
		"expired":         {tt.sign(t, jwt.MapClaims{"exp": time.Now().Add(-time.Minute).Unix(), "x-nmos-connection": conn}), "connection", "single/senders/s-1", "GET", ResultFailed},
		"wrong audience":  {tt.sign(t, jwt.MapClaims{"aud": []string{"other.example.net"}, "x-nmos-connection": conn}), "connection", "single/senders/s-1", "GET", ResultFailed},
		"wildcard domain": {tt.sign(t, jwt.MapClaims{"aud": []string{"*.example.com"}, "x-nmos-connection": conn}), "connection", "single/senders/s-1", "GET", ResultSucceeded},
	}
	for name, c := range cases {
		if got := tt.v.Validate(c.raw, c.api, c.path, c.method); got != c.want {
			t.Errorf("%s: result = %s, want %s", name, got, c.want)
		}
	}
}

func TestValidateUnknownIssuerRequestsKeys(t *testing.T) {
	tt := newTokenTester(t)

	// A token minted by an issuer the cache has never seen.
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	foreign := NewSigningKey(other)
	claims := jwt.MapClaims{
		"iss":         "https://other-as.test",
		"aud":         []string{"node-1.example.com"},
		"exp":         time.Now().Add(time.Minute).Unix(),
		"x-nmos-node": map[string]any{"read": []any{"*"}},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS512, claims)
	tok.Header["kid"] = foreign.KeyID()
	raw, err := tok.SignedString(other)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if got := tt.v.Validate(raw, "node", "self", "GET"); got != ResultNoMatchingKeys {
		t.Fatalf("result = %s, want %s", got, ResultNoMatchingKeys)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	iss, ok := tt.state.AwaitIssuerRequest(ctx)
	if !ok || iss != "https://other-as.test" {
		t.Fatalf("issuer request = %q, %v", iss, ok)
	}

	// Keys arrive; the same token now validates.
	tt.state.SetIssuer("https://other-as.test", &Issuer{Keys: foreign.JWKS(), FetchedAt: time.Now()})
	tt.state.FinishIssuerRequest(iss)
	if got := tt.v.Validate(raw, "node", "self", "GET"); got != ResultSucceeded {
		t.Fatalf("result after keys = %s, want %s", got, ResultSucceeded)
	}
}

func TestValidateKidMissRequestsKeys(t *testing.T) {
	tt := newTokenTester(t)

	// Same issuer, but signed by a rotated key the cache lacks.
	rotated, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rk := NewSigningKey(rotated)
	claims := jwt.MapClaims{
		"iss": testIssuer,
		"aud": []string{"node-1.example.com"},
		"exp": time.Now().Add(time.Minute).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS512, claims)
	tok.Header["kid"] = rk.KeyID()
	raw, err := tok.SignedString(rotated)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if got := tt.v.Validate(raw, "node", "self", "GET"); got != ResultNoMatchingKeys {
		t.Fatalf("result = %s, want %s", got, ResultNoMatchingKeys)
	}
}

func TestPathMatch(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"*", "single/senders/s-1", true},
		{"single/*", "single/senders/s-1", true},
		{"single/*/staged", "single/senders/s-1/staged", true},
		{"single/*/staged", "single/senders/s-1/active", false},
		{"self", "self", true},
		{"self", "devices", false},
		{"*/active", "single/receivers/r-9/active", true},
	}
	for _, c := range cases {
		if got := pathMatch(c.pattern, c.path); got != c.want {
			t.Errorf("pathMatch(%q, %q) = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}

func TestWriteMethod(t *testing.T) {
	for method, want := range map[string]bool{
		"GET":     false,
		"HEAD":    false,
		"OPTIONS": false,
		"POST":    true,
		"PUT":     true,
		"PATCH":   true,
		"DELETE":  true,
	} {
		if got := writeMethod(method); got != want {
			t.Errorf("writeMethod(%s) = %v, want %v", method, got, want)
		}
	}
}
