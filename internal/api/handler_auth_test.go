package api

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/nmos-go/nmosnode/internal/auth"
)

func TestAuthCallback(t *testing.T) {
	state := auth.NewState()
	n := newTestNodeWith(t, func(cfg *Config) { cfg.AuthState = state })

	state.BeginFlow("nonce-1")
	resp, raw := n.get(t, "/x-authorization/callback?state=nonce-1&code=abc")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback status = %d, body %s", resp.StatusCode, raw)
	}
	if !strings.Contains(string(raw), "Authorization complete") {
		t.Errorf("callback body = %q", raw)
	}

	// A replayed redirect must not complete the exchange twice.
	resp, _ = n.get(t, "/x-authorization/callback?state=nonce-1&code=abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("replayed callback status = %d", resp.StatusCode)
	}

	code, err := state.AwaitFlow(context.Background(), "nonce-1", time.Second)
	if err != nil || code != "abc" {
		t.Errorf("AwaitFlow = %q, %v", code, err)
	}

	// A denial completes the flow with its failure.
	state.BeginFlow("nonce-2")
	resp, _ = n.get(t, "/x-authorization/callback?state=nonce-2&error=access_denied&error_description=nope")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("denial callback status = %d", resp.StatusCode)
	}
	if _, err := state.AwaitFlow(context.Background(), "nonce-2", time.Second); err == nil ||
		!strings.Contains(err.Error(), "access_denied: nope") {
		t.Errorf("denied AwaitFlow err = %v", err)
	}

	resp, _ = n.get(t, "/x-authorization/callback?state=never-started&code=abc")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown state status = %d", resp.StatusCode)
	}
	resp, _ = n.get(t, "/x-authorization/callback")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bare callback status = %d", resp.StatusCode)
	}
}

func TestAuthCallbackDisabled(t *testing.T) {
	n := newTestNode(t)
	resp, _ := n.get(t, "/x-authorization/callback?state=s&code=c")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("callback without auth status = %d", resp.StatusCode)
	}
}

func TestJWKSEndpoint(t *testing.T) {
	n := newTestNode(t)
	resp, _ := n.get(t, "/x-authorization/jwks")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("jwks without key status = %d", resp.StatusCode)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	n = newTestNodeWith(t, func(cfg *Config) { cfg.Key = auth.NewSigningKey(key) })
	resp, raw := n.get(t, "/x-authorization/jwks")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("jwks status = %d", resp.StatusCode)
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &set); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0].Use != "sig" {
		t.Errorf("jwks = %s", raw)
	}
}
