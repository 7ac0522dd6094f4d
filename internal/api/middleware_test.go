package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/nmos-go/nmosnode/internal/auth"
	"github.com/nmos-go/nmosnode/internal/testutil"
)

func TestCORSPreflight(t *testing.T) {
	n := newTestNode(t)

	req, err := http.NewRequest(http.MethodOptions, n.srv.URL+"/x-nmos/node/v1.3/self", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "http://controller.test")
	req.Header.Set("Access-Control-Request-Method", "GET")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("allow origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, "PATCH") {
		t.Errorf("allow methods = %q", got)
	}

	// Ordinary responses are shareable too.
	resp, _ = n.get(t, "/x-nmos")
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("GET allow origin = %q", got)
	}
}

func TestRequestBodyLimit(t *testing.T) {
	n := newTestNodeWith(t, func(cfg *Config) { cfg.BodyLimit = 64 })

	resp, raw := n.request(t, http.MethodPost, "/x-nmos/query/v1.3/subscriptions", map[string]any{
		"resource_path": "/nodes",
		"params":        map[string]any{"label": strings.Repeat("x", 200)},
	})
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body status = %d, body %s", resp.StatusCode, raw)
	}

	resp, _ = n.request(t, http.MethodPost, "/x-nmos/query/v1.3/subscriptions", map[string]any{
		"resource_path": "/nodes",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("small body status = %d", resp.StatusCode)
	}
}

func TestRequireAuth(t *testing.T) {
	as := testutil.NewAuthServer(t)
	state := auth.NewState()
	resp, err := http.Get(as.URL() + "/jwks")
	if err != nil {
		t.Fatalf("fetch jwks: %v", err)
	}
	var keys jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&keys); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	resp.Body.Close()
	state.SetIssuer(as.URL(), &auth.Issuer{Keys: keys, FetchedAt: time.Now()})

	n := newTestNodeWith(t, func(cfg *Config) {
		cfg.Validator = auth.NewValidator(state, "node-1.test")
	})
	token := as.MintToken([]string{"node-1.test"}, time.Minute, map[string]any{
		"x-nmos-query": map[string]any{"read": []any{"*"}},
	})

	authedGet := func(path, bearer string) *http.Response {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, n.srv.URL+path, nil)
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		return resp
	}

	resp = authedGet("/x-nmos/query/v1.3/nodes", "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); got != `Bearer realm="nmos"` {
		t.Errorf("anonymous challenge = %q", got)
	}

	resp = authedGet("/x-nmos/query/v1.3/nodes", token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authorized status = %d", resp.StatusCode)
	}

	// WebSocket handshakes cannot set headers; the access_token query
	// parameter carries the token instead.
	resp = authedGet("/x-nmos/query/v1.3/nodes?access_token="+token, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query parameter token status = %d", resp.StatusCode)
	}

	// The token only grants the query claim family.
	resp = authedGet("/x-nmos/node/v1.3/self", token)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("cross-api status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, `error="insufficient_scope"`) {
		t.Errorf("cross-api challenge = %q", got)
	}

	resp = authedGet("/x-nmos/query/v1.3/nodes", "not-a-token")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, `error="invalid_token"`) {
		t.Errorf("garbage token challenge = %q", got)
	}

	// The index outside the API mounts stays open.
	resp = authedGet("/x-nmos", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("index status = %d", resp.StatusCode)
	}

	_, raw := n.get(t, "/metrics")
	if !strings.Contains(string(raw), "nmos_authorization_token_validations_total") {
		t.Errorf("metrics exposition lacks validation counter")
	}
}
