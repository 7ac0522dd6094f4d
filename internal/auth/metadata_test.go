package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMetadataURL(t *testing.T) {
	cases := []struct {
		base, selector, want string
	}{
		{"https://as.example", "", "https://as.example/.well-known/oauth-authorization-server"},
		{"https://as.example/", "", "https://as.example/.well-known/oauth-authorization-server"},
		{"https://as.example", "broadcast", "https://as.example/.well-known/oauth-authorization-server/broadcast"},
	}
	for _, c := range cases {
		if got := MetadataURL(c.base, c.selector); got != c.want {
			t.Errorf("MetadataURL(%q, %q) = %q, want %q", c.base, c.selector, got, c.want)
		}
	}
}

func TestFetchServerMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server/tenant" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"issuer": "https://as.example",
			"token_endpoint": "https://as.example/token",
			"jwks_uri": "https://as.example/jwks",
			"grant_types_supported": ["client_credentials"]
		}`))
	}))
	defer srv.Close()

	md, err := FetchServerMetadata(context.Background(), srv.Client(), srv.URL, "tenant")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if md.Issuer != "https://as.example" || md.TokenEndpoint != "https://as.example/token" {
		t.Fatalf("unexpected metadata: %+v", md)
	}

	// Without the selector the document is not there.
	if _, err := FetchServerMetadata(context.Background(), srv.Client(), srv.URL, ""); err == nil {
		t.Fatal("missing document accepted")
	}
}

func TestFetchServerMetadataRejectsIncomplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"issuer": "https://as.example"}`))
	}))
	defer srv.Close()

	if _, err := FetchServerMetadata(context.Background(), srv.Client(), srv.URL, ""); err == nil {
		t.Fatal("metadata without token_endpoint accepted")
	}
}

func TestServerMetadataSupports(t *testing.T) {
	md := ServerMetadata{
		Issuer:                            "https://as.example",
		TokenEndpoint:                     "https://as.example/token",
		JWKSURI:                           "https://as.example/jwks",
		ScopesSupported:                   []string{"registration", "query"},
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"client_credentials", "authorization_code"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic"},
		CodeChallengeMethodsSupported:     []string{"S256"},
	}

	warnings, err := md.Supports([]string{"registration"}, []string{"client_credentials"}, nil, MethodClientSecretBasic)
	if err != nil || len(warnings) != 0 {
		t.Fatalf("supported combination rejected: warnings=%v err=%v", warnings, err)
	}
	if _, err := md.Supports([]string{"connection"}, nil, nil, MethodClientSecretBasic); err == nil {
		t.Error("unsupported scope accepted")
	}
	if _, err := md.Supports(nil, []string{"refresh_token"}, nil, MethodClientSecretBasic); err == nil {
		t.Error("unsupported grant accepted")
	}
	if _, err := md.Supports(nil, []string{"client_credentials"}, []string{"token"}, MethodClientSecretBasic); err == nil {
		t.Error("unsupported response type accepted")
	}
	if _, err := md.Supports(nil, []string{"client_credentials"}, nil, MethodPrivateKeyJWT); err == nil {
		t.Error("unsupported auth method accepted")
	}
}

func TestServerMetadataAssumesWhenAbsent(t *testing.T) {
	md := ServerMetadata{
		Issuer:        "https://as.example",
		TokenEndpoint: "https://as.example/token",
		JWKSURI:       "https://as.example/jwks",
	}
	warnings, err := md.Supports([]string{"query"}, []string{"client_credentials"}, []string{"code"}, MethodPrivateKeyJWT)
	if err != nil {
		t.Fatalf("absent capabilities must warn, not reject: %v", err)
	}
	if len(warnings) != 4 {
		t.Fatalf("warnings = %v, want 4", warnings)
	}

	// client_secret_basic is the RFC 8414 default, so no warning for it.
	warnings, err = md.Supports(nil, []string{"client_credentials"}, nil, MethodClientSecretBasic)
	if err != nil {
		t.Fatalf("supports: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want only the grant_types one", warnings)
	}
}
