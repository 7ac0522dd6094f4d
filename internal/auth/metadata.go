package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-jose/go-jose/v4"
)

// WellKnown is the RFC 8414 discovery path.
const WellKnown = "/.well-known/oauth-authorization-server"

// ServerMetadata is the authorization server metadata document, reduced
// to the fields the node consumes.
type ServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint,omitempty"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint,omitempty"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported,omitempty"`
	GrantTypesSupported               []string `json:"grant_types_supported,omitempty"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported,omitempty"`
}

// MetadataURL composes the well-known URL for a server base, with the
// optional multi-tenancy selector appended.
func MetadataURL(base, selector string) string {
	u := strings.TrimSuffix(base, "/") + WellKnown
	if selector != "" {
		u += "/" + selector
	}
	return u
}

// FetchServerMetadata retrieves and validates a server's metadata
// document.
func FetchServerMetadata(ctx context.Context, httpc *http.Client, base, selector string) (ServerMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, MetadataURL(base, selector), nil)
	if err != nil {
		return ServerMetadata{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpc.Do(req)
	if err != nil {
		return ServerMetadata{}, fmt.Errorf("fetch server metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return ServerMetadata{}, fmt.Errorf("fetch server metadata: unexpected status %d", resp.StatusCode)
	}
	var md ServerMetadata
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&md); err != nil {
		return ServerMetadata{}, fmt.Errorf("decode server metadata: %w", err)
	}
	if err := md.validate(); err != nil {
		return ServerMetadata{}, err
	}
	return md, nil
}

func (m ServerMetadata) validate() error {
	switch {
	case m.Issuer == "":
		return fmt.Errorf("server metadata: missing issuer")
	case m.TokenEndpoint == "":
		return fmt.Errorf("server metadata: missing token_endpoint")
	case m.JWKSURI == "":
		return fmt.Errorf("server metadata: missing jwks_uri")
	}
	return nil
}

// Supports verifies the server advertises everything this client is
// configured to use. Capabilities the document omits cannot be checked
// and produce warnings instead of errors, except token endpoint auth,
// where client_secret_basic is the RFC 8414 default and taken as
// supported.
func (m ServerMetadata) Supports(scopes, grants, responseTypes []string, authMethod string) (warnings []string, err error) {
	if len(m.ScopesSupported) > 0 {
		for _, s := range scopes {
			if !contains(m.ScopesSupported, s) {
				return warnings, fmt.Errorf("server does not support scope %q", s)
			}
		}
	} else if len(scopes) > 0 {
		warnings = append(warnings, "server metadata omits scopes_supported")
	}
	if len(m.GrantTypesSupported) > 0 {
		for _, g := range grants {
			if !contains(m.GrantTypesSupported, g) {
				return warnings, fmt.Errorf("server does not support grant type %q", g)
			}
		}
	} else {
		warnings = append(warnings, "server metadata omits grant_types_supported")
	}
	if len(responseTypes) > 0 {
		if len(m.ResponseTypesSupported) > 0 {
			for _, r := range responseTypes {
				if !contains(m.ResponseTypesSupported, r) {
					return warnings, fmt.Errorf("server does not support response type %q", r)
				}
			}
		} else {
			warnings = append(warnings, "server metadata omits response_types_supported")
		}
	}
	if len(m.TokenEndpointAuthMethodsSupported) > 0 {
		if !contains(m.TokenEndpointAuthMethodsSupported, authMethod) {
			return warnings, fmt.Errorf("server does not support token endpoint auth method %q", authMethod)
		}
	} else if authMethod != MethodClientSecretBasic {
		warnings = append(warnings, fmt.Sprintf("server metadata omits token_endpoint_auth_methods_supported, assuming %s", authMethod))
	}
	return warnings, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// fetchKeys retrieves an issuer's signing keys from its JWKS endpoint.
func fetchKeys(ctx context.Context, httpc *http.Client, jwksURI string) (jose.JSONWebKeySet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jwksURI, nil)
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := httpc.Do(req)
	if err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return jose.JSONWebKeySet{}, fmt.Errorf("fetch jwks: unexpected status %d", resp.StatusCode)
	}
	var ks jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&ks); err != nil {
		return jose.JSONWebKeySet{}, fmt.Errorf("decode jwks: %w", err)
	}
	return ks, nil
}
