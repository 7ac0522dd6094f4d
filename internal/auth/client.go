package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ClientMetadata is the RFC 7591 client information response, persisted
// per authorization server in the credentials file.
type ClientMetadata struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	JWKSURI                 string   `json:"jwks_uri,omitempty"`
	RegistrationAccessToken string   `json:"registration_access_token,omitempty"`
	RegistrationClientURI   string   `json:"registration_client_uri,omitempty"`
}

// SecretExpired reports whether the registration's secret lifetime has
// passed. A zero client_secret_expires_at means it never expires.
func (c ClientMetadata) SecretExpired(now time.Time) bool {
	return c.ClientSecretExpiresAt != 0 && now.Unix() >= c.ClientSecretExpiresAt
}

// ClientRequest is the RFC 7591 dynamic registration request body.
type ClientRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	JWKSURI                 string   `json:"jwks_uri,omitempty"`
}

// RegisterClient performs dynamic client registration. The initial
// access token is attached when the server requires one.
func RegisterClient(ctx context.Context, httpc *http.Client, endpoint string, req ClientRequest, initialAccessToken string) (ClientMetadata, error) {
	if endpoint == "" {
		return ClientMetadata{}, fmt.Errorf("register client: server has no registration endpoint")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return ClientMetadata{}, err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ClientMetadata{}, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "application/json")
	if initialAccessToken != "" {
		hreq.Header.Set("Authorization", "Bearer "+initialAccessToken)
	}
	resp, err := httpc.Do(hreq)
	if err != nil {
		return ClientMetadata{}, fmt.Errorf("register client: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ClientMetadata{}, fmt.Errorf("register client: status %d: %s", resp.StatusCode, msg)
	}
	return decodeClient(resp.Body, "register client")
}

// ReadClientConfig retrieves the current registration through the RFC
// 7592 management endpoint issued at registration time.
func ReadClientConfig(ctx context.Context, httpc *http.Client, clientURI, accessToken string) (ClientMetadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, clientURI, nil)
	if err != nil {
		return ClientMetadata{}, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := httpc.Do(req)
	if err != nil {
		return ClientMetadata{}, fmt.Errorf("read client config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return ClientMetadata{}, fmt.Errorf("read client config: status %d", resp.StatusCode)
	}
	return decodeClient(resp.Body, "read client config")
}

func decodeClient(r io.Reader, op string) (ClientMetadata, error) {
	var meta ClientMetadata
	if err := json.NewDecoder(io.LimitReader(r, 1<<20)).Decode(&meta); err != nil {
		return ClientMetadata{}, fmt.Errorf("%s: decode response: %w", op, err)
	}
	if meta.ClientID == "" {
		return ClientMetadata{}, fmt.Errorf("%s: response carries no client_id", op)
	}
	return meta, nil
}
