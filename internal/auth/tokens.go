package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// assertionType is the RFC 7523 client_assertion_type value.
const assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// withHTTPClient routes the oauth2 library's requests through our
// client, which carries the request timeout.
func withHTTPClient(ctx context.Context, httpc *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, httpc)
}

// fromOAuth2 converts the library token to ours.
func fromOAuth2(t *oauth2.Token, scopes []string) Token {
	typ := t.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return Token{
		AccessToken: t.AccessToken,
		Type:        typ,
		Refresh:     t.RefreshToken,
		Expiry:      t.Expiry,
		Scopes:      scopes,
	}
}

// clientCredentialsToken fetches a bearer with the client_credentials
// grant under the client's registered endpoint auth method.
func clientCredentialsToken(ctx context.Context, httpc *http.Client, md ServerMetadata, client ClientMetadata, scopes []string, key *SigningKey) (Token, error) {
	conf := &clientcredentials.Config{
		ClientID: client.ClientID,
		TokenURL: md.TokenEndpoint,
		Scopes:   scopes,
	}
	switch client.TokenEndpointAuthMethod {
	case MethodPrivateKeyJWT:
		assertion, err := newAssertion(key, client.ClientID, md.TokenEndpoint)
		if err != nil {
			return Token{}, err
		}
		conf.AuthStyle = oauth2.AuthStyleInParams
		conf.EndpointParams = url.Values{
			"client_assertion_type": {assertionType},
			"client_assertion":      {assertion},
		}
	case MethodNone:
		conf.AuthStyle = oauth2.AuthStyleInParams
	default:
		conf.ClientSecret = client.ClientSecret
		conf.AuthStyle = oauth2.AuthStyleInHeader
	}
	tok, err := conf.Token(withHTTPClient(ctx, httpc))
	if err != nil {
		return Token{}, fmt.Errorf("client_credentials grant: %w", err)
	}
	return fromOAuth2(tok, scopes), nil
}

func newAssertion(key *SigningKey, clientID, tokenURL string) (string, error) {
	if key == nil {
		return "", fmt.Errorf("token endpoint auth method %s needs a signing key", MethodPrivateKeyJWT)
	}
	return key.Assertion(clientID, tokenURL, time.Now())
}

// authCodeConfig builds the oauth2 configuration for the
// authorization-code flow.
func authCodeConfig(md ServerMetadata, client ClientMetadata, redirectURI string, scopes []string) *oauth2.Config {
	conf := &oauth2.Config{
		ClientID:    client.ClientID,
		RedirectURL: redirectURI,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  md.AuthorizationEndpoint,
			TokenURL: md.TokenEndpoint,
		},
	}
	switch client.TokenEndpointAuthMethod {
	case MethodPrivateKeyJWT, MethodNone:
		conf.Endpoint.AuthStyle = oauth2.AuthStyleInParams
	default:
		conf.ClientSecret = client.ClientSecret
		conf.Endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}
	return conf
}

// authCodeURL renders the authorization URI with the state nonce and
// PKCE challenge. S256 is used unless the server only advertises plain.
func authCodeURL(md ServerMetadata, client ClientMetadata, redirectURI string, scopes []string, state, verifier string) string {
	conf := authCodeConfig(md, client, redirectURI, scopes)
	return conf.AuthCodeURL(state, challengeOptions(md, verifier)...)
}

func challengeOptions(md ServerMetadata, verifier string) []oauth2.AuthCodeOption {
	if plainOnly(md.CodeChallengeMethodsSupported) {
		// With the plain method the challenge is the verifier itself.
		return []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("code_challenge", verifier),
			oauth2.SetAuthURLParam("code_challenge_method", "plain"),
		}
	}
	return []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
}

func plainOnly(methods []string) bool {
	return len(methods) > 0 && !contains(methods, "S256") && contains(methods, "plain")
}

// exchangeCode redeems an authorization code with the PKCE verifier.
func exchangeCode(ctx context.Context, httpc *http.Client, md ServerMetadata, client ClientMetadata, redirectURI string, scopes []string, code, verifier string, key *SigningKey) (Token, error) {
	conf := authCodeConfig(md, client, redirectURI, scopes)
	opts := []oauth2.AuthCodeOption{oauth2.VerifierOption(verifier)}
	if client.TokenEndpointAuthMethod == MethodPrivateKeyJWT {
		assertion, err := newAssertion(key, client.ClientID, md.TokenEndpoint)
		if err != nil {
			return Token{}, err
		}
		opts = append(opts,
			oauth2.SetAuthURLParam("client_assertion_type", assertionType),
			oauth2.SetAuthURLParam("client_assertion", assertion),
		)
	}
	tok, err := conf.Exchange(withHTTPClient(ctx, httpc), code, opts...)
	if err != nil {
		return Token{}, fmt.Errorf("authorization_code exchange: %w", err)
	}
	return fromOAuth2(tok, scopes), nil
}

// refreshToken renews a bearer. Tokens without a refresh token re-run
// the client_credentials grant. private_key_jwt refreshes need a fresh
// assertion the oauth2 token source cannot carry per call, so that
// request is made directly.
func refreshToken(ctx context.Context, httpc *http.Client, md ServerMetadata, client ClientMetadata, redirectURI string, scopes []string, current Token, key *SigningKey) (Token, error) {
	if current.Refresh == "" {
		return clientCredentialsToken(ctx, httpc, md, client, scopes, key)
	}
	if client.TokenEndpointAuthMethod == MethodPrivateKeyJWT {
		return refreshWithAssertion(ctx, httpc, md, client, scopes, current.Refresh, key)
	}
	conf := authCodeConfig(md, client, redirectURI, scopes)
	src := conf.TokenSource(withHTTPClient(ctx, httpc), &oauth2.Token{RefreshToken: current.Refresh})
	tok, err := src.Token()
	if err != nil {
		return Token{}, fmt.Errorf("refresh_token grant: %w", err)
	}
	out := fromOAuth2(tok, scopes)
	if out.Refresh == "" {
		out.Refresh = current.Refresh
	}
	return out, nil
}

// tokenResponse is the RFC 6749 token endpoint response body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
}

func refreshWithAssertion(ctx context.Context, httpc *http.Client, md ServerMetadata, client ClientMetadata, scopes []string, refresh string, key *SigningKey) (Token, error) {
	assertion, err := newAssertion(key, client.ClientID, md.TokenEndpoint)
	if err != nil {
		return Token{}, err
	}
	form := url.Values{
		"grant_type":            {GrantRefreshToken},
		"refresh_token":         {refresh},
		"client_id":             {client.ClientID},
		"client_assertion_type": {assertionType},
		"client_assertion":      {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, md.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := httpc.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("refresh_token grant: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Token{}, fmt.Errorf("refresh_token grant: status %d: %s", resp.StatusCode, msg)
	}
	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&tr); err != nil {
		return Token{}, fmt.Errorf("refresh_token grant: decode response: %w", err)
	}
	if tr.RefreshToken == "" {
		tr.RefreshToken = refresh
	}
	out := Token{
		AccessToken: tr.AccessToken,
		Type:        tr.TokenType,
		Refresh:     tr.RefreshToken,
		Scopes:      scopes,
	}
	if out.Type == "" {
		out.Type = "Bearer"
	}
	if tr.ExpiresIn > 0 {
		out.Expiry = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return out, nil
}
