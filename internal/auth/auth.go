// Package auth keeps the node authorized against a discovered
// authorization server and validates inbound access tokens: DNS-SD
// discovery with exponential backoff, RFC 8414 server metadata, RFC 7591
// client registration persisted per seed, the client_credentials and
// authorization-code (PKCE) grants, bounded token refresh, JWKS polling,
// and a token-issuer helper that loads keys for issuers first seen in
// inbound tokens.
package auth

// Phase is one position in the authorization state machine.
type Phase string

const (
	PhaseInitialDiscovery      Phase = "initial_discovery"
	PhaseRequestMetadata       Phase = "request_server_metadata"
	PhaseClientRegistration    Phase = "client_registration"
	PhaseAuthorizationCodeFlow Phase = "authorization_code_flow"
	PhaseTokenFetch            Phase = "operation_with_immediate_token_fetch"
	PhaseOperation             Phase = "authorization_operation"
	PhaseBackgroundDiscovery   Phase = "background_discovery"

	// PhaseShutdown is terminal.
	PhaseShutdown Phase = "shutdown"
)

// Grants and token endpoint auth methods this client can be configured
// with. The values are the RFC 6749/7591 wire names.
const (
	GrantClientCredentials = "client_credentials"
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"

	MethodClientSecretBasic = "client_secret_basic"
	MethodPrivateKeyJWT     = "private_key_jwt"
	MethodNone              = "none"
)

// Sink receives controller signals. The metrics package implements it;
// nopSink is used when none is wired.
type Sink interface {
	PhaseChanged(Phase)
	TokenRefreshed(ok bool)
	KeysFetched(ok bool)
}

type nopSink struct{}

func (nopSink) PhaseChanged(Phase)  {}
func (nopSink) TokenRefreshed(bool) {}
func (nopSink) KeysFetched(bool)    {}

// Status is a snapshot of the controller for introspection and tests.
type Status struct {
	Phase   Phase    `json:"phase"`
	Server  string   `json:"authorization_server,omitempty"`
	TokenOK bool     `json:"token_valid"`
	Issuers []string `json:"issuers,omitempty"`
}
