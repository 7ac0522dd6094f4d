// Package testutil holds fakes shared by package tests.
package testutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AuthServer is a scripted OAuth 2.0 authorization server: RFC 8414
// metadata, RFC 7591 registration with management read-back, a token
// endpoint with the client_credentials, authorization_code and
// refresh_token grants, and a JWKS endpoint. Access tokens are RS512
// JWTs with configurable audience and extra claims.
type AuthServer struct {
	t   *testing.T
	srv *httptest.Server
	key *rsa.PrivateKey
	kid string

	mu               sync.Mutex
	clients          map[string]map[string]any
	codes            map[string]string
	refreshes        map[string]string
	registrations    int
	grantLog         []string
	fail             map[string]int
	expiresIn        int64
	secretTTL        int64
	audience         []string
	extraClaims      map[string]any
	initialToken     string
	grantsAdvert     []string
	methodsAdvert    []string
	scopesAdvert     []string
	challengesAdvert []string
}

func NewAuthServer(t *testing.T) *AuthServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sum := sha256.Sum256(x509.MarshalPKCS1PublicKey(&key.PublicKey))
	a := &AuthServer{
		t:                t,
		key:              key,
		kid:              hex.EncodeToString(sum[:8]),
		clients:          map[string]map[string]any{},
		codes:            map[string]string{},
		refreshes:        map[string]string{},
		fail:             map[string]int{},
		expiresIn:        3600,
		grantsAdvert:     []string{"client_credentials", "authorization_code", "refresh_token"},
		methodsAdvert:    []string{"client_secret_basic", "private_key_jwt", "none"},
		scopesAdvert:     []string{"registration", "query", "connection", "node", "events", "channelmapping"},
		challengesAdvert: []string{"S256", "plain"},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", a.metadata)
	mux.HandleFunc("/.well-known/oauth-authorization-server/", a.metadata)
	mux.HandleFunc("/register", a.register)
	mux.HandleFunc("/register/", a.clientConfig)
	mux.HandleFunc("/authorize", a.authorize)
	mux.HandleFunc("/token", a.token)
	mux.HandleFunc("/jwks", a.jwks)
	a.srv = httptest.NewServer(mux)
	t.Cleanup(a.srv.Close)
	return a
}

// URL is the server base, doubling as the token issuer.
func (a *AuthServer) URL() string { return a.srv.URL }

// Registrations reports how many dynamic registrations were accepted.
func (a *AuthServer) Registrations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.registrations
}

// Grants returns the grant_type of every token request seen.
func (a *AuthServer) Grants() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.grantLog...)
}

// SetExpiresIn sets the expires_in of minted tokens, in seconds.
func (a *AuthServer) SetExpiresIn(sec int64) {
	a.mu.Lock()
	a.expiresIn = sec
	a.mu.Unlock()
}

// SetSecretTTL makes registrations carry client_secret_expires_at now
// plus ttl seconds; zero restores non-expiring secrets.
func (a *AuthServer) SetSecretTTL(sec int64) {
	a.mu.Lock()
	a.secretTTL = sec
	a.mu.Unlock()
}

// SetAudience sets the aud claim of minted access tokens.
func (a *AuthServer) SetAudience(aud ...string) {
	a.mu.Lock()
	a.audience = aud
	a.mu.Unlock()
}

// SetClaims merges extra claims, such as x-nmos-connection, into every
// minted access token.
func (a *AuthServer) SetClaims(claims map[string]any) {
	a.mu.Lock()
	a.extraClaims = claims
	a.mu.Unlock()
}

// SetInitialToken requires registration requests to carry this bearer.
func (a *AuthServer) SetInitialToken(token string) {
	a.mu.Lock()
	a.initialToken = token
	a.mu.Unlock()
}

// SetGrantTypes overrides the grant_types_supported in the metadata.
func (a *AuthServer) SetGrantTypes(grants ...string) {
	a.mu.Lock()
	a.grantsAdvert = grants
	a.mu.Unlock()
}

// SetFail makes an endpoint ("metadata", "register", "token", "jwks")
// answer with status; 0 restores normal behaviour.
func (a *AuthServer) SetFail(endpoint string, status int) {
	a.mu.Lock()
	if status == 0 {
		delete(a.fail, endpoint)
	} else {
		a.fail[endpoint] = status
	}
	a.mu.Unlock()
}

// MintToken signs an access token with this server as issuer, for
// handing straight to a validator.
func (a *AuthServer) MintToken(aud []string, ttl time.Duration, claims map[string]any) string {
	return a.mint("test-client", "", aud, ttl, claims)
}

func (a *AuthServer) failNow(endpoint string, w http.ResponseWriter) bool {
	a.mu.Lock()
	status := a.fail[endpoint]
	a.mu.Unlock()
	if status == 0 {
		return false
	}
	writeJSON(w, status, map[string]any{"error": "server_error"})
	return true
}

func (a *AuthServer) metadata(w http.ResponseWriter, r *http.Request) {
	if a.failNow("metadata", w) {
		return
	}
	base := a.srv.URL
	a.mu.Lock()
	doc := map[string]any{
		"issuer":                                base,
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/token",
		"registration_endpoint":                 base + "/register",
		"jwks_uri":                              base + "/jwks",
		"scopes_supported":                      a.scopesAdvert,
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 a.grantsAdvert,
		"token_endpoint_auth_methods_supported": a.methodsAdvert,
		"code_challenge_methods_supported":      a.challengesAdvert,
	}
	a.mu.Unlock()
	writeJSON(w, http.StatusOK, doc)
}

func (a *AuthServer) register(w http.ResponseWriter, r *http.Request) {
	if a.failNow("register", w) {
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	a.mu.Lock()
	initial := a.initialToken
	a.mu.Unlock()
	if initial != "" && r.Header.Get("Authorization") != "Bearer "+initial {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_token"})
		return
	}
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_client_metadata"})
		return
	}
	id := uuid.NewString()
	meta := map[string]any{}
	for k, v := range req {
		meta[k] = v
	}
	meta["client_id"] = id
	meta["client_id_issued_at"] = time.Now().Unix()
	method, _ := req["token_endpoint_auth_method"].(string)
	if method == "" || method == "client_secret_basic" {
		meta["client_secret"] = uuid.NewString()
	}
	a.mu.Lock()
	if a.secretTTL > 0 {
		meta["client_secret_expires_at"] = time.Now().Unix() + a.secretTTL
	}
	meta["registration_access_token"] = uuid.NewString()
	meta["registration_client_uri"] = a.srv.URL + "/register/" + id
	a.clients[id] = meta
	a.registrations++
	a.mu.Unlock()
	writeJSON(w, http.StatusCreated, meta)
}

func (a *AuthServer) clientConfig(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/register/")
	a.mu.Lock()
	meta, ok := a.clients[id]
	a.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "invalid_client_id"})
		return
	}
	want, _ := meta["registration_access_token"].(string)
	if r.Header.Get("Authorization") != "Bearer "+want {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_token"})
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *AuthServer) authorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := uuid.NewString()
	a.mu.Lock()
	a.codes[code] = q.Get("code_challenge")
	a.mu.Unlock()
	redirect := q.Get("redirect_uri")
	sep := "?"
	if strings.Contains(redirect, "?") {
		sep = "&"
	}
	w.Header().Set("Location", redirect+sep+"code="+code+"&state="+url.QueryEscape(q.Get("state")))
	w.WriteHeader(http.StatusFound)
}

func (a *AuthServer) token(w http.ResponseWriter, r *http.Request) {
	if a.failNow("token", w) {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_request"})
		return
	}
	grant := r.PostFormValue("grant_type")
	a.mu.Lock()
	a.grantLog = append(a.grantLog, grant)
	a.mu.Unlock()
	clientID, ok := a.authenticate(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid_client"})
		return
	}
	switch grant {
	case "client_credentials":
		a.issue(w, clientID, r.PostFormValue("scope"), false)
	case "authorization_code":
		a.mu.Lock()
		challenge, known := a.codes[r.PostFormValue("code")]
		delete(a.codes, r.PostFormValue("code"))
		a.mu.Unlock()
		if !known || !verifierMatches(challenge, r.PostFormValue("code_verifier")) {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
			return
		}
		a.issue(w, clientID, r.PostFormValue("scope"), true)
	case "refresh_token":
		a.mu.Lock()
		owner, known := a.refreshes[r.PostFormValue("refresh_token")]
		a.mu.Unlock()
		if !known || owner != clientID {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
			return
		}
		a.issue(w, clientID, r.PostFormValue("scope"), true)
	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
	}
}

// authenticate resolves the requesting client from basic auth, the
// client_id form value or a client assertion's issuer. Secrets are
// checked when the client registered one.
func (a *AuthServer) authenticate(r *http.Request) (string, bool) {
	if id, secret, ok := r.BasicAuth(); ok {
		a.mu.Lock()
		meta, known := a.clients[id]
		a.mu.Unlock()
		if !known {
			return "", false
		}
		want, _ := meta["client_secret"].(string)
		return id, secret == want
	}
	id := r.PostFormValue("client_id")
	if id == "" {
		if assertion := r.PostFormValue("client_assertion"); assertion != "" {
			if tok, _, err := jwt.NewParser().ParseUnverified(assertion, jwt.MapClaims{}); err == nil {
				if iss, err := tok.Claims.GetIssuer(); err == nil {
					id = iss
				}
			}
		}
	}
	a.mu.Lock()
	_, known := a.clients[id]
	a.mu.Unlock()
	return id, known
}

func (a *AuthServer) issue(w http.ResponseWriter, clientID, scope string, withRefresh bool) {
	a.mu.Lock()
	expires := a.expiresIn
	aud := append([]string(nil), a.audience...)
	extra := make(map[string]any, len(a.extraClaims))
	for k, v := range a.extraClaims {
		extra[k] = v
	}
	a.mu.Unlock()
	if len(aud) == 0 {
		aud = []string{"nmos-node.test"}
	}
	resp := map[string]any{
		"access_token": a.mint(clientID, scope, aud, time.Duration(expires)*time.Second, extra),
		"token_type":   "Bearer",
		"expires_in":   expires,
	}
	if scope != "" {
		resp["scope"] = scope
	}
	if withRefresh {
		refresh := uuid.NewString()
		a.mu.Lock()
		a.refreshes[refresh] = clientID
		a.mu.Unlock()
		resp["refresh_token"] = refresh
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *AuthServer) mint(sub, scope string, aud []string, ttl time.Duration, extra map[string]any) string {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": a.srv.URL,
		"sub": sub,
		"aud": aud,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
	if scope != "" {
		claims["scope"] = scope
	}
	for k, v := range extra {
		claims[k] = v
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS512, claims)
	tok.Header["kid"] = a.kid
	signed, err := tok.SignedString(a.key)
	if err != nil {
		// Errorf, not Fatalf: mint runs on handler goroutines too.
		a.t.Errorf("sign token: %v", err)
	}
	return signed
}

func (a *AuthServer) jwks(w http.ResponseWriter, r *http.Request) {
	if a.failNow("jwks", w) {
		return
	}
	writeJSON(w, http.StatusOK, jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       &a.key.PublicKey,
		KeyID:     a.kid,
		Algorithm: "RS512",
		Use:       "sig",
	}}})
}

func verifierMatches(challenge, verifier string) bool {
	if challenge == "" {
		return true
	}
	if challenge == verifier {
		return true
	}
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:]) == challenge
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
