package auth

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"

	"github.com/nmos-go/nmosnode/internal/dnssd"
)

// errServer ends the operation tasks when the current authorization
// server stops cooperating; the run loop then moves to the next
// candidate.
var errServer = errors.New("authorization server failed")

// Config carries the controller's wiring and tuning.
type Config struct {
	// Browser finds authorization services; Fallback is tried when
	// discovery yields nothing.
	Browser  dnssd.Browser
	Fallback string

	// Selector picks a tenant on multi-tenant servers.
	Selector string

	// Client registration identity.
	ClientName  string
	RedirectURI string
	Scopes      []string

	// Flow is the grant used to obtain tokens, client_credentials or
	// authorization_code. AuthMethod is the token endpoint auth method
	// to register.
	Flow       string
	AuthMethod string

	// JWKSURI is the node's own key set URL, registered with the
	// server under private_key_jwt.
	JWKSURI string

	// InitialAccessToken is presented at registration when the server
	// gates dynamic registration.
	InitialAccessToken string

	// OpenBrowser hands the authorization URI to a user agent during
	// the authorization-code flow.
	OpenBrowser func(uri string) error

	// Priority window for discovered services.
	HighestPri int
	LowestPri  int

	// Discovery backoff ladder.
	BackoffMin    time.Duration
	BackoffMax    time.Duration
	BackoffFactor float64

	// RequestMax bounds one HTTP interaction. CodeFlowMax bounds the
	// wait for the authorization callback.
	RequestMax  time.Duration
	CodeFlowMax time.Duration

	// RefreshInterval is a fixed token refresh period; zero or
	// negative refreshes at half the token lifetime.
	RefreshInterval time.Duration

	// KeysIntervalMin and KeysIntervalMax bound the uniform random
	// JWKS poll interval.
	KeysIntervalMin time.Duration
	KeysIntervalMax time.Duration

	Credentials *Credentials
	Key         *SigningKey
	State       *State
	HTTP        *http.Client
	Sink        Sink
	Log         zerolog.Logger
}

// Controller walks the authorization state machine: discover a server,
// vet its metadata, hold a client registration there, obtain and
// refresh a bearer token, and keep the issuer key cache warm. A second
// task serves issuer-fetch requests raised by token validation.
type Controller struct {
	cfg   Config
	state *State
	log   zerolog.Logger
	sink  Sink
	http  *http.Client

	mu     sync.Mutex
	phase  Phase
	server string

	// Walk state, only touched by run.
	candidates []string
	md         ServerMetadata
	client     ClientMetadata
	delay      time.Duration
	ladder     *backoff.ExponentialBackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(cfg Config) (*Controller, error) {
	if cfg.State == nil {
		return nil, fmt.Errorf("auth: nil state")
	}
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("auth: nil credentials")
	}
	if cfg.Sink == nil {
		cfg.Sink = nopSink{}
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{}
	}
	ladder := backoff.NewExponentialBackOff()
	ladder.InitialInterval = cfg.BackoffMin
	ladder.RandomizationFactor = 0
	ladder.Multiplier = cfg.BackoffFactor
	ladder.MaxInterval = cfg.BackoffMax
	ladder.MaxElapsedTime = 0
	ladder.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		cfg:    cfg,
		state:  cfg.State,
		log:    cfg.Log.With().Str("component", "authorization").Logger(),
		sink:   cfg.Sink,
		http:   cfg.HTTP,
		phase:  PhaseInitialDiscovery,
		ladder: ladder,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Start launches the controller and the token-issuer helper.
func (c *Controller) Start() {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
	go func() {
		defer c.wg.Done()
		c.issuerHelper()
	}()
	c.log.Info().Msg("authorization controller started")
}

// Stop ends both tasks and waits for them.
func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
	c.log.Info().Msg("authorization controller stopped")
}

// Status reports the current phase for introspection and tests.
func (c *Controller) Status() Status {
	c.mu.Lock()
	phase, server := c.phase, c.server
	c.mu.Unlock()
	t, _ := c.state.Bearer()
	return Status{
		Phase:   phase,
		Server:  server,
		TokenOK: t.Valid(),
		Issuers: c.state.Issuers(),
	}
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	changed := c.phase != p
	c.phase = p
	c.mu.Unlock()
	if changed {
		c.log.Info().Str("phase", string(p)).Msg("authorization phase")
		c.sink.PhaseChanged(p)
	}
}

func (c *Controller) setServer(base string) {
	c.mu.Lock()
	c.server = base
	c.mu.Unlock()
}

func (c *Controller) run() {
	phase := PhaseInitialDiscovery
	for phase != PhaseShutdown {
		c.setPhase(phase)
		switch phase {
		case PhaseInitialDiscovery, PhaseBackgroundDiscovery:
			phase = c.discover()
		case PhaseRequestMetadata:
			phase = c.requestMetadata()
		case PhaseClientRegistration:
			phase = c.registerClient()
		case PhaseAuthorizationCodeFlow:
			phase = c.codeFlow()
		case PhaseTokenFetch:
			phase = c.fetchToken()
		case PhaseOperation:
			phase = c.operate()
		}
	}
	c.setPhase(PhaseShutdown)
	c.state.ClearBearer()
}

// discover sleeps the jittered backoff, then browses for authorization
// services within the priority window.
func (c *Controller) discover() Phase {
	if c.delay > 0 {
		jitter := time.Duration(rand.Int64N(int64(c.delay)))
		timer := time.NewTimer(jitter)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return PhaseShutdown
		case <-timer.C:
		}
	}
	if c.ctx.Err() != nil {
		return PhaseShutdown
	}
	services, err := c.cfg.Browser.Browse(c.ctx, dnssd.ServiceAuth)
	if err != nil {
		c.log.Warn().Err(err).Msg("authorization browse failed")
	}
	c.candidates = c.filter(services)
	if len(c.candidates) == 0 && c.cfg.Fallback != "" {
		c.candidates = []string{c.cfg.Fallback}
	}
	c.delay = c.ladder.NextBackOff()
	if len(c.candidates) == 0 {
		return PhaseBackgroundDiscovery
	}
	return PhaseRequestMetadata
}

// filter orders discovered services by priority and keeps those inside
// the configured window.
func (c *Controller) filter(services []dnssd.Service) []string {
	dnssd.ByPriority(services)
	var out []string
	for _, s := range services {
		pri := s.Pri()
		if pri < c.cfg.HighestPri || pri > c.cfg.LowestPri {
			continue
		}
		out = append(out, s.URL())
	}
	return out
}

// head returns the current authorization server base, or "" when the
// candidate list is exhausted.
func (c *Controller) head() string {
	if len(c.candidates) == 0 {
		c.setServer("")
		return ""
	}
	base := c.candidates[0]
	c.setServer(base)
	return base
}

func (c *Controller) drop() {
	if len(c.candidates) > 0 {
		c.candidates = c.candidates[1:]
	}
	c.setServer("")
}

// requestMetadata fetches and vets the head server's metadata.
func (c *Controller) requestMetadata() Phase {
	if c.ctx.Err() != nil {
		return PhaseShutdown
	}
	base := c.head()
	if base == "" {
		return PhaseBackgroundDiscovery
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestMax)
	md, err := FetchServerMetadata(ctx, c.http, base, c.cfg.Selector)
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Str("server", base).Msg("server metadata fetch failed")
		c.drop()
		return PhaseRequestMetadata
	}
	warnings, err := md.Supports(c.cfg.Scopes, c.grants(), c.responseTypes(), c.cfg.AuthMethod)
	for _, w := range warnings {
		c.log.Warn().Str("server", base).Msg(w)
	}
	if err != nil {
		c.log.Error().Err(err).Str("server", base).Msg("authorization server unsuitable")
		c.drop()
		return PhaseRequestMetadata
	}
	c.md = md
	entry := &Issuer{Metadata: md, FetchedAt: time.Now()}
	if prev, ok := c.state.Issuer(md.Issuer); ok {
		entry.Keys = prev.Keys
	}
	c.state.SetIssuer(md.Issuer, entry)
	return PhaseClientRegistration
}

// grants returns the grant types the configured flow needs.
func (c *Controller) grants() []string {
	if c.cfg.Flow == GrantAuthorizationCode {
		return []string{GrantAuthorizationCode, GrantRefreshToken}
	}
	return []string{GrantClientCredentials}
}

func (c *Controller) responseTypes() []string {
	if c.cfg.Flow == GrantAuthorizationCode {
		return []string{"code"}
	}
	return nil
}

// registerClient ensures a usable client registration with the head
// server, reusing the persisted one when it is still good.
func (c *Controller) registerClient() Phase {
	if c.ctx.Err() != nil {
		return PhaseShutdown
	}
	base := c.head()
	if base == "" {
		return PhaseBackgroundDiscovery
	}
	client, ok := c.cfg.Credentials.Lookup(base)
	if ok && client.RegistrationClientURI != "" && client.RegistrationAccessToken != "" {
		// The server supports registration management; trust its copy
		// over ours.
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestMax)
		current, err := ReadClientConfig(ctx, c.http, client.RegistrationClientURI, client.RegistrationAccessToken)
		cancel()
		if err == nil {
			current.RegistrationAccessToken = client.RegistrationAccessToken
			current.RegistrationClientURI = client.RegistrationClientURI
			if current.ClientSecret == "" {
				current.ClientSecret = client.ClientSecret
			}
			client = current
			if err := c.cfg.Credentials.Put(base, client); err != nil {
				c.log.Error().Err(err).Msg("credentials save failed")
			}
		} else {
			c.log.Warn().Err(err).Str("server", base).Msg("client config read failed, registering anew")
			ok = false
		}
	}
	if ok && client.SecretExpired(time.Now()) {
		c.log.Info().Str("server", base).Msg("client registration expired, registering anew")
		ok = false
	}
	if !ok {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestMax)
		meta, err := RegisterClient(ctx, c.http, c.md.RegistrationEndpoint, c.clientRequest(), c.cfg.InitialAccessToken)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Str("server", base).Msg("client registration failed")
			c.drop()
			return PhaseRequestMetadata
		}
		client = meta
		if err := c.cfg.Credentials.Put(base, client); err != nil {
			c.log.Error().Err(err).Msg("credentials save failed")
		}
		c.log.Info().Str("server", base).Str("client_id", client.ClientID).Msg("client registered")
	}
	c.client = client
	if c.cfg.Flow == GrantAuthorizationCode {
		return PhaseAuthorizationCodeFlow
	}
	return PhaseTokenFetch
}

func (c *Controller) clientRequest() ClientRequest {
	req := ClientRequest{
		ClientName:              c.cfg.ClientName,
		Scope:                   strings.Join(c.cfg.Scopes, " "),
		GrantTypes:              c.grants(),
		TokenEndpointAuthMethod: c.cfg.AuthMethod,
	}
	if c.cfg.Flow == GrantAuthorizationCode {
		req.RedirectURIs = []string{c.cfg.RedirectURI}
		req.ResponseTypes = []string{"code"}
	}
	if c.cfg.AuthMethod == MethodPrivateKeyJWT {
		req.JWKSURI = c.cfg.JWKSURI
	}
	return req
}

// codeFlow runs one authorization-code round: hand the authorization
// URI to the user agent, wait for the callback, redeem the code.
func (c *Controller) codeFlow() Phase {
	if c.ctx.Err() != nil {
		return PhaseShutdown
	}
	verifier := oauth2.GenerateVerifier()
	nonce := uuid.NewString()
	c.state.BeginFlow(nonce)
	uri := authCodeURL(c.md, c.client, c.cfg.RedirectURI, c.cfg.Scopes, nonce, verifier)
	open := c.cfg.OpenBrowser
	if open == nil {
		open = func(string) error { return fmt.Errorf("no user agent hook configured") }
	}
	if err := open(uri); err != nil {
		c.log.Error().Err(err).Msg("authorization request could not be opened")
		c.state.AbandonFlow(nonce)
		c.drop()
		return PhaseRequestMetadata
	}
	code, err := c.state.AwaitFlow(c.ctx, nonce, c.cfg.CodeFlowMax)
	if err != nil {
		if c.ctx.Err() != nil {
			return PhaseShutdown
		}
		c.log.Warn().Err(err).Str("server", c.md.Issuer).Msg("authorization flow did not complete")
		c.drop()
		return PhaseRequestMetadata
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestMax)
	tok, err := exchangeCode(ctx, c.http, c.md, c.client, c.cfg.RedirectURI, c.cfg.Scopes, code, verifier, c.cfg.Key)
	cancel()
	if err != nil {
		c.log.Warn().Err(err).Msg("code exchange failed")
		c.sink.TokenRefreshed(false)
		c.drop()
		return PhaseRequestMetadata
	}
	c.state.SetBearer(tok)
	c.sink.TokenRefreshed(true)
	return PhaseOperation
}

// fetchToken obtains the first bearer under client_credentials.
func (c *Controller) fetchToken() Phase {
	if c.ctx.Err() != nil {
		return PhaseShutdown
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestMax)
	tok, err := clientCredentialsToken(ctx, c.http, c.md, c.client, c.cfg.Scopes, c.cfg.Key)
	cancel()
	if err != nil {
		if c.ctx.Err() != nil {
			return PhaseShutdown
		}
		c.log.Warn().Err(err).Str("server", c.md.Issuer).Msg("token fetch failed")
		c.sink.TokenRefreshed(false)
		c.drop()
		return PhaseRequestMetadata
	}
	c.state.SetBearer(tok)
	c.sink.TokenRefreshed(true)
	return PhaseOperation
}

// operate keeps the bearer fresh and the key cache warm until either
// task fails, then moves on to the next server. The held token stays
// published while failing over; it is still good until it expires.
func (c *Controller) operate() Phase {
	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.refreshLoop(ctx) })
	g.Go(func() error { return c.keysLoop(ctx) })
	err := g.Wait()
	if c.ctx.Err() != nil {
		return PhaseShutdown
	}
	c.log.Warn().Err(err).Str("server", c.md.Issuer).Msg("authorization operation failed")
	c.drop()
	return PhaseRequestMetadata
}

// refreshLoop renews the bearer at the configured interval, or at half
// its remaining lifetime when no interval is set.
func (c *Controller) refreshLoop(ctx context.Context) error {
	for {
		tok, ok := c.state.Bearer()
		if !ok {
			return fmt.Errorf("%w: no token to refresh", errServer)
		}
		wait := c.cfg.RefreshInterval
		if wait <= 0 {
			wait = time.Until(tok.Expiry) / 2
			if wait < time.Second {
				wait = time.Second
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestMax)
		next, err := refreshToken(rctx, c.http, c.md, c.client, c.cfg.RedirectURI, c.cfg.Scopes, tok, c.cfg.Key)
		cancel()
		if err != nil {
			c.sink.TokenRefreshed(false)
			return fmt.Errorf("%w: %v", errServer, err)
		}
		c.state.SetBearer(next)
		c.sink.TokenRefreshed(true)
	}
}

// keysLoop fetches the server's JWKS immediately, then on a uniform
// random interval within the configured bounds so a fleet of nodes
// spreads its fetches.
func (c *Controller) keysLoop(ctx context.Context) error {
	for {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestMax)
		keys, err := fetchKeys(rctx, c.http, c.md.JWKSURI)
		cancel()
		if err != nil {
			c.sink.KeysFetched(false)
			return fmt.Errorf("%w: %v", errServer, err)
		}
		c.state.SetIssuer(c.md.Issuer, &Issuer{Metadata: c.md, Keys: keys, FetchedAt: time.Now()})
		c.sink.KeysFetched(true)

		wait := c.cfg.KeysIntervalMin
		if span := c.cfg.KeysIntervalMax - c.cfg.KeysIntervalMin; span > 0 {
			wait += time.Duration(rand.Int64N(int64(span)))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// issuerHelper serves issuer-fetch requests raised by token validation:
// fetch the unknown issuer's metadata, then its keys, then clear the
// request. Failures clear the request too; the next rejected token
// raises it again.
func (c *Controller) issuerHelper() {
	for {
		iss, ok := c.state.AwaitIssuerRequest(c.ctx)
		if !ok {
			return
		}
		c.fetchIssuer(iss)
		c.state.FinishIssuerRequest(iss)
	}
}

func (c *Controller) fetchIssuer(iss string) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestMax)
	defer cancel()
	md, err := FetchServerMetadata(ctx, c.http, iss, "")
	if err != nil {
		c.log.Warn().Err(err).Str("issuer", iss).Msg("issuer metadata fetch failed")
		return
	}
	keys, err := fetchKeys(ctx, c.http, md.JWKSURI)
	if err != nil {
		c.sink.KeysFetched(false)
		c.log.Warn().Err(err).Str("issuer", iss).Msg("issuer keys fetch failed")
		return
	}
	entry := &Issuer{Metadata: md, Keys: keys, FetchedAt: time.Now()}
	c.state.SetIssuer(iss, entry)
	if md.Issuer != iss {
		c.state.SetIssuer(md.Issuer, entry)
	}
	c.sink.KeysFetched(true)
	c.log.Info().Str("issuer", md.Issuer).Int("keys", len(keys.Keys)).Msg("issuer keys loaded")
}
