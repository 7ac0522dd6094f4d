package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"

	"github.com/nmos-go/nmosnode/internal/activation"
	"github.com/nmos-go/nmosnode/internal/api"
	"github.com/nmos-go/nmosnode/internal/auth"
	"github.com/nmos-go/nmosnode/internal/buildinfo"
	"github.com/nmos-go/nmosnode/internal/config"
	"github.com/nmos-go/nmosnode/internal/dnssd"
	"github.com/nmos-go/nmosnode/internal/metrics"
	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/query"
	"github.com/nmos-go/nmosnode/internal/registration"
	"github.com/nmos-go/nmosnode/internal/store"
	"github.com/nmos-go/nmosnode/internal/subscription"
)

// nodeApp bundles every long-lived task of the node so construction,
// startup and shutdown stay in one place.
type nodeApp struct {
	cfg *config.Config
	log zerolog.Logger

	model   *store.Model
	queries *query.Cache
	met     *metrics.Metrics

	nodeID   string
	deviceID string

	sessions *subscription.Sessions
	sender   *subscription.Sender
	sweeper  *subscription.Sweeper

	connEngine *activation.Engine
	mapEngine  *activation.Engine

	authState *auth.State
	validator *auth.Validator
	key       *auth.SigningKey
	authCtl   *auth.Controller
	pruner    *auth.Pruner

	advertiser *dnssd.MemoryAdvertiser
	advertName string
	regCtl     *registration.Controller

	srv *api.Server
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log, err := rootLogger(cfg)
	if err != nil {
		return err
	}
	log.Info().
		Str("version", buildinfo.Version).
		Str("commit", buildinfo.GitCommit).
		Str("seed", cfg.SeedID).
		Msg("nmos node starting")

	app, err := newNodeApp(cfg, log)
	if err != nil {
		return err
	}
	app.startBackground()

	serverErrCh := app.startServer()
	runtimeErr := waitForShutdown(log, serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newNodeApp(cfg *config.Config, log zerolog.Logger) (*nodeApp, error) {
	app := &nodeApp{cfg: cfg, log: log, model: store.NewModel()}

	queries, err := query.NewCache(cfg.QueryCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("query cache: %w", err)
	}
	app.queries = queries
	app.met = metrics.New()
	app.met.AttachStore(app.model)

	// The fan-out hook must be in place before the first mutation so no
	// grain ever misses an event.
	fanout := &subscription.Fanout{
		Model:   app.model,
		Queries: queries,
		Log:     log,
		Sink:    app.met.FanoutSink(),
	}
	fanout.Install()

	if err := app.seedSelf(); err != nil {
		return nil, fmt.Errorf("seed node resources: %w", err)
	}

	app.sessions = subscription.NewSessions(app.model, queries, app.nodeID, app.met.FanoutSink(), log)
	app.sender = subscription.NewSender(app.model, app.sessions, app.met.FanoutSink(), log)
	app.sweeper = subscription.NewSweeper(app.model, app.sessions, cfg.EventsExpiryInterval, log)

	app.connEngine = activation.NewEngine(app.model, &activation.ConnectionDomain{
		Defaults:    transportDefaults(cfg.HostAddresses),
		AutoRTPPort: cfg.AutoRTPPort,
	}, log)
	app.mapEngine = activation.NewEngine(app.model, activation.ChannelMapDomain{}, log)

	browser := app.newBrowser()
	if err := app.initAuthorization(browser); err != nil {
		return nil, err
	}
	if err := app.initRegistration(browser); err != nil {
		return nil, err
	}

	app.buildServer(queries)
	return app, nil
}

// seedSelf inserts the node's own discovery resources: the self document
// and one device carrying the control endpoints. Their ids are derived
// from the seed id, so they survive restarts.
func (a *nodeApp) seedSelf() error {
	cfg := a.cfg
	seed, err := uuid.Parse(cfg.SeedID)
	if err != nil {
		return fmt.Errorf("NMOS_SEED_ID: %w", err)
	}
	a.nodeID = uuid.NewSHA1(seed, []byte("/x-nmos/node/self")).String()
	a.deviceID = uuid.NewSHA1(seed, []byte("/x-nmos/node/device/0")).String()

	base := a.baseURL()
	endpoints := make([]any, 0, len(cfg.HostAddresses))
	for _, host := range cfg.HostAddresses {
		endpoints = append(endpoints, map[string]any{
			"host": host, "port": float64(cfg.HTTPPort), "protocol": "http",
		})
	}
	versions := make([]any, 0, len(nmos.DiscoveryVersions))
	for _, v := range apiVersionStrings() {
		versions = append(versions, v)
	}
	node := map[string]any{
		"id":          a.nodeID,
		"version":     "0:0",
		"label":       cfg.Label,
		"description": cfg.Description,
		"tags":        map[string]any{},
		"href":        base + "/",
		"hostname":    cfg.Hostname,
		"caps":        map[string]any{},
		"api":         map[string]any{"versions": versions, "endpoints": endpoints},
		"services":    []any{},
		"clocks":      []any{map[string]any{"name": "clk0", "ref_type": "internal"}},
		"interfaces":  []any{},
	}

	control := func(name, ver, urn string) map[string]any {
		return map[string]any{
			"href": base + "/x-nmos/" + name + "/" + ver + "/",
			"type": urn,
		}
	}
	device := map[string]any{
		"id":          a.deviceID,
		"version":     "0:0",
		"label":       cfg.Label,
		"description": cfg.Description,
		"tags":        map[string]any{},
		"type":        "urn:x-nmos:device:generic",
		"node_id":     a.nodeID,
		"senders":     []any{},
		"receivers":   []any{},
		"controls": []any{
			control("connection", "v1.0", "urn:x-nmos:control:sr-ctrl/v1.0"),
			control("connection", "v1.1", "urn:x-nmos:control:sr-ctrl/v1.1"),
			control("channelmapping", "v1.0", "urn:x-nmos:control:cm-ctrl/v1.0"),
			control("events", "v1.0", "urn:x-nmos:control:events/v1.0"),
		},
	}

	nodeRes, err := nmos.NewResource(nmos.TypeNode, nmos.V1_3, node)
	if err != nil {
		return err
	}
	nodeRes.Health = nmos.HealthForever
	devRes, err := nmos.NewResource(nmos.TypeDevice, nmos.V1_3, device)
	if err != nil {
		return err
	}
	devRes.Health = nmos.HealthForever

	a.model.Lock()
	defer a.model.Unlock()
	if err := a.model.Node.Insert(nodeRes); err != nil {
		return err
	}
	if err := a.model.Node.Insert(devRes); err != nil {
		return err
	}
	a.model.Notify()
	return nil
}

// newBrowser picks the discovery mechanism: a unicast DNS-SD browser when
// a server is configured, otherwise an empty static browser so discovery
// falls through to the configured fallbacks or peer-to-peer operation.
func (a *nodeApp) newBrowser() dnssd.Browser {
	if a.cfg.DNSSDServer != "" {
		return dnssd.NewUnicastBrowser(a.cfg.DNSSDServer, a.cfg.DNSSDDomain, a.cfg.DNSSDTimeout)
	}
	return dnssd.NewStaticBrowser()
}

func (a *nodeApp) initAuthorization(browser dnssd.Browser) error {
	cfg := a.cfg
	if !cfg.ClientAuthorization && !cfg.ServerAuthorization {
		return nil
	}
	a.authState = auth.NewState()
	if cfg.ServerAuthorization {
		a.validator = auth.NewValidator(a.authState, cfg.Hostname)
	}

	key, err := auth.LoadSigningKey(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	a.key = key
	creds, err := auth.OpenCredentials(cfg.StateDir, cfg.SeedID)
	if err != nil {
		return fmt.Errorf("credentials store: %w", err)
	}
	pruner, err := auth.NewPruner(creds, cfg.CredentialsPruneSchedule, a.log)
	if err != nil {
		return fmt.Errorf("credentials pruner: %w", err)
	}
	a.pruner = pruner

	base := a.baseURL()
	ctl, err := auth.NewController(auth.Config{
		Browser:            browser,
		Fallback:           cfg.AuthorizationAddress,
		Selector:           cfg.AuthorizationSelector,
		ClientName:         cfg.Label,
		RedirectURI:        base + cfg.AuthorizationRedirectPath,
		Scopes:             cfg.AuthorizationScopes,
		Flow:               cfg.AuthorizationFlow,
		AuthMethod:         cfg.TokenEndpointAuthMethod,
		JWKSURI:            base + "/x-authorization/jwks",
		InitialAccessToken: cfg.InitialAccessToken,
		OpenBrowser:        logAuthorizationURI(a.log),
		HighestPri:         cfg.HighestPri,
		LowestPri:          cfg.LowestPri,
		BackoffMin:         cfg.DiscoveryBackoffMin,
		BackoffMax:         cfg.DiscoveryBackoffMax,
		BackoffFactor:      cfg.DiscoveryBackoffFactor,
		RequestMax:         cfg.AuthorizationRequestMax,
		CodeFlowMax:        cfg.AuthorizationCodeFlowMax,
		RefreshInterval:    cfg.AccessTokenRefreshInterval,
		KeysIntervalMin:    cfg.FetchAuthorizationKeysIntervalMin,
		KeysIntervalMax:    cfg.FetchAuthorizationKeysIntervalMax,
		Credentials:        creds,
		Key:                key,
		State:              a.authState,
		Sink:               a.met.AuthorizationSink(),
		Log:                a.log,
	})
	if err != nil {
		return fmt.Errorf("authorization controller: %w", err)
	}
	a.authCtl = ctl
	return nil
}

// logAuthorizationURI is the headless stand-in for a user agent: the
// operator completes the authorization-code grant by visiting the logged
// URI.
func logAuthorizationURI(log zerolog.Logger) func(string) error {
	return func(uri string) error {
		log.Info().Str("uri", uri).Msg("authorization request awaiting user agent")
		return nil
	}
}

func (a *nodeApp) initRegistration(browser dnssd.Browser) error {
	cfg := a.cfg
	a.advertiser = dnssd.NewMemoryAdvertiser()
	a.advertName = fmt.Sprintf("nmosnode_%s:%d", cfg.Hostname, cfg.HTTPPort)
	txt := advertTXT(cfg)
	if err := a.advertiser.Register(a.advertName, dnssd.ServiceNode, cfg.HTTPPort, txt); err != nil {
		return fmt.Errorf("advertise node: %w", err)
	}

	regCfg := registration.Config{
		NodeID:            a.nodeID,
		Browser:           browser,
		Advertiser:        a.advertiser,
		AdvertName:        a.advertName,
		AdvertTXT:         txt,
		Version:           cfg.RegistryVersionParsed(),
		Fallback:          registryFallback(cfg),
		HighestPri:        cfg.HighestPri,
		LowestPri:         cfg.LowestPri,
		BackoffMin:        cfg.DiscoveryBackoffMin,
		BackoffMax:        cfg.DiscoveryBackoffMax,
		BackoffFactor:     cfg.DiscoveryBackoffFactor,
		HeartbeatInterval: cfg.RegistrationHeartbeatInterval,
		HeartbeatMax:      cfg.RegistrationHeartbeatMax,
		RequestMax:        cfg.RegistrationRequestMax,
		Sink:              a.met.RegistrationSink(),
		Log:               a.log,
	}
	if a.authState != nil && cfg.ClientAuthorization {
		regCfg.Authorize = a.authState.Authorize
	}
	ctl, err := registration.NewController(a.model, regCfg)
	if err != nil {
		return fmt.Errorf("registration controller: %w", err)
	}
	a.regCtl = ctl
	return nil
}

func (a *nodeApp) buildServer(queries *query.Cache) {
	cfg := a.cfg
	a.srv = api.NewServer(a.listenAddr(), api.Config{
		Model:        a.model,
		Queries:      queries,
		Paging:       query.Limits{Default: cfg.QueryPagingDefault, Max: cfg.QueryPagingLimit},
		Sessions:     a.sessions,
		Stager:       activation.NewStager(a.model, cfg.ImmediateActivationMax),
		MapStager:    activation.NewMapStager(a.model, cfg.ImmediateActivationMax),
		Registration: a.regCtl,
		Validator:    a.validator,
		AuthState:    a.authState,
		Key:          a.key,
		Metrics:      a.met,
		BodyLimit:    int64(cfg.APIMaxBodyBytes),
		CallbackPath: cfg.AuthorizationRedirectPath,
		Log:          a.log,
	})
}

// startBackground launches the long-lived tasks: activation and event
// delivery first, the controllers last so their first requests see a
// fully seeded store.
func (a *nodeApp) startBackground() {
	a.connEngine.Start()
	a.mapEngine.Start()
	a.sender.Start()
	a.sweeper.Start()
	a.log.Info().Msg("activation engines and event delivery started")

	if a.authCtl != nil {
		a.authCtl.Start()
		a.pruner.Start()
		a.log.Info().Msg("authorization controller started")
	}
	a.regCtl.Start()
	a.log.Info().Msg("registration controller started")
}

func (a *nodeApp) startServer() <-chan error {
	serverErrCh := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", a.listenAddr()).Msg("node API listening")
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case serverErrCh <- err:
			default:
			}
		}
	}()
	return serverErrCh
}

func waitForShutdown(log zerolog.Logger, serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		return nil
	case err := <-serverErrCh:
		log.Error().Err(err).Msg("server failed, shutting down")
		return err
	}
}

// shutdown stops the node in dependency order: HTTP intake first, then
// the registry presence while tokens are still fresh, then the background
// tasks, then the store's waiters.
func (a *nodeApp) shutdown(ctx context.Context) {
	if err := a.srv.Shutdown(ctx); err != nil {
		a.log.Warn().Err(err).Msg("server shutdown error")
	}
	a.sessions.Close()
	a.log.Info().Msg("node API stopped")

	a.regCtl.Stop() // deletes the node from its registry on the way out
	if err := a.advertiser.Withdraw(a.advertName, dnssd.ServiceNode); err != nil {
		a.log.Warn().Err(err).Msg("advertisement withdraw failed")
	}
	a.log.Info().Msg("registration controller stopped")

	if a.authCtl != nil {
		a.pruner.Stop()
		a.authCtl.Stop()
		a.log.Info().Msg("authorization controller stopped")
	}

	a.sweeper.Stop()
	a.sender.Stop()
	a.connEngine.Stop()
	a.mapEngine.Stop()

	a.model.Shutdown()
	a.queries.Close()
	a.log.Info().Msg("node stopped")
}

func (a *nodeApp) listenAddr() string {
	return net.JoinHostPort(a.cfg.ListenAddress, strconv.Itoa(a.cfg.HTTPPort))
}

// baseURL is the node's canonical HTTP base, used for href fields and the
// OAuth redirect and JWKS URIs.
func (a *nodeApp) baseURL() string {
	return "http://" + net.JoinHostPort(a.cfg.Hostname, strconv.Itoa(a.cfg.HTTPPort))
}

// apiVersionStrings renders the served discovery versions for the node
// document and TXT records.
func apiVersionStrings() []string {
	out := make([]string, 0, len(nmos.DiscoveryVersions))
	for _, v := range nmos.DiscoveryVersions {
		out = append(out, v.String())
	}
	return out
}

// advertTXT composes the node advertisement's TXT records.
func advertTXT(cfg *config.Config) map[string]string {
	return map[string]string{
		"api_ver":   strings.Join(apiVersionStrings(), ","),
		"api_proto": "http",
		"api_auth":  strconv.FormatBool(cfg.ServerAuthorization),
		"pri":       strconv.Itoa(cfg.AdvertisementPri),
	}
}

// registryFallback renders the statically configured registry, if any.
func registryFallback(cfg *config.Config) string {
	if cfg.RegistryAddress == "" {
		return ""
	}
	return "http://" + net.JoinHostPort(cfg.RegistryAddress, strconv.Itoa(cfg.RegistryPort))
}

// transportDefaults resolves interface-bound "auto" transport parameters.
// Senders transmit from the leg's host address toward a stable derived
// multicast group; receivers listen on the leg's host address and stay
// unicast until a controller supplies a group.
func transportDefaults(hosts []string) activation.TransportDefaults {
	return func(r *nmos.Resource, leg int, name string) (any, bool) {
		switch name {
		case "source_ip", "interface_ip":
			return hosts[leg%len(hosts)], true
		case "destination_ip":
			return derivedMulticastGroup(r.ID, leg), true
		case "multicast_ip":
			return nil, true
		}
		return nil, false
	}
}

// derivedMulticastGroup maps a sender leg onto the administratively scoped
// 239.255.0.0/16 block, stable across restarts.
func derivedMulticastGroup(id string, leg int) string {
	sum := xxh3.HashString(id + "/" + strconv.Itoa(leg))
	hi := byte(sum >> 8)
	lo := byte(sum)
	return fmt.Sprintf("239.255.%d.%d", hi, lo)
}
