// Package api serves the node's HTTP surface: the IS-04 Node and Query
// APIs, the IS-05 Connection API, the IS-08 Channel Mapping API, a
// read-only IS-07 sources view, the authorization callback endpoints and
// the operational routes. Handlers parse and render; the rules live in
// the domain packages, so most handlers are a lookup plus an error map.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/nmos-go/nmosnode/internal/activation"
	"github.com/nmos-go/nmosnode/internal/auth"
	"github.com/nmos-go/nmosnode/internal/metrics"
	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/query"
	"github.com/nmos-go/nmosnode/internal/registration"
	"github.com/nmos-go/nmosnode/internal/store"
	"github.com/nmos-go/nmosnode/internal/subscription"
)

// Versions served per API. Node and Query track the discovery versions;
// Connection stopped at v1.1 and Channel Mapping and Events at v1.0.
var (
	nodeVersions       = nmos.DiscoveryVersions
	queryVersions      = nmos.DiscoveryVersions
	connectionVersions = []nmos.APIVersion{nmos.V1_0, nmos.V1_1}
	channelmapVersions = []nmos.APIVersion{nmos.V1_0}
	eventsVersions     = []nmos.APIVersion{nmos.V1_0}
)

// Config wires the served APIs to their domain components. Optional
// fields may stay nil: a nil Validator serves every API unsecured, a nil
// Registration hides the registration status route, a nil Metrics
// disables instrumentation and /metrics, and a nil AuthState or Key
// answers 404 on the authorization endpoints.
type Config struct {
	Model     *store.Model
	Queries   *query.Cache
	Paging    query.Limits
	Sessions  *subscription.Sessions
	Stager    *activation.Stager
	MapStager *activation.MapStager

	Registration *registration.Controller

	Validator *auth.Validator
	AuthState *auth.State
	Key       *auth.SigningKey

	Metrics *metrics.Metrics

	// BodyLimit caps request bodies in bytes; zero means no cap.
	BodyLimit int64

	// CallbackPath overrides the authorization redirect path; empty
	// means /x-authorization/callback.
	CallbackPath string

	Log zerolog.Logger
}

// Server is the node's HTTP front end.
type Server struct {
	httpServer *http.Server
	router     chi.Router
}

// NewServer builds the full route tree and binds it to addr.
func NewServer(addr string, cfg Config) *Server {
	router := newRouter(cfg)
	return &Server{
		httpServer: &http.Server{Addr: addr, Handler: router},
		router:     router,
	}
}

func (s *Server) ListenAndServe() error              { return s.httpServer.ListenAndServe() }
func (s *Server) Shutdown(ctx context.Context) error { return s.httpServer.Shutdown(ctx) }

// Handler exposes the router for tests and extra listeners.
func (s *Server) Handler() http.Handler { return s.router }

func notFound(w http.ResponseWriter, _ *http.Request) {
	WriteError(w, http.StatusNotFound, "resource not found")
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func newRouter(cfg Config) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.StripSlashes)
	r.Use(CORS)
	r.NotFound(notFound)
	r.MethodNotAllowed(methodNotAllowed)

	r.Get("/", HandleIndex([]string{"x-nmos/"}))
	r.Get("/x-nmos", HandleIndex([]string{"channelmapping/", "connection/", "events/", "node/", "query/"}))
	r.Get("/healthz", HandleHealthz(cfg))
	if cfg.Registration != nil {
		r.Get("/x-nmos/registration-status", HandleRegistrationStatus(cfg))
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}
	callback := cfg.CallbackPath
	if callback == "" {
		callback = "/x-authorization/callback"
	}
	r.Get(callback, HandleAuthCallback(cfg))
	r.Get("/x-authorization/jwks", HandleJWKS(cfg))

	// Every API mounts the same way: a version index at its root, the
	// operations below /{version}, the whole subtree behind the body
	// cap and bearer validation, instrumented under the API's name.
	mount := func(path, name string, versions []nmos.APIVersion, routes func(chi.Router)) {
		sub := chi.NewRouter()
		// The middleware wrapping hides sub from chi, so the JSON
		// fallbacks do not inherit and are set again here.
		sub.NotFound(notFound)
		sub.MethodNotAllowed(methodNotAllowed)
		sub.Get("/", HandleIndex(versionIndex(versions)))
		sub.Route("/{version}", routes)
		var h http.Handler = sub
		h = RequestBodyLimit(cfg.BodyLimit, h)
		h = RequireAuth(cfg.Validator, name, cfg.Metrics, h)
		r.Mount(path, instrument(cfg, name, h))
	}

	mount("/x-nmos/node", "node", nodeVersions, func(r chi.Router) {
		r.Get("/", HandleIndex([]string{"devices/", "flows/", "receivers/", "self/", "senders/", "sources/"}))
		r.Get("/self", HandleNodeSelf(cfg))
		for _, t := range []nmos.ResourceType{nmos.TypeDevice, nmos.TypeSource, nmos.TypeFlow, nmos.TypeSender, nmos.TypeReceiver} {
			r.Get("/"+t.Topic(), HandleNodeCollection(cfg, t))
			r.Get("/"+t.Topic()+"/{id}", HandleNodeResource(cfg, t))
		}
		r.Put("/receivers/{id}/target", HandleReceiverTarget(cfg))
	})

	mount("/x-nmos/query", "query", queryVersions, func(r chi.Router) {
		r.Get("/", HandleIndex([]string{"devices/", "flows/", "nodes/", "receivers/", "senders/", "sources/", "subscriptions/"}))
		queried := append([]nmos.ResourceType{nmos.TypeSubscription}, nmos.RegistryTypes...)
		for _, t := range queried {
			r.Get("/"+t.Topic(), HandleQueryCollection(cfg, t))
			r.Get("/"+t.Topic()+"/{id}", HandleQueryResource(cfg, t))
		}
		r.Post("/subscriptions", HandleCreateSubscription(cfg))
		r.Delete("/subscriptions/{id}", HandleDeleteSubscription(cfg))
		r.Get("/subscriptions/{id}/ws", HandleSubscriptionWS(cfg))
	})

	mount("/x-nmos/connection", "connection", connectionVersions, func(r chi.Router) {
		r.Get("/", HandleIndex([]string{"bulk/", "single/"}))
		r.Get("/bulk", HandleIndex([]string{"receivers/", "senders/"}))
		r.Post("/bulk/senders", HandleBulkStaged(cfg, nmos.TypeConnectionSender))
		r.Post("/bulk/receivers", HandleBulkStaged(cfg, nmos.TypeConnectionReceiver))
		r.Get("/single", HandleIndex([]string{"receivers/", "senders/"}))
		for _, t := range []nmos.ResourceType{nmos.TypeConnectionSender, nmos.TypeConnectionReceiver} {
			base := "/single/" + t.Topic()
			r.Get(base, HandleConnectionList(cfg, t))
			r.Get(base+"/{id}", HandleConnectionResourceIndex(cfg, t))
			r.Get(base+"/{id}/constraints", HandleConnectionConstraints(cfg, t))
			r.Get(base+"/{id}/staged", HandleStagedView(cfg, t))
			r.Patch(base+"/{id}/staged", HandlePatchStaged(cfg, t))
			r.Get(base+"/{id}/active", HandleConnectionActive(cfg, t))
			r.Get(base+"/{id}/transporttype", HandleTransportType(cfg, t))
		}
		r.Get("/single/senders/{id}/transportfile", HandleTransportFile(cfg))
	})

	mount("/x-nmos/channelmapping", "channelmapping", channelmapVersions, func(r chi.Router) {
		r.Get("/", HandleIndex([]string{"inputs/", "io/", "map/", "outputs/"}))
		r.Get("/io", HandleChannelMapIO(cfg))
		r.Get("/inputs", HandleChannelMapList(cfg, nmos.TypeChannelMappingInput))
		r.Get("/inputs/{id}", HandleChannelMapEntry(cfg, nmos.TypeChannelMappingInput))
		r.Get("/outputs", HandleChannelMapList(cfg, nmos.TypeChannelMappingOutput))
		r.Get("/outputs/{id}", HandleChannelMapEntry(cfg, nmos.TypeChannelMappingOutput))
		r.Get("/map", HandleIndex([]string{"active/", "activations/"}))
		r.Get("/map/active", HandleMapActive(cfg))
		r.Get("/map/activations", HandleMapActivations(cfg))
		r.Post("/map/activations", HandlePostMapActivation(cfg))
		r.Get("/map/activations/{id}", HandleMapActivation(cfg))
		r.Delete("/map/activations/{id}", HandleDeleteMapActivation(cfg))
	})

	mount("/x-nmos/events", "events", eventsVersions, func(r chi.Router) {
		r.Get("/", HandleIndex([]string{"sources/"}))
		r.Get("/sources", HandleEventSources(cfg))
		r.Get("/sources/{id}", HandleEventSourceIndex(cfg))
		r.Get("/sources/{id}/state", HandleEventSourceField(cfg, "state"))
		r.Get("/sources/{id}/type", HandleEventSourceField(cfg, "type"))
	})

	return r
}
