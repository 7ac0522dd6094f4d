// Package metrics exposes the node's operational counters in the
// Prometheus exposition format. A Metrics value owns a private registry;
// the controllers feed it through the sink adapters in sinks.go, the API
// layer through ObserveRequest and TokenValidated, and the store through
// a collector that counts live resources on every scrape.
package metrics

import (
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nmos-go/nmosnode/internal/auth"
	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/store"
)

// Metrics instruments the node. Collectors live in a private registry so
// the exposition endpoint never picks up stray globals from other code.
type Metrics struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	regState      *prometheus.GaugeVec
	heartbeats    *prometheus.CounterVec
	resourceSyncs prometheus.Counter
	resourceDrops prometheus.Counter

	authPhase   *prometheus.GaugeVec
	refreshes   *prometheus.CounterVec
	keyFetches  *prometheus.CounterVec
	validations *prometheus.CounterVec

	wsSessions prometheus.Gauge
	wsQueued   prometheus.Counter
	wsDropped  prometheus.Counter
	wsSent     prometheus.Counter

	mu   sync.Mutex
	enum map[*prometheus.GaugeVec]string
}

// New builds a Metrics with every collector registered, including the
// standard Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		reg:  prometheus.NewRegistry(),
		enum: map[*prometheus.GaugeVec]string{},
	}

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nmos_http_requests_total",
		Help: "API requests handled, by API, method and status code.",
	}, []string{"api", "method", "code"})
	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nmos_http_request_duration_seconds",
		Help:    "API request latency in seconds, by API.",
		Buckets: prometheus.DefBuckets,
	}, []string{"api"})

	m.regState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nmos_registration_state",
		Help: "Registration state machine position, 1 on the current state.",
	}, []string{"state"})
	m.heartbeats = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nmos_registration_heartbeats_total",
		Help: "Registry heartbeats, by outcome.",
	}, []string{"outcome"})
	m.resourceSyncs = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nmos_registration_resources_synced_total",
		Help: "Resource documents pushed to the registry.",
	})
	m.resourceDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nmos_registration_resources_refused_total",
		Help: "Resource pushes the registry refused.",
	})

	m.authPhase = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "nmos_authorization_phase",
		Help: "Authorization state machine position, 1 on the current phase.",
	}, []string{"phase"})
	m.refreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nmos_authorization_token_refreshes_total",
		Help: "Bearer token fetches and refreshes, by outcome.",
	}, []string{"outcome"})
	m.keyFetches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nmos_authorization_jwks_fetches_total",
		Help: "Authorization server key set fetches, by outcome.",
	}, []string{"outcome"})
	m.validations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nmos_authorization_token_validations_total",
		Help: "Incoming bearer token checks, by outcome.",
	}, []string{"outcome"})

	m.wsSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nmos_query_ws_sessions",
		Help: "Open query websocket sessions.",
	})
	m.wsQueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nmos_query_ws_events_queued_total",
		Help: "Grain events queued for delivery.",
	})
	m.wsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nmos_query_ws_events_dropped_total",
		Help: "Grain events dropped on session queue overflow.",
	})
	m.wsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nmos_query_ws_events_sent_total",
		Help: "Grain events delivered to websocket sessions.",
	})

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.regState, m.heartbeats, m.resourceSyncs, m.resourceDrops,
		m.authPhase, m.refreshes, m.keyFetches, m.validations,
		m.wsSessions, m.wsQueued, m.wsDropped, m.wsSent,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// ObserveRequest records one handled API request. The api label is the
// surface name ("node", "query", ...) rather than the full path, which
// keeps cardinality bounded.
func (m *Metrics) ObserveRequest(api, method string, code int, seconds float64) {
	m.httpRequests.WithLabelValues(api, method, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(api).Observe(seconds)
}

// TokenValidated records the outcome of one incoming bearer check.
func (m *Metrics) TokenValidated(r auth.Result) {
	m.validations.WithLabelValues(string(r)).Inc()
}

// setEnum keeps a label-per-value gauge one-hot: the previous value drops
// to 0 when the new one is raised.
func (m *Metrics) setEnum(g *prometheus.GaugeVec, v string) {
	m.mu.Lock()
	if prev, ok := m.enum[g]; ok && prev != v {
		g.WithLabelValues(prev).Set(0)
	}
	m.enum[g] = v
	m.mu.Unlock()
	g.WithLabelValues(v).Set(1)
}

// AttachStore registers a collector that reports live resource counts per
// container and type straight from the model on every scrape.
func (m *Metrics) AttachStore(model *store.Model) {
	m.reg.MustRegister(&storeCollector{
		desc: prometheus.NewDesc(
			"nmos_store_resources",
			"Live resources held by the node, by store and type.",
			[]string{"store", "type"}, nil,
		),
		model: model,
	})
}

type storeCollector struct {
	model *store.Model
	desc  *prometheus.Desc
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	containers := []struct {
		name string
		rs   *store.Resources
	}{
		{"node", c.model.Node},
		{"connection", c.model.Connection},
		{"channelmapping", c.model.ChannelMapping},
		{"events", c.model.Events},
	}
	type key struct {
		store string
		typ   nmos.ResourceType
	}
	counts := map[key]int{}
	c.model.RLock()
	for _, cont := range containers {
		cont.rs.EachByCreated(func(r *nmos.Resource) bool {
			if !r.IsErased() {
				counts[key{cont.name, r.Type}]++
			}
			return true
		})
	}
	c.model.RUnlock()
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), k.store, string(k.typ))
	}
}
