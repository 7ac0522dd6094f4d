package registration

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nmos-go/nmosnode/internal/dnssd"
	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/store"
	"github.com/nmos-go/nmosnode/internal/subscription"
)

// Loop-exit signals for the registration tasks. Errors are caught at the
// task boundary and converted into state transitions; a task never dies
// silently.
var (
	errStopping     = errors.New("stopping")
	errRegistry     = errors.New("registry failed")
	errNodeExpired  = errors.New("node expired from registry")
	errUnregistered = errors.New("node unregistered")
)

// Config carries the controller's wiring and settings.
type Config struct {
	// NodeID is the id of the node resource this controller registers.
	NodeID string

	Browser dnssd.Browser
	// Advertiser and AdvertName identify the node's own advertisement for
	// peer-to-peer TXT updates; leaving either unset disables them.
	Advertiser dnssd.Advertiser
	AdvertName string
	// AdvertTXT is the advertisement's base record set, re-published with
	// ver_* counters added while in peer-to-peer mode.
	AdvertTXT map[string]string

	// Version is the newest registration API version the node speaks.
	Version nmos.APIVersion
	// Fallback is a configured registry base URL tried when discovery
	// returns nothing; empty means none.
	Fallback string

	// HighestPri and LowestPri bound the advertised priorities considered
	// during discovery.
	HighestPri int
	LowestPri  int

	BackoffMin    time.Duration
	BackoffMax    time.Duration
	BackoffFactor float64

	HeartbeatInterval time.Duration
	// HeartbeatMax bounds one heartbeat request, RequestMax every other
	// registry request.
	HeartbeatMax time.Duration
	RequestMax   time.Duration

	// Authorize attaches credentials to outgoing registry requests.
	Authorize func(*http.Request) error

	HTTP *http.Client
	Sink Sink
	Log  zerolog.Logger
}

// candidate is one usable registry from the latest discovery round, kept
// in priority order for failover.
type candidate struct {
	base    string
	version nmos.APIVersion
}

// Controller is the single task that walks the registration state machine.
// It owns a hidden work-queue subscription whose grain mirrors every store
// mutation as a serial event queue; requests for one registry go out
// strictly in that order, one at a time.
type Controller struct {
	cfg   Config
	model *store.Model
	log   zerolog.Logger
	sink  Sink
	http  *http.Client

	subID   string
	grainID string

	mu       sync.Mutex
	state    State
	registry string
	unsynced map[string]struct{}

	// Loop state, only touched by run.
	candidates []candidate
	registered bool
	vers       vers
	delay      time.Duration
	ladder     *backoff.ExponentialBackOff

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewController inserts the work-queue subscription and grain pair and
// returns a controller ready to Start.
func NewController(m *store.Model, cfg Config) (*Controller, error) {
	if cfg.Sink == nil {
		cfg.Sink = nopSink{}
	}
	if cfg.HTTP == nil {
		cfg.HTTP = &http.Client{}
	}

	m.Lock()
	subID, grainID, err := subscription.NewWorkQueue(m, cfg.NodeID)
	if err == nil {
		m.Notify()
	}
	m.Unlock()
	if err != nil {
		return nil, err
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
		cfg:      cfg,
		model:    m,
		log:      cfg.Log.With().Str("component", "registration").Logger(),
		sink:     cfg.Sink,
		http:     cfg.HTTP,
		subID:    subID,
		grainID:  grainID,
		state:    StateInitialDiscovery,
		unsynced: map[string]struct{}{},
		vers:     newVers(),
		ladder:   ladder,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the controller task.
func (c *Controller) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run()
	}()
}

// Stop cancels the controller and waits for it to finish. A node still
// registered is deleted from its registry on the way out, bounded by the
// request timeout.
func (c *Controller) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Status reports the controller's current state for introspection.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{State: c.state, Registry: c.registry, Unsynced: sortedPaths(c.unsynced)}
}

func (c *Controller) run() {
	state := StateInitialDiscovery
	for state != StateShutdown {
		c.setState(state)
		switch state {
		case StateInitialDiscovery, StateRediscovery:
			state = c.discover()
		case StateInitialRegistration:
			state = c.register()
		case StateRegisteredOperation:
			state = c.operate()
		case StatePeerToPeer:
			state = c.peerToPeer()
		}
	}
	c.setState(StateShutdown)
	c.unregister()
}

// discover sleeps the jittered backoff, browses for registration services
// and builds the priority-ordered failover list. Rediscovery after
// heartbeat trouble resumes registered operation; anything else starts
// registration from scratch.
func (c *Controller) discover() State {
	if c.delay > 0 {
		jitter := time.Duration(rand.Int64N(int64(c.delay)))
		c.model.WaitFor(c.ctx, jitter, func() bool { return c.model.ShuttingDown() })
	}
	if c.stopping() {
		return StateShutdown
	}

	services, err := c.cfg.Browser.Browse(c.ctx, dnssd.ServiceRegistration)
	if err != nil {
		c.log.Warn().Err(err).Msg("registration browse failed")
	}
	c.candidates = c.filter(services)
	if len(c.candidates) == 0 && c.cfg.Fallback != "" {
		c.candidates = []candidate{{base: c.cfg.Fallback, version: c.cfg.Version}}
	}
	if len(c.candidates) == 0 {
		return StatePeerToPeer
	}

	c.delay = c.ladder.NextBackOff()
	if c.registered {
		return StateRegisteredOperation
	}
	return StateInitialRegistration
}

// register pushes the node resource to the current registry. The work
// queue is re-primed first, so once the node is accepted every other
// resource replays behind it in creation order.
func (c *Controller) register() State {
	for {
		if c.stopping() {
			return StateShutdown
		}
		client := c.client()
		if client == nil {
			return StateRediscovery
		}
		// Nothing can be pushed until the node resource exists.
		if !c.model.Wait(c.ctx, c.nodePresent) {
			return StateShutdown
		}
		if err := c.prime(); err != nil {
			c.log.Error().Err(err).Msg("work queue prime failed")
			return StateRediscovery
		}
		e, ok := c.popEvent()
		if !ok {
			continue // node erased between the wait and the prime
		}
		if t, id, err := splitEventPath(e.Path); err != nil || t != nmos.TypeNode || id != c.cfg.NodeID {
			continue
		}
		switch err := c.registerNode(client, e); {
		case err == nil:
			c.registered = true
			return StateRegisteredOperation
		case errors.Is(err, errStopping):
			return StateShutdown
		default:
			c.log.Warn().Err(err).Str("registry", client.Base()).Msg("node registration failed")
			c.dropRegistry()
		}
	}
}

// registerNode POSTs the node resource. A 200 means the registry holds
// stale state from a previous lifetime: clear it and re-register so the
// registry garbage-collects the old sub-resources. Rejections of the node
// count as registry failures because no further progress is possible.
func (c *Controller) registerNode(client *Client, e subscription.Event) error {
	data := c.snapshot(client.Version(), nmos.TypeNode, e)
	created, err := c.post(client, nmos.TypeNode, data)
	if err != nil {
		return err
	}
	if !created {
		c.log.Info().Msg("registry held stale node state, re-registering")
		if _, err := c.del(client, nmos.TypeNode, c.cfg.NodeID); err != nil {
			return err
		}
		if _, err := c.post(client, nmos.TypeNode, data); err != nil {
			return err
		}
	}
	return nil
}

// operate runs heartbeats and the event pump against the current registry
// until one of them demands a transition.
func (c *Controller) operate() State {
	for {
		if c.stopping() {
			return StateShutdown
		}
		client := c.client()
		if client == nil {
			return StateRediscovery
		}
		err := c.pumpAndBeat(client)
		switch {
		case errors.Is(err, errUnregistered):
			c.registered = false
			return StateShutdown
		case errors.Is(err, errNodeExpired):
			c.registered = false
			return StateInitialRegistration
		case errors.Is(err, errStopping) || c.stopping():
			return StateShutdown
		default:
			c.log.Warn().Err(err).Str("registry", client.Base()).Msg("registry failed")
			c.dropRegistry()
		}
	}
}

// pumpAndBeat runs the two registered-operation tasks; the first to return
// an error cancels the other and decides the transition.
func (c *Controller) pumpAndBeat(client *Client) error {
	g, ctx := errgroup.WithContext(c.ctx)
	g.Go(func() error { return c.heartbeats(ctx, client) })
	g.Go(func() error { return c.pump(ctx, client) })
	return g.Wait()
}

// heartbeats POSTs the node's health on the configured cadence, measured
// on the monotonic clock. The first beat goes out immediately, so a stale
// registration is noticed before a full interval elapses.
func (c *Controller) heartbeats(ctx context.Context, client *Client) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		hctx, cancel := context.WithTimeout(ctx, c.cfg.HeartbeatMax)
		found, err := client.Heartbeat(hctx, c.cfg.NodeID)
		cancel()
		if err != nil {
			c.sink.HeartbeatSent(false)
			return fmt.Errorf("%w: %v", errRegistry, err)
		}
		if !found {
			c.sink.HeartbeatSent(false)
			c.log.Info().Msg("registry expired the node, re-registering")
			return errNodeExpired
		}
		c.sink.HeartbeatSent(true)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// pump serialises queued events into registry requests, one at a time in
// store insertion order. The head event is only consumed once the registry
// has answered, so a failed request is retried against the next registry.
func (c *Controller) pump(ctx context.Context, client *Client) error {
	for {
		e, ok := c.peekEvent()
		if !ok {
			if !c.model.Wait(ctx, c.pending) {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errStopping
			}
			continue
		}
		err := c.submit(ctx, client, e)
		if err == nil || errors.Is(err, errUnregistered) {
			c.dropHead()
		}
		if err != nil {
			return err
		}
	}
}

// submit translates one queued event into a registry request. Rejections
// are dropped and recorded; transport trouble and 5xx rotate the registry.
func (c *Controller) submit(ctx context.Context, client *Client, e subscription.Event) error {
	t, id, err := splitEventPath(e.Path)
	if err != nil {
		c.log.Warn().Err(err).Msg("discarding unroutable event")
		return nil
	}
	if e.Type == subscription.EventRemoved {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestMax)
		_, err = client.DeleteResource(rctx, t, id)
		cancel()
	} else {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestMax)
		_, err = client.RegisterResource(rctx, t, c.snapshot(client.Version(), t, e))
		cancel()
	}
	if err != nil {
		if rejected(err) {
			c.log.Error().Err(err).Str("path", e.Path).Msg("registry refused resource")
			c.markUnsynced(e.Path)
			c.sink.ResourceDropped()
			return nil
		}
		return fmt.Errorf("%w: %v", errRegistry, err)
	}
	c.clearUnsynced(e.Path)
	c.sink.ResourceSynced()
	if e.Type == subscription.EventRemoved && t == nmos.TypeNode && id == c.cfg.NodeID {
		c.log.Info().Msg("node deleted from registry")
		return errUnregistered
	}
	return nil
}

// peerToPeer advertises ver_* counters on the node's own advertisement and
// keeps looking for a registry in the background. Queued events still
// drain, bumping the counter of the mutated type.
func (c *Controller) peerToPeer() State {
	c.registered = false
	c.advertise(true)
	defer c.advertise(false)

	deadline := time.Now().Add(c.cfg.BackoffMax)
	for {
		if c.stopping() {
			return StateShutdown
		}
		changed := false
		for {
			e, ok := c.popEvent()
			if !ok {
				break
			}
			if t, _, err := splitEventPath(e.Path); err == nil && c.vers.bump(t) {
				changed = true
			}
		}
		if changed {
			c.advertise(true)
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			services, err := c.cfg.Browser.Browse(c.ctx, dnssd.ServiceRegistration)
			if err != nil {
				c.log.Debug().Err(err).Msg("background browse failed")
			}
			if cands := c.filter(services); len(cands) > 0 {
				c.candidates = cands
				c.delay = c.ladder.NextBackOff()
				return StateInitialRegistration
			}
			deadline = time.Now().Add(c.cfg.BackoffMax)
			continue
		}
		c.model.WaitFor(c.ctx, wait, c.pending)
	}
}

// unregister deletes the node from its registry on the way out, so a
// controlled shutdown looks to the registry like an explicit departure.
func (c *Controller) unregister() {
	if !c.registered || len(c.candidates) == 0 {
		return
	}
	head := c.candidates[0]
	client := NewClient(head.base, head.version, c.http, c.cfg.Authorize)
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestMax)
	defer cancel()
	if _, err := client.DeleteResource(ctx, nmos.TypeNode, c.cfg.NodeID); err != nil {
		c.log.Warn().Err(err).Msg("unregister failed")
		return
	}
	c.log.Info().Msg("unregistered from registry")
}

// filter orders browsed services by priority and keeps those within the
// configured priority window that advertise a version we speak.
func (c *Controller) filter(services []dnssd.Service) []candidate {
	dnssd.ByPriority(services)
	var out []candidate
	for _, s := range services {
		pri := s.Pri()
		if pri < c.cfg.HighestPri || pri > c.cfg.LowestPri {
			continue
		}
		ver, ok := negotiateVersion(s.TXT["api_ver"], c.cfg.Version)
		if !ok {
			c.log.Debug().Str("instance", s.Name).Str("api_ver", s.TXT["api_ver"]).Msg("no usable registration version")
			continue
		}
		out = append(out, candidate{base: s.URL(), version: ver})
	}
	return out
}

// negotiateVersion picks the highest version the registry advertises that
// the node also speaks. An absent api_ver record is taken as the node's
// own version.
func negotiateVersion(txt string, want nmos.APIVersion) (nmos.APIVersion, bool) {
	if txt == "" {
		return want, true
	}
	vs, err := nmos.ParseVersionList(txt)
	if err != nil {
		return nmos.APIVersion{}, false
	}
	var best nmos.APIVersion
	for _, v := range vs {
		if v.Major != want.Major || v.Cmp(want) > 0 {
			continue
		}
		if best.IsZero() || v.Cmp(best) > 0 {
			best = v
		}
	}
	return best, !best.IsZero()
}

// client builds a client for the head of the failover list.
func (c *Controller) client() *Client {
	if len(c.candidates) == 0 {
		return nil
	}
	head := c.candidates[0]
	client := NewClient(head.base, head.version, c.http, c.cfg.Authorize)
	c.setRegistry(client.Base())
	return client
}

// dropRegistry removes the failed head of the failover list; the caller
// carries on with the next candidate or rediscovers when none remain.
func (c *Controller) dropRegistry() {
	if len(c.candidates) > 0 {
		c.candidates = c.candidates[1:]
	}
	c.setRegistry("")
}

// prime replaces the work queue with the full store in creation order and
// forgets previously refused resources: everything replays.
func (c *Controller) prime() error {
	c.model.Lock()
	err := subscription.PrimeRegistry(c.model.Node, c.grainID)
	if err == nil {
		c.model.Notify()
	}
	c.model.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.unsynced = map[string]struct{}{}
	c.mu.Unlock()
	return nil
}

// snapshot shapes an event's payload for the registry's version. The live
// resource supplies the document's native version; an already-erased one
// falls back to the node's own version, which at worst keeps fields the
// registry ignores.
func (c *Controller) snapshot(target nmos.APIVersion, t nmos.ResourceType, e subscription.Event) map[string]any {
	version := c.cfg.Version
	c.model.RLock()
	if r, ok := c.model.Node.Find(nmos.DataID(e.Post), t); ok && !r.IsErased() {
		version = r.Version
	}
	c.model.RUnlock()
	return nmos.DowngradeData(nmos.Resource{Type: t, Version: version, Data: e.Post}, target)
}

// advertise republishes the node advertisement's TXT records with the
// version counters present or withdrawn.
func (c *Controller) advertise(p2p bool) {
	if c.cfg.Advertiser == nil || c.cfg.AdvertName == "" {
		return
	}
	txt := c.cfg.AdvertTXT
	if p2p {
		txt = c.vers.txt(txt)
	}
	if err := c.cfg.Advertiser.Update(c.cfg.AdvertName, dnssd.ServiceNode, txt); err != nil {
		c.log.Warn().Err(err).Msg("advertisement update failed")
	}
}

func (c *Controller) post(client *Client, t nmos.ResourceType, data map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestMax)
	defer cancel()
	return client.RegisterResource(ctx, t, data)
}

func (c *Controller) del(client *Client, t nmos.ResourceType, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestMax)
	defer cancel()
	return client.DeleteResource(ctx, t, id)
}

// popEvent removes and returns the queue head.
func (c *Controller) popEvent() (subscription.Event, bool) {
	c.model.Lock()
	defer c.model.Unlock()
	e, ok, err := subscription.PopEvent(c.model.Node, c.grainID)
	if err != nil {
		c.log.Error().Err(err).Msg("event pop failed")
		return subscription.Event{}, false
	}
	if ok {
		c.model.Notify()
	}
	return e, ok
}

// peekEvent returns the queue head without consuming it.
func (c *Controller) peekEvent() (subscription.Event, bool) {
	c.model.RLock()
	defer c.model.RUnlock()
	g, ok := c.model.Node.Find(c.grainID, nmos.TypeGrain)
	if !ok {
		return subscription.Event{}, false
	}
	events := subscription.PendingEvents(g)
	if len(events) == 0 {
		return subscription.Event{}, false
	}
	return events[0], true
}

// dropHead consumes the queue head after its request has been answered.
func (c *Controller) dropHead() {
	c.model.Lock()
	defer c.model.Unlock()
	if _, _, err := subscription.PopEvent(c.model.Node, c.grainID); err != nil {
		c.log.Error().Err(err).Msg("event pop failed")
		return
	}
	c.model.Notify()
}

// pending reports queued events; runs under the model lock.
func (c *Controller) pending() bool {
	g, ok := c.model.Node.Find(c.grainID, nmos.TypeGrain)
	if !ok {
		return false
	}
	return len(subscription.PendingEvents(g)) > 0
}

// nodePresent reports whether the node resource is live; runs under the
// model lock.
func (c *Controller) nodePresent() bool {
	r, ok := c.model.Node.Find(c.cfg.NodeID, nmos.TypeNode)
	return ok && !r.IsErased()
}

// stopping reports whether the controller should wind down.
func (c *Controller) stopping() bool {
	if c.ctx.Err() != nil {
		return true
	}
	c.model.RLock()
	defer c.model.RUnlock()
	return c.model.ShuttingDown()
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	if prev != s {
		c.log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("state changed")
		c.sink.StateChanged(s)
	}
}

func (c *Controller) setRegistry(base string) {
	c.mu.Lock()
	c.registry = base
	c.mu.Unlock()
}

func (c *Controller) markUnsynced(path string) {
	c.mu.Lock()
	c.unsynced[path] = struct{}{}
	c.mu.Unlock()
}

func (c *Controller) clearUnsynced(path string) {
	c.mu.Lock()
	delete(c.unsynced, path)
	c.mu.Unlock()
}
