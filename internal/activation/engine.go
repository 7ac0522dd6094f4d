package activation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/store"
)

// Domain adapts the engine to one family of staged resources.
type Domain interface {
	// Name labels log lines and metrics.
	Name() string
	// Store selects the resource container the engine sweeps.
	Store(m *store.Model) *store.Resources
	// Types lists the resource types carrying staged activations.
	Types() []nmos.ResourceType
	// Activate merges one staged document into the resource's active
	// state. It runs under the model write lock on a copy of the staged
	// document whose activation object is already final. An error must
	// leave the previous active state and any counterpart resources
	// untouched. The returned document becomes endpoint_active; extra
	// holds further top-level fields to set on the resource, with nil
	// values meaning removal.
	Activate(m *store.Model, r *nmos.Resource, staged map[string]any, now nmos.TAI) (active map[string]any, extra map[string]any, err error)
}

// Engine is the per-domain activation task. It wakes when the domain's
// store advances or the earliest scheduled activation falls due, sweeps the
// staged resources most recently modified first, and applies everything due
// in one write lock hold. A failed activation clears the pending state and
// keeps the previous active document, so a resource can never wedge in
// flight.
type Engine struct {
	model  *store.Model
	domain Domain
	types  map[nmos.ResourceType]bool
	log    zerolog.Logger

	// Now supplies the activation wall clock and is replaceable in tests.
	Now func() nmos.TAI

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewEngine(m *store.Model, domain Domain, log zerolog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	types := map[nmos.ResourceType]bool{}
	for _, t := range domain.Types() {
		types[t] = true
	}
	return &Engine{
		model:  m,
		domain: domain,
		types:  types,
		log:    log.With().Str("component", "activation").Str("domain", domain.Name()).Logger(),
		Now:    nmos.TAINow,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the activation task.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run()
	}()
}

// Stop cancels the engine and waits for it to finish.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Engine) run() {
	for {
		if e.stopped() {
			return
		}
		next, seen, ok := e.sweep()
		if !ok {
			return
		}
		advanced := func() bool {
			return e.domain.Store(e.model).MostRecentUpdate().After(seen)
		}
		if next.IsZero() {
			e.model.Wait(e.ctx, advanced)
			continue
		}
		wait := next.Sub(e.Now())
		if wait <= 0 {
			// Already due; sweep again without sleeping.
			continue
		}
		e.model.WaitFor(e.ctx, wait, advanced)
	}
}

func (e *Engine) stopped() bool {
	if e.ctx.Err() != nil {
		return true
	}
	e.model.RLock()
	defer e.model.RUnlock()
	return e.model.ShuttingDown()
}

// sweep applies every due activation under one write lock hold. It returns
// the earliest scheduled deadline still in the future (zero when none) and
// the store clock after the pass, so the run loop only wakes for staging
// writes it has not inspected yet. ok is false on shutdown.
func (e *Engine) sweep() (next, seen nmos.TAI, ok bool) {
	e.model.Lock()
	defer e.model.Unlock()

	if e.model.ShuttingDown() {
		return nmos.TAI{}, nmos.TAI{}, false
	}

	rs := e.domain.Store(e.model)
	now := e.Now()

	type job struct {
		id string
		t  nmos.ResourceType
	}
	var due []job
	// Most recently modified first, so a burst of staging writes is
	// inspected in the order clients observed it.
	rs.EachByUpdatedDesc(func(r *nmos.Resource) bool {
		if !e.types[r.Type] || r.IsErased() {
			return true
		}
		a := activationOf(stagedEndpoint(r))
		if a.InflightImmediate() {
			due = append(due, job{r.ID, r.Type})
			return true
		}
		ts, armed := a.Due()
		if !armed {
			if a.PendingScheduled() {
				// Unparseable deadline; process clears it
				// rather than spinning on it forever.
				due = append(due, job{r.ID, r.Type})
			}
			return true
		}
		if ts.After(now) {
			if next.IsZero() || ts.Before(next) {
				next = ts
			}
			return true
		}
		due = append(due, job{r.ID, r.Type})
		return true
	})

	succeeded := 0
	for _, j := range due {
		if e.process(rs, j.id, j.t, now) {
			succeeded++
		}
	}
	if succeeded > 0 {
		e.bumpDevices()
	}
	if len(due) > 0 {
		// Failures notify too: the staging side waits on the same
		// condition to learn its immediate activation resolved.
		e.model.Notify()
	}
	return next, rs.MostRecentUpdate(), true
}

// process applies one due activation. The domain works on a copy of the
// staged document, so an error changes nothing except clearing the pending
// activation. Returns true when staged state was promoted.
func (e *Engine) process(rs *store.Resources, id string, t nmos.ResourceType, now nmos.TAI) bool {
	r, found := rs.Find(id, t)
	if !found {
		return false
	}
	a := activationOf(stagedEndpoint(r))

	staged := nmos.CloneData(stagedEndpoint(r))
	final := Activation{Mode: a.Mode, RequestedTime: a.RequestedTime, ActivationTime: now.String()}
	if a.Mode == ModeImmediate {
		// The lock key is internal; the applied activation reports a
		// null requested_time.
		final.RequestedTime = ""
	}
	staged["activation"] = final.object()

	active, extra, err := e.domain.Activate(e.model, r, staged, now)

	// Scheduled activations reset to not-pending either way. A completed
	// immediate activation keeps its activation_time visible so the
	// staging side can read the outcome before resetting it.
	after := Activation{}
	if err == nil && a.Mode == ModeImmediate {
		after = final
	}
	merr := rs.Modify(id, func(res *nmos.Resource) error {
		doc := nmos.CloneData(res.Data)
		stagedDoc, _ := doc["endpoint_staged"].(map[string]any)
		stagedDoc["activation"] = after.object()
		if err == nil {
			doc["endpoint_active"] = active
			for k, v := range extra {
				if v == nil {
					delete(doc, k)
					continue
				}
				doc[k] = v
			}
		}
		res.Data = doc
		return nil
	})
	if merr != nil {
		e.log.Error().Err(merr).Str("id", id).Msg("writing activation outcome")
		return false
	}
	if err != nil {
		e.log.Error().Err(err).Str("id", id).Str("type", string(t)).Str("mode", a.Mode).Msg("activation failed")
		return false
	}
	e.log.Info().Str("id", id).Str("type", string(t)).Str("mode", a.Mode).Msg("activation applied")
	return true
}

// bumpDevices bumps the version of every device so downstream registries
// and query subscribers notice the connection change.
func (e *Engine) bumpDevices() {
	rs := e.model.Node
	var ids []string
	rs.EachOfType(nmos.TypeDevice, func(d *nmos.Resource) bool {
		ids = append(ids, d.ID)
		return true
	})
	for _, id := range ids {
		rs.Modify(id, func(r *nmos.Resource) error {
			r.Data = nmos.CloneData(r.Data)
			return nil
		})
	}
}

// WaitIdle blocks until the resource has no immediate activation in flight,
// the timeout passes, or the model shuts down. It reports whether the
// resource settled. Reads of staged endpoints use it so concurrent
// observers never see the transient in-flight document.
func WaitIdle(ctx context.Context, m *store.Model, rs *store.Resources, t nmos.ResourceType, id string, timeout time.Duration) bool {
	return m.WaitFor(ctx, timeout, func() bool {
		r, found := rs.Find(id, t)
		if !found {
			return true
		}
		return !activationOf(stagedEndpoint(r)).InflightImmediate()
	})
}
