package subscription

import (
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/query"
	"github.com/nmos-go/nmosnode/internal/store"
)

// Sink receives counters from the fan-out and delivery path. The metrics
// package implements it; nopSink is used when none is wired.
type Sink interface {
	EventQueued()
	EventDropped()
	EventsSent(n int)
	SessionOpened()
	SessionClosed()
}

type nopSink struct{}

func (nopSink) EventQueued()   {}
func (nopSink) EventDropped()  {}
func (nopSink) EventsSent(int) {}
func (nopSink) SessionOpened() {}
func (nopSink) SessionClosed() {}

// Fanout turns node store mutations into pending grain events. It installs
// a commit hook, so appends happen inside the same critical section as the
// mutation and every grain sees events in store clock order.
type Fanout struct {
	Model   *store.Model
	Queries *query.Cache
	Log     zerolog.Logger

	// MaxPending bounds each WebSocket grain's queue; zero means
	// DefaultMaxPendingEvents. Work-queue grains are unbounded because
	// their consumer drains in lockstep.
	MaxPending int
	Sink       Sink
}

// Install registers the fan-out hook on the node store.
func (f *Fanout) Install() {
	if f.Sink == nil {
		f.Sink = nopSink{}
	}
	f.Model.Node.OnCommit(f.onCommit)
}

func (f *Fanout) onCommit(pre, post *nmos.Resource) {
	r := post
	if r == nil {
		r = pre
	}
	// Subscription and grain mutations never fan out; that includes the
	// grain appends made below.
	if r == nil || r.Type == nmos.TypeSubscription || r.Type == nmos.TypeGrain {
		return
	}
	if pre != nil && pre.Data == nil {
		pre = nil
	}
	if post != nil && post.Data == nil {
		post = nil
	}
	if pre == nil && post == nil {
		return
	}

	maxPending := f.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPendingEvents
	}
	f.Model.Node.EachOfType(nmos.TypeSubscription, func(sub *nmos.Resource) bool {
		e, ok := f.eventFor(sub, r.Type, r.ID, pre, post)
		if !ok {
			return true
		}
		queueCap := maxPending
		if sub.Version.IsZero() {
			queueCap = 0
		}
		for grainID := range sub.SubResources {
			err := f.Model.Node.Modify(grainID, func(g *nmos.Resource) error {
				if appendEvent(g, e, queueCap) {
					f.Sink.EventQueued()
				} else {
					f.Sink.EventDropped()
				}
				return nil
			})
			if err != nil {
				f.Log.Warn().Err(err).Str("grain", grainID).Msg("event append failed")
			}
		}
		return true
	})
}

// eventFor computes one subscription's view of a mutation: which of the pre
// and post snapshots it may see, shaped for its API version. ok is false
// when neither side is visible.
func (f *Fanout) eventFor(sub *nmos.Resource, t nmos.ResourceType, id string, pre, post *nmos.Resource) (Event, bool) {
	e := Event{Path: EventPath(t, id)}

	// A zero-version subscription is an internal work queue: it sees every
	// registry-facing mutation with full payloads, no filter, no downgrade.
	if sub.Version.IsZero() {
		if !isRegistryType(t) {
			return Event{}, false
		}
		if pre != nil {
			e.Pre = pre.Data
		}
		if post != nil {
			e.Post = post.Data
		}
		return e, true
	}

	q, err := subscriptionQuery(sub, f.Queries)
	if err != nil {
		// Create validates params, so this is a persisted document from a
		// build that accepted more than we do now.
		f.Log.Debug().Err(err).Str("subscription", sub.ID).Msg("unusable subscription filter")
		return Event{}, false
	}
	if pre != nil {
		if d := nmos.DowngradeData(*pre, sub.Version); q.MatchSnapshot(t, pre.Version, d) {
			e.Pre = d
		}
	}
	if post != nil {
		if d := nmos.DowngradeData(*post, sub.Version); q.MatchSnapshot(t, post.Version, d) {
			e.Post = d
		}
	}
	if e.Pre == nil && e.Post == nil {
		return Event{}, false
	}
	return e, true
}

func isRegistryType(t nmos.ResourceType) bool {
	for _, rt := range nmos.RegistryTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// PrimeSync replaces a grain's queue with initial-sync events: one
// unchanged event per resource currently visible to the subscription, in
// creation order so parents precede children. Callers hold the model write
// lock.
func PrimeSync(rs *store.Resources, sub *nmos.Resource, grainID string, cache *query.Cache) error {
	q, err := subscriptionQuery(sub, cache)
	if err != nil {
		return err
	}
	var events []Event
	rs.EachByCreated(func(r *nmos.Resource) bool {
		if r.IsErased() || r.Type == nmos.TypeSubscription || r.Type == nmos.TypeGrain {
			return true
		}
		d := nmos.DowngradeData(*r, sub.Version)
		if !q.MatchSnapshot(r.Type, r.Version, d) {
			return true
		}
		events = append(events, Event{Path: EventPath(r.Type, r.ID), Pre: d, Post: d})
		return true
	})
	return replaceEvents(rs, grainID, events)
}

// PrimeRegistry replaces a work-queue grain's queue with unchanged events
// for every live registry-facing resource in creation order, discarding
// whatever was pending. Used when registration starts over against a fresh
// registry. Callers hold the model write lock.
func PrimeRegistry(rs *store.Resources, grainID string) error {
	var events []Event
	rs.EachByCreated(func(r *nmos.Resource) bool {
		if r.IsErased() || !isRegistryType(r.Type) {
			return true
		}
		events = append(events, Event{Path: EventPath(r.Type, r.ID), Pre: r.Data, Post: r.Data})
		return true
	})
	return replaceEvents(rs, grainID, events)
}

func replaceEvents(rs *store.Resources, grainID string, events []Event) error {
	return rs.Modify(grainID, func(g *nmos.Resource) error {
		doc, _, grain := cloneSpine(g.Data)
		list := make([]any, 0, len(events))
		for _, e := range events {
			list = append(list, any(e.toJSON()))
		}
		grain["data"] = list
		delete(doc, "overflow")
		g.Data = doc
		return nil
	})
}

// NewWorkQueue inserts the hidden subscription and grain pair that turn
// store mutations into a serial event queue for an in-process consumer. The
// pair carries a zero API version, which keeps it invisible to every
// versioned query and exempt from expiry. Callers hold the model write
// lock.
func NewWorkQueue(m *store.Model, sourceID string) (subID, grainID string, err error) {
	sub, err := nmos.NewResource(nmos.TypeSubscription, nmos.APIVersion{}, map[string]any{
		"id":                 uuid.NewString(),
		"ws_href":            "",
		"max_update_rate_ms": float64(0),
		"params":             map[string]any{},
		"persist":            true,
		"secure":             false,
		"resource_path":      "",
	})
	if err != nil {
		return "", "", err
	}
	sub.Health = nmos.HealthForever
	if err := m.Node.Insert(sub); err != nil {
		return "", "", err
	}

	grain := NewGrain(sub.ID, sourceID, nmos.APIVersion{})
	grain.Health = nmos.HealthForever
	if err := m.Node.Insert(grain); err != nil {
		return "", "", err
	}
	err = m.Node.Modify(sub.ID, func(r *nmos.Resource) error {
		r.AddSubResource(grain.ID)
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return sub.ID, grain.ID, nil
}
