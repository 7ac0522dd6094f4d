package subscription

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/store"
)

// Sweeper expires idle subscription state: grains whose connection has gone
// quiet for one expiry interval are closed, non-persistent subscriptions
// with no remaining activity are erased, and erased tombstones are
// forgotten one further interval later. It sleeps until the earliest
// expiry can possibly fall due, which is least health + interval + 1s.
type Sweeper struct {
	model    *store.Model
	sessions *Sessions
	expiry   time.Duration
	log      zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(m *store.Model, sessions *Sessions, expiry time.Duration, log zerolog.Logger) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		model:    m,
		sessions: sessions,
		expiry:   expiry,
		log:      log.With().Str("component", "sweeper").Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the sweep task.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

// Stop cancels the sweeper and waits for it to finish.
func (s *Sweeper) Stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *Sweeper) run() {
	for {
		if s.ctx.Err() != nil {
			return
		}
		victims, wait, ok := s.sweep()
		if !ok {
			return
		}
		for _, sess := range victims {
			s.log.Info().Str("grain", sess.GrainID).Msg("closing expired websocket session")
			sess.closeWith(websocket.CloseGoingAway, "health expired")
		}
		if wait < 0 {
			// Something is due right now; sweep again without sleeping.
			continue
		}
		if wait == 0 {
			// Nothing can expire; sleep until expirable state appears.
			s.model.Wait(s.ctx, func() bool {
				return s.model.Node.LeastHealth() != nmos.HealthForever ||
					!s.earliestTombstone().IsZero()
			})
			continue
		}
		s.model.WaitFor(s.ctx, wait, func() bool { return false })
	}
}

// sweep erases everything already expired under one write lock hold and
// returns the sessions to close outside it, plus how long to sleep before
// the next pass: 0 when nothing can expire, negative when more work is
// already due. ok is false on shutdown.
func (s *Sweeper) sweep() (victims []*Session, wait time.Duration, ok bool) {
	expirySec := int64(s.expiry / time.Second)

	s.model.Lock()
	defer s.model.Unlock()

	if s.model.ShuttingDown() {
		return nil, 0, false
	}

	rs := s.model.Node
	now := rs.Now()
	cutoff := now.Seconds - expirySec

	expired := func(r *nmos.Resource) bool {
		return r.Health != nmos.HealthForever && r.Health <= cutoff
	}

	var staleGrains, staleSubs []string
	rs.EachOfType(nmos.TypeGrain, func(g *nmos.Resource) bool {
		if expired(g) {
			staleGrains = append(staleGrains, g.ID)
		}
		return true
	})
	rs.EachOfType(nmos.TypeSubscription, func(sub *nmos.Resource) bool {
		if expired(sub) {
			staleSubs = append(staleSubs, sub.ID)
		}
		return true
	})

	changed := false
	for _, id := range staleGrains {
		if sess, found := s.sessions.Get(id); found {
			// The read pump erases the grain once the close lands.
			victims = append(victims, sess)
			continue
		}
		rs.Erase(id, true)
		changed = true
	}
	for _, id := range staleSubs {
		sub, found := rs.Find(id, nmos.TypeSubscription)
		if !found {
			continue
		}
		for grainID := range sub.SubResources {
			if sess, ok := s.sessions.Get(grainID); ok {
				victims = append(victims, sess)
			}
		}
		s.log.Info().Str("subscription", id).Msg("erasing expired subscription")
		rs.Erase(id, false)
		changed = true
	}
	if n := rs.ForgetErased(nmos.TAI{Seconds: cutoff}); n > 0 {
		s.log.Debug().Int("count", n).Msg("forgot erased resources")
		changed = true
	}
	if changed {
		s.model.Notify()
	}

	due := nmos.HealthForever
	if least := rs.LeastHealth(); least != nmos.HealthForever {
		due = least + expirySec + 1
	}
	if ts := s.earliestTombstone(); !ts.IsZero() {
		if t := ts.Seconds + expirySec + 1; t < due {
			due = t
		}
	}
	switch {
	case due == nmos.HealthForever:
		return victims, 0, true
	case due <= now.Seconds:
		return victims, -1, true
	default:
		return victims, time.Duration(due-now.Seconds) * time.Second, true
	}
}

// earliestTombstone finds the oldest erased resource's updated timestamp.
func (s *Sweeper) earliestTombstone() nmos.TAI {
	var oldest nmos.TAI
	s.model.Node.EachByCreated(func(r *nmos.Resource) bool {
		if r.IsErased() && (oldest.IsZero() || r.Updated.Before(oldest)) {
			oldest = r.Updated
		}
		return true
	})
	return oldest
}
