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

// Sender is the single task that drains pending grain events to their
// WebSocket sessions. Each pass sweeps under the model write lock and
// writes the collected frames with the lock released. A grain whose
// subscription throttles it (max_update_rate_ms) is left queued and the
// next pass is scheduled for the earliest permitted flush.
type Sender struct {
	model    *store.Model
	sessions *Sessions
	sink     Sink
	log      zerolog.Logger

	// Now drives throttling; injectable for tests.
	Now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSender(m *store.Model, sessions *Sessions, sink Sink, log zerolog.Logger) *Sender {
	if sink == nil {
		sink = nopSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sender{
		model:    m,
		sessions: sessions,
		sink:     sink,
		log:      log.With().Str("component", "sender").Logger(),
		Now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the sender task.
func (s *Sender) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()
}

// Stop cancels the sender and waits for it to finish.
func (s *Sender) Stop() {
	s.cancel()
	s.wg.Wait()
}

// frame is one outgoing WebSocket message collected under the lock and
// delivered outside it.
type frame struct {
	sess   *Session
	msg    map[string]any
	events int
}

// victim is a session to be closed outside the lock; its read pump runs
// the store-side cleanup.
type victim struct {
	sess   *Session
	code   int
	reason string
}

func (s *Sender) run() {
	for {
		if s.stopped() {
			return
		}
		frames, victims, lastSeen, nextDue := s.collect()
		for _, f := range frames {
			s.deliver(f)
		}
		for _, v := range victims {
			s.log.Warn().Str("grain", v.sess.GrainID).Str("reason", v.reason).Msg("closing websocket session")
			v.sess.closeWith(v.code, v.reason)
		}
		advanced := func() bool {
			return s.model.Node.MostRecentUpdate().After(lastSeen)
		}
		if nextDue.IsZero() {
			s.model.Wait(s.ctx, advanced)
		} else {
			s.model.WaitFor(s.ctx, time.Until(nextDue), advanced)
		}
	}
}

func (s *Sender) stopped() bool {
	if s.ctx.Err() != nil {
		return true
	}
	s.model.RLock()
	defer s.model.RUnlock()
	return s.model.ShuttingDown()
}

// collect sweeps every session grain once: drains due queues into frames,
// flags overflowed or orphaned sessions for closing, and reports the
// earliest throttle deadline plus the store clock value this pass observed.
func (s *Sender) collect() (frames []frame, victims []victim, lastSeen nmos.TAI, nextDue time.Time) {
	now := s.Now()

	s.model.Lock()
	defer s.model.Unlock()

	rs := s.model.Node
	lastSeen = rs.MostRecentUpdate()

	var orphans []string
	rs.EachOfType(nmos.TypeGrain, func(g *nmos.Resource) bool {
		if g.Version.IsZero() {
			// Work-queue grains have in-process consumers.
			return true
		}
		sess, ok := s.sessions.Get(g.ID)
		if !ok {
			orphans = append(orphans, g.ID)
			return true
		}
		sub, ok := rs.Find(sess.SubID, nmos.TypeSubscription)
		if !ok {
			victims = append(victims, victim{sess, websocket.CloseGoingAway, "subscription gone"})
			return true
		}
		if grainOverflowed(g.Data) {
			victims = append(victims, victim{sess, websocket.CloseInternalServerErr, "event queue overflow"})
			return true
		}
		if len(grainEvents(g.Data)) == 0 {
			return true
		}
		if rateMs, _ := sub.Data["max_update_rate_ms"].(float64); rateMs > 0 {
			due := sess.lastFlush.Add(time.Duration(rateMs) * time.Millisecond)
			if due.After(now) {
				if nextDue.IsZero() || due.Before(nextDue) {
					nextDue = due
				}
				return true
			}
		}

		var msg map[string]any
		var n int
		err := rs.Modify(g.ID, func(r *nmos.Resource) error {
			events := drain(r, rs.MostRecentUpdate())
			msg = frameMessage(r, events)
			n = len(events)
			return nil
		})
		if err != nil {
			s.log.Warn().Err(err).Str("grain", g.ID).Msg("grain drain failed")
			return true
		}
		sess.lastFlush = now
		frames = append(frames, frame{sess, msg, n})
		return true
	})
	for _, id := range orphans {
		s.log.Warn().Str("grain", id).Msg("erasing grain with no session")
		rs.Erase(id, true)
	}
	return frames, victims, lastSeen, nextDue
}

func (s *Sender) deliver(f frame) {
	if err := f.sess.writeJSON(f.msg); err != nil {
		s.log.Debug().Err(err).Str("grain", f.sess.GrainID).Msg("websocket write failed")
		f.sess.conn.Close()
		return
	}
	s.sink.EventsSent(f.events)
}
