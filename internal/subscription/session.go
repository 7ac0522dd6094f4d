package subscription

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/query"
	"github.com/nmos-go/nmosnode/internal/store"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// Session is one live WebSocket connection bound to a grain. The sender
// task and the session's own read pump both write frames, serialized by
// writeMu; everything the session references in the store is only touched
// under the model lock.
type Session struct {
	SubID   string
	GrainID string

	// lastFlush is when the sender last drained this session's grain,
	// used to honor max_update_rate_ms. Only the sender task touches it.
	lastFlush time.Time

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(v)
}

// closeWith sends a close frame and tears down the connection. The read
// pump observes the closed socket and runs the store-side cleanup.
func (s *Session) closeWith(code int, reason string) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.conn.Close()
}

// Sessions tracks live WebSocket connections keyed by grain id and runs
// their read pumps. The table is lock-free; session setup and teardown
// mutate the store under the model lock so the sender and sweeper never see
// a grain and its session out of step.
type Sessions struct {
	model   *store.Model
	queries *query.Cache
	log     zerolog.Logger
	sink    Sink

	// sourceID identifies this node in grain envelopes.
	sourceID string

	upgrader websocket.Upgrader
	sessions *xsync.Map[string, *Session]
	wg       sync.WaitGroup
}

func NewSessions(m *store.Model, queries *query.Cache, sourceID string, sink Sink, log zerolog.Logger) *Sessions {
	if sink == nil {
		sink = nopSink{}
	}
	return &Sessions{
		model:    m,
		queries:  queries,
		log:      log.With().Str("component", "ws").Logger(),
		sink:     sink,
		sourceID: sourceID,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Control-plane peers are not browsers; origin checks do not
			// apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: xsync.NewMap[string, *Session](),
	}
}

// Get returns the session bound to a grain.
func (s *Sessions) Get(grainID string) (*Session, bool) {
	return s.sessions.Load(grainID)
}

// Range visits every live session.
func (s *Sessions) Range(fn func(*Session) bool) {
	s.sessions.Range(func(_ string, sess *Session) bool { return fn(sess) })
}

// Len counts live sessions.
func (s *Sessions) Len() int { return s.sessions.Size() }

// ServeWS upgrades a subscription WebSocket request and binds it to a fresh
// grain primed with the initial sync. Errors returned before the upgrade
// leave the ResponseWriter untouched so the caller can reply; afterwards
// failures are settled on the socket.
func (s *Sessions) ServeWS(w http.ResponseWriter, r *http.Request, subID string) error {
	s.model.RLock()
	sub, ok := s.model.Node.Find(subID, nmos.TypeSubscription)
	usable := ok && !sub.Version.IsZero()
	s.model.RUnlock()
	if !usable {
		return fmt.Errorf("%w: subscription %s", store.ErrNotFound, subID)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		return nil
	}

	sess, err := s.bind(conn, subID)
	if err != nil {
		s.log.Debug().Err(err).Str("subscription", subID).Msg("websocket bind failed")
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "subscription gone")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return nil
	}

	s.sink.SessionOpened()
	s.log.Info().Str("subscription", subID).Str("grain", sess.GrainID).Msg("websocket session opened")
	s.wg.Add(1)
	go s.readPump(sess)
	return nil
}

// bind creates the grain, primes it and registers the session, all in one
// critical section so the sender never finds the grain without its session.
func (s *Sessions) bind(conn *websocket.Conn, subID string) (*Session, error) {
	s.model.Lock()
	defer s.model.Unlock()

	sub, ok := s.model.Node.Find(subID, nmos.TypeSubscription)
	if !ok || sub.Version.IsZero() {
		return nil, fmt.Errorf("%w: subscription %s", store.ErrNotFound, subID)
	}
	grain := NewGrain(subID, s.sourceID, sub.Version)
	if err := s.model.Node.Insert(grain); err != nil {
		return nil, err
	}
	err := s.model.Node.Modify(subID, func(r *nmos.Resource) error {
		r.AddSubResource(grain.ID)
		return nil
	})
	if err == nil {
		err = PrimeSync(s.model.Node, sub, grain.ID, s.queries)
	}
	if err != nil {
		s.model.Node.Erase(grain.ID, true)
		return nil, err
	}
	now := s.model.Node.Now().Seconds
	s.model.Node.SetHealth(subID, now)

	sess := &Session{SubID: subID, GrainID: grain.ID, conn: conn}
	s.sessions.Store(grain.ID, sess)
	s.model.Notify()
	return sess, nil
}

// healthCommand is the one client-to-server message the protocol defines.
type healthCommand struct {
	Command   string `json:"command"`
	Timestamp string `json:"timestamp"`
}

func (s *Sessions) readPump(sess *Session) {
	defer s.wg.Done()
	defer s.teardown(sess)
	sess.conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := sess.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Str("grain", sess.GrainID).Msg("websocket read ended")
			}
			return
		}
		var cmd healthCommand
		if err := json.Unmarshal(raw, &cmd); err != nil || cmd.Command != "health" {
			s.log.Debug().Str("grain", sess.GrainID).Msg("ignoring unrecognized websocket message")
			continue
		}
		s.refreshHealth(sess)
		origin := cmd.Timestamp
		received := nmos.TAINow().String()
		if origin == "" {
			origin = received
		}
		err = sess.writeJSON(map[string]any{
			"message_type": "health",
			"timing": map[string]any{
				"origin_timestamp":   origin,
				"received_timestamp": received,
			},
		})
		if err != nil {
			return
		}
	}
}

// refreshHealth marks connection activity on both the grain and its
// subscription, which is what keeps either from expiring.
func (s *Sessions) refreshHealth(sess *Session) {
	s.model.Lock()
	now := s.model.Node.Now().Seconds
	s.model.Node.SetHealth(sess.GrainID, now)
	s.model.Node.SetHealth(sess.SubID, now)
	s.model.Unlock()
}

// teardown unregisters the session and removes its grain. The subscription
// health is refreshed so a non-persistent subscription survives for one
// expiry interval after its last connection, giving clients room to
// reconnect.
func (s *Sessions) teardown(sess *Session) {
	if _, loaded := s.sessions.LoadAndDelete(sess.GrainID); !loaded {
		return
	}
	sess.conn.Close()

	s.model.Lock()
	if err := s.model.Node.Erase(sess.GrainID, true); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn().Err(err).Str("grain", sess.GrainID).Msg("grain erase failed")
	}
	if _, ok := s.model.Node.Find(sess.SubID, nmos.TypeSubscription); ok {
		s.model.Node.Modify(sess.SubID, func(r *nmos.Resource) error {
			r.RemoveSubResource(sess.GrainID)
			return nil
		})
		s.model.Node.SetHealth(sess.SubID, s.model.Node.Now().Seconds)
	}
	s.model.Notify()
	s.model.Unlock()

	s.sink.SessionClosed()
	s.log.Info().Str("subscription", sess.SubID).Str("grain", sess.GrainID).Msg("websocket session closed")
}

// Close tears down every session and waits for the read pumps to finish.
func (s *Sessions) Close() {
	s.Range(func(sess *Session) bool {
		sess.closeWith(websocket.CloseGoingAway, "shutting down")
		return true
	})
	s.wg.Wait()
}
