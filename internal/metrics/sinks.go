package metrics

import (
	"github.com/nmos-go/nmosnode/internal/auth"
	"github.com/nmos-go/nmosnode/internal/registration"
	"github.com/nmos-go/nmosnode/internal/subscription"
)

// RegistrationSink adapts the registry to the registration controller's
// instrumentation hooks.
func (m *Metrics) RegistrationSink() registration.Sink { return regSink{m} }

type regSink struct{ m *Metrics }

func (s regSink) StateChanged(st registration.State) { s.m.setEnum(s.m.regState, string(st)) }
func (s regSink) HeartbeatSent(ok bool)              { s.m.heartbeats.WithLabelValues(outcome(ok)).Inc() }
func (s regSink) ResourceSynced()                    { s.m.resourceSyncs.Inc() }
func (s regSink) ResourceDropped()                   { s.m.resourceDrops.Inc() }

// AuthorizationSink adapts the registry to the authorization controller's
// instrumentation hooks.
func (m *Metrics) AuthorizationSink() auth.Sink { return authSink{m} }

type authSink struct{ m *Metrics }

func (s authSink) PhaseChanged(p auth.Phase) { s.m.setEnum(s.m.authPhase, string(p)) }
func (s authSink) TokenRefreshed(ok bool)    { s.m.refreshes.WithLabelValues(outcome(ok)).Inc() }
func (s authSink) KeysFetched(ok bool)       { s.m.keyFetches.WithLabelValues(outcome(ok)).Inc() }

// FanoutSink adapts the registry to the websocket fanout's
// instrumentation hooks.
func (m *Metrics) FanoutSink() subscription.Sink { return fanSink{m} }

type fanSink struct{ m *Metrics }

func (s fanSink) EventQueued()     { s.m.wsQueued.Inc() }
func (s fanSink) EventDropped()    { s.m.wsDropped.Inc() }
func (s fanSink) EventsSent(n int) { s.m.wsSent.Add(float64(n)) }
func (s fanSink) SessionOpened()   { s.m.wsSessions.Inc() }
func (s fanSink) SessionClosed()   { s.m.wsSessions.Dec() }

func outcome(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
