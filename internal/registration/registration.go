// Package registration keeps the node's resources synchronized with a
// discovered registration API: DNS-SD discovery with exponential backoff,
// ordered resource push driven by a work-queue grain, heartbeating with
// failover between registries, and peer-to-peer fallback.
package registration

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"

	"github.com/nmos-go/nmosnode/internal/nmos"
)

// State names one mode of the controller's state machine.
type State string

const (
	StateInitialDiscovery    State = "initial_discovery"
	StateInitialRegistration State = "initial_registration"
	StateRegisteredOperation State = "registered_operation"
	StateRediscovery         State = "rediscovery"
	StatePeerToPeer          State = "peer_to_peer_operation"
	// StateShutdown is terminal: the controller has unregistered or been
	// stopped.
	StateShutdown State = "shutdown"
)

// Sink receives counters from the controller. The metrics package
// implements it; nopSink is used when none is wired.
type Sink interface {
	StateChanged(s State)
	HeartbeatSent(ok bool)
	ResourceSynced()
	ResourceDropped()
}

type nopSink struct{}

func (nopSink) StateChanged(State) {}
func (nopSink) HeartbeatSent(bool) {}
func (nopSink) ResourceSynced()    {}
func (nopSink) ResourceDropped()   {}

// Status is a point-in-time snapshot of the controller for the
// registration-status introspection endpoint.
type Status struct {
	State State `json:"state"`
	// Registry is the API base of the registry currently in use, empty
	// outside registration states.
	Registry string `json:"registry,omitempty"`
	// Unsynced lists resource paths the registry refused; the registry's
	// view of these diverges from ours until they change again.
	Unsynced []string `json:"unsynced,omitempty"`
}

// splitEventPath breaks a grain event path ("<topic>/<id>") into the
// resource type and id.
func splitEventPath(path string) (nmos.ResourceType, string, error) {
	topic, id, ok := strings.Cut(path, "/")
	if !ok || id == "" {
		return "", "", fmt.Errorf("malformed event path %q", path)
	}
	t, err := nmos.TypeFromTopic(topic)
	if err != nil {
		return "", "", err
	}
	return t, id, nil
}

// vers holds the per-type version counters advertised as ver_* TXT records
// in peer-to-peer mode. Counters are eight-bit and wrap; they start at
// random values so a restarted node is seen to have changed.
type vers struct {
	slf, dvc, src, flw, snd, rcv uint8
}

func newVers() vers {
	return vers{
		slf: uint8(rand.IntN(256)),
		dvc: uint8(rand.IntN(256)),
		src: uint8(rand.IntN(256)),
		flw: uint8(rand.IntN(256)),
		snd: uint8(rand.IntN(256)),
		rcv: uint8(rand.IntN(256)),
	}
}

// bump increments the counter for a mutated resource type, reporting
// whether the type carries one.
func (v *vers) bump(t nmos.ResourceType) bool {
	switch t {
	case nmos.TypeNode:
		v.slf++
	case nmos.TypeDevice:
		v.dvc++
	case nmos.TypeSource:
		v.src++
	case nmos.TypeFlow:
		v.flw++
	case nmos.TypeSender:
		v.snd++
	case nmos.TypeReceiver:
		v.rcv++
	default:
		return false
	}
	return true
}

// txt renders the counters as TXT records on top of a base record set.
func (v *vers) txt(base map[string]string) map[string]string {
	out := make(map[string]string, len(base)+6)
	for k, val := range base {
		out[k] = val
	}
	out["ver_slf"] = strconv.Itoa(int(v.slf))
	out["ver_dvc"] = strconv.Itoa(int(v.dvc))
	out["ver_src"] = strconv.Itoa(int(v.src))
	out["ver_flw"] = strconv.Itoa(int(v.flw))
	out["ver_snd"] = strconv.Itoa(int(v.snd))
	out["ver_rcv"] = strconv.Itoa(int(v.rcv))
	return out
}

// sortedPaths renders an unsynced set for a status snapshot.
func sortedPaths(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
