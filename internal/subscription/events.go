// Package subscription implements the query subscription surface: grain
// event fan-out from store mutations, WebSocket session management, the
// throttled sender loop and health-based expiry.
package subscription

import (
	"reflect"

	"github.com/nmos-go/nmosnode/internal/nmos"
)

// EventType classifies one grain event. The wire form does not carry the
// type; it is implied by which of pre and post are present.
type EventType string

const (
	EventAdded    EventType = "added"
	EventRemoved  EventType = "removed"
	EventModified EventType = "modified"
	// EventUnchanged is the initial-sync event: pre and post both present
	// and equal.
	EventUnchanged EventType = "unchanged"
)

// Event is one entry in a grain's pending queue: the mutated resource's
// path ("<topic>/<id>") and its snapshots before and after.
type Event struct {
	Type EventType
	Path string
	Pre  map[string]any
	Post map[string]any
}

// EventPath renders the event path for a resource.
func EventPath(t nmos.ResourceType, id string) string {
	return t.Topic() + "/" + id
}

// toJSON renders the wire form. pre and post are only present when the
// event carries them.
func (e Event) toJSON() map[string]any {
	m := map[string]any{"path": e.Path}
	if e.Pre != nil {
		m["pre"] = e.Pre
	}
	if e.Post != nil {
		m["post"] = e.Post
	}
	return m
}

// EventFromJSON reads an event back out of a grain document entry.
func EventFromJSON(v any) (Event, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return Event{}, false
	}
	e := Event{Path: nmos.DataString(m, "path")}
	e.Pre, _ = m["pre"].(map[string]any)
	e.Post, _ = m["post"].(map[string]any)
	switch {
	case e.Pre == nil && e.Post == nil:
		return Event{}, false
	case e.Pre == nil:
		e.Type = EventAdded
	case e.Post == nil:
		e.Type = EventRemoved
	case reflect.DeepEqual(e.Pre, e.Post):
		e.Type = EventUnchanged
	default:
		e.Type = EventModified
	}
	return e, true
}
