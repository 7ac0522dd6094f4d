package subscription

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/store"
)

// DefaultMaxPendingEvents bounds one grain's pending queue. A WebSocket
// grain that overflows is marked and its connection closed; the client
// resynchronizes on reconnect. Work-queue grains are exempt.
const DefaultMaxPendingEvents = 4096

// NewGrain builds a grain resource buffering events for one consumer of a
// subscription: the message envelope around an empty event array. sourceID
// identifies this node in outgoing frames.
func NewGrain(subID, sourceID string, version nmos.APIVersion) nmos.Resource {
	id := uuid.NewString()
	data := map[string]any{
		"id":              id,
		"subscription_id": subID,
		"message": map[string]any{
			"grain_type":         "event",
			"source_id":          sourceID,
			"flow_id":            subID,
			"origin_timestamp":   "0:0",
			"sync_timestamp":     "0:0",
			"creation_timestamp": "0:0",
			"rate":               map[string]any{"numerator": float64(0), "denominator": float64(1)},
			"duration":           map[string]any{"numerator": float64(0), "denominator": float64(1)},
			"grain": map[string]any{
				"type":  "urn:x-nmos:format:data.event",
				"topic": "/",
				"data":  []any{},
			},
		},
	}
	return nmos.Resource{
		ID:           id,
		Type:         nmos.TypeGrain,
		Version:      version,
		Data:         data,
		SubResources: map[string]struct{}{},
	}
}

func grainEvents(data map[string]any) []any {
	message, _ := data["message"].(map[string]any)
	grain, _ := message["grain"].(map[string]any)
	events, _ := grain["data"].([]any)
	return events
}

func grainOverflowed(data map[string]any) bool {
	v, _ := data["overflow"].(bool)
	return v
}

// cloneSpine copies the grain document's envelope maps without deep-copying
// the queued event payloads, which are immutable snapshots anyway.
func cloneSpine(data map[string]any) (doc, message, grain map[string]any) {
	doc = make(map[string]any, len(data))
	for k, v := range data {
		doc[k] = v
	}
	oldMessage, _ := data["message"].(map[string]any)
	message = make(map[string]any, len(oldMessage))
	for k, v := range oldMessage {
		message[k] = v
	}
	oldGrain, _ := oldMessage["grain"].(map[string]any)
	grain = make(map[string]any, len(oldGrain))
	for k, v := range oldGrain {
		grain[k] = v
	}
	message["grain"] = grain
	doc["message"] = message
	return doc, message, grain
}

// appendEvent replaces the grain document with one more pending event
// queued, reporting whether the event was kept. When maxPending is exceeded
// the queue is dropped and the grain marked overflowed instead; the sender
// closes such connections.
func appendEvent(r *nmos.Resource, e Event, maxPending int) bool {
	doc, _, grain := cloneSpine(r.Data)
	events, _ := grain["data"].([]any)
	queued := true
	if maxPending > 0 && len(events) >= maxPending {
		grain["data"] = []any{}
		doc["overflow"] = true
		queued = false
	} else {
		next := make([]any, 0, len(events)+1)
		next = append(next, events...)
		grain["data"] = append(next, any(e.toJSON()))
	}
	r.Data = doc
	return queued
}

// drain replaces the grain document with an emptied queue and stamped
// timestamps, returning the drained events.
func drain(r *nmos.Resource, ts nmos.TAI) []any {
	events := grainEvents(r.Data)
	doc, message, grain := cloneSpine(r.Data)
	grain["data"] = []any{}
	stamp := ts.String()
	message["origin_timestamp"] = stamp
	message["sync_timestamp"] = stamp
	message["creation_timestamp"] = stamp
	r.Data = doc
	return events
}

// frameMessage renders the outgoing WebSocket payload for events drained
// from a grain: its message envelope around the drained array. Must run
// after drain has stamped the timestamps.
func frameMessage(r *nmos.Resource, events []any) map[string]any {
	_, message, grain := cloneSpine(r.Data)
	grain["data"] = events
	return message
}

// PendingEvents returns the typed pending queue of a grain. Callers hold
// the model lock.
func PendingEvents(r *nmos.Resource) []Event {
	raw := grainEvents(r.Data)
	out := make([]Event, 0, len(raw))
	for _, v := range raw {
		if e, ok := EventFromJSON(v); ok {
			out = append(out, e)
		}
	}
	return out
}

// PopEvent removes and returns the head of a grain's queue, for consumers
// that process events one request at a time. ok is false when the queue is
// empty. Callers hold the model write lock.
func PopEvent(rs *store.Resources, grainID string) (Event, bool, error) {
	grain, found := rs.Find(grainID, nmos.TypeGrain)
	if !found {
		return Event{}, false, fmt.Errorf("%w: grain %s", store.ErrNotFound, grainID)
	}
	events := grainEvents(grain.Data)
	if len(events) == 0 {
		return Event{}, false, nil
	}
	head, ok := EventFromJSON(events[0])
	if !ok {
		head = Event{}
	}
	err := rs.Modify(grainID, func(r *nmos.Resource) error {
		doc, _, g := cloneSpine(r.Data)
		evs, _ := g["data"].([]any)
		if len(evs) > 0 {
			g["data"] = evs[1:]
		}
		r.Data = doc
		return nil
	})
	if err != nil {
		return Event{}, false, err
	}
	return head, ok, nil
}

// ClearEvents empties a grain's queue without sending, used when a work
// queue is re-primed. Callers hold the model write lock.
func ClearEvents(rs *store.Resources, grainID string) error {
	return rs.Modify(grainID, func(r *nmos.Resource) error {
		doc, _, g := cloneSpine(r.Data)
		g["data"] = []any{}
		delete(doc, "overflow")
		r.Data = doc
		return nil
	})
}
