package nmos

import (
	"fmt"
	"math"
)

// HealthForever marks resources that never expire, such as the node's own
// model in its local stores.
const HealthForever int64 = math.MaxInt64

// Resource is one entry in a store. Data is treated as immutable once
// inserted: mutators build a fresh document (CloneData) rather than editing
// in place, so snapshots handed to observers stay stable.
type Resource struct {
	ID      string
	Type    ResourceType
	Version APIVersion

	// Data is the resource document, nil once the resource has been erased
	// but not yet forgotten.
	Data map[string]any

	Created TAI
	Updated TAI

	// Health is the latest health timestamp in TAI seconds, or
	// HealthForever for resources exempt from expiry.
	Health int64

	// SubResources holds ids of resources that must be erased when this
	// one is, e.g. a device's senders and receivers.
	SubResources map[string]struct{}
}

// NewResource builds a resource of the given type and API version around a
// data document carrying an "id" field.
func NewResource(t ResourceType, version APIVersion, data map[string]any) (Resource, error) {
	id, ok := data["id"].(string)
	if !ok || id == "" {
		return Resource{}, fmt.Errorf("%s data has no id", t)
	}
	return Resource{
		ID:           id,
		Type:         t,
		Version:      version,
		Data:         data,
		SubResources: map[string]struct{}{},
	}, nil
}

// IsErased reports whether the resource has been erased and only remains
// so that observers can see the deletion.
func (r Resource) IsErased() bool { return r.Data == nil }

// AddSubResource records a child id on the parent.
func (r *Resource) AddSubResource(id string) {
	if r.SubResources == nil {
		r.SubResources = map[string]struct{}{}
	}
	r.SubResources[id] = struct{}{}
}

// RemoveSubResource drops a child id from the parent.
func (r *Resource) RemoveSubResource(id string) {
	delete(r.SubResources, id)
}

// CloneData deep-copies a resource document. Nested values must be
// JSON-shaped (maps, slices, scalars).
func CloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	return cloneValue(data).(map[string]any)
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	default:
		return v
	}
}

// DataString reads a top-level string field from a resource document.
func DataString(data map[string]any, key string) string {
	s, _ := data[key].(string)
	return s
}

// DataID reads the "id" field of a document.
func DataID(data map[string]any) string { return DataString(data, "id") }
