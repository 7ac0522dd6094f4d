package nmos

import "fmt"

// ResourceType identifies one of the resource families held in a store.
// The wire form is the singular name used by registration payloads.
type ResourceType string

const (
	TypeNode     ResourceType = "node"
	TypeDevice   ResourceType = "device"
	TypeSource   ResourceType = "source"
	TypeFlow     ResourceType = "flow"
	TypeSender   ResourceType = "sender"
	TypeReceiver ResourceType = "receiver"

	// Query API internals, never registered upstream.
	TypeSubscription ResourceType = "subscription"
	TypeGrain        ResourceType = "grain"

	// Connection management state, held in the connection store.
	TypeConnectionSender   ResourceType = "sender"
	TypeConnectionReceiver ResourceType = "receiver"

	// Channel mapping state, held in the channelmapping store.
	TypeChannelMappingOutput ResourceType = "output"
	TypeChannelMappingInput  ResourceType = "input"
)

// RegistryTypes are the types pushed to a registration API, in the order
// parents must precede children.
var RegistryTypes = []ResourceType{
	TypeNode, TypeDevice, TypeSource, TypeFlow, TypeSender, TypeReceiver,
}

// topics maps types to the plural path segment used by node and query APIs.
var topics = map[ResourceType]string{
	TypeNode:         "nodes",
	TypeDevice:       "devices",
	TypeSource:       "sources",
	TypeFlow:         "flows",
	TypeSender:       "senders",
	TypeReceiver:     "receivers",
	TypeSubscription: "subscriptions",
}

// Topic returns the plural path segment for t, e.g. "nodes" for a node.
func (t ResourceType) Topic() string {
	if topic, ok := topics[t]; ok {
		return topic
	}
	return string(t) + "s"
}

// TypeFromTopic resolves a plural path segment back to a resource type.
func TypeFromTopic(topic string) (ResourceType, error) {
	for t, candidate := range topics {
		if candidate == topic {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown resource topic %q", topic)
}

// creationRank orders types so that referenced resources sort before the
// resources referencing them.
var creationRank = map[ResourceType]int{
	TypeNode:     0,
	TypeDevice:   1,
	TypeSource:   2,
	TypeFlow:     3,
	TypeSender:   4,
	TypeReceiver: 5,
}

// CreationRank returns the registration ordering rank for t. Unranked types
// sort last.
func CreationRank(t ResourceType) int {
	if r, ok := creationRank[t]; ok {
		return r
	}
	return len(creationRank)
}
