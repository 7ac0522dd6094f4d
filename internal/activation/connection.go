package activation

import (
	"fmt"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/store"
)

// DefaultAutoRTPPort seeds "auto" RTP port resolution when no port is
// configured.
const DefaultAutoRTPPort = 5004

// TransportDefaults supplies concrete values for "auto" transport
// parameters the engine cannot derive on its own, such as addresses bound
// to the interface a sender or receiver uses. leg indexes the
// transport_params array. Returning false fails the activation, which
// preserves the previous active state.
type TransportDefaults func(r *nmos.Resource, leg int, name string) (any, bool)

// interfaceBound are the parameters resolved through TransportDefaults
// before any derivation rule runs, since the rules copy from them.
var interfaceBound = []string{"source_ip", "destination_ip", "interface_ip", "multicast_ip"}

// ConnectionDomain activates senders and receivers: transport parameters
// are resolved, staged becomes active, senders regain a fresh transport
// file, and the discovery-side counterpart's subscription follows suit.
type ConnectionDomain struct {
	// Defaults resolves interface-bound "auto" values and anything the
	// built-in rules do not cover.
	Defaults TransportDefaults
	// AutoRTPPort resolves "auto" RTP ports. Zero means
	// DefaultAutoRTPPort.
	AutoRTPPort int
	// TransportFile renders the transport file of an activated sender.
	// Nil means the built-in session description renderer.
	TransportFile func(m *store.Model, senderID string, active map[string]any) (data, mime string, err error)
}

func (d *ConnectionDomain) Name() string { return "connection" }

func (d *ConnectionDomain) Store(m *store.Model) *store.Resources { return m.Connection }

func (d *ConnectionDomain) Types() []nmos.ResourceType {
	return []nmos.ResourceType{nmos.TypeConnectionSender, nmos.TypeConnectionReceiver}
}

func (d *ConnectionDomain) Activate(m *store.Model, r *nmos.Resource, staged map[string]any, now nmos.TAI) (map[string]any, map[string]any, error) {
	counterpart := nmos.TypeSender
	connectedKey := "receiver_id"
	if r.Type == nmos.TypeConnectionReceiver {
		counterpart = nmos.TypeReceiver
		connectedKey = "sender_id"
	}
	is04, found := m.Node.Find(r.ID, counterpart)
	if !found {
		return nil, nil, fmt.Errorf("no %s %s to activate", counterpart, r.ID)
	}

	if err := d.resolveAuto(r, staged); err != nil {
		return nil, nil, err
	}

	enabled := boolField(staged, "master_enable")
	extra := map[string]any{}
	if r.Type == nmos.TypeConnectionSender {
		if enabled {
			render := d.TransportFile
			if render == nil {
				render = RenderSDP
			}
			data, mime, err := render(m, r.ID, staged)
			if err != nil {
				return nil, nil, fmt.Errorf("transport file: %w", err)
			}
			extra["endpoint_transportfile"] = map[string]any{"data": data, "type": mime}
		} else {
			extra["endpoint_transportfile"] = nil
		}
	}

	err := m.Node.Modify(is04.ID, func(res *nmos.Resource) error {
		doc := nmos.CloneData(res.Data)
		doc["subscription"] = map[string]any{
			"active":     enabled,
			connectedKey: staged[connectedKey],
		}
		res.Data = doc
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return staged, extra, nil
}

// resolveAuto replaces every "auto" transport parameter in the staged copy
// with its concrete value, leg by leg. The document must come out free of
// "auto": an unresolvable parameter fails the activation.
func (d *ConnectionDomain) resolveAuto(r *nmos.Resource, staged map[string]any) error {
	legs, _ := staged["transport_params"].([]any)
	for i, lv := range legs {
		leg, ok := lv.(map[string]any)
		if !ok {
			return fmt.Errorf("transport_params[%d] is not an object", i)
		}
		if err := d.resolveLeg(r, i, leg); err != nil {
			return fmt.Errorf("transport_params[%d]: %w", i, err)
		}
	}
	return nil
}

func (d *ConnectionDomain) resolveLeg(r *nmos.Resource, leg int, params map[string]any) error {
	auto := func(name string) bool {
		v, ok := params[name].(string)
		return ok && v == "auto"
	}
	resolve := func(name string, v any) {
		if auto(name) {
			params[name] = v
		}
	}
	defaults := func(name string) error {
		if d.Defaults == nil {
			return fmt.Errorf("no default for auto parameter %q", name)
		}
		v, ok := d.Defaults(r, leg, name)
		if !ok {
			return fmt.Errorf("no default for auto parameter %q", name)
		}
		params[name] = v
		return nil
	}

	// Addresses first: the port and copy rules below derive from them.
	for _, name := range interfaceBound {
		if !auto(name) {
			continue
		}
		if err := defaults(name); err != nil {
			return err
		}
	}

	port := float64(d.AutoRTPPort)
	if d.AutoRTPPort == 0 {
		port = DefaultAutoRTPPort
	}
	resolve("source_port", port)
	resolve("destination_port", port)
	dstPort, _ := params["destination_port"].(float64)
	srcPort, _ := params["source_port"].(float64)

	// Forward error correction and RTCP streams follow the primary: same
	// destination as the media, receivers prefer the multicast group.
	connIP := params["destination_ip"]
	if r.Type == nmos.TypeConnectionReceiver {
		if mc, ok := params["multicast_ip"].(string); ok && mc != "" {
			connIP = mc
		} else {
			connIP = params["interface_ip"]
		}
	}
	resolve("fec_destination_ip", connIP)
	resolve("rtcp_destination_ip", connIP)
	resolve("fec1D_destination_port", dstPort+2)
	resolve("fec2D_destination_port", dstPort+4)
	resolve("rtcp_destination_port", dstPort+1)
	resolve("fec1D_source_port", srcPort+2)
	resolve("fec2D_source_port", srcPort+4)
	resolve("rtcp_source_port", srcPort+1)

	// Anything still "auto" is transport-specific; give the integration
	// callback the last word.
	for name, v := range params {
		if s, ok := v.(string); ok && s == "auto" {
			if err := defaults(name); err != nil {
				return err
			}
		}
	}
	return nil
}

func boolField(doc map[string]any, key string) bool {
	b, _ := doc[key].(bool)
	return b
}
