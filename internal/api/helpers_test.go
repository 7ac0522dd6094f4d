package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nmos-go/nmosnode/internal/activation"
	"github.com/nmos-go/nmosnode/internal/metrics"
	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/query"
	"github.com/nmos-go/nmosnode/internal/store"
	"github.com/nmos-go/nmosnode/internal/subscription"
)

// testNode is a server over a live model with running activation engines
// and WebSocket fan-out, driven end to end over HTTP.
type testNode struct {
	model *store.Model
	met   *metrics.Metrics
	srv   *httptest.Server
}

func newTestNode(t *testing.T) *testNode {
	return newTestNodeWith(t, nil)
}

// newTestNodeWith lets a test adjust the Config before the server starts.
func newTestNodeWith(t *testing.T, tweak func(*Config)) *testNode {
	t.Helper()
	model := store.NewModel()
	queries, err := query.NewCache(64)
	if err != nil {
		t.Fatalf("query cache: %v", err)
	}
	met := metrics.New()

	connEngine := activation.NewEngine(model, &activation.ConnectionDomain{Defaults: testTransportDefaults}, zerolog.Nop())
	connEngine.Start()
	t.Cleanup(connEngine.Stop)
	mapEngine := activation.NewEngine(model, activation.ChannelMapDomain{}, zerolog.Nop())
	mapEngine.Start()
	t.Cleanup(mapEngine.Stop)

	sessions := subscription.NewSessions(model, queries, uuid.NewString(), met.FanoutSink(), zerolog.Nop())
	t.Cleanup(sessions.Close)
	fan := &subscription.Fanout{Model: model, Queries: queries, Log: zerolog.Nop(), Sink: met.FanoutSink()}
	fan.Install()
	sender := subscription.NewSender(model, sessions, met.FanoutSink(), zerolog.Nop())
	sender.Start()
	t.Cleanup(sender.Stop)

	cfg := Config{
		Model:     model,
		Queries:   queries,
		Paging:    query.Limits{Default: 10, Max: 100},
		Sessions:  sessions,
		Stager:    activation.NewStager(model, 2*time.Second),
		MapStager: activation.NewMapStager(model, 2*time.Second),
		Metrics:   met,
		BodyLimit: 1 << 20,
		Log:       zerolog.Nop(),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	srv := httptest.NewServer(NewServer("127.0.0.1:0", cfg).Handler())
	t.Cleanup(srv.Close)
	return &testNode{model: model, met: met, srv: srv}
}

func testTransportDefaults(r *nmos.Resource, leg int, name string) (any, bool) {
	switch name {
	case "source_ip":
		return "192.0.2.10", true
	case "destination_ip":
		return "233.252.0.10", true
	case "interface_ip":
		return "192.0.2.20", true
	}
	return nil, false
}

func (n *testNode) insert(t *testing.T, rs *store.Resources, rt nmos.ResourceType, v nmos.APIVersion, data map[string]any) {
	t.Helper()
	n.model.Lock()
	defer n.model.Unlock()
	r, err := nmos.NewResource(rt, v, data)
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	if err := rs.Insert(r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	n.model.Notify()
}

func (n *testNode) seedSelf(t *testing.T, id string) {
	t.Helper()
	n.insert(t, n.model.Node, nmos.TypeNode, nmos.V1_3, map[string]any{
		"id": id, "version": "0:0", "label": "test node", "href": "http://node.test/",
		"hostname": "node.test", "caps": map[string]any{}, "services": []any{},
		"description": "", "tags": map[string]any{}, "api": map[string]any{},
		"clocks": []any{}, "interfaces": []any{},
	})
}

// seedSender builds the discovery chain of a sender plus its connection
// resource, and returns the device id.
func (n *testNode) seedSender(t *testing.T, id string) (deviceID string) {
	t.Helper()
	deviceID = uuid.NewString()
	flowID := uuid.NewString()
	n.insert(t, n.model.Node, nmos.TypeDevice, nmos.V1_3, map[string]any{
		"id": deviceID, "version": "0:0", "label": "dev",
	})
	n.insert(t, n.model.Node, nmos.TypeFlow, nmos.V1_3, map[string]any{
		"id": flowID, "version": "0:0", "format": "urn:x-nmos:format:video",
		"media_type": "video/raw", "device_id": deviceID,
	})
	n.insert(t, n.model.Node, nmos.TypeSender, nmos.V1_3, map[string]any{
		"id": id, "version": "0:0", "label": "cam out", "flow_id": flowID,
		"device_id": deviceID, "transport": "urn:x-nmos:transport:rtp.mcast",
		"subscription": map[string]any{"receiver_id": nil, "active": false},
	})
	n.insert(t, n.model.Connection, nmos.TypeConnectionSender, nmos.V1_1, connectionDoc(id, nmos.TypeConnectionSender))
	return deviceID
}

func (n *testNode) seedReceiver(t *testing.T, id string) {
	t.Helper()
	n.insert(t, n.model.Node, nmos.TypeReceiver, nmos.V1_3, map[string]any{
		"id": id, "version": "0:0", "label": "mon in",
		"transport":    "urn:x-nmos:transport:rtp.mcast",
		"subscription": map[string]any{"sender_id": nil, "active": false},
	})
	n.insert(t, n.model.Connection, nmos.TypeConnectionReceiver, nmos.V1_1, connectionDoc(id, nmos.TypeConnectionReceiver))
}

func (n *testNode) seedChannelMap(t *testing.T) {
	t.Helper()
	channels := func(count int) []any {
		list := make([]any, 0, count)
		for i := 0; i < count; i++ {
			list = append(list, map[string]any{"label": "ch"})
		}
		return list
	}
	idle := map[string]any{
		"activation": map[string]any{"mode": nil, "requested_time": nil, "activation_time": nil},
		"action":     map[string]any{},
	}
	n.insert(t, n.model.ChannelMapping, nmos.TypeChannelMappingInput, nmos.V1_0, map[string]any{
		"id": "in1", "version": "0:0",
		"properties": map[string]any{"name": "in1", "description": ""},
		"channels":   channels(4),
		"caps":       map[string]any{"block_size": float64(1), "reordering": true},
		"parent":     map[string]any{"type": nil, "id": nil},
	})
	n.insert(t, n.model.ChannelMapping, nmos.TypeChannelMappingOutput, nmos.V1_0, map[string]any{
		"id": "out1", "version": "0:0",
		"properties": map[string]any{"name": "out1", "description": ""},
		"channels":   channels(4),
		"caps":       map[string]any{"routable_inputs": nil},
		"source_id":  nil,
		"endpoint_active": map[string]any{
			"activation": map[string]any{"mode": nil, "requested_time": nil, "activation_time": nil},
			"map":        map[string]any{},
		},
		"endpoint_staged": idle,
	})
}

func (n *testNode) seedEventSource(t *testing.T, id string) {
	t.Helper()
	n.insert(t, n.model.Events, nmos.TypeSource, nmos.V1_0, map[string]any{
		"id": id, "version": "0:0",
		"state": map[string]any{
			"identity":   map[string]any{"source_id": id},
			"timing":     map[string]any{"creation_timestamp": "0:0"},
			"event_type": "boolean",
			"payload":    map[string]any{"value": false},
		},
		"type": map[string]any{"type": "boolean"},
	})
}

// connectionDoc mirrors the document the connection store holds for a
// freshly provisioned sender or receiver.
func connectionDoc(id string, t nmos.ResourceType) map[string]any {
	senderLeg := map[string]any{
		"source_ip": "auto", "destination_ip": "auto",
		"source_port": "auto", "destination_port": "auto",
		"rtp_enabled": true,
		"fec_enabled": false, "fec_destination_ip": "auto",
		"fec1D_destination_port": "auto", "fec2D_destination_port": "auto",
		"fec1D_source_port": "auto", "fec2D_source_port": "auto",
		"rtcp_enabled": false, "rtcp_destination_ip": "auto",
		"rtcp_destination_port": "auto", "rtcp_source_port": "auto",
	}
	receiverLeg := map[string]any{
		"interface_ip": "auto", "multicast_ip": nil, "source_ip": nil,
		"destination_port": "auto", "rtp_enabled": true,
		"fec_enabled": false, "fec_destination_ip": "auto",
		"fec1D_destination_port": "auto", "fec2D_destination_port": "auto",
		"rtcp_enabled": false, "rtcp_destination_ip": "auto",
		"rtcp_destination_port": "auto",
	}
	endpoint := func() map[string]any {
		leg := senderLeg
		if t == nmos.TypeConnectionReceiver {
			leg = receiverLeg
		}
		doc := map[string]any{
			"activation":       map[string]any{"mode": nil, "requested_time": nil, "activation_time": nil},
			"master_enable":    false,
			"transport_params": []any{leg},
		}
		if t == nmos.TypeConnectionReceiver {
			doc["sender_id"] = nil
			doc["transport_file"] = map[string]any{"data": nil, "type": nil}
		} else {
			doc["receiver_id"] = nil
		}
		return doc
	}
	return map[string]any{
		"id":                   id,
		"version":              "0:0",
		"transporttype":        "urn:x-nmos:transport:rtp",
		"endpoint_staged":      endpoint(),
		"endpoint_active":      endpoint(),
		"endpoint_constraints": []any{map[string]any{}},
	}
}

// request performs one HTTP call against the test server and returns the
// response with its body drained.
func (n *testNode) request(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, n.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, raw
}

func (n *testNode) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return n.request(t, http.MethodGet, path, nil)
}

func jsonMap(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return m
}

func jsonList(t *testing.T, raw []byte) []any {
	t.Helper()
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("unmarshal %q: %v", raw, err)
	}
	return list
}
