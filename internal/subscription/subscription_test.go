package subscription

import (
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/nmos-go/nmosnode/internal/nmos"
	"github.com/nmos-go/nmosnode/internal/query"
	"github.com/nmos-go/nmosnode/internal/store"
)

func testModel() *store.Model {
	m := store.NewModel()
	at := nmos.TAI{Seconds: 1_000_000}
	m.Node.Now = func() nmos.TAI { return at }
	return m
}

func mustCreate(t *testing.T, m *store.Model, req CreateRequest) *nmos.Resource {
	t.Helper()
	m.Lock()
	defer m.Unlock()
	sub, _, err := Create(m, req)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sub
}

// attachGrain binds a grain to a subscription the way a session would,
// without the WebSocket.
func attachGrain(t *testing.T, m *store.Model, sub *nmos.Resource) string {
	t.Helper()
	m.Lock()
	defer m.Unlock()
	grain := NewGrain(sub.ID, "test-source", sub.Version)
	if err := m.Node.Insert(grain); err != nil {
		t.Fatalf("insert grain: %v", err)
	}
	err := m.Node.Modify(sub.ID, func(r *nmos.Resource) error {
		r.AddSubResource(grain.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("bind grain: %v", err)
	}
	return grain.ID
}

func insertResource(t *testing.T, m *store.Model, rt nmos.ResourceType, v nmos.APIVersion, data map[string]any) {
	t.Helper()
	m.Lock()
	defer m.Unlock()
	r, err := nmos.NewResource(rt, v, data)
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	if err := m.Node.Insert(r); err != nil {
		t.Fatalf("Insert: %v", err)
	}
}

func pending(t *testing.T, m *store.Model, grainID string) []Event {
	t.Helper()
	m.RLock()
	defer m.RUnlock()
	g, ok := m.Node.Find(grainID, nmos.TypeGrain)
	if !ok {
		t.Fatalf("grain %s gone", grainID)
	}
	return PendingEvents(g)
}

func TestParamsHash(t *testing.T) {
	a := ParamsHash("/nodes", map[string]any{"label": "x"}, true, false, false, 100)
	b := ParamsHash("/nodes", map[string]any{"label": "x"}, true, false, false, 100)
	if a != b {
		t.Fatalf("equivalent params must hash equal")
	}
	c := ParamsHash("/nodes", map[string]any{"label": "x"}, false, false, false, 100)
	if a == c {
		t.Errorf("persist must be significant")
	}
	d := ParamsHash("/devices", map[string]any{"label": "x"}, true, false, false, 100)
	if a == d {
		t.Errorf("resource path must be significant")
	}
	e := ParamsHash("/nodes", map[string]any{"label": "x"}, true, false, true, 100)
	if a == e {
		t.Errorf("authorization must be significant")
	}
}

func TestCreateDeduplicates(t *testing.T) {
	m := testModel()
	req := CreateRequest{
		Version:      nmos.V1_3,
		ResourcePath: "/nodes",
		Params:       map[string]any{"label": "studio"},
		Persist:      true,
		WSHrefBase:   "http://node.example:3212/x-nmos/query/v1.3",
	}
	first := mustCreate(t, m, req)
	if !strings.HasPrefix(nmos.DataString(first.Data, "ws_href"), req.WSHrefBase+"/subscriptions/") {
		t.Errorf("ws_href %q not derived from base", first.Data["ws_href"])
	}
	if first.Health != nmos.HealthForever {
		t.Errorf("persistent subscriptions must not expire")
	}

	m.Lock()
	again, created, err := Create(m, req)
	m.Unlock()
	if err != nil {
		t.Fatalf("Create again: %v", err)
	}
	if created {
		t.Errorf("equivalent request must not create a second subscription")
	}
	if again.ID != first.ID {
		t.Errorf("got %s, want existing %s", again.ID, first.ID)
	}

	req.Persist = false
	other := mustCreate(t, m, req)
	if other.ID == first.ID {
		t.Errorf("different persist must create a distinct subscription")
	}
	if other.Health == nmos.HealthForever {
		t.Errorf("non-persistent subscriptions must carry finite health")
	}
}

func TestCreateAuthorizationField(t *testing.T) {
	m := testModel()

	sub := mustCreate(t, m, CreateRequest{Version: nmos.V1_3, ResourcePath: "/nodes", Authorization: true})
	if v, ok := sub.Data["authorization"].(bool); !ok || !v {
		t.Errorf("v1.3 subscription must carry authorization: %+v", sub.Data)
	}

	old := mustCreate(t, m, CreateRequest{Version: nmos.V1_2, ResourcePath: "/nodes", Authorization: true})
	if _, ok := old.Data["authorization"]; ok {
		t.Errorf("authorization field only exists from v1.3: %+v", old.Data)
	}
}

func TestCreateRejectsBadRequests(t *testing.T) {
	m := testModel()
	m.Lock()
	defer m.Unlock()

	_, _, err := Create(m, CreateRequest{Version: nmos.V1_3, ResourcePath: "/bogus"})
	if !errors.Is(err, query.ErrBadParameter) {
		t.Fatalf("bad resource_path: got %v", err)
	}
	_, _, err = Create(m, CreateRequest{
		Version:      nmos.V1_3,
		ResourcePath: "/nodes",
		Params:       map[string]any{"query.rql": "bogus("},
	})
	if err == nil {
		t.Fatalf("malformed rql must be rejected at create")
	}
}

func TestDeleteRules(t *testing.T) {
	m := testModel()

	ephemeral := mustCreate(t, m, CreateRequest{Version: nmos.V1_3, ResourcePath: "/nodes"})
	m.Lock()
	err := Delete(m, ephemeral.ID)
	m.Unlock()
	if !errors.Is(err, ErrNotAllowed) {
		t.Fatalf("deleting a non-persistent subscription: got %v", err)
	}

	persistent := mustCreate(t, m, CreateRequest{Version: nmos.V1_3, ResourcePath: "/nodes", Persist: true})
	grainID := attachGrain(t, m, persistent)
	m.Lock()
	err = Delete(m, persistent.ID)
	m.Unlock()
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	m.RLock()
	_, subOK := m.Node.Get(persistent.ID)
	_, grainOK := m.Node.Get(grainID)
	m.RUnlock()
	if subOK || grainOK {
		t.Errorf("delete must forget the subscription and its grains")
	}

	m.Lock()
	queueSubID, _, err := NewWorkQueue(m, "test-source")
	if err != nil {
		t.Fatalf("NewWorkQueue: %v", err)
	}
	err = Delete(m, queueSubID)
	m.Unlock()
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("work queues must be invisible to delete: got %v", err)
	}
}

func TestFanoutEventLifecycle(t *testing.T) {
	m := testModel()
	(&Fanout{Model: m, Log: zerolog.Nop()}).Install()

	sub := mustCreate(t, m, CreateRequest{Version: nmos.V1_3, ResourcePath: "/nodes"})
	grainID := attachGrain(t, m, sub)

	insertResource(t, m, nmos.TypeNode, nmos.V1_3, map[string]any{"id": "n1", "version": "0:0", "label": "a"})
	insertResource(t, m, nmos.TypeDevice, nmos.V1_3, map[string]any{"id": "d1", "version": "0:0", "label": "a"})

	events := pending(t, m, grainID)
	if len(events) != 1 {
		t.Fatalf("path-scoped subscription saw %d events, want 1", len(events))
	}
	if events[0].Type != EventAdded || events[0].Path != "nodes/n1" {
		t.Fatalf("unexpected first event: %+v", events[0])
	}
	if events[0].Post["label"] != "a" {
		t.Errorf("added event must carry the post document")
	}

	m.Lock()
	m.Node.Modify("n1", func(r *nmos.Resource) error {
		data := nmos.CloneData(r.Data)
		data["label"] = "b"
		r.Data = data
		return nil
	})
	m.Unlock()

	events = pending(t, m, grainID)
	if len(events) != 2 || events[1].Type != EventModified {
		t.Fatalf("expected modified event, got %+v", events)
	}
	if events[1].Pre["label"] != "a" || events[1].Post["label"] != "b" {
		t.Errorf("modified event must carry both snapshots: %+v", events[1])
	}

	m.Lock()
	m.Node.Erase("n1", false)
	m.Unlock()

	events = pending(t, m, grainID)
	if len(events) != 3 || events[2].Type != EventRemoved {
		t.Fatalf("expected removed event, got %+v", events)
	}
	if events[2].Pre["label"] != "b" || events[2].Post != nil {
		t.Errorf("removed event must carry pre only: %+v", events[2])
	}
}

func TestFanoutFilterTransitions(t *testing.T) {
	m := testModel()
	(&Fanout{Model: m, Log: zerolog.Nop()}).Install()

	sub := mustCreate(t, m, CreateRequest{
		Version: nmos.V1_3,
		Params:  map[string]any{"label": "keep"},
	})
	grainID := attachGrain(t, m, sub)

	insertResource(t, m, nmos.TypeNode, nmos.V1_3, map[string]any{"id": "n1", "version": "0:0", "label": "other"})
	if events := pending(t, m, grainID); len(events) != 0 {
		t.Fatalf("filtered-out insert must not fan out: %+v", events)
	}

	// Entering the filter reads as added, leaving it as removed.
	relabel := func(label string) {
		m.Lock()
		m.Node.Modify("n1", func(r *nmos.Resource) error {
			data := nmos.CloneData(r.Data)
			data["label"] = label
			r.Data = data
			return nil
		})
		m.Unlock()
	}
	relabel("keep")
	relabel("other")

	events := pending(t, m, grainID)
	if len(events) != 2 {
		t.Fatalf("want enter+leave events, got %+v", events)
	}
	if events[0].Type != EventAdded || events[0].Pre != nil {
		t.Errorf("entering the filter must read as added: %+v", events[0])
	}
	if events[1].Type != EventRemoved || events[1].Post != nil {
		t.Errorf("leaving the filter must read as removed: %+v", events[1])
	}
}

func TestFanoutDowngradeVisibility(t *testing.T) {
	m := testModel()
	(&Fanout{Model: m, Log: zerolog.Nop()}).Install()

	hidden := mustCreate(t, m, CreateRequest{Version: nmos.V1_2})
	hiddenGrain := attachGrain(t, m, hidden)
	seeing := mustCreate(t, m, CreateRequest{
		Version: nmos.V1_2,
		Params:  map[string]any{"query.downgrade": "v1.3"},
	})
	seeingGrain := attachGrain(t, m, seeing)

	insertResource(t, m, nmos.TypeSource, nmos.V1_3, map[string]any{
		"id": "s1", "version": "0:0", "label": "cam", "event_type": "boolean",
	})

	if events := pending(t, m, hiddenGrain); len(events) != 0 {
		t.Fatalf("v1.3 resource must be invisible to plain v1.2 subscription: %+v", events)
	}
	events := pending(t, m, seeingGrain)
	if len(events) != 1 {
		t.Fatalf("downgrade subscription missed the event: %+v", events)
	}
	post := events[0].Post
	if post["label"] != "cam" {
		t.Errorf("downgraded document lost a v1.0 field: %+v", post)
	}
	if _, ok := post["event_type"]; ok {
		t.Errorf("downgraded document must drop fields beyond the target version")
	}
}

func TestWorkQueueOrderAndScope(t *testing.T) {
	m := testModel()
	(&Fanout{Model: m, Log: zerolog.Nop()}).Install()

	m.Lock()
	_, grainID, err := NewWorkQueue(m, "test-source")
	m.Unlock()
	if err != nil {
		t.Fatalf("NewWorkQueue: %v", err)
	}

	insertResource(t, m, nmos.TypeNode, nmos.V1_3, map[string]any{"id": "n1", "version": "0:0", "label": "n"})
	insertResource(t, m, nmos.TypeDevice, nmos.V1_3, map[string]any{"id": "d1", "version": "0:0", "label": "d"})
	mustCreate(t, m, CreateRequest{Version: nmos.V1_3, ResourcePath: "/nodes"})

	events := pending(t, m, grainID)
	if len(events) != 2 {
		t.Fatalf("work queue must see registry mutations only, got %+v", events)
	}
	if events[0].Path != "nodes/n1" || events[1].Path != "devices/d1" {
		t.Errorf("events out of order: %+v", events)
	}

	m.Lock()
	head, ok, err := PopEvent(m.Node, grainID)
	m.Unlock()
	if err != nil || !ok {
		t.Fatalf("PopEvent: %v ok=%v", err, ok)
	}
	if head.Path != "nodes/n1" {
		t.Errorf("pop must return the oldest event, got %+v", head)
	}
	if rest := pending(t, m, grainID); len(rest) != 1 {
		t.Errorf("pop must consume exactly one event: %+v", rest)
	}

	m.Lock()
	err = PrimeRegistry(m.Node, grainID)
	m.Unlock()
	if err != nil {
		t.Fatalf("PrimeRegistry: %v", err)
	}
	events = pending(t, m, grainID)
	if len(events) != 2 {
		t.Fatalf("prime must replay every live registry resource: %+v", events)
	}
	for i, e := range events {
		if e.Type != EventUnchanged {
			t.Errorf("primed event %d must read as unchanged: %+v", i, e)
		}
	}
	if events[0].Path != "nodes/n1" || events[1].Path != "devices/d1" {
		t.Errorf("primed events must follow creation order: %+v", events)
	}

	m.Lock()
	err = ClearEvents(m.Node, grainID)
	m.Unlock()
	if err != nil {
		t.Fatalf("ClearEvents: %v", err)
	}
	if rest := pending(t, m, grainID); len(rest) != 0 {
		t.Errorf("clear must empty the queue: %+v", rest)
	}
}

func TestPrimeSyncVisibleSnapshot(t *testing.T) {
	m := testModel()

	insertResource(t, m, nmos.TypeNode, nmos.V1_3, map[string]any{"id": "n1", "version": "0:0", "label": "keep"})
	insertResource(t, m, nmos.TypeDevice, nmos.V1_3, map[string]any{"id": "d1", "version": "0:0", "label": "keep"})
	insertResource(t, m, nmos.TypeDevice, nmos.V1_3, map[string]any{"id": "d2", "version": "0:0", "label": "drop"})
	m.Lock()
	m.Node.Erase("d1", false)
	m.Unlock()

	sub := mustCreate(t, m, CreateRequest{Version: nmos.V1_3, Params: map[string]any{"label": "keep"}})
	grainID := attachGrain(t, m, sub)

	m.Lock()
	err := PrimeSync(m.Node, sub, grainID, nil)
	m.Unlock()
	if err != nil {
		t.Fatalf("PrimeSync: %v", err)
	}
	events := pending(t, m, grainID)
	if len(events) != 1 {
		t.Fatalf("sync must cover exactly the visible resources: %+v", events)
	}
	e := events[0]
	if e.Type != EventUnchanged || e.Path != "nodes/n1" {
		t.Errorf("unexpected sync event: %+v", e)
	}
}

func TestGrainOverflow(t *testing.T) {
	m := testModel()
	sink := &countingSink{}
	(&Fanout{Model: m, Log: zerolog.Nop(), MaxPending: 2, Sink: sink}).Install()

	sub := mustCreate(t, m, CreateRequest{Version: nmos.V1_3})
	grainID := attachGrain(t, m, sub)

	for _, id := range []string{"n1", "n2", "n3"} {
		insertResource(t, m, nmos.TypeNode, nmos.V1_3, map[string]any{"id": id, "version": "0:0"})
	}

	m.RLock()
	g, _ := m.Node.Find(grainID, nmos.TypeGrain)
	overflowed := grainOverflowed(g.Data)
	left := len(grainEvents(g.Data))
	m.RUnlock()
	if !overflowed {
		t.Fatalf("third event must overflow a queue capped at two")
	}
	if left != 0 {
		t.Errorf("overflow must drop the queue, %d events left", left)
	}
	if sink.queued != 2 || sink.dropped != 1 {
		t.Errorf("sink saw queued=%d dropped=%d, want 2/1", sink.queued, sink.dropped)
	}
}

type countingSink struct {
	queued, dropped, sent, opened, closed int
}

func (c *countingSink) EventQueued()     { c.queued++ }
func (c *countingSink) EventDropped()    { c.dropped++ }
func (c *countingSink) EventsSent(n int) { c.sent += n }
func (c *countingSink) SessionOpened()   { c.opened++ }
func (c *countingSink) SessionClosed()   { c.closed++ }
