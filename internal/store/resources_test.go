package store

import (
	"errors"
	"testing"

	"github.com/nmos-go/nmosnode/internal/nmos"
)

// frozenClock pins the wall clock so every commit exercises the +1ns rule.
func frozenClock(rs *Resources, at nmos.TAI) {
	rs.Now = func() nmos.TAI { return at }
}

func mustInsert(t *testing.T, rs *Resources, rt nmos.ResourceType, id string) {
	t.Helper()
	r, err := nmos.NewResource(rt, nmos.V1_3, map[string]any{"id": id, "version": "0:0"})
	if err != nil {
		t.Fatalf("NewResource: %v", err)
	}
	if err := rs.Insert(r); err != nil {
		t.Fatalf("Insert(%s): %v", id, err)
	}
}

func TestStrictlyIncreasingUpdates(t *testing.T) {
	rs := NewResources()
	frozenClock(rs, nmos.TAI{Seconds: 1000})

	mustInsert(t, rs, nmos.TypeNode, "n1")
	mustInsert(t, rs, nmos.TypeDevice, "d1")
	n1, _ := rs.Get("n1")
	d1, _ := rs.Get("d1")
	if !n1.Updated.Before(d1.Updated) {
		t.Fatalf("updates not strictly increasing: %v then %v", n1.Updated, d1.Updated)
	}
	if d1.Updated != (nmos.TAI{Seconds: 1000, Nanoseconds: 1}) {
		t.Errorf("frozen clock must advance by 1ns: %v", d1.Updated)
	}

	before := rs.MostRecentUpdate()
	if err := rs.Modify("n1", func(r *nmos.Resource) error {
		data := nmos.CloneData(r.Data)
		data["label"] = "x"
		r.Data = data
		return nil
	}); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if !rs.MostRecentUpdate().After(before) {
		t.Errorf("modify must advance the clock")
	}
	n1, _ = rs.Get("n1")
	if n1.Updated != rs.MostRecentUpdate() {
		t.Errorf("modified resource must carry the newest update")
	}
	if n1.Data["version"] != n1.Updated.String() {
		t.Errorf("data version must track updated: %v vs %v", n1.Data["version"], n1.Updated)
	}
	if n1.Updated.Before(n1.Created) {
		t.Errorf("updated must not precede created")
	}
}

func TestInsertDuplicateAndResurrect(t *testing.T) {
	rs := NewResources()
	frozenClock(rs, nmos.TAI{Seconds: 1})
	mustInsert(t, rs, nmos.TypeNode, "n1")

	r, _ := nmos.NewResource(nmos.TypeNode, nmos.V1_3, map[string]any{"id": "n1"})
	if err := rs.Insert(r); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}

	if err := rs.Erase("n1", false); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if err := rs.Insert(r); err != nil {
		t.Fatalf("re-insert over erased: %v", err)
	}
	got, _ := rs.Get("n1")
	if got.IsErased() {
		t.Errorf("resurrected resource must be live")
	}
}

func TestEraseTwoPhase(t *testing.T) {
	rs := NewResources()
	frozenClock(rs, nmos.TAI{Seconds: 5})
	var events []string
	rs.OnCommit(func(pre, post *nmos.Resource) {
		switch {
		case pre == nil:
			events = append(events, "add "+post.ID)
		case post == nil:
			events = append(events, "forget "+pre.ID)
		case post.IsErased():
			events = append(events, "erase "+pre.ID)
		default:
			events = append(events, "mod "+pre.ID)
		}
	})

	mustInsert(t, rs, nmos.TypeSubscription, "s1")
	mustInsert(t, rs, nmos.TypeGrain, "g1")
	sub, _ := rs.Get("s1")
	sub.AddSubResource("g1")

	if err := rs.Erase("s1", false); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	sub, ok := rs.Get("s1")
	if !ok || !sub.IsErased() {
		t.Fatalf("erased resource must remain with nil data")
	}
	if g, ok := rs.Get("g1"); !ok || !g.IsErased() {
		t.Fatalf("sub-resource must be erased too")
	}
	if sub.Health != nmos.HealthForever {
		t.Errorf("erased resources must not participate in health expiry")
	}

	want := []string{"add s1", "add g1", "erase g1", "erase s1"}
	if len(events) != len(want) {
		t.Fatalf("events: got %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: got %q, want %q", i, events[i], want[i])
		}
	}

	cutoff := rs.MostRecentUpdate().PlusNanosecond()
	if n := rs.ForgetErased(cutoff); n != 2 {
		t.Fatalf("ForgetErased: got %d", n)
	}
	if _, ok := rs.Get("s1"); ok {
		t.Errorf("forgotten resource still present")
	}
}

func TestRangeUpdated(t *testing.T) {
	rs := NewResources()
	frozenClock(rs, nmos.TAI{Seconds: 100})
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		mustInsert(t, rs, nmos.TypeSender, id)
	}
	stamp := func(id string) nmos.TAI {
		r, _ := rs.Get(id)
		return r.Updated
	}

	var got []string
	rs.RangeUpdated(stamp("a"), stamp("d"), true, func(r *nmos.Resource) bool {
		got = append(got, r.ID)
		return true
	})
	if len(got) != 3 || got[0] != "b" || got[2] != "d" {
		t.Errorf("since exclusive / until inclusive: got %v", got)
	}

	got = nil
	rs.RangeUpdated(nmos.TAI{}, nmos.MaxTAI, false, func(r *nmos.Resource) bool {
		got = append(got, r.ID)
		return len(got) < 2
	})
	if len(got) != 2 || got[0] != "e" || got[1] != "d" {
		t.Errorf("descending with early stop: got %v", got)
	}

	// Equal bounds yield an empty page.
	got = nil
	rs.RangeUpdated(stamp("c"), stamp("c"), true, func(r *nmos.Resource) bool {
		got = append(got, r.ID)
		return true
	})
	if len(got) != 0 {
		t.Errorf("since == until must be empty: got %v", got)
	}
}

func TestModifyReordersUpdatedIndex(t *testing.T) {
	rs := NewResources()
	frozenClock(rs, nmos.TAI{Seconds: 10})
	for _, id := range []string{"a", "b", "c"} {
		mustInsert(t, rs, nmos.TypeReceiver, id)
	}
	if err := rs.Modify("a", func(r *nmos.Resource) error { return nil }); err != nil {
		t.Fatalf("Modify: %v", err)
	}
	var order []string
	rs.EachByUpdatedDesc(func(r *nmos.Resource) bool {
		order = append(order, r.ID)
		return true
	})
	if order[0] != "a" {
		t.Errorf("modified resource must be newest: %v", order)
	}
	var created []string
	rs.EachByCreated(func(r *nmos.Resource) bool {
		created = append(created, r.ID)
		return true
	})
	if created[0] != "a" || created[2] != "c" {
		t.Errorf("created order must be stable: %v", created)
	}
}

func TestHealth(t *testing.T) {
	rs := NewResources()
	frozenClock(rs, nmos.TAI{Seconds: 50})
	mustInsert(t, rs, nmos.TypeSubscription, "s1")
	mustInsert(t, rs, nmos.TypeSubscription, "s2")

	r, _ := nmos.NewResource(nmos.TypeNode, nmos.V1_3, map[string]any{"id": "n1"})
	r.Health = nmos.HealthForever
	if err := rs.Insert(r); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if got := rs.LeastHealth(); got != 50 {
		t.Fatalf("LeastHealth: got %d", got)
	}
	if err := rs.SetHealth("s1", 80); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}
	if got := rs.LeastHealth(); got != 50 {
		t.Errorf("s2 still at 50: got %d", got)
	}
	if err := rs.SetHealth("s2", 90); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}
	if got := rs.LeastHealth(); got != 80 {
		t.Errorf("LeastHealth after refresh: got %d", got)
	}

	// Health never decreases and forever is sticky.
	if err := rs.SetHealth("s1", 10); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}
	if s1, _ := rs.Get("s1"); s1.Health != 80 {
		t.Errorf("health must not decrease: got %d", s1.Health)
	}
	if err := rs.SetHealth("n1", 99); err != nil {
		t.Fatalf("SetHealth: %v", err)
	}
	if n1, _ := rs.Get("n1"); n1.Health != nmos.HealthForever {
		t.Errorf("forever must be unchanged by heartbeats")
	}
}
