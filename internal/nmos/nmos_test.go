package nmos

import (
	"testing"
	"time"
)

func TestTAIRoundTrip(t *testing.T) {
	for _, s := range []string{"0:0", "1441700400:842972462", "1754000000:1"} {
		ts, err := ParseTAI(s)
		if err != nil {
			t.Fatalf("ParseTAI(%q): %v", s, err)
		}
		if got := ts.String(); got != s {
			t.Errorf("round trip %q: got %q", s, got)
		}
	}
	for _, s := range []string{"", "12", "a:b", "1:-5", "1:1000000000"} {
		if _, err := ParseTAI(s); err == nil {
			t.Errorf("ParseTAI(%q): expected error", s)
		}
	}
}

func TestTAIOffset(t *testing.T) {
	utc := time.Date(2026, 8, 24, 12, 0, 0, 500, time.UTC)
	tai := TAIFromTime(utc)
	if tai.Seconds != utc.Unix()+37 {
		t.Errorf("expected 37s TAI-UTC offset, got %d vs %d", tai.Seconds, utc.Unix())
	}
	if !tai.Time().Equal(utc) {
		t.Errorf("Time() did not invert FromTime: %v vs %v", tai.Time(), utc)
	}
}

func TestTAIOrdering(t *testing.T) {
	a := TAI{Seconds: 10, Nanoseconds: 999999999}
	b := a.PlusNanosecond()
	if b.Seconds != 11 || b.Nanoseconds != 0 {
		t.Fatalf("PlusNanosecond did not carry: %v", b)
	}
	if !a.Before(b) || !b.After(a) || a.Cmp(a) != 0 {
		t.Errorf("ordering broken between %v and %v", a, b)
	}
	if got := b.Sub(a); got != time.Nanosecond {
		t.Errorf("Sub: got %v", got)
	}
	if c := a.Add(-2 * time.Second); c.Seconds != 8 || c.Nanoseconds != 999999999 {
		t.Errorf("Add(-2s): got %v", c)
	}
}

func TestAPIVersionParse(t *testing.T) {
	v, err := ParseAPIVersion("v1.3")
	if err != nil {
		t.Fatalf("ParseAPIVersion: %v", err)
	}
	if v != V1_3 {
		t.Errorf("got %v", v)
	}
	for _, s := range []string{"1.3", "v1", "vx.y", "v-1.0"} {
		if _, err := ParseAPIVersion(s); err == nil {
			t.Errorf("ParseAPIVersion(%q): expected error", s)
		}
	}
	vs, err := ParseVersionList("v1.0, v1.2,v1.3")
	if err != nil {
		t.Fatalf("ParseVersionList: %v", err)
	}
	if len(vs) != 3 || vs[2] != V1_3 {
		t.Errorf("version list: got %v", vs)
	}
	if got := FormatVersionList(vs); got != "v1.0,v1.2,v1.3" {
		t.Errorf("FormatVersionList: got %q", got)
	}
	if got := LatestVersion(vs); got != V1_3 {
		t.Errorf("LatestVersion: got %v", got)
	}
}

func TestTopics(t *testing.T) {
	if TypeNode.Topic() != "nodes" || TypeDevice.Topic() != "devices" {
		t.Errorf("unexpected topics: %q %q", TypeNode.Topic(), TypeDevice.Topic())
	}
	rt, err := TypeFromTopic("receivers")
	if err != nil || rt != TypeReceiver {
		t.Errorf("TypeFromTopic: %v %v", rt, err)
	}
	if _, err := TypeFromTopic("gadgets"); err == nil {
		t.Errorf("expected error for unknown topic")
	}
	if CreationRank(TypeNode) >= CreationRank(TypeReceiver) {
		t.Errorf("nodes must rank before receivers")
	}
}

func TestPermittedDowngrade(t *testing.T) {
	tests := []struct {
		name      string
		rt        ResourceType
		rv        APIVersion
		version   APIVersion
		downgrade APIVersion
		want      bool
	}{
		{"same version", TypeNode, V1_3, V1_3, APIVersion{}, true},
		{"lower resource visible", TypeNode, V1_1, V1_3, APIVersion{}, true},
		{"higher hidden by default", TypeNode, V1_3, V1_1, APIVersion{}, false},
		{"higher shown with downgrade", TypeNode, V1_3, V1_1, V1_1, true},
		{"major mismatch", TypeNode, APIVersion{2, 0}, V1_3, V1_3, false},
		{"downgrade crosses major", TypeNode, V1_3, V1_1, APIVersion{2, 0}, false},
		{"subscription never downgraded", TypeSubscription, V1_3, V1_1, V1_1, false},
	}
	for _, tc := range tests {
		if got := PermittedDowngrade(tc.rt, tc.rv, tc.version, tc.downgrade); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestDowngradeData(t *testing.T) {
	r := Resource{
		Type:    TypeNode,
		Version: V1_3,
		Data: map[string]any{
			"id":         "aa",
			"version":    "1:0",
			"label":      "n",
			"href":       "http://x/",
			"caps":       map[string]any{},
			"api":        map[string]any{"versions": []any{"v1.3"}},
			"interfaces": []any{},
		},
	}
	down := DowngradeData(r, V1_0)
	if _, ok := down["api"]; ok {
		t.Errorf("api must be stripped below v1.1")
	}
	if _, ok := down["interfaces"]; ok {
		t.Errorf("interfaces must be stripped below v1.2")
	}
	if down["label"] != "n" || down["href"] != "http://x/" {
		t.Errorf("v1.0 fields must survive: %v", down)
	}
	at11 := DowngradeData(r, V1_1)
	if _, ok := at11["api"]; !ok {
		t.Errorf("api must survive at v1.1")
	}
	same := DowngradeData(r, V1_3)
	if len(same) != len(r.Data) {
		t.Errorf("no-op downgrade must keep the document")
	}
}

func TestCloneData(t *testing.T) {
	orig := map[string]any{"a": []any{map[string]any{"b": 1.0}}}
	cp := CloneData(orig)
	cp["a"].([]any)[0].(map[string]any)["b"] = 2.0
	if orig["a"].([]any)[0].(map[string]any)["b"] != 1.0 {
		t.Errorf("clone shares nested state")
	}
	if CloneData(nil) != nil {
		t.Errorf("nil clones to nil")
	}
}
