package dnssd

import (
	"context"
	"testing"
)

func TestParseAndFormatTXT(t *testing.T) {
	txt := ParseTXT([]string{"api_ver=v1.2,v1.3", "api_proto=http", "pri=100", "flag"})
	if txt["api_ver"] != "v1.2,v1.3" {
		t.Errorf("api_ver: got %q", txt["api_ver"])
	}
	if txt["api_proto"] != "http" {
		t.Errorf("api_proto: got %q", txt["api_proto"])
	}
	if v, ok := txt["flag"]; !ok || v != "" {
		t.Errorf("bare key must parse with empty value, got %q ok=%v", v, ok)
	}

	strs := FormatTXT(map[string]string{"pri": "1", "api_proto": "http"})
	if len(strs) != 2 || strs[0] != "api_proto=http" || strs[1] != "pri=1" {
		t.Errorf("FormatTXT not sorted key=value: %v", strs)
	}
}

func TestServicePriAndURL(t *testing.T) {
	s := Service{Name: "reg-1", Host: "registry.example.", Port: 8080, TXT: map[string]string{"pri": "10"}}
	if s.Pri() != 10 {
		t.Errorf("Pri: got %d", s.Pri())
	}
	if got := s.URL(); got != "http://registry.example:8080" {
		t.Errorf("URL: got %q", got)
	}

	s.TXT["api_proto"] = "https"
	if got := s.URL(); got != "https://registry.example:8080" {
		t.Errorf("https URL: got %q", got)
	}
	if !s.Secure() {
		t.Errorf("Secure: expected true")
	}

	noPri := Service{Name: "x"}
	if noPri.Pri() <= 254 {
		t.Errorf("missing pri must sort after the whole priority window, got %d", noPri.Pri())
	}
}

func TestByPriority(t *testing.T) {
	services := []Service{
		{Name: "c", TXT: map[string]string{"pri": "100"}},
		{Name: "b", TXT: map[string]string{"pri": "1"}},
		{Name: "a", TXT: map[string]string{"pri": "100"}},
		{Name: "d"},
	}
	ByPriority(services)
	want := []string{"b", "a", "c", "d"}
	for i, name := range want {
		if services[i].Name != name {
			t.Fatalf("order: got %v at %d, want %v", services[i].Name, i, name)
		}
	}
}

func TestStaticBrowser(t *testing.T) {
	b := NewStaticBrowser()
	b.Set(ServiceRegister,
		Service{Name: "low", Host: "r2.example", Port: 80, TXT: map[string]string{"pri": "200"}},
		Service{Name: "high", Host: "r1.example", Port: 80, TXT: map[string]string{"pri": "20"}},
	)

	services, err := b.Browse(context.Background(), ServiceRegister)
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if len(services) != 2 || services[0].Name != "high" {
		t.Fatalf("expected priority order, got %+v", services)
	}

	empty, err := b.Browse(context.Background(), ServiceAuth)
	if err != nil || len(empty) != 0 {
		t.Fatalf("unset type must browse empty, got %v %v", empty, err)
	}
}

func TestMemoryAdvertiser(t *testing.T) {
	a := NewMemoryAdvertiser()
	if err := a.Update("node", ServiceNode, map[string]string{"ver_slf": "1"}); err == nil {
		t.Fatalf("Update before Register must fail")
	}

	txt := map[string]string{"api_ver": "v1.3", "pri": "100"}
	if err := a.Register("node", ServiceNode, 3212, txt); err != nil {
		t.Fatalf("Register: %v", err)
	}
	txt["mutated"] = "yes"
	s, ok := a.Lookup("node", ServiceNode)
	if !ok {
		t.Fatalf("Lookup after Register")
	}
	if _, leaked := s.TXT["mutated"]; leaked {
		t.Errorf("advertiser must copy TXT maps")
	}

	if err := a.Update("node", ServiceNode, map[string]string{"ver_slf": "2"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	s, _ = a.Lookup("node", ServiceNode)
	if s.TXT["ver_slf"] != "2" {
		t.Errorf("Update must replace TXT, got %v", s.TXT)
	}
	if s.Port != 3212 {
		t.Errorf("Update must keep port, got %d", s.Port)
	}

	if err := a.Withdraw("node", ServiceNode); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if _, ok := a.Lookup("node", ServiceNode); ok {
		t.Errorf("Lookup after Withdraw must miss")
	}
}
