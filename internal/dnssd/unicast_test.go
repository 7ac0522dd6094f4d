package dnssd

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startTestDNS runs a DNS server on a loopback UDP port serving the given
// zone records and returns its address.
func startTestDNS(t *testing.T, records map[uint16]map[string][]dns.RR) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)
		q := req.Question[0]
		if byName, ok := records[q.Qtype]; ok {
			m.Answer = append(m.Answer, byName[q.Name]...)
		}
		_ = w.WriteMsg(m)
	})
	srv := &dns.Server{PacketConn: pc, Handler: mux}
	go func() { _ = srv.ActivateAndServe() }()
	t.Cleanup(func() { _ = srv.Shutdown() })
	return pc.LocalAddr().String()
}

func rr(t *testing.T, s string) dns.RR {
	t.Helper()
	r, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("NewRR(%q): %v", s, err)
	}
	return r
}

func TestUnicastBrowse(t *testing.T) {
	const zone = "_nmos-register._tcp.test.example."
	const inst1 = "reg-1._nmos-register._tcp.test.example."
	const inst2 = "reg-2._nmos-register._tcp.test.example."
	addr := startTestDNS(t, map[uint16]map[string][]dns.RR{
		dns.TypePTR: {
			zone: {
				rr(t, zone+" 30 IN PTR "+inst1),
				rr(t, zone+" 30 IN PTR "+inst2),
			},
		},
		dns.TypeSRV: {
			inst1: {rr(t, inst1+" 30 IN SRV 0 0 8235 reg-1.test.example.")},
			inst2: {rr(t, inst2+" 30 IN SRV 0 0 8236 reg-2.test.example.")},
		},
		dns.TypeTXT: {
			inst1: {rr(t, inst1+` 30 IN TXT "api_ver=v1.2,v1.3" "api_proto=http" "pri=100"`)},
			inst2: {rr(t, inst2+` 30 IN TXT "api_ver=v1.3" "api_proto=http" "pri=10"`)},
		},
	})

	b := NewUnicastBrowser(addr, "test.example", time.Second)
	services, err := b.Browse(context.Background(), ServiceRegister)
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %+v", services)
	}
	// reg-2 advertises the lower pri and must sort first.
	if services[0].Name != "reg-2" || services[0].Host != "reg-2.test.example" || services[0].Port != 8236 {
		t.Errorf("first service: %+v", services[0])
	}
	if services[0].URL() != "http://reg-2.test.example:8236" {
		t.Errorf("URL: %q", services[0].URL())
	}
	if services[1].TXT["api_ver"] != "v1.2,v1.3" {
		t.Errorf("TXT: %v", services[1].TXT)
	}
}

func TestUnicastBrowseEmpty(t *testing.T) {
	addr := startTestDNS(t, nil)
	b := NewUnicastBrowser(addr, "test.example", time.Second)
	services, err := b.Browse(context.Background(), ServiceAuth)
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if len(services) != 0 {
		t.Errorf("expected no services, got %+v", services)
	}
}

func TestUnicastBrowseSkipsIncomplete(t *testing.T) {
	const zone = "_nmos-register._tcp.test.example."
	const inst = "broken._nmos-register._tcp.test.example."
	addr := startTestDNS(t, map[uint16]map[string][]dns.RR{
		dns.TypePTR: {zone: {rr(t, zone+" 30 IN PTR "+inst)}},
		// No SRV record for the instance.
		dns.TypeTXT: {inst: {rr(t, inst+` 30 IN TXT "pri=1"`)}},
	})

	b := NewUnicastBrowser(addr, "test.example", time.Second)
	services, err := b.Browse(context.Background(), ServiceRegister)
	if err != nil {
		t.Fatalf("Browse: %v", err)
	}
	if len(services) != 0 {
		t.Errorf("instance without SRV must be skipped, got %+v", services)
	}
}
