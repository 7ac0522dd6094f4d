package dnssd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// UnicastBrowser resolves DNS-SD instances over unicast DNS (RFC 6763
// section 4): a PTR query on "<serviceType>.<domain>" enumerates instance
// names, then SRV and TXT lookups fill in host, port and metadata.
type UnicastBrowser struct {
	// Server is the DNS server address as "host:port".
	Server string
	// Domain is the search domain the services are registered under.
	Domain string
	// Timeout bounds each DNS exchange.
	Timeout time.Duration

	client *dns.Client
}

// NewUnicastBrowser builds a browser against one DNS server.
func NewUnicastBrowser(server, domain string, timeout time.Duration) *UnicastBrowser {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &UnicastBrowser{
		Server:  server,
		Domain:  domain,
		Timeout: timeout,
		client:  &dns.Client{Timeout: timeout},
	}
}

// Browse implements Browser.
func (b *UnicastBrowser) Browse(ctx context.Context, serviceType string) ([]Service, error) {
	base := dns.Fqdn(serviceType + "." + strings.Trim(b.Domain, "."))
	ptr, err := b.exchange(ctx, base, dns.TypePTR)
	if err != nil {
		return nil, fmt.Errorf("browse %s: %w", serviceType, err)
	}

	// Additional-section records often carry the SRV and TXT data already,
	// so collect those before issuing follow-up queries.
	found := map[string]*Service{}
	collect := func(rrs []dns.RR) {
		for _, rr := range rrs {
			switch v := rr.(type) {
			case *dns.SRV:
				s := ensure(found, v.Hdr.Name)
				s.Host = strings.TrimSuffix(v.Target, ".")
				s.Port = int(v.Port)
			case *dns.TXT:
				ensure(found, v.Hdr.Name).TXT = ParseTXT(v.Txt)
			}
		}
	}
	var instances []string
	for _, rr := range ptr.Answer {
		if p, ok := rr.(*dns.PTR); ok {
			instances = append(instances, p.Ptr)
		}
	}
	collect(ptr.Extra)

	var services []Service
	for _, instance := range instances {
		s := ensure(found, instance)
		if s.Host == "" {
			srv, err := b.exchange(ctx, instance, dns.TypeSRV)
			if err != nil {
				continue
			}
			collect(srv.Answer)
			collect(srv.Extra)
		}
		if s.TXT == nil {
			if txt, err := b.exchange(ctx, instance, dns.TypeTXT); err == nil {
				collect(txt.Answer)
			}
		}
		if s.Host == "" || s.Port == 0 {
			continue
		}
		if s.TXT == nil {
			s.TXT = map[string]string{}
		}
		services = append(services, *s)
	}
	ByPriority(services)
	return services, nil
}

func (b *UnicastBrowser) exchange(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	resp, _, err := b.client.ExchangeContext(ctx, m, b.Server)
	if err != nil {
		return nil, err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%s %s: %s", dns.TypeToString[qtype], name, dns.RcodeToString[resp.Rcode])
	}
	return resp, nil
}

func ensure(m map[string]*Service, instance string) *Service {
	if s, ok := m[instance]; ok {
		return s
	}
	name := instance
	if i := strings.Index(instance, "._"); i > 0 {
		name = strings.TrimSuffix(instance[:i], ".")
	}
	s := &Service{Name: name}
	m[instance] = s
	return s
}
