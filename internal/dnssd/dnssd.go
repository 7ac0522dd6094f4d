// Package dnssd provides DNS-SD browsing and advertisement for the NMOS
// service types. The production mDNS responder is supplied by the
// integrator; this package defines the interfaces plus a unicast DNS-SD
// browser, a static browser for configured registries and an in-memory
// advertiser.
package dnssd

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// NMOS DNS-SD service types.
const (
	ServiceNode         = "_nmos-node._tcp"
	ServiceRegistration = "_nmos-registration._tcp"
	ServiceRegister     = "_nmos-register._tcp"
	ServiceQuery        = "_nmos-query._tcp"
	ServiceAuth         = "_nmos-auth._tcp"
	ServiceSystem       = "_nmos-system._tcp"
)

// Service is one browsed DNS-SD instance.
type Service struct {
	// Name is the instance name, unique per service type.
	Name string
	Host string
	Port int
	TXT  map[string]string
}

// Browser discovers instances of a DNS-SD service type. Implementations
// must be safe for concurrent use.
type Browser interface {
	Browse(ctx context.Context, serviceType string) ([]Service, error)
}

// Advertiser announces this node's own services. Register announces an
// instance, Update replaces its TXT records in place and Withdraw removes
// it.
type Advertiser interface {
	Register(name, serviceType string, port int, txt map[string]string) error
	Update(name, serviceType string, txt map[string]string) error
	Withdraw(name, serviceType string) error
}

// Pri returns the instance's advertised priority. Instances without a
// usable pri TXT record sort last.
func (s Service) Pri() int {
	v, ok := s.TXT["pri"]
	if !ok {
		return int(^uint(0) >> 1)
	}
	pri, err := strconv.Atoi(v)
	if err != nil || pri < 0 {
		return int(^uint(0) >> 1)
	}
	return pri
}

// Secure reports whether the instance advertises api_proto=https.
func (s Service) Secure() bool { return s.TXT["api_proto"] == "https" }

// URL composes the instance's base URL from its host, port and api_proto.
func (s Service) URL() string {
	proto := s.TXT["api_proto"]
	if proto == "" {
		proto = "http"
	}
	host := strings.TrimSuffix(s.Host, ".")
	return fmt.Sprintf("%s://%s:%d", proto, host, s.Port)
}

// ParseTXT splits DNS TXT strings of the form "key=value" into a map.
// Strings without '=' are kept with an empty value.
func ParseTXT(strs []string) map[string]string {
	txt := make(map[string]string, len(strs))
	for _, s := range strs {
		k, v, _ := strings.Cut(s, "=")
		txt[k] = v
	}
	return txt
}

// FormatTXT renders a TXT map back to "key=value" strings in sorted key
// order, so advertisements are deterministic.
func FormatTXT(txt map[string]string) []string {
	keys := make([]string, 0, len(txt))
	for k := range txt {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+txt[k])
	}
	return out
}

// ByPriority orders services by ascending pri, ties broken by name for
// stable failover order.
func ByPriority(services []Service) {
	sort.SliceStable(services, func(i, j int) bool {
		pi, pj := services[i].Pri(), services[j].Pri()
		if pi != pj {
			return pi < pj
		}
		return services[i].Name < services[j].Name
	})
}
