package dnssd

import (
	"context"
	"fmt"
	"sync"
)

// StaticBrowser serves a fixed set of instances per service type. It backs
// the configured-registry fallback and scripted discovery in tests.
type StaticBrowser struct {
	mu       sync.Mutex
	services map[string][]Service
}

func NewStaticBrowser() *StaticBrowser {
	return &StaticBrowser{services: map[string][]Service{}}
}

// Set replaces the instances returned for a service type.
func (b *StaticBrowser) Set(serviceType string, services ...Service) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.services[serviceType] = append([]Service(nil), services...)
}

// Browse implements Browser.
func (b *StaticBrowser) Browse(_ context.Context, serviceType string) ([]Service, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]Service(nil), b.services[serviceType]...)
	ByPriority(out)
	return out, nil
}

// MemoryAdvertiser records advertisements in memory. The integrator bridges
// it to a real mDNS responder; tests inspect it directly.
type MemoryAdvertiser struct {
	mu      sync.Mutex
	entries map[string]Service
}

func NewMemoryAdvertiser() *MemoryAdvertiser {
	return &MemoryAdvertiser{entries: map[string]Service{}}
}

func key(name, serviceType string) string { return name + "." + serviceType }

// Register implements Advertiser.
func (a *MemoryAdvertiser) Register(name, serviceType string, port int, txt map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[key(name, serviceType)] = Service{Name: name, Port: port, TXT: copyTXT(txt)}
	return nil
}

// Update implements Advertiser.
func (a *MemoryAdvertiser) Update(name, serviceType string, txt map[string]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := key(name, serviceType)
	s, ok := a.entries[k]
	if !ok {
		return fmt.Errorf("dnssd: %s not registered", k)
	}
	s.TXT = copyTXT(txt)
	a.entries[k] = s
	return nil
}

// Withdraw implements Advertiser.
func (a *MemoryAdvertiser) Withdraw(name, serviceType string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, key(name, serviceType))
	return nil
}

// Lookup returns the current advertisement, if any.
func (a *MemoryAdvertiser) Lookup(name, serviceType string) (Service, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.entries[key(name, serviceType)]
	return s, ok
}

func copyTXT(txt map[string]string) map[string]string {
	out := make(map[string]string, len(txt))
	for k, v := range txt {
		out[k] = v
	}
	return out
}
