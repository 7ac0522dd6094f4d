package auth

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/puzpuzpuz/xsync/v4"
)

// Token is a bearer access token as held by the controller.
type Token struct {
	AccessToken string
	Type        string
	Refresh     string
	Expiry      time.Time
	Scopes      []string
}

// Valid reports whether the token exists and has not expired.
func (t Token) Valid() bool {
	return t.AccessToken != "" && time.Now().Before(t.Expiry)
}

// Issuer is one authorization server's cached metadata and signing keys.
type Issuer struct {
	Metadata  ServerMetadata
	Keys      jose.JSONWebKeySet
	FetchedAt time.Time
}

// flow is one in-progress authorization-code exchange, keyed by its
// state nonce. The callback handler completes it; the controller waits
// on it.
type flow struct {
	code    string
	failure string
	done    bool
}

// State is the authorization state shared between the controller, the
// token-issuer helper and the resource-server middleware: the current
// bearer token, the per-issuer key cache, pending authorization-code
// flows and the issuer-fetch request raised when validation meets a
// token from an unknown issuer.
type State struct {
	issuers *xsync.Map[string, *Issuer]

	mu          sync.RWMutex
	changed     chan struct{}
	bearer      Token
	flows       map[string]*flow
	fetchIssuer string
}

func NewState() *State {
	return &State{
		issuers: xsync.NewMap[string, *Issuer](),
		changed: make(chan struct{}),
		flows:   map[string]*flow{},
	}
}

// notify wakes every waiter. Callers hold the write lock.
func (s *State) notify() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// wait blocks until pred holds, ctx ends or the timeout passes (zero
// means no timeout). It reports the final value of pred.
func (s *State) wait(ctx context.Context, d time.Duration, pred func() bool) bool {
	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	s.mu.RLock()
	for {
		if pred() {
			s.mu.RUnlock()
			return true
		}
		ch := s.changed
		s.mu.RUnlock()
		select {
		case <-ctx.Done():
			return false
		case <-timeout:
			s.mu.RLock()
			ok := pred()
			s.mu.RUnlock()
			return ok
		case <-ch:
		}
		s.mu.RLock()
	}
}

// Bearer returns the current access token.
func (s *State) Bearer() (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bearer, s.bearer.AccessToken != ""
}

// SetBearer publishes a freshly obtained access token.
func (s *State) SetBearer(t Token) {
	s.mu.Lock()
	s.bearer = t
	s.notify()
	s.mu.Unlock()
}

// ClearBearer drops the access token, so outgoing requests fail closed
// until the next grant succeeds.
func (s *State) ClearBearer() {
	s.mu.Lock()
	s.bearer = Token{}
	s.notify()
	s.mu.Unlock()
}

// Authorize attaches the bearer token to an outgoing request. It fails
// when no valid token is held so requests never leave with expired
// credentials.
func (s *State) Authorize(req *http.Request) error {
	s.mu.RLock()
	t := s.bearer
	s.mu.RUnlock()
	if !t.Valid() {
		return fmt.Errorf("no valid access token")
	}
	req.Header.Set("Authorization", "Bearer "+t.AccessToken)
	return nil
}

// Issuer returns the cached metadata and keys for an issuer URI.
func (s *State) Issuer(uri string) (*Issuer, bool) {
	return s.issuers.Load(normalizeIssuer(uri))
}

// SetIssuer caches an issuer's metadata and keys.
func (s *State) SetIssuer(uri string, iss *Issuer) {
	s.issuers.Store(normalizeIssuer(uri), iss)
}

// Issuers lists the cached issuer URIs in sorted order.
func (s *State) Issuers() []string {
	var out []string
	s.issuers.Range(func(uri string, _ *Issuer) bool {
		out = append(out, uri)
		return true
	})
	sort.Strings(out)
	return out
}

// Trailing-slash differences between token iss claims and configured
// server URIs must not split the cache.
func normalizeIssuer(uri string) string { return strings.TrimSuffix(uri, "/") }

// RequestIssuerKeys records that validation met a token from an issuer
// with no usable cached keys and wakes the token-issuer helper. An
// earlier pending request is kept; one fetch at a time is enough.
func (s *State) RequestIssuerKeys(uri string) {
	s.mu.Lock()
	if s.fetchIssuer == "" {
		s.fetchIssuer = uri
		s.notify()
	}
	s.mu.Unlock()
}

// AwaitIssuerRequest blocks until an issuer fetch is requested. ok is
// false when ctx ends first.
func (s *State) AwaitIssuerRequest(ctx context.Context) (string, bool) {
	var uri string
	ok := s.wait(ctx, 0, func() bool {
		uri = s.fetchIssuer
		return uri != ""
	})
	return uri, ok
}

// FinishIssuerRequest clears the pending fetch whether it succeeded or
// not; a later rejected token raises it again.
func (s *State) FinishIssuerRequest(uri string) {
	s.mu.Lock()
	if s.fetchIssuer == uri {
		s.fetchIssuer = ""
		s.notify()
	}
	s.mu.Unlock()
}

// BeginFlow registers an authorization-code flow about to be handed to
// the user agent.
func (s *State) BeginFlow(nonce string) {
	s.mu.Lock()
	s.flows[nonce] = &flow{}
	s.mu.Unlock()
}

// AbandonFlow discards a flow that never reached the user agent.
func (s *State) AbandonFlow(nonce string) {
	s.mu.Lock()
	delete(s.flows, nonce)
	s.mu.Unlock()
}

// CompleteFlow delivers the callback result for a flow and reports
// whether the nonce matched a pending one. Stale or replayed callbacks
// report false.
func (s *State) CompleteFlow(nonce, code, failure string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[nonce]
	if !ok || f.done {
		return false
	}
	f.code, f.failure = code, failure
	f.done = true
	s.notify()
	return true
}

// AwaitFlow waits for the callback to complete a flow, bounded by d,
// and returns the authorization code. The flow is forgotten either way.
func (s *State) AwaitFlow(ctx context.Context, nonce string, d time.Duration) (string, error) {
	var f flow
	done := s.wait(ctx, d, func() bool {
		p, ok := s.flows[nonce]
		if ok && p.done {
			f = *p
			return true
		}
		return false
	})
	s.mu.Lock()
	delete(s.flows, nonce)
	s.mu.Unlock()
	if !done {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("authorization flow timed out")
	}
	if f.failure != "" {
		return "", fmt.Errorf("authorization flow failed: %s", f.failure)
	}
	return f.code, nil
}
