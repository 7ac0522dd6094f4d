package auth

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStateAuthorize(t *testing.T) {
	s := NewState()
	req := httptest.NewRequest("POST", "http://registry.test/x-nmos/registration/v1.3/resource", nil)
	if err := s.Authorize(req); err == nil {
		t.Fatal("authorize with no token succeeded")
	}

	s.SetBearer(Token{AccessToken: "tok-1", Type: "Bearer", Expiry: time.Now().Add(time.Minute)})
	if err := s.Authorize(req); err != nil {
		t.Fatalf("authorize: %v", err)
	}
	if got := req.Header.Get("Authorization"); got != "Bearer tok-1" {
		t.Fatalf("authorization header = %q", got)
	}

	// Expired tokens are never attached.
	s.SetBearer(Token{AccessToken: "tok-2", Type: "Bearer", Expiry: time.Now().Add(-time.Minute)})
	if err := s.Authorize(req); err == nil {
		t.Fatal("authorize with expired token succeeded")
	}

	s.SetBearer(Token{AccessToken: "tok-3", Type: "Bearer", Expiry: time.Now().Add(time.Minute)})
	s.ClearBearer()
	if err := s.Authorize(req); err == nil {
		t.Fatal("authorize after clear succeeded")
	}
}

func TestFlowRendezvous(t *testing.T) {
	s := NewState()
	s.BeginFlow("nonce-1")
	if s.CompleteFlow("unknown", "c", "") {
		t.Fatal("unknown nonce accepted")
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		if !s.CompleteFlow("nonce-1", "the-code", "") {
			t.Error("pending nonce rejected")
		}
	}()
	code, err := s.AwaitFlow(context.Background(), "nonce-1", time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if code != "the-code" {
		t.Fatalf("code = %q, want the-code", code)
	}

	// The nonce is single use.
	if s.CompleteFlow("nonce-1", "again", "") {
		t.Fatal("completed nonce accepted twice")
	}
}

func TestFlowFailureAndTimeout(t *testing.T) {
	s := NewState()
	s.BeginFlow("denied")
	s.CompleteFlow("denied", "", "access_denied")
	if _, err := s.AwaitFlow(context.Background(), "denied", time.Second); err == nil || !strings.Contains(err.Error(), "access_denied") {
		t.Fatalf("await denied flow: %v", err)
	}

	s.BeginFlow("quiet")
	if _, err := s.AwaitFlow(context.Background(), "quiet", 20*time.Millisecond); err == nil {
		t.Fatal("await without callback succeeded")
	}
}

func TestIssuerRequestCoalesces(t *testing.T) {
	s := NewState()
	s.RequestIssuerKeys("https://first.test")
	s.RequestIssuerKeys("https://second.test")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	iss, ok := s.AwaitIssuerRequest(ctx)
	if !ok || iss != "https://first.test" {
		t.Fatalf("issuer request = %q, %v", iss, ok)
	}

	// Finishing a different issuer leaves the pending one in place.
	s.FinishIssuerRequest("https://second.test")
	iss, ok = s.AwaitIssuerRequest(ctx)
	if !ok || iss != "https://first.test" {
		t.Fatalf("issuer request after stray finish = %q, %v", iss, ok)
	}
	s.FinishIssuerRequest("https://first.test")

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx2, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel2()
		if _, ok := s.AwaitIssuerRequest(ctx2); ok {
			t.Error("await on cleared request succeeded")
		}
	}()
	<-done
}

func TestIssuerCacheNormalizesTrailingSlash(t *testing.T) {
	s := NewState()
	s.SetIssuer("https://as.test/", &Issuer{FetchedAt: time.Now()})
	if _, ok := s.Issuer("https://as.test"); !ok {
		t.Fatal("issuer not found without trailing slash")
	}
	if _, ok := s.Issuer("https://as.test/"); !ok {
		t.Fatal("issuer not found with trailing slash")
	}
	if got := s.Issuers(); len(got) != 1 {
		t.Fatalf("issuers = %v, want one entry", got)
	}
}
