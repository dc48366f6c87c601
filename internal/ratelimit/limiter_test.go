package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestNilLimiterAllowsEverything(t *testing.T) {
	l := New(0, 10, time.Minute)
	if l != nil {
		t.Fatal("expected nil limiter for zero rps")
	}
	for i := 0; i < 100; i++ {
		if !l.AllowN("ip:1.2.3.4", 5, time.Now()) {
			t.Fatal("nil limiter rejected a request")
		}
	}
	if l.Len() != 0 {
		t.Errorf("nil limiter tracks %d keys", l.Len())
	}
}

func TestBurstThenReject(t *testing.T) {
	l := New(1, 3, time.Minute)
	now := time.Unix(1000, 0)
	for i := 0; i < 3; i++ {
		if !l.AllowN("a", 1, now) {
			t.Fatalf("request %d rejected within burst", i)
		}
	}
	if l.AllowN("a", 1, now) {
		t.Fatal("expected rejection after burst")
	}
	if !l.AllowN("b", 1, now) {
		t.Fatal("keys must not share a bucket")
	}
	if !l.AllowN("a", 1, now.Add(time.Second)) {
		t.Fatal("expected a token to be refilled after one second")
	}
}

func TestAllowNConsumesSeveralTokens(t *testing.T) {
	l := New(1, 5, time.Minute)
	now := time.Unix(1000, 0)
	if !l.AllowN("a", 4, now) {
		t.Fatal("expected 4 tokens to be available")
	}
	if l.AllowN("a", 2, now) {
		t.Fatal("expected only 1 token left")
	}
	if l.AllowN("a", 6, now.Add(time.Hour)) {
		t.Fatal("a batch larger than the burst can never pass")
	}
}

func TestEmptyKeyIsNotLimited(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Unix(1000, 0)
	for i := 0; i < 10; i++ {
		if !l.AllowN("", 1, now) {
			t.Fatal("empty key was limited")
		}
	}
	if l.Len() != 0 {
		t.Errorf("empty key was tracked, have %d keys", l.Len())
	}
}

func TestIdleEntriesAreEvicted(t *testing.T) {
	l := New(10, 10, time.Second)
	start := time.Unix(1000, 0)
	l.AllowN("idle", 1, start)
	l.AllowN("busy", 1, start.Add(500*time.Millisecond))
	if l.Len() != 2 {
		t.Fatalf("expected 2 keys before the TTL passes, have %d", l.Len())
	}

	l.AllowN("busy", 1, start.Add(time.Second))
	if l.Len() != 2 {
		t.Fatalf("idle key dropped before it was idle for the TTL, have %d keys", l.Len())
	}
	// One call after the TTL is enough to sweep.
	l.AllowN("busy", 1, start.Add(time.Hour))
	if l.Len() != 1 {
		t.Errorf("expected idle key to be evicted, have %d keys", l.Len())
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.7:5555"
	if got := ClientKey(r); got != "ip:10.0.0.7" {
		t.Errorf("ClientKey = %q", got)
	}
	r.RemoteAddr = "garbage"
	if got := ClientKey(r); got != "ip:garbage" {
		t.Errorf("ClientKey = %q", got)
	}
}
