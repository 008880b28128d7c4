package store

import (
	"fmt"
	"testing"
	"time"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New()
	s.Set("foo", []byte("bar"))
	v, ok := s.Get("foo")
	if !ok || string(v) != "bar" {
		t.Fatalf("got %q %v", v, ok)
	}
	if ttl := s.TTL("foo"); ttl != -1 {
		t.Fatalf("fresh key should have no ttl, got %d", ttl)
	}
	s.Set("foo", []byte("baz"))
	v, _ = s.Get("foo")
	if string(v) != "baz" {
		t.Fatalf("got %q", v)
	}
	if _, ok := s.Get("missing"); ok {
		t.Fatal("missing key should not be found")
	}
}

func TestDelCountsExactly(t *testing.T) {
	s := New()
	s.Set("a", []byte("1"))
	s.Set("b", []byte("2"))
	if n := s.Del("a", "b", "c"); n != 2 {
		t.Fatalf("del returned %d, want 2", n)
	}
	if n := s.Exists("a", "b", "c"); n != 0 {
		t.Fatalf("exists returned %d, want 0", n)
	}
}

func TestExistsCountsDuplicates(t *testing.T) {
	s := New()
	s.Set("a", []byte("1"))
	if n := s.Exists("a", "a", "b"); n != 2 {
		t.Fatalf("exists returned %d, want 2", n)
	}
}

func TestExpireOnlyPresentKeys(t *testing.T) {
	s := New()
	if s.Expire("missing", 10) {
		t.Fatal("expire on a missing key must fail")
	}
	if ttl := s.TTL("missing"); ttl != -2 {
		t.Fatalf("ttl of missing key = %d, want -2", ttl)
	}
}

func TestTTLLifecycle(t *testing.T) {
	s := New()
	s.Set("k", []byte("v"))
	if !s.Expire("k", 10) {
		t.Fatal("expire failed")
	}
	ttl := s.TTL("k")
	if ttl < 9 || ttl > 10 {
		t.Fatalf("ttl = %d, want ~10", ttl)
	}
	// set clears the ttl
	s.Set("k", []byte("v2"))
	if ttl := s.TTL("k"); ttl != -1 {
		t.Fatalf("set should clear ttl, got %d", ttl)
	}
	// persist clears the ttl
	s.Expire("k", 10)
	if !s.Persist("k") {
		t.Fatal("persist failed")
	}
	if ttl := s.TTL("k"); ttl != -1 {
		t.Fatalf("persist should clear ttl, got %d", ttl)
	}
	if s.Persist("k") {
		t.Fatal("persist without ttl should report false")
	}
}

func TestExpirationFires(t *testing.T) {
	s := New()
	s.Set("k", []byte("v"))
	s.Expire("k", 0)
	time.Sleep(50 * time.Millisecond)
	if _, ok := s.Get("k"); ok {
		t.Fatal("key should be gone")
	}
	if ttl := s.TTL("k"); ttl != -2 {
		t.Fatalf("ttl = %d, want -2", ttl)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("len = %d, want 0", n)
	}
}

func TestNegativeSecondsExpireImmediately(t *testing.T) {
	s := New()
	s.Set("k", []byte("v"))
	if !s.Expire("k", -5) {
		t.Fatal("expire failed")
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok := s.Get("k"); ok {
		t.Fatal("key should be gone")
	}
}

// TestStaleTimerDoesNotFire replaces a key before its timer fires; the
// old timer must not remove the new value.
func TestStaleTimerDoesNotFire(t *testing.T) {
	s := New()
	s.Set("k", []byte("old"))
	s.Expire("k", 1)
	s.Set("k", []byte("new"))
	time.Sleep(1200 * time.Millisecond)
	v, ok := s.Get("k")
	if !ok || string(v) != "new" {
		t.Fatalf("got %q %v, want the replacement to survive", v, ok)
	}
}

func TestExpiredKeyNotObservable(t *testing.T) {
	s := New()
	s.Set("k", []byte("v"))
	s.Expire("k", 100)
	s.mu.Lock()
	// force a deadline in the past without waiting for the timer
	e := s.items["k"]
	e.timer.Stop()
	e.deadline = time.Now().Add(-time.Second)
	s.mu.Unlock()
	if _, ok := s.Get("k"); ok {
		t.Fatal("expired key must not be observable")
	}
	if s.Exists("k") != 0 || s.Type("k") != "none" {
		t.Fatal("expired key leaked through exists/type")
	}
	if len(s.Keys("*")) != 0 {
		t.Fatal("expired key leaked through keys")
	}
}

func TestKeysGlob(t *testing.T) {
	s := New()
	for _, k := range []string{"user:1", "user:2", "order:1", "ux"} {
		s.Set(k, []byte("v"))
	}
	if got := s.Keys("user:*"); len(got) != 2 {
		t.Fatalf("user:* matched %v", got)
	}
	if got := s.Keys("u?er:1"); len(got) != 1 || got[0] != "user:1" {
		t.Fatalf("u?er:1 matched %v", got)
	}
	if got := s.Keys("[uo]*"); len(got) != 4 {
		t.Fatalf("[uo]* matched %v", got)
	}
	if got := s.Keys("*"); len(got) != 4 {
		t.Fatalf("* matched %v", got)
	}
}

func TestScanWalksEverything(t *testing.T) {
	s := New()
	want := map[string]bool{}
	for i := 0; i < 25; i++ {
		k := fmt.Sprintf("key:%02d", i)
		s.Set(k, []byte("v"))
		want[k] = true
	}
	got := map[string]bool{}
	var cursor uint64
	rounds := 0
	for {
		next, keys := s.Scan(cursor, "", 7)
		for _, k := range keys {
			got[k] = true
		}
		rounds++
		if next == 0 {
			break
		}
		cursor = next
		if rounds > 10 {
			t.Fatal("scan did not terminate")
		}
	}
	if len(got) != len(want) {
		t.Fatalf("scan returned %d keys, want %d", len(got), len(want))
	}
	// one full pass takes ceil(25/7) = 4 rounds
	if rounds != 4 {
		t.Fatalf("scan took %d rounds, want 4", rounds)
	}
}

func TestScanMatch(t *testing.T) {
	s := New()
	s.Set("a1", []byte("v"))
	s.Set("a2", []byte("v"))
	s.Set("b1", []byte("v"))
	_, keys := s.Scan(0, "a*", 100)
	if len(keys) != 2 {
		t.Fatalf("scan match returned %v", keys)
	}
}

func TestTypeAndLen(t *testing.T) {
	s := New()
	if s.Type("k") != "none" {
		t.Fatal("missing key should be none")
	}
	s.Set("k", []byte("v"))
	if s.Type("k") != "string" {
		t.Fatal("present key should be string")
	}
	if s.Len() != 1 {
		t.Fatalf("len = %d", s.Len())
	}
	s.Expire("k", 100)
	if s.ExpireCount() != 1 {
		t.Fatalf("expires = %d", s.ExpireCount())
	}
	s.Flush()
	if s.Len() != 0 || s.ExpireCount() != 0 {
		t.Fatal("flush should empty the store")
	}
}
