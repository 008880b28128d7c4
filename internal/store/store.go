// Package store implements the in-memory string key/value store with
// per-key TTL expiration.
//
// All mutations are serialized behind one mutex; no operation blocks on
// I/O while holding it. Expiration uses one-shot timers; a generation
// counter per entry guards against a canceled timer racing its fire.
package store

import (
	"math"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/tidwall/match"
)

type entry struct {
	value    []byte
	deadline time.Time // zero means no expiry
	timer    *time.Timer
	gen      uint64
}

type indexKey string

// Less orders index keys lexically.
func (k indexKey) Less(than btree.Item) bool {
	return k < than.(indexKey)
}

// Store is a string key/value map with optional per-key TTL.
type Store struct {
	mu      sync.Mutex
	items   map[string]*entry
	index   *btree.BTree // ordered key index for KEYS and SCAN
	nextGen uint64
	expires int // entries carrying a deadline
}

// New creates an empty store.
func New() *Store {
	return &Store{
		items: make(map[string]*entry),
		index: btree.New(16),
	}
}

// live reports whether e is observable: present and not past its deadline.
// Keys whose timer has not fired yet but whose deadline has passed are
// treated as absent.
func live(e *entry, now time.Time) bool {
	return e != nil && (e.deadline.IsZero() || e.deadline.After(now))
}

// Set stores value under key, clearing any previous TTL.
func (s *Store) Set(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		e = &entry{}
		s.items[key] = e
		s.index.ReplaceOrInsert(indexKey(key))
	}
	s.dropDeadline(e)
	s.nextGen++
	e.gen = s.nextGen
	e.value = value
}

// Get returns the value for key, or nil and false when the key is absent
// or expired.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.items[key]
	if !live(e, time.Now()) {
		return nil, false
	}
	return e.value, true
}

// Del removes each present key, returning how many were removed. Pending
// TTL timers for the removed keys are canceled.
func (s *Store) Del(keys ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var n int
	for _, key := range keys {
		e, ok := s.items[key]
		if !ok {
			continue
		}
		wasLive := live(e, now)
		s.remove(key, e)
		if wasLive {
			n++
		}
	}
	return n
}

// Exists counts present keys; duplicates count multiply.
func (s *Store) Exists(keys ...string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var n int
	for _, key := range keys {
		if live(s.items[key], now) {
			n++
		}
	}
	return n
}

// Expire schedules key to expire after the given seconds. Negative seconds
// collapse to zero (expires on the next tick). Returns false when the key
// is absent.
func (s *Store) Expire(key string, seconds int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	e := s.items[key]
	if !live(e, now) {
		return false
	}
	if seconds < 0 {
		seconds = 0
	}
	s.dropDeadline(e)
	s.nextGen++
	e.gen = s.nextGen
	e.deadline = now.Add(time.Duration(seconds) * time.Second)
	s.expires++
	gen := e.gen
	e.timer = time.AfterFunc(time.Duration(seconds)*time.Second, func() {
		s.expire(key, gen)
	})
	return true
}

// expire is the timer callback. The generation check makes a canceled or
// superseded timer a no-op even if it already left the timer wheel.
func (s *Store) expire(key string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok || e.gen != gen {
		return
	}
	s.remove(key, e)
}

// TTL returns the remaining time of key in seconds: -2 when absent,
// -1 when present without expiry, otherwise the non-negative ceiling of
// the remaining time.
func (s *Store) TTL(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	e := s.items[key]
	if !live(e, now) {
		return -2
	}
	if e.deadline.IsZero() {
		return -1
	}
	secs := int64(math.Ceil(e.deadline.Sub(now).Seconds()))
	if secs < 0 {
		secs = 0
	}
	return secs
}

// Persist clears the TTL of key. Returns true when a TTL was removed.
func (s *Store) Persist(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.items[key]
	if !live(e, time.Now()) || e.deadline.IsZero() {
		return false
	}
	s.dropDeadline(e)
	s.nextGen++
	e.gen = s.nextGen
	return true
}

// Keys returns all present keys matching pattern. The glob syntax is
// '*' (any run) and '?' (any one byte); '[...]' character classes are
// not supported.
func (s *Store) Keys(pattern string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []string
	s.index.Ascend(func(item btree.Item) bool {
		key := string(item.(indexKey))
		if live(s.items[key], now) && match.Match(key, pattern) {
			out = append(out, key)
		}
		return true
	})
	return out
}

// Scan walks the key space in sorted-key order. The cursor is an offset
// into that ordering; count bounds how many index positions one call
// consumes (and therefore how many keys it can return). A zero next cursor
// means the walk is complete.
//
// Scan is not a point-in-time snapshot: keys added or removed while a walk
// is in progress may be missed or returned twice, because the ordering
// shifts underneath the cursor.
func (s *Store) Scan(cursor uint64, pattern string, count int) (uint64, []string) {
	if count <= 0 {
		count = 10
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var (
		pos      uint64
		consumed int
		out      []string
		next     uint64
	)
	s.index.Ascend(func(item btree.Item) bool {
		if pos < cursor {
			pos++
			return true
		}
		if consumed == count {
			next = pos
			return false
		}
		pos++
		consumed++
		key := string(item.(indexKey))
		if !live(s.items[key], now) {
			return true
		}
		if pattern == "" || pattern == "*" || match.Match(key, pattern) {
			out = append(out, key)
		}
		return true
	})
	return next, out
}

// Len counts the present keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expires == 0 {
		return len(s.items)
	}
	now := time.Now()
	var n int
	for _, e := range s.items {
		if live(e, now) {
			n++
		}
	}
	return n
}

// ExpireCount counts the present keys carrying a TTL.
func (s *Store) ExpireCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var n int
	for _, e := range s.items {
		if live(e, now) && !e.deadline.IsZero() {
			n++
		}
	}
	return n
}

// Type returns "string" for a present key and "none" otherwise. The store
// holds only string values.
func (s *Store) Type(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if live(s.items[key], time.Now()) {
		return "string"
	}
	return "none"
}

// Flush removes every key and cancels all pending timers.
func (s *Store) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.items {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	s.items = make(map[string]*entry)
	s.index = btree.New(16)
	s.expires = 0
	s.nextGen++
}

// remove deletes key and its bookkeeping. Caller holds the lock.
func (s *Store) remove(key string, e *entry) {
	s.dropDeadline(e)
	delete(s.items, key)
	s.index.Delete(indexKey(key))
}

// dropDeadline cancels the pending timer and clears the deadline.
// Caller holds the lock.
func (s *Store) dropDeadline(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if !e.deadline.IsZero() {
		e.deadline = time.Time{}
		s.expires--
	}
}
