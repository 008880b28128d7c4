// Package pubsub implements the channel broker: subscription membership,
// priority groups, small-message buffering, and large fan-out broadcast
// through the output multiplexer.
//
// The broker stores connection ids, never connection objects; membership
// is reconciled through the server's close hook, which calls
// UnsubscribeAll before the connection record is dropped.
package pubsub

import (
	"sync"
	"time"

	"github.com/tidwall/btree"
	"github.com/tidwall/match"

	"github.com/corvuskv/corvus/internal/outmux"
	"github.com/corvuskv/corvus/internal/resp"
	"github.com/corvuskv/corvus/internal/telemetry/logger"
	"github.com/corvuskv/corvus/internal/telemetry/metric"
)

// Priority ranks a subscription's delivery class.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityMedium
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "medium"
	}
}

// queuePriority maps a subscription priority onto the multiplexer class.
func (p Priority) queuePriority() outmux.Priority {
	switch p {
	case PriorityHigh:
		return outmux.PriorityHigh
	case PriorityLow:
		return outmux.PriorityLow
	default:
		return outmux.PriorityNormal
	}
}

// Config enumerates the broker tunables.
type Config struct {
	// LargeChannelThreshold is the subscriber count at which publishes
	// switch to chunked broadcast.
	LargeChannelThreshold int `koanf:"large_channel_threshold"`
	// BufferFlushInterval is the period of the buffered-batch flusher.
	BufferFlushInterval time.Duration `koanf:"buffer_flush_interval"`
	// MaxBufferedMessages releases a channel buffer early once reached.
	MaxBufferedMessages int `koanf:"max_buffered_messages"`
	// BatchingEnabled turns the buffered strategy on.
	BatchingEnabled bool `koanf:"batching_enabled"`
}

// DefaultConfig returns the default broker configuration.
func DefaultConfig() Config {
	return Config{
		LargeChannelThreshold: 100,
		BufferFlushInterval:   10 * time.Millisecond,
		MaxBufferedMessages:   100,
		BatchingEnabled:       true,
	}
}

// subEntry is one membership record in the broker tree. The tree is
// sorted by (pattern, channel, priority, conn id); all pattern entries
// sit at the right edge.
type subEntry struct {
	pattern bool
	channel string
	prio    Priority
	connID  uint64
}

func byEntry(a, b interface{}) bool {
	aa := a.(*subEntry)
	bb := b.(*subEntry)
	if !aa.pattern && bb.pattern {
		return true
	}
	if aa.pattern && !bb.pattern {
		return false
	}
	if aa.channel < bb.channel {
		return true
	}
	if aa.channel > bb.channel {
		return false
	}
	if aa.prio < bb.prio {
		return true
	}
	if aa.prio > bb.prio {
		return false
	}
	return aa.connID < bb.connID
}

// ChannelStats is the per-channel activity record.
type ChannelStats struct {
	Subscribers  int
	Messages     uint64
	Bytes        uint64
	AvgSize      float64
	LastActivity time.Time
}

type connState struct {
	channels map[string]*subEntry
	patterns map[string]*subEntry
}

type channelBuffer struct {
	payloads [][]byte
}

// Broker routes published messages to subscribers.
type Broker struct {
	cfg     Config
	mux     *outmux.Mux
	log     logger.Logger
	metrics *metric.Registry

	mu      sync.RWMutex
	entries *btree.BTree
	conns   map[uint64]*connState
	stats   map[string]*ChannelStats
	buffers map[string]*channelBuffer

	// flushMu serializes buffer releases so batches stolen from one
	// channel cannot be enqueued out of order
	flushMu sync.Mutex

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a broker and starts its buffer flusher.
func New(cfg Config, mux *outmux.Mux, log logger.Logger, metrics *metric.Registry) *Broker {
	if log == nil {
		log = logger.Default()
	}
	if metrics == nil {
		metrics = metric.NewRegistry()
	}
	b := &Broker{
		cfg:     cfg,
		mux:     mux,
		log:     log,
		metrics: metrics,
		entries: btree.New(byEntry),
		conns:   make(map[uint64]*connState),
		stats:   make(map[string]*ChannelStats),
		buffers: make(map[string]*channelBuffer),
		stopCh:  make(chan struct{}),
	}
	if cfg.BatchingEnabled {
		b.wg.Add(1)
		go b.flushLoop()
	}
	return b
}

// Close stops the buffer flusher, delivering anything still buffered.
func (b *Broker) Close() {
	b.once.Do(func() {
		close(b.stopCh)
	})
	b.wg.Wait()
	b.flushBuffers()
}

// Subscribe adds conn to channel at the given priority. Subscribing twice
// updates the priority in place. Returns the connection's total
// subscription count (channels plus patterns).
func (b *Broker) Subscribe(connID uint64, channel string, prio Priority) int {
	return b.subscribe(connID, channel, prio, false)
}

// Psubscribe adds conn to a channel pattern at the given priority.
func (b *Broker) Psubscribe(connID uint64, pattern string, prio Priority) int {
	return b.subscribe(connID, pattern, prio, true)
}

func (b *Broker) subscribe(connID uint64, channel string, prio Priority, pattern bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs, ok := b.conns[connID]
	if !ok {
		cs = &connState{
			channels: make(map[string]*subEntry),
			patterns: make(map[string]*subEntry),
		}
		b.conns[connID] = cs
	}
	set := cs.channels
	if pattern {
		set = cs.patterns
	}
	if prev, ok := set[channel]; ok {
		if prev.prio != prio {
			b.entries.Delete(prev)
			prev.prio = prio
			b.entries.Set(prev)
		}
		return len(cs.channels) + len(cs.patterns)
	}

	e := &subEntry{pattern: pattern, channel: channel, prio: prio, connID: connID}
	b.entries.Set(e)
	set[channel] = e

	if !pattern {
		st := b.stats[channel]
		if st == nil {
			st = &ChannelStats{}
			b.stats[channel] = st
		}
		st.Subscribers++
		st.LastActivity = time.Now()
	}
	return len(cs.channels) + len(cs.patterns)
}

// Unsubscribe removes conn from channel. Returns the connection's
// remaining subscription count and whether the subscription existed.
func (b *Broker) Unsubscribe(connID uint64, channel string) (int, bool) {
	return b.unsubscribe(connID, channel, false)
}

// Punsubscribe removes conn from a channel pattern.
func (b *Broker) Punsubscribe(connID uint64, pattern string) (int, bool) {
	return b.unsubscribe(connID, pattern, true)
}

func (b *Broker) unsubscribe(connID uint64, channel string, pattern bool) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := b.conns[connID]
	if cs == nil {
		return 0, false
	}
	set := cs.channels
	if pattern {
		set = cs.patterns
	}
	e, ok := set[channel]
	if !ok {
		return len(cs.channels) + len(cs.patterns), false
	}
	b.removeEntryLocked(cs, e)
	return len(cs.channels) + len(cs.patterns), true
}

// UnsubscribeAll removes every subscription of conn and forgets the
// connection. Called from the server's close hook; it runs under the
// broker lock so no broadcast observes a half-removed subscriber.
func (b *Broker) UnsubscribeAll(connID uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cs := b.conns[connID]
	if cs == nil {
		return
	}
	for _, e := range cs.channels {
		b.removeEntryLocked(cs, e)
	}
	for _, e := range cs.patterns {
		b.removeEntryLocked(cs, e)
	}
	delete(b.conns, connID)
}

// removeEntryLocked unlinks one membership record. Caller holds b.mu.
func (b *Broker) removeEntryLocked(cs *connState, e *subEntry) {
	b.entries.Delete(e)
	if e.pattern {
		delete(cs.patterns, e.channel)
		return
	}
	delete(cs.channels, e.channel)
	if st := b.stats[e.channel]; st != nil {
		st.Subscribers--
		if st.Subscribers <= 0 {
			// last subscriber left: the channel ceases to exist
			delete(b.stats, e.channel)
			delete(b.buffers, e.channel)
		}
	}
}

// Subscriptions returns the channels conn is subscribed to.
func (b *Broker) Subscriptions(connID uint64) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cs := b.conns[connID]
	if cs == nil {
		return nil
	}
	out := make([]string, 0, len(cs.channels))
	for ch := range cs.channels {
		out = append(out, ch)
	}
	return out
}

// PatternSubscriptions returns the patterns conn is subscribed to.
func (b *Broker) PatternSubscriptions(connID uint64) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cs := b.conns[connID]
	if cs == nil {
		return nil
	}
	out := make([]string, 0, len(cs.patterns))
	for p := range cs.patterns {
		out = append(out, p)
	}
	return out
}

// SubscriptionCount returns the connection's total subscription count.
func (b *Broker) SubscriptionCount(connID uint64) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cs := b.conns[connID]
	if cs == nil {
		return 0
	}
	return len(cs.channels) + len(cs.patterns)
}

// Channels lists the active channels, optionally filtered by pattern.
func (b *Broker) Channels(pattern string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.stats))
	for ch := range b.stats {
		if pattern == "" || match.Match(ch, pattern) {
			out = append(out, ch)
		}
	}
	return out
}

// NumSub returns the subscriber count of channel.
func (b *Broker) NumSub(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if st := b.stats[channel]; st != nil {
		return st.Subscribers
	}
	return 0
}

// Stats returns a copy of the channel's activity record.
func (b *Broker) Stats(channel string) (ChannelStats, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	st := b.stats[channel]
	if st == nil {
		return ChannelStats{}, false
	}
	return *st, true
}

// FormatMessage encodes the wire form of a channel message delivery:
// a three-element array ["message", channel, payload].
func FormatMessage(channel string, payload []byte) []byte {
	var b []byte
	b = resp.AppendArray(b, 3)
	b = resp.AppendBulkString(b, "message")
	b = resp.AppendBulkString(b, channel)
	b = resp.AppendBulk(b, payload)
	return b
}

// FormatPatternMessage encodes a pattern delivery:
// ["pmessage", pattern, channel, payload].
func FormatPatternMessage(pattern, channel string, payload []byte) []byte {
	var b []byte
	b = resp.AppendArray(b, 4)
	b = resp.AppendBulkString(b, "pmessage")
	b = resp.AppendBulkString(b, pattern)
	b = resp.AppendBulkString(b, channel)
	b = resp.AppendBulk(b, payload)
	return b
}
