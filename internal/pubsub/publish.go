package pubsub

import (
	"time"

	"github.com/tidwall/match"
)

// PublishOptions tune a single publish.
type PublishOptions struct {
	// Immediate bypasses the buffered strategy.
	Immediate bool
	// Broadcast forces the chunked OM broadcast path.
	Broadcast bool
}

// prioGroup is the per-priority slice of subscriber ids for one channel.
type prioGroup [3][]uint64

func (g *prioGroup) total() int {
	return len(g[0]) + len(g[1]) + len(g[2])
}

// subscribersLocked gathers the channel's direct subscribers grouped by
// priority. Caller holds b.mu.
func (b *Broker) subscribersLocked(channel string) prioGroup {
	var g prioGroup
	pivot := &subEntry{pattern: false, channel: channel}
	b.entries.Ascend(pivot, func(item interface{}) bool {
		e := item.(*subEntry)
		if e.channel != channel || e.pattern {
			return false
		}
		g[e.prio] = append(g[e.prio], e.connID)
		return true
	})
	return g
}

type patternTarget struct {
	pattern string
	prio    Priority
	connID  uint64
}

// patternTargetsLocked gathers pattern subscriptions matching channel.
// Caller holds b.mu.
func (b *Broker) patternTargetsLocked(channel string) []patternTarget {
	var out []patternTarget
	pivot := &subEntry{pattern: true}
	b.entries.Ascend(pivot, func(item interface{}) bool {
		e := item.(*subEntry)
		if match.Match(channel, e.channel) {
			out = append(out, patternTarget{pattern: e.channel, prio: e.prio, connID: e.connID})
		}
		return true
	})
	return out
}

// Publish delivers message to every subscriber of channel and returns the
// delivered count. For the immediate and broadcast strategies that count
// is the number of slots that accepted the payload; for the buffered
// strategy it is the subscriber count at publish time, a best-effort
// estimate (delivery happens on the next buffer flush against the then
// current membership).
func (b *Broker) Publish(channel string, message []byte, opts PublishOptions) int {
	payload := FormatMessage(channel, message)

	b.mu.Lock()
	group := b.subscribersLocked(channel)
	patterns := b.patternTargetsLocked(channel)
	subs := group.total()

	if st := b.stats[channel]; st != nil {
		st.Messages++
		st.Bytes += uint64(len(message))
		st.AvgSize = float64(st.Bytes) / float64(st.Messages)
		st.LastActivity = time.Now()
	}

	b.metrics.MessagesPublished.Inc()
	b.metrics.PublishedBytes.Add(float64(len(message)))

	var delivered int
	large := subs >= b.cfg.LargeChannelThreshold
	switch {
	case b.cfg.BatchingEnabled && !opts.Immediate && !opts.Broadcast && !large:
		// buffered batch: stash the formatted payload; the flusher hands
		// it to whoever is subscribed when the buffer releases
		if subs > 0 {
			buf := b.buffers[channel]
			if buf == nil {
				buf = &channelBuffer{}
				b.buffers[channel] = buf
			}
			buf.payloads = append(buf.payloads, payload)
			full := len(buf.payloads) >= b.cfg.MaxBufferedMessages
			delivered = subs
			b.mu.Unlock()
			if full {
				b.flushChannel(channel)
			}
		} else {
			b.mu.Unlock()
		}
	case large || opts.Broadcast:
		b.mu.Unlock()
		for p := PriorityHigh; p <= PriorityLow; p++ {
			ids := group[p]
			if len(ids) == 0 {
				continue
			}
			ok, _ := b.mux.Broadcast(ids, payload, p.queuePriority())
			delivered += ok
		}
	default:
		// direct: enqueue one by one
		b.mu.Unlock()
		for p := PriorityHigh; p <= PriorityLow; p++ {
			for _, id := range group[p] {
				if b.mux.Enqueue(id, payload, p.queuePriority()) == nil {
					delivered++
				}
			}
		}
	}

	// pattern deliveries are always direct; their payload embeds the
	// matching pattern so it cannot be shared with the channel buffer
	for _, t := range patterns {
		p := FormatPatternMessage(t.pattern, channel, message)
		if b.mux.Enqueue(t.connID, p, t.prio.queuePriority()) == nil {
			delivered++
		}
	}
	return delivered
}

// flushLoop periodically releases every channel buffer.
func (b *Broker) flushLoop() {
	defer b.wg.Done()
	interval := b.cfg.BufferFlushInterval
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.flushBuffers()
		}
	}
}

// flushBuffers releases all channel buffers to their current subscribers.
func (b *Broker) flushBuffers() {
	b.mu.Lock()
	if len(b.buffers) == 0 {
		b.mu.Unlock()
		return
	}
	channels := make([]string, 0, len(b.buffers))
	for ch := range b.buffers {
		channels = append(channels, ch)
	}
	b.mu.Unlock()
	for _, ch := range channels {
		b.flushChannel(ch)
	}
}

// flushChannel hands the channel's buffered payloads, coalesced into one
// write per subscriber, to the OM grouped by priority.
func (b *Broker) flushChannel(channel string) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.mu.Lock()
	buf := b.buffers[channel]
	if buf == nil || len(buf.payloads) == 0 {
		b.mu.Unlock()
		return
	}
	payloads := buf.payloads
	buf.payloads = nil
	group := b.subscribersLocked(channel)
	b.mu.Unlock()

	var joined []byte
	if len(payloads) == 1 {
		joined = payloads[0]
	} else {
		var size int
		for _, p := range payloads {
			size += len(p)
		}
		joined = make([]byte, 0, size)
		for _, p := range payloads {
			joined = append(joined, p...)
		}
	}

	for p := PriorityHigh; p <= PriorityLow; p++ {
		for _, id := range group[p] {
			if err := b.mux.Enqueue(id, joined, p.queuePriority()); err != nil {
				// per-socket failures stay isolated; the slot owner
				// handles its own teardown
				b.log.Debug("buffered delivery dropped",
					"channel", channel, "conn", id, "error", err)
			}
		}
	}
}
