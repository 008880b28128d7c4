package outmux

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// slowFlushThreshold marks a flush as slow for health accounting.
const slowFlushThreshold = 100 * time.Millisecond

// flush drains the slot's queues, priority class first, coalescing up to
// BatchSize messages per socket write. The flushing flag keeps a single
// flusher active per slot. No lock is held across a socket write.
func (m *Mux) flush(s *slot) {
	s.mu.Lock()
	if s.flushing || s.closed {
		s.mu.Unlock()
		return
	}
	s.flushing = true
	start := time.Now()

	for {
		batch := s.popBatchLocked(m.cfg.BatchSize)
		if len(batch) == 0 {
			break
		}
		var buf []byte
		for _, msg := range batch {
			buf = append(buf, msg.payload...)
		}
		s.mu.Unlock()

		if m.cfg.WriteTimeout > 0 {
			_ = s.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
		}
		n, err := s.conn.Write(buf)
		_ = s.conn.SetWriteDeadline(time.Time{})

		s.mu.Lock()
		s.accountWriteLocked(m, batch, n)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				// backpressure: put the unwritten tail back at the head
				// of its queues and retry after the drain delay
				s.requeueLocked(batch)
				s.flushing = false
				s.mu.Unlock()
				m.metrics.BackpressureEvents.Inc()
				time.AfterFunc(m.cfg.DrainRetry, func() {
					m.flush(s)
				})
				return
			}
			s.errorCount++
			s.consecErrors++
			s.health = s.evalHealth(time.Now())
			s.mu.Unlock()
			m.log.Warn("slot write failed, tearing down",
				"slot", s.id, "error", err)
			m.teardown(s)
			return
		}
		s.consecErrors = 0
		s.lastActivity = time.Now()
	}

	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
	s.flushing = false
	elapsed := time.Since(start)
	if elapsed > slowFlushThreshold {
		s.slowFlushes++
	}
	s.health = s.evalHealth(time.Now())
	s.mu.Unlock()
	m.metrics.FlushDuration.Observe(elapsed.Seconds())
}

// popBatchLocked removes up to max messages, priority class first.
// Caller holds s.mu.
func (s *slot) popBatchLocked(max int) []*message {
	if max <= 0 {
		max = 1
	}
	var batch []*message
	for p := 0; p < numPriorities && len(batch) < max; p++ {
		q := s.queues[p]
		take := max - len(batch)
		if take > len(q) {
			take = len(q)
		}
		batch = append(batch, q[:take]...)
		s.queues[p] = q[take:]
	}
	return batch
}

// accountWriteLocked credits the n bytes written against the batch, in
// order. Fully written messages count as sent; a partially written message
// keeps its unwritten tail. Caller holds s.mu.
func (s *slot) accountWriteLocked(m *Mux, batch []*message, n int) {
	s.sentBytes += uint64(n)
	m.metrics.SentBytes.Add(float64(n))
	for _, msg := range batch {
		if n >= len(msg.payload) {
			n -= len(msg.payload)
			msg.payload = nil
			s.sentMsgs++
			m.metrics.SentMessages.Inc()
			continue
		}
		msg.payload = msg.payload[n:]
		n = 0
	}
}

// requeueLocked puts the batch's unsent remainder back at the head of the
// per-priority queues, preserving order. Caller holds s.mu.
func (s *slot) requeueLocked(batch []*message) {
	var rest [numPriorities][]*message
	for _, msg := range batch {
		if msg.payload == nil {
			continue
		}
		rest[msg.prio] = append(rest[msg.prio], msg)
	}
	for p := 0; p < numPriorities; p++ {
		if len(rest[p]) > 0 {
			s.queues[p] = append(rest[p], s.queues[p]...)
		}
	}
}

// teardown closes the slot's connection and removes it. The connection's
// read loop notices the close and runs the normal connection cleanup.
func (m *Mux) teardown(s *slot) {
	_ = s.conn.Close()
	m.Deregister(s.id)
}

// Broadcast enqueues payload on every listed slot. Small fan-outs run
// inline; anything larger is split into fixed-size chunks executed on the
// worker pool so concurrent broadcasts interleave. Returns how many slots
// accepted the payload and how many dropped it.
func (m *Mux) Broadcast(ids []uint64, payload []byte, prio Priority) (accepted, failed int) {
	if len(ids) == 0 {
		return 0, 0
	}
	if len(ids) <= broadcastSyncMax {
		for _, id := range ids {
			if m.Enqueue(id, payload, prio) != nil {
				failed++
			} else {
				accepted++
			}
		}
		return accepted, failed
	}

	var ok, bad int64
	var wg sync.WaitGroup
	for lo := 0; lo < len(ids); lo += broadcastChunkSize {
		hi := lo + broadcastChunkSize
		if hi > len(ids) {
			hi = len(ids)
		}
		wg.Add(1)
		task := &broadcastTask{
			m: m, ids: ids[lo:hi], payload: payload, prio: prio,
			ok: &ok, failed: &bad, wg: &wg,
		}
		if err := m.pool.Invoke(task); err != nil {
			// pool closed; run inline rather than losing the chunk
			task.run()
		}
	}
	wg.Wait()
	return int(ok), int(bad)
}

func (t *broadcastTask) run() {
	defer t.wg.Done()
	for _, id := range t.ids {
		if t.m.Enqueue(id, t.payload, t.prio) != nil {
			atomic.AddInt64(t.failed, 1)
		} else {
			atomic.AddInt64(t.ok, 1)
		}
	}
}
