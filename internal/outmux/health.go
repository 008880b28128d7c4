package outmux

import (
	"time"
)

// Health labels a slot's recent behavior.
type Health int

const (
	HealthHealthy Health = iota
	HealthDegraded
	HealthOverloaded
	HealthUnhealthy
	HealthStale
)

func (h Health) String() string {
	switch h {
	case HealthDegraded:
		return "degraded"
	case HealthOverloaded:
		return "overloaded"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthStale:
		return "stale"
	default:
		return "healthy"
	}
}

const staleAfter = 5 * time.Minute

// evalHealth classifies the slot. Error streaks dominate, then slow
// flushes, then shed load; a quiet slot goes stale after five minutes.
// Caller holds s.mu.
func (s *slot) evalHealth(now time.Time) Health {
	switch {
	case s.consecErrors > 3:
		return HealthUnhealthy
	case s.slowFlushes > 5:
		return HealthDegraded
	case s.queueFull > 3:
		return HealthOverloaded
	case now.Sub(s.lastActivity) > staleAfter:
		return HealthStale
	default:
		return HealthHealthy
	}
}

// Health reports the current health label of a slot.
func (m *Mux) Health(id uint64) (Health, bool) {
	s := m.slot(id)
	if s == nil {
		return HealthHealthy, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health, true
}

// healthSweep re-evaluates every slot's label on a fixed period and
// mirrors the distribution into the metrics registry.
func (m *Mux) healthSweep() {
	defer m.wg.Done()
	interval := m.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sweepOnce()
		}
	}
}

func (m *Mux) sweepOnce() {
	now := time.Now()
	var counts [HealthStale + 1]int
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.RUnlock()
	for _, s := range slots {
		s.mu.Lock()
		s.health = s.evalHealth(now)
		counts[s.health]++
		s.mu.Unlock()
	}
	for h := HealthHealthy; h <= HealthStale; h++ {
		m.metrics.SlotHealth.WithLabelValues(h.String()).Set(float64(counts[h]))
	}
}

// Stats is an aggregate snapshot across all slots.
type Stats struct {
	Slots        int
	QueuedMsgs   uint64
	QueuedBytes  uint64
	SentMsgs     uint64
	SentBytes    uint64
	Dropped      uint64
	PendingMsgs  int
	ErrorCount   int
	SlowFlushes  int
	QueueFullHit int
}

// Snapshot aggregates per-slot counters.
func (m *Mux) Snapshot() Stats {
	var st Stats
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.slots))
	for _, s := range m.slots {
		slots = append(slots, s)
	}
	m.mu.RUnlock()
	st.Slots = len(slots)
	for _, s := range slots {
		s.mu.Lock()
		st.QueuedMsgs += s.queuedMsgs
		st.QueuedBytes += s.queuedBytes
		st.SentMsgs += s.sentMsgs
		st.SentBytes += s.sentBytes
		st.Dropped += s.dropped
		st.PendingMsgs += s.totalQueued()
		st.ErrorCount += s.errorCount
		st.SlowFlushes += s.slowFlushes
		st.QueueFullHit += s.queueFull
		s.mu.Unlock()
	}
	return st
}

// report logs the aggregate counters on a fixed period.
func (m *Mux) report() {
	defer m.wg.Done()
	interval := m.cfg.ReportInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			st := m.Snapshot()
			m.log.Info("outmux report",
				"slots", st.Slots,
				"queued_msgs", st.QueuedMsgs,
				"queued_bytes", st.QueuedBytes,
				"sent_msgs", st.SentMsgs,
				"sent_bytes", st.SentBytes,
				"dropped", st.Dropped,
				"pending", st.PendingMsgs,
				"errors", st.ErrorCount,
				"slow_flushes", st.SlowFlushes,
				"queue_full", st.QueueFullHit)
		}
	}
}
