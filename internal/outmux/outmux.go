// Package outmux is the per-connection output multiplexer. Every client
// socket gets a slot holding three priority FIFO queues; payloads are
// batched, optionally compressed and chunked, and written by at most one
// flusher per slot. Queues are bounded; the drop policy sheds low-priority
// traffic first.
package outmux

import (
	"errors"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/panjf2000/ants"

	"github.com/corvuskv/corvus/internal/telemetry/logger"
	"github.com/corvuskv/corvus/internal/telemetry/metric"
)

// Priority selects which slot queue a payload enters. Writes drain
// priority-first: Priority, then Normal, then Low.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow

	numPriorities = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "priority"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Drop reasons reported through metrics and enqueue results.
const (
	DropNotRegistered = "socket_not_registered"
	DropQueueFull     = "queue_full"
	DropLowEvicted    = "low_evicted"
	DropNormalEvicted = "normal_evicted"
	DropSlotClosed    = "slot_closed"
)

var (
	// ErrNotRegistered is returned for enqueues to an unknown slot.
	ErrNotRegistered = errors.New("outmux: socket not registered")
	// ErrQueueFull is returned when an incoming low-priority payload is
	// shed by the drop policy.
	ErrQueueFull = errors.New("outmux: queue full")
)

// Config enumerates the multiplexer tunables.
type Config struct {
	// BatchSize is the max messages coalesced into one socket write.
	BatchSize int `koanf:"batch_size"`
	// BatchTimeout is how long a partial batch may wait before flushing.
	BatchTimeout time.Duration `koanf:"batch_timeout"`
	// MaxQueueSize caps total messages across the three queues of a slot.
	MaxQueueSize int `koanf:"max_queue_size"`
	// CompressionThreshold is the payload size above which compression is
	// attempted. Zero disables compression. RESP clients cannot decompress,
	// so the server leaves this at zero; it only applies to sinks that
	// understand the deflate framing.
	CompressionThreshold int `koanf:"compression_threshold"`
	// MaxChunkSize is the payload size above which a single payload is
	// split into ordered chunks.
	MaxChunkSize int `koanf:"max_chunk_size"`
	// WriteTimeout bounds one socket write; exceeding it counts as
	// backpressure, not an error.
	WriteTimeout time.Duration `koanf:"write_timeout"`
	// DrainRetry is the delay before a backpressured flush is retried.
	DrainRetry time.Duration `koanf:"drain_retry"`
	// HealthInterval is the period of the health sweep.
	HealthInterval time.Duration `koanf:"health_interval"`
	// ReportInterval is the period of the aggregate metrics report.
	ReportInterval time.Duration `koanf:"report_interval"`
	// BroadcastWorkers sizes the fan-out worker pool.
	BroadcastWorkers int `koanf:"broadcast_workers"`
}

// DefaultConfig returns the default multiplexer configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:            64,
		BatchTimeout:         5 * time.Millisecond,
		MaxQueueSize:         1000,
		CompressionThreshold: 0,
		MaxChunkSize:         8192,
		WriteTimeout:         5 * time.Second,
		DrainRetry:           10 * time.Millisecond,
		HealthInterval:       30 * time.Second,
		ReportInterval:       60 * time.Second,
		BroadcastWorkers:     8,
	}
}

// broadcastSyncMax is the fan-out size handled inline; larger broadcasts
// go through the worker pool in chunks.
const (
	broadcastSyncMax   = 100
	broadcastChunkSize = 50
)

// message is one queued payload.
type message struct {
	payload  []byte
	prio     Priority
	enqueued time.Time
	origSize int
	// chunk bookkeeping; total == 0 means not chunked
	chunkID    string
	chunkIndex int
	chunkTotal int
	compressed bool
}

type slot struct {
	id   uint64
	conn net.Conn

	mu         sync.Mutex
	queues     [numPriorities][]*message
	flushing   bool
	batchTimer *time.Timer
	closed     bool

	// counters, guarded by mu
	queuedMsgs   uint64
	queuedBytes  uint64
	sentMsgs     uint64
	sentBytes    uint64
	dropped      uint64
	errorCount   int
	consecErrors int
	slowFlushes  int
	queueFull    int
	lastActivity time.Time
	health       Health
}

func (s *slot) totalQueued() int {
	return len(s.queues[0]) + len(s.queues[1]) + len(s.queues[2])
}

// Mux owns all slots and the background sweep/report tasks.
type Mux struct {
	cfg     Config
	log     logger.Logger
	metrics *metric.Registry

	mu    sync.RWMutex
	slots map[uint64]*slot

	pool    *ants.PoolWithFunc
	entropy *ulid.MonotonicEntropy
	entMu   sync.Mutex

	stopCh  chan struct{}
	stopped atomic.Bool
	wg      sync.WaitGroup
}

type broadcastTask struct {
	m       *Mux
	ids     []uint64
	payload []byte
	prio    Priority
	ok      *int64
	failed  *int64
	wg      *sync.WaitGroup
}

// New creates a multiplexer and starts its background tasks.
func New(cfg Config, log logger.Logger, metrics *metric.Registry) *Mux {
	if log == nil {
		log = logger.Default()
	}
	if metrics == nil {
		metrics = metric.NewRegistry()
	}
	m := &Mux{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		slots:   make(map[uint64]*slot),
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		stopCh:  make(chan struct{}),
	}
	workers := cfg.BroadcastWorkers
	if workers <= 0 {
		workers = 8
	}
	m.pool, _ = ants.NewPoolWithFunc(workers, func(arg interface{}) {
		t, _ := arg.(*broadcastTask)
		t.run()
	})
	m.wg.Add(2)
	go m.healthSweep()
	go m.report()
	return m
}

// Close stops the background tasks and tears down every slot. Queued
// bytes are discarded.
func (m *Mux) Close() {
	if !m.stopped.CompareAndSwap(false, true) {
		return
	}
	close(m.stopCh)
	m.wg.Wait()
	m.pool.Release()
	m.mu.Lock()
	slots := m.slots
	m.slots = make(map[uint64]*slot)
	m.mu.Unlock()
	for _, s := range slots {
		s.mu.Lock()
		s.discardLocked()
		s.mu.Unlock()
	}
}

// Register creates a slot for the connection. The caller owns closing the
// net.Conn; a write error makes the mux close it early.
func (m *Mux) Register(id uint64, conn net.Conn) {
	s := &slot{
		id:           id,
		conn:         conn,
		lastActivity: time.Now(),
		health:       HealthHealthy,
	}
	m.mu.Lock()
	m.slots[id] = s
	m.mu.Unlock()
}

// Deregister removes the slot and discards anything still queued.
func (m *Mux) Deregister(id uint64) {
	m.mu.Lock()
	s := m.slots[id]
	delete(m.slots, id)
	m.mu.Unlock()
	if s == nil {
		return
	}
	s.mu.Lock()
	s.discardLocked()
	s.mu.Unlock()
}

// discardLocked drops queued messages and stops timers. Caller holds s.mu.
func (s *slot) discardLocked() {
	s.closed = true
	if s.batchTimer != nil {
		s.batchTimer.Stop()
		s.batchTimer = nil
	}
	for i := range s.queues {
		s.queues[i] = nil
	}
}

// Drain waits until the slot's queues are empty and no flush is active,
// or until the timeout passes. Used before an orderly connection close so
// queued replies reach the socket.
func (m *Mux) Drain(id uint64, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		s := m.slot(id)
		if s == nil {
			return true
		}
		s.mu.Lock()
		idle := s.totalQueued() == 0 && !s.flushing
		s.mu.Unlock()
		if idle {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
}

func (m *Mux) slot(id uint64) *slot {
	m.mu.RLock()
	s := m.slots[id]
	m.mu.RUnlock()
	return s
}

// Enqueue queues payload on the slot at the given priority. High-priority
// payloads flush immediately; others wait for a full batch or the batch
// timer. The error reports a dropped payload; drops of older queued
// messages are not errors.
func (m *Mux) Enqueue(id uint64, payload []byte, prio Priority) error {
	s := m.slot(id)
	if s == nil {
		m.metrics.QueueDrops.WithLabelValues(DropNotRegistered).Inc()
		return ErrNotRegistered
	}

	origSize := len(payload)
	data := payload
	compressed := false
	if m.cfg.CompressionThreshold > 0 && origSize > m.cfg.CompressionThreshold {
		if c, ok := compress(payload); ok {
			data = c
			compressed = true
		}
	}

	msgs := m.chunk(data, prio, compressed, origSize)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		m.metrics.QueueDrops.WithLabelValues(DropSlotClosed).Inc()
		return ErrNotRegistered
	}
	for _, msg := range msgs {
		if err := m.makeRoomLocked(s, prio); err != nil {
			s.mu.Unlock()
			return err
		}
		s.queues[prio] = append(s.queues[prio], msg)
		s.queuedMsgs++
		s.queuedBytes += uint64(len(msg.payload))
		s.lastActivity = time.Now()
		m.metrics.QueuedMessages.Inc()
		m.metrics.QueuedBytes.Add(float64(len(msg.payload)))
	}

	flushNow := prio == PriorityHigh || s.totalQueued() >= m.cfg.BatchSize
	if !flushNow && s.batchTimer == nil {
		s.batchTimer = time.AfterFunc(m.cfg.BatchTimeout, func() {
			m.flush(s)
		})
	}
	s.mu.Unlock()

	if flushNow {
		go m.flush(s)
	}
	return nil
}

// makeRoomLocked enforces the queue bound before one more message enters
// at prio. Caller holds s.mu.
func (m *Mux) makeRoomLocked(s *slot, prio Priority) error {
	if m.cfg.MaxQueueSize <= 0 || s.totalQueued() < m.cfg.MaxQueueSize {
		return nil
	}
	s.queueFull++
	switch {
	case len(s.queues[PriorityLow]) > 0:
		s.queues[PriorityLow] = s.queues[PriorityLow][1:]
		s.dropped++
		m.metrics.QueueDrops.WithLabelValues(DropLowEvicted).Inc()
	case prio == PriorityLow:
		s.dropped++
		m.metrics.QueueDrops.WithLabelValues(DropQueueFull).Inc()
		return ErrQueueFull
	case len(s.queues[PriorityNormal]) > 2*len(s.queues[PriorityHigh]):
		s.queues[PriorityNormal] = s.queues[PriorityNormal][1:]
		s.dropped++
		m.metrics.QueueDrops.WithLabelValues(DropNormalEvicted).Inc()
	default:
		// still at the cap: evict the oldest message of the lowest
		// non-empty class so the bound holds
		for i := numPriorities - 1; i >= 0; i-- {
			if len(s.queues[i]) > 0 {
				s.queues[i] = s.queues[i][1:]
				s.dropped++
				m.metrics.QueueDrops.WithLabelValues(DropQueueFull).Inc()
				break
			}
		}
	}
	return nil
}

// chunk splits data into queue messages of at most MaxChunkSize bytes.
// Chunks of one payload share a message id and are queued back to back so
// they reach the socket contiguously and in order.
func (m *Mux) chunk(data []byte, prio Priority, compressed bool, origSize int) []*message {
	now := time.Now()
	if m.cfg.MaxChunkSize <= 0 || len(data) <= m.cfg.MaxChunkSize {
		return []*message{{
			payload:    data,
			prio:       prio,
			enqueued:   now,
			origSize:   origSize,
			compressed: compressed,
		}}
	}
	total := (len(data) + m.cfg.MaxChunkSize - 1) / m.cfg.MaxChunkSize
	m.entMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), m.entropy).String()
	m.entMu.Unlock()
	msgs := make([]*message, 0, total)
	for i := 0; i < total; i++ {
		lo := i * m.cfg.MaxChunkSize
		hi := lo + m.cfg.MaxChunkSize
		if hi > len(data) {
			hi = len(data)
		}
		msgs = append(msgs, &message{
			payload:    data[lo:hi],
			prio:       prio,
			enqueued:   now,
			origSize:   origSize,
			chunkID:    id,
			chunkIndex: i,
			chunkTotal: total,
			compressed: compressed,
		})
	}
	return msgs
}
