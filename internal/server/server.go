// Package server ties the pieces together: it accepts TCP connections,
// reads pipelined RESP commands, dispatches them against the store and the
// broker, and pushes every outbound byte through the output multiplexer.
package server

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/corvuskv/corvus/internal/outmux"
	"github.com/corvuskv/corvus/internal/pubsub"
	"github.com/corvuskv/corvus/internal/resp"
	"github.com/corvuskv/corvus/internal/server/config"
	"github.com/corvuskv/corvus/internal/store"
	"github.com/corvuskv/corvus/internal/telemetry/logger"
	"github.com/corvuskv/corvus/internal/telemetry/metric"
)

// Server is one corvus instance: listener, store, broker and multiplexer.
// Tests run several instances on ephemeral ports; nothing is process-wide.
type Server struct {
	cfg     *config.ServerConfig
	log     logger.Logger
	metrics *metric.Registry

	store  *store.Store
	broker *pubsub.Broker
	mux    *outmux.Mux

	mu     sync.Mutex
	ln     net.Listener
	conns  map[uint64]*client
	done   bool
	nextID uint64

	started       time.Time
	totalConns    atomic.Uint64
	totalCommands atomic.Uint64
}

// client is one connection's state: identity, parser, reply buffer and
// bookkeeping. Its subscriptions live in the broker, keyed by id; its
// outbound queue is the mux slot with the same id.
type client struct {
	id      uint64
	conn    net.Conn
	rd      *resp.Reader
	wr      *resp.Writer
	addr    string
	name    string
	created time.Time
	limiter *rate.Limiter
	quit    bool
}

// New creates a server from cfg. A nil cfg uses the defaults.
func New(cfg *config.ServerConfig, log logger.Logger) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = logger.Default()
	}
	metrics := metric.NewRegistry()
	mux := outmux.New(cfg.Outmux, log, metrics)
	return &Server{
		cfg:     cfg,
		log:     log,
		metrics: metrics,
		store:   store.New(),
		broker:  pubsub.New(cfg.Broker, mux, log, metrics),
		mux:     mux,
		conns:   make(map[uint64]*client),
		started: time.Now(),
	}
}

// Metrics exposes the server's metrics registry.
func (s *Server) Metrics() *metric.Registry {
	return s.metrics
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops listening. Already accepted connections are closed by the
// serve loop's teardown.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return errors.New("not serving")
	}
	s.done = true
	return s.ln.Close()
}

// ListenAndServe serves incoming connections.
func (s *Server) ListenAndServe() error {
	return s.ListenServeAndSignal(nil)
}

// ListenServeAndSignal serves incoming connections and passes nil or error
// when listening. signal can be nil.
func (s *Server) ListenServeAndSignal(signal chan error) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		if signal != nil {
			signal <- err
		}
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	if signal != nil {
		signal <- nil
	}
	return s.serve()
}

// Serve serves incoming connections with the given net.Listener.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return s.serve()
}

func (s *Server) serve() error {
	defer func() {
		s.ln.Close()
		s.broker.Close()
		s.mux.Close()
		s.mu.Lock()
		for _, c := range s.conns {
			c.conn.Close()
		}
		s.conns = make(map[uint64]*client)
		s.mu.Unlock()
	}()
	for {
		lnconn, err := s.ln.Accept()
		if err != nil {
			s.mu.Lock()
			done := s.done
			s.mu.Unlock()
			if done {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("accept failed", "error", err)
			continue
		}
		c := s.newClient(lnconn)
		s.mu.Lock()
		s.conns[c.id] = c
		s.mu.Unlock()
		s.mux.Register(c.id, lnconn)
		s.totalConns.Add(1)
		s.metrics.ConnectionsTotal.Inc()
		s.metrics.ConnectionsActive.Inc()
		go s.handle(c)
	}
}

func (s *Server) newClient(conn net.Conn) *client {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()
	c := &client{
		id:      id,
		conn:    conn,
		rd:      resp.NewReader(conn),
		wr:      resp.NewWriter(nil),
		addr:    conn.RemoteAddr().String(),
		created: time.Now(),
	}
	if n := s.cfg.Server.RateLimit; n > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(n), n)
	}
	return c
}

// handle runs one connection's command loop. Replies are enqueued on the
// mux slot at high priority, one enqueue per command, which keeps replies
// in command order and ahead of pending fan-out traffic.
func (s *Server) handle(c *client) {
	var err error
	defer func() {
		// release subscriptions before the slot so no broadcast can
		// target a half-torn-down connection
		s.broker.UnsubscribeAll(c.id)
		s.mux.Deregister(c.id)
		c.conn.Close()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.metrics.ConnectionsActive.Dec()
		if err != nil {
			s.log.Debug("connection closed", "conn", c.id, "error", err)
		}
	}()

	err = func() error {
		for {
			if t := s.cfg.Server.IdleTimeout; t > 0 {
				c.conn.SetReadDeadline(time.Now().Add(t))
			}
			cmds, err := c.rd.ReadCommands()
			if err != nil {
				var perr *resp.ProtocolError
				if errors.As(err, &perr) {
					// attempt an error response; the slot is pulled
					// first so the direct write cannot interleave
					// with a mux flush
					s.mux.Deregister(c.id)
					c.conn.Write(resp.AppendError(nil, "ERR "+perr.Error()))
				}
				return err
			}
			for _, cmd := range cmds {
				if c.limiter != nil && !c.limiter.Allow() {
					c.wr.WriteError("ERR rate limit exceeded")
				} else {
					s.dispatch(c, cmd)
				}
				if buf := c.wr.Take(); buf != nil {
					if err := s.mux.Enqueue(c.id, buf, outmux.PriorityHigh); err != nil {
						return err
					}
				}
				if c.quit {
					// let the farewell reply reach the socket
					s.mux.Drain(c.id, time.Second)
					return nil
				}
			}
		}
	}()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
}
