package server

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/corvuskv/corvus/internal/infra/buildinfo"
)

// serverVersion is the Redis version reported to clients that gate
// features on it.
const serverVersion = "7.0.0"

// cmdInfo replies with the full info block. A requested section name is
// accepted and ignored; the whole block is returned regardless.
func cmdInfo(s *Server, c *client, args [][]byte) {
	c.wr.WriteBulkString(s.infoString())
}

func (s *Server) infoString() string {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := int64(time.Since(s.started).Seconds())
	port := s.cfg.Server.Port

	s.mu.Lock()
	clients := len(s.conns)
	s.mu.Unlock()

	mst := s.mux.Snapshot()

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Server\r\n")
	fmt.Fprintf(&sb, "redis_version:%s\r\n", serverVersion)
	fmt.Fprintf(&sb, "corvus_version:%s\r\n", buildinfo.Version)
	fmt.Fprintf(&sb, "redis_mode:standalone\r\n")
	fmt.Fprintf(&sb, "os:%s %s\r\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "tcp_port:%d\r\n", port)
	fmt.Fprintf(&sb, "uptime_in_seconds:%d\r\n", uptime)
	fmt.Fprintf(&sb, "uptime_in_days:%d\r\n", uptime/86400)
	fmt.Fprintf(&sb, "\r\n# Clients\r\n")
	fmt.Fprintf(&sb, "connected_clients:%d\r\n", clients)
	fmt.Fprintf(&sb, "blocked_clients:0\r\n")
	fmt.Fprintf(&sb, "\r\n# Memory\r\n")
	fmt.Fprintf(&sb, "used_memory:%d\r\n", mem.Alloc)
	fmt.Fprintf(&sb, "used_memory_human:%.2fM\r\n", float64(mem.Alloc)/(1024*1024))
	fmt.Fprintf(&sb, "\r\n# Stats\r\n")
	fmt.Fprintf(&sb, "total_connections_received:%d\r\n", s.totalConns.Load())
	fmt.Fprintf(&sb, "total_commands_processed:%d\r\n", s.totalCommands.Load())
	fmt.Fprintf(&sb, "total_net_output_bytes:%d\r\n", mst.SentBytes)
	fmt.Fprintf(&sb, "\r\n# Replication\r\n")
	fmt.Fprintf(&sb, "role:master\r\n")
	fmt.Fprintf(&sb, "connected_slaves:0\r\n")
	fmt.Fprintf(&sb, "\r\n# CPU\r\n")
	fmt.Fprintf(&sb, "used_cpu_sys:0.00\r\n")
	fmt.Fprintf(&sb, "used_cpu_user:0.00\r\n")
	fmt.Fprintf(&sb, "\r\n# Keyspace\r\n")
	fmt.Fprintf(&sb, "db0:keys=%d,expires=%d,avg_ttl=0\r\n",
		s.store.Len(), s.store.ExpireCount())
	return sb.String()
}
