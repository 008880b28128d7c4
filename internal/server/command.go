package server

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/corvuskv/corvus/internal/pubsub"
	"github.com/corvuskv/corvus/internal/resp"
)

// handlerFunc executes one command. args includes the command name.
type handlerFunc func(s *Server, c *client, args [][]byte)

// command is one dispatch-table row. maxArgs of -1 means variadic.
type command struct {
	handler handlerFunc
	minArgs int
	maxArgs int
}

// commands is the static dispatch table, keyed by upper-cased name.
var commands = map[string]command{
	"PING":         {cmdPing, 1, 2},
	"ECHO":         {cmdEcho, 2, 2},
	"AUTH":         {cmdAuth, 2, 3},
	"SELECT":       {cmdSelect, 2, 2},
	"QUIT":         {cmdQuit, 1, 1},
	"INFO":         {cmdInfo, 1, 2},
	"COMMAND":      {cmdCommand, 1, -1},
	"CLIENT":       {cmdClient, 2, -1},
	"SET":          {cmdSet, 3, 3},
	"GET":          {cmdGet, 2, 2},
	"DEL":          {cmdDel, 2, -1},
	"EXISTS":       {cmdExists, 2, -1},
	"TTL":          {cmdTTL, 2, 2},
	"EXPIRE":       {cmdExpire, 3, 3},
	"PERSIST":      {cmdPersist, 2, 2},
	"KEYS":         {cmdKeys, 2, 2},
	"SCAN":         {cmdScan, 2, -1},
	"DBSIZE":       {cmdDBSize, 1, 1},
	"TYPE":         {cmdType, 2, 2},
	"FLUSHDB":      {cmdFlushDB, 1, 2},
	"SUBSCRIBE":    {cmdSubscribe, 2, -1},
	"UNSUBSCRIBE":  {cmdUnsubscribe, 1, -1},
	"PSUBSCRIBE":   {cmdPsubscribe, 2, -1},
	"PUNSUBSCRIBE": {cmdPunsubscribe, 1, -1},
	"PUBSUB":       {cmdPubsub, 2, -1},
	"PUBLISH":      {cmdPublish, 3, 3},
}

// dispatch routes one parsed command. Handler failures never escape: they
// become RESP error replies and the connection keeps processing.
func (s *Server) dispatch(c *client, cmd resp.Command) {
	if len(cmd.Args) == 0 {
		return
	}
	name := strings.ToUpper(string(cmd.Args[0]))
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("command handler panicked", "command", name, "panic", r)
			c.wr.WriteError("ERR internal error")
		}
	}()

	row, ok := commands[name]
	if !ok {
		c.wr.WriteError(unknownCommandError(cmd.Args))
		return
	}
	if len(cmd.Args) < row.minArgs ||
		(row.maxArgs != -1 && len(cmd.Args) > row.maxArgs) {
		c.wr.WriteError(fmt.Sprintf(
			"ERR wrong number of arguments for '%s' command",
			strings.ToLower(name)))
		return
	}
	s.totalCommands.Add(1)
	s.metrics.CommandsTotal.WithLabelValues(name).Inc()
	row.handler(s, c, cmd.Args)
}

func unknownCommandError(args [][]byte) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "ERR unknown command '%s', with args beginning with: ", args[0])
	for i := 1; i < len(args) && i <= 3; i++ {
		fmt.Fprintf(&sb, "'%s', ", args[i])
	}
	return sb.String()
}

const errNotInteger = "ERR value is not an integer or out of range"

func cmdPing(s *Server, c *client, args [][]byte) {
	if len(args) == 2 {
		c.wr.WriteBulk(args[1])
		return
	}
	c.wr.WriteString("PONG")
}

func cmdEcho(s *Server, c *client, args [][]byte) {
	c.wr.WriteBulk(args[1])
}

// cmdAuth accepts any credentials; the server has no ACLs and the reply
// exists purely for client compatibility.
func cmdAuth(s *Server, c *client, args [][]byte) {
	c.wr.WriteString("OK")
}

func cmdSelect(s *Server, c *client, args [][]byte) {
	idx, err := strconv.Atoi(string(args[1]))
	if err != nil {
		c.wr.WriteError(errNotInteger)
		return
	}
	if idx != 0 {
		c.wr.WriteError("ERR DB index is out of range")
		return
	}
	c.wr.WriteString("OK")
}

func cmdQuit(s *Server, c *client, args [][]byte) {
	c.wr.WriteString("OK")
	c.quit = true
}

func cmdCommand(s *Server, c *client, args [][]byte) {
	c.wr.WriteArray(0)
}

func cmdClient(s *Server, c *client, args [][]byte) {
	sub := strings.ToUpper(string(args[1]))
	switch sub {
	case "SETNAME":
		if len(args) != 3 {
			c.wr.WriteError("ERR wrong number of arguments for 'client|setname' command")
			return
		}
		s.mu.Lock()
		c.name = string(args[2])
		s.mu.Unlock()
		c.wr.WriteString("OK")
	case "GETNAME":
		s.mu.Lock()
		name := c.name
		s.mu.Unlock()
		if name == "" {
			c.wr.WriteNull()
			return
		}
		c.wr.WriteBulkString(name)
	case "LIST":
		s.mu.Lock()
		var sb strings.Builder
		for _, cl := range s.conns {
			fmt.Fprintf(&sb, "id=%d addr=%s name=%s age=%d sub=%d\n",
				cl.id, cl.addr, cl.name,
				int(time.Since(cl.created).Seconds()),
				s.broker.SubscriptionCount(cl.id))
		}
		s.mu.Unlock()
		c.wr.WriteBulkString(sb.String())
	default:
		c.wr.WriteError(fmt.Sprintf(
			"ERR unknown subcommand '%s'. Try CLIENT HELP.", args[1]))
	}
}

func cmdSet(s *Server, c *client, args [][]byte) {
	s.store.Set(string(args[1]), append([]byte(nil), args[2]...))
	c.wr.WriteString("OK")
}

func cmdGet(s *Server, c *client, args [][]byte) {
	v, ok := s.store.Get(string(args[1]))
	if !ok {
		c.wr.WriteNull()
		return
	}
	c.wr.WriteBulk(v)
}

func cmdDel(s *Server, c *client, args [][]byte) {
	keys := argStrings(args[1:])
	c.wr.WriteInt(s.store.Del(keys...))
}

func cmdExists(s *Server, c *client, args [][]byte) {
	keys := argStrings(args[1:])
	c.wr.WriteInt(s.store.Exists(keys...))
}

func cmdTTL(s *Server, c *client, args [][]byte) {
	c.wr.WriteInt64(s.store.TTL(string(args[1])))
}

func cmdExpire(s *Server, c *client, args [][]byte) {
	secs, err := strconv.ParseInt(string(args[2]), 10, 64)
	if err != nil {
		c.wr.WriteError(errNotInteger)
		return
	}
	if s.store.Expire(string(args[1]), secs) {
		c.wr.WriteInt(1)
		return
	}
	c.wr.WriteInt(0)
}

func cmdPersist(s *Server, c *client, args [][]byte) {
	if s.store.Persist(string(args[1])) {
		c.wr.WriteInt(1)
		return
	}
	c.wr.WriteInt(0)
}

func cmdKeys(s *Server, c *client, args [][]byte) {
	keys := s.store.Keys(string(args[1]))
	c.wr.WriteArray(len(keys))
	for _, k := range keys {
		c.wr.WriteBulkString(k)
	}
}

func cmdScan(s *Server, c *client, args [][]byte) {
	cursor, err := strconv.ParseUint(string(args[1]), 10, 64)
	if err != nil {
		c.wr.WriteError("ERR invalid cursor")
		return
	}
	pattern := ""
	count := 10
	for i := 2; i < len(args); i += 2 {
		if i+1 >= len(args) {
			c.wr.WriteError("ERR syntax error")
			return
		}
		switch strings.ToUpper(string(args[i])) {
		case "MATCH":
			pattern = string(args[i+1])
		case "COUNT":
			n, err := strconv.Atoi(string(args[i+1]))
			if err != nil || n < 1 {
				c.wr.WriteError(errNotInteger)
				return
			}
			count = n
		default:
			c.wr.WriteError("ERR syntax error")
			return
		}
	}
	next, keys := s.store.Scan(cursor, pattern, count)
	c.wr.WriteArray(2)
	c.wr.WriteBulkString(strconv.FormatUint(next, 10))
	c.wr.WriteArray(len(keys))
	for _, k := range keys {
		c.wr.WriteBulkString(k)
	}
}

func cmdDBSize(s *Server, c *client, args [][]byte) {
	c.wr.WriteInt(s.store.Len())
}

func cmdType(s *Server, c *client, args [][]byte) {
	c.wr.WriteString(s.store.Type(string(args[1])))
}

func cmdFlushDB(s *Server, c *client, args [][]byte) {
	s.store.Flush()
	c.wr.WriteString("OK")
}

func cmdSubscribe(s *Server, c *client, args [][]byte) {
	for i := 1; i < len(args); i++ {
		ch := string(args[i])
		count := s.broker.Subscribe(c.id, ch, pubsub.PriorityMedium)
		c.wr.WriteArray(3)
		c.wr.WriteBulkString("subscribe")
		c.wr.WriteBulkString(ch)
		c.wr.WriteInt(count)
	}
}

func cmdPsubscribe(s *Server, c *client, args [][]byte) {
	for i := 1; i < len(args); i++ {
		p := string(args[i])
		count := s.broker.Psubscribe(c.id, p, pubsub.PriorityMedium)
		c.wr.WriteArray(3)
		c.wr.WriteBulkString("psubscribe")
		c.wr.WriteBulkString(p)
		c.wr.WriteInt(count)
	}
}

func cmdUnsubscribe(s *Server, c *client, args [][]byte) {
	channels := argStrings(args[1:])
	if len(channels) == 0 {
		channels = s.broker.Subscriptions(c.id)
	}
	if len(channels) == 0 {
		c.wr.WriteArray(3)
		c.wr.WriteBulkString("unsubscribe")
		c.wr.WriteNull()
		c.wr.WriteInt(s.broker.SubscriptionCount(c.id))
		return
	}
	for _, ch := range channels {
		remaining, _ := s.broker.Unsubscribe(c.id, ch)
		c.wr.WriteArray(3)
		c.wr.WriteBulkString("unsubscribe")
		c.wr.WriteBulkString(ch)
		c.wr.WriteInt(remaining)
	}
}

func cmdPunsubscribe(s *Server, c *client, args [][]byte) {
	patterns := argStrings(args[1:])
	if len(patterns) == 0 {
		patterns = s.broker.PatternSubscriptions(c.id)
	}
	if len(patterns) == 0 {
		c.wr.WriteArray(3)
		c.wr.WriteBulkString("punsubscribe")
		c.wr.WriteNull()
		c.wr.WriteInt(s.broker.SubscriptionCount(c.id))
		return
	}
	for _, p := range patterns {
		remaining, _ := s.broker.Punsubscribe(c.id, p)
		c.wr.WriteArray(3)
		c.wr.WriteBulkString("punsubscribe")
		c.wr.WriteBulkString(p)
		c.wr.WriteInt(remaining)
	}
}

func cmdPubsub(s *Server, c *client, args [][]byte) {
	switch strings.ToUpper(string(args[1])) {
	case "CHANNELS":
		pattern := ""
		if len(args) > 2 {
			pattern = string(args[2])
		}
		chans := s.broker.Channels(pattern)
		c.wr.WriteArray(len(chans))
		for _, ch := range chans {
			c.wr.WriteBulkString(ch)
		}
	case "NUMSUB":
		c.wr.WriteArray((len(args) - 2) * 2)
		for i := 2; i < len(args); i++ {
			ch := string(args[i])
			c.wr.WriteBulkString(ch)
			c.wr.WriteInt(s.broker.NumSub(ch))
		}
	default:
		c.wr.WriteError(fmt.Sprintf(
			"ERR unknown subcommand '%s'. Try PUBSUB HELP.", args[1]))
	}
}

func cmdPublish(s *Server, c *client, args [][]byte) {
	n := s.broker.Publish(string(args[1]),
		append([]byte(nil), args[2]...), pubsub.PublishOptions{})
	c.wr.WriteInt(n)
}

func argStrings(args [][]byte) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		out = append(out, string(a))
	}
	return out
}
