package pubsub

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/corvuskv/corvus/internal/outmux"
)

func testMuxConfig() outmux.Config {
	cfg := outmux.DefaultConfig()
	cfg.HealthInterval = time.Hour
	cfg.ReportInterval = time.Hour
	return cfg
}

func newTestBroker(t *testing.T, cfg Config) (*Broker, *outmux.Mux) {
	t.Helper()
	m := outmux.New(testMuxConfig(), nil, nil)
	b := New(cfg, m, nil, nil)
	t.Cleanup(func() {
		b.Close()
		m.Close()
	})
	return b, m
}

// pipeSub registers a mux slot and returns the client side of the pipe.
func pipeSub(t *testing.T, m *outmux.Mux, id uint64) net.Conn {
	t.Helper()
	server, client := net.Pipe()
	m.Register(id, server)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return client
}

func readExactly(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	return buf
}

func TestSubscriptionSymmetry(t *testing.T) {
	b, _ := newTestBroker(t, DefaultConfig())
	b.Subscribe(1, "news", PriorityMedium)
	b.Subscribe(1, "sport", PriorityMedium)
	b.Subscribe(2, "news", PriorityHigh)

	if n := b.NumSub("news"); n != 2 {
		t.Fatalf("news subscribers = %d, want 2", n)
	}
	subs := b.Subscriptions(1)
	if len(subs) != 2 {
		t.Fatalf("conn 1 subscriptions = %v", subs)
	}
	// idempotent: resubscribing changes nothing structural
	b.Subscribe(1, "news", PriorityMedium)
	if n := b.NumSub("news"); n != 2 {
		t.Fatalf("resubscribe changed count to %d", n)
	}

	remaining, ok := b.Unsubscribe(1, "news")
	if !ok || remaining != 1 {
		t.Fatalf("unsubscribe = %d %v", remaining, ok)
	}
	if n := b.NumSub("news"); n != 1 {
		t.Fatalf("news subscribers = %d, want 1", n)
	}
	// unsubscribe is idempotent
	if _, ok := b.Unsubscribe(1, "news"); ok {
		t.Fatal("second unsubscribe should be a no-op")
	}

	// last subscriber leaving removes the channel
	b.Unsubscribe(2, "news")
	if got := b.Channels(""); len(got) != 1 || got[0] != "sport" {
		t.Fatalf("channels = %v", got)
	}
}

func TestUnsubscribeAll(t *testing.T) {
	b, _ := newTestBroker(t, DefaultConfig())
	b.Subscribe(1, "a", PriorityMedium)
	b.Subscribe(1, "b", PriorityMedium)
	b.Psubscribe(1, "c.*", PriorityMedium)
	b.UnsubscribeAll(1)
	if n := b.SubscriptionCount(1); n != 0 {
		t.Fatalf("subscriptions after release = %d", n)
	}
	if got := b.Channels(""); len(got) != 0 {
		t.Fatalf("channels = %v", got)
	}
}

func TestPublishDirectDelivery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchingEnabled = false
	b, m := newTestBroker(t, cfg)
	client := pipeSub(t, m, 1)
	b.Subscribe(1, "news", PriorityMedium)

	n := b.Publish("news", []byte("hi"), PublishOptions{})
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	want := []byte("*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$2\r\nhi\r\n")
	got := readExactly(t, client, len(want))
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestPublishBufferedDelivery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BufferFlushInterval = 5 * time.Millisecond
	b, m := newTestBroker(t, cfg)
	client := pipeSub(t, m, 1)
	b.Subscribe(1, "news", PriorityMedium)

	if n := b.Publish("news", []byte("one"), PublishOptions{}); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	if n := b.Publish("news", []byte("two"), PublishOptions{}); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	want := []byte("*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$3\r\none\r\n" +
		"*3\r\n$7\r\nmessage\r\n$4\r\nnews\r\n$3\r\ntwo\r\n")
	got := readExactly(t, client, len(want))
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

// TestPublishOrderPerPublisher checks the per-publisher ordering
// guarantee across many messages on one channel.
func TestPublishOrderPerPublisher(t *testing.T) {
	cfg := DefaultConfig()
	b, m := newTestBroker(t, cfg)
	client := pipeSub(t, m, 1)
	b.Subscribe(1, "seq", PriorityMedium)

	var want []byte
	go func() {
		for i := 0; i < 50; i++ {
			b.Publish("seq", []byte{'a' + byte(i%26)}, PublishOptions{})
		}
	}()
	for i := 0; i < 50; i++ {
		want = append(want, FormatMessage("seq", []byte{'a' + byte(i%26)})...)
	}
	got := readExactly(t, client, len(want))
	if !bytes.Equal(got, want) {
		t.Fatal("messages arrived out of publish order")
	}
}

func TestPublishToSilentChannel(t *testing.T) {
	b, _ := newTestBroker(t, DefaultConfig())
	if n := b.Publish("nobody", []byte("x"), PublishOptions{}); n != 0 {
		t.Fatalf("delivered = %d, want 0", n)
	}
}

func TestPatternDelivery(t *testing.T) {
	b, m := newTestBroker(t, DefaultConfig())
	client := pipeSub(t, m, 1)
	b.Psubscribe(1, "news.*", PriorityMedium)

	if n := b.Publish("news.eu", []byte("hi"), PublishOptions{}); n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
	want := FormatPatternMessage("news.*", "news.eu", []byte("hi"))
	got := readExactly(t, client, len(want))
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestLargeChannelUsesBroadcast(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LargeChannelThreshold = 3
	b, m := newTestBroker(t, cfg)
	clients := make([]net.Conn, 4)
	for i := range clients {
		clients[i] = pipeSub(t, m, uint64(i+1))
		go io.Copy(io.Discard, clients[i])
		b.Subscribe(uint64(i+1), "big", PriorityMedium)
	}
	if n := b.Publish("big", []byte("fan"), PublishOptions{}); n != 4 {
		t.Fatalf("delivered = %d, want 4", n)
	}
}

func TestChannelStats(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchingEnabled = false
	b, m := newTestBroker(t, cfg)
	client := pipeSub(t, m, 1)
	go io.Copy(io.Discard, client)
	b.Subscribe(1, "st", PriorityMedium)

	b.Publish("st", []byte("aaaa"), PublishOptions{})
	b.Publish("st", []byte("bb"), PublishOptions{})
	st, ok := b.Stats("st")
	if !ok {
		t.Fatal("missing stats")
	}
	if st.Subscribers != 1 || st.Messages != 2 || st.Bytes != 6 {
		t.Fatalf("stats = %+v", st)
	}
	if st.AvgSize != 3 {
		t.Fatalf("avg = %v", st.AvgSize)
	}
	if st.LastActivity.IsZero() {
		t.Fatal("last activity not set")
	}
}
