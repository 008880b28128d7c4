package config

import (
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Verify(); err != nil {
		t.Fatalf("default config must verify: %v", err)
	}
}

func TestVerifyRejectsBadPort(t *testing.T) {
	for _, port := range []int{0, -1, 70000} {
		cfg := Default()
		cfg.Server.Port = port
		if err := cfg.Verify(); err == nil {
			t.Fatalf("port %d should not verify", port)
		}
	}
}

func TestVerifyRejectsBadTunables(t *testing.T) {
	cfg := Default()
	cfg.Outmux.BatchSize = 0
	if err := cfg.Verify(); err == nil {
		t.Fatal("zero batch size should not verify")
	}
	cfg = Default()
	cfg.Outmux.MaxQueueSize = 0
	if err := cfg.Verify(); err == nil {
		t.Fatal("zero queue size should not verify")
	}
	cfg = Default()
	cfg.Broker.LargeChannelThreshold = 0
	if err := cfg.Verify(); err == nil {
		t.Fatal("zero channel threshold should not verify")
	}
}
