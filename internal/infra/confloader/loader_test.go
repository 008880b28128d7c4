package confloader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/corvuskv/corvus/internal/server/config"
)

func TestLoadKeepsDefaults(t *testing.T) {
	cfg := config.Default()
	if err := NewLoader().Load(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != config.DefaultPort {
		t.Fatalf("port = %d, want default %d", cfg.Server.Port, config.DefaultPort)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corvus.yaml")
	data := "server:\n  port: 7000\nlog:\n  level: debug\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	if err := NewLoader(WithConfigFile(path)).Load(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7000 {
		t.Fatalf("port = %d, want 7000", cfg.Server.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Log.Format != config.DefaultLogFormat {
		t.Fatalf("format = %q, untouched fields must keep defaults", cfg.Log.Format)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corvus.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 7000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CORVUS_SERVER_PORT", "7100")
	cfg := config.Default()
	if err := NewLoader(WithConfigFile(path)).Load(cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 7100 {
		t.Fatalf("port = %d, env must override the file", cfg.Server.Port)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	cfg := config.Default()
	err := NewLoader(WithConfigFile("/does/not/exist.yaml")).Load(cfg)
	if err == nil {
		t.Fatal("missing config file should fail")
	}
}
