package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcdev12/blindtasting/go/internal/tasting/coordinator"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasting.yaml")
	yml := `
log_level: debug
device:
  state_path: /var/lib/tasting/device.db
game:
  min_players: 2
  join_policy: permissive
  round_time_limit: 45s
relay:
  kind: redis
  url: redis://localhost:6379/0
`
	if err := os.WriteFile(path, []byte(yml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("RELAY_URL", "redis://cache:6379/1")

	cfg, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Relay.Kind != "redis" || cfg.Relay.URL != "redis://cache:6379/1" {
		t.Fatalf("relay = %+v", cfg.Relay)
	}
	if cfg.Relay.Subject != "tasting.sync" {
		t.Fatalf("subject default lost: %q", cfg.Relay.Subject)
	}

	cc, err := cfg.coordinatorConfig()
	if err != nil {
		t.Fatalf("coordinator config: %v", err)
	}
	if cc.MinPlayers != 2 || cc.JoinPolicy != coordinator.JoinPermissive || cc.DefaultRoundTimeLimit != 45*time.Second {
		t.Fatalf("coordinator config = %+v", cc)
	}
	if cc.JoinTimeout != 5*time.Second {
		t.Fatalf("join timeout default lost: %v", cc.JoinTimeout)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Game.JoinPolicy != "strict" || cfg.Relay.Kind != "nats" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestUnknownJoinPolicy(t *testing.T) {
	t.Setenv("TASTING_JOIN_POLICY", "lenient")
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if _, err := cfg.coordinatorConfig(); err == nil {
		t.Fatalf("expected an error for an unknown join policy")
	}
}
