package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runtime.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, `
tenant: acme
workspace: main
agent_id: counter
store_dsn: /var/lib/meshforge/events.db
nats_url: nats://broker:4222
tick_interval_ms: 500
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tenant != "acme" || cfg.Workspace != "main" || cfg.AgentID != "counter" {
		t.Errorf("scope = %s/%s agent %s", cfg.Tenant, cfg.Workspace, cfg.AgentID)
	}
	// Unset keys keep their defaults.
	if cfg.MaxDeliver != 5 {
		t.Errorf("MaxDeliver = %d, want default 5", cfg.MaxDeliver)
	}
	if cfg.EventsStream != "MESHFORGE_EVENTS" {
		t.Errorf("EventsStream = %s", cfg.EventsStream)
	}
	if cfg.TickInterval() != 500*time.Millisecond {
		t.Errorf("TickInterval = %s", cfg.TickInterval())
	}
	if got := cfg.CommandFilter("counter"); got != "cmd.acme.main.counter.>" {
		t.Errorf("CommandFilter = %q", got)
	}
}

func TestLoadRejectsMissingAgent(t *testing.T) {
	path := writeConfig(t, `
tenant: acme
workspace: main
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected schema rejection for empty agent_id")
	}
}

func TestValidateRejections(t *testing.T) {
	cases := map[string]func(c *Config){
		"empty tenant":      func(c *Config) { c.Tenant = "" },
		"empty store dsn":   func(c *Config) { c.StoreDSN = "" },
		"zero max deliver":  func(c *Config) { c.MaxDeliver = 0 },
		"negative ack wait": func(c *Config) { c.AckWaitMS = -1 },
		"zero backoff step": func(c *Config) { c.BackoffMS = []int64{1000, 0} },
	}
	for name, mutate := range cases {
		cfg := Default()
		cfg.AgentID = "counter"
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "tenant: [unclosed")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "parse") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestBackoffConversion(t *testing.T) {
	cfg := Default()
	got := cfg.Backoff()
	want := []time.Duration{time.Second, 5 * time.Second, 10 * time.Second, 30 * time.Second, 60 * time.Second}
	if len(got) != len(want) {
		t.Fatalf("Backoff = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Backoff[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
