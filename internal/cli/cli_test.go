package cli

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/meshforge/runtime/internal/bus"
	"github.com/meshforge/runtime/internal/config"
	"github.com/meshforge/runtime/internal/engine"
	"github.com/meshforge/runtime/internal/envelope"
	"github.com/meshforge/runtime/internal/lockmanager"
	"github.com/meshforge/runtime/internal/store"
)

func TestGetExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{WrapExitError(ExitCommandError, "bad config", fmt.Errorf("boom")), ExitCommandError},
		{WrapExitError(ExitFailure, "engine error", nil), ExitFailure},
		{fmt.Errorf("plain error"), ExitFailure},
		{fmt.Errorf("wrapped: %w", WrapExitError(ExitCommandError, "inner", nil)), ExitCommandError},
	}
	for _, tc := range cases {
		if got := GetExitCode(tc.err); got != tc.want {
			t.Errorf("GetExitCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestBuildAdapter(t *testing.T) {
	a, target, err := buildAdapter(lockmanager.AgentID)
	if err != nil {
		t.Fatalf("buildAdapter: %v", err)
	}
	if a.Health() != envelope.HealthReady {
		t.Errorf("health = %s", a.Health())
	}
	if target != lockmanager.CommandTarget {
		t.Errorf("target = %q, want %q", target, lockmanager.CommandTarget)
	}

	if _, _, err := buildAdapter("no_such_agent"); err == nil {
		t.Error("expected error for unknown agent")
	}
}

// TestCommandSubjectsMatchConsumerFilter checks that every built-in agent's
// command types route to subjects its own consumer filter covers, so routed
// commands cannot strand in the work queue.
func TestCommandSubjectsMatchConsumerFilter(t *testing.T) {
	commandTypes := map[string][]string{
		lockmanager.AgentID: {
			lockmanager.CmdAcquire,
			lockmanager.CmdRelease,
			lockmanager.CmdRefresh,
		},
	}

	cfg := config.Default()
	cfg.Tenant = "acme"
	cfg.Workspace = "main"
	for agentID := range builtinAdapters {
		types := commandTypes[agentID]
		if len(types) == 0 {
			t.Fatalf("no command types listed for built-in agent %q", agentID)
		}
		_, target, err := buildAdapter(agentID)
		if err != nil {
			t.Fatalf("buildAdapter(%s): %v", agentID, err)
		}
		prefix := strings.TrimSuffix(cfg.CommandFilter(target), ">")
		for _, typ := range types {
			env := envelope.Envelope{Type: typ, Tenant: cfg.Tenant, Workspace: cfg.Workspace}
			subject := bus.CommandSubject(&env)
			if !strings.HasPrefix(subject, prefix) {
				t.Errorf("%s routes %s to %q outside filter %q",
					agentID, typ, subject, cfg.CommandFilter(target))
			}
		}
	}
}

func TestVersionCommand(t *testing.T) {
	cmd := NewVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out.String(), "meshforge") {
		t.Errorf("version output = %q", out.String())
	}
}

func TestRunRejectsMissingConfig(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"run", "--config", "/nonexistent/runtime.yaml"})
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))

	err := root.Execute()
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
	if GetExitCode(err) != ExitCommandError {
		t.Errorf("exit code = %d, want %d", GetExitCode(err), ExitCommandError)
	}
}

// TestReplayCommandPrintsStableHash seeds a store through a live engine,
// then replays it twice through the CLI and expects identical hashes.
func TestReplayCommandPrintsStableHash(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "events.db")

	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	eng, err := engine.New(engine.Options{
		Tenant:        "acme",
		Workspace:     "main",
		AgentID:       lockmanager.AgentID,
		Adapter:       lockmanager.New(),
		Store:         st,
		Bus:           bus.NewMemory(),
		Deterministic: true,
		Logger:        slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	cmd := envelope.Envelope{
		MessageID:     "msg-1",
		Ts:            1000,
		Type:          lockmanager.CmdAcquire,
		SchemaVersion: envelope.SchemaVersion,
		Tenant:        "acme",
		Workspace:     "main",
		Security: envelope.SecurityContext{
			PrincipalID:   "svc-1",
			PrincipalType: envelope.PrincipalService,
		},
		Actor:          envelope.Actor{ID: "svc-1", Role: "service"},
		Source:         envelope.Source{Agent: "scheduler", Adapter: "native"},
		Payload:        map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "w-1"},
		IdempotencyKey: "k-1",
	}
	if _, err := eng.Process(context.Background(), cmd); err != nil {
		t.Fatalf("Process: %v", err)
	}
	st.Close()

	cfgPath := filepath.Join(dir, "runtime.yaml")
	cfgBody := fmt.Sprintf(`
tenant: acme
workspace: main
agent_id: %s
store_dsn: %s
`, lockmanager.AgentID, dbPath)
	if err := os.WriteFile(cfgPath, []byte(cfgBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	replayOnce := func() string {
		root := NewRootCommand()
		var out bytes.Buffer
		root.SetOut(&out)
		root.SetErr(new(bytes.Buffer))
		root.SetArgs([]string{"replay", "--config", cfgPath})
		if err := root.Execute(); err != nil {
			t.Fatalf("replay: %v", err)
		}
		return out.String()
	}

	first := replayOnce()
	second := replayOnce()
	if first != second {
		t.Errorf("replay output differs:\n first  %q\n second %q", first, second)
	}
	if !strings.Contains(first, "events: 1") || !strings.Contains(first, "state_hash: ") {
		t.Errorf("replay output = %q", first)
	}
}
