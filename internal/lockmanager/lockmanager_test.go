package lockmanager

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/meshforge/runtime/internal/bus"
	"github.com/meshforge/runtime/internal/engine"
	"github.com/meshforge/runtime/internal/envelope"
	"github.com/meshforge/runtime/internal/store"
)

func lockCmd(id, key, typ string, ts int64, payload map[string]any) envelope.Envelope {
	return envelope.Envelope{
		MessageID:     id,
		Ts:            ts,
		Type:          typ,
		SchemaVersion: envelope.SchemaVersion,
		Tenant:        "acme",
		Workspace:     "main",
		Security: envelope.SecurityContext{
			PrincipalID:   "svc-scheduler",
			PrincipalType: envelope.PrincipalService,
		},
		Actor:          envelope.Actor{ID: "svc-scheduler", Role: "service"},
		Source:         envelope.Source{Agent: "scheduler", Adapter: "native"},
		Payload:        payload,
		IdempotencyKey: key,
	}
}

// applyAll runs decide-then-apply for a command, mimicking the engine's
// live path at adapter level.
func applyAll(t *testing.T, m *Manager, cmd envelope.Envelope) []envelope.Envelope {
	t.Helper()
	outs, err := m.Decide(cmd)
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	for i := range outs {
		if outs[i].MessageID == "" {
			outs[i].MessageID = cmd.MessageID + "-out"
		}
		if outs[i].Ts == 0 {
			outs[i].Ts = cmd.Ts
		}
		m.Apply(outs[i])
	}
	return outs
}

func TestAcquireDenyReleaseCycle(t *testing.T) {
	m := New()

	// Acquire at ts=1000 with a 5000ms TTL: the lease runs out at 6000.
	acquire := lockCmd("msg-1", "k-1", CmdAcquire, 1000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-a"})
	outs := applyAll(t, m, acquire)
	if len(outs) != 1 || outs[0].Type != EvtAcquired {
		t.Fatalf("acquire produced %+v", outs)
	}
	if outs[0].Payload["expires_at"] != int64(6000) {
		t.Errorf("expires_at = %v, want 6000", outs[0].Payload["expires_at"])
	}
	token, _ := outs[0].Payload["token"].(string)
	if token != envelope.LeaseToken("msg-1") {
		t.Errorf("token = %q, want derived lease token", token)
	}

	// A competing acquire at ts=3000 is denied while the lease is live.
	contend := lockCmd("msg-2", "k-2", CmdAcquire, 3000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-b"})
	outs = applyAll(t, m, contend)
	if len(outs) != 1 || outs[0].Type != EvtDenied {
		t.Fatalf("contending acquire produced %+v", outs)
	}
	if outs[0].Payload["holder_current"] != "worker-a" {
		t.Errorf("holder_current = %v", outs[0].Payload["holder_current"])
	}

	// Release at ts=4000 with the right token frees the lock.
	release := lockCmd("msg-3", "k-3", CmdRelease, 4000,
		map[string]any{"name": "build", "token": token})
	outs = applyAll(t, m, release)
	if len(outs) != 1 || outs[0].Type != EvtReleased {
		t.Fatalf("release produced %+v", outs)
	}

	// The next acquire succeeds immediately.
	again := lockCmd("msg-4", "k-4", CmdAcquire, 4500,
		map[string]any{"name": "build", "ttl_ms": int64(1000), "holder": "worker-b"})
	outs = applyAll(t, m, again)
	if len(outs) != 1 || outs[0].Type != EvtAcquired {
		t.Fatalf("post-release acquire produced %+v", outs)
	}
}

func TestAcquireAfterExpiry(t *testing.T) {
	m := New()

	applyAll(t, m, lockCmd("msg-1", "k-1", CmdAcquire, 1000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-a"}))

	// ts == expires_at means the lease has lapsed.
	outs := applyAll(t, m, lockCmd("msg-2", "k-2", CmdAcquire, 6000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-b"}))
	if len(outs) != 1 || outs[0].Type != EvtAcquired {
		t.Fatalf("acquire at expiry produced %+v", outs)
	}
	if outs[0].Payload["holder"] != "worker-b" {
		t.Errorf("holder = %v", outs[0].Payload["holder"])
	}
}

func TestReleaseWrongToken(t *testing.T) {
	m := New()

	applyAll(t, m, lockCmd("msg-1", "k-1", CmdAcquire, 1000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-a"}))

	outs := applyAll(t, m, lockCmd("msg-2", "k-2", CmdRelease, 2000,
		map[string]any{"name": "build", "token": "forged"}))
	if len(outs) != 1 || outs[0].Type != EvtDenied {
		t.Fatalf("forged release produced %+v", outs)
	}
	if outs[0].Payload["reason"] != "invalid_token" {
		t.Errorf("reason = %v", outs[0].Payload["reason"])
	}

	// The lease is untouched.
	contend := applyAll(t, m, lockCmd("msg-3", "k-3", CmdAcquire, 3000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-b"}))
	if contend[0].Type != EvtDenied {
		t.Errorf("lease vanished after denied release")
	}
}

func TestRefresh(t *testing.T) {
	m := New()

	acq := applyAll(t, m, lockCmd("msg-1", "k-1", CmdAcquire, 1000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-a"}))
	token, _ := acq[0].Payload["token"].(string)

	// Refresh at 4000 extends to 4000+5000.
	outs := applyAll(t, m, lockCmd("msg-2", "k-2", CmdRefresh, 4000,
		map[string]any{"name": "build", "token": token, "ttl_ms": int64(5000)}))
	if len(outs) != 1 || outs[0].Type != EvtRefreshed {
		t.Fatalf("refresh produced %+v", outs)
	}
	if outs[0].Payload["expires_at"] != int64(9000) {
		t.Errorf("expires_at = %v, want 9000", outs[0].Payload["expires_at"])
	}

	// A refresh arriving after expiry reports the lease gone.
	outs = applyAll(t, m, lockCmd("msg-3", "k-3", CmdRefresh, 9500,
		map[string]any{"name": "build", "token": token, "ttl_ms": int64(5000)}))
	if len(outs) != 1 || outs[0].Type != EvtExpired {
		t.Fatalf("late refresh produced %+v", outs)
	}
}

func TestRefreshWrongTokenKeepsLease(t *testing.T) {
	m := New()

	applyAll(t, m, lockCmd("msg-1", "k-1", CmdAcquire, 1000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-a"}))

	// A forged refresh inside the TTL is denied, never expired.
	outs := applyAll(t, m, lockCmd("msg-2", "k-2", CmdRefresh, 2000,
		map[string]any{"name": "build", "token": "forged", "ttl_ms": int64(5000)}))
	if len(outs) != 1 || outs[0].Type != EvtDenied {
		t.Fatalf("forged refresh produced %+v", outs)
	}
	if outs[0].Payload["reason"] != "invalid_token" {
		t.Errorf("reason = %v", outs[0].Payload["reason"])
	}

	// worker-a's lease survives: a contending acquire is still denied.
	contend := applyAll(t, m, lockCmd("msg-3", "k-3", CmdAcquire, 3000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-b"}))
	if len(contend) != 1 || contend[0].Type != EvtDenied {
		t.Fatalf("lease vanished after forged refresh: %+v", contend)
	}
	if contend[0].Payload["holder_current"] != "worker-a" {
		t.Errorf("holder_current = %v", contend[0].Payload["holder_current"])
	}
}

func TestReacquireBySameHolder(t *testing.T) {
	m := New()

	applyAll(t, m, lockCmd("msg-1", "k-1", CmdAcquire, 1000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-a"}))

	// The current holder re-acquires inside the TTL: fresh lease, new token.
	outs := applyAll(t, m, lockCmd("msg-2", "k-2", CmdAcquire, 3000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-a"}))
	if len(outs) != 1 || outs[0].Type != EvtAcquired {
		t.Fatalf("same-holder re-acquire produced %+v", outs)
	}
	if outs[0].Payload["expires_at"] != int64(8000) {
		t.Errorf("expires_at = %v, want 8000", outs[0].Payload["expires_at"])
	}
	if outs[0].Payload["token"] != envelope.LeaseToken("msg-2") {
		t.Errorf("token not re-derived from the re-acquiring command")
	}

	// Another holder still cannot take it.
	contend := applyAll(t, m, lockCmd("msg-3", "k-3", CmdAcquire, 4000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-b"}))
	if contend[0].Type != EvtDenied {
		t.Errorf("re-acquire dropped the lease: %+v", contend)
	}
}

func TestTickSweepsLapsedLeases(t *testing.T) {
	m := New()

	applyAll(t, m, lockCmd("msg-1", "k-1", CmdAcquire, 1000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-a"}))
	applyAll(t, m, lockCmd("msg-2", "k-2", CmdAcquire, 1000,
		map[string]any{"name": "deploy", "ttl_ms": int64(9000), "holder": "worker-b"}))
	applyAll(t, m, lockCmd("msg-3", "k-3", CmdAcquire, 1000,
		map[string]any{"name": "archive", "ttl_ms": int64(2000), "holder": "worker-c"}))

	outs := m.Tick(7000)
	if len(outs) != 2 {
		t.Fatalf("tick emitted %d events, want 2", len(outs))
	}
	// Name order for determinism.
	if outs[0].Payload["name"] != "archive" || outs[1].Payload["name"] != "build" {
		t.Errorf("tick order: %v, %v", outs[0].Payload["name"], outs[1].Payload["name"])
	}

	for i := range outs {
		outs[i].MessageID = "tick-out"
		outs[i].Ts = 7000
		m.Apply(outs[i])
	}
	if m.Tick(7000) != nil {
		t.Error("second sweep re-emitted expiries")
	}

	// The untouched lease survives.
	outs = m.Tick(20000)
	if len(outs) != 1 || outs[0].Payload["name"] != "deploy" {
		t.Errorf("final sweep: %+v", outs)
	}
}

// TestEngineHostedLockManager drives the adapter through a real engine and
// verifies the lease table rebuilds identically from the event log.
func TestEngineHostedLockManager(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "locks.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	newEngine := func(m *Manager) *engine.Engine {
		eng, err := engine.New(engine.Options{
			Tenant:        "acme",
			Workspace:     "main",
			AgentID:       AgentID,
			Adapter:       m,
			Store:         st,
			Bus:           bus.NewMemory(),
			Deterministic: true,
			Logger:        slog.New(slog.DiscardHandler),
		})
		if err != nil {
			t.Fatalf("engine.New: %v", err)
		}
		return eng
	}

	live := New()
	eng := newEngine(live)

	acquire := lockCmd("msg-1", "k-1", CmdAcquire, 1000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-a"})
	res, err := eng.Process(ctx, acquire)
	if err != nil {
		t.Fatalf("Process acquire: %v", err)
	}
	if res.Outcome != engine.OutcomeProcessed || res.Outputs[0].Type != EvtAcquired {
		t.Fatalf("acquire result: %+v", res)
	}

	contend := lockCmd("msg-2", "k-2", CmdAcquire, 3000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-b"})
	res, err = eng.Process(ctx, contend)
	if err != nil {
		t.Fatalf("Process contend: %v", err)
	}
	if res.Outputs[0].Type != EvtDenied {
		t.Fatalf("contend result: %+v", res.Outputs)
	}

	liveHash, err := eng.StateHash()
	if err != nil {
		t.Fatalf("StateHash: %v", err)
	}

	recovered := New()
	eng2 := newEngine(recovered)
	if _, err := eng2.Replay(ctx); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	replayHash, err := eng2.StateHash()
	if err != nil {
		t.Fatalf("StateHash: %v", err)
	}
	if liveHash != replayHash {
		t.Errorf("lease table not replay-stable:\n live   %s\n replay %s", liveHash, replayHash)
	}

	// The recovered engine still holds the lease for worker-a.
	late := lockCmd("msg-3", "k-3", CmdAcquire, 4000,
		map[string]any{"name": "build", "ttl_ms": int64(5000), "holder": "worker-c"})
	res, err = eng2.Process(ctx, late)
	if err != nil {
		t.Fatalf("Process late: %v", err)
	}
	if res.Outputs[0].Type != EvtDenied {
		t.Errorf("recovered engine granted a held lock: %+v", res.Outputs)
	}
}
