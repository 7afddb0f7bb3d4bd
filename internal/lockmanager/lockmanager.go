// Package lockmanager implements the sys_lock_manager system agent: a
// TTL-lease lock service expressed entirely through the adapter contract.
// Decisions are pure functions of the command and the applied event
// history, so lock state replays byte-identically.
package lockmanager

import (
	"encoding/json"
	"sort"

	"github.com/meshforge/runtime/internal/envelope"
)

// AgentID is the well-known agent id engines host this adapter under.
const AgentID = "sys_lock_manager"

// CommandTarget is the second segment of the lock command type tags, and
// therefore the agent segment of the work-queue subjects the lock manager's
// consumer must filter on.
const CommandTarget = "lock"

// Command and event types owned by the lock manager.
const (
	CmdAcquire = "cmd.lock.acquire"
	CmdRelease = "cmd.lock.release"
	CmdRefresh = "cmd.lock.refresh"

	EvtAcquired  = "evt.lock.acquired"
	EvtDenied    = "evt.lock.denied"
	EvtReleased  = "evt.lock.released"
	EvtRefreshed = "evt.lock.refreshed"
	EvtExpired   = "evt.lock.expired"
)

type lease struct {
	holder    string
	token     string
	expiresAt int64
}

// Manager is the lock-manager adapter. All mutation happens in Apply.
type Manager struct {
	leases map[string]lease

	version     int64
	lastEventID string
	updatedAt   int64
}

// New returns an empty lock manager.
func New() *Manager {
	return &Manager{leases: map[string]lease{}}
}

// Decide evaluates a lock command against the applied lease table. Expiry
// is judged on the command's own timestamp: a lease is free again once
// ts >= expires_at.
func (m *Manager) Decide(env envelope.Envelope) ([]envelope.Envelope, error) {
	switch env.Type {
	case CmdAcquire:
		return m.decideAcquire(&env), nil
	case CmdRelease:
		return m.decideRelease(&env), nil
	case CmdRefresh:
		return m.decideRefresh(&env), nil
	}
	return nil, nil
}

func (m *Manager) decideAcquire(env *envelope.Envelope) []envelope.Envelope {
	name, _ := env.Payload["name"].(string)
	holder, _ := env.Payload["holder"].(string)
	ttl := payloadInt64(env.Payload, "ttl_ms")

	current, held := m.leases[name]
	if held && env.Ts < current.expiresAt && current.holder != holder {
		return []envelope.Envelope{{
			Type: EvtDenied,
			Payload: map[string]any{
				"name":           name,
				"holder":         holder,
				"holder_current": current.holder,
			},
		}}
	}

	// Free, lapsed, or re-acquired by the current holder. A same-holder
	// re-acquire succeeds with a fresh TTL and a new token. The token is
	// derived from the acquiring command's message id, so a redelivered
	// acquire regenerates the identical lease.
	return []envelope.Envelope{{
		Type: EvtAcquired,
		Payload: map[string]any{
			"name":       name,
			"holder":     holder,
			"token":      envelope.LeaseToken(env.MessageID),
			"expires_at": env.Ts + ttl,
		},
	}}
}

func (m *Manager) decideRelease(env *envelope.Envelope) []envelope.Envelope {
	name, _ := env.Payload["name"].(string)
	token, _ := env.Payload["token"].(string)

	current, held := m.leases[name]
	if !held || current.token != token {
		return []envelope.Envelope{{
			Type: EvtDenied,
			Payload: map[string]any{
				"name":   name,
				"reason": "invalid_token",
			},
		}}
	}

	return []envelope.Envelope{{
		Type:    EvtReleased,
		Payload: map[string]any{"name": name},
	}}
}

func (m *Manager) decideRefresh(env *envelope.Envelope) []envelope.Envelope {
	name, _ := env.Payload["name"].(string)
	token, _ := env.Payload["token"].(string)
	ttl := payloadInt64(env.Payload, "ttl_ms")

	current, held := m.leases[name]
	if !held || env.Ts >= current.expiresAt {
		return []envelope.Envelope{{
			Type:    EvtExpired,
			Payload: map[string]any{"name": name},
		}}
	}
	// A wrong token must not disturb the live lease: denied events leave
	// the lease table untouched in Apply.
	if current.token != token {
		return []envelope.Envelope{{
			Type: EvtDenied,
			Payload: map[string]any{
				"name":           name,
				"holder_current": current.holder,
				"reason":         "invalid_token",
			},
		}}
	}

	return []envelope.Envelope{{
		Type: EvtRefreshed,
		Payload: map[string]any{
			"name":       name,
			"holder":     current.holder,
			"token":      token,
			"expires_at": env.Ts + ttl,
		},
	}}
}

// Apply folds a persisted lock event into the lease table. The acquired and
// refreshed events carry the full lease, so Apply needs no context beyond
// the event itself.
func (m *Manager) Apply(env envelope.Envelope) {
	m.version++
	m.lastEventID = env.MessageID
	m.updatedAt = env.Ts

	name, _ := env.Payload["name"].(string)
	switch env.Type {
	case EvtAcquired:
		holder, _ := env.Payload["holder"].(string)
		token, _ := env.Payload["token"].(string)
		m.leases[name] = lease{
			holder:    holder,
			token:     token,
			expiresAt: payloadInt64(env.Payload, "expires_at"),
		}
	case EvtRefreshed:
		if current, held := m.leases[name]; held {
			current.expiresAt = payloadInt64(env.Payload, "expires_at")
			m.leases[name] = current
		}
	case EvtReleased, EvtExpired:
		delete(m.leases, name)
	}
}

// Tick sweeps the lease table and emits an expiry event per lapsed lease,
// in name order for determinism.
func (m *Manager) Tick(nowMS int64) []envelope.Envelope {
	var names []string
	for name, l := range m.leases {
		if nowMS >= l.expiresAt {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []envelope.Envelope
	for _, name := range names {
		out = append(out, envelope.Envelope{
			Type: EvtExpired,
			Payload: map[string]any{
				"name":   name,
				"holder": m.leases[name].holder,
			},
		})
	}
	return out
}

// State snapshots the lease table.
func (m *Manager) State() envelope.AgentState {
	leases := map[string]any{}
	for name, l := range m.leases {
		leases[name] = map[string]any{
			"holder":     l.holder,
			"token":      l.token,
			"expires_at": l.expiresAt,
		}
	}
	return envelope.AgentState{
		Version:              m.version,
		EntityVersions:       map[string]int64{},
		Data:                 map[string]any{"leases": leases},
		LastProcessedEventID: m.lastEventID,
		UpdatedAt:            m.updatedAt,
	}
}

// Health reports READY; the manager has no external dependencies.
func (m *Manager) Health() envelope.Health {
	return envelope.HealthReady
}

// payloadInt64 reads an integer payload field regardless of whether it came
// from the wire (json.Number) or in-process construction.
func payloadInt64(payload map[string]any, key string) int64 {
	switch v := payload[key].(type) {
	case json.Number:
		n, _ := v.Int64()
		return n
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
