// Package adapter defines the contract between the runtime engine and the
// agent logic it hosts. The engine owns every I/O concern; an adapter is
// pure decision and state-transition logic, which is what makes replay and
// the determinism oracle possible.
package adapter

import (
	"fmt"

	"github.com/meshforge/runtime/internal/envelope"
)

// Adapter hosts one agent's behavior inside an engine.
//
// Decide must be pure: no clocks, no randomness, no I/O. Given the same
// envelope and the same prior Apply history it must return the same outputs.
// Output envelopes may leave ts, scope, and lineage fields unset; the engine
// stamps them during egress rewrite.
//
// Apply is the only place state mutates. The engine calls it for every
// persisted output, in order, on both the live path and replay, so the two
// paths converge on identical state.
//
// Tick lets the adapter emit time-driven outputs (expirations, schedules).
// nowMS is the engine's clock, never the wall clock directly.
type Adapter interface {
	Decide(env envelope.Envelope) ([]envelope.Envelope, error)
	Apply(env envelope.Envelope)
	Tick(nowMS int64) []envelope.Envelope
	State() envelope.AgentState
	Health() envelope.Health
}

// Validate performs the registration-time sanity check: the adapter must be
// non-nil, report a recognized health status, and expose hashable state.
func Validate(a Adapter) error {
	if a == nil {
		return fmt.Errorf("adapter is nil")
	}

	switch h := a.Health(); h {
	case envelope.HealthReady, envelope.HealthDegraded, envelope.HealthFailed:
	default:
		return fmt.Errorf("adapter reports unknown health status %q", h)
	}

	if _, err := envelope.StateHash(a.State()); err != nil {
		return fmt.Errorf("adapter state is not hashable: %w", err)
	}

	return nil
}
