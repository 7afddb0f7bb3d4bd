// Package bus carries envelopes between engines: a fan-out event bus for
// evt.* facts and a work-queue command router for cmd.* intents. Subjects
// embed the scope so stream-level filters enforce tenant isolation.
package bus

import (
	"context"

	"github.com/meshforge/runtime/internal/envelope"
)

// Publisher delivers event envelopes to every interested consumer.
// Publish is all-or-error per envelope in order; a failure leaves the
// remainder unpublished so the caller can retry the whole batch (dedup
// makes the retry safe).
type Publisher interface {
	Publish(ctx context.Context, events []envelope.Envelope) error
}

// Router delivers a command envelope to exactly one worker in the target
// agent's group. Non-command envelopes are rejected.
type Router interface {
	Route(ctx context.Context, cmd envelope.Envelope) error
}
