package engine

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Replay rebuilds the adapter's state from the stored output stream for the
// engine's scope. It applies each output in append order, warms the
// processed-key cache, and never publishes: recovery replays effects on
// state, not on the outside world.
//
// Run before the consumer starts so redelivered messages dedupe against the
// recovered history.
func (e *Engine) Replay(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tel.Tracer.Start(ctx, "engine.replay",
		trace.WithAttributes(attribute.String("agent.id", e.agentID)))
	defer span.End()

	events, err := e.store.Replay(ctx, e.tenant, e.workspace, e.agentID)
	if err != nil {
		return 0, fmt.Errorf("replay: %w", err)
	}
	span.SetAttributes(attribute.Int("events.count", len(events)))

	applied := 0
	for i := range events {
		ev := &events[i]
		// Defense in depth: the store query is already scoped, but a
		// foreign-scope record must never reach the adapter.
		if ev.Tenant != e.tenant || ev.Workspace != e.workspace {
			e.logger.Error("replayed event has foreign scope, skipping",
				"agent", e.agentID,
				"event_id", ev.MessageID,
				"tenant", ev.Tenant,
				"workspace", ev.Workspace,
			)
			continue
		}

		e.adapter.Apply(*ev)
		if ev.IdempotencyKey != "" {
			e.markProcessed(ev.IdempotencyKey)
		}
		applied++
	}

	e.logger.Info("state recovered from event log",
		"agent", e.agentID,
		"events", applied,
	)
	return applied, nil
}
