package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/meshforge/runtime/internal/envelope"
)

// Record kinds. Inputs are the inbound command/event; outputs are the
// envelopes the engine emitted while processing its idempotency key.
const (
	kindInput  = "input"
	kindOutput = "output"
)

// EntityBump records a new entity version to commit alongside an append.
type EntityBump struct {
	Agent    string
	EntityID string
	Version  int64
}

// Batch is one atomic commit: the inbound envelope (optional for
// tick-originated events), the ordered outputs emitted under Key, and any
// entity-version bumps those outputs carry.
type Batch struct {
	Tenant    string
	Workspace string
	Agent     string
	Key       string
	Input     *envelope.Envelope
	Outputs   []envelope.Envelope
	Bumps     []EntityBump
}

// Append commits a batch in a single transaction: input row, output rows in
// order, idempotency mapping (implicit via the key column), and
// entity-version bumps. Either everything is durable or nothing is.
func (s *Store) Append(ctx context.Context, b Batch) error {
	if b.Tenant == "" || b.Workspace == "" {
		return fmt.Errorf("append: tenant and workspace are required")
	}
	if b.Key == "" {
		return fmt.Errorf("append: idempotency key is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if b.Input != nil {
		if err := insertEvent(ctx, tx, b, kindInput, b.Input); err != nil {
			return err
		}
	}
	for i := range b.Outputs {
		if err := insertEvent(ctx, tx, b, kindOutput, &b.Outputs[i]); err != nil {
			return err
		}
	}

	for _, bump := range b.Bumps {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entity_versions (tenant, workspace, agent, entity_id, version)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tenant, workspace, agent, entity_id)
			DO UPDATE SET version = excluded.version
		`, b.Tenant, b.Workspace, bump.Agent, bump.EntityID, bump.Version)
		if err != nil {
			return fmt.Errorf("append: bump entity %s: %w", bump.EntityID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append: commit: %w", err)
	}

	return nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, b Batch, kind string, env *envelope.Envelope) error {
	canonical, err := envelope.MarshalCanonical(env)
	if err != nil {
		return fmt.Errorf("append: marshal %s %s: %w", kind, env.MessageID, err)
	}
	actorJSON, sourceJSON, payloadJSON, secJSON, err := columnJSON(env)
	if err != nil {
		return fmt.Errorf("append: %s %s: %w", kind, env.MessageID, err)
	}

	var expected any
	if env.ExpectedVersion != nil {
		expected = *env.ExpectedVersion
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO events
		(message_id, ts, type, schema_version, tenant, workspace, agent, kind,
		 actor_json, source_json, payload_json, security_context_json,
		 idempotency_key, correlation_id, causation_id, trace_id, span_id,
		 reply_to, entity_id, expected_version, envelope_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		env.MessageID,
		env.Ts,
		env.Type,
		env.SchemaVersion,
		b.Tenant,
		b.Workspace,
		b.Agent,
		kind,
		actorJSON,
		sourceJSON,
		payloadJSON,
		secJSON,
		b.Key,
		env.CorrelationID,
		env.CausationID,
		env.TraceID,
		env.SpanID,
		env.ReplyTo,
		env.EntityID,
		expected,
		string(canonical),
	)
	if err != nil {
		return fmt.Errorf("append: insert %s %s: %w", kind, env.MessageID, err)
	}
	return nil
}

// columnJSON serializes the structured sub-objects for the queryable
// columns. The canonical envelope bytes remain the source of truth; these
// columns exist for ad-hoc inspection and the scoped indexes.
func columnJSON(env *envelope.Envelope) (actor, source, payload, sec string, err error) {
	a, err := marshalColumn(map[string]any{"id": env.Actor.ID, "role": env.Actor.Role})
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal actor: %w", err)
	}
	s, err := marshalColumn(map[string]any{"agent": env.Source.Agent, "adapter": env.Source.Adapter})
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal source: %w", err)
	}
	var p string
	if env.Payload == nil {
		p = "{}"
	} else {
		p, err = marshalColumn(env.Payload)
		if err != nil {
			return "", "", "", "", fmt.Errorf("marshal payload: %w", err)
		}
	}
	c, err := marshalColumn(map[string]any{
		"principal_id":   env.Security.PrincipalID,
		"principal_type": env.Security.PrincipalType,
	})
	if err != nil {
		return "", "", "", "", fmt.Errorf("marshal security context: %w", err)
	}
	return a, s, p, c, nil
}

func marshalColumn(m map[string]any) (string, error) {
	data, err := envelope.MarshalCanonicalValue(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
