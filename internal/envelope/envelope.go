// Package envelope defines the canonical immutable message record exchanged
// between every runtime component, together with its canonical JSON
// serialization and the hashing primitives used as the determinism oracle.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// SchemaVersion is the only envelope schema version the runtime accepts.
// No forward-migration strategy is defined.
const SchemaVersion = "1.0"

// Type namespace prefixes. Unknown prefixes are rejected at ingress.
const (
	PrefixCommand  = "cmd"
	PrefixEvent    = "evt"
	PrefixQuery    = "qry"
	PrefixResponse = "res"
)

// Principal types accepted in a SecurityContext.
const (
	PrincipalUser    = "user"
	PrincipalService = "service"
	PrincipalAgent   = "agent"
	PrincipalSystem  = "system"
)

// SecurityContext identifies the principal on whose behalf a message was
// emitted. It is stamped by a trusted upstream and validated, never
// authenticated, by the engine.
type SecurityContext struct {
	PrincipalID   string `json:"principal_id"`
	PrincipalType string `json:"principal_type"`
}

// Actor is free-form identification of the emitter.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// Source names the component that produced an envelope.
type Source struct {
	Agent   string `json:"agent"`
	Adapter string `json:"adapter"`
}

// Envelope is the sole currency between runtime components. It carries both
// command intents (cmd.*) and fact notifications (evt.*).
//
// Envelopes are value types: once built, callers must not mutate shared
// payload maps. The engine copies before rewriting egress scope.
type Envelope struct {
	MessageID     string `json:"message_id"`
	Ts            int64  `json:"ts"`
	Type          string `json:"type"`
	SchemaVersion string `json:"schema_version"`

	Tenant    string `json:"tenant"`
	Workspace string `json:"workspace"`

	Security SecurityContext `json:"security_context"`
	Actor    Actor           `json:"actor"`
	Source   Source          `json:"source"`

	Payload map[string]any `json:"payload"`

	IdempotencyKey string `json:"idempotency_key"`

	CorrelationID string `json:"correlation_id,omitempty"`
	CausationID   string `json:"causation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`

	EntityID        string `json:"entity_id,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`

	ReplyTo string `json:"reply_to,omitempty"`

	// Extensions preserves unknown top-level fields for forward
	// compatibility. The core never interprets them.
	Extensions map[string]any `json:"-"`
}

// IsCommand reports whether the envelope carries a command intent.
func (e *Envelope) IsCommand() bool {
	return hasPrefix(e.Type, PrefixCommand)
}

// Verb returns the last dotted segment of the type tag.
func (e *Envelope) Verb() string {
	for i := len(e.Type) - 1; i >= 0; i-- {
		if e.Type[i] == '.' {
			return e.Type[i+1:]
		}
	}
	return e.Type
}

// Clone returns a deep copy of the envelope. Payload and extensions are
// copied one level deep, which is sufficient because the engine only
// rewrites top-level fields.
func (e *Envelope) Clone() Envelope {
	out := *e
	if e.Payload != nil {
		out.Payload = make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			out.Payload[k] = v
		}
	}
	if e.Extensions != nil {
		out.Extensions = make(map[string]any, len(e.Extensions))
		for k, v := range e.Extensions {
			out.Extensions[k] = v
		}
	}
	if e.ExpectedVersion != nil {
		v := *e.ExpectedVersion
		out.ExpectedVersion = &v
	}
	return out
}

// knownFields is the set of top-level keys owned by the envelope schema.
// Anything else lands in Extensions on decode.
var knownFields = map[string]bool{
	"message_id": true, "ts": true, "type": true, "schema_version": true,
	"tenant": true, "workspace": true, "security_context": true,
	"actor": true, "source": true, "payload": true, "idempotency_key": true,
	"correlation_id": true, "causation_id": true, "trace_id": true,
	"span_id": true, "entity_id": true, "expected_version": true,
	"reply_to": true,
}

// Decode parses an envelope from wire bytes. Numbers inside the payload are
// kept as json.Number so that re-serialization is byte-stable. Unknown
// top-level fields are preserved in Extensions.
func Decode(data []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}

	var env Envelope
	env.MessageID, _ = raw["message_id"].(string)
	env.Type, _ = raw["type"].(string)
	env.SchemaVersion, _ = raw["schema_version"].(string)
	env.Tenant, _ = raw["tenant"].(string)
	env.Workspace, _ = raw["workspace"].(string)
	env.IdempotencyKey, _ = raw["idempotency_key"].(string)
	env.CorrelationID, _ = raw["correlation_id"].(string)
	env.CausationID, _ = raw["causation_id"].(string)
	env.TraceID, _ = raw["trace_id"].(string)
	env.SpanID, _ = raw["span_id"].(string)
	env.EntityID, _ = raw["entity_id"].(string)
	env.ReplyTo, _ = raw["reply_to"].(string)

	if n, ok := raw["ts"].(json.Number); ok {
		ts, err := n.Int64()
		if err != nil {
			return Envelope{}, fmt.Errorf("decode envelope: ts: %w", err)
		}
		env.Ts = ts
	}
	if n, ok := raw["expected_version"].(json.Number); ok {
		ev, err := n.Int64()
		if err != nil {
			return Envelope{}, fmt.Errorf("decode envelope: expected_version: %w", err)
		}
		env.ExpectedVersion = &ev
	}

	if m, ok := raw["security_context"].(map[string]any); ok {
		env.Security.PrincipalID, _ = m["principal_id"].(string)
		env.Security.PrincipalType, _ = m["principal_type"].(string)
	}
	if m, ok := raw["actor"].(map[string]any); ok {
		env.Actor.ID, _ = m["id"].(string)
		env.Actor.Role, _ = m["role"].(string)
	}
	if m, ok := raw["source"].(map[string]any); ok {
		env.Source.Agent, _ = m["agent"].(string)
		env.Source.Adapter, _ = m["adapter"].(string)
	}
	if m, ok := raw["payload"].(map[string]any); ok {
		env.Payload = m
	}

	for k, v := range raw {
		if knownFields[k] {
			continue
		}
		if env.Extensions == nil {
			env.Extensions = make(map[string]any)
		}
		env.Extensions[k] = v
	}

	return env, nil
}

func hasPrefix(typeTag, prefix string) bool {
	return len(typeTag) > len(prefix) &&
		typeTag[:len(prefix)] == prefix &&
		typeTag[len(prefix)] == '.'
}
