package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces the canonical wire form of an envelope:
// lexicographically sorted keys, UTF-8, NFC-normalized strings, no HTML
// escaping, no insignificant whitespace. Byte-equal input envelopes yield
// byte-equal output.
//
// Required fields are always emitted; optional lineage and concurrency
// fields are emitted only when set, so redelivered copies of the same
// logical message serialize identically.
func MarshalCanonical(e *Envelope) ([]byte, error) {
	m := map[string]any{
		"message_id":     e.MessageID,
		"ts":             e.Ts,
		"type":           e.Type,
		"schema_version": e.SchemaVersion,
		"tenant":         e.Tenant,
		"workspace":      e.Workspace,
		"security_context": map[string]any{
			"principal_id":   e.Security.PrincipalID,
			"principal_type": e.Security.PrincipalType,
		},
		"actor": map[string]any{
			"id":   e.Actor.ID,
			"role": e.Actor.Role,
		},
		"source": map[string]any{
			"agent":   e.Source.Agent,
			"adapter": e.Source.Adapter,
		},
		"payload":         payloadOrEmpty(e.Payload),
		"idempotency_key": e.IdempotencyKey,
	}

	if e.CorrelationID != "" {
		m["correlation_id"] = e.CorrelationID
	}
	if e.CausationID != "" {
		m["causation_id"] = e.CausationID
	}
	if e.TraceID != "" {
		m["trace_id"] = e.TraceID
	}
	if e.SpanID != "" {
		m["span_id"] = e.SpanID
	}
	if e.EntityID != "" {
		m["entity_id"] = e.EntityID
	}
	if e.ExpectedVersion != nil {
		m["expected_version"] = *e.ExpectedVersion
	}
	if e.ReplyTo != "" {
		m["reply_to"] = e.ReplyTo
	}
	for k, v := range e.Extensions {
		if !knownFields[k] {
			m[k] = v
		}
	}

	return marshalValue(m)
}

// MarshalCanonicalValue serializes an arbitrary JSON-shaped value with the
// same canonical rules as MarshalCanonical. Used for payload columns and
// state hashing.
func MarshalCanonicalValue(v any) ([]byte, error) {
	return marshalValue(v)
}

func payloadOrEmpty(p map[string]any) map[string]any {
	if p == nil {
		return map[string]any{}
	}
	return p
}

// marshalValue serializes an arbitrary JSON value canonically.
func marshalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case string:
		return marshalString(val)
	case json.Number:
		return []byte(val.String()), nil
	case int:
		return []byte(strconv.FormatInt(int64(val), 10)), nil
	case int64:
		return []byte(strconv.FormatInt(val, 10)), nil
	case float64:
		// Shortest round-trip form; stable for identical bit patterns.
		return []byte(strconv.FormatFloat(val, 'g', -1, 64)), nil
	case []any:
		return marshalArray(val)
	case map[string]any:
		return marshalObject(val)
	default:
		return nil, fmt.Errorf("unsupported type in canonical JSON: %T", v)
	}
}

// marshalString emits an NFC-normalized JSON string without HTML escaping.
func marshalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if n := len(out); n > 0 && out[n-1] == '\n' {
		out = out[:n-1]
	}
	return out, nil
}

func marshalArray(arr []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := marshalValue(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := marshalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := marshalValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
