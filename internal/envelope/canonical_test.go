package envelope

import (
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

func sampleEnvelope() Envelope {
	ev := int64(3)
	return Envelope{
		MessageID:     "msg-001",
		Ts:            1234567890000,
		Type:          "cmd.order.submit",
		SchemaVersion: SchemaVersion,
		Tenant:        "t1",
		Workspace:     "w1",
		Security:      SecurityContext{PrincipalID: "user-7", PrincipalType: PrincipalUser},
		Actor:         Actor{ID: "user-7", Role: "buyer"},
		Source:        Source{Agent: "gateway", Adapter: "http"},
		Payload: map[string]any{
			"zebra":  "last",
			"apple":  "first",
			"amount": int64(42),
			"nested": map[string]any{"b": true, "a": nil},
		},
		IdempotencyKey:  "key-001",
		CorrelationID:   "corr-1",
		CausationID:     "cause-1",
		TraceID:         "trace-1",
		SpanID:          "span-1",
		EntityID:        "order-9",
		ExpectedVersion: &ev,
	}
}

func TestMarshalCanonical_SortedKeys(t *testing.T) {
	env := sampleEnvelope()
	data, err := MarshalCanonical(&env)
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}

	s := string(data)
	if strings.Contains(s, " ") && !strings.Contains(s, `" "`) {
		t.Errorf("canonical JSON contains insignificant whitespace: %s", s)
	}
	// Payload keys must appear in lexicographic order.
	if strings.Index(s, `"amount"`) > strings.Index(s, `"apple"`) ||
		strings.Index(s, `"apple"`) > strings.Index(s, `"zebra"`) {
		t.Errorf("payload keys not sorted: %s", s)
	}
	// Top-level keys sorted as well.
	if strings.Index(s, `"actor"`) > strings.Index(s, `"tenant"`) {
		t.Errorf("top-level keys not sorted: %s", s)
	}
}

func TestMarshalCanonical_ByteStable(t *testing.T) {
	env := sampleEnvelope()
	a, err := MarshalCanonical(&env)
	if err != nil {
		t.Fatalf("first marshal failed: %v", err)
	}
	b, err := MarshalCanonical(&env)
	if err != nil {
		t.Fatalf("second marshal failed: %v", err)
	}
	if string(a) != string(b) {
		t.Errorf("canonical output not stable:\n%s\n%s", a, b)
	}
}

func TestMarshalCanonical_RoundTripStable(t *testing.T) {
	env := sampleEnvelope()
	first, err := MarshalCanonical(&env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	decoded, err := Decode(first)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	second, err := MarshalCanonical(&decoded)
	if err != nil {
		t.Fatalf("re-marshal failed: %v", err)
	}

	if string(first) != string(second) {
		t.Errorf("round trip not byte-stable:\n%s\n%s", first, second)
	}
}

func TestMarshalCanonical_NoHTMLEscaping(t *testing.T) {
	env := sampleEnvelope()
	env.Payload = map[string]any{"expr": "a < b && c > d"}
	data, err := MarshalCanonical(&env)
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	if !strings.Contains(string(data), "a < b && c > d") {
		t.Errorf("HTML characters were escaped: %s", data)
	}
}

func TestMarshalCanonical_ExtensionsPreserved(t *testing.T) {
	raw := []byte(`{"message_id":"m1","ts":1,"type":"cmd.x.create","schema_version":"1.0",` +
		`"tenant":"t1","workspace":"w1",` +
		`"security_context":{"principal_id":"p","principal_type":"user"},` +
		`"actor":{"id":"a","role":"r"},"source":{"agent":"g","adapter":"d"},` +
		`"payload":{},"idempotency_key":"k1","x_future_field":"kept"}`)

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if env.Extensions["x_future_field"] != "kept" {
		t.Fatalf("unknown field not captured: %#v", env.Extensions)
	}

	out, err := MarshalCanonical(&env)
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}
	if !strings.Contains(string(out), `"x_future_field":"kept"`) {
		t.Errorf("extension field lost on re-serialization: %s", out)
	}
}

func TestMarshalCanonical_Golden(t *testing.T) {
	env := sampleEnvelope()
	data, err := MarshalCanonical(&env)
	if err != nil {
		t.Fatalf("MarshalCanonical() failed: %v", err)
	}

	g := goldie.New(t)
	g.Assert(t, "envelope_canonical", data)
}
