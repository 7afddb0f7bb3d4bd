// Package engine implements the deterministic processing loop around an
// agent adapter: ingress validation, idempotent effect, optimistic
// concurrency, atomic persistence, ordered apply, and scoped publication.
//
// One engine owns exactly one (tenant, workspace, agent) scope. A
// non-reentrant mutex serializes Process, Tick, and Replay, which is what
// makes the stored output stream a total order.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/meshforge/runtime/internal/adapter"
	"github.com/meshforge/runtime/internal/bus"
	"github.com/meshforge/runtime/internal/envelope"
	"github.com/meshforge/runtime/internal/store"
	"github.com/meshforge/runtime/internal/telemetry"
)

// Outcome classifies how Process resolved an envelope. Every outcome is
// final: the consumer acks the delivery. Transient failures are returned as
// errors instead, leaving the message for redelivery.
type Outcome string

const (
	// OutcomeProcessed: the adapter decided and the outputs were
	// persisted, applied, and published.
	OutcomeProcessed Outcome = "processed"

	// OutcomeDuplicate: the idempotency key was already processed; the
	// stored outputs were republished without re-deciding.
	OutcomeDuplicate Outcome = "duplicate"

	// OutcomeScopeViolation: the envelope targeted a foreign scope; a
	// security violation event was persisted in its place.
	OutcomeScopeViolation Outcome = "scope_violation"

	// OutcomeContractViolation: the envelope failed ingress validation.
	OutcomeContractViolation Outcome = "contract_violation"

	// OutcomeConflict: expected_version did not match; a conflict event
	// was persisted in place of the adapter's decision.
	OutcomeConflict Outcome = "conflict"

	// OutcomeAdapterError: the adapter failed; a runtime error event was
	// persisted in place of its outputs.
	OutcomeAdapterError Outcome = "adapter_error"
)

// Result is the resolution of one Process call: the outcome class plus the
// envelopes persisted and published on its behalf.
type Result struct {
	Outcome Outcome
	Outputs []envelope.Envelope
}

// Options configures an engine.
type Options struct {
	Tenant    string
	Workspace string
	AgentID   string

	Adapter adapter.Adapter
	Store   *store.Store
	Bus     bus.Publisher
	Router  bus.Router

	// Deterministic freezes the clock and derives output ids from the
	// triggering message, for replay verification and tests.
	Deterministic bool

	Telemetry *telemetry.Telemetry
	Logger    *slog.Logger
}

// Engine drives one agent adapter through the processing protocol.
type Engine struct {
	tenant    string
	workspace string
	agentID   string

	adapter adapter.Adapter
	store   *store.Store
	bus     bus.Publisher
	router  bus.Router
	clock   *Clock

	// processed caches idempotency keys already answered; the store's
	// key index is the fallback truth on a cache miss.
	processed *gocache.Cache

	tel    *telemetry.Telemetry
	logger *slog.Logger

	mu sync.Mutex
}

// New validates the wiring and builds an engine.
func New(opts Options) (*Engine, error) {
	if opts.Tenant == "" || opts.Workspace == "" {
		return nil, fmt.Errorf("engine: tenant and workspace are required")
	}
	if opts.AgentID == "" {
		return nil, fmt.Errorf("engine: agent id is required")
	}
	if err := adapter.Validate(opts.Adapter); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("engine: bus is required")
	}

	tel := opts.Telemetry
	if tel == nil {
		var err error
		tel, err = telemetry.New()
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		tenant:    opts.Tenant,
		workspace: opts.Workspace,
		agentID:   opts.AgentID,
		adapter:   opts.Adapter,
		store:     opts.Store,
		bus:       opts.Bus,
		router:    opts.Router,
		clock:     NewClock(opts.Deterministic),
		processed: gocache.New(time.Hour, 10*time.Minute),
		tel:       tel,
		logger:    logger,
	}, nil
}

// AgentID returns the agent this engine hosts.
func (e *Engine) AgentID() string { return e.agentID }

// Tenant returns the engine's tenant scope.
func (e *Engine) Tenant() string { return e.tenant }

// Workspace returns the engine's workspace scope.
func (e *Engine) Workspace() string { return e.workspace }

// Now returns the engine clock's current time in epoch milliseconds.
func (e *Engine) Now() int64 { return e.clock.NowMS() }

// Health reports the hosted adapter's health.
func (e *Engine) Health() envelope.Health { return e.adapter.Health() }

// StateHash returns the deterministic hash of the adapter's current state.
func (e *Engine) StateHash() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return envelope.StateHash(e.adapter.State())
}

// Process runs one envelope through the full protocol. The returned error
// is reserved for transient I/O failures; every semantic failure resolves
// into a Result whose outcome events are already persisted and published.
func (e *Engine) Process(ctx context.Context, env envelope.Envelope) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ctx, span := e.tel.Tracer.Start(ctx, "engine.process",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("agent.id", e.agentID),
			attribute.String("event.id", env.MessageID),
			attribute.String("event.type", env.Type),
		))
	defer span.End()

	start := time.Now()
	defer func() {
		e.tel.ProcessingDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000,
			metric.WithAttributes(
				attribute.String("agent", e.agentID),
				attribute.String("type", env.Type),
			))
	}()

	// 1. Ingress validation.
	if err := env.Validate(); err != nil {
		span.SetAttributes(attribute.Bool("security.violation", true))
		return e.reject(ctx, &env, ErrCodeContractViolation, err.Error())
	}
	if env.Tenant != e.tenant || env.Workspace != e.workspace {
		span.SetAttributes(attribute.Bool("security.violation", true))
		reason := fmt.Sprintf("envelope scope %s/%s does not match engine scope %s/%s",
			env.Tenant, env.Workspace, e.tenant, e.workspace)
		return e.reject(ctx, &env, ErrCodeScopeMismatch, reason)
	}

	// 2. Idempotency.
	dup, err := e.isProcessed(ctx, env.IdempotencyKey)
	if err != nil {
		return Result{}, fmt.Errorf("process %s: idempotency check: %w", env.MessageID, err)
	}
	if dup {
		span.SetAttributes(attribute.Bool("idempotency.hit", true))
		e.tel.IdempotencyHits.Add(ctx, 1,
			metric.WithAttributes(attribute.String("agent", e.agentID)))
		return e.answerDuplicate(ctx, &env)
	}

	e.tel.EventsReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", e.agentID),
		attribute.String("type", env.Type),
	))

	// 3. Optimistic concurrency.
	if env.ExpectedVersion != nil && env.EntityID != "" {
		current, _, err := e.store.EntityVersion(ctx, e.tenant, e.workspace, e.agentID, env.EntityID)
		if err != nil {
			return Result{}, fmt.Errorf("process %s: entity version: %w", env.MessageID, err)
		}
		if current != *env.ExpectedVersion {
			span.SetAttributes(attribute.Bool("concurrency.conflict", true))
			return e.conflict(ctx, &env, current)
		}
	}

	// 4. Pure decision, with panic containment.
	outputs, decideErr := e.decide(&env)
	if decideErr != nil {
		return e.adapterFailure(ctx, &env, decideErr)
	}

	// 5. Egress rewrite, atomic append, ordered apply.
	rewritten := make([]envelope.Envelope, len(outputs))
	for i := range outputs {
		rewritten[i] = e.rewriteEgress(outputs[i], &env, i)
	}
	bumps, err := e.entityBumps(ctx, rewritten)
	if err != nil {
		return Result{}, fmt.Errorf("process %s: %w", env.MessageID, err)
	}

	if err := e.store.Append(ctx, store.Batch{
		Tenant:    e.tenant,
		Workspace: e.workspace,
		Agent:     e.agentID,
		Key:       env.IdempotencyKey,
		Input:     &env,
		Outputs:   rewritten,
		Bumps:     bumps,
	}); err != nil {
		return Result{}, fmt.Errorf("process %s: append: %w", env.MessageID, err)
	}
	e.markProcessed(env.IdempotencyKey)

	for i := range rewritten {
		e.adapter.Apply(rewritten[i])
	}

	// 6. Side effects. A publish failure here is transient: the append
	// already committed, so redelivery resolves as a duplicate and
	// republishes the stored outputs.
	if err := e.dispatch(ctx, rewritten); err != nil {
		return Result{}, fmt.Errorf("process %s: %w", env.MessageID, err)
	}

	if n := len(rewritten); n > 0 {
		e.tel.EventsEmitted.Add(ctx, int64(n),
			metric.WithAttributes(attribute.String("agent", e.agentID)))
	}
	e.logger.Info("event processed",
		"agent", e.agentID,
		"event_id", env.MessageID,
		"type", env.Type,
		"outputs", len(rewritten),
	)

	return Result{Outcome: OutcomeProcessed, Outputs: rewritten}, nil
}

// Tick runs the adapter's time-driven logic. Each tick output is persisted
// under its own idempotency key, applied, and published, with the same
// egress enforcement as Process outputs.
func (e *Engine) Tick(ctx context.Context, nowMS int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	outputs := e.adapter.Tick(nowMS)
	if len(outputs) == 0 {
		return nil
	}

	rewritten := make([]envelope.Envelope, 0, len(outputs))
	for i := range outputs {
		o := e.rewriteTick(outputs[i], nowMS, i)

		bumps, err := e.entityBumps(ctx, []envelope.Envelope{o})
		if err != nil {
			return fmt.Errorf("tick: %w", err)
		}
		if err := e.store.Append(ctx, store.Batch{
			Tenant:    e.tenant,
			Workspace: e.workspace,
			Agent:     e.agentID,
			Key:       o.IdempotencyKey,
			Outputs:   []envelope.Envelope{o},
			Bumps:     bumps,
		}); err != nil {
			return fmt.Errorf("tick: append %s: %w", o.MessageID, err)
		}
		e.markProcessed(o.IdempotencyKey)
		e.adapter.Apply(o)
		rewritten = append(rewritten, o)
	}

	if err := e.dispatch(ctx, rewritten); err != nil {
		return fmt.Errorf("tick: %w", err)
	}
	e.tel.EventsEmitted.Add(ctx, int64(len(rewritten)),
		metric.WithAttributes(attribute.String("agent", e.agentID)))
	e.logger.Info("tick emitted", "agent", e.agentID, "now_ms", nowMS, "outputs", len(rewritten))
	return nil
}

// reject resolves an ingress violation: persist a security violation event
// under the engine's own scope, apply and publish it, and mark the key so
// redeliveries dedupe instead of re-auditing. The offending envelope itself
// is never persisted; its payload must not cross into this scope.
func (e *Engine) reject(ctx context.Context, env *envelope.Envelope, code RuntimeErrorCode, reason string) (Result, error) {
	e.tel.SecurityViolations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("agent", e.agentID),
		attribute.String("reason", string(code)),
	))
	e.logger.Warn("ingress violation",
		"agent", e.agentID,
		"event_id", env.MessageID,
		"code", string(code),
		"reason", reason,
	)

	outcome := OutcomeContractViolation
	if code == ErrCodeScopeMismatch {
		outcome = OutcomeScopeViolation
	}

	key := env.IdempotencyKey
	if key == "" {
		key = "violation-" + env.MessageID
	}
	parent := env.MessageID
	if parent == "" {
		parent = "unknown"
	}

	violation := envelope.Envelope{
		MessageID:     e.clock.DerivedID(parent, "violation"),
		Ts:            e.clock.NowMS(),
		Type:          "evt.security.violation",
		SchemaVersion: envelope.SchemaVersion,
		Tenant:        e.tenant,
		Workspace:     e.workspace,
		Security:      env.Security,
		Actor:         envelope.Actor{ID: e.agentID, Role: "runtime"},
		Source:        envelope.Source{Agent: e.agentID, Adapter: "runtime"},
		Payload: map[string]any{
			"code":               string(code),
			"reason":             reason,
			"original_event_id":  env.MessageID,
			"original_type":      env.Type,
			"original_tenant":    env.Tenant,
			"original_workspace": env.Workspace,
		},
		IdempotencyKey: key,
		CorrelationID:  env.CorrelationID,
		CausationID:    env.MessageID,
		TraceID:        env.TraceID,
		SpanID:         env.SpanID,
	}
	if violation.Security.PrincipalID == "" {
		violation.Security = envelope.SecurityContext{
			PrincipalID:   e.agentID,
			PrincipalType: envelope.PrincipalSystem,
		}
	}

	if env.MessageID == "" && env.IdempotencyKey == "" {
		// Nothing stable to key the audit record on. Publish only.
		if err := e.bus.Publish(ctx, []envelope.Envelope{violation}); err != nil {
			return Result{}, fmt.Errorf("reject: publish violation: %w", err)
		}
		return Result{Outcome: outcome, Outputs: []envelope.Envelope{violation}}, nil
	}

	// A redelivered violating envelope dedupes against the audit record.
	dup, err := e.isProcessed(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("reject: idempotency check: %w", err)
	}
	if dup {
		return e.answerDuplicate(ctx, env)
	}

	if err := e.store.Append(ctx, store.Batch{
		Tenant:    e.tenant,
		Workspace: e.workspace,
		Agent:     e.agentID,
		Key:       key,
		Outputs:   []envelope.Envelope{violation},
	}); err != nil {
		return Result{}, fmt.Errorf("reject: append violation: %w", err)
	}
	e.markProcessed(key)
	e.adapter.Apply(violation)

	if err := e.bus.Publish(ctx, []envelope.Envelope{violation}); err != nil {
		return Result{}, fmt.Errorf("reject: publish violation: %w", err)
	}

	return Result{Outcome: outcome, Outputs: []envelope.Envelope{violation}}, nil
}

// conflict resolves an optimistic concurrency failure: the decision to
// reject is itself persisted, keyed by the command's idempotency key, so a
// redelivered command finds the conflict instead of succeeding after the
// fact.
func (e *Engine) conflict(ctx context.Context, env *envelope.Envelope, current int64) (Result, error) {
	e.logger.Warn("concurrency conflict",
		"agent", e.agentID,
		"event_id", env.MessageID,
		"entity_id", env.EntityID,
		"expected", *env.ExpectedVersion,
		"current", current,
	)

	conflict := envelope.Envelope{
		MessageID:     e.clock.DerivedID(env.MessageID, "conflict"),
		Ts:            e.clock.NowMS(),
		Type:          "evt." + e.agentID + ".conflict",
		SchemaVersion: envelope.SchemaVersion,
		Tenant:        e.tenant,
		Workspace:     e.workspace,
		Security:      env.Security,
		Actor:         env.Actor,
		Source:        envelope.Source{Agent: e.agentID, Adapter: "runtime"},
		Payload: map[string]any{
			"entity_id":        env.EntityID,
			"expected_version": *env.ExpectedVersion,
			"current_version":  current,
			"reason":           string(ErrCodeVersionConflict),
		},
		IdempotencyKey: env.IdempotencyKey,
		CorrelationID:  env.CorrelationID,
		CausationID:    env.MessageID,
		TraceID:        env.TraceID,
		SpanID:         env.SpanID,
	}

	if err := e.store.Append(ctx, store.Batch{
		Tenant:    e.tenant,
		Workspace: e.workspace,
		Agent:     e.agentID,
		Key:       env.IdempotencyKey,
		Input:     env,
		Outputs:   []envelope.Envelope{conflict},
	}); err != nil {
		return Result{}, fmt.Errorf("conflict: append: %w", err)
	}
	e.markProcessed(env.IdempotencyKey)
	e.adapter.Apply(conflict)

	if err := e.bus.Publish(ctx, []envelope.Envelope{conflict}); err != nil {
		return Result{}, fmt.Errorf("conflict: publish: %w", err)
	}

	return Result{Outcome: OutcomeConflict, Outputs: []envelope.Envelope{conflict}}, nil
}

// adapterFailure resolves a failed decision into a persisted runtime error
// event. The failure is final; retrying the same envelope against a pure
// adapter would fail identically.
func (e *Engine) adapterFailure(ctx context.Context, env *envelope.Envelope, decideErr error) (Result, error) {
	e.logger.Error("adapter decision failed",
		"agent", e.agentID,
		"event_id", env.MessageID,
		"error", decideErr,
	)

	errEvent := envelope.Envelope{
		MessageID:     e.clock.DerivedID(env.MessageID, "error"),
		Ts:            e.clock.NowMS(),
		Type:          "evt.runtime.error",
		SchemaVersion: envelope.SchemaVersion,
		Tenant:        e.tenant,
		Workspace:     e.workspace,
		Security:      env.Security,
		Actor:         envelope.Actor{ID: e.agentID, Role: "runtime"},
		Source:        envelope.Source{Agent: e.agentID, Adapter: "runtime"},
		Payload: map[string]any{
			"error_code":        string(ErrCodeAdapterFailure),
			"message":           decideErr.Error(),
			"original_event_id": env.MessageID,
		},
		IdempotencyKey: env.IdempotencyKey,
		CorrelationID:  env.CorrelationID,
		CausationID:    env.MessageID,
		TraceID:        env.TraceID,
		SpanID:         env.SpanID,
	}

	if err := e.store.Append(ctx, store.Batch{
		Tenant:    e.tenant,
		Workspace: e.workspace,
		Agent:     e.agentID,
		Key:       env.IdempotencyKey,
		Input:     env,
		Outputs:   []envelope.Envelope{errEvent},
	}); err != nil {
		return Result{}, fmt.Errorf("adapter failure: append: %w", err)
	}
	e.markProcessed(env.IdempotencyKey)
	e.adapter.Apply(errEvent)

	if err := e.bus.Publish(ctx, []envelope.Envelope{errEvent}); err != nil {
		return Result{}, fmt.Errorf("adapter failure: publish: %w", err)
	}

	return Result{Outcome: OutcomeAdapterError, Outputs: []envelope.Envelope{errEvent}}, nil
}

// answerDuplicate republishes the stored outputs for an already-processed
// key. A crash between append and publish on the first delivery means the
// outputs may never have reached the bus; downstream dedupes on message id.
func (e *Engine) answerDuplicate(ctx context.Context, env *envelope.Envelope) (Result, error) {
	outputs, err := e.store.LookupOutputs(ctx, e.tenant, e.workspace, e.IdempotencyKeyFor(env))
	if err != nil {
		return Result{}, fmt.Errorf("duplicate %s: lookup: %w", env.MessageID, err)
	}
	if err := e.dispatch(ctx, outputs); err != nil {
		return Result{}, fmt.Errorf("duplicate %s: %w", env.MessageID, err)
	}
	e.logger.Info("duplicate delivery answered from store",
		"agent", e.agentID,
		"event_id", env.MessageID,
		"key", env.IdempotencyKey,
		"outputs", len(outputs),
	)
	return Result{Outcome: OutcomeDuplicate, Outputs: outputs}, nil
}

// IdempotencyKeyFor returns the key the engine files an envelope under:
// its own idempotency key, or the derived violation key when absent.
func (e *Engine) IdempotencyKeyFor(env *envelope.Envelope) string {
	if env.IdempotencyKey != "" {
		return env.IdempotencyKey
	}
	return "violation-" + env.MessageID
}

// decide invokes the adapter with panic containment. Any failure is
// normalized to a RuntimeError with the adapter failure code.
func (e *Engine) decide(env *envelope.Envelope) (outputs []envelope.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			outputs = nil
			err = &RuntimeError{
				Code:    ErrCodeAdapterFailure,
				Message: fmt.Sprintf("adapter panic: %v", r),
				AgentID: e.agentID,
				EventID: env.MessageID,
			}
		}
	}()

	outputs, decideErr := e.adapter.Decide(*env)
	if decideErr != nil {
		return nil, &RuntimeError{
			Code:    ErrCodeAdapterFailure,
			Message: decideErr.Error(),
			AgentID: e.agentID,
			EventID: env.MessageID,
		}
	}
	return outputs, nil
}

// rewriteEgress enforces the engine scope on an adapter output and fills in
// the fields an adapter may not control: scope, security context, lineage,
// time, identity. Adapters cannot emit into foreign scopes.
func (e *Engine) rewriteEgress(out envelope.Envelope, in *envelope.Envelope, index int) envelope.Envelope {
	o := out.Clone()

	o.Tenant = e.tenant
	o.Workspace = e.workspace
	o.Security = in.Security
	o.CausationID = in.MessageID
	o.Source.Agent = e.agentID

	if o.MessageID == "" {
		o.MessageID = e.clock.OutputID(in.MessageID, index)
	}
	if o.Ts == 0 {
		o.Ts = e.clock.NowMS()
	}
	if o.SchemaVersion == "" {
		o.SchemaVersion = envelope.SchemaVersion
	}
	if o.CorrelationID == "" {
		o.CorrelationID = in.CorrelationID
	}
	if o.TraceID == "" {
		o.TraceID = in.TraceID
	}
	if o.SpanID == "" {
		o.SpanID = in.SpanID
	}
	if o.IdempotencyKey == "" {
		o.IdempotencyKey = in.IdempotencyKey
	}
	if o.Actor.ID == "" {
		o.Actor = in.Actor
	}

	return o
}

// rewriteTick enforces scope and identity on a tick output. Tick outputs
// have no triggering envelope, so each gets its own idempotency key.
func (e *Engine) rewriteTick(out envelope.Envelope, nowMS int64, index int) envelope.Envelope {
	o := out.Clone()

	o.Tenant = e.tenant
	o.Workspace = e.workspace
	o.Source.Agent = e.agentID

	if o.MessageID == "" {
		o.MessageID = e.clock.TickID(nowMS, index)
	}
	if o.Ts == 0 {
		o.Ts = nowMS
	}
	if o.SchemaVersion == "" {
		o.SchemaVersion = envelope.SchemaVersion
	}
	if o.IdempotencyKey == "" {
		o.IdempotencyKey = o.MessageID
	}
	if o.Security.PrincipalID == "" {
		o.Security = envelope.SecurityContext{
			PrincipalID:   e.agentID,
			PrincipalType: envelope.PrincipalSystem,
		}
	}
	if o.Actor.ID == "" {
		o.Actor = envelope.Actor{ID: e.agentID, Role: "runtime"}
	}

	return o
}

// dispatch publishes events via the bus and routes commands via the router,
// preserving relative order within each class.
func (e *Engine) dispatch(ctx context.Context, outputs []envelope.Envelope) error {
	var events, commands []envelope.Envelope
	for i := range outputs {
		if outputs[i].IsCommand() {
			commands = append(commands, outputs[i])
		} else {
			events = append(events, outputs[i])
		}
	}

	if len(events) > 0 {
		if err := e.bus.Publish(ctx, events); err != nil {
			return fmt.Errorf("publish: %w", err)
		}
	}
	if len(commands) > 0 {
		if e.router == nil {
			e.logger.Warn("dropping commands: no router configured",
				"agent", e.agentID, "count", len(commands))
			return nil
		}
		for i := range commands {
			if err := e.router.Route(ctx, commands[i]); err != nil {
				return fmt.Errorf("route: %w", err)
			}
		}
	}
	return nil
}

// entityBumps derives the entity-version increments a batch of outputs
// carries: every event with an entity id advances that entity by one,
// in output order.
func (e *Engine) entityBumps(ctx context.Context, outputs []envelope.Envelope) ([]store.EntityBump, error) {
	next := map[string]int64{}
	for i := range outputs {
		o := &outputs[i]
		if o.EntityID == "" || o.IsCommand() {
			continue
		}
		v, seen := next[o.EntityID]
		if !seen {
			current, _, err := e.store.EntityVersion(ctx, e.tenant, e.workspace, e.agentID, o.EntityID)
			if err != nil {
				return nil, fmt.Errorf("entity bumps: %w", err)
			}
			v = current
		}
		next[o.EntityID] = v + 1
	}

	if len(next) == 0 {
		return nil, nil
	}
	bumps := make([]store.EntityBump, 0, len(next))
	for id, v := range next {
		bumps = append(bumps, store.EntityBump{Agent: e.agentID, EntityID: id, Version: v})
	}
	sort.Slice(bumps, func(i, j int) bool { return bumps[i].EntityID < bumps[j].EntityID })
	return bumps, nil
}

func (e *Engine) scopedKey(key string) string {
	return e.tenant + ":" + e.workspace + ":" + key
}

func (e *Engine) isProcessed(ctx context.Context, key string) (bool, error) {
	if _, hit := e.processed.Get(e.scopedKey(key)); hit {
		return true, nil
	}
	has, err := e.store.HasKey(ctx, e.tenant, e.workspace, key)
	if err != nil {
		return false, err
	}
	if has {
		e.markProcessed(key)
	}
	return has, nil
}

func (e *Engine) markProcessed(key string) {
	e.processed.Set(e.scopedKey(key), struct{}{}, gocache.DefaultExpiration)
}
